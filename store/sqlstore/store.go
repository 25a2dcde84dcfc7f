/*
Package sqlstore provides the SQL-backed implementation of generic.Store.

PURPOSE:
  Persists billing entries, contracts and account adjustments in SQLite
  (development, tests) or PostgreSQL (production, via pgx). Both dialects
  share one schema and one set of queries; placeholders are written as "?"
  and rebound to "$n" for PostgreSQL.

KEY TABLES:
  billing_entries:     Charges and correction entries
  contracts:           Contract billing parameters
  account_adjustments: Direct account corrections (append-only)

INDEXES:
  - idx_billing_entries_schedule_key: Enforces one charge per
    (contract, due date, transaction type); backs idempotent generation
  - idx_billing_entries_member_due:   Account views (hot path)

STORAGE FORMAT:
  Dates are TEXT "YYYY-MM-DD" (sorts correctly in both dialects),
  timestamps RFC3339, money NUMERIC(12,2), lists and audit records JSON.

CONSISTENCY:
  InsertBatch runs in one database transaction. UpdateEntry is a single
  UPDATE statement; last write wins.

USAGE:
  store, err := sqlstore.New(sqlstore.DriverSQLite, ":memory:")
  if err != nil {
      return err
  }
  defer store.Close()

MIGRATION:
  Versioned migrations are embedded (migrations/*.sql) and applied by
  New() through golang-migrate. `billing migrate` applies them explicitly.

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/store/memory.go: In-memory implementation for tests
*/
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/generic"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Store implements generic.Store on database/sql.
type Store struct {
	db     *sql.DB
	driver string
}

var _ generic.Store = (*Store)(nil)

// New opens the database and applies migrations.
// For SQLite, dsn is a file path or ":memory:".
func New(driver, dsn string) (*Store, error) {
	if driver == "" {
		driver = DriverSQLite
	}
	open := dsn
	if driver == DriverSQLite && !strings.Contains(dsn, "?") {
		open = dsn + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open(driver, open)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if driver == DriverSQLite {
		// Every connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "connect database")
	}
	if err := Migrate(db, driver); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate database")
	}
	return &Store{db: db, driver: driver}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// =============================================================================
// BILLING ENTRIES
// =============================================================================

const entryColumns = `id, member_id, contract_id, payment_group_id, parent_entry_id, kind,
	due_date, transaction_type, amount, stored_status, recurrence_json,
	amount_paid, amount_returned, priority, description, notes, tags_json,
	audit_json, created_by, created_at, updated_at, scheduled_for`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) InsertBatch(ctx context.Context, entries []generic.BillingEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	for _, e := range entries {
		if err := s.insertEntry(ctx, tx, e); err != nil {
			return err
		}
	}
	return errors.Wrap(tx.Commit(), "commit entries")
}

func (s *Store) insertEntry(ctx context.Context, db execer, e generic.BillingEntry) error {
	args, err := entryArgs(e)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, s.rebind(`
		INSERT INTO billing_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`), args...)
	if isUniqueConstraintError(err) {
		return errors.Wrapf(generic.ErrDuplicateSchedule, "%s", e.ScheduleKey())
	}
	return errors.Wrapf(err, "insert entry %s", e.ID)
}

func (s *Store) GetEntry(ctx context.Context, id generic.EntryID) (*generic.BillingEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+entryColumns+` FROM billing_entries WHERE id = ?`), string(id))
	if err != nil {
		return nil, errors.Wrapf(err, "get entry %s", id)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, errors.Wrapf(generic.ErrEntryNotFound, "entry %s", id)
	}
	return &entries[0], nil
}

func (s *Store) UpdateEntry(ctx context.Context, e generic.BillingEntry) error {
	args, err := entryArgs(e)
	if err != nil {
		return err
	}
	// id moves from first to last position for the WHERE clause
	args = append(args[1:], args[0])
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE billing_entries SET
			member_id = ?, contract_id = ?, payment_group_id = ?, parent_entry_id = ?, kind = ?,
			due_date = ?, transaction_type = ?, amount = ?, stored_status = ?, recurrence_json = ?,
			amount_paid = ?, amount_returned = ?, priority = ?, description = ?, notes = ?,
			tags_json = ?, audit_json = ?, created_by = ?, created_at = ?, updated_at = ?,
			scheduled_for = ?
		WHERE id = ?`), args...)
	if isUniqueConstraintError(err) {
		return errors.Wrapf(generic.ErrDuplicateSchedule, "%s", e.ScheduleKey())
	}
	if err != nil {
		return errors.Wrapf(err, "update entry %s", e.ID)
	}
	return requireAffected(res, errors.Wrapf(generic.ErrEntryNotFound, "entry %s", e.ID))
}

func (s *Store) DeleteEntry(ctx context.Context, id generic.EntryID) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM billing_entries WHERE id = ?`), string(id))
	if err != nil {
		return errors.Wrapf(err, "delete entry %s", id)
	}
	return requireAffected(res, errors.Wrapf(generic.ErrEntryNotFound, "entry %s", id))
}

func (s *Store) ListEntries(ctx context.Context, f generic.EntryFilter) ([]generic.BillingEntry, error) {
	var (
		where []string
		args  []any
	)
	in := func(column string, values []string) {
		if len(values) == 0 {
			return
		}
		where = append(where, column+" IN ("+strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")+")")
		args = append(args, lo.ToAnySlice(values)...)
	}

	in("member_id", toStrings(f.MemberIDs))
	in("stored_status", toStrings(f.Statuses))
	in("transaction_type", toStrings(f.TransactionTypes))
	in("kind", toStrings(f.Kinds))
	in("id", toStrings(f.IDs))
	if f.ContractID != "" {
		where = append(where, "contract_id = ?")
		args = append(args, string(f.ContractID))
	}
	if f.DueFrom != nil {
		where = append(where, "due_date >= ?")
		args = append(args, f.DueFrom.String())
	}
	if f.DueTo != nil {
		where = append(where, "due_date <= ?")
		args = append(args, f.DueTo.String())
	}
	if f.AmountMin != nil {
		where = append(where, "amount >= ?")
		args = append(args, f.AmountMin.String())
	}
	if f.AmountMax != nil {
		where = append(where, "amount <= ?")
		args = append(args, f.AmountMax.String())
	}

	query := `SELECT ` + entryColumns + ` FROM billing_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY " + orderBy(f.Sort)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "list entries")
	}
	return scanEntries(rows)
}

func (s *Store) ScheduleKeys(ctx context.Context, contractID generic.ContractID) (map[generic.ScheduleKey]generic.EntryID, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, scheduled_for, transaction_type FROM billing_entries
		WHERE contract_id = ? AND kind = 'charge'`), string(contractID))
	if err != nil {
		return nil, errors.Wrapf(err, "load schedule keys %s", contractID)
	}
	defer rows.Close()

	keys := make(map[generic.ScheduleKey]generic.EntryID)
	for rows.Next() {
		var id, slot, tt string
		if err := rows.Scan(&id, &slot, &tt); err != nil {
			return nil, errors.Wrap(err, "scan schedule key")
		}
		d, err := generic.ParseDate(slot)
		if err != nil {
			return nil, err
		}
		keys[generic.ScheduleKey{ContractID: contractID, ScheduledFor: d, TransactionType: generic.TransactionType(tt)}] = generic.EntryID(id)
	}
	return keys, rows.Err()
}

func entryArgs(e generic.BillingEntry) ([]any, error) {
	var recurrence sql.NullString
	if e.Recurrence != nil {
		b, err := json.Marshal(e.Recurrence)
		if err != nil {
			return nil, errors.Wrap(err, "encode recurrence")
		}
		recurrence = sql.NullString{String: string(b), Valid: true}
	}
	tags, err := json.Marshal(lo.Ternary(e.Tags == nil, []string{}, e.Tags))
	if err != nil {
		return nil, errors.Wrap(err, "encode tags")
	}
	audit, err := json.Marshal(lo.Ternary(e.Audit == nil, []generic.CorrectionAudit{}, e.Audit))
	if err != nil {
		return nil, errors.Wrap(err, "encode audit")
	}
	// charges always carry a slot so the unique index covers them
	var slot string
	if e.Kind == generic.KindCharge || !e.ScheduledFor.IsZero() {
		slot = e.ScheduleKey().ScheduledFor.String()
	}
	return []any{
		string(e.ID), string(e.MemberID), string(e.ContractID), e.PaymentGroupID, string(e.ParentEntryID),
		string(e.Kind), e.DueDate.String(), string(e.TransactionType), e.Amount.String(), string(e.StoredStatus),
		recurrence, e.AmountPaid.String(), e.AmountReturned.String(), e.Priority, e.Description,
		e.Notes, string(tags), string(audit), e.CreatedBy, formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
		slot,
	}, nil
}

func scanEntries(rows *sql.Rows) ([]generic.BillingEntry, error) {
	defer rows.Close()

	var result []generic.BillingEntry
	for rows.Next() {
		var (
			e                                 generic.BillingEntry
			id, member, contract, parent      string
			kind, due, tt, status             string
			recurrence                        sql.NullString
			tags, audit, createdAt, updatedAt string
			slot                              string
		)
		err := rows.Scan(&id, &member, &contract, &e.PaymentGroupID, &parent, &kind,
			&due, &tt, &e.Amount, &status, &recurrence,
			&e.AmountPaid, &e.AmountReturned, &e.Priority, &e.Description, &e.Notes, &tags,
			&audit, &e.CreatedBy, &createdAt, &updatedAt, &slot)
		if err != nil {
			return nil, errors.Wrap(err, "scan entry")
		}

		e.ID, e.MemberID, e.ContractID, e.ParentEntryID = generic.EntryID(id), generic.MemberID(member), generic.ContractID(contract), generic.EntryID(parent)
		e.Kind, e.TransactionType, e.StoredStatus = generic.EntryKind(kind), generic.TransactionType(tt), generic.StoredStatus(status)
		if e.DueDate, err = generic.ParseDate(due); err != nil {
			return nil, err
		}
		if slot != "" {
			if e.ScheduledFor, err = generic.ParseDate(slot); err != nil {
				return nil, err
			}
		}
		if recurrence.Valid {
			e.Recurrence = &generic.Recurrence{}
			if err := json.Unmarshal([]byte(recurrence.String), e.Recurrence); err != nil {
				return nil, errors.Wrapf(err, "decode recurrence of %s", id)
			}
		}
		if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
			return nil, errors.Wrapf(err, "decode tags of %s", id)
		}
		if err := json.Unmarshal([]byte(audit), &e.Audit); err != nil {
			return nil, errors.Wrapf(err, "decode audit of %s", id)
		}
		e.CreatedAt, e.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
		result = append(result, e)
	}
	return result, errors.Wrap(rows.Err(), "iterate entries")
}

func orderBy(s generic.Sort) string {
	dir := lo.Ternary(s.Desc, "DESC", "ASC")
	column := "due_date"
	switch s.Field {
	case generic.SortByAmount:
		column = "amount"
	case generic.SortByCreatedAt:
		column = "created_at"
	case generic.SortByStatus:
		column = "stored_status"
	}
	if column == "due_date" {
		return "due_date " + dir + ", id " + dir
	}
	return column + " " + dir + ", due_date " + dir + ", id " + dir
}

// =============================================================================
// CONTRACTS
// =============================================================================

const contractColumns = `id, member_id, tariff_name, start_date, end_date, base_amount, setup_fee,
	transaction_types_json, schedule, payment_group_id, payment_day, status,
	cancellation_date, created_at, updated_at`

// SaveContract inserts or replaces a contract.
func (s *Store) SaveContract(ctx context.Context, c generic.Contract) error {
	types, err := json.Marshal(c.TransactionTypes)
	if err != nil {
		return errors.Wrap(err, "encode transaction types")
	}
	var setupFee sql.NullString
	if c.SetupFee != nil {
		setupFee = sql.NullString{String: c.SetupFee.String(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO contracts (`+contractColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			member_id = excluded.member_id, tariff_name = excluded.tariff_name,
			start_date = excluded.start_date, end_date = excluded.end_date,
			base_amount = excluded.base_amount, setup_fee = excluded.setup_fee,
			transaction_types_json = excluded.transaction_types_json, schedule = excluded.schedule,
			payment_group_id = excluded.payment_group_id, payment_day = excluded.payment_day,
			status = excluded.status, cancellation_date = excluded.cancellation_date,
			updated_at = excluded.updated_at`),
		string(c.ID), string(c.MemberID), c.TariffName, c.StartDate.String(), nullDate(c.EndDate),
		c.BaseAmount.String(), setupFee, string(types), string(c.Schedule), c.PaymentGroupID,
		c.PaymentDay, string(c.Status), nullDate(c.CancellationDate), formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	return errors.Wrapf(err, "save contract %s", c.ID)
}

func (s *Store) GetContract(ctx context.Context, id generic.ContractID) (*generic.Contract, error) {
	contracts, err := s.queryContracts(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = ?`, string(id))
	if err != nil {
		return nil, err
	}
	if len(contracts) == 0 {
		return nil, errors.Wrapf(generic.ErrContractNotFound, "contract %s", id)
	}
	return &contracts[0], nil
}

// ListContracts returns the member's contracts, or all contracts for an empty member id.
func (s *Store) ListContracts(ctx context.Context, memberID generic.MemberID) ([]generic.Contract, error) {
	if memberID == "" {
		return s.queryContracts(ctx, `SELECT `+contractColumns+` FROM contracts ORDER BY id`)
	}
	return s.queryContracts(ctx, `SELECT `+contractColumns+` FROM contracts WHERE member_id = ? ORDER BY id`, string(memberID))
}

func (s *Store) queryContracts(ctx context.Context, query string, args ...any) ([]generic.Contract, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "query contracts")
	}
	defer rows.Close()

	var result []generic.Contract
	for rows.Next() {
		var (
			c                                  generic.Contract
			id, member, start, types, schedule string
			status, createdAt, updatedAt       string
			end, cancellation                  sql.NullString
			setupFee                           decimal.NullDecimal
		)
		if err := rows.Scan(&id, &member, &c.TariffName, &start, &end, &c.BaseAmount, &setupFee,
			&types, &schedule, &c.PaymentGroupID, &c.PaymentDay, &status,
			&cancellation, &createdAt, &updatedAt); err != nil {
			return nil, errors.Wrap(err, "scan contract")
		}
		c.ID, c.MemberID = generic.ContractID(id), generic.MemberID(member)
		c.Schedule, c.Status = generic.RecurrencePattern(schedule), generic.ContractStatus(status)
		if c.StartDate, err = generic.ParseDate(start); err != nil {
			return nil, err
		}
		if c.EndDate, err = parseNullDate(end); err != nil {
			return nil, err
		}
		if c.CancellationDate, err = parseNullDate(cancellation); err != nil {
			return nil, err
		}
		if setupFee.Valid {
			c.SetupFee = lo.ToPtr(setupFee.Decimal)
		}
		if err := json.Unmarshal([]byte(types), &c.TransactionTypes); err != nil {
			return nil, errors.Wrapf(err, "decode transaction types of %s", id)
		}
		c.CreatedAt, c.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
		result = append(result, c)
	}
	return result, errors.Wrap(rows.Err(), "iterate contracts")
}

// =============================================================================
// ACCOUNT ADJUSTMENTS
// =============================================================================

func (s *Store) AppendAdjustment(ctx context.Context, a generic.AccountAdjustment) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO account_adjustments (id, member_id, amount, reason, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		string(a.ID), string(a.MemberID), a.Amount.String(), a.Reason, a.CreatedBy, formatTime(a.CreatedAt))
	return errors.Wrapf(err, "append adjustment %s", a.ID)
}

func (s *Store) ListAdjustments(ctx context.Context, memberID generic.MemberID) ([]generic.AccountAdjustment, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, member_id, amount, reason, created_by, created_at
		FROM account_adjustments WHERE member_id = ? ORDER BY created_at, id`), string(memberID))
	if err != nil {
		return nil, errors.Wrap(err, "list adjustments")
	}
	defer rows.Close()

	var result []generic.AccountAdjustment
	for rows.Next() {
		var a generic.AccountAdjustment
		var id, member, createdAt string
		if err := rows.Scan(&id, &member, &a.Amount, &a.Reason, &a.CreatedBy, &createdAt); err != nil {
			return nil, errors.Wrap(err, "scan adjustment")
		}
		a.ID, a.MemberID, a.CreatedAt = generic.AdjustmentID(id), generic.MemberID(member), parseTime(createdAt)
		result = append(result, a)
	}
	return result, errors.Wrap(rows.Err(), "iterate adjustments")
}

// Reset deletes all data. Used by demo scenario loading.
func (s *Store) Reset(ctx context.Context) error {
	for _, table := range []string{"account_adjustments", "billing_entries", "contracts"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return errors.Wrapf(err, "reset %s", table)
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// rebind rewrites "?" placeholders to "$1".."$n" for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func toStrings[T ~string](values []T) []string {
	return lo.Map(values, func(v T, _ int) string { return string(v) })
}

func nullDate(d *generic.Date) sql.NullString {
	if d == nil || d.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDate(s sql.NullString) (*generic.Date, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	d, err := generic.ParseDate(s.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
