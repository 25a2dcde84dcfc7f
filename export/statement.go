/*
Package export renders member account statements (Kontoauszug).

PURPOSE:
  Read-only presentation of a member account: summary figures from the
  account snapshot plus one row per entry with its effective status and open
  amount. Three formats are supported:

    xlsx - two sheets, "Übersicht" (summary) and "Buchungen" (entries)
    pdf  - single A4 document with a summary block and an entry table
    csv  - entries only, one header row

  Status and open amount come from the reconcile package, so a statement
  always shows the same figures as the account view.

SEE ALSO:
  - reconcile/snapshot.go: AccountSnapshot
  - api/handlers.go: GET /api/members/{id}/statement
*/
package export

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gocarina/gocsv"
	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"github.com/warp/billing-engine/generic"
	"github.com/warp/billing-engine/reconcile"
)

type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatPDF  Format = "pdf"
	FormatCSV  Format = "csv"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatXLSX, FormatPDF, FormatCSV:
		return f, nil
	case "":
		return FormatXLSX, nil
	}
	return "", generic.NewValidationError("format", fmt.Sprintf("unknown statement format %q (xlsx, pdf, csv)", s))
}

// ContentType returns the MIME type of the rendered document.
func (f Format) ContentType() string {
	switch f {
	case FormatPDF:
		return "application/pdf"
	case FormatCSV:
		return "text/csv; charset=utf-8"
	}
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}

// Statement is everything a rendered statement shows.
type Statement struct {
	Snapshot reconcile.AccountSnapshot
	Rows     []reconcile.EntryView
}

// NewStatement resolves every entry against today and orders rows by due date.
func NewStatement(snapshot reconcile.AccountSnapshot, entries []generic.BillingEntry, today generic.Date) Statement {
	netting := reconcile.NewNetting(entries)
	rows := make([]reconcile.EntryView, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, netting.View(e, today))
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return generic.Sort{Field: generic.SortByDueDate}.Less(rows[i].Entry, rows[j].Entry)
	})
	return Statement{Snapshot: snapshot, Rows: rows}
}

// Render dispatches to the builder of the requested format.
func Render(f Format, stmt Statement) ([]byte, error) {
	switch f {
	case FormatPDF:
		return BuildStatementPDF(stmt)
	case FormatCSV:
		return BuildStatementCSV(stmt)
	default:
		return BuildStatementXLSX(stmt)
	}
}

// FileName returns the suggested download name.
func FileName(f Format, stmt Statement) string {
	return fmt.Sprintf("kontoauszug-%s-%s.%s", stmt.Snapshot.MemberID, stmt.Snapshot.AsOf, f)
}

// =============================================================================
// CSV
// =============================================================================

type csvRow struct {
	EntryID         string `csv:"entry_id"`
	DueDate         string `csv:"due_date"`
	TransactionType string `csv:"transaction_type"`
	Description     string `csv:"description"`
	Amount          string `csv:"amount"`
	AmountPaid      string `csv:"amount_paid"`
	AmountReturned  string `csv:"amount_returned"`
	OpenAmount      string `csv:"open_amount"`
	StoredStatus    string `csv:"stored_status"`
	Status          string `csv:"status"`
	PaymentState    string `csv:"payment_state"`
}

func BuildStatementCSV(stmt Statement) ([]byte, error) {
	records := make([]*csvRow, 0, len(stmt.Rows))
	for _, r := range stmt.Rows {
		records = append(records, &csvRow{
			EntryID:         string(r.Entry.ID),
			DueDate:         r.Entry.DueDate.String(),
			TransactionType: string(r.Entry.TransactionType),
			Description:     r.Entry.DisplayDescription(),
			Amount:          r.Entry.Amount.StringFixed(2),
			AmountPaid:      r.Entry.AmountPaid.StringFixed(2),
			AmountReturned:  r.Entry.AmountReturned.StringFixed(2),
			OpenAmount:      r.OpenAmount.StringFixed(2),
			StoredStatus:    string(r.Entry.StoredStatus),
			Status:          string(r.Status),
			PaymentState:    string(r.PaymentState),
		})
	}

	var buf bytes.Buffer
	if err := gocsv.Marshal(records, &buf); err != nil {
		return nil, errors.Wrap(err, "marshal statement csv")
	}
	return buf.Bytes(), nil
}

// =============================================================================
// XLSX
// =============================================================================

func BuildStatementXLSX(stmt Statement) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	summarySheet := "Übersicht"
	entriesSheet := "Buchungen"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, errors.Wrap(err, "rename summary sheet")
	}
	if _, err := f.NewSheet(entriesSheet); err != nil {
		return nil, errors.Wrap(err, "create entries sheet")
	}

	snap := stmt.Snapshot
	summary := [][2]any{
		{"Kontoauszug", ""},
		{"Mitglied", string(snap.MemberID)},
		{"Stichtag", snap.AsOf.String()},
		{"Saldo", snap.Balance.InexactFloat64()},
		{"Offene Forderungen", snap.OpenCharges.InexactFloat64()},
		{"Überfällig", snap.OverdueAmount.InexactFloat64()},
		{"Guthaben", snap.Credits.InexactFloat64()},
		{"Kontokorrekturen", snap.AdjustmentTotal.InexactFloat64()},
		{"Bezahlt gesamt", snap.CumulativePaid.InexactFloat64()},
		{"Zahlungen", snap.PaymentCount},
	}
	for i, kv := range summary {
		row := i + 1
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", row), kv[0])
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", row), kv[1])
	}

	headers := []string{"Fällig", "Art", "Beschreibung", "Betrag", "Bezahlt", "Rücklastschrift", "Offen", "Status"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(entriesSheet, cell, h)
	}
	for i, r := range stmt.Rows {
		row := i + 2
		_ = f.SetCellValue(entriesSheet, fmt.Sprintf("A%d", row), r.Entry.DueDate.String())
		_ = f.SetCellValue(entriesSheet, fmt.Sprintf("B%d", row), string(r.Entry.TransactionType))
		_ = f.SetCellValue(entriesSheet, fmt.Sprintf("C%d", row), r.Entry.DisplayDescription())
		_ = f.SetCellValue(entriesSheet, fmt.Sprintf("D%d", row), r.Entry.Amount.InexactFloat64())
		_ = f.SetCellValue(entriesSheet, fmt.Sprintf("E%d", row), r.Entry.AmountPaid.InexactFloat64())
		_ = f.SetCellValue(entriesSheet, fmt.Sprintf("F%d", row), r.Entry.AmountReturned.InexactFloat64())
		_ = f.SetCellValue(entriesSheet, fmt.Sprintf("G%d", row), r.OpenAmount.InexactFloat64())
		_ = f.SetCellValue(entriesSheet, fmt.Sprintf("H%d", row), string(r.Status))
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, errors.Wrap(err, "write statement xlsx")
	}
	return buf.Bytes(), nil
}

// =============================================================================
// PDF
// =============================================================================

func BuildStatementPDF(stmt Statement) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	// core fonts are cp1252; translate umlauts
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetFont("Arial", "B", 14)
	pdf.AddPage()

	snap := stmt.Snapshot
	pdf.Cell(0, 8, "Kontoauszug")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	for _, line := range []string{
		fmt.Sprintf("Mitglied: %s", snap.MemberID),
		fmt.Sprintf("Stichtag: %s", snap.AsOf),
		fmt.Sprintf("Saldo: %s EUR", snap.Balance.StringFixed(2)),
		fmt.Sprintf("Offene Forderungen: %s EUR", snap.OpenCharges.StringFixed(2)),
		fmt.Sprintf("Überfällig: %s EUR", snap.OverdueAmount.StringFixed(2)),
		fmt.Sprintf("Bezahlt gesamt: %s EUR (%d Zahlungen)", snap.CumulativePaid.StringFixed(2), snap.PaymentCount),
	} {
		pdf.Cell(0, 6, tr(line))
		pdf.Ln(5)
	}
	pdf.Ln(4)

	widths := []float64{24, 28, 62, 24, 24, 28}
	pdf.SetFont("Arial", "B", 9)
	for i, h := range []string{"Fällig", "Art", "Beschreibung", "Betrag", "Offen", "Status"} {
		pdf.CellFormat(widths[i], 6, tr(h), "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Arial", "", 8)
	for _, r := range stmt.Rows {
		desc := r.Entry.DisplayDescription()
		if runes := []rune(desc); len(runes) > 40 {
			desc = string(runes[:37]) + "..."
		}
		pdf.CellFormat(widths[0], 6, r.Entry.DueDate.String(), "1", 0, "C", false, 0, "")
		pdf.CellFormat(widths[1], 6, string(r.Entry.TransactionType), "1", 0, "L", false, 0, "")
		pdf.CellFormat(widths[2], 6, tr(desc), "1", 0, "L", false, 0, "")
		pdf.CellFormat(widths[3], 6, r.Entry.Amount.StringFixed(2), "1", 0, "R", false, 0, "")
		pdf.CellFormat(widths[4], 6, r.OpenAmount.StringFixed(2), "1", 0, "R", false, 0, "")
		pdf.CellFormat(widths[5], 6, string(r.Status), "1", 0, "C", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, errors.Wrap(err, "write statement pdf")
	}
	return buf.Bytes(), nil
}
