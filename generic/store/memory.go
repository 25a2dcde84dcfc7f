// Package store provides the in-memory Store implementation.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"

	"github.com/warp/billing-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	entries     map[generic.EntryID]generic.BillingEntry
	keys        map[generic.ScheduleKey]generic.EntryID
	contracts   map[generic.ContractID]generic.Contract
	adjustments map[generic.MemberID][]generic.AccountAdjustment

	// FailOn, when set, is consulted before every write. A non-nil return
	// aborts the write with that error. Tests use it to inject failures.
	FailOn func(op string, id generic.EntryID) error
}

var _ generic.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		entries:     make(map[generic.EntryID]generic.BillingEntry),
		keys:        make(map[generic.ScheduleKey]generic.EntryID),
		contracts:   make(map[generic.ContractID]generic.Contract),
		adjustments: make(map[generic.MemberID][]generic.AccountAdjustment),
	}
}

// InsertBatch adds entries atomically: on any failure the previous state is restored.
func (m *Memory) InsertBatch(_ context.Context, entries []generic.BillingEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	for _, e := range entries {
		if err := m.insertLocked(e); err != nil {
			m.restore(snap)
			return err
		}
	}
	return nil
}

func (m *Memory) insertLocked(e generic.BillingEntry) error {
	if err := m.fail("insert", e.ID); err != nil {
		return err
	}
	if _, ok := m.entries[e.ID]; ok {
		return errors.Newf("entry %s already exists", e.ID)
	}
	if e.Kind == generic.KindCharge && e.ContractID != "" {
		k := e.ScheduleKey()
		if _, ok := m.keys[k]; ok {
			return errors.Wrapf(generic.ErrDuplicateSchedule, "%s", k)
		}
		m.keys[k] = e.ID
	}
	m.entries[e.ID] = e.Clone()
	return nil
}

func (m *Memory) GetEntry(_ context.Context, id generic.EntryID) (*generic.BillingEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, errors.Wrapf(generic.ErrEntryNotFound, "entry %s", id)
	}
	c := e.Clone()
	return &c, nil
}

// UpdateEntry replaces the entry. Last write wins.
func (m *Memory) UpdateEntry(_ context.Context, e generic.BillingEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("update", e.ID); err != nil {
		return err
	}
	old, ok := m.entries[e.ID]
	if !ok {
		return errors.Wrapf(generic.ErrEntryNotFound, "entry %s", e.ID)
	}
	if e.Kind == generic.KindCharge && e.ContractID != "" {
		k := e.ScheduleKey()
		if other, ok := m.keys[k]; ok && other != e.ID {
			return errors.Wrapf(generic.ErrDuplicateSchedule, "%s", k)
		}
	}
	if m.keys[old.ScheduleKey()] == old.ID {
		delete(m.keys, old.ScheduleKey())
	}
	if e.Kind == generic.KindCharge && e.ContractID != "" {
		m.keys[e.ScheduleKey()] = e.ID
	}
	m.entries[e.ID] = e.Clone()
	return nil
}

func (m *Memory) DeleteEntry(_ context.Context, id generic.EntryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("delete", id); err != nil {
		return err
	}
	e, ok := m.entries[id]
	if !ok {
		return errors.Wrapf(generic.ErrEntryNotFound, "entry %s", id)
	}
	if m.keys[e.ScheduleKey()] == id {
		delete(m.keys, e.ScheduleKey())
	}
	delete(m.entries, id)
	return nil
}

func (m *Memory) ListEntries(_ context.Context, filter generic.EntryFilter) ([]generic.BillingEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []generic.BillingEntry
	for _, e := range m.entries {
		if filter.Matches(e) {
			result = append(result, e.Clone())
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return filter.Sort.Less(result[i], result[j]) })
	return result, nil
}

func (m *Memory) ScheduleKeys(_ context.Context, contractID generic.ContractID) (map[generic.ScheduleKey]generic.EntryID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return lo.PickBy(m.keys, func(k generic.ScheduleKey, _ generic.EntryID) bool {
		return k.ContractID == contractID
	}), nil
}

// =============================================================================
// CONTRACTS & ADJUSTMENTS
// =============================================================================

func (m *Memory) SaveContract(_ context.Context, c generic.Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.TransactionTypes = append([]generic.TransactionType(nil), c.TransactionTypes...)
	m.contracts[c.ID] = c
	return nil
}

func (m *Memory) GetContract(_ context.Context, id generic.ContractID) (*generic.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.contracts[id]
	if !ok {
		return nil, errors.Wrapf(generic.ErrContractNotFound, "contract %s", id)
	}
	return &c, nil
}

func (m *Memory) ListContracts(_ context.Context, memberID generic.MemberID) ([]generic.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := lo.Filter(lo.Values(m.contracts), func(c generic.Contract, _ int) bool {
		return memberID == "" || c.MemberID == memberID
	})
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) AppendAdjustment(_ context.Context, a generic.AccountAdjustment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adjustments[a.MemberID] = append(m.adjustments[a.MemberID], a)
	return nil
}

func (m *Memory) ListAdjustments(_ context.Context, memberID generic.MemberID) ([]generic.AccountAdjustment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]generic.AccountAdjustment(nil), m.adjustments[memberID]...), nil
}

// Reset drops all data.
func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[generic.EntryID]generic.BillingEntry)
	m.keys = make(map[generic.ScheduleKey]generic.EntryID)
	m.contracts = make(map[generic.ContractID]generic.Contract)
	m.adjustments = make(map[generic.MemberID][]generic.AccountAdjustment)
	return nil
}

// =============================================================================
// SNAPSHOT / ROLLBACK
// =============================================================================

type memorySnapshot struct {
	entries map[generic.EntryID]generic.BillingEntry
	keys    map[generic.ScheduleKey]generic.EntryID
}

func (m *Memory) snapshot() memorySnapshot {
	return memorySnapshot{
		entries: lo.Assign(m.entries),
		keys:    lo.Assign(m.keys),
	}
}

func (m *Memory) restore(s memorySnapshot) {
	m.entries = s.entries
	m.keys = s.keys
}

func (m *Memory) fail(op string, id generic.EntryID) error {
	if m.FailOn == nil {
		return nil
	}
	return m.FailOn(op, id)
}
