// Package store provides in-process Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a loyalty.Store held in maps. WithTx serializes writers behind
// one lock, so it honors the same uniqueness rules as the SQLite store.
// Every write inside a transaction records how to undo itself, so rollback
// costs only what the transaction touched.
type Memory struct {
	mu sync.RWMutex
	state
}

type state struct {
	members   map[loyalty.MemberID]loyalty.Member
	events    map[loyalty.MemberID][]loyalty.LedgerEvent
	refs      map[refKey]loyalty.EventID
	types     map[loyalty.BenefitTypeID]loyalty.BenefitType
	instances map[loyalty.BenefitInstanceID]loyalty.BenefitInstance
	// issue order, so claims hand out the oldest instance first
	order []loyalty.BenefitInstanceID
}

type refKey struct {
	Member loyalty.MemberID
	Ref    string
}

func NewMemory() *Memory {
	return &Memory{state: state{
		members:   make(map[loyalty.MemberID]loyalty.Member),
		events:    make(map[loyalty.MemberID][]loyalty.LedgerEvent),
		refs:      make(map[refKey]loyalty.EventID),
		types:     make(map[loyalty.BenefitTypeID]loyalty.BenefitType),
		instances: make(map[loyalty.BenefitInstanceID]loyalty.BenefitInstance),
	}}
}

// WithTx executes fn within a transaction. A failing fn is rolled back by
// replaying its undo log in reverse.
func (m *Memory) WithTx(ctx context.Context, fn func(loyalty.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{s: &m.state}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) Member(_ context.Context, id loyalty.MemberID) (loyalty.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mem, ok := m.members[id]
	if !ok {
		return loyalty.Member{}, loyalty.ErrMemberNotFound
	}
	return mem, nil
}

func (m *Memory) Events(_ context.Context, id loyalty.MemberID, page loyalty.EventPage) ([]loyalty.LedgerEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	page = page.Normalize()
	all := m.events[id]
	var out []loyalty.LedgerEvent
	for i := len(all) - 1 - page.Offset; i >= 0 && len(out) < page.Limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (m *Memory) MemberIDs(_ context.Context) ([]loyalty.MemberID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]loyalty.MemberID, 0, len(m.members))
	for id := range m.members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *Memory) BenefitType(_ context.Context, id loyalty.BenefitTypeID) (loyalty.BenefitType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bt, ok := m.types[id]
	if !ok {
		return loyalty.BenefitType{}, loyalty.ErrBenefitTypeNotFound
	}
	return bt, nil
}

func (m *Memory) BenefitTypes(_ context.Context) ([]loyalty.BenefitType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]loyalty.BenefitType, 0, len(m.types))
	for _, bt := range m.types {
		out = append(out, bt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) BenefitInstances(_ context.Context, filter loyalty.BenefitFilter) ([]loyalty.BenefitInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []loyalty.BenefitInstance
	for _, id := range m.order {
		if bi := m.instances[id]; filter.Matches(bi) {
			out = append(out, bi)
		}
	}
	return out, nil
}

func (m *Memory) Supply(_ context.Context, id loyalty.BenefitTypeID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, bi := range m.instances {
		if bi.TypeID == id && bi.Status == loyalty.BenefitAvailable {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

// =============================================================================
// TRANSACTION VIEW
// =============================================================================

type memoryTx struct {
	s    *state
	undo []func()
}

func (tx *memoryTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memoryTx) putMember(mem loyalty.Member) {
	prev, had := tx.s.members[mem.ID]
	tx.undo = append(tx.undo, func() {
		if had {
			tx.s.members[mem.ID] = prev
		} else {
			delete(tx.s.members, mem.ID)
		}
	})
	tx.s.members[mem.ID] = mem
}

func (tx *memoryTx) putInstance(bi loyalty.BenefitInstance) {
	prev, had := tx.s.instances[bi.ID]
	tx.undo = append(tx.undo, func() {
		if had {
			tx.s.instances[bi.ID] = prev
		} else {
			delete(tx.s.instances, bi.ID)
		}
	})
	tx.s.instances[bi.ID] = bi
}

func (tx *memoryTx) CreateMember(_ context.Context, mem loyalty.Member) error {
	if _, ok := tx.s.members[mem.ID]; ok {
		return loyalty.ErrMemberExists
	}
	tx.putMember(mem)
	return nil
}

func (tx *memoryTx) LoadMember(_ context.Context, id loyalty.MemberID) (loyalty.Member, error) {
	mem, ok := tx.s.members[id]
	if !ok {
		return loyalty.Member{}, loyalty.ErrMemberNotFound
	}
	return mem, nil
}

func (tx *memoryTx) SaveMember(_ context.Context, mem loyalty.Member) error {
	if _, ok := tx.s.members[mem.ID]; !ok {
		return loyalty.ErrMemberNotFound
	}
	tx.putMember(mem)
	return nil
}

func (tx *memoryTx) AppendEvent(_ context.Context, e loyalty.LedgerEvent) error {
	if e.ExternalRef != "" && e.Kind.CountsTowardTotals() {
		k := refKey{Member: e.MemberID, Ref: e.ExternalRef}
		if _, ok := tx.s.refs[k]; ok {
			return loyalty.ErrDuplicateReference
		}
		tx.s.refs[k] = e.ID
		tx.undo = append(tx.undo, func() { delete(tx.s.refs, k) })
	}
	prev, had := tx.s.events[e.MemberID]
	tx.undo = append(tx.undo, func() {
		if had {
			tx.s.events[e.MemberID] = prev
		} else {
			delete(tx.s.events, e.MemberID)
		}
	})
	tx.s.events[e.MemberID] = append(prev, e)
	return nil
}

func (tx *memoryTx) LoadEvents(_ context.Context, id loyalty.MemberID) ([]loyalty.LedgerEvent, error) {
	return append([]loyalty.LedgerEvent(nil), tx.s.events[id]...), nil
}

func (tx *memoryTx) FindEventByRef(_ context.Context, id loyalty.MemberID, ref string) (*loyalty.LedgerEvent, error) {
	eid, ok := tx.s.refs[refKey{Member: id, Ref: ref}]
	if !ok {
		return nil, nil
	}
	for _, e := range tx.s.events[id] {
		if e.ID == eid {
			return &e, nil
		}
	}
	return nil, nil
}

func (tx *memoryTx) SaveBenefitType(_ context.Context, bt loyalty.BenefitType) error {
	prev, had := tx.s.types[bt.ID]
	tx.undo = append(tx.undo, func() {
		if had {
			tx.s.types[bt.ID] = prev
		} else {
			delete(tx.s.types, bt.ID)
		}
	})
	tx.s.types[bt.ID] = bt
	return nil
}

func (tx *memoryTx) LoadBenefitType(_ context.Context, id loyalty.BenefitTypeID) (loyalty.BenefitType, error) {
	bt, ok := tx.s.types[id]
	if !ok {
		return loyalty.BenefitType{}, loyalty.ErrBenefitTypeNotFound
	}
	return bt, nil
}

func (tx *memoryTx) IssueBenefits(_ context.Context, instances []loyalty.BenefitInstance) error {
	for _, bi := range instances {
		if _, ok := tx.s.types[bi.TypeID]; !ok {
			return loyalty.ErrBenefitTypeNotFound
		}
		if _, ok := tx.s.instances[bi.ID]; ok {
			return loyalty.ErrInvalidInput
		}
		tx.putInstance(bi)
		n := len(tx.s.order)
		tx.undo = append(tx.undo, func() { tx.s.order = tx.s.order[:n] })
		tx.s.order = append(tx.s.order, bi.ID)
	}
	return nil
}

func (tx *memoryTx) ActiveHold(_ context.Context, member loyalty.MemberID, typeID loyalty.BenefitTypeID) (*loyalty.BenefitInstance, error) {
	for _, id := range tx.s.order {
		bi := tx.s.instances[id]
		if bi.MemberID == member && bi.TypeID == typeID && bi.Status.IsActive() {
			return &bi, nil
		}
	}
	return nil, nil
}

func (tx *memoryTx) ClaimBenefit(ctx context.Context, claim loyalty.BenefitClaim) (loyalty.BenefitInstance, error) {
	// the partial unique index of the SQL store
	if claim.Exclusive {
		held, err := tx.ActiveHold(ctx, claim.MemberID, claim.TypeID)
		if err != nil {
			return loyalty.BenefitInstance{}, err
		}
		if held != nil {
			return loyalty.BenefitInstance{}, &loyalty.AlreadyAssignedError{
				MemberID: claim.MemberID, TypeID: claim.TypeID, HeldInstance: held.ID,
			}
		}
	}
	for _, id := range tx.s.order {
		bi := tx.s.instances[id]
		if bi.TypeID != claim.TypeID || bi.Status != loyalty.BenefitAvailable {
			continue
		}
		at := claim.At
		bi.Status = loyalty.BenefitAssigned
		bi.MemberID = claim.MemberID
		bi.AssignedAt = &at
		bi.AssignedBy = claim.AssignedBy
		bi.Note = claim.Note
		tx.putInstance(bi)
		return bi, nil
	}
	return loyalty.BenefitInstance{}, loyalty.ErrNoBenefitAvailable
}

func (tx *memoryTx) LoadBenefit(_ context.Context, id loyalty.BenefitInstanceID) (loyalty.BenefitInstance, error) {
	bi, ok := tx.s.instances[id]
	if !ok {
		return loyalty.BenefitInstance{}, loyalty.ErrBenefitNotFound
	}
	return bi, nil
}

func (tx *memoryTx) TransitionBenefit(_ context.Context, id loyalty.BenefitInstanceID, from, to loyalty.BenefitStatus, at time.Time) error {
	bi, ok := tx.s.instances[id]
	if !ok {
		return loyalty.ErrBenefitNotFound
	}
	if bi.Status != from {
		return loyalty.ErrInvalidTransition
	}
	bi.Status = to
	if to.IsTerminal() {
		bi.TerminalAt = &at
	}
	tx.putInstance(bi)
	return nil
}

// Reset drops all data. Used by the demo scenario loader only.
func (m *Memory) Reset(_ context.Context) error {
	fresh := NewMemory()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = fresh.state
	return nil
}
