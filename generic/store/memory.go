// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/warp/dues-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements generic.Store, generic.MemberDirectory and
// generic.PlanRegistry with the same uniqueness rules as the SQL store.
type Memory struct {
	mu      sync.RWMutex
	records map[generic.RecordID]generic.Record
	slots   map[slotKey]generic.RecordID
	order   []generic.RecordID // insertion order

	members    map[generic.MemberID]generic.Member
	nationalID map[string]generic.MemberID
	memberSeq  []generic.MemberID

	plans   map[generic.PlanID]generic.Plan
	planSeq []generic.PlanID
}

type slotKey struct {
	MemberID generic.MemberID
	PlanID   generic.PlanID
	Kind     generic.SlotKind
	Key      string
}

func keyOf(memberID generic.MemberID, planID generic.PlanID, s generic.Slot) slotKey {
	return slotKey{MemberID: memberID, PlanID: planID, Kind: s.Kind(), Key: s.Key()}
}

func NewMemory() *Memory {
	return &Memory{
		records:    make(map[generic.RecordID]generic.Record),
		slots:      make(map[slotKey]generic.RecordID),
		members:    make(map[generic.MemberID]generic.Member),
		nationalID: make(map[string]generic.MemberID),
		plans:      make(map[generic.PlanID]generic.Plan),
	}
}

// Reset removes every record, member and plan.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = make(map[generic.RecordID]generic.Record)
	m.slots = make(map[slotKey]generic.RecordID)
	m.order = nil
	m.members = make(map[generic.MemberID]generic.Member)
	m.nationalID = make(map[string]generic.MemberID)
	m.memberSeq = nil
	m.plans = make(map[generic.PlanID]generic.Plan)
	m.planSeq = nil
	return nil
}

// =============================================================================
// LEDGER RECORDS
// =============================================================================

func (m *Memory) Insert(_ context.Context, rec generic.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.ID]; ok {
		return &generic.StoreError{Op: "insert", Err: errDuplicateID(rec.ID)}
	}
	k := keyOf(rec.MemberID, rec.PlanID, rec.Slot)
	if existing, ok := m.slots[k]; ok {
		return &generic.DuplicateSlotError{MemberID: rec.MemberID, PlanID: rec.PlanID, Slot: rec.Slot, ExistingID: existing}
	}

	m.records[rec.ID] = cloneRecord(rec)
	m.slots[k] = rec.ID
	m.order = append(m.order, rec.ID)
	return nil
}

func (m *Memory) Update(_ context.Context, rec generic.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.records[rec.ID]
	if !ok {
		return &generic.NotFoundError{Entity: "record", ID: string(rec.ID)}
	}
	oldKey := keyOf(current.MemberID, current.PlanID, current.Slot)
	newKey := keyOf(rec.MemberID, rec.PlanID, rec.Slot)
	if oldKey != newKey {
		if existing, taken := m.slots[newKey]; taken {
			return &generic.DuplicateSlotError{MemberID: rec.MemberID, PlanID: rec.PlanID, Slot: rec.Slot, ExistingID: existing}
		}
		delete(m.slots, oldKey)
		m.slots[newKey] = rec.ID
	}
	m.records[rec.ID] = cloneRecord(rec)
	return nil
}

func (m *Memory) Delete(_ context.Context, id generic.RecordID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return &generic.NotFoundError{Entity: "record", ID: string(id)}
	}
	delete(m.records, id)
	delete(m.slots, keyOf(rec.MemberID, rec.PlanID, rec.Slot))
	for i, rid := range m.order {
		if rid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Memory) Get(_ context.Context, id generic.RecordID) (generic.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return generic.Record{}, &generic.NotFoundError{Entity: "record", ID: string(id)}
	}
	return cloneRecord(rec), nil
}

func (m *Memory) Load(_ context.Context, memberID generic.MemberID, planID generic.PlanID) ([]generic.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []generic.Record
	for _, id := range m.order {
		rec := m.records[id]
		if rec.MemberID == memberID && rec.PlanID == planID {
			result = append(result, cloneRecord(rec))
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return generic.CompareSlots(result[i].Slot, result[j].Slot) < 0
	})
	return result, nil
}

func (m *Memory) FindSlots(_ context.Context, memberID generic.MemberID, planID generic.PlanID, slots []generic.Slot) (map[string]generic.RecordID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	found := make(map[string]generic.RecordID)
	for _, s := range slots {
		if id, ok := m.slots[keyOf(memberID, planID, s)]; ok {
			found[s.Key()] = id
		}
	}
	return found, nil
}

func (m *Memory) Query(_ context.Context, filter generic.RecordFilter) ([]generic.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []generic.Record
	for _, id := range m.order {
		rec := m.records[id]
		if filter.Matches(rec) {
			result = append(result, cloneRecord(rec))
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// =============================================================================
// MEMBER DIRECTORY
// =============================================================================

func (m *Memory) GetMember(_ context.Context, id generic.MemberID) (generic.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mem, ok := m.members[id]
	if !ok {
		return generic.Member{}, &generic.NotFoundError{Entity: "member", ID: string(id)}
	}
	return mem, nil
}

func (m *Memory) FindMemberByNationalID(_ context.Context, nationalID string) (generic.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.nationalID[generic.NormalizeNationalID(nationalID)]
	if !ok {
		return generic.Member{}, &generic.NotFoundError{Entity: "member", ID: nationalID}
	}
	return m.members[id], nil
}

func (m *Memory) ListMembers(_ context.Context, filter generic.MemberFilter) ([]generic.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []generic.Member
	for _, id := range m.memberSeq {
		mem := m.members[id]
		if filter.ActiveOnly && !mem.Active {
			continue
		}
		if !memberMatches(mem, filter.Search) {
			continue
		}
		result = append(result, mem)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return strings.ToLower(result[i].Name) < strings.ToLower(result[j].Name)
	})
	return result, nil
}

func memberMatches(mem generic.Member, search string) bool {
	search = strings.TrimSpace(search)
	if search == "" {
		return true
	}
	q := strings.ToLower(search)
	if strings.Contains(strings.ToLower(mem.Name), q) || strings.Contains(strings.ToLower(mem.Email), q) {
		return true
	}
	nq := generic.NormalizeNationalID(search)
	return nq != "" && strings.Contains(mem.NormalizedNationalID(), nq)
}

func (m *Memory) CreateMember(_ context.Context, mem generic.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.members[mem.ID]; ok {
		return &generic.StoreError{Op: "create member", Err: errDuplicateID(generic.RecordID(mem.ID))}
	}
	norm := mem.NormalizedNationalID()
	if _, ok := m.nationalID[norm]; ok {
		return generic.ErrDuplicateNationalID
	}
	m.members[mem.ID] = mem
	m.nationalID[norm] = mem.ID
	m.memberSeq = append(m.memberSeq, mem.ID)
	return nil
}

func (m *Memory) UpdateMember(_ context.Context, mem generic.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.members[mem.ID]
	if !ok {
		return &generic.NotFoundError{Entity: "member", ID: string(mem.ID)}
	}
	oldNorm, newNorm := current.NormalizedNationalID(), mem.NormalizedNationalID()
	if oldNorm != newNorm {
		if _, taken := m.nationalID[newNorm]; taken {
			return generic.ErrDuplicateNationalID
		}
		delete(m.nationalID, oldNorm)
		m.nationalID[newNorm] = mem.ID
	}
	m.members[mem.ID] = mem
	return nil
}

// =============================================================================
// PLAN REGISTRY
// =============================================================================

func (m *Memory) GetPlan(_ context.Context, id generic.PlanID) (generic.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.plans[id]
	if !ok {
		return generic.Plan{}, &generic.NotFoundError{Entity: "plan", ID: string(id)}
	}
	return p, nil
}

func (m *Memory) ListPlans(_ context.Context, activeOnly bool) ([]generic.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []generic.Plan
	for _, id := range m.planSeq {
		p := m.plans[id]
		if activeOnly && !p.Active {
			continue
		}
		result = append(result, p)
	}
	return result, nil
}

func (m *Memory) CreatePlan(_ context.Context, p generic.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.plans[p.ID]; ok {
		return &generic.StoreError{Op: "create plan", Err: errDuplicateID(generic.RecordID(p.ID))}
	}
	m.plans[p.ID] = p
	m.planSeq = append(m.planSeq, p.ID)
	return nil
}

func (m *Memory) UpdatePlan(_ context.Context, p generic.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.plans[p.ID]; !ok {
		return &generic.NotFoundError{Entity: "plan", ID: string(p.ID)}
	}
	m.plans[p.ID] = p
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

type errDuplicateID generic.RecordID

func (e errDuplicateID) Error() string { return "id already exists: " + string(e) }

func cloneRecord(rec generic.Record) generic.Record {
	if rec.AmountCharged != nil {
		a := *rec.AmountCharged
		rec.AmountCharged = &a
	}
	return rec
}

var (
	_ generic.Store           = (*Memory)(nil)
	_ generic.MemberDirectory = (*Memory)(nil)
	_ generic.PlanRegistry    = (*Memory)(nil)
)
