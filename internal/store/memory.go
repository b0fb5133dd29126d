package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atmx/settlement-engine/internal/hierarchy"
	"github.com/atmx/settlement-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	txMu sync.Mutex // serialises units of work
	mu   sync.RWMutex
	data memoryData
}

type memoryData struct {
	orgs        map[string]*model.Organization
	merchants   map[string]*model.Merchant
	methods     map[string]*model.PaymentMethod
	events      map[string]*model.TransactionEvent
	settlements map[string]*model.Settlement
	order       []string // settlement insertion order
	batches     map[string]*model.SettlementBatch
	batchKeys   map[string]string // settlement date + cycle → batch ID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: memoryData{
		orgs:        make(map[string]*model.Organization),
		merchants:   make(map[string]*model.Merchant),
		methods:     make(map[string]*model.PaymentMethod),
		events:      make(map[string]*model.TransactionEvent),
		settlements: make(map[string]*model.Settlement),
		batches:     make(map[string]*model.SettlementBatch),
		batchKeys:   make(map[string]string),
	}}
}

func cloneMap[V any](m map[string]*V) map[string]*V {
	out := make(map[string]*V, len(m))
	for k, v := range m {
		c := *v
		out[k] = &c
	}
	return out
}

func (d memoryData) clone() memoryData {
	keys := make(map[string]string, len(d.batchKeys))
	for k, v := range d.batchKeys {
		keys[k] = v
	}
	return memoryData{
		orgs:        cloneMap(d.orgs),
		merchants:   cloneMap(d.merchants),
		methods:     cloneMap(d.methods),
		events:      cloneMap(d.events),
		settlements: cloneMap(d.settlements),
		order:       append([]string(nil), d.order...),
		batches:     cloneMap(d.batches),
		batchKeys:   keys,
	}
}

// InTx snapshots the store and restores the snapshot when fn fails.
func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if inMemoryTx(ctx) {
		return fn(ctx, s)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot := s.data.clone()
	s.mu.RUnlock()

	if err := fn(context.WithValue(ctx, memTxKey{}, true), s); err != nil {
		s.mu.Lock()
		s.data = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

type memTxKey struct{}

func inMemoryTx(ctx context.Context) bool {
	v, _ := ctx.Value(memTxKey{}).(bool)
	return v
}

// --- Hierarchy ---

func (s *MemoryStore) SaveOrganization(_ context.Context, org *model.Organization) error {
	if err := org.FeeConfig.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var parent *model.Organization
	if org.ParentID != "" {
		p, ok := s.data.orgs[org.ParentID]
		if !ok {
			return fmt.Errorf("%w: parent organization %s", ErrNotFound, org.ParentID)
		}
		parent = p
	}
	if err := hierarchy.Validate(org, parent); err != nil {
		return err
	}

	// Store a copy to avoid external mutation.
	c := *org
	s.data.orgs[org.ID] = &c
	return nil
}

func (s *MemoryStore) GetOrganization(_ context.Context, id string) (*model.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.data.orgs[id]
	if !ok {
		return nil, fmt.Errorf("%w: organization %s", ErrNotFound, id)
	}
	c := *o
	return &c, nil
}

func (s *MemoryStore) GetAncestors(_ context.Context, orgID string) ([]model.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.data.orgs[orgID]
	if !ok {
		return nil, fmt.Errorf("%w: organization %s", ErrNotFound, orgID)
	}
	chain := make([]model.Organization, 0, len(o.Path))
	for _, id := range hierarchy.AncestorIDs(o.Path) {
		a, ok := s.data.orgs[id]
		if !ok {
			return nil, fmt.Errorf("%w: ancestor %s of %s", ErrNotFound, id, orgID)
		}
		chain = append(chain, *a)
	}
	return chain, nil
}

func (s *MemoryStore) ListDescendants(_ context.Context, orgID string) ([]model.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.data.orgs[orgID]
	if !ok {
		return nil, fmt.Errorf("%w: organization %s", ErrNotFound, orgID)
	}
	var out []model.Organization
	for _, n := range s.data.orgs {
		if n.ID != orgID && hierarchy.IsDescendantOf(n.Path, o.Path) {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out, nil
}

func (s *MemoryStore) MoveOrganization(_ context.Context, orgID, newParentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	org, ok := s.data.orgs[orgID]
	if !ok {
		return fmt.Errorf("%w: organization %s", ErrNotFound, orgID)
	}
	parent, ok := s.data.orgs[newParentID]
	if !ok {
		return fmt.Errorf("%w: organization %s", ErrNotFound, newParentID)
	}

	var subtree []*model.Organization
	for _, n := range s.data.orgs {
		if n.ID != orgID && hierarchy.IsDescendantOf(n.Path, org.Path) {
			subtree = append(subtree, n)
		}
	}
	if err := hierarchy.Reparent(org, parent, subtree); err != nil {
		return err
	}
	now := time.Now().UTC()
	org.UpdatedAt = now
	for _, n := range subtree {
		n.UpdatedAt = now
	}
	for _, m := range s.data.merchants {
		if o, ok := s.data.orgs[m.OrganizationID]; ok {
			m.OrgPath = append([]string(nil), o.Path...)
		}
	}
	return nil
}

func (s *MemoryStore) SaveMerchant(_ context.Context, m *model.Merchant) error {
	if err := m.FeeConfig.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	org, ok := s.data.orgs[m.OrganizationID]
	if !ok {
		return fmt.Errorf("%w: organization %s", ErrNotFound, m.OrganizationID)
	}
	c := *m
	c.OrgPath = append([]string(nil), org.Path...)
	s.data.merchants[m.ID] = &c
	return nil
}

func (s *MemoryStore) GetMerchant(_ context.Context, id string) (*model.Merchant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.data.merchants[id]
	if !ok {
		return nil, fmt.Errorf("%w: merchant %s", ErrNotFound, id)
	}
	c := *m
	return &c, nil
}

func (s *MemoryStore) SavePaymentMethod(_ context.Context, pm *model.PaymentMethod) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *pm
	s.data.methods[pm.ID] = &c
	return nil
}

func (s *MemoryStore) GetPaymentMethod(_ context.Context, id string) (*model.PaymentMethod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pm, ok := s.data.methods[id]
	if !ok {
		return nil, fmt.Errorf("%w: payment method %s", ErrNotFound, id)
	}
	c := *pm
	return &c, nil
}

// --- Immutable events ---

func (s *MemoryStore) InsertTransactionEvent(_ context.Context, ev *model.TransactionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.events[ev.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateEvent, ev.ID)
	}
	c := *ev
	s.data.events[ev.ID] = &c
	return nil
}

func (s *MemoryStore) GetTransactionEvent(_ context.Context, id string) (*model.TransactionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.data.events[id]
	if !ok {
		return nil, fmt.Errorf("%w: transaction event %s", ErrNotFound, id)
	}
	c := *ev
	return &c, nil
}

func (s *MemoryStore) ListTransactionEvents(_ context.Context, transactionID string) ([]model.TransactionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.TransactionEvent
	for _, ev := range s.data.events {
		if ev.TransactionID == transactionID {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// --- Settlements ---

func (s *MemoryStore) InsertSettlements(_ context.Context, legs []model.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range legs {
		if _, exists := s.data.settlements[legs[i].ID]; exists {
			return fmt.Errorf("settlement %s already exists", legs[i].ID)
		}
	}
	for i := range legs {
		c := legs[i]
		s.data.settlements[c.ID] = &c
		s.data.order = append(s.data.order, c.ID)
	}
	return nil
}

func (s *MemoryStore) ListSettlementsByEvent(_ context.Context, eventID string) ([]model.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Settlement
	for _, id := range s.data.order {
		if st := s.data.settlements[id]; st.TransactionEventID == eventID {
			out = append(out, *st)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateSettlementStatus(_ context.Context, ids []string, status model.SettlementStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		st, ok := s.data.settlements[id]
		if !ok {
			return fmt.Errorf("%w: settlement %s", ErrNotFound, id)
		}
		if !model.CanTransition(st.Status, status) {
			return fmt.Errorf("%w: settlement %s %s -> %s", ErrInvalidTransition, id, st.Status, status)
		}
	}
	for _, id := range ids {
		st := s.data.settlements[id]
		st.Status = status
		st.UpdatedAt = at
	}
	return nil
}

func (s *MemoryStore) ListUnbatchedSettlements(_ context.Context, from, to time.Time, cycle string) ([]model.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Settlement
	for _, id := range s.data.order {
		st := s.data.settlements[id]
		if st.Status != model.StatusPending || st.BatchID != nil || st.SettlementCycle != cycle {
			continue
		}
		if st.EventOccurredAt.Before(from) || !st.EventOccurredAt.Before(to) {
			continue
		}
		out = append(out, *st)
	}
	return out, nil
}

func (s *MemoryStore) AttachBatch(_ context.Context, batchID string, ids []string, settledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.batches[batchID]; !ok {
		return fmt.Errorf("%w: batch %s", ErrNotFound, batchID)
	}
	for _, id := range ids {
		if _, ok := s.data.settlements[id]; !ok {
			return fmt.Errorf("%w: settlement %s", ErrNotFound, id)
		}
	}
	for _, id := range ids {
		st := s.data.settlements[id]
		bid := batchID
		at := settledAt
		st.BatchID = &bid
		st.Status = model.StatusCompleted
		st.SettledAt = &at
		st.UpdatedAt = settledAt
	}
	return nil
}

func (s *MemoryStore) QuerySettlements(_ context.Context, f SettlementFilter) ([]model.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Settlement
	for _, id := range s.data.order {
		st := s.data.settlements[id]
		if matchSettlement(st, f) {
			out = append(out, *st)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EventOccurredAt.After(out[j].EventOccurredAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matchSettlement(st *model.Settlement, f SettlementFilter) bool {
	if len(f.EntityPathPrefix) > 0 && !hierarchy.IsDescendantOf(st.EntityPath, f.EntityPathPrefix) {
		return false
	}
	if !f.From.IsZero() && st.EventOccurredAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !st.EventOccurredAt.Before(f.To) {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, status := range f.Statuses {
			if st.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.EntityID != "" && st.EntityID != f.EntityID {
		return false
	}
	if f.MerchantID != "" && st.MerchantID != f.MerchantID {
		return false
	}
	if f.BatchID != "" && (st.BatchID == nil || *st.BatchID != f.BatchID) {
		return false
	}
	return true
}

// --- Batches ---

func batchKey(b *model.SettlementBatch) string {
	return b.SettlementDate.Format("2006-01-02") + "|" + b.Cycle
}

func (s *MemoryStore) CountBatches(_ context.Context, numberPrefix string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, b := range s.data.batches {
		if strings.HasPrefix(b.BatchNumber, numberPrefix) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CreateBatch(_ context.Context, b *model.SettlementBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.batchKeys[batchKey(b)]; exists {
		return ErrDuplicateBatch
	}
	for _, existing := range s.data.batches {
		if existing.BatchNumber == b.BatchNumber {
			return ErrDuplicateBatch
		}
	}
	c := *b
	s.data.batches[b.ID] = &c
	s.data.batchKeys[batchKey(b)] = b.ID
	return nil
}

func (s *MemoryStore) CompleteBatch(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.data.batches[id]
	if !ok {
		return fmt.Errorf("%w: batch %s", ErrNotFound, id)
	}
	b.Status = model.BatchCompleted
	b.CompletedAt = &at
	return nil
}

func (s *MemoryStore) GetBatch(_ context.Context, id string) (*model.SettlementBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.data.batches[id]
	if !ok {
		return nil, fmt.Errorf("%w: batch %s", ErrNotFound, id)
	}
	c := *b
	return &c, nil
}

func (s *MemoryStore) ListBatches(_ context.Context, f BatchFilter) ([]model.SettlementBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.SettlementBatch
	for _, b := range s.data.batches {
		if !f.From.IsZero() && b.SettlementDate.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !b.SettlementDate.Before(f.To) {
			continue
		}
		if f.Cycle != "" && b.Cycle != f.Cycle {
			continue
		}
		if f.Number != "" && b.BatchNumber != f.Number {
			continue
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SettlementDate.Equal(out[j].SettlementDate) {
			return out[i].SettlementDate.After(out[j].SettlementDate)
		}
		return out[i].BatchNumber > out[j].BatchNumber
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
