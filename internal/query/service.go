// Package query provides read access to settlements and batches, limited
// to the part of the organization tree the caller may see.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/atmx/settlement-engine/internal/hierarchy"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

// ErrForbidden is returned when a scoped caller asks for data outside its
// subtree.
var ErrForbidden = errors.New("query: outside caller's organization scope")

// Scope is the caller's position in the organization tree. A zero Scope is
// the master scope and sees the whole tenant.
type Scope struct {
	OrgPath []string
}

// IsMaster reports whether the scope is unrestricted.
func (s Scope) IsMaster() bool { return len(s.OrgPath) == 0 }

// Allows reports whether a leg at entityPath is visible in the scope.
// MASTER legs are visible to the master scope only.
func (s Scope) Allows(entityPath []string) bool {
	if s.IsMaster() {
		return true
	}
	if len(entityPath) > 0 && entityPath[0] == model.MasterEntityID {
		return false
	}
	return hierarchy.IsDescendantOf(entityPath, s.OrgPath)
}

// Params narrows a settlement listing. Zero values match everything.
type Params struct {
	From       time.Time
	To         time.Time
	Statuses   []model.SettlementStatus
	EntityID   string
	MerchantID string
	BatchID    string
	Limit      int
}

// Totals aggregates signed amounts over a group of legs.
type Totals struct {
	Count     int   `json:"count"`
	Amount    int64 `json:"amount"`
	FeeAmount int64 `json:"fee_amount"`
	NetAmount int64 `json:"net_amount"`
}

func (t *Totals) add(l model.Settlement) {
	t.Count++
	t.Amount += l.Amount
	t.FeeAmount += l.FeeAmount
	t.NetAmount += l.NetAmount
}

// Summary is the aggregate view of the legs matching a query.
type Summary struct {
	Total        Totals                            `json:"total"`
	Transactions int                               `json:"transactions"`
	ByStatus     map[model.SettlementStatus]Totals `json:"by_status"`
	ByEntityType map[model.EntityType]Totals       `json:"by_entity_type"`
	ByEntity     []EntityTotals                    `json:"by_entity"`
}

// EntityTotals is the aggregate of one hierarchy node.
type EntityTotals struct {
	EntityID   string           `json:"entity_id"`
	EntityType model.EntityType `json:"entity_type"`
	Totals
}

// BatchDetail is a batch with the legs of it that the caller may see.
type BatchDetail struct {
	Batch       model.SettlementBatch `json:"batch"`
	Settlements []model.Settlement    `json:"settlements"`
}

// Service answers settlement and batch queries.
type Service struct {
	store store.Store
}

// NewService creates a query service.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// List returns the legs visible in scope that match p, newest event first.
func (s *Service) List(ctx context.Context, scope Scope, p Params) ([]model.Settlement, error) {
	legs, err := s.store.QuerySettlements(ctx, s.filter(scope, p))
	if err != nil {
		return nil, fmt.Errorf("query settlements: %w", err)
	}
	out := legs[:0]
	for _, l := range legs {
		if scope.Allows(l.EntityPath) {
			out = append(out, l)
		}
	}
	return out, nil
}

// Summary aggregates the legs visible in scope that match p. The limit of
// p is ignored.
func (s *Service) Summary(ctx context.Context, scope Scope, p Params) (Summary, error) {
	p.Limit = 0
	legs, err := s.List(ctx, scope, p)
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{
		ByStatus:     make(map[model.SettlementStatus]Totals),
		ByEntityType: make(map[model.EntityType]Totals),
	}
	events := make(map[string]struct{})
	entities := make(map[string]*EntityTotals)
	for _, l := range legs {
		sum.Total.add(l)
		events[l.TransactionEventID] = struct{}{}

		st := sum.ByStatus[l.Status]
		st.add(l)
		sum.ByStatus[l.Status] = st

		et := sum.ByEntityType[l.EntityType]
		et.add(l)
		sum.ByEntityType[l.EntityType] = et

		e, ok := entities[l.EntityID]
		if !ok {
			e = &EntityTotals{EntityID: l.EntityID, EntityType: l.EntityType}
			entities[l.EntityID] = e
		}
		e.add(l)
	}
	sum.Transactions = len(events)

	sum.ByEntity = make([]EntityTotals, 0, len(entities))
	for _, e := range entities {
		sum.ByEntity = append(sum.ByEntity, *e)
	}
	sort.Slice(sum.ByEntity, func(i, j int) bool { return sum.ByEntity[i].EntityID < sum.ByEntity[j].EntityID })
	return sum, nil
}

// GetBatch returns a batch and its legs. Scoped callers only see their own
// legs and get ErrForbidden for a batch holding none of them.
func (s *Service) GetBatch(ctx context.Context, scope Scope, batchID string) (*BatchDetail, error) {
	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	legs, err := s.List(ctx, scope, Params{BatchID: batchID})
	if err != nil {
		return nil, err
	}
	if !scope.IsMaster() && len(legs) == 0 {
		return nil, fmt.Errorf("%w: batch %s", ErrForbidden, batchID)
	}
	if legs == nil {
		legs = []model.Settlement{}
	}
	return &BatchDetail{Batch: *b, Settlements: legs}, nil
}

// ListBatches returns batches, newest settlement date first. Batch totals
// span the whole tenant, so only the master scope may list them.
func (s *Service) ListBatches(ctx context.Context, scope Scope, f store.BatchFilter) ([]model.SettlementBatch, error) {
	if !scope.IsMaster() {
		return nil, ErrForbidden
	}
	batches, err := s.store.ListBatches(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	return batches, nil
}

func (s *Service) filter(scope Scope, p Params) store.SettlementFilter {
	return store.SettlementFilter{
		EntityPathPrefix: scope.OrgPath,
		From:             p.From,
		To:               p.To,
		Statuses:         p.Statuses,
		EntityID:         p.EntityID,
		MerchantID:       p.MerchantID,
		BatchID:          p.BatchID,
		Limit:            p.Limit,
	}
}
