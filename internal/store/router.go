package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/tenant"
)

// Router implements Store by dispatching every call to the store of the
// tenant bound to the context. Each tenant owns an isolated database, so
// no call ever crosses tenants.
type Router struct {
	stores map[string]Store
}

// NewRouter creates a router over per-tenant stores.
func NewRouter(stores map[string]Store) *Router {
	return &Router{stores: stores}
}

// Tenants returns the IDs of the routed tenants, sorted.
func (r *Router) Tenants() []string {
	ids := make([]string, 0, len(r.stores))
	for id := range r.stores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ActiveTenants implements tenant.Source.
func (r *Router) ActiveTenants(context.Context) ([]string, error) {
	return r.Tenants(), nil
}

// For returns the store of the tenant bound to ctx.
func (r *Router) For(ctx context.Context) (Store, error) {
	id, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	s, ok := r.stores[id]
	if !ok {
		return nil, fmt.Errorf("%w: tenant %s", ErrNotFound, id)
	}
	return s, nil
}

func (r *Router) InTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	s, err := r.For(ctx)
	if err != nil {
		return err
	}
	return s.InTx(ctx, fn)
}

func route[T any](r *Router, ctx context.Context, call func(Store) (T, error)) (T, error) {
	s, err := r.For(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	return call(s)
}

func routeErr(r *Router, ctx context.Context, call func(Store) error) error {
	s, err := r.For(ctx)
	if err != nil {
		return err
	}
	return call(s)
}

func (r *Router) SaveOrganization(ctx context.Context, org *model.Organization) error {
	return routeErr(r, ctx, func(s Store) error { return s.SaveOrganization(ctx, org) })
}

func (r *Router) GetOrganization(ctx context.Context, id string) (*model.Organization, error) {
	return route(r, ctx, func(s Store) (*model.Organization, error) { return s.GetOrganization(ctx, id) })
}

func (r *Router) GetAncestors(ctx context.Context, orgID string) ([]model.Organization, error) {
	return route(r, ctx, func(s Store) ([]model.Organization, error) { return s.GetAncestors(ctx, orgID) })
}

func (r *Router) ListDescendants(ctx context.Context, orgID string) ([]model.Organization, error) {
	return route(r, ctx, func(s Store) ([]model.Organization, error) { return s.ListDescendants(ctx, orgID) })
}

func (r *Router) MoveOrganization(ctx context.Context, orgID, newParentID string) error {
	return routeErr(r, ctx, func(s Store) error { return s.MoveOrganization(ctx, orgID, newParentID) })
}

func (r *Router) SaveMerchant(ctx context.Context, m *model.Merchant) error {
	return routeErr(r, ctx, func(s Store) error { return s.SaveMerchant(ctx, m) })
}

func (r *Router) GetMerchant(ctx context.Context, id string) (*model.Merchant, error) {
	return route(r, ctx, func(s Store) (*model.Merchant, error) { return s.GetMerchant(ctx, id) })
}

func (r *Router) SavePaymentMethod(ctx context.Context, pm *model.PaymentMethod) error {
	return routeErr(r, ctx, func(s Store) error { return s.SavePaymentMethod(ctx, pm) })
}

func (r *Router) GetPaymentMethod(ctx context.Context, id string) (*model.PaymentMethod, error) {
	return route(r, ctx, func(s Store) (*model.PaymentMethod, error) { return s.GetPaymentMethod(ctx, id) })
}

func (r *Router) InsertTransactionEvent(ctx context.Context, ev *model.TransactionEvent) error {
	return routeErr(r, ctx, func(s Store) error { return s.InsertTransactionEvent(ctx, ev) })
}

func (r *Router) GetTransactionEvent(ctx context.Context, id string) (*model.TransactionEvent, error) {
	return route(r, ctx, func(s Store) (*model.TransactionEvent, error) { return s.GetTransactionEvent(ctx, id) })
}

func (r *Router) ListTransactionEvents(ctx context.Context, transactionID string) ([]model.TransactionEvent, error) {
	return route(r, ctx, func(s Store) ([]model.TransactionEvent, error) {
		return s.ListTransactionEvents(ctx, transactionID)
	})
}

func (r *Router) InsertSettlements(ctx context.Context, legs []model.Settlement) error {
	return routeErr(r, ctx, func(s Store) error { return s.InsertSettlements(ctx, legs) })
}

func (r *Router) ListSettlementsByEvent(ctx context.Context, eventID string) ([]model.Settlement, error) {
	return route(r, ctx, func(s Store) ([]model.Settlement, error) { return s.ListSettlementsByEvent(ctx, eventID) })
}

func (r *Router) UpdateSettlementStatus(ctx context.Context, ids []string, status model.SettlementStatus, at time.Time) error {
	return routeErr(r, ctx, func(s Store) error { return s.UpdateSettlementStatus(ctx, ids, status, at) })
}

func (r *Router) ListUnbatchedSettlements(ctx context.Context, from, to time.Time, cycle string) ([]model.Settlement, error) {
	return route(r, ctx, func(s Store) ([]model.Settlement, error) {
		return s.ListUnbatchedSettlements(ctx, from, to, cycle)
	})
}

func (r *Router) AttachBatch(ctx context.Context, batchID string, ids []string, settledAt time.Time) error {
	return routeErr(r, ctx, func(s Store) error { return s.AttachBatch(ctx, batchID, ids, settledAt) })
}

func (r *Router) QuerySettlements(ctx context.Context, f SettlementFilter) ([]model.Settlement, error) {
	return route(r, ctx, func(s Store) ([]model.Settlement, error) { return s.QuerySettlements(ctx, f) })
}

func (r *Router) CountBatches(ctx context.Context, numberPrefix string) (int, error) {
	return route(r, ctx, func(s Store) (int, error) { return s.CountBatches(ctx, numberPrefix) })
}

func (r *Router) CreateBatch(ctx context.Context, b *model.SettlementBatch) error {
	return routeErr(r, ctx, func(s Store) error { return s.CreateBatch(ctx, b) })
}

func (r *Router) CompleteBatch(ctx context.Context, id string, at time.Time) error {
	return routeErr(r, ctx, func(s Store) error { return s.CompleteBatch(ctx, id, at) })
}

func (r *Router) GetBatch(ctx context.Context, id string) (*model.SettlementBatch, error) {
	return route(r, ctx, func(s Store) (*model.SettlementBatch, error) { return s.GetBatch(ctx, id) })
}

func (r *Router) ListBatches(ctx context.Context, f BatchFilter) ([]model.SettlementBatch, error) {
	return route(r, ctx, func(s Store) ([]model.SettlementBatch, error) { return s.ListBatches(ctx, f) })
}
