package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/tenant"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for hierarchy lookups. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the
// primary. Settlement and batch data is never cached.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	inTx    bool // reads inside a transaction do not populate the cache
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return s.primary.InTx(ctx, func(ctx context.Context, tx Store) error {
		return fn(ctx, &CachedStore{primary: tx, rdb: s.rdb, ttl: s.ttl, inTx: true})
	})
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SaveOrganization(ctx context.Context, org *model.Organization) error {
	if err := s.primary.SaveOrganization(ctx, org); err != nil {
		return err
	}
	// Fee changes affect every descendant's ancestor chain.
	s.bumpGeneration(ctx)
	return nil
}

func (s *CachedStore) MoveOrganization(ctx context.Context, orgID, newParentID string) error {
	if err := s.primary.MoveOrganization(ctx, orgID, newParentID); err != nil {
		return err
	}
	// Paths of the whole subtree and its merchants changed.
	s.bumpGeneration(ctx)
	return nil
}

func (s *CachedStore) SaveMerchant(ctx context.Context, m *model.Merchant) error {
	if err := s.primary.SaveMerchant(ctx, m); err != nil {
		return err
	}
	s.rdb.Del(ctx, merchantKey(ctx, s.generation(ctx), m.ID))
	return nil
}

func (s *CachedStore) SavePaymentMethod(ctx context.Context, pm *model.PaymentMethod) error {
	if err := s.primary.SavePaymentMethod(ctx, pm); err != nil {
		return err
	}
	s.rdb.Del(ctx, methodKey(ctx, pm.ID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetOrganization(ctx context.Context, id string) (*model.Organization, error) {
	gen := s.generation(ctx)
	var org model.Organization
	if s.load(ctx, orgKey(ctx, gen, id), &org) {
		return &org, nil
	}
	o, err := s.primary.GetOrganization(ctx, id)
	if err != nil {
		return nil, err
	}
	s.save(ctx, orgKey(ctx, gen, id), o)
	return o, nil
}

func (s *CachedStore) GetAncestors(ctx context.Context, orgID string) ([]model.Organization, error) {
	gen := s.generation(ctx)
	var chain []model.Organization
	if s.load(ctx, ancestorsKey(ctx, gen, orgID), &chain) {
		return chain, nil
	}
	chain, err := s.primary.GetAncestors(ctx, orgID)
	if err != nil {
		return nil, err
	}
	s.save(ctx, ancestorsKey(ctx, gen, orgID), chain)
	return chain, nil
}

func (s *CachedStore) GetMerchant(ctx context.Context, id string) (*model.Merchant, error) {
	gen := s.generation(ctx)
	var m model.Merchant
	if s.load(ctx, merchantKey(ctx, gen, id), &m) {
		return &m, nil
	}
	mm, err := s.primary.GetMerchant(ctx, id)
	if err != nil {
		return nil, err
	}
	s.save(ctx, merchantKey(ctx, gen, id), mm)
	return mm, nil
}

func (s *CachedStore) GetPaymentMethod(ctx context.Context, id string) (*model.PaymentMethod, error) {
	var pm model.PaymentMethod
	if s.load(ctx, methodKey(ctx, id), &pm) {
		return &pm, nil
	}
	p, err := s.primary.GetPaymentMethod(ctx, id)
	if err != nil {
		return nil, err
	}
	s.save(ctx, methodKey(ctx, id), p)
	return p, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListDescendants(ctx context.Context, orgID string) ([]model.Organization, error) {
	return s.primary.ListDescendants(ctx, orgID)
}

func (s *CachedStore) InsertTransactionEvent(ctx context.Context, ev *model.TransactionEvent) error {
	return s.primary.InsertTransactionEvent(ctx, ev)
}

func (s *CachedStore) GetTransactionEvent(ctx context.Context, id string) (*model.TransactionEvent, error) {
	return s.primary.GetTransactionEvent(ctx, id)
}

func (s *CachedStore) ListTransactionEvents(ctx context.Context, transactionID string) ([]model.TransactionEvent, error) {
	return s.primary.ListTransactionEvents(ctx, transactionID)
}

func (s *CachedStore) InsertSettlements(ctx context.Context, legs []model.Settlement) error {
	return s.primary.InsertSettlements(ctx, legs)
}

func (s *CachedStore) ListSettlementsByEvent(ctx context.Context, eventID string) ([]model.Settlement, error) {
	return s.primary.ListSettlementsByEvent(ctx, eventID)
}

func (s *CachedStore) UpdateSettlementStatus(ctx context.Context, ids []string, status model.SettlementStatus, at time.Time) error {
	return s.primary.UpdateSettlementStatus(ctx, ids, status, at)
}

func (s *CachedStore) ListUnbatchedSettlements(ctx context.Context, from, to time.Time, cycle string) ([]model.Settlement, error) {
	return s.primary.ListUnbatchedSettlements(ctx, from, to, cycle)
}

func (s *CachedStore) AttachBatch(ctx context.Context, batchID string, ids []string, settledAt time.Time) error {
	return s.primary.AttachBatch(ctx, batchID, ids, settledAt)
}

func (s *CachedStore) QuerySettlements(ctx context.Context, f SettlementFilter) ([]model.Settlement, error) {
	return s.primary.QuerySettlements(ctx, f)
}

func (s *CachedStore) CountBatches(ctx context.Context, numberPrefix string) (int, error) {
	return s.primary.CountBatches(ctx, numberPrefix)
}

func (s *CachedStore) CreateBatch(ctx context.Context, b *model.SettlementBatch) error {
	return s.primary.CreateBatch(ctx, b)
}

func (s *CachedStore) CompleteBatch(ctx context.Context, id string, at time.Time) error {
	return s.primary.CompleteBatch(ctx, id, at)
}

func (s *CachedStore) GetBatch(ctx context.Context, id string) (*model.SettlementBatch, error) {
	return s.primary.GetBatch(ctx, id)
}

func (s *CachedStore) ListBatches(ctx context.Context, f BatchFilter) ([]model.SettlementBatch, error) {
	return s.primary.ListBatches(ctx, f)
}

// --- Cache helpers ---

func (s *CachedStore) load(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) save(ctx context.Context, key string, v any) {
	if s.inTx {
		return
	}
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

// generation is the hierarchy version of the tenant. Every hierarchy
// write bumps it so cached chains and merchant paths go stale at once.
func (s *CachedStore) generation(ctx context.Context) int64 {
	n, err := s.rdb.Get(ctx, genKey(ctx)).Int64()
	if err != nil {
		return 0
	}
	return n
}

func (s *CachedStore) bumpGeneration(ctx context.Context) {
	s.rdb.Incr(ctx, genKey(ctx))
}

func keyPrefix(ctx context.Context) string {
	id, err := tenant.FromContext(ctx)
	if err != nil {
		return "settle:_"
	}
	return "settle:" + id
}

func genKey(ctx context.Context) string { return keyPrefix(ctx) + ":hierarchy:gen" }
func orgKey(ctx context.Context, gen int64, id string) string {
	return fmt.Sprintf("%s:%d:org:%s", keyPrefix(ctx), gen, id)
}
func ancestorsKey(ctx context.Context, gen int64, id string) string {
	return fmt.Sprintf("%s:%d:ancestors:%s", keyPrefix(ctx), gen, id)
}
func merchantKey(ctx context.Context, gen int64, id string) string {
	return fmt.Sprintf("%s:%d:merchant:%s", keyPrefix(ctx), gen, id)
}
func methodKey(ctx context.Context, id string) string {
	return fmt.Sprintf("%s:method:%s", keyPrefix(ctx), id)
}
