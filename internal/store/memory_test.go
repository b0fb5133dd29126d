package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/hierarchy"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/tenant"
)

func saveOrg(t *testing.T, ms store.Store, id string, typ model.OrgType, parent *model.Organization) *model.Organization {
	t.Helper()
	org := &model.Organization{
		ID:              id,
		Name:            id,
		Type:            typ,
		FeeConfig:       model.FeeConfig{model.DefaultFeeKey: decimal.RequireFromString("0.01")},
		SettlementCycle: "D+1",
		Status:          model.EntityActive,
	}
	require.NoError(t, hierarchy.Attach(org, parent))
	require.NoError(t, ms.SaveOrganization(context.Background(), org))
	return org
}

func TestSaveOrganization_RejectsBrokenPath(t *testing.T) {
	ms := store.NewMemoryStore()
	root := saveOrg(t, ms, "dist", model.OrgDistributor, nil)

	bad := &model.Organization{ID: "agency", Type: model.OrgAgency, ParentID: root.ID, Path: []string{"agency"}, Level: 1}
	err := ms.SaveOrganization(context.Background(), bad)
	assert.ErrorIs(t, err, hierarchy.ErrInvalidPath)
}

func TestSaveOrganization_RejectsNestedDistributor(t *testing.T) {
	ms := store.NewMemoryStore()
	saveOrg(t, ms, "top", model.OrgDistributor, nil)

	sub := &model.Organization{ID: "sub", Type: model.OrgDistributor, ParentID: "top", Path: []string{"top", "sub"}, Level: 2}
	err := ms.SaveOrganization(context.Background(), sub)
	assert.ErrorIs(t, err, hierarchy.ErrNestedDistributor)

	_, err = ms.GetOrganization(context.Background(), "sub")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSaveOrganization_RejectsOutOfRangeFee(t *testing.T) {
	ms := store.NewMemoryStore()
	org := &model.Organization{
		ID: "dist", Type: model.OrgDistributor, Path: []string{"dist"}, Level: 1,
		FeeConfig: model.FeeConfig{model.DefaultFeeKey: decimal.RequireFromString("1.5")},
	}
	err := ms.SaveOrganization(context.Background(), org)
	assert.ErrorIs(t, err, model.ErrFeeRateOutOfRange)
}

func TestGetAncestors_NearestFirst(t *testing.T) {
	ms := store.NewMemoryStore()
	dist := saveOrg(t, ms, "dist", model.OrgDistributor, nil)
	agency := saveOrg(t, ms, "agency", model.OrgAgency, dist)
	saveOrg(t, ms, "dealer", model.OrgDealer, agency)

	chain, err := ms.GetAncestors(context.Background(), "dealer")
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, "dealer", chain[0].ID)
	assert.Equal(t, "agency", chain[1].ID)
	assert.Equal(t, "dist", chain[2].ID)
}

func TestMoveOrganization_RewritesSubtreeAndMerchants(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	dist := saveOrg(t, ms, "dist", model.OrgDistributor, nil)
	a1 := saveOrg(t, ms, "a1", model.OrgAgency, dist)
	a2 := saveOrg(t, ms, "a2", model.OrgAgency, dist)
	saveOrg(t, ms, "dealer", model.OrgDealer, a1)
	require.NoError(t, ms.SaveMerchant(ctx, &model.Merchant{ID: "m1", OrganizationID: "dealer", SettlementCycle: "D+1"}))

	require.NoError(t, ms.MoveOrganization(ctx, "dealer", a2.ID))

	dealer, err := ms.GetOrganization(ctx, "dealer")
	require.NoError(t, err)
	assert.Equal(t, []string{"dist", "a2", "dealer"}, dealer.Path)
	assert.Equal(t, "a2", dealer.ParentID)

	m, err := ms.GetMerchant(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"dist", "a2", "dealer"}, m.OrgPath)

	err = ms.MoveOrganization(ctx, "a2", "dealer")
	assert.ErrorIs(t, err, hierarchy.ErrCycle)
}

func TestInTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	boom := errors.New("boom")

	err := ms.InTx(ctx, func(ctx context.Context, tx store.Store) error {
		require.NoError(t, tx.InsertTransactionEvent(ctx, &model.TransactionEvent{ID: "ev1", TransactionID: "tx1"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = ms.GetTransactionEvent(ctx, "ev1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateBatch_DuplicateDateAndCycle(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	date := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)

	require.NoError(t, ms.CreateBatch(ctx, &model.SettlementBatch{ID: "b1", BatchNumber: "D1-20261019-001", Cycle: "D+1", SettlementDate: date}))
	err := ms.CreateBatch(ctx, &model.SettlementBatch{ID: "b2", BatchNumber: "D1-20261019-002", Cycle: "D+1", SettlementDate: date})
	assert.ErrorIs(t, err, store.ErrDuplicateBatch)

	require.NoError(t, ms.CreateBatch(ctx, &model.SettlementBatch{ID: "b3", BatchNumber: "D3-20261019-001", Cycle: "D+3", SettlementDate: date}))

	n, err := ms.CountBatches(ctx, "D1-20261019-")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestQuerySettlements_SubtreeFilter(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	at := time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)
	legs := []model.Settlement{
		{ID: "s1", TransactionEventID: "ev1", EntityID: "m1", EntityPath: []string{"dist", "a1", "m1"}, Amount: 900, Status: model.StatusPending, EventOccurredAt: at},
		{ID: "s2", TransactionEventID: "ev1", EntityID: "a1", EntityPath: []string{"dist", "a1"}, Amount: 50, Status: model.StatusPending, EventOccurredAt: at},
		{ID: "s3", TransactionEventID: "ev1", EntityID: "dist", EntityPath: []string{"dist"}, Amount: 50, Status: model.StatusPending, EventOccurredAt: at},
		{ID: "s4", TransactionEventID: "ev2", EntityID: "m2", EntityPath: []string{"dist", "a2", "m2"}, Amount: 100, Status: model.StatusCompleted, EventOccurredAt: at.Add(time.Hour)},
	}
	require.NoError(t, ms.InsertSettlements(ctx, legs))

	got, err := ms.QuerySettlements(ctx, store.SettlementFilter{EntityPathPrefix: []string{"dist", "a1"}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.ElementsMatch(t, []string{"s1", "s2"}, []string{got[0].ID, got[1].ID})

	got, err = ms.QuerySettlements(ctx, store.SettlementFilter{Statuses: []model.SettlementStatus{model.StatusCompleted}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "s4", got[0].ID)

	got, err = ms.QuerySettlements(ctx, store.SettlementFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "s4", got[0].ID, "newest event first")
}

func TestRouter_IsolatesTenants(t *testing.T) {
	a, b := store.NewMemoryStore(), store.NewMemoryStore()
	r := store.NewRouter(map[string]store.Store{"a": a, "b": b})

	ctxA := tenant.WithID(context.Background(), "a")
	require.NoError(t, r.SavePaymentMethod(ctxA, &model.PaymentMethod{ID: "pm1", Code: "CARD"}))

	_, err := b.GetPaymentMethod(context.Background(), "pm1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = a.GetPaymentMethod(context.Background(), "pm1")
	assert.NoError(t, err)

	_, err = r.GetPaymentMethod(context.Background(), "pm1")
	assert.ErrorIs(t, err, tenant.ErrNoTenant)

	_, err = r.GetPaymentMethod(tenant.WithID(context.Background(), "zzz"), "pm1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.Equal(t, []string{"a", "b"}, r.Tenants())
}

func TestInsertTransactionEvent_Duplicate(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	ev := &model.TransactionEvent{ID: "ev1", TransactionID: "tx1", Amount: 100}

	require.NoError(t, ms.InsertTransactionEvent(ctx, ev))
	err := ms.InsertTransactionEvent(ctx, ev)
	assert.ErrorIs(t, err, store.ErrDuplicateEvent)
}

func TestUpdateSettlementStatus_EnforcesLifecycle(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	require.NoError(t, ms.InsertSettlements(ctx, []model.Settlement{
		{ID: "review", TransactionEventID: "ev1", Status: model.StatusPendingReview},
		{ID: "done", TransactionEventID: "ev1", Status: model.StatusCompleted},
	}))

	err := ms.UpdateSettlementStatus(ctx, []string{"review", "done"}, model.StatusCancelled, now)
	require.ErrorIs(t, err, store.ErrInvalidTransition)

	legs, err := ms.ListSettlementsByEvent(ctx, "ev1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPendingReview, legs[0].Status, "rejected update leaves every leg untouched")
	assert.Equal(t, model.StatusCompleted, legs[1].Status)

	require.NoError(t, ms.UpdateSettlementStatus(ctx, []string{"review"}, model.StatusCancelled, now))
	assert.ErrorIs(t, ms.UpdateSettlementStatus(ctx, []string{"review"}, model.StatusPending, now), store.ErrInvalidTransition)
	assert.ErrorIs(t, ms.UpdateSettlementStatus(ctx, []string{"ghost"}, model.StatusCancelled, now), store.ErrNotFound)
}

func TestListBatches_ByNumber(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	mon := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	tue := mon.AddDate(0, 0, 1)
	require.NoError(t, ms.CreateBatch(ctx, &model.SettlementBatch{ID: "b1", BatchNumber: "D1-20261019-001", Cycle: "D+1", SettlementDate: mon}))
	require.NoError(t, ms.CreateBatch(ctx, &model.SettlementBatch{ID: "b2", BatchNumber: "D1-20261020-001", Cycle: "D+1", SettlementDate: tue}))

	got, err := ms.ListBatches(ctx, store.BatchFilter{Number: "D1-20261020-001"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b2", got[0].ID)
}
