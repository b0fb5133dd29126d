package settlement_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atmx/settlement-engine/internal/hierarchy"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/notify"
	"github.com/atmx/settlement-engine/internal/settlement"
	"github.com/atmx/settlement-engine/internal/store"
)

var occurred = time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recordingNotifier) Publish(_ context.Context, msg notify.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recordingNotifier) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.msgs {
		out = append(out, m.Type)
	}
	return out
}

type testEnv struct {
	store    *store.MemoryStore
	svc      *settlement.Service
	resettle *settlement.ResettlementService
	notes    *recordingNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	notes := &recordingNotifier{}
	logger := zap.NewNop()
	svc := settlement.NewService(ms, settlement.NewCreationService(logger), notes, logger)
	return &testEnv{store: ms, svc: svc, resettle: settlement.NewResettlementService(svc), notes: notes}
}

// seedHierarchy stores distributor → agency → dealer → seller → vendor with
// the given rates, plus merchant m1 under vendor and the CARD method.
func seedHierarchy(t *testing.T, ms store.Store, merchantRate string, orgRates [5]string) {
	t.Helper()
	ctx := context.Background()
	types := []model.OrgType{model.OrgDistributor, model.OrgAgency, model.OrgDealer, model.OrgSeller, model.OrgVendor}
	ids := []string{"dist", "agency", "dealer", "seller", "vendor"}

	var parent *model.Organization
	for i := range ids {
		org := &model.Organization{
			ID:              ids[i],
			Name:            ids[i],
			Type:            types[i],
			FeeConfig:       model.FeeConfig{model.DefaultFeeKey: decimal.RequireFromString(orgRates[i])},
			SettlementCycle: "D+1",
			Status:          model.EntityActive,
		}
		require.NoError(t, hierarchy.Attach(org, parent))
		require.NoError(t, ms.SaveOrganization(ctx, org))
		parent = org
	}
	require.NoError(t, ms.SaveMerchant(ctx, &model.Merchant{
		ID:              "m1",
		OrganizationID:  "vendor",
		FeeConfig:       model.FeeConfig{model.DefaultFeeKey: decimal.RequireFromString(merchantRate)},
		SettlementCycle: "D+1",
		Status:          model.EntityActive,
	}))
	require.NoError(t, ms.SavePaymentMethod(ctx, &model.PaymentMethod{ID: "pm-card", Code: "CARD", Name: "Card"}))
}

var standardRates = [5]string{"0.005", "0.010", "0.015", "0.020", "0.025"}

func event(id string, typ model.EventType, amount int64, seq int) *model.TransactionEvent {
	return &model.TransactionEvent{
		ID:              id,
		TransactionID:   "tx1",
		Type:            typ,
		Amount:          amount,
		Currency:        "KRW",
		MerchantID:      "m1",
		PaymentMethodID: "pm-card",
		Sequence:        seq,
		OccurredAt:      occurred.Add(time.Duration(seq) * time.Minute),
	}
}

func sum(legs []model.Settlement) int64 {
	var total int64
	for _, l := range legs {
		total += l.Amount
	}
	return total
}

func byEntity(legs []model.Settlement) map[string]model.Settlement {
	out := make(map[string]model.Settlement, len(legs))
	for _, l := range legs {
		out[l.EntityID] = l
	}
	return out
}

func TestIngest_ApprovalSettlesAcrossHierarchy(t *testing.T) {
	env := newTestEnv(t)
	seedHierarchy(t, env.store, "0.03", standardRates)
	ctx := context.Background()

	out, err := env.svc.Ingest(ctx, event("ev1", model.EventApproval, 100000, 1))
	require.NoError(t, err)
	assert.False(t, out.NeedsReview())
	require.Len(t, out.Settlements, 6)
	assert.Equal(t, int64(100000), sum(out.Settlements))

	got := byEntity(out.Settlements)
	assert.Equal(t, int64(97000), got["m1"].Amount)
	assert.Equal(t, int64(1000), got["dist"].Amount)

	stored, err := env.store.ListSettlementsByEvent(ctx, "ev1")
	require.NoError(t, err)
	require.Len(t, stored, 6)
	for _, l := range stored {
		assert.Equal(t, model.StatusPending, l.Status)
		assert.Equal(t, "D+1", l.SettlementCycle)
	}
	assert.Equal(t, []string{"dist"}, got["dist"].EntityPath)
	assert.Equal(t, []string{"dist", "agency", "dealer", "seller", "vendor"}, got["vendor"].EntityPath)
	assert.Empty(t, env.notes.types())
}

func TestProcess_RejectsAlreadySettledEvent(t *testing.T) {
	env := newTestEnv(t)
	seedHierarchy(t, env.store, "0.03", standardRates)
	ctx := context.Background()

	_, err := env.svc.Ingest(ctx, event("ev1", model.EventApproval, 100000, 1))
	require.NoError(t, err)

	_, err = env.svc.Process(ctx, "ev1")
	assert.ErrorIs(t, err, settlement.ErrAlreadySettled)

	stored, err := env.store.ListSettlementsByEvent(ctx, "ev1")
	require.NoError(t, err)
	assert.Len(t, stored, 6)
}

func TestProcess_StoredEvent(t *testing.T) {
	env := newTestEnv(t)
	seedHierarchy(t, env.store, "0.03", standardRates)
	ctx := context.Background()
	require.NoError(t, env.store.InsertTransactionEvent(ctx, event("ev1", model.EventApproval, 55555, 1)))

	out, err := env.svc.Process(ctx, "ev1")
	require.NoError(t, err)
	assert.Equal(t, int64(55555), sum(out.Settlements))

	_, err = env.svc.Process(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIngest_FullCancelMirrorsApproval(t *testing.T) {
	env := newTestEnv(t)
	seedHierarchy(t, env.store, "0.03", standardRates)
	ctx := context.Background()

	_, err := env.svc.Ingest(ctx, event("ev1", model.EventApproval, 100000, 1))
	require.NoError(t, err)
	out, err := env.svc.Ingest(ctx, event("ev2", model.EventCancel, -100000, 2))
	require.NoError(t, err)

	assert.Equal(t, int64(-100000), sum(out.Settlements))
	for _, l := range out.Settlements {
		assert.Equal(t, model.Debit, l.EntryType)
		assert.LessOrEqual(t, l.Amount, int64(0))
	}
	assert.Equal(t, int64(-97000), byEntity(out.Settlements)["m1"].Amount)
}

func TestIngest_PartialCancelThirtyPercent(t *testing.T) {
	env := newTestEnv(t)
	seedHierarchy(t, env.store, "0.03", standardRates)
	ctx := context.Background()

	_, err := env.svc.Ingest(ctx, event("ev1", model.EventApproval, 100000, 1))
	require.NoError(t, err)
	out, err := env.svc.Ingest(ctx, event("ev2", model.EventPartialCancel, -30000, 2))
	require.NoError(t, err)
	require.False(t, out.NeedsReview())

	assert.Equal(t, int64(-30000), sum(out.Settlements))
	got := byEntity(out.Settlements)
	assert.Equal(t, int64(-29100), got["m1"].Amount)
	assert.Equal(t, int64(-900), got["m1"].FeeAmount)
	for _, id := range []string{"vendor", "seller", "dealer", "agency"} {
		assert.Equal(t, int64(-150), got[id].Amount, id)
	}
	assert.Equal(t, int64(-300), got["dist"].Amount)
	for _, l := range out.Settlements {
		assert.Equal(t, "ev2", l.TransactionEventID)
		assert.Equal(t, model.Debit, l.EntryType)
	}
}

func TestIngest_PartialCancelRoundingGoesToDistributor(t *testing.T) {
	env := newTestEnv(t)
	seedHierarchy(t, env.store, "0.033", [5]string{"0.0051", "0.0107", "0.0149", "0.0213", "0.0277"})
	ctx := context.Background()

	approval, err := env.svc.Ingest(ctx, event("ev1", model.EventApproval, 12345, 1))
	require.NoError(t, err)
	require.Equal(t, int64(12345), sum(approval.Settlements))

	out, err := env.svc.Ingest(ctx, event("ev2", model.EventPartialCancel, -3333, 2))
	require.NoError(t, err)
	assert.False(t, out.NeedsReview())
	assert.Equal(t, int64(-3333), sum(out.Settlements))

	orig := byEntity(approval.Settlements)
	for _, l := range out.Settlements {
		if l.EntityID == "dist" {
			continue
		}
		want := orig[l.EntityID].Amount * 3333 / 12345
		assert.Equal(t, -want, l.Amount, l.EntityID)
	}
}

func TestIngest_PartialCancelWithoutApproval(t *testing.T) {
	env := newTestEnv(t)
	seedHierarchy(t, env.store, "0.03", standardRates)
	ctx := context.Background()

	_, err := env.svc.Ingest(ctx, event("ev1", model.EventPartialCancel, -1000, 1))
	assert.ErrorIs(t, err, settlement.ErrOriginalApprovalNotFound)

	_, err = env.store.GetTransactionEvent(ctx, "ev1")
	assert.ErrorIs(t, err, store.ErrNotFound, "event insert rolled back with the failed unit of work")
}

func TestIngest_CumulativeCancelsCannotExceedApproval(t *testing.T) {
	env := newTestEnv(t)
	seedHierarchy(t, env.store, "0.03", standardRates)
	ctx := context.Background()

	_, err := env.svc.Ingest(ctx, event("ev1", model.EventApproval, 10000, 1))
	require.NoError(t, err)
	_, err = env.svc.Ingest(ctx, event("ev2", model.EventPartialCancel, -6000, 2))
	require.NoError(t, err)
	_, err = env.svc.Ingest(ctx, event("ev3", model.EventPartialCancel, -5000, 3))
	assert.ErrorIs(t, err, settlement.ErrCancelExceedsApproval)
	out, err := env.svc.Ingest(ctx, event("ev4", model.EventPartialCancel, -4000, 4))
	require.NoError(t, err)
	assert.Equal(t, int64(-4000), sum(out.Settlements))
}

// nonMonotonicRates make the positive margins (1% + 3%) exceed the merchant
// fee (3%), so no residual leg can balance the set.
var nonMonotonicRates = [5]string{"0.001", "0.002", "0.000", "0.030", "0.020"}

func TestIngest_ZeroSumViolationHeldForReview(t *testing.T) {
	env := newTestEnv(t)
	seedHierarchy(t, env.store, "0.03", nonMonotonicRates)
	ctx := context.Background()

	out, err := env.svc.Ingest(ctx, event("ev1", model.EventApproval, 100000, 1))
	require.NoError(t, err, "a violation is persisted, not returned")
	require.True(t, out.NeedsReview())
	assert.Equal(t, int64(1000), out.Violation.Difference)
	assert.Equal(t, int64(100000), out.Violation.Expected)
	assert.Equal(t, int64(101000), out.Violation.Actual)

	stored, err := env.store.ListSettlementsByEvent(ctx, "ev1")
	require.NoError(t, err)
	require.NotEmpty(t, stored)
	for _, l := range stored {
		assert.Equal(t, model.StatusPendingReview, l.Status)
	}
	assert.Equal(t, []string{notify.TypeReviewRequired}, env.notes.types())
}

func TestResettle_AfterFixingConfiguration(t *testing.T) {
	env := newTestEnv(t)
	seedHierarchy(t, env.store, "0.03", nonMonotonicRates)
	ctx := context.Background()

	_, err := env.svc.Ingest(ctx, event("ev1", model.EventApproval, 100000, 1))
	require.NoError(t, err)

	for id, rate := range map[string]string{"seller": "0.015", "dealer": "0.010"} {
		org, err := env.store.GetOrganization(ctx, id)
		require.NoError(t, err)
		org.FeeConfig = model.FeeConfig{model.DefaultFeeKey: decimal.RequireFromString(rate)}
		require.NoError(t, env.store.SaveOrganization(ctx, org))
	}

	legs, err := env.resettle.Resettle(ctx, "ev1")
	require.NoError(t, err)
	assert.Equal(t, int64(100000), sum(legs))
	assert.Equal(t, int64(200), byEntity(legs)["dist"].Amount)
	for _, l := range legs {
		assert.Equal(t, model.StatusPending, l.Status)
	}

	all, err := env.store.ListSettlementsByEvent(ctx, "ev1")
	require.NoError(t, err)
	var cancelled, live int
	for _, l := range all {
		switch l.Status {
		case model.StatusCancelled:
			cancelled++
		case model.StatusPending:
			live++
		}
	}
	assert.Equal(t, len(legs), live)
	assert.Equal(t, len(all)-len(legs), cancelled)

	_, err = env.resettle.Resettle(ctx, "ev1")
	assert.ErrorIs(t, err, settlement.ErrNothingToResettle)
	assert.Contains(t, env.notes.types(), notify.TypeResettled)
}

func TestResettle_NothingToFix(t *testing.T) {
	env := newTestEnv(t)
	seedHierarchy(t, env.store, "0.03", standardRates)
	ctx := context.Background()

	_, err := env.svc.Ingest(ctx, event("ev1", model.EventApproval, 100000, 1))
	require.NoError(t, err)

	_, err = env.resettle.Resettle(ctx, "ev1")
	assert.ErrorIs(t, err, settlement.ErrNothingToResettle)
}

func TestIngest_MissingMerchant(t *testing.T) {
	env := newTestEnv(t)
	seedHierarchy(t, env.store, "0.03", standardRates)
	ev := event("ev1", model.EventApproval, 1000, 1)
	ev.MerchantID = "nope"

	_, err := env.svc.Ingest(context.Background(), ev)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIngest_UnsupportedEventType(t *testing.T) {
	env := newTestEnv(t)
	seedHierarchy(t, env.store, "0.03", standardRates)

	_, err := env.svc.Ingest(context.Background(), event("ev1", model.EventType("REFUND"), 1000, 1))
	assert.ErrorIs(t, err, settlement.ErrUnsupportedEventType)
}
