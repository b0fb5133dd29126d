package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cronrunner "github.com/atmx/settlement-engine/internal/cron"
	"github.com/atmx/settlement-engine/internal/cycle"
	"github.com/atmx/settlement-engine/internal/store"
)

func TestScheduler_RunOnceIsolatesTenants(t *testing.T) {
	ctx := context.Background()
	kst := time.FixedZone("KST", 9*60*60)
	day := time.Date(2026, 10, 16, 0, 0, 0, 0, kst)

	alpha := store.NewMemoryStore()
	beta := store.NewMemoryStore()
	broken := &failingStore{MemoryStore: store.NewMemoryStore(), countErr: errors.New("connection reset")}
	seedLegs(t, alpha, pendingLeg("a1", "ev-a", "D+1", day.Add(13*time.Hour), 1000, 30))
	seedLegs(t, beta, pendingLeg("b1", "ev-b", "D+3", day.Add(8*time.Hour), 2000, 60))
	seedLegs(t, broken, pendingLeg("x1", "ev-x", "D+1", day.Add(8*time.Hour), 500, 15))

	router := store.NewRouter(map[string]store.Store{"alpha": alpha, "beta": beta, "broken": broken})
	sched := NewScheduler(NewService(router, nil, nil, zap.NewNop()),
		router,
		[]cycle.Cycle{cycle.D1, cycle.D3},
		kst, zap.NewNop())
	// 01:00 KST on Saturday is still Friday in UTC; yesterday must be taken in KST.
	sched.now = func() time.Time { return time.Date(2026, 10, 16, 16, 0, 0, 0, time.UTC) }

	reports := sched.RunOnce(ctx)
	require.Len(t, reports, 6)

	byTenant := map[string][]Report{}
	for _, r := range reports {
		byTenant[r.Tenant] = append(byTenant[r.Tenant], r)
	}
	for _, r := range byTenant["broken"] {
		assert.Error(t, r.Err)
		assert.Nil(t, r.Batch)
	}
	for _, r := range append(byTenant["alpha"], byTenant["beta"]...) {
		assert.NoError(t, r.Err)
	}

	alphaBatches, err := alpha.ListBatches(ctx, store.BatchFilter{})
	require.NoError(t, err)
	require.Len(t, alphaBatches, 1)
	assert.Equal(t, "D1-20261019-001", alphaBatches[0].BatchNumber)

	betaBatches, err := beta.ListBatches(ctx, store.BatchFilter{})
	require.NoError(t, err)
	require.Len(t, betaBatches, 1)
	assert.Equal(t, "D3-20261021-001", betaBatches[0].BatchNumber)
	assert.Equal(t, int64(2000), betaBatches[0].TotalAmount)

	brokenBatches, err := broken.ListBatches(ctx, store.BatchFilter{})
	require.NoError(t, err)
	assert.Empty(t, brokenBatches)

	// A second pass over the same day is a no-op.
	for _, r := range sched.RunOnce(ctx) {
		if r.Tenant != "broken" {
			assert.NoError(t, r.Err)
			assert.Nil(t, r.Batch)
		}
	}
}

type panickingStore struct{ *store.MemoryStore }

func (panickingStore) InTx(context.Context, func(context.Context, store.Store) error) error {
	panic("driver bug")
}

func TestScheduler_RecoversTenantPanic(t *testing.T) {
	ok := store.NewMemoryStore()
	seedLegs(t, ok, pendingLeg("s1", "ev1", "D+1", friday.Add(9*time.Hour), 100, 3))
	router := store.NewRouter(map[string]store.Store{
		"bad":  panickingStore{store.NewMemoryStore()},
		"good": ok,
	})
	sched := NewScheduler(NewService(router, nil, nil, nil), router,
		[]cycle.Cycle{cycle.D1}, time.UTC, nil)
	sched.now = func() time.Time { return friday.AddDate(0, 0, 1).Add(time.Hour) }

	reports := sched.RunOnce(context.Background())
	require.Len(t, reports, 2)
	assert.Equal(t, "bad", reports[0].Tenant)
	assert.ErrorContains(t, reports[0].Err, "panicked")
	assert.Equal(t, "good", reports[1].Tenant)
	require.NoError(t, reports[1].Err)
	require.NotNil(t, reports[1].Batch)
}

func TestScheduler_Register(t *testing.T) {
	runner := cronrunner.New(context.Background(), time.UTC, zap.NewNop())
	sched := NewScheduler(NewService(store.NewMemoryStore(), nil, nil, nil), store.NewRouter(nil), nil, nil, nil)

	require.NoError(t, sched.Register(runner, "0 10 0 * * *"))
	assert.Equal(t, 1, runner.Entries())
	assert.Error(t, sched.Register(runner, "not a cron spec"))
}
