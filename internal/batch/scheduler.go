package batch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	cronrunner "github.com/atmx/settlement-engine/internal/cron"
	"github.com/atmx/settlement-engine/internal/cycle"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/tenant"
)

// Report is the result of one (tenant, cycle) batch run.
type Report struct {
	Tenant string
	Cycle  cycle.Cycle
	Batch  *model.SettlementBatch // nil on no-op or failure
	Err    error
}

// Scheduler runs CreateDailyBatch for every active tenant and configured
// cycle against yesterday in a fixed time zone. Tenants run one after the
// other; a failing tenant is logged and the pass moves on.
type Scheduler struct {
	batches *Service
	tenants tenant.Source
	cycles  []cycle.Cycle
	loc     *time.Location
	logger  *zap.Logger
	now     func() time.Time
}

// NewScheduler creates a scheduler. A nil loc means UTC.
func NewScheduler(batches *Service, tenants tenant.Source, cycles []cycle.Cycle, loc *time.Location, logger *zap.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		batches: batches,
		tenants: tenants,
		cycles:  cycles,
		loc:     loc,
		logger:  logger,
		now:     time.Now,
	}
}

// Register schedules RunOnce on runner at spec.
func (s *Scheduler) Register(runner *cronrunner.Runner, spec string) error {
	if _, err := runner.Add(spec, func(ctx context.Context) { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule batch run %q: %w", spec, err)
	}
	s.logger.Info("batch scheduler registered", zap.String("cron", spec), zap.String("timezone", s.loc.String()))
	return nil
}

// RunOnce performs one scheduler pass and returns a report per tenant and cycle.
func (s *Scheduler) RunOnce(ctx context.Context) []Report {
	ids, err := s.tenants.ActiveTenants(ctx)
	if err != nil {
		s.logger.Error("list active tenants", zap.Error(err))
		return nil
	}
	yesterday := s.now().In(s.loc).AddDate(0, 0, -1)

	var reports []Report
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		reports = append(reports, s.runTenant(tenant.WithID(ctx, id), id, yesterday)...)
	}
	return reports
}

func (s *Scheduler) runTenant(ctx context.Context, id string, day time.Time) (reports []Report) {
	logger := s.logger.With(zap.String("tenant", id))
	defer func() {
		if p := recover(); p != nil {
			metrics.SchedulerTenantFailures.WithLabelValues(id).Inc()
			logger.Error("batch run panicked", zap.Any("panic", p))
			reports = append(reports, Report{Tenant: id, Err: fmt.Errorf("batch run panicked: %v", p)})
		}
	}()

	for _, c := range s.cycles {
		b, err := s.batches.CreateDailyBatch(ctx, day, c)
		reports = append(reports, Report{Tenant: id, Cycle: c, Batch: b, Err: err})
		if err != nil {
			metrics.SchedulerTenantFailures.WithLabelValues(id).Inc()
			logger.Error("batch run failed",
				zap.String("cycle", string(c)),
				zap.String("date", day.Format(time.DateOnly)),
				zap.Error(err),
			)
		}
	}
	return reports
}
