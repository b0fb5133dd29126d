// Package batch groups pending settlements into dated batches per
// settlement cycle and drives the daily batch run across tenants.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atmx/settlement-engine/internal/calendar"
	"github.com/atmx/settlement-engine/internal/cycle"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/notify"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/tenant"
)

// skip aborts a batch unit of work without creating anything. stranded
// counts PENDING legs of the day left out because the settlement date
// already has its batch.
type skip struct {
	reason   string
	stranded int
}

func (s skip) Error() string { return "batch skipped: " + s.reason }

// Service creates settlement batches.
type Service struct {
	store    store.Store
	calendar *calendar.Calculator
	notifier notify.Notifier
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates a batch service. Pass nil for notifier if the operator
// feed is not needed.
func NewService(st store.Store, cal *calendar.Calculator, notifier notify.Notifier, logger *zap.Logger) *Service {
	if cal == nil {
		cal = calendar.New()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    st,
		calendar: cal,
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SettlementDate is the date a transaction day settles on for cycle c.
// REALTIME settles on the transaction day itself.
func (s *Service) SettlementDate(transactionDate time.Time, c cycle.Cycle) time.Time {
	day := calendar.StartOfDay(transactionDate)
	if c.IsRealtime() {
		return day
	}
	return s.calendar.Step(day, c.BusinessDays())
}

// CreateDailyBatch batches the PENDING, unbatched legs of cycle c whose
// event occurred on transactionDate (a calendar day in transactionDate's
// location). It returns nil without error when a batch already exists for
// the settlement date and cycle, or when there is nothing to batch.
func (s *Service) CreateDailyBatch(ctx context.Context, transactionDate time.Time, c cycle.Cycle) (*model.SettlementBatch, error) {
	periodStart := calendar.StartOfDay(transactionDate)
	periodEnd := periodStart.AddDate(0, 0, 1)
	settlementDate := s.SettlementDate(transactionDate, c)
	prefix := cycle.DatePrefix(c, settlementDate)

	var created *model.SettlementBatch
	var attached int
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Store) error {
		existing, err := tx.CountBatches(ctx, prefix)
		if err != nil {
			return fmt.Errorf("count batches %s: %w", prefix, err)
		}
		legs, err := tx.ListUnbatchedSettlements(ctx, periodStart, periodEnd, string(c))
		if err != nil {
			return fmt.Errorf("list unbatched %s: %w", c, err)
		}
		if existing > 0 {
			return skip{reason: "exists", stranded: len(legs)}
		}
		if len(legs) == 0 {
			return skip{reason: "empty"}
		}

		now := s.now()
		b := &model.SettlementBatch{
			ID:             uuid.New().String(),
			BatchNumber:    cycle.NewBatchNumber(c, settlementDate, existing+1).String(),
			Cycle:          string(c),
			SettlementDate: settlementDate,
			PeriodStart:    periodStart,
			PeriodEnd:      periodEnd,
			Status:         model.BatchProcessing,
			CreatedAt:      now,
		}
		ids := make([]string, len(legs))
		events := make(map[string]struct{})
		for i, l := range legs {
			ids[i] = l.ID
			events[l.TransactionEventID] = struct{}{}
			b.TotalAmount += l.Amount
			b.TotalFeeAmount += l.FeeAmount
		}
		b.TransactionCount = len(events)

		if err := tx.CreateBatch(ctx, b); err != nil {
			if errors.Is(err, store.ErrDuplicateBatch) {
				return skip{reason: "duplicate"}
			}
			return fmt.Errorf("create batch %s: %w", b.BatchNumber, err)
		}
		if err := tx.AttachBatch(ctx, b.ID, ids, now); err != nil {
			return fmt.Errorf("attach batch %s: %w", b.BatchNumber, err)
		}
		if err := tx.CompleteBatch(ctx, b.ID, now); err != nil {
			return fmt.Errorf("complete batch %s: %w", b.BatchNumber, err)
		}
		b.Status = model.BatchCompleted
		b.CompletedAt = &now
		created = b
		attached = len(ids)
		return nil
	})

	var sk skip
	if errors.As(err, &sk) {
		metrics.BatchesSkipped.WithLabelValues(string(c), sk.reason).Inc()
		fields := []zap.Field{
			zap.String("cycle", string(c)),
			zap.String("settlement_date", settlementDate.Format(time.DateOnly)),
			zap.String("reason", sk.reason),
		}
		if sk.stranded > 0 {
			s.logger.Warn("batch exists for settlement date, legs left unbatched",
				append(fields,
					zap.String("transaction_date", periodStart.Format(time.DateOnly)),
					zap.Int("stranded", sk.stranded),
				)...)
			return nil, nil
		}
		s.logger.Info("batch skipped", fields...)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	metrics.BatchesCreated.WithLabelValues(string(c)).Inc()
	metrics.BatchedSettlements.WithLabelValues(string(c)).Add(float64(attached))
	s.logger.Info("batch created",
		zap.String("batch_number", created.BatchNumber),
		zap.String("cycle", string(c)),
		zap.Int("transactions", created.TransactionCount),
		zap.Int("settlements", attached),
		zap.Int64("total_amount", created.TotalAmount),
		zap.Int64("total_fee_amount", created.TotalFeeAmount),
	)
	tenantID, _ := tenant.FromContext(ctx)
	s.notifier.Publish(ctx, notify.Message{
		Type:        notify.TypeBatchCompleted,
		Tenant:      tenantID,
		BatchID:     created.ID,
		BatchNumber: created.BatchNumber,
		Count:       created.TransactionCount,
		Amount:      created.TotalAmount,
	})
	return created, nil
}
