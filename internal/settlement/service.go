// Package settlement turns transaction events into zero-sum sets of
// settlement legs across the organization hierarchy.
//
// Every event is processed inside one store transaction: the event, its
// merchant and payment method are loaded, legs are computed, checked and
// written, and nothing is visible until the whole unit commits. Legs that
// fail the zero-sum check are still written, flagged PENDING_REVIEW, and
// can be re-derived later through ResettlementService.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/notify"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/tenant"
)

// Service is the entry point for settling transaction events.
type Service struct {
	store    store.Store
	creation *CreationService
	notifier notify.Notifier
	logger   *zap.Logger
}

// NewService creates a settlement service. Pass nil for notifier if the
// operator feed is not needed.
func NewService(st store.Store, creation *CreationService, notifier notify.Notifier, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if creation == nil {
		creation = NewCreationService(logger)
	}
	return &Service{store: st, creation: creation, notifier: notifier, logger: logger}
}

// Process settles a stored event. It fails with ErrAlreadySettled when the
// event already has live (non-cancelled) settlements.
func (s *Service) Process(ctx context.Context, eventID string) (Outcome, error) {
	start := time.Now()
	var out Outcome
	var event *model.TransactionEvent
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Store) error {
		ev, err := tx.GetTransactionEvent(ctx, eventID)
		if err != nil {
			return err
		}
		event = ev
		out, err = s.settle(ctx, tx, ev)
		return err
	})
	return s.finish(ctx, event, out, err, start)
}

// Ingest records a new event and settles it in the same unit of work.
func (s *Service) Ingest(ctx context.Context, event *model.TransactionEvent) (Outcome, error) {
	start := time.Now()
	var out Outcome
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Store) error {
		if err := tx.InsertTransactionEvent(ctx, event); err != nil {
			return fmt.Errorf("record event %s: %w", event.ID, err)
		}
		var err error
		out, err = s.settle(ctx, tx, event)
		return err
	})
	return s.finish(ctx, event, out, err, start)
}

// settle loads the merchant and payment method of ev and creates its legs.
func (s *Service) settle(ctx context.Context, tx store.Store, ev *model.TransactionEvent) (Outcome, error) {
	existing, err := tx.ListSettlementsByEvent(ctx, ev.ID)
	if err != nil {
		return Outcome{}, err
	}
	for _, l := range existing {
		if l.Status != model.StatusCancelled {
			return Outcome{}, fmt.Errorf("%w: event %s", ErrAlreadySettled, ev.ID)
		}
	}

	merchant, err := tx.GetMerchant(ctx, ev.MerchantID)
	if err != nil {
		return Outcome{}, fmt.Errorf("event %s: %w", ev.ID, err)
	}
	method, err := tx.GetPaymentMethod(ctx, ev.PaymentMethodID)
	if err != nil {
		return Outcome{}, fmt.Errorf("event %s: %w", ev.ID, err)
	}
	return s.creation.Create(ctx, tx, ev, merchant, method.Code)
}

func (s *Service) finish(ctx context.Context, ev *model.TransactionEvent, out Outcome, err error, start time.Time) (Outcome, error) {
	eventType := "unknown"
	if ev != nil {
		eventType = string(ev.Type)
	}
	if err != nil {
		metrics.ProcessErrors.WithLabelValues(eventType).Inc()
		if !errors.Is(err, ErrAlreadySettled) {
			s.logger.Error("settlement failed", zap.String("event_type", eventType), zap.Error(err))
		}
		return Outcome{}, err
	}
	metrics.ProcessLatency.WithLabelValues(eventType).Observe(time.Since(start).Seconds())

	s.logger.Info("event settled",
		zap.String("event_id", ev.ID),
		zap.String("event_type", eventType),
		zap.Int64("amount", ev.Amount),
		zap.Int("legs", len(out.Settlements)),
		zap.Bool("needs_review", out.NeedsReview()),
	)
	if out.NeedsReview() {
		s.notifier.Publish(ctx, reviewMessage(ctx, ev, out))
	}
	return out, nil
}

func reviewMessage(ctx context.Context, ev *model.TransactionEvent, out Outcome) notify.Message {
	tenantID, _ := tenant.FromContext(ctx)
	return notify.Message{
		Type:          notify.TypeReviewRequired,
		Tenant:        tenantID,
		EventID:       ev.ID,
		TransactionID: ev.TransactionID,
		Count:         len(out.Settlements),
		Amount:        ev.Amount,
		Difference:    out.Violation.Difference,
	}
}
