package settlement

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/notify"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/tenant"
)

// ResettlementService re-derives the settlements of an event whose previous
// attempt failed or was held for review.
type ResettlementService struct {
	svc *Service
	now func() time.Time
}

// NewResettlementService creates a resettlement service on top of svc.
func NewResettlementService(svc *Service) *ResettlementService {
	return &ResettlementService{svc: svc, now: func() time.Time { return time.Now().UTC() }}
}

// Resettle cancels the FAILED and PENDING_REVIEW legs of an event and runs
// the event through creation again. Cancelled legs are kept for audit.
func (r *ResettlementService) Resettle(ctx context.Context, eventID string) ([]model.Settlement, error) {
	var out Outcome
	var event *model.TransactionEvent
	var cancelled int
	err := r.svc.store.InTx(ctx, func(ctx context.Context, tx store.Store) error {
		legs, err := tx.ListSettlementsByEvent(ctx, eventID)
		if err != nil {
			return err
		}
		var ids []string
		for _, l := range legs {
			if l.Status == model.StatusFailed || l.Status == model.StatusPendingReview {
				ids = append(ids, l.ID)
			}
		}
		if len(ids) == 0 {
			return fmt.Errorf("%w: event %s", ErrNothingToResettle, eventID)
		}
		if err := tx.UpdateSettlementStatus(ctx, ids, model.StatusCancelled, r.now()); err != nil {
			return fmt.Errorf("cancel settlements of event %s: %w", eventID, err)
		}
		cancelled = len(ids)

		ev, err := tx.GetTransactionEvent(ctx, eventID)
		if err != nil {
			return err
		}
		event = ev
		out, err = r.svc.settle(ctx, tx, ev)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.Resettlements.Inc()
	r.svc.logger.Info("event resettled",
		zap.String("event_id", eventID),
		zap.Int("cancelled", cancelled),
		zap.Int("created", len(out.Settlements)),
		zap.Bool("needs_review", out.NeedsReview()),
	)
	tenantID, _ := tenant.FromContext(ctx)
	r.svc.notifier.Publish(ctx, notify.Message{
		Type:          notify.TypeResettled,
		Tenant:        tenantID,
		EventID:       event.ID,
		TransactionID: event.TransactionID,
		Count:         len(out.Settlements),
		Amount:        event.Amount,
	})
	if out.NeedsReview() {
		r.svc.notifier.Publish(ctx, reviewMessage(ctx, event, out))
	}
	return out.Settlements, nil
}
