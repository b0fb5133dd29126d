package settlement

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/atmx/settlement-engine/internal/fee"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

// Outcome is the result of creating the settlements of one event. A
// non-nil Violation means the legs were persisted as PENDING_REVIEW.
type Outcome struct {
	Settlements []model.Settlement
	Violation   *ZeroSumViolation
}

// NeedsReview reports whether the legs failed the zero-sum check.
func (o Outcome) NeedsReview() bool { return o.Violation != nil }

// CreationService routes an event to the right calculator, validates the
// zero-sum invariant and persists the legs.
type CreationService struct {
	partial PartialCancelCalculator
	logger  *zap.Logger
}

// NewCreationService creates a creation service.
func NewCreationService(logger *zap.Logger) *CreationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CreationService{logger: logger}
}

// Create computes and persists the legs of event through st, which should
// be the store of the caller's unit of work. A zero-sum violation is not an
// error: the legs are stored as PENDING_REVIEW and reported in the Outcome.
func (s *CreationService) Create(ctx context.Context, st store.Store, event *model.TransactionEvent, merchant *model.Merchant, methodCode string) (Outcome, error) {
	legs, err := s.compute(ctx, st, event, merchant, methodCode)
	if err != nil {
		return Outcome{}, err
	}

	out := Outcome{Settlements: legs}
	if v := ValidateZeroSum(event, legs); v != nil {
		out.Violation = v
		for i := range out.Settlements {
			out.Settlements[i].Status = model.StatusPendingReview
		}
		metrics.ZeroSumViolations.Inc()
		s.logger.Warn("zero-sum violation, settlements held for review",
			zap.String("event_id", event.ID),
			zap.String("transaction_id", event.TransactionID),
			zap.Int64("expected", v.Expected),
			zap.Int64("actual", v.Actual),
			zap.Int64("difference", v.Difference),
		)
	}

	if err := st.InsertSettlements(ctx, out.Settlements); err != nil {
		return Outcome{}, fmt.Errorf("persist settlements for event %s: %w", event.ID, err)
	}
	status := model.StatusPending
	if out.NeedsReview() {
		status = model.StatusPendingReview
	}
	metrics.SettlementsCreated.WithLabelValues(string(status)).Add(float64(len(out.Settlements)))
	return out, nil
}

func (s *CreationService) compute(ctx context.Context, st store.Store, event *model.TransactionEvent, merchant *model.Merchant, methodCode string) ([]model.Settlement, error) {
	switch event.Type {
	case model.EventApproval, model.EventCancel:
		return fee.NewCalculator(st).Calculate(ctx, event, merchant, methodCode)

	case model.EventPartialCancel:
		approval, err := s.originalApproval(ctx, st, event)
		if err != nil {
			return nil, err
		}
		original, err := st.ListSettlementsByEvent(ctx, approval.ID)
		if err != nil {
			return nil, fmt.Errorf("load settlements of approval %s: %w", approval.ID, err)
		}
		return s.partial.Calculate(event, approval, merchant, original)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEventType, event.Type)
	}
}

// originalApproval finds the approval a partial cancel refers to: the last
// approval before it in sequence order. Earlier partial cancels on the same
// transaction count against the approved amount.
func (s *CreationService) originalApproval(ctx context.Context, st store.Store, cancel *model.TransactionEvent) (*model.TransactionEvent, error) {
	events, err := st.ListTransactionEvents(ctx, cancel.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("load events of transaction %s: %w", cancel.TransactionID, err)
	}

	var approval *model.TransactionEvent
	var cancelled int64
	for i := range events {
		ev := &events[i]
		if ev.ID == cancel.ID || ev.Sequence >= cancel.Sequence {
			break
		}
		switch ev.Type {
		case model.EventApproval:
			approval = ev
			cancelled = 0
		case model.EventPartialCancel, model.EventCancel:
			cancelled += abs(ev.Amount)
		}
	}
	if approval == nil {
		return nil, fmt.Errorf("%w: transaction %s event %s", ErrOriginalApprovalNotFound, cancel.TransactionID, cancel.ID)
	}
	if cancelled+abs(cancel.Amount) > abs(approval.Amount) {
		return nil, fmt.Errorf("%w: transaction %s already cancelled %d of %d",
			ErrCancelExceedsApproval, cancel.TransactionID, cancelled, abs(approval.Amount))
	}
	return approval, nil
}
