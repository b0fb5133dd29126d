package settlement

import (
	"errors"
	"fmt"
)

var (
	// ErrOriginalApprovalNotFound is returned when a partial cancel has no
	// prior approval on the same transaction.
	ErrOriginalApprovalNotFound = errors.New("settlement: original approval not found for partial cancel")

	// ErrApprovalNotSettled is returned when the approval of a partial
	// cancel has no live settlements to reverse.
	ErrApprovalNotSettled = errors.New("settlement: original approval has no live settlements")

	// ErrCancelExceedsApproval is returned when cancellations on a
	// transaction would exceed its approved amount.
	ErrCancelExceedsApproval = errors.New("settlement: cancel amount exceeds approval amount")

	// ErrAlreadySettled is returned when an event already has live settlements.
	ErrAlreadySettled = errors.New("settlement: event already settled")

	// ErrNothingToResettle is returned when an event has no FAILED or
	// PENDING_REVIEW settlements.
	ErrNothingToResettle = errors.New("settlement: no failed or review settlements for event")

	// ErrUnsupportedEventType is returned for event types the engine does not route.
	ErrUnsupportedEventType = errors.New("settlement: unsupported event type")

	// ErrZeroSumViolation is matched by every *ZeroSumViolation.
	ErrZeroSumViolation = errors.New("settlement: zero-sum violation")
)

// ZeroSumViolation reports legs whose signed amounts do not add up to the
// event amount.
type ZeroSumViolation struct {
	EventID    string
	Expected   int64 // event amount
	Actual     int64 // sum of legs
	Difference int64 // Actual - Expected
}

func (v *ZeroSumViolation) Error() string {
	return fmt.Sprintf("settlement: zero-sum violation for event %s: expected %d, got %d (difference %d)",
		v.EventID, v.Expected, v.Actual, v.Difference)
}

func (v *ZeroSumViolation) Is(target error) bool { return target == ErrZeroSumViolation }
