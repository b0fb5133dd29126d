package settlement

import "github.com/atmx/settlement-engine/internal/model"

// ValidateZeroSum checks that the signed leg amounts sum exactly to the
// event amount. It returns nil when they do.
func ValidateZeroSum(event *model.TransactionEvent, legs []model.Settlement) *ZeroSumViolation {
	var total int64
	for i := range legs {
		total += legs[i].Amount
	}
	if total == event.Amount {
		return nil
	}
	return &ZeroSumViolation{
		EventID:    event.ID,
		Expected:   event.Amount,
		Actual:     total,
		Difference: total - event.Amount,
	}
}
