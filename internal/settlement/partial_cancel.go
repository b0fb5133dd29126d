package settlement

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/fee"
	"github.com/atmx/settlement-engine/internal/model"
)

// PartialCancelCalculator reverses a share of an approval's settlements
// proportional to the cancelled amount. The zero value is ready to use.
type PartialCancelCalculator struct {
	now func() time.Time // nil means the wall clock
}

// Calculate builds the reversal legs of cancel against the approval's
// original legs. With ratio = |cancel| / |approval|, every non-residual
// leg reverses floor(|leg| * ratio); the distributor (or MASTER) leg takes
// whatever remains so the reversal sums to exactly cancel.Amount. When the
// originals carry no residual leg the remainder goes to a MASTER leg.
func (c PartialCancelCalculator) Calculate(cancel, approval *model.TransactionEvent, merchant *model.Merchant, original []model.Settlement) ([]model.Settlement, error) {
	absCancel := abs(cancel.Amount)
	absApproval := abs(approval.Amount)
	if absApproval == 0 {
		return nil, fmt.Errorf("%w: approval %s has zero amount", ErrOriginalApprovalNotFound, approval.ID)
	}
	if absCancel > absApproval {
		return nil, fmt.Errorf("%w: cancel %d > approval %d", ErrCancelExceedsApproval, absCancel, absApproval)
	}

	var live []model.Settlement
	for _, l := range original {
		if l.Status != model.StatusCancelled {
			live = append(live, l)
		}
	}
	if len(live) == 0 {
		return nil, fmt.Errorf("%w: approval %s", ErrApprovalNotSettled, approval.ID)
	}

	isCredit := cancel.Amount > 0
	now := time.Now().UTC()
	if c.now != nil {
		now = c.now()
	}

	legs := make([]model.Settlement, 0, len(live)+1)
	residualAt := -1
	var allocated int64
	for i, orig := range live {
		if orig.AbsorbsResidual() && residualAt < 0 {
			residualAt = i
			legs = append(legs, model.Settlement{}) // filled once the remainder is known
			continue
		}
		amount := floorShare(abs(orig.Amount), absCancel, absApproval)
		feeAmount := floorShare(abs(orig.FeeAmount), absCancel, absApproval)
		allocated += amount
		legs = append(legs, c.reverse(cancel, orig, isCredit, amount, feeAmount, now))
	}

	residual := absCancel - allocated
	if residualAt >= 0 {
		legs[residualAt] = c.reverse(cancel, live[residualAt], isCredit, residual, 0, now)
		return legs, nil
	}
	if residual != 0 {
		master := model.Settlement{
			EntityID:        model.MasterEntityID,
			EntityType:      model.EntityMaster,
			EntityPath:      fee.MasterPath(),
			MerchantID:      merchant.ID,
			SettlementCycle: merchant.SettlementCycle,
			Currency:        cancel.Currency,
		}
		legs = append(legs, c.reverse(cancel, master, isCredit, residual, 0, now))
	}
	return legs, nil
}

// reverse derives a leg of cancel from an original leg. amount and
// feeAmount are unsigned; the sign follows the cancel event.
func (c PartialCancelCalculator) reverse(cancel *model.TransactionEvent, orig model.Settlement, isCredit bool, amount, feeAmount int64, now time.Time) model.Settlement {
	entry := model.Credit
	if !isCredit {
		entry = model.Debit
		amount = -amount
		feeAmount = -feeAmount
	}
	currency := cancel.Currency
	if currency == "" {
		currency = orig.Currency
	}
	return model.Settlement{
		ID:                 uuid.New().String(),
		TransactionEventID: cancel.ID,
		TransactionID:      cancel.TransactionID,
		MerchantID:         orig.MerchantID,
		EntityID:           orig.EntityID,
		EntityType:         orig.EntityType,
		EntityPath:         append([]string(nil), orig.EntityPath...),
		EntryType:          entry,
		Amount:             amount,
		FeeRate:            orig.FeeRate,
		FeeAmount:          feeAmount,
		NetAmount:          amount,
		Currency:           currency,
		SettlementCycle:    orig.SettlementCycle,
		EventOccurredAt:    cancel.OccurredAt,
		Status:             model.StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// floorShare returns floor(amount * num / den) for non-negative inputs
// without going through a rounded ratio.
func floorShare(amount, num, den int64) int64 {
	q, _ := decimal.NewFromInt(amount).Mul(decimal.NewFromInt(num)).QuoRem(decimal.NewFromInt(den), 0)
	return q.IntPart()
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
