package settlement_test

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/settlement"
)

func leg(entityID string, entityType model.EntityType, amount, feeAmount int64) model.Settlement {
	return model.Settlement{
		ID:                 "orig-" + entityID,
		TransactionEventID: "ev1",
		TransactionID:      "tx1",
		MerchantID:         "m1",
		EntityID:           entityID,
		EntityType:         entityType,
		EntityPath:         []string{entityID},
		EntryType:          model.Credit,
		Amount:             amount,
		FeeRate:            decimal.RequireFromString("0.01"),
		FeeAmount:          feeAmount,
		NetAmount:          amount,
		Currency:           "KRW",
		SettlementCycle:    "D+3",
		Status:             model.StatusPending,
	}
}

var pcMerchant = &model.Merchant{ID: "m1", OrganizationID: "vendor", OrgPath: []string{"dist", "vendor"}, SettlementCycle: "D+3"}

func TestPartialCancel_CancelExceedsApproval(t *testing.T) {
	var calc settlement.PartialCancelCalculator
	approval := event("ev1", model.EventApproval, 1000, 1)
	cancel := event("ev2", model.EventPartialCancel, -1001, 2)

	_, err := calc.Calculate(cancel, approval, pcMerchant, []model.Settlement{leg("m1", model.EntityMerchant, 1000, 0)})
	assert.ErrorIs(t, err, settlement.ErrCancelExceedsApproval)
}

func TestPartialCancel_IgnoresCancelledOriginals(t *testing.T) {
	var calc settlement.PartialCancelCalculator
	approval := event("ev1", model.EventApproval, 1000, 1)
	cancel := event("ev2", model.EventPartialCancel, -500, 2)

	stale := leg("m1", model.EntityMerchant, 2000, 0)
	stale.Status = model.StatusCancelled
	_, err := calc.Calculate(cancel, approval, pcMerchant, []model.Settlement{stale})
	assert.True(t, errors.Is(err, settlement.ErrApprovalNotSettled))

	original := []model.Settlement{
		stale,
		leg("m1", model.EntityMerchant, 970, 30),
		leg("dist", model.EntityType(model.OrgDistributor), 30, 0),
	}
	legs, err := calc.Calculate(cancel, approval, pcMerchant, original)
	require.NoError(t, err)
	require.Len(t, legs, 2)
	assert.Equal(t, int64(-485), legs[0].Amount)
	assert.Equal(t, int64(-15), legs[0].FeeAmount)
	assert.Equal(t, int64(-15), legs[1].Amount)
	assert.Equal(t, "D+3", legs[0].SettlementCycle)
}

func TestPartialCancel_MasterLegWithoutResidualOriginal(t *testing.T) {
	var calc settlement.PartialCancelCalculator
	approval := event("ev1", model.EventApproval, 999, 1)
	cancel := event("ev2", model.EventPartialCancel, -500, 2)
	original := []model.Settlement{
		leg("m1", model.EntityMerchant, 667, 0),
		leg("vendor", model.EntityType(model.OrgVendor), 332, 0),
	}

	legs, err := calc.Calculate(cancel, approval, pcMerchant, original)
	require.NoError(t, err)
	require.Len(t, legs, 3)

	master := legs[2]
	assert.Equal(t, model.MasterEntityID, master.EntityID)
	assert.Equal(t, model.EntityMaster, master.EntityType)
	assert.Equal(t, []string{model.MasterEntityID}, master.EntityPath)
	assert.Equal(t, int64(-500), legs[0].Amount+legs[1].Amount+master.Amount)
	assert.Less(t, master.Amount, int64(0))
}

func TestPartialCancel_RandomSplitsAlwaysBalance(t *testing.T) {
	var calc settlement.PartialCancelCalculator
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 500; trial++ {
		approvalAmount := rng.Int63n(10_000_000) + 1
		remaining := approvalAmount
		var original []model.Settlement
		for i := 0; i < 5 && remaining > 0; i++ {
			part := rng.Int63n(remaining + 1)
			original = append(original, leg(string(rune('a'+i)), model.EntityType(model.OrgAgency), part, 0))
			remaining -= part
		}
		original = append(original, leg("dist", model.EntityType(model.OrgDistributor), remaining, 0))

		cancelAmount := rng.Int63n(approvalAmount) + 1
		legs, err := calc.Calculate(
			event("ev2", model.EventPartialCancel, -cancelAmount, 2),
			event("ev1", model.EventApproval, approvalAmount, 1),
			pcMerchant, original)
		require.NoError(t, err)

		assert.Equal(t, -cancelAmount, sum(legs), "trial %d", trial)
		for _, l := range legs {
			assert.LessOrEqual(t, l.Amount, int64(0))
		}
	}
}

func TestValidateZeroSum(t *testing.T) {
	ev := event("ev1", model.EventApproval, 1000, 1)

	assert.Nil(t, settlement.ValidateZeroSum(ev, []model.Settlement{{Amount: 600}, {Amount: 400}}))

	v := settlement.ValidateZeroSum(ev, []model.Settlement{{Amount: 600}, {Amount: 399}})
	require.NotNil(t, v)
	assert.Equal(t, int64(-1), v.Difference)
	assert.Equal(t, int64(999), v.Actual)

	var err error = v
	assert.ErrorIs(t, err, settlement.ErrZeroSumViolation)
	var target *settlement.ZeroSumViolation
	require.ErrorAs(t, err, &target)
	assert.Equal(t, "ev1", target.EventID)
}
