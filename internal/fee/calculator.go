package fee

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/hierarchy"
	"github.com/atmx/settlement-engine/internal/model"
)

// AncestorLoader returns an organization together with all of its
// ancestors.
type AncestorLoader interface {
	GetAncestors(ctx context.Context, orgID string) ([]model.Organization, error)
}

// Calculator produces the settlement legs of approval and cancel events.
type Calculator struct {
	orgs     AncestorLoader
	resolver Resolver
	now      func() time.Time
}

// NewCalculator creates a calculator reading ancestor chains from orgs.
func NewCalculator(orgs AncestorLoader) *Calculator {
	return &Calculator{orgs: orgs, now: func() time.Time { return time.Now().UTC() }}
}

// Calculate splits the event amount into legs for the merchant, every
// ancestor that keeps a positive margin, and one residual leg for the top
// distributor. The sign of every leg follows the sign of event.Amount.
func (c *Calculator) Calculate(ctx context.Context, event *model.TransactionEvent, merchant *model.Merchant, methodCode string) ([]model.Settlement, error) {
	absAmount := event.Amount
	if absAmount < 0 {
		absAmount = -absAmount
	}
	isCredit := event.Amount > 0
	total := decimal.NewFromInt(absAmount)

	merchantRate, err := c.resolver.Rate(merchant, methodCode)
	if err != nil {
		return nil, err
	}
	merchantFee := floorMul(total, merchantRate)
	merchantNet := absAmount - merchantFee

	b := legBuilder{event: event, merchant: merchant, isCredit: isCredit, now: c.now()}
	legs := []model.Settlement{
		b.leg(merchant.ID, model.EntityMerchant, merchant.Path(), merchantRate, merchantNet, merchantFee),
	}

	chain, err := c.orgs.GetAncestors(ctx, merchant.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("load ancestors of %s: %w", merchant.OrganizationID, err)
	}
	chain = hierarchy.OrderChain(chain)

	previousRate := merchantRate
	for i := range chain {
		org := &chain[i]
		rate, err := c.resolver.Rate(org, methodCode)
		if err != nil {
			return nil, err
		}
		if org.IsDistributor() {
			previousRate = rate
			continue
		}
		margin := previousRate.Sub(rate)
		previousRate = rate
		if !margin.IsPositive() {
			continue
		}
		amount := floorMul(total, margin)
		legs = append(legs, b.leg(org.ID, org.FeeEntityType(), org.Path, margin, amount, 0))
	}

	var allocated int64
	for _, l := range legs {
		allocated += abs(l.Amount)
	}
	residual := absAmount - allocated
	if residual > 0 {
		legs = append(legs, b.residualLeg(hierarchy.Distributor(chain), previousRate, residual))
	}
	return legs, nil
}

// legBuilder stamps the event-level fields shared by all legs of one event.
type legBuilder struct {
	event    *model.TransactionEvent
	merchant *model.Merchant
	isCredit bool
	now      time.Time
}

func (b legBuilder) leg(entityID string, entityType model.EntityType, path []string, rate decimal.Decimal, amount, feeAmount int64) model.Settlement {
	entry := model.Credit
	if !b.isCredit {
		entry = model.Debit
		amount = -amount
		feeAmount = -feeAmount
	}
	return model.Settlement{
		ID:                 uuid.New().String(),
		TransactionEventID: b.event.ID,
		TransactionID:      b.event.TransactionID,
		MerchantID:         b.merchant.ID,
		EntityID:           entityID,
		EntityType:         entityType,
		EntityPath:         path,
		EntryType:          entry,
		Amount:             amount,
		FeeRate:            rate,
		FeeAmount:          feeAmount,
		NetAmount:          amount,
		Currency:           b.event.Currency,
		SettlementCycle:    b.merchant.SettlementCycle,
		EventOccurredAt:    b.event.OccurredAt,
		Status:             model.StatusPending,
		CreatedAt:          b.now,
		UpdatedAt:          b.now,
	}
}

// residualLeg attributes the remainder to the distributor, or to the MASTER
// sentinel when the chain has no distributor.
func (b legBuilder) residualLeg(dist *model.Organization, rate decimal.Decimal, amount int64) model.Settlement {
	if dist != nil {
		return b.leg(dist.ID, dist.FeeEntityType(), dist.Path, rate, amount, 0)
	}
	return b.leg(model.MasterEntityID, model.EntityMaster, MasterPath(), rate, amount, 0)
}

// MasterPath is the entity path recorded on MASTER legs. It sits outside
// every organization subtree, so only master-scope callers see those legs.
func MasterPath() []string {
	return []string{model.MasterEntityID}
}

func floorMul(amount, rate decimal.Decimal) int64 {
	return amount.Mul(rate).Floor().IntPart()
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
