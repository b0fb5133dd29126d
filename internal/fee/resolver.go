// Package fee resolves fee rates and splits transaction amounts into
// settlement legs along the organization hierarchy.
//
// Each level of the hierarchy keeps the margin between the rate charged to
// the level below and its own negotiated rate. Amounts are floored at every
// step; the top distributor absorbs the remainder, so the legs of one event
// always sum to the event amount.
//
// Rates are shopspring/decimal fractions (0.03 = 3%); amounts are int64
// minor currency units.
package fee

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// ErrFeeConfigNotFound matches every *ConfigNotFoundError.
var ErrFeeConfigNotFound = errors.New("fee: fee configuration not found")

// ConfigNotFoundError identifies the entity and payment method whose rate
// could not be resolved.
type ConfigNotFoundError struct {
	EntityID   string
	EntityType model.EntityType
	MethodCode string
}

func (e *ConfigNotFoundError) Error() string {
	return fmt.Sprintf("fee: fee configuration not found for %s %s (payment method %s)",
		e.EntityType, e.EntityID, e.MethodCode)
}

func (e *ConfigNotFoundError) Is(target error) bool { return target == ErrFeeConfigNotFound }

// Entity is anything carrying a fee configuration: merchants and
// organizations.
type Entity interface {
	FeeEntityID() string
	FeeEntityType() model.EntityType
	Fees() model.FeeConfig
}

// Resolver looks up fee rates. It is stateless.
type Resolver struct{}

// Rate returns the entity's rate for methodCode, falling back to the
// "default" entry.
func (Resolver) Rate(e Entity, methodCode string) (decimal.Decimal, error) {
	cfg := e.Fees()
	if cfg != nil {
		if r, ok := cfg[methodCode]; ok {
			return r, nil
		}
		if r, ok := cfg[model.DefaultFeeKey]; ok {
			return r, nil
		}
	}
	return decimal.Zero, &ConfigNotFoundError{
		EntityID:   e.FeeEntityID(),
		EntityType: e.FeeEntityType(),
		MethodCode: methodCode,
	}
}
