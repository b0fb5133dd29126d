package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultFeeKey is the fallback entry of a FeeConfig.
const DefaultFeeKey = "default"

var (
	// ErrInvalidFeeRate is returned when a rate is neither numeric nor a
	// textual decimal.
	ErrInvalidFeeRate = errors.New("model: fee rate must be a number or decimal string")

	// ErrFeeRateOutOfRange is returned when a percentage rate lies outside [0,1].
	ErrFeeRateOutOfRange = errors.New("model: fee rate must be within [0,1]")
)

// FeeConfig maps payment-method codes to fee rates expressed as fractions
// (0.03 = 3%). The "default" key applies to codes without an entry.
type FeeConfig map[string]decimal.Decimal

// Validate checks every rate lies within [0,1].
func (c FeeConfig) Validate() error {
	one := decimal.NewFromInt(1)
	for code, rate := range c {
		if rate.IsNegative() || rate.GreaterThan(one) {
			return fmt.Errorf("%w: %s=%s", ErrFeeRateOutOfRange, code, rate)
		}
	}
	return nil
}

// ParseFeeConfig normalises an untyped configuration map into a FeeConfig.
// Numeric and textual decimal values are accepted; anything else fails.
func ParseFeeConfig(raw map[string]any) (FeeConfig, error) {
	if raw == nil {
		return nil, nil
	}
	cfg := make(FeeConfig, len(raw))
	for code, v := range raw {
		rate, err := parseRate(v)
		if err != nil {
			return nil, fmt.Errorf("fee config %q: %w", code, err)
		}
		cfg[code] = rate
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseRate(v any) (decimal.Decimal, error) {
	switch r := v.(type) {
	case decimal.Decimal:
		return r, nil
	case float64:
		return decimal.NewFromFloat(r), nil
	case float32:
		return decimal.NewFromFloat32(r), nil
	case int:
		return decimal.NewFromInt(int64(r)), nil
	case int64:
		return decimal.NewFromInt(r), nil
	case json.Number:
		return parseText(r.String())
	case string:
		return parseText(r)
	default:
		return decimal.Zero, fmt.Errorf("%w: %T", ErrInvalidFeeRate, v)
	}
}

func parseText(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidFeeRate, s)
	}
	return d, nil
}

// UnmarshalJSON accepts rates encoded as JSON numbers or strings.
func (c *FeeConfig) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	cfg, err := ParseFeeConfig(raw)
	if err != nil {
		return err
	}
	*c = cfg
	return nil
}
