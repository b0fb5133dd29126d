package model

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFeeConfig_NumericAndTextual(t *testing.T) {
	cfg, err := ParseFeeConfig(map[string]any{
		"CARD":    0.03,
		"BANK":    "0.015",
		"POINT":   json.Number("0.02"),
		"default": 0,
	})
	require.NoError(t, err)
	assert.True(t, cfg["CARD"].Equal(decimal.RequireFromString("0.03")))
	assert.True(t, cfg["BANK"].Equal(decimal.RequireFromString("0.015")))
	assert.True(t, cfg["POINT"].Equal(decimal.RequireFromString("0.02")))
	assert.True(t, cfg[DefaultFeeKey].IsZero())
}

func TestParseFeeConfig_RejectsOtherEncodings(t *testing.T) {
	_, err := ParseFeeConfig(map[string]any{"CARD": true})
	assert.ErrorIs(t, err, ErrInvalidFeeRate)

	_, err = ParseFeeConfig(map[string]any{"CARD": "three percent"})
	assert.ErrorIs(t, err, ErrInvalidFeeRate)

	_, err = ParseFeeConfig(map[string]any{"CARD": []any{0.03}})
	assert.ErrorIs(t, err, ErrInvalidFeeRate)
}

func TestParseFeeConfig_RejectsOutOfRange(t *testing.T) {
	_, err := ParseFeeConfig(map[string]any{"CARD": 1.5})
	assert.ErrorIs(t, err, ErrFeeRateOutOfRange)

	_, err = ParseFeeConfig(map[string]any{"CARD": "-0.01"})
	assert.ErrorIs(t, err, ErrFeeRateOutOfRange)
}

func TestFeeConfig_JSONRoundTrip(t *testing.T) {
	var cfg FeeConfig
	require.NoError(t, json.Unmarshal([]byte(`{"CARD":0.025,"default":"0.03"}`), &cfg))
	assert.True(t, cfg["CARD"].Equal(decimal.RequireFromString("0.025")))

	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	var again FeeConfig
	require.NoError(t, json.Unmarshal(data, &again))
	assert.True(t, again[DefaultFeeKey].Equal(decimal.RequireFromString("0.03")))

	assert.Error(t, json.Unmarshal([]byte(`{"CARD":{"rate":1}}`), &cfg))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusCompleted))
	assert.True(t, CanTransition(StatusPendingReview, StatusCancelled))
	assert.True(t, CanTransition(StatusFailed, StatusCancelled))
	assert.False(t, CanTransition(StatusCompleted, StatusCancelled))
	assert.False(t, CanTransition(StatusPendingReview, StatusCompleted))
}
