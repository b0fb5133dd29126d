package cycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	c, err := Parse("d+1")
	require.NoError(t, err)
	assert.Equal(t, D1, c)
	assert.Equal(t, 1, c.BusinessDays())
	assert.Equal(t, "D1", c.Prefix())

	rt, err := Parse("REALTIME")
	require.NoError(t, err)
	assert.True(t, rt.IsRealtime())
	assert.Equal(t, 0, rt.BusinessDays())

	_, err = Parse("D+7")
	assert.ErrorIs(t, err, ErrUnknownCycle)
}

func TestBatchNumber_RoundTrip(t *testing.T) {
	date := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	bn := NewBatchNumber(D3, date, 2)
	assert.Equal(t, "D3-20261019-002", bn.String())
	assert.Equal(t, "D3-20261019-", DatePrefix(D3, date))

	parsed, err := ParseBatchNumber(bn.String())
	require.NoError(t, err)
	assert.Equal(t, "D3", parsed.Prefix)
	assert.Equal(t, 2, parsed.Sequence)
	assert.True(t, parsed.SettlementDate.Equal(date))
}

func TestParseBatchNumber_Invalid(t *testing.T) {
	tests := []string{
		"",
		"D1",
		"D1-20261019",
		"D1-2026101-001",
		"D1-20261399-001", // impossible date
		"D1-20261019-000", // sequence starts at 1
		"XX-20261019-001", // unknown prefix
		"d1-20261019-001",
	}
	for _, s := range tests {
		_, err := ParseBatchNumber(s)
		assert.Error(t, err, "expected error for %q", s)
	}
}
