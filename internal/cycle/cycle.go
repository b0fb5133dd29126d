// Package cycle defines settlement cycles and the batch numbers that
// identify one batch per settlement date and cycle.
package cycle

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Cycle is the business-day offset rule deciding when a transaction's
// funds are batched.
type Cycle string

// Supported cycles.
const (
	D1       Cycle = "D+1"
	D3       Cycle = "D+3"
	Realtime Cycle = "REALTIME"
)

type rule struct {
	prefix       string
	businessDays int
}

var rules = map[Cycle]rule{
	D1:       {prefix: "D1", businessDays: 1},
	D3:       {prefix: "D3", businessDays: 3},
	Realtime: {prefix: "RT", businessDays: 0},
}

// batchNumberRegex matches: {prefix}-{YYYYMMDD}-{sequence}
// Example: D1-20261019-001
var batchNumberRegex = regexp.MustCompile(`^([A-Z][A-Z0-9]*)-(\d{8})-(\d{3,})$`)

var (
	ErrUnknownCycle       = errors.New("cycle: unsupported settlement cycle")
	ErrInvalidBatchNumber = errors.New("cycle: invalid batch number format")
)

// Parse validates a cycle name. Matching is case-insensitive.
func Parse(s string) (Cycle, error) {
	c := Cycle(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := rules[c]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCycle, s)
	}
	return c, nil
}

// ParseAll validates a list of cycle names.
func ParseAll(names []string) ([]Cycle, error) {
	out := make([]Cycle, 0, len(names))
	for _, n := range names {
		c, err := Parse(n)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Prefix is the batch-number prefix of the cycle.
func (c Cycle) Prefix() string { return rules[c].prefix }

// BusinessDays is the number of business days between the transaction
// date and the settlement date.
func (c Cycle) BusinessDays() int { return rules[c].businessDays }

// IsRealtime reports whether the cycle settles on the transaction date.
func (c Cycle) IsRealtime() bool { return c == Realtime }

func (c Cycle) String() string { return string(c) }

// BatchNumber identifies a batch: cycle prefix, settlement date, sequence.
type BatchNumber struct {
	Prefix         string
	SettlementDate time.Time
	Sequence       int
}

// NewBatchNumber builds the number of the seq-th batch for a date and cycle.
func NewBatchNumber(c Cycle, settlementDate time.Time, seq int) BatchNumber {
	return BatchNumber{Prefix: c.Prefix(), SettlementDate: settlementDate, Sequence: seq}
}

func (b BatchNumber) String() string {
	return fmt.Sprintf("%s-%s-%03d", b.Prefix, b.SettlementDate.Format("20060102"), b.Sequence)
}

// DatePrefix is the part of the batch number shared by every batch of the
// same cycle and date, e.g. "D1-20261019-".
func DatePrefix(c Cycle, settlementDate time.Time) string {
	return fmt.Sprintf("%s-%s-", c.Prefix(), settlementDate.Format("20060102"))
}

// ParseBatchNumber parses and validates a batch number string.
// Format: {prefix}-{YYYYMMDD}-{sequence}
func ParseBatchNumber(s string) (*BatchNumber, error) {
	matches := batchNumberRegex.FindStringSubmatch(s)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected {prefix}-{YYYYMMDD}-{seq})", ErrInvalidBatchNumber, s)
	}

	known := false
	for _, r := range rules {
		if r.prefix == matches[1] {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("%w: prefix %s", ErrUnknownCycle, matches[1])
	}

	date, err := time.Parse("20060102", matches[2])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date %s", ErrInvalidBatchNumber, matches[2])
	}
	seq, err := strconv.Atoi(matches[3])
	if err != nil || seq < 1 {
		return nil, fmt.Errorf("%w: invalid sequence %s", ErrInvalidBatchNumber, matches[3])
	}

	return &BatchNumber{Prefix: matches[1], SettlementDate: date, Sequence: seq}, nil
}
