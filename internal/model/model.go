// Package model defines the core domain types shared across the settlement
// engine. Amounts are int64 minor currency units; fee rates use
// shopspring/decimal. Never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrgType is the level of an organization in the reseller hierarchy.
type OrgType string

const (
	OrgDistributor OrgType = "DISTRIBUTOR" // top of the tree, absorbs residuals
	OrgAgency      OrgType = "AGENCY"
	OrgDealer      OrgType = "DEALER"
	OrgSeller      OrgType = "SELLER"
	OrgVendor      OrgType = "VENDOR"
)

// EntityType identifies which kind of node a settlement leg belongs to.
type EntityType string

const (
	EntityMerchant EntityType = "MERCHANT"
	// EntityMaster is the sentinel owner of the residual leg when the
	// ancestor chain has no distributor.
	EntityMaster EntityType = "MASTER"
)

// EntityTypeOf maps an organization type to the settlement entity type.
func EntityTypeOf(t OrgType) EntityType { return EntityType(t) }

// MasterEntityID is the entity ID recorded on MASTER legs.
const MasterEntityID = "master"

// EventType is the kind of transaction event.
type EventType string

const (
	EventApproval      EventType = "APPROVAL"
	EventCancel        EventType = "CANCEL"
	EventPartialCancel EventType = "PARTIAL_CANCEL"
)

// EntryType is the ledger direction of a settlement leg.
type EntryType string

const (
	Credit EntryType = "CREDIT"
	Debit  EntryType = "DEBIT"
)

// SettlementStatus is the lifecycle state of a settlement leg.
type SettlementStatus string

const (
	StatusPending       SettlementStatus = "PENDING"
	StatusCompleted     SettlementStatus = "COMPLETED"
	StatusPendingReview SettlementStatus = "PENDING_REVIEW"
	StatusFailed        SettlementStatus = "FAILED"
	StatusCancelled     SettlementStatus = "CANCELLED"
)

var statusTransitions = map[SettlementStatus][]SettlementStatus{
	StatusPending:       {StatusCompleted, StatusFailed},
	StatusPendingReview: {StatusCancelled},
	StatusFailed:        {StatusCancelled},
}

// CanTransition reports whether a settlement may move from one status to another.
func CanTransition(from, to SettlementStatus) bool {
	for _, s := range statusTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// BatchStatus is the lifecycle state of a settlement batch.
type BatchStatus string

const (
	BatchProcessing BatchStatus = "PROCESSING"
	BatchCompleted  BatchStatus = "COMPLETED"
)

// EntityStatus marks organizations and merchants as usable or soft-disabled.
type EntityStatus string

const (
	EntityActive   EntityStatus = "ACTIVE"
	EntityDisabled EntityStatus = "DISABLED"
)

// Organization is a node in the reseller hierarchy. Path holds the ordered
// ancestor IDs from the root down to and including this node; Level always
// equals len(Path).
type Organization struct {
	ID              string       `json:"id" db:"id"`
	Name            string       `json:"name" db:"name"`
	Type            OrgType      `json:"type" db:"type"`
	ParentID        string       `json:"parent_id,omitempty" db:"parent_id"`
	Path            []string     `json:"path" db:"path"`
	Level           int          `json:"level" db:"level"`
	FeeConfig       FeeConfig    `json:"fee_config" db:"fee_config"`
	SettlementCycle string       `json:"settlement_cycle" db:"settlement_cycle"`
	Status          EntityStatus `json:"status" db:"status"`
	CreatedAt       time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at" db:"updated_at"`
}

func (o *Organization) FeeEntityID() string       { return o.ID }
func (o *Organization) FeeEntityType() EntityType { return EntityTypeOf(o.Type) }
func (o *Organization) Fees() FeeConfig           { return o.FeeConfig }

// IsDistributor reports whether the organization is the top of the tree.
func (o *Organization) IsDistributor() bool { return o.Type == OrgDistributor }

// Merchant is a leaf attached to exactly one organization. OrgPath is a
// denormalised copy of that organization's Path.
type Merchant struct {
	ID              string       `json:"id" db:"id"`
	Name            string       `json:"name" db:"name"`
	OrganizationID  string       `json:"organization_id" db:"organization_id"`
	OrgPath         []string     `json:"org_path" db:"org_path"`
	FeeConfig       FeeConfig    `json:"fee_config" db:"fee_config"`
	SettlementCycle string       `json:"settlement_cycle" db:"settlement_cycle"`
	Status          EntityStatus `json:"status" db:"status"`
	CreatedAt       time.Time    `json:"created_at" db:"created_at"`
}

func (m *Merchant) FeeEntityID() string       { return m.ID }
func (m *Merchant) FeeEntityType() EntityType { return EntityMerchant }
func (m *Merchant) Fees() FeeConfig           { return m.FeeConfig }

// Path returns the merchant's own position in the tree: its organization's
// path with the merchant ID appended.
func (m *Merchant) Path() []string {
	p := make([]string, 0, len(m.OrgPath)+1)
	p = append(p, m.OrgPath...)
	return append(p, m.ID)
}

// PaymentMethod is a payment instrument family (card, bank transfer, ...).
// Code is the key used in fee configurations.
type PaymentMethod struct {
	ID   string `json:"id" db:"id"`
	Code string `json:"code" db:"code"`
	Name string `json:"name" db:"name"`
}

// TransactionEvent is an immutable fact about one occurrence on a payment
// transaction. Amount is signed: positive for approvals, negative for
// cancels and partial cancels.
type TransactionEvent struct {
	ID              string    `json:"id" db:"id"`
	TransactionID   string    `json:"transaction_id" db:"transaction_id"`
	Type            EventType `json:"type" db:"type"`
	Amount          int64     `json:"amount" db:"amount"`
	Currency        string    `json:"currency" db:"currency"`
	MerchantID      string    `json:"merchant_id" db:"merchant_id"`
	OrgPath         []string  `json:"org_path" db:"org_path"`
	PaymentMethodID string    `json:"payment_method_id" db:"payment_method_id"`
	CardCompany     string    `json:"card_company,omitempty" db:"card_company"`
	Sequence        int       `json:"sequence" db:"sequence"`
	OccurredAt      time.Time `json:"occurred_at" db:"occurred_at"`
}

// Settlement is one ledger leg produced from a transaction event. The
// signed Amount of every leg of one event sums to the event's Amount.
type Settlement struct {
	ID                 string           `json:"id" db:"id"`
	TransactionEventID string           `json:"transaction_event_id" db:"transaction_event_id"`
	TransactionID      string           `json:"transaction_id" db:"transaction_id"`
	MerchantID         string           `json:"merchant_id" db:"merchant_id"`
	EntityID           string           `json:"entity_id" db:"entity_id"`
	EntityType         EntityType       `json:"entity_type" db:"entity_type"`
	EntityPath         []string         `json:"entity_path" db:"entity_path"`
	EntryType          EntryType        `json:"entry_type" db:"entry_type"`
	Amount             int64            `json:"amount" db:"amount"`
	FeeRate            decimal.Decimal  `json:"fee_rate" db:"fee_rate"`
	FeeAmount          int64            `json:"fee_amount" db:"fee_amount"`
	NetAmount          int64            `json:"net_amount" db:"net_amount"`
	Currency           string           `json:"currency" db:"currency"`
	SettlementCycle    string           `json:"settlement_cycle" db:"settlement_cycle"`
	EventOccurredAt    time.Time        `json:"event_occurred_at" db:"event_occurred_at"`
	Status             SettlementStatus `json:"status" db:"status"`
	BatchID            *string          `json:"batch_id,omitempty" db:"batch_id"`
	CreatedAt          time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at" db:"updated_at"`
	SettledAt          *time.Time       `json:"settled_at,omitempty" db:"settled_at"`
}

// AbsorbsResidual reports whether the leg is the one that takes the
// rounding remainder of its event.
func (s *Settlement) AbsorbsResidual() bool {
	return s.EntityType == EntityTypeOf(OrgDistributor) || s.EntityType == EntityMaster
}

// SettlementBatch groups completed settlements for one settlement date and
// cycle. Immutable once completed.
type SettlementBatch struct {
	ID               string      `json:"id" db:"id"`
	BatchNumber      string      `json:"batch_number" db:"batch_number"`
	Cycle            string      `json:"cycle" db:"cycle"`
	SettlementDate   time.Time   `json:"settlement_date" db:"settlement_date"`
	PeriodStart      time.Time   `json:"period_start" db:"period_start"`
	PeriodEnd        time.Time   `json:"period_end" db:"period_end"`
	Status           BatchStatus `json:"status" db:"status"`
	TransactionCount int         `json:"transaction_count" db:"transaction_count"`
	TotalAmount      int64       `json:"total_amount" db:"total_amount"`
	TotalFeeAmount   int64       `json:"total_fee_amount" db:"total_fee_amount"`
	CreatedAt        time.Time   `json:"created_at" db:"created_at"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty" db:"completed_at"`
}
