// Package store defines the persistence interface for the settlement
// engine. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache for hierarchy lookups), in-memory (for testing) and a
// tenant router that picks the tenant's store from the context.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/settlement-engine/internal/model"
)

var (
	// ErrNotFound is wrapped by every lookup miss.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateBatch is returned when a batch already exists for the
	// same settlement date and cycle.
	ErrDuplicateBatch = errors.New("store: batch already exists for settlement date and cycle")

	// ErrDuplicateEvent is returned when an event ID was already recorded.
	ErrDuplicateEvent = errors.New("store: transaction event already exists")

	// ErrInvalidTransition is returned when a settlement status change is
	// not allowed by the settlement lifecycle.
	ErrInvalidTransition = errors.New("store: invalid settlement status transition")
)

// SettlementFilter narrows settlement queries. Zero values match everything.
type SettlementFilter struct {
	// EntityPathPrefix keeps legs whose entity path lies in this subtree.
	EntityPathPrefix []string
	From             time.Time // event occurred at or after
	To               time.Time // event occurred before
	Statuses         []model.SettlementStatus
	EntityID         string
	MerchantID       string
	BatchID          string
	Limit            int
}

// BatchFilter narrows batch queries. Zero values match everything.
type BatchFilter struct {
	From  time.Time // settlement date at or after
	To    time.Time // settlement date before
	Cycle string
	// Number matches one batch number exactly, e.g. "D1-20261019-001".
	Number string
	Limit  int
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis caches hierarchy reads.
type Store interface {
	// --- Hierarchy ---

	// SaveOrganization creates or replaces an organization. The fee
	// configuration and the path/level invariant are validated on write.
	SaveOrganization(ctx context.Context, org *model.Organization) error

	// GetOrganization retrieves an organization by ID.
	GetOrganization(ctx context.Context, id string) (*model.Organization, error)

	// GetAncestors returns the organization and all of its ancestors,
	// nearest first.
	GetAncestors(ctx context.Context, orgID string) ([]model.Organization, error)

	// ListDescendants returns every organization below orgID.
	ListDescendants(ctx context.Context, orgID string) ([]model.Organization, error)

	// MoveOrganization re-parents an organization and rewrites the paths
	// of its subtree and of the merchants attached to it.
	MoveOrganization(ctx context.Context, orgID, newParentID string) error

	// SaveMerchant creates or replaces a merchant.
	SaveMerchant(ctx context.Context, m *model.Merchant) error

	// GetMerchant retrieves a merchant by ID.
	GetMerchant(ctx context.Context, id string) (*model.Merchant, error)

	// SavePaymentMethod creates or replaces a payment method.
	SavePaymentMethod(ctx context.Context, pm *model.PaymentMethod) error

	// GetPaymentMethod retrieves a payment method by ID.
	GetPaymentMethod(ctx context.Context, id string) (*model.PaymentMethod, error)

	// --- Immutable events ---

	// InsertTransactionEvent appends an immutable transaction event.
	// Returns ErrDuplicateEvent when the ID is already taken.
	InsertTransactionEvent(ctx context.Context, ev *model.TransactionEvent) error

	// GetTransactionEvent retrieves an event by ID.
	GetTransactionEvent(ctx context.Context, id string) (*model.TransactionEvent, error)

	// ListTransactionEvents returns the events of a transaction ordered by
	// sequence.
	ListTransactionEvents(ctx context.Context, transactionID string) ([]model.TransactionEvent, error)

	// --- Settlements ---

	// InsertSettlements persists new settlement legs.
	InsertSettlements(ctx context.Context, legs []model.Settlement) error

	// ListSettlementsByEvent returns every leg of an event, whatever its status.
	ListSettlementsByEvent(ctx context.Context, eventID string) ([]model.Settlement, error)

	// UpdateSettlementStatus sets the status of the given legs. Every leg
	// must be allowed to move to status, otherwise nothing changes and
	// ErrInvalidTransition is returned.
	UpdateSettlementStatus(ctx context.Context, ids []string, status model.SettlementStatus, at time.Time) error

	// ListUnbatchedSettlements returns PENDING legs without a batch whose
	// event occurred in [from, to) and whose settlement cycle matches.
	ListUnbatchedSettlements(ctx context.Context, from, to time.Time, cycle string) ([]model.Settlement, error)

	// AttachBatch links legs to a batch and marks them COMPLETED.
	AttachBatch(ctx context.Context, batchID string, ids []string, settledAt time.Time) error

	// QuerySettlements returns legs matching the filter, newest event first.
	QuerySettlements(ctx context.Context, f SettlementFilter) ([]model.Settlement, error)

	// --- Batches ---

	// CountBatches counts batches whose number starts with prefix.
	CountBatches(ctx context.Context, numberPrefix string) (int, error)

	// CreateBatch persists a new batch. Returns ErrDuplicateBatch when a
	// batch already exists for the same settlement date and cycle.
	CreateBatch(ctx context.Context, b *model.SettlementBatch) error

	// CompleteBatch flips a batch to COMPLETED.
	CompleteBatch(ctx context.Context, id string, at time.Time) error

	// GetBatch retrieves a batch by ID.
	GetBatch(ctx context.Context, id string) (*model.SettlementBatch, error)

	// ListBatches returns batches matching the filter, newest first.
	ListBatches(ctx context.Context, f BatchFilter) ([]model.SettlementBatch, error)

	// --- Unit of work ---

	// InTx runs fn atomically. fn must use the Store it is handed; an
	// error from fn rolls everything back.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
