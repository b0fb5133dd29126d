// Package api exposes the settlement engine over HTTP: hierarchy
// provisioning, event ingestion and resettlement for operators, and
// organization-scoped settlement and batch queries.
//
// Every route runs for one tenant, taken from the X-Tenant-ID header. The
// caller's position in the organization tree comes from X-Org-Path, a
// comma-separated root-to-node list of organization IDs; no header means
// the master scope.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atmx/settlement-engine/internal/cycle"
	"github.com/atmx/settlement-engine/internal/fee"
	"github.com/atmx/settlement-engine/internal/hierarchy"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/query"
	"github.com/atmx/settlement-engine/internal/settlement"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/tenant"
)

const (
	TenantHeader  = "X-Tenant-ID"
	OrgPathHeader = "X-Org-Path"

	defaultLimit = 100
	maxLimit     = 1000
)

// Handler serves the HTTP API.
type Handler struct {
	store         store.Store
	settlements   *settlement.Service
	resettlement  *settlement.ResettlementService
	queries       *query.Service
	defaultTenant string
	logger        *zap.Logger
	now           func() time.Time
}

// NewHandler creates the API handler. Requests without a tenant header use
// defaultTenant; an empty defaultTenant makes the header mandatory.
func NewHandler(st store.Store, settlements *settlement.Service, resettlement *settlement.ResettlementService, queries *query.Service, defaultTenant string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:         st,
		settlements:   settlements,
		resettlement:  resettlement,
		queries:       queries,
		defaultTenant: defaultTenant,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Routes registers the tenant-scoped API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.requireTenant)

		r.Post("/api/v1/organizations", h.CreateOrganization)
		r.Get("/api/v1/organizations/{orgID}", h.GetOrganization)
		r.Get("/api/v1/organizations/{orgID}/descendants", h.ListDescendants)
		r.Post("/api/v1/organizations/{orgID}/move", h.MoveOrganization)
		r.Post("/api/v1/merchants", h.CreateMerchant)
		r.Post("/api/v1/payment-methods", h.CreatePaymentMethod)

		r.Post("/api/v1/events", h.IngestEvent)
		r.Post("/api/v1/events/{eventID}/process", h.ProcessEvent)
		r.Post("/api/v1/events/{eventID}/resettle", h.ResettleEvent)

		r.Get("/api/v1/settlements", h.ListSettlements)
		r.Get("/api/v1/settlements/summary", h.Summary)
		r.Get("/api/v1/batches", h.ListBatches)
		r.Get("/api/v1/batches/{batchID}", h.GetBatch)
	})
}

func (h *Handler) requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(TenantHeader))
		if id == "" {
			id = h.defaultTenant
		}
		if id == "" {
			writeError(w, TenantHeader+" header is required", http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r.WithContext(tenant.WithID(r.Context(), id)))
	})
}

// --- Request/Response types ---

// OrganizationRequest is the JSON body for POST /api/v1/organizations.
type OrganizationRequest struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Type            model.OrgType   `json:"type"`
	ParentID        string          `json:"parent_id"` // empty for a distributor root
	FeeConfig       model.FeeConfig `json:"fee_config"`
	SettlementCycle string          `json:"settlement_cycle"`
}

// MoveRequest is the JSON body for POST /api/v1/organizations/{orgID}/move.
type MoveRequest struct {
	ParentID string `json:"parent_id"`
}

// MerchantRequest is the JSON body for POST /api/v1/merchants.
type MerchantRequest struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	OrganizationID  string          `json:"organization_id"`
	FeeConfig       model.FeeConfig `json:"fee_config"`
	SettlementCycle string          `json:"settlement_cycle"` // empty → organization's cycle
}

// EventRequest is the JSON body for POST /api/v1/events.
type EventRequest struct {
	ID              string          `json:"id"` // empty → generated
	TransactionID   string          `json:"transaction_id"`
	Type            model.EventType `json:"type"`
	Amount          int64           `json:"amount"` // signed minor units
	Currency        string          `json:"currency"`
	MerchantID      string          `json:"merchant_id"`
	PaymentMethodID string          `json:"payment_method_id"`
	CardCompany     string          `json:"card_company"`
	Sequence        int             `json:"sequence"`
	OccurredAt      time.Time       `json:"occurred_at"` // zero → now
}

// ViolationResponse describes a zero-sum mismatch.
type ViolationResponse struct {
	Expected   int64 `json:"expected"`
	Actual     int64 `json:"actual"`
	Difference int64 `json:"difference"`
}

// SettleResponse is returned by event ingestion, processing and resettlement.
type SettleResponse struct {
	EventID     string             `json:"event_id"`
	Settlements []model.Settlement `json:"settlements"`
	NeedsReview bool               `json:"needs_review"`
	Violation   *ViolationResponse `json:"violation,omitempty"`
}

func settleResponse(eventID string, out settlement.Outcome) SettleResponse {
	resp := SettleResponse{EventID: eventID, Settlements: out.Settlements, NeedsReview: out.NeedsReview()}
	if v := out.Violation; v != nil {
		resp.Violation = &ViolationResponse{Expected: v.Expected, Actual: v.Actual, Difference: v.Difference}
	}
	if resp.Settlements == nil {
		resp.Settlements = []model.Settlement{}
	}
	return resp
}

// --- Hierarchy ---

// CreateOrganization handles POST /api/v1/organizations
func (h *Handler) CreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req OrganizationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		writeError(w, "id is required", http.StatusBadRequest)
		return
	}
	switch req.Type {
	case model.OrgDistributor, model.OrgAgency, model.OrgDealer, model.OrgSeller, model.OrgVendor:
	default:
		writeError(w, "unknown organization type: "+string(req.Type), http.StatusBadRequest)
		return
	}
	cyc, err := parseCycle(req.SettlementCycle, cycle.D1)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	var parent *model.Organization
	if req.ParentID != "" {
		if parent, err = h.store.GetOrganization(ctx, req.ParentID); err != nil {
			h.fail(w, r, err)
			return
		}
	}

	now := h.now()
	org := &model.Organization{
		ID:              req.ID,
		Name:            req.Name,
		Type:            req.Type,
		FeeConfig:       req.FeeConfig,
		SettlementCycle: string(cyc),
		Status:          model.EntityActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := hierarchy.Attach(org, parent); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.store.SaveOrganization(ctx, org); err != nil {
		h.fail(w, r, err)
		return
	}

	h.logger.Info("organization created",
		zap.String("id", org.ID),
		zap.String("type", string(org.Type)),
		zap.Strings("path", org.Path),
	)
	writeJSON(w, http.StatusCreated, org)
}

// GetOrganization handles GET /api/v1/organizations/{orgID}
func (h *Handler) GetOrganization(w http.ResponseWriter, r *http.Request) {
	org, err := h.store.GetOrganization(r.Context(), chi.URLParam(r, "orgID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !scopeFrom(r).Allows(org.Path) {
		h.fail(w, r, query.ErrForbidden)
		return
	}
	writeJSON(w, http.StatusOK, org)
}

// ListDescendants handles GET /api/v1/organizations/{orgID}/descendants
func (h *Handler) ListDescendants(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org, err := h.store.GetOrganization(ctx, chi.URLParam(r, "orgID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !scopeFrom(r).Allows(org.Path) {
		h.fail(w, r, query.ErrForbidden)
		return
	}
	orgs, err := h.store.ListDescendants(ctx, org.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if orgs == nil {
		orgs = []model.Organization{}
	}
	writeJSON(w, http.StatusOK, orgs)
}

// MoveOrganization handles POST /api/v1/organizations/{orgID}/move
// Re-parents the organization; its subtree and merchants follow.
func (h *Handler) MoveOrganization(w http.ResponseWriter, r *http.Request) {
	if !scopeFrom(r).IsMaster() {
		h.fail(w, r, query.ErrForbidden)
		return
	}
	var req MoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ParentID == "" {
		writeError(w, "parent_id is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	orgID := chi.URLParam(r, "orgID")
	if err := h.store.MoveOrganization(ctx, orgID, req.ParentID); err != nil {
		h.fail(w, r, err)
		return
	}
	org, err := h.store.GetOrganization(ctx, orgID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.logger.Info("organization moved",
		zap.String("id", org.ID),
		zap.String("parent_id", req.ParentID),
		zap.Strings("path", org.Path),
	)
	writeJSON(w, http.StatusOK, org)
}

// CreateMerchant handles POST /api/v1/merchants
func (h *Handler) CreateMerchant(w http.ResponseWriter, r *http.Request) {
	var req MerchantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" || req.OrganizationID == "" {
		writeError(w, "id and organization_id are required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	org, err := h.store.GetOrganization(ctx, req.OrganizationID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	cyc, err := parseCycle(req.SettlementCycle, cycle.Cycle(org.SettlementCycle))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	m := &model.Merchant{
		ID:              req.ID,
		Name:            req.Name,
		OrganizationID:  org.ID,
		OrgPath:         org.Path,
		FeeConfig:       req.FeeConfig,
		SettlementCycle: string(cyc),
		Status:          model.EntityActive,
		CreatedAt:       h.now(),
	}
	if err := h.store.SaveMerchant(ctx, m); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// CreatePaymentMethod handles POST /api/v1/payment-methods
func (h *Handler) CreatePaymentMethod(w http.ResponseWriter, r *http.Request) {
	var pm model.PaymentMethod
	if err := json.NewDecoder(r.Body).Decode(&pm); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if pm.ID == "" || pm.Code == "" {
		writeError(w, "id and code are required", http.StatusBadRequest)
		return
	}
	if err := h.store.SavePaymentMethod(r.Context(), &pm); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pm)
}

// --- Events ---

// IngestEvent handles POST /api/v1/events
// Records the event and settles it in one unit of work.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// --- Input validation ---
	if req.TransactionID == "" || req.MerchantID == "" || req.PaymentMethodID == "" {
		writeError(w, "transaction_id, merchant_id and payment_method_id are required", http.StatusBadRequest)
		return
	}
	if req.Currency == "" {
		writeError(w, "currency is required", http.StatusBadRequest)
		return
	}
	switch req.Type {
	case model.EventApproval:
		if req.Amount <= 0 {
			writeError(w, "approval amount must be positive", http.StatusBadRequest)
			return
		}
	case model.EventCancel, model.EventPartialCancel:
		if req.Amount >= 0 {
			writeError(w, "cancel amount must be negative", http.StatusBadRequest)
			return
		}
	default:
		writeError(w, "unsupported event type: "+string(req.Type), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	merchant, err := h.store.GetMerchant(ctx, req.MerchantID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	ev := &model.TransactionEvent{
		ID:              req.ID,
		TransactionID:   req.TransactionID,
		Type:            req.Type,
		Amount:          req.Amount,
		Currency:        req.Currency,
		MerchantID:      merchant.ID,
		OrgPath:         merchant.OrgPath,
		PaymentMethodID: req.PaymentMethodID,
		CardCompany:     req.CardCompany,
		Sequence:        req.Sequence,
		OccurredAt:      req.OccurredAt,
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = h.now()
	}

	out, err := h.settlements.Ingest(ctx, ev)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, settleResponse(ev.ID, out))
}

// ProcessEvent handles POST /api/v1/events/{eventID}/process
// Settles an event that was recorded without being settled.
func (h *Handler) ProcessEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	out, err := h.settlements.Process(r.Context(), eventID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settleResponse(eventID, out))
}

// ResettleEvent handles POST /api/v1/events/{eventID}/resettle
// Cancels the event's FAILED and PENDING_REVIEW legs and settles it again.
func (h *Handler) ResettleEvent(w http.ResponseWriter, r *http.Request) {
	if !scopeFrom(r).IsMaster() {
		h.fail(w, r, query.ErrForbidden)
		return
	}
	eventID := chi.URLParam(r, "eventID")
	legs, err := h.resettlement.Resettle(r.Context(), eventID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	review := len(legs) > 0 && legs[0].Status == model.StatusPendingReview
	if legs == nil {
		legs = []model.Settlement{}
	}
	writeJSON(w, http.StatusOK, SettleResponse{EventID: eventID, Settlements: legs, NeedsReview: review})
}

// --- Queries ---

// ListSettlements handles GET /api/v1/settlements
// Filters: from, to (YYYY-MM-DD or RFC 3339), status (comma-separated),
// entity_id, merchant_id, batch_id, limit.
func (h *Handler) ListSettlements(w http.ResponseWriter, r *http.Request) {
	p, err := parseParams(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	legs, err := h.queries.List(r.Context(), scopeFrom(r), p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if legs == nil {
		legs = []model.Settlement{}
	}
	writeJSON(w, http.StatusOK, legs)
}

// Summary handles GET /api/v1/settlements/summary
// Accepts the same filters as ListSettlements.
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	p, err := parseParams(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	sum, err := h.queries.Summary(r.Context(), scopeFrom(r), p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// ListBatches handles GET /api/v1/batches
// Filters: from, to (settlement date), cycle, number, limit.
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f store.BatchFilter
	var err error
	if f.From, err = parseTime(q.Get("from")); err != nil {
		writeError(w, "invalid from: "+err.Error(), http.StatusBadRequest)
		return
	}
	if f.To, err = parseTime(q.Get("to")); err != nil {
		writeError(w, "invalid to: "+err.Error(), http.StatusBadRequest)
		return
	}
	if c := q.Get("cycle"); c != "" {
		parsed, err := cycle.Parse(c)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.Cycle = string(parsed)
	}
	if n := q.Get("number"); n != "" {
		bn, err := cycle.ParseBatchNumber(n)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.Number = bn.String()
	}
	if f.Limit, err = parseLimit(q.Get("limit")); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	batches, err := h.queries.ListBatches(r.Context(), scopeFrom(r), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if batches == nil {
		batches = []model.SettlementBatch{}
	}
	writeJSON(w, http.StatusOK, batches)
}

// GetBatch handles GET /api/v1/batches/{batchID}
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	detail, err := h.queries.GetBatch(r.Context(), scopeFrom(r), chi.URLParam(r, "batchID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// --- Helpers ---

func scopeFrom(r *http.Request) query.Scope {
	raw := r.Header.Get(OrgPathHeader)
	if raw == "" {
		return query.Scope{}
	}
	var path []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			path = append(path, id)
		}
	}
	return query.Scope{OrgPath: path}
}

var knownStatuses = map[model.SettlementStatus]bool{
	model.StatusPending:       true,
	model.StatusCompleted:     true,
	model.StatusPendingReview: true,
	model.StatusFailed:        true,
	model.StatusCancelled:     true,
}

func parseParams(r *http.Request) (query.Params, error) {
	q := r.URL.Query()
	p := query.Params{
		EntityID:   q.Get("entity_id"),
		MerchantID: q.Get("merchant_id"),
		BatchID:    q.Get("batch_id"),
	}
	var err error
	if p.From, err = parseTime(q.Get("from")); err != nil {
		return p, errors.New("invalid from: " + err.Error())
	}
	if p.To, err = parseTime(q.Get("to")); err != nil {
		return p, errors.New("invalid to: " + err.Error())
	}
	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status := model.SettlementStatus(strings.ToUpper(strings.TrimSpace(s)))
			if !knownStatuses[status] {
				return p, errors.New("unknown status: " + s)
			}
			p.Statuses = append(p.Statuses, status)
		}
	}
	if p.Limit, err = parseLimit(q.Get("limit")); err != nil {
		return p, err
	}
	return p, nil
}

// parseTime accepts a calendar date (UTC midnight) or an RFC 3339 timestamp.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}

func parseCycle(s string, fallback cycle.Cycle) (cycle.Cycle, error) {
	if s == "" {
		if fallback == "" {
			return cycle.D1, nil
		}
		return fallback, nil
	}
	return cycle.Parse(s)
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, tenant.ErrNoTenant),
		errors.Is(err, settlement.ErrUnsupportedEventType),
		errors.Is(err, model.ErrInvalidFeeRate),
		errors.Is(err, model.ErrFeeRateOutOfRange),
		errors.Is(err, hierarchy.ErrRootNotDistributor),
		errors.Is(err, hierarchy.ErrNestedDistributor),
		errors.Is(err, hierarchy.ErrInvalidPath),
		errors.Is(err, hierarchy.ErrInvalidLevel):
		return http.StatusBadRequest
	case errors.Is(err, query.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, settlement.ErrAlreadySettled),
		errors.Is(err, settlement.ErrNothingToResettle),
		errors.Is(err, store.ErrDuplicateEvent),
		errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, hierarchy.ErrCycle):
		return http.StatusConflict
	case errors.Is(err, fee.ErrFeeConfigNotFound),
		errors.Is(err, settlement.ErrOriginalApprovalNotFound),
		errors.Is(err, settlement.ErrApprovalNotSettled),
		errors.Is(err, settlement.ErrCancelExceedsApproval):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
