/*
handlers.go - HTTP API handlers for the loyalty engine

PURPOSE:
  Exposes the loyalty engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the engine (loyalty package).

ENDPOINTS:
  Members:
    POST   /api/members                      Register member
    GET    /api/members/{id}                 Member, tier and progress
    GET    /api/members/{id}/events          Ledger history (newest first)
    POST   /api/members/{id}/stays           Record stay / points adjustment
    GET    /api/members/{id}/benefits        Holdings (?active=true)

  Tiers:
    GET    /api/tiers                        Tier ladder

  Benefits:
    GET    /api/benefits/types               Benefit catalog
    POST   /api/benefits/types               Create benefit type
    POST   /api/benefits/{type}/issue        Issue instances
    GET    /api/benefits/{type}/supply       Remaining supply
    POST   /api/benefits/{type}/assign       Assign to member
    GET    /api/benefits/{type}/eligibility  Could member_id claim it now
    POST   /api/benefits/instances/{id}/redeem
    POST   /api/benefits/instances/{id}/revoke

  Admin:
    GET    /api/admin/reconciliation         Run the ledger audit
    POST   /api/admin/expire                 Run the expiry sweep

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Processor: the single writer of member aggregates
  - Assigner: benefit assignment and lifecycle
  - Auditor: ledger vs aggregate reconciliation
  - Store: health checks and scenario resets

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call the engine
  4. Serialize response
  5. Map engine errors to status codes (writeEngineError)

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed request
  - 404: Member / benefit not found
  - 409: Offer already claimed, out of stock, member exists
  - 422: Rejected adjustment, tier not eligible, invalid transition
  - 503: Store unavailable or contention that outlasted the retry budget
  - 500: Internal errors

  Rejections carry a user-facing message. "This offer has already been
  claimed" is an answer, not a failure, and must never read like one.

SECURITY NOTE:
  No authentication. Deploy behind the property-management gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Processor *loyalty.Processor
	Assigner  *loyalty.BenefitAssigner
	Auditor   *loyalty.Auditor
	Store     loyalty.Store
	Log       logrus.FieldLogger

	// Catalog is re-created after a scenario reset.
	Catalog []loyalty.BenefitType

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler. The processor, assigner and auditor must
// share store and tier policy.
func NewHandler(store loyalty.Store, proc *loyalty.Processor, assigner *loyalty.BenefitAssigner, auditor *loyalty.Auditor, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		Processor: proc,
		Assigner:  assigner,
		Auditor:   auditor,
		Store:     store,
		Log:       log,
	}
}

func (h *Handler) policy() *loyalty.TierPolicy { return h.Processor.Policy() }

// SeedCatalog creates every catalog benefit type that is missing.
func (h *Handler) SeedCatalog(ctx context.Context) error {
	for _, bt := range h.Catalog {
		if _, err := h.Store.BenefitType(ctx, bt.ID); err == nil {
			continue
		} else if !errors.Is(err, loyalty.ErrBenefitTypeNotFound) {
			return err
		}
		if _, err := h.Assigner.CreateBenefitType(ctx, bt); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// MEMBER HANDLERS
// =============================================================================

// RegisterMember creates an empty account at the floor tier.
func (h *Handler) RegisterMember(w http.ResponseWriter, r *http.Request) {
	var req RegisterMemberRequest
	if !decode(w, r, &req) {
		return
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		writeError(w, http.StatusBadRequest, "Member id is required", nil)
		return
	}

	if _, err := h.Processor.RegisterMember(r.Context(), loyalty.MemberID(id)); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	view, err := h.Processor.Member(r.Context(), loyalty.MemberID(id))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMemberDTO(view, h.policy()))
}

// GetMember returns the committed aggregate with tier and progress.
func (h *Handler) GetMember(w http.ResponseWriter, r *http.Request) {
	view, err := h.Processor.Member(r.Context(), memberID(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTO(view, h.policy()))
}

// GetEvents returns a page of ledger history, newest first.
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	page, ok := parsePage(w, r)
	if !ok {
		return
	}
	events, err := h.Processor.History(r.Context(), memberID(r), page)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	dtos := make([]LedgerEventDTO, len(events))
	for i, e := range events {
		dtos[i] = toLedgerEventDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RecordStay applies a stay or points adjustment.
func (h *Handler) RecordStay(w http.ResponseWriter, r *http.Request) {
	var req RecordStayRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ExternalRef) == "" && !req.AllowUnreferenced {
		writeError(w, http.StatusBadRequest, "external_ref is required", nil)
		return
	}

	res, err := h.Processor.RecordStay(r.Context(), loyalty.StayInput{
		MemberID:        memberID(r),
		NightsDelta:     req.NightsDelta,
		PointsDelta:     req.PointsDelta,
		ExternalRef:     req.ExternalRef,
		Source:          req.Source,
		Reason:          req.Reason,
		ApplyMultiplier: req.ApplyMultiplier,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toStayResultDTO(res, h.policy()))
}

// GetHoldings lists the member's benefit instances.
func (h *Handler) GetHoldings(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	list, err := h.Assigner.Holdings(r.Context(), memberID(r), activeOnly)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInstanceDTOs(list))
}

// =============================================================================
// TIER HANDLERS
// =============================================================================

// GetTiers returns the tier ladder.
func (h *Handler) GetTiers(w http.ResponseWriter, r *http.Request) {
	policy := h.policy()
	resp := TiersResponse{Version: policy.Version()}
	for _, t := range policy.Tiers() {
		resp.Tiers = append(resp.Tiers, toTierDTO(t, policy))
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// BENEFIT HANDLERS
// =============================================================================

// ListBenefitTypes returns the catalog.
func (h *Handler) ListBenefitTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.Store.BenefitTypes(r.Context())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	dtos := make([]BenefitTypeDTO, len(types))
	for i, bt := range types {
		dtos[i] = toBenefitTypeDTO(bt)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateBenefitType adds or updates a catalog entry.
func (h *Handler) CreateBenefitType(w http.ResponseWriter, r *http.Request) {
	var req BenefitTypeDTO
	if !decode(w, r, &req) {
		return
	}
	bt, err := h.Assigner.CreateBenefitType(r.Context(), req.toBenefitType())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBenefitTypeDTO(bt))
}

// IssueBenefits creates new available instances of a type.
func (h *Handler) IssueBenefits(w http.ResponseWriter, r *http.Request) {
	var req IssueBenefitsRequest
	if !decode(w, r, &req) {
		return
	}
	var expiresAt *time.Time
	if req.ExpiresAt != nil && *req.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, *req.ExpiresAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid expires_at, expected RFC 3339", err)
			return
		}
		expiresAt = &t
	}

	typeID := benefitTypeID(r)
	ids, err := h.Assigner.Issue(r.Context(), typeID, req.Count, expiresAt)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	resp := IssueBenefitsResponse{BenefitTypeID: string(typeID), InstanceIDs: make([]string, len(ids))}
	for i, id := range ids {
		resp.InstanceIDs[i] = string(id)
	}
	writeJSON(w, http.StatusCreated, resp)
}

// GetSupply returns how many instances of a type are still available.
func (h *Handler) GetSupply(w http.ResponseWriter, r *http.Request) {
	typeID := benefitTypeID(r)
	n, err := h.Assigner.Supply(r.Context(), typeID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SupplyDTO{BenefitTypeID: string(typeID), Available: n})
}

// AssignBenefit assigns one instance of the type to a member.
func (h *Handler) AssignBenefit(w http.ResponseWriter, r *http.Request) {
	var req AssignBenefitRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.MemberID) == "" {
		writeError(w, http.StatusBadRequest, "member_id is required", nil)
		return
	}

	id, err := h.Assigner.Assign(r.Context(), loyalty.AssignInput{
		BenefitTypeID: benefitTypeID(r),
		MemberID:      loyalty.MemberID(req.MemberID),
		AssignedBy:    req.AssignedBy,
		Note:          req.Note,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, AssignBenefitResponse{InstanceID: string(id)})
}

// CheckEligibility reports whether a member could claim the type right now.
// Always 200 for known member and type; the body says why not.
func (h *Handler) CheckEligibility(w http.ResponseWriter, r *http.Request) {
	member := strings.TrimSpace(r.URL.Query().Get("member_id"))
	if member == "" {
		writeError(w, http.StatusBadRequest, "member_id is required", nil)
		return
	}
	e, err := h.Assigner.Eligible(r.Context(), loyalty.MemberID(member), benefitTypeID(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEligibilityDTO(e))
}

// RedeemBenefit marks an assigned instance as used.
func (h *Handler) RedeemBenefit(w http.ResponseWriter, r *http.Request) {
	bi, err := h.Assigner.Redeem(r.Context(), loyalty.BenefitInstanceID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBenefitInstanceDTO(bi))
}

// RevokeBenefit withdraws an available or assigned instance.
func (h *Handler) RevokeBenefit(w http.ResponseWriter, r *http.Request) {
	bi, err := h.Assigner.Revoke(r.Context(), loyalty.BenefitInstanceID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBenefitInstanceDTO(bi))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RunReconciliation audits every member against their ledger.
func (h *Handler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	found, err := h.Auditor.AuditAll(r.Context())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationResponse(found, time.Now()))
}

// RunExpiry expires every instance past its expiry.
func (h *Handler) RunExpiry(w http.ResponseWriter, r *http.Request) {
	n, err := h.Assigner.ExpireDue(r.Context())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": n})
}

// Health reports whether the store is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func toReconciliationResponse(found []loyalty.Discrepancy, at time.Time) ReconciliationResponse {
	resp := ReconciliationResponse{
		Consistent:    len(found) == 0,
		Discrepancies: make([]DiscrepancyDTO, len(found)),
		RanAt:         formatTime(at),
	}
	for i, d := range found {
		resp.Discrepancies[i] = DiscrepancyDTO{
			MemberID:     string(d.MemberID),
			Nights:       d.Nights,
			LedgerNights: d.LedgerNights,
			Points:       d.Points,
			LedgerPoints: d.LedgerPoints,
			TierID:       string(d.TierID),
			ExpectedTier: string(d.ExpectedTier),
		}
	}
	return resp
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

// engineError maps an engine error to a status, a stable code and a message
// that can be shown to the member or the front desk as-is.
func engineError(err error) (int, string, string) {
	switch {
	case errors.Is(err, loyalty.ErrAlreadyAssigned):
		return http.StatusConflict, "already_assigned", "This offer has already been claimed"
	case errors.Is(err, loyalty.ErrNoBenefitAvailable):
		return http.StatusConflict, "no_benefit_available", "This offer is no longer available"
	case errors.Is(err, loyalty.ErrMemberExists):
		return http.StatusConflict, "member_exists", "A member with this id already exists"
	case errors.Is(err, loyalty.ErrInvalidAdjustment):
		return http.StatusUnprocessableEntity, "invalid_adjustment", "This adjustment cannot be applied"
	case errors.Is(err, loyalty.ErrNotEligible):
		return http.StatusUnprocessableEntity, "not_eligible", "This offer is not available for your tier"
	case errors.Is(err, loyalty.ErrInvalidTransition):
		return http.StatusUnprocessableEntity, "invalid_transition", "This benefit can no longer be changed"
	case errors.Is(err, loyalty.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input", "Invalid request"
	case errors.Is(err, loyalty.ErrMemberNotFound):
		return http.StatusNotFound, "member_not_found", "Member not found"
	case errors.Is(err, loyalty.ErrBenefitTypeNotFound):
		return http.StatusNotFound, "benefit_type_not_found", "Benefit type not found"
	case errors.Is(err, loyalty.ErrBenefitNotFound):
		return http.StatusNotFound, "benefit_not_found", "Benefit not found"
	case errors.Is(err, loyalty.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable", "Service temporarily unavailable, please retry"
	case errors.Is(err, loyalty.ErrRetriesExhausted), loyalty.IsRetryable(err):
		return http.StatusServiceUnavailable, "busy", "Service busy, please retry"
	default:
		return http.StatusInternalServerError, "internal", "Internal error"
	}
}

func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := engineError(err)
	if status >= http.StatusInternalServerError {
		h.Log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	resp := ErrorResponse{Error: message, Code: code}
	// rejections explain themselves; internals stay in the log
	if status < http.StatusInternalServerError {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

func memberID(r *http.Request) loyalty.MemberID {
	return loyalty.MemberID(chi.URLParam(r, "id"))
}

func benefitTypeID(r *http.Request) loyalty.BenefitTypeID {
	return loyalty.BenefitTypeID(chi.URLParam(r, "type"))
}

func parsePage(w http.ResponseWriter, r *http.Request) (loyalty.EventPage, bool) {
	var page loyalty.EventPage
	q := r.URL.Query()
	for name, dst := range map[string]*int{"limit": &page.Limit, "offset": &page.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid "+name, err)
			return page, false
		}
		*dst = n
	}
	return page, true
}

func toInstanceDTOs(list []loyalty.BenefitInstance) []BenefitInstanceDTO {
	dtos := make([]BenefitInstanceDTO, len(list))
	for i, bi := range list {
		dtos[i] = toBenefitInstanceDTO(bi)
	}
	return dtos
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
