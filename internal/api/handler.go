package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brunodmn/notazap/internal/db"
	"github.com/brunodmn/notazap/internal/metrics"
	"github.com/brunodmn/notazap/internal/policy"
	"github.com/brunodmn/notazap/internal/redis"
	"github.com/brunodmn/notazap/internal/sefaz"
)

// DispatchStore defines the dispatch-queue operations the API needs.
type DispatchStore interface {
	CreateDispatch(ctx context.Context, d *db.MessageDispatch) error
	GetDispatch(ctx context.Context, id uuid.UUID) (*db.MessageDispatch, error)
	MarkFailed(ctx context.Context, id uuid.UUID, errCode, errMsg string) error
	ListDispatches(ctx context.Context, status *db.DispatchStatus, companyID *uuid.UUID, limit, offset int) ([]*db.MessageDispatch, error)
	Stats(ctx context.Context) (*db.QueueStats, error)
}

// SessionGateway exposes the WhatsApp instance session operations.
type SessionGateway interface {
	StartSession(ctx context.Context, instanceName string) error
	SessionStatus(ctx context.Context, instanceName string) (string, error)
}

// PolicyStore defines the policy operations the API needs.
type PolicyStore interface {
	ListActivePolicies(ctx context.Context) ([]*db.RateLimitPolicy, error)
	ReplaceActivePolicies(ctx context.Context, policies []*db.RateLimitPolicy) error
}

// SyncStore defines the sync-state operations the API needs.
type SyncStore interface {
	GetSyncState(ctx context.Context, companyID uuid.UUID) (*db.DfeSyncState, error)
	ListJobRuns(ctx context.Context, companyID *uuid.UUID, limit, offset int) ([]*db.JobRun, error)
}

// EnqueueRequest represents the incoming enqueue body.
type EnqueueRequest struct {
	CompanyID    string `json:"company_id"`
	InstanceName string `json:"instance_name"`
	ToPhone      string `json:"to_phone"`
	Intent       string `json:"intent"`
	Content      string `json:"content"`
	MaxAttempts  int    `json:"max_attempts,omitempty"`
}

// EnqueueResponse is returned after enqueueing a dispatch.
type EnqueueResponse struct {
	ID string `json:"id"`
}

// ErrorResponse represents an error in problem+json format.
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// PolicyRequest is one policy in a replace-all payload.
type PolicyRequest struct {
	Scope        string  `json:"scope"`
	InstanceName *string `json:"instance_name,omitempty"`
	CompanyID    *string `json:"company_id,omitempty"`
	MaxPerMinute int     `json:"max_per_minute"`
	MinDelayMs   int     `json:"min_delay_ms"`
	MaxDelayMs   int     `json:"max_delay_ms"`
	Burst        int     `json:"burst"`
}

// SyncStatusResponse reports a tenant's sync eligibility for display.
type SyncStatusResponse struct {
	CompanyID       string     `json:"company_id"`
	UltimoStatus    string     `json:"ultimo_status"`
	UltimoSyncAt    *time.Time `json:"ultimo_sync_at,omitempty"`
	UltimoSucessoAt *time.Time `json:"ultimo_sucesso_at,omitempty"`
	WaitSeconds     int64      `json:"wait_seconds"`
	NextAllowedAt   *time.Time `json:"next_allowed_at,omitempty"`
	Eligible        bool       `json:"eligible"`
}

var phoneE164 = regexp.MustCompile(`^\+[1-9]\d{7,14}$`)

// Handler holds dependencies for API handlers.
type Handler struct {
	logger             *zap.Logger
	dispatches         DispatchStore
	policies           PolicyStore
	syncs              SyncStore
	calc               *sefaz.CooldownCalculator
	sessions           SessionGateway
	idempotency        *redis.IdempotencyService // nil if Redis not configured
	defaultMaxAttempts int
}

// NewHandler creates a new API handler. idempotency may be nil.
func NewHandler(
	logger *zap.Logger,
	dispatches DispatchStore,
	policies PolicyStore,
	syncs SyncStore,
	calc *sefaz.CooldownCalculator,
	sessions SessionGateway,
	idempotency *redis.IdempotencyService,
	defaultMaxAttempts int,
) *Handler {
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = 3
	}
	return &Handler{
		logger:             logger,
		dispatches:         dispatches,
		policies:           policies,
		syncs:              syncs,
		calc:               calc,
		sessions:           sessions,
		idempotency:        idempotency,
		defaultMaxAttempts: defaultMaxAttempts,
	}
}

// CreateDispatch handles POST /v1/dispatches. Enqueue is fire-and-forget:
// outcomes are observable only through the queue's persisted status.
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateDispatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.CompanyID == "" || req.InstanceName == "" || req.ToPhone == "" || req.Content == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields",
			"company_id, instance_name, to_phone, and content are required")
		return
	}

	companyID, err := uuid.Parse(req.CompanyID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid company_id", "company_id must be a valid UUID")
		return
	}

	if !phoneE164.MatchString(req.ToPhone) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid to_phone", "to_phone must be E.164 (+5511999990000)")
		return
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = h.defaultMaxAttempts
	}

	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, req.CompanyID, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding", zap.Error(err))
		}
		if cached != nil {
			w.Header().Set("X-Idempotency-Replay", "true")
			h.writeJSON(w, cached.StatusCode, EnqueueResponse{ID: cached.DispatchID})
			return
		}
	}

	d := &db.MessageDispatch{
		ID:           uuid.New(),
		CompanyID:    companyID,
		InstanceName: req.InstanceName,
		ToPhoneE164:  req.ToPhone,
		Intent:       req.Intent,
		Content:      req.Content,
		Status:       db.DispatchQueued,
		MaxAttempts:  maxAttempts,
	}

	if err := h.dispatches.CreateDispatch(ctx, d); err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to enqueue dispatch", "")
		return
	}

	metrics.RecordDispatchEnqueued(req.CompanyID, req.Intent)

	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{
			DispatchID: d.ID.String(),
			StatusCode: http.StatusAccepted,
		}
		if err := h.idempotency.Store(ctx, req.CompanyID, idempotencyKey, result, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result", zap.Error(err))
		}
	}

	h.writeJSON(w, http.StatusAccepted, EnqueueResponse{ID: d.ID.String()})
}

// GetDispatch handles GET /v1/dispatches/{id}.
func (h *Handler) GetDispatch(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid id", "id must be a valid UUID")
		return
	}

	d, err := h.dispatches.GetDispatch(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrDispatchNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Dispatch not found", "")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to load dispatch", "")
		return
	}

	h.writeJSON(w, http.StatusOK, d)
}

// CancelDispatch handles POST /v1/dispatches/{id}/cancel. Only a record
// still waiting in `queued` can be cancelled; anything the workers already
// touched keeps its lifecycle.
func (h *Handler) CancelDispatch(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid id", "id must be a valid UUID")
		return
	}

	if err := h.dispatches.MarkFailed(r.Context(), id, "cancelled", "cancelled by operator"); err != nil {
		if errors.Is(err, db.ErrStaleDispatch) {
			h.writeError(w, http.StatusConflict, "not_cancellable",
				"Dispatch cannot be cancelled",
				"only queued dispatches can be cancelled")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to cancel dispatch", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"id":     id.String(),
		"status": string(db.DispatchFailed),
	})
}

// ListDispatches handles GET /v1/dispatches with status/company filters.
func (h *Handler) ListDispatches(w http.ResponseWriter, r *http.Request) {
	var status *db.DispatchStatus
	if s := r.URL.Query().Get("status"); s != "" {
		st := db.DispatchStatus(s)
		if !st.Valid() {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status filter", "")
			return
		}
		status = &st
	}

	var companyID *uuid.UUID
	if c := r.URL.Query().Get("company_id"); c != "" {
		id, err := uuid.Parse(c)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid company_id filter", "")
			return
		}
		companyID = &id
	}

	limit, offset := pagination(r)

	dispatches, err := h.dispatches.ListDispatches(r.Context(), status, companyID, limit, offset)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list dispatches", "")
		return
	}
	if dispatches == nil {
		dispatches = []*db.MessageDispatch{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"dispatches": dispatches,
		"limit":      limit,
		"offset":     offset,
	})
}

// QueueStats handles GET /v1/queue/stats.
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.dispatches.Stats(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to load queue stats", "")
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// ListJobRuns handles GET /v1/job-runs.
func (h *Handler) ListJobRuns(w http.ResponseWriter, r *http.Request) {
	var companyID *uuid.UUID
	if c := r.URL.Query().Get("company_id"); c != "" {
		id, err := uuid.Parse(c)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid company_id filter", "")
			return
		}
		companyID = &id
	}

	limit, offset := pagination(r)

	runs, err := h.syncs.ListJobRuns(r.Context(), companyID, limit, offset)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list job runs", "")
		return
	}
	if runs == nil {
		runs = []*db.JobRun{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"job_runs": runs,
		"limit":    limit,
		"offset":   offset,
	})
}

// ListPolicies handles GET /v1/policies.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.policies.ListActivePolicies(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list policies", "")
		return
	}
	if policies == nil {
		policies = []*db.RateLimitPolicy{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

// ReplacePolicies handles PUT /v1/policies: atomic replace-all of the
// active set. The whole payload is validated before anything is written.
func (h *Handler) ReplacePolicies(w http.ResponseWriter, r *http.Request) {
	var reqs []PolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	policies := make([]*db.RateLimitPolicy, 0, len(reqs))
	for i, pr := range reqs {
		p := &db.RateLimitPolicy{
			ID:           uuid.New(),
			Scope:        db.PolicyScope(pr.Scope),
			InstanceName: pr.InstanceName,
			MaxPerMinute: pr.MaxPerMinute,
			MinDelayMs:   pr.MinDelayMs,
			MaxDelayMs:   pr.MaxDelayMs,
			Burst:        pr.Burst,
		}
		if pr.CompanyID != nil {
			id, err := uuid.Parse(*pr.CompanyID)
			if err != nil {
				h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid company_id",
					"policy "+strconv.Itoa(i)+": company_id must be a valid UUID")
				return
			}
			p.CompanyID = &id
		}
		policies = append(policies, p)
	}

	if err := policy.ValidateSet(policies); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_policy_set", "Policy set rejected", err.Error())
		return
	}

	if err := h.policies.ReplaceActivePolicies(r.Context(), policies); err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to replace policies", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

// SyncStatus handles GET /v1/companies/{id}/sync-status.
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	companyID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid company id", "")
		return
	}

	state, err := h.syncs.GetSyncState(r.Context(), companyID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to load sync state", "")
		return
	}

	wait := h.calc.WaitSeconds(state, 0, time.Now())
	resp := SyncStatusResponse{
		CompanyID:       companyID.String(),
		UltimoStatus:    state.UltimoStatus,
		UltimoSyncAt:    state.UltimoSyncAt,
		UltimoSucessoAt: state.UltimoSucessoAt,
		WaitSeconds:     wait,
		Eligible:        wait == 0,
	}
	if next := h.calc.NextAllowedSyncAt(state, 0); !next.IsZero() {
		resp.NextAllowedAt = &next
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// StartInstanceSession handles POST /v1/instances/{name}/session.
func (h *Handler) StartInstanceSession(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing instance name", "")
		return
	}

	if err := h.sessions.StartSession(r.Context(), name); err != nil {
		h.logger.Warn("failed to start instance session", zap.Error(err), zap.String("instance", name))
		h.writeError(w, http.StatusBadGateway, "gateway_error", "Failed to start session", "")
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]string{"instance": name})
}

// InstanceSessionStatus handles GET /v1/instances/{name}/session.
func (h *Handler) InstanceSessionStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing instance name", "")
		return
	}

	status, err := h.sessions.SessionStatus(r.Context(), name)
	if err != nil {
		h.logger.Warn("failed to read instance session", zap.Error(err), zap.String("instance", name))
		h.writeError(w, http.StatusBadGateway, "gateway_error", "Failed to read session status", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"instance": name,
		"status":   status,
	})
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 50
	offset = 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
