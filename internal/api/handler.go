package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/rulestore"
)

// maxBodyBytes bounds request bodies, rule documents included.
const maxBodyBytes = 4 << 20

// RuleChecker validates one rule before a document is stored.
type RuleChecker func(rule *domain.FraudRule) error

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	engine    *engine.Engine
	rules     *rulestore.Store
	checkRule RuleChecker
	validate  *validator.Validate
	version   string
}

// NewHandler creates a new API handler. repo, cache and bus may be nil;
// the routes that need them answer 503.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, eng *engine.Engine, rules *rulestore.Store, checkRule RuleChecker, version string) *Handler {
	return &Handler{
		repo:      repo,
		cache:     cache,
		bus:       bus,
		engine:    eng,
		rules:     rules,
		checkRule: checkRule,
		validate:  newValidator(),
		version:   version,
	}
}

// decodeEvaluation parses and validates an evaluation request body. The
// tenant comes from the X-Tenant-ID header, else from the body.
func (h *Handler) decodeEvaluation(w http.ResponseWriter, r *http.Request) (*domain.EvaluationRequest, bool) {
	var req domain.EvaluationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return nil, false
	}

	if tenantID := GetTenantID(r.Context()); tenantID != "" {
		req.TenantID = tenantID
	}
	if req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "X-Tenant-ID header or tenantId is required")
		return nil, false
	}

	if err := h.validate.Struct(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, validationError(err))
		return nil, false
	}
	return &req, true
}

// evaluate returns a handler that runs the engine with the given scope.
func (h *Handler) evaluate(scope domain.Scope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := h.decodeEvaluation(w, r)
		if !ok {
			return
		}
		ctx := r.Context()

		resp, err := h.engine.Evaluate(ctx, req, scope)
		if err != nil {
			h.writeEvaluationError(w, req, err)
			return
		}
		if resp.Metadata.TraceID == "" {
			resp.Metadata.TraceID = GetTraceID(ctx)
		}

		if h.repo != nil {
			if err := h.repo.SaveEvaluation(ctx, req.TenantID, resp); err != nil {
				slog.Error("failed to save evaluation",
					"evaluation_id", resp.EvaluationID,
					"error", err,
				)
			}
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func (h *Handler) writeEvaluationError(w http.ResponseWriter, req *domain.EvaluationRequest, err error) {
	switch {
	case domain.IsConfigurationError(err):
		slog.Error("evaluation unavailable",
			"tenant_id", req.TenantID,
			"application_id", req.ApplicationID,
			"error", err,
		)
		writeError(w, http.StatusServiceUnavailable, "rule configuration unavailable")
	case errors.Is(err, engine.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("evaluation failed",
			"tenant_id", req.TenantID,
			"application_id", req.ApplicationID,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "evaluation failed")
	}
}

// Evaluate handles POST /v1/_evaluate (all rules).
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	h.evaluate(domain.ScopeFull)(w, r)
}

// EvaluateSync handles POST /v1/_evaluateSync (INTERNAL rules only).
func (h *Handler) EvaluateSync(w http.ResponseWriter, r *http.Request) {
	h.evaluate(domain.ScopeInternalOnly)(w, r)
}

// EvaluateExternal handles POST /v1/_evaluateExternal (EXTERNAL rules only).
func (h *Handler) EvaluateExternal(w http.ResponseWriter, r *http.Request) {
	h.evaluate(domain.ScopeExternalOnly)(w, r)
}

// AsyncAccepted is the response of POST /v1/_evaluateAsync.
type AsyncAccepted struct {
	EvaluationID  string       `json:"evaluationId"`
	ApplicationID string       `json:"applicationId"`
	Scope         domain.Scope `json:"scope"`
	Status        string       `json:"status"`
}

// EvaluateAsync publishes the submission for the worker and answers 202
// with the id the evaluation will be stored under. The scope is taken from
// the ?scope= query parameter and defaults to FULL.
func (h *Handler) EvaluateAsync(w http.ResponseWriter, r *http.Request) {
	scope, err := domain.ParseScope(r.URL.Query().Get("scope"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req, ok := h.decodeEvaluation(w, r)
	if !ok {
		return
	}

	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}

	msg := domain.SubmissionMessage{
		EvaluationID: uuid.New().String(),
		Scope:        scope,
		TraceID:      GetTraceID(r.Context()),
		Request:      *req,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode submission")
		return
	}

	if err := h.bus.Publish(r.Context(), req.TenantID, domain.TopicSubmissionReceived, payload); err != nil {
		slog.Error("failed to publish submission",
			"tenant_id", req.TenantID,
			"application_id", req.ApplicationID,
			"error", err,
		)
		writeError(w, http.StatusServiceUnavailable, "failed to queue submission")
		return
	}

	writeJSON(w, http.StatusAccepted, AsyncAccepted{
		EvaluationID:  msg.EvaluationID,
		ApplicationID: req.ApplicationID,
		Scope:         scope,
		Status:        "ACCEPTED",
	})
}

// RuleSearchRequest is the body of POST /v1/rules/_search.
type RuleSearchRequest struct {
	ModuleCode string          `json:"moduleCode" validate:"max=64"`
	RuleType   domain.RuleType `json:"ruleType" validate:"omitempty,oneof=INTERNAL EXTERNAL"`
	Category   string          `json:"category"`
	Severity   domain.Severity `json:"severity" validate:"omitempty,oneof=LOW MEDIUM HIGH CRITICAL"`
	Enabled    *bool           `json:"enabled"`
}

// SearchRules lists the rules of a module, including disabled ones unless
// the enabled filter says otherwise.
func (h *Handler) SearchRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req RuleSearchRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON request body")
			return
		}
	}
	if err := h.validate.Struct(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, validationError(err))
		return
	}

	module := h.module(req.ModuleCode)
	found, err := h.rules.ListRules(ctx, tenantID, module, rulestore.Filter{
		RuleType: req.RuleType,
		Category: req.Category,
		Severity: req.Severity,
		Enabled:  req.Enabled,
	})
	if err != nil {
		slog.Error("failed to list rules", "tenant_id", tenantID, "module", module, "error", err)
		writeError(w, http.StatusServiceUnavailable, "rule configuration unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"moduleCode": module,
		"rules":      found,
		"count":      len(found),
	})
}

// PutRuleDocument validates and stores the rule document of a module, then
// drops the cached snapshot so the next evaluation loads it.
func (h *Handler) PutRuleDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	module := chi.URLParam(r, "module")

	var doc domain.RuleDocument
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule document: "+err.Error())
		return
	}

	if err := rulestore.ValidateDocument(&doc, h.checkRule); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	if err := h.repo.SaveRuleDocument(ctx, tenantID, module, &doc); err != nil {
		slog.Error("failed to save rule document", "tenant_id", tenantID, "module", module, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save rule document")
		return
	}

	if err := h.rules.Invalidate(ctx, tenantID, module); err != nil {
		slog.Warn("failed to invalidate rules", "tenant_id", tenantID, "module", module, "error", err)
	}

	slog.Info("rule document stored",
		"tenant_id", tenantID,
		"module", module,
		"rules", len(doc.FraudRules),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"moduleCode": module,
		"count":      len(doc.FraudRules),
	})
}

// ReloadRules drops cached snapshots so the next evaluation refetches them.
// ?module= limits the reload to one module; otherwise every snapshot and
// cached document of the tenant is dropped.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if m := r.URL.Query().Get("module"); m != "" {
		module := h.module(m)
		if err := h.rules.Invalidate(ctx, tenantID, module); err != nil {
			slog.Warn("failed to invalidate rules", "tenant_id", tenantID, "module", module, "error", err)
		}
		slog.Info("rules reloaded", "tenant_id", tenantID, "modules", []string{module})
		writeJSON(w, http.StatusOK, map[string]any{
			"message": "rules reloaded successfully",
			"modules": []string{module},
		})
		return
	}

	dropped, err := h.rules.InvalidateTenant(ctx, tenantID)
	if err != nil {
		slog.Warn("failed to invalidate rules", "tenant_id", tenantID, "error", err)
	}

	// Report the default module first, then everything stored or cached.
	modules := []string{h.module("")}
	if h.repo != nil {
		stored, err := h.repo.ListRuleModules(ctx, tenantID)
		if err != nil {
			slog.Error("failed to list rule modules", "tenant_id", tenantID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to list rule modules")
			return
		}
		dropped = append(dropped, stored...)
	}
	for _, m := range dropped {
		if !slices.Contains(modules, m) {
			modules = append(modules, m)
		}
	}

	slog.Info("rules reloaded", "tenant_id", tenantID, "modules", modules)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"modules": modules,
	})
}

// RiskScoreConfig returns the scoring configuration of ?module=.
func (h *Handler) RiskScoreConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	module := h.module(r.URL.Query().Get("module"))

	snap, err := h.rules.Snapshot(ctx, tenantID, module)
	if err != nil {
		slog.Error("failed to load risk score config", "tenant_id", tenantID, "module", module, "error", err)
		writeError(w, http.StatusServiceUnavailable, "rule configuration unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"moduleCode":      module,
		"riskScoreConfig": snap.Config,
		"fetchedAt":       snap.FetchedAt,
	})
}

// GetEvaluation retrieves an evaluation by ID.
func (h *Handler) GetEvaluation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	evalID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	eval, err := h.repo.GetEvaluation(ctx, tenantID, evalID)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "evaluation not found")
		return
	}
	if err != nil {
		slog.Error("failed to get evaluation", "id", evalID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load evaluation")
		return
	}

	writeJSON(w, http.StatusOK, eval)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready reports whether the server can take evaluations: the event bus, when
// configured, must answer.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
				"error": err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func (h *Handler) module(m string) string {
	if m == "" {
		return h.engine.DefaultModule()
	}
	return m
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
