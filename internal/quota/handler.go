package quota

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/tokenmeter-platform/tokenmeter/internal/api"
	"github.com/tokenmeter-platform/tokenmeter/internal/auth"
	"github.com/tokenmeter-platform/tokenmeter/internal/estimator"
	"github.com/tokenmeter-platform/tokenmeter/internal/nats"
	"github.com/tokenmeter-platform/tokenmeter/internal/users"
)

// Handler provides the token status, analytics and admin HTTP endpoints.
type Handler struct {
	svc      *Service
	est      *estimator.Estimator
	userRepo users.Repository
	events   *nats.Publisher
	validate *validator.Validate
}

// NewHandler creates a quota Handler. events may be nil.
func NewHandler(svc *Service, est *estimator.Estimator, userRepo users.Repository, events *nats.Publisher) *Handler {
	return &Handler{
		svc:      svc,
		est:      est,
		userRepo: userRepo,
		events:   events,
		validate: validator.New(),
	}
}

// StatusResponse combines the live quota check with usage statistics.
type StatusResponse struct {
	Quota *Check `json:"quota"`
	Stats *Stats `json:"stats"`
}

// GetStatus returns the authenticated user's quota state and usage stats.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requestUser(w, r)
	if !ok {
		return
	}

	check, err := h.svc.CheckQuota(r.Context(), userID, 0)
	if err != nil {
		slog.Error("checking quota status", "error", err, "user_id", userID)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	stats, err := h.svc.UsageStats(r.Context(), userID)
	if err != nil {
		slog.Error("aggregating usage stats", "error", err, "user_id", userID)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusOK, StatusResponse{Quota: check, Stats: stats})
}

// GetUsage returns the user's paginated usage history.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requestUser(w, r)
	if !ok {
		return
	}

	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 50)

	entries, err := h.svc.UsageHistory(r.Context(), userID, page, pageSize)
	if err != nil {
		slog.Error("listing usage history", "error", err, "user_id", userID)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusOK, entries)
}

// GetAnalytics returns daily, provider and request-type breakdowns over a
// trailing window.
func (h *Handler) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requestUser(w, r)
	if !ok {
		return
	}

	days := queryInt(r, "days", 30)

	analytics, err := h.svc.UsageAnalytics(r.Context(), userID, days)
	if err != nil {
		slog.Error("aggregating usage analytics", "error", err, "user_id", userID)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusOK, analytics)
}

// CalculatorResponse reports an estimate for caller-supplied text.
type CalculatorResponse struct {
	Provider       string  `json:"provider"`
	Model          string  `json:"model"`
	RequestType    string  `json:"request_type"`
	PromptTokens   int     `json:"prompt_tokens"`
	TotalTokens    int     `json:"total_tokens"`
	EstimatedCost  float64 `json:"estimated_cost"`
	ModelSupported bool    `json:"model_supported"`
}

// Calculate estimates tokens and cost for ad-hoc text without touching any
// quota. Query params: text, provider, model, type.
func (h *Handler) Calculate(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requestUser(w, r); !ok {
		return
	}

	text := r.URL.Query().Get("text")
	if text == "" {
		api.HandleError(w, api.NewBadRequestError("text query parameter is required"))
		return
	}
	provider := r.URL.Query().Get("provider")
	if provider == "" {
		provider = "openai"
	}
	model := r.URL.Query().Get("model")
	reqType := r.URL.Query().Get("type")
	if reqType == "" {
		reqType = "chat"
	}

	usage := h.est.Estimate(reqType, estimator.Payload{Prompt: text}, provider, model, nil)

	api.JSON(w, http.StatusOK, CalculatorResponse{
		Provider:       provider,
		Model:          model,
		RequestType:    reqType,
		PromptTokens:   usage.PromptTokens,
		TotalTokens:    usage.TotalTokens,
		EstimatedCost:  usage.EstimatedCost,
		ModelSupported: h.est.IsModelSupported(provider, model),
	})
}

// ListUsers returns all users joined with their quota state. Admin only.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 50)
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 50
	}

	list, err := h.userRepo.ListWithQuotas(r.Context(), pageSize, (page-1)*pageSize)
	if err != nil {
		slog.Error("listing users with quotas", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	total, err := h.userRepo.Count(r.Context())
	if err != nil {
		slog.Error("counting users", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSONPaginated(w, http.StatusOK, list, total, page, pageSize)
}

// UpdateLimitRequest adjusts a user's monthly token budget.
type UpdateLimitRequest struct {
	UserID       string `json:"user_id" validate:"required,uuid"`
	MonthlyLimit int    `json:"monthly_limit" validate:"required,min=1000,max=10000000"`
}

// UpdateLimit sets a new monthly limit for a user. Admin only.
func (h *Handler) UpdateLimit(w http.ResponseWriter, r *http.Request) {
	var req UpdateLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	userID, _ := uuid.Parse(req.UserID)
	q, err := h.svc.AdjustLimit(r.Context(), userID, req.MonthlyLimit)
	if err != nil {
		slog.Error("adjusting monthly limit", "error", err, "user_id", userID)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	if q == nil {
		// Known users without a quota row yet get one created at the
		// defaults so limits can be set ahead of first use.
		q, err = h.adjustUncheckedUser(r.Context(), userID, req.MonthlyLimit)
		if err != nil {
			slog.Error("adjusting monthly limit", "error", err, "user_id", userID)
			api.HandleError(w, api.ErrInternalServer)
			return
		}
		if q == nil {
			api.HandleError(w, api.ErrNotFound)
			return
		}
	}

	api.JSON(w, http.StatusOK, q)
}

func (h *Handler) adjustUncheckedUser(ctx context.Context, userID uuid.UUID, limit int) (*UserQuota, error) {
	u, err := h.userRepo.GetByID(ctx, userID)
	if err != nil || u == nil {
		return nil, err
	}
	if _, err := h.svc.CheckQuota(ctx, userID, 0); err != nil {
		return nil, err
	}
	return h.svc.AdjustLimit(ctx, userID, limit)
}

// ToggleRequest activates or deactivates a user's metering.
type ToggleRequest struct {
	UserID   string `json:"user_id" validate:"required,uuid"`
	IsActive *bool  `json:"is_active" validate:"required"`
}

// Toggle enables or disables AI access for a user. Admin only.
func (h *Handler) Toggle(w http.ResponseWriter, r *http.Request) {
	var req ToggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	userID, _ := uuid.Parse(req.UserID)
	q, err := h.svc.ToggleActive(r.Context(), userID, *req.IsActive)
	if err != nil {
		slog.Error("toggling quota", "error", err, "user_id", userID)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	if q == nil {
		api.HandleError(w, api.ErrQuotaNotFound)
		return
	}

	api.JSON(w, http.StatusOK, q)
}

// SystemStatsResponse is the admin overview.
type SystemStatsResponse struct {
	ActiveUsers  int             `json:"active_users"`
	TotalTokens  int             `json:"total_tokens_30d"`
	TotalCost    float64         `json:"total_cost_30d"`
	TopConsumers []TopConsumer   `json:"top_consumers"`
	NearLimit    []NearLimitUser `json:"near_limit_users"`
}

// GetSystemStats returns the system-wide overview. Admin only.
func (h *Handler) GetSystemStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.SystemStats(r.Context())
	if err != nil {
		slog.Error("aggregating system stats", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusOK, stats)
}

// ResetPeriodRequest names the user whose period to reset.
type ResetPeriodRequest struct {
	UserID string `json:"user_id" validate:"required,uuid"`
}

// ResetPeriod zeroes a user's usage and restarts their window. Admin only.
func (h *Handler) ResetPeriod(w http.ResponseWriter, r *http.Request) {
	var req ResetPeriodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	userID, _ := uuid.Parse(req.UserID)
	q, err := h.svc.ResetPeriod(r.Context(), userID)
	if err != nil {
		slog.Error("resetting quota period", "error", err, "user_id", userID)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	if q == nil {
		api.HandleError(w, api.ErrQuotaNotFound)
		return
	}

	if err := h.events.PublishPeriodReset(r.Context(), nats.PeriodResetEvent{
		UserID:    userID.String(),
		ResetBy:   "admin",
		Timestamp: time.Now(),
	}); err != nil {
		slog.Warn("publishing period reset event failed", "error", err, "user_id", userID)
	}

	api.JSON(w, http.StatusOK, q)
}

// ResetSweep runs the batch period-reset over all overdue quotas and
// returns the count processed. Admin only; the background sweeper calls
// the same service method on a schedule.
func (h *Handler) ResetSweep(w http.ResponseWriter, r *http.Request) {
	count, err := h.svc.ExecuteAutomaticReset(r.Context())
	if err != nil {
		slog.Error("running reset sweep", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusOK, map[string]int{"reset_count": count})
}

func (h *Handler) requestUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	claims := auth.GetUserClaims(r.Context())
	if claims == nil {
		api.HandleError(w, api.ErrUnauthorized)
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		api.HandleError(w, api.ErrUnauthorized)
		return uuid.Nil, false
	}
	return userID, true
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
