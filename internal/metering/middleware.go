package metering

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tokenmeter-platform/tokenmeter/internal/api"
	"github.com/tokenmeter-platform/tokenmeter/internal/auth"
	"github.com/tokenmeter-platform/tokenmeter/internal/classifier"
	"github.com/tokenmeter-platform/tokenmeter/internal/estimator"
	"github.com/tokenmeter-platform/tokenmeter/internal/metrics"
	inats "github.com/tokenmeter-platform/tokenmeter/internal/nats"
	"github.com/tokenmeter-platform/tokenmeter/internal/quota"
)

// maxBodyBytes caps how much of the request body is buffered for
// classification and prompt extraction.
const maxBodyBytes = 1 << 20

// recordTimeout bounds the detached usage-recording goroutine.
const recordTimeout = 10 * time.Second

// Pipeline intercepts AI provider requests: it checks the user's quota
// before the downstream handler runs and records estimated usage after it
// completes. Non-AI and unauthenticated requests pass through untouched.
type Pipeline struct {
	classifier  *classifier.Classifier
	estimator   *estimator.Estimator
	quotas      *quota.Service
	publisher   *inats.Publisher
	reservation int

	wg sync.WaitGroup
}

// NewPipeline creates a metering Pipeline. publisher may be nil.
func NewPipeline(c *classifier.Classifier, e *estimator.Estimator, q *quota.Service, p *inats.Publisher, reservationTokens int) *Pipeline {
	return &Pipeline{
		classifier:  c,
		estimator:   e,
		quotas:      q,
		publisher:   p,
		reservation: reservationTokens,
	}
}

// quotaExceededResponse is the documented denial payload.
type quotaExceededResponse struct {
	Error           string    `json:"error"`
	Message         string    `json:"message"`
	CurrentUsage    int       `json:"currentUsage"`
	MonthlyLimit    int       `json:"monthlyLimit"`
	ResetDate       time.Time `json:"resetDate"`
	RemainingTokens int       `json:"remainingTokens"`
}

// Interceptor returns the metering middleware. The quota check happens
// before the downstream handler runs; denial short-circuits with 429.
// When the quota store is unreachable the check fails open: the request
// proceeds unmetered rather than letting a metering outage block the
// product.
func (p *Pipeline) Interceptor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requestUserID(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		parsed := bufferBody(r)
		result := p.classifier.Classify(r.URL.Path, parsed)
		if !result.IsAIRequest {
			next.ServeHTTP(w, r)
			return
		}

		metrics.AIRequestsTotal.WithLabelValues(result.Provider, result.RequestType).Inc()

		check, err := p.quotas.CheckQuota(r.Context(), userID, p.reservation)
		if err != nil {
			slog.Error("quota check failed, allowing request through",
				"error", err, "user_id", userID, "path", r.URL.Path)
			next.ServeHTTP(w, r)
			return
		}

		if !check.CanProceed {
			metrics.QuotaDenialsTotal.Inc()
			slog.Info("request denied: token quota exhausted",
				"user_id", userID,
				"current_usage", check.CurrentUsage,
				"monthly_limit", check.MonthlyLimit,
			)
			api.JSONRaw(w, http.StatusTooManyRequests, quotaExceededResponse{
				Error:           "quota_exceeded",
				Message:         "monthly token limit reached",
				CurrentUsage:    check.CurrentUsage,
				MonthlyLimit:    check.MonthlyLimit,
				ResetDate:       check.ResetDate,
				RemainingTokens: check.RemainingTokens,
			})
			return
		}

		mc := &Context{
			UserID:        userID,
			Provider:      result.Provider,
			Model:         result.Model,
			RequestType:   result.RequestType,
			CorrelationID: uuid.NewString(),
			StartedAt:     time.Now(),
		}

		capture := newResponseCapture(w)
		next.ServeHTTP(capture, r.WithContext(WithContext(r.Context(), mc)))

		// No terminal write means the handler was cancelled or timed out
		// before responding; unfulfilled requests are not charged.
		if !capture.wrote {
			return
		}

		respBody := append([]byte(nil), capture.Body()...)
		preWarning := check.WarningThreshold
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.record(mc, parsed, respBody, capture.status, r.URL.Path, preWarning)
		}()
	})
}

// AlertHeaders returns the secondary pipeline stage that attaches
// near-limit warning headers. It never blocks or denies; quota store
// errors leave the response headerless.
func (p *Pipeline) AlertHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requestUserID(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		check, err := p.quotas.CheckQuota(r.Context(), userID, 0)
		if err != nil {
			slog.Warn("alert header check failed", "error", err, "user_id", userID)
			next.ServeHTTP(w, r)
			return
		}

		if check.WarningThreshold {
			w.Header().Set("X-Token-Warning", "true")
			w.Header().Set("X-Token-Usage", fmt.Sprintf("%d/%d", check.CurrentUsage, check.MonthlyLimit))
			w.Header().Set("X-Token-Reset-Date", check.ResetDate.Format(time.RFC3339))
		}

		next.ServeHTTP(w, r)
	})
}

// Drain blocks until all in-flight usage recordings have finished. Called
// during graceful shutdown so accepted charges are not lost.
func (p *Pipeline) Drain() {
	p.wg.Wait()
}

// record estimates consumption from the request and response bodies and
// writes it to the ledger. Failures are logged and dropped; recording
// never affects the already-delivered response. preWarning is the alert
// state observed before this request, used to detect threshold crossings.
func (p *Pipeline) record(mc *Context, reqBody map[string]any, respBody []byte, status int, path string, preWarning bool) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	payload := extractPayload(mc.RequestType, reqBody, respBody)
	usage := p.estimator.Estimate(mc.RequestType, payload, mc.Provider, mc.Model, nil)

	err := p.quotas.RecordUsage(ctx, quota.RecordParams{
		UserID:           mc.UserID,
		Provider:         mc.Provider,
		Model:            mc.Model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		RequestType:      mc.RequestType,
		Cost:             usage.EstimatedCost,
		RequestID:        mc.CorrelationID,
		Metadata: map[string]any{
			"path":        path,
			"status":      status,
			"duration_ms": time.Since(mc.StartedAt).Milliseconds(),
		},
	})
	if err != nil {
		metrics.UsageRecordFailuresTotal.Inc()
		slog.Error("recording token usage failed",
			"error", err,
			"user_id", mc.UserID,
			"correlation_id", mc.CorrelationID,
			"tokens", usage.TotalTokens,
		)
		return
	}

	metrics.TokensRecordedTotal.WithLabelValues(mc.Provider).Add(float64(usage.TotalTokens))

	if err := p.publisher.PublishUsageRecorded(ctx, inats.UsageRecordedEvent{
		UserID:        mc.UserID.String(),
		Provider:      mc.Provider,
		Model:         mc.Model,
		RequestType:   mc.RequestType,
		TokensUsed:    int64(usage.TotalTokens),
		EstimatedCost: usage.EstimatedCost,
		RecordedAt:    time.Now(),
	}); err != nil {
		slog.Warn("publishing usage event failed", "error", err)
	}

	if preWarning {
		return
	}
	post, err := p.quotas.CheckQuota(ctx, mc.UserID, 0)
	if err != nil || !post.WarningThreshold {
		return
	}
	if err := p.publisher.PublishThresholdCrossed(ctx, inats.ThresholdCrossedEvent{
		UserID:       mc.UserID.String(),
		CurrentUsage: int64(post.CurrentUsage),
		MonthlyLimit: int64(post.MonthlyLimit),
		UsagePercent: float64(post.CurrentUsage) / float64(post.MonthlyLimit) * 100,
		Timestamp:    time.Now(),
	}); err != nil {
		slog.Warn("publishing threshold event failed", "error", err)
	}
}

// requestUserID resolves the authenticated user for metering. Requests
// without valid claims are not metered.
func requestUserID(r *http.Request) (uuid.UUID, bool) {
	claims := auth.GetUserClaims(r.Context())
	if claims == nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(claims.UserID)
	if err != nil {
		slog.Warn("unparseable user id in claims, skipping metering", "user_id", claims.UserID)
		return uuid.Nil, false
	}
	return id, true
}

// bufferBody reads up to maxBodyBytes of the request body for
// classification and prompt extraction, then restores the full stream so
// the downstream handler sees the request untouched. Returns the parsed
// JSON object (nil when the buffered prefix is empty or not JSON).
func bufferBody(r *http.Request) map[string]any {
	if r.Body == nil {
		return nil
	}
	orig := r.Body
	data, err := io.ReadAll(io.LimitReader(orig, maxBodyBytes))
	r.Body = replayBody{io.MultiReader(bytes.NewReader(data), orig), orig}
	if err != nil || len(data) == 0 {
		return nil
	}

	var parsed map[string]any
	if json.Unmarshal(data, &parsed) != nil {
		return nil
	}
	return parsed
}

// replayBody prepends the buffered prefix back onto the original body,
// keeping the original Close behavior.
type replayBody struct {
	io.Reader
	io.Closer
}
