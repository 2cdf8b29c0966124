package metering

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenmeter-platform/tokenmeter/internal/auth"
	"github.com/tokenmeter-platform/tokenmeter/internal/classifier"
	"github.com/tokenmeter-platform/tokenmeter/internal/config"
	"github.com/tokenmeter-platform/tokenmeter/internal/estimator"
	"github.com/tokenmeter-platform/tokenmeter/internal/quota"
)

// stubRepository is the minimal quota.Repository needed by the pipeline:
// quota checks and usage recording. The aggregation methods return zero
// values.
type stubRepository struct {
	mu     sync.Mutex
	quotas map[uuid.UUID]*quota.UserQuota
	logs   []quota.UsageLogEntry

	failChecks bool
}

func newStubRepository() *stubRepository {
	return &stubRepository{quotas: make(map[uuid.UUID]*quota.UserQuota)}
}

func (s *stubRepository) GetOrCreate(_ context.Context, userID uuid.UUID, monthlyLimit, alertThreshold int) (*quota.UserQuota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failChecks {
		return nil, errors.New("store unavailable")
	}
	if q, ok := s.quotas[userID]; ok {
		cp := *q
		return &cp, nil
	}
	q := &quota.UserQuota{
		UserID:          userID,
		MonthlyLimit:    monthlyLimit,
		AlertThreshold:  alertThreshold,
		PeriodStartDate: time.Now().AddDate(0, 0, -1),
		IsActive:        true,
	}
	s.quotas[userID] = q
	cp := *q
	return &cp, nil
}

func (s *stubRepository) Get(_ context.Context, userID uuid.UUID) (*quota.UserQuota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotas[userID]
	if !ok {
		return nil, nil
	}
	cp := *q
	return &cp, nil
}

func (s *stubRepository) IncrementUsage(_ context.Context, userID uuid.UUID, tokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotas[userID]
	if !ok {
		return errors.New("no quota record")
	}
	q.CurrentUsage += tokens
	return nil
}

func (s *stubRepository) ResetPeriod(_ context.Context, userID uuid.UUID, periodStart time.Time) (*quota.UserQuota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotas[userID]
	if !ok {
		return nil, nil
	}
	q.CurrentUsage = 0
	q.PeriodStartDate = periodStart
	cp := *q
	return &cp, nil
}

func (s *stubRepository) AdjustLimit(_ context.Context, _ uuid.UUID, _ int) (*quota.UserQuota, error) {
	return nil, nil
}

func (s *stubRepository) ToggleActive(_ context.Context, _ uuid.UUID, _ bool) (*quota.UserQuota, error) {
	return nil, nil
}

func (s *stubRepository) ResetAllOverdue(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

func (s *stubRepository) InsertUsageLog(_ context.Context, entry *quota.UsageLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, *entry)
	return nil
}

func (s *stubRepository) ListUsageLogs(_ context.Context, _ uuid.UUID, _, _ int) ([]quota.UsageLogEntry, error) {
	return nil, nil
}

func (s *stubRepository) SumUsageSince(_ context.Context, _ uuid.UUID, _ time.Time) (int, error) {
	return 0, nil
}

func (s *stubRepository) DailyUsage(_ context.Context, _ uuid.UUID, _ time.Time) ([]quota.DailyUsageRow, error) {
	return nil, nil
}

func (s *stubRepository) UsageByProvider(_ context.Context, _ uuid.UUID, _ time.Time) ([]quota.ProviderUsageRow, error) {
	return nil, nil
}

func (s *stubRepository) UsageByRequestType(_ context.Context, _ uuid.UUID, _ time.Time) ([]quota.RequestTypeUsageRow, error) {
	return nil, nil
}

func (s *stubRepository) ListNearLimit(_ context.Context) ([]quota.NearLimitUser, error) {
	return nil, nil
}

func (s *stubRepository) CountActive(_ context.Context) (int, error) { return 0, nil }

func (s *stubRepository) SystemTotalsSince(_ context.Context, _ time.Time) (int, float64, error) {
	return 0, 0, nil
}

func (s *stubRepository) TopConsumersSince(_ context.Context, _ time.Time, _ int) ([]quota.TopConsumer, error) {
	return nil, nil
}

func (s *stubRepository) usage(userID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.quotas[userID]; ok {
		return q.CurrentUsage
	}
	return 0
}

func (s *stubRepository) logCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.logs)
}

func testConfig() config.MeteringConfig {
	return config.MeteringConfig{
		DefaultMonthlyLimit:   100000,
		DefaultAlertThreshold: 80,
		ReservationTokens:     1000,
	}
}

func newTestPipeline(repo *stubRepository) *Pipeline {
	svc := quota.NewService(repo, testConfig())
	return NewPipeline(classifier.New(), estimator.New(nil), svc, nil, 1000)
}

func withClaims(r *http.Request, userID uuid.UUID) *http.Request {
	claims := &auth.AccessClaims{UserID: userID.String(), Email: "user@example.com"}
	return r.WithContext(context.WithValue(r.Context(), auth.UserClaimsKey, claims))
}

func TestInterceptor_PassthroughWithoutClaims(t *testing.T) {
	repo := newStubRepository()
	p := newTestPipeline(repo)

	called := false
	handler := p.Interceptor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/api/ai/openai/chat", strings.NewReader(`{"prompt":"hi"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
	p.Drain()
	assert.Zero(t, repo.logCount(), "unauthenticated requests are not metered")
}

func TestInterceptor_PassthroughNonAIRequest(t *testing.T) {
	repo := newStubRepository()
	p := newTestPipeline(repo)

	called := false
	handler := p.Interceptor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := withClaims(httptest.NewRequest("GET", "/api/v1/profile", nil), uuid.New())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.True(t, called)
	p.Drain()
	assert.Zero(t, repo.logCount())
}

func TestInterceptor_RecordsUsageAfterResponse(t *testing.T) {
	repo := newStubRepository()
	p := newTestPipeline(repo)
	userID := uuid.New()

	handler := p.Interceptor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mc := FromContext(r.Context())
		require.NotNil(t, mc, "metering context should be attached")
		assert.Equal(t, "openai", mc.Provider)
		assert.Equal(t, "gpt-4", mc.Model)
		assert.NotEmpty(t, mc.CorrelationID)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"content":"` + strings.Repeat("b", 200) + `"}`))
	}))

	body := `{"model":"gpt-4","prompt":"` + strings.Repeat("a", 100) + `"}`
	req := withClaims(httptest.NewRequest("POST", "/api/ai/openai/chat", strings.NewReader(body)), userID)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	p.Drain()

	require.Equal(t, 1, repo.logCount())

	repo.mu.Lock()
	entry := repo.logs[0]
	repo.mu.Unlock()

	// 100 prompt chars and 200 completion chars at the 0.75 multiplier.
	assert.Equal(t, 75, entry.PromptTokens)
	assert.Equal(t, 150, entry.CompletionTokens)
	assert.Equal(t, 225, entry.TotalTokens)
	assert.Equal(t, "openai", entry.Provider)
	assert.Equal(t, "gpt-4", entry.Model)
	assert.Equal(t, "chat", entry.RequestType)
	assert.Equal(t, 225, repo.usage(userID))
}

func TestInterceptor_DeniesExhaustedQuota(t *testing.T) {
	repo := newStubRepository()
	p := newTestPipeline(repo)
	userID := uuid.New()

	repo.quotas[userID] = &quota.UserQuota{
		UserID:          userID,
		MonthlyLimit:    1000,
		CurrentUsage:    999,
		AlertThreshold:  80,
		PeriodStartDate: time.Now().AddDate(0, 0, -1),
		IsActive:        true,
	}

	called := false
	handler := p.Interceptor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := withClaims(httptest.NewRequest("POST", "/api/ai/openai/chat", strings.NewReader(`{"prompt":"hi"}`)), userID)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.False(t, called, "downstream handler must not run")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	var resp quotaExceededResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "quota_exceeded", resp.Error)
	assert.Equal(t, 999, resp.CurrentUsage)
	assert.Equal(t, 1000, resp.MonthlyLimit)
	assert.Equal(t, 1, resp.RemainingTokens)
	assert.False(t, resp.ResetDate.IsZero())

	p.Drain()
	assert.Zero(t, repo.logCount(), "denied requests are not charged")
}

func TestInterceptor_FailsOpenOnStoreError(t *testing.T) {
	repo := newStubRepository()
	repo.failChecks = true
	p := newTestPipeline(repo)

	called := false
	handler := p.Interceptor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := withClaims(httptest.NewRequest("POST", "/api/ai/openai/chat", strings.NewReader(`{"prompt":"hi"}`)), uuid.New())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.True(t, called, "store outage must not block the request")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestInterceptor_SkipsRecordingWithoutTerminalWrite(t *testing.T) {
	repo := newStubRepository()
	p := newTestPipeline(repo)

	handler := p.Interceptor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Simulates a cancelled handler that never responds.
	}))

	req := withClaims(httptest.NewRequest("POST", "/api/ai/openai/chat", strings.NewReader(`{"prompt":"hi"}`)), uuid.New())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	p.Drain()

	assert.Zero(t, repo.logCount(), "unfulfilled requests are not charged")
}

func TestInterceptor_LargeBodyReachesHandlerIntact(t *testing.T) {
	const bodySize = maxBodyBytes + 4096

	paths := map[string]string{
		"metered upload":     "/api/ai/openai/transcription",
		"non-AI passthrough": "/api/v1/files/upload",
	}
	for name, path := range paths {
		t.Run(name, func(t *testing.T) {
			repo := newStubRepository()
			p := newTestPipeline(repo)

			payload := bytes.Repeat([]byte("a"), bodySize)
			var got int
			handler := p.Interceptor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				data, err := io.ReadAll(r.Body)
				require.NoError(t, err)
				got = len(data)
				w.WriteHeader(http.StatusOK)
			}))

			req := withClaims(httptest.NewRequest("POST", path, bytes.NewReader(payload)), uuid.New())
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			p.Drain()

			assert.Equal(t, bodySize, got, "downstream handler must see the full body")
		})
	}
}

func TestInterceptor_ResponseBodyUnaltered(t *testing.T) {
	repo := newStubRepository()
	p := newTestPipeline(repo)

	const payload = `{"content":"exact bytes"}`
	handler := p.Interceptor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(payload))
	}))

	req := withClaims(httptest.NewRequest("POST", "/api/ai/openai/chat", strings.NewReader(`{"prompt":"hi"}`)), uuid.New())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	p.Drain()

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, payload, rec.Body.String())
}

func TestAlertHeaders(t *testing.T) {
	repo := newStubRepository()
	p := newTestPipeline(repo)
	userID := uuid.New()

	repo.quotas[userID] = &quota.UserQuota{
		UserID:          userID,
		MonthlyLimit:    1000,
		CurrentUsage:    800,
		AlertThreshold:  80,
		PeriodStartDate: time.Now().AddDate(0, 0, -1),
		IsActive:        true,
	}

	handler := p.AlertHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("past threshold sets warning headers", func(t *testing.T) {
		req := withClaims(httptest.NewRequest("GET", "/api/v1/anything", nil), userID)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, "true", rec.Header().Get("X-Token-Warning"))
		assert.Equal(t, "800/1000", rec.Header().Get("X-Token-Usage"))
		assert.NotEmpty(t, rec.Header().Get("X-Token-Reset-Date"))
	})

	t.Run("under threshold leaves headers unset", func(t *testing.T) {
		req := withClaims(httptest.NewRequest("GET", "/api/v1/anything", nil), uuid.New())
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Empty(t, rec.Header().Get("X-Token-Warning"))
	})

	t.Run("unauthenticated passthrough", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/anything", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("X-Token-Warning"))
	})
}

func TestExtractPayload(t *testing.T) {
	t.Run("chat prefers prompt field", func(t *testing.T) {
		p := extractPayload("chat", map[string]any{"prompt": "direct"}, []byte(`{"content":"reply"}`))
		assert.Equal(t, "direct", p.Prompt)
		assert.Equal(t, "reply", p.Completion)
	})

	t.Run("chat falls back to messages content", func(t *testing.T) {
		body := map[string]any{"messages": []any{
			map[string]any{"role": "user", "content": "first"},
			map[string]any{"role": "assistant", "content": "second"},
		}}
		p := extractPayload("chat", body, nil)
		assert.Equal(t, "firstsecond", p.Prompt)
	})

	t.Run("search uses query and result", func(t *testing.T) {
		p := extractPayload("search", map[string]any{"query": "weather"}, []byte(`{"result":"sunny"}`))
		assert.Equal(t, "weather", p.Prompt)
		assert.Equal(t, "sunny", p.Completion)
	})

	t.Run("transcription reads duration", func(t *testing.T) {
		p := extractPayload("transcription", map[string]any{"duration": 2.5}, nil)
		assert.Equal(t, 2.5, p.DurationMinutes)
	})

	t.Run("malformed response degrades to empty", func(t *testing.T) {
		p := extractPayload("chat", nil, []byte(`not json`))
		assert.Empty(t, p.Prompt)
		assert.Empty(t, p.Completion)
	})

	t.Run("unknown type falls back to input output", func(t *testing.T) {
		p := extractPayload("custom", map[string]any{"input": "in"}, []byte(`{"output":"out"}`))
		assert.Equal(t, "in", p.Prompt)
		assert.Equal(t, "out", p.Completion)
	})
}
