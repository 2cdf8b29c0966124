package quota

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryRepository is an in-memory Repository for unit tests. Increment is
// performed under the mutex so it honors the same no-lost-updates contract
// as the SQL implementation.
type memoryRepository struct {
	mu     sync.Mutex
	quotas map[uuid.UUID]*UserQuota
	logs   []UsageLogEntry
	users  map[uuid.UUID][3]string // first, last, email
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{
		quotas: make(map[uuid.UUID]*UserQuota),
		users:  make(map[uuid.UUID][3]string),
	}
}

func (m *memoryRepository) GetOrCreate(_ context.Context, userID uuid.UUID, monthlyLimit, alertThreshold int) (*UserQuota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.quotas[userID]; ok {
		cp := *q
		return &cp, nil
	}
	now := time.Now()
	q := &UserQuota{
		UserID:          userID,
		MonthlyLimit:    monthlyLimit,
		CurrentUsage:    0,
		PeriodStartDate: time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()),
		IsActive:        true,
		AlertThreshold:  alertThreshold,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.quotas[userID] = q
	cp := *q
	return &cp, nil
}

func (m *memoryRepository) Get(_ context.Context, userID uuid.UUID) (*UserQuota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[userID]
	if !ok {
		return nil, nil
	}
	cp := *q
	return &cp, nil
}

func (m *memoryRepository) IncrementUsage(_ context.Context, userID uuid.UUID, tokens int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.quotas[userID]; ok {
		q.CurrentUsage += tokens
		q.UpdatedAt = time.Now()
	}
	return nil
}

func (m *memoryRepository) ResetPeriod(_ context.Context, userID uuid.UUID, periodStart time.Time) (*UserQuota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[userID]
	if !ok {
		return nil, nil
	}
	q.CurrentUsage = 0
	q.PeriodStartDate = periodStart
	q.UpdatedAt = time.Now()
	cp := *q
	return &cp, nil
}

func (m *memoryRepository) AdjustLimit(_ context.Context, userID uuid.UUID, monthlyLimit int) (*UserQuota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[userID]
	if !ok {
		return nil, nil
	}
	q.MonthlyLimit = monthlyLimit
	cp := *q
	return &cp, nil
}

func (m *memoryRepository) ToggleActive(_ context.Context, userID uuid.UUID, active bool) (*UserQuota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[userID]
	if !ok {
		return nil, nil
	}
	q.IsActive = active
	cp := *q
	return &cp, nil
}

func (m *memoryRepository) ResetAllOverdue(_ context.Context, periodStart time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	cutoff := periodStart.AddDate(0, 0, -30)
	for _, q := range m.quotas {
		if !q.PeriodStartDate.After(cutoff) {
			q.CurrentUsage = 0
			q.PeriodStartDate = periodStart
			count++
		}
	}
	return count, nil
}

func (m *memoryRepository) InsertUsageLog(_ context.Context, entry *UsageLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, *entry)
	return nil
}

func (m *memoryRepository) ListUsageLogs(_ context.Context, userID uuid.UUID, limit, offset int) ([]UsageLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matches []UsageLogEntry
	for i := len(m.logs) - 1; i >= 0; i-- {
		if m.logs[i].UserID == userID {
			matches = append(matches, m.logs[i])
		}
	}
	if offset >= len(matches) {
		return nil, nil
	}
	matches = matches[offset:]
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (m *memoryRepository) SumUsageSince(_ context.Context, userID uuid.UUID, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, e := range m.logs {
		if e.UserID == userID && (since.IsZero() || !e.Timestamp.Before(since)) {
			total += e.TotalTokens
		}
	}
	return total, nil
}

func (m *memoryRepository) DailyUsage(_ context.Context, userID uuid.UUID, since time.Time) ([]DailyUsageRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byDay := map[string]*DailyUsageRow{}
	var order []string
	for _, e := range m.logs {
		if e.UserID != userID || e.Timestamp.Before(since) {
			continue
		}
		day := e.Timestamp.Format("2006-01-02")
		row, ok := byDay[day]
		if !ok {
			row = &DailyUsageRow{Date: day}
			byDay[day] = row
			order = append(order, day)
		}
		row.TotalTokens += e.TotalTokens
		row.TotalCost += e.Cost
	}
	var out []DailyUsageRow
	for _, day := range order {
		out = append(out, *byDay[day])
	}
	return out, nil
}

func (m *memoryRepository) UsageByProvider(_ context.Context, userID uuid.UUID, since time.Time) ([]ProviderUsageRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byProvider := map[string]*ProviderUsageRow{}
	var order []string
	for _, e := range m.logs {
		if e.UserID != userID || e.Timestamp.Before(since) {
			continue
		}
		row, ok := byProvider[e.Provider]
		if !ok {
			row = &ProviderUsageRow{Provider: e.Provider}
			byProvider[e.Provider] = row
			order = append(order, e.Provider)
		}
		row.TotalTokens += e.TotalTokens
		row.TotalCost += e.Cost
		row.RequestCount++
	}
	var out []ProviderUsageRow
	for _, p := range order {
		out = append(out, *byProvider[p])
	}
	return out, nil
}

func (m *memoryRepository) UsageByRequestType(_ context.Context, userID uuid.UUID, since time.Time) ([]RequestTypeUsageRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byType := map[string]*RequestTypeUsageRow{}
	var order []string
	for _, e := range m.logs {
		if e.UserID != userID || e.Timestamp.Before(since) {
			continue
		}
		row, ok := byType[e.RequestType]
		if !ok {
			row = &RequestTypeUsageRow{RequestType: e.RequestType}
			byType[e.RequestType] = row
			order = append(order, e.RequestType)
		}
		row.TotalTokens += e.TotalTokens
		row.RequestCount++
	}
	var out []RequestTypeUsageRow
	for _, ty := range order {
		out = append(out, *byType[ty])
	}
	return out, nil
}

func (m *memoryRepository) ListNearLimit(_ context.Context) ([]NearLimitUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []NearLimitUser
	for id, q := range m.quotas {
		if !q.IsActive || q.MonthlyLimit <= 0 {
			continue
		}
		if float64(q.CurrentUsage)/float64(q.MonthlyLimit) < float64(q.AlertThreshold)/100.0 {
			continue
		}
		display := m.users[id]
		out = append(out, NearLimitUser{
			UserQuota: *q,
			FirstName: display[0],
			LastName:  display[1],
			Email:     display[2],
		})
	}
	return out, nil
}

func (m *memoryRepository) CountActive(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, q := range m.quotas {
		if q.IsActive {
			count++
		}
	}
	return count, nil
}

func (m *memoryRepository) SystemTotalsSince(_ context.Context, since time.Time) (int, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tokens := 0
	cost := 0.0
	for _, e := range m.logs {
		if !e.Timestamp.Before(since) {
			tokens += e.TotalTokens
			cost += e.Cost
		}
	}
	return tokens, cost, nil
}

func (m *memoryRepository) TopConsumersSince(_ context.Context, since time.Time, limit int) ([]TopConsumer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	totals := map[uuid.UUID]*TopConsumer{}
	for _, e := range m.logs {
		if e.Timestamp.Before(since) {
			continue
		}
		t, ok := totals[e.UserID]
		if !ok {
			display := m.users[e.UserID]
			t = &TopConsumer{UserID: e.UserID, FirstName: display[0], LastName: display[1]}
			totals[e.UserID] = t
		}
		t.TotalTokens += e.TotalTokens
		t.TotalCost += e.Cost
	}
	var out []TopConsumer
	for _, t := range totals {
		out = append(out, *t)
	}
	// Insertion-order stability is enough for tests; sort descending by tokens.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].TotalTokens > out[i].TotalTokens {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// addUser registers display fields for join-backed queries.
func (m *memoryRepository) addUser(id uuid.UUID, name, email string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	first, last := name, ""
	if i := strings.IndexByte(name, ' '); i >= 0 {
		first, last = name[:i], name[i+1:]
	}
	m.users[id] = [3]string{first, last, email}
}
