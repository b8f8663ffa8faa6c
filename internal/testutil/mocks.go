// Package testutil provides shared test utilities, mocks, and fixtures
// for testing the finova-engine application.
package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"finova-engine/internal/domain"
)

// Common test errors
var (
	ErrMockNotImplemented = errors.New("mock function not implemented")
	ErrMockUnavailable    = errors.New("mock: unavailable")
)

// MockAccountProvider implements domain.AccountProvider for testing
type MockAccountProvider struct {
	mu sync.RWMutex

	// Function override - set this to customize behavior
	GetAccountSnapshotFunc func(ctx context.Context, userID string) (domain.AccountSnapshot, error)

	// In-memory storage for simple tests
	Snapshots map[string]domain.AccountSnapshot
}

// NewMockAccountProvider creates a new MockAccountProvider with initialized maps
func NewMockAccountProvider() *MockAccountProvider {
	return &MockAccountProvider{
		Snapshots: make(map[string]domain.AccountSnapshot),
	}
}

func (m *MockAccountProvider) SetSnapshot(userID string, snap domain.AccountSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Snapshots[userID] = snap
}

func (m *MockAccountProvider) GetAccountSnapshot(ctx context.Context, userID string) (domain.AccountSnapshot, error) {
	if m.GetAccountSnapshotFunc != nil {
		return m.GetAccountSnapshotFunc(ctx, userID)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if snap, ok := m.Snapshots[userID]; ok {
		return snap, nil
	}
	// Unknown users default to an eligible account.
	return domain.AccountSnapshot{KYCVerified: true}, nil
}

// MockNetworkStats implements domain.NetworkStatsProvider for testing
type MockNetworkStats struct {
	mu sync.RWMutex

	TotalNetworkUsersFunc func(ctx context.Context) (int64, error)

	Total int64
}

func NewMockNetworkStats(total int64) *MockNetworkStats {
	return &MockNetworkStats{Total: total}
}

func (m *MockNetworkStats) SetTotal(total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Total = total
}

func (m *MockNetworkStats) TotalNetworkUsers(ctx context.Context) (int64, error) {
	if m.TotalNetworkUsersFunc != nil {
		return m.TotalNetworkUsersFunc(ctx)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Total, nil
}

// MockHumanScore implements domain.HumanScoreProvider for testing
type MockHumanScore struct {
	mu sync.RWMutex

	GetHumanScoreFunc func(ctx context.Context, userID string) (float64, error)

	Scores map[string]float64
}

func NewMockHumanScore() *MockHumanScore {
	return &MockHumanScore{Scores: make(map[string]float64)}
}

func (m *MockHumanScore) SetScore(userID string, score float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Scores[userID] = score
}

func (m *MockHumanScore) GetHumanScore(ctx context.Context, userID string) (float64, error) {
	if m.GetHumanScoreFunc != nil {
		return m.GetHumanScoreFunc(ctx, userID)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if score, ok := m.Scores[userID]; ok {
		return score, nil
	}
	// Unknown users default to clearly human.
	return 1.0, nil
}

// MockLedger implements domain.Ledger for testing. By default every
// commit succeeds and is recorded; repeated commits with the same
// idempotency key return the original reference.
type MockLedger struct {
	mu sync.Mutex

	CommitFunc func(ctx context.Context, commit domain.LedgerCommit) (string, error)

	Commits []domain.LedgerCommit
	refs    map[string]string
}

func NewMockLedger() *MockLedger {
	return &MockLedger{refs: make(map[string]string)}
}

func (m *MockLedger) Commit(ctx context.Context, commit domain.LedgerCommit) (string, error) {
	if m.CommitFunc != nil {
		return m.CommitFunc(ctx, commit)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if ref, ok := m.refs[commit.IdempotencyKey]; ok {
		return ref, nil
	}
	ref := "txn-" + commit.IdempotencyKey
	m.refs[commit.IdempotencyKey] = ref
	m.Commits = append(m.Commits, commit)
	return ref, nil
}

// CommitCount returns the number of distinct commits accepted
func (m *MockLedger) CommitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Commits)
}

// MockSessionCache implements domain.SessionCache for testing
type MockSessionCache struct {
	mu sync.RWMutex

	SaveFunc    func(ctx context.Context, session *domain.Session) error
	LoadFunc    func(ctx context.Context, userID string) (*domain.Session, error)
	DeleteFunc  func(ctx context.Context, userID string) error
	LoadAllFunc func(ctx context.Context) ([]*domain.Session, error)

	Sessions map[string]*domain.Session
}

func NewMockSessionCache() *MockSessionCache {
	return &MockSessionCache{Sessions: make(map[string]*domain.Session)}
}

func (m *MockSessionCache) Save(ctx context.Context, session *domain.Session) error {
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, session)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := session.Clone()
	m.Sessions[session.UserID] = &clone
	return nil
}

func (m *MockSessionCache) Load(ctx context.Context, userID string) (*domain.Session, error) {
	if m.LoadFunc != nil {
		return m.LoadFunc(ctx, userID)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if s, ok := m.Sessions[userID]; ok {
		clone := s.Clone()
		return &clone, nil
	}
	return nil, domain.ErrSessionNotFound
}

func (m *MockSessionCache) Delete(ctx context.Context, userID string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, userID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Sessions, userID)
	return nil
}

func (m *MockSessionCache) LoadAll(ctx context.Context) ([]*domain.Session, error) {
	if m.LoadAllFunc != nil {
		return m.LoadAllFunc(ctx)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*domain.Session, 0, len(m.Sessions))
	for _, s := range m.Sessions {
		clone := s.Clone()
		out = append(out, &clone)
	}
	return out, nil
}

// MockSettlementRepository implements domain.SettlementRepository for testing
type MockSettlementRepository struct {
	mu sync.RWMutex

	RecordFunc          func(ctx context.Context, record *domain.SettlementRecord) error
	SumSettledSinceFunc func(ctx context.Context, userID string, since time.Time) (float64, error)

	Records []domain.SettlementRecord
}

func NewMockSettlementRepository() *MockSettlementRepository {
	return &MockSettlementRepository{}
}

func (m *MockSettlementRepository) Record(ctx context.Context, record *domain.SettlementRecord) error {
	if m.RecordFunc != nil {
		return m.RecordFunc(ctx, record)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Records = append(m.Records, *record)
	return nil
}

func (m *MockSettlementRepository) SumSettledSince(ctx context.Context, userID string, since time.Time) (float64, error) {
	if m.SumSettledSinceFunc != nil {
		return m.SumSettledSinceFunc(ctx, userID, since)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum float64
	for _, r := range m.Records {
		if r.UserID == userID && !r.SettledAt.Before(since) {
			sum += r.Amount
		}
	}
	return sum, nil
}

// RecordCount returns the number of stored settlement records
func (m *MockSettlementRepository) RecordCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.Records)
}

// PushedEvent is one notification captured by MockNotifier
type PushedEvent struct {
	UserID  string
	Event   string
	Payload any
}

// MockNotifier implements domain.Notifier for testing, capturing every push
type MockNotifier struct {
	mu sync.Mutex

	PushFunc func(userID, event string, payload any)

	Events []PushedEvent
}

func NewMockNotifier() *MockNotifier {
	return &MockNotifier{}
}

func (m *MockNotifier) Push(userID, event string, payload any) {
	if m.PushFunc != nil {
		m.PushFunc(userID, event, payload)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, PushedEvent{UserID: userID, Event: event, Payload: payload})
}

// EventsNamed returns the captured events with the given name
func (m *MockNotifier) EventsNamed(event string) []PushedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []PushedEvent
	for _, e := range m.Events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// FakeClock is a manually advanced clock for deterministic time-based tests
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a FakeClock starting at the given instant
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to the given instant
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
