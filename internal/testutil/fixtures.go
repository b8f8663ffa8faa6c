package testutil

import (
	"fmt"
	"sync/atomic"
	"time"

	"finova-engine/internal/domain"
)

// Counter for generating unique IDs
var idCounter atomic.Int64

// nextID generates a unique ID for test fixtures
func nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, idCounter.Add(1))
}

// SessionOptions allows customizing session fixture creation
type SessionOptions struct {
	ID          string
	UserID      string
	StartTime   time.Time
	Snapshot    domain.AccountSnapshot
	CurrentRate float64
	Accumulated float64
	Boosts      []domain.Boost
	Status      domain.Status
}

// NewTestSession creates an active test session with sensible defaults.
// Pass options to override specific fields
func NewTestSession(opts ...func(*SessionOptions)) *domain.Session {
	o := &SessionOptions{
		ID:          nextID("session"),
		UserID:      nextID("user"),
		StartTime:   time.Now(),
		Snapshot:    EligibleSnapshot(),
		CurrentRate: 0.1,
		Status:      domain.StatusActive,
	}

	for _, opt := range opts {
		opt(o)
	}

	return &domain.Session{
		ID:              o.ID,
		UserID:          o.UserID,
		StartTime:       o.StartTime,
		LastAccrualTime: o.StartTime,
		Snapshot:        o.Snapshot,
		CurrentRate:     o.CurrentRate,
		Accumulated:     o.Accumulated,
		Boosts:          o.Boosts,
		Status:          o.Status,
		Version:         1,
	}
}

// Session option functions

// WithSessionID sets the session ID
func WithSessionID(id string) func(*SessionOptions) {
	return func(o *SessionOptions) {
		o.ID = id
	}
}

// WithUserID sets the owning user ID
func WithUserID(userID string) func(*SessionOptions) {
	return func(o *SessionOptions) {
		o.UserID = userID
	}
}

// WithStartTime sets the session start (and last accrual) time
func WithStartTime(t time.Time) func(*SessionOptions) {
	return func(o *SessionOptions) {
		o.StartTime = t
	}
}

// WithSnapshot sets the account snapshot
func WithSnapshot(snap domain.AccountSnapshot) func(*SessionOptions) {
	return func(o *SessionOptions) {
		o.Snapshot = snap
	}
}

// WithRate sets the current hourly rate
func WithRate(rate float64) func(*SessionOptions) {
	return func(o *SessionOptions) {
		o.CurrentRate = rate
	}
}

// WithAccumulated sets the accumulated balance
func WithAccumulated(amount float64) func(*SessionOptions) {
	return func(o *SessionOptions) {
		o.Accumulated = amount
	}
}

// WithBoosts sets the active boosts
func WithBoosts(boosts ...domain.Boost) func(*SessionOptions) {
	return func(o *SessionOptions) {
		o.Boosts = boosts
	}
}

// WithStatus sets the session status
func WithStatus(status domain.Status) func(*SessionOptions) {
	return func(o *SessionOptions) {
		o.Status = status
	}
}

// EligibleSnapshot returns an account snapshot that passes every
// eligibility check with neutral rate multipliers
func EligibleSnapshot() domain.AccountSnapshot {
	return domain.AccountSnapshot{
		XPLevel:     0,
		RPTier:      0,
		KYCVerified: true,
	}
}

// NewTestBoost creates an active boost fixture
func NewTestBoost(category string, multiplier float64, from time.Time, duration time.Duration) domain.Boost {
	return domain.Boost{
		ID:           nextID("boost"),
		Category:     category,
		Multiplier:   multiplier,
		AppliesFrom:  from,
		AppliesUntil: from.Add(duration),
		Source:       "test",
	}
}

// NewTestActivity creates an activity event fixture
func NewTestActivity(kind string, points, quality float64, at time.Time) domain.ActivityEvent {
	return domain.ActivityEvent{
		ID:         nextID("activity"),
		Kind:       kind,
		Points:     points,
		Quality:    quality,
		OccurredAt: at,
	}
}
