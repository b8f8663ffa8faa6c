package domain

import (
	"time"
)

// Status is the lifecycle state of a mining session.
type Status string

const (
	StatusActive       Status = "active"
	StatusStopping     Status = "stopping"
	StatusPendingRetry Status = "pending_retry"
	StatusManualReview Status = "manual_review"
	StatusSettled      Status = "settled"
	StatusExpired      Status = "expired"
)

// Live reports whether the status counts against the one-session-per-user
// constraint. Settled, Expired and ManualReview sessions do not.
func (s Status) Live() bool {
	return s == StatusActive || s == StatusStopping || s == StatusPendingRetry
}

// Terminal reports whether the session has reached a final state.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusExpired || s == StatusManualReview
}

// Session represents one user's active reward-accrual period.
//
// CurrentRate is always derived from (Snapshot, Boosts, phase); it is
// recomputed on any input change and never mutated directly. Accumulated
// only grows while the session is active and resets to zero at the moment
// a ledger commit is confirmed. Version increments on every mutation.
type Session struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId"`
	StartTime       time.Time       `json:"startTime"`
	LastAccrualTime time.Time       `json:"lastAccrualTime"`
	Snapshot        AccountSnapshot `json:"accountSnapshot"`
	CurrentRate     float64         `json:"currentRate"`
	Accumulated     float64         `json:"accumulatedAmount"`
	Boosts          []Boost         `json:"boosts"`
	Activity        []ActivityEvent `json:"activityLog,omitempty"`
	Status          Status          `json:"status"`
	Version         int64           `json:"version"`

	// FailedTicks counts consecutive scheduler-tick failures. Sessions
	// exceeding the configured threshold are quarantined.
	FailedTicks int `json:"failedTicks,omitempty"`
}

// ActivityEvent is one quality-weighted activity record kept in the
// session's bounded activity log. Quality 0 means the external scorer
// did not supply a value and the neutral default applies.
type ActivityEvent struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Points     float64   `json:"points"`
	Quality    float64   `json:"quality"`
	OccurredAt time.Time `json:"occurredAt"`
}

// MaxActivityLog bounds the session activity ring buffer.
const MaxActivityLog = 50

// RecordActivity appends an event, dropping the oldest entry once the
// log is full.
func (s *Session) RecordActivity(ev ActivityEvent) {
	s.Activity = append(s.Activity, ev)
	if len(s.Activity) > MaxActivityLog {
		s.Activity = s.Activity[len(s.Activity)-MaxActivityLog:]
	}
}

// LatestQuality returns the quality score of the most recent activity
// event, or the neutral 1.0 when no scored event exists.
func (s *Session) LatestQuality() float64 {
	for i := len(s.Activity) - 1; i >= 0; i-- {
		if q := s.Activity[i].Quality; q > 0 {
			return q
		}
	}
	return 1.0
}

// Clone returns a deep copy so readers never observe a partially
// mutated session.
func (s *Session) Clone() Session {
	out := *s
	out.Boosts = append([]Boost(nil), s.Boosts...)
	out.Activity = append([]ActivityEvent(nil), s.Activity...)
	return out
}

// SettlementRecord is the immutable result of finalizing a session.
type SettlementRecord struct {
	SessionID      string    `json:"sessionId"`
	UserID         string    `json:"userId"`
	Amount         float64   `json:"amount"`
	XPGained       float64   `json:"xpGained"`
	RPGained       float64   `json:"rpGained"`
	Reason         string    `json:"reason"`
	TransactionRef string    `json:"transactionRef"`
	StartedAt      time.Time `json:"startedAt"`
	SettledAt      time.Time `json:"settledAt"`
}
