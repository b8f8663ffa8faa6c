package domain

import (
	"context"
	"time"
)

// AccountSnapshot is an immutable-per-read view of the account fields the
// rate calculator needs. It is supplied by an external provider and never
// mutated by this subsystem.
type AccountSnapshot struct {
	XPLevel         int     `json:"xpLevel"`
	RPTier          int     `json:"rpTier"`
	StakedAmount    float64 `json:"stakedAmount"`
	TotalHoldings   float64 `json:"totalHoldings"`
	KYCVerified     bool    `json:"kycVerified"`
	ActiveReferrals int     `json:"activeReferrals"`
	Suspended       bool    `json:"suspended"`
}

// AccountProvider supplies account snapshots for rate computation.
type AccountProvider interface {
	GetAccountSnapshot(ctx context.Context, userID string) (AccountSnapshot, error)
}

// NetworkStatsProvider reports the total registered user count, which
// drives the network phase and the pioneer bonus.
type NetworkStatsProvider interface {
	TotalNetworkUsers(ctx context.Context) (int64, error)
}

// HumanScoreProvider supplies the anti-bot human-likelihood score in [0, 1].
type HumanScoreProvider interface {
	GetHumanScore(ctx context.Context, userID string) (float64, error)
}

// LedgerCommit is a request to finalize a settled balance externally.
// IdempotencyKey makes the commit safe to repeat.
type LedgerCommit struct {
	SessionID      string  `json:"sessionId"`
	UserID         string  `json:"userId"`
	Amount         float64 `json:"amount"`
	IdempotencyKey string  `json:"idempotencyKey"`
}

// Ledger commits settled balances. Implementations must treat a repeated
// commit with the same idempotency key as a no-op returning the original
// transaction reference.
type Ledger interface {
	Commit(ctx context.Context, commit LedgerCommit) (transactionRef string, err error)
}

// SessionCache mirrors live sessions into a recoverable store so the
// engine can rehydrate after a restart.
type SessionCache interface {
	Save(ctx context.Context, session *Session) error
	Load(ctx context.Context, userID string) (*Session, error)
	Delete(ctx context.Context, userID string) error
	LoadAll(ctx context.Context) ([]*Session, error)
}

// SettlementRepository persists immutable settlement records and answers
// daily-cap queries.
type SettlementRepository interface {
	Record(ctx context.Context, record *SettlementRecord) error
	SumSettledSince(ctx context.Context, userID string, since time.Time) (float64, error)
}

// Notifier pushes events to interested subscribers. Pushes are best
// effort and must never block engine progress.
type Notifier interface {
	Push(userID, event string, payload any)
}
