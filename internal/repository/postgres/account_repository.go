package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"finova-engine/internal/domain"
)

// ErrAccountNotFound is returned when no account row exists for a user.
var ErrAccountNotFound = errors.New("account not found")

// AccountRepository reads account state maintained by the wider platform.
// It implements domain.AccountProvider, domain.NetworkStatsProvider and
// domain.HumanScoreProvider; this subsystem never writes to it.
type AccountRepository struct {
	db             *sql.DB
	snapshotStmt   *sql.Stmt
	humanScoreStmt *sql.Stmt
	countStmt      *sql.Stmt
}

// NewAccountRepository creates a new PostgreSQL account repository with
// prepared statements. Returns an error if statement preparation fails.
func NewAccountRepository(db *sql.DB) (*AccountRepository, error) {
	repo := &AccountRepository{db: db}

	var err error
	repo.snapshotStmt, err = db.Prepare(`
		SELECT xp_level, rp_tier, staked_amount, total_holdings, kyc_verified, active_referrals, suspended
		FROM accounts
		WHERE user_id = $1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare snapshot statement: %w", err)
	}

	repo.humanScoreStmt, err = db.Prepare(`
		SELECT human_score FROM accounts WHERE user_id = $1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare humanScore statement: %w", err)
	}

	repo.countStmt, err = db.Prepare(`SELECT COUNT(*) FROM accounts`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare count statement: %w", err)
	}

	return repo, nil
}

// GetAccountSnapshot reads the rate-relevant account fields for a user.
func (r *AccountRepository) GetAccountSnapshot(ctx context.Context, userID string) (domain.AccountSnapshot, error) {
	var snap domain.AccountSnapshot
	err := r.snapshotStmt.QueryRowContext(ctx, userID).Scan(
		&snap.XPLevel,
		&snap.RPTier,
		&snap.StakedAmount,
		&snap.TotalHoldings,
		&snap.KYCVerified,
		&snap.ActiveReferrals,
		&snap.Suspended,
	)
	if err == sql.ErrNoRows {
		return domain.AccountSnapshot{}, ErrAccountNotFound
	}
	if err != nil {
		return domain.AccountSnapshot{}, fmt.Errorf("failed to load account snapshot: %w", err)
	}
	return snap, nil
}

// GetHumanScore reads the anti-bot score for a user.
func (r *AccountRepository) GetHumanScore(ctx context.Context, userID string) (float64, error) {
	var score float64
	err := r.humanScoreStmt.QueryRowContext(ctx, userID).Scan(&score)
	if err == sql.ErrNoRows {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load human score: %w", err)
	}
	return score, nil
}

// TotalNetworkUsers counts every registered account, which drives the
// network phase and pioneer bonus.
func (r *AccountRepository) TotalNetworkUsers(ctx context.Context) (int64, error) {
	var count int64
	if err := r.countStmt.QueryRowContext(ctx).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count accounts: %w", err)
	}
	return count, nil
}

// Close releases the prepared statements.
func (r *AccountRepository) Close() error {
	var firstErr error
	for _, stmt := range []*sql.Stmt{r.snapshotStmt, r.humanScoreStmt, r.countStmt} {
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
