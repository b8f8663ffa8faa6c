package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"finova-engine/internal/domain"
)

// SettlementRepository implements domain.SettlementRepository for
// PostgreSQL. Every settlement writes two things atomically: the
// immutable settlement row and the user's lifetime mining totals.
type SettlementRepository struct {
	db      *sql.DB
	tx      *TxManager
	sumStmt *sql.Stmt
}

// NewSettlementRepository creates a new PostgreSQL settlement repository
// with prepared statements. Returns an error if statement preparation
// fails.
func NewSettlementRepository(db *sql.DB) (*SettlementRepository, error) {
	repo := &SettlementRepository{db: db, tx: NewTxManager(db)}

	var err error
	repo.sumStmt, err = db.Prepare(`
		SELECT COALESCE(SUM(amount), 0)
		FROM settlements
		WHERE user_id = $1 AND settled_at >= $2
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare sum statement: %w", err)
	}

	return repo, nil
}

// Record persists a settlement and rolls it into the user's lifetime
// totals in one transaction. A repeated record for the same session is a
// no-op, so a retried settlement never double-counts.
func (r *SettlementRepository) Record(ctx context.Context, record *domain.SettlementRecord) error {
	err := r.tx.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO settlements (session_id, user_id, amount, xp_gained, rp_gained, reason, transaction_ref, started_at, settled_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`,
			record.SessionID,
			record.UserID,
			record.Amount,
			record.XPGained,
			record.RPGained,
			record.Reason,
			record.TransactionRef,
			record.StartedAt,
			record.SettledAt,
		)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO mining_totals (user_id, total_mined, sessions_settled, updated_at)
			VALUES ($1, $2, 1, $3)
			ON CONFLICT (user_id) DO UPDATE SET
				total_mined = mining_totals.total_mined + EXCLUDED.total_mined,
				sessions_settled = mining_totals.sessions_settled + 1,
				updated_at = EXCLUDED.updated_at
		`,
			record.UserID,
			record.Amount,
			record.SettledAt,
		)
		return err
	})
	if err != nil {
		if IsUniqueViolation(err, "settlements_session_id_key") {
			return nil
		}
		return fmt.Errorf("failed to record settlement: %w", err)
	}
	return nil
}

// SumSettledSince returns the total amount the user settled at or after
// the given instant, which feeds the daily-cap eligibility check.
func (r *SettlementRepository) SumSettledSince(ctx context.Context, userID string, since time.Time) (float64, error) {
	var sum float64
	if err := r.sumStmt.QueryRowContext(ctx, userID, since).Scan(&sum); err != nil {
		return 0, fmt.Errorf("failed to sum settlements: %w", err)
	}
	return sum, nil
}

// Close releases the prepared statements.
func (r *SettlementRepository) Close() error {
	return r.sumStmt.Close()
}
