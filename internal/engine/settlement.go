package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"

	"finova-engine/internal/config"
	"finova-engine/internal/domain"
	"finova-engine/internal/observability"
)

// Settlement reasons recorded with every finalized session.
const (
	ReasonStop       = "stop"
	ReasonClaim      = "claim"
	ReasonExpired    = "expired"
	ReasonDisconnect = "disconnect"
)

// sideRewardWindow bounds how many trailing activity events feed the
// XP side reward.
const sideRewardWindow = 10

// Settler drives a session from a live status to a terminal one: it
// freezes accrual, commits the balance to the external ledger and
// records the immutable settlement.
//
// The ledger call runs outside any session lock. The session version is
// captured before the call and checked when finalizing, so a concurrent
// mutation cannot be silently overwritten; the ledger's idempotency key
// (the session ID) makes a repeated commit harmless.
type Settler struct {
	store    *Store
	ledger   domain.Ledger
	history  domain.SettlementRepository
	cache    domain.SessionCache
	notifier domain.Notifier
	clock    Clock
	cfg      *config.Config
}

func NewSettler(
	store *Store,
	ledger domain.Ledger,
	history domain.SettlementRepository,
	cache domain.SessionCache,
	notifier domain.Notifier,
	clock Clock,
	cfg *config.Config,
) *Settler {
	return &Settler{
		store:    store,
		ledger:   ledger,
		history:  history,
		cache:    cache,
		notifier: notifier,
		clock:    clock,
		cfg:      cfg,
	}
}

// Settle finalizes the user's session for the given reason and returns
// the settlement record. A session already in PendingRetry is picked up
// where the previous attempt left off. When every commit attempt fails
// the session is parked in PendingRetry for the scheduler to retry; a
// session that keeps failing is quarantined by the scheduler.
func (sl *Settler) Settle(ctx context.Context, userID, reason string) (domain.SettlementRecord, error) {
	now := sl.clock.Now()

	// Freeze the session: accrue the final partial interval and stop
	// further accrual by leaving the Active status.
	session, err := sl.store.Mutate(userID, func(s *domain.Session) error {
		switch s.Status {
		case domain.StatusActive:
			cutoff := now
			if deadline := s.StartTime.Add(sl.cfg.SessionDuration); cutoff.After(deadline) {
				// Nothing accrues past the session deadline, even when
				// the stop arrives late.
				cutoff = deadline
			}
			if err := accrue(s, cutoff); err != nil {
				return err
			}
		case domain.StatusPendingRetry, domain.StatusStopping:
			// Frozen by a previous attempt; amount is already final.
		case domain.StatusManualReview:
			return domain.ErrQuarantined
		default:
			return domain.ErrSessionNotActive
		}
		s.Status = domain.StatusStopping
		return nil
	})
	if err != nil {
		return domain.SettlementRecord{}, err
	}

	log := observability.FromContext(ctx).With(
		slog.String("user_id", userID),
		slog.String("session_id", session.ID),
		slog.String("reason", reason))

	ref, err := sl.commitWithRetry(ctx, domain.LedgerCommit{
		SessionID:      session.ID,
		UserID:         userID,
		Amount:         session.Accumulated,
		IdempotencyKey: session.ID,
	})
	if err != nil {
		observability.SettlementsTotal.WithLabelValues(reason, "failure").Inc()
		if _, merr := sl.store.Mutate(userID, func(s *domain.Session) error {
			s.Status = domain.StatusPendingRetry
			return nil
		}); merr != nil {
			log.Error("failed to park session for retry", slog.Any("error", merr))
		}
		log.Error("ledger commit failed, settlement parked", slog.Any("error", err))
		sl.notifier.Push(userID, "settlement_retrying", map[string]any{
			"sessionId": session.ID,
			"reason":    reason,
		})
		return domain.SettlementRecord{}, err
	}

	xp, rp := sideRewards(&session, sl.cfg.RPShare)
	record := domain.SettlementRecord{
		SessionID:      session.ID,
		UserID:         userID,
		Amount:         session.Accumulated,
		XPGained:       xp,
		RPGained:       rp,
		Reason:         reason,
		TransactionRef: ref,
		StartedAt:      session.StartTime,
		SettledAt:      now,
	}

	final := domain.StatusSettled
	if reason == ReasonExpired {
		final = domain.StatusExpired
	}
	if err := sl.finalize(ctx, userID, session.Version, final); err != nil {
		log.Error("failed to finalize settled session", slog.Any("error", err))
	}

	if err := sl.history.Record(ctx, &record); err != nil {
		// The ledger commit already succeeded; the record can be
		// reconstructed from the transaction reference.
		log.Error("failed to record settlement", slog.Any("error", err))
	}

	cctx, cancel := context.WithTimeout(ctx, sl.cfg.CacheTimeout)
	if err := sl.cache.Delete(cctx, userID); err != nil {
		log.Warn("failed to evict session from cache", slog.Any("error", err))
	}
	cancel()
	sl.store.Remove(userID)

	observability.SettlementsTotal.WithLabelValues(reason, "success").Inc()
	sl.notifier.Push(userID, "session_settled", map[string]any{
		"sessionId":      record.SessionID,
		"amount":         record.Amount,
		"xpGained":       record.XPGained,
		"rpGained":       record.RPGained,
		"reason":         record.Reason,
		"transactionRef": record.TransactionRef,
	})
	log.Info("session settled",
		slog.Float64("amount", record.Amount),
		slog.String("transaction_ref", record.TransactionRef))

	return record, nil
}

// finalize flips the frozen session to its terminal status and zeroes the
// balance. The version check catches a concurrent mutation between the
// freeze and the ledger commit; because nothing mutates a Stopping
// session, a conflict is unexpected and retried unconditionally.
func (sl *Settler) finalize(ctx context.Context, userID string, expectedVersion int64, final domain.Status) error {
	done := func(s *domain.Session) error {
		s.Status = final
		s.Accumulated = 0
		return nil
	}
	_, err := sl.store.Apply(userID, expectedVersion, done)
	if errors.Is(err, domain.ErrVersionConflict) {
		observability.FromContext(ctx).Warn("version conflict finalizing settlement",
			slog.String("user_id", userID))
		_, err = sl.store.Mutate(userID, done)
	}
	return err
}

func (sl *Settler) commitWithRetry(ctx context.Context, commit domain.LedgerCommit) (string, error) {
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(sl.cfg.SettlementBackoff)),
		uint64(sl.cfg.MaxSettlementAttempts-1),
	), ctx)

	attempt := 0
	return backoff.RetryWithData(func() (string, error) {
		attempt++
		if attempt > 1 {
			observability.SettlementRetries.Inc()
		}
		timer := prometheus.NewTimer(observability.LedgerCommitDuration)
		ref, err := sl.ledger.Commit(ctx, commit)
		timer.ObserveDuration()
		if err != nil && !domain.IsTransient(err) {
			return "", backoff.Permanent(err)
		}
		return ref, err
	}, policy)
}

// sideRewards derives the XP and RP granted at settlement from the
// session's trailing activity, each event weighted by its quality score.
func sideRewards(s *domain.Session, rpShare float64) (xp, rp float64) {
	events := s.Activity
	if len(events) > sideRewardWindow {
		events = events[len(events)-sideRewardWindow:]
	}
	for _, ev := range events {
		q := ev.Quality
		if q == 0 {
			q = 1.0
		}
		xp += ev.Points * q
	}
	return xp, xp * rpShare
}

// accrue advances the session balance to now at its current rate. A
// negative interval means the clock moved backwards and is a
// consistency fault.
func accrue(s *domain.Session, now time.Time) error {
	elapsed := now.Sub(s.LastAccrualTime)
	if elapsed < 0 {
		return &domain.ConsistencyError{
			SessionID: s.ID,
			Detail:    "accrual interval is negative",
		}
	}
	s.Accumulated += s.CurrentRate * elapsed.Hours()
	s.LastAccrualTime = now
	return nil
}
