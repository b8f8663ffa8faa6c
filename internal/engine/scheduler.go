package engine

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"finova-engine/internal/config"
	"finova-engine/internal/domain"
	"finova-engine/internal/observability"
	"finova-engine/internal/rate"
)

// errTickSkip aborts a store mutation that turned out to be unnecessary,
// with no version bump and no error surfaced to the caller.
var errTickSkip = errors.New("tick skipped")

// Scheduler drives periodic accrual over every active session and the
// slower sweep that expires boosts and retries parked settlements.
//
// Sessions are processed by a bounded worker pool; a failure in one
// session never stops the pass, it only increments that session's
// failure count. A session whose count passes the configured threshold
// is quarantined for manual review.
type Scheduler struct {
	store    *Store
	accounts domain.AccountProvider
	stats    domain.NetworkStatsProvider
	cache    domain.SessionCache
	boosts   *BoostManager
	settler  *Settler
	history  domain.SettlementRepository
	notifier domain.Notifier
	clock    Clock
	cfg      *config.Config
	rates    rate.Config

	// lastTotalUsers carries the last successful network size reading
	// so a stats outage degrades to slightly stale phase data instead
	// of halting accrual.
	lastTotalUsers int64
	haveTotalUsers bool
}

func NewScheduler(
	store *Store,
	accounts domain.AccountProvider,
	stats domain.NetworkStatsProvider,
	cache domain.SessionCache,
	boosts *BoostManager,
	settler *Settler,
	history domain.SettlementRepository,
	notifier domain.Notifier,
	clock Clock,
	cfg *config.Config,
	rates rate.Config,
) *Scheduler {
	return &Scheduler{
		store:    store,
		accounts: accounts,
		stats:    stats,
		cache:    cache,
		boosts:   boosts,
		settler:  settler,
		history:  history,
		notifier: notifier,
		clock:    clock,
		cfg:      cfg,
		rates:    rates,
	}
}

// Run blocks until ctx is cancelled, firing accrual and sweep passes on
// their configured intervals.
func (sc *Scheduler) Run(ctx context.Context) {
	accrual := time.NewTicker(sc.cfg.AccrualInterval)
	defer accrual.Stop()
	sweep := time.NewTicker(sc.cfg.SweepInterval)
	defer sweep.Stop()

	observability.FromContext(ctx).Info("scheduler started",
		slog.Duration("accrual_interval", sc.cfg.AccrualInterval),
		slog.Duration("sweep_interval", sc.cfg.SweepInterval),
		slog.Int("workers", sc.cfg.Workers))

	for {
		select {
		case <-ctx.Done():
			observability.FromContext(ctx).Info("scheduler stopped")
			return
		case <-accrual.C:
			sc.AccrualPass(ctx)
		case <-sweep.C:
			sc.SweepPass(ctx)
		}
	}
}

// AccrualPass advances every active session's balance by the time
// elapsed since its last accrual.
func (sc *Scheduler) AccrualPass(ctx context.Context) {
	users, ok := sc.totalUsers(ctx)
	if !ok {
		return
	}

	ids := sc.store.ActiveUserIDs()
	if len(ids) == 0 {
		return
	}

	work := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < sc.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for userID := range work {
				sc.tickSession(ctx, userID, users)
			}
		}()
	}
	for _, id := range ids {
		work <- id
	}
	close(work)
	wg.Wait()
}

// SweepPass expires boosts and retries settlements parked in
// PendingRetry.
func (sc *Scheduler) SweepPass(ctx context.Context) {
	sc.boosts.Sweep(ctx)
	sc.retryParked(ctx)
}

// tickSession runs one accrual step for one user. Panics are contained
// to the session; any error counts against its failure budget.
func (sc *Scheduler) tickSession(ctx context.Context, userID string, totalUsers int64) {
	defer func() {
		if r := recover(); r != nil {
			observability.FromContext(ctx).Error("panic in accrual tick",
				slog.String("user_id", userID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			observability.AccrualFailures.WithLabelValues("panic").Inc()
			sc.recordFailure(ctx, userID)
		}
	}()

	timer := prometheus.NewTimer(observability.AccrualTickDuration)
	defer timer.ObserveDuration()

	// A stale snapshot only skews multipliers until the next pass, so a
	// provider outage falls back to the snapshot already on the session.
	snap, haveSnap := sc.freshSnapshot(ctx, userID)

	now := sc.clock.Now()
	capRemaining := sc.capRemaining(ctx, userID, rate.ResolvePhase(sc.rates, totalUsers).DailyCap, now)
	expired := false

	session, err := sc.store.Mutate(userID, func(s *domain.Session) error {
		if s.Status != domain.StatusActive {
			return errTickSkip
		}

		tickEnd := now
		if deadline := s.StartTime.Add(sc.cfg.SessionDuration); !tickEnd.Before(deadline) {
			// Accrual stops at the deadline even if the pass runs late.
			tickEnd = deadline
			expired = true
		}
		if err := accrue(s, tickEnd); err != nil {
			return err
		}
		if s.Accumulated > capRemaining {
			s.Accumulated = capRemaining
		}

		if haveSnap {
			s.Snapshot = snap
		}
		s.CurrentRate = computeRate(sc.rates, s, totalUsers, now)
		s.FailedTicks = 0
		if expired {
			// Freeze before settlement so nothing accrues past the
			// deadline while the ledger call is in flight.
			s.Status = domain.StatusStopping
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errTickSkip) || errors.Is(err, domain.ErrSessionNotFound) {
			return
		}
		var cerr *domain.ConsistencyError
		if errors.As(err, &cerr) {
			observability.AccrualFailures.WithLabelValues("consistency").Inc()
		} else {
			observability.AccrualFailures.WithLabelValues("tick").Inc()
		}
		observability.FromContext(ctx).Error("accrual tick failed",
			slog.String("user_id", userID), slog.Any("error", err))
		sc.recordFailure(ctx, userID)
		return
	}

	sc.saveToCache(ctx, &session)
	sc.notifier.Push(userID, "accrual", map[string]any{
		"sessionId":         session.ID,
		"currentRate":       session.CurrentRate,
		"accumulatedAmount": session.Accumulated,
	})

	if expired {
		if _, err := sc.settler.Settle(ctx, userID, ReasonExpired); err != nil {
			observability.FromContext(ctx).Error("failed to settle expired session",
				slog.String("user_id", userID), slog.Any("error", err))
		}
	}
}

// retryParked re-runs settlement for sessions whose ledger commit failed.
// Sessions that keep failing past the tick-failure budget are
// quarantined instead of retried forever.
func (sc *Scheduler) retryParked(ctx context.Context) {
	for _, userID := range sc.store.UserIDsByStatus(domain.StatusPendingRetry) {
		session, err := sc.store.Get(userID)
		if err != nil {
			continue
		}
		reason := ReasonStop
		if !sc.clock.Now().Before(session.StartTime.Add(sc.cfg.SessionDuration)) {
			reason = ReasonExpired
		}
		if _, err := sc.settler.Settle(ctx, userID, reason); err != nil {
			sc.recordFailure(ctx, userID)
		}
	}
}

// recordFailure bumps the session's consecutive failure count and
// quarantines it once the budget is spent.
func (sc *Scheduler) recordFailure(ctx context.Context, userID string) {
	quarantined := false
	session, err := sc.store.Mutate(userID, func(s *domain.Session) error {
		s.FailedTicks++
		if s.FailedTicks >= sc.cfg.MaxTickFailures {
			s.Status = domain.StatusManualReview
			quarantined = true
		}
		return nil
	})
	if err != nil {
		return
	}

	sc.saveToCache(ctx, &session)
	if quarantined {
		observability.SessionsQuarantined.Inc()
		sc.notifier.Push(userID, "session_quarantined", map[string]any{
			"sessionId": session.ID,
		})
		observability.FromContext(ctx).Error("session quarantined for manual review",
			slog.String("user_id", userID),
			slog.String("session_id", session.ID),
			slog.Int("failed_ticks", session.FailedTicks))
	}
}

// capRemaining is how much the session may still hold under the daily
// cap: the phase cap minus what the user settled in the trailing 24h.
// A history outage falls back to the phase cap alone; the next pass
// re-checks.
func (sc *Scheduler) capRemaining(ctx context.Context, userID string, dailyCap float64, now time.Time) float64 {
	settled, err := sc.history.SumSettledSince(ctx, userID, now.Add(-24*time.Hour))
	if err != nil {
		observability.FromContext(ctx).Debug("settlement history unavailable for daily cap",
			slog.String("user_id", userID), slog.Any("error", err))
		return dailyCap
	}
	if settled >= dailyCap {
		return 0
	}
	return dailyCap - settled
}

func (sc *Scheduler) freshSnapshot(ctx context.Context, userID string) (domain.AccountSnapshot, bool) {
	snap, err := sc.accounts.GetAccountSnapshot(ctx, userID)
	if err != nil {
		observability.FromContext(ctx).Debug("account snapshot refresh failed",
			slog.String("user_id", userID), slog.Any("error", err))
		return domain.AccountSnapshot{}, false
	}
	return snap, true
}

func (sc *Scheduler) totalUsers(ctx context.Context) (int64, bool) {
	users, err := sc.stats.TotalNetworkUsers(ctx)
	if err == nil {
		sc.lastTotalUsers = users
		sc.haveTotalUsers = true
		return users, true
	}
	if sc.haveTotalUsers {
		observability.FromContext(ctx).Warn("using stale network size",
			slog.Int64("total_users", sc.lastTotalUsers), slog.Any("error", err))
		return sc.lastTotalUsers, true
	}
	observability.FromContext(ctx).Warn("accrual pass skipped, network size unavailable",
		slog.Any("error", err))
	return 0, false
}

func (sc *Scheduler) saveToCache(ctx context.Context, session *domain.Session) {
	cctx, cancel := context.WithTimeout(ctx, sc.cfg.CacheTimeout)
	defer cancel()
	if err := sc.cache.Save(cctx, session); err != nil {
		observability.FromContext(ctx).Warn("session cache save failed",
			slog.String("user_id", session.UserID), slog.Any("error", err))
	}
}
