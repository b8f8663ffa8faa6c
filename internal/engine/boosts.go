package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"finova-engine/internal/domain"
	"finova-engine/internal/observability"
	"finova-engine/internal/rate"
)

// BoostManager applies time-boxed rate boosts to live sessions and sweeps
// out expired ones. Every change goes through the session store so the
// published rate is recomputed in the same mutation that alters the
// boost set.
type BoostManager struct {
	store    *Store
	stats    domain.NetworkStatsProvider
	cache    domain.SessionCache
	notifier domain.Notifier
	clock    Clock
	rates    rate.Config

	cacheTimeout time.Duration
}

func NewBoostManager(
	store *Store,
	stats domain.NetworkStatsProvider,
	cache domain.SessionCache,
	notifier domain.Notifier,
	clock Clock,
	rates rate.Config,
	cacheTimeout time.Duration,
) *BoostManager {
	return &BoostManager{
		store:        store,
		stats:        stats,
		cache:        cache,
		notifier:     notifier,
		clock:        clock,
		rates:        rates,
		cacheTimeout: cacheTimeout,
	}
}

// Apply attaches the boost described by spec to the user's active session
// and recomputes its rate. A non-stackable boost replaces any existing
// boost in the same category; the replaced boost is discarded rather
// than queued.
func (m *BoostManager) Apply(ctx context.Context, userID string, spec domain.BoostSpec) (domain.Session, error) {
	if err := spec.Validate(); err != nil {
		return domain.Session{}, err
	}

	users, err := m.stats.TotalNetworkUsers(ctx)
	if err != nil {
		return domain.Session{}, domain.Transient("network stats", err)
	}

	now := m.clock.Now()
	boost := domain.Boost{
		ID:           uuid.New().String(),
		Category:     spec.Category,
		Multiplier:   spec.Multiplier,
		AppliesFrom:  now,
		AppliesUntil: now.Add(spec.Duration),
		Stackable:    spec.Stackable,
		Source:       spec.Source,
	}

	session, err := m.store.Mutate(userID, func(s *domain.Session) error {
		switch s.Status {
		case domain.StatusActive:
		case domain.StatusManualReview:
			return domain.ErrQuarantined
		default:
			return domain.ErrSessionNotActive
		}

		if !boost.Stackable {
			kept := s.Boosts[:0]
			for _, b := range s.Boosts {
				if !b.Stackable && b.Category == boost.Category {
					continue
				}
				kept = append(kept, b)
			}
			s.Boosts = kept
		}
		s.Boosts = append(s.Boosts, boost)
		s.CurrentRate = computeRate(m.rates, s, users, now)
		return nil
	})
	if err != nil {
		return domain.Session{}, err
	}

	observability.BoostsApplied.WithLabelValues(boost.Category).Inc()
	m.saveToCache(ctx, &session)
	m.notifier.Push(userID, "boost_applied", map[string]any{
		"boostId":    boost.ID,
		"category":   boost.Category,
		"multiplier": boost.Multiplier,
		"expiresAt":  boost.AppliesUntil,
		"newRate":    session.CurrentRate,
	})

	observability.FromContext(ctx).Info("boost applied",
		slog.String("user_id", userID),
		slog.String("category", boost.Category),
		slog.Float64("multiplier", boost.Multiplier),
		slog.Float64("new_rate", session.CurrentRate))

	return session, nil
}

// Sweep removes boosts whose window has closed from every active session
// and recomputes the affected rates. It runs on the scheduler's sweep
// cadence; between sweeps an expired boost already contributes nothing
// because the rate calculator ignores it.
func (m *BoostManager) Sweep(ctx context.Context) {
	users, err := m.stats.TotalNetworkUsers(ctx)
	if err != nil {
		observability.FromContext(ctx).Warn("boost sweep skipped", slog.Any("error", err))
		return
	}

	now := m.clock.Now()
	for _, userID := range m.store.ActiveUserIDs() {
		var expired []domain.Boost
		session, err := m.store.Mutate(userID, func(s *domain.Session) error {
			if s.Status != domain.StatusActive {
				return errTickSkip
			}
			kept := s.Boosts[:0]
			for _, b := range s.Boosts {
				if !b.AppliesUntil.After(now) {
					expired = append(expired, b)
					continue
				}
				kept = append(kept, b)
			}
			if len(expired) == 0 {
				return errTickSkip
			}
			s.Boosts = kept
			s.CurrentRate = computeRate(m.rates, s, users, now)
			return nil
		})
		if err != nil {
			if !errors.Is(err, errTickSkip) && !errors.Is(err, domain.ErrSessionNotFound) {
				observability.FromContext(ctx).Warn("boost sweep failed",
					slog.String("user_id", userID), slog.Any("error", err))
			}
			continue
		}

		observability.BoostsExpired.Add(float64(len(expired)))
		m.saveToCache(ctx, &session)
		for _, b := range expired {
			m.notifier.Push(userID, "boost_expired", map[string]any{
				"boostId":  b.ID,
				"category": b.Category,
				"newRate":  session.CurrentRate,
			})
		}
	}
}

func (m *BoostManager) saveToCache(ctx context.Context, session *domain.Session) {
	cctx, cancel := context.WithTimeout(ctx, m.cacheTimeout)
	defer cancel()
	if err := m.cache.Save(cctx, session); err != nil {
		observability.FromContext(ctx).Warn("session cache save failed",
			slog.String("user_id", session.UserID), slog.Any("error", err))
	}
}

// computeRate derives the session's hourly rate from its current inputs.
func computeRate(cfg rate.Config, s *domain.Session, totalUsers int64, now time.Time) float64 {
	return rate.Compute(cfg, rate.Inputs{
		Snapshot:   s.Snapshot,
		Boosts:     s.Boosts,
		TotalUsers: totalUsers,
		Quality:    s.LatestQuality(),
		Now:        now,
	}).Final
}
