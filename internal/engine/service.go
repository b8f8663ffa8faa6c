package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"finova-engine/internal/config"
	"finova-engine/internal/domain"
	"finova-engine/internal/observability"
	"finova-engine/internal/rate"
)

// Service is the command facade over the mining engine: session start,
// stop, claim, status, boost application and activity recording. It owns
// no state of its own; everything lives in the session store and its
// cache mirror.
type Service struct {
	store    *Store
	gate     *Gate
	boosts   *BoostManager
	settler  *Settler
	accounts domain.AccountProvider
	stats    domain.NetworkStatsProvider
	cache    domain.SessionCache
	notifier domain.Notifier
	clock    Clock
	cfg      *config.Config
	rates    rate.Config
}

func NewService(
	store *Store,
	gate *Gate,
	boosts *BoostManager,
	settler *Settler,
	accounts domain.AccountProvider,
	stats domain.NetworkStatsProvider,
	cache domain.SessionCache,
	notifier domain.Notifier,
	clock Clock,
	cfg *config.Config,
	rates rate.Config,
) *Service {
	return &Service{
		store:    store,
		gate:     gate,
		boosts:   boosts,
		settler:  settler,
		accounts: accounts,
		stats:    stats,
		cache:    cache,
		notifier: notifier,
		clock:    clock,
		cfg:      cfg,
		rates:    rates,
	}
}

// Start begins a mining session for the user. Starting while a live
// session exists returns that session together with ErrSessionExists,
// so repeated starts are idempotent rather than an error page.
func (s *Service) Start(ctx context.Context, userID string) (domain.Session, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.Session{}, domain.ErrInvalidInput
	}

	if existing, err := s.store.Get(userID); err == nil && existing.Status.Live() {
		return existing, domain.ErrSessionExists
	}

	snap, err := s.accounts.GetAccountSnapshot(ctx, userID)
	if err != nil {
		return domain.Session{}, domain.Transient("account snapshot", err)
	}
	users, err := s.stats.TotalNetworkUsers(ctx)
	if err != nil {
		return domain.Session{}, domain.Transient("network stats", err)
	}
	if err := s.gate.CheckStart(ctx, userID, snap, users); err != nil {
		return domain.Session{}, err
	}

	now := s.clock.Now()
	session := &domain.Session{
		ID:              uuid.New().String(),
		UserID:          userID,
		StartTime:       now,
		LastAccrualTime: now,
		Snapshot:        snap,
		Status:          domain.StatusActive,
		Version:         1,
	}
	session.CurrentRate = computeRate(s.rates, session, users, now)

	if err := s.store.Put(session); err != nil {
		if errors.Is(err, domain.ErrSessionExists) {
			// Lost the race to a concurrent start; hand back the winner.
			if existing, getErr := s.store.Get(userID); getErr == nil {
				return existing, domain.ErrSessionExists
			}
		}
		return domain.Session{}, err
	}

	s.saveToCache(ctx, session)
	s.notifier.Push(userID, "session_started", map[string]any{
		"sessionId":   session.ID,
		"currentRate": session.CurrentRate,
		"startTime":   session.StartTime,
	})
	observability.FromContext(ctx).Info("mining session started",
		slog.String("user_id", userID),
		slog.String("session_id", session.ID),
		slog.Float64("rate", session.CurrentRate))

	return session.Clone(), nil
}

// Stop ends the user's session and settles the accumulated balance.
func (s *Service) Stop(ctx context.Context, userID string) (domain.SettlementRecord, error) {
	return s.settler.Settle(ctx, userID, ReasonStop)
}

// Disconnect settles the session of a subscriber whose connection
// dropped, when the engine is configured to do so.
func (s *Service) Disconnect(ctx context.Context, userID string) {
	if !s.cfg.SettleOnDisconnect {
		return
	}
	if _, err := s.settler.Settle(ctx, userID, ReasonDisconnect); err != nil &&
		!errors.Is(err, domain.ErrSessionNotFound) && !errors.Is(err, domain.ErrSessionNotActive) {
		observability.FromContext(ctx).Error("failed to settle on disconnect",
			slog.String("user_id", userID), slog.Any("error", err))
	}
}

// Claim settles the session like Stop and, when configured, immediately
// starts a fresh session so mining continues across the claim. A user
// whose standing lapsed mid-session (KYC revoked, suspended, human
// score below threshold) is denied; the session and its balance stay
// put for the operator.
func (s *Service) Claim(ctx context.Context, userID string) (domain.SettlementRecord, *domain.Session, error) {
	if _, err := s.store.Get(userID); err != nil {
		return domain.SettlementRecord{}, nil, err
	}
	snap, err := s.accounts.GetAccountSnapshot(ctx, userID)
	if err != nil {
		return domain.SettlementRecord{}, nil, domain.Transient("account snapshot", err)
	}
	if err := s.gate.CheckClaim(ctx, userID, snap); err != nil {
		return domain.SettlementRecord{}, nil, err
	}

	record, err := s.settler.Settle(ctx, userID, ReasonClaim)
	if err != nil {
		return domain.SettlementRecord{}, nil, err
	}
	if !s.cfg.RestartOnClaim {
		return record, nil, nil
	}

	next, err := s.Start(ctx, userID)
	if err != nil {
		// The claim itself succeeded; a failed restart is reported but
		// does not undo it.
		observability.FromContext(ctx).Warn("failed to restart session after claim",
			slog.String("user_id", userID), slog.Any("error", err))
		return record, nil, nil
	}
	return record, &next, nil
}

// ApplyBoost applies the named consumable card to the user's session.
func (s *Service) ApplyBoost(ctx context.Context, userID, cardType string) (domain.Session, error) {
	spec, ok := domain.CardSpec(cardType)
	if !ok {
		return domain.Session{}, domain.ErrInvalidInput
	}
	return s.boosts.Apply(ctx, userID, spec)
}

// ApplyBoostSpec applies an arbitrary boost, for boosts granted by the
// wider platform that do not correspond to a consumable card.
func (s *Service) ApplyBoostSpec(ctx context.Context, userID string, spec domain.BoostSpec) (domain.Session, error) {
	return s.boosts.Apply(ctx, userID, spec)
}

// Status returns a point-in-time view of the user's session with the
// balance projected forward to now, without mutating stored state.
func (s *Service) Status(ctx context.Context, userID string) (domain.Session, error) {
	session, err := s.store.Get(userID)
	if err != nil {
		return domain.Session{}, err
	}
	if session.Status == domain.StatusActive {
		if elapsed := s.clock.Now().Sub(session.LastAccrualTime); elapsed > 0 {
			session.Accumulated += session.CurrentRate * elapsed.Hours()
		}
	}
	return session, nil
}

// RecordActivity appends a quality-scored activity event to the user's
// session log and refreshes the rate, since the event's quality score
// feeds the quality multiplier.
func (s *Service) RecordActivity(ctx context.Context, userID string, ev domain.ActivityEvent) (domain.Session, error) {
	if ev.Kind == "" {
		return domain.Session{}, domain.ErrInvalidInput
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.clock.Now()
	}

	users, err := s.stats.TotalNetworkUsers(ctx)
	if err != nil {
		return domain.Session{}, domain.Transient("network stats", err)
	}

	now := s.clock.Now()
	session, err := s.store.Mutate(userID, func(sess *domain.Session) error {
		if sess.Status != domain.StatusActive {
			return domain.ErrSessionNotActive
		}
		sess.RecordActivity(ev)
		sess.CurrentRate = computeRate(s.rates, sess, users, now)
		return nil
	})
	if err != nil {
		return domain.Session{}, err
	}

	s.saveToCache(ctx, &session)
	return session, nil
}

// Restore rehydrates the store from the cache mirror after a restart.
func (s *Service) Restore(ctx context.Context) error {
	sessions, err := s.cache.LoadAll(ctx)
	if err != nil {
		return domain.Transient("cache load", err)
	}
	restored, err := s.store.Restore(sessions)
	if err != nil {
		return err
	}
	observability.FromContext(ctx).Info("sessions restored from cache",
		slog.Int("restored", restored),
		slog.Int("cached", len(sessions)))
	return nil
}

func (s *Service) saveToCache(ctx context.Context, session *domain.Session) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CacheTimeout)
	defer cancel()
	if err := s.cache.Save(cctx, session); err != nil {
		observability.FromContext(ctx).Warn("session cache save failed",
			slog.String("user_id", session.UserID), slog.Any("error", err))
	}
}
