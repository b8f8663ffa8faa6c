package engine

import (
	"context"
	"fmt"
	"time"

	"finova-engine/internal/domain"
	"finova-engine/internal/rate"
)

// Gate decides whether a user may start accruing rewards. Checks run in a
// fixed order and the first failure wins: KYC, suspension, human score,
// daily cap. Infrastructure failures during a check surface as transient
// errors rather than a denial, so an outage in a provider never reads as
// "not eligible" to the caller.
type Gate struct {
	humans  domain.HumanScoreProvider
	history domain.SettlementRepository
	clock   Clock
	rates   rate.Config

	threshold float64
}

func NewGate(
	humans domain.HumanScoreProvider,
	history domain.SettlementRepository,
	clock Clock,
	rates rate.Config,
	threshold float64,
) *Gate {
	return &Gate{
		humans:    humans,
		history:   history,
		clock:     clock,
		rates:     rates,
		threshold: threshold,
	}
}

// CheckStart validates session-start eligibility against the given
// account snapshot and current network size.
func (g *Gate) CheckStart(ctx context.Context, userID string, snap domain.AccountSnapshot, totalUsers int64) error {
	if err := g.checkIdentity(ctx, userID, snap); err != nil {
		return err
	}

	phase := rate.ResolvePhase(g.rates, totalUsers)
	settled, err := g.history.SumSettledSince(ctx, userID, g.clock.Now().Add(-24*time.Hour))
	if err != nil {
		return domain.Transient("settlement history", err)
	}
	if settled >= phase.DailyCap {
		return &domain.EligibilityError{
			Code:   domain.ReasonDailyCapReached,
			Detail: fmt.Sprintf("%.4f settled in the last 24h, cap %.4f", settled, phase.DailyCap),
		}
	}

	return nil
}

// CheckClaim validates that the user may settle via claim. The identity
// checks from CheckStart apply; the daily cap does not, since a claim
// at the cap only moves an already-accrued balance to the ledger.
func (g *Gate) CheckClaim(ctx context.Context, userID string, snap domain.AccountSnapshot) error {
	return g.checkIdentity(ctx, userID, snap)
}

func (g *Gate) checkIdentity(ctx context.Context, userID string, snap domain.AccountSnapshot) error {
	if !snap.KYCVerified {
		return &domain.EligibilityError{Code: domain.ReasonKYCRequired}
	}
	if snap.Suspended {
		return &domain.EligibilityError{Code: domain.ReasonSuspended}
	}

	score, err := g.humans.GetHumanScore(ctx, userID)
	if err != nil {
		return domain.Transient("human score", err)
	}
	if score < g.threshold {
		return &domain.EligibilityError{
			Code:   domain.ReasonLowHumanScore,
			Detail: fmt.Sprintf("score %.2f below threshold %.2f", score, g.threshold),
		}
	}
	return nil
}
