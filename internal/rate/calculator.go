// Package rate computes the composite hourly accrual rate for a mining
// session. Compute is a pure function of its inputs so every published
// rate can be reproduced for audit.
package rate

import (
	"math"
	"time"

	"finova-engine/internal/domain"
)

// Inputs gathers everything the calculator reads.
type Inputs struct {
	Snapshot   domain.AccountSnapshot
	Boosts     []domain.Boost
	TotalUsers int64
	Quality    float64 // 0 means unavailable; the neutral default applies
	Now        time.Time
}

// Breakdown carries the final rate along with each contributing factor,
// mirroring what gets reported back to clients.
type Breakdown struct {
	Base       float64 `json:"base"`
	Pioneer    float64 `json:"pioneer"`
	Referral   float64 `json:"referral"`
	Security   float64 `json:"security"`
	Regression float64 `json:"regression"`
	XP         float64 `json:"xp"`
	RP         float64 `json:"rp"`
	Staking    float64 `json:"staking"`
	Boost      float64 `json:"boost"`
	Quality    float64 `json:"quality"`
	Phase      string  `json:"phase"`
	Final      float64 `json:"final"`
}

// Compute derives the hourly rate as a multiplicative chain clamped to
// [MinRate, MaxRate]. It has no side effects.
func Compute(cfg Config, in Inputs) Breakdown {
	phase := ResolvePhase(cfg, in.TotalUsers)

	b := Breakdown{
		Base:       phase.BaseRate,
		Pioneer:    pioneerBonus(cfg, in.TotalUsers),
		Referral:   1.0 + float64(in.Snapshot.ActiveReferrals)*cfg.ReferralCoefficient,
		Security:   securityBonus(cfg, in.Snapshot.KYCVerified),
		Regression: regressionFactor(cfg, in.Snapshot.TotalHoldings),
		XP:         1.0 + float64(in.Snapshot.XPLevel)*cfg.XPCoefficient,
		RP:         rpMultiplier(cfg, in.Snapshot.RPTier),
		Staking:    stakingMultiplier(cfg, in.Snapshot.StakedAmount),
		Boost:      BoostProduct(in.Boosts, in.Now),
		Quality:    clampQuality(cfg, in.Quality),
		Phase:      phase.Name,
	}

	rate := b.Base * b.Pioneer * b.Referral * b.Security * b.Regression *
		b.XP * b.RP * b.Staking * b.Boost * b.Quality

	b.Final = clamp(rate, cfg.MinRate, cfg.MaxRate)
	return b
}

// pioneerBonus decays toward 1.0 as the network grows and never drops
// below it.
func pioneerBonus(cfg Config, totalUsers int64) float64 {
	return math.Max(1.0, cfg.PioneerCeiling-float64(totalUsers)/cfg.PioneerDenominator)
}

func securityBonus(cfg Config, kycVerified bool) float64 {
	if kycVerified {
		return cfg.KYCBonus
	}
	return cfg.NonKYCPenalty
}

// regressionFactor is the anti-concentration exponential decay against
// large holdings, strictly in (0, 1] and floored to keep whales mining
// at a token rate rather than zero.
func regressionFactor(cfg Config, totalHoldings float64) float64 {
	return math.Max(cfg.RegressionFloor, math.Exp(-cfg.RegressionCoefficient*totalHoldings))
}

func rpMultiplier(cfg Config, tier int) float64 {
	if tier < 0 || tier >= len(cfg.RPTierMultipliers) {
		return cfg.RPTierMultipliers[0]
	}
	return cfg.RPTierMultipliers[tier]
}

func stakingMultiplier(cfg Config, staked float64) float64 {
	// Tiers are ordered highest threshold first.
	for _, t := range cfg.StakingTiers {
		if staked >= t.MinStaked {
			return t.Multiplier
		}
	}
	return 1.0
}

// BoostProduct multiplies every boost applying at the given instant.
// Non-stackable boosts in the same category replace rather than multiply:
// only the most recently applied one counts.
func BoostProduct(boosts []domain.Boost, now time.Time) float64 {
	product := 1.0
	latest := make(map[string]domain.Boost)

	for _, b := range boosts {
		if !b.ActiveAt(now) {
			continue
		}
		if b.Stackable {
			product *= b.Multiplier
			continue
		}
		cur, ok := latest[b.Category]
		if !ok || b.AppliesFrom.After(cur.AppliesFrom) {
			latest[b.Category] = b
		}
	}

	for _, b := range latest {
		product *= b.Multiplier
	}
	return product
}

func clampQuality(cfg Config, q float64) float64 {
	if q == 0 {
		return cfg.QualityDefault
	}
	return clamp(q, cfg.QualityMin, cfg.QualityMax)
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
