package rate

// Phase describes one network growth phase. Phases are resolved from the
// total registered user count and control the base rate and daily cap.
type Phase struct {
	Name     string
	MaxUsers int64
	BaseRate float64
	DailyCap float64
}

// StakingTier maps a minimum staked amount to a rate multiplier.
type StakingTier struct {
	MinStaked  float64
	Multiplier float64
}

// Config holds the token-economics policy values. They are inputs to the
// engine, not decisions it makes; defaults mirror the launch economy.
type Config struct {
	Phases []Phase

	PioneerCeiling     float64
	PioneerDenominator float64

	ReferralCoefficient float64

	KYCBonus      float64
	NonKYCPenalty float64

	RegressionCoefficient float64
	RegressionFloor       float64

	XPCoefficient     float64
	RPTierMultipliers []float64

	StakingTiers []StakingTier

	QualityMin     float64
	QualityMax     float64
	QualityDefault float64

	MinRate float64
	MaxRate float64
}

// DefaultConfig returns the launch economy parameters.
func DefaultConfig() Config {
	return Config{
		Phases: []Phase{
			{Name: "finizen", MaxUsers: 100_000, BaseRate: 0.1, DailyCap: 4.8},
			{Name: "growth", MaxUsers: 1_000_000, BaseRate: 0.05, DailyCap: 1.8},
			{Name: "maturity", MaxUsers: 10_000_000, BaseRate: 0.025, DailyCap: 0.72},
			{Name: "stability", MaxUsers: 0, BaseRate: 0.01, DailyCap: 0.24},
		},
		PioneerCeiling:        2.0,
		PioneerDenominator:    1_000_000,
		ReferralCoefficient:   0.1,
		KYCBonus:              1.2,
		NonKYCPenalty:         0.8,
		RegressionCoefficient: 0.001,
		RegressionFloor:       0.0001,
		XPCoefficient:         0.01,
		RPTierMultipliers:     []float64{1.0, 1.2, 1.5, 2.0, 3.0},
		StakingTiers: []StakingTier{
			{MinStaked: 10_000, Multiplier: 2.0},
			{MinStaked: 5_000, Multiplier: 1.75},
			{MinStaked: 1_000, Multiplier: 1.5},
			{MinStaked: 500, Multiplier: 1.35},
			{MinStaked: 100, Multiplier: 1.2},
		},
		QualityMin:     0.5,
		QualityMax:     2.0,
		QualityDefault: 1.0,
		MinRate:        0.0,
		MaxRate:        10.0,
	}
}

// ResolvePhase returns the phase for the given network size. The last
// configured phase is open-ended (MaxUsers 0).
func ResolvePhase(cfg Config, totalUsers int64) Phase {
	for _, p := range cfg.Phases {
		if p.MaxUsers == 0 || totalUsers < p.MaxUsers {
			return p
		}
	}
	return cfg.Phases[len(cfg.Phases)-1]
}
