package domain

import "time"

// Boost is a time-boxed multiplicative rate effect, typically granted by
// a consumable card. Non-stackable boosts of the same category replace
// each other instead of multiplying.
type Boost struct {
	ID           string    `json:"id"`
	Category     string    `json:"category"`
	Multiplier   float64   `json:"multiplier"`
	AppliesFrom  time.Time `json:"appliesFrom"`
	AppliesUntil time.Time `json:"appliesUntil"`
	Stackable    bool      `json:"stackable"`
	Source       string    `json:"source"`
}

// ActiveAt reports whether the boost applies at the given instant.
// A boost whose window has closed (AppliesUntil <= now) never applies.
func (b Boost) ActiveAt(now time.Time) bool {
	return !now.Before(b.AppliesFrom) && now.Before(b.AppliesUntil)
}

// BoostSpec describes a boost to be applied to a session. Duration is
// measured from the moment of application.
type BoostSpec struct {
	Category   string        `json:"category"`
	Multiplier float64       `json:"multiplier"`
	Duration   time.Duration `json:"duration"`
	Stackable  bool          `json:"stackable"`
	Source     string        `json:"source"`
}

// Validate rejects malformed specs before they reach a session.
func (spec BoostSpec) Validate() error {
	if spec.Category == "" {
		return ErrInvalidInput
	}
	if spec.Multiplier <= 0 {
		return ErrInvalidInput
	}
	if spec.Duration <= 0 {
		return ErrInvalidInput
	}
	return nil
}

// CardSpec returns the boost granted by a named consumable card, or
// false for an unknown card type.
func CardSpec(cardType string) (BoostSpec, bool) {
	switch cardType {
	case "double_mining":
		return BoostSpec{Category: "mining", Multiplier: 2.0, Duration: 24 * time.Hour, Source: cardType}, true
	case "triple_mining":
		return BoostSpec{Category: "mining", Multiplier: 3.0, Duration: 12 * time.Hour, Source: cardType}, true
	case "mining_frenzy":
		return BoostSpec{Category: "mining", Multiplier: 5.0, Duration: 4 * time.Hour, Source: cardType}, true
	default:
		return BoostSpec{}, false
	}
}
