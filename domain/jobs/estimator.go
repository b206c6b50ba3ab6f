package jobs

import (
	"math"

	"github.com/phraseforge/phraseforge/internal/config"
)

// Model profiles trade cost against normalization quality. The factor
// scales the token estimate.
const (
	ProfileEconomy  = "economy"
	ProfileBalanced = "balanced"
	ProfileThorough = "thorough"
)

var profileFactors = map[string]float64{
	ProfileEconomy:  1.00,
	ProfileBalanced: 1.10,
	ProfileThorough: 1.30,
}

// ValidProfile reports whether the profile name is known.
func ValidProfile(profile string) bool {
	_, ok := profileFactors[profile]
	return ok
}

// Estimate is the up-front cost prediction for a job.
type Estimate struct {
	Tokens  int64
	Credits int64
}

// Estimator converts page counts to token and credit estimates.
type Estimator struct {
	cfg config.CreditsConfig
}

// NewEstimator creates an Estimator.
func NewEstimator(cfg config.CreditsConfig) *Estimator {
	return &Estimator{cfg: cfg}
}

// Estimate prices a document. Tokens scale linearly with pages and the
// profile factor; credits apply the per-kilo-token rate plus the safety
// multiplier so reservations rarely under-cover the actual cost.
func (e *Estimator) Estimate(pageCount int, profile string) Estimate {
	factor, ok := profileFactors[profile]
	if !ok {
		factor = profileFactors[ProfileBalanced]
	}

	tokens := int64(math.Round(float64(pageCount) * float64(e.cfg.TokensPerPage) * factor))
	credits := CreditsForTokens(tokens, e.cfg.RatePerKiloTokens, e.cfg.SafetyMultiplier)

	return Estimate{Tokens: tokens, Credits: credits}
}

// Rate is the credits-per-kilo-token rate in effect.
func (e *Estimator) Rate() float64 {
	return e.cfg.RatePerKiloTokens
}

// CreditsForTokens converts tokens to credits at the given rate and
// multiplier, rounding half away from zero.
func CreditsForTokens(tokens int64, ratePerKilo, multiplier float64) int64 {
	return int64(math.Round(float64(tokens) / 1000.0 * ratePerKilo * multiplier))
}
