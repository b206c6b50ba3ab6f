package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/phraseforge/phraseforge/internal/config"
)

func testEstimator() *Estimator {
	return NewEstimator(config.CreditsConfig{
		TokensPerPage:     500,
		RatePerKiloTokens: 1.0,
		SafetyMultiplier:  1.10,
	})
}

func TestEstimate_BalancedTwentyPages(t *testing.T) {
	est := testEstimator().Estimate(20, ProfileBalanced)

	// 20 pages x 500 tokens x 1.10 = 11000 tokens.
	assert.Equal(t, int64(11000), est.Tokens)
	// 11000/1000 x 1.0 x 1.10 = 12.1, rounded to 12 credits.
	assert.Equal(t, int64(12), est.Credits)
}

func TestEstimate_Profiles(t *testing.T) {
	e := testEstimator()

	economy := e.Estimate(100, ProfileEconomy)
	balanced := e.Estimate(100, ProfileBalanced)
	thorough := e.Estimate(100, ProfileThorough)

	assert.Equal(t, int64(50000), economy.Tokens)
	assert.Equal(t, int64(55000), balanced.Tokens)
	assert.Equal(t, int64(65000), thorough.Tokens)
	assert.Less(t, economy.Credits, thorough.Credits)
}

func TestEstimate_UnknownProfileFallsBackToBalanced(t *testing.T) {
	e := testEstimator()
	assert.Equal(t, e.Estimate(20, ProfileBalanced), e.Estimate(20, "turbo"))
}

func TestEstimate_ZeroPages(t *testing.T) {
	est := testEstimator().Estimate(0, ProfileBalanced)
	assert.Zero(t, est.Tokens)
	assert.Zero(t, est.Credits)
}

func TestActualCreditsFor_NoSafetyPadding(t *testing.T) {
	job := &Job{PricingRate: 1.0}
	assert.Equal(t, int64(11), job.ActualCreditsFor(11000))
	assert.Equal(t, int64(0), job.ActualCreditsFor(400))
	assert.Equal(t, int64(1), job.ActualCreditsFor(500))
}

func TestActualCreditsFor_UsesStoredRate(t *testing.T) {
	// The rate is snapshotted at reserve time; later pricing changes in
	// config must not affect what the user is charged.
	job := &Job{PricingRate: 2.0}
	assert.Equal(t, int64(22), job.ActualCreditsFor(11000))
}

func TestValidProfile(t *testing.T) {
	assert.True(t, ValidProfile(ProfileEconomy))
	assert.True(t, ValidProfile(ProfileBalanced))
	assert.True(t, ValidProfile(ProfileThorough))
	assert.False(t, ValidProfile(""))
	assert.False(t, ValidProfile("turbo"))
}
