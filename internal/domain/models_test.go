package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateTargetAllocation(t *testing.T) {
	assert.NoError(t, ValidateTargetAllocation(nil))
	assert.NoError(t, ValidateTargetAllocation(map[string]float64{}))
	assert.NoError(t, ValidateTargetAllocation(map[string]float64{"BTC": 60, "ETH": 30, "USDC": 10}))

	// Tolerance of 0.01 on the sum.
	assert.NoError(t, ValidateTargetAllocation(map[string]float64{"BTC": 33.33, "ETH": 33.33, "USDC": 33.34}))

	err := ValidateTargetAllocation(map[string]float64{"BTC": 60, "ETH": 30})
	assert.True(t, IsKind(err, KindValidation))

	err = ValidateTargetAllocation(map[string]float64{"BTC": 110, "ETH": -10})
	assert.True(t, IsKind(err, KindValidation))
}

func TestRecommendationStatusTransitions(t *testing.T) {
	assert.True(t, RecommendationPending.CanTransitionTo(RecommendationApproved))
	assert.True(t, RecommendationPending.CanTransitionTo(RecommendationRejected))
	assert.True(t, RecommendationApproved.CanTransitionTo(RecommendationExecuted))

	assert.False(t, RecommendationPending.CanTransitionTo(RecommendationExecuted))
	assert.False(t, RecommendationRejected.CanTransitionTo(RecommendationApproved))
	assert.False(t, RecommendationExecuted.CanTransitionTo(RecommendationPending))
	assert.False(t, RecommendationApproved.CanTransitionTo(RecommendationRejected))
}

func TestErrorKinds(t *testing.T) {
	err := NotFoundf("account %s not found", "abc")
	assert.True(t, IsKind(err, KindNotFound))
	assert.Equal(t, KindNotFound, KindOf(err))

	wrapped := Wrap(KindTransient, "request failed", errors.New("connection reset"))
	assert.True(t, IsKind(wrapped, KindTransient))
	assert.Contains(t, wrapped.Error(), "connection reset")

	plain := errors.New("plain")
	assert.Equal(t, KindInternal, KindOf(plain))
	assert.False(t, IsKind(plain, KindNotFound))

	v := Validationf("target_allocation", "sum must be 100")
	assert.Equal(t, "target_allocation", v.Field)
}
