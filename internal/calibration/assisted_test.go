package calibration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLargestGapTarget(t *testing.T) {
	t.Run("no calibrations returns default", func(t *testing.T) {
		assert.Equal(t, AssistedDefaultTarget, LargestGapTarget(nil, AssistedPercentEpsilon))
	})

	t.Run("midpoint of largest combined gap", func(t *testing.T) {
		calibrations := []ShadeCalibration{
			{Anchors: []Anchor{{0, 0}, {20, 2000}, {100, 65535}}},
			{Anchors: []Anchor{{0, 0}, {60, 4000}, {100, 65535}}},
		}
		// Combined percent points are 0, 20, 60, 100; the largest gap is
		// 20-60, so the wizard should aim at 40.
		assert.Equal(t, 40, LargestGapTarget(calibrations, AssistedPercentEpsilon))
	})

	t.Run("nearby points coalesce", func(t *testing.T) {
		calibrations := []ShadeCalibration{
			{Anchors: []Anchor{{0, 0}, {50, 30000}, {100, 65535}}},
			{Anchors: []Anchor{{0, 10}, {51, 31000}, {100, 65535}}},
		}
		// 50 and 51 collapse into one point; both halves tie at 50 so the
		// first gap wins.
		assert.Equal(t, 25, LargestGapTarget(calibrations, AssistedPercentEpsilon))
	})
}

func TestApplyAssistedAnchor(t *testing.T) {
	base := ShadeCalibration{Anchors: []Anchor{{0, 0}, {100, 65535}}}

	t.Run("inserts new anchor in order", func(t *testing.T) {
		anchors, changed, err := ApplyAssistedAnchor(base, 40, 20000, AssistedPercentEpsilon, AssistedRawEpsilon)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, []Anchor{{0, 0}, {40, 20000}, {100, 65535}}, anchors)
	})

	t.Run("updates anchor within percent epsilon", func(t *testing.T) {
		cal := ShadeCalibration{Anchors: []Anchor{{0, 0}, {40, 20000}, {100, 65535}}}
		anchors, changed, err := ApplyAssistedAnchor(cal, 41, 21000, AssistedPercentEpsilon, AssistedRawEpsilon)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, []Anchor{{0, 0}, {40, 21000}, {100, 65535}}, anchors)
	})

	t.Run("no change when raw within epsilon", func(t *testing.T) {
		cal := ShadeCalibration{Anchors: []Anchor{{0, 0}, {40, 20000}, {100, 65535}}}
		anchors, changed, err := ApplyAssistedAnchor(cal, 40, 20003, AssistedPercentEpsilon, AssistedRawEpsilon)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, cal.Anchors, anchors)
	})

	t.Run("rejects readings that break monotonicity", func(t *testing.T) {
		cal := ShadeCalibration{Anchors: []Anchor{{0, 0}, {40, 20000}, {100, 65535}}}
		_, _, err := ApplyAssistedAnchor(cal, 60, 10000, AssistedPercentEpsilon, AssistedRawEpsilon)
		assertCalibrationCode(t, err, ErrCodeRawMonotonic)
	})
}
