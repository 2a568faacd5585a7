package video

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShortSourceGetsMildFactor(t *testing.T) {
	// 10 minute source
	params := SelectParams(InputVideo{Duration: 600}, 0)
	require.Equal(t, float64(MinSpeedFactor), params.SpeedFactor)
	require.LessOrEqual(t, params.OutputDurationSecs(600), float64(MaxOutputSecs))
}

func TestLongSourceGetsAggressiveFactor(t *testing.T) {
	// 10 hour source
	longParams := SelectParams(InputVideo{Duration: 36000}, 0)
	shortParams := SelectParams(InputVideo{Duration: 600}, 0)

	require.Greater(t, longParams.SpeedFactor, shortParams.SpeedFactor)
	require.LessOrEqual(t, longParams.SpeedFactor, float64(MaxSpeedFactor))
	require.LessOrEqual(t, longParams.OutputDurationSecs(36000), float64(MaxOutputSecs))
}

func TestOutputLengthBoundWinsOverFactorCap(t *testing.T) {
	// 100 hour source would exceed MaxOutputSecs at the capped factor
	params := SelectParams(InputVideo{Duration: 360000}, 0)
	require.Greater(t, params.SpeedFactor, float64(MaxSpeedFactor))
	require.InDelta(t, float64(MaxOutputSecs), params.OutputDurationSecs(360000), 0.01)
}

func TestOutputNeverCollapsesBelowMinimumFrames(t *testing.T) {
	// 90 second source: at the minimum factor the output would be 9s = 270
	// frames, still above the floor
	params := SelectParams(InputVideo{Duration: 90}, 0)
	frames := params.OutputDurationSecs(90) * params.FrameRate
	require.GreaterOrEqual(t, frames, float64(MinOutputFrames))

	// 30 second source would collapse below the floor at factor 10
	params = SelectParams(InputVideo{Duration: 30}, 0)
	frames = params.OutputDurationSecs(30) * params.FrameRate
	require.InDelta(t, float64(MinOutputFrames), frames, 1)
	require.GreaterOrEqual(t, params.SpeedFactor, float64(1))
}

func TestUnknownDurationFallsBackToMinimumFactor(t *testing.T) {
	params := SelectParams(InputVideo{}, 0)
	require.Equal(t, float64(MinSpeedFactor), params.SpeedFactor)
	require.Equal(t, float64(OutputFPS), params.FrameRate)
}

func TestCustomTargetLength(t *testing.T) {
	// 1 hour source aimed at a 1 minute output
	params := SelectParams(InputVideo{Duration: 3600}, 60)
	require.Equal(t, float64(60), params.SpeedFactor)
	require.InDelta(t, 60, params.OutputDurationSecs(3600), 0.01)
}
