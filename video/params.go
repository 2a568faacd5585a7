package video

const (
	// DefaultTargetOutputSecs is the output length the speed factor aims for.
	DefaultTargetOutputSecs = 150
	// MaxOutputSecs is the hard upper bound on output length; the factor is
	// raised above MaxSpeedFactor if needed to honor it.
	MaxOutputSecs = 600
	// MinSpeedFactor keeps short sources from producing a near-realtime
	// "timelapse".
	MinSpeedFactor = 10
	// MaxSpeedFactor is the soft cap for very long sources.
	MaxSpeedFactor = 400
	// MinOutputFrames keeps the output from collapsing to a handful of frames.
	MinOutputFrames = 240
	// OutputFPS is the frame rate every chunk is resampled to. Uniform across
	// chunks so that concatenation in index order is time-aligned.
	OutputFPS = 30
)

// TimelapseParams are the transcoding parameters applied uniformly to every
// chunk of a job and, with concatenation, to the merge.
type TimelapseParams struct {
	SpeedFactor float64 `json:"speed_factor"`
	FrameRate   float64 `json:"frame_rate"`
}

// SelectParams computes the speed factor from the probed source duration,
// targeting a watchable output of a couple of minutes. Short sources get a
// mild factor, long sources an aggressive one, bounded so the output neither
// collapses below MinOutputFrames nor exceeds MaxOutputSecs.
func SelectParams(source InputVideo, targetOutputSecs float64) TimelapseParams {
	if targetOutputSecs <= 0 {
		targetOutputSecs = DefaultTargetOutputSecs
	}
	duration := source.Duration
	if duration <= 0 {
		return TimelapseParams{SpeedFactor: MinSpeedFactor, FrameRate: OutputFPS}
	}

	factor := duration / targetOutputSecs
	if factor < MinSpeedFactor {
		factor = MinSpeedFactor
	}
	if factor > MaxSpeedFactor {
		factor = MaxSpeedFactor
	}
	// the output length bound wins over the speed factor cap
	if duration/factor > MaxOutputSecs {
		factor = duration / MaxOutputSecs
	}
	// don't compress below the minimum frame count
	if outputFrames := duration / factor * OutputFPS; outputFrames < MinOutputFrames {
		factor = duration * OutputFPS / MinOutputFrames
		if factor < 1 {
			factor = 1
		}
	}

	return TimelapseParams{SpeedFactor: factor, FrameRate: OutputFPS}
}

// OutputDurationSecs reports the expected output length for a source of the
// given duration under these params.
func (p TimelapseParams) OutputDurationSecs(sourceDurationSecs float64) float64 {
	if p.SpeedFactor <= 0 {
		return sourceDurationSecs
	}
	return sourceDurationSecs / p.SpeedFactor
}
