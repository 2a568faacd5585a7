package video

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gopkg.in/vansante/go-ffprobe.v2"
)

type Prober interface {
	ProbeFile(jobID, url string, ffProbeOptions ...string) (InputVideo, error)
}

type Probe struct{}

func (p Probe) ProbeFile(jobID string, url string, ffProbeOptions ...string) (iv InputVideo, err error) {
	if len(ffProbeOptions) == 0 {
		ffProbeOptions = []string{"-loglevel", "error"}
	}

	var data *ffprobe.ProbeData
	operation := func() error {
		probeCtx, probeCancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer probeCancel()
		data, err = ffprobe.ProbeURL(probeCtx, url, ffProbeOptions...)
		return err
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = 500 * time.Millisecond
	backOff.MaxInterval = 2 * time.Second
	backOff.MaxElapsedTime = 0 // don't impose a timeout as part of the retries
	err = backoff.Retry(operation, backoff.WithMaxRetries(backOff, 3))
	if err != nil {
		return InputVideo{}, fmt.Errorf("error probing: %w", err)
	}
	return parseProbeOutput(data)
}

func parseProbeOutput(probeData *ffprobe.ProbeData) (InputVideo, error) {
	videoStream := probeData.FirstVideoStream()
	if videoStream == nil {
		return InputVideo{}, errors.New("error checking for video: no video stream found")
	}
	// We rely on format information for duration and size, so error out if it's missing
	if probeData.Format == nil {
		return InputVideo{}, fmt.Errorf("error parsing input video: format information missing")
	}

	size, err := strconv.ParseInt(probeData.Format.Size, 10, 64)
	if err != nil {
		return InputVideo{}, fmt.Errorf("error parsing filesize from probed data: %w", err)
	}

	fps, err := parseFps(videoStream.AvgFrameRate)
	if err != nil {
		return InputVideo{}, fmt.Errorf("error parsing avg fps from probed data: %w", err)
	}
	// fps can be missing for some containers, fall back to the r_frame_rate
	if fps == 0 {
		fps, err = parseFps(videoStream.RFrameRate)
		if err != nil {
			return InputVideo{}, fmt.Errorf("error parsing r fps from probed data: %w", err)
		}
	}

	return InputVideo{
		Format:    probeData.Format.FormatName,
		Duration:  probeData.Format.DurationSeconds,
		SizeBytes: size,
		FPS:       fps,
		Width:     int64(videoStream.Width),
		Height:    int64(videoStream.Height),
	}, nil
}

func parseFps(framerate string) (float64, error) {
	if framerate == "" {
		return 0, nil
	}
	parts := strings.Split(framerate, "/")
	if len(parts) > 1 {
		num, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return 0, fmt.Errorf("error parsing fps numerator %q: %w", framerate, err)
		}
		den, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return 0, fmt.Errorf("error parsing fps denominator %q: %w", framerate, err)
		}
		if den == 0 {
			return 0, nil
		}
		return num / den, nil
	}
	fps, err := strconv.ParseFloat(framerate, 64)
	if err != nil {
		return 0, fmt.Errorf("error parsing fps %q: %w", framerate, err)
	}
	return fps, nil
}
