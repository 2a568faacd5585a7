package video

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// Timelapse speed-compresses a single chunk. The same params are applied to
// every chunk of a job so chunk boundaries stay time-aligned after
// independent transcoding.
func Timelapse(sourceFilename, outputFilename string, params TimelapseParams) error {
	ffmpegErr := bytes.Buffer{}

	err := ffmpeg.Input(sourceFilename).
		Output(outputFilename, ffmpeg.KwArgs{
			"filter:v": fmt.Sprintf("setpts=PTS/%f,fps=%f", params.SpeedFactor, params.FrameRate),
			"an":       "",
			"c:v":      "libx264",
			"preset":   "veryfast",
			"movflags": "+faststart",
		}).
		OverWriteOutput().WithErrorOutput(&ffmpegErr).Run()

	if err != nil {
		return fmt.Errorf("failed to timelapse source file (%s) [%s]: %s", sourceFilename, ffmpegErr.String(), err)
	}
	return nil
}

// Concat merges processed chunk files, in the order given, into one output
// artifact. The chunks share codec and timing parameters so a stream copy
// through the concat demuxer is enough.
func Concat(chunkFilenames []string, outputFilename string) error {
	if len(chunkFilenames) == 0 {
		return fmt.Errorf("no chunks to concatenate")
	}

	listFile, err := os.CreateTemp(os.TempDir(), "concatlist*.txt")
	if err != nil {
		return fmt.Errorf("failed to create concat list file: %w", err)
	}
	defer os.Remove(listFile.Name())

	for _, filename := range chunkFilenames {
		abs, err := filepath.Abs(filename)
		if err != nil {
			return fmt.Errorf("failed to resolve chunk path %s: %w", filename, err)
		}
		if _, err := fmt.Fprintf(listFile, "file '%s'\n", abs); err != nil {
			return fmt.Errorf("failed to write concat list: %w", err)
		}
	}
	if err := listFile.Close(); err != nil {
		return fmt.Errorf("failed to close concat list: %w", err)
	}

	ffmpegErr := bytes.Buffer{}
	err = ffmpeg.Input(listFile.Name(), ffmpeg.KwArgs{"f": "concat", "safe": "0"}).
		Output(outputFilename, ffmpeg.KwArgs{
			"c":        "copy",
			"movflags": "+faststart",
		}).
		OverWriteOutput().WithErrorOutput(&ffmpegErr).Run()

	if err != nil {
		return fmt.Errorf("failed to concatenate %d chunks [%s]: %s", len(chunkFilenames), ffmpegErr.String(), err)
	}
	return nil
}
