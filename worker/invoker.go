package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/timelapselabs/timelapse-api/clients"
	"github.com/timelapselabs/timelapse-api/config"
	catErrs "github.com/timelapselabs/timelapse-api/errors"
	"github.com/timelapselabs/timelapse-api/log"
	"github.com/timelapselabs/timelapse-api/metrics"
	"github.com/timelapselabs/timelapse-api/video"
)

const (
	localFilePrefix = "timelapse-"
	maxTmpFileAge   = 6 * time.Hour
)

// Reporter is the worker's channel for delivering task outcomes back to the
// job store.
type Reporter interface {
	ReportChunkProcessed(jobID string, chunkIndex int, processedKey string) error
	ReportMergeComplete(jobID, finalKey string) error
	ReportChunkFailure(jobID string, chunkIndex int, taskErr error) error
	ReportMergeFailure(jobID string, taskErr error) error
}

// Invoker executes chunk and merge tasks: pull the inputs down over presigned
// URLs, run ffmpeg locally, push the result back up, then report the outcome.
// Every task runs isolated in its own set of temp files; a chunk task never
// reads another chunk's data.
type Invoker struct {
	objectStore clients.ObjectStoreGateway
	reporter    Reporter
	workDir     string

	// swappable for tests, the defaults shell out to ffmpeg
	timelapse func(sourceFilename, outputFilename string, params video.TimelapseParams) error
	concat    func(chunkFilenames []string, outputFilename string) error
}

func NewInvoker(objectStore clients.ObjectStoreGateway, reporter Reporter, workDir string) *Invoker {
	if workDir == "" {
		workDir = os.TempDir()
	}
	sweepStaleFiles(workDir, maxTmpFileAge)
	return &Invoker{
		objectStore: objectStore,
		reporter:    reporter,
		workDir:     workDir,
		timelapse:   video.Timelapse,
		concat:      video.Concat,
	}
}

// RunChunkTask executes one chunk transcode end to end and reports the result.
// Errors never escape: they are delivered as failure reports. A panic in the
// task body is reported the same way, so the job does not hang waiting for a
// report that never comes.
func (i *Invoker) RunChunkTask(ctx context.Context, task clients.ChunkTask) {
	start := time.Now()
	processedKey, err := i.runChunkRecovered(ctx, task)
	if err != nil {
		log.LogError(task.JobID, "chunk task failed", err, "chunk_index", task.ChunkIndex)
		if reportErr := i.reporter.ReportChunkFailure(task.JobID, task.ChunkIndex, err); reportErr != nil {
			log.LogError(task.JobID, "failed to deliver chunk failure report", reportErr)
		}
		return
	}

	metrics.Metrics.ChunkTranscodeDurationSec.Observe(time.Since(start).Seconds())
	log.Log(task.JobID, "chunk task complete", "chunk_index", task.ChunkIndex, "processed_key", processedKey)
	if reportErr := i.reporter.ReportChunkProcessed(task.JobID, task.ChunkIndex, processedKey); reportErr != nil {
		log.LogError(task.JobID, "failed to deliver chunk completion report", reportErr)
	}
}

func (i *Invoker) runChunkRecovered(ctx context.Context, task clients.ChunkTask) (key string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("internal error processing chunk: %v", rec)
		}
	}()
	return i.runChunk(ctx, task)
}

func (i *Invoker) runChunk(ctx context.Context, task clients.ChunkTask) (string, error) {
	sourceFile := i.localFilename(task.Name, "source.mp4")
	outputFile := i.localFilename(task.Name, "out.mp4")
	defer removeFiles(task.JobID, sourceFile, outputFile)

	sourceURL, err := i.objectStore.ReadURL(task.SourceKey, config.PresignedURLExpiry)
	if err != nil {
		return "", fmt.Errorf("failed to sign source chunk url: %w", err)
	}
	if err := downloadFile(ctx, sourceURL, sourceFile); err != nil {
		return "", fmt.Errorf("failed to download source chunk: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if err := i.timelapse(sourceFile, outputFile, task.Params); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	processedKey := fmt.Sprintf("processed/%s/%d.mp4", task.JobID, task.ChunkIndex)
	if err := i.upload(ctx, processedKey, outputFile); err != nil {
		return "", fmt.Errorf("failed to upload processed chunk: %w", err)
	}
	return processedKey, nil
}

// RunMergeTask concatenates the processed chunks, in the order given, into the
// final artifact and reports the result.
func (i *Invoker) RunMergeTask(ctx context.Context, task clients.MergeTask) {
	start := time.Now()
	finalKey, err := i.runMergeRecovered(ctx, task)
	if err != nil {
		log.LogError(task.JobID, "merge task failed", err)
		if reportErr := i.reporter.ReportMergeFailure(task.JobID, err); reportErr != nil {
			log.LogError(task.JobID, "failed to deliver merge failure report", reportErr)
		}
		return
	}

	metrics.Metrics.MergeDurationSec.Observe(time.Since(start).Seconds())
	log.Log(task.JobID, "merge task complete", "final_key", finalKey)
	if reportErr := i.reporter.ReportMergeComplete(task.JobID, finalKey); reportErr != nil {
		log.LogError(task.JobID, "failed to deliver merge completion report", reportErr)
	}
}

func (i *Invoker) runMergeRecovered(ctx context.Context, task clients.MergeTask) (key string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("internal error merging chunks: %v", rec)
		}
	}()
	return i.runMerge(ctx, task)
}

func (i *Invoker) runMerge(ctx context.Context, task clients.MergeTask) (string, error) {
	outputFile := i.localFilename(task.Name, "out.mp4")
	localChunks := make([]string, len(task.ProcessedKeys))
	for idx := range task.ProcessedKeys {
		localChunks[idx] = i.localFilename(task.Name, fmt.Sprintf("in-%d.mp4", idx))
	}
	defer removeFiles(task.JobID, append(localChunks, outputFile)...)

	for idx, key := range task.ProcessedKeys {
		chunkURL, err := i.objectStore.ReadURL(key, config.PresignedURLExpiry)
		if err != nil {
			return "", fmt.Errorf("failed to sign processed chunk url %s: %w", key, err)
		}
		if err := downloadFile(ctx, chunkURL, localChunks[idx]); err != nil {
			return "", fmt.Errorf("failed to download processed chunk %s: %w", key, err)
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
	}

	if err := i.concat(localChunks, outputFile); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	finalKey := fmt.Sprintf("final/%s/timelapse.mp4", task.JobID)
	if err := i.upload(ctx, finalKey, outputFile); err != nil {
		return "", fmt.Errorf("failed to upload final artifact: %w", err)
	}
	return finalKey, nil
}

func (i *Invoker) upload(ctx context.Context, key, filename string) error {
	uploadURL, err := i.objectStore.UploadURL(key, config.PresignedURLExpiry)
	if err != nil {
		return err
	}
	return uploadFile(ctx, uploadURL, filename)
}

func (i *Invoker) localFilename(taskName, suffix string) string {
	return filepath.Join(i.workDir, fmt.Sprintf("%s%s-%s", localFilePrefix, taskName, suffix))
}

func downloadFile(ctx context.Context, url, filename string) error {
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer res.Body.Close()
		if res.StatusCode >= 400 {
			err := fmt.Errorf("download of %s failed with HTTP %d", log.RedactURL(url), res.StatusCode)
			if res.StatusCode < 500 {
				// missing or forbidden objects won't appear on retry
				return backoff.Permanent(catErrs.Unretriable(err))
			}
			return err
		}

		out, err := os.Create(filename)
		if err != nil {
			return backoff.Permanent(err)
		}
		defer out.Close()
		if _, err := io.Copy(out, res.Body); err != nil {
			return err
		}
		return out.Close()
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = 200 * time.Millisecond
	backOff.MaxInterval = 2 * time.Second
	backOff.MaxElapsedTime = 0
	return backoff.Retry(operation, backoff.WithMaxRetries(backOff, 3))
}

func uploadFile(ctx context.Context, url, filename string) error {
	operation := func() error {
		in, err := os.Open(filename)
		if err != nil {
			return backoff.Permanent(err)
		}
		defer in.Close()
		stat, err := in.Stat()
		if err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, in)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.ContentLength = stat.Size()
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer res.Body.Close()
		if res.StatusCode >= 400 {
			err := fmt.Errorf("upload to %s failed with HTTP %d", log.RedactURL(url), res.StatusCode)
			if res.StatusCode < 500 {
				return backoff.Permanent(catErrs.Unretriable(err))
			}
			return err
		}
		return nil
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = 200 * time.Millisecond
	backOff.MaxInterval = 2 * time.Second
	backOff.MaxElapsedTime = 0
	return backoff.Retry(operation, backoff.WithMaxRetries(backOff, 3))
}

func removeFiles(jobID string, filenames ...string) {
	for _, filename := range filenames {
		if err := os.Remove(filename); err != nil && !os.IsNotExist(err) {
			log.LogError(jobID, "failed to remove temp file", err, "filename", filename)
		}
	}
}

// sweepStaleFiles removes working files left behind by a previous process
// that died mid-task.
func sweepStaleFiles(dir string, maxAge time.Duration) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.LogNoJobID("failed to sweep work dir", "dir", dir, "err", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || len(entry.Name()) < len(localFilePrefix) || entry.Name()[:len(localFilePrefix)] != localFilePrefix {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) > maxAge {
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
				log.LogNoJobID("failed to remove stale work file", "filename", entry.Name(), "err", err)
			}
		}
	}
}
