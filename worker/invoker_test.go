package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/timelapselabs/timelapse-api/clients"
	catErrs "github.com/timelapselabs/timelapse-api/errors"
	"github.com/timelapselabs/timelapse-api/video"
)

// fakeBlobServer serves GETs from an in-memory key space and records PUTs
// back into it, standing in for a presigned-URL object store.
type fakeBlobServer struct {
	mu      sync.Mutex
	objects map[string][]byte
	server  *httptest.Server
}

func newFakeBlobServer(t *testing.T) *fakeBlobServer {
	t.Helper()
	b := &fakeBlobServer{objects: map[string][]byte{}}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/")
		b.mu.Lock()
		defer b.mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			data, ok := b.objects[key]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write(data)
		case http.MethodPut:
			data, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			b.objects[key] = data
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBlobServer) put(key string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
}

func (b *fakeBlobServer) get(key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	return data, ok
}

func (b *fakeBlobServer) UploadURL(key string, ttl time.Duration) (string, error) {
	return b.server.URL + "/" + key, nil
}

func (b *fakeBlobServer) ReadURL(key string, ttl time.Duration) (string, error) {
	return b.server.URL + "/" + key, nil
}

func (b *fakeBlobServer) DeleteObject(key string) error { return nil }

type recordingReporter struct {
	mu             sync.Mutex
	processedKeys  map[int]string
	mergeFinalKey  string
	chunkFailures  map[int]string
	mergeFailure   string
	reportDelivery chan struct{}
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{
		processedKeys:  map[int]string{},
		chunkFailures:  map[int]string{},
		reportDelivery: make(chan struct{}, 16),
	}
}

func (r *recordingReporter) ReportChunkProcessed(jobID string, chunkIndex int, processedKey string) error {
	r.mu.Lock()
	r.processedKeys[chunkIndex] = processedKey
	r.mu.Unlock()
	r.reportDelivery <- struct{}{}
	return nil
}

func (r *recordingReporter) ReportMergeComplete(jobID, finalKey string) error {
	r.mu.Lock()
	r.mergeFinalKey = finalKey
	r.mu.Unlock()
	r.reportDelivery <- struct{}{}
	return nil
}

func (r *recordingReporter) ReportChunkFailure(jobID string, chunkIndex int, taskErr error) error {
	r.mu.Lock()
	r.chunkFailures[chunkIndex] = taskErr.Error()
	r.mu.Unlock()
	r.reportDelivery <- struct{}{}
	return nil
}

func (r *recordingReporter) ReportMergeFailure(jobID string, taskErr error) error {
	r.mu.Lock()
	r.mergeFailure = taskErr.Error()
	r.mu.Unlock()
	r.reportDelivery <- struct{}{}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

func newTestInvoker(t *testing.T, blobs *fakeBlobServer, reporter Reporter) *Invoker {
	t.Helper()
	invoker := NewInvoker(blobs, reporter, t.TempDir())
	invoker.timelapse = func(sourceFilename, outputFilename string, params video.TimelapseParams) error {
		return copyFile(sourceFilename, outputFilename)
	}
	invoker.concat = func(chunkFilenames []string, outputFilename string) error {
		var joined []byte
		for _, filename := range chunkFilenames {
			data, err := os.ReadFile(filename)
			if err != nil {
				return err
			}
			joined = append(joined, data...)
		}
		return os.WriteFile(outputFilename, joined, 0o644)
	}
	return invoker
}

func TestChunkTaskDownloadsTranscodesUploadsAndReports(t *testing.T) {
	blobs := newFakeBlobServer(t)
	blobs.put("chunks/job-1/2", []byte("chunk-two-bytes"))
	reporter := newRecordingReporter()
	invoker := newTestInvoker(t, blobs, reporter)

	invoker.RunChunkTask(context.Background(), clients.ChunkTask{
		Name:       "job-1-chunk-2",
		JobID:      "job-1",
		ChunkIndex: 2,
		SourceKey:  "chunks/job-1/2",
		Params:     video.TimelapseParams{SpeedFactor: 60, FrameRate: 30},
	})

	require.Equal(t, "processed/job-1/2.mp4", reporter.processedKeys[2])
	uploaded, ok := blobs.get("processed/job-1/2.mp4")
	require.True(t, ok)
	require.Equal(t, []byte("chunk-two-bytes"), uploaded)
	require.Empty(t, reporter.chunkFailures)
}

func TestChunkTaskReportsFailureOnMissingSource(t *testing.T) {
	blobs := newFakeBlobServer(t)
	reporter := newRecordingReporter()
	invoker := newTestInvoker(t, blobs, reporter)

	invoker.RunChunkTask(context.Background(), clients.ChunkTask{
		Name:       "job-1-chunk-0",
		JobID:      "job-1",
		ChunkIndex: 0,
		SourceKey:  "chunks/job-1/0",
	})

	require.Empty(t, reporter.processedKeys)
	require.Contains(t, reporter.chunkFailures[0], "download")
}

func TestChunkTaskReportsTranscodeFailure(t *testing.T) {
	blobs := newFakeBlobServer(t)
	blobs.put("chunks/job-1/0", []byte("bytes"))
	reporter := newRecordingReporter()
	invoker := newTestInvoker(t, blobs, reporter)
	invoker.timelapse = func(sourceFilename, outputFilename string, params video.TimelapseParams) error {
		return fmt.Errorf("transcoder exited with status 1")
	}

	invoker.RunChunkTask(context.Background(), clients.ChunkTask{
		Name:       "job-1-chunk-0",
		JobID:      "job-1",
		ChunkIndex: 0,
		SourceKey:  "chunks/job-1/0",
	})

	require.Contains(t, reporter.chunkFailures[0], "transcoder exited with status 1")
	_, uploaded := blobs.get("processed/job-1/0.mp4")
	require.False(t, uploaded)
}

func TestChunkTaskReportsPanicAsFailure(t *testing.T) {
	blobs := newFakeBlobServer(t)
	blobs.put("chunks/job-1/0", []byte("bytes"))
	reporter := newRecordingReporter()
	invoker := newTestInvoker(t, blobs, reporter)
	invoker.timelapse = func(sourceFilename, outputFilename string, params video.TimelapseParams) error {
		panic("transcoder crashed")
	}

	invoker.RunChunkTask(context.Background(), clients.ChunkTask{
		Name:       "job-1-chunk-0",
		JobID:      "job-1",
		ChunkIndex: 0,
		SourceKey:  "chunks/job-1/0",
	})

	require.Empty(t, reporter.processedKeys)
	require.Contains(t, reporter.chunkFailures[0], "internal error")
	require.Contains(t, reporter.chunkFailures[0], "transcoder crashed")
}

func TestMergeTaskReportsPanicAsFailure(t *testing.T) {
	blobs := newFakeBlobServer(t)
	blobs.put("processed/job-1/0.mp4", []byte("AAA"))
	reporter := newRecordingReporter()
	invoker := newTestInvoker(t, blobs, reporter)
	invoker.concat = func(chunkFilenames []string, outputFilename string) error {
		panic("concat crashed")
	}

	invoker.RunMergeTask(context.Background(), clients.MergeTask{
		Name:          "job-1-merge",
		JobID:         "job-1",
		ProcessedKeys: []string{"processed/job-1/0.mp4"},
	})

	require.Empty(t, reporter.mergeFinalKey)
	require.Contains(t, reporter.mergeFailure, "internal error")
	require.Contains(t, reporter.mergeFailure, "concat crashed")
}

func TestChunkTaskCleansUpTempFiles(t *testing.T) {
	blobs := newFakeBlobServer(t)
	blobs.put("chunks/job-1/0", []byte("bytes"))
	reporter := newRecordingReporter()
	workDir := t.TempDir()
	invoker := NewInvoker(blobs, reporter, workDir)
	invoker.timelapse = func(sourceFilename, outputFilename string, params video.TimelapseParams) error {
		return copyFile(sourceFilename, outputFilename)
	}

	invoker.RunChunkTask(context.Background(), clients.ChunkTask{
		Name:       "job-1-chunk-0",
		JobID:      "job-1",
		ChunkIndex: 0,
		SourceKey:  "chunks/job-1/0",
	})

	entries, err := os.ReadDir(workDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestMergeTaskConcatenatesInGivenOrder(t *testing.T) {
	blobs := newFakeBlobServer(t)
	blobs.put("processed/job-1/0.mp4", []byte("AAA"))
	blobs.put("processed/job-1/1.mp4", []byte("BBB"))
	blobs.put("processed/job-1/2.mp4", []byte("CCC"))
	reporter := newRecordingReporter()
	invoker := newTestInvoker(t, blobs, reporter)

	invoker.RunMergeTask(context.Background(), clients.MergeTask{
		Name:          "job-1-merge",
		JobID:         "job-1",
		ProcessedKeys: []string{"processed/job-1/0.mp4", "processed/job-1/1.mp4", "processed/job-1/2.mp4"},
	})

	require.Equal(t, "final/job-1/timelapse.mp4", reporter.mergeFinalKey)
	final, ok := blobs.get("final/job-1/timelapse.mp4")
	require.True(t, ok)
	require.Equal(t, []byte("AAABBBCCC"), final)
}

func TestMergeTaskReportsFailure(t *testing.T) {
	blobs := newFakeBlobServer(t)
	blobs.put("processed/job-1/0.mp4", []byte("AAA"))
	reporter := newRecordingReporter()
	invoker := newTestInvoker(t, blobs, reporter)
	invoker.concat = func(chunkFilenames []string, outputFilename string) error {
		return fmt.Errorf("concat failed")
	}

	invoker.RunMergeTask(context.Background(), clients.MergeTask{
		Name:          "job-1-merge",
		JobID:         "job-1",
		ProcessedKeys: []string{"processed/job-1/0.mp4"},
	})

	require.Contains(t, reporter.mergeFailure, "concat failed")
	require.Empty(t, reporter.mergeFinalKey)
}

func TestCancelledContextStopsChunkTask(t *testing.T) {
	blobs := newFakeBlobServer(t)
	blobs.put("chunks/job-1/0", []byte("bytes"))
	reporter := newRecordingReporter()
	invoker := newTestInvoker(t, blobs, reporter)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	invoker.RunChunkTask(ctx, clients.ChunkTask{
		Name:       "job-1-chunk-0",
		JobID:      "job-1",
		ChunkIndex: 0,
		SourceKey:  "chunks/job-1/0",
	})

	require.Empty(t, reporter.processedKeys)
	require.NotEmpty(t, reporter.chunkFailures[0])
}

func TestDownloadFailsFastOnMissingObject(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(server.Close)

	err := downloadFile(context.Background(), server.URL+"/gone", filepath.Join(t.TempDir(), "out"))
	require.Error(t, err)
	require.True(t, catErrs.IsUnretriable(err))
	require.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestSweepRemovesOnlyStalePrefixedFiles(t *testing.T) {
	workDir := t.TempDir()
	stale := filepath.Join(workDir, localFilePrefix+"old-task-source.mp4")
	fresh := filepath.Join(workDir, localFilePrefix+"new-task-source.mp4")
	other := filepath.Join(workDir, "unrelated.txt")
	for _, filename := range []string{stale, fresh, other} {
		require.NoError(t, os.WriteFile(filename, []byte("x"), 0o644))
	}
	old := time.Now().Add(-24 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	sweepStaleFiles(workDir, maxTmpFileAge)

	_, err := os.Stat(stale)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	require.NoError(t, err)
	_, err = os.Stat(other)
	require.NoError(t, err)
}
