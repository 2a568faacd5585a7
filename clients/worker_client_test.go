package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/timelapselabs/timelapse-api/video"
)

func newTestWorkerClient(t *testing.T, handler http.HandlerFunc) *WorkerClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	base, err := url.Parse(server.URL + "/")
	require.NoError(t, err)
	return NewWorkerClient(base)
}

func TestStartChunkTaskPostsCorrelationIDs(t *testing.T) {
	var received ChunkTask
	client := newTestWorkerClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/worker/task", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
	})

	task := ChunkTask{
		Name:         "job-1-chunk-2",
		JobID:        "job-1",
		ChunkIndex:   2,
		SourceKey:    "chunks/job-1/2",
		Params:       video.TimelapseParams{SpeedFactor: 120, FrameRate: 30},
		DeadlineSecs: 600,
	}
	require.NoError(t, client.StartChunkTask(context.Background(), task))
	require.Equal(t, task, received)
}

func TestConflictMeansTaskAlreadyRunning(t *testing.T) {
	client := newTestWorkerClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	err := client.StartChunkTask(context.Background(), ChunkTask{Name: "dup"})
	require.NoError(t, err)
}

func TestDispatchFailureSurfaces(t *testing.T) {
	client := newTestWorkerClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := client.StartMergeTask(context.Background(), MergeTask{Name: "job-1-merge"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "500")
}

func TestAbortToleratesUnknownTask(t *testing.T) {
	client := newTestWorkerClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/worker/abort/job-1-chunk-0", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	})

	require.NoError(t, client.Abort(context.Background(), "job-1-chunk-0"))
}
