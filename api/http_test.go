package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/timelapselabs/timelapse-api/clients"
	"github.com/timelapselabs/timelapse-api/jobs"
	"github.com/timelapselabs/timelapse-api/pipeline"
	"github.com/timelapselabs/timelapse-api/video"
)

type noopWorker struct{}

func (noopWorker) StartChunkTask(ctx context.Context, task clients.ChunkTask) error { return nil }
func (noopWorker) StartMergeTask(ctx context.Context, task clients.MergeTask) error { return nil }
func (noopWorker) Abort(ctx context.Context, taskName string) error                 { return nil }

type noopStore struct{}

func (noopStore) UploadURL(key string, ttl time.Duration) (string, error) {
	return "https://store.example/" + key, nil
}

func (noopStore) ReadURL(key string, ttl time.Duration) (string, error) {
	return "https://store.example/" + key, nil
}

func (noopStore) DeleteObject(key string) error { return nil }

type noopProber struct{}

func (noopProber) ProbeFile(jobID, url string, opts ...string) (video.InputVideo, error) {
	return video.InputVideo{Duration: 60, FPS: 30}, nil
}

func newTestCoordinator() *pipeline.Coordinator {
	dispatcher := pipeline.NewDispatcher(noopWorker{}, noopStore{}, noopProber{}, 0)
	return pipeline.NewCoordinator(jobs.NewStore(), dispatcher, nil)
}

func TestPublicRouterRegistersWithoutConflicts(t *testing.T) {
	require.NotPanics(t, func() {
		NewTimelapseAPIRouter(newTestCoordinator(), noopStore{}, "token")
	})
}

func TestHealthcheckNeedsNoAuth(t *testing.T) {
	router := NewTimelapseAPIRouter(newTestCoordinator(), noopStore{}, "token")

	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "OK", rec.Body.String())
}

func TestJobEndpointsRequireAuth(t *testing.T) {
	router := NewTimelapseAPIRouter(newTestCoordinator(), noopStore{}, "token")

	req := httptest.NewRequest(http.MethodPost, "/api/timelapse", strings.NewReader(`{"total_chunks": 2, "chunk_size_bytes": 1024}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req.Header.Set("Authorization", "Bearer token")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
}
