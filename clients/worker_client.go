package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/timelapselabs/timelapse-api/errors"
	"github.com/timelapselabs/timelapse-api/video"
)

// ChunkTask is one in-flight dispatch to a worker instance. Name is stable
// per (jobID, chunkIndex) so a redispatch lands on the same execution slot.
type ChunkTask struct {
	Name         string                `json:"name"`
	JobID        string                `json:"job_id"`
	ChunkIndex   int                   `json:"chunk_index"`
	SourceKey    string                `json:"source_key"`
	Params       video.TimelapseParams `json:"params"`
	DeadlineSecs int64                 `json:"deadline_secs"`
}

// MergeTask carries the ordered list of processed chunk keys to the single
// worker instance doing the merge.
type MergeTask struct {
	Name          string   `json:"name"`
	JobID         string   `json:"job_id"`
	ProcessedKeys []string `json:"processed_keys"`
	DeadlineSecs  int64    `json:"deadline_secs"`
}

// WorkerClient issues task requests to worker instances. The dispatch call is
// accept-only: the worker acknowledges with 202 and reports its result later
// through the internal API, matched back by the task's correlation ids.
type WorkerClient struct {
	baseURL    *url.URL
	httpClient *http.Client
}

func NewWorkerClient(baseURL *url.URL) *WorkerClient {
	return &WorkerClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				DisableKeepAlives:  true,
				DisableCompression: true,
			},
		},
	}
}

func (c *WorkerClient) StartChunkTask(ctx context.Context, task ChunkTask) error {
	return c.post(ctx, "api/worker/task", task)
}

func (c *WorkerClient) StartMergeTask(ctx context.Context, task MergeTask) error {
	return c.post(ctx, "api/worker/merge", task)
}

func (c *WorkerClient) Abort(ctx context.Context, taskName string) error {
	requestURL, err := c.baseURL.Parse(fmt.Sprintf("api/worker/abort/%s", taskName))
	if err != nil {
		return fmt.Errorf("building abort url for task %s: %w", taskName, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL.String(), nil)
	if err != nil {
		return fmt.Errorf("NewRequest POST for url %s: %w", requestURL.String(), err)
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return &errors.DependencyError{Dependency: "worker", Err: err}
	}
	defer res.Body.Close()
	if !httpOk(res.StatusCode) && res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("http POST(%s) returned %d %s", requestURL, res.StatusCode, res.Status)
	}
	return nil
}

func (c *WorkerClient) post(ctx context.Context, path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("task json encode failed: %w", err)
	}

	requestURL, err := c.baseURL.Parse(path)
	if err != nil {
		return fmt.Errorf("building task url %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("NewRequest POST for url %s: %w", requestURL.String(), err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return &errors.DependencyError{Dependency: "worker", Err: err}
	}
	defer res.Body.Close()

	// 409 means the task is already running on its instance; the retried
	// dispatch must not start a duplicate, so treat it as accepted.
	if res.StatusCode == http.StatusConflict {
		return nil
	}
	if !httpOk(res.StatusCode) {
		return fmt.Errorf("http POST(%s) returned %d %s", requestURL, res.StatusCode, res.Status)
	}
	return nil
}

func httpOk(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
