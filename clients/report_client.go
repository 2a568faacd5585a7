package clients

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

type ChunkProcessedReport struct {
	ChunkIndex   int    `json:"chunk_index"`
	ProcessedKey string `json:"processed_key"`
}

type MergeCompleteReport struct {
	FinalKey string `json:"final_key"`
}

type FailureReport struct {
	ChunkIndex *int   `json:"chunk_index,omitempty"`
	Error      string `json:"error"`
}

// ReportClient is the worker's channel back to the job store: completion and
// failure reports are matched to their job by URL and to their chunk by the
// index in the body, never by call-stack continuation.
type ReportClient struct {
	baseURL    *url.URL
	httpClient *retryablehttp.Client
}

func NewReportClient(baseURL *url.URL) *ReportClient {
	client := retryablehttp.NewClient()
	client.RetryMax = 4
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = nil
	client.HTTPClient = &http.Client{
		Timeout: 10 * time.Second,
	}

	return &ReportClient{
		baseURL:    baseURL,
		httpClient: client,
	}
}

func (c *ReportClient) ReportChunkProcessed(jobID string, chunkIndex int, processedKey string) error {
	return c.post(fmt.Sprintf("api/timelapse/%s/processed", jobID), ChunkProcessedReport{
		ChunkIndex:   chunkIndex,
		ProcessedKey: processedKey,
	})
}

func (c *ReportClient) ReportMergeComplete(jobID, finalKey string) error {
	return c.post(fmt.Sprintf("api/timelapse/%s/merged", jobID), MergeCompleteReport{
		FinalKey: finalKey,
	})
}

func (c *ReportClient) ReportChunkFailure(jobID string, chunkIndex int, taskErr error) error {
	return c.post(fmt.Sprintf("api/timelapse/%s/failure", jobID), FailureReport{
		ChunkIndex: &chunkIndex,
		Error:      taskErr.Error(),
	})
}

func (c *ReportClient) ReportMergeFailure(jobID string, taskErr error) error {
	return c.post(fmt.Sprintf("api/timelapse/%s/failure", jobID), FailureReport{
		Error: taskErr.Error(),
	})
}

func (c *ReportClient) post(path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("report json encode failed: %w", err)
	}

	requestURL, err := c.baseURL.Parse(path)
	if err != nil {
		return fmt.Errorf("building report url %s: %w", path, err)
	}
	req, err := retryablehttp.NewRequest(http.MethodPost, requestURL.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("NewRequest POST for url %s: %w", requestURL.String(), err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send report to %q: %w", requestURL.String(), err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 400 {
		return fmt.Errorf("report to %q rejected with HTTP %d", requestURL.String(), res.StatusCode)
	}
	return nil
}
