package clients

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/timelapselabs/timelapse-api/config"
	"github.com/timelapselabs/timelapse-api/log"
)

// JobStatusClient pushes job status messages to the caller's callback URL.
// Sends never block the mutation that triggered them.
type JobStatusClient interface {
	SendJobStatus(msg JobStatusMessage)
}

// JobStatusFunc adapts a plain function into a JobStatusClient, used by tests
// to record messages.
type JobStatusFunc func(msg JobStatusMessage)

func (f JobStatusFunc) SendJobStatus(msg JobStatusMessage) {
	f(msg)
}

type JobStatusMessage struct {
	JobID            string  `json:"job_id"`
	Status           string  `json:"status"`
	ProgressPct      float64 `json:"progress_pct"`
	Error            string  `json:"error,omitempty"`
	FinalArtifactKey string  `json:"final_artifact_key,omitempty"`
	Timestamp        int64   `json:"timestamp"`

	// not serialized, routing only
	CallbackURL string `json:"-"`
}

type CallbackClient struct {
	httpClient *retryablehttp.Client
}

func NewCallbackClient() CallbackClient {
	client := retryablehttp.NewClient()
	client.RetryMax = 2                          // Retry a maximum of this+1 times
	client.RetryWaitMin = 200 * time.Millisecond // Wait at least this long between retries
	client.RetryWaitMax = 1 * time.Second        // Wait at most this long between retries (exponential backoff)
	client.Logger = nil
	client.HTTPClient = &http.Client{
		Timeout: 5 * time.Second, // Give up on requests that take more than this long
	}

	return CallbackClient{
		httpClient: client,
	}
}

func (c CallbackClient) SendJobStatus(msg JobStatusMessage) {
	if msg.CallbackURL == "" {
		return
	}
	msg.Timestamp = config.Clock.GetTimestampUTC()

	j, err := json.Marshal(msg)
	if err != nil {
		log.LogError(msg.JobID, "failed to marshal job status message", err)
		return
	}

	r, err := retryablehttp.NewRequest(http.MethodPost, msg.CallbackURL, bytes.NewReader(j))
	if err != nil {
		log.LogError(msg.JobID, "failed to build job status request", err, "url", msg.CallbackURL)
		return
	}
	r.Header.Set("Content-Type", "application/json")

	// Caller may be blocking a mutation. Run in background, otherwise we
	// introduce latency in the current operation.
	go c.doWithRetries(msg.JobID, r)
}

func (c CallbackClient) doWithRetries(jobID string, r *retryablehttp.Request) {
	resp, err := c.httpClient.Do(r)
	if err != nil {
		log.LogError(jobID, "failed to send status callback", err, "url", r.URL.String())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		log.Log(jobID, "status callback rejected", "url", r.URL.String(), "status_code", resp.StatusCode)
	}
}
