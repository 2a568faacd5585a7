package pipeline

import (
	"fmt"

	"github.com/timelapselabs/timelapse-api/clients"
	"github.com/timelapselabs/timelapse-api/errors"
	"github.com/timelapselabs/timelapse-api/jobs"
	"github.com/timelapselabs/timelapse-api/log"
	"github.com/timelapselabs/timelapse-api/metrics"
)

// Coordinator ties the job store, the dispatcher and the caller callbacks
// together. It is called directly from the API handlers and never blocks on
// worker execution: fan-outs run in background goroutines and results come
// back later as inbound reports.
//
// Phase advancement is edge-triggered: on every completion report the
// coordinator checks whether the phase's slot count just reached the total,
// and the actual transition is a compare-and-set on the job's status, so the
// downstream fan-out fires exactly once however many reports race on the
// last slots.
type Coordinator struct {
	store        *jobs.Store
	dispatcher   *Dispatcher
	statusClient clients.JobStatusClient
}

func NewCoordinator(store *jobs.Store, dispatcher *Dispatcher, statusClient clients.JobStatusClient) *Coordinator {
	if statusClient == nil {
		statusClient = clients.JobStatusFunc(func(msg clients.JobStatusMessage) {})
	}
	return &Coordinator{
		store:        store,
		dispatcher:   dispatcher,
		statusClient: statusClient,
	}
}

func (c *Coordinator) Store() *jobs.Store {
	return c.store
}

// StartJob creates the job record in the uploading phase. Chunk uploads are
// driven by the caller from here on.
func (c *Coordinator) StartJob(totalChunks int, chunkSizeBytes int64, parentMediaID, callbackURL string) (*jobs.Job, error) {
	job, err := c.store.CreateJob(totalChunks, chunkSizeBytes, parentMediaID, callbackURL)
	if err != nil {
		return nil, err
	}

	log.AddContext(job.ID, "total_chunks", totalChunks, "parent_media_id", parentMediaID)
	log.Log(job.ID, "Created timelapse job")
	metrics.Metrics.JobsInFlight.Inc()

	c.statusClient.SendJobStatus(clients.JobStatusMessage{
		JobID:       job.ID,
		Status:      string(jobs.StatusUploading),
		CallbackURL: job.CallbackURL,
	})
	return job, nil
}

// OnChunkUploaded records an upload report and, on the edge where the last
// slot fills, advances the job to processing and fans the chunk tasks out.
func (c *Coordinator) OnChunkUploaded(jobID string, index int, key string) (uploaded, total int, err error) {
	uploaded, total, err = c.store.RecordChunkUploaded(jobID, index, key)
	if err != nil {
		if errors.IsStaleTransition(err) {
			// the desired end-state already holds, report success
			log.Log(jobID, "stale chunk upload report", "chunk_index", index, "err", err.Error())
			return c.currentCounts(jobID, phaseUpload)
		}
		return 0, 0, err
	}

	if uploaded == total {
		c.advanceToProcessing(jobID)
	}
	return uploaded, total, nil
}

// OnChunkProcessed records a worker's completion report and, on the edge
// where the last slot fills, advances the job to stitching and dispatches the
// merge exactly once.
func (c *Coordinator) OnChunkProcessed(jobID string, index int, key string) (processed, total int, err error) {
	processed, total, err = c.store.RecordChunkProcessed(jobID, index, key)
	if err != nil {
		if errors.IsStaleTransition(err) {
			log.Log(jobID, "stale chunk processed report", "chunk_index", index, "err", err.Error())
			return c.currentCounts(jobID, phaseProcessing)
		}
		return 0, 0, err
	}

	job, getErr := c.store.GetJob(jobID)
	if getErr == nil {
		c.statusClient.SendJobStatus(clients.JobStatusMessage{
			JobID:       jobID,
			Status:      string(job.Status),
			ProgressPct: job.View().ProcessingProgressPct,
			CallbackURL: job.CallbackURL,
		})
	}

	if processed == total {
		c.advanceToStitching(jobID)
	}
	return processed, total, nil
}

// OnFailureReport handles a failure report for a chunk (chunkIndex set) or
// the merge (chunkIndex nil). A single failure fails the whole job; a report
// racing a natural completion resolves to a stale no-op.
func (c *Coordinator) OnFailureReport(jobID string, chunkIndex *int, reason string) error {
	var taskErr error
	if chunkIndex != nil {
		taskErr = &errors.ChunkProcessingError{ChunkIndex: *chunkIndex, Err: fmt.Errorf("%s", reason)}
	} else {
		taskErr = &errors.MergeError{Err: fmt.Errorf("%s", reason)}
	}
	return c.failJob(jobID, taskErr.Error())
}

// OnMergeComplete finishes the job. The final artifact key is set at most
// once, only from stitching.
func (c *Coordinator) OnMergeComplete(jobID, finalKey string) error {
	if err := c.store.MarkComplete(jobID, finalKey); err != nil {
		if errors.IsStaleTransition(err) {
			log.Log(jobID, "stale merge completion report", "err", err.Error())
			return nil
		}
		return err
	}

	log.Log(jobID, "Timelapse job complete", "final_artifact_key", finalKey)
	metrics.Metrics.JobsInFlight.Dec()
	metrics.Metrics.JobResults.WithLabelValues("complete").Inc()

	job, err := c.store.GetJob(jobID)
	if err == nil {
		c.statusClient.SendJobStatus(clients.JobStatusMessage{
			JobID:            jobID,
			Status:           string(jobs.StatusComplete),
			ProgressPct:      100,
			FinalArtifactKey: finalKey,
			CallbackURL:      job.CallbackURL,
		})
	}
	return nil
}

// Cancel aborts the in-flight worker instances for the job and marks the
// record failed. Cancelling an already-terminal job is a no-op; already
// completed chunk results are not rolled back.
func (c *Coordinator) Cancel(jobID string) error {
	job, err := c.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		log.Log(jobID, "cancel requested for finished job", "status", job.Status)
		return nil
	}

	c.runAsync(jobID, func() {
		c.dispatcher.AbortJob(job)
	})
	return c.failJob(jobID, "cancelled by caller")
}

// GetStatus is the read-only projection served to polling callers.
func (c *Coordinator) GetStatus(jobID string) (jobs.JobView, error) {
	job, err := c.store.GetJob(jobID)
	if err != nil {
		return jobs.JobView{}, err
	}
	return job.View(), nil
}

func (c *Coordinator) advanceToProcessing(jobID string) {
	err := c.store.AdvanceStatus(jobID, jobs.StatusUploading, jobs.StatusProcessing)
	if err != nil {
		// a racing report won the edge, nothing to do
		if !errors.IsStaleTransition(err) {
			log.LogError(jobID, "failed to advance job to processing", err)
		}
		return
	}

	log.Log(jobID, "All chunks uploaded, starting processing")
	c.runAsync(jobID, func() {
		job, err := c.store.GetJob(jobID)
		if err != nil {
			log.LogError(jobID, "failed to load job for dispatch", err)
			return
		}

		params, err := c.dispatcher.SelectParams(job)
		if err != nil {
			c.failJob(jobID, fmt.Sprintf("failed to select transcode parameters: %v", err))
			return
		}
		if err := c.store.SetSpeedFactor(jobID, params.SpeedFactor); err != nil {
			log.LogError(jobID, "failed to record speed factor", err)
		}

		c.statusClient.SendJobStatus(clients.JobStatusMessage{
			JobID:       jobID,
			Status:      string(jobs.StatusProcessing),
			CallbackURL: job.CallbackURL,
		})

		c.dispatcher.StartProcessing(job, params, func(chunkIndex int, err error) {
			chunkErr := &errors.ChunkProcessingError{ChunkIndex: chunkIndex, Err: err}
			c.failJob(jobID, chunkErr.Error())
		})
	})
}

func (c *Coordinator) advanceToStitching(jobID string) {
	err := c.store.MarkMergeStarted(jobID)
	if err != nil {
		if !errors.IsStaleTransition(err) {
			log.LogError(jobID, "failed to advance job to stitching", err)
		}
		return
	}

	log.Log(jobID, "All chunks processed, starting merge")
	c.runAsync(jobID, func() {
		job, err := c.store.GetJob(jobID)
		if err != nil {
			log.LogError(jobID, "failed to load job for merge dispatch", err)
			return
		}
		processedKeys, err := c.store.ProcessedKeys(jobID)
		if err != nil {
			c.failJob(jobID, fmt.Sprintf("failed to collect processed chunk keys: %v", err))
			return
		}

		c.statusClient.SendJobStatus(clients.JobStatusMessage{
			JobID:       jobID,
			Status:      string(jobs.StatusStitching),
			CallbackURL: job.CallbackURL,
		})

		c.dispatcher.StartMerge(job, processedKeys, func(err error) {
			mergeErr := &errors.MergeError{Err: err}
			c.failJob(jobID, mergeErr.Error())
		})
	})
}

func (c *Coordinator) failJob(jobID, reason string) error {
	if err := c.store.MarkFailed(jobID, reason); err != nil {
		if errors.IsStaleTransition(err) {
			log.Log(jobID, "stale failure report", "reason", reason, "err", err.Error())
			return nil
		}
		return err
	}

	log.Log(jobID, "Timelapse job failed", "reason", reason)
	metrics.Metrics.JobsInFlight.Dec()
	metrics.Metrics.JobResults.WithLabelValues("failed").Inc()

	job, err := c.store.GetJob(jobID)
	if err == nil {
		c.statusClient.SendJobStatus(clients.JobStatusMessage{
			JobID:       jobID,
			Status:      string(jobs.StatusFailed),
			Error:       reason,
			CallbackURL: job.CallbackURL,
		})
	}
	return nil
}

type phase int

const (
	phaseUpload phase = iota
	phaseProcessing
)

func (c *Coordinator) currentCounts(jobID string, p phase) (count, total int, err error) {
	job, err := c.store.GetJob(jobID)
	if err != nil {
		return 0, 0, err
	}
	if p == phaseUpload {
		return job.UploadedCount(), job.TotalChunks, nil
	}
	return job.ProcessedCount(), job.TotalChunks, nil
}

// runAsync starts a background goroutine that survives panics in dispatch
// handlers, turning them into a job failure instead of a crash.
func (c *Coordinator) runAsync(jobID string, fn func()) {
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.LogNoJobID("panic in pipeline background goroutine, recovering", "job_id", jobID, "err", rec)
				_ = c.failJob(jobID, fmt.Sprintf("internal error: %v", rec))
			}
		}()
		fn()
	}()
}
