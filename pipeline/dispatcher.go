package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/timelapselabs/timelapse-api/clients"
	"github.com/timelapselabs/timelapse-api/config"
	"github.com/timelapselabs/timelapse-api/jobs"
	"github.com/timelapselabs/timelapse-api/log"
	"github.com/timelapselabs/timelapse-api/metrics"
	"github.com/timelapselabs/timelapse-api/video"
)

// TaskClient is the request/response channel to worker instances.
type TaskClient interface {
	StartChunkTask(ctx context.Context, task clients.ChunkTask) error
	StartMergeTask(ctx context.Context, task clients.MergeTask) error
	Abort(ctx context.Context, taskName string) error
}

const dispatchRequestTimeout = 30 * time.Second

// Dispatcher fans phase transitions out to worker instances: one process
// request per chunk on entry to processing, exactly one merge request on
// entry to stitching.
type Dispatcher struct {
	worker           TaskClient
	objectStore      clients.ObjectStoreGateway
	prober           video.Prober
	targetOutputSecs float64
}

func NewDispatcher(worker TaskClient, objectStore clients.ObjectStoreGateway, prober video.Prober, targetOutputSecs float64) *Dispatcher {
	return &Dispatcher{
		worker:           worker,
		objectStore:      objectStore,
		prober:           prober,
		targetOutputSecs: targetOutputSecs,
	}
}

// SelectParams probes the first uploaded chunk and derives the uniform
// transcoding parameters for the whole job. Chunks are equally sized, so the
// source duration is estimated as chunk duration times chunk count.
func (d *Dispatcher) SelectParams(job *jobs.Job) (video.TimelapseParams, error) {
	probeURL, err := d.objectStore.ReadURL(job.UploadedChunks[0], config.PresignedURLExpiry)
	if err != nil {
		return video.TimelapseParams{}, err
	}

	chunkInfo, err := d.prober.ProbeFile(job.ID, probeURL)
	if err != nil {
		return video.TimelapseParams{}, fmt.Errorf("failed to probe first chunk: %w", err)
	}

	source := chunkInfo
	source.Duration = chunkInfo.Duration * float64(job.TotalChunks)
	params := video.SelectParams(source, d.targetOutputSecs)

	log.Log(job.ID, "Selected timelapse parameters",
		"chunk_duration", chunkInfo.Duration,
		"estimated_source_duration", source.Duration,
		"speed_factor", params.SpeedFactor,
		"frame_rate", params.FrameRate,
	)
	return params, nil
}

// StartProcessing issues one process-chunk request per chunk index, in
// parallel, without waiting for any to complete before issuing the rest.
// A failed dispatch is reported through onFailure and fails the whole job.
func (d *Dispatcher) StartProcessing(job *jobs.Job, params video.TimelapseParams, onFailure func(chunkIndex int, err error)) {
	deadlineSecs := int64(config.ChunkTaskTimeout.Seconds())
	for i, key := range job.UploadedChunks {
		i, key := i, key
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), dispatchRequestTimeout)
			defer cancel()

			task := clients.ChunkTask{
				Name:         config.ChunkTaskName(job.ID, i),
				JobID:        job.ID,
				ChunkIndex:   i,
				SourceKey:    key,
				Params:       params,
				DeadlineSecs: deadlineSecs,
			}
			if err := d.worker.StartChunkTask(ctx, task); err != nil {
				metrics.Metrics.DispatchFailures.WithLabelValues("chunk").Inc()
				log.LogError(job.ID, "chunk dispatch failed", err, "chunk_index", i)
				onFailure(i, err)
			}
		}()
	}
}

// StartMerge issues exactly one merge request carrying the processed chunk
// keys in original index order.
func (d *Dispatcher) StartMerge(job *jobs.Job, processedKeys []string, onFailure func(err error)) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchRequestTimeout)
	defer cancel()

	task := clients.MergeTask{
		Name:          config.MergeTaskName(job.ID),
		JobID:         job.ID,
		ProcessedKeys: processedKeys,
		DeadlineSecs:  int64(config.MergeTaskTimeout.Seconds()),
	}
	if err := d.worker.StartMergeTask(ctx, task); err != nil {
		metrics.Metrics.DispatchFailures.WithLabelValues("merge").Inc()
		log.LogError(job.ID, "merge dispatch failed", err)
		onFailure(err)
	}
}

// AbortJob sends a best-effort abort to every addressable worker instance of
// the job. Workers that never started the task answer 404, which is fine.
func (d *Dispatcher) AbortJob(job *jobs.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchRequestTimeout)
	defer cancel()

	for i := 0; i < job.TotalChunks; i++ {
		if err := d.worker.Abort(ctx, config.ChunkTaskName(job.ID, i)); err != nil {
			log.LogError(job.ID, "failed to abort chunk task", err, "chunk_index", i)
		}
	}
	if err := d.worker.Abort(ctx, config.MergeTaskName(job.ID)); err != nil {
		log.LogError(job.ID, "failed to abort merge task", err)
	}
}
