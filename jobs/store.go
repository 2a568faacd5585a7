package jobs

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/timelapselabs/timelapse-api/errors"
	"github.com/timelapselabs/timelapse-api/log"
)

// Recorder receives a copy of the job record after every successful mutation.
// Persistence is write-through and best-effort; the in-memory record stays
// authoritative for transition decisions.
type Recorder interface {
	SaveJob(job *Job) error
}

// Store is the durable record of all jobs. It is the only shared mutable
// resource in the system: every mutation goes through the store mutex and
// status changes are compare-and-set against the current status, so racing
// completion reports resolve to exactly one winner.
type Store struct {
	mu       sync.RWMutex
	jobs     map[string]*Job
	recorder Recorder

	now func() time.Time
}

type StoreOption func(*Store)

func WithRecorder(r Recorder) StoreOption {
	return func(s *Store) { s.recorder = r }
}

func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		jobs: make(map[string]*Job),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateJob allocates a new job record in the uploading phase. TotalChunks
// and ChunkSizeBytes are fixed here and immutable thereafter.
func (s *Store) CreateJob(totalChunks int, chunkSizeBytes int64, parentMediaID, callbackURL string) (*Job, error) {
	if totalChunks <= 0 {
		return nil, &errors.ValidationError{Reason: fmt.Sprintf("totalChunks must be positive, got %d", totalChunks)}
	}
	if chunkSizeBytes <= 0 {
		return nil, &errors.ValidationError{Reason: fmt.Sprintf("chunkSizeBytes must be positive, got %d", chunkSizeBytes)}
	}

	now := s.now()
	job := &Job{
		ID:              uuid.New().String(),
		ParentMediaID:   parentMediaID,
		CallbackURL:     callbackURL,
		TotalChunks:     totalChunks,
		ChunkSizeBytes:  chunkSizeBytes,
		UploadedChunks:  make([]string, totalChunks),
		ProcessedChunks: make([]string, totalChunks),
		Status:          StatusUploading,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	s.record(job)
	return job.clone(), nil
}

// RecordChunkUploaded fills upload slot index with key. Slots fill in any
// order but are immutable once set: re-reporting the same key is a no-op,
// re-reporting a different key is rejected.
func (s *Store) RecordChunkUploaded(jobID string, index int, key string) (uploaded, total int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.getLocked(jobID)
	if err != nil {
		return 0, 0, err
	}
	if err := checkIndex(job, index); err != nil {
		return 0, 0, err
	}
	if key == "" {
		return 0, 0, &errors.ValidationError{Reason: "chunkKey must not be empty"}
	}

	if existing := job.UploadedChunks[index]; existing != "" {
		if existing == key {
			// idempotent re-report, no double count
			return job.UploadedCount(), job.TotalChunks, nil
		}
		return 0, 0, &errors.ValidationError{Reason: fmt.Sprintf("upload slot %d already holds a different key", index)}
	}
	if job.Status != StatusUploading {
		return 0, 0, &errors.StaleTransitionError{JobID: jobID, Op: "recordChunkUploaded", Current: string(job.Status)}
	}

	job.UploadedChunks[index] = key
	s.touchLocked(job)
	return job.UploadedCount(), job.TotalChunks, nil
}

// RecordChunkProcessed fills processing slot index with the transcoded chunk
// key. Reports arriving after the job left the processing phase (cancelled,
// failed, already stitching with this slot set) resolve to stale no-ops.
func (s *Store) RecordChunkProcessed(jobID string, index int, key string) (processed, total int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.getLocked(jobID)
	if err != nil {
		return 0, 0, err
	}
	if err := checkIndex(job, index); err != nil {
		return 0, 0, err
	}
	if key == "" {
		return 0, 0, &errors.ValidationError{Reason: "processedKey must not be empty"}
	}

	if existing := job.ProcessedChunks[index]; existing != "" {
		if existing == key {
			return job.ProcessedCount(), job.TotalChunks, nil
		}
		return 0, 0, &errors.ValidationError{Reason: fmt.Sprintf("processed slot %d already holds a different key", index)}
	}
	if job.Status != StatusProcessing {
		return 0, 0, &errors.StaleTransitionError{JobID: jobID, Op: "recordChunkProcessed", Current: string(job.Status)}
	}

	job.ProcessedChunks[index] = key
	s.touchLocked(job)
	return job.ProcessedCount(), job.TotalChunks, nil
}

// AdvanceStatus is the compare-and-set at the heart of the exactly-once
// transition guarantee: it succeeds only for the single caller that observes
// status == from, everyone else gets a StaleTransitionError.
func (s *Store) AdvanceStatus(jobID string, from, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.getLocked(jobID)
	if err != nil {
		return err
	}
	if job.Status != from || !from.canAdvanceTo(to) {
		return &errors.StaleTransitionError{JobID: jobID, Op: fmt.Sprintf("advance %s->%s", from, to), Current: string(job.Status)}
	}

	job.Status = to
	s.touchLocked(job)
	return nil
}

func (s *Store) MarkMergeStarted(jobID string) error {
	return s.AdvanceStatus(jobID, StatusProcessing, StatusStitching)
}

// MarkComplete sets the final artifact key; legal only from stitching, so the
// key is set at most once.
func (s *Store) MarkComplete(jobID, finalKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.getLocked(jobID)
	if err != nil {
		return err
	}
	if finalKey == "" {
		return &errors.ValidationError{Reason: "finalKey must not be empty"}
	}
	if job.Status != StatusStitching {
		return &errors.StaleTransitionError{JobID: jobID, Op: "markComplete", Current: string(job.Status)}
	}

	job.Status = StatusComplete
	job.FinalArtifactKey = finalKey
	s.touchLocked(job)
	return nil
}

// MarkFailed moves a job to failed from any non-terminal phase. A failure
// racing a natural completion loses and becomes a stale no-op.
func (s *Store) MarkFailed(jobID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.getLocked(jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return &errors.StaleTransitionError{JobID: jobID, Op: "markFailed", Current: string(job.Status)}
	}

	job.Status = StatusFailed
	job.ErrorMessage = reason
	s.touchLocked(job)
	return nil
}

// SetSpeedFactor records the uniform speed factor chosen for all chunks of
// the job. Set once at dispatch time.
func (s *Store) SetSpeedFactor(jobID string, factor float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.getLocked(jobID)
	if err != nil {
		return err
	}
	job.SpeedFactor = factor
	s.touchLocked(job)
	return nil
}

// GetJob returns a copy; callers cannot mutate store state through it.
func (s *Store) GetJob(jobID string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, err := s.getLocked(jobID)
	if err != nil {
		return nil, err
	}
	return job.clone(), nil
}

// ProcessedKeys returns the processed chunk keys in original index order.
// It errors if any slot is still empty, so a merge can never consume a
// partial set.
func (s *Store) ProcessedKeys(jobID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, err := s.getLocked(jobID)
	if err != nil {
		return nil, err
	}
	keys := make([]string, job.TotalChunks)
	for i, key := range job.ProcessedChunks {
		if key == "" {
			return nil, fmt.Errorf("processed slot %d for job %s is still empty", i, jobID)
		}
		keys[i] = key
	}
	return keys, nil
}

// InFlightCount reports how many jobs are in a non-terminal state.
func (s *Store) InFlightCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, job := range s.jobs {
		if !job.Status.Terminal() {
			count++
		}
	}
	return count
}

func (s *Store) getLocked(jobID string) (*Job, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, &errors.NotFoundError{JobID: jobID}
	}
	return job, nil
}

func checkIndex(job *Job, index int) error {
	if index < 0 || index >= job.TotalChunks {
		return &errors.ValidationError{Reason: fmt.Sprintf("chunk index %d out of range for job with %d chunks", index, job.TotalChunks)}
	}
	return nil
}

// touchLocked bumps UpdatedAt and pushes a copy to the recorder. Called with
// the store mutex held, so the recorder write happens off the lock.
func (s *Store) touchLocked(job *Job) {
	job.UpdatedAt = s.now()
	s.record(job)
}

func (s *Store) record(job *Job) {
	if s.recorder == nil {
		return
	}
	copied := job.clone()
	go func() {
		if err := s.recorder.SaveJob(copied); err != nil {
			log.LogError(copied.ID, "failed to persist job record", err)
		}
	}()
}
