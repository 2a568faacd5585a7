package jobs

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/timelapselabs/timelapse-api/errors"
)

func TestCreateJobValidation(t *testing.T) {
	store := NewStore()

	_, err := store.CreateJob(0, 1024, "", "")
	require.True(t, errors.IsValidation(err))

	_, err = store.CreateJob(3, 0, "", "")
	require.True(t, errors.IsValidation(err))

	job, err := store.CreateJob(3, 1024, "media-1", "http://localhost:3000/cb")
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	require.Equal(t, StatusUploading, job.Status)
	require.Len(t, job.UploadedChunks, 3)
	require.Len(t, job.ProcessedChunks, 3)
	require.Equal(t, "media-1", job.ParentMediaID)
}

func TestRecordChunkUploadedIsIdempotent(t *testing.T) {
	store := NewStore()
	job, err := store.CreateJob(3, 1024, "", "")
	require.NoError(t, err)

	uploaded, total, err := store.RecordChunkUploaded(job.ID, 1, "chunks/1")
	require.NoError(t, err)
	require.Equal(t, 1, uploaded)
	require.Equal(t, 3, total)

	// same key again must not double count
	uploaded, _, err = store.RecordChunkUploaded(job.ID, 1, "chunks/1")
	require.NoError(t, err)
	require.Equal(t, 1, uploaded)

	// a different key for a filled slot is rejected
	_, _, err = store.RecordChunkUploaded(job.ID, 1, "chunks/other")
	require.True(t, errors.IsValidation(err))

	_, _, err = store.RecordChunkUploaded(job.ID, 5, "chunks/5")
	require.True(t, errors.IsValidation(err))
}

func TestStatusNeverRegresses(t *testing.T) {
	store := NewStore()
	job, err := store.CreateJob(1, 1024, "", "")
	require.NoError(t, err)

	require.NoError(t, store.AdvanceStatus(job.ID, StatusUploading, StatusProcessing))

	// can't go backwards
	err = store.AdvanceStatus(job.ID, StatusProcessing, StatusUploading)
	require.True(t, errors.IsStaleTransition(err))

	// can't skip ahead
	err = store.AdvanceStatus(job.ID, StatusProcessing, StatusComplete)
	require.True(t, errors.IsStaleTransition(err))

	require.NoError(t, store.MarkMergeStarted(job.ID))
	require.NoError(t, store.MarkComplete(job.ID, "final/out.mp4"))

	// terminal states accept no further transitions
	err = store.MarkFailed(job.ID, "too late")
	require.True(t, errors.IsStaleTransition(err))

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusComplete, got.Status)
	require.Equal(t, "final/out.mp4", got.FinalArtifactKey)
	require.Empty(t, got.ErrorMessage)
}

func TestAdvanceStatusFiresExactlyOnceUnderContention(t *testing.T) {
	store := NewStore()
	job, err := store.CreateJob(4, 1024, "", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wins := make(chan struct{}, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.AdvanceStatus(job.ID, StatusUploading, StatusProcessing); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	require.Equal(t, 1, count)
}

func TestProcessedReportAfterFailureIsStale(t *testing.T) {
	store := NewStore()
	job, err := store.CreateJob(2, 1024, "", "")
	require.NoError(t, err)
	require.NoError(t, store.AdvanceStatus(job.ID, StatusUploading, StatusProcessing))
	require.NoError(t, store.MarkFailed(job.ID, "cancelled by caller"))

	_, _, err = store.RecordChunkProcessed(job.ID, 0, "processed/0")
	require.True(t, errors.IsStaleTransition(err))

	// the job must not be resurrected
	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, "cancelled by caller", got.ErrorMessage)
}

func TestProcessedKeysPreserveIndexOrder(t *testing.T) {
	store := NewStore()
	job, err := store.CreateJob(3, 1024, "", "")
	require.NoError(t, err)
	require.NoError(t, store.AdvanceStatus(job.ID, StatusUploading, StatusProcessing))

	// completion order 2, 0, 1
	for _, idx := range []int{2, 0, 1} {
		_, _, err := store.RecordChunkProcessed(job.ID, idx, fmt.Sprintf("processed/%d", idx))
		require.NoError(t, err)
	}

	keys, err := store.ProcessedKeys(job.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"processed/0", "processed/1", "processed/2"}, keys)
}

func TestProcessedKeysRejectPartialSet(t *testing.T) {
	store := NewStore()
	job, err := store.CreateJob(3, 1024, "", "")
	require.NoError(t, err)
	require.NoError(t, store.AdvanceStatus(job.ID, StatusUploading, StatusProcessing))

	_, _, err = store.RecordChunkProcessed(job.ID, 0, "processed/0")
	require.NoError(t, err)

	_, err = store.ProcessedKeys(job.ID)
	require.Error(t, err)
}

func TestProgressIsMonotonicWithinPhase(t *testing.T) {
	store := NewStore()
	job, err := store.CreateJob(4, 1024, "", "")
	require.NoError(t, err)

	var last float64
	for i := 0; i < 4; i++ {
		_, _, err := store.RecordChunkUploaded(job.ID, i, fmt.Sprintf("chunks/%d", i))
		require.NoError(t, err)
		got, err := store.GetJob(job.ID)
		require.NoError(t, err)
		pct := got.View().UploadProgressPct
		require.GreaterOrEqual(t, pct, last)
		last = pct
	}
	require.Equal(t, float64(100), last)
}

func TestUpdatedAtBumpsOnMutation(t *testing.T) {
	current := time.Unix(1700000000, 0)
	store := NewStore(WithClock(func() time.Time { return current }))

	job, err := store.CreateJob(1, 1024, "", "")
	require.NoError(t, err)
	require.Equal(t, current, job.UpdatedAt)

	current = current.Add(time.Minute)
	_, _, err = store.RecordChunkUploaded(job.ID, 0, "chunks/0")
	require.NoError(t, err)

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	require.Equal(t, current, got.UpdatedAt)
	require.True(t, got.UpdatedAt.After(got.CreatedAt))
}

func TestGetJobReturnsACopy(t *testing.T) {
	store := NewStore()
	job, err := store.CreateJob(2, 1024, "", "")
	require.NoError(t, err)

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	got.UploadedChunks[0] = "tampered"
	got.Status = StatusFailed

	fresh, err := store.GetJob(job.ID)
	require.NoError(t, err)
	require.Empty(t, fresh.UploadedChunks[0])
	require.Equal(t, StatusUploading, fresh.Status)
}

func TestInFlightCount(t *testing.T) {
	store := NewStore()
	a, err := store.CreateJob(1, 1024, "", "")
	require.NoError(t, err)
	_, err = store.CreateJob(1, 1024, "", "")
	require.NoError(t, err)
	require.Equal(t, 2, store.InFlightCount())

	require.NoError(t, store.MarkFailed(a.ID, "boom"))
	require.Equal(t, 1, store.InFlightCount())
}
