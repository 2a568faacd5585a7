package jobs

import "time"

// Status is the phase a job is in. It only ever advances forward through
// uploading -> processing -> stitching -> complete, or jumps to failed; it
// never regresses.
type Status string

const (
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	StatusStitching  Status = "stitching"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

var statusRank = map[Status]int{
	StatusUploading:  0,
	StatusProcessing: 1,
	StatusStitching:  2,
	StatusComplete:   3,
}

func (s Status) IsValid() bool {
	switch s {
	case StatusUploading, StatusProcessing, StatusStitching, StatusComplete, StatusFailed:
		return true
	default:
		return false
	}
}

func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// canAdvanceTo reports whether a transition from s to next is a legal forward
// move in the state machine.
func (s Status) canAdvanceTo(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	curRank, ok := statusRank[s]
	if !ok {
		return false
	}
	nextRank, ok := statusRank[next]
	if !ok {
		return false
	}
	return nextRank == curRank+1
}

// Job is the durable record of one timelapse-processing request. Slot arrays
// are sparse: slot i holds the storage key for chunk i once reported, else "".
type Job struct {
	ID             string
	ParentMediaID  string
	CallbackURL    string
	TotalChunks    int
	ChunkSizeBytes int64

	UploadedChunks  []string
	ProcessedChunks []string

	Status           Status
	FinalArtifactKey string
	ErrorMessage     string

	SpeedFactor float64

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (j *Job) UploadedCount() int {
	return countFilled(j.UploadedChunks)
}

func (j *Job) ProcessedCount() int {
	return countFilled(j.ProcessedChunks)
}

func countFilled(slots []string) int {
	n := 0
	for _, s := range slots {
		if s != "" {
			n++
		}
	}
	return n
}

func (j *Job) clone() *Job {
	copied := *j
	copied.UploadedChunks = append([]string(nil), j.UploadedChunks...)
	copied.ProcessedChunks = append([]string(nil), j.ProcessedChunks...)
	return &copied
}

// JobView is the read-only projection served to polling callers.
type JobView struct {
	ID                    string  `json:"job_id"`
	Status                Status  `json:"status"`
	TotalChunks           int     `json:"total_chunks"`
	UploadedCount         int     `json:"uploaded_count"`
	ProcessedCount        int     `json:"processed_count"`
	UploadProgressPct     float64 `json:"upload_progress_pct"`
	ProcessingProgressPct float64 `json:"processing_progress_pct"`
	FinalArtifactKey      string  `json:"final_artifact_key,omitempty"`
	ErrorMessage          string  `json:"error_message,omitempty"`
}

func (j *Job) View() JobView {
	return JobView{
		ID:                    j.ID,
		Status:                j.Status,
		TotalChunks:           j.TotalChunks,
		UploadedCount:         j.UploadedCount(),
		ProcessedCount:        j.ProcessedCount(),
		UploadProgressPct:     progressPct(j.UploadedCount(), j.TotalChunks),
		ProcessingProgressPct: progressPct(j.ProcessedCount(), j.TotalChunks),
		FinalArtifactKey:      j.FinalArtifactKey,
		ErrorMessage:          j.ErrorMessage,
	}
}

func progressPct(count, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(count) / float64(total) * 100
}
