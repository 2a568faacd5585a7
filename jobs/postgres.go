package jobs

import (
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

const createTableStatement = `CREATE TABLE IF NOT EXISTS timelapse_jobs (
	id TEXT PRIMARY KEY,
	parent_media_id TEXT,
	total_chunks INTEGER NOT NULL,
	chunk_size_bytes BIGINT NOT NULL,
	uploaded_chunks TEXT[] NOT NULL,
	processed_chunks TEXT[] NOT NULL,
	status TEXT NOT NULL,
	final_artifact_key TEXT,
	error_message TEXT,
	speed_factor DOUBLE PRECISION,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`

const saveJobStatement = `INSERT INTO timelapse_jobs
	(id, parent_media_id, total_chunks, chunk_size_bytes, uploaded_chunks, processed_chunks, status, final_artifact_key, error_message, speed_factor, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (id) DO UPDATE SET
	uploaded_chunks = EXCLUDED.uploaded_chunks,
	processed_chunks = EXCLUDED.processed_chunks,
	status = EXCLUDED.status,
	final_artifact_key = EXCLUDED.final_artifact_key,
	error_message = EXCLUDED.error_message,
	speed_factor = EXCLUDED.speed_factor,
	updated_at = EXCLUDED.updated_at
	WHERE timelapse_jobs.updated_at <= EXCLUDED.updated_at`

// PostgresRecorder keeps a write-through copy of every job record for audit
// and recovery. It never participates in transition decisions. Saves are
// delivered asynchronously and may arrive out of order; the updated_at guard
// on the upsert keeps the newest snapshot in place.
type PostgresRecorder struct {
	db *sql.DB
}

func NewPostgresRecorder(db *sql.DB) (*PostgresRecorder, error) {
	if _, err := db.Exec(createTableStatement); err != nil {
		return nil, fmt.Errorf("failed to create timelapse_jobs table: %w", err)
	}
	return &PostgresRecorder{db: db}, nil
}

func (r *PostgresRecorder) SaveJob(job *Job) error {
	_, err := r.db.Exec(
		saveJobStatement,
		job.ID,
		job.ParentMediaID,
		job.TotalChunks,
		job.ChunkSizeBytes,
		pq.Array(job.UploadedChunks),
		pq.Array(job.ProcessedChunks),
		string(job.Status),
		job.FinalArtifactKey,
		job.ErrorMessage,
		job.SpeedFactor,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}
