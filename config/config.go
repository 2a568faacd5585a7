package config

import "time"

var Version string

// Used so that we can generate fixed timestamps in tests
var Clock TimestampGenerator = RealTimestampGenerator{}

// Maximum number of jobs allowed to be in a non-terminal state before job
// creation starts returning 429s
var MaxInFlightJobs = 8

// Deadline given to a single chunk transcode. Chunks are bounded in size, so
// this is generous rather than tight.
var ChunkTaskTimeout = 10 * time.Minute

// Deadline given to the merge task. Merge cost scales with total output
// length so it gets a longer deadline than any single chunk.
var MergeTaskTimeout = 30 * time.Minute

// TTL for presigned object store URLs handed to workers and uploaders
var PresignedURLExpiry = 15 * time.Minute
