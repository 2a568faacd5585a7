package config

import "fmt"

// Task names are stable per (jobID, chunkIndex) so that a redispatch of the
// same task routes to the same worker execution slot instead of starting a
// duplicate one.
func ChunkTaskName(jobID string, chunkIndex int) string {
	return fmt.Sprintf("%s-chunk-%d", jobID, chunkIndex)
}

func MergeTaskName(jobID string) string {
	return fmt.Sprintf("%s-merge", jobID)
}
