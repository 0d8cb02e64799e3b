package persistence

import (
	"fmt"
	"strings"
)

// Key layout:
//
//	<run_id>:checkpoint:<seq>   checkpoints, zero-padded so keys sort by age
//	<run_id>:memory:<key>       shared cross-agent memory
//	runs:<run_id>               run index
const (
	checkpointSegment = ":checkpoint:"
	memorySegment     = ":memory:"
	runIndexPrefix    = "runs:"
)

// CheckpointID formats a checkpoint sequence number.
func CheckpointID(seq int) string {
	return fmt.Sprintf("%08d", seq)
}

// CheckpointKey returns the key of one checkpoint of a run.
func CheckpointKey(runID, checkpointID string) string {
	return runID + checkpointSegment + checkpointID
}

// CheckpointPrefix returns the prefix shared by all checkpoints of a run.
func CheckpointPrefix(runID string) string {
	return runID + checkpointSegment
}

// MemoryKey returns the key of one shared memory entry of a run.
func MemoryKey(runID, key string) string {
	return runID + memorySegment + key
}

// MemoryPrefix returns the prefix shared by all memory entries of a run.
func MemoryPrefix(runID string) string {
	return runID + memorySegment
}

// RunKey returns the run index key of a run.
func RunKey(runID string) string {
	return runIndexPrefix + runID
}

// RunPrefix is the prefix of the run index.
func RunPrefix() string {
	return runIndexPrefix
}

// TrimPrefix strips prefix from a listed key.
func TrimPrefix(key, prefix string) string {
	return strings.TrimPrefix(key, prefix)
}
