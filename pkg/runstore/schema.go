package runstore

import "fmt"

// Redis key pattern helpers
//
// Key pattern: lodge:{namespace}:{entity}:{id}
// Channel pattern: lodge:{namespace}:{event_type}_events

// RunKey returns the Redis key for a run record.
// Pattern: lodge:{namespace}:run:{run_id}
func RunKey(namespace, runID string) string {
	return fmt.Sprintf("lodge:%s:run:%s", namespace, runID)
}

// RunKeyPattern matches every run record of a namespace, for SCAN.
func RunKeyPattern(namespace string) string {
	return fmt.Sprintf("lodge:%s:run:*", namespace)
}

// PayloadKey returns the Redis key holding the job payload of a run.
// Pattern: lodge:{namespace}:payload:{run_id}
func PayloadKey(namespace, runID string) string {
	return fmt.Sprintf("lodge:%s:payload:%s", namespace, runID)
}

// SweepKey returns the Redis key for the ZSET of runs in a sweep, scored by index.
// Pattern: lodge:{namespace}:sweep:{sweep_id}
func SweepKey(namespace, sweepID string) string {
	return fmt.Sprintf("lodge:%s:sweep:%s", namespace, sweepID)
}

// RunEventsChannel returns the Pub/Sub channel carrying run updates.
// Pattern: lodge:{namespace}:run_events
func RunEventsChannel(namespace string) string {
	return fmt.Sprintf("lodge:%s:run_events", namespace)
}
