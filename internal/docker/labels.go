package docker

import (
	"fmt"
	"regexp"
	"strconv"
)

// Label keys used for lodge job containers
const (
	LabelProject    = "lodge.project"
	LabelExperiment = "lodge.experiment"
	LabelSweepID    = "lodge.sweep_id"
	LabelRunID      = "lodge.run_id"
	LabelJobIndex   = "lodge.job.index"
	LabelJobID      = "lodge.job.id"

	// Scheduling hints, copied from the launcher config without interpretation
	LabelAccount   = "lodge.account"
	LabelQoS       = "lodge.qos"
	LabelPartition = "lodge.partition"
	LabelTimeLimit = "lodge.time_limit"
)

// MaxNameLength is the maximum length for an experiment name (DNS-compatible)
const MaxNameLength = 63

// NamePattern is the regex pattern for valid experiment names.
// Must be DNS-compatible: lowercase alphanumeric, hyphens allowed (but not at start/end)
var NamePattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// ValidateName checks if an experiment name can be used in container names.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("experiment name cannot be empty")
	}

	if len(name) > MaxNameLength {
		return fmt.Errorf("experiment name too long: %d characters (max: %d)", len(name), MaxNameLength)
	}

	if !NamePattern.MatchString(name) {
		return fmt.Errorf("invalid experiment name '%s': must be lowercase alphanumeric with hyphens (not at start/end)", name)
	}

	return nil
}

// BuildLabels creates the standard label set for a job container.
// jobID is omitted when empty (jobs without sweep axes).
func BuildLabels(experiment, sweepID, runID string, index int, jobID string) map[string]string {
	labels := map[string]string{
		LabelProject:    "true",
		LabelExperiment: experiment,
		LabelSweepID:    sweepID,
		LabelRunID:      runID,
		LabelJobIndex:   strconv.Itoa(index),
	}

	if jobID != "" {
		labels[LabelJobID] = jobID
	}

	return labels
}

// JobContainerName returns the container name for a run.
func JobContainerName(experiment, runID string) string {
	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("lodge-%s-%s", experiment, short)
}
