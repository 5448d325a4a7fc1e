package runstore

import (
	"fmt"
	"strconv"
)

// Runs are stored as Redis hashes. Optional numeric fields are written as
// empty strings when unset.

// RunToHash converts a Run to a Redis hash.
func RunToHash(r *Run) map[string]interface{} {
	return map[string]interface{}{
		"run_id":        r.RunID,
		"sweep_id":      r.SweepID,
		"job_id":        r.JobID,
		"index":         r.Index,
		"launcher":      r.Launcher,
		"external_id":   r.ExternalID,
		"status":        string(r.Status),
		"exit_code":     formatOptionalInt(r.ExitCode),
		"exit_detail":   r.ExitDetail,
		"output_dir":    r.OutputDir,
		"best_score":    formatOptionalFloat(r.BestScore),
		"objective":     formatOptionalFloat(r.Objective),
		"created_at_ms": r.CreatedAtMs,
		"updated_at_ms": r.UpdatedAtMs,
	}
}

// HashToRun converts a Redis hash back to a Run.
func HashToRun(hash map[string]string) (*Run, error) {
	index, err := strconv.Atoi(hash["index"])
	if err != nil {
		return nil, fmt.Errorf("invalid index field: %w", err)
	}
	exitCode, err := parseOptionalInt(hash["exit_code"])
	if err != nil {
		return nil, fmt.Errorf("invalid exit_code field: %w", err)
	}
	bestScore, err := parseOptionalFloat(hash["best_score"])
	if err != nil {
		return nil, fmt.Errorf("invalid best_score field: %w", err)
	}
	objective, err := parseOptionalFloat(hash["objective"])
	if err != nil {
		return nil, fmt.Errorf("invalid objective field: %w", err)
	}
	createdAtMs, _ := strconv.ParseInt(hash["created_at_ms"], 10, 64)
	updatedAtMs, _ := strconv.ParseInt(hash["updated_at_ms"], 10, 64)

	return &Run{
		RunID:       hash["run_id"],
		SweepID:     hash["sweep_id"],
		JobID:       hash["job_id"],
		Index:       index,
		Launcher:    hash["launcher"],
		ExternalID:  hash["external_id"],
		Status:      Status(hash["status"]),
		ExitCode:    exitCode,
		ExitDetail:  hash["exit_detail"],
		OutputDir:   hash["output_dir"],
		BestScore:   bestScore,
		Objective:   objective,
		CreatedAtMs: createdAtMs,
		UpdatedAtMs: updatedAtMs,
	}, nil
}

func formatOptionalInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func parseOptionalInt(s string) (*int, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func formatOptionalFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'g', -1, 64)
}

func parseOptionalFloat(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
