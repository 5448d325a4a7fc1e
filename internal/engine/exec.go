package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/dyluth/lodge/internal/tree"
)

// maxOutputSize is the maximum number of bytes kept from trainer stdout/stderr (10MB)
const maxOutputSize = 10 * 1024 * 1024

// Exec runs an external trainer command.
//
// The command receives the job description as YAML on stdin and
// LODGE_OUTPUT_DIR, LODGE_JOB_ID and PL_GLOBAL_SEED in its environment. It
// reports its result as a JSON object line on stdout, for example
// {"best_score": 0.93}; the last such line wins. A non-zero exit code is a
// failed fit.
type Exec struct {
	Command []string
	Options *tree.Map // Trainer keyword arguments, passed through untouched

	// Stdout and Stderr receive a live copy of the process output. Nil
	// discards it.
	Stdout io.Writer
	Stderr io.Writer
}

// NewExec creates an Exec trainer.
func NewExec(command []string, options *tree.Map) *Exec {
	return &Exec{Command: command, Options: options, Stdout: os.Stdout, Stderr: os.Stderr}
}

// Fit validates model, runs the trainer command to completion and returns
// its outcome.
func (e *Exec) Fit(ctx context.Context, model any, env Environment) (Outcome, error) {
	if len(e.Command) == 0 {
		return Outcome{ExitCode: -1}, fmt.Errorf("trainer command is empty")
	}
	if v, ok := model.(Validator); ok {
		if err := v.Validate(); err != nil {
			return Outcome{ExitCode: -1}, fmt.Errorf("model is not ready to fit: %w", err)
		}
	}

	desc, err := Describe(model, env, e.Options)
	if err != nil {
		return Outcome{ExitCode: -1}, err
	}
	input, err := tree.Encode(desc)
	if err != nil {
		return Outcome{ExitCode: -1}, fmt.Errorf("failed to encode job description: %w", err)
	}

	out := Outcome{}
	if m, ok := model.(Monitored); ok {
		out.Monitor, out.Direction = m.ValMonitor()
	}

	log.Printf("[Engine] event=fit_started job_id=%s command=%v output_dir=%s", env.JobID, e.Command, env.OutputDir)

	exitCode, stdout, stderr, err := e.run(ctx, input, env)
	out.ExitCode = exitCode
	if err != nil {
		log.Printf("[Engine] event=fit_failed job_id=%s exit_code=%d error=%v stderr=%s",
			env.JobID, exitCode, err, truncate(stderr, 500))
		return out, err
	}

	score, err := ParseBestScore(stdout)
	if err != nil {
		return out, fmt.Errorf("failed to parse trainer output: %w", err)
	}
	if score != nil {
		obj := Objective(*score, out.Direction)
		out.BestScore = score
		out.Objective = &obj
	}

	log.Printf("[Engine] event=fit_completed job_id=%s exit_code=%d best_score=%s",
		env.JobID, exitCode, formatScore(out.BestScore))
	return out, nil
}

func (e *Exec) run(ctx context.Context, input []byte, env Environment) (int, string, string, error) {
	var cmd *exec.Cmd
	if len(e.Command) == 1 {
		cmd = exec.CommandContext(ctx, e.Command[0])
	} else {
		cmd = exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	}
	cmd.Env = append(os.Environ(),
		EnvOutputDir+"="+env.OutputDir,
		EnvJobID+"="+env.JobID,
		EnvSeed+"="+strconv.FormatInt(env.Seed, 10),
	)
	cmd.Stdin = bytes.NewReader(input)

	stdoutBuf := &bytes.Buffer{}
	stderrBuf := &bytes.Buffer{}
	cmd.Stdout = tee(&limitedWriter{w: stdoutBuf, limit: maxOutputSize}, e.Stdout)
	cmd.Stderr = tee(&limitedWriter{w: stderrBuf, limit: maxOutputSize}, e.Stderr)

	if err := cmd.Start(); err != nil {
		return -1, "", "", fmt.Errorf("failed to start trainer: %w", err)
	}
	err := cmd.Wait()

	stdout := stdoutBuf.String()
	stderr := stderrBuf.String()

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code := exitErr.ExitCode()
			if ctx.Err() != nil {
				return code, stdout, stderr, fmt.Errorf("trainer interrupted: %w", ctx.Err())
			}
			return code, stdout, stderr, fmt.Errorf("trainer exited with code %d", code)
		}
		return -1, stdout, stderr, err
	}
	return 0, stdout, stderr, nil
}

// ParseBestScore returns the best_score of the last JSON object line in
// stdout. It returns nil when no line reports a score; a null score is
// also nil.
func ParseBestScore(stdout string) (*float64, error) {
	var last string
	scanner := bufio.NewScanner(strings.NewReader(stdout))
	scanner.Buffer(make([]byte, 64*1024), maxOutputSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "{") && strings.HasSuffix(line, "}") {
			last = line
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if last == "" {
		return nil, nil
	}

	var result struct {
		BestScore *float64 `json:"best_score"`
	}
	if err := json.Unmarshal([]byte(last), &result); err != nil {
		return nil, fmt.Errorf("invalid JSON %q: %w", truncate(last, 200), err)
	}
	return result.BestScore, nil
}

func formatScore(f *float64) string {
	if f == nil {
		return "none"
	}
	return strconv.FormatFloat(*f, 'g', -1, 64)
}

func tee(capture io.Writer, live io.Writer) io.Writer {
	if live == nil {
		return capture
	}
	return io.MultiWriter(capture, live)
}

// limitedWriter wraps a writer and enforces a size limit.
// Once the limit is reached, further writes are discarded.
type limitedWriter struct {
	w       io.Writer
	limit   int
	written int
}

func (lw *limitedWriter) Write(p []byte) (n int, err error) {
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return len(p), nil
	}

	toWrite := p
	if len(p) > remaining {
		toWrite = p[:remaining]
	}

	n, err = lw.w.Write(toWrite)
	lw.written += n
	return len(p), err
}

// truncate limits a string to maxLen characters, appending "..." if truncated
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
