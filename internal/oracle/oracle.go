// Package oracle invokes the external verifier and planner processes and
// captures their output as immutable Run records. No retries happen at this
// layer; retry policy belongs to the convergence loop.
package oracle

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"planverd/internal/logging"
)

// Run is one invocation of the verifier or planner. Immutable once produced.
type Run struct {
	TaskID     string        `json:"task_id"`
	Command    []string      `json:"command"`
	ExitCode   int           `json:"exit_code"`
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr"`
	RawOutput  string        `json:"-"`
	OutputHash string        `json:"output_hash"`
	Timestamp  time.Time     `json:"timestamp"`
	Duration   time.Duration `json:"-"`
}

// defaultMaxOutputBytes caps captured process output per stream.
const defaultMaxOutputBytes int64 = 4 << 20

// Verifier runs the external VAL checker on a (domain, problem[, plan])
// triple.
type Verifier struct {
	Binary         string
	Verbose        bool
	Timeout        time.Duration
	MaxOutputBytes int64
}

// NewVerifier creates a verifier adapter for the given binary.
func NewVerifier(binary string, verbose bool, timeout time.Duration) *Verifier {
	return &Verifier{Binary: binary, Verbose: verbose, Timeout: timeout}
}

// EnsureInstalled fails fast when the verifier binary is not on PATH.
func (v *Verifier) EnsureInstalled() error {
	if _, err := exec.LookPath(v.Binary); err != nil {
		return fmt.Errorf("verifier binary %q not found in PATH: %w", v.Binary, err)
	}
	return nil
}

// Run invokes the verifier. The plan path is optional: pass "" for
// problem-only verification. A process launch failure is reported inside the
// returned Run (non-zero exit code, message in RawOutput), never as an error.
func (v *Verifier) Run(ctx context.Context, taskID, domain, problem, plan string) *Run {
	args := []string{}
	if v.Verbose {
		args = append(args, "-v")
	}
	args = append(args, domain, problem)
	if plan != "" {
		args = append(args, plan)
	}
	return invoke(ctx, taskID, v.Binary, args, v.Timeout, v.maxOutput())
}

func (v *Verifier) maxOutput() int64 {
	if v.MaxOutputBytes > 0 {
		return v.MaxOutputBytes
	}
	return defaultMaxOutputBytes
}

// Planner runs the external classical planner on a (domain, problem) pair.
type Planner struct {
	Binary         string
	Args           []string
	Timeout        time.Duration
	MaxOutputBytes int64
}

// NewPlanner creates a planner adapter.
func NewPlanner(binary string, args []string, timeout time.Duration) *Planner {
	return &Planner{Binary: binary, Args: args, Timeout: timeout}
}

// Run invokes the planner; success is exit code 0.
func (p *Planner) Run(ctx context.Context, taskID, domain, problem string) *Run {
	args := append(append([]string{}, p.Args...), domain, problem)
	max := p.MaxOutputBytes
	if max <= 0 {
		max = defaultMaxOutputBytes
	}
	return invoke(ctx, taskID, p.Binary, args, p.Timeout, max)
}

// invoke spawns one external process, capturing stdout and stderr separately
// through size-limited writers. RawOutput concatenates them with a single
// separating newline for classification.
func invoke(ctx context.Context, taskID, binary string, args []string, timeout time.Duration, maxOutput int64) *Run {
	command := append([]string{binary}, args...)

	run := &Run{
		TaskID:    taskID,
		Command:   command,
		ExitCode:  -1,
		Timestamp: time.Now(),
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	logging.Oracle("Invoking: %s", strings.Join(command, " "))

	cmd := exec.CommandContext(ctx, binary, args...)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, max: maxOutput}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, max: maxOutput}

	start := time.Now()
	err := cmd.Run()
	run.Duration = time.Since(start)

	run.Stdout = stdoutBuf.String()
	run.Stderr = stderrBuf.String()

	switch {
	case err == nil:
		run.ExitCode = 0
	case ctx.Err() == context.DeadlineExceeded:
		run.Stderr = appendLine(run.Stderr, fmt.Sprintf("process killed: timeout after %s", timeout))
		logging.OracleWarn("%s killed after %s", binary, timeout)
	default:
		if exitErr, ok := err.(*exec.ExitError); ok {
			run.ExitCode = exitErr.ExitCode()
		} else {
			// Launch failure: surfaced inside the run, never raised.
			run.Stderr = appendLine(run.Stderr, fmt.Sprintf("failed to launch %s: %v", binary, err))
			logging.OracleWarn("launch failure for %s: %v", binary, err)
		}
	}

	run.RawOutput = run.Stdout + "\n" + run.Stderr
	run.OutputHash = HashOutput(run.RawOutput)

	logging.OracleDebug("%s exited %d in %s (%d bytes stdout)",
		binary, run.ExitCode, run.Duration, len(run.Stdout))
	return run
}

func appendLine(s, line string) string {
	if s == "" {
		return line
	}
	return s + "\n" + line
}

// HashOutput returns the content digest used for ledger deduplication.
// Identical output always hashes identically.
func HashOutput(raw string) string {
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// ProblemValid reports whether a problem-only verification succeeded. VAL
// signals this mode with an "Errors: N, warnings: M" summary line rather
// than a "Plan valid" line, so the two detection paths stay separate.
func ProblemValid(run *Run) bool {
	output := strings.ToLower(run.RawOutput)

	if strings.Contains(output, "parser failed to read file") {
		return false
	}

	lines := strings.Split(run.RawOutput, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.ToLower(strings.TrimSpace(lines[i]))
		if !strings.HasPrefix(line, "errors:") {
			continue
		}
		// e.g. "errors: 1, warnings: 0"
		errPart := strings.SplitN(line, ",", 2)[0]
		fields := strings.SplitN(errPart, ":", 2)
		if len(fields) != 2 {
			break
		}
		n, err := strconv.Atoi(strings.TrimSpace(fields[1]))
		if err != nil {
			break
		}
		return n == 0
	}

	return run.ExitCode == 0
}

// limitedWriter is an io.Writer that limits total bytes written; overflow is
// silently discarded so a chatty process cannot exhaust memory.
type limitedWriter struct {
	w       io.Writer
	max     int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.written >= lw.max {
		return n, nil
	}
	if remaining := lw.max - lw.written; int64(n) > remaining {
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err
	}
	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
