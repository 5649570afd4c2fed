package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Kind classifies a step failure so the orchestrator can decide
// retry vs. fallback vs. fatal. Controllers never make that call.
type Kind int

const (
	// KindTimeout means a step exceeded its budget. Always recoverable.
	KindTimeout Kind = iota
	// KindDaemon means an external process failed or exited unexpectedly.
	KindDaemon
	// KindResource means a required binary or the interface itself is
	// missing. No retry can fix this.
	KindResource
	// KindValidation means the input itself was malformed.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindDaemon:
		return "daemon"
	case KindResource:
		return "resource"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// StepError is a structured failure of a single controller step.
type StepError struct {
	Step string
	Kind Kind
	Err  error
}

func (e *StepError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Step, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Step, e.Kind)
}

func (e *StepError) Unwrap() error { return e.Err }

// KindOf extracts the failure kind from err, defaulting to KindDaemon.
func KindOf(err error) Kind {
	var se *StepError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindDaemon
}

// Result holds the outcome of an executed command. A non-zero exit code is
// not an error; callers inspect ExitCode, since for tools like nmcli and ip
// specific codes carry meaning.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// OK reports whether the command exited zero.
func (r Result) OK() bool { return r.ExitCode == 0 }

// Runner executes external networking commands.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// Exec runs commands via os/exec with a per-call timeout cap.
type Exec struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewExec creates a command runner. timeout caps every call that arrives
// without its own earlier deadline.
func NewExec(timeout time.Duration, logger *slog.Logger) *Exec {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Exec{timeout: timeout, logger: logger.With("component", "runner")}
}

// Run executes name with args. The returned error is non-nil only when the
// command could not run at all (missing binary, context expired); ordinary
// non-zero exits are reported through Result.ExitCode.
func (e *Exec) Run(ctx context.Context, name string, args ...string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout: strings.TrimSpace(stdout.String()),
		Stderr: strings.TrimSpace(stderr.String()),
	}

	switch {
	case err == nil:
		e.logger.Debug("exec ok", "cmd", name, "args", args, "took", time.Since(start))
		return res, nil
	case ctx.Err() != nil:
		e.logger.Warn("exec timeout", "cmd", name, "args", args)
		return res, &StepError{Step: name, Kind: KindTimeout, Err: ctx.Err()}
	case errors.Is(err, exec.ErrNotFound):
		return res, &StepError{Step: name, Kind: KindResource, Err: err}
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			e.logger.Debug("exec nonzero", "cmd", name, "args", args, "code", res.ExitCode, "stderr", res.Stderr)
			return res, nil
		}
		return res, &StepError{Step: name, Kind: KindResource, Err: err}
	}
}
