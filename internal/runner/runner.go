package runner

import (
	"context"
	"io"
	"os/exec"
	"time"
)

const tailBufSize = 64 * 1024 // 64KB

// TailBuffer is an io.Writer that retains only the most recent bytes
// written to it, up to a fixed capacity.
type TailBuffer struct {
	max int
	buf []byte
}

// NewTailBuffer creates a TailBuffer with the given capacity.
func NewTailBuffer(max int) *TailBuffer {
	return &TailBuffer{max: max}
}

// Write implements io.Writer. Older data is discarded once capacity
// is exceeded; Write never fails.
func (t *TailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= t.max {
		t.buf = append(t.buf[:0], p[n-t.max:]...)
		return n, nil
	}
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		copy(t.buf, t.buf[over:])
		t.buf = t.buf[:t.max]
	}
	return n, nil
}

// String returns the retained tail in chronological order.
func (t *TailBuffer) String() string {
	return string(t.buf)
}

// Attempt is the record of one execution of a job's command.
type Attempt struct {
	Number      int
	StartedAt   time.Time
	FinishedAt  time.Time
	ExitCode    int // -1 when the process produced no exit code
	Stdout      string
	Stderr      string
	TimedOut    bool
	SpawnFailed bool
	Error       string // spawn/termination error, empty on a clean exit
}

// Succeeded reports whether the attempt ran to completion with exit code 0.
func (a *Attempt) Succeeded() bool {
	return a.ExitCode == 0 && !a.TimedOut && a.Error == ""
}

// Duration returns the wall-clock time the attempt took.
func (a *Attempt) Duration() time.Duration {
	return a.FinishedAt.Sub(a.StartedAt)
}

// Runner executes external transfer commands.
type Runner struct{}

// RunOptions controls the execution environment and optional extra
// output destinations for a command run.
type RunOptions struct {
	ExtraStdout io.Writer
	ExtraStderr io.Writer
	WorkDir     string
	Env         map[string]string
	JobName     string
	RunID       string
}

// NewRunner creates a new Runner.
func NewRunner() *Runner {
	return &Runner{}
}

// Run executes command with the given arguments and returns an Attempt
// describing the outcome. A non-zero exit code is recorded on the
// Attempt, not reported as an error; only spawn failures and forced
// termination set Attempt.Error. If timeout is positive the process is
// killed once it elapses and the attempt is marked TimedOut.
func (r *Runner) Run(ctx context.Context, command string, args []string, timeout time.Duration, opts *RunOptions) *Attempt {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, command, args...)
	if opts != nil {
		cmd.Env = BuildEnv(opts.Env, opts.JobName, opts.RunID)
		if opts.WorkDir != "" {
			cmd.Dir = opts.WorkDir
		}
	}

	stdoutBuf := NewTailBuffer(tailBufSize)
	stderrBuf := NewTailBuffer(tailBufSize)
	if opts != nil {
		cmd.Stdout = newTeeWriter(stdoutBuf, opts.ExtraStdout)
		cmd.Stderr = newTeeWriter(stderrBuf, opts.ExtraStderr)
	} else {
		cmd.Stdout = stdoutBuf
		cmd.Stderr = stderrBuf
	}

	att := &Attempt{
		StartedAt: time.Now(),
		ExitCode:  -1,
	}

	if err := cmd.Start(); err != nil {
		att.FinishedAt = time.Now()
		att.SpawnFailed = true
		att.Error = err.Error()
		return att
	}

	err := cmd.Wait()
	att.FinishedAt = time.Now()
	att.Stdout = stdoutBuf.String()
	att.Stderr = stderrBuf.String()

	if err == nil {
		att.ExitCode = 0
		return att
	}

	if ctx.Err() == context.DeadlineExceeded {
		att.TimedOut = true
		return att
	}
	if exitErr, ok := err.(*exec.ExitError); ok && ctx.Err() == nil {
		att.ExitCode = exitErr.ExitCode()
		return att
	}
	// Killed by cancellation or failed during wait.
	att.Error = err.Error()
	return att
}

type teeWriter struct {
	primary   io.Writer
	secondary io.Writer
}

func newTeeWriter(primary io.Writer, secondary io.Writer) io.Writer {
	if secondary == nil {
		return primary
	}
	return &teeWriter{primary: primary, secondary: secondary}
}

func (t *teeWriter) Write(p []byte) (int, error) {
	n, err := t.primary.Write(p)
	if t.secondary != nil {
		_, _ = t.secondary.Write(p)
	}
	return n, err
}
