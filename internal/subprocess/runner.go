package subprocess

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
)

const (
	// defaultGracePeriod is how long a terminated child may keep running
	// before it is killed outright.
	defaultGracePeriod = 5 * time.Second

	// outputTailBytes bounds captured stdout/stderr so a runaway child
	// cannot exhaust memory through logging.
	outputTailBytes = 8 * 1024
)

// Result describes a finished child process.
type Result struct {
	ExitCode   int
	StdoutTail string
	StderrTail string
	Duration   time.Duration
}

// Runner executes external commands in their own process group, so
// termination signals reach helper processes the command forks. Cancellation
// and deadline expiry send a soft signal first, then kill after a grace
// period.
type Runner struct {
	logger      arbor.ILogger
	gracePeriod time.Duration
}

// NewRunner creates a process runner.
func NewRunner(logger arbor.ILogger) *Runner {
	return &Runner{
		logger:      logger,
		gracePeriod: defaultGracePeriod,
	}
}

// Run starts the command and waits for it to finish or for ctx to end.
// A completed process returns a Result and nil error regardless of exit
// code; callers inspect ExitCode. A process that could not start, or was
// terminated by ctx, returns a non-nil error wrapping the cause (including
// exec.ErrNotFound for a missing binary and the ctx error on termination).
func (r *Runner) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	cmd := exec.Command(name, args...)
	setProcessGroup(cmd)

	stdout := newTailBuffer(outputTailBytes)
	stderr := newTailBuffer(outputTailBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	r.logger.Debug().
		Str("command", name).
		Int("pid", cmd.Process.Pid).
		Msg("Child process started")

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
	}()

	var waitErr error
	var terminated bool

	select {
	case waitErr = <-waitCh:
	case <-ctx.Done():
		terminated = true
		r.terminate(cmd, waitCh)
	}

	result := &Result{
		ExitCode:   exitCode(cmd, waitErr),
		StdoutTail: stdout.String(),
		StderrTail: stderr.String(),
		Duration:   time.Since(start),
	}

	if terminated {
		return result, fmt.Errorf("%s terminated: %w", name, ctx.Err())
	}
	return result, nil
}

// terminate signals the process group softly, waits out the grace period,
// then kills.
func (r *Runner) terminate(cmd *exec.Cmd, waitCh <-chan error) {
	r.logger.Warn().
		Str("command", cmd.Path).
		Int("pid", cmd.Process.Pid).
		Msg("Terminating child process group")

	if err := softKill(cmd); err != nil {
		r.logger.Warn().Err(err).Msg("Soft termination failed, killing immediately")
		_ = hardKill(cmd)
		<-waitCh
		return
	}

	select {
	case <-waitCh:
	case <-time.After(r.gracePeriod):
		_ = hardKill(cmd)
		<-waitCh
	}
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			return exitErr.ExitCode()
		}
	}
	return -1
}

// tailBuffer keeps only the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	data  []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, p...)
	if len(b.data) > b.limit {
		b.data = b.data[len(b.data)-b.limit:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}
