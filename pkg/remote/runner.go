package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/devports/rpt/pkg/logging"
)

var (
	// ErrConnectionFailed means the host could not be reached or refused us.
	ErrConnectionFailed = errors.New("ssh connection failed")
	// ErrTimeout means the command was cut off before ssh reported an exit code.
	ErrTimeout = errors.New("remote command timed out")
)

// sshConnectionExitCode is what the ssh client exits with on its own errors.
const sshConnectionExitCode = 255

// IsConnectionFailure reports whether err should be recorded as a failed
// connection rather than a parse result.
func IsConnectionFailure(err error) bool {
	return errors.Is(err, ErrConnectionFailed) || errors.Is(err, ErrTimeout)
}

// Transport runs one shell command on a host. exitCode is -1 when the
// command never reported one; err is set only in that case.
type Transport interface {
	Run(ctx context.Context, host, command string) (stdout string, exitCode int, err error)
}

// Result is the raw outcome of one composite command.
type Result struct {
	Host     string
	Stdout   string
	ExitCode int
	Duration time.Duration
}

// Runner sends the composite scan command to hosts.
type Runner struct {
	transport Transport
	timeout   time.Duration
}

// NewRunner bounds every run by timeout; zero means only ctx bounds it.
func NewRunner(transport Transport, timeout time.Duration) *Runner {
	return &Runner{transport: transport, timeout: timeout}
}

// Run executes the composite command on host. Any exit code other than the
// ssh client's own 255 is success; the GPU probe alone exits non-zero on
// hosts without a GPU.
func (r *Runner) Run(ctx context.Context, host string) (*Result, error) {
	if err := ValidateHost(host); err != nil {
		return nil, err
	}

	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	stdout, code, err := r.transport.Run(runCtx, host, CompositeCommand())
	res := &Result{
		Host:     host,
		Stdout:   stdout,
		ExitCode: code,
		Duration: time.Since(start),
	}

	switch {
	case code == sshConnectionExitCode:
		return res, fmt.Errorf("%w: %s exited %d", ErrConnectionFailed, host, code)
	case errors.Is(err, ErrConnectionFailed):
		return res, err
	case code < 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return res, fmt.Errorf("%w: %s after %s", ErrTimeout, host, res.Duration.Round(time.Millisecond))
	case code < 0 && runCtx.Err() != nil:
		return res, runCtx.Err()
	case code < 0:
		if err == nil {
			err = errors.New("no exit status")
		}
		return res, fmt.Errorf("%w: %s: %v", ErrConnectionFailed, host, err)
	}

	logging.Debug("remote", "%s answered in %s (exit %d, %d bytes)", host, res.Duration.Round(time.Millisecond), code, len(stdout))
	return res, nil
}
