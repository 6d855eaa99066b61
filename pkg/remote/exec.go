package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/devports/rpt/pkg/process"
)

// ExecTransport runs commands through the system ssh client, so every
// authentication method the user already has configured keeps working.
type ExecTransport struct {
	argv           []string
	connectTimeout time.Duration
	env            []string
}

// NewExecTransport splits sshCommand (e.g. "ssh -F ~/.ssh/work") into the
// argv prefix used for every call.
func NewExecTransport(sshCommand string, connectTimeout time.Duration, env []string) (*ExecTransport, error) {
	if err := ValidateSSHCommand(sshCommand); err != nil {
		return nil, err
	}
	argv, err := process.ParseCommandArgs(sshCommand)
	if err != nil {
		return nil, fmt.Errorf("invalid ssh command: %w", err)
	}
	return &ExecTransport{argv: argv, connectTimeout: connectTimeout, env: env}, nil
}

// Argv is the full ssh invocation for command on host.
func (t *ExecTransport) Argv(host string, extra ...string) []string {
	out := append([]string{}, t.argv...)
	out = append(out, "-o", "NumberOfPasswordPrompts=1")
	if t.connectTimeout > 0 {
		secs := int(t.connectTimeout.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		out = append(out, "-o", "ConnectTimeout="+strconv.Itoa(secs))
	}
	out = append(out, extra...)
	return append(out, host)
}

func (t *ExecTransport) Run(ctx context.Context, host, command string) (string, int, error) {
	argv := append(t.Argv(host), command)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), t.env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.String(), 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		return stdout.String(), exitErr.ExitCode(), nil
	}
	if ctx.Err() != nil {
		return stdout.String(), -1, ctx.Err()
	}
	return stdout.String(), -1, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
}
