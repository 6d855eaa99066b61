package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/skeema/knownhosts"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/devports/rpt/pkg/logging"
	"github.com/devports/rpt/pkg/sshconfig"
)

// HostResolver maps an alias to connection data, normally *sshconfig.Config.
type HostResolver interface {
	Lookup(alias string) sshconfig.HostSpec
}

// NativeTransport speaks SSH in-process. It only supports agent and
// unencrypted identity-file authentication; anything interactive needs the
// exec transport.
type NativeTransport struct {
	resolver       HostResolver
	knownHostsPath string
	connectTimeout time.Duration
}

func NewNativeTransport(resolver HostResolver, knownHostsPath string, connectTimeout time.Duration) *NativeTransport {
	return &NativeTransport{
		resolver:       resolver,
		knownHostsPath: knownHostsPath,
		connectTimeout: connectTimeout,
	}
}

func (t *NativeTransport) Run(ctx context.Context, host, command string) (string, int, error) {
	spec := t.resolver.Lookup(host)
	addr := net.JoinHostPort(spec.HostName, spec.Port)

	clientConfig, closeAgent, err := t.clientConfig(spec, addr)
	if err != nil {
		return "", -1, fmt.Errorf("%w: %s: %v", ErrConnectionFailed, host, err)
	}
	defer closeAgent()

	dialer := net.Dialer{Timeout: t.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return "", -1, ctx.Err()
		}
		return "", -1, fmt.Errorf("%w: dial %s: %v", ErrConnectionFailed, addr, err)
	}

	if t.connectTimeout > 0 {
		conn.SetDeadline(time.Now().Add(t.connectTimeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		return "", -1, fmt.Errorf("%w: handshake %s: %v", ErrConnectionFailed, addr, err)
	}
	conn.SetDeadline(time.Time{})
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", -1, fmt.Errorf("%w: session %s: %v", ErrConnectionFailed, addr, err)
	}
	defer session.Close()

	var stdout bytes.Buffer
	session.Stdout = &stdout

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		client.Close()
		<-done
		return stdout.String(), -1, ctx.Err()
	case err := <-done:
		if err == nil {
			return stdout.String(), 0, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), exitErr.ExitStatus(), nil
		}
		return stdout.String(), -1, fmt.Errorf("%w: %s: %v", ErrConnectionFailed, host, err)
	}
}

func (t *NativeTransport) clientConfig(spec sshconfig.HostSpec, addr string) (*ssh.ClientConfig, func(), error) {
	closer := func() {}
	var auth []ssh.AuthMethod

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if agentConn, err := net.Dial("unix", sock); err == nil {
			closer = func() { agentConn.Close() }
			auth = append(auth, ssh.PublicKeysCallback(agent.NewClient(agentConn).Signers))
		} else {
			logging.Debug("remote", "ssh agent unavailable: %v", err)
		}
	}

	var signers []ssh.Signer
	for _, path := range spec.IdentityFiles {
		key, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			logging.Debug("remote", "skipping identity %s: %v", path, err)
			continue
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		auth = append(auth, ssh.PublicKeys(signers...))
	}
	if len(auth) == 0 {
		closer()
		return nil, nil, fmt.Errorf("no usable ssh agent or identity file for %s", spec.Alias)
	}

	hkcb, err := knownhosts.New(t.knownHostsPath)
	if err != nil {
		closer()
		return nil, nil, fmt.Errorf("could not create known_hosts callback: %w", err)
	}

	return &ssh.ClientConfig{
		User:              spec.User,
		Auth:              auth,
		HostKeyCallback:   hkcb.HostKeyCallback(),
		HostKeyAlgorithms: hkcb.HostKeyAlgorithms(addr),
		Timeout:           t.connectTimeout,
	}, closer, nil
}
