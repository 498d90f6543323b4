package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/newtron-network/newtexec/pkg/util"
)

// SSHConn is an authenticated SSH connection.
type SSHConn interface {
	// Exec runs command in its own channel and returns what it wrote. A
	// non-zero exit status is not an error.
	Exec(ctx context.Context, command string) (stdout, stderr []byte, err error)
	// Shell opens an interactive shell on a pseudo-terminal.
	Shell(ctx context.Context) (io.ReadWriteCloser, error)
	Close() error
}

// SSHDialer opens an SSHConn to addr. DialSSH is the default.
type SSHDialer func(ctx context.Context, addr string, config *ssh.ClientConfig) (SSHConn, error)

// Pseudo-terminal geometry. The wide terminal keeps devices from wrapping
// long lines.
const (
	ptyTerm   = "vt100"
	ptyWidth  = 511
	ptyHeight = 24
)

// DialSSH connects and authenticates. The connect timeout in config bounds
// the handshake, and cancelling ctx aborts it.
func DialSSH(ctx context.Context, addr string, config *ssh.ClientConfig) (SSHConn, error) {
	d := net.Dialer{Timeout: config.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	if config.Timeout > 0 {
		conn.SetDeadline(time.Now().Add(config.Timeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		stop()
		conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	client := ssh.NewClient(c, chans, reqs)
	if !stop() {
		client.Close()
		return nil, ctx.Err()
	}
	conn.SetDeadline(time.Time{})
	return &sshClientConn{client: client}, nil
}

type sshClientConn struct {
	client *ssh.Client
}

func (c *sshClientConn) Exec(ctx context.Context, command string) ([]byte, []byte, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, nil, fmt.Errorf("opening session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if err := session.Start(command); err != nil {
		return nil, nil, fmt.Errorf("starting %q: %w", command, err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		<-done
		return stdout.Bytes(), stderr.Bytes(), ctx.Err()
	case err := <-done:
		var exitErr *ssh.ExitError
		var missing *ssh.ExitMissingError
		if err != nil && !errors.As(err, &exitErr) && !errors.As(err, &missing) {
			return stdout.Bytes(), stderr.Bytes(), err
		}
		return stdout.Bytes(), stderr.Bytes(), nil
	}
}

func (c *sshClientConn) Shell(ctx context.Context) (io.ReadWriteCloser, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("opening session: %w", err)
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(ptyTerm, ptyHeight, ptyWidth, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("requesting pty: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("starting shell: %w", err)
	}
	return &sshShell{Reader: stdout, stdin: stdin, session: session}, nil
}

func (c *sshClientConn) Close() error {
	return c.client.Close()
}

type sshShell struct {
	io.Reader
	stdin   io.WriteCloser
	session *ssh.Session
}

func (s *sshShell) Write(p []byte) (int, error) { return s.stdin.Write(p) }

func (s *sshShell) Close() error {
	s.stdin.Close()
	err := s.session.Close()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// SSHSession runs commands over SSH. Without an enable password each command
// runs in its own exec channel; with one, a single interactive shell is used
// so privileged mode persists across commands.
type SSHSession struct {
	interactive
	dial SSHDialer
	conn SSHConn
}

var _ Session = (*SSHSession)(nil)

// NewSSH creates an SSH session. A nil dial uses DialSSH.
func NewSSH(opts Options, dial SSHDialer) *SSHSession {
	if dial == nil {
		dial = DialSSH
	}
	return &SSHSession{
		interactive: interactive{opts: opts.withDefaults(DefaultSSHPort), protocol: ProtocolSSH},
		dial:        dial,
	}
}

func (s *SSHSession) Protocol() string { return ProtocolSSH }

// Shell reports whether the session runs in interactive shell mode.
func (s *SSHSession) Shell() bool { return s.opts.EnablePassword != "" }

func (s *SSHSession) clientConfig() *ssh.ClientConfig {
	password := s.opts.Password
	return &ssh.ClientConfig{
		User: s.opts.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         s.opts.ConnectTimeout,
	}
}

func (s *SSHSession) Connect(ctx context.Context) error {
	if s.conn != nil {
		return nil
	}
	addr := s.opts.Address()
	s.log().Debugf("Connecting as %s", s.opts.Username)

	conn, err := s.dial(ctx, addr, s.clientConfig())
	if err != nil {
		return util.NewConnectionError(ProtocolSSH, addr, err)
	}
	s.conn = conn
	s.connected = true

	if !s.Shell() {
		return nil
	}
	stream, err := conn.Shell(ctx)
	if err != nil {
		s.Disconnect()
		return util.NewConnectionError(ProtocolSSH, addr, err)
	}
	s.shell = newShell(stream, "\n")
	if err := s.capturePrompt(ctx); err != nil {
		s.Disconnect()
		return util.NewConnectionError(ProtocolSSH, addr, err)
	}
	return nil
}

// Enable is a no-op in exec mode.
func (s *SSHSession) Enable(ctx context.Context) error {
	if !s.connected {
		return util.ErrNotConnected
	}
	if s.shell == nil {
		return nil
	}
	return s.enable(ctx)
}

func (s *SSHSession) Execute(ctx context.Context, command string) (string, error) {
	if !s.connected {
		return "", util.ErrNotConnected
	}
	if s.shell != nil {
		return s.executeShell(ctx, command)
	}

	execCtx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()
	stdout, stderr, err := s.conn.Exec(execCtx, command)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			s.log().Warnf("Timed out after %s on %q, returning partial output", s.opts.CommandTimeout, command)
			return execOutput(stdout, stderr), nil
		}
		return execOutput(stdout, stderr), fmt.Errorf("executing %q: %w", command, err)
	}
	return execOutput(stdout, stderr), nil
}

func (s *SSHSession) Disconnect() error {
	err := s.closeShell()
	if s.conn != nil {
		if cerr := s.conn.Close(); err == nil {
			err = cerr
		}
		s.conn = nil
	}
	if err != nil {
		s.log().Debugf("Disconnect: %v", err)
	}
	return nil
}

// execOutput joins stdout with a labelled stderr block.
func execOutput(stdout, stderr []byte) string {
	out := strings.TrimSpace(string(stdout))
	if errOut := strings.TrimSpace(string(stderr)); errOut != "" {
		if out != "" {
			out += "\n\n"
		}
		out += "STDERR:\n" + errOut
	}
	return out
}
