package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/newtron-network/newtexec/pkg/util"
)

var (
	errReadTimeout  = errors.New("timed out waiting for prompt")
	errStreamClosed = errors.New("stream closed by remote")

	passwordCueRe  = regexp.MustCompile(`(?i)password`)
	enableDeniedRe = regexp.MustCompile(`(?i)(access denied|bad secret|incorrect|authentication failed|% error)`)
)

// shell is a byte stream with a background reader. Everything the device
// sends is appended to buf; the poll loop drains it.
type shell struct {
	stream  io.ReadWriteCloser
	newline string

	mu  sync.Mutex
	buf bytes.Buffer
	err error

	done      chan struct{}
	closeOnce sync.Once
}

func newShell(stream io.ReadWriteCloser, newline string) *shell {
	s := &shell{
		stream:  stream,
		newline: newline,
		done:    make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *shell) pump() {
	defer close(s.done)
	b := make([]byte, 4096)
	for {
		n, err := s.stream.Read(b)
		if n > 0 {
			s.mu.Lock()
			s.buf.Write(b[:n])
			s.mu.Unlock()
		}
		if err != nil {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			return
		}
	}
}

// drain returns and discards everything buffered so far.
func (s *shell) drain() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.buf.String()
	s.buf.Reset()
	return out
}

// closeErr wraps errStreamClosed with the read error that stopped the
// pump, unless that was a plain EOF.
func (s *shell) closeErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil || errors.Is(s.err, io.EOF) {
		return errStreamClosed
	}
	return fmt.Errorf("%w: %v", errStreamClosed, s.err)
}

// closed reports whether the reader has stopped.
func (s *shell) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *shell) sendLine(line string) error {
	_, err := io.WriteString(s.stream, line+s.newline)
	return err
}

func (s *shell) close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.stream.Close()
	})
	return err
}

// interactive holds the prompt-driven logic shared by the shell-backed SSH
// mode and Telnet.
type interactive struct {
	opts     Options
	protocol string
	shell    *shell

	prompt     string
	connected  bool
	privileged bool
}

func (s *interactive) log() *logrus.Entry {
	return util.WithHost(s.protocol, s.opts.Host)
}

func (s *interactive) State() State {
	return State{Prompt: s.prompt, Connected: s.connected, Privileged: s.privileged}
}

// readUntil polls the shell every PollInterval until done accepts the
// accumulated output. It returns errReadTimeout when timeout elapses,
// errStreamClosed when the remote end hangs up and ctx.Err() on
// cancellation. The output gathered so far is returned in every case.
func (s *interactive) readUntil(ctx context.Context, timeout time.Duration, done func(string) bool) (string, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	var acc strings.Builder
	for {
		acc.WriteString(s.shell.drain())
		if done(acc.String()) {
			return acc.String(), nil
		}
		if s.shell.closed() {
			acc.WriteString(s.shell.drain())
			return acc.String(), s.shell.closeErr()
		}
		if !time.Now().Before(deadline) {
			return acc.String(), errReadTimeout
		}
		select {
		case <-ctx.Done():
			acc.WriteString(s.shell.drain())
			return acc.String(), ctx.Err()
		case <-ticker.C:
		}
	}
}

// capturePrompt waits for the first prompt after login. If none is
// recognised before the connect timeout, the tail of whatever arrived is
// used instead.
func (s *interactive) capturePrompt(ctx context.Context) error {
	out, err := s.readUntil(ctx, s.opts.ConnectTimeout, func(acc string) bool {
		_, ok := tailPrompt(acc, s.opts.Matchers)
		return ok
	})
	switch {
	case err == nil:
		s.prompt, _ = tailPrompt(out, s.opts.Matchers)
	case errors.Is(err, errReadTimeout):
		s.prompt = DetectPrompt(out, s.opts.Matchers)
		s.log().Warnf("No recognised prompt after login, using %q", s.prompt)
	default:
		return err
	}
	s.log().Debugf("Prompt: %q", s.prompt)
	return nil
}

func (s *interactive) enable(ctx context.Context) error {
	if !s.connected || s.shell == nil {
		return util.ErrNotConnected
	}
	s.shell.drain()
	if err := s.shell.sendLine("enable"); err != nil {
		return fmt.Errorf("sending enable: %w", err)
	}

	out, err := s.readUntil(ctx, s.opts.EnableWait, passwordCueRe.MatchString)
	if err != nil && ctx.Err() != nil {
		return err
	}
	if !passwordCueRe.MatchString(out) {
		if p, ok := tailPrompt(out, s.opts.Matchers); ok {
			s.prompt = p
		}
		s.log().Debug("No password requested for enable")
		return nil
	}

	if err := s.shell.sendLine(s.opts.EnablePassword); err != nil {
		return fmt.Errorf("sending enable password: %w", err)
	}
	out, err = s.readUntil(ctx, s.opts.CommandTimeout, func(acc string) bool {
		_, ok := tailPrompt(acc, s.opts.Matchers)
		return ok
	})
	if err != nil && ctx.Err() != nil {
		return err
	}
	if enableDeniedRe.MatchString(out) {
		return errors.New("enable password rejected")
	}
	if p := DetectPrompt(out, s.opts.Matchers); p != "" {
		s.prompt = p
	}
	s.privileged = true
	s.log().Debugf("Privileged mode, prompt %q", s.prompt)
	return nil
}

// executeShell sends command and collects output until the prompt
// reappears. A soft timeout returns partial output without error.
func (s *interactive) executeShell(ctx context.Context, command string) (string, error) {
	if !s.connected || s.shell == nil {
		return "", util.ErrNotConnected
	}
	s.shell.drain()
	if err := s.shell.sendLine(command); err != nil {
		return "", fmt.Errorf("sending %q: %w", command, err)
	}

	out, err := s.readUntil(ctx, s.opts.CommandTimeout, func(acc string) bool {
		return promptAtEnd(acc, s.prompt)
	})
	switch {
	case err == nil:
	case errors.Is(err, errReadTimeout):
		s.log().Warnf("Timed out after %s waiting for prompt on %q, returning partial output", s.opts.CommandTimeout, command)
		if p, ok := tailPrompt(out, s.opts.Matchers); ok {
			s.prompt = p
		}
	case errors.Is(err, errStreamClosed):
		s.log().Warnf("Remote closed the session during %q: %v", command, err)
		s.connected = false
	default:
		return CleanOutput(out, command, s.prompt), err
	}
	return CleanOutput(out, command, s.prompt), nil
}

func (s *interactive) closeShell() error {
	var err error
	if s.shell != nil {
		err = s.shell.close()
		s.shell = nil
	}
	s.prompt = ""
	s.connected = false
	s.privileged = false
	return err
}
