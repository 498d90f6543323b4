package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/ziutek/telnet"

	"github.com/newtron-network/newtexec/pkg/util"
)

// TelnetDialer opens a raw Telnet stream with option negotiation handled.
// DialTelnet is the default.
type TelnetDialer func(ctx context.Context, addr string, timeout time.Duration) (io.ReadWriteCloser, error)

var (
	loginPromptRe    = regexp.MustCompile(`(?i)(login|user\s*name|username|user)[\s:]*$`)
	passwordPromptRe = regexp.MustCompile(`(?i)(password|pass)[\s:]*$`)
	loginFailedRe    = regexp.MustCompile(`(?i)(incorrect|failed|denied|bad password|invalid)`)
	reloginPromptRe  = regexp.MustCompile(`(?i)(login|user\s*name|username|password)\s*:\s*$`)

	// ErrAuthRejected is returned when the device refuses the login.
	ErrAuthRejected = errors.New("authentication rejected")
)

// DialTelnet connects with the smaller of timeout and the time left on ctx.
func DialTelnet(ctx context.Context, addr string, timeout time.Duration) (io.ReadWriteCloser, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return nil, context.DeadlineExceeded
	}
	conn, err := telnet.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// TelnetSession runs commands over an interactive Telnet login.
type TelnetSession struct {
	interactive
	dial TelnetDialer
}

var _ Session = (*TelnetSession)(nil)

// NewTelnet creates a Telnet session. A nil dial uses DialTelnet.
func NewTelnet(opts Options, dial TelnetDialer) *TelnetSession {
	if dial == nil {
		dial = DialTelnet
	}
	return &TelnetSession{
		interactive: interactive{opts: opts.withDefaults(DefaultTelnetPort), protocol: ProtocolTelnet},
		dial:        dial,
	}
}

func (s *TelnetSession) Protocol() string { return ProtocolTelnet }

func (s *TelnetSession) Connect(ctx context.Context) error {
	if s.connected {
		return nil
	}
	addr := s.opts.Address()
	s.log().Debugf("Connecting as %s", s.opts.Username)

	stream, err := s.dial(ctx, addr, s.opts.ConnectTimeout)
	if err != nil {
		return util.NewConnectionError(ProtocolTelnet, addr, err)
	}
	s.shell = newShell(stream, "\r\n")
	if err := s.login(ctx); err != nil {
		s.Disconnect()
		return util.NewConnectionError(ProtocolTelnet, addr, err)
	}
	s.connected = true
	return nil
}

// login answers the username and password prompts and waits for a shell
// prompt. Devices that only ask for a password are handled too.
func (s *TelnetSession) login(ctx context.Context) error {
	atLogin := func(acc string) bool { return loginPromptRe.MatchString(lastLine(acc)) }
	atPassword := func(acc string) bool { return passwordPromptRe.MatchString(lastLine(acc)) }

	out, err := s.readUntil(ctx, s.opts.ConnectTimeout, func(acc string) bool {
		return atLogin(acc) || atPassword(acc)
	})
	if err != nil {
		return fmt.Errorf("waiting for login prompt: %w", err)
	}

	if !atPassword(out) {
		if err := s.shell.sendLine(s.opts.Username); err != nil {
			return fmt.Errorf("sending username: %w", err)
		}
		if _, err := s.readUntil(ctx, s.opts.ConnectTimeout, atPassword); err != nil {
			return fmt.Errorf("waiting for password prompt: %w", err)
		}
	}
	if err := s.shell.sendLine(s.opts.Password); err != nil {
		return fmt.Errorf("sending password: %w", err)
	}

	// Banners after a good login often say "failed" or "denied", so only a
	// fresh login or password prompt ends the wait early.
	var prompt string
	out, err = s.readUntil(ctx, s.opts.ConnectTimeout, func(acc string) bool {
		var ok bool
		if prompt, ok = tailPrompt(acc, s.opts.Matchers); ok {
			return true
		}
		return reloginPromptRe.MatchString(lastLine(acc))
	})
	switch {
	case prompt != "":
		s.prompt = prompt
	case err == nil, errors.Is(err, errStreamClosed):
		return ErrAuthRejected
	case errors.Is(err, errReadTimeout) && loginFailedRe.MatchString(lastLine(out)):
		return ErrAuthRejected
	case errors.Is(err, errReadTimeout) && lastLine(out) != "":
		s.prompt = DetectPrompt(out, s.opts.Matchers)
		s.log().Warnf("No recognised prompt after login, using %q", s.prompt)
	default:
		return fmt.Errorf("waiting for prompt: %w", err)
	}
	s.log().Debugf("Prompt: %q", s.prompt)
	return nil
}

func (s *TelnetSession) Enable(ctx context.Context) error {
	return s.enable(ctx)
}

func (s *TelnetSession) Execute(ctx context.Context, command string) (string, error) {
	return s.executeShell(ctx, command)
}

func (s *TelnetSession) Disconnect() error {
	if err := s.closeShell(); err != nil {
		s.log().Debugf("Disconnect: %v", err)
	}
	return nil
}
