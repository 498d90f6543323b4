// Package session drives interactive CLI sessions on network devices over
// SSH or Telnet: connect and log in, optionally enter privileged mode, run
// commands, and return their output with the echoed command and the
// trailing prompt removed.
//
// A Session is single-use and not safe for concurrent use; open one per
// device per run.
package session

import (
	"context"
	"net"
	"strconv"
	"time"
)

// Protocol labels used in logs and diagnostics.
const (
	ProtocolSSH    = "SSH"
	ProtocolTelnet = "Telnet"
)

// Defaults applied to zero-valued Options fields.
const (
	DefaultSSHPort        = 22
	DefaultTelnetPort     = 23
	DefaultConnectTimeout = 10 * time.Second
	DefaultCommandTimeout = 10 * time.Second
	DefaultPollInterval   = 500 * time.Millisecond
	DefaultEnableWait     = 1 * time.Second
)

// Session is the connect / enable / execute / disconnect life cycle shared by
// the SSH and Telnet implementations.
type Session interface {
	// Connect opens the transport and authenticates.
	Connect(ctx context.Context) error
	// Enable enters privileged mode. It is a no-op when the device does not
	// ask for a password.
	Enable(ctx context.Context) error
	// Execute runs one command and returns its cleaned output. Running out
	// of time waiting for the prompt is not an error: the output collected
	// so far is returned.
	Execute(ctx context.Context, command string) (string, error)
	// Disconnect releases the transport. It is safe to call at any time and
	// more than once.
	Disconnect() error
	// State reports the current prompt and mode.
	State() State
	// Protocol returns ProtocolSSH or ProtocolTelnet.
	Protocol() string
}

// State is the transient per-session state.
type State struct {
	Prompt     string
	Connected  bool
	Privileged bool
}

// Options configures a session.
type Options struct {
	Host           string
	Port           int
	Username       string
	Password       string
	EnablePassword string

	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	PollInterval   time.Duration
	// EnableWait is how long to wait for a password cue after "enable".
	EnableWait time.Duration

	// Matchers overrides DefaultMatchers for prompt detection.
	Matchers []PromptMatcher
}

func (o Options) withDefaults(defaultPort int) Options {
	if o.Port == 0 {
		o.Port = defaultPort
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.EnableWait <= 0 {
		o.EnableWait = DefaultEnableWait
	}
	if len(o.Matchers) == 0 {
		o.Matchers = DefaultMatchers()
	}
	return o
}

// Address returns host:port.
func (o Options) Address() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}
