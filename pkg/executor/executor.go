// Package executor runs CLI commands on devices. It resolves credentials,
// picks the transport from the credential's connection type and turns every
// outcome, including configuration and transport failures, into a Result.
// Nothing here returns an error to the caller.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/newtron-network/newtexec/pkg/audit"
	"github.com/newtron-network/newtexec/pkg/credential"
	"github.com/newtron-network/newtexec/pkg/directory"
	"github.com/newtron-network/newtexec/pkg/session"
	"github.com/newtron-network/newtexec/pkg/util"
)

// DefaultParallelism bounds RunOnDevices when no option sets it.
const DefaultParallelism = 8

// Result is the outcome of one command on one device. Failed results carry
// a human-readable diagnostic in Output.
type Result struct {
	Device   string        `json:"device"`
	Command  string        `json:"command"`
	Success  bool          `json:"success"`
	Output   string        `json:"output"`
	Duration time.Duration `json:"duration"`
}

// DeviceResults groups the results of a batch on one device.
type DeviceResults struct {
	Device  string   `json:"device"`
	Results []Result `json:"results"`
}

// CredentialResolver finds the credentials for a device. *credential.Store
// satisfies it.
type CredentialResolver interface {
	GetDeviceCredentials(ctx context.Context, deviceID, deviceIP string, groups []string) credential.Record
}

// Executor runs commands. It holds no per-device state and is safe for
// concurrent use; every run opens and closes its own session.
type Executor struct {
	resolver CredentialResolver

	sshDial    session.SSHDialer
	telnetDial session.TelnetDialer
	sshPort    int
	telnetPort int

	connectTimeout time.Duration
	commandTimeout time.Duration
	pollInterval   time.Duration

	parallelism int
	user        string
}

// Option configures an Executor.
type Option func(*Executor)

// WithSSHDialer replaces the SSH transport.
func WithSSHDialer(d session.SSHDialer) Option {
	return func(e *Executor) { e.sshDial = d }
}

// WithTelnetDialer replaces the Telnet transport.
func WithTelnetDialer(d session.TelnetDialer) Option {
	return func(e *Executor) { e.telnetDial = d }
}

// WithPorts overrides the SSH and Telnet ports. Zero keeps the default.
func WithPorts(ssh, telnet int) Option {
	return func(e *Executor) {
		e.sshPort = ssh
		e.telnetPort = telnet
	}
}

func WithConnectTimeout(d time.Duration) Option {
	return func(e *Executor) { e.connectTimeout = d }
}

func WithCommandTimeout(d time.Duration) Option {
	return func(e *Executor) { e.commandTimeout = d }
}

func WithPollInterval(d time.Duration) Option {
	return func(e *Executor) { e.pollInterval = d }
}

// WithParallelism bounds how many devices RunOnDevices works on at once.
func WithParallelism(n int) Option {
	return func(e *Executor) { e.parallelism = n }
}

// WithUser sets the name recorded in the audit log.
func WithUser(user string) Option {
	return func(e *Executor) { e.user = user }
}

// New creates an Executor. resolver may be nil if every call supplies
// credentials.
func New(resolver CredentialResolver, opts ...Option) *Executor {
	e := &Executor{
		resolver:    resolver,
		parallelism: DefaultParallelism,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.parallelism <= 0 {
		e.parallelism = DefaultParallelism
	}
	return e
}

// RunCommand runs one command on dev. When creds is nil the credentials are
// resolved from the store.
func (e *Executor) RunCommand(ctx context.Context, dev directory.Device, command string, creds *credential.Record) Result {
	return e.RunCommands(ctx, dev, []string{command}, creds)[0]
}

// RunCommands runs commands in order over a single session and returns one
// Result per command. If the session fails, the remaining commands fail
// with the same diagnostic.
func (e *Executor) RunCommands(ctx context.Context, dev directory.Device, commands []string, creds *credential.Record) []Result {
	if len(commands) == 0 {
		return []Result{}
	}
	r := &run{
		e:       e,
		dev:     dev,
		batch:   uuid.NewString(),
		log:     util.WithDevice(dev.ID),
		start:   time.Now(),
		results: make([]Result, 0, len(commands)),
	}
	r.execute(ctx, commands, creds)
	return r.results
}

// RunOnDevices runs the same commands on every device, one session per
// device, at most WithParallelism devices at a time. Results are in input
// order.
func (e *Executor) RunOnDevices(ctx context.Context, devices []directory.Device, commands []string, creds *credential.Record) []DeviceResults {
	out := make([]DeviceResults, len(devices))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i, dev := range devices {
		i, dev := i, dev
		g.Go(func() error {
			out[i] = DeviceResults{
				Device:  dev.ID,
				Results: e.RunCommands(ctx, dev, commands, creds),
			}
			return nil
		})
	}
	g.Wait()
	return out
}

func (e *Executor) host(dev directory.Device) string {
	if dev.IPAddress != "" {
		return dev.IPAddress
	}
	return dev.ID
}

func (e *Executor) newSession(ct credential.ConnectionType, dev directory.Device, rec credential.Record) session.Session {
	opts := session.Options{
		Host:           e.host(dev),
		Username:       rec.Username,
		Password:       rec.Password,
		EnablePassword: rec.EnablePassword,
		ConnectTimeout: e.connectTimeout,
		CommandTimeout: e.commandTimeout,
		PollInterval:   e.pollInterval,
	}
	if ct == credential.Telnet {
		opts.Port = e.telnetPort
		return session.NewTelnet(opts, e.telnetDial)
	}
	opts.Port = e.sshPort
	return session.NewSSH(opts, e.sshDial)
}

// run is the state of one RunCommands call.
type run struct {
	e       *Executor
	dev     directory.Device
	batch   string
	log     *logrus.Entry
	start   time.Time
	results []Result

	protocol string
	addr     string
}

func (r *run) execute(ctx context.Context, commands []string, creds *credential.Record) {
	var rec credential.Record
	if creds != nil {
		rec = *creds
	} else if r.e.resolver != nil {
		rec = r.e.resolver.GetDeviceCredentials(ctx, r.dev.ID, r.dev.IPAddress, r.dev.Groups)
	}

	if rec.Username == "" {
		r.failAll(commands, func(string) string {
			return fmt.Sprintf("No valid credentials found for device %s", r.dev.ID)
		})
		return
	}
	ct, err := credential.ParseConnectionType(string(rec.ConnectionType))
	if err != nil {
		r.failAll(commands, func(string) string {
			return fmt.Sprintf("Unsupported connection type: %s", rec.ConnectionType)
		})
		return
	}

	sess := r.e.newSession(ct, r.dev, rec)
	defer sess.Disconnect()
	r.protocol = sess.Protocol()
	r.addr = r.e.host(r.dev)
	r.log = r.log.WithField("protocol", r.protocol)

	if err := sess.Connect(ctx); err != nil {
		r.failAll(commands, r.connectionFailure(err))
		return
	}
	if rec.EnablePassword != "" {
		if err := sess.Enable(ctx); err != nil {
			r.failAll(commands, r.connectionFailure(err))
			return
		}
	}

	for i, cmd := range commands {
		start := time.Now()
		out, err := sess.Execute(ctx, cmd)
		if err != nil {
			r.record(cmd, false, r.connectionFailure(err)(cmd), start)
			r.failAll(commands[i+1:], r.connectionFailure(err))
			return
		}
		r.record(cmd, true, out, start)
	}
}

// connectionFailure formats the transport diagnostic, echoing the command
// so failures in a batch can be told apart.
func (r *run) connectionFailure(err error) func(string) string {
	return func(cmd string) string {
		return fmt.Sprintf("%s\n\n%s Connection error: %v", cmd, r.protocol, err)
	}
}

func (r *run) failAll(commands []string, diagnostic func(cmd string) string) {
	for _, cmd := range commands {
		r.record(cmd, false, diagnostic(cmd), r.start)
	}
}

func (r *run) record(cmd string, success bool, output string, start time.Time) {
	res := Result{
		Device:   r.dev.ID,
		Command:  cmd,
		Success:  success,
		Output:   output,
		Duration: time.Since(start),
	}
	r.results = append(r.results, res)

	event := audit.NewEvent(r.e.user, r.dev.ID, cmd).
		WithBatch(r.batch).
		WithDuration(res.Duration)
	if r.protocol != "" {
		event.WithTarget(r.protocol, r.addr)
	}
	if success {
		event.WithSuccess()
		r.log.Debugf("Ran %q in %s", cmd, res.Duration.Round(time.Millisecond))
	} else {
		event.WithFailure(output)
		r.log.Warnf("Command %q failed: %s", cmd, output)
	}
	if err := audit.Log(event); err != nil {
		r.log.Warnf("Writing audit event: %v", err)
	}
}
