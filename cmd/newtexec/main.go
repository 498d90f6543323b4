// Newtexec - run CLI commands on network devices
//
// Credentials are resolved per device from the most specific level that has
// them: the device itself, then its groups in order, then the longest
// matching subnet. Secrets are encrypted at rest. Every command run is
// recorded in the audit log.
//
// Examples:
//
//	newtexec creds set --group core --username admin
//	newtexec creds set --subnet 10.0.0.0/8 --username ops --type telnet
//	newtexec run -d leaf1 -d spine1 -c "show version"
//	newtexec run --group core -c "terminal length 0" -c "show ip bgp summary"
//	newtexec audit list --device leaf1 --last 24h
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/user"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/newtron-network/newtexec/pkg/audit"
	"github.com/newtron-network/newtexec/pkg/credential"
	"github.com/newtron-network/newtexec/pkg/directory"
	"github.com/newtron-network/newtexec/pkg/secret"
	"github.com/newtron-network/newtexec/pkg/settings"
	"github.com/newtron-network/newtexec/pkg/util"
	"github.com/newtron-network/newtexec/pkg/version"
)

// App holds global flags and state shared by all commands.
type App struct {
	verbose    bool
	logJSON    bool
	jsonOutput bool

	credentialsDir string
	inventory      string
	redisAddr      string

	settings *settings.Settings
}

var app = &App{}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "newtexec",
	Short:             "Run CLI commands on network devices",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	Long: `Newtexec runs CLI commands on network devices over SSH or Telnet.

Credentials are stored per device, per group and per subnet, and the most
specific one that applies is used.

  newtexec run -d <device> -c <command>`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if app.verbose {
			util.SetLogLevel("debug")
		} else {
			util.SetLogLevel("warn")
		}
		if app.logJSON {
			util.SetJSONFormat()
		}

		var err error
		app.settings, err = settings.Load()
		if err != nil {
			util.Warnf("Could not load settings: %v", err)
			app.settings = &settings.Settings{}
		}
		if app.credentialsDir != "" {
			app.settings.CredentialsDir = app.credentialsDir
		}
		if app.inventory != "" {
			app.settings.Inventory = app.inventory
		}
		if app.redisAddr != "" {
			app.settings.RedisAddr = app.redisAddr
		}

		if isMetaCommand(cmd) {
			return nil
		}

		auditLogger, err := audit.NewFileLogger(app.settings.GetAuditLog(), audit.RotationConfig{
			MaxSize:    app.settings.GetAuditMaxSize(),
			MaxBackups: app.settings.GetAuditMaxBackups(),
		})
		if err != nil {
			util.Warnf("Could not initialize audit logging: %v", err)
		} else {
			audit.SetDefaultLogger(auditLogger)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&app.verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&app.logJSON, "log-json", false, "Write diagnostics to stderr as JSON")
	rootCmd.PersistentFlags().StringVar(&app.credentialsDir, "credentials-dir", "", "Credential store directory (default from settings)")
	rootCmd.PersistentFlags().StringVarP(&app.inventory, "inventory", "i", "", "Device inventory YAML file (default from settings)")
	rootCmd.PersistentFlags().StringVar(&app.redisAddr, "redis", "", "Redis address for the device directory (overrides --inventory)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "exec", Title: "Execution:"},
		&cobra.Group{ID: "inventory", Title: "Devices & Credentials:"},
		&cobra.Group{ID: "meta", Title: "Configuration & Meta:"},
	)

	runCmd.GroupID = "exec"
	rootCmd.AddCommand(runCmd)

	for _, cmd := range []*cobra.Command{credsCmd, deviceCmd} {
		cmd.GroupID = "inventory"
		rootCmd.AddCommand(cmd)
	}
	for _, cmd := range []*cobra.Command{settingsCmd, auditCmd, versionCmd} {
		cmd.GroupID = "meta"
		rootCmd.AddCommand(cmd)
	}
}

// isMetaCommand reports whether cmd runs without the audit log.
func isMetaCommand(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "settings", "version", "help", "completion":
			return true
		}
	}
	return false
}

func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&app.jsonOutput, "json", false, "JSON output")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		if version.Version == "dev" {
			fmt.Println("newtexec dev build (use 'make build' for version info)")
		} else {
			fmt.Printf("newtexec %s (%s)\n", version.Version, version.GitCommit)
		}
	},
}

// openDirectory returns the configured device directory and a function to
// release it.
func (a *App) openDirectory(ctx context.Context) (directory.Directory, func(), error) {
	if a.settings.RedisAddr != "" {
		return a.openRedisDirectory(ctx)
	}
	fd, err := directory.LoadFile(a.settings.GetInventory())
	if err != nil {
		return nil, nil, fmt.Errorf("loading inventory: %w", err)
	}
	return fd, func() {}, nil
}

func (a *App) openRedisDirectory(ctx context.Context) (directory.Directory, func(), error) {
	addr := a.settings.RedisAddr
	var tunnel *directory.SSHTunnel
	if a.settings.RedisSSHHost != "" {
		var err error
		if tunnel, err = a.openTunnel(ctx, addr); err != nil {
			return nil, nil, err
		}
		addr = tunnel.LocalAddr()
	}

	rd := directory.NewRedisDirectory(addr, a.settings.GetRedisDB())
	release := func() {
		rd.Close()
		if tunnel != nil {
			tunnel.Close()
		}
	}
	if err := rd.Ping(ctx); err != nil {
		release()
		return nil, nil, fmt.Errorf("connecting to redis at %s: %w", a.settings.RedisAddr, err)
	}
	return rd, release, nil
}

// openTunnel forwards a local port to remoteAddr through redis_ssh_host.
// The SSH login comes from the credential store's group or subnet levels,
// matched against the host's address.
func (a *App) openTunnel(ctx context.Context, remoteAddr string) (*directory.SSHTunnel, error) {
	host, port := a.settings.RedisSSHHost, "22"
	if h, p, err := net.SplitHostPort(host); err == nil {
		host, port = h, p
	}

	c, err := secret.NewCipher(secret.LocalMachineKey())
	if err != nil {
		return nil, fmt.Errorf("initializing cipher: %w", err)
	}
	rec := credential.NewStore(a.settings.GetCredentialsDir(), c, nil).
		GetDeviceCredentials(ctx, host, host, nil)
	if rec.IsEmpty() {
		return nil, fmt.Errorf("no credentials for redis_ssh_host %s; add them with 'creds set --subnet %s/32'", host, host)
	}

	config := &ssh.ClientConfig{
		User: rec.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(rec.Password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = rec.Password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         a.settings.GetConnectTimeout(),
	}
	tunnel, err := directory.NewSSHTunnel(ctx, net.JoinHostPort(host, port), config, remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("tunnel to %s: %w", a.settings.RedisSSHHost, err)
	}
	return tunnel, nil
}

// openStore returns the credential store over the configured directory.
func (a *App) openStore(ctx context.Context) (*credential.Store, directory.Directory, func(), error) {
	dir, release, err := a.openDirectory(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	c, err := secret.NewCipher(secret.LocalMachineKey())
	if err != nil {
		release()
		return nil, nil, nil, fmt.Errorf("initializing cipher: %w", err)
	}
	return credential.NewStore(a.settings.GetCredentialsDir(), c, dir), dir, release, nil
}

// currentUser is the name recorded in audit events.
func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}
