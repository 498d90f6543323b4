package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtexec/pkg/cli"
	"github.com/newtron-network/newtexec/pkg/credential"
	"github.com/newtron-network/newtexec/pkg/directory"
	"github.com/newtron-network/newtexec/pkg/executor"
	"github.com/newtron-network/newtexec/pkg/util"
)

var (
	runDevices    []string
	runGroups     []string
	runAll        bool
	runCommands   []string
	runUser       string
	runType       string
	runAskEnable  bool
	runTimeout    time.Duration
	runConnect    time.Duration
	runParallel   int
	runSSHPort    int
	runTelnetPort int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run commands on one or more devices",
	Long: `Run one or more commands on devices, one session per device.

Devices are selected by id (-d, repeatable), by group membership (--group) or
all at once (--all). A -d value that is not in the inventory but is an IP
address is used as an ad-hoc target.

Credentials come from the credential store unless --user is given, in which
case the password is prompted for (or read from stdin).

Examples:
  newtexec run -d leaf1 -c "show version"
  newtexec run --group core -c "terminal length 0" -c "show ip bgp summary"
  newtexec run -d 192.0.2.10 --user admin --type telnet -c "show clock"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(runCommands) == 0 {
			return fmt.Errorf("at least one command required: use -c <command>")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		store, dir, release, err := app.openStore(ctx)
		if err != nil {
			return err
		}
		defer release()

		devices, err := selectDevices(ctx, dir)
		if err != nil {
			return err
		}

		var creds *credential.Record
		if runUser != "" {
			rec, err := promptRecord(runUser, runType, runAskEnable)
			if err != nil {
				return err
			}
			creds = &rec
		}

		s := app.settings
		connectTimeout := s.GetConnectTimeout()
		if runConnect > 0 {
			connectTimeout = runConnect
		}
		commandTimeout := s.GetCommandTimeout()
		if runTimeout > 0 {
			commandTimeout = runTimeout
		}
		parallel := s.GetParallelism()
		if runParallel > 0 {
			parallel = runParallel
		}

		exec := executor.New(store,
			executor.WithConnectTimeout(connectTimeout),
			executor.WithCommandTimeout(commandTimeout),
			executor.WithParallelism(parallel),
			executor.WithPorts(runSSHPort, runTelnetPort),
			executor.WithUser(currentUser()),
		)
		results := exec.RunOnDevices(ctx, devices, runCommands, creds)

		if app.jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(results); err != nil {
				return err
			}
		} else {
			printResults(results)
		}

		failed, total := 0, 0
		for _, dr := range results {
			for _, r := range dr.Results {
				total++
				if !r.Success {
					failed++
				}
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d commands failed", failed, total)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringArrayVarP(&runDevices, "device", "d", nil, "Device id or IP address (repeatable)")
	runCmd.Flags().StringArrayVarP(&runGroups, "group", "g", nil, "Run on every device in this group (repeatable)")
	runCmd.Flags().BoolVar(&runAll, "all", false, "Run on every device in the inventory")
	runCmd.Flags().StringArrayVarP(&runCommands, "command", "c", nil, "Command to run (repeatable, run in order)")
	runCmd.Flags().StringVarP(&runUser, "user", "u", "", "Use these credentials instead of the store (prompts for password)")
	runCmd.Flags().StringVar(&runType, "type", "ssh", "Connection type with --user: ssh or telnet")
	runCmd.Flags().BoolVar(&runAskEnable, "ask-enable", false, "Prompt for an enable password with --user")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Per-command timeout (default from settings)")
	runCmd.Flags().DurationVar(&runConnect, "connect-timeout", 0, "Connect timeout (default from settings)")
	runCmd.Flags().IntVar(&runParallel, "parallel", 0, "Devices to run on at once (default from settings)")
	runCmd.Flags().IntVar(&runSSHPort, "ssh-port", 0, "SSH port (default 22)")
	runCmd.Flags().IntVar(&runTelnetPort, "telnet-port", 0, "Telnet port (default 23)")
	runCmd.MarkFlagsMutuallyExclusive("all", "device")
	runCmd.MarkFlagsMutuallyExclusive("all", "group")
	addOutputFlags(runCmd)
}

// selectDevices resolves -d, --group and --all against the directory,
// preserving the order given and dropping duplicates.
func selectDevices(ctx context.Context, dir directory.Directory) ([]directory.Device, error) {
	if !runAll && len(runDevices) == 0 && len(runGroups) == 0 {
		return nil, fmt.Errorf("no devices selected: use -d <device>, --group <group> or --all")
	}

	var out []directory.Device
	seen := map[string]bool{}
	add := func(d directory.Device) {
		if !seen[d.ID] {
			seen[d.ID] = true
			out = append(out, d)
		}
	}

	for _, id := range runDevices {
		dev, err := dir.Device(ctx, id)
		switch {
		case err == nil:
			add(*dev)
		case net.ParseIP(id) != nil:
			util.WithDevice(id).Debug("Not in inventory, using as an ad-hoc target")
			add(directory.Device{ID: id, IPAddress: id})
		default:
			return nil, fmt.Errorf("device %s: %w", id, err)
		}
	}

	if runAll || len(runGroups) > 0 {
		all, err := dir.Devices(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing devices: %w", err)
		}
		for _, dev := range all {
			if runAll || memberOfAny(dev.Groups, runGroups) {
				add(*dev)
			}
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no devices matched")
	}
	return out, nil
}

func memberOfAny(have, want []string) bool {
	for _, g := range have {
		for _, w := range want {
			if g == w {
				return true
			}
		}
	}
	return false
}

func printResults(results []executor.DeviceResults) {
	for i, dr := range results {
		if i > 0 {
			fmt.Println()
		}
		fmt.Println(cli.Bold(dr.Device))
		for _, r := range dr.Results {
			fmt.Printf("  %s %s %s\n", cli.DotPad(r.Command, 40), cli.Status(r.Success),
				cli.Dim(r.Duration.Round(time.Millisecond).String()))
			if r.Output == "" {
				continue
			}
			for _, line := range strings.Split(r.Output, "\n") {
				fmt.Println("    " + line)
			}
		}
	}
}
