package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/newtron-network/newtexec/pkg/cli"
	"github.com/newtron-network/newtexec/pkg/credential"
)

var credsCmd = &cobra.Command{
	Use:     "creds",
	Aliases: []string{"credentials"},
	Short:   "Manage stored credentials",
	Long: `Manage credentials at device, group or subnet level.

A device uses its own credentials if set, otherwise those of its first group
that has some, otherwise those of the most specific subnet containing its IP
address. Passwords are prompted for without echo.

Examples:
  newtexec creds set --group core --username admin --ask-enable
  newtexec creds set --subnet 10.0.0.0/8 --username ops --type telnet
  newtexec creds show --device leaf1
  newtexec creds delete --group core
  newtexec creds list`,
}

var (
	credsDevice string
	credsGroup  string
	credsSubnet string
	credsReveal bool
	credsUser   string
	credsType   string
	credsEnable bool
)

func addScopeFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&credsDevice, "device", "", "Device id")
	cmd.Flags().StringVar(&credsGroup, "group", "", "Group name")
	cmd.Flags().StringVar(&credsSubnet, "subnet", "", "Subnet in CIDR notation")
	cmd.MarkFlagsMutuallyExclusive("device", "group", "subnet")
	cmd.MarkFlagsOneRequired("device", "group", "subnet")
}

var credsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show credentials (for a device, the ones that would be used)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		store, _, release, err := app.openStore(ctx)
		if err != nil {
			return err
		}
		defer release()

		var rec credential.Record
		var label string
		switch {
		case credsDevice != "":
			rec = store.GetDeviceCredentials(ctx, credsDevice, "", nil)
			label = "device " + credsDevice
		case credsGroup != "":
			rec = store.GetGroupCredentials(credsGroup)
			label = "group " + credsGroup
		default:
			rec = store.GetSubnetCredentials(credsSubnet)
			label = "subnet " + credsSubnet
		}

		if !credsReveal {
			rec = rec.Redacted()
		}
		if app.jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(rec)
		}
		if rec.IsEmpty() {
			fmt.Printf("No credentials for %s\n", label)
			return nil
		}

		t := cli.NewTable("FIELD", "VALUE")
		t.Row("username", rec.Username)
		t.Row("password", orNotSet(rec.Password))
		t.Row("enable_password", orNotSet(rec.EnablePassword))
		t.Row("connection_type", string(rec.ConnectionType))
		t.Flush()
		return nil
	},
}

var credsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		if credsUser == "" {
			return fmt.Errorf("username required: use --username <name>")
		}
		rec, err := promptRecord(credsUser, credsType, credsEnable)
		if err != nil {
			return err
		}

		ctx := context.Background()
		store, _, release, err := app.openStore(ctx)
		if err != nil {
			return err
		}
		defer release()

		var label string
		switch {
		case credsDevice != "":
			err = store.SetDeviceCredentials(ctx, credsDevice, rec)
			label = "device " + credsDevice
		case credsGroup != "":
			err = store.SetGroupCredentials(credsGroup, rec)
			label = "group " + credsGroup
		default:
			err = store.SetSubnetCredentials(credsSubnet, rec)
			label = "subnet " + credsSubnet
		}
		if err != nil {
			return fmt.Errorf("saving credentials for %s: %w", label, err)
		}
		fmt.Printf("Credentials saved for %s\n", label)
		return nil
	},
}

var credsDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete stored credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		store, _, release, err := app.openStore(ctx)
		if err != nil {
			return err
		}
		defer release()

		switch {
		case credsDevice != "":
			err = store.DeleteDeviceCredentials(ctx, credsDevice)
		case credsGroup != "":
			err = store.DeleteGroupCredentials(credsGroup)
		default:
			err = store.DeleteSubnetCredentials(credsSubnet)
		}
		if err != nil {
			return err
		}
		fmt.Println("Credentials deleted.")
		return nil
	},
}

var credsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List groups and subnets that have credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		store, _, release, err := app.openStore(ctx)
		if err != nil {
			return err
		}
		defer release()

		groups, err := store.ListGroups()
		if err != nil {
			return err
		}
		subnets, err := store.ListSubnets()
		if err != nil {
			return err
		}

		if app.jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(map[string][]string{
				"groups":  groups,
				"subnets": subnets,
			})
		}
		if len(groups)+len(subnets) == 0 {
			fmt.Printf("No credentials stored in %s\n", store.BaseDir())
			return nil
		}

		t := cli.NewTable("SCOPE", "NAME", "USERNAME", "TYPE")
		for _, g := range groups {
			rec := store.GetGroupCredentials(g)
			t.Row("group", g, rec.Username, string(rec.ConnectionType))
		}
		for _, s := range subnets {
			rec := store.GetSubnetCredentials(s)
			t.Row("subnet", s, rec.Username, string(rec.ConnectionType))
		}
		t.Flush()
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{credsShowCmd, credsSetCmd, credsDeleteCmd} {
		addScopeFlags(cmd)
	}
	credsShowCmd.Flags().BoolVar(&credsReveal, "reveal", false, "Show passwords in clear text")
	credsSetCmd.Flags().StringVar(&credsUser, "username", "", "Login username")
	credsSetCmd.Flags().StringVar(&credsType, "type", "ssh", "Connection type: ssh or telnet")
	credsSetCmd.Flags().BoolVar(&credsEnable, "ask-enable", false, "Also prompt for an enable password")
	addOutputFlags(credsShowCmd)
	addOutputFlags(credsListCmd)

	credsCmd.AddCommand(credsShowCmd, credsSetCmd, credsDeleteCmd, credsListCmd)
}

// promptRecord builds a Record for username, asking for the password and
// optionally the enable password.
func promptRecord(username, connType string, askEnable bool) (credential.Record, error) {
	ct, err := credential.ParseConnectionType(connType)
	if err != nil {
		return credential.Record{}, err
	}
	rec := credential.Record{Username: username, ConnectionType: ct}

	in := bufio.NewReader(os.Stdin)
	if rec.Password, err = readSecret(in, fmt.Sprintf("Password for %s: ", username)); err != nil {
		return credential.Record{}, err
	}
	if askEnable {
		if rec.EnablePassword, err = readSecret(in, "Enable password: "); err != nil {
			return credential.Record{}, err
		}
	}
	return rec, nil
}

// readSecret reads a line without echo from a terminal, or a plain line when
// stdin is redirected.
func readSecret(in *bufio.Reader, prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(b), nil
	}
	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading password from stdin: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func orNotSet(s string) string {
	if s == "" {
		return cli.Dim("(not set)")
	}
	return s
}
