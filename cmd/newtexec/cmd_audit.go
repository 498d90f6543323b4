package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtexec/pkg/audit"
	"github.com/newtron-network/newtexec/pkg/cli"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "View the command audit log",
	Long: `View the audit log of commands run on devices.

Every command is logged with:
  - Timestamp
  - User who ran it
  - Device, protocol and address
  - Success/failure and the failure diagnostic

Examples:
  newtexec audit list --device leaf1
  newtexec audit list --last 24h
  newtexec audit list --command "show run" --failures`,
}

var (
	auditDevice   string
	auditUser     string
	auditCommand  string
	auditBatch    string
	auditLast     string
	auditLimit    int
	auditFailures bool
)

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit events",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := audit.Filter{
			Device:      auditDevice,
			User:        auditUser,
			Command:     auditCommand,
			BatchID:     auditBatch,
			Limit:       auditLimit,
			FailureOnly: auditFailures,
		}

		if auditLast != "" {
			duration, err := parseLast(auditLast)
			if err != nil {
				return fmt.Errorf("invalid duration: %s", auditLast)
			}
			filter.StartTime = time.Now().Add(-duration)
		}

		events, err := audit.Query(filter)
		if err != nil {
			return fmt.Errorf("querying audit log: %w", err)
		}

		if app.jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(events)
		}
		if len(events) == 0 {
			fmt.Println("No audit events found")
			return nil
		}

		t := cli.NewTable("TIMESTAMP", "USER", "DEVICE", "PROTOCOL", "COMMAND", "STATUS", "ERROR")
		for _, event := range events {
			t.Row(
				event.Timestamp.Format("2006-01-02 15:04:05"),
				event.User,
				event.Device,
				event.Protocol,
				event.Command,
				cli.Status(event.Success),
				lastErrorLine(event.Error),
			)
		}
		t.Flush()
		return nil
	},
}

func init() {
	auditListCmd.Flags().StringVar(&auditDevice, "device", "", "Filter by device")
	auditListCmd.Flags().StringVar(&auditUser, "user", "", "Filter by user")
	auditListCmd.Flags().StringVar(&auditCommand, "command", "", "Filter by command text (substring)")
	auditListCmd.Flags().StringVar(&auditBatch, "batch", "", "Filter by batch id")
	auditListCmd.Flags().StringVar(&auditLast, "last", "", "Show events from last duration (e.g., 24h, 7d)")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 100, "Show at most this many of the most recent events")
	auditListCmd.Flags().BoolVar(&auditFailures, "failures", false, "Show only failed commands")
	addOutputFlags(auditListCmd)

	auditCmd.AddCommand(auditListCmd)
}

// parseLast accepts Go durations plus a "d" suffix for days.
func parseLast(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		d, err := time.ParseDuration(days + "h")
		return d * 24, err
	}
	return time.ParseDuration(s)
}

// lastErrorLine keeps the diagnostic part of a failure message, which
// follows the echoed command.
func lastErrorLine(msg string) string {
	if i := strings.LastIndex(msg, "\n"); i >= 0 {
		msg = msg[i+1:]
	}
	return msg
}
