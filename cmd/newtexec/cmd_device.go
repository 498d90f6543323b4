package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtexec/pkg/cli"
	"github.com/newtron-network/newtexec/pkg/directory"
)

var deviceCmd = &cobra.Command{
	Use:     "device",
	Aliases: []string{"devices"},
	Short:   "Inspect and edit the device inventory",
	Long: `Inspect and edit the device inventory.

The inventory is a YAML file (settings: inventory) or, when redis_addr is
set, a Redis database.

Examples:
  newtexec device list
  newtexec device add leaf1 --ip 10.0.0.11 --type cisco_ios --group core --group dc1`,
}

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		dir, release, err := app.openDirectory(ctx)
		if err != nil {
			return err
		}
		defer release()

		devices, err := dir.Devices(ctx)
		if err != nil {
			return err
		}
		if app.jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(devices)
		}
		if len(devices) == 0 {
			fmt.Println("No devices in inventory")
			return nil
		}

		t := cli.NewTable("DEVICE", "IP ADDRESS", "TYPE", "GROUPS")
		for _, d := range devices {
			t.Row(d.ID, d.IPAddress, d.DeviceType, strings.Join(d.Groups, ","))
		}
		t.Flush()
		return nil
	},
}

var (
	deviceIP     string
	deviceType   string
	deviceGroups []string
)

var deviceAddCmd = &cobra.Command{
	Use:   "add <device>",
	Short: "Add or replace a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if deviceIP != "" && net.ParseIP(deviceIP) == nil {
			return fmt.Errorf("invalid IP address %q", deviceIP)
		}
		dev := directory.Device{
			ID:         args[0],
			IPAddress:  deviceIP,
			DeviceType: deviceType,
			Groups:     deviceGroups,
		}

		ctx := context.Background()
		dir, release, err := app.openDirectory(ctx)
		if err != nil {
			return err
		}
		defer release()

		switch d := dir.(type) {
		case *directory.FileDirectory:
			err = d.AddDevice(dev)
		case *directory.RedisDirectory:
			err = d.AddDevice(ctx, dev)
		default:
			err = fmt.Errorf("directory %T does not support adding devices", dir)
		}
		if err != nil {
			return err
		}
		fmt.Printf("Device %s saved.\n", dev.ID)
		return nil
	},
}

func init() {
	deviceAddCmd.Flags().StringVar(&deviceIP, "ip", "", "Management IP address")
	deviceAddCmd.Flags().StringVar(&deviceType, "type", "", "Device type (informational)")
	deviceAddCmd.Flags().StringArrayVar(&deviceGroups, "group", nil, "Group membership, in priority order (repeatable)")
	addOutputFlags(deviceListCmd)

	deviceCmd.AddCommand(deviceListCmd, deviceAddCmd)
}
