package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtexec/pkg/cli"
	"github.com/newtron-network/newtexec/pkg/settings"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Manage persistent settings",
	Long: `Manage persistent settings stored in ~/.newtexec/settings.json.

Settings provide defaults for global flags and timeouts:
  - credentials_dir:   Credential store directory
  - inventory:         Device inventory YAML file
  - redis_addr:        Use a Redis device directory instead of the inventory file
  - redis_ssh_host:    Reach redis_addr through an SSH tunnel to this host
  - connect_timeout:   e.g. 10s
  - command_timeout:   e.g. 30s
  - parallelism:       Devices to run on at once

Examples:
  newtexec settings show
  newtexec settings set command_timeout 30s
  newtexec settings set redis_addr 127.0.0.1:6379
  newtexec settings clear`,
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := settings.Load()
		if err != nil {
			return fmt.Errorf("loading settings: %w", err)
		}

		fmt.Printf("Settings file: %s\n\n", settings.DefaultSettingsPath())

		t := cli.NewTable("SETTING", "VALUE", "EFFECTIVE")
		effective := map[string]string{
			"credentials_dir":   s.GetCredentialsDir(),
			"inventory":         s.GetInventory(),
			"redis_db":          fmt.Sprint(s.GetRedisDB()),
			"connect_timeout":   s.GetConnectTimeout().String(),
			"command_timeout":   s.GetCommandTimeout().String(),
			"parallelism":       fmt.Sprint(s.GetParallelism()),
			"audit_log":         s.GetAuditLog(),
			"audit_max_size_mb": fmt.Sprint(s.GetAuditMaxSize() >> 20),
			"audit_max_backups": fmt.Sprint(s.GetAuditMaxBackups()),
		}
		for _, key := range settings.Keys {
			value, _ := s.Get(key)
			t.Row(key, orNotSet(value), effective[key])
		}
		t.Flush()
		return nil
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <setting> <value>",
	Short: "Set a setting value (an empty value unsets it)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := settings.Load()
		if err != nil {
			s = &settings.Settings{}
		}
		if err := s.Set(args[0], args[1]); err != nil {
			return err
		}
		if err := s.Save(); err != nil {
			return fmt.Errorf("saving settings: %w", err)
		}
		fmt.Printf("%s set to: %s\n", args[0], args[1])
		return nil
	},
}

var settingsGetCmd = &cobra.Command{
	Use:   "get <setting>",
	Short: "Get a setting value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := settings.Load()
		if err != nil {
			return fmt.Errorf("loading settings: %w", err)
		}
		value, err := s.Get(args[0])
		if err != nil {
			return err
		}
		if value == "" {
			fmt.Println("(not set)")
		} else {
			fmt.Println(value)
		}
		return nil
	},
}

var settingsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear all settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		s := &settings.Settings{}
		if err := s.Save(); err != nil {
			return fmt.Errorf("saving settings: %w", err)
		}
		fmt.Println("All settings cleared.")
		return nil
	},
}

var settingsPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show settings file path",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(settings.DefaultSettingsPath())
	},
}

func init() {
	settingsCmd.AddCommand(settingsShowCmd)
	settingsCmd.AddCommand(settingsSetCmd)
	settingsCmd.AddCommand(settingsGetCmd)
	settingsCmd.AddCommand(settingsClearCmd)
	settingsCmd.AddCommand(settingsPathCmd)
}
