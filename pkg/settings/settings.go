// Package settings manages persistent user settings for the newtexec CLI.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/newtron-network/newtexec/pkg/util"
)

// Defaults used when a setting is not present.
const (
	DefaultParallelism     = 8
	DefaultRedisDB         = 0
	DefaultAuditMaxSizeMB  = 10
	DefaultAuditMaxBackups = 5
	DefaultConnectTimeout  = 10 * time.Second
	DefaultCommandTimeout  = 10 * time.Second
)

// Settings holds persistent user preferences
type Settings struct {
	// CredentialsDir holds groups/ and subnets/ credential files
	CredentialsDir string `json:"credentials_dir,omitempty"`

	// Inventory is the YAML device directory, used when RedisAddr is empty
	Inventory string `json:"inventory,omitempty"`

	// RedisAddr selects the Redis-backed device directory
	RedisAddr string `json:"redis_addr,omitempty"`
	RedisDB   *int   `json:"redis_db,omitempty"`

	// RedisSSHHost, when set, reaches RedisAddr through an SSH tunnel to
	// this host ("host" or "host:port"). RedisAddr is then resolved on the
	// remote side, typically 127.0.0.1:6379.
	RedisSSHHost string `json:"redis_ssh_host,omitempty"`

	// Timeouts are Go duration strings, e.g. "15s"
	ConnectTimeout string `json:"connect_timeout,omitempty"`
	CommandTimeout string `json:"command_timeout,omitempty"`

	// Parallelism bounds concurrent device sessions for multi-device runs
	Parallelism int `json:"parallelism,omitempty"`

	AuditLog        string `json:"audit_log,omitempty"`
	AuditMaxSizeMB  int    `json:"audit_max_size_mb,omitempty"`
	AuditMaxBackups int    `json:"audit_max_backups,omitempty"`
}

// Keys lists the names accepted by Get and Set, in display order.
var Keys = []string{
	"credentials_dir",
	"inventory",
	"redis_addr",
	"redis_db",
	"redis_ssh_host",
	"connect_timeout",
	"command_timeout",
	"parallelism",
	"audit_log",
	"audit_max_size_mb",
	"audit_max_backups",
}

// Dir returns ~/.newtexec, or the working directory if home is unknown.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".newtexec"
	}
	return filepath.Join(home, ".newtexec")
}

// DefaultSettingsPath returns the default path for the settings file
func DefaultSettingsPath() string {
	return filepath.Join(Dir(), "settings.json")
}

// Load reads settings from the default location
func Load() (*Settings, error) {
	return LoadFrom(DefaultSettingsPath())
}

// LoadFrom reads settings from a specific path. A missing file yields empty
// settings.
func LoadFrom(path string) (*Settings, error) {
	s := &Settings{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return s, nil
}

// Save writes settings to the default location
func (s *Settings) Save() error {
	return s.SaveTo(DefaultSettingsPath())
}

// SaveTo writes settings to a specific path
func (s *Settings) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Clear resets all settings to defaults
func (s *Settings) Clear() {
	*s = Settings{}
}

// GetCredentialsDir returns the credential store directory (with fallback)
func (s *Settings) GetCredentialsDir() string {
	if s.CredentialsDir != "" {
		return s.CredentialsDir
	}
	return filepath.Join(Dir(), "credentials")
}

// GetInventory returns the inventory path (with fallback)
func (s *Settings) GetInventory() string {
	if s.Inventory != "" {
		return s.Inventory
	}
	return filepath.Join(Dir(), "inventory.yaml")
}

func (s *Settings) GetRedisDB() int {
	if s.RedisDB != nil {
		return *s.RedisDB
	}
	return DefaultRedisDB
}

func (s *Settings) GetConnectTimeout() time.Duration {
	return parseDuration("connect_timeout", s.ConnectTimeout, DefaultConnectTimeout)
}

func (s *Settings) GetCommandTimeout() time.Duration {
	return parseDuration("command_timeout", s.CommandTimeout, DefaultCommandTimeout)
}

func (s *Settings) GetParallelism() int {
	if s.Parallelism > 0 {
		return s.Parallelism
	}
	return DefaultParallelism
}

// GetAuditLog returns the audit log path (with fallback)
func (s *Settings) GetAuditLog() string {
	if s.AuditLog != "" {
		return s.AuditLog
	}
	return filepath.Join(Dir(), "audit.log")
}

// GetAuditMaxSize returns the rotation threshold in bytes.
func (s *Settings) GetAuditMaxSize() int64 {
	mb := s.AuditMaxSizeMB
	if mb <= 0 {
		mb = DefaultAuditMaxSizeMB
	}
	return int64(mb) << 20
}

func (s *Settings) GetAuditMaxBackups() int {
	if s.AuditMaxBackups > 0 {
		return s.AuditMaxBackups
	}
	return DefaultAuditMaxBackups
}

func parseDuration(key, value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		util.Warnf("settings: ignoring invalid %s %q, using %s", key, value, def)
		return def
	}
	return d
}

// Get returns the stored value of key, or "" when it is not set.
func (s *Settings) Get(key string) (string, error) {
	switch key {
	case "credentials_dir":
		return s.CredentialsDir, nil
	case "inventory":
		return s.Inventory, nil
	case "redis_addr":
		return s.RedisAddr, nil
	case "redis_db":
		if s.RedisDB == nil {
			return "", nil
		}
		return strconv.Itoa(*s.RedisDB), nil
	case "redis_ssh_host":
		return s.RedisSSHHost, nil
	case "connect_timeout":
		return s.ConnectTimeout, nil
	case "command_timeout":
		return s.CommandTimeout, nil
	case "parallelism":
		return intOrEmpty(s.Parallelism), nil
	case "audit_log":
		return s.AuditLog, nil
	case "audit_max_size_mb":
		return intOrEmpty(s.AuditMaxSizeMB), nil
	case "audit_max_backups":
		return intOrEmpty(s.AuditMaxBackups), nil
	}
	return "", unknownKey(key)
}

// Set validates and stores value under key. An empty value unsets it.
func (s *Settings) Set(key, value string) error {
	switch key {
	case "credentials_dir":
		s.CredentialsDir = value
	case "inventory":
		s.Inventory = value
	case "redis_addr":
		s.RedisAddr = value
	case "redis_db":
		if value == "" {
			s.RedisDB = nil
			return nil
		}
		n, err := parseInt(key, value)
		if err != nil {
			return err
		}
		s.RedisDB = &n
	case "redis_ssh_host":
		s.RedisSSHHost = value
	case "connect_timeout", "command_timeout":
		if value != "" {
			if d, err := time.ParseDuration(value); err != nil || d <= 0 {
				return fmt.Errorf("%w: %s must be a positive duration such as 10s", util.ErrInvalidConfig, key)
			}
		}
		if key == "connect_timeout" {
			s.ConnectTimeout = value
		} else {
			s.CommandTimeout = value
		}
	case "parallelism", "audit_max_size_mb", "audit_max_backups":
		n := 0
		if value != "" {
			var err error
			if n, err = parseInt(key, value); err != nil {
				return err
			}
		}
		switch key {
		case "parallelism":
			s.Parallelism = n
		case "audit_max_size_mb":
			s.AuditMaxSizeMB = n
		default:
			s.AuditMaxBackups = n
		}
	case "audit_log":
		s.AuditLog = value
	default:
		return unknownKey(key)
	}
	return nil
}

func parseInt(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", util.ErrInvalidConfig, key)
	}
	return n, nil
}

func intOrEmpty(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}

func unknownKey(key string) error {
	return fmt.Errorf("%w: unknown setting %q", util.ErrInvalidConfig, key)
}
