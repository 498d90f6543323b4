// Package directory is the device inventory consulted before a command run:
// device identity, management address, group membership, and a per-device
// property bag where the credential store keeps the device's credentials.
package directory

import "context"

// CredentialsProperty is the property key holding a device's sealed credentials.
const CredentialsProperty = "credentials"

// Device is a read-only reference to an inventory entry.
type Device struct {
	ID         string   `json:"id" yaml:"id"`
	IPAddress  string   `json:"ip_address" yaml:"ip_address"`
	DeviceType string   `json:"device_type,omitempty" yaml:"device_type,omitempty"`
	Groups     []string `json:"groups,omitempty" yaml:"groups,omitempty"`
}

// Directory looks up devices and reads/writes their property bag.
// Property values are opaque strings.
type Directory interface {
	// Device returns the device with id, or an error wrapping util.ErrNotFound.
	Device(ctx context.Context, id string) (*Device, error)
	// Devices returns every device, sorted by ID.
	Devices(ctx context.Context) ([]*Device, error)
	// GetProperty returns the value stored under key and whether it was set.
	GetProperty(ctx context.Context, id, key string) (string, bool, error)
	SetProperty(ctx context.Context, id, key, value string) error
	DeleteProperty(ctx context.Context, id, key string) error
}
