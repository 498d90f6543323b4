package directory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/newtron-network/newtexec/pkg/util"
)

const sampleInventory = `devices:
  - id: leaf1
    ip_address: 10.0.0.5
    device_type: cisco_ios
    groups: [core, dc1]
  - id: spine1
    ip_address: 10.0.0.1
    properties:
      credentials: '{"username":"admin"}'
`

func writeInventory(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devices.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	d, err := LoadFile(writeInventory(t, sampleInventory))
	if err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}
	ctx := context.Background()

	dev, err := d.Device(ctx, "leaf1")
	if err != nil {
		t.Fatalf("Device(leaf1) failed: %v", err)
	}
	if dev.IPAddress != "10.0.0.5" || dev.DeviceType != "cisco_ios" {
		t.Errorf("Device(leaf1) = %+v", dev)
	}
	if len(dev.Groups) != 2 || dev.Groups[0] != "core" || dev.Groups[1] != "dc1" {
		t.Errorf("Groups = %v, want [core dc1] in order", dev.Groups)
	}

	devices, err := d.Devices(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 2 || devices[0].ID != "leaf1" || devices[1].ID != "spine1" {
		t.Errorf("Devices() not sorted by id: %v", devices)
	}

	v, ok, err := d.GetProperty(ctx, "spine1", CredentialsProperty)
	if err != nil || !ok || v != `{"username":"admin"}` {
		t.Errorf("GetProperty(spine1) = %q, %v, %v", v, ok, err)
	}
	_, ok, err = d.GetProperty(ctx, "leaf1", CredentialsProperty)
	if err != nil || ok {
		t.Errorf("GetProperty(leaf1) should be unset, got ok=%v err=%v", ok, err)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	d, err := LoadFile(filepath.Join(t.TempDir(), "none.yaml"))
	if err != nil {
		t.Fatalf("missing inventory should not error: %v", err)
	}
	devices, _ := d.Devices(context.Background())
	if len(devices) != 0 {
		t.Errorf("expected empty directory, got %v", devices)
	}
}

func TestLoadFile_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad yaml", "devices: [", "parsing"},
		{"missing id", "devices:\n  - ip_address: 10.0.0.1\n", "no id"},
		{"duplicate id", "devices:\n  - id: a\n  - id: a\n", "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeInventory(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("LoadFile() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestFileDirectory_UnknownDevice(t *testing.T) {
	d, _ := LoadFile(writeInventory(t, sampleInventory))
	ctx := context.Background()

	if _, err := d.Device(ctx, "ghost"); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("Device(ghost) error = %v, want ErrNotFound", err)
	}
	if _, _, err := d.GetProperty(ctx, "ghost", "k"); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("GetProperty(ghost) error = %v, want ErrNotFound", err)
	}
	if err := d.SetProperty(ctx, "ghost", "k", "v"); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("SetProperty(ghost) error = %v, want ErrNotFound", err)
	}
}

func TestFileDirectory_PropertyPersistence(t *testing.T) {
	path := writeInventory(t, sampleInventory)
	d, _ := LoadFile(path)
	ctx := context.Background()

	if err := d.SetProperty(ctx, "leaf1", CredentialsProperty, "sealed"); err != nil {
		t.Fatalf("SetProperty() failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("inventory mode = %v, want 0600", info.Mode().Perm())
	}

	reloaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	v, ok, _ := reloaded.GetProperty(ctx, "leaf1", CredentialsProperty)
	if !ok || v != "sealed" {
		t.Errorf("reloaded property = %q, %v", v, ok)
	}
	dev, _ := reloaded.Device(ctx, "leaf1")
	if len(dev.Groups) != 2 {
		t.Errorf("groups lost on rewrite: %v", dev.Groups)
	}

	if err := reloaded.DeleteProperty(ctx, "leaf1", CredentialsProperty); err != nil {
		t.Fatalf("DeleteProperty() failed: %v", err)
	}
	again, _ := LoadFile(path)
	if _, ok, _ := again.GetProperty(ctx, "leaf1", CredentialsProperty); ok {
		t.Error("property should be gone after delete")
	}
}

func TestFileDirectory_AddDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "devices.yaml")
	d, _ := LoadFile(path)
	ctx := context.Background()

	if err := d.AddDevice(Device{ID: "sw1", IPAddress: "192.0.2.10"}); err != nil {
		t.Fatalf("AddDevice() failed: %v", err)
	}
	if err := d.SetProperty(ctx, "sw1", "site", "lab"); err != nil {
		t.Fatal(err)
	}
	// Replacing keeps properties.
	if err := d.AddDevice(Device{ID: "sw1", IPAddress: "192.0.2.11"}); err != nil {
		t.Fatal(err)
	}

	reloaded, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	dev, err := reloaded.Device(ctx, "sw1")
	if err != nil || dev.IPAddress != "192.0.2.11" {
		t.Errorf("Device(sw1) = %+v, %v", dev, err)
	}
	if v, ok, _ := reloaded.GetProperty(ctx, "sw1", "site"); !ok || v != "lab" {
		t.Errorf("property lost on replace: %q %v", v, ok)
	}

	if err := d.AddDevice(Device{}); !errors.Is(err, util.ErrInvalidConfig) {
		t.Errorf("AddDevice without id error = %v", err)
	}
}

func TestFileDirectory_ReturnsCopies(t *testing.T) {
	d, _ := LoadFile(writeInventory(t, sampleInventory))
	ctx := context.Background()

	dev, _ := d.Device(ctx, "leaf1")
	dev.Groups[0] = "mutated"

	again, _ := d.Device(ctx, "leaf1")
	if again.Groups[0] != "core" {
		t.Error("callers must not be able to mutate directory state")
	}
}
