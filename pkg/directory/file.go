package directory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/newtron-network/newtexec/pkg/util"
)

// inventoryFile is the on-disk YAML layout:
//
//	devices:
//	  - id: leaf1
//	    ip_address: 10.0.0.5
//	    device_type: cisco_ios
//	    groups: [core, dc1]
//	    properties:
//	      credentials: '{"username":"admin",...}'
type inventoryFile struct {
	Devices []*inventoryEntry `yaml:"devices"`
}

type inventoryEntry struct {
	Device     `yaml:",inline"`
	Properties map[string]string `yaml:"properties,omitempty"`
}

// FileDirectory is a Directory backed by a single YAML inventory file.
// Every mutation rewrites the file (temp file + rename).
type FileDirectory struct {
	path string

	mu      sync.RWMutex
	entries map[string]*inventoryEntry
	order   []string
}

// LoadFile reads an inventory. A missing file yields an empty directory that
// is created on the first write.
func LoadFile(path string) (*FileDirectory, error) {
	d := &FileDirectory{path: path, entries: map[string]*inventoryEntry{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return d, nil
		}
		return nil, fmt.Errorf("reading inventory %s: %w", path, err)
	}

	var inv inventoryFile
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("parsing inventory %s: %w", path, err)
	}
	for i, e := range inv.Devices {
		if e == nil || e.ID == "" {
			return nil, fmt.Errorf("inventory %s: device #%d has no id", path, i+1)
		}
		if _, dup := d.entries[e.ID]; dup {
			return nil, fmt.Errorf("inventory %s: duplicate device id %q", path, e.ID)
		}
		d.entries[e.ID] = e
		d.order = append(d.order, e.ID)
	}
	return d, nil
}

// Path returns the inventory file location.
func (d *FileDirectory) Path() string { return d.path }

// AddDevice inserts or replaces a device entry, keeping its properties when
// replacing, and persists the inventory.
func (d *FileDirectory) AddDevice(dev Device) error {
	if dev.ID == "" {
		return fmt.Errorf("%w: device id is required", util.ErrInvalidConfig)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.entries[dev.ID]; ok {
		e.Device = dev
	} else {
		d.entries[dev.ID] = &inventoryEntry{Device: dev}
		d.order = append(d.order, dev.ID)
	}
	return d.saveLocked()
}

func (d *FileDirectory) Device(ctx context.Context, id string) (*Device, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.entries[id]
	if !ok {
		return nil, fmt.Errorf("device %q: %w", id, util.ErrNotFound)
	}
	return copyDevice(&e.Device), nil
}

func (d *FileDirectory) Devices(ctx context.Context) ([]*Device, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	devices := make([]*Device, 0, len(d.entries))
	for _, e := range d.entries {
		devices = append(devices, copyDevice(&e.Device))
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}

func (d *FileDirectory) GetProperty(ctx context.Context, id, key string) (string, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.entries[id]
	if !ok {
		return "", false, fmt.Errorf("device %q: %w", id, util.ErrNotFound)
	}
	v, ok := e.Properties[key]
	return v, ok, nil
}

func (d *FileDirectory) SetProperty(ctx context.Context, id, key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[id]
	if !ok {
		return fmt.Errorf("device %q: %w", id, util.ErrNotFound)
	}
	if e.Properties == nil {
		e.Properties = map[string]string{}
	}
	e.Properties[key] = value
	return d.saveLocked()
}

func (d *FileDirectory) DeleteProperty(ctx context.Context, id, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[id]
	if !ok {
		return fmt.Errorf("device %q: %w", id, util.ErrNotFound)
	}
	if _, ok := e.Properties[key]; !ok {
		return nil
	}
	delete(e.Properties, key)
	return d.saveLocked()
}

func (d *FileDirectory) saveLocked() error {
	inv := inventoryFile{Devices: make([]*inventoryEntry, 0, len(d.order))}
	for _, id := range d.order {
		inv.Devices = append(inv.Devices, d.entries[id])
	}
	data, err := yaml.Marshal(&inv)
	if err != nil {
		return fmt.Errorf("encoding inventory: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(d.path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(d.path), ".inventory-*.tmp")
	if err != nil {
		return fmt.Errorf("writing inventory: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing inventory: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing inventory: %w", err)
	}
	// Properties hold credentials, so keep the file private.
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), d.path)
}

func copyDevice(d *Device) *Device {
	c := *d
	c.Groups = append([]string(nil), d.Groups...)
	return &c
}
