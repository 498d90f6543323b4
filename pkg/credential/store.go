package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/newtron-network/newtexec/pkg/directory"
	"github.com/newtron-network/newtexec/pkg/secret"
	"github.com/newtron-network/newtexec/pkg/util"
)

// Scope names, also used as the directory names under the store's base
// directory (with a trailing "s").
const (
	ScopeDevice = "device"
	ScopeGroup  = "group"
	ScopeSubnet = "subnet"
)

// Store resolves credentials for devices.
//
// Group and subnet records live in one JSON file each under
// <base>/groups and <base>/subnets. Device records live in the device's
// "credentials" property, owned by the Directory. Files under <base>/devices
// are the pre-migration layout: they are read as a fallback and moved onto
// the device property the first time they are found.
type Store struct {
	baseDir string
	cipher  *secret.Cipher
	dir     directory.Directory

	locks sync.Map // scope/name → *sync.Mutex
}

// NewStore creates a store rooted at baseDir. dir may be nil, in which case
// device-level credentials can only come from legacy files.
func NewStore(baseDir string, c *secret.Cipher, dir directory.Directory) *Store {
	return &Store{baseDir: baseDir, cipher: c, dir: dir}
}

// BaseDir returns the credentials directory.
func (s *Store) BaseDir() string { return s.baseDir }

// ============================================================================
// Resolution
// ============================================================================

// GetDeviceCredentials returns the most specific credentials configured for
// a device: device → group (in membership order) → subnet (longest prefix).
// When nothing matches the empty Record is returned; that is the normal
// "not configured" outcome, not a failure.
//
// deviceIP and groups are optional; when empty they are looked up in the
// directory.
func (s *Store) GetDeviceCredentials(ctx context.Context, deviceID, deviceIP string, groups []string) Record {
	log := util.WithDevice(deviceID)

	if s.dir != nil && (deviceIP == "" || groups == nil) {
		dev, err := s.dir.Device(ctx, deviceID)
		switch {
		case err == nil:
			if deviceIP == "" {
				deviceIP = dev.IPAddress
			}
			if groups == nil {
				groups = dev.Groups
			}
		case !errors.Is(err, util.ErrNotFound):
			log.Warnf("directory lookup failed: %v", err)
		}
	}

	if rec, ok := s.devicePropertyRecord(ctx, deviceID); ok {
		log.Debug("using device credentials")
		return rec
	}

	if rec, ok := s.legacyDeviceRecord(ctx, deviceID); ok {
		log.Debug("using legacy device credentials")
		return rec
	}

	for _, group := range groups {
		if rec, ok := s.readScope(ScopeGroup, group); ok {
			log.Debugf("using credentials of group %s", group)
			return rec
		}
	}

	if deviceIP != "" {
		if rec, cidr, ok := s.matchSubnet(deviceIP); ok {
			log.Debugf("using credentials of subnet %s", cidr)
			return rec
		}
	}

	log.Debug("no credentials configured")
	return Record{}
}

func (s *Store) devicePropertyRecord(ctx context.Context, deviceID string) (Record, bool) {
	if s.dir == nil {
		return Record{}, false
	}
	raw, ok, err := s.dir.GetProperty(ctx, deviceID, directory.CredentialsProperty)
	if err != nil {
		if !errors.Is(err, util.ErrNotFound) {
			util.WithDevice(deviceID).Warnf("reading credentials property: %v", err)
		}
		return Record{}, false
	}
	if !ok || raw == "" {
		return Record{}, false
	}
	var sealed Record
	if err := json.Unmarshal([]byte(raw), &sealed); err != nil {
		util.WithDevice(deviceID).Warnf("credentials property is not valid JSON: %v", err)
		return Record{}, false
	}
	if sealed.IsEmpty() {
		return Record{}, false
	}
	return sealed.open(s.cipher, ScopeDevice, deviceID), true
}

// legacyDeviceRecord reads <base>/devices/<id>.json and, when the directory
// knows the device, moves the record onto the device property.
func (s *Store) legacyDeviceRecord(ctx context.Context, deviceID string) (Record, bool) {
	if validateName(ScopeDevice, deviceID) != nil {
		return Record{}, false
	}
	rec, ok := s.readScope(ScopeDevice, deviceID)
	if !ok {
		return Record{}, false
	}
	if s.dir != nil {
		if err := s.migrateLegacy(ctx, deviceID, rec); err != nil {
			util.WithDevice(deviceID).Warnf("legacy credentials not migrated: %v", err)
		}
	}
	return rec, true
}

func (s *Store) migrateLegacy(ctx context.Context, deviceID string, rec Record) error {
	if err := s.setDeviceProperty(ctx, deviceID, rec); err != nil {
		return err
	}
	if err := s.deleteScope(ScopeDevice, deviceID); err != nil {
		return fmt.Errorf("removing legacy file: %w", err)
	}
	util.WithDevice(deviceID).Info("migrated legacy credentials onto device")
	return nil
}

// matchSubnet returns the record of the most specific stored subnet that
// contains ip. Ties on prefix length go to the lexically smaller CIDR.
func (s *Store) matchSubnet(ip string) (Record, string, bool) {
	subnets, err := s.ListSubnets()
	if err != nil {
		util.Logger.Warnf("listing subnet credentials: %v", err)
		return Record{}, "", false
	}

	best, bestLen := "", -1
	for _, cidr := range subnets {
		n, err := util.ParseSubnet(cidr)
		if err != nil || !util.SubnetContains(n, ip) {
			continue
		}
		if l := util.PrefixLen(n); l > bestLen {
			best, bestLen = cidr, l
		}
	}
	if best == "" {
		return Record{}, "", false
	}
	rec, ok := s.readScope(ScopeSubnet, best)
	return rec, best, ok
}

// ============================================================================
// Device scope
// ============================================================================

// SetDeviceCredentials stores rec on the device's credentials property.
func (s *Store) SetDeviceCredentials(ctx context.Context, deviceID string, rec Record) error {
	if s.dir == nil {
		return util.ErrNoDirectory
	}
	rec, err := normalize(rec)
	if err != nil {
		return err
	}
	return s.setDeviceProperty(ctx, deviceID, rec)
}

func (s *Store) setDeviceProperty(ctx context.Context, deviceID string, rec Record) error {
	sealed, err := rec.seal(s.cipher)
	if err != nil {
		return err
	}
	data, err := json.Marshal(sealed)
	if err != nil {
		return err
	}
	if err := s.dir.SetProperty(ctx, deviceID, directory.CredentialsProperty, string(data)); err != nil {
		return fmt.Errorf("saving credentials for %s: %w", deviceID, err)
	}
	return nil
}

// DeleteDeviceCredentials removes the device property and any legacy file.
func (s *Store) DeleteDeviceCredentials(ctx context.Context, deviceID string) error {
	if s.dir != nil {
		err := s.dir.DeleteProperty(ctx, deviceID, directory.CredentialsProperty)
		if err != nil && !errors.Is(err, util.ErrNotFound) {
			return fmt.Errorf("deleting credentials for %s: %w", deviceID, err)
		}
	}
	if validateName(ScopeDevice, deviceID) != nil {
		return nil
	}
	return s.deleteScope(ScopeDevice, deviceID)
}

// ============================================================================
// Group scope
// ============================================================================

// GetGroupCredentials returns the group's record, or the empty Record.
func (s *Store) GetGroupCredentials(group string) Record {
	if validateName(ScopeGroup, group) != nil {
		return Record{}
	}
	rec, _ := s.readScope(ScopeGroup, group)
	return rec
}

// SetGroupCredentials writes <base>/groups/<group>.json.
func (s *Store) SetGroupCredentials(group string, rec Record) error {
	if err := validateName(ScopeGroup, group); err != nil {
		return err
	}
	rec, err := normalize(rec)
	if err != nil {
		return err
	}
	return s.writeScope(ScopeGroup, group, rec)
}

// DeleteGroupCredentials removes the group's file. Deleting a group that has
// no credentials is not an error.
func (s *Store) DeleteGroupCredentials(group string) error {
	if err := validateName(ScopeGroup, group); err != nil {
		return err
	}
	return s.deleteScope(ScopeGroup, group)
}

// ListGroups returns the groups that have credentials, sorted.
func (s *Store) ListGroups() ([]string, error) {
	return s.listScope(ScopeGroup)
}

// ============================================================================
// Subnet scope
// ============================================================================

// GetSubnetCredentials returns the subnet's record, or the empty Record.
func (s *Store) GetSubnetCredentials(cidr string) Record {
	if !util.IsValidCIDR(cidr) {
		return Record{}
	}
	rec, _ := s.readScope(ScopeSubnet, strings.TrimSpace(cidr))
	return rec
}

// SetSubnetCredentials writes <base>/subnets/<cidr>.json. An invalid CIDR is
// rejected with an error wrapping util.ErrInvalidSubnet.
func (s *Store) SetSubnetCredentials(cidr string, rec Record) error {
	if _, err := util.ParseSubnet(cidr); err != nil {
		return err
	}
	rec, err := normalize(rec)
	if err != nil {
		return err
	}
	return s.writeScope(ScopeSubnet, strings.TrimSpace(cidr), rec)
}

// DeleteSubnetCredentials removes the subnet's file.
func (s *Store) DeleteSubnetCredentials(cidr string) error {
	if _, err := util.ParseSubnet(cidr); err != nil {
		return err
	}
	return s.deleteScope(ScopeSubnet, strings.TrimSpace(cidr))
}

// ListSubnets returns the subnets that have credentials, sorted. Files whose
// name is not a valid CIDR are skipped.
func (s *Store) ListSubnets() ([]string, error) {
	names, err := s.listScope(ScopeSubnet)
	if err != nil {
		return nil, err
	}
	subnets := names[:0]
	for _, name := range names {
		if !util.IsValidCIDR(name) {
			util.WithScope(ScopeSubnet, name).Warn("ignoring credentials file with invalid subnet name")
			continue
		}
		subnets = append(subnets, name)
	}
	return subnets, nil
}

// ============================================================================
// Files
// ============================================================================

func (s *Store) scopeDir(scope string) string {
	return filepath.Join(s.baseDir, scope+"s")
}

func (s *Store) scopePath(scope, name string) string {
	base := name
	if scope == ScopeSubnet {
		base = util.SubnetFileName(name)
	}
	return filepath.Join(s.scopeDir(scope), base+".json")
}

func (s *Store) lock(scope, name string) func() {
	v, _ := s.locks.LoadOrStore(scope+"/"+name, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// readScope loads and opens one record. Missing, unreadable and malformed
// files all read as "absent"; the latter two are logged.
func (s *Store) readScope(scope, name string) (Record, bool) {
	unlock := s.lock(scope, name)
	data, err := os.ReadFile(s.scopePath(scope, name))
	unlock()
	if err != nil {
		if !os.IsNotExist(err) {
			util.WithScope(scope, name).Warnf("reading credentials: %v", err)
		}
		return Record{}, false
	}

	var sealed Record
	if err := json.Unmarshal(data, &sealed); err != nil {
		util.WithScope(scope, name).Warnf("credentials file is not valid JSON: %v", err)
		return Record{}, false
	}
	if sealed.IsEmpty() {
		return Record{}, false
	}
	return sealed.open(s.cipher, scope, name), true
}

// writeScope seals rec and replaces the scope file atomically.
func (s *Store) writeScope(scope, name string, rec Record) error {
	sealed, err := rec.seal(s.cipher)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(sealed, "", "  ")
	if err != nil {
		return err
	}

	unlock := s.lock(scope, name)
	defer unlock()

	dir := s.scopeDir(scope)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".cred-*.tmp")
	if err != nil {
		return fmt.Errorf("writing %s credentials %s: %w", scope, name, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s credentials %s: %w", scope, name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing %s credentials %s: %w", scope, name, err)
	}
	if err := os.Rename(tmp.Name(), s.scopePath(scope, name)); err != nil {
		return fmt.Errorf("writing %s credentials %s: %w", scope, name, err)
	}
	return nil
}

func (s *Store) deleteScope(scope, name string) error {
	unlock := s.lock(scope, name)
	defer unlock()

	if err := os.Remove(s.scopePath(scope, name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) listScope(scope string) ([]string, error) {
	entries, err := os.ReadDir(s.scopeDir(scope))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		if scope == ScopeSubnet {
			name = util.SubnetFromFileName(name)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ============================================================================
// Validation
// ============================================================================

// validateName rejects names that cannot be used as a file name.
func validateName(scope, name string) error {
	var v util.ValidationBuilder
	v.Add(strings.TrimSpace(name) != "", scope+" name is required")
	v.Add(!strings.ContainsAny(name, `/\`), fmt.Sprintf("%s name %q must not contain path separators", scope, name))
	v.Add(name != "." && name != "..", fmt.Sprintf("%s name %q is reserved", scope, name))
	v.Add(!strings.HasPrefix(name, "."), fmt.Sprintf("%s name %q must not start with a dot", scope, name))
	return v.Build()
}

// normalize checks rec and fills in the default connection type.
func normalize(rec Record) (Record, error) {
	ct, err := ParseConnectionType(string(rec.ConnectionType))
	if err != nil {
		return Record{}, err
	}
	rec.ConnectionType = ct

	var v util.ValidationBuilder
	v.Add(rec.Username != "", "username is required")
	if err := v.Build(); err != nil {
		return Record{}, err
	}
	return rec, nil
}
