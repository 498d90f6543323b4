package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/newtron-network/newtexec/pkg/directory"
	"github.com/newtron-network/newtexec/pkg/secret"
	"github.com/newtron-network/newtexec/pkg/util"
)

func testCipher(t *testing.T, host string) *secret.Cipher {
	t.Helper()
	c, err := secret.NewCipher(secret.MachineKey{Hostname: host, Username: "netops", Salt: secret.ApplicationSalt})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// newTestStore returns a store over a temp dir and a file directory holding
// leaf1 (10.0.0.5, groups core+dc1) and leaf2 (10.9.9.9, no groups).
func newTestStore(t *testing.T) (*Store, *directory.FileDirectory) {
	t.Helper()
	tmp := t.TempDir()

	dir, err := directory.LoadFile(filepath.Join(tmp, "devices.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range []directory.Device{
		{ID: "leaf1", IPAddress: "10.0.0.5", Groups: []string{"core", "dc1"}},
		{ID: "leaf2", IPAddress: "10.9.9.9"},
	} {
		if err := dir.AddDevice(d); err != nil {
			t.Fatal(err)
		}
	}
	return NewStore(filepath.Join(tmp, "credentials"), testCipher(t, "ws1"), dir), dir
}

func rec(user string) Record {
	return Record{Username: user, Password: user + "-pw", ConnectionType: SSH}
}

func TestParseConnectionType(t *testing.T) {
	tests := []struct {
		in      string
		want    ConnectionType
		wantErr bool
	}{
		{"", SSH, false},
		{"ssh", SSH, false},
		{"SSH", SSH, false},
		{" telnet ", Telnet, false},
		{"foo", "", true},
		{"sshh", "", true},
	}
	for _, tt := range tests {
		got, err := ParseConnectionType(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseConnectionType(%q) error = %v", tt.in, err)
			continue
		}
		if tt.wantErr {
			if !errors.Is(err, util.ErrUnsupportedConnectionType) || !strings.Contains(err.Error(), tt.in) {
				t.Errorf("ParseConnectionType(%q) error = %v", tt.in, err)
			}
			continue
		}
		if got != tt.want {
			t.Errorf("ParseConnectionType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRecord_Redacted(t *testing.T) {
	r := Record{Username: "admin", Password: "x", ConnectionType: SSH}.Redacted()
	if r.Password != "********" || r.EnablePassword != "" || r.Username != "admin" {
		t.Errorf("Redacted() = %+v", r)
	}
}

func TestStore_DeviceBeatsGroup(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.SetDeviceCredentials(ctx, "leaf1", rec("device-admin")); err != nil {
		t.Fatalf("SetDeviceCredentials() failed: %v", err)
	}
	// Group set afterwards must not win.
	if err := s.SetGroupCredentials("core", rec("group-admin")); err != nil {
		t.Fatal(err)
	}

	got := s.GetDeviceCredentials(ctx, "leaf1", "10.0.0.5", []string{"core"})
	if got.Username != "device-admin" || got.Password != "device-admin-pw" {
		t.Errorf("GetDeviceCredentials() = %+v, want device record", got)
	}
}

func TestStore_GroupOrder(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.SetGroupCredentials("core", rec("core-admin"))
	s.SetGroupCredentials("dc1", rec("dc1-admin"))

	got := s.GetDeviceCredentials(ctx, "leaf1", "", nil)
	if got.Username != "core-admin" {
		t.Errorf("first group in membership order should win, got %q", got.Username)
	}

	got = s.GetDeviceCredentials(ctx, "leaf1", "", []string{"dc1", "core"})
	if got.Username != "dc1-admin" {
		t.Errorf("explicit group order should be honoured, got %q", got.Username)
	}
}

func TestStore_SubnetFallback(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.SetSubnetCredentials("10.0.0.0/24", rec("subnet-admin")); err != nil {
		t.Fatalf("SetSubnetCredentials() failed: %v", err)
	}

	got := s.GetDeviceCredentials(ctx, "leaf1", "10.0.0.5", []string{})
	if got.Username != "subnet-admin" {
		t.Errorf("inside subnet: got %+v", got)
	}

	got = s.GetDeviceCredentials(ctx, "leaf2", "", nil)
	if !got.IsEmpty() {
		t.Errorf("outside all subnets should be empty, got %+v", got)
	}

	got = s.GetDeviceCredentials(ctx, "unknown", "", nil)
	if !got.IsEmpty() {
		t.Errorf("unknown device without address should be empty, got %+v", got)
	}
}

func TestStore_SubnetMostSpecificWins(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.SetSubnetCredentials("10.0.0.0/8", rec("wide"))
	s.SetSubnetCredentials("10.0.0.0/24", rec("narrow"))
	s.SetSubnetCredentials("10.0.0.0/16", rec("middle"))

	got := s.GetDeviceCredentials(ctx, "x", "10.0.0.5", []string{})
	if got.Username != "narrow" {
		t.Errorf("longest prefix should win, got %q", got.Username)
	}
	got = s.GetDeviceCredentials(ctx, "x", "10.0.7.5", []string{})
	if got.Username != "middle" {
		t.Errorf("got %q, want middle", got.Username)
	}
}

func TestStore_SubnetValidation(t *testing.T) {
	s, _ := newTestStore(t)

	for _, bad := range []string{"", "10.0.0.0", "10.0.0.0/33", "garbage/24"} {
		err := s.SetSubnetCredentials(bad, rec("x"))
		if !errors.Is(err, util.ErrInvalidSubnet) {
			t.Errorf("SetSubnetCredentials(%q) error = %v, want ErrInvalidSubnet", bad, err)
		}
	}
	subnets, _ := s.ListSubnets()
	if len(subnets) != 0 {
		t.Errorf("invalid subnets should not be stored: %v", subnets)
	}
}

func TestStore_FileLayoutNeverPlaintext(t *testing.T) {
	s, _ := newTestStore(t)

	r := Record{Username: "admin", Password: "hunter2", EnablePassword: "", ConnectionType: Telnet}
	if err := s.SetGroupCredentials("core", r); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSubnetCredentials("192.168.0.0/16", r); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{
		filepath.Join(s.BaseDir(), "groups", "core.json"),
		filepath.Join(s.BaseDir(), "subnets", "192.168.0.0_16.json"),
	} {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("expected file %s: %v", path, err)
		}
		if strings.Contains(string(data), "hunter2") {
			t.Errorf("%s contains plaintext password", path)
		}
		var onDisk map[string]string
		if err := json.Unmarshal(data, &onDisk); err != nil {
			t.Fatal(err)
		}
		for _, key := range []string{"username", "password", "enable_password", "connection_type"} {
			if _, ok := onDisk[key]; !ok {
				t.Errorf("%s missing key %q", path, key)
			}
		}
		if onDisk["enable_password"] != "" {
			t.Errorf("empty enable password should stay empty on disk, got %q", onDisk["enable_password"])
		}
		if onDisk["connection_type"] != "telnet" {
			t.Errorf("connection_type = %q", onDisk["connection_type"])
		}
	}

	got := s.GetGroupCredentials("core")
	if got != r {
		t.Errorf("GetGroupCredentials() = %+v, want %+v", got, r)
	}
	if got := s.GetSubnetCredentials("192.168.0.0/16"); got != r {
		t.Errorf("GetSubnetCredentials() = %+v", got)
	}
}

func TestStore_DevicePropertySealed(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()

	if err := s.SetDeviceCredentials(ctx, "leaf1", Record{Username: "admin", Password: "hunter2"}); err != nil {
		t.Fatal(err)
	}
	raw, ok, err := dir.GetProperty(ctx, "leaf1", directory.CredentialsProperty)
	if err != nil || !ok {
		t.Fatalf("property not written: %v", err)
	}
	if strings.Contains(raw, "hunter2") {
		t.Error("device property contains plaintext password")
	}

	got := s.GetDeviceCredentials(ctx, "leaf1", "", nil)
	if got.Password != "hunter2" || got.ConnectionType != SSH {
		t.Errorf("GetDeviceCredentials() = %+v", got)
	}

	if err := s.SetDeviceCredentials(ctx, "ghost", rec("x")); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("SetDeviceCredentials(ghost) error = %v, want ErrNotFound", err)
	}
}

func TestStore_SetValidation(t *testing.T) {
	s, _ := newTestStore(t)

	if err := s.SetGroupCredentials("core", Record{Password: "x"}); !errors.Is(err, util.ErrValidationFailed) {
		t.Errorf("missing username error = %v", err)
	}
	if err := s.SetGroupCredentials("core", Record{Username: "a", ConnectionType: "foo"}); !errors.Is(err, util.ErrUnsupportedConnectionType) {
		t.Errorf("bad connection type error = %v", err)
	}
	for _, bad := range []string{"", "../etc", "a/b", ".hidden", ".."} {
		if err := s.SetGroupCredentials(bad, rec("x")); !errors.Is(err, util.ErrValidationFailed) {
			t.Errorf("SetGroupCredentials(%q) error = %v", bad, err)
		}
	}

	noDir := NewStore(t.TempDir(), testCipher(t, "ws1"), nil)
	if err := noDir.SetDeviceCredentials(context.Background(), "leaf1", rec("x")); !errors.Is(err, util.ErrNoDirectory) {
		t.Errorf("SetDeviceCredentials without directory error = %v", err)
	}
}

func TestStore_DeleteAndList(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.SetGroupCredentials("edge", rec("e"))
	s.SetGroupCredentials("core", rec("c"))
	s.SetSubnetCredentials("10.0.0.0/24", rec("s"))
	s.SetDeviceCredentials(ctx, "leaf1", rec("d"))

	groups, err := s.ListGroups()
	if err != nil || len(groups) != 2 || groups[0] != "core" || groups[1] != "edge" {
		t.Errorf("ListGroups() = %v, %v", groups, err)
	}
	subnets, err := s.ListSubnets()
	if err != nil || len(subnets) != 1 || subnets[0] != "10.0.0.0/24" {
		t.Errorf("ListSubnets() = %v, %v", subnets, err)
	}

	if err := s.DeleteDeviceCredentials(ctx, "leaf1"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteGroupCredentials("core"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteGroupCredentials("core"); err != nil {
		t.Errorf("deleting twice should not error: %v", err)
	}
	if err := s.DeleteSubnetCredentials("10.0.0.0/24"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteSubnetCredentials("nope"); !errors.Is(err, util.ErrInvalidSubnet) {
		t.Errorf("DeleteSubnetCredentials(nope) error = %v", err)
	}

	got := s.GetDeviceCredentials(ctx, "leaf1", "", nil)
	if got.Username != "" {
		t.Errorf("after deletes only nothing should remain for leaf1, got %+v", got)
	}
}

func TestStore_LegacyMigration(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()

	c := testCipher(t, "ws1")
	token, _ := c.Encrypt("legacy-pw")
	legacy := fmt.Sprintf(`{"username":"old","password":%q,"enable_password":"","connection_type":"telnet"}`, token)
	legacyPath := filepath.Join(s.BaseDir(), "devices", "leaf1.json")
	if err := os.MkdirAll(filepath.Dir(legacyPath), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(legacyPath, []byte(legacy), 0600); err != nil {
		t.Fatal(err)
	}
	// A group record exists but legacy device credentials take precedence.
	s.SetGroupCredentials("core", rec("group"))

	got := s.GetDeviceCredentials(ctx, "leaf1", "", nil)
	if got.Username != "old" || got.Password != "legacy-pw" || got.ConnectionType != Telnet {
		t.Fatalf("GetDeviceCredentials() = %+v, want legacy record", got)
	}

	if _, err := os.Stat(legacyPath); !os.IsNotExist(err) {
		t.Error("legacy file should be removed after migration")
	}
	raw, ok, _ := dir.GetProperty(ctx, "leaf1", directory.CredentialsProperty)
	if !ok || strings.Contains(raw, "legacy-pw") {
		t.Errorf("migrated property = %q, ok=%v", raw, ok)
	}

	again := s.GetDeviceCredentials(ctx, "leaf1", "", nil)
	if again != got {
		t.Errorf("after migration = %+v, want %+v", again, got)
	}
}

func TestStore_LegacyWithoutDirectory(t *testing.T) {
	base := t.TempDir()
	s := NewStore(base, testCipher(t, "ws1"), nil)

	legacyPath := filepath.Join(base, "devices", "sw9.json")
	os.MkdirAll(filepath.Dir(legacyPath), 0700)
	// Pre-encryption layout: plaintext password.
	os.WriteFile(legacyPath, []byte(`{"username":"old","password":"plain","connection_type":"ssh"}`), 0600)

	got := s.GetDeviceCredentials(context.Background(), "sw9", "", nil)
	if got.Username != "old" || got.Password != "plain" {
		t.Errorf("GetDeviceCredentials() = %+v", got)
	}
	if _, err := os.Stat(legacyPath); err != nil {
		t.Error("legacy file must stay when there is nowhere to migrate it")
	}
}

func TestStore_CorruptSecretBecomesEmpty(t *testing.T) {
	tmp := t.TempDir()
	writer := NewStore(tmp, testCipher(t, "ws1"), nil)
	reader := NewStore(tmp, testCipher(t, "other-host"), nil)

	if err := writer.SetGroupCredentials("core", Record{Username: "admin", Password: "pw", EnablePassword: "en"}); err != nil {
		t.Fatal(err)
	}

	got := reader.GetGroupCredentials("core")
	if got.Username != "admin" {
		t.Errorf("Username = %q", got.Username)
	}
	if got.Password != "" || got.EnablePassword != "" {
		t.Errorf("undecryptable secrets should read as empty, got %+v", got)
	}
}

func TestStore_MalformedFilesAreSkipped(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	groupsDir := filepath.Join(s.BaseDir(), "groups")
	os.MkdirAll(groupsDir, 0700)
	os.WriteFile(filepath.Join(groupsDir, "core.json"), []byte("{not json"), 0600)
	s.SetGroupCredentials("dc1", rec("dc1-admin"))

	got := s.GetDeviceCredentials(ctx, "leaf1", "", nil)
	if got.Username != "dc1-admin" {
		t.Errorf("malformed group file should fall through to next group, got %+v", got)
	}

	subnetsDir := filepath.Join(s.BaseDir(), "subnets")
	os.MkdirAll(subnetsDir, 0700)
	os.WriteFile(filepath.Join(subnetsDir, "bogus.json"), []byte("{}"), 0600)
	subnets, err := s.ListSubnets()
	if err != nil || len(subnets) != 0 {
		t.Errorf("ListSubnets() = %v, %v", subnets, err)
	}
}

func TestStore_ConcurrentWrites(t *testing.T) {
	s, _ := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := s.SetGroupCredentials("core", rec(fmt.Sprintf("user%d", i))); err != nil {
				t.Errorf("SetGroupCredentials() failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got := s.GetGroupCredentials("core")
	if !strings.HasPrefix(got.Username, "user") || got.Password != got.Username+"-pw" {
		t.Errorf("record torn by concurrent writers: %+v", got)
	}

	entries, _ := os.ReadDir(filepath.Join(s.BaseDir(), "groups"))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %d entries", len(entries))
	}
}
