package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtexec/pkg/directory"
)

func TestParseLast(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{"24h", 24 * time.Hour},
		{"90m", 90 * time.Minute},
		{"7d", 7 * 24 * time.Hour},
	}
	for _, tt := range tests {
		got, err := parseLast(tt.input)
		if err != nil || got != tt.want {
			t.Errorf("parseLast(%q) = %v, %v; want %v", tt.input, got, err, tt.want)
		}
	}
	if _, err := parseLast("yesterday"); err == nil {
		t.Error("parseLast() should reject garbage")
	}
}

func TestLastErrorLine(t *testing.T) {
	if got := lastErrorLine("show clock\n\nSSH Connection error: refused"); got != "SSH Connection error: refused" {
		t.Errorf("lastErrorLine() = %q", got)
	}
	if got := lastErrorLine("No valid credentials found for device r1"); got != "No valid credentials found for device r1" {
		t.Errorf("lastErrorLine() = %q", got)
	}
}

func TestIsMetaCommand(t *testing.T) {
	if !isMetaCommand(settingsShowCmd) {
		t.Error("settings show should skip audit setup")
	}
	if isMetaCommand(runCmd) || isMetaCommand(credsSetCmd) {
		t.Error("run and creds need audit setup")
	}
	if isMetaCommand(&cobra.Command{Use: "other"}) {
		t.Error("unrelated command")
	}
}

func TestSelectDevices(t *testing.T) {
	dir, err := directory.LoadFile(filepath.Join(t.TempDir(), "inventory.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range []directory.Device{
		{ID: "leaf1", IPAddress: "10.0.0.11", Groups: []string{"core"}},
		{ID: "leaf2", IPAddress: "10.0.0.12", Groups: []string{"edge"}},
		{ID: "spine1", IPAddress: "10.0.0.1", Groups: []string{"core", "spine"}},
	} {
		if err := dir.AddDevice(d); err != nil {
			t.Fatal(err)
		}
	}

	reset := func() {
		runDevices, runGroups, runAll = nil, nil, false
	}
	defer reset()
	ids := func(devs []directory.Device) []string {
		var out []string
		for _, d := range devs {
			out = append(out, d.ID)
		}
		return out
	}
	ctx := context.Background()

	t.Run("nothing selected", func(t *testing.T) {
		reset()
		if _, err := selectDevices(ctx, dir); err == nil {
			t.Error("expected an error")
		}
	})

	t.Run("ids, group and ad-hoc ip", func(t *testing.T) {
		reset()
		runDevices = []string{"spine1", "192.0.2.7"}
		runGroups = []string{"core"}
		devs, err := selectDevices(ctx, dir)
		if err != nil {
			t.Fatal(err)
		}
		got := ids(devs)
		want := []string{"spine1", "192.0.2.7", "leaf1"}
		if len(got) != len(want) {
			t.Fatalf("got %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("got %v, want %v", got, want)
			}
		}
		if devs[1].IPAddress != "192.0.2.7" {
			t.Errorf("ad-hoc device = %+v", devs[1])
		}
	})

	t.Run("all", func(t *testing.T) {
		reset()
		runAll = true
		devs, err := selectDevices(ctx, dir)
		if err != nil || len(devs) != 3 {
			t.Errorf("got %v, %v", ids(devs), err)
		}
	})

	t.Run("unknown device", func(t *testing.T) {
		reset()
		runDevices = []string{"nope"}
		if _, err := selectDevices(ctx, dir); err == nil {
			t.Error("expected an error")
		}
	})
}
