package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadConfigMissingFileYieldsDefaults(t *testing.T) {
	conf, err := ReadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("ReadConfig on a missing file: %s", err)
	}
	defaults := DefaultConfig()
	if *conf != *defaults {
		t.Errorf("config = %+v, want defaults %+v", conf, defaults)
	}
}

func TestReadConfigPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "localAddr: 10.1.2.3\npreferredMSS: 1200\ndebug: true\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %s", err)
	}

	conf, err := ReadConfig(path)
	if err != nil {
		t.Fatalf("ReadConfig failed: %s", err)
	}
	if conf.LocalAddr != "10.1.2.3" {
		t.Errorf("LocalAddr = %q, want 10.1.2.3", conf.LocalAddr)
	}
	if conf.PreferredMSS != 1200 {
		t.Errorf("PreferredMSS = %d, want 1200", conf.PreferredMSS)
	}
	if !conf.Debug {
		t.Error("Debug not set")
	}
	// Untouched keys keep their defaults.
	if conf.MTU != DefaultConfig().MTU {
		t.Errorf("MTU = %d, want default %d", conf.MTU, DefaultConfig().MTU)
	}
	if conf.TimeWaitSec != DefaultConfig().TimeWaitSec {
		t.Errorf("TimeWaitSec = %d, want default %d", conf.TimeWaitSec, DefaultConfig().TimeWaitSec)
	}
}

func TestReadConfigValidation(t *testing.T) {
	testCases := []struct {
		name    string
		content string
	}{
		{name: "mtu below minimum", content: "mtu: 400\n"},
		{name: "mss larger than mtu allows", content: "mtu: 1500\npreferredMSS: 1480\n"},
		{name: "inverted port range", content: "clientPortLower: 50000\nclientPortUpper: 40000\n"},
		{name: "unparsable yaml", content: "mtu: [\n"},
	}

	for _, tc := range testCases {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte(tc.content), 0644); err != nil {
			t.Fatalf("%s: writing config: %s", tc.name, err)
		}
		if _, err := ReadConfig(path); err == nil {
			t.Errorf("%s: ReadConfig accepted the file", tc.name)
		}
	}
}
