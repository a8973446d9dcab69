package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "kerneld.toml")
	if err := os.WriteFile(file, []byte(body), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	return file
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Daemon.MaxRuntime != 3600 || cfg.Daemon.MaxPerUser != 3 {
		t.Fatalf("unexpected daemon defaults: %+v", cfg.Daemon)
	}
	if cfg.Daemon.TeardownTimeout != 10*time.Second || cfg.Daemon.RetainTerminal != 5*time.Minute {
		t.Fatalf("unexpected daemon durations: %+v", cfg.Daemon)
	}
	if cfg.Daemon.DisconnectGrace != 0 {
		t.Fatalf("disconnect grace should default to immediate, got %v", cfg.Daemon.DisconnectGrace)
	}
	if cfg.Server.BasePath != "/api/v1" || cfg.Kernel.Engine != "jupyter" || cfg.Events.SubjectPrefix != "chat" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoad_File(t *testing.T) {
	file := writeTOML(t, `
[server]
listen = "127.0.0.1:9000"
base_path = "/api"

[daemon]
max_runtime = 120
max_per_user = 5
teardown_timeout = "3s"
disconnect_grace = "30s"
transcript_dir = "/var/log/kerneld"

[kernel]
engine = "jupyter"
url = "http://jupyter:8888"
token = "secret"

[log]
level = "debug"
format = "json"
  [log.file]
  path = "/var/log/kerneld/kerneld.log"
  max_size_mb = 50

[history]
dsns = ["sqlite:///tmp/history.db", "clickhouse://localhost:9000/default"]

[events]
nats_url = "nats://localhost:4222"
`)
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Listen != "127.0.0.1:9000" || cfg.Server.BasePath != "/api" {
		t.Fatalf("unexpected server: %+v", cfg.Server)
	}
	if cfg.Daemon.MaxRuntimeDuration() != 2*time.Minute || cfg.Daemon.MaxPerUser != 5 {
		t.Fatalf("unexpected daemon: %+v", cfg.Daemon)
	}
	if cfg.Daemon.TeardownTimeout != 3*time.Second || cfg.Daemon.DisconnectGrace != 30*time.Second {
		t.Fatalf("unexpected durations: %+v", cfg.Daemon)
	}
	if cfg.Kernel.Token != "secret" || cfg.Log.Level != "debug" || cfg.Log.File.MaxSizeMB != 50 {
		t.Fatalf("unexpected kernel/log: %+v %+v", cfg.Kernel, cfg.Log)
	}
	if len(cfg.History.DSNs) != 2 || cfg.Events.NATSURL != "nats://localhost:4222" {
		t.Fatalf("unexpected history/events: %+v %+v", cfg.History, cfg.Events)
	}
	// untouched sections keep defaults
	if cfg.Daemon.RetainTerminal != 5*time.Minute {
		t.Fatalf("retain_terminal default lost: %v", cfg.Daemon.RetainTerminal)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	file := writeTOML(t, "[daemon]\nmax_runtime = 120\n")
	t.Setenv("KERNELD_DAEMON_MAX_RUNTIME", "60")
	t.Setenv("KERNELD_KERNEL_TOKEN", "from-env")
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Daemon.MaxRuntime != 60 {
		t.Fatalf("env did not override file: %d", cfg.Daemon.MaxRuntime)
	}
	if cfg.Kernel.Token != "from-env" {
		t.Fatalf("env token not applied: %q", cfg.Kernel.Token)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	bad := writeTOML(t, "[daemon\nmax_runtime = ")
	if _, err := Load(bad); err == nil {
		t.Fatalf("expected parse error")
	}
	invalid := writeTOML(t, "[daemon]\nmax_runtime = 0\nmax_per_user = -1\n[log]\nformat = \"xml\"\n")
	_, err := Load(invalid)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"max_runtime", "max_per_user", "log.format"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestValidate_JupyterNeedsURL(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.Kernel.URL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected jupyter url error")
	}
	cfg.Kernel.Engine = "pyodide"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("sandboxed engine needs no url: %v", err)
	}
}

func TestLoader_ReloadKeepsLastValid(t *testing.T) {
	file := writeTOML(t, "[daemon]\nmax_runtime = 100\n")
	l, err := NewLoader(file, nil)
	if err != nil {
		t.Fatalf("loader: %v", err)
	}
	if l.MaxRuntime() != 100*time.Second {
		t.Fatalf("unexpected max runtime %v", l.MaxRuntime())
	}

	if err := os.WriteFile(file, []byte("[daemon]\nmax_runtime = 200\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := l.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if l.MaxRuntime() != 200*time.Second {
		t.Fatalf("reload not applied: %v", l.MaxRuntime())
	}

	if err := os.WriteFile(file, []byte("[daemon]\nmax_runtime = -5\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := l.Reload(); err == nil {
		t.Fatalf("expected invalid reload to fail")
	}
	if l.MaxRuntime() != 200*time.Second {
		t.Fatalf("invalid reload replaced config: %v", l.MaxRuntime())
	}
}

func TestLoader_WatchAppliesChanges(t *testing.T) {
	file := writeTOML(t, "[daemon]\nmax_runtime = 100\n")
	l, err := NewLoader(file, nil)
	if err != nil {
		t.Fatalf("loader: %v", err)
	}
	changed := make(chan Config, 4)
	l.Watch(func(c Config) { changed <- c })

	if err := os.WriteFile(file, []byte("[daemon]\nmax_runtime = 300\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changed:
			if c.Daemon.MaxRuntime == 300 {
				return
			}
		case <-deadline:
			t.Fatalf("watch did not pick up change; max_runtime=%d", l.Config().Daemon.MaxRuntime)
		}
	}
}
