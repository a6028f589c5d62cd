package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/rhxlink/internal/config"
	"github.com/danmuck/rhxlink/internal/testutil/testlog"
)

func TestLoadRunConfigDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadRunConfig("ex.config.toml")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	sc := cfg.Service.Session
	if sc.Host != "192.168.228.240" || sc.Channels != 32 || !sc.SpikeOutput {
		t.Fatalf("unexpected session: %+v", sc)
	}
	if sc.Session.ConnectTimeout != 3*time.Second {
		t.Fatalf("unexpected connect timeout: %v", sc.Session.ConnectTimeout)
	}
	if sc.Session.Backoff.InitialDelay != time.Second || sc.Session.Backoff.MaxDelay != 8*time.Second {
		t.Fatalf("unexpected backoff: %+v", sc.Session.Backoff)
	}
	if sc.Session.WatchdogTimeout != 4*time.Second || sc.Session.WatchdogInterval != time.Second {
		t.Fatalf("unexpected watchdog: %v/%v", sc.Session.WatchdogTimeout, sc.Session.WatchdogInterval)
	}
	if sc.Session.Socket.RecvBufferBytes != 2097152 || sc.Session.Socket.SendBufferBytes != 1<<16 {
		t.Fatalf("unexpected buffers: %+v", sc.Session.Socket)
	}
	if sc.Session.Socket.KeepAlive {
		t.Fatalf("expected keepalive disabled")
	}
	if sc.Session.WriteTimeout != 2*time.Second {
		t.Fatalf("default write timeout lost: %v", sc.Session.WriteTimeout)
	}
	if cfg.Service.ConnectOnStart {
		t.Fatalf("expected connect_on_start disabled")
	}
	if cfg.Service.HeartbeatInterval != 10*time.Second {
		t.Fatalf("unexpected heartbeat: %v", cfg.Service.HeartbeatInterval)
	}
	if cfg.StatusAddr != "0.0.0.0:9400" {
		t.Fatalf("unexpected status addr: %q", cfg.StatusAddr)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "http://lab.local:8080" {
		t.Fatalf("unexpected cors origins: %+v", cfg.CORSOrigins)
	}
	if err := sc.Validate(); err != nil {
		t.Fatalf("overlay produced invalid session config: %v", err)
	}
}

func TestExampleConfigPassesStrictValidation(t *testing.T) {
	testlog.Start(t)
	if _, err := config.LoadClient("ex.config.toml"); err != nil {
		t.Fatalf("strict load: %v", err)
	}
}

func TestLoadRunConfigMillisecondsOverrideDuration(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "cfg.toml")
	body := "watchdog_timeout = \"9s\"\nwatchdog_timeout_ms = 750\nheartbeat_ms = 250\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := loadRunConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if got := cfg.Service.Session.Session.WatchdogTimeout; got != 750*time.Millisecond {
		t.Fatalf("watchdog got=%v", got)
	}
	if cfg.Service.HeartbeatInterval != 250*time.Millisecond {
		t.Fatalf("heartbeat got=%v", cfg.Service.HeartbeatInterval)
	}
	if cfg.Service.Session.Host != "127.0.0.1" || !cfg.Service.ConnectOnStart {
		t.Fatalf("defaults lost: %+v", cfg.Service)
	}
}

func TestLoadRunConfigRejectsBadDuration(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "cfg.toml")
	if err := os.WriteFile(path, []byte("reconnect_delay = \"2 seconds\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := loadRunConfig(path); err == nil {
		t.Fatalf("expected parse error")
	}
}
