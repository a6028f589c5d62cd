package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/rhxlink/internal/rhx"
)

type fileConfig struct {
	Host        string `toml:"host"`
	CommandPort int    `toml:"command_port"`
	DataPort    int    `toml:"data_port"`
	Channels    int    `toml:"channels"`
	SpikeOutput bool   `toml:"spike_output"`

	ConnectTimeout    string `toml:"connect_timeout"`
	ConnectTimeoutMS  int64  `toml:"connect_timeout_ms"`
	WriteTimeout      string `toml:"write_timeout"`
	AutoReconnect     bool   `toml:"auto_reconnect"`
	ReconnectDelay    string `toml:"reconnect_delay"`
	ReconnectDelayMS  int64  `toml:"reconnect_delay_ms"`
	ReconnectMaxDelay string `toml:"reconnect_max_delay"`
	ReconnectJitter   bool   `toml:"reconnect_jitter"`
	WatchdogTimeout   string `toml:"watchdog_timeout"`
	WatchdogTimeoutMS int64  `toml:"watchdog_timeout_ms"`
	WatchdogInterval  string `toml:"watchdog_interval"`

	RecvBufferBytes int    `toml:"recv_buffer_bytes"`
	SendBufferBytes int    `toml:"send_buffer_bytes"`
	KeepAlive       bool   `toml:"keepalive"`
	KeepAlivePeriod string `toml:"keepalive_period"`

	ConnectOnStart bool     `toml:"connect_on_start"`
	Heartbeat      string   `toml:"heartbeat"`
	HeartbeatMS    int64    `toml:"heartbeat_ms"`
	StatusAddr     string   `toml:"status_addr"`
	CORSOrigins    []string `toml:"cors_origins"`
}

type runConfig struct {
	Service     rhx.ServiceConfig
	StatusAddr  string
	CORSOrigins []string
}

func defaultRunConfig() runConfig {
	return runConfig{
		Service:     rhx.DefaultServiceConfig(),
		StatusAddr:  "127.0.0.1:9400",
		CORSOrigins: []string{"http://localhost:3000"},
	}
}

// loadRunConfig overlays the keys present in path onto the defaults.
func loadRunConfig(path string) (runConfig, error) {
	cfg := defaultRunConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return runConfig{}, fmt.Errorf("load rhxctl config: %w", err)
	}

	sc := &cfg.Service.Session
	if meta.IsDefined("host") {
		sc.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("command_port") {
		sc.CommandPort = raw.CommandPort
	}
	if meta.IsDefined("data_port") {
		sc.DataPort = raw.DataPort
	}
	if meta.IsDefined("channels") {
		sc.Channels = raw.Channels
	}
	if meta.IsDefined("spike_output") {
		sc.SpikeOutput = raw.SpikeOutput
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &sc.Session.ConnectTimeout},
		{"write_timeout", raw.WriteTimeout, &sc.Session.WriteTimeout},
		{"reconnect_delay", raw.ReconnectDelay, &sc.Session.Backoff.InitialDelay},
		{"reconnect_max_delay", raw.ReconnectMaxDelay, &sc.Session.Backoff.MaxDelay},
		{"watchdog_timeout", raw.WatchdogTimeout, &sc.Session.WatchdogTimeout},
		{"watchdog_interval", raw.WatchdogInterval, &sc.Session.WatchdogInterval},
		{"keepalive_period", raw.KeepAlivePeriod, &sc.Session.Socket.KeepAlivePeriod},
		{"heartbeat", raw.Heartbeat, &cfg.Service.HeartbeatInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return runConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	millis := []struct {
		key string
		v   int64
		dst *time.Duration
	}{
		{"connect_timeout_ms", raw.ConnectTimeoutMS, &sc.Session.ConnectTimeout},
		{"reconnect_delay_ms", raw.ReconnectDelayMS, &sc.Session.Backoff.InitialDelay},
		{"watchdog_timeout_ms", raw.WatchdogTimeoutMS, &sc.Session.WatchdogTimeout},
		{"heartbeat_ms", raw.HeartbeatMS, &cfg.Service.HeartbeatInterval},
	}
	for _, m := range millis {
		if meta.IsDefined(m.key) {
			*m.dst = time.Duration(m.v) * time.Millisecond
		}
	}

	if meta.IsDefined("auto_reconnect") {
		sc.Session.AutoReconnect = raw.AutoReconnect
	}
	if meta.IsDefined("reconnect_jitter") {
		sc.Session.Backoff.Jitter = raw.ReconnectJitter
	}
	if meta.IsDefined("recv_buffer_bytes") {
		sc.Session.Socket.RecvBufferBytes = raw.RecvBufferBytes
	}
	if meta.IsDefined("send_buffer_bytes") {
		sc.Session.Socket.SendBufferBytes = raw.SendBufferBytes
	}
	if meta.IsDefined("keepalive") {
		sc.Session.Socket.KeepAlive = raw.KeepAlive
	}
	if meta.IsDefined("connect_on_start") {
		cfg.Service.ConnectOnStart = raw.ConnectOnStart
	}
	if meta.IsDefined("status_addr") {
		cfg.StatusAddr = strings.TrimSpace(raw.StatusAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeOrigins(raw.CORSOrigins)
	}
	return cfg, nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		if v := strings.TrimSpace(origin); v != "" {
			out = append(out, v)
		}
	}
	return out
}
