package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

var ErrInvalid = errors.New("config: invalid")

// ClientFile is the on-disk form of the rhxctl configuration. Durations are
// Go duration strings; the _ms variants win when both are set.
type ClientFile struct {
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

// SimFile configures the device simulator.
type SimFile struct {
	Host        string  `toml:"host"`
	CommandPort int     `toml:"command_port"`
	DataPort    int     `toml:"data_port"`
	Channels    int     `toml:"channels"`
	BlockRate   float64 `toml:"block_rate_hz"`
	AmplitudeUV float64 `toml:"amplitude_uv"`
	NoiseUV     float64 `toml:"noise_uv"`
	GarbageRate float64 `toml:"garbage_rate"`
}

// LoadClient decodes path strictly: unknown keys are errors.
func LoadClient(path string) (ClientFile, error) {
	var cfg ClientFile
	if err := loadStrict(path, &cfg); err != nil {
		return ClientFile{}, err
	}
	if err := ValidateClient(cfg); err != nil {
		return ClientFile{}, err
	}
	return cfg, nil
}

func LoadSim(path string) (SimFile, error) {
	var cfg SimFile
	if err := loadStrict(path, &cfg); err != nil {
		return SimFile{}, err
	}
	if err := ValidateSim(cfg); err != nil {
		return SimFile{}, err
	}
	return cfg, nil
}

func loadStrict(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("config parse failed (%s): unknown keys:\n%s", path, strict.String())
		}
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

// ValidateClient checks values that are set. Zero values fall back to
// defaults at load time and are accepted.
func ValidateClient(cfg ClientFile) error {
	if strings.ContainsAny(cfg.Host, " \t") {
		return fmt.Errorf("%w: host %q", ErrInvalid, cfg.Host)
	}
	if err := validatePort("command_port", cfg.CommandPort); err != nil {
		return err
	}
	if err := validatePort("data_port", cfg.DataPort); err != nil {
		return err
	}
	if cfg.CommandPort != 0 && cfg.CommandPort == cfg.DataPort {
		return fmt.Errorf("%w: command_port and data_port are both %d", ErrInvalid, cfg.DataPort)
	}
	if err := validateChannels(cfg.Channels); err != nil {
		return err
	}
	durations := map[string]string{
		"connect_timeout":     cfg.ConnectTimeout,
		"write_timeout":       cfg.WriteTimeout,
		"reconnect_delay":     cfg.ReconnectDelay,
		"reconnect_max_delay": cfg.ReconnectMaxDelay,
		"watchdog_timeout":    cfg.WatchdogTimeout,
		"watchdog_interval":   cfg.WatchdogInterval,
		"keepalive_period":    cfg.KeepAlivePeriod,
		"heartbeat":           cfg.Heartbeat,
	}
	for key, raw := range durations {
		if _, err := ParseDuration(raw); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
		}
	}
	millis := map[string]int64{
		"connect_timeout_ms":  cfg.ConnectTimeoutMS,
		"reconnect_delay_ms":  cfg.ReconnectDelayMS,
		"watchdog_timeout_ms": cfg.WatchdogTimeoutMS,
		"heartbeat_ms":        cfg.HeartbeatMS,
	}
	for key, v := range millis {
		if v < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalid, key)
		}
	}
	if cfg.RecvBufferBytes < 0 || cfg.SendBufferBytes < 0 {
		return fmt.Errorf("%w: socket buffer sizes must not be negative", ErrInvalid)
	}
	if addr := strings.TrimSpace(cfg.StatusAddr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("%w: status_addr: %v", ErrInvalid, err)
		}
	}
	return nil
}

func ValidateSim(cfg SimFile) error {
	if err := validatePort("command_port", cfg.CommandPort); err != nil {
		return err
	}
	if err := validatePort("data_port", cfg.DataPort); err != nil {
		return err
	}
	if err := validateChannels(cfg.Channels); err != nil {
		return err
	}
	if cfg.BlockRate < 0 || cfg.AmplitudeUV < 0 || cfg.NoiseUV < 0 {
		return fmt.Errorf("%w: rates and amplitudes must not be negative", ErrInvalid)
	}
	if cfg.GarbageRate < 0 || cfg.GarbageRate > 1 {
		return fmt.Errorf("%w: garbage_rate must be within [0,1]", ErrInvalid)
	}
	return nil
}

// ParseDuration accepts an empty string as zero.
func ParseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", raw)
	}
	return d, nil
}

func validatePort(key string, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%w: %s out of range: %d", ErrInvalid, key, port)
	}
	return nil
}

func validateChannels(n int) error {
	if n < 0 || n > 256 {
		return fmt.Errorf("%w: channels must be within 1..256, got %d", ErrInvalid, n)
	}
	return nil
}
