package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "client", "rhxctl":
		return clientTemplate, nil
	case "sim", "rhxsim":
		return simTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const clientTemplate = `host = "127.0.0.1"
command_port = 5000
data_port = 5001
channels = 64
spike_output = false

connect_timeout = "4s"
write_timeout = "2s"
auto_reconnect = true
reconnect_delay = "2s"
reconnect_max_delay = "10s"
reconnect_jitter = false
watchdog_timeout = "5s"
watchdog_interval = "2s"

recv_buffer_bytes = 1048576
send_buffer_bytes = 65536
keepalive = true

connect_on_start = true
heartbeat = "5s"
status_addr = "127.0.0.1:9400"
cors_origins = ["http://localhost:3000"]
`

const simTemplate = `host = "127.0.0.1"
command_port = 5000
data_port = 5001
channels = 64
block_rate_hz = 234.375
amplitude_uv = 120.0
noise_uv = 8.0
garbage_rate = 0.0
`
