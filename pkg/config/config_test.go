// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/buoygate/pkg/transport"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// ============================================================
// Loading
// ============================================================

func TestLoad_EmptyPathIsDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := writeFile(t, "buoygate.yaml", `
paths:
  root: /var/lib/buoygate
settings:
  collision_avoidance_delay: 2s
  startup_ignore_threshold: 1500ms
  drop_carriage_return: false
transport:
  type: serial
  port: /dev/ttyUSB0
  baud: 57600
processors:
  mode: all
  sinks:
    - type: bus
    - type: upload
      url: https://example.org/upload
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/buoygate", cfg.Paths.Root)
	assert.Equal(t, 2*time.Second, cfg.Settings.CollisionAvoidanceDelay.D())
	assert.Equal(t, 1500*time.Millisecond, cfg.Settings.StartupIgnoreThreshold.D())
	assert.False(t, cfg.Settings.DropCarriageReturn)
	assert.Equal(t, 57600, cfg.Transport.Baud)
	assert.Equal(t, "all", cfg.Processors.Mode)
	require.Len(t, cfg.Processors.Sinks, 2)
	assert.Equal(t, "https://example.org/upload", cfg.Processors.Sinks[1].URL)

	// Untouched values keep their defaults.
	assert.Equal(t, "BEGIN", cfg.Framing.Start)
	assert.Equal(t, 5*time.Second, cfg.Settings.ErrorSleep.D())
	assert.Equal(t, "/var/lib/buoygate/cache", cfg.Path(cfg.Paths.Cache))
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "buoygate.toml", `
[framing]
start = "<<"
stop = ">>"
verify = "none"

[bus]
url = "nats://localhost:4222"

[node]
identifier = "buoy7"
data_interval = "30s"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "<<", cfg.Framing.Start)
	assert.Nil(t, cfg.Verifier())
	assert.Equal(t, "nats://localhost:4222", cfg.Bus.URL)
	assert.Equal(t, "buoy7", cfg.NodeConfig().Identifier)
	assert.Equal(t, 30*time.Second, cfg.NodeConfig().DataInterval)
	assert.Equal(t, ">>", cfg.NodeConfig().Framing.Stop)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{"unknown yaml key", "c.yaml", "settings:\n  uploader_sleep: 1s\n"},
		{"unknown toml key", "c.toml", "[settings]\nuploader_sleep = \"1s\"\n"},
		{"bad duration", "c.yaml", "settings:\n  error_sleep: soon\n"},
		{"unsupported format", "c.json", "{}"},
		{"invalid values", "c.yaml", "transport:\n  type: carrier-pigeon\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// ============================================================
// Validation
// ============================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"default", func(*Config) {}, true},
		{"listen transport", func(c *Config) { c.Transport.Type = TypeListen; c.Transport.Allow = []string{"10.0.0.0/8"} }, true},
		{"missing stop", func(c *Config) { c.Framing.Stop = "" }, false},
		{"bad verify", func(c *Config) { c.Framing.Verify = "crc" }, false},
		{"bad cidr", func(c *Config) { c.Transport.Allow = []string{"10.0.0.0"} }, false},
		{"zero processor sleep", func(c *Config) { c.Settings.ProcessorSleep = 0 }, false},
		{"negative collision delay", func(c *Config) { c.Settings.CollisionAvoidanceDelay = Duration(-time.Second) }, false},
		{"bad rolling", func(c *Config) { c.Archive.Rolling = "fortnight" }, false},
		{"no sinks", func(c *Config) { c.Processors.Sinks = nil }, false},
		{"json without path", func(c *Config) { c.Processors.Sinks = []Sink{{Type: SinkJSON}} }, false},
		{"unknown sink", func(c *Config) { c.Processors.Sinks = []Sink{{Type: "csv"}} }, false},
		{"bad rpc network", func(c *Config) { c.RPC.Network = "udp" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

// ============================================================
// Conversion
// ============================================================

func TestTopics_FallBackToDefaults(t *testing.T) {
	cfg := Default()
	cfg.Bus.Master = ""
	cfg.Bus.Nodes = "buoys"

	topics := cfg.Topics()
	assert.Equal(t, "buoys", topics.Nodes)
	assert.Equal(t, "master.maintenance", topics.Master)
	assert.Equal(t, "buoys.b1", topics.NodeSubject("b1"))
}

func TestTransportOptions(t *testing.T) {
	cfg := Default()
	cfg.Transport.Type = TypeListen
	cfg.Transport.URL = "wss://bridge.local/node"
	cfg.Transport.Username = "admin"

	o := cfg.TransportOptions("secret")
	kind, err := o.Kind()
	require.NoError(t, err)
	assert.Equal(t, transport.TypeWebSocket, kind)
	assert.Equal(t, "secret", o.Password)
	assert.Equal(t, time.Second, o.ReadTimeout)
}

func TestPath(t *testing.T) {
	cfg := Default()
	cfg.Paths.Root = "/srv"
	assert.Equal(t, "/srv/cache", cfg.Path("cache"))
	assert.Equal(t, "/tmp/x", cfg.Path("/tmp/x"))
	assert.Equal(t, "", cfg.Path(""))
}
