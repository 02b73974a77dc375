// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads the buoygate configuration file.
//
// A single YAML or TOML file, chosen by extension, is decoded over
// Default. Unknown keys are rejected.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/Thermoquad/buoygate/pkg/protocol"
)

// Duration is a time.Duration written as a string such as "1s".
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config is the whole gateway configuration.
type Config struct {
	Paths      Paths      `yaml:"paths" toml:"paths"`
	Settings   Settings   `yaml:"settings" toml:"settings"`
	Framing    Framing    `yaml:"framing" toml:"framing"`
	Transport  Transport  `yaml:"transport" toml:"transport"`
	Bus        Bus        `yaml:"bus" toml:"bus"`
	Processors Processors `yaml:"processors" toml:"processors"`
	Archive    Archive    `yaml:"archive" toml:"archive"`
	Metrics    Metrics    `yaml:"metrics" toml:"metrics"`
	RPC        RPC        `yaml:"rpc" toml:"rpc"`
	Node       Node       `yaml:"node" toml:"node"`
}

// Paths are the on-disk locations. Relative paths resolve against Root.
type Paths struct {
	Root     string `yaml:"root" toml:"root"`
	Cache    string `yaml:"cache" toml:"cache"`
	Archive  string `yaml:"archive" toml:"archive"`
	Commands string `yaml:"commands" toml:"commands"`
	Nodes    string `yaml:"nodes" toml:"nodes"`
	Data     string `yaml:"data" toml:"data"`
}

// Settings tune the worker loops.
type Settings struct {
	Platform                string   `yaml:"platform" toml:"platform"`
	CollisionAvoidanceDelay Duration `yaml:"collision_avoidance_delay" toml:"collision_avoidance_delay"`
	ProcessorSleep          Duration `yaml:"processor_sleep" toml:"processor_sleep"`
	ErrorSleep              Duration `yaml:"error_sleep" toml:"error_sleep"`
	WatchdogSleep           Duration `yaml:"watchdog_sleep" toml:"watchdog_sleep"`
	ReaderErrorSleep        Duration `yaml:"reader_error_sleep" toml:"reader_error_sleep"`
	StartupIgnoreThreshold  Duration `yaml:"startup_ignore_threshold" toml:"startup_ignore_threshold"`
	DropCarriageReturn      bool     `yaml:"drop_carriage_return" toml:"drop_carriage_return"`
	RequestTimeout          Duration `yaml:"request_timeout" toml:"request_timeout"`
	SendData                bool     `yaml:"send_data" toml:"send_data"`
}

// Framing sets the transaction boundaries and verification.
type Framing struct {
	Start     string `yaml:"start" toml:"start"`
	Stop      string `yaml:"stop" toml:"stop"`
	MaxBuffer int    `yaml:"max_buffer" toml:"max_buffer"`
	Verify    string `yaml:"verify" toml:"verify"` // length or none
	AutoAck   bool   `yaml:"auto_ack" toml:"auto_ack"`
}

// Verification modes.
const (
	VerifyLength = "length"
	VerifyNone   = "none"
)

// Transport selects how the gateway reaches its nodes.
type Transport struct {
	Type        string   `yaml:"type" toml:"type"` // serial, websocket, tcp or listen
	Port        string   `yaml:"port" toml:"port"`
	Baud        int      `yaml:"baud" toml:"baud"`
	ReadTimeout Duration `yaml:"read_timeout" toml:"read_timeout"`
	URL         string   `yaml:"url" toml:"url"`
	Username    string   `yaml:"username" toml:"username"`
	PasswordEnv string   `yaml:"password_env" toml:"password_env"`
	NoSSLVerify bool     `yaml:"no_ssl_verify" toml:"no_ssl_verify"`
	Address     string   `yaml:"address" toml:"address"`
	DialTimeout Duration `yaml:"dial_timeout" toml:"dial_timeout"`
	Listen      string   `yaml:"listen" toml:"listen"`
	Allow       []string `yaml:"allow" toml:"allow"`
}

// TypeListen accepts node connections instead of dialling one.
const TypeListen = "listen"

// Bus configures the operator bus. An empty URL runs an in-process bus.
type Bus struct {
	URL    string `yaml:"url" toml:"url"`
	Name   string `yaml:"name" toml:"name"`
	Nodes  string `yaml:"nodes" toml:"nodes"`
	Master string `yaml:"master" toml:"master"`
	Data   string `yaml:"data" toml:"data"`
}

// Sink kinds.
const (
	SinkBus    = "bus"
	SinkLog    = "log"
	SinkFile   = "file"
	SinkJSON   = "json"
	SinkUpload = "upload"
)

// Sink is one processor in the chain.
type Sink struct {
	Type         string `yaml:"type" toml:"type"`
	Dir          string `yaml:"dir,omitempty" toml:"dir,omitempty"`
	Prefix       string `yaml:"prefix,omitempty" toml:"prefix,omitempty"`
	Rolling      string `yaml:"rolling,omitempty" toml:"rolling,omitempty"`
	Path         string `yaml:"path,omitempty" toml:"path,omitempty"`
	Limit        int    `yaml:"limit,omitempty" toml:"limit,omitempty"`
	URL          string `yaml:"url,omitempty" toml:"url,omitempty"`
	Username     string `yaml:"username,omitempty" toml:"username,omitempty"`
	PasswordEnv  string `yaml:"password_env,omitempty" toml:"password_env,omitempty"`
	Every        int    `yaml:"every,omitempty" toml:"every,omitempty"`
	IgnoreResult bool   `yaml:"ignore_result,omitempty" toml:"ignore_result,omitempty"`
	// DataOnly passes only DATA transactions on, as bare data lines.
	DataOnly bool `yaml:"data_only,omitempty" toml:"data_only,omitempty"`
}

// Processors is the sink chain. Mode "any" succeeds when one sink does,
// "all" needs every sink.
type Processors struct {
	Mode  string `yaml:"mode" toml:"mode"`
	Sinks []Sink `yaml:"sinks" toml:"sinks"`
}

// Archive controls archive file rotation.
type Archive struct {
	Rolling  string `yaml:"rolling" toml:"rolling"` // week, day or none
	Compress bool   `yaml:"compress" toml:"compress"`
}

// Metrics configures the prometheus endpoint and status log.
type Metrics struct {
	Listen         string   `yaml:"listen" toml:"listen"`
	StatusInterval Duration `yaml:"status_interval" toml:"status_interval"`
}

// RPC configures the commander socket used by "buoygate nodes".
type RPC struct {
	Network string `yaml:"network" toml:"network"` // unix or tcp
	Listen  string `yaml:"listen" toml:"listen"`
}

// Node configures the simulated buoy.
type Node struct {
	Identifier        string   `yaml:"identifier" toml:"identifier"`
	Version           string   `yaml:"version" toml:"version"`
	NodeTimeout       Duration `yaml:"node_timeout" toml:"node_timeout"`
	LiveSleepInterval Duration `yaml:"live_sleep_interval" toml:"live_sleep_interval"`
	DataInterval      Duration `yaml:"data_interval" toml:"data_interval"`
	AsleepDelay       Duration `yaml:"asleep_delay" toml:"asleep_delay"`
	ReadingInterval   Duration `yaml:"reading_interval" toml:"reading_interval"`
	RetrieveTimeout   Duration `yaml:"retrieve_timeout" toml:"retrieve_timeout"`
	AckTimeout        Duration `yaml:"ack_timeout" toml:"ack_timeout"`
	Retries           int      `yaml:"retries" toml:"retries"`
	Tick              Duration `yaml:"tick" toml:"tick"`
	StartupDelay      Duration `yaml:"startup_delay" toml:"startup_delay"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		Paths: Paths{
			Root:     ".",
			Cache:    "cache",
			Archive:  "archive",
			Commands: "commands",
			Nodes:    "nodes",
			Data:     "data",
		},
		Settings: Settings{
			Platform:                "default_platform",
			CollisionAvoidanceDelay: Duration(time.Second),
			ProcessorSleep:          Duration(time.Second),
			ErrorSleep:              Duration(5 * time.Second),
			WatchdogSleep:           Duration(time.Second),
			ReaderErrorSleep:        Duration(time.Second),
			StartupIgnoreThreshold:  Duration(time.Second),
			DropCarriageReturn:      true,
			RequestTimeout:          Duration(time.Minute),
		},
		Framing: Framing{
			Start:  "BEGIN",
			Stop:   "END",
			Verify: VerifyLength,
		},
		Transport: Transport{
			Baud:        9600,
			ReadTimeout: Duration(time.Second),
			DialTimeout: Duration(10 * time.Second),
		},
		Bus: Bus{
			Name:   "buoygate",
			Nodes:  "nodes",
			Master: "master.maintenance",
			Data:   "master.data",
		},
		Processors: Processors{
			Mode:  "any",
			Sinks: []Sink{{Type: SinkBus}},
		},
		Archive: Archive{Rolling: "week"},
		Metrics: Metrics{StatusInterval: Duration(time.Minute)},
		RPC:     RPC{Network: "unix"},
		Node: Node{
			Identifier:        "default_buoy",
			Version:           protocol.DefaultNodeVersion,
			NodeTimeout:       Duration(60 * time.Second),
			LiveSleepInterval: Duration(60 * time.Second),
			DataInterval:      Duration(10 * time.Second),
			AsleepDelay:       Duration(10 * time.Second),
			ReadingInterval:   Duration(time.Second),
			RetrieveTimeout:   Duration(5 * time.Second),
			AckTimeout:        Duration(2 * time.Second),
			Retries:           5,
			Tick:              Duration(500 * time.Millisecond),
		},
	}
}

// Load reads path over Default and validates the result. An empty path
// returns Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	if err := cfg.decode(filepath.Ext(path), data); err != nil {
		return Config{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) decode(ext string, data []byte) error {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		return dec.Decode(c)
	}
	return fmt.Errorf("unsupported config format %q", ext)
}

// Path resolves p against the root directory.
func (c Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Paths.Root, p)
}
