// Package config loads the bridge configuration from a JSON or YAML file.
// Every field is optional; the Get* methods supply defaults for anything
// the file leaves out, so partial configs are safe.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/sortbridge/internal/protocol"
	"github.com/banshee-data/sortbridge/internal/serialmux"
	"github.com/banshee-data/sortbridge/internal/sorting"
)

// Defaults. The reply timeout must stay above the controller's worst-case
// actuation time, which is the motor move plus the firmware's 3s settle.
const (
	DefaultSerialPort         = "/dev/ttyUSB0"
	DefaultReplyTimeout       = 10 * time.Second
	DefaultWorstCaseActuation = 3 * time.Second
	DefaultHandshakeTimeout   = serialmux.DefaultHandshakeTimeout
	DefaultQueueSize          = 8
	DefaultDBPath             = "sortbridge.db"
	DefaultListenAddr         = ":5002"
	DefaultAlertCapacity      = 256
	DefaultStatsWindow        = 512
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Environment variables that override the file.
const (
	EnvSerialPort = "SERIAL_PORT"
	EnvDBPath     = "DB_PATH"
)

// Config is the root configuration.
type Config struct {
	SerialPort  *string               `json:"serial_port,omitempty" yaml:"serial_port,omitempty"`
	PortOptions serialmux.PortOptions `json:"port_options" yaml:"port_options"`

	// Durations are strings like "10s".
	ReplyTimeout       *string `json:"reply_timeout,omitempty" yaml:"reply_timeout,omitempty"`
	HandshakeTimeout   *string `json:"handshake_timeout,omitempty" yaml:"handshake_timeout,omitempty"`
	WorstCaseActuation *string `json:"worst_case_actuation,omitempty" yaml:"worst_case_actuation,omitempty"`

	// Protocol selects the controller firmware's reply format: "structured"
	// (JSON bin_id) or "ack" (OK).
	Protocol *string `json:"protocol,omitempty" yaml:"protocol,omitempty"`

	// CommandTable maps type_id to the command code sent on the wire. When
	// omitted the default table for the protocol is used.
	CommandTable map[int]int `json:"command_table,omitempty" yaml:"command_table,omitempty"`

	QueueSize     *int    `json:"queue_size,omitempty" yaml:"queue_size,omitempty"`
	DBPath        *string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	ListenAddr    *string `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`
	LogFile       *string `json:"log_file,omitempty" yaml:"log_file,omitempty"`
	AlertCapacity *int    `json:"alert_capacity,omitempty" yaml:"alert_capacity,omitempty"`
	StatsWindow   *int    `json:"stats_window,omitempty" yaml:"stats_window,omitempty"`
}

func ptrString(v string) *string { return &v }

// Default returns an empty config: every getter yields its default.
func Default() *Config {
	return &Config{}
}

// Load reads a config file. The extension selects the format: .json, .yaml
// or .yml. The result is validated.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", filepath.Base(cleanPath), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment. lookup is os.LookupEnv in
// production.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvSerialPort); ok && v != "" {
		c.SerialPort = ptrString(v)
	}
	if v, ok := lookup(EnvDBPath); ok && v != "" {
		c.DBPath = ptrString(v)
	}
}

// Validate checks that the configuration is usable. A reply deadline that
// does not exceed the worst-case actuation time is rejected, since every
// slow but successful move would then be reported as a timeout.
func (c *Config) Validate() error {
	var errs []error

	reply, err := duration("reply_timeout", c.ReplyTimeout, DefaultReplyTimeout)
	errs = append(errs, err)
	worst, err := duration("worst_case_actuation", c.WorstCaseActuation, DefaultWorstCaseActuation)
	errs = append(errs, err)
	handshake, err := duration("handshake_timeout", c.HandshakeTimeout, min(DefaultHandshakeTimeout, reply))
	errs = append(errs, err)

	if reply <= 0 {
		errs = append(errs, fmt.Errorf("reply_timeout must be positive, got %v", reply))
	} else if reply <= worst {
		errs = append(errs, fmt.Errorf("reply_timeout (%v) must be greater than worst_case_actuation (%v)", reply, worst))
	}
	if handshake < 0 || handshake > reply {
		errs = append(errs, fmt.Errorf("handshake_timeout (%v) must be between 0 and reply_timeout (%v)", handshake, reply))
	}

	if _, err := c.GetProtocol(); err != nil {
		errs = append(errs, err)
	}
	if c.CommandTable != nil {
		if err := c.table().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("command_table: %w", err))
		}
	}
	if _, err := c.PortOptions.Normalise(); err != nil {
		errs = append(errs, fmt.Errorf("port_options: %w", err))
	}

	if c.QueueSize != nil && *c.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("queue_size must be at least 1, got %d", *c.QueueSize))
	}
	if c.SerialPort != nil && strings.TrimSpace(*c.SerialPort) == "" {
		errs = append(errs, errors.New("serial_port must not be empty"))
	}
	if c.AlertCapacity != nil && *c.AlertCapacity < 1 {
		errs = append(errs, fmt.Errorf("alert_capacity must be at least 1, got %d", *c.AlertCapacity))
	}
	if c.StatsWindow != nil && *c.StatsWindow < 1 {
		errs = append(errs, fmt.Errorf("stats_window must be at least 1, got %d", *c.StatsWindow))
	}

	return errors.Join(errs...)
}

func duration(name string, s *string, def time.Duration) (time.Duration, error) {
	if s == nil || *s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def, fmt.Errorf("invalid %s '%s': %w", name, *s, err)
	}
	return d, nil
}

func (c *Config) table() sorting.CommandTable {
	t := make(sorting.CommandTable, len(c.CommandTable))
	for k, v := range c.CommandTable {
		t[sorting.TypeID(k)] = v
	}
	return t
}

// GetSerialPort returns the controller's serial device path.
func (c *Config) GetSerialPort() string {
	if c.SerialPort == nil {
		return DefaultSerialPort
	}
	return *c.SerialPort
}

// GetReplyTimeout returns the per-transaction reply deadline.
func (c *Config) GetReplyTimeout() time.Duration {
	d, _ := duration("reply_timeout", c.ReplyTimeout, DefaultReplyTimeout)
	return d
}

// GetHandshakeTimeout returns the boot banner deadline. The default never
// exceeds the reply deadline.
func (c *Config) GetHandshakeTimeout() time.Duration {
	d, _ := duration("handshake_timeout", c.HandshakeTimeout, min(DefaultHandshakeTimeout, c.GetReplyTimeout()))
	return d
}

// GetWorstCaseActuation returns the slowest expected controller move.
func (c *Config) GetWorstCaseActuation() time.Duration {
	d, _ := duration("worst_case_actuation", c.WorstCaseActuation, DefaultWorstCaseActuation)
	return d
}

// GetProtocol returns the configured wire format.
func (c *Config) GetProtocol() (protocol.Variant, error) {
	if c.Protocol == nil {
		return protocol.VariantStructured, nil
	}
	return protocol.ParseVariant(*c.Protocol)
}

// GetCommandTable returns the configured table, or the default for the
// protocol when none is set.
func (c *Config) GetCommandTable() sorting.CommandTable {
	if c.CommandTable != nil {
		return c.table()
	}
	if v, err := c.GetProtocol(); err == nil && v == protocol.VariantAck {
		return sorting.DefaultAckTable()
	}
	return sorting.DefaultStructuredTable()
}

// GetQueueSize returns the bridge queue bound.
func (c *Config) GetQueueSize() int {
	if c.QueueSize == nil {
		return DefaultQueueSize
	}
	return *c.QueueSize
}

// GetDBPath returns the SQLite database path.
func (c *Config) GetDBPath() string {
	if c.DBPath == nil {
		return DefaultDBPath
	}
	return *c.DBPath
}

// GetListenAddr returns the HTTP listen address.
func (c *Config) GetListenAddr() string {
	if c.ListenAddr == nil {
		return DefaultListenAddr
	}
	return *c.ListenAddr
}

// GetLogFile returns the optional log file path; empty means stderr only.
func (c *Config) GetLogFile() string {
	if c.LogFile == nil {
		return ""
	}
	return *c.LogFile
}

// GetAlertCapacity returns how many alerts are retained.
func (c *Config) GetAlertCapacity() int {
	if c.AlertCapacity == nil {
		return DefaultAlertCapacity
	}
	return *c.AlertCapacity
}

// GetStatsWindow returns how many recent latencies feed the percentiles.
func (c *Config) GetStatsWindow() int {
	if c.StatsWindow == nil {
		return DefaultStatsWindow
	}
	return *c.StatsWindow
}

// TransportConfig assembles the serial transport settings.
func (c *Config) TransportConfig() serialmux.TransportConfig {
	return serialmux.TransportConfig{
		PortPath:         c.GetSerialPort(),
		Options:          c.PortOptions,
		ReplyTimeout:     c.GetReplyTimeout(),
		HandshakeTimeout: c.GetHandshakeTimeout(),
	}
}

// Summary is the read-only view served by the API. It reports effective
// values, defaults included.
type Summary struct {
	SerialPort         string                `json:"serial_port"`
	PortOptions        serialmux.PortOptions `json:"port_options"`
	ReplyTimeout       string                `json:"reply_timeout"`
	HandshakeTimeout   string                `json:"handshake_timeout"`
	WorstCaseActuation string                `json:"worst_case_actuation"`
	Protocol           string                `json:"protocol"`
	CommandTable       map[int]int           `json:"command_table"`
	QueueSize          int                   `json:"queue_size"`
	DBPath             string                `json:"db_path"`
	ListenAddr         string                `json:"listen_addr"`
}

// Summarise returns the effective configuration.
func (c *Config) Summarise() Summary {
	opts, _ := c.PortOptions.Normalise()
	variant, _ := c.GetProtocol()
	table := make(map[int]int)
	for k, v := range c.GetCommandTable() {
		table[int(k)] = v
	}
	return Summary{
		SerialPort:         c.GetSerialPort(),
		PortOptions:        opts,
		ReplyTimeout:       c.GetReplyTimeout().String(),
		HandshakeTimeout:   c.GetHandshakeTimeout().String(),
		WorstCaseActuation: c.GetWorstCaseActuation().String(),
		Protocol:           variant.String(),
		CommandTable:       table,
		QueueSize:          c.GetQueueSize(),
		DBPath:             c.GetDBPath(),
		ListenAddr:         c.GetListenAddr(),
	}
}
