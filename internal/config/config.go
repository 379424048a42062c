// internal/config/config.go
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/fisaks/labduino/internal/logging"
	"github.com/fisaks/labduino/internal/transport"
	"gopkg.in/yaml.v3"
)

/* =========================
   Types
   ========================= */

type Config struct {
	Devices           []DeviceConfig `json:"devices" yaml:"devices"`
	PollIntervalMs    int            `json:"pollIntervalMs" yaml:"pollIntervalMs"`       // global poll cadence
	HeartbeatInterval int            `json:"heartbeatInterval" yaml:"heartbeatInterval"` // seconds
	Mirror            *MirrorConfig  `json:"mirror,omitempty" yaml:"mirror,omitempty"`
	Results           *ResultsConfig `json:"results,omitempty" yaml:"results,omitempty"`
}

type DeviceConfig struct {
	Name        string `json:"name" yaml:"name"`
	Driver      string `json:"driver" yaml:"driver"` // "goburrow" | "tarm"
	Port        string `json:"port" yaml:"port"`
	Baud        int    `json:"baud" yaml:"baud"`
	DataBits    int    `json:"dataBits" yaml:"dataBits"`
	StopBits    int    `json:"stopBits" yaml:"stopBits"`
	Parity      string `json:"parity" yaml:"parity"`
	TimeoutMs   int    `json:"timeoutMs" yaml:"timeoutMs"`
	Termination string `json:"termination" yaml:"termination"` // literal or crlf/lf/cr

	InitSettleMs       int   `json:"initSettleMs" yaml:"initSettleMs"` // -1 = no wait
	StartupDelayMs     int   `json:"startupDelayMs" yaml:"startupDelayMs"`
	HandshakeAttempts  int   `json:"handshakeAttempts" yaml:"handshakeAttempts"`
	HandshakeBackoffMs int   `json:"handshakeBackoffMs" yaml:"handshakeBackoffMs"`
	ToggleCooldownMs   int   `json:"toggleCooldownMs" yaml:"toggleCooldownMs"`
	CommandBufferSize  int   `json:"commandBufferSize" yaml:"commandBufferSize"`
	PollIntervalMs     int   `json:"pollIntervalMs" yaml:"pollIntervalMs"` // 0 = global
	AutoUpdate         *bool `json:"autoUpdate,omitempty" yaml:"autoUpdate,omitempty"`
	Channels           int   `json:"channels" yaml:"channels"`
	Debug              bool  `json:"debug" yaml:"debug"` // log serial traffic at info level
}

type MirrorConfig struct {
	ListenAddr string  `json:"listenAddr" yaml:"listenAddr"`
	Scale      float64 `json:"scale" yaml:"scale"`
}

type ResultsConfig struct {
	DBPath string `json:"dbPath" yaml:"dbPath"`
}

const (
	DefaultPollIntervalMs    = 2000
	DefaultHeartbeatInterval = 60
	DefaultTimeoutMs         = 10000
	DefaultInitSettleMs      = 1000
	DefaultStartupDelayMs    = 2000
	DefaultHandshakeAttempts = 2
	DefaultToggleCooldownMs  = 3000
	DefaultCommandBufferSize = 16
	DefaultChannels          = 4
	DefaultMirrorScale       = 100
)

/* =========================
   Helpers
   ========================= */

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (d DeviceConfig) Timeout() time.Duration          { return ms(d.TimeoutMs) }
func (d DeviceConfig) InitSettle() time.Duration       { return ms(d.InitSettleMs) }
func (d DeviceConfig) StartupDelay() time.Duration     { return ms(d.StartupDelayMs) }
func (d DeviceConfig) HandshakeBackoff() time.Duration { return ms(d.HandshakeBackoffMs) }
func (d DeviceConfig) ToggleCooldown() time.Duration   { return ms(d.ToggleCooldownMs) }
func (d DeviceConfig) PollInterval() time.Duration     { return ms(d.PollIntervalMs) }

func (d DeviceConfig) AutoUpdateEnabled() bool { return d.AutoUpdate == nil || *d.AutoUpdate }

// ChannelIDs returns "1".."n" for the configured channel count.
func (d DeviceConfig) ChannelIDs() []string {
	ids := make([]string, d.Channels)
	for i := range ids {
		ids[i] = fmt.Sprint(i + 1)
	}
	return ids
}

func (d DeviceConfig) TransportConfig() transport.Config {
	return transport.Config{
		Driver:      d.Driver,
		Address:     d.Port,
		BaudRate:    d.Baud,
		DataBits:    d.DataBits,
		StopBits:    d.StopBits,
		Parity:      d.Parity,
		Timeout:     d.Timeout(),
		Termination: d.Termination,
	}
}

func (c *Config) HeartbeatDuration() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Second
}

func (c *Config) FindDevice(name string) *DeviceConfig {
	for i := range c.Devices {
		if c.Devices[i].Name == name {
			return &c.Devices[i]
		}
	}
	return nil
}

func NormalizeTermination(s string) string {
	switch strings.ToLower(s) {
	case "", "crlf":
		return "\r\n"
	case "lf":
		return "\n"
	case "cr":
		return "\r"
	}
	return s
}

/* =========================
   Strict load + validate
   ========================= */

// LoadConfig reads path as YAML when it ends in .yaml/.yml, otherwise as JSON
// with comments.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return decodeYAML(raw)
	}
	return decodeJSON(raw)
}

func LoadConfigFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return decodeJSON(raw)
}

func LoadYAMLFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return decodeYAML(raw)
}

func decodeJSON(raw []byte) (*Config, error) {
	clean := stripJSONComments(raw)
	dec := json.NewDecoder(bytes.NewReader(clean))
	dec.DisallowUnknownFields()

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func decodeYAML(raw []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate fills defaults and reports every problem found.
func (c *Config) Validate() error {
	var errs multiErr

	/* Poll */
	if c.PollIntervalMs < 0 {
		errs.add("pollIntervalMs cannot be negative")
	} else if c.PollIntervalMs == 0 {
		c.PollIntervalMs = DefaultPollIntervalMs
	}
	if c.HeartbeatInterval < 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatInterval == 0 {
		logging.Warn("heartbeatInterval=0 configured, heartbeats disabled")
	}

	/* Devices */
	if len(c.Devices) == 0 {
		errs.add("devices cannot be empty")
	}
	seenNames := map[string]int{}
	seenPorts := map[string]int{}
	for i := range c.Devices {
		d := &c.Devices[i]
		if strings.TrimSpace(d.Name) == "" {
			errs.addf("devices[%d]: name is required", i)
		} else if strings.ContainsAny(d.Name, "/+#") {
			errs.addf("devices[%d/%s]: name cannot contain '/', '+' or '#'", i, d.Name)
		} else if j, ok := seenNames[d.Name]; ok {
			errs.addf("devices[%d/%s]: duplicate device name (also at devices[%d])", i, d.Name, j)
		} else {
			seenNames[d.Name] = i
		}

		if strings.TrimSpace(d.Port) == "" {
			errs.addf("devices[%d/%s]: port is required", i, d.Name)
		} else if j, ok := seenPorts[d.Port]; ok {
			errs.addf("devices[%d/%s]: port %s already used by devices[%d]", i, d.Name, d.Port, j)
		} else {
			seenPorts[d.Port] = i
		}

		if d.Driver == "" {
			d.Driver = transport.DriverGoburrow
		}
		d.Driver = strings.ToLower(d.Driver)
		if d.Driver != transport.DriverGoburrow && d.Driver != transport.DriverTarm {
			errs.addf("devices[%d/%s]: driver must be %q or %q", i, d.Name, transport.DriverGoburrow, transport.DriverTarm)
		}

		if d.Baud == 0 {
			d.Baud = 9600
		} else if d.Baud < 0 {
			errs.addf("devices[%d/%s]: baud must be > 0", i, d.Name)
		}
		if d.DataBits == 0 {
			d.DataBits = 8
		}
		if d.StopBits == 0 {
			d.StopBits = 1
		}
		if d.Parity == "" {
			d.Parity = "N"
		}
		d.Parity = strings.ToUpper(d.Parity)
		if !slices.Contains([]string{"N", "E", "O"}, d.Parity) {
			errs.addf("devices[%d/%s]: parity must be one of N,E,O", i, d.Name)
		}
		d.Termination = NormalizeTermination(d.Termination)

		if d.TimeoutMs == 0 {
			d.TimeoutMs = DefaultTimeoutMs
		}
		if d.InitSettleMs == 0 {
			d.InitSettleMs = DefaultInitSettleMs
		}
		if d.StartupDelayMs == 0 {
			d.StartupDelayMs = DefaultStartupDelayMs
		}
		if d.HandshakeAttempts == 0 {
			d.HandshakeAttempts = DefaultHandshakeAttempts
		}
		if d.ToggleCooldownMs == 0 {
			d.ToggleCooldownMs = DefaultToggleCooldownMs
		}
		if d.CommandBufferSize == 0 {
			d.CommandBufferSize = DefaultCommandBufferSize
		}
		if d.PollIntervalMs == 0 {
			d.PollIntervalMs = c.PollIntervalMs
		}
		if d.Channels == 0 {
			d.Channels = DefaultChannels
		}
		if d.TimeoutMs < 0 || d.InitSettleMs < -1 || d.StartupDelayMs < 0 || d.HandshakeBackoffMs < 0 ||
			d.ToggleCooldownMs < 0 || d.PollIntervalMs < 0 {
			errs.addf("devices[%d/%s]: timings cannot be negative", i, d.Name)
		}
		if d.HandshakeAttempts < 0 {
			errs.addf("devices[%d/%s]: handshakeAttempts must be >= 1", i, d.Name)
		}
		if d.CommandBufferSize < 0 {
			errs.addf("devices[%d/%s]: commandBufferSize must be >= 1", i, d.Name)
		}
		if d.Channels < 1 || d.Channels > 4 {
			errs.addf("devices[%d/%s]: channels must be 1..4", i, d.Name)
		}
	}

	/* Mirror */
	if m := c.Mirror; m != nil {
		if strings.TrimSpace(m.ListenAddr) == "" {
			errs.add("mirror.listenAddr is required when mirror is configured")
		}
		if m.Scale == 0 {
			m.Scale = DefaultMirrorScale
		} else if m.Scale < 0 {
			errs.add("mirror.scale must be > 0")
		}
	}

	/* Results */
	if r := c.Results; r != nil && strings.TrimSpace(r.DBPath) == "" {
		errs.add("results.dbPath is required when results is configured")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

/* =========================
   Comment stripping + utils
   ========================= */

var (
	lineComments  = regexp.MustCompile(`(?m)^\s*//[^\n\r]*`)
	blockComments = regexp.MustCompile(`(?s)/\*.*?\*/`)
)

// Line comments must start the line so "//" inside values (URLs) survives.
func stripJSONComments(in []byte) []byte {
	text := string(in)
	text = blockComments.ReplaceAllString(text, "")
	text = lineComments.ReplaceAllString(text, "")
	return []byte(text)
}

// small multi-error
type multiErr []string

func (m *multiErr) add(s string)            { *m = append(*m, s) }
func (m *multiErr) addf(f string, a ...any) { *m = append(*m, fmt.Sprintf(f, a...)) }
func (m multiErr) Error() string            { return "validation errors: " + strings.Join(m, "; ") }
