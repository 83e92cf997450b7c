// Package config loads btchat settings from YAML and BTCHAT_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"btchat/internal/connmgr"
	"btchat/internal/framing"
	"btchat/internal/session"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BTCHAT_"

type Config struct {
	Bluetooth BluetoothConfig `yaml:"bluetooth"`
	Session   SessionConfig   `yaml:"session"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Chat      ChatConfig      `yaml:"chat"`
	Log       LogConfig       `yaml:"log"`
}

type BluetoothConfig struct {
	AdapterID       string   `yaml:"adapter_id"`
	ServiceName     string   `yaml:"service_name"`
	ServiceUUID     string   `yaml:"service_uuid"`
	ServerChannel   uint8    `yaml:"server_channel"`
	FallbackChannel uint8    `yaml:"fallback_channel"`
	DisableFallback bool     `yaml:"disable_fallback"`
	ScanWindow      Duration `yaml:"scan_window"`
	Discoverable    Duration `yaml:"discoverable"`
}

type SessionConfig struct {
	MaxFrameSize     int `yaml:"max_frame_size"`
	ReadBufferSize   int `yaml:"read_buffer_size"`
	MaxPendingWrites int `yaml:"max_pending_writes"`
}

type GatewayConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type ChatConfig struct {
	DownloadDir string `yaml:"download_dir"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// Duration accepts Go duration strings ("12s", "5m") in YAML.
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dd, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dd
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Default returns the settings used when nothing is configured.
func Default() *Config {
	opts := session.DefaultOptions()
	return &Config{
		Bluetooth: BluetoothConfig{
			ServiceName:     connmgr.DefaultServiceName,
			ServiceUUID:     connmgr.SPPUUID.String(),
			ServerChannel:   connmgr.DefaultRFCOMMChannel,
			FallbackChannel: connmgr.FallbackRFCOMMChannel,
			ScanWindow:      Duration{connmgr.DefaultScanWindow},
			Discoverable:    Duration{opts.DiscoverableDuration},
		},
		Session: SessionConfig{
			MaxFrameSize:     framing.MaxFrameSize,
			ReadBufferSize:   framing.DefaultReadSize,
			MaxPendingWrites: opts.MaxPendingWrites,
		},
		Gateway: GatewayConfig{ListenAddr: "127.0.0.1:8765"},
		Chat:    ChatConfig{DownloadDir: "."},
		Log:     LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv loads path and applies BTCHAT_* overrides from the process
// environment, then validates the result.
func LoadFromEnv(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv applies overrides found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs error
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	channel := func(key string, dst *uint8) {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.ParseUint(v, 10, 8)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = uint8(n)
		}
	}
	dur := func(key string, dst *Duration) {
		if v, ok := lookup(EnvPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			dst.Duration = d
		}
	}

	str("ADAPTER", &c.Bluetooth.AdapterID)
	str("SERVICE_NAME", &c.Bluetooth.ServiceName)
	str("SERVICE_UUID", &c.Bluetooth.ServiceUUID)
	channel("SERVER_CHANNEL", &c.Bluetooth.ServerChannel)
	channel("FALLBACK_CHANNEL", &c.Bluetooth.FallbackChannel)
	if v, ok := lookup(EnvPrefix + "DISABLE_FALLBACK"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%sDISABLE_FALLBACK: %w", EnvPrefix, err))
		} else {
			c.Bluetooth.DisableFallback = b
		}
	}
	dur("SCAN_WINDOW", &c.Bluetooth.ScanWindow)
	dur("DISCOVERABLE", &c.Bluetooth.Discoverable)
	num("MAX_FRAME_SIZE", &c.Session.MaxFrameSize)
	num("READ_BUFFER_SIZE", &c.Session.ReadBufferSize)
	num("MAX_PENDING_WRITES", &c.Session.MaxPendingWrites)
	str("LISTEN_ADDR", &c.Gateway.ListenAddr)
	str("DOWNLOAD_DIR", &c.Chat.DownloadDir)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	return errs
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs error
	if strings.TrimSpace(c.Bluetooth.ServiceName) == "" {
		errs = multierr.Append(errs, errors.New("bluetooth.service_name is required"))
	}
	if _, err := uuid.Parse(c.Bluetooth.ServiceUUID); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("bluetooth.service_uuid: %w", err))
	}
	if c.Bluetooth.ServerChannel < 1 || c.Bluetooth.ServerChannel > 30 {
		errs = multierr.Append(errs, fmt.Errorf("bluetooth.server_channel %d out of range 1-30", c.Bluetooth.ServerChannel))
	}
	if c.Bluetooth.FallbackChannel < 1 || c.Bluetooth.FallbackChannel > 30 {
		errs = multierr.Append(errs, fmt.Errorf("bluetooth.fallback_channel %d out of range 1-30", c.Bluetooth.FallbackChannel))
	}
	if c.Bluetooth.ScanWindow.Duration <= 0 {
		errs = multierr.Append(errs, errors.New("bluetooth.scan_window must be positive"))
	}
	if c.Bluetooth.Discoverable.Duration < 0 {
		errs = multierr.Append(errs, errors.New("bluetooth.discoverable must not be negative"))
	}
	if c.Session.MaxFrameSize <= 0 {
		errs = multierr.Append(errs, errors.New("session.max_frame_size must be positive"))
	}
	if c.Session.ReadBufferSize <= 0 {
		errs = multierr.Append(errs, errors.New("session.read_buffer_size must be positive"))
	}
	if c.Session.MaxPendingWrites <= 0 {
		errs = multierr.Append(errs, errors.New("session.max_pending_writes must be positive"))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = multierr.Append(errs, fmt.Errorf("log.format %q must be json or console", c.Log.Format))
	}
	if errs != nil {
		return fmt.Errorf("config: invalid: %w", errs)
	}
	return nil
}

// AdapterOptions maps the Bluetooth section onto the BlueZ adapter options.
func (c *Config) AdapterOptions(log *zap.Logger) connmgr.Options {
	return connmgr.Options{
		AdapterID:     c.Bluetooth.AdapterID,
		ServerChannel: c.Bluetooth.ServerChannel,
		ScanWindow:    c.Bluetooth.ScanWindow.Duration,
		Logger:        log,
	}
}

// SessionOptions maps the configuration onto session options. Validate must
// have passed.
func (c *Config) SessionOptions(log *zap.Logger, metrics *session.Metrics) session.Options {
	return session.Options{
		ServiceName:          c.Bluetooth.ServiceName,
		ServiceUUID:          uuid.MustParse(c.Bluetooth.ServiceUUID),
		FallbackChannel:      c.Bluetooth.FallbackChannel,
		DisableFallback:      c.Bluetooth.DisableFallback,
		DiscoverableDuration: c.Bluetooth.Discoverable.Duration,
		MaxFrameSize:         c.Session.MaxFrameSize,
		ReadBufferSize:       c.Session.ReadBufferSize,
		MaxPendingWrites:     c.Session.MaxPendingWrites,
		Logger:               log,
		Metrics:              metrics,
	}
}

// NewLogger builds the process logger described by the log section.
func (l LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("config: log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if l.Format == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}
