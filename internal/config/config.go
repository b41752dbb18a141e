package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/labrun/internal/log"
)

const (
	defaultListenAddr     = ":8080"
	defaultDBPath         = ":memory:"
	defaultGracePeriod    = 10 * time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultRelayBuffer    = 256
	defaultDropAfter      = 100 * time.Millisecond
	defaultDestination    = "/topic/labrun.events"

	envListenAddr      = "LABRUN_LISTEN_ADDR"
	envDBPath          = "LABRUN_DB_PATH"
	envLogLevel        = "LABRUN_LOG_LEVEL"
	envGracePeriod     = "LABRUN_GRACE_PERIOD"
	envPauseDefer      = "LABRUN_PAUSE_DEFER"
	envWrapperPlan     = "LABRUN_WRAPPER_PLAN"
	envConnectTimeout  = "LABRUN_CONNECT_TIMEOUT"
	envRelayBuffer     = "LABRUN_RELAY_BUFFER"
	envDropAfter       = "LABRUN_DROP_AFTER"
	envBroadcastStatus = "LABRUN_BROADCAST_STATUS"
	envBus             = "LABRUN_BUS"
	envBusAddr         = "LABRUN_BUS_ADDR"
	envBusLogin        = "LABRUN_BUS_LOGIN"
	envBusPasscode     = "LABRUN_BUS_PASSCODE"
	envBusDestination  = "LABRUN_BUS_DESTINATION"
)

// Message bus kinds.
const (
	BusNone   = "none"
	BusStomp  = "stomp"
	BusStream = "stream"
)

// Config holds application configuration. Values come from defaults, then
// an optional YAML file, then environment variables.
type Config struct {
	ListenAddr string     `yaml:"listen_addr"`
	DBPath     string     `yaml:"db_path"`
	LogLevel   slog.Level `yaml:"log_level"`

	// GracePeriod bounds how long the engine may take to confirm a control
	// request before it is reported unresponsive.
	GracePeriod time.Duration `yaml:"grace_period"`
	// PauseDefer is the defer flag used when a pause request omits it.
	PauseDefer bool `yaml:"pause_defer"`
	// WrapperPlan wraps every submitted plan unless the task names its own.
	WrapperPlan    string         `yaml:"wrapper_plan"`
	ConnectTimeout time.Duration  `yaml:"connect_timeout"`
	Metadata       map[string]any `yaml:"metadata"`

	RelayBuffer int           `yaml:"relay_buffer"`
	DropAfter   time.Duration `yaml:"drop_after"`
	// BroadcastStatus also forwards progress-feed events to the bus.
	BroadcastStatus bool `yaml:"broadcast_status"`

	Bus Bus `yaml:"bus"`
}

// Bus configures the external message bus.
type Bus struct {
	Kind        string `yaml:"kind"`
	Addr        string `yaml:"addr"`
	Login       string `yaml:"login"`
	Passcode    string `yaml:"passcode"`
	Destination string `yaml:"destination"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:      defaultListenAddr,
		DBPath:          defaultDBPath,
		LogLevel:        slog.LevelInfo,
		GracePeriod:     defaultGracePeriod,
		ConnectTimeout:  defaultConnectTimeout,
		RelayBuffer:     defaultRelayBuffer,
		DropAfter:       defaultDropAfter,
		BroadcastStatus: true,
		Bus: Bus{
			Kind:        BusNone,
			Destination: defaultDestination,
		},
	}
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// LoadFile reads the YAML file at path over the defaults, then applies
// environment variables.
func LoadFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Decode reads a YAML document over the defaults. Keys absent from the
// document keep their default values.
func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(envListenAddr); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		c.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envWrapperPlan); v != "" {
		c.WrapperPlan = v
	}
	if v := os.Getenv(envBus); v != "" {
		c.Bus.Kind = strings.ToLower(v)
	}
	if v := os.Getenv(envBusAddr); v != "" {
		c.Bus.Addr = v
	}
	if v := os.Getenv(envBusLogin); v != "" {
		c.Bus.Login = v
	}
	if v := os.Getenv(envBusPasscode); v != "" {
		c.Bus.Passcode = v
	}
	if v := os.Getenv(envBusDestination); v != "" {
		c.Bus.Destination = v
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{envGracePeriod, &c.GracePeriod},
		{envConnectTimeout, &c.ConnectTimeout},
		{envDropAfter, &c.DropAfter},
	}
	for _, d := range durations {
		if v := os.Getenv(d.env); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", d.env, err)
			}
			*d.dst = parsed
		}
	}

	bools := []struct {
		env string
		dst *bool
	}{
		{envPauseDefer, &c.PauseDefer},
		{envBroadcastStatus, &c.BroadcastStatus},
	}
	for _, b := range bools {
		if v := os.Getenv(b.env); v != "" {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", b.env, err)
			}
			*b.dst = parsed
		}
	}

	if v := os.Getenv(envRelayBuffer); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envRelayBuffer, err)
		}
		c.RelayBuffer = n
	}
	return nil
}

// Validate reports settings that cannot be used.
func (c Config) Validate() error {
	if c.GracePeriod <= 0 {
		return fmt.Errorf("grace period must be positive, got %s", c.GracePeriod)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive, got %s", c.ConnectTimeout)
	}
	if c.RelayBuffer <= 0 {
		return fmt.Errorf("relay buffer must be positive, got %d", c.RelayBuffer)
	}
	if c.DropAfter < 0 {
		return fmt.Errorf("drop wait must not be negative, got %s", c.DropAfter)
	}
	switch c.Bus.Kind {
	case BusNone:
	case BusStomp, BusStream:
		if c.Bus.Addr == "" {
			return fmt.Errorf("bus %q requires an address", c.Bus.Kind)
		}
		if c.Bus.Destination == "" {
			return fmt.Errorf("bus %q requires a destination", c.Bus.Kind)
		}
	default:
		return fmt.Errorf("unknown bus kind %q", c.Bus.Kind)
	}
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured
// level. Attributes attached with log.ContextAttrs are added to every record
// logged with that context.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(log.NewContextHandler(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})))
}
