// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"board-bridge/internal/model"
)

// Config represents the application configuration
type Config struct {
	Platform  PlatformConfig  `mapstructure:"platform"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Serial    SerialConfig    `mapstructure:"serial"`
	BLE       BLEConfig       `mapstructure:"ble"`
	Burn      BurnConfig      `mapstructure:"burn"`
	Companion CompanionConfig `mapstructure:"companion"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	App       AppConfig       `mapstructure:"app"`
}

// PlatformConfig selects the connector implementations
type PlatformConfig struct {
	Environment string `mapstructure:"environment"`
}

// RelayConfig represents the companion-process WebSocket link
type RelayConfig struct {
	URL             string        `mapstructure:"url"`
	MobileURL       string        `mapstructure:"mobile_url"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	ExchangeTimeout time.Duration `mapstructure:"exchange_timeout"`
	FlashTimeout    time.Duration `mapstructure:"flash_timeout"`
	Breaker         BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig guards repeated dials against a companion that is not running
type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"max_failures"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Interval    time.Duration `mapstructure:"interval"`
}

// SerialConfig represents serial link configuration
type SerialConfig struct {
	Port         string        `mapstructure:"port"`
	BaudRate     int           `mapstructure:"baud_rate"`
	DataBits     int           `mapstructure:"data_bits"`
	StopBits     int           `mapstructure:"stop_bits"`
	Parity       string        `mapstructure:"parity"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	NamePrefix   string        `mapstructure:"name_prefix"`
	USBWhitelist []string      `mapstructure:"usb_whitelist"`
}

// BLEConfig represents Bluetooth Low Energy configuration
type BLEConfig struct {
	Address            string        `mapstructure:"address"`
	NamePattern        string        `mapstructure:"name_pattern"`
	ServiceUUID        string        `mapstructure:"service_uuid"`
	WriteCharUUID      string        `mapstructure:"write_char_uuid"`
	NotifyCharUUID     string        `mapstructure:"notify_char_uuid"`
	ChunkSize          int           `mapstructure:"chunk_size"`
	ScanTimeout        time.Duration `mapstructure:"scan_timeout"`
	InterChunkInterval time.Duration `mapstructure:"inter_chunk_interval"`
}

// BurnConfig represents firmware flashing configuration
type BurnConfig struct {
	Board        string        `mapstructure:"board"`
	SyncAttempts int           `mapstructure:"sync_attempts"`
	SyncInterval time.Duration `mapstructure:"sync_interval"`
	ResetPulse   time.Duration `mapstructure:"reset_pulse"`
}

// CompanionConfig represents the companion WebSocket server
type CompanionConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	// ScanInterval is how long a finished port scan is held before scanStop
	ScanInterval   time.Duration `mapstructure:"scan_interval"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
	Debug   bool   `mapstructure:"debug"`
}

// Load loads configuration from an optional file, environment variables and flags.
// An empty path searches ./config.yaml and ./config/config.yaml.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment variable support
	v.SetEnvPrefix("BOARD_BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// flagKeys maps command-line flag names onto configuration keys
var flagKeys = map[string]string{
	"environment": "platform.environment",
	"relay-url":   "relay.url",
	"port":        "serial.port",
	"baud":        "serial.baud_rate",
	"ble-address": "ble.address",
	"board":       "burn.board",
	"log-level":   "logging.level",
	"listen-port": "companion.port",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Platform defaults
	v.SetDefault("platform.environment", string(model.EnvironmentNative))

	// Relay defaults
	v.SetDefault("relay.url", "ws://localhost:5741")
	v.SetDefault("relay.mobile_url", "ws://localhost:5742")
	v.SetDefault("relay.connect_timeout", "1s")
	v.SetDefault("relay.exchange_timeout", "2s")
	v.SetDefault("relay.flash_timeout", "4s")
	v.SetDefault("relay.breaker.max_failures", 3)
	v.SetDefault("relay.breaker.timeout", "10s")
	v.SetDefault("relay.breaker.interval", "60s")

	// Serial defaults
	v.SetDefault("serial.baud_rate", 9600)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.parity", "none")
	v.SetDefault("serial.read_timeout", "100ms")
	v.SetDefault("serial.name_prefix", "microduino-")
	v.SetDefault("serial.usb_whitelist", []string{
		"2341:0043", "2341:0001", "2A03:0043", "1A86:7523", "0403:6001", "10C4:EA60",
	})

	// BLE defaults
	v.SetDefault("ble.name_pattern", `^(mCookie|ideaBot|Microduino|[A-Za-z0-9]{4}$)`)
	v.SetDefault("ble.service_uuid", "0000fff0-0000-1000-8000-00805f9b34fb")
	v.SetDefault("ble.write_char_uuid", "0000fff6-0000-1000-8000-00805f9b34fb")
	v.SetDefault("ble.notify_char_uuid", "0000fff6-0000-1000-8000-00805f9b34fb")
	v.SetDefault("ble.chunk_size", 16)
	v.SetDefault("ble.scan_timeout", "10s")
	v.SetDefault("ble.inter_chunk_interval", "10ms")

	// Burn defaults
	v.SetDefault("burn.board", "core")
	v.SetDefault("burn.sync_attempts", 10)
	v.SetDefault("burn.sync_interval", "50ms")
	v.SetDefault("burn.reset_pulse", "100ms")

	// Companion defaults
	v.SetDefault("companion.host", "127.0.0.1")
	v.SetDefault("companion.port", 5741)
	v.SetDefault("companion.ping_interval", "54s")
	v.SetDefault("companion.read_limit", 65536)
	v.SetDefault("companion.scan_interval", "2s")
	v.SetDefault("companion.request_timeout", "10s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stderr")
	v.SetDefault("logging.max_size", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)

	// App defaults
	v.SetDefault("app.name", "board-bridge")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.debug", false)
}

// validate validates the configuration
func validate(config *Config) error {
	if _, err := model.ParseEnvironment(config.Platform.Environment); err != nil {
		return fmt.Errorf("platform.environment: %w", err)
	}
	if config.Relay.URL == "" {
		return fmt.Errorf("relay.url is required")
	}
	if config.Relay.ExchangeTimeout <= 0 || config.Relay.FlashTimeout <= 0 || config.Relay.ConnectTimeout <= 0 {
		return fmt.Errorf("relay timeouts must be positive")
	}
	if !model.IsValidBaudRate(config.Serial.BaudRate) {
		return fmt.Errorf("serial.baud_rate %d is not a supported rate", config.Serial.BaudRate)
	}
	if config.BLE.ChunkSize <= 0 {
		return fmt.Errorf("ble.chunk_size must be positive")
	}
	if _, err := regexp.Compile(config.BLE.NamePattern); err != nil {
		return fmt.Errorf("ble.name_pattern: %w", err)
	}
	if config.Burn.SyncAttempts <= 0 {
		return fmt.Errorf("burn.sync_attempts must be positive")
	}
	if _, err := model.LookupBoardProfile(config.Burn.Board); err != nil {
		return fmt.Errorf("burn.board: %w", err)
	}
	for _, entry := range config.Serial.USBWhitelist {
		if _, _, err := ParseUSBID(entry); err != nil {
			return fmt.Errorf("serial.usb_whitelist: %w", err)
		}
	}

	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	isValidLevel := false
	for _, level := range validLevels {
		if config.Logging.Level == level {
			isValidLevel = true
			break
		}
	}
	if !isValidLevel {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	return nil
}

// ParseUSBID splits a "VID:PID" whitelist entry into upper-case hex halves
func ParseUSBID(entry string) (string, string, error) {
	vid, pid, ok := strings.Cut(entry, ":")
	if !ok || len(vid) != 4 || len(pid) != 4 {
		return "", "", fmt.Errorf("invalid VID:PID entry %q", entry)
	}
	return strings.ToUpper(vid), strings.ToUpper(pid), nil
}

// GetCompanionAddr returns the companion listen address
func (c *Config) GetCompanionAddr() string {
	return fmt.Sprintf("%s:%d", c.Companion.Host, c.Companion.Port)
}

// GetEnvironment returns the parsed platform environment
func (c *Config) GetEnvironment() model.Environment {
	env, _ := model.ParseEnvironment(c.Platform.Environment)
	return env
}

// GetBoardProfile returns the configured board profile
func (c *Config) GetBoardProfile() model.BoardProfile {
	profile, _ := model.LookupBoardProfile(c.Burn.Board)
	return profile
}

// IsDebugEnabled checks if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.Logging.Level == "debug"
}
