package icbgw

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned for a configuration the gateway cannot run with.
var ErrInvalidConfig = errors.New("invalid config")

// Defaults for the gateway configuration.
const (
	DefaultICBServer = "default.icb.net"
	DefaultICBPort   = 7326
	DefaultICBGroup  = "1"
	DefaultIRCServer = "irc.libera.chat"
	DefaultIRCPort   = 6667
	DefaultNickname  = "icbircgw"
)

// Config is the gateway configuration file.
type Config struct {
	ICB SessionConfig `yaml:"icb"`
	IRC SessionConfig `yaml:"irc"`

	MaxFrameSize      int           `yaml:"max_frame_size"`
	MaxLineLength     int           `yaml:"max_line_length"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`

	StatusAddr string `yaml:"status_addr"`
	LogLevel   string `yaml:"log_level"`
}

// DefaultConfig returns a configuration with every default filled in. The
// channels are left empty and must be configured.
func DefaultConfig() Config {
	return Config{
		ICB: SessionConfig{
			Server:   DefaultICBServer,
			Port:     DefaultICBPort,
			Nickname: DefaultNickname,
			Group:    DefaultICBGroup,
		},
		IRC: SessionConfig{
			Server:   DefaultIRCServer,
			Port:     DefaultIRCPort,
			Nickname: DefaultNickname,
			Realname: DefaultRealname,
		},
		MaxFrameSize:      DefaultMaxFrameSize,
		MaxLineLength:     DefaultMaxLineLength,
		KeepaliveInterval: DefaultKeepaliveInterval,
		ReconnectDelay:    DefaultReconnectDelay,
		WriteTimeout:      DefaultWriteTimeout,
		LogLevel:          "info",
	}
}

// LoadConfig reads a YAML file over DefaultConfig. Keys missing from the file
// keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// Validate checks both sides and the gateway limits.
func (c Config) Validate() error {
	if err := c.ICB.Validate(); err != nil {
		return errors.WithMessage(err, "icb")
	}
	if err := c.IRC.Validate(); err != nil {
		return errors.WithMessage(err, "irc")
	}
	if c.MaxFrameSize < 2 || c.MaxFrameSize > MaxFrameSizeLimit {
		return errors.Wrapf(ErrInvalidConfig, "max_frame_size %d not in [2, %d]", c.MaxFrameSize, MaxFrameSizeLimit)
	}
	return nil
}

// Options converts the gateway-wide settings into session options.
func (c Config) Options() []Option {
	return []Option{
		MaxFrameSizeOption(c.MaxFrameSize),
		MaxLineLengthOption(c.MaxLineLength),
		KeepaliveOption(c.KeepaliveInterval),
		ReconnectDelayOption(c.ReconnectDelay),
		WriteTimeoutOption(c.WriteTimeout),
	}
}

// Validate checks the fields every session needs.
func (c SessionConfig) Validate() error {
	switch {
	case c.Server == "":
		return errors.Wrap(ErrInvalidConfig, "server is required")
	case c.Port < 1 || c.Port > 65535:
		return errors.Wrapf(ErrInvalidConfig, "port %d out of range", c.Port)
	case c.Nickname == "":
		return errors.Wrap(ErrInvalidConfig, "nickname is required")
	case strings.ContainsAny(c.Nickname, " \r\n\x00\x01"):
		return errors.Wrapf(ErrInvalidConfig, "nickname %q contains separators", c.Nickname)
	case c.Channel == "":
		return errors.Wrap(ErrInvalidConfig, "channel is required")
	case strings.ContainsAny(c.Channel, " \r\n\x00\x01"):
		return errors.Wrapf(ErrInvalidConfig, "channel %q contains separators", c.Channel)
	}
	return nil
}
