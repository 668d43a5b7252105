// Package config loads and validates the gateway configuration file.
// The file is TOML with two sections, [tcp] for the server side and
// [rtu] for the serial side; every option has a default so an absent
// file yields a runnable configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like
// "60s" or "50ms".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (sf *Duration) UnmarshalText(text []byte) error {
	d, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*sf = Duration(d)
	return nil
}

// Value returns the underlying time.Duration.
func (sf Duration) Value() time.Duration { return time.Duration(sf) }

// TCP is the Modbus TCP server side.
type TCP struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
	// Timeout is the per-connection idle timeout; a client that sends
	// nothing for this long is disconnected.
	Timeout Duration `toml:"timeout"`
}

// Addr returns the listen address in host:port form.
func (sf *TCP) Addr() string {
	return net.JoinHostPort(sf.Host, strconv.Itoa(sf.Port))
}

// RTU is the serial bus side.
type RTU struct {
	Port     string `toml:"port"`
	Baudrate int    `toml:"baudrate"`
	Parity   string `toml:"parity"`
	Stopbits int    `toml:"stopbits"`
	Bytesize int    `toml:"bytesize"`
	// Timeout bounds one response read on the bus.
	Timeout Duration `toml:"timeout"`
	// RetryCount extra attempts after the first failed exchange.
	RetryCount int `toml:"retry_count"`
	// InterFrameDelay settle time before each write; 0 picks the
	// 3.5-char minimum for the baud rate.
	InterFrameDelay Duration `toml:"inter_frame_delay"`
	// MaxPending bounds the broker queue shared by all TCP sessions.
	MaxPending int `toml:"max_pending"`
}

// Config is the root of the configuration file.
type Config struct {
	TCP TCP `toml:"tcp"`
	RTU RTU `toml:"rtu"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		TCP: TCP{
			Host:    "0.0.0.0",
			Port:    502,
			Timeout: Duration(60 * time.Second),
		},
		RTU: RTU{
			Port:            "/dev/ttyUSB0",
			Baudrate:        9600,
			Parity:          "N",
			Stopbits:        1,
			Bytesize:        8,
			Timeout:         Duration(1 * time.Second),
			RetryCount:      3,
			InterFrameDelay: Duration(50 * time.Millisecond),
			MaxPending:      32,
		},
	}
}

// Load reads path over the defaults. A missing file is not an error:
// the defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode '%s': %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the invariants the core depends on: positive
// timeouts, non-negative retry count, sane line parameters.
func (sf *Config) Validate() error {
	switch {
	case sf.TCP.Port < 1 || sf.TCP.Port > 65535:
		return fmt.Errorf("config: tcp.port '%v' out of range", sf.TCP.Port)
	case sf.TCP.Timeout <= 0:
		return fmt.Errorf("config: tcp.timeout must be positive")
	case sf.RTU.Port == "":
		return fmt.Errorf("config: rtu.port must be set")
	case sf.RTU.Baudrate <= 0:
		return fmt.Errorf("config: rtu.baudrate '%v' must be positive", sf.RTU.Baudrate)
	case sf.RTU.Timeout <= 0:
		return fmt.Errorf("config: rtu.timeout must be positive")
	case sf.RTU.RetryCount < 0:
		return fmt.Errorf("config: rtu.retry_count '%v' must not be negative", sf.RTU.RetryCount)
	case sf.RTU.InterFrameDelay < 0:
		return fmt.Errorf("config: rtu.inter_frame_delay must not be negative")
	case sf.RTU.Stopbits != 1 && sf.RTU.Stopbits != 2:
		return fmt.Errorf("config: rtu.stopbits '%v' must be 1 or 2", sf.RTU.Stopbits)
	case sf.RTU.Bytesize < 5 || sf.RTU.Bytesize > 8:
		return fmt.Errorf("config: rtu.bytesize '%v' must be between 5 and 8", sf.RTU.Bytesize)
	case sf.RTU.MaxPending < 0:
		return fmt.Errorf("config: rtu.max_pending '%v' must not be negative", sf.RTU.MaxPending)
	}
	switch sf.RTU.Parity {
	case "N", "E", "O":
	default:
		return fmt.Errorf("config: rtu.parity '%v' must be one of N, E, O", sf.RTU.Parity)
	}
	return nil
}
