// Package serial provides a serial port, which provides the io.ReadWriter
// interface, that provides the connection between the at package and the
// physical modem.
package serial

import (
	"github.com/tarm/serial"
)

// Config holds the parameters used to open the serial port. The zero value
// is not valid on its own - use the platform defaultConfig, overridden by
// Options, via New.
type Config struct {
	port string
	baud int
}

// Option modifies the Config used by New.
type Option func(*Config)

// WithPort overrides the OS device path of the serial port (e.g. "/dev/ttyUSB0", "COM3").
func WithPort(port string) Option {
	return func(c *Config) {
		c.port = port
	}
}

// WithBaud overrides the baud rate of the serial port.
func WithBaud(baud int) Option {
	return func(c *Config) {
		c.baud = baud
	}
}

// New opens a serial port to a modem.
//
// Defaults (platform dependent device path, 115200 baud, 8N1, RTS off) are
// applied first and may be overridden by Options.
func New(options ...Option) (*serial.Port, error) {
	cfg := defaultConfig
	for _, option := range options {
		option(&cfg)
	}
	config := &serial.Config{Name: cfg.port, Baud: cfg.baud}
	return serial.OpenPort(config)
}
