package serial

import (
	"fmt"
	"strings"
	"time"
)

// Driver selects the library backing an Endpoint.
type Driver string

const (
	DriverTermios Driver = "termios" // raw termios via x/sys (Linux)
	DriverTarm    Driver = "tarm"    // github.com/tarm/serial
	DriverBugst   Driver = "bugst"   // go.bug.st/serial
)

// Parity uses the same letters as the line-setting shorthand (8N1, 7E1...).
type Parity byte

const (
	ParityNone  Parity = 'N'
	ParityOdd   Parity = 'O'
	ParityEven  Parity = 'E'
	ParityMark  Parity = 'M'
	ParitySpace Parity = 'S'
)

// StopBits values match tarm/serial so they convert directly.
type StopBits byte

const (
	Stop1     StopBits = 1
	Stop1Half StopBits = 15
	Stop2     StopBits = 2
)

// Config holds configuration for opening an endpoint.
type Config struct {
	// Name is the device path, e.g. /dev/tnt0 or /dev/pts/3.
	Name     string
	Baud     int
	DataBits int
	StopBits StopBits
	Parity   Parity
	// ReadTimeout bounds a single Read; zero blocks until data arrives.
	ReadTimeout time.Duration
}

// withDefaults fills zero values with 8N1.
func (c Config) withDefaults() Config {
	if c.DataBits == 0 {
		c.DataBits = 8
	}
	if c.StopBits == 0 {
		c.StopBits = Stop1
	}
	if c.Parity == 0 {
		c.Parity = ParityNone
	}
	return c
}

// Validate checks the configuration for obvious issues. It does not touch the device.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.Name == "" {
		return fmt.Errorf("serial: missing device name")
	}
	if c.Baud <= 0 {
		return fmt.Errorf("serial: invalid baud rate %d", c.Baud)
	}
	if c.DataBits < 5 || c.DataBits > 8 {
		return fmt.Errorf("serial: invalid data bits %d", c.DataBits)
	}
	switch c.StopBits {
	case Stop1, Stop1Half, Stop2:
	default:
		return fmt.Errorf("serial: invalid stop bits %d", c.StopBits)
	}
	switch c.Parity {
	case ParityNone, ParityOdd, ParityEven, ParityMark, ParitySpace:
	default:
		return fmt.Errorf("serial: invalid parity %q", rune(c.Parity))
	}
	if c.ReadTimeout < 0 {
		return fmt.Errorf("serial: negative read timeout")
	}
	return nil
}

// ParseParity accepts N, O, E, M, S (case-insensitive) or the full words.
func ParseParity(s string) (Parity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "N", "NONE":
		return ParityNone, nil
	case "O", "ODD":
		return ParityOdd, nil
	case "E", "EVEN":
		return ParityEven, nil
	case "M", "MARK":
		return ParityMark, nil
	case "S", "SPACE":
		return ParitySpace, nil
	}
	return 0, fmt.Errorf("unsupported parity %q (use N,O,E,M,S)", s)
}

// ParseStopBits accepts 1, 1.5 or 2.
func ParseStopBits(s string) (StopBits, error) {
	switch strings.TrimSpace(s) {
	case "1":
		return Stop1, nil
	case "1.5":
		return Stop1Half, nil
	case "2":
		return Stop2, nil
	}
	return 0, fmt.Errorf("unsupported stop bits %q (use 1, 1.5 or 2)", s)
}

// ParseDriver validates a driver name.
func ParseDriver(s string) (Driver, error) {
	switch d := Driver(strings.ToLower(strings.TrimSpace(s))); d {
	case DriverTermios, DriverTarm, DriverBugst:
		return d, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDriver, s)
}
