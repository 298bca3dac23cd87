package serial

import (
	"errors"
	"fmt"
	"time"

	"github.com/tarm/serial"
	bugst "go.bug.st/serial"
)

var (
	ErrClosed        = errors.New("serial: port closed")
	ErrUnknownDriver = errors.New("serial: unknown driver")
	ErrUnsupported   = errors.New("serial: unsupported setting")
	ErrReadTimeout   = errors.New("serial: read timeout")
)

// Port abstracts the byte stream of a serial library for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Endpoint is a Port that can also report how many received bytes are
// waiting to be read without blocking.
type Endpoint interface {
	Port
	InWaiting() (int, error)
}

// pumpReadTimeout bounds each background read of the pumped drivers so Close
// is never stuck behind a blocking read.
const pumpReadTimeout = 100 * time.Millisecond

// Hooks for tests (overridden in unit tests).
var (
	openTermiosPort = openTermios
	openTarmPort    = func(cfg Config) (Port, error) {
		p, err := serial.OpenPort(&serial.Config{
			Name:        cfg.Name,
			Baud:        cfg.Baud,
			ReadTimeout: pumpReadTimeout,
			Size:        byte(cfg.DataBits),
			Parity:      serial.Parity(cfg.Parity),
			StopBits:    serial.StopBits(cfg.StopBits),
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	openBugstPort = func(cfg Config) (Port, error) {
		p, err := bugst.Open(cfg.Name, bugstMode(cfg))
		if err != nil {
			return nil, err
		}
		if err := p.SetReadTimeout(pumpReadTimeout); err != nil {
			_ = p.Close()
			return nil, err
		}
		return p, nil
	}
	getPortsList = bugst.GetPortsList
)

// Open opens the device named in cfg with the given driver. Zero-valued
// framing fields default to 8N1.
func Open(driver Driver, cfg Config) (Endpoint, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch driver {
	case DriverTermios, "":
		return openTermiosPort(cfg)
	case DriverTarm:
		p, err := openTarmPort(cfg)
		if err != nil {
			return nil, err
		}
		return newPumpedPort(p, cfg.Name, cfg.ReadTimeout), nil
	case DriverBugst:
		p, err := openBugstPort(cfg)
		if err != nil {
			return nil, err
		}
		return newPumpedPort(p, cfg.Name, cfg.ReadTimeout), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

// ListPorts returns the serial ports the OS reports.
func ListPorts() ([]string, error) { return getPortsList() }

func bugstMode(cfg Config) *bugst.Mode {
	m := &bugst.Mode{BaudRate: cfg.Baud, DataBits: cfg.DataBits}
	switch cfg.StopBits {
	case Stop1Half:
		m.StopBits = bugst.OnePointFiveStopBits
	case Stop2:
		m.StopBits = bugst.TwoStopBits
	default:
		m.StopBits = bugst.OneStopBit
	}
	switch cfg.Parity {
	case ParityOdd:
		m.Parity = bugst.OddParity
	case ParityEven:
		m.Parity = bugst.EvenParity
	case ParityMark:
		m.Parity = bugst.MarkParity
	case ParitySpace:
		m.Parity = bugst.SpaceParity
	default:
		m.Parity = bugst.NoParity
	}
	return m
}
