//go:build linux

package serial

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

var baudRates = map[int]uint32{
	1200:    unix.B1200,
	2400:    unix.B2400,
	4800:    unix.B4800,
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	921600:  unix.B921600,
	1000000: unix.B1000000,
}

// termiosPort drives a tty directly: raw mode, VMIN=0 and VTIME derived
// from the read timeout, pending input from TIOCINQ.
type termiosPort struct {
	fd     int
	file   *os.File
	closed atomic.Bool
}

func openTermios(cfg Config) (Endpoint, error) {
	fd, err := unix.Open(cfg.Name, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: cfg.Name, Err: err}
	}
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("get termios %s: %w", cfg.Name, err)
	}
	if err := applyTermios(t, cfg); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set termios %s: %w", cfg.Name, err)
	}
	// Back to blocking now that config is done; VTIME bounds each read.
	if err := unix.SetNonblock(fd, false); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set blocking %s: %w", cfg.Name, err)
	}
	return &termiosPort{fd: fd, file: os.NewFile(uintptr(fd), cfg.Name)}, nil
}

// MakeRaw puts t into raw 8-bit mode like cfmakeraw(3), keeping the speed.
func MakeRaw(t *unix.Termios) {
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
}

// SetSpeed sets input and output speed of t to baud.
func SetSpeed(t *unix.Termios, baud int) error {
	speed, ok := baudRates[baud]
	if !ok {
		return fmt.Errorf("%w: baud %d", ErrUnsupported, baud)
	}
	t.Cflag &^= unix.CBAUD
	t.Cflag |= speed
	t.Ispeed = speed
	t.Ospeed = speed
	return nil
}

func applyTermios(t *unix.Termios, cfg Config) error {
	MakeRaw(t)
	t.Cflag &^= unix.CSIZE | unix.PARODD | unix.CMSPAR | unix.CSTOPB | unix.CRTSCTS
	t.Cflag |= unix.CLOCAL | unix.CREAD
	t.Iflag &^= unix.INPCK
	if err := SetSpeed(t, cfg.Baud); err != nil {
		return err
	}

	switch cfg.DataBits {
	case 5:
		t.Cflag |= unix.CS5
	case 6:
		t.Cflag |= unix.CS6
	case 7:
		t.Cflag |= unix.CS7
	default:
		t.Cflag |= unix.CS8
	}

	switch cfg.StopBits {
	case Stop2:
		t.Cflag |= unix.CSTOPB
	case Stop1Half:
		return fmt.Errorf("%w: 1.5 stop bits", ErrUnsupported)
	}

	switch cfg.Parity {
	case ParityOdd:
		t.Cflag |= unix.PARENB | unix.PARODD
	case ParityEven:
		t.Cflag |= unix.PARENB
	case ParityMark:
		t.Cflag |= unix.PARENB | unix.CMSPAR | unix.PARODD
	case ParitySpace:
		t.Cflag |= unix.PARENB | unix.CMSPAR
	}
	if cfg.Parity != ParityNone {
		t.Iflag |= unix.INPCK
	}

	if cfg.ReadTimeout > 0 {
		t.Cc[unix.VMIN] = 0
		t.Cc[unix.VTIME] = vtime(cfg.ReadTimeout)
	}
	return nil
}

// vtime converts d to deciseconds clamped to the 1..255 range VTIME accepts.
func vtime(d time.Duration) uint8 {
	ds := (d + 99*time.Millisecond) / (100 * time.Millisecond)
	switch {
	case ds < 1:
		return 1
	case ds > 255:
		return 255
	}
	return uint8(ds)
}

func (p *termiosPort) Read(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	n, err := p.file.Read(b)
	// A zero-length read on a tty means VTIME expired.
	if n == 0 && errors.Is(err, io.EOF) {
		return 0, nil
	}
	return n, err
}

func (p *termiosPort) Write(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	return p.file.Write(b)
}

// InWaiting returns the number of bytes in the input queue.
func (p *termiosPort) InWaiting() (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	n, err := unix.IoctlGetInt(p.fd, unix.TIOCINQ)
	if err != nil {
		return 0, fmt.Errorf("TIOCINQ %s: %w", p.file.Name(), err)
	}
	return n, nil
}

// Close is safe to call multiple times.
func (p *termiosPort) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.file.Close()
}
