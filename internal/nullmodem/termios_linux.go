//go:build linux

package nullmodem

import (
	"os"

	"github.com/kstaniek/go-tty0tty/internal/serial"
	"golang.org/x/sys/unix"
)

// configure puts the tty behind f in raw mode at baud with CS8|CLOCAL|CREAD
// and flushes both queues. SyscallConn keeps f in the runtime poller.
func configure(f *os.File, baud int) error {
	rc, err := f.SyscallConn()
	if err != nil {
		return err
	}
	var cerr error
	err = rc.Control(func(fd uintptr) {
		t, err := unix.IoctlGetTermios(int(fd), unix.TCGETS)
		if err != nil {
			cerr = err
			return
		}
		serial.MakeRaw(t)
		if err := serial.SetSpeed(t, baud); err != nil {
			cerr = err
			return
		}
		t.Cflag |= unix.CS8 | unix.CLOCAL | unix.CREAD
		if err := unix.IoctlSetTermios(int(fd), unix.TCSETS, t); err != nil {
			cerr = err
			return
		}
		cerr = unix.IoctlSetInt(int(fd), unix.TCFLSH, unix.TCIOFLUSH)
	})
	if err != nil {
		return err
	}
	return cerr
}
