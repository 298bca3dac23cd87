//go:build !linux

package nullmodem

import "os"

// configure is a no-op off Linux; clients set their own line discipline.
func configure(f *os.File, baud int) error { return nil }
