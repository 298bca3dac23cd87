//go:build !linux

package serial

import "fmt"

// Placeholder so non-linux builds compile; use the tarm or bugst driver there.
func openTermios(cfg Config) (Endpoint, error) {
	return nil, fmt.Errorf("%w: termios driver is linux only", ErrUnknownDriver)
}
