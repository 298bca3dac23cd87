package loopback

import "fmt"

// DecodeError reports the first byte outside 7-bit ASCII.
type DecodeError struct {
	Offset int
	Byte   byte
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error: byte 0x%02x at offset %d is not ascii", e.Byte, e.Offset)
}

func (e *DecodeError) Unwrap() error { return ErrDecode }

// DecodeASCII returns b as a string if every byte is 7-bit ASCII.
func DecodeASCII(b []byte) (string, error) {
	for i, c := range b {
		if c > 0x7f {
			return "", &DecodeError{Offset: i, Byte: c}
		}
	}
	return string(b), nil
}
