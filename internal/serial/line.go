package serial

import (
	"bytes"
	"errors"
	"io"
	"time"
)

// LineReader splits a port's byte stream into delimiter-terminated lines.
// Bytes read past a delimiter are kept for the next call.
type LineReader struct {
	r       io.Reader
	delim   byte
	buf     []byte
	pending []byte
}

func NewLineReader(r io.Reader, delim byte) *LineReader {
	return &LineReader{r: r, delim: delim, buf: make([]byte, 256)}
}

// ReadLine returns the next line including its delimiter. When timeout > 0
// and it elapses first, the bytes collected so far (possibly none) are
// returned with ErrReadTimeout. The deadline is checked between reads, so a
// single blocking read of the port may overrun it by the port's own timeout.
func (lr *LineReader) ReadLine(timeout time.Duration) ([]byte, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if i := bytes.IndexByte(lr.pending, lr.delim); i >= 0 {
			line := make([]byte, i+1)
			copy(line, lr.pending)
			lr.pending = append(lr.pending[:0], lr.pending[i+1:]...)
			return line, nil
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return lr.take(), ErrReadTimeout
		}
		n, err := lr.r.Read(lr.buf)
		if n > 0 {
			lr.pending = append(lr.pending, lr.buf[:n]...)
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return lr.take(), err
		}
	}
}

// Buffered reports bytes already read from the port but not yet returned.
func (lr *LineReader) Buffered() int { return len(lr.pending) }

func (lr *LineReader) take() []byte {
	line := lr.pending
	lr.pending = nil
	return line
}
