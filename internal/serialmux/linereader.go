package serialmux

import (
	"bytes"
	"errors"
	"io"
	"time"

	"github.com/banshee-data/sortbridge/internal/timeutil"
)

// errLineTimeout is internal; Transact maps it to the failure kind that fits
// the phase it happened in.
var errLineTimeout = errors.New("line timeout")

const defaultPollInterval = 10 * time.Millisecond

// lineReader reads newline-terminated lines from a port with a per-line
// deadline. Bytes after a newline are kept for the next call, so it must
// live exactly as long as the port it reads from.
type lineReader struct {
	port  SerialPorter
	clock timeutil.Clock
	poll  time.Duration
	buf   []byte
	chunk []byte
}

func newLineReader(port SerialPorter, clock timeutil.Clock, poll time.Duration) *lineReader {
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &lineReader{port: port, clock: clock, poll: poll, chunk: make([]byte, 128)}
}

// readLine returns the next line without its terminator. On timeout any
// partial line stays buffered; call discard to drop it.
func (r *lineReader) readLine(timeout time.Duration) (string, error) {
	deadline := r.clock.Now().Add(timeout)
	timed, canTimeout := r.port.(TimeoutSerialPorter)

	for {
		if i := bytes.IndexByte(r.buf, '\n'); i >= 0 {
			line := string(bytes.TrimRight(r.buf[:i], "\r"))
			r.buf = r.buf[i+1:]
			return line, nil
		}

		remaining := deadline.Sub(r.clock.Now())
		if remaining <= 0 {
			return "", errLineTimeout
		}

		if canTimeout {
			if err := timed.SetReadTimeout(remaining); err != nil {
				return "", err
			}
		}

		n, err := r.port.Read(r.chunk)
		if n > 0 {
			r.buf = append(r.buf, r.chunk[:n]...)
		}
		// go.bug.st/serial reports a read timeout as (0, nil); in-memory ports
		// report an empty buffer as io.EOF. Both mean "nothing yet".
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		if n == 0 {
			wait := r.poll
			if remaining < wait {
				wait = remaining
			}
			r.clock.Sleep(wait)
		}
	}
}

// discard drops any buffered partial line.
func (r *lineReader) discard() {
	r.buf = r.buf[:0]
}
