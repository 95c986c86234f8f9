package serialmux

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TestableSerialPort implements TimeoutSerialPorter with configurable
// behaviour for testing. An empty read buffer reads as io.EOF, which the
// transport treats as "no data yet".
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// ShortWrite makes Write report one byte fewer than it was given
	ShortWrite bool

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	// CloseCalls records the number of Close calls
	CloseCalls int

	// ReadCalls records the number of Read calls
	ReadCalls int

	// WriteCalls records the number of Write calls
	WriteCalls int

	// ReadTimeout is the last read timeout set
	ReadTimeout time.Duration
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	return &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
}

// Read reads from the read buffer, optionally returning a queued error.
func (t *TestableSerialPort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadCalls++

	if t.Closed {
		return 0, errors.New("serial port closed")
	}

	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}

	return t.ReadBuffer.Read(p)
}

// Write writes to the write buffer, optionally simulating errors.
func (t *TestableSerialPort) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteCalls++

	if t.Closed {
		return 0, errors.New("serial port closed")
	}

	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}

	if t.ShortWrite && len(p) > 0 {
		return t.WriteBuffer.Write(p[:len(p)-1])
	}

	return t.WriteBuffer.Write(p)
}

// Close marks the port as closed.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.CloseCalls++

	return t.CloseError
}

// SetReadTimeout implements TimeoutSerialPorter.
func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadTimeout = timeout
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
}

// GetWrittenData returns all data written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}

// IsClosed reports whether Close was called.
func (t *TestableSerialPort) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.Closed
}

// MockSerialPortFactory implements SerialPortFactory for testing.
type MockSerialPortFactory struct {
	mu sync.Mutex

	// Port is the port to return from Open
	Port SerialPorter

	// Error is returned by Open if set
	Error error

	// OpenCalls records all Open calls
	OpenCalls []MockOpenCall
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path    string
	Options PortOptions
}

// NewMockSerialPortFactory creates a new MockSerialPortFactory.
func NewMockSerialPortFactory(port SerialPorter) *MockSerialPortFactory {
	return &MockSerialPortFactory{Port: port}
}

// Open returns the configured port or error.
func (f *MockSerialPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.OpenCalls = append(f.OpenCalls, MockOpenCall{
		Path:    path,
		Options: opts,
	})

	if f.Error != nil {
		return nil, f.Error
	}

	return f.Port, nil
}

// LastCall returns the most recent Open call, or nil if none.
func (f *MockSerialPortFactory) LastCall() *MockOpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.OpenCalls) == 0 {
		return nil
	}
	return &f.OpenCalls[len(f.OpenCalls)-1]
}

// Responder computes the controller's reply line for a received command.
// An empty reply means the controller stays silent.
type Responder func(command string) string

// StructuredResponder replies like the current controller firmware: command
// codes 0, 1 and 2 move the gate to bins 101, 102 and 103 and report
// {"bin_id":N}.
func StructuredResponder() Responder {
	return func(command string) string {
		code, err := strconv.Atoi(strings.TrimSpace(command))
		if err != nil || code < 0 || code > 2 {
			return `{"error":"unknown command"}`
		}
		b, _ := json.Marshal(map[string]int{"bin_id": 101 + code})
		return string(b)
	}
}

// AckResponder replies like the earlier firmware, which takes the bin id as
// the command and answers OK.
func AckResponder() Responder {
	return func(command string) string {
		if _, err := strconv.Atoi(strings.TrimSpace(command)); err != nil {
			return "ERR"
		}
		return "OK"
	}
}

// FakeController simulates the actuator controller behind a serial port. It
// emits its boot banner on every open (opening the port resets the board),
// replies after ActuationDelay, and tracks how many ports are open at once
// so tests can prove transactions never overlap.
type FakeController struct {
	mu sync.Mutex

	Banner         string
	Respond        Responder
	ActuationDelay time.Duration
	OpenError      error

	commands  []string
	opens     int
	active    int
	maxActive int
	events    []string
}

// NewFakeController returns a controller with the stock banner.
func NewFakeController(respond Responder) *FakeController {
	return &FakeController{Banner: "Arduino Ready", Respond: respond}
}

// Open implements SerialPortFactory.
func (c *FakeController) Open(path string, opts PortOptions) (SerialPorter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.OpenError != nil {
		return nil, c.OpenError
	}
	c.opens++
	c.active++
	if c.active > c.maxActive {
		c.maxActive = c.active
	}
	c.events = append(c.events, "open")

	p := &fakePort{ctrl: c}
	if c.Banner != "" {
		p.pending = append(p.pending, fakeChunk{data: []byte(c.Banner + "\n"), readyAt: time.Now()})
	}
	return p, nil
}

// Commands returns every command line received, in order.
func (c *FakeController) Commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.commands...)
}

// Events returns the open/write/close sequence seen by the controller.
func (c *FakeController) Events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

// Opens is the number of successful opens.
func (c *FakeController) Opens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

// Active is the number of ports currently open.
func (c *FakeController) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// MaxConcurrent is the highest number of ports ever open at the same time.
func (c *FakeController) MaxConcurrent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxActive
}

type fakeChunk struct {
	data    []byte
	readyAt time.Time
}

type fakePort struct {
	ctrl    *FakeController
	mu      sync.Mutex
	pending []fakeChunk
	partial []byte
	timeout time.Duration
	closed  bool
}

func (p *fakePort) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = d
	return nil
}

// Read blocks for up to the read timeout, like a hardware port, and returns
// (0, nil) when nothing became ready.
func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	timeout := p.timeout
	p.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return 0, errors.New("serial port closed")
		}
		if len(p.pending) > 0 && !time.Now().Before(p.pending[0].readyAt) {
			n := copy(b, p.pending[0].data)
			p.pending[0].data = p.pending[0].data[n:]
			if len(p.pending[0].data) == 0 {
				p.pending = p.pending[1:]
			}
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()

		if !time.Now().Before(deadline) {
			return 0, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("serial port closed")
	}

	p.partial = append(p.partial, b...)
	for {
		i := bytes.IndexByte(p.partial, '\n')
		if i < 0 {
			break
		}
		cmd := string(p.partial[:i])
		p.partial = p.partial[i+1:]

		c := p.ctrl
		c.mu.Lock()
		c.commands = append(c.commands, cmd)
		c.events = append(c.events, "write:"+cmd)
		respond, delay := c.Respond, c.ActuationDelay
		c.mu.Unlock()

		if respond == nil {
			continue
		}
		if reply := respond(cmd); reply != "" {
			p.pending = append(p.pending, fakeChunk{data: []byte(reply + "\n"), readyAt: time.Now().Add(delay)})
		}
	}
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	c := p.ctrl
	c.mu.Lock()
	c.active--
	c.events = append(c.events, "close")
	c.mu.Unlock()
	return nil
}
