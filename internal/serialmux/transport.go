// Package serialmux owns the serial link to the sorting controller: opening
// ports, the boot handshake, deadline-bounded line I/O and the failure
// taxonomy reported to the bridge. It does not retry anything.
package serialmux

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/sortbridge/internal/monitoring"
	"github.com/banshee-data/sortbridge/internal/timeutil"
)

// DefaultHandshakeTimeout covers the controller's reset-to-banner time after
// the port is opened.
const DefaultHandshakeTimeout = 3 * time.Second

// TransportConfig configures one Transport. A transaction waits at most
// HandshakeTimeout + ReplyTimeout for the controller.
type TransportConfig struct {
	PortPath string
	Options  PortOptions

	// ReplyTimeout bounds the wait for the controller's reply. It must be
	// longer than the controller's worst-case actuation time.
	ReplyTimeout time.Duration

	// HandshakeTimeout bounds the wait for the boot banner. Zero means
	// DefaultHandshakeTimeout; it is clamped to ReplyTimeout.
	HandshakeTimeout time.Duration

	// PollInterval is the back-off between reads on ports without native
	// read timeouts.
	PollInterval time.Duration
}

// Transport performs complete transactions against the controller. It is
// not safe for concurrent use: the bridge worker is its only caller.
type Transport struct {
	factory SerialPortFactory
	cfg     TransportConfig
	logger  *monitoring.Logger
	clock   timeutil.Clock
	tap     *Tap
}

// NewTransport validates cfg and returns a transport that opens ports
// through factory.
func NewTransport(factory SerialPortFactory, cfg TransportConfig, logger *monitoring.Logger) (*Transport, error) {
	if factory == nil {
		return nil, errors.New("serial port factory is required")
	}
	if cfg.PortPath == "" {
		return nil, errors.New("serial port path is required")
	}
	if cfg.ReplyTimeout <= 0 {
		return nil, fmt.Errorf("reply timeout must be positive, got %v", cfg.ReplyTimeout)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	cfg.HandshakeTimeout = min(cfg.HandshakeTimeout, cfg.ReplyTimeout)
	opts, err := cfg.Options.Normalise()
	if err != nil {
		return nil, err
	}
	cfg.Options = opts

	return &Transport{
		factory: factory,
		cfg:     cfg,
		logger:  logger.With("serial"),
		clock:   timeutil.RealClock{},
		tap:     NewTap(),
	}, nil
}

// SetClock replaces the clock used for deadlines. Intended for tests.
func (t *Transport) SetClock(c timeutil.Clock) {
	t.clock = c
}

// Tap returns the observer feed of lines sent and received.
func (t *Transport) Tap() *Tap {
	return t.tap
}

// Config returns the effective configuration.
func (t *Transport) Config() TransportConfig {
	return t.cfg
}

// Transact opens the port, discards the boot banner, writes line and
// returns the trimmed reply line. The port is closed on every return path.
// A dequeued transaction always runs to completion or timeout, so there is
// no cancellation parameter.
func (t *Transport) Transact(line string) (reply string, err error) {
	path := t.cfg.PortPath

	port, err := t.factory.Open(path, t.cfg.Options)
	if err != nil {
		return "", newTransportError(ErrOpenFailed, path, err)
	}
	defer func() {
		if cerr := port.Close(); cerr != nil {
			t.logger.Printf("failed to close %s: %v", path, cerr)
		}
	}()

	r := newLineReader(port, t.clock, t.cfg.PollInterval)

	banner, err := r.readLine(t.cfg.HandshakeTimeout)
	switch {
	case err == nil:
		t.logger.Printf("boot banner discarded: %q", strings.TrimSpace(banner))
	case errors.Is(err, errLineTimeout):
		// a controller that was already running does not repeat its banner
		r.discard()
		t.logger.Printf("%v", newTransportError(ErrHandshakeTimeout, path, nil))
	default:
		return "", newTransportError(ErrChannelError, path, err)
	}

	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	n, err := port.Write([]byte(line))
	if err != nil {
		return "", newTransportError(ErrWriteFailed, path, err)
	}
	if n != len(line) {
		return "", newTransportError(ErrWriteFailed, path, fmt.Errorf("short write: %d of %d bytes", n, len(line)))
	}
	t.logger.Printf("-> %s", strings.TrimSpace(line))
	t.tap.publish("-> " + strings.TrimSpace(line))

	reply, err = r.readLine(t.cfg.ReplyTimeout)
	if errors.Is(err, errLineTimeout) {
		t.tap.publish("<- (timeout)")
		return "", newTransportError(ErrReadTimeout, path, fmt.Errorf("waited %v", t.cfg.ReplyTimeout))
	}
	if err != nil {
		return "", newTransportError(ErrChannelError, path, err)
	}

	reply = strings.TrimSpace(reply)
	t.logger.Printf("<- %s", reply)
	t.tap.publish("<- " + reply)
	return reply, nil
}
