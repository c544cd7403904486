package serial

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/luhtfiimanal/go-serial-bridge/internal/clock"
	"github.com/luhtfiimanal/go-serial-bridge/internal/frame"
)

// Link protocol constants.
const (
	RequestCommand = "SNDF\r"
	SettleDelay    = 20 * time.Millisecond
	SessionTimeout = 10 * time.Second
)

// State is the lifecycle state of a Link.
type State int

const (
	Closed State = iota
	Opening
	Reading
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Opening:
		return "opening"
	case Reading:
		return "reading"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Device is what a Link needs from an open port.
type Device interface {
	io.ReadWriteCloser
	Fd() int
}

// Logger receives operational messages.
type Logger interface {
	Printf(format string, args ...any)
}

// MessageFunc consumes one complete message read from the device. The
// slice is only valid for the duration of the call.
type MessageFunc func(msg []byte) error

// Link drives the device through one request/response session per open:
// open, send RequestCommand, accumulate until a carriage return, hand the
// message over, close. It is not safe for concurrent use.
type Link struct {
	cfg       Config
	clock     clock.Clock
	log       Logger
	onMessage MessageFunc

	// open is a hook for tests.
	open func(Config) (Device, error)

	dev      Device
	state    State
	openedAt time.Time
	buf      []byte
	chunk    []byte
}

// NewLink returns a closed Link for cfg.
func NewLink(cfg Config, c clock.Clock, log Logger, onMessage MessageFunc) *Link {
	if c == nil {
		c = clock.Real()
	}
	return &Link{
		cfg:       cfg,
		clock:     c,
		log:       log,
		onMessage: onMessage,
		open: func(cfg Config) (Device, error) {
			p, err := Open(cfg)
			if err != nil {
				return nil, err
			}
			return p, nil
		},
		buf:   make([]byte, 0, frame.MaxSize),
		chunk: make([]byte, frame.MaxSize),
	}
}

// State returns the current lifecycle state.
func (l *Link) State() State { return l.state }

// Fd returns the descriptor to poll, or -1 when the link is not reading.
func (l *Link) Fd() int {
	if l.state != Reading || l.dev == nil {
		return -1
	}
	return l.dev.Fd()
}

// Open attempts Closed -> Reading. On failure the link stays Closed and
// the caller is expected to back off before the next attempt.
func (l *Link) Open() error {
	if l.state != Closed {
		return nil
	}
	l.state = Opening

	dev, err := l.open(l.cfg)
	if err != nil {
		l.state = Closed
		switch {
		case errors.Is(err, ErrDeviceAbsent):
			l.printf("Device file %s doesn't exist", l.cfg.Device)
		default:
			l.printf("Device file %s can't be opened", l.cfg.Device)
		}
		return err
	}

	l.printf("Device %s opened correctly", l.cfg.Device)
	if _, err := dev.Write([]byte(RequestCommand)); err != nil {
		dev.Close()
		l.state = Closed
		l.printf("Device file %s can't be opened", l.cfg.Device)
		return fmt.Errorf("%w: write request: %w", ErrDeviceOpen, err)
	}
	l.clock.Sleep(SettleDelay)

	l.dev = dev
	l.buf = l.buf[:0]
	l.openedAt = l.clock.Now()
	l.state = Reading
	return nil
}

// HandleReadable services a readiness event on the device. It returns the
// error that ended the session, if any; a session that completes with a
// rejected message returns the parser's error.
func (l *Link) HandleReadable() error {
	if l.state != Reading {
		return nil
	}

	n, err := l.dev.Read(l.chunk)
	if err != nil {
		l.printf("Device %s read failed, closing", l.cfg.Device)
		l.Close()
		return fmt.Errorf("%w: %w", ErrDeviceVanished, err)
	}
	chunk := l.chunk[:n]

	if len(l.buf)+len(chunk) > frame.MaxSize {
		l.printf("Device %s sent more than %d bytes, closing", l.cfg.Device, frame.MaxSize)
		l.Close()
		return frame.ErrOverflow
	}
	l.buf = append(l.buf, chunk...)
	complete := bytes.IndexByte(chunk, '\r') >= 0

	if l.clock.Now().Sub(l.openedAt) > SessionTimeout {
		l.printf("Device %s vanished during reading, closing", l.cfg.Device)
		l.Close()
		return ErrDeviceVanished
	}

	if !complete {
		return nil
	}

	err = l.onMessage(l.buf)
	if err != nil {
		l.printf("Frame rejected: %v", err)
	}
	l.printf("Closing device %s", l.cfg.Device)
	l.Close()
	return err
}

// CheckLiveness closes a link that has been reading without producing a
// message for longer than SessionTimeout. The reference point is the later
// of lastUpdate and the session open time.
func (l *Link) CheckLiveness(lastUpdate time.Time) bool {
	if l.state != Reading {
		return false
	}
	ref := lastUpdate
	if l.openedAt.After(ref) {
		ref = l.openedAt
	}
	if l.clock.Now().Sub(ref) <= SessionTimeout {
		return false
	}
	l.printf("Device %s silent, closing", l.cfg.Device)
	l.Close()
	return true
}

// Close tears down the session. It is safe to call on a closed link.
func (l *Link) Close() error {
	var err error
	if l.dev != nil {
		err = l.dev.Close()
		l.dev = nil
	}
	l.buf = l.buf[:0]
	l.state = Closed
	return err
}

func (l *Link) printf(format string, args ...any) {
	if l.log != nil {
		l.log.Printf(format, args...)
	}
}
