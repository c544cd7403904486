// Package logsink writes operational messages to an append-only file and
// mirrors them to at most one live subscriber.
//
// Every message becomes one line of the form
//
//	[<unix seconds>] <message>\r\n
//
// The file is synced after each line. Delivery to the subscriber is a
// single best-effort write on a non-blocking connection: a line the
// subscriber has no room for is dropped, so a stalled reader never holds
// up the caller.
package logsink

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/luhtfiimanal/go-serial-bridge/internal/clock"
	"github.com/luhtfiimanal/go-serial-bridge/internal/sockets"
)

var ErrLogFileUnavailable = errors.New("logsink: log file unavailable")

// Sink is not safe for concurrent use; the event loop owns it.
type Sink struct {
	file   *os.File
	sub    io.WriteCloser
	clock  clock.Clock
	logger *slog.Logger
}

// Open opens path for appending, creating it if needed. A nil logger
// discards diagnostics.
func Open(path string, c clock.Clock, logger *slog.Logger) (*Sink, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLogFileUnavailable, err)
	}
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sink{file: file, clock: c, logger: logger}, nil
}

// Printf formats and logs one message.
func (s *Sink) Printf(format string, args ...any) {
	s.Log(fmt.Sprintf(format, args...))
}

// Log writes msg to the file, syncs it, and mirrors it to the subscriber.
func (s *Sink) Log(msg string) {
	line := []byte(fmt.Sprintf("[%d] %s\r\n", s.clock.Now().Unix(), msg))
	s.logger.Debug("log", "message", msg)

	if _, err := s.file.Write(line); err != nil {
		s.logger.Warn("log file write failed", "path", s.file.Name(), "error", err)
	} else if err := s.file.Sync(); err != nil {
		s.logger.Warn("log file sync failed", "path", s.file.Name(), "error", err)
	}

	if s.sub != nil {
		n, err := s.sub.Write(line)
		switch {
		case err == nil:
		case sockets.IsWouldBlock(err):
			s.logger.Debug("log line dropped, subscriber not reading", "written", n, "size", len(line))
		default:
			s.logger.Debug("log subscriber write failed", "error", err)
		}
	}
}

// SetSubscriber makes w the log subscriber, closing the previous one.
func (s *Sink) SetSubscriber(w io.WriteCloser) {
	if s.sub != nil && s.sub != w {
		s.sub.Close()
	}
	s.sub = w
}

// Subscriber returns the current subscriber, or nil.
func (s *Sink) Subscriber() io.WriteCloser { return s.sub }

// DropSubscriber closes and forgets the current subscriber.
func (s *Sink) DropSubscriber() {
	if s.sub != nil {
		s.sub.Close()
		s.sub = nil
	}
}

// Close drops the subscriber and closes the file.
func (s *Sink) Close() error {
	s.DropSubscriber()
	return s.file.Close()
}
