// Package protocol implements the request side of the data port.
//
// Every client connection owns a Session: a bounded buffer that collects
// bytes until one of the registered terminators shows up. The bytes before
// the terminator are handed to the RequestHandler registered for it, and
// the handler's reply is written back on the same connection. The native
// protocol is a decimal slot index terminated by a carriage return.
package protocol

import (
	"github.com/luhtfiimanal/go-serial-bridge/internal/store"
)

// RequestCap is the number of bytes a connection may buffer while waiting
// for a terminator, terminator included.
const RequestCap = 31

// Terminators.
const (
	CR byte = '\r' // native protocol
	LF byte = '\n' // reserved for a line-feed protocol variant
)

// Replies. Anything else sent on the data port is a slot value followed
// by CR.
var (
	BigRequest = []byte("BIG_REQUEST\r")
	BadRequest = []byte("BAD_REQUEST\r")
	Outdated   = []byte("OUTDATED\r")
)

// RequestHandler answers one complete request. req excludes the
// terminator and is only valid during the call.
type RequestHandler interface {
	Serve(req []byte) []byte
}

// HandlerFunc adapts a function to RequestHandler.
type HandlerFunc func(req []byte) []byte

func (f HandlerFunc) Serve(req []byte) []byte { return f(req) }

// Mux maps terminator bytes to handlers. Bytes without a handler are plain
// request payload.
type Mux struct {
	handlers map[byte]RequestHandler
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[byte]RequestHandler)}
}

// Handle registers h for requests ending in term, replacing any previous
// handler. A nil h unregisters term.
func (m *Mux) Handle(term byte, h RequestHandler) {
	if h == nil {
		delete(m.handlers, term)
		return
	}
	m.handlers[term] = h
}

func (m *Mux) lookup(b byte) (RequestHandler, bool) {
	h, ok := m.handlers[b]
	return h, ok
}

// Getter is the read side of the data store.
type Getter interface {
	Get(idx int) (string, bool)
}

// Native returns the handler for CR-terminated index queries.
func Native(g Getter) RequestHandler {
	return HandlerFunc(func(req []byte) []byte {
		idx := ParseIndex(req)
		if !store.ValidIndex(idx) {
			return BadRequest
		}
		v, fresh := g.Get(idx)
		if !fresh {
			return Outdated
		}
		return append([]byte(v), CR)
	})
}

// ParseIndex parses req the way strtol does with base 10: leading white
// space and a sign are accepted, parsing stops at the first non-digit,
// and text without digits yields 0. Values beyond the table saturate.
func ParseIndex(req []byte) int {
	i := 0
	for i < len(req) && isSpace(req[i]) {
		i++
	}
	neg := false
	if i < len(req) && (req[i] == '+' || req[i] == '-') {
		neg = req[i] == '-'
		i++
	}
	n := 0
	for ; i < len(req) && req[i] >= '0' && req[i] <= '9'; i++ {
		// Past the table the exact value no longer matters.
		if n <= store.Slots {
			n = n*10 + int(req[i]-'0')
		}
	}
	if neg {
		return -n
	}
	return n
}

func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}

// Session buffers one connection's partial request.
type Session struct {
	mux *Mux
	buf [RequestCap]byte
	n   int
}

// NewSession returns an empty Session dispatching through mux.
func NewSession(mux *Mux) *Session {
	return &Session{mux: mux}
}

// Pending returns the buffered bytes.
func (s *Session) Pending() []byte { return s.buf[:s.n] }

// Feed appends chunk to the buffer and returns the reply to send, or nil
// when the request is still incomplete. A chunk that would overflow the
// buffer is dropped along with everything buffered so far and answered
// with BigRequest. After a completed request the buffer is cleared, so
// bytes following the terminator in the same chunk are discarded.
func (s *Session) Feed(chunk []byte) []byte {
	if s.n+len(chunk) > RequestCap {
		s.n = 0
		return BigRequest
	}
	s.n += copy(s.buf[s.n:], chunk)

	for i := 0; i < s.n; i++ {
		h, ok := s.mux.lookup(s.buf[i])
		if !ok {
			continue
		}
		reply := h.Serve(s.buf[:i])
		s.n = 0
		return reply
	}
	return nil
}
