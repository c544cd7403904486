package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/luhtfiimanal/go-serial-bridge/internal/clock"
	"github.com/luhtfiimanal/go-serial-bridge/internal/frame"
	"github.com/luhtfiimanal/go-serial-bridge/internal/logsink"
	"github.com/luhtfiimanal/go-serial-bridge/internal/protocol"
	"github.com/luhtfiimanal/go-serial-bridge/internal/serial"
	"github.com/luhtfiimanal/go-serial-bridge/internal/sockets"
	"github.com/luhtfiimanal/go-serial-bridge/internal/store"
)

const (
	// PollTimeout bounds how long one tick waits for readiness.
	PollTimeout = 20 * time.Millisecond

	// RetryDelay is slept after a failed device open.
	RetryDelay = 20 * time.Millisecond

	dataBacklog = 25
	logBacklog  = 2
	drainSize   = 2048
)

// ErrStopped is returned by Tick once Stop has been called.
var ErrStopped = errors.New("bridge: loop stopped")

// Config holds the parameters of one bridge instance. Port 0 binds an
// ephemeral port.
type Config struct {
	Device        string
	BaudRate      int
	DataPort      int
	LogPort       int
	ListenAddress string // empty binds all interfaces
	LogFile       string
}

// Option customizes a Loop.
type Option func(*Loop)

// WithClock replaces the wall clock used for staleness and device timeouts.
func WithClock(c clock.Clock) Option {
	return func(l *Loop) { l.clock = c }
}

// WithLogger sets the diagnostics logger. If unset, slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

type client struct {
	id      uint64
	conn    *sockets.Conn
	session *protocol.Session
}

// Loop owns the device link, the table, the listeners and every client
// connection. Only Stop may be called from another goroutine.
type Loop struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	store *store.Store
	sink  *logsink.Sink
	link  *serial.Link
	mux   *protocol.Mux

	dataLn     int
	logLn      int
	subscriber *sockets.Conn
	clients    []*client
	nextID     uint64

	pipeR    int // self-pipe read fd
	pipeW    int // self-pipe write fd
	stopOnce sync.Once

	pfds    []unix.PollFd
	reqBuf  []byte
	drained []byte
}

// New opens the log file and binds both listeners. Any failure here is
// fatal for the process; nothing is left open on error.
func New(cfg Config, opts ...Option) (*Loop, error) {
	l := &Loop{
		cfg:     cfg,
		dataLn:  -1,
		logLn:   -1,
		pipeR:   -1,
		pipeW:   -1,
		reqBuf:  make([]byte, protocol.RequestCap),
		drained: make([]byte, drainSize),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.clock == nil {
		l.clock = clock.Real()
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}

	sink, err := logsink.Open(cfg.LogFile, l.clock, l.logger)
	if err != nil {
		return nil, err
	}
	l.sink = sink

	if l.dataLn, err = sockets.Listen(cfg.ListenAddress, cfg.DataPort, dataBacklog); err != nil {
		l.Close()
		return nil, fmt.Errorf("bridge: data port: %w", err)
	}
	if l.logLn, err = sockets.Listen(cfg.ListenAddress, cfg.LogPort, logBacklog); err != nil {
		l.Close()
		return nil, fmt.Errorf("bridge: log port: %w", err)
	}

	pipeFds := make([]int, 2)
	if err := unix.Pipe2(pipeFds, unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		l.Close()
		return nil, fmt.Errorf("bridge: pipe: %w", err)
	}
	l.pipeR, l.pipeW = pipeFds[0], pipeFds[1]

	l.store = store.New(l.clock)
	l.mux = protocol.NewMux()
	l.mux.Handle(protocol.CR, protocol.Native(l.store))
	l.link = serial.NewLink(serial.Config{Device: cfg.Device, BaudRate: cfg.BaudRate}, l.clock, l.sink, l.ingest)

	l.logger.Info("bridge started",
		"device", cfg.Device,
		"data_port", l.DataPort(),
		"log_port", l.LogPort(),
		"log_file", cfg.LogFile,
	)
	return l, nil
}

// DataPort returns the bound data port.
func (l *Loop) DataPort() int { return localPort(l.dataLn) }

// LogPort returns the bound log port.
func (l *Loop) LogPort() int { return localPort(l.logLn) }

func localPort(fd int) int {
	if fd < 0 {
		return 0
	}
	port, err := sockets.LocalPort(fd)
	if err != nil {
		return 0
	}
	return port
}

// Run ticks until ctx is cancelled or Stop is called. It returns nil on a
// requested stop and the error of a failed tick otherwise. Call Close
// after Run returns.
func (l *Loop) Run(ctx context.Context) error {
	unregister := context.AfterFunc(ctx, l.Stop)
	defer unregister()

	for {
		if err := l.Tick(); err != nil {
			if errors.Is(err, ErrStopped) {
				return nil
			}
			return err
		}
	}
}

// Stop wakes a blocked Tick and makes it return ErrStopped. Safe to call
// from any goroutine, any number of times.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		if l.pipeW >= 0 {
			unix.Write(l.pipeW, []byte{1})
		}
	})
}

// Tick runs one loop iteration: reopen the device if needed, wait up to
// PollTimeout for readiness, then service the device, the data listener,
// the log listener, the log subscriber and every client, in that order.
func (l *Loop) Tick() error {
	if l.link.State() == serial.Closed {
		if err := l.link.Open(); err != nil {
			l.logger.Debug("device open failed", "device", l.cfg.Device, "error", err)
			l.clock.Sleep(RetryDelay)
		}
	}

	l.pfds = l.pfds[:0]
	wakeIdx := l.watch(l.pipeR)
	serialIdx := -1
	if fd := l.link.Fd(); fd >= 0 {
		serialIdx = l.watch(fd)
	}
	dataIdx := l.watch(l.dataLn)
	logIdx := l.watch(l.logLn)
	sub := l.subscriber
	subIdx := -1
	if sub != nil {
		subIdx = l.watch(sub.Fd())
	}
	clients := slices.Clone(l.clients)
	clientBase := len(l.pfds)
	for _, c := range clients {
		l.watch(c.conn.Fd())
	}

	n, err := unix.Poll(l.pfds, int(PollTimeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return fmt.Errorf("bridge: poll: %w", err)
	}

	if n == 0 {
		l.link.CheckLiveness(l.store.LastUpdate())
		return nil
	}

	if l.ready(wakeIdx) {
		return ErrStopped
	}

	if serialIdx >= 0 && l.ready(serialIdx) {
		if err := l.link.HandleReadable(); err != nil {
			l.logger.Debug("serial session ended", "error", err)
		}
	}

	if l.ready(dataIdx) {
		l.acceptClient()
	}

	if l.ready(logIdx) {
		l.acceptSubscriber()
	}

	// The subscriber may have been replaced above.
	if subIdx >= 0 && l.ready(subIdx) && l.subscriber == sub {
		l.drainSubscriber()
	}

	for i, c := range clients {
		if l.ready(clientBase + i) {
			l.serveClient(c)
		}
	}
	return nil
}

func (l *Loop) watch(fd int) int {
	l.pfds = append(l.pfds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	return len(l.pfds) - 1
}

func (l *Loop) ready(i int) bool {
	return l.pfds[i].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0
}

// ingest parses one device message into a shadow table and commits it.
// A rejected message leaves the table untouched but stale.
func (l *Loop) ingest(msg []byte) error {
	shadow := l.store.Snapshot()
	fields, err := frame.Parse(msg, &shadow)
	if err != nil {
		l.store.Invalidate()
		return err
	}
	l.store.Commit(&shadow)
	l.logger.Debug("frame committed", "fields", fields)
	return nil
}

func (l *Loop) acceptClient() {
	conn, err := sockets.Accept(l.dataLn)
	if err != nil {
		l.logger.Warn("accept failed", "port", "data", "error", err)
		return
	}
	l.nextID++
	l.clients = append(l.clients, &client{
		id:      l.nextID,
		conn:    conn,
		session: protocol.NewSession(l.mux),
	})
	l.logger.Debug("connection accepted", "connection_id", l.nextID)
	l.sink.Printf("Accepted, has %d conns", len(l.clients))
}

func (l *Loop) acceptSubscriber() {
	conn, err := sockets.Accept(l.logLn)
	if err != nil {
		l.logger.Warn("accept failed", "port", "log", "error", err)
		return
	}
	l.sink.SetSubscriber(conn)
	l.subscriber = conn
	l.logger.Debug("log subscriber connected")
}

// drainSubscriber discards whatever the subscriber sends and notices when
// it goes away.
func (l *Loop) drainSubscriber() {
	avail, err := l.subscriber.Available()
	if err == nil && avail > 0 {
		_, err = l.subscriber.Read(l.drained[:min(avail, len(l.drained))])
	}
	if err != nil || avail == 0 {
		l.sink.DropSubscriber()
		l.subscriber = nil
		l.logger.Debug("log subscriber disconnected")
	}
}

func (l *Loop) serveClient(c *client) {
	avail, err := c.conn.Available()
	if err != nil || avail == 0 {
		l.removeClient(c)
		return
	}

	n, err := c.conn.Read(l.reqBuf[:min(avail, protocol.RequestCap)])
	if err != nil {
		l.removeClient(c)
		return
	}

	reply := c.session.Feed(l.reqBuf[:n])
	if reply == nil {
		return
	}
	_, err = c.conn.Write(reply)
	switch {
	case err == nil, sockets.IsExpectedCloseError(err):
	case sockets.IsWouldBlock(err):
		l.logger.Debug("reply dropped, client not reading", "connection_id", c.id)
	default:
		l.logger.Warn("reply write failed", "connection_id", c.id, "error", err)
	}
}

func (l *Loop) removeClient(c *client) {
	c.conn.Close()
	l.clients = slices.DeleteFunc(l.clients, func(x *client) bool { return x.id == c.id })
	l.logger.Debug("connection closed", "connection_id", c.id)
	l.sink.Printf("Closed, has %d conns", len(l.clients))
}

// Close releases the device, every connection, both listeners and the log
// file. It must not be called while Run or Tick is executing.
func (l *Loop) Close() error {
	if l.link != nil {
		l.link.Close()
	}
	for _, c := range l.clients {
		c.conn.Close()
	}
	l.clients = nil
	l.subscriber = nil

	for _, fd := range []*int{&l.dataLn, &l.logLn, &l.pipeR, &l.pipeW} {
		if *fd >= 0 {
			unix.Close(*fd)
			*fd = -1
		}
	}

	var err error
	if l.sink != nil {
		err = l.sink.Close()
		l.sink = nil
	}
	return err
}
