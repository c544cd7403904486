package serial

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/luhtfiimanal/go-serial-bridge/internal/clock"
	"github.com/luhtfiimanal/go-serial-bridge/internal/frame"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type recordingLogger struct {
	lines []string
}

func (r *recordingLogger) Printf(format string, args ...any) {
	r.lines = append(r.lines, fmt.Sprintf(format, args...))
}

func (r *recordingLogger) contains(substr string) bool {
	for _, l := range r.lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

// memDevice replays canned chunks, one per Read.
type memDevice struct {
	chunks  [][]byte
	written bytes.Buffer
	closed  bool
}

func (m *memDevice) Read(b []byte) (int, error) {
	if len(m.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(b, m.chunks[0])
	m.chunks = m.chunks[1:]
	return n, nil
}

func (m *memDevice) Write(b []byte) (int, error) { return m.written.Write(b) }
func (m *memDevice) Close() error                { m.closed = true; return nil }
func (m *memDevice) Fd() int                     { return 42 }

func newFakeClock() *clock.FakeClock {
	return clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
}

func waitReadable(t *testing.T, fd int) {
	t.Helper()
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, 1000)
	require.NoError(t, err)
	require.Equal(t, 1, n, "timeout waiting for device data")
}

func openPTY(t *testing.T) (*os.File, *os.File) {
	t.Helper()
	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close(); slave.Close() })
	return master, slave
}

func TestOpen_ConfiguresRawMode(t *testing.T) {
	master, slave := openPTY(t)

	port, err := Open(Config{Device: slave.Name(), BaudRate: 19200})
	require.NoError(t, err)
	t.Cleanup(func() { port.Close() })

	termios, err := unix.IoctlGetTermios(port.Fd(), unix.TCGETS)
	require.NoError(t, err)
	require.Zero(t, termios.Lflag&unix.ICANON)
	require.Zero(t, termios.Lflag&unix.ECHO)
	require.Zero(t, termios.Iflag&unix.ICRNL)
	require.Zero(t, termios.Cflag&unix.PARENB)
	require.Equal(t, uint32(unix.CS8), termios.Cflag&unix.CSIZE)

	_, err = port.Write([]byte(RequestCommand))
	require.NoError(t, err)

	buf := make([]byte, len(RequestCommand))
	_, err = io.ReadFull(master, buf)
	require.NoError(t, err)
	require.Equal(t, RequestCommand, string(buf))
}

func TestOpen_DeviceAbsent(t *testing.T) {
	_, err := Open(Config{Device: filepath.Join(t.TempDir(), "missing"), BaudRate: 19200})
	require.ErrorIs(t, err, ErrDeviceAbsent)

	regular := filepath.Join(t.TempDir(), "regular")
	require.NoError(t, os.WriteFile(regular, nil, 0o644))
	_, err = Open(Config{Device: regular, BaudRate: 19200})
	require.ErrorIs(t, err, ErrDeviceAbsent)
}

func TestOpen_UnsupportedBaud(t *testing.T) {
	_, slave := openPTY(t)

	_, err := Open(Config{Device: slave.Name(), BaudRate: 12345})
	require.ErrorIs(t, err, ErrDeviceOpen)
	require.False(t, SupportedBaud(12345))
	require.True(t, SupportedBaud(19200))
}

func TestLink_SessionOverPTY(t *testing.T) {
	master, slave := openPTY(t)
	c := newFakeClock()
	log := &recordingLogger{}

	var got []byte
	link := NewLink(Config{Device: slave.Name(), BaudRate: 19200}, c, log, func(msg []byte) error {
		got = append([]byte(nil), msg...)
		return nil
	})

	// 1. Opening sends the request command and settles
	require.NoError(t, link.Open())
	require.Equal(t, Reading, link.State())
	require.True(t, log.contains("opened correctly"))

	buf := make([]byte, len(RequestCommand))
	_, err := io.ReadFull(master, buf)
	require.NoError(t, err)
	require.Equal(t, RequestCommand, string(buf))

	// 2. The device answers, possibly split across reads
	reply := "\x02AA, BB ,CC\x03\r"
	_, err = master.Write([]byte(reply))
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	for link.State() == Reading && time.Now().Before(deadline) {
		waitReadable(t, link.Fd())
		require.NoError(t, link.HandleReadable())
	}

	// 3. One message per session, then closed
	require.Equal(t, Closed, link.State())
	require.Equal(t, -1, link.Fd())
	require.Equal(t, reply, string(got))
	require.True(t, log.contains("Closing device"))

	// 4. The device can be reopened for the next reading
	require.NoError(t, link.Open())
	t.Cleanup(func() { link.Close() })
	_, err = io.ReadFull(master, buf)
	require.NoError(t, err)
	require.Equal(t, RequestCommand, string(buf))
}

func TestLink_OpenFailures(t *testing.T) {
	c := newFakeClock()
	log := &recordingLogger{}
	link := NewLink(Config{Device: filepath.Join(t.TempDir(), "ttyUSB9"), BaudRate: 19200}, c, log, nil)

	err := link.Open()
	require.ErrorIs(t, err, ErrDeviceAbsent)
	require.Equal(t, Closed, link.State())
	require.True(t, log.contains("doesn't exist"))

	link.open = func(Config) (Device, error) { return nil, ErrDeviceOpen }
	err = link.Open()
	require.ErrorIs(t, err, ErrDeviceOpen)
	require.Equal(t, Closed, link.State())
	require.True(t, log.contains("can't be opened"))
}

func newMemLink(t *testing.T, dev *memDevice, onMessage MessageFunc) (*Link, *clock.FakeClock, *recordingLogger) {
	t.Helper()
	c := newFakeClock()
	log := &recordingLogger{}
	link := NewLink(Config{Device: "/dev/ttyUSB1", BaudRate: 19200}, c, log, onMessage)
	link.open = func(Config) (Device, error) { return dev, nil }
	require.NoError(t, link.Open())
	require.Equal(t, RequestCommand, dev.written.String())
	return link, c, log
}

func TestLink_AccumulatesUntilCarriageReturn(t *testing.T) {
	dev := &memDevice{chunks: [][]byte{[]byte("\x02AA,"), []byte("BB\x03"), []byte("\r")}}
	var got string
	link, _, _ := newMemLink(t, dev, func(msg []byte) error {
		got = string(msg)
		return nil
	})

	require.NoError(t, link.HandleReadable())
	require.NoError(t, link.HandleReadable())
	require.Equal(t, Reading, link.State())
	require.NoError(t, link.HandleReadable())

	require.Equal(t, Closed, link.State())
	require.Equal(t, "\x02AA,BB\x03\r", got)
	require.True(t, dev.closed)
}

func TestLink_ParserErrorStillCloses(t *testing.T) {
	dev := &memDevice{chunks: [][]byte{[]byte("garbage\r")}}
	link, _, log := newMemLink(t, dev, func(msg []byte) error { return frame.ErrFraming })

	err := link.HandleReadable()
	require.ErrorIs(t, err, frame.ErrFraming)
	require.Equal(t, Closed, link.State())
	require.True(t, log.contains("Frame rejected"))
}

func TestLink_Overflow(t *testing.T) {
	dev := &memDevice{chunks: [][]byte{
		bytes.Repeat([]byte{'1'}, frame.MaxSize-1),
		[]byte("22"),
	}}
	called := false
	link, _, _ := newMemLink(t, dev, func([]byte) error { called = true; return nil })

	require.NoError(t, link.HandleReadable())
	err := link.HandleReadable()
	require.ErrorIs(t, err, frame.ErrOverflow)
	require.Equal(t, Closed, link.State())
	require.False(t, called)
}

func TestLink_VanishedTakesPrecedence(t *testing.T) {
	dev := &memDevice{chunks: [][]byte{[]byte("\x02AA\x03\r")}}
	called := false
	link, c, log := newMemLink(t, dev, func([]byte) error { called = true; return nil })

	c.Advance(SessionTimeout + time.Second)
	err := link.HandleReadable()
	require.ErrorIs(t, err, ErrDeviceVanished)
	require.Equal(t, Closed, link.State())
	require.False(t, called)
	require.True(t, log.contains("vanished during reading"))
}

func TestLink_ReadErrorCloses(t *testing.T) {
	dev := &memDevice{}
	link, _, _ := newMemLink(t, dev, nil)

	err := link.HandleReadable()
	require.ErrorIs(t, err, ErrDeviceVanished)
	require.Equal(t, Closed, link.State())
}

func TestLink_CheckLiveness(t *testing.T) {
	dev := &memDevice{}
	link, c, log := newMemLink(t, dev, nil)

	// Never-updated table: measured from the session open time
	require.False(t, link.CheckLiveness(time.Time{}))
	c.Advance(SessionTimeout)
	require.False(t, link.CheckLiveness(time.Time{}))
	c.Advance(time.Millisecond)
	require.True(t, link.CheckLiveness(time.Time{}))
	require.Equal(t, Closed, link.State())
	require.True(t, log.contains("silent"))

	// Closed links are left alone
	require.False(t, link.CheckLiveness(time.Time{}))
}
