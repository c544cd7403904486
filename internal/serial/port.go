package serial

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

var (
	ErrDeviceAbsent   = errors.New("serial: device is not a character device")
	ErrDeviceOpen     = errors.New("serial: device cannot be opened")
	ErrDeviceVanished = errors.New("serial: device vanished during reading")
)

// Config holds configuration parameters for opening the telemetry device.
type Config struct {
	Device   string
	BaudRate int
}

// Port is an open, raw-mode serial device. Reads must only be issued once
// the descriptor has been reported readable.
type Port struct {
	fd   int
	file *os.File
}

// IsCharDevice reports whether path exists and is a character-special file.
func IsCharDevice(path string) bool {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return false
	}
	return st.Mode&unix.S_IFMT == unix.S_IFCHR
}

// Open opens the device described by cfg and configures it for raw 8N1
// transfer without flow control. It fails with ErrDeviceAbsent when the
// path is not a character device and with ErrDeviceOpen when the device
// cannot be opened or configured.
func Open(cfg Config) (*Port, error) {
	if !IsCharDevice(cfg.Device) {
		return nil, fmt.Errorf("%w: %s", ErrDeviceAbsent, cfg.Device)
	}

	fd, err := syscall.Open(cfg.Device, syscall.O_RDWR|syscall.O_NOCTTY|syscall.O_NONBLOCK|syscall.O_CLOEXEC, 0666)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %w", ErrDeviceOpen, err)
	}

	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("%w: get termios: %w", ErrDeviceOpen, err)
	}

	// Raw mode
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CRTSCTS
	termios.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL

	baud, err := baudToUnix(cfg.BaudRate)
	if err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("%w: %w", ErrDeviceOpen, err)
	}
	termios.Cflag &^= unix.CBAUD
	termios.Cflag |= baud
	termios.Ispeed = baud
	termios.Ospeed = baud

	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 5

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("%w: set termios: %w", ErrDeviceOpen, err)
	}

	// Blocking again now that config is done; readiness is checked first.
	syscall.SetNonblock(fd, false)

	return &Port{
		fd:   fd,
		file: os.NewFile(uintptr(fd), cfg.Device),
	}, nil
}

// Fd returns the descriptor to poll for readability.
func (p *Port) Fd() int { return p.fd }

func (p *Port) Read(b []byte) (int, error) {
	return p.file.Read(b)
}

func (p *Port) Write(b []byte) (int, error) {
	return p.file.Write(b)
}

// Close releases the device.
func (p *Port) Close() error {
	return p.file.Close()
}

// SupportedBaud reports whether baud can be configured on the device.
func SupportedBaud(baud int) bool {
	_, err := baudToUnix(baud)
	return err == nil
}

func baudToUnix(baud int) (uint32, error) {
	switch baud {
	case 1200:
		return unix.B1200, nil
	case 2400:
		return unix.B2400, nil
	case 4800:
		return unix.B4800, nil
	case 9600:
		return unix.B9600, nil
	case 19200:
		return unix.B19200, nil
	case 38400:
		return unix.B38400, nil
	case 57600:
		return unix.B57600, nil
	case 115200:
		return unix.B115200, nil
	case 230400:
		return unix.B230400, nil
	default:
		return 0, fmt.Errorf("unsupported baud rate %d", baud)
	}
}
