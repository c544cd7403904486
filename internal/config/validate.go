// internal/config/validate.go
package config

import (
	"fmt"
	"net"

	"github.com/luhtfiimanal/go-serial-bridge/internal/serial"
)

// Validate checks configuration correctness.
// It MUST NOT mutate configuration.
func Validate(cfg *Config) error {
	if cfg.Device == "" {
		return fmt.Errorf("device must be set")
	}

	if !serial.SupportedBaud(cfg.BaudRate) {
		return fmt.Errorf("baud_rate %d is not supported", cfg.BaudRate)
	}

	// The data port range is part of the documented interface.
	if cfg.DataPort < 10 || cfg.DataPort > 65535 {
		return fmt.Errorf("data_port %d out of range 10-65535", cfg.DataPort)
	}

	if cfg.LogPort < 1 || cfg.LogPort > 65535 {
		return fmt.Errorf("log_port %d out of range 1-65535", cfg.LogPort)
	}

	if cfg.LogPort == cfg.DataPort {
		return fmt.Errorf("log_port and data_port must differ (both %d)", cfg.DataPort)
	}

	if cfg.LogFile == "" {
		return fmt.Errorf("log_file must be set")
	}

	if cfg.ListenAddress != "" && net.ParseIP(cfg.ListenAddress).To4() == nil {
		return fmt.Errorf("listen_address %q is not an IPv4 address", cfg.ListenAddress)
	}

	return nil
}
