// internal/config/config.go
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultDevice   = "/dev/ttyUSB1"
	DefaultBaudRate = 19200
	DefaultDataPort = 5000
	DefaultLogPort  = 4999
	DefaultLogFile  = "/var/log/serial-bridge.log"
)

type Config struct {
	Device        string `yaml:"device"`
	BaudRate      int    `yaml:"baud_rate"`
	DataPort      int    `yaml:"data_port"`
	LogPort       int    `yaml:"log_port"`
	LogFile       string `yaml:"log_file"`
	ListenAddress string `yaml:"listen_address"` // empty = all interfaces
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Device:   DefaultDevice,
		BaudRate: DefaultBaudRate,
		DataPort: DefaultDataPort,
		LogPort:  DefaultLogPort,
		LogFile:  DefaultLogFile,
	}
}

// Load reads a YAML file on top of the defaults. Keys missing from the
// file keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return cfg, nil
}
