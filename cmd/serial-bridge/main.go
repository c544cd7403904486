package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	bridge "github.com/luhtfiimanal/go-serial-bridge"
	"github.com/luhtfiimanal/go-serial-bridge/internal/config"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, verbose, done, err := parseFlags(args)
	if err != nil || done {
		return err
	}

	// Verbose enables Debug level for per-connection and per-frame events.
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	loop, err := bridge.New(bridge.Config{
		Device:        cfg.Device,
		BaudRate:      cfg.BaudRate,
		DataPort:      cfg.DataPort,
		LogPort:       cfg.LogPort,
		ListenAddress: cfg.ListenAddress,
		LogFile:       cfg.LogFile,
	}, bridge.WithLogger(logger))
	if err != nil {
		return err
	}
	defer loop.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := loop.Run(ctx); err != nil {
		return err
	}
	logger.Info("bridge stopped")
	return nil
}

// parseFlags builds the configuration from defaults, an optional YAML file
// and command-line flags, in increasing order of precedence. done reports
// that the command has already been fully handled (help, version).
func parseFlags(args []string) (cfg config.Config, verbose, done bool, err error) {
	flags := pflag.NewFlagSet("serial-bridge", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "YAML configuration file")
	device := flags.StringP("device", "d", config.DefaultDevice, "serial device path")
	baud := flags.IntP("baud", "b", config.DefaultBaudRate, "serial baud rate")
	dataPort := flags.IntP("port", "p", config.DefaultDataPort, "data port (10-65535)")
	logPort := flags.Int("log-port", config.DefaultLogPort, "log subscriber port")
	logFile := flags.StringP("log", "l", config.DefaultLogFile, "operational log file")
	listen := flags.String("listen", "", "IPv4 address to bind (default all interfaces)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug diagnostics on stderr")
	showVersion := flags.Bool("version", false, "print version and exit")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return cfg, false, true, nil
		}
		return cfg, false, false, err
	}
	if *showVersion {
		fmt.Printf("serial-bridge %s\n", version)
		return cfg, false, true, nil
	}

	cfg = config.Default()
	if *configPath != "" {
		if cfg, err = config.Load(*configPath); err != nil {
			return cfg, false, false, err
		}
	}

	// Explicit flags win over the file.
	overrides := map[string]func(){
		"device":   func() { cfg.Device = *device },
		"baud":     func() { cfg.BaudRate = *baud },
		"port":     func() { cfg.DataPort = *dataPort },
		"log-port": func() { cfg.LogPort = *logPort },
		"log":      func() { cfg.LogFile = *logFile },
		"listen":   func() { cfg.ListenAddress = *listen },
	}
	flags.Visit(func(f *pflag.Flag) {
		if apply, ok := overrides[f.Name]; ok {
			apply()
		}
	})

	if err := config.Validate(&cfg); err != nil {
		return cfg, false, false, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, verbose, false, nil
}
