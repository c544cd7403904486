// Package bridge serves readings from a low-rate serial telemetry device to
// any number of TCP clients.
//
// The device is asked for one record per session: the serial line is
// opened, the request command is written, bytes are collected until a
// carriage return, and the line is closed again. Each record is an
// STX/ETX-framed, comma-separated list of fields that replaces the shared
// table wholesale. Clients on the data port send a slot index terminated
// by a carriage return and receive the slot value, or OUTDATED when the
// table has not been refreshed within ten seconds.
//
// Operational messages go to an append-only log file and are mirrored to a
// single subscriber on the log port.
//
// Features:
//   - One single-threaded poll loop owns the device, the table and every
//     connection; no locks
//   - Raw termios configuration via golang.org/x/sys, Linux only
//   - Shadow-table parsing: a rejected record never touches the table but
//     does mark it stale
//   - Per-connection bounded request buffers
//
// Example usage:
//
//	loop, err := bridge.New(bridge.Config{
//	    Device:   "/dev/ttyUSB1",
//	    BaudRate: 19200,
//	    DataPort: 5000,
//	    LogPort:  4999,
//	    LogFile:  "/var/log/serial-bridge.log",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer loop.Close()
//
//	// Run until ctx is cancelled or Stop is called from another goroutine
//	if err := loop.Run(ctx); err != nil {
//	    log.Println("loop error:", err)
//	}
package bridge
