// Package frame decodes the measurement records sent by the telemetry
// device.
//
// A record looks like
//
//	<noise> STX field ',' field ',' ... ETX
//
// Fields are copied in order into consecutive table slots starting at
// store.FirstSlot, with surrounding 0x20 padding removed. Parsing writes
// into a caller-supplied shadow table; callers commit it only when Parse
// returns nil.
package frame

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/luhtfiimanal/go-serial-bridge/internal/store"
)

// Framing bytes.
const (
	STX       = 0x02
	ETX       = 0x03
	Separator = 0x2c
	Pad       = 0x20
)

// MaxSize bounds both the serial accumulation buffer and the parser scan.
const MaxSize = 2048

var (
	ErrFraming              = errors.New("frame: no start-of-text marker")
	ErrCorruption           = errors.New("frame: field too long")
	ErrPrematureTermination = errors.New("frame: NUL before end-of-text")
	ErrOverflow             = errors.New("frame: buffer overrun")
)

// Parse decodes msg into t and returns the number of fields stored. The
// end of msg is treated like the NUL terminator of a C string, so a
// message cut short before ETX fails with ErrPrematureTermination unless
// it already spans MaxSize bytes, in which case it fails with
// ErrOverflow.
//
// On error t may hold partially written fields and must be discarded.
func Parse(msg []byte, t *store.Table) (int, error) {
	limit := min(len(msg), MaxSize)
	start := bytes.IndexByte(msg[:limit], STX)
	if start < 0 {
		return 0, ErrFraming
	}

	slot := store.FirstSlot
	pos := start + 1
	for i := pos; ; i++ {
		if i >= MaxSize {
			return slot - store.FirstSlot, ErrOverflow
		}
		if i >= len(msg) || msg[i] == 0x00 {
			return slot - store.FirstSlot, ErrPrematureTermination
		}

		c := msg[i]
		if c != Separator && c != ETX {
			continue
		}

		field := bytes.Trim(msg[pos:i], string(rune(Pad)))
		if len(field) >= store.ValueCap {
			return slot - store.FirstSlot, fmt.Errorf("%w: slot %d has %d bytes", ErrCorruption, slot, len(field))
		}
		if slot >= store.Slots {
			return slot - store.FirstSlot, fmt.Errorf("%w: more than %d fields", ErrOverflow, store.Slots-store.FirstSlot)
		}
		t[slot] = string(field)
		slot++

		if c == ETX {
			return slot - store.FirstSlot, nil
		}
		pos = i + 1
	}
}
