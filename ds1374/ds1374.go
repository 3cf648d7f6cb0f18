// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ds1374 drives a Maxim/Dallas DS1374 real-time clock.
//
// The DS1374 holds a 32-bit seconds counter and a single 24-bit
// decrementer that is either used as a relative wake-up alarm or as a
// hardware watchdog. Both uses share the same control bits, so a device is
// opened either as an RTC (NewRTC) or as a Watchdog (NewWatchdog), never
// both.
//
// All register transactions are serialized by a single per-device lock.
package ds1374 // import "github.com/go-lpc/rtc/ds1374"

import (
	"errors"
	"fmt"
	"io"
)

var (
	// ErrBus is matched (with errors.Is) by any failed or short register transfer.
	ErrBus = errors.New("ds1374: bus error")

	// ErrUnsupported is returned by alarm operations on a device without
	// an interrupt line.
	ErrUnsupported = errors.New("ds1374: operation not supported")

	// ErrInvalidArgument is returned for values the device registers cannot hold.
	ErrInvalidArgument = errors.New("ds1374: invalid argument")
)

// Link is the bus connection to the device registers.
// The offsets passed to ReadAt and WriteAt are register addresses and
// blocks are at most 4 bytes long.
type Link interface {
	io.ReaderAt
	io.WriterAt
}

// IRQ is the interrupt line the device INT pin is wired to.
//
// Disable must not block: it is called from the interrupt entry point.
// Close releases the line.
type IRQ interface {
	Enable()
	Disable()
	io.Closer
}

// Notifier is notified each time the alarm fires.
//
// AlarmExpired runs on the alarm handler goroutine, which Close waits for:
// it must not call Close.
type Notifier interface {
	AlarmExpired()
}

// NotifierFunc adapts a plain function to the Notifier interface.
type NotifierFunc func()

// AlarmExpired calls f().
func (f NotifierFunc) AlarmExpired() { f() }

// BusError describes a failed register transfer.
type BusError struct {
	Op  string // "read" or "write"
	Reg uint8  // first register of the block
	Len int    // size of the block
	Err error
}

func (e *BusError) Error() string {
	return fmt.Sprintf(
		"ds1374: could not %s %d byte(s) at register 0x%02x: %v",
		e.Op, e.Len, e.Reg, e.Err,
	)
}

func (e *BusError) Unwrap() error { return e.Err }

// Is reports whether target is ErrBus.
func (e *BusError) Is(target error) bool { return target == ErrBus }

var (
	_ error = (*BusError)(nil)
)
