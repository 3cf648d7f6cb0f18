// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ds1374

import (
	"os"

	"github.com/go-daq/tdaq/log"
)

// defaultTimeout is the watchdog timeout programmed at attach, in seconds.
const defaultTimeout = 32

type config struct {
	irq    IRQ
	msg    log.MsgStream
	notify Notifier

	timeout uint32 // watchdog timeout, in seconds
}

func newConfig() config {
	return config{
		msg:     log.NewMsgStream("ds1374", log.LvlInfo, os.Stdout),
		timeout: defaultTimeout,
	}
}

// Option configures a DS1374 device.
type Option func(cfg *config)

// WithIRQ sets the interrupt line the device INT pin is wired to.
// Alarm operations of an RTC without an interrupt line fail with ErrUnsupported.
func WithIRQ(irq IRQ) Option {
	return func(cfg *config) {
		cfg.irq = irq
	}
}

// WithMsgStream sets the stream diagnostics are reported to.
func WithMsgStream(msg log.MsgStream) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

// WithNotifier sets the listener of alarm expiries.
// The listener must not close the device from AlarmExpired.
func WithNotifier(n Notifier) Option {
	return func(cfg *config) {
		cfg.notify = n
	}
}

// WithTimeout sets the watchdog timeout, in seconds, programmed when the
// watchdog is attached.
func WithTimeout(sec uint32) Option {
	return func(cfg *config) {
		cfg.timeout = sec
	}
}
