// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ds1374

import (
	"fmt"
	"time"
)

// Watchdog is a DS1374 used as a hardware watchdog.
//
// Once armed, the watchdog counter must be reloaded with Ping before the
// timeout elapses, or the device asserts its reset output.
type Watchdog struct {
	dev *device
}

// NewWatchdog attaches to the DS1374 behind link and arms the watchdog
// with the timeout set by WithTimeout (32s by default).
func NewWatchdog(link Link, opts ...Option) (*Watchdog, error) {
	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	ticks, err := wdtTicks(cfg.timeout)
	if err != nil {
		return nil, err
	}

	dev, err := newDevice(link, cfg)
	if err != nil {
		return nil, err
	}

	err = dev.setWatchdog(ticks)
	if err != nil {
		_ = dev.close()
		return nil, fmt.Errorf("ds1374: could not arm watchdog: %w", err)
	}

	return &Watchdog{dev: dev}, nil
}

// Time returns the current time of the clock.
func (wdt *Watchdog) Time() (time.Time, error) {
	t, err := wdt.dev.time()
	if err != nil {
		return t, fmt.Errorf("ds1374: could not read time: %w", err)
	}
	return t, nil
}

// SetTime sets the clock to t, truncated to the second.
func (wdt *Watchdog) SetTime(t time.Time) error {
	err := wdt.dev.setTime(t)
	if err != nil {
		return fmt.Errorf("ds1374: could not set time: %w", err)
	}
	return nil
}

// SetTimeout re-arms the watchdog with a timeout of sec seconds and pings it.
// Timeouts outside [1, 4096]s fail with ErrInvalidArgument before the
// device is touched.
func (wdt *Watchdog) SetTimeout(sec uint32) error {
	ticks, err := wdtTicks(sec)
	if err != nil {
		return err
	}

	err = wdt.dev.setWatchdog(ticks)
	if err != nil {
		return fmt.Errorf("ds1374: could not set watchdog timeout: %w", err)
	}
	wdt.dev.ping()
	return nil
}

// Timeout returns the current watchdog timeout, in seconds.
func (wdt *Watchdog) Timeout() uint32 {
	return wdt.dev.timeout()
}

// Ping reloads the watchdog counter.
// Failures are logged, never reported: a keep-alive loop must not stop on
// a transient bus error.
func (wdt *Watchdog) Ping() {
	wdt.dev.ping()
}

// Enable re-arms the watchdog with the current timeout and pings it.
func (wdt *Watchdog) Enable() error {
	err := wdt.dev.setWatchdog(wdt.dev.timeoutTicks())
	if err != nil {
		return fmt.Errorf("ds1374: could not enable watchdog: %w", err)
	}
	wdt.dev.ping()
	return nil
}

// Disable stops the watchdog counter.
func (wdt *Watchdog) Disable() error {
	err := wdt.dev.disable()
	if err != nil {
		return fmt.Errorf("ds1374: could not disable watchdog: %w", err)
	}
	return nil
}

// Close detaches from the device. The watchdog is left in its current state.
func (wdt *Watchdog) Close() error {
	return wdt.dev.close()
}
