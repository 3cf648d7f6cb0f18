// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ds1374

import (
	"fmt"
	"time"
)

// Alarm describes the state of the wake-up alarm.
type Alarm struct {
	Time    time.Time // expiry time
	Enabled bool      // the decrementer is running
	Pending bool      // the alarm fired and was not acknowledged yet
}

// RTC is a DS1374 used as a real-time clock with a wake-up alarm.
//
// The DS1374 has a decrementer for an alarm, rather than a comparator:
// if the time of day is changed, the alarm needs to be set again.
type RTC struct {
	dev *device
}

// NewRTC attaches to the DS1374 behind link.
//
// Any pending alarm is cleared and the counter disarmed before the
// interrupt line, if any, is enabled.
func NewRTC(link Link, opts ...Option) (*RTC, error) {
	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	dev, err := newDevice(link, cfg)
	if err != nil {
		return nil, err
	}

	if dev.irq != nil {
		dev.grp.Go(dev.handle)
		dev.irq.Enable()
	}

	return &RTC{dev: dev}, nil
}

// Time returns the current time of the clock.
func (rtc *RTC) Time() (time.Time, error) {
	t, err := rtc.dev.time()
	if err != nil {
		return t, fmt.Errorf("ds1374: could not read time: %w", err)
	}
	return t, nil
}

// SetTime sets the clock to t, truncated to the second.
func (rtc *RTC) SetTime(t time.Time) error {
	err := rtc.dev.setTime(t)
	if err != nil {
		return fmt.Errorf("ds1374: could not set time: %w", err)
	}
	return nil
}

// Alarm returns the current alarm setting.
func (rtc *RTC) Alarm() (Alarm, error) {
	alrm, err := rtc.dev.readAlarm()
	if err != nil {
		return alrm, fmt.Errorf("ds1374: could not read alarm: %w", err)
	}
	return alrm, nil
}

// SetAlarm programs the alarm to go off at t, and arms it if enabled is true.
//
// A time in the past, or equal to the current time, makes the alarm go off
// as soon as possible.
func (rtc *RTC) SetAlarm(t time.Time, enabled bool) error {
	err := rtc.dev.setAlarm(t, enabled)
	if err != nil {
		return fmt.Errorf("ds1374: could not set alarm: %w", err)
	}
	return nil
}

// SetAlarmEnabled arms or disarms the alarm without changing its expiry.
func (rtc *RTC) SetAlarmEnabled(enabled bool) error {
	err := rtc.dev.setAlarmEnabled(enabled)
	if err != nil {
		return fmt.Errorf("ds1374: could not enable alarm (enabled=%v): %w", enabled, err)
	}
	return nil
}

// Interrupt is the entry point of the interrupt line.
// It does not block and can be called from any goroutine.
func (rtc *RTC) Interrupt() {
	rtc.dev.interrupt()
}

// Close releases the interrupt line and waits for any running alarm handler.
// The register link is left open.
func (rtc *RTC) Close() error {
	return rtc.dev.close()
}
