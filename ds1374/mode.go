// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ds1374

import (
	"fmt"
	"time"

	"github.com/go-lpc/rtc/ds1374/internal/regs"
)

var errNoIRQ = fmt.Errorf("ds1374: no interrupt line configured: %w", ErrUnsupported)

func (dev *device) time() (time.Time, error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	v, err := dev.read(regs.TOD0, regs.TODSize)
	if err != nil {
		return time.Time{}, err
	}
	return decode(v), nil
}

func (dev *device) setTime(t time.Time) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	return dev.write(regs.TOD0, encode(t), regs.TODSize)
}

// readAlarm reports the absolute expiry time of the alarm decrementer.
func (dev *device) readAlarm() (Alarm, error) {
	if dev.irq == nil {
		return Alarm{}, errNoIRQ
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()

	cr, err := dev.readReg(regs.CR)
	if err != nil {
		return Alarm{}, err
	}

	sr, err := dev.readReg(regs.SR)
	if err != nil {
		return Alarm{}, err
	}

	now, err := dev.read(regs.TOD0, regs.TODSize)
	if err != nil {
		return Alarm{}, err
	}

	cnt, err := dev.read(regs.WDALM0, regs.WDALMSize)
	if err != nil {
		return Alarm{}, err
	}

	return Alarm{
		Time:    decode(now).Add(time.Duration(cnt) * time.Second),
		Enabled: cr&regs.CR_WACE != 0,
		Pending: sr&regs.SR_AF != 0,
	}, nil
}

// setAlarm programs the decrementer to go off at t.
// The counter is stopped before it is written: on failure the alarm is
// left disarmed.
func (dev *device) setAlarm(t time.Time, enabled bool) error {
	if dev.irq == nil {
		return errNoIRQ
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()

	v, err := dev.read(regs.TOD0, regs.TODSize)
	if err != nil {
		return err
	}

	cnt := relative(decode(v), t)
	if cnt > regs.WDALMMax {
		return fmt.Errorf(
			"ds1374: alarm %v is %ds ahead, more than the %ds the counter holds: %w",
			t.UTC(), cnt, regs.WDALMMax, ErrInvalidArgument,
		)
	}

	cr, err := dev.readReg(regs.CR)
	if err != nil {
		return err
	}

	cr &^= regs.CR_WACE
	err = dev.writeReg(regs.CR, cr)
	if err != nil {
		return err
	}

	err = dev.write(regs.WDALM0, cnt, regs.WDALMSize)
	if err != nil {
		return err
	}

	if !enabled {
		return nil
	}

	cr |= regs.CR_WACE | regs.CR_AIE
	cr &^= regs.CR_WDALM
	return dev.writeReg(regs.CR, cr)
}

func (dev *device) setAlarmEnabled(enabled bool) error {
	if dev.irq == nil {
		return errNoIRQ
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()

	cr, err := dev.readReg(regs.CR)
	if err != nil {
		return err
	}

	switch {
	case enabled:
		cr |= regs.CR_WACE | regs.CR_AIE
		cr &^= regs.CR_WDALM
	default:
		cr &^= regs.CR_WACE
	}

	return dev.writeReg(regs.CR, cr)
}

// setWatchdog stops the counter, loads ticks as the reload value and
// restarts the counter in watchdog mode.
func (dev *device) setWatchdog(ticks uint32) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	cr, err := dev.readReg(regs.CR)
	if err != nil {
		return err
	}

	cr &^= regs.CR_WACE
	err = dev.writeReg(regs.CR, cr)
	if err != nil {
		return err
	}

	// 4096s (1<<24 ticks) does not fit the 24-bit counter.
	cnt := ticks
	if cnt > regs.WDALMMax {
		cnt = regs.WDALMMax
	}
	err = dev.write(regs.WDALM0, cnt, regs.WDALMSize)
	if err != nil {
		return fmt.Errorf("ds1374: could not set new watchdog time: %w", err)
	}

	cr |= regs.CR_WACE | regs.CR_WDALM
	cr &^= regs.CR_AIE
	err = dev.writeReg(regs.CR, cr)
	if err != nil {
		return err
	}

	dev.wdt.ticks = ticks
	return nil
}

// ping reloads the watchdog counter.
// Reading the counter is what reloads it on the DS1374.
func (dev *device) ping() {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	_, err := dev.read(regs.WDALM0, regs.WDALMSize)
	if err != nil {
		dev.msg.Errorf("watchdog tick failed: %+v", err)
	}
}

func (dev *device) disable() error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	cr, err := dev.readReg(regs.CR)
	if err != nil {
		return err
	}

	cr &^= regs.CR_WACE
	return dev.writeReg(regs.CR, cr)
}

func (dev *device) timeoutTicks() uint32 {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.wdt.ticks
}

func (dev *device) timeout() uint32 {
	return dev.timeoutTicks() >> regs.WDTShift
}
