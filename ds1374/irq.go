// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ds1374

import (
	"github.com/go-lpc/rtc/ds1374/internal/regs"
)

// interrupt is the immediate half of the alarm interrupt handler.
// It masks the line and schedules the bottom half; it never touches the bus.
func (dev *device) interrupt() {
	if dev.irq == nil {
		return
	}
	dev.irq.Disable()
	select {
	case dev.work <- struct{}{}:
	default:
		// already scheduled.
	}
}

// handle runs the bottom halves until the device is closed.
func (dev *device) handle() error {
	for {
		select {
		case <-dev.quit:
			return nil
		case <-dev.work:
			select {
			case <-dev.quit:
				return nil
			default:
			}
			dev.bottomHalf()
		}
	}
}

// bottomHalf acknowledges and disarms a fired alarm, then unmasks the
// interrupt line unless the device is going away.
func (dev *device) bottomHalf() {
	fired := dev.ack()
	if fired && dev.notify != nil {
		dev.notify.AlarmExpired()
	}
}

func (dev *device) ack() bool {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	fired, err := dev.clearAlarm()
	if err != nil {
		dev.msg.Errorf("could not handle alarm interrupt: %+v", err)
	}

	if !dev.exiting {
		dev.irq.Enable()
	}
	return fired
}

// clearAlarm clears AF and disarms the one-shot alarm.
// dev.mu must be held.
func (dev *device) clearAlarm() (bool, error) {
	sr, err := dev.readReg(regs.SR)
	if err != nil {
		return false, err
	}

	if sr&regs.SR_AF == 0 {
		return false, nil
	}

	err = dev.writeReg(regs.SR, sr&^regs.SR_AF)
	if err != nil {
		return false, err
	}

	cr, err := dev.readReg(regs.CR)
	if err != nil {
		return false, err
	}

	err = dev.writeReg(regs.CR, cr&^(regs.CR_WACE|regs.CR_AIE))
	if err != nil {
		return false, err
	}

	return true, nil
}
