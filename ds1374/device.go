// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ds1374

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/rtc/ds1374/internal/regs"
	"golang.org/x/sync/errgroup"
)

// device holds the state shared by the RTC and Watchdog front-ends.
//
// mu guards every register transaction and the exiting flag.
type device struct {
	mu      sync.Mutex
	link    Link
	irq     IRQ // nil when no interrupt line is wired.
	exiting bool

	msg    log.MsgStream
	notify Notifier

	work chan struct{} // pending bottom half, at most one.
	quit chan struct{}
	grp  errgroup.Group

	wdt struct {
		ticks uint32 // current watchdog timeout
	}

	once sync.Once
}

func newDevice(link Link, cfg config) (*device, error) {
	if link == nil {
		return nil, fmt.Errorf("ds1374: nil register link")
	}

	dev := &device{
		link:   link,
		irq:    cfg.irq,
		msg:    cfg.msg,
		notify: cfg.notify,
		work:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}

	err := dev.checkStatus()
	if err != nil {
		return nil, fmt.Errorf("ds1374: could not check device status: %w", err)
	}

	return dev, nil
}

// checkStatus clears any stale oscillator-stop and alarm condition, and
// disarms the counter, so nothing is reported before the interrupt line
// is armed.
func (dev *device) checkStatus() error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	sr, err := dev.readReg(regs.SR)
	if err != nil {
		return err
	}

	if sr&regs.SR_OSF != 0 {
		dev.msg.Warnf("oscillator discontinuity flagged, time unreliable")
	}

	sr &^= regs.SR_OSF | regs.SR_AF
	err = dev.writeReg(regs.SR, sr)
	if err != nil {
		return err
	}

	cr, err := dev.readReg(regs.CR)
	if err != nil {
		return err
	}

	cr &^= regs.CR_WACE | regs.CR_AIE
	return dev.writeReg(regs.CR, cr)
}

// read reads a n-byte little-endian block starting at register reg.
// dev.mu must be held.
func (dev *device) read(reg uint8, n int) (uint32, error) {
	if n < 1 || n > regs.MaxBlock {
		return 0, fmt.Errorf("ds1374: invalid block size %d: %w", n, ErrInvalidArgument)
	}

	var buf [regs.MaxBlock]byte
	p := buf[:n]
	nn, err := dev.link.ReadAt(p, int64(reg))
	switch {
	case nn == n && (err == nil || errors.Is(err, io.EOF)):
		return unpack(p), nil
	case err == nil:
		err = io.ErrUnexpectedEOF
	}
	return 0, &BusError{Op: "read", Reg: reg, Len: n, Err: err}
}

// write writes v as a n-byte little-endian block starting at register reg.
// dev.mu must be held.
func (dev *device) write(reg uint8, v uint32, n int) error {
	if n < 1 || n > regs.MaxBlock {
		return fmt.Errorf("ds1374: invalid block size %d: %w", n, ErrInvalidArgument)
	}

	var buf [regs.MaxBlock]byte
	p := buf[:n]
	pack(p, v)
	nn, err := dev.link.WriteAt(p, int64(reg))
	if err == nil && nn != n {
		err = io.ErrShortWrite
	}
	if err != nil {
		return &BusError{Op: "write", Reg: reg, Len: n, Err: err}
	}
	return nil
}

func (dev *device) readReg(reg uint8) (uint8, error) {
	v, err := dev.read(reg, 1)
	return uint8(v), err
}

func (dev *device) writeReg(reg, v uint8) error {
	return dev.write(reg, uint32(v), 1)
}

// close marks the device as exiting, releases the interrupt line and
// waits for any in-flight bottom half.
func (dev *device) close() error {
	var err error
	dev.once.Do(func() {
		if dev.irq == nil {
			return
		}

		dev.mu.Lock()
		dev.exiting = true
		dev.mu.Unlock()

		err = dev.irq.Close()
		if err != nil {
			err = fmt.Errorf("ds1374: could not release interrupt line: %w", err)
		}

		close(dev.quit)
		if e := dev.grp.Wait(); e != nil && err == nil {
			err = fmt.Errorf("ds1374: could not stop alarm handler: %w", e)
		}
	})
	return err
}
