// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fakedev holds an in-memory DS1374 device and interrupt line.
package fakedev // import "github.com/go-lpc/rtc/ds1374/internal/fakedev"

import (
	"fmt"
	"io"
	"sync"

	"github.com/go-lpc/rtc/ds1374/internal/regs"
)

// Access describes one register transfer seen by the device.
type Access struct {
	Op   string // "r" or "w"
	Reg  uint8
	Data []byte
}

func (a Access) String() string {
	return fmt.Sprintf("%s 0x%02x %x", a.Op, a.Reg, a.Data)
}

// Fault makes the next transfer matching Op and Reg transfer only N bytes
// and fail with Err.
type Fault struct {
	Op  string
	Reg uint8
	N   int
	Err error
}

// Device is an in-memory DS1374 register file.
//
// Device implements io.ReaderAt and io.WriterAt, with register addresses
// as offsets.
type Device struct {
	mu     sync.Mutex
	regs   [regs.NumRegs]byte
	reload uint32 // watchdog/alarm counter reload value
	trace  []Access
	faults []Fault
	resets int

	IRQ *Line // line asserted when the alarm fires, if any.
}

// New returns a device with the given register content.
func New(init map[uint8]byte) *Device {
	dev := &Device{}
	for reg, v := range init {
		dev.regs[reg] = v
	}
	dev.reload = dev.counter()
	return dev
}

// Reg returns the content of register reg.
func (dev *Device) Reg(reg uint8) byte {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.regs[reg]
}

// SetReg sets the content of register reg, bypassing the hardware rules.
func (dev *Device) SetReg(reg, v uint8) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.regs[reg] = v
}

// Time returns the time-of-day counter.
func (dev *Device) Time() uint32 {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.tod()
}

// SetTime sets the time-of-day counter.
func (dev *Device) SetTime(v uint32) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.setTOD(v)
}

// Counter returns the watchdog/alarm counter.
func (dev *Device) Counter() uint32 {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.counter()
}

// Resets returns the number of times the watchdog expired.
func (dev *Device) Resets() int {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.resets
}

// Inject registers a one-shot fault.
func (dev *Device) Inject(f Fault) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.faults = append(dev.faults, f)
}

// Trace returns the register transfers seen so far and resets the trace.
func (dev *Device) Trace() []Access {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	trace := dev.trace
	dev.trace = nil
	return trace
}

// Writes returns the data written at register reg, in order.
func (dev *Device) Writes(reg uint8) [][]byte {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	var o [][]byte
	for _, a := range dev.trace {
		if a.Op == "w" && a.Reg == reg {
			o = append(o, a.Data)
		}
	}
	return o
}

func (dev *Device) fault(op string, reg uint8) (Fault, bool) {
	for i, f := range dev.faults {
		if f.Op == op && f.Reg == reg {
			dev.faults = append(dev.faults[:i], dev.faults[i+1:]...)
			return f, true
		}
	}
	return Fault{}, false
}

// ReadAt implements io.ReaderAt.
func (dev *Device) ReadAt(p []byte, off int64) (int, error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if off < 0 || off >= regs.NumRegs {
		return 0, fmt.Errorf("fakedev: invalid register 0x%x", off)
	}
	reg := uint8(off)
	if f, ok := dev.fault("r", reg); ok {
		n := copy(p[:f.N], dev.regs[off:])
		return n, f.Err
	}

	n := copy(p, dev.regs[off:])
	dev.trace = append(dev.trace, Access{Op: "r", Reg: reg, Data: append([]byte(nil), p[:n]...)})

	if dev.watchdog() && touches(off, n, regs.WDALM0, regs.WDALMSize) {
		dev.setCounter(dev.reload)
	}

	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt.
func (dev *Device) WriteAt(p []byte, off int64) (int, error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if off < 0 || off >= regs.NumRegs {
		return 0, fmt.Errorf("fakedev: invalid register 0x%x", off)
	}
	reg := uint8(off)
	if f, ok := dev.fault("w", reg); ok {
		n := dev.store(off, p[:f.N])
		return n, f.Err
	}

	dev.trace = append(dev.trace, Access{Op: "w", Reg: reg, Data: append([]byte(nil), p...)})
	n := dev.store(off, p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

func (dev *Device) store(off int64, p []byte) int {
	n := 0
	for i, v := range p {
		addr := off + int64(i)
		if addr >= regs.NumRegs {
			break
		}
		switch addr {
		case regs.SR:
			// flags can only be cleared by software.
			v &= dev.regs[regs.SR]
		}
		dev.regs[addr] = v
		n++
	}
	if touches(off, n, regs.WDALM0, regs.WDALMSize) {
		dev.reload = dev.counter()
	}
	return n
}

// Tick advances the device by n seconds.
func (dev *Device) Tick(n int) {
	for i := 0; i < n; i++ {
		if dev.tick() {
			dev.IRQ.Fire()
		}
	}
}

func (dev *Device) tick() bool {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	dev.setTOD(dev.tod() + 1)

	cr := dev.regs[regs.CR]
	if cr&regs.CR_WACE == 0 {
		return false
	}

	step := uint32(1)
	if dev.watchdog() {
		step = 1 << regs.WDTShift
	}

	cnt := dev.counter()
	if cnt > step {
		dev.setCounter(cnt - step)
		return false
	}

	dev.regs[regs.SR] |= regs.SR_AF
	dev.setCounter(dev.reload)
	if dev.watchdog() {
		dev.resets++
		return false
	}
	return cr&regs.CR_AIE != 0 && dev.IRQ != nil
}

func (dev *Device) watchdog() bool {
	return dev.regs[regs.CR]&regs.CR_WDALM != 0
}

func (dev *Device) tod() uint32 {
	return le(dev.regs[regs.TOD0 : regs.TOD0+regs.TODSize])
}

func (dev *Device) setTOD(v uint32) {
	putLE(dev.regs[regs.TOD0:regs.TOD0+regs.TODSize], v)
}

func (dev *Device) counter() uint32 {
	return le(dev.regs[regs.WDALM0 : regs.WDALM0+regs.WDALMSize])
}

func (dev *Device) setCounter(v uint32) {
	putLE(dev.regs[regs.WDALM0:regs.WDALM0+regs.WDALMSize], v)
}

func touches(off int64, n int, reg int64, size int) bool {
	return off < reg+int64(size) && reg < off+int64(n)
}

func le(p []byte) uint32 {
	var v uint32
	for i := len(p) - 1; i >= 0; i-- {
		v = v<<8 | uint32(p[i])
	}
	return v
}

func putLE(p []byte, v uint32) {
	for i := range p {
		p[i] = byte(v)
		v >>= 8
	}
}

var (
	_ io.ReaderAt = (*Device)(nil)
	_ io.WriterAt = (*Device)(nil)
)
