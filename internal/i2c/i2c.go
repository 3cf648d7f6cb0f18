// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package i2c gives register access to I2C devices through the Linux
// SMBus interface.
package i2c // import "github.com/go-lpc/rtc/internal/i2c"

import (
	"fmt"
	"io"

	"github.com/go-daq/smbus"
)

// maxBlock is the largest SMBus I2C block transfer.
const maxBlock = 32

type smbusConn interface {
	ReadReg(addr, reg uint8) (uint8, error)
	WriteReg(addr, reg, v uint8) error
	ReadBlockData(addr, reg uint8, buf []byte) error
	WriteBlockData(addr, reg uint8, buf []byte) error
	io.Closer
}

var (
	smbusOpen = smbusOpenImpl
)

func smbusOpenImpl(bus int, addr uint8) (smbusConn, error) {
	conn, err := smbus.Open(bus, addr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Device is an I2C device on a SMBus adapter.
//
// Device implements io.ReaderAt and io.WriterAt: offsets are register
// addresses.
type Device struct {
	bus  int
	addr uint8
	conn smbusConn
}

// Open opens the device at address addr on the I2C bus number bus
// (ie: /dev/i2c-<bus>).
func Open(bus int, addr uint8) (*Device, error) {
	conn, err := smbusOpen(bus, addr)
	if err != nil {
		return nil, fmt.Errorf("i2c: could not open SMBus device (bus=%d, addr=0x%x): %w", bus, addr, err)
	}
	return &Device{bus: bus, addr: addr, conn: conn}, nil
}

// Close closes the underlying SMBus connection.
func (dev *Device) Close() error {
	return dev.conn.Close()
}

func (dev *Device) String() string {
	return fmt.Sprintf("i2c-%d@0x%02x", dev.bus, dev.addr)
}

// ReadAt reads len(p) bytes starting at register off.
func (dev *Device) ReadAt(p []byte, off int64) (int, error) {
	reg, err := register(off, len(p))
	if err != nil {
		return 0, err
	}

	switch len(p) {
	case 0:
		return 0, nil
	case 1:
		v, err := dev.conn.ReadReg(dev.addr, reg)
		if err != nil {
			return 0, fmt.Errorf("i2c: could not read register 0x%x: %w", reg, err)
		}
		p[0] = v
		return 1, nil
	}

	err = dev.conn.ReadBlockData(dev.addr, reg, p)
	if err != nil {
		return 0, fmt.Errorf("i2c: could not read %d bytes at register 0x%x: %w", len(p), reg, err)
	}
	return len(p), nil
}

// WriteAt writes p starting at register off.
func (dev *Device) WriteAt(p []byte, off int64) (int, error) {
	reg, err := register(off, len(p))
	if err != nil {
		return 0, err
	}

	switch len(p) {
	case 0:
		return 0, nil
	case 1:
		err = dev.conn.WriteReg(dev.addr, reg, p[0])
		if err != nil {
			return 0, fmt.Errorf("i2c: could not write register (0x%x, 0x%x): %w", reg, p[0], err)
		}
		return 1, nil
	}

	err = dev.conn.WriteBlockData(dev.addr, reg, p)
	if err != nil {
		return 0, fmt.Errorf("i2c: could not write %d bytes at register 0x%x: %w", len(p), reg, err)
	}
	return len(p), nil
}

func register(off int64, n int) (uint8, error) {
	if off < 0 || off > 0xff {
		return 0, fmt.Errorf("i2c: invalid register 0x%x", off)
	}
	if n > maxBlock {
		return 0, fmt.Errorf("i2c: block of %d bytes too large (max=%d)", n, maxBlock)
	}
	return uint8(off), nil
}

var (
	_ io.ReaderAt = (*Device)(nil)
	_ io.WriterAt = (*Device)(nil)
	_ io.Closer   = (*Device)(nil)
)
