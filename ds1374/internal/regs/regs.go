// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package regs holds the register map of the DS1374 real-time clock.
package regs // import "github.com/go-lpc/rtc/ds1374/internal/regs"

const (
	TOD0   = 0x00 // time of day, 4 bytes, seconds
	TOD1   = 0x01
	TOD2   = 0x02
	TOD3   = 0x03
	WDALM0 = 0x04 // watchdog/alarm counter, 3 bytes
	WDALM1 = 0x05
	WDALM2 = 0x06
	CR     = 0x07 // control
	SR     = 0x08 // status
	TCR    = 0x09 // trickle charge

	NumRegs = 0x0a
)

// control register bits.
const (
	CR_AIE   = 0x01 // alarm interrupt enable
	CR_WDALM = 0x20 // 1=watchdog, 0=alarm
	CR_WACE  = 0x40 // watchdog/alarm counter enable
)

// status register bits.
const (
	SR_AF  = 0x01 // alarm flag
	SR_OSF = 0x80 // oscillator stop flag
)

const (
	TODSize   = 4 // size in bytes of the time-of-day counter
	WDALMSize = 3 // size in bytes of the watchdog/alarm counter

	MaxBlock = 4 // largest register block transferred at once

	WDALMMax = 1<<(8*WDALMSize) - 1
)

// WDTShift converts seconds into watchdog ticks (4096 Hz).
const WDTShift = 12
