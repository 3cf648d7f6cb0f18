// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ds1374

import (
	"fmt"
	"math"
	"time"

	"github.com/go-lpc/rtc/ds1374/internal/regs"
)

// decode converts the time-of-day counter into a UTC time.
func decode(v uint32) time.Time {
	return time.Unix(int64(v), 0).UTC()
}

// encode converts t into a time-of-day counter value.
// The counter is 32 bits wide: times after 2106-02-07 wrap around.
func encode(t time.Time) uint32 {
	return uint32(t.Unix())
}

// relative returns the number of seconds the alarm decrementer must count
// down to go off at time to, starting at time from.
// Times in the past yield 1, ie: fire as soon as possible.
func relative(from, to time.Time) uint32 {
	var (
		beg = from.Unix()
		end = to.Unix()
	)
	if end <= beg {
		return 1
	}
	d := end - beg
	if d > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(d)
}

// wdtTicks converts a watchdog timeout in seconds into 4096 Hz ticks.
func wdtTicks(sec uint32) (uint32, error) {
	ticks := uint64(sec) << regs.WDTShift
	if ticks < 1 || ticks > 1<<(8*regs.WDALMSize) {
		return 0, fmt.Errorf(
			"ds1374: watchdog timeout %ds out of range [1, %d]s: %w",
			sec, 1<<(8*regs.WDALMSize-regs.WDTShift), ErrInvalidArgument,
		)
	}
	return uint32(ticks), nil
}

// unpack decodes a little-endian register block.
func unpack(p []byte) uint32 {
	var v uint32
	for i := len(p) - 1; i >= 0; i-- {
		v = v<<8 | uint32(p[i])
	}
	return v
}

// pack encodes v into a little-endian register block, dropping the bits
// that do not fit.
func pack(p []byte, v uint32) {
	for i := range p {
		p[i] = byte(v)
		v >>= 8
	}
}
