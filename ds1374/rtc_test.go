// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ds1374

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-lpc/rtc/ds1374/internal/fakedev"
	"github.com/go-lpc/rtc/ds1374/internal/regs"
)

func newTestRTC(t *testing.T, hw *fakedev.Device, opts ...Option) (*RTC, *fakedev.Line, *counter, *syncBuffer) {
	t.Helper()

	var (
		line     = fakedev.NewLine()
		notify   = newCounter()
		msg, buf = newMsg()
	)
	hw.IRQ = line

	opts = append([]Option{
		WithIRQ(line),
		WithNotifier(notify),
		WithMsgStream(msg),
	}, opts...)

	rtc, err := NewRTC(hw, opts...)
	if err != nil {
		t.Fatalf("could not create rtc: %+v", err)
	}
	line.Handle(rtc.Interrupt)
	hw.Trace()

	return rtc, line, notify, buf
}

func TestStatusGate(t *testing.T) {
	for _, tc := range []struct {
		name string
		sr   byte
		cr   byte
		warn bool
	}{
		{name: "clean"},
		{name: "osf", sr: regs.SR_OSF, warn: true},
		{name: "af", sr: regs.SR_AF},
		{name: "osf-af", sr: regs.SR_OSF | regs.SR_AF, warn: true},
		{name: "alarm-armed", sr: regs.SR_AF, cr: regs.CR_WACE | regs.CR_AIE},
		{name: "wdt-armed", cr: regs.CR_WACE | regs.CR_WDALM},
		{name: "all", sr: 0xff, cr: 0xff, warn: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			hw := fakedev.New(map[uint8]byte{
				regs.SR: tc.sr,
				regs.CR: tc.cr,
			})
			msg, buf := newMsg()

			rtc, err := NewRTC(hw, WithMsgStream(msg))
			if err != nil {
				t.Fatalf("could not create rtc: %+v", err)
			}
			defer rtc.Close()

			if got := hw.Reg(regs.SR) & (regs.SR_OSF | regs.SR_AF); got != 0 {
				t.Fatalf("status flags not cleared: sr=0x%x", got)
			}
			if got := hw.Reg(regs.CR) & (regs.CR_WACE | regs.CR_AIE); got != 0 {
				t.Fatalf("control bits not cleared: cr=0x%x", got)
			}
			if got, want := hw.Reg(regs.CR)&regs.CR_WDALM, tc.cr&regs.CR_WDALM; got != want {
				t.Fatalf("invalid WDALM bit: got=0x%x, want=0x%x", got, want)
			}

			warned := strings.Contains(buf.String(), "oscillator discontinuity")
			if warned != tc.warn {
				t.Fatalf("invalid OSF diagnostic: got=%v, want=%v\n%s", warned, tc.warn, buf.String())
			}
		})
	}
}

func TestStatusGateErrors(t *testing.T) {
	for _, tc := range []struct {
		name  string
		fault fakedev.Fault
		want  string
	}{
		{
			name:  "read-sr",
			fault: fakedev.Fault{Op: "r", Reg: regs.SR, Err: io.ErrClosedPipe},
			want:  "ds1374: could not check device status: ds1374: could not read 1 byte(s) at register 0x08: io: read/write on closed pipe",
		},
		{
			name:  "write-sr",
			fault: fakedev.Fault{Op: "w", Reg: regs.SR, Err: io.ErrClosedPipe},
			want:  "ds1374: could not check device status: ds1374: could not write 1 byte(s) at register 0x08: io: read/write on closed pipe",
		},
		{
			name:  "read-cr",
			fault: fakedev.Fault{Op: "r", Reg: regs.CR},
			want:  "ds1374: could not check device status: ds1374: could not read 1 byte(s) at register 0x07: unexpected EOF",
		},
		{
			name:  "write-cr",
			fault: fakedev.Fault{Op: "w", Reg: regs.CR},
			want:  "ds1374: could not check device status: ds1374: could not write 1 byte(s) at register 0x07: short write",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			hw := fakedev.New(nil)
			hw.Inject(tc.fault)
			msg, _ := newMsg()

			_, err := NewRTC(hw, WithMsgStream(msg))
			if err == nil {
				t.Fatalf("expected an error")
			}
			if !errors.Is(err, ErrBus) {
				t.Fatalf("error does not match ErrBus: %+v", err)
			}
			if got, want := err.Error(), tc.want; got != want {
				t.Fatalf("invalid error:\ngot= %s\nwant=%s", got, want)
			}
		})
	}

	t.Run("nil-link", func(t *testing.T) {
		_, err := NewRTC(nil)
		if err == nil {
			t.Fatalf("expected an error")
		}
	})
}

func TestTime(t *testing.T) {
	hw := fakedev.New(nil)
	hw.SetTime(1000)
	rtc, _, _, _ := newTestRTC(t, hw)
	defer rtc.Close()

	got, err := rtc.Time()
	if err != nil {
		t.Fatalf("could not read time: %+v", err)
	}
	if want := time.Unix(1000, 0).UTC(); !got.Equal(want) {
		t.Fatalf("invalid time: got=%v, want=%v", got, want)
	}

	want := time.Date(2021, time.March, 4, 5, 6, 7, 0, time.UTC)
	err = rtc.SetTime(want)
	if err != nil {
		t.Fatalf("could not set time: %+v", err)
	}
	if got, want := hw.Time(), uint32(want.Unix()); got != want {
		t.Fatalf("invalid time counter: got=%d, want=%d", got, want)
	}

	got, err = rtc.Time()
	if err != nil {
		t.Fatalf("could not read time: %+v", err)
	}
	if !got.Equal(want) {
		t.Fatalf("invalid time: got=%v, want=%v", got, want)
	}

	hw.Tick(5)
	got, err = rtc.Time()
	if err != nil {
		t.Fatalf("could not read time: %+v", err)
	}
	if want := want.Add(5 * time.Second); !got.Equal(want) {
		t.Fatalf("invalid time: got=%v, want=%v", got, want)
	}
}

func TestTimeErrors(t *testing.T) {
	hw := fakedev.New(nil)
	rtc, _, _, _ := newTestRTC(t, hw)
	defer rtc.Close()

	for _, tc := range []struct {
		name  string
		fault fakedev.Fault
		f     func() error
		want  error
	}{
		{
			name:  "short-read",
			fault: fakedev.Fault{Op: "r", Reg: regs.TOD0, N: 3},
			f: func() error {
				_, err := rtc.Time()
				return err
			},
			want: io.ErrUnexpectedEOF,
		},
		{
			name:  "read-err",
			fault: fakedev.Fault{Op: "r", Reg: regs.TOD0, N: 4, Err: io.ErrClosedPipe},
			f: func() error {
				_, err := rtc.Time()
				return err
			},
			want: io.ErrClosedPipe,
		},
		{
			name:  "short-write",
			fault: fakedev.Fault{Op: "w", Reg: regs.TOD0, N: 2},
			f: func() error {
				return rtc.SetTime(time.Unix(42, 0))
			},
			want: io.ErrShortWrite,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			hw.Inject(tc.fault)
			err := tc.f()
			if err == nil {
				t.Fatalf("expected an error")
			}
			if !errors.Is(err, ErrBus) {
				t.Fatalf("error does not match ErrBus: %+v", err)
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("error does not match %v: %+v", tc.want, err)
			}
			var berr *BusError
			if !errors.As(err, &berr) {
				t.Fatalf("error is not a bus error: %+v", err)
			}
			if got, want := berr.Reg, uint8(regs.TOD0); got != want {
				t.Fatalf("invalid register: got=0x%x, want=0x%x", got, want)
			}
		})
	}
}

func TestSetAlarm(t *testing.T) {
	hw := fakedev.New(nil)
	hw.SetTime(1000)
	rtc, _, _, _ := newTestRTC(t, hw)
	defer rtc.Close()

	want := time.Unix(1010, 0).UTC()
	err := rtc.SetAlarm(want, true)
	if err != nil {
		t.Fatalf("could not set alarm: %+v", err)
	}

	trace := hw.Trace()
	if got, want := fmt.Sprint(trace), "[r 0x00 e8030000 r 0x07 00 w 0x07 00 w 0x04 0a0000 w 0x07 41]"; got != want {
		t.Fatalf("invalid register sequence:\ngot= %s\nwant=%s", got, want)
	}

	if got, want := hw.Counter(), uint32(10); got != want {
		t.Fatalf("invalid alarm counter: got=%d, want=%d", got, want)
	}
	cr := hw.Reg(regs.CR)
	if cr&regs.CR_WACE == 0 || cr&regs.CR_AIE == 0 || cr&regs.CR_WDALM != 0 {
		t.Fatalf("invalid control register: cr=0x%x", cr)
	}

	alrm, err := rtc.Alarm()
	if err != nil {
		t.Fatalf("could not read alarm: %+v", err)
	}
	if got, want := alrm, (Alarm{Time: want, Enabled: true, Pending: false}); !got.Time.Equal(want.Time) ||
		got.Enabled != want.Enabled || got.Pending != want.Pending {
		t.Fatalf("invalid alarm:\ngot= %+v\nwant=%+v", got, want)
	}
}

func TestSetAlarmCases(t *testing.T) {
	for _, tc := range []struct {
		name    string
		cr      byte
		target  int64
		enabled bool
		cnt     uint32
		wantCR  byte
		err     error
	}{
		{
			name:    "future",
			target:  1100,
			enabled: true,
			cnt:     100,
			wantCR:  regs.CR_WACE | regs.CR_AIE,
		},
		{
			name:    "now",
			target:  1000,
			enabled: true,
			cnt:     1,
			wantCR:  regs.CR_WACE | regs.CR_AIE,
		},
		{
			name:    "past",
			target:  10,
			enabled: true,
			cnt:     1,
			wantCR:  regs.CR_WACE | regs.CR_AIE,
		},
		{
			name:   "disabled",
			target: 1042,
			cnt:    42,
			wantCR: 0,
		},
		{
			name:    "from-watchdog",
			cr:      regs.CR_WDALM,
			target:  1005,
			enabled: true,
			cnt:     5,
			wantCR:  regs.CR_WACE | regs.CR_AIE,
		},
		{
			name:    "max",
			target:  1000 + regs.WDALMMax,
			enabled: true,
			cnt:     regs.WDALMMax,
			wantCR:  regs.CR_WACE | regs.CR_AIE,
		},
		{
			name:    "overflow",
			target:  1000 + regs.WDALMMax + 1,
			enabled: true,
			err:     ErrInvalidArgument,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			hw := fakedev.New(nil)
			hw.SetTime(1000)
			rtc, _, _, _ := newTestRTC(t, hw)
			defer rtc.Close()
			hw.SetReg(regs.CR, tc.cr)

			err := rtc.SetAlarm(time.Unix(tc.target, 0), tc.enabled)
			switch {
			case err != nil && tc.err != nil:
				if !errors.Is(err, tc.err) {
					t.Fatalf("invalid error: got=%+v, want=%+v", err, tc.err)
				}
				if w := hw.Writes(regs.CR); len(w) != 0 {
					t.Fatalf("control register written on invalid alarm: %x", w)
				}
				return
			case err != nil:
				t.Fatalf("could not set alarm: %+v", err)
			case tc.err != nil:
				t.Fatalf("expected an error")
			}

			if got, want := hw.Counter(), tc.cnt; got != want {
				t.Fatalf("invalid counter: got=%d, want=%d", got, want)
			}
			if got, want := hw.Reg(regs.CR), tc.wantCR; got != want {
				t.Fatalf("invalid control register: got=0x%x, want=0x%x", got, want)
			}

			alrm, err := rtc.Alarm()
			if err != nil {
				t.Fatalf("could not read alarm: %+v", err)
			}
			if got, want := alrm.Enabled, tc.enabled; got != want {
				t.Fatalf("invalid enabled state: got=%v, want=%v", got, want)
			}
			if got, want := alrm.Time.Unix(), int64(1000+tc.cnt); got != want {
				t.Fatalf("invalid alarm time: got=%d, want=%d", got, want)
			}
		})
	}
}

func TestSetAlarmFailures(t *testing.T) {
	for _, tc := range []struct {
		name  string
		fault fakedev.Fault
		armed bool // whether the alarm ends up armed.
	}{
		{
			name:  "read-time",
			fault: fakedev.Fault{Op: "r", Reg: regs.TOD0, Err: io.ErrClosedPipe},
			armed: true,
		},
		{
			name:  "read-cr",
			fault: fakedev.Fault{Op: "r", Reg: regs.CR, Err: io.ErrClosedPipe},
			armed: true,
		},
		{
			name:  "disarm",
			fault: fakedev.Fault{Op: "w", Reg: regs.CR, Err: io.ErrClosedPipe},
			armed: true,
		},
		{
			name:  "write-counter",
			fault: fakedev.Fault{Op: "w", Reg: regs.WDALM0, N: 1, Err: io.ErrClosedPipe},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			hw := fakedev.New(nil)
			hw.SetTime(1000)
			rtc, _, _, _ := newTestRTC(t, hw)
			defer rtc.Close()

			err := rtc.SetAlarm(time.Unix(2000, 0), true)
			if err != nil {
				t.Fatalf("could not set alarm: %+v", err)
			}

			hw.Inject(tc.fault)
			err = rtc.SetAlarm(time.Unix(3000, 0), true)
			if !errors.Is(err, ErrBus) {
				t.Fatalf("invalid error: got=%+v, want=%+v", err, ErrBus)
			}

			armed := hw.Reg(regs.CR)&regs.CR_WACE != 0
			if armed != tc.armed {
				t.Fatalf("invalid counter state: armed=%v, want=%v", armed, tc.armed)
			}
		})
	}
}

func TestSetAlarmEnabled(t *testing.T) {
	hw := fakedev.New(nil)
	hw.SetTime(1000)
	rtc, _, _, _ := newTestRTC(t, hw)
	defer rtc.Close()

	err := rtc.SetAlarm(time.Unix(1060, 0), false)
	if err != nil {
		t.Fatalf("could not set alarm: %+v", err)
	}

	for i, tc := range []struct {
		cr      byte
		enabled bool
		want    byte
	}{
		{cr: 0, enabled: true, want: regs.CR_WACE | regs.CR_AIE},
		{cr: regs.CR_WACE | regs.CR_AIE, enabled: false, want: regs.CR_AIE},
		{cr: regs.CR_WDALM, enabled: true, want: regs.CR_WACE | regs.CR_AIE},
		{cr: regs.CR_WDALM | regs.CR_WACE, enabled: false, want: regs.CR_WDALM},
		{cr: 0, enabled: false, want: 0},
	} {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			hw.SetReg(regs.CR, tc.cr)
			err := rtc.SetAlarmEnabled(tc.enabled)
			if err != nil {
				t.Fatalf("could not enable alarm: %+v", err)
			}
			if got, want := hw.Reg(regs.CR), tc.want; got != want {
				t.Fatalf("invalid control register: got=0x%x, want=0x%x", got, want)
			}
			if got, want := hw.Counter(), uint32(60); got != want {
				t.Fatalf("alarm counter modified: got=%d, want=%d", got, want)
			}
		})
	}

	hw.Inject(fakedev.Fault{Op: "w", Reg: regs.CR, Err: io.ErrClosedPipe})
	err = rtc.SetAlarmEnabled(true)
	if !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("invalid error: %+v", err)
	}
}

func TestAlarmUnsupported(t *testing.T) {
	hw := fakedev.New(nil)
	msg, _ := newMsg()
	rtc, err := NewRTC(hw, WithMsgStream(msg))
	if err != nil {
		t.Fatalf("could not create rtc: %+v", err)
	}
	defer rtc.Close()
	hw.Trace()

	for _, tc := range []struct {
		name string
		f    func() error
	}{
		{
			name: "alarm",
			f: func() error {
				_, err := rtc.Alarm()
				return err
			},
		},
		{
			name: "set-alarm",
			f: func() error {
				return rtc.SetAlarm(time.Unix(1, 0), true)
			},
		},
		{
			name: "set-alarm-enabled",
			f: func() error {
				return rtc.SetAlarmEnabled(true)
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.f()
			if !errors.Is(err, ErrUnsupported) {
				t.Fatalf("invalid error: got=%+v, want=%+v", err, ErrUnsupported)
			}
		})
	}

	if trace := hw.Trace(); len(trace) != 0 {
		t.Fatalf("device accessed by unsupported operations: %v", trace)
	}

	// no line: nothing to do.
	rtc.Interrupt()

	if _, err := rtc.Time(); err != nil {
		t.Fatalf("could not read time: %+v", err)
	}
}

func TestReadAlarmErrors(t *testing.T) {
	for _, reg := range []uint8{regs.CR, regs.SR, regs.TOD0, regs.WDALM0} {
		t.Run(fmt.Sprintf("0x%02x", reg), func(t *testing.T) {
			hw := fakedev.New(nil)
			rtc, _, _, _ := newTestRTC(t, hw)
			defer rtc.Close()

			hw.Inject(fakedev.Fault{Op: "r", Reg: reg, Err: io.ErrClosedPipe})
			_, err := rtc.Alarm()
			if !errors.Is(err, ErrBus) {
				t.Fatalf("invalid error: got=%+v, want=%+v", err, ErrBus)
			}
		})
	}
}

func TestBottomHalf(t *testing.T) {
	for _, tc := range []struct {
		name    string
		sr      byte
		cr      byte
		exiting bool
		fault   *fakedev.Fault
		fired   int
		enabled bool
		wantSR  byte
		wantCR  byte
		log     string
	}{
		{
			name:    "fired",
			sr:      regs.SR_AF,
			cr:      regs.CR_WACE | regs.CR_AIE,
			fired:   1,
			enabled: true,
		},
		{
			name:    "spurious",
			cr:      regs.CR_WACE | regs.CR_AIE,
			enabled: true,
			wantCR:  regs.CR_WACE | regs.CR_AIE,
		},
		{
			name:    "exiting",
			sr:      regs.SR_AF,
			cr:      regs.CR_WACE | regs.CR_AIE,
			exiting: true,
			fired:   1,
			enabled: false,
		},
		{
			name:    "exiting-spurious",
			exiting: true,
			enabled: false,
		},
		{
			name:    "read-sr-failure",
			sr:      regs.SR_AF,
			cr:      regs.CR_WACE | regs.CR_AIE,
			fault:   &fakedev.Fault{Op: "r", Reg: regs.SR, Err: io.ErrClosedPipe},
			enabled: true,
			wantSR:  regs.SR_AF,
			wantCR:  regs.CR_WACE | regs.CR_AIE,
			log:     "could not handle alarm interrupt",
		},
		{
			name:    "write-cr-failure",
			sr:      regs.SR_AF,
			cr:      regs.CR_WACE | regs.CR_AIE,
			fault:   &fakedev.Fault{Op: "w", Reg: regs.CR, Err: io.ErrClosedPipe},
			enabled: true,
			wantCR:  regs.CR_WACE | regs.CR_AIE,
			log:     "could not handle alarm interrupt",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			hw := fakedev.New(nil)
			rtc, line, notify, buf := newTestRTC(t, hw)
			defer rtc.Close()

			hw.SetReg(regs.SR, tc.sr)
			hw.SetReg(regs.CR, tc.cr)
			if tc.fault != nil {
				hw.Inject(*tc.fault)
			}

			line.Disable()
			rtc.dev.mu.Lock()
			rtc.dev.exiting = tc.exiting
			rtc.dev.mu.Unlock()

			rtc.dev.bottomHalf()

			if got, want := notify.count(), tc.fired; got != want {
				t.Fatalf("invalid number of notifications: got=%d, want=%d", got, want)
			}
			if got, want := line.Enabled(), tc.enabled; got != want {
				t.Fatalf("invalid line state: got=%v, want=%v", got, want)
			}
			if got, want := hw.Reg(regs.SR), tc.wantSR; got != want {
				t.Fatalf("invalid status register: got=0x%x, want=0x%x", got, want)
			}
			if got, want := hw.Reg(regs.CR), tc.wantCR; got != want {
				t.Fatalf("invalid control register: got=0x%x, want=0x%x", got, want)
			}
			if tc.log != "" && !strings.Contains(buf.String(), tc.log) {
				t.Fatalf("missing diagnostic %q:\n%s", tc.log, buf.String())
			}
		})
	}
}

func TestAlarmInterrupt(t *testing.T) {
	hw := fakedev.New(nil)
	hw.SetTime(1000)
	rtc, line, notify, _ := newTestRTC(t, hw)
	defer rtc.Close()

	if !line.Enabled() {
		t.Fatalf("interrupt line not enabled at attach")
	}

	err := rtc.SetAlarm(time.Unix(1003, 0), true)
	if err != nil {
		t.Fatalf("could not set alarm: %+v", err)
	}

	hw.Tick(2)
	select {
	case <-notify.c:
		t.Fatalf("alarm fired too early")
	default:
	}

	hw.Tick(1)
	select {
	case <-notify.c:
	case <-time.After(5 * time.Second):
		t.Fatalf("alarm did not fire")
	}

	if got, want := notify.count(), 1; got != want {
		t.Fatalf("invalid number of notifications: got=%d, want=%d", got, want)
	}
	if !line.Enabled() {
		t.Fatalf("interrupt line not re-enabled")
	}

	alrm, err := rtc.Alarm()
	if err != nil {
		t.Fatalf("could not read alarm: %+v", err)
	}
	if alrm.Enabled || alrm.Pending {
		t.Fatalf("alarm not acknowledged: %+v", alrm)
	}
	if got := hw.Reg(regs.CR) & (regs.CR_WACE | regs.CR_AIE); got != 0 {
		t.Fatalf("alarm not disarmed: cr=0x%x", got)
	}

	// one-shot: no further expiry.
	hw.Tick(10)
	select {
	case <-notify.c:
		t.Fatalf("disarmed alarm fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotifierClose(t *testing.T) {
	hw := fakedev.New(nil)
	hw.SetTime(1000)

	var (
		rtc  *RTC
		done = make(chan error, 1)
	)
	// closing from AlarmExpired would wait on the handler itself:
	// the listener hands the teardown over to another goroutine.
	closer := NotifierFunc(func() {
		go func() { done <- rtc.Close() }()
	})

	rtc, line, _, _ := newTestRTC(t, hw, WithNotifier(closer))

	err := rtc.SetAlarm(time.Unix(1001, 0), true)
	if err != nil {
		t.Fatalf("could not set alarm: %+v", err)
	}
	hw.Tick(1)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("could not close rtc: %+v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("close from notifier did not complete")
	}

	if !line.Closed() {
		t.Fatalf("interrupt line not released")
	}
}

func TestClose(t *testing.T) {
	hw := fakedev.New(nil)
	rtc, line, notify, _ := newTestRTC(t, hw)

	hw.SetReg(regs.SR, regs.SR_AF)
	hw.SetReg(regs.CR, regs.CR_WACE|regs.CR_AIE)

	err := rtc.Close()
	if err != nil {
		t.Fatalf("could not close rtc: %+v", err)
	}
	if !line.Closed() {
		t.Fatalf("interrupt line not released")
	}

	// interrupts racing with teardown are harmless.
	rtc.Interrupt()
	rtc.Interrupt()

	if got, want := notify.count(), 0; got != want {
		t.Fatalf("notification after close: got=%d, want=%d", got, want)
	}
	if line.Enabled() {
		t.Fatalf("interrupt line re-enabled after close")
	}

	err = rtc.Close()
	if err != nil {
		t.Fatalf("could not close rtc twice: %+v", err)
	}
}

func TestCloseDrains(t *testing.T) {
	hw := fakedev.New(nil)
	rtc, line, notify, _ := newTestRTC(t, hw)

	hw.SetReg(regs.SR, regs.SR_AF)
	hw.SetReg(regs.CR, regs.CR_WACE|regs.CR_AIE)

	// hold the lock so the bottom half is in flight when Close is called.
	rtc.dev.mu.Lock()
	rtc.Interrupt()

	done := make(chan error)
	go func() {
		done <- rtc.Close()
	}()

	time.Sleep(20 * time.Millisecond)
	rtc.dev.mu.Unlock()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("could not close rtc: %+v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("close did not return")
	}

	if line.Enabled() {
		t.Fatalf("interrupt line re-enabled during teardown")
	}
	if n := notify.count(); n > 1 {
		t.Fatalf("too many notifications: %d", n)
	}

	// no bottom half may run once Close returned.
	n := len(hw.Trace())
	time.Sleep(20 * time.Millisecond)
	if got := len(hw.Trace()); got != 0 {
		t.Fatalf("device accessed after close (%d, %d)", n, got)
	}
}

func TestConcurrentAccess(t *testing.T) {
	hw := fakedev.New(nil)
	hw.SetTime(1000)
	rtc, _, _, _ := newTestRTC(t, hw)
	defer rtc.Close()

	var (
		wg   sync.WaitGroup
		errc = make(chan error, 64)
	)
	for i := 0; i < 8; i++ {
		wg.Add(3)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if err := rtc.SetAlarm(time.Unix(int64(2000+i), 0), j%2 == 0); err != nil {
					errc <- err
					return
				}
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := rtc.Alarm(); err != nil {
					errc <- err
					return
				}
				if _, err := rtc.Time(); err != nil {
					errc <- err
					return
				}
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				rtc.Interrupt()
			}
		}()
	}
	wg.Wait()
	close(errc)

	for err := range errc {
		t.Errorf("concurrent access failed: %+v", err)
	}

	// every alarm program leaves a consistent counter.
	cnt := hw.Counter()
	if cnt < 1000 || cnt > 1007 {
		t.Fatalf("invalid alarm counter: %d", cnt)
	}
}
