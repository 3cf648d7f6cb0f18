// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-lpc/rtc/ds1374"
)

type clock interface {
	Time() (time.Time, error)
	SetTime(t time.Time) error
}

type alarmClock interface {
	clock
	Alarm() (ds1374.Alarm, error)
	SetAlarm(t time.Time, enabled bool) error
	SetAlarmEnabled(enabled bool) error
}

type watchdog interface {
	clock
	SetTimeout(sec uint32) error
	Timeout() uint32
	Ping()
	Enable() error
	Disable() error
}

var now = time.Now

func clockCmds(out io.Writer, clk clock) map[string]command {
	return map[string]command{
		"time": {
			help: "print the device time",
			run: func(args []string) error {
				t, err := clk.Time()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s\n", t.Format(time.RFC3339))
				return nil
			},
		},
		"set-time": {
			help: "set the device time: set-time [now|RFC3339]",
			run: func(args []string) error {
				t := now()
				if len(args) > 0 && args[0] != "now" {
					var err error
					t, err = parseTime(args[0], hostTime)
					if err != nil {
						return err
					}
				}
				return clk.SetTime(t)
			},
		},
	}
}

func newRTCShell(out io.Writer, rtc alarmClock) *shell {
	cmds := clockCmds(out, rtc)
	cmds["alarm"] = command{
		help: "print the alarm state",
		run: func(args []string) error {
			alrm, err := rtc.Alarm()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s enabled=%v pending=%v\n",
				alrm.Time.Format(time.RFC3339), alrm.Enabled, alrm.Pending,
			)
			return nil
		},
	}
	cmds["set-alarm"] = command{
		help: "program the alarm: set-alarm <+duration|RFC3339> [on|off]",
		run: func(args []string) error {
			if len(args) < 1 {
				return fmt.Errorf("missing alarm time")
			}
			t, err := parseTime(args[0], rtc.Time)
			if err != nil {
				return err
			}
			enabled := true
			if len(args) > 1 {
				enabled, err = parseSwitch(args[1])
				if err != nil {
					return err
				}
			}
			return rtc.SetAlarm(t, enabled)
		},
	}
	cmds["aie"] = command{
		help: "enable or disable the alarm interrupt: aie <on|off>",
		run: func(args []string) error {
			if len(args) < 1 {
				return fmt.Errorf("missing on/off argument")
			}
			enabled, err := parseSwitch(args[0])
			if err != nil {
				return err
			}
			return rtc.SetAlarmEnabled(enabled)
		},
	}
	return &shell{out: out, cmds: cmds}
}

func newWatchdogShell(out io.Writer, wdt watchdog) *shell {
	cmds := clockCmds(out, wdt)
	cmds["timeout"] = command{
		help: "print or set the watchdog timeout: timeout [seconds]",
		run: func(args []string) error {
			if len(args) == 0 {
				fmt.Fprintf(out, "%ds\n", wdt.Timeout())
				return nil
			}
			sec, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid timeout %q: %w", args[0], err)
			}
			return wdt.SetTimeout(uint32(sec))
		},
	}
	cmds["ping"] = command{
		help: "restart the watchdog countdown",
		run: func(args []string) error {
			wdt.Ping()
			return nil
		},
	}
	cmds["enable"] = command{
		help: "arm the watchdog",
		run:  func(args []string) error { return wdt.Enable() },
	}
	cmds["disable"] = command{
		help: "disarm the watchdog",
		run:  func(args []string) error { return wdt.Disable() },
	}
	return &shell{out: out, cmds: cmds}
}

func hostTime() (time.Time, error) { return now(), nil }

// parseTime parses an absolute RFC3339 time or a duration prefixed with '+',
// relative to the time returned by ref.
func parseTime(v string, ref func() (time.Time, error)) (time.Time, error) {
	if strings.HasPrefix(v, "+") {
		d, err := time.ParseDuration(v[1:])
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid duration %q: %w", v, err)
		}
		t, err := ref()
		if err != nil {
			return time.Time{}, fmt.Errorf("could not read reference time: %w", err)
		}
		return t.Add(d), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: %w", v, err)
	}
	return t, nil
}

func parseSwitch(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "on", "1", "true":
		return true, nil
	case "off", "0", "false":
		return false, nil
	}
	return false, fmt.Errorf("invalid switch value %q", v)
}
