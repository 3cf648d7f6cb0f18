// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command ds1374-ctl is an interactive shell to a DS1374 real-time clock.
//
// Usage: ds1374-ctl [OPTIONS]
//
// Example:
//
//	$> ds1374-ctl -bus=1 -gpio=17
//	ds1374> time
//	2021-03-04T05:06:07Z
//	ds1374> set-alarm +10s
//	ds1374> alarm
//	2021-03-04T05:06:17Z enabled=true pending=false
//
//	$> ds1374-ctl -bus=1 -wdt
//	ds1374> timeout 60
//	ds1374> ping
//
// With -wdt, attaching arms the watchdog and the shell does not ping it on
// its own. The watchdog is disarmed on exit unless -keep is set.
package main // import "github.com/go-lpc/rtc/cmd/ds1374-ctl"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/go-lpc/rtc/ds1374"
	"github.com/go-lpc/rtc/internal/gpio"
	"github.com/go-lpc/rtc/internal/i2c"
	"github.com/peterh/liner"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		bus  = flag.Int("bus", 1, "I2C bus number")
		addr = flag.Uint("addr", 0x68, "I2C address of the DS1374")
		pin  = flag.Int("gpio", -1, "GPIO pin wired to the DS1374 INT output (-1: none)")
		wdt  = flag.Bool("wdt", false, "drive the DS1374 as a watchdog")
		keep = flag.Bool("keep", false, "leave the watchdog armed on exit (with -wdt)")
	)

	log.SetPrefix("ds1374-ctl: ")
	log.SetFlags(0)

	flag.Parse()

	err := run(*bus, uint8(*addr), *pin, *wdt, *keep)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(bus int, addr uint8, pin int, wdt, keep bool) error {
	dev, err := i2c.Open(bus, addr)
	if err != nil {
		return fmt.Errorf("could not open DS1374 device: %w", err)
	}
	defer dev.Close()

	if wdt {
		return runWatchdog(dev, os.Stdout, keep)
	}
	return runRTC(dev, pin, os.Stdout)
}

func runWatchdog(dev *i2c.Device, out io.Writer, keep bool) error {
	wdt, err := ds1374.NewWatchdog(dev)
	if err != nil {
		return fmt.Errorf("could not attach watchdog to %v: %w", dev, err)
	}

	err = newWatchdogShell(out, wdt).loop()
	if e := detach(wdt, keep); e != nil && err == nil {
		err = e
	}
	return err
}

type closer interface {
	Disable() error
	Close() error
}

// detach disarms the watchdog, unless keep is set, and releases it.
func detach(wdt closer, keep bool) error {
	var err error
	if !keep {
		err = wdt.Disable()
		if err != nil {
			err = fmt.Errorf("could not disarm watchdog: %w", err)
		}
	}
	if e := wdt.Close(); e != nil && err == nil {
		err = fmt.Errorf("could not close watchdog: %w", e)
	}
	return err
}

func runRTC(dev *i2c.Device, pin int, out io.Writer) error {
	var (
		opts []ds1374.Option
		line *gpio.Line
		err  error
	)

	if pin >= 0 {
		line, err = gpio.Open(pin, gpio.Falling)
		if err != nil {
			return fmt.Errorf("could not open interrupt line: %w", err)
		}
		opts = append(opts,
			ds1374.WithIRQ(line),
			ds1374.WithNotifier(ds1374.NotifierFunc(func() {
				fmt.Fprintf(out, "\nalarm expired\n")
			})),
		)
	}

	rtc, err := ds1374.NewRTC(dev, opts...)
	if err != nil {
		if line != nil {
			_ = line.Close()
		}
		return fmt.Errorf("could not attach rtc to %v: %w", dev, err)
	}

	var grp errgroup.Group
	if line != nil {
		grp.Go(func() error {
			return line.Watch(context.Background(), rtc.Interrupt)
		})
	}

	err = newRTCShell(out, rtc).loop()
	if e := rtc.Close(); e != nil && err == nil {
		err = fmt.Errorf("could not close rtc: %w", e)
	}
	if e := grp.Wait(); e != nil && !errors.Is(e, gpio.ErrClosed) && err == nil {
		err = fmt.Errorf("could not watch interrupt line: %w", e)
	}
	return err
}

type shell struct {
	out  io.Writer
	cmds map[string]command
}

type command struct {
	help string
	run  func(args []string) error
}

func (sh *shell) names() []string {
	names := make([]string, 0, len(sh.cmds))
	for name := range sh.cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (sh *shell) loop() error {
	term := liner.NewLiner()
	defer term.Close()

	term.SetCtrlCAborts(true)
	term.SetCompleter(func(line string) []string {
		var o []string
		for _, name := range sh.names() {
			if strings.HasPrefix(name, line) {
				o = append(o, name)
			}
		}
		return o
	})

	for {
		line, err := term.Prompt("ds1374> ")
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				return nil
			}
			return fmt.Errorf("could not read command: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		term.AppendHistory(line)

		err = sh.exec(line)
		switch {
		case errors.Is(err, errQuit):
			return nil
		case err != nil:
			fmt.Fprintf(sh.out, "error: %+v\n", err)
		}
	}
}

var errQuit = errors.New("quit")

func (sh *shell) exec(line string) error {
	toks := strings.Fields(line)
	if len(toks) == 0 {
		return nil
	}

	switch name := toks[0]; name {
	case "quit", "exit":
		return errQuit
	case "help":
		for _, name := range sh.names() {
			fmt.Fprintf(sh.out, "%-18s %s\n", name, sh.cmds[name].help)
		}
		return nil
	default:
		cmd, ok := sh.cmds[name]
		if !ok {
			return fmt.Errorf("unknown command %q", name)
		}
		return cmd.run(toks[1:])
	}
}
