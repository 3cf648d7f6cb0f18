// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command ds1374-wdt keeps a DS1374 hardware watchdog alive.
//
// The watchdog is armed with the requested timeout and pinged periodically.
// When a process is supervised (-pid), pinging stops as soon as that process
// is gone so the watchdog expires and resets the board.
// On SIGINT or SIGTERM the watchdog is disarmed, unless -keep is set.
//
// Usage: ds1374-wdt [OPTIONS]
//
// Example:
//
//	$> ds1374-wdt -bus=1 -timeout=60 -pid=$(pidof eda-svc)
package main // import "github.com/go-lpc/rtc/cmd/ds1374-wdt"

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-lpc/rtc/ds1374"
	"github.com/go-lpc/rtc/internal/i2c"
	"github.com/sbinet/pmon"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

type config struct {
	timeout uint32        // watchdog timeout, in seconds
	freq    time.Duration // ping period
	pid     int           // supervised process, if any
	keep    bool          // leave the watchdog armed on exit

	pmon     bool
	pmonFreq time.Duration
	pmonOut  string
}

func main() {
	var (
		bus  = flag.Int("bus", 1, "I2C bus number")
		addr = flag.Uint("addr", 0x68, "I2C address of the DS1374")
		tmo  = flag.Uint("timeout", 32, "watchdog timeout in seconds")
		freq = flag.Duration("freq", 0, "ping period (default: timeout/4)")
		pid  = flag.Int("pid", 0, "PID of the supervised process")
		keep = flag.Bool("keep", false, "leave the watchdog armed on exit")

		doMon   = flag.Bool("pmon", false, "enable pmon monitoring of the supervised process")
		monFreq = flag.Duration("pmon-freq", 1*time.Second, "pmon frequency")
		monOut  = flag.String("pmon-out", "ds1374-wdt-pmon.log", "pmon output file")
	)

	log.SetPrefix("ds1374-wdt: ")
	log.SetFlags(0)

	flag.Parse()

	cfg := config{
		timeout:  uint32(*tmo),
		freq:     *freq,
		pid:      *pid,
		keep:     *keep,
		pmon:     *doMon,
		pmonFreq: *monFreq,
		pmonOut:  *monOut,
	}

	dev, err := i2c.Open(*bus, uint8(*addr))
	if err != nil {
		log.Fatalf("could not open DS1374 device: %+v", err)
	}
	defer dev.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	err = run(dev, cfg, stop)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

var errGone = errors.New("supervised process is gone")

func run(link ds1374.Link, cfg config, stop chan os.Signal) error {
	wdt, err := ds1374.NewWatchdog(link, ds1374.WithTimeout(cfg.timeout))
	if err != nil {
		return fmt.Errorf("could not arm watchdog: %w", err)
	}
	defer wdt.Close()

	freq := cfg.freq
	if freq <= 0 {
		freq = time.Duration(wdt.Timeout()) * time.Second / 4
	}
	log.Printf("watchdog armed: timeout=%ds, ping every %v", wdt.Timeout(), freq)

	if cfg.pmon {
		stop, err := monitor(cfg)
		if err != nil {
			return err
		}
		defer stop()
	}

	var grp errgroup.Group
	grp.Go(func() error {
		tck := time.NewTicker(freq)
		defer tck.Stop()

		for {
			select {
			case sig := <-stop:
				log.Printf("received %v", sig)
				if cfg.keep {
					log.Printf("leaving watchdog armed")
					return nil
				}
				err := wdt.Disable()
				if err != nil {
					return fmt.Errorf("could not disarm watchdog: %w", err)
				}
				log.Printf("watchdog disarmed")
				return nil

			case <-tck.C:
				if cfg.pid > 0 && !alive(cfg.pid) {
					return fmt.Errorf("pid=%d: %w", cfg.pid, errGone)
				}
				wdt.Ping()
			}
		}
	})

	err = grp.Wait()
	if err != nil {
		return fmt.Errorf("could not keep watchdog alive: %w", err)
	}
	return nil
}

// monitor starts pmon on the supervised process, or on this one.
// The returned function stops the monitoring.
func monitor(cfg config) (func(), error) {
	pid := cfg.pid
	if pid <= 0 {
		pid = os.Getpid()
	}

	p, err := pmon.Monitor(pid)
	if err != nil {
		return nil, fmt.Errorf("could not start monitoring pid=%d: %w", pid, err)
	}
	f, err := os.Create(cfg.pmonOut)
	if err != nil {
		return nil, fmt.Errorf("could not create pmon log file: %w", err)
	}
	p.W = f
	p.Freq = cfg.pmonFreq

	go func() {
		log.Printf("run pmon pid=%d...", pid)
		err := p.Run()
		if err != nil {
			log.Printf("could not monitor pid=%d: %+v", pid, err)
		}
	}()

	stop := func() {
		err := p.Kill()
		if err != nil {
			log.Printf("could not stop monitoring pid=%d: %+v", pid, err)
		}
		err = f.Close()
		if err != nil {
			log.Printf("could not close pmon log file: %+v", err)
		}
	}
	return stop, nil
}

func alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
