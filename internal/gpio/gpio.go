// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gpio provides interrupt lines backed by the Linux sysfs GPIO
// interface.
package gpio // import "github.com/go-lpc/rtc/internal/gpio"

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// Edge selects which signal transition raises an interrupt.
type Edge string

const (
	Rising  Edge = "rising"
	Falling Edge = "falling"
	Both    Edge = "both"
)

const (
	sysfs = "/sys/class/gpio"

	pollTimeout = 100 * time.Millisecond
)

// ErrClosed is returned by operations on a closed line.
var ErrClosed = errors.New("gpio: line closed")

// Line is a GPIO input used as an interrupt line.
//
// Interrupts raised while the line is disabled are kept pending and
// delivered when the line is enabled again.
type Line struct {
	root string
	pin  int
	f    *os.File // value file

	mu       sync.Mutex
	masked   bool
	pending  bool
	closed   bool
	watching bool

	replay chan struct{}
	quit   chan struct{}
	done   chan struct{}
}

// Open exports the GPIO pin and configures it as an input raising
// interrupts on the given edge.
// The line is returned disabled.
func Open(pin int, edge Edge) (*Line, error) {
	return openAt(sysfs, pin, edge)
}

func openAt(root string, pin int, edge Edge) (*Line, error) {
	dir := filepath.Join(root, "gpio"+strconv.Itoa(pin))
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		err = writeFile(filepath.Join(root, "export"), strconv.Itoa(pin))
		if err != nil {
			return nil, xerrors.Errorf("gpio: could not export pin %d: %w", pin, err)
		}
	}

	err := writeFile(filepath.Join(dir, "direction"), "in")
	if err != nil {
		return nil, xerrors.Errorf("gpio: could not set pin %d as input: %w", pin, err)
	}

	err = writeFile(filepath.Join(dir, "edge"), string(edge))
	if err != nil {
		return nil, xerrors.Errorf("gpio: could not set pin %d edge to %q: %w", pin, edge, err)
	}

	f, err := os.Open(filepath.Join(dir, "value"))
	if err != nil {
		return nil, xerrors.Errorf("gpio: could not open pin %d value: %w", pin, err)
	}

	return &Line{
		root:   root,
		pin:    pin,
		f:      f,
		masked: true,
		replay: make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Enable unmasks the line.
func (l *Line) Enable() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.masked = false
	if !l.pending || l.closed {
		return
	}
	l.pending = false
	select {
	case l.replay <- struct{}{}:
	default:
	}
}

// Disable masks the line. It never blocks on I/O.
func (l *Line) Disable() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.masked = true
}

// Value returns the current level of the pin.
func (l *Line) Value() (int, error) {
	var buf [1]byte
	_, err := l.f.ReadAt(buf[:], 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, xerrors.Errorf("gpio: could not read pin %d value: %w", l.pin, err)
	}
	return int(buf[0] - '0'), nil
}

// Watch waits for interrupts and calls handler for each unmasked one,
// until ctx is done or the line is closed.
// Watch may only be called once.
func (l *Line) Watch(ctx context.Context, handler func()) error {
	l.mu.Lock()
	switch {
	case l.closed:
		l.mu.Unlock()
		return ErrClosed
	case l.watching:
		l.mu.Unlock()
		return xerrors.Errorf("gpio: pin %d already watched", l.pin)
	}
	l.watching = true
	l.mu.Unlock()
	defer close(l.done)

	fds := []unix.PollFd{{
		Fd:     int32(l.f.Fd()),
		Events: unix.POLLPRI | unix.POLLERR,
	}}

	// the first read acknowledges any stale event.
	_, _ = l.Value()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.quit:
			return nil
		case <-l.replay:
			handler()
			continue
		default:
		}

		n, err := unix.Poll(fds, int(pollTimeout/time.Millisecond))
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			return xerrors.Errorf("gpio: could not poll pin %d: %w", l.pin, err)
		case n == 0:
			continue
		}

		if fds[0].Revents&(unix.POLLPRI|unix.POLLERR) == 0 {
			continue
		}

		_, err = l.Value()
		if err != nil {
			return err
		}

		if l.raise() {
			handler()
		}
	}
}

// raise records an interrupt and reports whether it should be delivered now.
func (l *Line) raise() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}
	if l.masked {
		l.pending = true
		return false
	}
	return true
}

// Close stops any running Watch, closes the pin and unexports it.
func (l *Line) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.closed = true
	l.masked = true
	watching := l.watching
	l.mu.Unlock()

	close(l.quit)
	if watching {
		<-l.done
	}

	err := l.f.Close()
	if err != nil {
		return xerrors.Errorf("gpio: could not close pin %d value: %w", l.pin, err)
	}

	err = writeFile(filepath.Join(l.root, "unexport"), strconv.Itoa(l.pin))
	if err != nil {
		return xerrors.Errorf("gpio: could not unexport pin %d: %w", l.pin, err)
	}
	return nil
}

// Done returns a channel closed when Watch returns.
func (l *Line) Done() <-chan struct{} {
	return l.done
}

func writeFile(fname, v string) error {
	f, err := os.OpenFile(fname, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.WriteString(v)
	if err != nil {
		return err
	}
	return f.Close()
}
