// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fakedev

import (
	"errors"
	"sync"
)

// Line is a fake interrupt line.
//
// An interrupt raised while the line is disabled stays pending and is
// delivered when the line is enabled again.
type Line struct {
	mu       sync.Mutex
	handler  func()
	enabled  bool
	pending  bool
	closed   bool
	enables  int
	disables int
}

// NewLine returns a disabled line.
func NewLine() *Line {
	return &Line{}
}

// Handle sets the function called when an interrupt is delivered.
func (l *Line) Handle(f func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = f
}

// Enable unmasks the line.
func (l *Line) Enable() {
	l.mu.Lock()
	l.enables++
	l.enabled = true
	deliver := l.pending && !l.closed
	l.pending = false
	h := l.handler
	l.mu.Unlock()

	if deliver && h != nil {
		h()
	}
}

// Disable masks the line.
func (l *Line) Disable() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disables++
	l.enabled = false
}

// Close releases the line.
func (l *Line) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New("fakedev: line already closed")
	}
	l.closed = true
	l.enabled = false
	return nil
}

// Fire raises an interrupt.
func (l *Line) Fire() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if !l.enabled {
		l.pending = true
		l.mu.Unlock()
		return
	}
	h := l.handler
	l.mu.Unlock()

	if h != nil {
		h()
	}
}

// Enabled reports whether the line is unmasked.
func (l *Line) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Closed reports whether the line was released.
func (l *Line) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Counts returns the number of Enable and Disable calls.
func (l *Line) Counts() (enables, disables int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enables, l.disables
}
