// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ds1374

import (
	"bytes"
	"sync"

	"github.com/go-daq/tdaq/log"
)

// syncBuffer is a bytes.Buffer safe for concurrent use.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newMsg() (log.MsgStream, *syncBuffer) {
	buf := new(syncBuffer)
	return log.NewMsgStream("ds1374", log.LvlDebug, buf), buf
}

// counter counts alarm notifications.
type counter struct {
	mu sync.Mutex
	n  int
	c  chan struct{}
}

func newCounter() *counter {
	return &counter{c: make(chan struct{}, 16)}
}

func (c *counter) AlarmExpired() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
	c.c <- struct{}{}
}

func (c *counter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
