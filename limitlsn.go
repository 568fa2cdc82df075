package celltalk

// Derived from golang.org/x/net/netutil/listen.go.
// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

import (
	"net"
	"sync"
	"sync/atomic"
)

// newRejectListener returns a Listener that keeps at most n
// connections open. Unlike netutil.LimitListener it does not
// stop accepting when full: each excess connection is
// accepted and closed at once, so the peer sees an immediate
// close rather than a stalled connect.
func newRejectListener(l net.Listener, n int, onReject func(c net.Conn)) *rejectListener {
	return &rejectListener{
		Listener: l,
		max:      int64(n),
		onReject: onReject,
	}
}

type rejectListener struct {
	net.Listener
	max      int64
	active   atomic.Int64
	onReject func(c net.Conn)
}

func (l *rejectListener) Active() int64 {
	return l.active.Load()
}

func (l *rejectListener) Accept() (net.Conn, error) {
	for {
		c, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		if l.active.Add(1) > l.max {
			l.active.Add(-1)
			if l.onReject != nil {
				l.onReject(c)
			}
			c.Close()
			continue
		}
		return &rejectListenerConn{Conn: c, release: l.release}, nil
	}
}

func (l *rejectListener) release() { l.active.Add(-1) }

type rejectListenerConn struct {
	net.Conn
	releaseOnce sync.Once
	release     func()
}

func (l *rejectListenerConn) Close() error {
	err := l.Conn.Close()
	l.releaseOnce.Do(l.release)
	return err
}
