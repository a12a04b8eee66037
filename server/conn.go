// Copyright 2015 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"mellium.im/xmppd"
	"mellium.im/xmppd/stream"
)

const handshakeTimeout = 10 * time.Second

// conn adapts a network connection to a session.
// One goroutine reads and feeds the session while another drains its
// outbound queue.
type conn struct {
	srv    *Server
	logger *slog.Logger
	raw    net.Conn
	state  atomic.Pointer[tls.ConnectionState]

	// wmu guards rwc against concurrent writes and against replacement during
	// a STARTTLS upgrade.
	// rwc is only replaced by the reading goroutine.
	wmu sync.Mutex
	rwc net.Conn
	out *xmppd.Queue

	mu        sync.Mutex
	session   *xmppd.Session
	closeOnce sync.Once
}

func (c *conn) serve() {
	defer c.srv.forget(c)
	c.logger.Debug("conn.open")

	if tc, ok := c.rwc.(*tls.Conn); ok {
		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		err := tc.HandshakeContext(ctx)
		cancel()
		if err != nil {
			c.logger.Debug("conn.handshake", slog.String("err", err.Error()))
			c.close()
			return
		}
		st := tc.ConnectionState()
		c.state.Store(&st)
	}

	s := xmppd.NewSession(c.srv.session, c)
	c.out = s.Outbound()
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
	if c.srv.shuttingDown() {
		s.Terminate(stream.SystemShutdown)
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(s)
	}()
	c.readLoop(s)
	<-writerDone
	c.logger.Debug("conn.close", slog.String("session", s.ID()))
}

func (c *conn) readLoop(s *xmppd.Session) {
	buf := make([]byte, c.srv.readBuffer)
	for {
		// rwc is only replaced on this goroutine so it may be read without the
		// lock.
		n, err := c.rwc.Read(buf)
		if n > 0 {
			if ferr := s.Feed(buf[:n]); ferr != nil {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.logger.Debug("conn.read", slog.String("err", err.Error()))
			}
			s.Terminate(err)
			return
		}
	}
}

func (c *conn) writeLoop(s *xmppd.Session) {
	defer c.closeTransport()
	q := s.Outbound()
	for {
		<-q.Ready()
		closed := q.Closed()
		if err := c.flush(q.Drain()); err != nil {
			c.logger.Debug("conn.write", slog.String("err", err.Error()))
			s.Terminate(err)
			return
		}
		if closed && q.Len() == 0 {
			return
		}
	}
}

func (c *conn) flush(items []xmppd.Item) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.writeLocked(items)
}

func (c *conn) writeLocked(items []xmppd.Item) error {
	if len(items) == 0 {
		return nil
	}
	if c.srv.writeTimeout > 0 {
		err := c.rwc.SetWriteDeadline(time.Now().Add(c.srv.writeTimeout))
		if err != nil {
			return err
		}
	}
	bufs := make(net.Buffers, 0, len(items))
	for _, it := range items {
		bufs = append(bufs, it.Data)
	}
	_, err := bufs.WriteTo(c.rwc)
	return err
}

// ConnectionState satisfies the xmppd.Transport interface.
func (c *conn) ConnectionState() *tls.ConnectionState {
	return c.state.Load()
}

// StartTLS satisfies the xmppd.TLSUpgrader interface.
// It is called by the session while it is being fed, so it runs on the reading
// goroutine.
func (c *conn) StartTLS(cfg *tls.Config) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	// The proceed element must reach the client before the handshake starts.
	if err := c.writeLocked(c.out.Drain()); err != nil {
		return err
	}
	if c.srv.writeTimeout > 0 {
		if err := c.rwc.SetWriteDeadline(time.Time{}); err != nil {
			return err
		}
	}
	tc := tls.Server(c.rwc, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()
	if err := tc.HandshakeContext(ctx); err != nil {
		return err
	}
	st := tc.ConnectionState()
	c.state.Store(&st)
	c.rwc = tc
	c.logger.Debug("conn.starttls", slog.String("version", tls.VersionName(st.Version)))
	return nil
}

// shutdown closes the session with err or, if no session has started yet,
// closes the connection.
func (c *conn) shutdown(err error) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		c.close()
		return
	}
	s.Terminate(err)
}

// closeTransport closes the connection after the final write, sending a TLS
// close_notify if the connection is encrypted.
func (c *conn) closeTransport() {
	c.wmu.Lock()
	rwc := c.rwc
	c.wmu.Unlock()
	c.closeOnce.Do(func() {
		rwc.Close()
	})
}

// close forcibly closes the underlying connection without waiting for
// pending writes.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.raw.Close()
	})
}
