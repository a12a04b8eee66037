// Copyright 2015 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"mellium.im/xmppd/stream"
)

// ErrServerClosed is returned by the Serve methods after Shutdown is called.
var ErrServerClosed = errors.New("server: closed")

// A Server defines parameters for running an XMPP server.
type Server struct {
	options

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[*conn]struct{}
	closed    bool
	wg        sync.WaitGroup
}

// New creates a new XMPP server with the given options.
func New(opts ...Option) *Server {
	srv := &Server{
		options:   getOpts(opts...),
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[*conn]struct{}),
	}
	if srv.session.TLS == nil {
		srv.session.TLS = srv.tlsConfig
	}
	if srv.session.Logger == nil {
		srv.session.Logger = srv.logger
	}
	return srv
}

// ListenAndServe listens on the TCP network address ClientAddr and then
// calls Serve to handle requests on incoming connections. If ClientAddr is
// blank, ":xmpp-client" (":5222") is used.
func (srv *Server) ListenAndServe() error {
	addr := srv.clientAddr
	if addr == "" {
		addr = ":5222"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return srv.Serve(ln)
}

// ListenAndServeTLS listens on the TCP network address TLSAddr and then calls
// ServeTLS. If TLSAddr is blank, ":xmpps-client" (":5223") is used.
func (srv *Server) ListenAndServeTLS() error {
	addr := srv.tlsAddr
	if addr == "" {
		addr = ":5223"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return srv.ServeTLS(ln)
}

// ServeTLS is like Serve except that connections are expected to start with a
// TLS handshake.
// It requires the TLSConfig option.
func (srv *Server) ServeTLS(l net.Listener) error {
	if srv.tlsConfig == nil {
		l.Close()
		return errors.New("server: direct TLS requires a TLS config")
	}
	return srv.Serve(tls.NewListener(l, srv.tlsConfig))
}

// Serve accepts incoming connections on the Listener, spawning a new session
// goroutine for each.
// It always returns a non-nil error and closes l.
func (srv *Server) Serve(l net.Listener) (err error) {
	if !srv.track(l, true) {
		l.Close()
		return ErrServerClosed
	}
	defer func() {
		srv.track(l, false)
		if cerr := l.Close(); err == nil && cerr != nil && !srv.shuttingDown() {
			err = cerr
		}
	}()

	srv.logger.Info("server.listen", slog.String("addr", l.Addr().String()))
	var delay time.Duration
	for {
		rw, e := l.Accept()
		if e != nil {
			if srv.shuttingDown() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(e, &ne) && ne.Timeout() {
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else {
					delay *= 2
				}
				if delay > time.Second {
					delay = time.Second
				}
				srv.logger.Warn("server.accept", slog.String("err", e.Error()), slog.Duration("retry", delay))
				time.Sleep(delay)
				continue
			}
			return e
		}
		delay = 0
		c := srv.newConn(rw)
		if c == nil {
			rw.Close()
			return ErrServerClosed
		}
		go c.serve()
	}
}

func (srv *Server) track(l net.Listener, add bool) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if add {
		if srv.closed {
			return false
		}
		srv.listeners[l] = struct{}{}
		return true
	}
	delete(srv.listeners, l)
	return true
}

func (srv *Server) shuttingDown() bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.closed
}

func (srv *Server) newConn(rw net.Conn) *conn {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.closed {
		return nil
	}
	c := &conn{
		srv:    srv,
		raw:    rw,
		rwc:    rw,
		logger: srv.logger.With(slog.String("remote", rw.RemoteAddr().String())),
	}
	srv.conns[c] = struct{}{}
	srv.wg.Add(1)
	return c
}

func (srv *Server) forget(c *conn) {
	srv.mu.Lock()
	delete(srv.conns, c)
	srv.mu.Unlock()
	srv.wg.Done()
}

// Shutdown stops accepting connections and closes every open session with a
// system-shutdown stream error.
// It waits for the connections to finish writing until ctx is done.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.mu.Lock()
	srv.closed = true
	var err error
	for l := range srv.listeners {
		if cerr := l.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	conns := make([]*conn, 0, len(srv.conns))
	for c := range srv.conns {
		conns = append(conns, c)
	}
	srv.mu.Unlock()

	for _, c := range conns {
		c.shutdown(stream.SystemShutdown)
	}

	done := make(chan struct{})
	go func() {
		srv.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
		for _, c := range conns {
			c.close()
		}
		return ctx.Err()
	}
}
