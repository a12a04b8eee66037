// Copyright 2015 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package server

import (
	"crypto/tls"
	"log/slog"
	"time"

	"mellium.im/xmppd"
)

// Option configures a Server.
type Option func(*options)

type options struct {
	clientAddr   string // TCP address to listen on, ":xmpp-client" if empty.
	tlsAddr      string // TCP address for direct TLS, ":xmpps-client" if empty.
	tlsConfig    *tls.Config
	session      xmppd.Config
	logger       *slog.Logger
	writeTimeout time.Duration
	readBuffer   int
}

func getOpts(o ...Option) (res options) {
	for _, f := range o {
		f(&res)
	}
	if res.logger == nil {
		res.logger = slog.Default()
	}
	if res.readBuffer <= 0 {
		res.readBuffer = 4096
	}
	return
}

// The ClientAddr option sets the interface and port that the server will listen
// on for inbound connections from XMPP clients.
func ClientAddr(addr string) Option {
	return func(o *options) {
		o.clientAddr = addr
	}
}

// The TLSAddr option sets the interface and port used by ListenAndServeTLS
// for clients that negotiate TLS before the stream starts.
func TLSAddr(addr string) Option {
	return func(o *options) {
		o.tlsAddr = addr
	}
}

// The TLSConfig option fully configures the servers TLS including the
// certificate chains used, cipher suites, etc. based on the given tls.Config.
// It is used for both STARTTLS and direct TLS.
func TLSConfig(config *tls.Config) Option {
	return func(o *options) {
		o.tlsConfig = config
	}
}

// Session sets the configuration used for every session that the server
// creates.
// The Router and SASL fields are required.
func Session(cfg xmppd.Config) Option {
	return func(o *options) {
		o.session = cfg
	}
}

// Logger sets the logger used for connection level events.
func Logger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WriteTimeout limits the time a single write to a client may take before the
// connection is closed.
func WriteTimeout(d time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = d
	}
}

// ReadBufferSize sets the size of the buffer used to read from connections.
func ReadBufferSize(n int) Option {
	return func(o *options) {
		o.readBuffer = n
	}
}
