// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package xmpptest provides utilities for XMPP testing.
package xmpptest // import "mellium.im/xmppd/internal/xmpptest"

import (
	"crypto/tls"
	"sync"

	"mellium.im/xmppd"
	"mellium.im/xmppd/stanza"
)

// Transport is an xmppd.Transport that reports a fixed TLS state.
type Transport struct {
	State *tls.ConnectionState
}

// ConnectionState satisfies the xmppd.Transport interface.
func (t Transport) ConnectionState() *tls.ConnectionState {
	return t.State
}

// TLSTransport is a transport that supports STARTTLS without performing a
// handshake.
// After StartTLS is called it reports an empty connection state.
type TLSTransport struct {
	mu       sync.Mutex
	upgraded bool
	Err      error
}

// ConnectionState satisfies the xmppd.Transport interface.
func (t *TLSTransport) ConnectionState() *tls.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.upgraded {
		return nil
	}
	return &tls.ConnectionState{HandshakeComplete: true}
}

// StartTLS satisfies the xmppd.TLSUpgrader interface.
func (t *TLSTransport) StartTLS(*tls.Config) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Err != nil {
		return t.Err
	}
	t.upgraded = true
	return nil
}

// Upgraded reports whether StartTLS was called successfully.
func (t *TLSTransport) Upgraded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.upgraded
}

// Endpoint is a router.Endpoint that records delivered stanzas.
type Endpoint struct {
	Name string

	mu     sync.Mutex
	got    []stanza.Stanza
	closed bool
}

// ID satisfies the router.Endpoint interface.
func (e *Endpoint) ID() string {
	return e.Name
}

// Deliver satisfies the router.Endpoint interface.
func (e *Endpoint) Deliver(s stanza.Stanza) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.got = append(e.got, s)
	return true
}

// Close causes future deliveries to fail.
func (e *Endpoint) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
}

// Received returns a copy of the stanzas delivered so far.
func (e *Endpoint) Received() []stanza.Stanza {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]stanza.Stanza(nil), e.got...)
}

// Output is the decoded outbound data of a session.
type Output struct {
	Headers  int
	Elements []*stanza.Element
	Errors   []string
	Closed   bool
}

// Drain empties the queue and decodes its items.
// Items that cannot be decoded cause Drain to panic.
func Drain(q *xmppd.Queue) Output {
	var out Output
	for _, it := range q.Drain() {
		switch it.Kind {
		case xmppd.HeaderItem:
			out.Headers++
		case xmppd.ElementItem:
			el, err := stanza.Unmarshal(it.Data)
			if err != nil {
				panic(err)
			}
			out.Elements = append(out.Elements, el)
		case xmppd.ErrorItem:
			el, err := stanza.Unmarshal(it.Data)
			if err != nil {
				panic(err)
			}
			for _, c := range el.Elements() {
				if c.Name.Local != "text" {
					out.Errors = append(out.Errors, c.Name.Local)
				}
			}
		case xmppd.CloseItem:
			out.Closed = true
		}
	}
	return out
}
