// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package bosh implements XMPP over Bidirectional-streams Over Synchronous HTTP
// as described in XEP-0124 and XEP-0206.
//
// A Manager maps the HTTP requests of each BOSH session onto one logical XML
// stream and the XMPP session behind it.
// Requests are processed strictly in order of their request ID (rid).
// Retransmitted requests are answered with the response that was sent the
// first time, and requests that arrive early are held until the gap before
// them is filled or a timeout elapses.
//
// Handler exposes a Manager over HTTP:
//
//	m := bosh.NewManager(bosh.ManagerConfig{Domain: domain}, func(t xmppd.Transport) *xmppd.Session {
//		return xmppd.NewSession(cfg, t)
//	})
//	http.Handle("/http-bind", bosh.NewHandler(m))
package bosh // import "mellium.im/xmppd/bosh"
