// Copyright 2014 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package xmppd implements the client side of an XMPP server as defined by
// RFC 6120.
//
// A Session is created for every client stream regardless of the transport
// that carries it.
// The transport feeds the session raw bytes as they arrive and writes whatever
// the session places on its outbound Queue:
//
//	sess := xmppd.NewSession(cfg, transport)
//	for {
//		n, err := conn.Read(buf)
//		…
//		if err := sess.Feed(buf[:n]); err != nil {
//			break
//		}
//	}
//
// The session negotiates STARTTLS, SASL, and resource binding in that order,
// after which stanzas are stamped with the session's address and handed to the
// router.
// Stream level errors close the stream, stanza level errors are returned to
// the sender as error stanzas.
//
// Be advised: This API is still unstable and is subject to change.
package xmppd // import "mellium.im/xmppd"
