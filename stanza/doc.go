// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package stanza contains functionality for dealing with XMPP stanzas and
// stanza level errors.
//
// Stanzas (Message, Presence, and IQ) are the "primitives" of XMPP. Messages
// are used to send data that is fire-and-forget such as chat messages, Presence
// is used as a general broadcast and publish-subscribe mechanism and is used to
// broadcast availability on the network, and IQ (Info-Query) is used as a
// request response mechanism for data that requires a response.
//
// The server does not interpret most payloads.
// Every top level element read from a stream is decoded into an Element tree
// that carries its fully qualified names, and FromElement classifies the tree
// as one of the stanza kinds while leaving unrecognized children untouched.
package stanza // import "mellium.im/xmppd/stanza"
