// Copyright 2015 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package server accepts client connections over TCP and runs an XMPP session
// on each of them.
//
// Connections may be plain TCP, upgraded with STARTTLS when a TLS config is
// available, or encrypted from the start when served with ServeTLS.
package server // import "mellium.im/xmppd/server"
