// Copyright 2014 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package jid implements XMPP addresses (historically called "Jabber ID's" or
// "JID's") as described in RFC 7622.
//
// Domainparts are always case folded.
// Whether localparts are case folded depends on the Policy used to prepare
// the address: CaseMapped (the default) applies the UsernameCaseMapped PRECIS
// profile, CasePreserved applies UsernameCasePreserved.
// Resourceparts are always compared octet-for-octet.
package jid // import "mellium.im/xmppd/jid"
