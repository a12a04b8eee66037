// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppd

import (
	"encoding/xml"
	"errors"
	"log/slog"

	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/router"
	"mellium.im/xmppd/stanza"
	"mellium.im/xmppd/stream"
)

var (
	pingName    = xml.Name{Space: ns.Ping, Local: "ping"}
	sessionName = xml.Name{Space: ns.Session, Local: "session"}
)

// element handles a top level element from the client.
func (s *Session) element(el *stanza.Element) error {
	switch el.Name.Space {
	case ns.StartTLS:
		if el.Name.Local != "starttls" {
			return stream.UnsupportedStanzaType
		}
		return s.startTLS()
	case ns.SASL:
		return s.sasl(el)
	}
	if s.mask&Authn == 0 || s.state < StreamNegotiating {
		return stream.NotAuthorized
	}
	if !stanza.Is(el.Name) {
		return stream.UnsupportedStanzaType
	}

	st, err := stanza.FromElementPolicy(el, s.cfg.JIDPolicy)
	if s.state != Established {
		if err == nil && isBind(st) && s.mask&Bound == 0 {
			return s.bind(st)
		}
		return stream.NotAuthorized.WithText("resource binding is required")
	}
	return s.established(st, err)
}

// established handles a stanza from a session that has a bound resource.
func (s *Session) established(st stanza.Stanza, parseErr error) error {
	// RFC 6120 §8.1.2.1: the server stamps or validates the from address.
	if !st.From.IsZero() && st.From != s.jid && st.From != s.jid.Bare() {
		return stream.InvalidFrom
	}
	st.From = s.jid

	if parseErr == nil {
		parseErr = st.Validate()
	}
	if parseErr != nil {
		var se stanza.Error
		if st.IsError() || !errors.As(parseErr, &se) {
			return nil
		}
		return s.send(st.ErrorReply(se))
	}

	switch st.Kind {
	case stanza.IQKind:
		if st.To.IsZero() || st.To == s.cfg.Domain || st.To == s.jid.Bare() {
			return s.serverIQ(st)
		}
	case stanza.PresenceKind:
		if st.To.IsZero() {
			s.presence(st)
			return nil
		}
	case stanza.MessageKind:
		// RFC 6120 §10.3.1: a message with no to is addressed to the sender's
		// bare JID.
		if st.To.IsZero() {
			st.To = s.jid.Bare()
		}
	}

	res, err := s.cfg.Router.Route(st, s)
	switch {
	case errors.Is(err, router.ErrDuplicateResponse):
		s.logger.Warn("iq.duplicate_response", slog.String("id", st.ID), slog.String("to", st.To.String()))
	case err != nil:
		s.logger.Debug("route.error", slog.String("result", res.String()), slog.String("err", err.Error()))
	}
	return nil
}

// serverIQ answers requests addressed to the server or to the account itself.
func (s *Session) serverIQ(st stanza.Stanza) error {
	if !st.IQType().IsRequest() {
		return nil
	}
	switch {
	case st.IQType() == stanza.GetIQ && st.Child(pingName) != nil:
		return s.send(st.Result())
	case st.IQType() == stanza.SetIQ && st.Child(sessionName) != nil:
		return s.send(st.Result())
	case st.IQType() == stanza.SetIQ && st.Child(bindName) != nil:
		return s.send(st.ErrorReply(stanza.Error{Type: stanza.Cancel, Condition: stanza.NotAllowed}))
	}
	return s.send(st.ErrorReply(stanza.Error{Type: stanza.Cancel, Condition: stanza.ServiceUnavailable}))
}

// presence handles presence with no to address by updating the resource's
// priority and broadcasting it to every resource of the account.
func (s *Session) presence(st stanza.Stanza) {
	var available bool
	switch st.PresenceType() {
	case stanza.AvailablePresence:
		available = true
	case stanza.UnavailablePresence:
	default:
		return
	}
	s.cfg.Router.SetPriority(s.jid, st.Priority(), available)
	n := s.cfg.Router.Broadcast(st, s.jid.Bare())
	s.logger.Debug("presence.broadcast", slog.Bool("available", available), slog.Int("resources", n))
}
