// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppd

import (
	"encoding/base64"
	"encoding/xml"
	"errors"
	"log/slog"
	"strings"

	"mellium.im/xmppd/auth"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/stanza"
	"mellium.im/xmppd/stream"
)

// sasl handles the elements of RFC 6120 §6.4.
func (s *Session) sasl(el *stanza.Element) error {
	if s.mask&Authn != 0 || (s.state != StreamNegotiating && s.state != Authenticating) {
		return stream.PolicyViolation.WithText("unexpected authentication element")
	}

	switch el.Name.Local {
	case "auth":
		if s.exchange != nil {
			return s.authFailed(auth.Failure{Condition: auth.Aborted})
		}
		if s.cfg.RequireTLS && s.mask&Secure == 0 {
			return s.authFailed(auth.Failure{Condition: auth.EncryptionRequired})
		}
		mech := el.Get("mechanism")
		ex, err := s.cfg.SASL.Start(mech, s.t.ConnectionState())
		if err != nil {
			return s.authFailed(err)
		}
		s.exchange = ex
		s.mechanism = mech
		s.state = Authenticating
		return s.saslStep(el.Text())
	case "response":
		if s.exchange == nil {
			return s.authFailed(auth.Failure{Condition: auth.MalformedRequest})
		}
		return s.saslStep(el.Text())
	case "abort":
		return s.authFailed(auth.Failure{Condition: auth.Aborted})
	}
	return stream.UnsupportedStanzaType
}

func (s *Session) saslStep(text string) error {
	var resp []byte
	// RFC 6120 §6.4.2: "=" is an empty response.
	if text = strings.TrimSpace(text); text != "" && text != "=" {
		var err error
		resp, err = base64.StdEncoding.DecodeString(text)
		if err != nil {
			return s.authFailed(auth.Failure{Condition: auth.IncorrectEncoding})
		}
	}

	challenge, done, err := s.exchange.Step(resp)
	if err != nil {
		return s.authFailed(err)
	}
	if !done {
		return s.send(saslData("challenge", challenge))
	}

	username := s.exchange.Username()
	s.exchange = nil
	authzid, err := s.cfg.JIDPolicy.New(username, s.cfg.Domain.Domainpart(), "")
	if err != nil {
		return s.authFailed(auth.Failure{Condition: auth.NotAuthorized})
	}
	if err := s.send(saslData("success", challenge)); err != nil {
		return err
	}
	s.authzid = authzid
	s.mask |= Authn
	if s.authTimer != nil {
		s.authTimer.Stop()
	}
	s.logger.Info("sasl.success", slog.String("mechanism", s.mechanism), slog.String("jid", authzid.String()))

	// RFC 6120 §6.4.6: the stream is restarted after a successful exchange.
	s.restart()
	return nil
}

// authFailed reports a failure to the client.
// Once the client has failed MaxAuthAttempts times the stream is closed.
func (s *Session) authFailed(err error) error {
	s.exchange = nil
	s.failures++
	s.state = StreamNegotiating

	var f auth.Failure
	if !errors.As(err, &f) {
		f = auth.Failure{Condition: auth.TemporaryAuthFailure}
	}
	s.logger.Warn("sasl.failure",
		slog.String("mechanism", s.mechanism),
		slog.String("condition", string(f.Condition)),
		slog.Int("attempt", s.failures))
	if e := s.send(f); e != nil {
		return e
	}
	if s.failures >= s.cfg.MaxAuthAttempts {
		return stream.NotAuthorized.WithText("too many failed authentication attempts")
	}
	return nil
}

// saslData returns a SASL element carrying base64 encoded data.
func saslData(local string, data []byte) *stanza.Element {
	el := stanza.NewElement(xml.Name{Space: ns.SASL, Local: local})
	if len(data) > 0 {
		el.Children = []stanza.Node{stanza.CharData(base64.StdEncoding.EncodeToString(data))}
	}
	return el
}
