// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppd

import (
	"encoding/xml"
	"log/slog"

	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/stanza"
)

// startTLS handles a <starttls/> request as described in RFC 6120 §5.4.
func (s *Session) startTLS() error {
	if s.state != StreamNegotiating || s.mask&(Secure|Authn) != 0 || !s.canStartTLS() {
		// RFC 6120 §5.4.2.2: a failure is followed by closing the stream.
		if err := s.send(stanza.NewElement(xml.Name{Space: ns.StartTLS, Local: "failure"})); err != nil {
			return err
		}
		s.terminateLocked(nil)
		return nil
	}
	if err := s.send(stanza.NewElement(xml.Name{Space: ns.StartTLS, Local: "proceed"})); err != nil {
		return err
	}
	if err := s.t.(TLSUpgrader).StartTLS(s.cfg.TLS); err != nil {
		s.logger.Warn("starttls.failure", slog.String("err", err.Error()))
		return errTransport
	}
	s.mask |= Secure
	s.restart()
	s.logger.Debug("starttls.ok")
	return nil
}

// restart prepares for a new stream header on the same transport.
func (s *Session) restart() {
	s.parser.Reset()
	s.headerSent = false
	s.state = StreamNegotiating
}
