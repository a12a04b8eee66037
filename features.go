// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppd

import (
	"encoding/xml"

	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/stanza"
)

// The stream prefix is declared by the stream header (or the BOSH body) so
// stream level elements are written with a literal prefix.
var featuresName = xml.Name{Local: "stream:features"}

// features returns the stream features that may be negotiated next.
// Until the stream is secured only STARTTLS is offered if TLS is required.
// Until the client is authenticated SASL is offered, and once it is resource
// binding and the legacy session feature are offered.
func (s *Session) features() *stanza.Element {
	list := &stanza.Element{Name: featuresName}

	secure := s.mask&Secure != 0
	if !secure && s.canStartTLS() {
		tls := stanza.NewElement(xml.Name{Space: ns.StartTLS, Local: "starttls"})
		if s.cfg.RequireTLS {
			tls.Children = append(tls.Children, stanza.NewElement(xml.Name{Space: ns.StartTLS, Local: "required"}))
		}
		list.Children = append(list.Children, tls)
	}

	switch {
	case s.mask&Authn == 0:
		if s.cfg.RequireTLS && !secure {
			break
		}
		mechs := stanza.NewElement(xml.Name{Space: ns.SASL, Local: "mechanisms"})
		for _, name := range s.cfg.SASL.Mechanisms(secure) {
			mechs.Children = append(mechs.Children, stanza.NewElement(
				xml.Name{Space: ns.SASL, Local: "mechanism"},
				stanza.CharData(name),
			))
		}
		list.Children = append(list.Children, mechs)
	case s.mask&Bound == 0:
		list.Children = append(list.Children,
			stanza.NewElement(xml.Name{Space: ns.Bind, Local: "bind"}),
			stanza.NewElement(xml.Name{Space: ns.Session, Local: "session"},
				stanza.NewElement(xml.Name{Space: ns.Session, Local: "optional"}),
			),
		)
	}
	return list
}

func (s *Session) canStartTLS() bool {
	if s.cfg.TLS == nil {
		return false
	}
	_, ok := s.t.(TLSUpgrader)
	return ok
}
