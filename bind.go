// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppd

import (
	"encoding/xml"
	"errors"
	"log/slog"
	"strings"

	"mellium.im/xmppd/internal/attr"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/router"
	"mellium.im/xmppd/stanza"
)

// maxBindAttempts bounds the number of generated resources tried before bind
// fails with a conflict.
const maxBindAttempts = 8

var bindName = xml.Name{Space: ns.Bind, Local: "bind"}

func isBind(st stanza.Stanza) bool {
	return st.Kind == stanza.IQKind && st.IQType() == stanza.SetIQ && st.Child(bindName) != nil
}

// bind handles a resource binding request as described in RFC 6120 §7.
// If the requested resource is already bound, or none was requested, a random
// resource is assigned instead so that binding never fails with a conflict in
// practice.
func (s *Session) bind(st stanza.Stanza) error {
	s.state = ResourceBinding
	fail := func(cond stanza.Condition) error {
		s.state = StreamNegotiating
		return s.send(st.ErrorReply(stanza.Error{Type: stanza.Modify, Condition: cond}))
	}

	var requested string
	if r := st.Child(bindName).Child(xml.Name{Space: ns.Bind, Local: "resource"}); r != nil {
		requested = strings.TrimSpace(r.Text())
	}

	var full jid.JID
	for i := 0; ; i++ {
		if i == maxBindAttempts {
			return fail(stanza.Conflict)
		}
		res := requested
		switch {
		case res == "":
			res = attr.RandomID()
		case i > 0:
			res = requested + "-" + attr.RandomLen(8)
		}
		var err error
		full, err = s.authzid.WithResource(res)
		if err != nil {
			return fail(stanza.BadRequest)
		}
		err = s.cfg.Router.Bind(full, s)
		if err == nil {
			break
		}
		if !errors.Is(err, router.ErrConflict) {
			s.logger.Warn("bind.failure", slog.String("jid", full.String()), slog.String("err", err.Error()))
			return fail(stanza.InternalServerError)
		}
	}

	s.jid = full
	s.mask |= Bound
	s.state = Established
	s.logger.Info("bind.ok", slog.String("jid", full.String()), slog.Bool("generated", full.Resourcepart() != requested))

	reply := st.Result()
	reply.Payload = []stanza.Node{stanza.NewElement(bindName,
		stanza.NewElement(xml.Name{Space: ns.Bind, Local: "jid"}, stanza.CharData(full.String())),
	)}
	return s.send(reply)
}
