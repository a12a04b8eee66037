// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza_test

import (
	"errors"
	"fmt"
	"testing"

	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/stanza"
)

func mustStanza(t *testing.T, s string) (stanza.Stanza, error) {
	t.Helper()
	el, err := stanza.Unmarshal([]byte(s))
	if err != nil {
		t.Fatal(err)
	}
	return stanza.FromElement(el)
}

func TestFromElement(t *testing.T) {
	for i, tc := range [...]struct {
		in   string
		kind stanza.Kind
		cond stanza.Condition
	}{
		0:  {in: `<message xmlns="jabber:client" to="juliet@example.com"><body>hi</body></message>`, kind: stanza.MessageKind},
		1:  {in: `<presence xmlns="jabber:client"/>`, kind: stanza.PresenceKind},
		2:  {in: `<iq xmlns="jabber:client" type="get" id="a"><ping xmlns="urn:xmpp:ping"/></iq>`, kind: stanza.IQKind},
		3:  {in: `<stream:error xmlns:stream="http://etherx.jabber.org/streams"><conflict xmlns="urn:ietf:params:xml:ns:xmpp-streams"/></stream:error>`, kind: stanza.StreamErrorKind},
		4:  {in: `<auth xmlns="urn:ietf:params:xml:ns:xmpp-sasl" mechanism="PLAIN"/>`, kind: stanza.UnknownKind},
		5:  {in: `<iq xmlns="jabber:client" type="get"><ping xmlns="urn:xmpp:ping"/></iq>`, kind: stanza.IQKind, cond: stanza.BadRequest},
		6:  {in: `<iq xmlns="jabber:client" type="fetch" id="a"><ping xmlns="urn:xmpp:ping"/></iq>`, kind: stanza.IQKind, cond: stanza.BadRequest},
		7:  {in: `<iq xmlns="jabber:client" type="set" id="a"/>`, kind: stanza.IQKind, cond: stanza.BadRequest},
		8:  {in: `<iq xmlns="jabber:client" type="result" id="a"/>`, kind: stanza.IQKind},
		9:  {in: `<presence xmlns="jabber:client" type="dancing"/>`, kind: stanza.PresenceKind, cond: stanza.BadRequest},
		10: {in: `<message xmlns="jabber:client" to="@example.com"/>`, kind: stanza.MessageKind, cond: stanza.JIDMalformed},
		11: {in: `<message xmlns="jabber:client" type="shout"/>`, kind: stanza.MessageKind},
		12: {in: `<message xmlns="jabber:server"/>`, kind: stanza.UnknownKind},
	} {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			s, err := mustStanza(t, tc.in)
			if err == nil {
				err = s.Validate()
			}
			if s.Kind != tc.kind {
				t.Errorf("Wrong kind: want=%v, got=%v", tc.kind, s.Kind)
			}
			var se stanza.Error
			switch {
			case tc.cond == "" && err != nil:
				t.Errorf("Unexpected error: %v", err)
			case tc.cond != "" && !errors.As(err, &se):
				t.Errorf("Expected stanza error %s, got %v", tc.cond, err)
			case tc.cond != "" && se.Condition != tc.cond:
				t.Errorf("Wrong condition: want=%s, got=%s", tc.cond, se.Condition)
			}
		})
	}
}

func TestMalformedAddressKeepsID(t *testing.T) {
	s, err := mustStanza(t, `<iq xmlns="jabber:client" type="get" id="q1" to="@bad"><query xmlns="urn:x"/></iq>`)
	if err == nil {
		t.Fatal("Expected an error")
	}
	if s.ID != "q1" || s.Type != "get" {
		t.Errorf("Expected id and type to survive, got %+v", s)
	}
}

func TestRoundTripKeepsUnknownAttributes(t *testing.T) {
	s, err := mustStanza(t, `<message xmlns="jabber:client" xmlns:x="http://example.com/x" id="1" x:mark="yes" extra="1"><body>hi</body></message>`)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Attr) != 2 {
		t.Fatalf("Expected two unknown attributes, got %+v", s.Attr)
	}
	s.From = jid.MustParse("romeo@example.net/orchard")
	b, err := stanza.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	const want = `<message xmlns="jabber:client" id="1" from="romeo@example.net/orchard" xmlns:x="http://example.com/x" x:mark="yes" extra="1"><body>hi</body></message>`
	if string(b) != want {
		t.Errorf("Unexpected output:\nwant=%s,\n got=%s", want, b)
	}
}

func TestErrorReply(t *testing.T) {
	s, err := mustStanza(t, `<message xmlns="jabber:client" id="m1" from="romeo@example.net/orchard" to="juliet@example.com"><body>hi</body></message>`)
	if err != nil {
		t.Fatal(err)
	}
	r := s.ErrorReply(stanza.Error{Type: stanza.Cancel, Condition: stanza.ServiceUnavailable})
	b, err := stanza.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	const want = `<message xmlns="jabber:client" id="m1" to="romeo@example.net/orchard" from="juliet@example.com" type="error"><body>hi</body><error type="cancel"><service-unavailable xmlns="urn:ietf:params:xml:ns:xmpp-stanzas"></service-unavailable></error></message>`
	if string(b) != want {
		t.Errorf("Unexpected output:\nwant=%s,\n got=%s", want, b)
	}

	iq, err := mustStanza(t, `<iq xmlns="jabber:client" id="x1" type="get" from="romeo@example.net/orchard" to="juliet@example.com"><query xmlns="urn:x"/></iq>`)
	if err != nil {
		t.Fatal(err)
	}
	r = iq.ErrorReply(stanza.Error{Type: stanza.Cancel, Condition: stanza.ServiceUnavailable})
	if len(r.Payload) != 1 || r.Type != "error" || r.ID != "x1" {
		t.Errorf("Unexpected IQ error reply %+v", r)
	}
	res := iq.Result()
	if res.Type != string(stanza.ResultIQ) || !res.To.Equal(iq.From) || len(res.Payload) != 0 {
		t.Errorf("Unexpected IQ result %+v", res)
	}
}

func TestPriority(t *testing.T) {
	for i, tc := range [...]struct {
		in   string
		want int8
	}{
		0: {`<presence xmlns="jabber:client"/>`, 0},
		1: {`<presence xmlns="jabber:client"><priority>5</priority></presence>`, 5},
		2: {`<presence xmlns="jabber:client"><priority> -3 </priority></presence>`, -3},
		3: {`<presence xmlns="jabber:client"><priority>500</priority></presence>`, 0},
	} {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			s, err := mustStanza(t, tc.in)
			if err != nil {
				t.Fatal(err)
			}
			if p := s.Priority(); p != tc.want {
				t.Errorf("Wrong priority: want=%d, got=%d", tc.want, p)
			}
		})
	}
}
