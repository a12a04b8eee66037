// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"encoding/xml"
	"strconv"
	"strings"

	"mellium.im/xmlstream"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/jid"
)

// Kind identifies which of the top level elements a Stanza was decoded from.
type Kind uint8

// A list of stanza kinds.
const (
	// UnknownKind is any top level element that is not a stanza, such as the
	// SASL and STARTTLS elements exchanged during negotiation.
	UnknownKind Kind = iota
	MessageKind
	PresenceKind
	IQKind
	StreamErrorKind
)

func (k Kind) String() string {
	switch k {
	case MessageKind:
		return "message"
	case PresenceKind:
		return "presence"
	case IQKind:
		return "iq"
	case StreamErrorKind:
		return "error"
	}
	return "unknown"
}

// Is tests whether name is a valid stanza based on name and space.
func Is(name xml.Name) bool {
	return (name.Local == "iq" || name.Local == "message" || name.Local == "presence") &&
		name.Space == ns.Client
}

// Stanza is a top level element read from or written to a stream.
//
// The common routing attributes are lifted out of the element.
// Everything else, including the ordered children, is carried unchanged so that
// payloads in unknown namespaces survive delivery.
type Stanza struct {
	Kind Kind
	Name xml.Name
	ID   string
	To   jid.JID
	From jid.JID
	Type string
	Lang string

	// Attr holds attributes other than id, to, from, type, and xml:lang.
	Attr    []xml.Attr
	Payload []Node
}

// FromElement classifies e and lifts its routing attributes.
// Addresses are prepared using the CaseMapped policy.
func FromElement(e *Element) (Stanza, error) {
	return FromElementPolicy(e, jid.CaseMapped)
}

// FromElementPolicy is like FromElement except that addresses are prepared
// using the given policy.
//
// If an address is malformed the returned stanza is still populated with
// everything else so that the caller can bounce an error, and the error is a
// stanza.Error with the jid-malformed condition.
func FromElementPolicy(e *Element, p jid.Policy) (Stanza, error) {
	s := Stanza{
		Name:    e.Name,
		Payload: e.Children,
	}
	switch {
	case Is(e.Name):
		switch e.Name.Local {
		case "message":
			s.Kind = MessageKind
		case "presence":
			s.Kind = PresenceKind
		case "iq":
			s.Kind = IQKind
		}
	case e.Name == xml.Name{Space: ns.Stream, Local: "error"}:
		s.Kind = StreamErrorKind
	}

	var jidErr error
	for _, a := range e.Attr {
		switch {
		case a.Name == xml.Name{Space: ns.XML, Local: "lang"}:
			s.Lang = a.Value
		case a.Name.Space != "":
			s.Attr = append(s.Attr, a)
		case a.Name.Local == "id":
			s.ID = a.Value
		case a.Name.Local == "type":
			s.Type = a.Value
		case a.Name.Local == "to" || a.Name.Local == "from":
			if a.Value == "" {
				continue
			}
			j, err := p.Parse(a.Value)
			if err != nil {
				jidErr = Error{Type: Modify, Condition: JIDMalformed}
				continue
			}
			if a.Name.Local == "to" {
				s.To = j
			} else {
				s.From = j
			}
		default:
			s.Attr = append(s.Attr, a)
		}
	}
	return s, jidErr
}

// Validate checks the stanza against the rules in RFC 6120 §8 that the server
// is responsible for enforcing.
// Any error returned is a stanza.Error with the bad-request condition.
func (s Stanza) Validate() error {
	bad := func(text string) error {
		return Error{Type: Modify, Condition: BadRequest, Text: text}
	}
	switch s.Kind {
	case IQKind:
		t := IQType(s.Type)
		if !t.valid() {
			return bad("invalid iq type")
		}
		if s.ID == "" {
			return bad("iq is missing an id")
		}
		n := len(s.Elements())
		if t.IsRequest() && n != 1 {
			return bad("iq requests must contain exactly one child")
		}
		if t == ResultIQ && n > 1 {
			return bad("iq results must contain zero or one children")
		}
	case PresenceKind:
		if !PresenceType(s.Type).valid() {
			return bad("invalid presence type")
		}
	}
	return nil
}

// Elements returns the payload elements, skipping any text.
func (s Stanza) Elements() []*Element {
	var out []*Element
	for _, n := range s.Payload {
		if c, ok := n.(*Element); ok {
			out = append(out, c)
		}
	}
	return out
}

// Child returns the first payload element with the given name or nil.
func (s Stanza) Child(name xml.Name) *Element {
	return (&Element{Children: s.Payload}).Child(name)
}

// IsError reports whether the stanza is of the error type.
func (s Stanza) IsError() bool {
	return s.Type == "error"
}

// IQType returns the type of an IQ stanza.
func (s Stanza) IQType() IQType {
	return IQType(s.Type)
}

// MessageType returns the type of a message stanza.
// A missing or unknown type is reported as NormalMessage.
func (s Stanza) MessageType() MessageType {
	switch t := MessageType(s.Type); t {
	case ChatMessage, ErrorMessage, GroupChatMessage, HeadlineMessage:
		return t
	}
	return NormalMessage
}

// PresenceType returns the type of a presence stanza.
func (s Stanza) PresenceType() PresenceType {
	return PresenceType(s.Type)
}

// Priority returns the value of the presence priority child, or 0 if it is
// missing or invalid.
func (s Stanza) Priority() int8 {
	c := s.Child(xml.Name{Space: ns.Client, Local: "priority"})
	if c == nil {
		return 0
	}
	p, err := strconv.ParseInt(strings.TrimSpace(c.Text()), 10, 8)
	if err != nil {
		return 0
	}
	return int8(p)
}

// Copy returns a deep copy of the stanza.
func (s Stanza) Copy() Stanza {
	c := s
	if s.Attr != nil {
		c.Attr = append([]xml.Attr(nil), s.Attr...)
	}
	c.Payload = (&Element{Children: s.Payload}).Copy().Children
	return c
}

// Result returns an empty IQ result addressed back to the sender of s.
func (s Stanza) Result() Stanza {
	return Stanza{
		Kind: IQKind,
		Name: s.Name,
		ID:   s.ID,
		To:   s.From,
		From: s.To,
		Type: string(ResultIQ),
	}
}

// ErrorReply returns an error stanza addressed back to the sender of s.
// Message and presence payloads are echoed back before the error element.
func (s Stanza) ErrorReply(se Error) Stanza {
	r := Stanza{
		Kind: s.Kind,
		Name: s.Name,
		ID:   s.ID,
		To:   s.From,
		From: s.To,
		Type: "error",
		Lang: s.Lang,
	}
	if s.Kind != IQKind {
		r.Payload = append(r.Payload, s.Copy().Payload...)
	}
	r.Payload = append(r.Payload, se.Element())
	return r
}

// StartElement returns the start token for the stanza.
func (s Stanza) StartElement() xml.StartElement {
	name := s.Name
	if name.Local == "" {
		name = xml.Name{Space: ns.Client, Local: s.Kind.String()}
	}

	attr := make([]xml.Attr, 0, 5+len(s.Attr))
	if s.ID != "" {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "id"}, Value: s.ID})
	}
	if !s.To.IsZero() {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "to"}, Value: s.To.String()})
	}
	if !s.From.IsZero() {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "from"}, Value: s.From.String()})
	}
	if s.Type != "" {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "type"}, Value: s.Type})
	}
	if s.Lang != "" {
		attr = append(attr, xml.Attr{Name: xml.Name{Space: ns.XML, Local: "lang"}, Value: s.Lang})
	}
	attr = append(attr, s.Attr...)

	return xml.StartElement{Name: name, Attr: attr}
}

// Element converts the stanza back into an element tree.
func (s Stanza) Element() *Element {
	start := s.StartElement()
	return &Element{Name: start.Name, Attr: start.Attr, Children: s.Payload}
}

// TokenReader satisfies the xmlstream.Marshaler interface.
func (s Stanza) TokenReader() xml.TokenReader {
	return s.Element().TokenReader()
}

// WriteXML satisfies the xmlstream.WriterTo interface.
func (s Stanza) WriteXML(w xmlstream.TokenWriter) (int, error) {
	return s.Element().WriteXML(w)
}
