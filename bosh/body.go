// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bosh

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"

	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/stanza"
)

// Version is the version of XEP-0124 implemented by this package.
const Version = "1.11"

// TypeTerminate is the value of the type attribute that ends a session.
const TypeTerminate = "terminate"

var bodyName = xml.Name{Space: ns.BOSH, Local: "body"}

// Body is a request or response wrapper element.
// Attributes that are absent are left as their zero value; Wait and Hold are
// -1 when absent so that a client may request zero.
type Body struct {
	RID       uint64
	SID       string
	To        string
	Lang      string
	Ver       string
	Content   string
	Wait      int
	Hold      int
	Type      string
	Condition Condition

	// Restart is the xmpp:restart attribute.
	Restart bool

	// XMPPVersion is the xmpp:version attribute.
	XMPPVersion string

	// Payload is the list of elements wrapped by the body.
	Payload []*stanza.Element
}

// ParseBody decodes a body element from r.
// The rid attribute is required.
func ParseBody(r io.Reader) (Body, error) {
	b := Body{Wait: -1, Hold: -1}
	d := xml.NewDecoder(r)

	var start xml.StartElement
	for start.Name.Local == "" {
		tok, err := d.Token()
		if err != nil {
			return b, fmt.Errorf("bosh: reading body: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			start = t
		case xml.ProcInst, xml.CharData:
		default:
			return b, errors.New("bosh: unexpected token before body")
		}
	}
	if start.Name != bodyName {
		return b, fmt.Errorf("bosh: expected body, got {%s}%s", start.Name.Space, start.Name.Local)
	}

	var haveRID bool
	for _, attr := range start.Attr {
		var err error
		switch attr.Name {
		case xml.Name{Local: "rid"}:
			b.RID, err = strconv.ParseUint(attr.Value, 10, 64)
			haveRID = err == nil
		case xml.Name{Local: "sid"}:
			b.SID = attr.Value
		case xml.Name{Local: "to"}:
			b.To = attr.Value
		case xml.Name{Space: "xml", Local: "lang"}, xml.Name{Space: ns.XML, Local: "lang"}:
			b.Lang = attr.Value
		case xml.Name{Local: "ver"}:
			b.Ver = attr.Value
		case xml.Name{Local: "content"}:
			b.Content = attr.Value
		case xml.Name{Local: "wait"}:
			b.Wait, err = strconv.Atoi(attr.Value)
		case xml.Name{Local: "hold"}:
			b.Hold, err = strconv.Atoi(attr.Value)
		case xml.Name{Local: "type"}:
			b.Type = attr.Value
		case xml.Name{Local: "condition"}:
			b.Condition = Condition(attr.Value)
		case xml.Name{Space: ns.XBOSH, Local: "restart"}:
			b.Restart = attr.Value == "true" || attr.Value == "1"
		case xml.Name{Space: ns.XBOSH, Local: "version"}:
			b.XMPPVersion = attr.Value
		}
		if err != nil {
			return b, fmt.Errorf("bosh: invalid %s attribute: %w", attr.Name.Local, err)
		}
	}
	if !haveRID {
		return b, errors.New("bosh: missing or invalid rid")
	}

	for {
		tok, err := d.Token()
		if err != nil {
			return b, fmt.Errorf("bosh: reading payload: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			el, err := stanza.Decode(d, t)
			if err != nil {
				return b, fmt.Errorf("bosh: reading payload: %w", err)
			}
			inheritClient(el)
			b.Payload = append(b.Payload, el)
		case xml.EndElement:
			return b, nil
		case xml.CharData:
			if len(bytes.TrimSpace(t)) != 0 {
				return b, errors.New("bosh: character data in body")
			}
		default:
			return b, errors.New("bosh: unexpected token in body")
		}
	}
}

// inheritClient moves el and every descendant that inherited the body
// namespace into the client namespace, as if they had been sent on a stream
// whose default namespace is jabber:client.
func inheritClient(el *stanza.Element) {
	if el.Name.Space == ns.BOSH {
		el.Name.Space = ns.Client
	}
	for _, n := range el.Children {
		if child, ok := n.(*stanza.Element); ok {
			inheritClient(child)
		}
	}
}

// response is an outbound body whose payload is already serialized.
type response struct {
	attrs   [][2]string
	payload [][]byte
}

func (r *response) set(name, value string) {
	r.attrs = append(r.attrs, [2]string{name, value})
}

func (r *response) bytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(`<body xmlns='` + ns.BOSH + `' xmlns:stream='` + ns.Stream + `' xmlns:xmpp='` + ns.XBOSH + `'`)
	for _, a := range r.attrs {
		buf.WriteByte(' ')
		buf.WriteString(a[0])
		buf.WriteString(`='`)
		// Writes to a bytes.Buffer cannot fail.
		_ = xml.EscapeText(&buf, []byte(a[1]))
		buf.WriteByte('\'')
	}
	if len(r.payload) == 0 {
		buf.WriteString(`/>`)
		return buf.Bytes()
	}
	buf.WriteByte('>')
	for _, p := range r.payload {
		buf.Write(p)
	}
	buf.WriteString(`</body>`)
	return buf.Bytes()
}

// TerminateBody returns a terminate body carrying the given condition.
// If cond is empty the condition attribute is omitted.
func TerminateBody(cond Condition) []byte {
	r := response{}
	r.set("type", TypeTerminate)
	if cond != "" {
		r.set("condition", string(cond))
	}
	return r.bytes()
}
