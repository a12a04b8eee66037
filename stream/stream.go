// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stream

import (
	"encoding/xml"
	"fmt"
	"io"

	"golang.org/x/text/language"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/jid"
)

// DefaultVersion is the version of XMPP spoken by the server.
var DefaultVersion = Version{Major: 1, Minor: 0}

// Info contains metadata extracted from a stream start token.
type Info struct {
	Name    xml.Name
	XMLNS   string
	To      jid.JID
	From    jid.JID
	ID      string
	Version Version
	Lang    language.Tag
}

// FromStartElement sets the data in Info from the provided StartElement.
// It accepts both raw and namespace translated tokens.
func (i *Info) FromStartElement(s xml.StartElement) error {
	i.Name = s.Name
	for _, attr := range s.Attr {
		switch attr.Name {
		case xml.Name{Space: "", Local: "to"}:
			if err := (&i.To).UnmarshalXMLAttr(attr); err != nil {
				return HostUnknown
			}
		case xml.Name{Space: "", Local: "from"}:
			if err := (&i.From).UnmarshalXMLAttr(attr); err != nil {
				return InvalidFrom
			}
		case xml.Name{Space: "", Local: "id"}:
			i.ID = attr.Value
		case xml.Name{Space: "", Local: "version"}:
			if err := (&i.Version).UnmarshalXMLAttr(attr); err != nil {
				return UnsupportedVersion
			}
		case xml.Name{Space: "", Local: "xmlns"}:
			if attr.Value != ns.Client {
				return InvalidNamespace
			}
			i.XMLNS = attr.Value
		case xml.Name{Space: "xmlns", Local: "stream"}:
			if attr.Value != ns.Stream {
				return InvalidNamespace
			}
		case xml.Name{Space: "xml", Local: "lang"}, xml.Name{Space: ns.XML, Local: "lang"}:
			// Unknown tags are not fatal; the stream simply has no default
			// language.
			if tag, err := language.Parse(attr.Value); err == nil {
				i.Lang = tag
			}
		}
	}
	return nil
}

// Validate checks that the header opens a client stream that the server can
// speak.
func (i Info) Validate() error {
	if i.Name.Local != "stream" || (i.Name.Space != ns.Stream && i.Name.Space != "stream") {
		return InvalidNamespace
	}
	if i.XMLNS != "" && i.XMLNS != ns.Client {
		return InvalidNamespace
	}
	// A missing version attribute means 0.9, which predates stream features.
	if i.Version.Major != DefaultVersion.Major {
		return UnsupportedVersion
	}
	return nil
}

// WriteHeader writes the opening stream header described by i to w.
func WriteHeader(w io.Writer, i Info) error {
	lang := "en"
	if i.Lang != language.Und {
		lang = i.Lang.String()
	}
	v := i.Version
	if v == (Version{}) {
		v = DefaultVersion
	}
	_, err := fmt.Fprintf(w, `<?xml version='1.0'?><stream:stream xmlns='%s' xmlns:stream='%s' id='%s' from='%s'`,
		ns.Client, ns.Stream, escape(i.ID), escape(i.From.String()))
	if err != nil {
		return err
	}
	if !i.To.IsZero() {
		if _, err = fmt.Fprintf(w, ` to='%s'`, escape(i.To.String())); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, ` version='%s' xml:lang='%s'>`, v, escape(lang))
	return err
}

// Closing is the end of a stream.
const Closing = `</stream:stream>`

func escape(s string) string {
	var b []byte
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'':
			b = append(b, "&apos;"...)
		case '&':
			b = append(b, "&amp;"...)
		case '<':
			b = append(b, "&lt;"...)
		default:
			b = append(b, s[i])
		}
	}
	return string(b)
}
