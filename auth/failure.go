// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package auth

import (
	"encoding/xml"

	"golang.org/x/text/language"
	"mellium.im/xmlstream"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/stanza"
)

// Condition is a SASL error condition that can be encapsulated by a
// <failure/> element.
type Condition string

// Standard SASL error conditions.
const (
	Aborted              Condition = "aborted"
	AccountDisabled      Condition = "account-disabled"
	CredentialsExpired   Condition = "credentials-expired"
	EncryptionRequired   Condition = "encryption-required"
	IncorrectEncoding    Condition = "incorrect-encoding"
	InvalidAuthzID       Condition = "invalid-authzid"
	InvalidMechanism     Condition = "invalid-mechanism"
	MalformedRequest     Condition = "malformed-request"
	MechanismTooWeak     Condition = "mechanism-too-weak"
	NotAuthorized        Condition = "not-authorized"
	TemporaryAuthFailure Condition = "temporary-auth-failure"
)

// Failure represents a SASL error that is marshalable to XML.
type Failure struct {
	Condition Condition
	Lang      language.Tag
	Text      string
}

// Error satisfies the error interface for a Failure.
// It returns the text string if set, or the condition otherwise.
func (f Failure) Error() string {
	if f.Text != "" {
		return f.Text
	}
	return string(f.Condition)
}

// Is reports whether target is a Failure with the same condition.
func (f Failure) Is(target error) bool {
	t, ok := target.(Failure)
	return ok && t.Condition == f.Condition
}

// Element returns the failure as an element tree.
func (f Failure) Element() *stanza.Element {
	el := stanza.NewElement(xml.Name{Space: ns.SASL, Local: "failure"},
		stanza.NewElement(xml.Name{Space: ns.SASL, Local: string(f.Condition)}),
	)
	if f.Text != "" {
		text := stanza.NewElement(xml.Name{Space: ns.SASL, Local: "text"}, stanza.CharData(f.Text))
		if f.Lang != language.Und {
			text.Attr = []xml.Attr{{Name: xml.Name{Space: ns.XML, Local: "lang"}, Value: f.Lang.String()}}
		}
		el.Children = append(el.Children, text)
	}
	return el
}

// TokenReader satisfies the xmlstream.Marshaler interface.
func (f Failure) TokenReader() xml.TokenReader {
	return f.Element().TokenReader()
}

// WriteXML satisfies the xmlstream.WriterTo interface.
func (f Failure) WriteXML(w xmlstream.TokenWriter) (int, error) {
	return xmlstream.Copy(w, f.TokenReader())
}

// MarshalXML satisfies the xml.Marshaler interface for a Failure.
func (f Failure) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	_, err := f.WriteXML(e)
	return err
}

// UnmarshalXML satisfies the xml.Unmarshaler interface for a Failure.
// If multiple text elements are present UnmarshalXML selects the one with an
// xml:lang attribute that most closely matches the Lang already set on the
// Failure.
func (f *Failure) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	decoded := struct {
		Condition struct {
			XMLName xml.Name
		} `xml:",any"`
		Text []struct {
			Lang string `xml:"http://www.w3.org/XML/1998/namespace lang,attr"`
			Data string `xml:",chardata"`
		} `xml:"text"`
	}{}
	if err := d.DecodeElement(&decoded, &start); err != nil {
		return err
	}
	f.Condition = Condition(decoded.Condition.XMLName.Local)
	tags := make([]language.Tag, 0, len(decoded.Text))
	data := make(map[language.Tag]string)
	for _, text := range decoded.Text {
		tag, err := language.Parse(text.Lang)
		if err != nil {
			tag = language.Und
		}
		tags = append(tags, tag)
		data[tag] = text.Data
	}
	if len(tags) == 0 {
		return nil
	}
	tag, idx, _ := language.NewMatcher(tags).Match(f.Lang)
	f.Lang = tag
	f.Text = data[tags[idx]]
	return nil
}
