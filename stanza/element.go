// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"bytes"
	"encoding/xml"
	"io"
	"strings"

	"mellium.im/xmlstream"
)

// Node is a child of an Element.
// It is either a *Element or CharData.
type Node interface {
	node()
}

// CharData is text content inside an element.
type CharData string

func (CharData) node() {}

// Element is a namespace qualified XML element and all of its children.
// Namespace declarations are not kept in Attr; the namespace of every element
// and attribute is carried in its name instead.
type Element struct {
	Name     xml.Name
	Attr     []xml.Attr
	Children []Node
}

func (*Element) node() {}

// NewElement returns an element with the given name and children.
func NewElement(name xml.Name, children ...Node) *Element {
	return &Element{Name: name, Children: children}
}

// Decode reads the remainder of the element opened by start from r, up to and
// including the matching end element.
// Comments, processing instructions, and directives are dropped.
func Decode(r xml.TokenReader, start xml.StartElement) (*Element, error) {
	el := &Element{Name: start.Name, Attr: trimNS(start.Attr)}
	for {
		tok, err := r.Token()
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := Decode(r, t)
			if err != nil {
				return nil, err
			}
			el.Children = append(el.Children, child)
		case xml.CharData:
			if n := len(el.Children); n > 0 {
				if prev, ok := el.Children[n-1].(CharData); ok {
					el.Children[n-1] = prev + CharData(t)
					continue
				}
			}
			el.Children = append(el.Children, CharData(t))
		case xml.EndElement:
			return el, nil
		}
	}
}

// Unmarshal decodes the first element found in b.
func Unmarshal(b []byte) (*Element, error) {
	d := xml.NewDecoder(bytes.NewReader(b))
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return Decode(d, start)
		}
	}
}

func trimNS(attrs []xml.Attr) []xml.Attr {
	var out []xml.Attr
	for _, a := range attrs {
		if a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns") {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Get returns the value of the attribute with the given local name and no
// namespace.
func (e *Element) Get(local string) string {
	for _, a := range e.Attr {
		if a.Name.Space == "" && a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// Child returns the first child element with the given name or nil.
// An empty namespace matches any namespace.
func (e *Element) Child(name xml.Name) *Element {
	for _, n := range e.Children {
		c, ok := n.(*Element)
		if !ok || c.Name.Local != name.Local {
			continue
		}
		if name.Space == "" || c.Name.Space == name.Space {
			return c
		}
	}
	return nil
}

// Elements returns the child elements of e, skipping any text.
func (e *Element) Elements() []*Element {
	var out []*Element
	for _, n := range e.Children {
		if c, ok := n.(*Element); ok {
			out = append(out, c)
		}
	}
	return out
}

// Text returns the concatenated character data of e's direct children.
func (e *Element) Text() string {
	var b strings.Builder
	for _, n := range e.Children {
		if c, ok := n.(CharData); ok {
			b.WriteString(string(c))
		}
	}
	return b.String()
}

// Copy returns a deep copy of the element.
func (e *Element) Copy() *Element {
	if e == nil {
		return nil
	}
	c := &Element{Name: e.Name}
	if e.Attr != nil {
		c.Attr = append([]xml.Attr(nil), e.Attr...)
	}
	for _, n := range e.Children {
		if el, ok := n.(*Element); ok {
			c.Children = append(c.Children, el.Copy())
			continue
		}
		c.Children = append(c.Children, n)
	}
	return c
}

// TokenReader satisfies the xmlstream.Marshaler interface.
// The namespace of a child is omitted when it matches the namespace of its
// parent so that only the outermost element carries a declaration.
func (e *Element) TokenReader() xml.TokenReader {
	return e.tokenReader("")
}

func (e *Element) tokenReader(parent string) xml.TokenReader {
	start := xml.StartElement{
		Name: e.Name,
		Attr: append([]xml.Attr(nil), e.Attr...),
	}
	if start.Name.Space == parent {
		start.Name.Space = ""
	}
	inner := make([]xml.TokenReader, 0, len(e.Children))
	for _, n := range e.Children {
		switch c := n.(type) {
		case *Element:
			inner = append(inner, c.tokenReader(e.Name.Space))
		case CharData:
			inner = append(inner, charReader(c))
		}
	}
	return xmlstream.Wrap(xmlstream.MultiReader(inner...), start)
}

func charReader(c CharData) xml.TokenReader {
	var done bool
	return xmlstream.ReaderFunc(func() (xml.Token, error) {
		if done {
			return nil, io.EOF
		}
		done = true
		return xml.CharData(c), nil
	})
}

// WriteXML satisfies the xmlstream.WriterTo interface.
// It is like MarshalXML except it writes tokens to w.
func (e *Element) WriteXML(w xmlstream.TokenWriter) (int, error) {
	return xmlstream.Copy(w, e.TokenReader())
}

// MarshalXML satisfies the xml.Marshaler interface.
func (e *Element) MarshalXML(enc *xml.Encoder, _ xml.StartElement) error {
	_, err := e.WriteXML(enc)
	return err
}

// Marshal encodes e as a standalone XML fragment.
func Marshal(e xmlstream.WriterTo) ([]byte, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if _, err := e.WriteXML(enc); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
