// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package attr contains helpers for working with XML attributes and the
// random identifiers the server places in them.
package attr // import "mellium.im/xmppd/internal/attr"

import (
	"encoding/xml"
)

// Get returns the value of the first attribute with the provided local name
// from a list of attributes or an empty string if no such attribute exists.
func Get(attr []xml.Attr, local string) string {
	v, _ := Lookup(attr, local)
	return v
}

// Lookup is like Get but also reports whether the attribute was present.
func Lookup(attr []xml.Attr, local string) (string, bool) {
	for _, a := range attr {
		if a.Name.Local == local && a.Name.Space != "xmlns" {
			return a.Value, true
		}
	}
	return "", false
}

// Set replaces the value of the first attribute with the provided local name
// or appends a new one.
// An empty value removes the attribute.
func Set(attr []xml.Attr, local, value string) []xml.Attr {
	for i, a := range attr {
		if a.Name.Local != local || a.Name.Space == "xmlns" {
			continue
		}
		if value == "" {
			return append(attr[:i:i], attr[i+1:]...)
		}
		attr[i].Value = value
		return attr
	}
	if value == "" {
		return attr
	}
	return append(attr, xml.Attr{Name: xml.Name{Local: local}, Value: value})
}
