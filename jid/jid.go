// Copyright 2014 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jid

import (
	"encoding/xml"
	"errors"
	"net"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"
)

// Errors returned when a JID cannot be prepared.
var (
	ErrEmptyDomain    = errors.New("jid: the domainpart must be between 1 and 1023 bytes")
	ErrEmptyLocal     = errors.New("jid: the localpart must be larger than 0 bytes")
	ErrEmptyResource  = errors.New("jid: the resourcepart must be larger than 0 bytes")
	ErrLongLocal      = errors.New("jid: the localpart must be smaller than 1024 bytes")
	ErrLongResource   = errors.New("jid: the resourcepart must be smaller than 1024 bytes")
	ErrForbiddenLocal = errors.New("jid: localpart contains forbidden characters")
	ErrInvalidUTF8    = errors.New("jid: JID contains invalid UTF-8")
	ErrInvalidIP6     = errors.New("jid: domainpart is not a valid IPv6 address")
)

// Policy selects how the localpart of an address is prepared.
type Policy uint8

// A list of localpart preparation policies.
const (
	// CaseMapped folds the localpart to lower case so that "Juliet" and
	// "juliet" name the same account.
	CaseMapped Policy = iota

	// CasePreserved compares localparts octet-for-octet.
	CasePreserved
)

func (p Policy) profile() *precis.Profile {
	if p == CasePreserved {
		return precis.UsernameCasePreserved
	}
	return precis.UsernameCaseMapped
}

// String returns the name used for the policy in configuration files.
func (p Policy) String() string {
	if p == CasePreserved {
		return "preserve"
	}
	return "fold"
}

// ParsePolicy returns the policy with the given name.
// The empty string selects CaseMapped.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "fold":
		return CaseMapped, nil
	case "preserve":
		return CasePreserved, nil
	}
	return CaseMapped, errors.New("jid: unknown localpart policy " + strconv.Quote(s))
}

// JID represents an XMPP address (Jabber ID) comprising a localpart,
// domainpart, and resourcepart.
// All parts of a JID are guaranteed to be valid UTF-8 and are stored in their
// canonical form so that two JIDs may be compared with ==.
// The zero value is the empty address and is not valid for routing.
type JID struct {
	localpart    string
	domainpart   string
	resourcepart string
}

// Parse constructs a new JID from the given string representation using the
// CaseMapped policy.
func Parse(s string) (JID, error) {
	return CaseMapped.Parse(s)
}

// MustParse is like Parse but panics if the JID cannot be parsed.
// It simplifies safe initialization of JIDs from known-good constant strings.
func MustParse(s string) JID {
	j, err := Parse(s)
	if err != nil {
		if strconv.CanBackquote(s) {
			s = "`" + s + "`"
		} else {
			s = strconv.Quote(s)
		}
		panic(`jid: Parse(` + s + `): ` + err.Error())
	}
	return j
}

// New constructs a new JID from the given localpart, domainpart, and
// resourcepart using the CaseMapped policy.
func New(localpart, domainpart, resourcepart string) (JID, error) {
	return CaseMapped.New(localpart, domainpart, resourcepart)
}

// Parse constructs a new JID from its string representation.
func (p Policy) Parse(s string) (JID, error) {
	localpart, domainpart, resourcepart, err := SplitString(s)
	if err != nil {
		return JID{}, err
	}
	return p.New(localpart, domainpart, resourcepart)
}

// New constructs a new JID from the given parts.
func (p Policy) New(localpart, domainpart, resourcepart string) (JID, error) {
	if !utf8.ValidString(localpart) || !utf8.ValidString(resourcepart) {
		return JID{}, ErrInvalidUTF8
	}

	domainpart, err := prepDomain(domainpart)
	if err != nil {
		return JID{}, err
	}

	if localpart != "" {
		localpart, err = p.profile().String(localpart)
		if err != nil {
			return JID{}, err
		}
		if len(localpart) > 1023 {
			return JID{}, ErrLongLocal
		}
		// RFC 7622 §3.3.1 provides a small table of characters which are still
		// not allowed in localparts even though the UsernameCaseMapped profile
		// doesn't forbid them.
		if strings.ContainsAny(localpart, `"&'/:<>@`) {
			return JID{}, ErrForbiddenLocal
		}
	}

	j := JID{localpart: localpart, domainpart: domainpart}
	return j.withResource(resourcepart)
}

func prepDomain(domainpart string) (string, error) {
	// IP literals are not subject to IDNA processing.
	if l := len(domainpart); l > 2 && strings.HasPrefix(domainpart, "[") &&
		strings.HasSuffix(domainpart, "]") {
		if ip := net.ParseIP(domainpart[1 : l-1]); ip == nil || ip.To4() != nil {
			return "", ErrInvalidIP6
		}
		return domainpart, nil
	}
	if ip := net.ParseIP(domainpart); ip != nil && ip.To4() != nil {
		return domainpart, nil
	}

	domainpart, err := idna.ToUnicode(domainpart)
	if err != nil {
		return "", err
	}
	if !utf8.ValidString(domainpart) {
		return "", ErrInvalidUTF8
	}
	domainpart = strings.ToLower(domainpart)
	if l := len(domainpart); l < 1 || l > 1023 {
		return "", ErrEmptyDomain
	}
	return domainpart, nil
}

// WithResource returns a copy of the JID with a new resourcepart.
// This elides validation of the localpart and domainpart.
// An empty resourcepart results in a bare JID.
func (j JID) WithResource(resourcepart string) (JID, error) {
	if !utf8.ValidString(resourcepart) {
		return JID{}, ErrInvalidUTF8
	}
	return j.withResource(resourcepart)
}

func (j JID) withResource(resourcepart string) (JID, error) {
	j.resourcepart = ""
	if resourcepart == "" {
		return j, nil
	}
	rp, err := precis.OpaqueString.String(resourcepart)
	if err != nil {
		return JID{}, err
	}
	if len(rp) > 1023 {
		return JID{}, ErrLongResource
	}
	j.resourcepart = rp
	return j, nil
}

// Bare returns a copy of the JID without a resourcepart. This is sometimes
// called a "bare" JID.
func (j JID) Bare() JID {
	j.resourcepart = ""
	return j
}

// Domain returns a copy of the JID without a resourcepart or localpart.
func (j JID) Domain() JID {
	return JID{domainpart: j.domainpart}
}

// Localpart gets the localpart of a JID (eg "username").
func (j JID) Localpart() string {
	return j.localpart
}

// Domainpart gets the domainpart of a JID (eg. "example.net").
func (j JID) Domainpart() string {
	return j.domainpart
}

// Resourcepart gets the resourcepart of a JID.
func (j JID) Resourcepart() string {
	return j.resourcepart
}

// IsZero reports whether j is the empty address.
func (j JID) IsZero() bool {
	return j == JID{}
}

// IsBare reports whether the JID has no resourcepart.
func (j JID) IsBare() bool {
	return j.resourcepart == ""
}

// Network satisfies the net.Addr interface by returning the name of the
// network ("xmpp").
func (JID) Network() string {
	return "xmpp"
}

// String converts a JID to its string representation.
func (j JID) String() string {
	s := j.domainpart
	if j.localpart != "" {
		s = j.localpart + "@" + s
	}
	if j.resourcepart != "" {
		s = s + "/" + j.resourcepart
	}
	return s
}

// Equal performs an octet-for-octet comparison with the given JID.
func (j JID) Equal(j2 JID) bool {
	return j == j2
}

// MarshalXMLAttr satisfies the xml.MarshalerAttr interface and marshals the JID
// as an XML attribute.
// The empty JID produces no attribute.
func (j JID) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	if j.IsZero() {
		return xml.Attr{}, nil
	}
	return xml.Attr{Name: name, Value: j.String()}, nil
}

// UnmarshalXMLAttr satisfies the xml.UnmarshalerAttr interface and unmarshals
// an XML attribute into a valid JID (or returns an error).
func (j *JID) UnmarshalXMLAttr(attr xml.Attr) error {
	if attr.Value == "" {
		*j = JID{}
		return nil
	}
	j2, err := Parse(attr.Value)
	if err != nil {
		return err
	}
	*j = j2
	return nil
}

// SplitString splits out the localpart, domainpart, and resourcepart from a
// string representation of a JID. The parts are not guaranteed to be valid.
func SplitString(s string) (localpart, domainpart, resourcepart string, err error) {
	// RFC 7622 §3.1: the separators must be matched before applying any
	// transformation, which might decompose code points to '@' or '/'.
	if sep := strings.IndexByte(s, '/'); sep != -1 {
		if sep == len(s)-1 {
			return "", "", "", ErrEmptyResource
		}
		resourcepart = s[sep+1:]
		s = s[:sep]
	}

	switch sep := strings.IndexByte(s, '@'); sep {
	case -1:
		domainpart = s
	case 0:
		return "", "", "", ErrEmptyLocal
	default:
		localpart = s[:sep]
		domainpart = s[sep+1:]
	}

	// A trailing label separator is ignored for the purpose of comparison and
	// routing.
	domainpart = strings.TrimSuffix(domainpart, ".")
	return localpart, domainpart, resourcepart, nil
}
