// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package parser implements an incremental XMPP stream parser.
//
// Bytes are written to a Parser as they arrive from a transport in chunks of
// any size and events are pulled out of it with Next.
// A Parser never blocks: an element that has not been completely received
// simply produces no event until the rest of it is written.
// Scanning is lazy so that a stream restart (Reset) after an event leaves any
// bytes that were already buffered for the new stream untouched.
//
// The first error is final.
// XMPP does not allow resynchronizing a stream after malformed XML, so once a
// ParseError has been returned the Parser discards its buffer and produces no
// further events.
package parser // import "mellium.im/xmppd/parser"

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strings"

	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/stanza"
	"mellium.im/xmppd/stream"
)

// DefaultMaxStanzaSize is the largest top level element accepted by a Parser
// unless configured otherwise.
const DefaultMaxStanzaSize = 256 << 10

// ErrClosed is returned when writing to a parser whose stream has ended.
var ErrClosed = errors.New("parser: stream closed")

// EventKind is the type of an Event.
type EventKind uint8

// A list of event kinds.
const (
	StreamOpened EventKind = iota + 1
	StanzaComplete
	StreamClosed
	ParseError
)

func (k EventKind) String() string {
	switch k {
	case StreamOpened:
		return "stream-opened"
	case StanzaComplete:
		return "stanza-complete"
	case StreamClosed:
		return "stream-closed"
	case ParseError:
		return "parse-error"
	}
	return "unknown"
}

// Event is a unit of progress on the stream.
type Event struct {
	Kind EventKind

	// Header is set for StreamOpened.
	Header stream.Info

	// Element is set for StanzaComplete.
	// It is any top level element, not only message, presence, and iq.
	Element *stanza.Element

	// Err is set for ParseError and is always a stream.Error.
	Err error
}

// Option configures a Parser.
type Option func(*Parser)

// MaxStanzaSize limits the size in bytes of a single top level element.
// Exceeding the limit results in a policy-violation error.
// Zero disables the limit.
func MaxStanzaSize(n int) Option {
	return func(p *Parser) {
		p.maxSize = n
	}
}

type mode uint8

const (
	modeText mode = iota
	modeOpen
	modeStartTag
	modeEndTag
	modePI
	modeBang
	modeCDATA
)

// Parser is an incremental stream parser.
// It is not safe for concurrent use.
type Parser struct {
	buf   []byte
	pos   int
	tok   int
	elem  int
	depth int
	mode  mode
	quote byte

	header     []byte
	headerName string
	closed     bool
	err        error
	maxSize    int
}

// New returns a Parser that expects a stream header as its first element.
func New(opts ...Option) *Parser {
	p := &Parser{maxSize: DefaultMaxStanzaSize}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Write appends b to the parser's buffer.
// It does no parsing; call Next to retrieve events.
func (p *Parser) Write(b []byte) (int, error) {
	switch {
	case p.err != nil:
		return 0, p.err
	case p.closed:
		return 0, ErrClosed
	}
	p.compact()
	p.buf = append(p.buf, b...)
	return len(b), nil
}

// Feed writes b and returns all events that can be produced so far.
func (p *Parser) Feed(b []byte) []Event {
	if _, err := p.Write(b); err != nil {
		return nil
	}
	var events []Event
	for {
		ev, ok := p.Next()
		if !ok {
			return events
		}
		events = append(events, ev)
	}
}

// Next scans buffered input and returns the next event.
// If more input is needed before an event can be produced, or the stream has
// ended, ok is false.
func (p *Parser) Next() (ev Event, ok bool) {
	if p.err != nil || p.closed {
		return Event{}, false
	}
	ev, ok, err := p.scan()
	if err != nil {
		p.err = err
		p.buf = nil
		return Event{Kind: ParseError, Err: err}, true
	}
	if ok && ev.Kind == StreamClosed {
		p.closed = true
	}
	return ev, ok
}

// Reset prepares the parser for a new stream on the same byte stream, as is
// required after STARTTLS and SASL succeed.
// Bytes that have been written but not yet scanned are kept.
func (p *Parser) Reset() {
	if p.err != nil {
		return
	}
	p.buf = append(p.buf[:0:0], p.buf[p.pos:]...)
	p.pos, p.tok, p.elem, p.depth = 0, 0, 0, 0
	p.mode, p.quote = modeText, 0
	p.header, p.headerName = nil, ""
	p.closed = false
}

// Buffered returns the number of bytes that have been written but not yet
// returned as part of an event.
func (p *Parser) Buffered() int {
	return len(p.buf) - p.keep()
}

// keep returns the offset of the first byte that may still be needed.
func (p *Parser) keep() int {
	keep := p.pos
	if p.mode != modeText {
		keep = p.tok
	}
	if p.depth >= 2 && p.elem < keep {
		keep = p.elem
	}
	return keep
}

func (p *Parser) compact() {
	keep := p.keep()
	if keep == 0 || keep < len(p.buf)/2 {
		return
	}
	n := copy(p.buf, p.buf[keep:])
	p.buf = p.buf[:n]
	p.pos -= keep
	p.tok -= keep
	p.elem -= keep
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

func (p *Parser) scan() (Event, bool, error) {
	for p.pos < len(p.buf) {
		if err := p.checkSize(); err != nil {
			return Event{}, false, err
		}
		switch p.mode {
		case modeText:
			if p.depth >= 2 {
				idx := bytes.IndexByte(p.buf[p.pos:], '<')
				if idx == -1 {
					p.pos = len(p.buf)
					continue
				}
				p.pos += idx
			}
			c := p.buf[p.pos]
			if c == '<' {
				p.tok = p.pos
				p.mode = modeOpen
				p.pos++
				continue
			}
			if !isSpace(c) {
				if p.depth == 0 {
					return Event{}, false, stream.NotWellFormed
				}
				return Event{}, false, stream.BadFormat.WithText("character data is not allowed between stanzas")
			}
			p.pos++
		case modeOpen:
			switch c := p.buf[p.pos]; {
			case c == '>' || isSpace(c):
				return Event{}, false, stream.NotWellFormed
			case c == '/':
				p.mode = modeEndTag
			case c == '?':
				p.mode = modePI
			case c == '!':
				p.mode = modeBang
			default:
				p.mode = modeStartTag
			}
			p.pos++
		case modeStartTag:
			c := p.buf[p.pos]
			p.pos++
			if p.quote != 0 {
				if c == p.quote {
					p.quote = 0
				}
				continue
			}
			switch c {
			case '"', '\'':
				p.quote = c
			case '<':
				return Event{}, false, stream.NotWellFormed
			case '>':
				p.mode = modeText
				if ev, ok, err := p.startTag(); err != nil || ok {
					return ev, ok, err
				}
			}
		case modeEndTag:
			c := p.buf[p.pos]
			p.pos++
			switch c {
			case '<':
				return Event{}, false, stream.NotWellFormed
			case '>':
				p.mode = modeText
				if ev, ok, err := p.endTag(); err != nil || ok {
					return ev, ok, err
				}
			}
		case modePI:
			c := p.buf[p.pos]
			p.pos++
			if c == '>' && p.buf[p.pos-2] == '?' && p.pos-p.tok >= 4 {
				p.mode = modeText
				if err := p.procInst(); err != nil {
					return Event{}, false, err
				}
			}
		case modeBang:
			const cdata = "<![CDATA["
			rest := p.buf[p.tok:]
			if len(rest) < len(cdata) && bytes.HasPrefix([]byte(cdata), rest) {
				// Wait for enough input to tell CDATA from the restricted
				// constructs.
				return Event{}, false, nil
			}
			if !bytes.HasPrefix(rest, []byte(cdata)) {
				// Comments, DTDs, and everything else introduced by "<!" are
				// restricted.
				return Event{}, false, stream.RestrictedXML
			}
			if p.depth < 2 {
				return Event{}, false, stream.BadFormat.WithText("character data is not allowed between stanzas")
			}
			p.mode = modeCDATA
			p.pos = p.tok + len(cdata)
		case modeCDATA:
			idx := bytes.Index(p.buf[p.pos:], []byte("]]>"))
			if idx == -1 {
				// Keep the last two bytes in case they begin the terminator.
				if n := len(p.buf) - 2; n > p.pos {
					p.pos = n
				}
				return Event{}, false, nil
			}
			p.pos += idx + 3
			p.mode = modeText
		}
	}
	return Event{}, false, p.checkSize()
}

func (p *Parser) checkSize() error {
	if p.maxSize <= 0 {
		return nil
	}
	start := -1
	switch {
	case p.depth >= 2:
		start = p.elem
	case p.mode != modeText:
		start = p.tok
	}
	if start >= 0 && p.pos-start > p.maxSize {
		return stream.PolicyViolation.WithText("stanza too large")
	}
	return nil
}

func tagName(tag []byte) string {
	tag = bytes.TrimLeft(tag, "</")
	end := bytes.IndexAny(tag, " \t\r\n/>")
	if end == -1 {
		return string(tag)
	}
	return string(tag[:end])
}

func (p *Parser) startTag() (Event, bool, error) {
	tag := p.buf[p.tok:p.pos]
	selfClosing := len(tag) >= 3 && tag[len(tag)-2] == '/'

	if p.depth == 0 {
		if selfClosing {
			return Event{}, false, stream.NotWellFormed
		}
		return p.openStream(tag)
	}

	if p.depth == 1 {
		p.elem = p.tok
	}
	if !selfClosing {
		p.depth++
		return Event{}, false, nil
	}
	if p.depth == 1 {
		return p.element(p.buf[p.elem:p.pos])
	}
	return Event{}, false, nil
}

func (p *Parser) openStream(tag []byte) (Event, bool, error) {
	header := append([]byte(nil), tag...)
	d := xml.NewDecoder(bytes.NewReader(header))
	tok, err := d.Token()
	if err != nil {
		return Event{}, false, stream.NotWellFormed
	}
	start, ok := tok.(xml.StartElement)
	if !ok {
		return Event{}, false, stream.NotWellFormed
	}
	if start.Name != (xml.Name{Space: ns.Stream, Local: "stream"}) {
		return Event{}, false, stream.InvalidNamespace
	}
	if err := checkPrefixes(bytes.NewReader(header)); err != nil {
		return Event{}, false, err
	}
	var info stream.Info
	if err := info.FromStartElement(start); err != nil {
		return Event{}, false, err
	}

	p.header = header
	p.headerName = tagName(tag)
	p.depth = 1
	return Event{Kind: StreamOpened, Header: info}, true, nil
}

func (p *Parser) endTag() (Event, bool, error) {
	switch p.depth {
	case 0:
		return Event{}, false, stream.NotWellFormed
	case 1:
		if strings.TrimSpace(tagName(p.buf[p.tok:p.pos])) != p.headerName {
			return Event{}, false, stream.NotWellFormed
		}
		return Event{Kind: StreamClosed}, true, nil
	}
	p.depth--
	if p.depth > 1 {
		return Event{}, false, nil
	}
	return p.element(p.buf[p.elem:p.pos])
}

func (p *Parser) element(raw []byte) (Event, bool, error) {
	if err := checkPrefixes(io.MultiReader(bytes.NewReader(p.header), bytes.NewReader(raw))); err != nil {
		return Event{}, false, err
	}
	d := xml.NewDecoder(io.MultiReader(bytes.NewReader(p.header), bytes.NewReader(raw)))
	// The stream header is replayed first so that prefixes and the default
	// namespace it declares are in scope for the element.
	if _, err := d.Token(); err != nil {
		return Event{}, false, stream.NotWellFormed
	}
	tok, err := d.Token()
	if err != nil {
		return Event{}, false, stream.NotWellFormed
	}
	start, ok := tok.(xml.StartElement)
	if !ok {
		return Event{}, false, stream.NotWellFormed
	}
	el, err := stanza.Decode(d, start)
	if err != nil {
		return Event{}, false, stream.NotWellFormed
	}
	return Event{Kind: StanzaComplete, Element: el}, true, nil
}

// checkPrefixes reports BadNamespacePrefix if any element or attribute in r
// uses a prefix that is not declared on it or one of its ancestors.
func checkPrefixes(r io.Reader) error {
	d := xml.NewDecoder(r)
	var scopes []map[string]bool
	inScope := func(prefix string) bool {
		if prefix == "" || prefix == "xml" {
			return true
		}
		for i := len(scopes) - 1; i >= 0; i-- {
			if scopes[i][prefix] {
				return true
			}
		}
		return false
	}
	for {
		tok, err := d.RawToken()
		switch {
		case err == io.EOF:
			return nil
		case err != nil:
			return stream.NotWellFormed
		}
		switch t := tok.(type) {
		case xml.StartElement:
			var decl map[string]bool
			for _, a := range t.Attr {
				if a.Name.Space == "xmlns" {
					if decl == nil {
						decl = make(map[string]bool)
					}
					decl[a.Name.Local] = true
				}
			}
			scopes = append(scopes, decl)
			if !inScope(t.Name.Space) {
				return stream.BadNamespacePrefix
			}
			for _, a := range t.Attr {
				if a.Name.Space != "xmlns" && !inScope(a.Name.Space) {
					return stream.BadNamespacePrefix
				}
			}
		case xml.EndElement:
			if len(scopes) > 0 {
				scopes = scopes[:len(scopes)-1]
			}
		}
	}
}

// procInst handles a processing instruction.
// The only one allowed is the XML declaration before a stream header.
func (p *Parser) procInst() error {
	pi := p.buf[p.tok:p.pos]
	if p.depth != 0 || !bytes.HasPrefix(pi, []byte("<?xml")) || len(pi) < 7 || !isSpace(pi[5]) {
		return stream.RestrictedXML
	}
	inst := string(pi[5 : len(pi)-2])
	if enc := declAttr(inst, "encoding"); enc != "" && !strings.EqualFold(enc, "utf-8") {
		return stream.UnsupportedEncoding
	}
	d := xml.NewDecoder(bytes.NewReader(pi))
	tok, err := d.RawToken()
	if err != nil {
		return stream.NotWellFormed
	}
	if _, ok := tok.(xml.ProcInst); !ok {
		return stream.NotWellFormed
	}
	return nil
}

// declAttr returns the value of a pseudo-attribute in an XML declaration.
func declAttr(inst, name string) string {
	idx := strings.Index(inst, name)
	if idx == -1 {
		return ""
	}
	v := strings.TrimLeft(inst[idx+len(name):], " \t\r\n")
	if !strings.HasPrefix(v, "=") {
		return ""
	}
	v = strings.TrimLeft(v[1:], " \t\r\n")
	if v == "" || (v[0] != '"' && v[0] != '\'') {
		return ""
	}
	q := v[0]
	v = v[1:]
	if end := strings.IndexByte(v, q); end >= 0 {
		return v[:end]
	}
	return ""
}
