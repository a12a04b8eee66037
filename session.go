// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppd

import (
	"bytes"
	"crypto/tls"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"mellium.im/xmlstream"
	"mellium.im/xmppd/auth"
	"mellium.im/xmppd/internal/attr"
	"mellium.im/xmppd/internal/clock"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/parser"
	"mellium.im/xmppd/router"
	"mellium.im/xmppd/stanza"
	"mellium.im/xmppd/stream"
)

// Errors returned by sessions.
var (
	ErrSessionClosed = errors.New("xmppd: session closed")
	errTransport     = errors.New("xmppd: transport failed")
)

// Defaults used when the corresponding Config field is zero.
const (
	DefaultMaxAuthAttempts = 3
	DefaultAuthTimeout     = time.Minute
)

// State is the negotiation phase of a session.
type State uint8

// A list of session states in the order that a session moves through them.
const (
	Connecting State = iota
	StreamNegotiating
	Authenticating
	ResourceBinding
	Established
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case StreamNegotiating:
		return "stream-negotiating"
	case Authenticating:
		return "authenticating"
	case ResourceBinding:
		return "resource-binding"
	case Established:
		return "established"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// SessionState is a bitmask of the features that have been negotiated on a
// session.
type SessionState uint8

const (
	// Secure indicates that the underlying connection has been secured, either
	// by STARTTLS or because it was encrypted when it was accepted.
	Secure SessionState = 1 << iota

	// Authn indicates that the session has been authenticated with SASL.
	Authn

	// Bound indicates that a resource has been bound and the session has a
	// full JID.
	Bound
)

// Transport is the session's view of the connection that feeds it.
type Transport interface {
	// ConnectionState returns the TLS state of the transport or nil if it is not
	// encrypted.
	ConnectionState() *tls.ConnectionState
}

// TLSUpgrader is implemented by transports that support STARTTLS.
// StartTLS must write any outbound data that is still queued, then perform the
// server side of the TLS handshake before returning.
type TLSUpgrader interface {
	StartTLS(*tls.Config) error
}

// Config configures a session.
type Config struct {
	// Domain is the domain served by the session.
	Domain jid.JID

	// Router delivers stanzas and owns the route table.
	Router *router.Router

	// SASL authenticates the client.
	SASL auth.Provider

	// TLS enables STARTTLS if the transport supports it.
	TLS *tls.Config

	// RequireTLS prevents authentication on unencrypted streams.
	RequireTLS bool

	// MaxAuthAttempts is the number of failed authentication attempts after
	// which the stream is closed.
	MaxAuthAttempts int

	// AuthTimeout is the time allowed from creation until authentication
	// succeeds.
	// A negative value disables the deadline.
	AuthTimeout time.Duration

	// IdleTimeout closes the stream if no data is received for the given
	// duration.
	// Zero disables the timeout.
	IdleTimeout time.Duration

	// MaxStanzaSize limits the size of any single element read from the
	// stream.
	MaxStanzaSize int

	// QueueSize limits the number of items buffered for the transport.
	QueueSize int

	// JIDPolicy controls how localparts are compared.
	JIDPolicy jid.Policy

	Logger *slog.Logger
	Clock  clock.Clock
}

// A Session is one client stream.
// It consumes bytes from a transport and produces an ordered queue of outbound
// data, driving negotiation until a resource is bound and then passing stanzas
// to the router.
type Session struct {
	id     string
	cfg    Config
	t      Transport
	logger *slog.Logger
	out    *Queue
	done   chan struct{}

	mu         sync.Mutex
	state      State
	mask       SessionState
	parser     *parser.Parser
	headerSent bool
	authzid    jid.JID
	jid        jid.JID
	mechanism  string
	exchange   auth.Exchange
	failures   int
	authTimer  clock.Timer
	idleTimer  clock.Timer
}

// NewSession creates a session in the Connecting state.
// It panics if cfg.Router or cfg.SASL is nil.
func NewSession(cfg Config, t Transport) *Session {
	if cfg.Router == nil || cfg.SASL == nil {
		panic("xmppd: session requires a router and a SASL provider")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.MaxAuthAttempts <= 0 {
		cfg.MaxAuthAttempts = DefaultMaxAuthAttempts
	}
	if cfg.AuthTimeout == 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	if cfg.MaxStanzaSize <= 0 {
		cfg.MaxStanzaSize = parser.DefaultMaxStanzaSize
	}
	if cfg.Domain.IsZero() {
		cfg.Domain = cfg.Router.Domain()
	}

	s := &Session{
		id:     uuid.NewString(),
		cfg:    cfg,
		t:      t,
		out:    NewQueue(cfg.QueueSize),
		done:   make(chan struct{}),
		parser: parser.New(parser.MaxStanzaSize(cfg.MaxStanzaSize)),
	}
	s.logger = cfg.Logger.With(slog.String("session", s.id))
	if t != nil && t.ConnectionState() != nil {
		s.mask |= Secure
	}
	if cfg.AuthTimeout > 0 {
		s.authTimer = cfg.Clock.AfterFunc(cfg.AuthTimeout, func() {
			s.Terminate(stream.ConnectionTimeout.WithText("authentication timeout"))
		})
	}
	if cfg.IdleTimeout > 0 {
		s.idleTimer = cfg.Clock.AfterFunc(cfg.IdleTimeout, func() {
			s.Terminate(stream.ConnectionTimeout)
		})
	}
	s.logger.Debug("session.open", slog.Bool("secure", s.mask&Secure != 0))
	return s
}

// ID returns an identifier that is unique to the session.
// It satisfies the router.Endpoint interface.
func (s *Session) ID() string {
	return s.id
}

// Outbound returns the queue that the transport must drain.
func (s *Session) Outbound() *Queue {
	return s.out
}

// Done returns a channel that is closed when the session has closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// State returns the current negotiation phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Mask returns the features that have been negotiated.
func (s *Session) Mask() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mask
}

// JID returns the bound address of the session or the zero JID if no resource
// has been bound.
func (s *Session) JID() jid.JID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jid
}

// Mechanism returns the name of the SASL mechanism that authenticated the
// session, if any.
func (s *Session) Mechanism() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mask&Authn == 0 {
		return ""
	}
	return s.mechanism
}

// Feed passes bytes read from the transport to the session.
// Data may be split at any point.
// If Feed returns an error the session has closed and the remaining outbound
// data, if any, should be written before the transport is closed.
func (s *Session) Feed(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state >= Closing {
		return ErrSessionClosed
	}
	if s.idleTimer != nil {
		s.idleTimer.Reset(s.cfg.IdleTimeout)
	}
	if _, err := s.parser.Write(p); err != nil {
		s.terminateLocked(err)
		return err
	}
	for s.state < Closing {
		ev, ok := s.parser.Next()
		if !ok {
			break
		}
		if err := s.handle(ev); err != nil {
			s.terminateLocked(err)
			return err
		}
	}
	if s.state >= Closing {
		return ErrSessionClosed
	}
	return nil
}

// Terminate closes the session.
// If err is a stream.Error it is sent to the client before the stream is
// closed.
// Any other error is treated as a transport failure and only the closing tag
// is queued.
// Terminate is safe to call more than once.
func (s *Session) Terminate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminateLocked(err)
}

func (s *Session) terminateLocked(err error) {
	if s.state >= Closing {
		return
	}
	s.state = Closing

	var final []Item
	var se stream.Error
	if errors.As(err, &se) {
		if !s.headerSent {
			if hdr, herr := s.header(stream.Info{}); herr == nil {
				final = append(final, Item{Kind: HeaderItem, Data: hdr})
				s.headerSent = true
			}
		}
		if b, merr := marshal(se); merr == nil {
			final = append(final, Item{Kind: ErrorItem, Data: b})
		}
	}
	if s.headerSent {
		final = append(final, Item{Kind: CloseItem, Data: []byte(stream.Closing)})
	}
	s.out.pushFinal(final...)

	if s.mask&Bound != 0 {
		s.cfg.Router.Unbind(s.jid, s)
	}
	if s.authTimer != nil {
		s.authTimer.Stop()
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}

	attrs := []any{slog.String("state", s.state.String())}
	if !s.jid.IsZero() {
		attrs = append(attrs, slog.String("jid", s.jid.String()))
	}
	if err != nil {
		attrs = append(attrs, slog.String("err", err.Error()))
	}
	s.logger.Info("session.close", attrs...)

	s.state = Closed
	close(s.done)
}

// Deliver queues a stanza for the client.
// It satisfies the router.Endpoint interface and never blocks.
func (s *Session) Deliver(st stanza.Stanza) bool {
	b, err := marshal(st)
	if err != nil {
		s.logger.Warn("deliver.encode", slog.String("err", err.Error()))
		return false
	}
	return s.out.Push(Item{Kind: ElementItem, Data: b})
}

// send queues an element for the client.
// A full queue closes the session.
func (s *Session) send(v xmlstream.WriterTo) error {
	b, err := marshal(v)
	if err != nil {
		return err
	}
	if !s.out.Push(Item{Kind: ElementItem, Data: b}) {
		return stream.ResourceConstraint
	}
	return nil
}

func (s *Session) header(in stream.Info) ([]byte, error) {
	info := stream.Info{
		From:    s.cfg.Domain,
		To:      in.From,
		ID:      attr.RandomID(),
		Version: stream.DefaultVersion,
		Lang:    in.Lang,
	}
	var buf bytes.Buffer
	if err := stream.WriteHeader(&buf, info); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func marshal(v xmlstream.WriterTo) ([]byte, error) {
	return stanza.Marshal(v)
}

func (s *Session) handle(ev parser.Event) error {
	switch ev.Kind {
	case parser.ParseError:
		return ev.Err
	case parser.StreamOpened:
		return s.open(ev.Header)
	case parser.StreamClosed:
		s.terminateLocked(nil)
		return nil
	case parser.StanzaComplete:
		return s.element(ev.Element)
	}
	return nil
}

// open answers a stream header with our own header and the features that are
// available in the current state.
func (s *Session) open(in stream.Info) error {
	hdr, err := s.header(in)
	if err != nil {
		return err
	}
	if !s.out.Push(Item{Kind: HeaderItem, Data: hdr}) {
		return stream.ResourceConstraint
	}
	s.headerSent = true

	if err := in.Validate(); err != nil {
		return err
	}
	if !in.To.IsZero() && in.To.Domainpart() != s.cfg.Domain.Domainpart() {
		return stream.HostUnknown
	}
	s.state = StreamNegotiating
	return s.send(s.features())
}
