// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bosh

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"mellium.im/xmppd"
	"mellium.im/xmppd/internal/clock"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/stanza"
)

// Defaults used when the corresponding ManagerConfig field is zero.
const (
	DefaultWait    = 60 * time.Second
	DefaultHold    = 1
	DefaultPolling = 2 * time.Second
)

var errGap = errors.New("bosh: missing request was not received in time")

// SessionFactory creates the XMPP session behind a new BOSH session.
type SessionFactory func(t xmppd.Transport) *xmppd.Session

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Domain is the domain served by the connection manager.
	Domain jid.JID

	// MaxWait is the longest time a request may be held.
	// Clients may ask for less.
	MaxWait time.Duration

	// MaxHold is the largest number of requests that may be held at once.
	// Clients may ask for fewer.
	MaxHold int

	// Polling is the shortest interval between empty requests that clients
	// are told to respect.
	Polling time.Duration

	// Inactivity is the time a session may go without any request before it
	// is terminated.
	// If zero, wait×(hold+1) is used for each session.
	Inactivity time.Duration

	// GapTimeout is the time a request that arrived early may wait for the
	// requests before it.
	// If zero, the session's wait is used.
	GapTimeout time.Duration

	// AssumeSecure marks every session as encrypted, for use when TLS is
	// terminated by a proxy in front of the handler.
	AssumeSecure bool

	Logger *slog.Logger
	Clock  clock.Clock
}

// Manager multiplexes the HTTP requests of BOSH sessions onto XMPP sessions.
type Manager struct {
	cfg     ManagerConfig
	factory SessionFactory
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager creates a connection manager that uses factory to create the
// XMPP session for each new BOSH session.
func NewManager(cfg ManagerConfig, factory SessionFactory) *Manager {
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultWait
	}
	if cfg.MaxHold <= 0 {
		cfg.MaxHold = DefaultHold
	}
	if cfg.Polling <= 0 {
		cfg.Polling = DefaultPolling
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Manager{
		cfg:      cfg,
		factory:  factory,
		logger:   cfg.Logger,
		sessions: make(map[string]*session),
	}
}

type tlsKey struct{}

// WithTLS returns a context that records the TLS state of the connection that
// carried a request.
// Sessions created by requests with a TLS state are considered secure.
func WithTLS(ctx context.Context, cs *tls.ConnectionState) context.Context {
	return context.WithValue(ctx, tlsKey{}, cs)
}

type transport struct {
	state *tls.ConnectionState
}

func (t transport) ConnectionState() *tls.ConnectionState {
	return t.state
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Handle processes one request and returns the body that answers it.
// It blocks until the request is answered or ctx is done.
// If the request terminates the session with a condition, the terminate body
// is returned along with an error that wraps the Condition.
func (m *Manager) Handle(ctx context.Context, b Body) ([]byte, error) {
	if b.SID == "" {
		return m.create(ctx, b)
	}
	m.mu.Lock()
	s, ok := m.sessions[b.SID]
	m.mu.Unlock()
	if !ok {
		return TerminateBody(ItemNotFound), termError{cond: ItemNotFound, err: ErrUnknownSession}
	}
	return s.handle(ctx, b)
}

// Close terminates every session with the system-shutdown condition.
func (m *Manager) Close() {
	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	for _, s := range all {
		s.mu.Lock()
		s.terminateLocked(SystemShutdown, nil)
		s.mu.Unlock()
	}
}

func (m *Manager) remove(sid string) {
	m.mu.Lock()
	delete(m.sessions, sid)
	m.mu.Unlock()
}

func (m *Manager) create(ctx context.Context, b Body) ([]byte, error) {
	if b.Type == TypeTerminate {
		return TerminateBody(BadRequest), termError{cond: BadRequest, err: errors.New("bosh: terminate without a session")}
	}
	if b.To != "" {
		to, err := jid.Parse(b.To)
		if err != nil || to.Domainpart() != m.cfg.Domain.Domainpart() {
			return TerminateBody(HostUnknown), termError{cond: HostUnknown}
		}
	}

	wait := m.cfg.MaxWait
	if b.Wait > 0 && time.Duration(b.Wait)*time.Second < wait {
		wait = time.Duration(b.Wait) * time.Second
	}
	hold := m.cfg.MaxHold
	if b.Hold >= 0 && b.Hold < hold {
		hold = b.Hold
	}
	inactivity := m.cfg.Inactivity
	if inactivity <= 0 {
		inactivity = wait * time.Duration(hold+1)
	}
	gap := m.cfg.GapTimeout
	if gap <= 0 {
		gap = wait
	}
	lang := b.Lang
	if lang == "" {
		lang = "en"
	}

	state, _ := ctx.Value(tlsKey{}).(*tls.ConnectionState)
	if state == nil && m.cfg.AssumeSecure {
		state = &tls.ConnectionState{HandshakeComplete: true}
	}

	sid := uuid.NewString()
	s := &session{
		m:          m,
		sid:        sid,
		xs:         m.factory(transport{state: state}),
		lang:       lang,
		wait:       wait,
		hold:       hold,
		requests:   hold + 1,
		inactivity: inactivity,
		gapTimeout: gap,
		logger:     m.logger.With(slog.String("sid", sid)),
		done:       make(chan struct{}),
		next:       b.RID + 1,
		early:      make(map[uint64]*request),
		replay:     make(map[uint64][]byte),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Errors are reported through the session's outbound queue.
	_ = s.xs.Feed(s.header())
	s.collect()
	if s.closing {
		s.terminateLocked(RemoteStreamError, nil)
		return TerminateBody(RemoteStreamError), termError{cond: RemoteStreamError}
	}

	r := response{payload: s.out}
	s.out = nil
	r.set("sid", sid)
	r.set("wait", strconv.Itoa(int(wait/time.Second)))
	r.set("hold", strconv.Itoa(hold))
	r.set("requests", strconv.Itoa(s.requests))
	r.set("inactivity", strconv.Itoa(int(inactivity/time.Second)))
	r.set("polling", strconv.Itoa(int(m.cfg.Polling/time.Second)))
	r.set("ver", Version)
	r.set("from", m.cfg.Domain.String())
	r.set("xmpp:version", "1.0")
	r.set("xmpp:restartlogic", "true")
	resp := r.bytes()
	s.replay[b.RID] = resp

	m.mu.Lock()
	m.sessions[sid] = s
	m.mu.Unlock()

	s.startInactivity()
	go s.watch()
	s.logger.Info("bosh.create",
		slog.Uint64("rid", b.RID),
		slog.Duration("wait", wait),
		slog.Int("hold", hold),
		slog.String("session", s.xs.ID()))
	return resp, nil
}

type reply struct {
	body []byte
	err  error
}

type request struct {
	body  Body
	resp  chan reply
	timer clock.Timer
}

// session is one BOSH session and the XMPP session it wraps.
type session struct {
	m          *Manager
	sid        string
	xs         *xmppd.Session
	lang       string
	wait       time.Duration
	hold       int
	requests   int
	inactivity time.Duration
	gapTimeout time.Duration
	logger     *slog.Logger
	done       chan struct{}

	mu         sync.Mutex
	next       uint64
	held       []*request
	early      map[uint64]*request
	replay     map[uint64][]byte
	out        [][]byte
	streamErr  []byte
	closing    bool
	terminated bool
	idle       clock.Timer
	gap        clock.Timer
}

func (s *session) header() []byte {
	var buf bytes.Buffer
	buf.WriteString(`<stream:stream xmlns='` + ns.Client + `' xmlns:stream='` + ns.Stream + `' to='`)
	_ = xml.EscapeText(&buf, []byte(s.m.cfg.Domain.String()))
	buf.WriteString(`' version='1.0' xml:lang='`)
	_ = xml.EscapeText(&buf, []byte(s.lang))
	buf.WriteString(`'>`)
	return buf.Bytes()
}

func (s *session) handle(ctx context.Context, b Body) ([]byte, error) {
	s.mu.Lock()
	if resp, ok := s.replay[b.RID]; ok {
		s.mu.Unlock()
		s.logger.Debug("bosh.replay", slog.Uint64("rid", b.RID))
		return resp, nil
	}
	if s.terminated {
		s.mu.Unlock()
		return TerminateBody(ItemNotFound), termError{cond: ItemNotFound, err: ErrUnknownSession}
	}
	req := &request{body: b, resp: make(chan reply, 1)}

	switch {
	case b.RID < s.next:
		old := s.heldByRID(b.RID)
		if old == nil {
			s.logger.Warn("bosh.rid.unknown", slog.Uint64("rid", b.RID), slog.Uint64("next", s.next))
			s.terminateLocked(ItemNotFound, nil)
			s.mu.Unlock()
			return TerminateBody(ItemNotFound), termError{cond: ItemNotFound}
		}
		// The client gave up on a held request and sent it again; the new
		// request takes its place.
		for i, h := range s.held {
			if h == old {
				s.held[i] = req
			}
		}
		s.abandon(old)
		s.dispatch()
	case b.RID >= s.next+uint64(s.requests):
		s.logger.Warn("bosh.rid.window", slog.Uint64("rid", b.RID), slog.Uint64("next", s.next))
		s.terminateLocked(ItemNotFound, nil)
		s.mu.Unlock()
		return TerminateBody(ItemNotFound), termError{cond: ItemNotFound}
	case b.RID > s.next:
		if old, ok := s.early[b.RID]; ok {
			s.abandon(old)
		}
		s.early[b.RID] = req
		s.stopInactivity()
		if s.gap == nil {
			s.gap = s.m.cfg.Clock.AfterFunc(s.gapTimeout, s.gapExpired)
		}
		s.logger.Debug("bosh.rid.early", slog.Uint64("rid", b.RID), slog.Uint64("next", s.next))
	default:
		s.process(req)
		for !s.terminated {
			r, ok := s.early[s.next]
			if !ok {
				break
			}
			delete(s.early, s.next)
			s.process(r)
		}
		if len(s.early) == 0 && s.gap != nil {
			s.gap.Stop()
			s.gap = nil
		}
		if !s.terminated {
			s.dispatch()
		}
	}
	s.mu.Unlock()

	select {
	case r := <-req.resp:
		return r.body, r.err
	case <-ctx.Done():
		// The request stays in place; its response is kept for replay.
		return nil, ctx.Err()
	}
}

func (s *session) heldByRID(rid uint64) *request {
	for _, r := range s.held {
		if r.body.RID == rid {
			return r
		}
	}
	return nil
}

// abandon answers a request that was replaced by a retransmission.
func (s *session) abandon(r *request) {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.resp <- reply{body: (&response{}).bytes()}
}

// process feeds the payload of the next request in order to the XMPP session.
func (s *session) process(r *request) {
	s.next++
	b := r.body
	if b.Restart {
		s.logger.Debug("bosh.restart", slog.Uint64("rid", b.RID))
		_ = s.xs.Feed(s.header())
	}
	for _, el := range b.Payload {
		data, err := stanza.Marshal(el)
		if err != nil {
			s.logger.Warn("bosh.payload", slog.Uint64("rid", b.RID), slog.String("err", err.Error()))
			continue
		}
		if err := s.xs.Feed(data); err != nil {
			break
		}
	}
	s.held = append(s.held, r)
	if b.Type == TypeTerminate {
		s.logger.Info("bosh.terminate", slog.Uint64("rid", b.RID))
		s.xs.Terminate(nil)
		s.collect()
		s.terminateLocked("", nil)
	}
}

// collect moves output from the XMPP session into the session's buffer.
func (s *session) collect() {
	for _, it := range s.xs.Outbound().Drain() {
		switch it.Kind {
		case xmppd.ElementItem:
			s.out = append(s.out, it.Data)
		case xmppd.ErrorItem:
			s.streamErr = it.Data
		case xmppd.CloseItem:
			s.closing = true
		}
	}
}

// dispatch answers held requests.
// Buffered output goes to the oldest held request, requests beyond hold are
// answered empty, and the rest wait for output or for their wait to elapse.
func (s *session) dispatch() {
	s.collect()
	if s.closing {
		if len(s.held) > 0 {
			cond := Condition("")
			if s.streamErr != nil {
				cond = RemoteStreamError
			}
			s.terminateLocked(cond, nil)
		}
		return
	}
	if len(s.out) > 0 && len(s.held) > 0 {
		s.answer(s.held[0], s.out)
		s.out = nil
	}
	for len(s.held) > s.hold {
		s.answer(s.held[0], nil)
	}
	for _, r := range s.held {
		if r.timer == nil {
			r.timer = s.m.cfg.Clock.AfterFunc(s.wait, func() { s.expire(r) })
		}
	}
	if len(s.held) == 0 && len(s.early) == 0 {
		s.startInactivity()
	} else {
		s.stopInactivity()
	}
}

// answer responds to a held request with payload and records the response for
// replay.
func (s *session) answer(r *request, payload [][]byte) {
	s.send(r, (&response{payload: payload}).bytes(), nil)
}

func (s *session) send(r *request, body []byte, err error) {
	if r.timer != nil {
		r.timer.Stop()
	}
	for i, h := range s.held {
		if h == r {
			s.held = append(s.held[:i], s.held[i+1:]...)
			break
		}
	}
	s.replay[r.body.RID] = body
	for rid := range s.replay {
		if rid+uint64(s.requests) < s.next {
			delete(s.replay, rid)
		}
	}
	r.resp <- reply{body: body, err: err}
}

func (s *session) expire(r *request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated || s.heldByRID(r.body.RID) != r {
		return
	}
	s.collect()
	s.answer(r, s.out)
	s.out = nil
	if len(s.held) == 0 && len(s.early) == 0 {
		s.startInactivity()
	}
}

func (s *session) gapExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gap = nil
	if s.terminated || len(s.early) == 0 {
		return
	}
	s.logger.Warn("bosh.gap.timeout", slog.Uint64("next", s.next), slog.Int("early", len(s.early)))
	s.terminateLocked(ItemNotFound, errGap)
}

func (s *session) inactive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated || len(s.held) > 0 || len(s.early) > 0 {
		return
	}
	s.logger.Info("bosh.inactivity", slog.Duration("inactivity", s.inactivity))
	s.terminateLocked("", nil)
}

func (s *session) startInactivity() {
	if s.terminated {
		return
	}
	if s.idle == nil {
		s.idle = s.m.cfg.Clock.AfterFunc(s.inactivity, s.inactive)
		return
	}
	s.idle.Reset(s.inactivity)
}

func (s *session) stopInactivity() {
	if s.idle != nil {
		s.idle.Stop()
	}
}

// terminateLocked ends the BOSH session and the XMPP session.
// Every outstanding request is answered with a terminate body; the oldest one
// carries any buffered output.
func (s *session) terminateLocked(cond Condition, cause error) {
	if s.terminated {
		return
	}
	s.terminated = true
	s.stopInactivity()
	if s.gap != nil {
		s.gap.Stop()
		s.gap = nil
	}
	s.xs.Terminate(nil)
	s.collect()

	payload := s.out
	if cond == RemoteStreamError && s.streamErr != nil {
		payload = append(payload, s.streamErr)
	}
	s.out = nil

	var err error
	if cond != "" {
		err = termError{cond: cond, err: cause}
	}
	for len(s.held) > 0 {
		r := &response{payload: payload}
		r.set("type", TypeTerminate)
		if cond != "" {
			r.set("condition", string(cond))
		}
		payload = nil
		s.send(s.held[0], r.bytes(), err)
	}
	for rid, r := range s.early {
		delete(s.early, rid)
		if r.timer != nil {
			r.timer.Stop()
		}
		r.resp <- reply{body: TerminateBody(cond), err: err}
	}

	s.m.remove(s.sid)
	close(s.done)
	attrs := []any{slog.Uint64("next", s.next)}
	if cond != "" {
		attrs = append(attrs, slog.String("condition", string(cond)))
	}
	if cause != nil {
		attrs = append(attrs, slog.String("err", cause.Error()))
	}
	s.logger.Info("bosh.close", attrs...)
}

// watch collects output that the XMPP session receives between requests.
func (s *session) watch() {
	q := s.xs.Outbound()
	for {
		select {
		case <-q.Ready():
			s.mu.Lock()
			if !s.terminated {
				s.dispatch()
			}
			s.mu.Unlock()
		case <-s.done:
			return
		}
	}
}
