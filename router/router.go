// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package router delivers stanzas between the sessions bound to a single
// domain.
//
// The route table maps every full JID to exactly one Endpoint and every bare
// JID to the set of its bound resources.
// It is only ever mutated through Bind and Unbind, both of which hold an
// exclusive lock, so lookups never observe a half updated table.
// Delivery itself never blocks: an Endpoint only enqueues the stanza for its
// own session to write.
package router // import "mellium.im/xmppd/router"

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/stanza"
)

// Errors returned by the router.
var (
	ErrConflict            = errors.New("router: resource already bound")
	ErrNotFullJID          = errors.New("router: only full JIDs may be bound")
	ErrDuplicateResponse   = errors.New("router: duplicate response to iq")
	ErrUnsolicitedResponse = errors.New("router: response to unknown iq")
	ErrNoDestination       = errors.New("router: stanza has no destination")
)

// Endpoint is the router's view of a bound session.
type Endpoint interface {
	// ID returns an identifier that is unique to the session.
	ID() string

	// Deliver enqueues s for writing to the session's transport.
	// It must not block and reports false if the session can no longer accept
	// stanzas.
	Deliver(s stanza.Stanza) bool
}

// Directory reports whether an account exists.
// It lets the router distinguish NoSuchUser from ServiceUnavailable.
type Directory interface {
	Exists(localpart string) bool
}

// Result is the outcome of routing a stanza.
type Result uint8

// A list of routing results.
const (
	Delivered Result = iota
	NoSuchUser
	ServiceUnavailable
	PolicyViolation
)

func (r Result) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case NoSuchUser:
		return "no-such-user"
	case ServiceUnavailable:
		return "service-unavailable"
	case PolicyViolation:
		return "policy-violation"
	}
	return "unknown"
}

type route struct {
	jid       jid.JID
	ep        Endpoint
	priority  int8
	available bool
	seq       uint64
}

// Router is a route table and delivery policy for one domain.
// It is safe for concurrent use.
type Router struct {
	domain   jid.JID
	policy   Policy
	dir      Directory
	logger   *slog.Logger
	tracker  *tracker
	window   int
	mu       sync.RWMutex
	full     map[jid.JID]*route
	bare     map[jid.JID]map[jid.JID]*route
	sequence uint64
}

// New creates a router for the given domain.
func New(domain jid.JID, opts ...Option) *Router {
	r := &Router{
		domain: domain.Domain(),
		full:   make(map[jid.JID]*route),
		bare:   make(map[jid.JID]map[jid.JID]*route),
		window: defaultAnsweredWindow,
	}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.tracker = newTracker(r.window)
	return r
}

// Domain returns the domain served by the router.
func (r *Router) Domain() jid.JID {
	return r.domain
}

// Bind adds a route for the full JID j.
// If j is already bound ErrConflict is returned and the table is unchanged.
func (r *Router) Bind(j jid.JID, ep Endpoint) error {
	if j.IsBare() || j.Localpart() == "" {
		return ErrNotFullJID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.full[j]; ok {
		return ErrConflict
	}
	r.sequence++
	rt := &route{jid: j, ep: ep, seq: r.sequence}
	r.full[j] = rt
	b := j.Bare()
	set := r.bare[b]
	if set == nil {
		set = make(map[jid.JID]*route)
		r.bare[b] = set
	}
	set[j] = rt
	return nil
}

// Unbind removes the route for j if it is still owned by ep.
// Requests that were delivered to j and never answered are answered on its
// behalf with a service-unavailable error.
func (r *Router) Unbind(j jid.JID, ep Endpoint) {
	r.mu.Lock()
	rt, ok := r.full[j]
	if !ok || rt.ep.ID() != ep.ID() {
		r.mu.Unlock()
		return
	}
	delete(r.full, j)
	b := j.Bare()
	if set := r.bare[b]; set != nil {
		delete(set, j)
		if len(set) == 0 {
			delete(r.bare, b)
		}
	}
	r.mu.Unlock()

	for _, p := range r.tracker.abandon(j) {
		if p.requester == nil {
			continue
		}
		reply := p.request.ErrorReply(stanza.Error{Type: stanza.Cancel, Condition: stanza.ServiceUnavailable})
		if !p.requester.Deliver(reply) {
			r.logger.Debug("iq.abandon.undeliverable", slog.String("jid", p.request.From.String()), slog.String("id", p.request.ID))
		}
	}
}

// Lookup returns the endpoint bound to the full JID j.
func (r *Router) Lookup(j jid.JID) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.full[j]
	if !ok {
		return nil, false
	}
	return rt.ep, true
}

// Resources returns the full JIDs bound for the bare JID b in sorted order.
func (r *Router) Resources(b jid.JID) []jid.JID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.bare[b.Bare()]
	out := make([]jid.JID, 0, len(set))
	for j := range set {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].String() < out[k].String()
	})
	return out
}

// Pending returns the number of iq requests that have been delivered and not
// yet answered.
func (r *Router) Pending() int {
	return r.tracker.outstanding()
}

// SetPriority records the presence priority and availability of a bound
// resource.
// It is used by the HighestPriority fan-out policy.
func (r *Router) SetPriority(j jid.JID, priority int8, available bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.full[j]
	if !ok {
		return
	}
	r.sequence++
	rt.priority = priority
	rt.available = available
	rt.seq = r.sequence
}

// Broadcast delivers a copy of s to every resource bound for the bare JID b,
// addressing each copy to the resource.
// It returns the number of copies delivered.
func (r *Router) Broadcast(s stanza.Stanza, b jid.JID) int {
	targets := r.targets(b.Bare(), func(*route) bool { return true })
	var n int
	for _, rt := range targets {
		c := s.Copy()
		c.To = rt.jid
		if rt.ep.Deliver(c) {
			n++
		}
	}
	return n
}

// targets returns a snapshot of the routes for b that match keep, highest
// priority first.
func (r *Router) targets(b jid.JID, keep func(*route) bool) []route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []route
	for _, rt := range r.bare[b] {
		if keep(rt) {
			out = append(out, *rt)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].priority != out[k].priority {
			return out[i].priority > out[k].priority
		}
		return out[i].seq > out[k].seq
	})
	return out
}

// Route delivers s, which must already carry a validated from address, to the
// session or sessions selected by its to address.
//
// If the stanza cannot be delivered a service-unavailable error is bounced to
// origin, except for error stanzas and presence which are never bounced.
// A second response to the same iq request, or a response to a request that
// was never routed, is not delivered and is reported as PolicyViolation along
// with a non-nil error; nothing is sent to the client in that case.
func (r *Router) Route(s stanza.Stanza, origin Endpoint) (Result, error) {
	if s.To.IsZero() {
		return ServiceUnavailable, ErrNoDestination
	}

	if s.Kind == stanza.IQKind && !s.IQType().IsRequest() {
		if err := r.tracker.answer(s.To, s.From, s.ID); err != nil {
			r.logger.Warn("iq.response.rejected",
				slog.String("from", s.From.String()),
				slog.String("to", s.To.String()),
				slog.String("id", s.ID),
				slog.String("err", err.Error()))
			return PolicyViolation, err
		}
	}

	if s.To.Domainpart() != r.domain.Domainpart() {
		r.bounce(s, origin, stanza.RemoteServerNotFound)
		return ServiceUnavailable, nil
	}
	if s.To.Localpart() == "" {
		r.bounce(s, origin, stanza.ServiceUnavailable)
		return ServiceUnavailable, nil
	}

	var targets []route
	if !s.To.IsBare() {
		r.mu.RLock()
		if rt, ok := r.full[s.To]; ok {
			targets = append(targets, *rt)
		}
		r.mu.RUnlock()
	} else {
		targets = r.fanOut(s)
	}

	var delivered int
	for _, rt := range targets {
		if s.Kind == stanza.IQKind && s.IQType().IsRequest() {
			r.tracker.request(s, origin, rt.jid)
			if !rt.ep.Deliver(s) {
				r.tracker.cancel(s.From, rt.jid, s.ID)
				continue
			}
			delivered++
			// Exactly one resource receives a request.
			break
		}
		if rt.ep.Deliver(s) {
			delivered++
		}
	}
	if delivered > 0 {
		return Delivered, nil
	}

	res := ServiceUnavailable
	if r.dir != nil && !r.dir.Exists(s.To.Localpart()) {
		res = NoSuchUser
	}
	r.bounce(s, origin, stanza.ServiceUnavailable)
	return res, nil
}

// fanOut selects the resources that receive a stanza addressed to a bare JID.
func (r *Router) fanOut(s stanza.Stanza) []route {
	b := s.To.Bare()
	switch s.Kind {
	case stanza.PresenceKind:
		return r.targets(b, func(*route) bool { return true })
	case stanza.IQKind:
		all := r.targets(b, func(*route) bool { return true })
		return preferAvailable(all)
	case stanza.MessageKind:
		// RFC 6121 §8.5.2.1: resources with a negative priority never receive
		// messages addressed to the bare JID.
		avail := r.targets(b, func(rt *route) bool {
			return rt.available && rt.priority >= 0
		})
		if len(avail) == 0 || r.policy == Broadcast {
			return avail
		}
		return avail[:1]
	}
	return nil
}

func preferAvailable(routes []route) []route {
	out := make([]route, 0, len(routes))
	for _, rt := range routes {
		if rt.available {
			out = append(out, rt)
		}
	}
	for _, rt := range routes {
		if !rt.available {
			out = append(out, rt)
		}
	}
	return out
}

func (r *Router) bounce(s stanza.Stanza, origin Endpoint, cond stanza.Condition) {
	isResponse := s.Kind == stanza.IQKind && !s.IQType().IsRequest()
	if s.IsError() || isResponse || s.Kind == stanza.PresenceKind || origin == nil {
		r.logger.Debug("route.drop",
			slog.String("to", s.To.String()),
			slog.String("kind", s.Kind.String()),
			slog.String("type", s.Type))
		return
	}
	reply := s.ErrorReply(stanza.Error{Type: stanza.Cancel, Condition: cond})
	if reply.From.IsZero() {
		reply.From = r.domain
	}
	r.logger.Debug("route.bounce",
		slog.String("to", s.To.String()),
		slog.String("from", s.From.String()),
		slog.String("id", s.ID),
		slog.String("condition", string(cond)))
	origin.Deliver(reply)
}
