// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package router_test

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/internal/xmpptest"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/router"
	"mellium.im/xmppd/stanza"
)

type endpoint = xmpptest.Endpoint

type directory map[string]bool

func (d directory) Exists(localpart string) bool { return d[localpart] }

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newRouter(opts ...router.Option) *router.Router {
	return router.New(jid.MustParse("example.net"), append([]router.Option{router.WithLogger(discard)}, opts...)...)
}

func bind(t *testing.T, r *router.Router, addr string) (*endpoint, jid.JID) {
	t.Helper()
	j := jid.MustParse(addr)
	ep := &endpoint{Name: addr}
	if err := r.Bind(j, ep); err != nil {
		t.Fatalf("Error binding %s: %v", addr, err)
	}
	return ep, j
}

func iq(id, typ, from, to string) stanza.Stanza {
	s := stanza.Stanza{
		Kind: stanza.IQKind,
		ID:   id,
		Type: typ,
		From: jid.MustParse(from),
		To:   jid.MustParse(to),
	}
	if typ == "get" || typ == "set" {
		s.Payload = []stanza.Node{stanza.NewElement(xmlName(ns.Ping, "ping"))}
	}
	return s
}

func message(from, to string) stanza.Stanza {
	return stanza.Stanza{
		Kind: stanza.MessageKind,
		Type: "chat",
		From: jid.MustParse(from),
		To:   jid.MustParse(to),
	}
}

func TestBindConflict(t *testing.T) {
	r := newRouter()
	bind(t, r, "juliet@example.net/phone")
	err := r.Bind(jid.MustParse("juliet@example.net/phone"), &endpoint{Name: "other"})
	if !errors.Is(err, router.ErrConflict) {
		t.Errorf("Expected conflict, got %v", err)
	}
	if err := r.Bind(jid.MustParse("juliet@example.net"), &endpoint{Name: "bare"}); !errors.Is(err, router.ErrNotFullJID) {
		t.Errorf("Expected bare bind to fail, got %v", err)
	}
	if res := r.Resources(jid.MustParse("juliet@example.net")); len(res) != 1 {
		t.Errorf("Expected one resource, got %v", res)
	}
}

func TestUnbindOnlyOwner(t *testing.T) {
	r := newRouter()
	ep, j := bind(t, r, "juliet@example.net/phone")
	r.Unbind(j, &endpoint{Name: "impostor"})
	if _, ok := r.Lookup(j); !ok {
		t.Fatalf("Route removed by an endpoint that did not own it")
	}
	r.Unbind(j, ep)
	if _, ok := r.Lookup(j); ok {
		t.Fatalf("Route was not removed")
	}
	if res := r.Resources(j.Bare()); len(res) != 0 {
		t.Errorf("Expected no resources, got %v", res)
	}
}

func TestFullJIDExact(t *testing.T) {
	r := newRouter()
	phone, _ := bind(t, r, "juliet@example.net/phone")
	laptop, _ := bind(t, r, "juliet@example.net/laptop")
	origin, _ := bind(t, r, "romeo@example.net/orchard")

	res, err := r.Route(message("romeo@example.net/orchard", "juliet@example.net/laptop"), origin)
	if err != nil || res != router.Delivered {
		t.Fatalf("Unexpected result %v, %v", res, err)
	}
	if len(laptop.Received()) != 1 || len(phone.Received()) != 0 {
		t.Errorf("Expected delivery to exactly one resource")
	}

	res, err = r.Route(message("romeo@example.net/orchard", "juliet@example.net/tablet"), origin)
	if err != nil || res != router.ServiceUnavailable {
		t.Fatalf("Unexpected result %v, %v", res, err)
	}
	if len(laptop.Received()) != 1 || len(phone.Received()) != 0 {
		t.Errorf("Did not expect a full JID to fall back to other resources")
	}
	if got := origin.Received(); len(got) != 1 || got[0].Type != "error" {
		t.Errorf("Expected a bounce, got %+v", got)
	}
}

func TestIQToUnboundBareJID(t *testing.T) {
	r := newRouter()
	origin, _ := bind(t, r, "romeo@example.net/orchard")
	res, err := r.Route(iq("x1", "get", "romeo@example.net/orchard", "juliet@example.net"), origin)
	if err != nil {
		t.Fatal(err)
	}
	if res != router.ServiceUnavailable {
		t.Errorf("Unexpected result %v", res)
	}
	got := origin.Received()
	if len(got) != 1 {
		t.Fatalf("Expected one bounce, got %d", len(got))
	}
	b := got[0]
	if b.Kind != stanza.IQKind || b.Type != "error" || b.ID != "x1" {
		t.Errorf("Unexpected bounce %+v", b)
	}
	el := b.Child(xmlName(ns.Client, "error"))
	if el == nil {
		t.Fatalf("Bounce has no error payload")
	}
	if se := stanza.ErrorFromElement(el); se.Condition != stanza.ServiceUnavailable {
		t.Errorf("Wrong condition %s", se.Condition)
	}
	if r.Pending() != 0 {
		t.Errorf("Bounced request should not be pending")
	}
}

func TestDuplicateResponse(t *testing.T) {
	r := newRouter()
	romeo, _ := bind(t, r, "romeo@example.net/orchard")
	juliet, _ := bind(t, r, "juliet@example.net/balcony")

	if res, err := r.Route(iq("q1", "get", "romeo@example.net/orchard", "juliet@example.net/balcony"), romeo); err != nil || res != router.Delivered {
		t.Fatalf("Unexpected result %v, %v", res, err)
	}
	if r.Pending() != 1 {
		t.Fatalf("Expected one pending request")
	}
	resp := iq("q1", "result", "juliet@example.net/balcony", "romeo@example.net/orchard")
	if res, err := r.Route(resp, juliet); err != nil || res != router.Delivered {
		t.Fatalf("Unexpected result %v, %v", res, err)
	}
	res, err := r.Route(resp, juliet)
	if !errors.Is(err, router.ErrDuplicateResponse) || res != router.PolicyViolation {
		t.Fatalf("Expected duplicate response to be rejected, got %v, %v", res, err)
	}
	if n := len(romeo.Received()); n != 1 {
		t.Errorf("Expected requester to receive exactly one response, got %d", n)
	}
	if n := len(juliet.Received()); n != 1 {
		t.Errorf("Expected responder to receive only the request, got %d", n)
	}

	_, err = r.Route(iq("nope", "result", "juliet@example.net/balcony", "romeo@example.net/orchard"), juliet)
	if !errors.Is(err, router.ErrUnsolicitedResponse) {
		t.Errorf("Expected unsolicited response to be rejected, got %v", err)
	}
}

func TestIQToBareJIDAnsweredByResource(t *testing.T) {
	r := newRouter()
	romeo, _ := bind(t, r, "romeo@example.net/orchard")
	low, lowJID := bind(t, r, "juliet@example.net/low")
	high, highJID := bind(t, r, "juliet@example.net/high")
	r.SetPriority(lowJID, 1, true)
	r.SetPriority(highJID, 10, true)

	if res, _ := r.Route(iq("b1", "get", "romeo@example.net/orchard", "juliet@example.net"), romeo); res != router.Delivered {
		t.Fatalf("Unexpected result %v", res)
	}
	if len(high.Received()) != 1 || len(low.Received()) != 0 {
		t.Fatalf("Expected the request to reach only the highest priority resource")
	}
	resp := iq("b1", "error", "juliet@example.net/high", "romeo@example.net/orchard")
	if res, err := r.Route(resp, high); err != nil || res != router.Delivered {
		t.Errorf("Unexpected result %v, %v", res, err)
	}
}

func TestMessageFanOut(t *testing.T) {
	for i, tc := range [...]struct {
		policy router.Policy
		want   map[string]int
	}{
		0: {router.HighestPriority, map[string]int{"a": 0, "b": 1, "neg": 0, "away": 0}},
		1: {router.Broadcast, map[string]int{"a": 1, "b": 1, "neg": 0, "away": 0}},
	} {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			r := newRouter(router.WithPolicy(tc.policy))
			origin, _ := bind(t, r, "romeo@example.net/orchard")
			eps := make(map[string]*endpoint)
			for name, prio := range map[string]int8{"a": 1, "b": 5, "neg": -1} {
				ep, j := bind(t, r, "juliet@example.net/"+name)
				r.SetPriority(j, prio, true)
				eps[name] = ep
			}
			ep, _ := bind(t, r, "juliet@example.net/away")
			eps["away"] = ep

			res, err := r.Route(message("romeo@example.net/orchard", "juliet@example.net"), origin)
			if err != nil || res != router.Delivered {
				t.Fatalf("Unexpected result %v, %v", res, err)
			}
			for name, n := range tc.want {
				if got := len(eps[name].Received()); got != n {
					t.Errorf("Resource %s: want=%d, got=%d", name, n, got)
				}
			}
		})
	}
}

func TestPresenceBroadcastNotBounced(t *testing.T) {
	r := newRouter()
	origin, _ := bind(t, r, "romeo@example.net/orchard")
	a, _ := bind(t, r, "juliet@example.net/a")
	b, _ := bind(t, r, "juliet@example.net/b")

	p := stanza.Stanza{
		Kind: stanza.PresenceKind,
		From: jid.MustParse("romeo@example.net/orchard"),
		To:   jid.MustParse("juliet@example.net"),
	}
	if res, _ := r.Route(p, origin); res != router.Delivered {
		t.Fatalf("Unexpected result %v", res)
	}
	if len(a.Received()) != 1 || len(b.Received()) != 1 {
		t.Errorf("Expected presence to reach every resource")
	}

	p.To = jid.MustParse("nurse@example.net")
	if res, _ := r.Route(p, origin); res != router.ServiceUnavailable {
		t.Errorf("Unexpected result %v", res)
	}
	if n := len(origin.Received()); n != 0 {
		t.Errorf("Presence must not be bounced, got %d stanzas", n)
	}

	if n := r.Broadcast(p, jid.MustParse("juliet@example.net")); n != 2 {
		t.Errorf("Expected broadcast to two resources, got %d", n)
	}
	got := a.Received()
	if last := got[len(got)-1]; last.To.String() != "juliet@example.net/a" {
		t.Errorf("Expected broadcast copy to be addressed to the resource, got %v", last.To)
	}
}

func TestUnbindAnswersPending(t *testing.T) {
	r := newRouter()
	romeo, _ := bind(t, r, "romeo@example.net/orchard")
	juliet, julietJID := bind(t, r, "juliet@example.net/balcony")

	if res, _ := r.Route(iq("p1", "set", "romeo@example.net/orchard", "juliet@example.net/balcony"), romeo); res != router.Delivered {
		t.Fatalf("Unexpected result %v", res)
	}
	r.Unbind(julietJID, juliet)
	got := romeo.Received()
	if len(got) != 1 || got[0].Type != "error" || got[0].ID != "p1" {
		t.Fatalf("Expected the abandoned request to be answered, got %+v", got)
	}
	if r.Pending() != 0 {
		t.Errorf("Expected no pending requests")
	}
}

func TestRemoteAndUnknown(t *testing.T) {
	r := newRouter(router.WithDirectory(directory{"juliet": true}))
	origin, _ := bind(t, r, "romeo@example.net/orchard")

	res, _ := r.Route(message("romeo@example.net/orchard", "mercutio@example.org"), origin)
	if res != router.ServiceUnavailable {
		t.Errorf("Unexpected result for remote domain %v", res)
	}
	got := origin.Received()
	if len(got) != 1 {
		t.Fatalf("Expected a bounce")
	}
	el := got[0].Child(xmlName(ns.Client, "error"))
	if se := stanza.ErrorFromElement(el); se.Condition != stanza.RemoteServerNotFound {
		t.Errorf("Wrong condition %s", se.Condition)
	}

	if res, _ := r.Route(message("romeo@example.net/orchard", "nobody@example.net"), origin); res != router.NoSuchUser {
		t.Errorf("Unexpected result for unknown user %v", res)
	}
	if res, _ := r.Route(message("romeo@example.net/orchard", "juliet@example.net"), origin); res != router.ServiceUnavailable {
		t.Errorf("Unexpected result for offline user %v", res)
	}

	errMsg := message("romeo@example.net/orchard", "juliet@example.net")
	errMsg.Type = "error"
	before := len(origin.Received())
	r.Route(errMsg, origin)
	if len(origin.Received()) != before {
		t.Errorf("Error stanzas must not be bounced")
	}
}

func TestDeliveryFailureBounces(t *testing.T) {
	r := newRouter()
	juliet, _ := bind(t, r, "juliet@example.net/balcony")
	origin, _ := bind(t, r, "romeo@example.net/orchard")
	juliet.Close()

	res, err := r.Route(message("romeo@example.net/orchard", "juliet@example.net/balcony"), origin)
	if err != nil || res != router.ServiceUnavailable {
		t.Fatalf("Unexpected result %v, %v", res, err)
	}
	if got := origin.Received(); len(got) != 1 || got[0].Type != "error" {
		t.Errorf("Expected a bounce, got %+v", got)
	}

	res, err = r.Route(iq("x2", "set", "romeo@example.net/orchard", "juliet@example.net/balcony"), origin)
	if err != nil || res != router.ServiceUnavailable {
		t.Fatalf("Unexpected result %v, %v", res, err)
	}
	if r.Pending() != 0 {
		t.Errorf("Undelivered request should not be pending")
	}
}
