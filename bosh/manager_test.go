// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bosh

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"mellium.im/xmppd"
	"mellium.im/xmppd/auth"
	"mellium.im/xmppd/internal/clock"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/internal/xmpptest"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/router"
	"mellium.im/xmppd/stanza"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	m      *Manager
	clk    *clock.Fake
	router *router.Router
}

func newFixture(t *testing.T, cfg ManagerConfig) fixture {
	t.Helper()
	accounts := auth.NewAccounts(map[string]auth.Account{
		"juliet": {Password: "secret"},
		"romeo":  {Password: "secret"},
	})
	clk := clock.NewFake(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	domain := jid.MustParse("example.net")
	r := router.New(domain, router.WithLogger(discard), router.WithDirectory(accounts))
	sessCfg := xmppd.Config{
		Router:      r,
		SASL:        auth.NewSASL(accounts, auth.InsecurePlain(true)),
		Logger:      discard,
		Clock:       clk,
		AuthTimeout: -1,
	}
	cfg.Domain = domain
	cfg.Logger = discard
	cfg.Clock = clk
	m := NewManager(cfg, func(t xmppd.Transport) *xmppd.Session {
		return xmppd.NewSession(sessCfg, t)
	})
	t.Cleanup(m.Close)
	return fixture{m: m, clk: clk, router: r}
}

// body parses a request body.
// The body namespace and the xmpp prefix are declared automatically.
func body(t *testing.T, format string, args ...any) Body {
	t.Helper()
	s := fmt.Sprintf(format, args...)
	s = strings.Replace(s, "<body", "<body xmlns='http://jabber.org/protocol/httpbind' xmlns:xmpp='urn:xmpp:xbosh'", 1)
	b, err := ParseBody(strings.NewReader(s))
	if err != nil {
		t.Fatalf("Error parsing test body %q: %v", s, err)
	}
	return b
}

func decode(t *testing.T, resp []byte) *stanza.Element {
	t.Helper()
	el, err := stanza.Unmarshal(resp)
	if err != nil {
		t.Fatalf("Error decoding response %q: %v", resp, err)
	}
	if el.Name != bodyName {
		t.Fatalf("Response is not a body: %q", resp)
	}
	return el
}

func (f fixture) do(t *testing.T, b Body) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := f.m.Handle(ctx, b)
	if err != nil {
		t.Fatalf("Unexpected error for rid %d: %v", b.RID, err)
	}
	return resp
}

type result struct {
	resp []byte
	err  error
}

func (f fixture) async(b Body) <-chan result {
	c := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		resp, err := f.m.Handle(ctx, b)
		c <- result{resp: resp, err: err}
	}()
	return c
}

func (f fixture) counts(sid string) (held, early int) {
	f.m.mu.Lock()
	s := f.m.sessions[sid]
	f.m.mu.Unlock()
	if s == nil {
		return -1, -1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held), len(s.early)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for condition")
		}
		time.Sleep(time.Millisecond)
	}
}

func receive(t *testing.T, c <-chan result) result {
	t.Helper()
	select {
	case r := <-c:
		return r
	case <-time.After(5 * time.Second):
		t.Fatalf("Timed out waiting for response")
	}
	return result{}
}

func plainAuth(user string) string {
	return `<auth xmlns='urn:ietf:params:xml:ns:xmpp-sasl' mechanism='PLAIN'>` +
		base64.StdEncoding.EncodeToString([]byte("\x00"+user+"\x00secret")) +
		`</auth>`
}

// login creates a session starting at rid and binds a resource.
// It returns the sid and the next rid.
func (f fixture) login(t *testing.T, user, resource string, rid uint64) (string, uint64) {
	t.Helper()
	el := decode(t, f.do(t, body(t, `<body rid='%d' to='example.net' wait='60' hold='1' xmpp:version='1.0'/>`, rid)))
	sid := el.Get("sid")
	if sid == "" {
		t.Fatalf("No sid in session creation response")
	}
	rid++
	el = decode(t, f.do(t, body(t, `<body rid='%d' sid='%s'>%s</body>`, rid, sid, plainAuth(user))))
	if el.Child(xml.Name{Space: ns.SASL, Local: "success"}) == nil {
		t.Fatalf("Authentication failed")
	}
	rid++
	el = decode(t, f.do(t, body(t, `<body rid='%d' sid='%s' xmpp:restart='true'/>`, rid, sid)))
	if el.Child(xml.Name{Local: "features"}) == nil {
		t.Fatalf("Expected features after restart")
	}
	rid++
	el = decode(t, f.do(t, body(t, `<body rid='%d' sid='%s'><iq xmlns='jabber:client' type='set' id='b'><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'><resource>%s</resource></bind></iq></body>`, rid, sid, resource)))
	if el.Child(xml.Name{Space: ns.Client, Local: "iq"}) == nil {
		t.Fatalf("Expected bind result")
	}
	return sid, rid + 1
}

func TestCreate(t *testing.T) {
	for i, tc := range [...]struct {
		req        string
		wait, hold string
		requests   string
		inactivity string
	}{
		0: {req: `<body rid='1' to='example.net' wait='60' hold='1'/>`, wait: "60", hold: "1", requests: "2", inactivity: "120"},
		1: {req: `<body rid='1' to='example.net' wait='600' hold='5'/>`, wait: "60", hold: "1", requests: "2", inactivity: "120"},
		2: {req: `<body rid='1' wait='10' hold='0'/>`, wait: "10", hold: "0", requests: "1", inactivity: "10"},
		3: {req: `<body rid='1'/>`, wait: "60", hold: "1", requests: "2", inactivity: "120"},
	} {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			f := newFixture(t, ManagerConfig{})
			el := decode(t, f.do(t, body(t, tc.req)))
			if el.Get("sid") == "" {
				t.Errorf("Missing sid")
			}
			for _, attr := range [...][2]string{
				{"wait", tc.wait},
				{"hold", tc.hold},
				{"requests", tc.requests},
				{"inactivity", tc.inactivity},
				{"ver", Version},
				{"from", "example.net"},
			} {
				if v := el.Get(attr[0]); v != attr[1] {
					t.Errorf("Wrong %s: want=%q, got=%q", attr[0], attr[1], v)
				}
			}
			features := el.Child(xml.Name{Space: ns.Stream, Local: "features"})
			if features == nil || features.Child(xml.Name{Space: ns.SASL, Local: "mechanisms"}) == nil {
				t.Errorf("Expected stream features with SASL mechanisms")
			}
			if n := f.m.Len(); n != 1 {
				t.Errorf("Expected one session, got %d", n)
			}
		})
	}
}

func TestCreateErrors(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	ctx := context.Background()

	resp, err := f.m.Handle(ctx, body(t, `<body rid='1' to='example.org'/>`))
	if !errors.Is(err, HostUnknown) {
		t.Errorf("Expected host-unknown, got %v", err)
	}
	if c := decode(t, resp).Get("condition"); c != string(HostUnknown) {
		t.Errorf("Wrong condition %q", c)
	}

	resp, err = f.m.Handle(ctx, body(t, `<body rid='1' sid='nope'/>`))
	if !errors.Is(err, ErrUnknownSession) || !errors.Is(err, ItemNotFound) {
		t.Errorf("Expected unknown session, got %v", err)
	}
	el := decode(t, resp)
	if el.Get("type") != TypeTerminate || el.Get("condition") != string(ItemNotFound) {
		t.Errorf("Expected item-not-found terminate body, got %q", resp)
	}
	if n := f.m.Len(); n != 0 {
		t.Errorf("Expected no sessions, got %d", n)
	}
}

func TestLogin(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	f.login(t, "juliet", "balcony", 100)
	if _, ok := f.router.Lookup(jid.MustParse("juliet@example.net/balcony")); !ok {
		t.Errorf("Expected BOSH session to be routable")
	}
}

func TestReplay(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	el := decode(t, f.do(t, body(t, `<body rid='10' to='example.net'/>`)))
	sid := el.Get("sid")
	req := body(t, `<body rid='11' sid='%s'>%s</body>`, sid, plainAuth("juliet"))

	first := f.do(t, req)
	again := f.do(t, req)
	if string(first) != string(again) {
		t.Errorf("Replayed response differs:\nwant=%q\ngot=%q", first, again)
	}

	// Had the payload been processed twice the session would have been closed
	// for authenticating twice.
	el = decode(t, f.do(t, body(t, `<body rid='12' sid='%s' xmpp:restart='true'/>`, sid)))
	if el.Get("type") == TypeTerminate {
		t.Fatalf("Session was terminated by a replayed request: %+v", el)
	}
}

func TestOutOfOrder(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	sid, rid := f.login(t, "juliet", "balcony", 1000)

	later := f.async(body(t, `<body rid='%d' sid='%s'><presence xmlns='jabber:client'/></body>`, rid+1, sid))
	waitFor(t, func() bool {
		_, early := f.counts(sid)
		return early == 1
	})
	select {
	case r := <-later:
		t.Fatalf("Request after a gap was answered early: %q", r.resp)
	case <-time.After(20 * time.Millisecond):
	}
	if _, ok := f.router.Lookup(jid.MustParse("juliet@example.net/balcony")); !ok {
		t.Fatalf("Session should still be bound")
	}

	// Filling the gap processes both requests in order.
	// The presence is broadcast back to the sender and answers the oldest held
	// request.
	el := decode(t, f.do(t, body(t, `<body rid='%d' sid='%s'/>`, rid, sid)))
	if el.Child(xml.Name{Space: ns.Client, Local: "presence"}) == nil {
		t.Errorf("Expected presence in the response to the earlier request, got %+v", el)
	}
	if held, early := f.counts(sid); held != 1 || early != 0 {
		t.Errorf("Expected one held request and no early requests, got %d and %d", held, early)
	}

	f.clk.Advance(60 * time.Second)
	r := receive(t, later)
	if r.err != nil {
		t.Fatalf("Unexpected error: %v", r.err)
	}
	if el := decode(t, r.resp); len(el.Children) != 0 {
		t.Errorf("Expected an empty response after wait, got %q", r.resp)
	}
}

func TestGapTimeout(t *testing.T) {
	f := newFixture(t, ManagerConfig{GapTimeout: 5 * time.Second})
	el := decode(t, f.do(t, body(t, `<body rid='1' to='example.net'/>`)))
	sid := el.Get("sid")

	later := f.async(body(t, `<body rid='3' sid='%s'/>`, sid))
	waitFor(t, func() bool {
		_, early := f.counts(sid)
		return early == 1
	})
	f.clk.Advance(5 * time.Second)
	r := receive(t, later)
	if !errors.Is(r.err, ItemNotFound) {
		t.Errorf("Expected item-not-found, got %v", r.err)
	}
	if c := decode(t, r.resp).Get("condition"); c != string(ItemNotFound) {
		t.Errorf("Wrong condition %q", c)
	}
	if n := f.m.Len(); n != 0 {
		t.Errorf("Expected session to be removed, got %d sessions", n)
	}
}

func TestWindow(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	sid := decode(t, f.do(t, body(t, `<body rid='1' to='example.net'/>`))).Get("sid")
	_, err := f.m.Handle(context.Background(), body(t, `<body rid='9' sid='%s'/>`, sid))
	if !errors.Is(err, ItemNotFound) {
		t.Errorf("Expected item-not-found for a rid outside the window, got %v", err)
	}
	_, err = f.m.Handle(context.Background(), body(t, `<body rid='2' sid='%s'/>`, sid))
	if !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Expected session to be gone, got %v", err)
	}
}

func TestHold(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	sid := decode(t, f.do(t, body(t, `<body rid='1' to='example.net' hold='1' wait='30'/>`))).Get("sid")

	first := f.async(body(t, `<body rid='2' sid='%s'/>`, sid))
	waitFor(t, func() bool {
		held, _ := f.counts(sid)
		return held == 1
	})
	second := f.async(body(t, `<body rid='3' sid='%s'/>`, sid))

	r := receive(t, first)
	if r.err != nil || len(decode(t, r.resp).Children) != 0 {
		t.Errorf("Expected the oldest request to be answered empty, got %q (%v)", r.resp, r.err)
	}
	waitFor(t, func() bool {
		held, _ := f.counts(sid)
		return held == 1
	})

	f.clk.Advance(29 * time.Second)
	select {
	case r := <-second:
		t.Fatalf("Request answered before wait elapsed: %q", r.resp)
	default:
	}
	f.clk.Advance(time.Second)
	if r := receive(t, second); r.err != nil {
		t.Errorf("Unexpected error: %v", r.err)
	}
}

func TestDeliverToHeldRequest(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	jSID, jRID := f.login(t, "juliet", "balcony", 1)
	rSID, rRID := f.login(t, "romeo", "orchard", 500)

	waiting := f.async(body(t, `<body rid='%d' sid='%s'/>`, jRID, jSID))
	waitFor(t, func() bool {
		held, _ := f.counts(jSID)
		return held == 1
	})
	sent := f.async(body(t, `<body rid='%d' sid='%s'><message xmlns='jabber:client' to='juliet@example.net/balcony'><body>Wherefore art thou?</body></message></body>`, rRID, rSID))

	r := receive(t, waiting)
	if r.err != nil {
		t.Fatalf("Unexpected error: %v", r.err)
	}
	msg := decode(t, r.resp).Child(xml.Name{Space: ns.Client, Local: "message"})
	if msg == nil {
		t.Fatalf("Expected message in held response, got %q", r.resp)
	}
	if from := msg.Get("from"); from != "romeo@example.net/orchard" {
		t.Errorf("Wrong from %q", from)
	}

	// The sender's request has nothing to carry and is held until wait elapses.
	waitFor(t, func() bool {
		held, _ := f.counts(rSID)
		return held == 1
	})
	f.clk.Advance(60 * time.Second)
	if r := receive(t, sent); r.err != nil {
		t.Errorf("Unexpected error for sender: %v", r.err)
	}
}

func TestPayloadInheritsClientNamespace(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	jSID, jRID := f.login(t, "juliet", "balcony", 1)
	rSID, rRID := f.login(t, "romeo", "orchard", 500)

	garden := &xmpptest.Endpoint{Name: "garden"}
	gardenJID := jid.MustParse("juliet@example.net/garden")
	if err := f.router.Bind(gardenJID, garden); err != nil {
		t.Fatalf("Error binding resource: %v", err)
	}
	f.router.SetPriority(gardenJID, 1, true)

	// The reflected presence only carries a priority in the client namespace
	// if the payload children were moved out of the body namespace.
	el := decode(t, f.do(t, body(t, `<body rid='%d' sid='%s'><presence><priority>5</priority></presence></body>`, jRID, jSID)))
	pres := el.Child(xml.Name{Space: ns.Client, Local: "presence"})
	if pres == nil {
		t.Fatalf("Expected reflected presence, got %+v", el)
	}
	if pres.Child(xml.Name{Space: ns.Client, Local: "priority"}) == nil {
		t.Errorf("Expected priority in the client namespace, got %+v", pres.Children)
	}
	jRID++

	sent := f.async(body(t, `<body rid='%d' sid='%s'><message to='juliet@example.net' type='chat'><body>hi</body></message></body>`, rRID, rSID))
	el = decode(t, f.do(t, body(t, `<body rid='%d' sid='%s'/>`, jRID, jSID)))
	msg := el.Child(xml.Name{Space: ns.Client, Local: "message"})
	if msg == nil {
		t.Fatalf("Expected the message on the highest priority resource, got %+v", el)
	}
	b := msg.Child(xml.Name{Space: ns.Client, Local: "body"})
	if b == nil {
		t.Fatalf("Expected body in the client namespace, got %+v", msg.Children)
	}
	if text := b.Text(); text != "hi" {
		t.Errorf("Wrong body text: want=%q, got=%q", "hi", text)
	}
	for _, st := range garden.Received() {
		if st.Kind == stanza.MessageKind {
			t.Errorf("Lower priority resource received the message: %+v", st)
		}
	}

	waitFor(t, func() bool {
		held, _ := f.counts(rSID)
		return held == 1
	})
	f.clk.Advance(60 * time.Second)
	if r := receive(t, sent); r.err != nil {
		t.Errorf("Unexpected error for sender: %v", r.err)
	}
}

func TestTerminate(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	sid, rid := f.login(t, "juliet", "balcony", 1)

	el := decode(t, f.do(t, body(t, `<body rid='%d' sid='%s' type='terminate'><presence xmlns='jabber:client' type='unavailable'/></body>`, rid, sid)))
	if el.Get("type") != TypeTerminate || el.Get("condition") != "" {
		t.Errorf("Expected a terminate body without a condition, got %+v", el.Attr)
	}
	if n := f.m.Len(); n != 0 {
		t.Errorf("Expected session to be removed, got %d", n)
	}
	if _, ok := f.router.Lookup(jid.MustParse("juliet@example.net/balcony")); ok {
		t.Errorf("Expected route to be removed")
	}
}

func TestStreamError(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	sid := decode(t, f.do(t, body(t, `<body rid='1' to='example.net'/>`))).Get("sid")

	resp, err := f.m.Handle(context.Background(), body(t, `<body rid='2' sid='%s'><message xmlns='jabber:client' to='romeo@example.net'/></body>`, sid))
	if !errors.Is(err, RemoteStreamError) {
		t.Fatalf("Expected remote-stream-error, got %v", err)
	}
	el := decode(t, resp)
	if el.Get("condition") != string(RemoteStreamError) {
		t.Errorf("Wrong condition %q", el.Get("condition"))
	}
	streamErr := el.Child(xml.Name{Space: ns.Stream, Local: "error"})
	if streamErr == nil || streamErr.Child(xml.Name{Space: ns.Streams, Local: "not-authorized"}) == nil {
		t.Errorf("Expected not-authorized stream error in body, got %q", resp)
	}
}

func TestInactivity(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	decode(t, f.do(t, body(t, `<body rid='1' to='example.net' wait='10' hold='1'/>`)))
	f.clk.Advance(19 * time.Second)
	if n := f.m.Len(); n != 1 {
		t.Fatalf("Session removed too early")
	}
	f.clk.Advance(time.Second)
	if n := f.m.Len(); n != 0 {
		t.Errorf("Expected inactive session to be removed, got %d", n)
	}
}

func TestClose(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	sid := decode(t, f.do(t, body(t, `<body rid='1' to='example.net'/>`))).Get("sid")
	waiting := f.async(body(t, `<body rid='2' sid='%s'/>`, sid))
	waitFor(t, func() bool {
		held, _ := f.counts(sid)
		return held == 1
	})
	f.m.Close()
	r := receive(t, waiting)
	if !errors.Is(r.err, SystemShutdown) {
		t.Errorf("Expected system-shutdown, got %v", r.err)
	}
}

func TestContextCanceledKeepsResponse(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	sid := decode(t, f.do(t, body(t, `<body rid='1' to='example.net' wait='30'/>`))).Get("sid")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.m.Handle(ctx, body(t, `<body rid='2' sid='%s'/>`, sid))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected canceled context, got %v", err)
	}
	f.clk.Advance(30 * time.Second)
	// The response to the abandoned request is replayed on retry.
	el := decode(t, f.do(t, body(t, `<body rid='2' sid='%s'/>`, sid)))
	if el.Get("type") == TypeTerminate {
		t.Errorf("Unexpected terminate on retry")
	}
}
