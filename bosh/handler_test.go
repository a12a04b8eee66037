// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bosh_test

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"mellium.im/xmppd"
	"mellium.im/xmppd/auth"
	"mellium.im/xmppd/bosh"
	"mellium.im/xmppd/internal/clock"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/router"
	"mellium.im/xmppd/stanza"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newManager(t *testing.T) *bosh.Manager {
	t.Helper()
	accounts := auth.NewAccounts(map[string]auth.Account{"juliet": {Password: "secret"}})
	clk := clock.NewFake(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	domain := jid.MustParse("example.net")
	r := router.New(domain, router.WithLogger(discard), router.WithDirectory(accounts))
	cfg := xmppd.Config{
		Router:      r,
		SASL:        auth.NewSASL(accounts, auth.InsecurePlain(true)),
		Logger:      discard,
		Clock:       clk,
		AuthTimeout: -1,
	}
	m := bosh.NewManager(bosh.ManagerConfig{
		Domain: domain,
		Logger: discard,
		Clock:  clk,
	}, func(t xmppd.Transport) *xmppd.Session {
		return xmppd.NewSession(cfg, t)
	})
	t.Cleanup(m.Close)
	return m
}

const create = `<body xmlns='http://jabber.org/protocol/httpbind' xmlns:xmpp='urn:xmpp:xbosh' rid='1' to='example.net' wait='60' hold='1' xmpp:version='1.0'/>`

var handlerTestCases = [...]struct {
	method      string
	contentType string
	body        string
	opts        []bosh.HandlerOption
	status      int
	condition   string
}{
	0: {method: http.MethodOptions, status: http.StatusNoContent},
	1: {method: http.MethodGet, status: http.StatusMethodNotAllowed},
	2: {method: http.MethodPost, contentType: "application/json", body: create, status: http.StatusUnsupportedMediaType},
	3: {
		method:      http.MethodPost,
		contentType: "text/xml",
		body:        `<body xmlns='http://jabber.org/protocol/httpbind'/>`,
		status:      http.StatusBadRequest,
		condition:   string(bosh.BadRequest),
	},
	4: {
		method:      http.MethodPost,
		contentType: "text/xml",
		body:        `<stream xmlns='http://jabber.org/protocol/httpbind' rid='1'/>`,
		status:      http.StatusBadRequest,
		condition:   string(bosh.BadRequest),
	},
	5: {
		method:      http.MethodPost,
		contentType: "text/xml; charset=utf-8",
		body:        create,
		opts:        []bosh.HandlerOption{bosh.WithMaxBodySize(16)},
		status:      http.StatusRequestEntityTooLarge,
	},
	6: {method: http.MethodPost, contentType: "text/xml; charset=utf-8", body: create, status: http.StatusOK},
	7: {method: http.MethodPost, contentType: "text/plain", body: create, status: http.StatusOK},
	8: {method: http.MethodPost, body: create, status: http.StatusOK},
	9: {
		method:      http.MethodPost,
		contentType: "text/xml",
		body:        `<body xmlns='http://jabber.org/protocol/httpbind' rid='5' sid='unknown'/>`,
		status:      http.StatusOK,
		condition:   string(bosh.ItemNotFound),
	},
}

func TestHandler(t *testing.T) {
	for i, tc := range handlerTestCases {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			h := bosh.NewHandler(newManager(t), append([]bosh.HandlerOption{bosh.WithLogger(discard)}, tc.opts...)...)
			req := httptest.NewRequest(tc.method, "/http-bind", strings.NewReader(tc.body))
			if tc.contentType != "" {
				req.Header.Set("Content-Type", tc.contentType)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			resp := w.Result()
			if resp.StatusCode != tc.status {
				t.Fatalf("Wrong status: want=%d, got=%d", tc.status, resp.StatusCode)
			}
			if origin := resp.Header.Get("Access-Control-Allow-Origin"); origin != "*" {
				t.Errorf("Wrong allowed origin %q", origin)
			}
			if tc.status != http.StatusOK && tc.condition == "" {
				return
			}
			if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/xml") {
				t.Errorf("Wrong content type %q", ct)
			}
			b, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatalf("Error reading response: %v", err)
			}
			el, err := stanza.Unmarshal(b)
			if err != nil {
				t.Fatalf("Error decoding response %q: %v", b, err)
			}
			if cond := el.Get("condition"); cond != tc.condition {
				t.Errorf("Wrong condition: want=%q, got=%q", tc.condition, cond)
			}
			if tc.condition == "" && el.Get("sid") == "" {
				t.Errorf("Expected a new session, got %q", b)
			}
		})
	}
}

func TestAllowOrigin(t *testing.T) {
	h := bosh.NewHandler(newManager(t), bosh.WithLogger(discard), bosh.WithAllowOrigin("https://example.net"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/", nil))
	if origin := w.Header().Get("Access-Control-Allow-Origin"); origin != "https://example.net" {
		t.Errorf("Wrong allowed origin %q", origin)
	}
	if vary := w.Header().Get("Vary"); vary != "Origin" {
		t.Errorf("Expected Vary header, got %q", vary)
	}

	h = bosh.NewHandler(newManager(t), bosh.WithLogger(discard), bosh.WithAllowOrigin(""))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/", nil))
	if origin := w.Header().Get("Access-Control-Allow-Origin"); origin != "" {
		t.Errorf("Expected CORS to be disabled, got %q", origin)
	}
}

func TestCompression(t *testing.T) {
	m := newManager(t)
	srv := httptest.NewServer(bosh.NewHandler(m, bosh.WithLogger(discard), bosh.WithCompression(true)))
	t.Cleanup(srv.Close)

	req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(create))
	if err != nil {
		t.Fatalf("Error creating request: %v", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("Accept-Encoding", "gzip")
	// Setting Accept-Encoding disables transparent decompression.
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("Error performing request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Wrong status %d", resp.StatusCode)
	}

	var r io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			t.Fatalf("Error reading gzip stream: %v", err)
		}
		r = zr
	}
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("Error reading response: %v", err)
	}
	el, err := stanza.Unmarshal(b)
	if err != nil {
		t.Fatalf("Error decoding response %q: %v", b, err)
	}
	if el.Get("sid") == "" {
		t.Errorf("Expected session creation response, got %q", b)
	}
	if n := m.Len(); n != 1 {
		t.Errorf("Expected one session, got %d", n)
	}
}
