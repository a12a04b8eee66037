// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package router

import (
	"sync"

	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/stanza"
)

const defaultAnsweredWindow = 1024

type iqKey struct {
	requester jid.JID
	responder jid.JID
	id        string
}

type pendingIQ struct {
	request   stanza.Stanza
	requester Endpoint
}

// tracker correlates iq requests with their responses.
// Answered requests are remembered in a bounded FIFO so that a second response
// can be told apart from one that was never solicited.
type tracker struct {
	mu       sync.Mutex
	pending  map[iqKey]pendingIQ
	answered map[iqKey]struct{}
	order    []iqKey
	window   int
}

func newTracker(window int) *tracker {
	return &tracker{
		pending:  make(map[iqKey]pendingIQ),
		answered: make(map[iqKey]struct{}),
		window:   window,
	}
}

func (t *tracker) request(s stanza.Stanza, origin Endpoint, responder jid.JID) {
	k := iqKey{requester: s.From, responder: responder, id: s.ID}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.answered, k)
	t.pending[k] = pendingIQ{request: s, requester: origin}
}

func (t *tracker) cancel(requester, responder jid.JID, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, iqKey{requester: requester, responder: responder, id: id})
}

func (t *tracker) answer(requester, responder jid.JID, id string) error {
	k := iqKey{requester: requester, responder: responder, id: id}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[k]; ok {
		delete(t.pending, k)
		t.markLocked(k)
		return nil
	}
	if _, ok := t.answered[k]; ok {
		return ErrDuplicateResponse
	}
	return ErrUnsolicitedResponse
}

func (t *tracker) markLocked(k iqKey) {
	t.answered[k] = struct{}{}
	t.order = append(t.order, k)
	for len(t.order) > t.window {
		delete(t.answered, t.order[0])
		t.order = t.order[1:]
	}
}

// abandon forgets every request made by j and returns the requests that were
// waiting on a response from j, marking them as answered.
func (t *tracker) abandon(j jid.JID) []pendingIQ {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []pendingIQ
	for k, p := range t.pending {
		switch {
		case k.requester == j:
			delete(t.pending, k)
		case k.responder == j:
			delete(t.pending, k)
			t.markLocked(k)
			out = append(out, p)
		}
	}
	return out
}

// outstanding returns the number of requests awaiting a response.
func (t *tracker) outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
