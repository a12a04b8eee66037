// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppd

import (
	"sync"
)

// DefaultQueueSize is the number of items a session will buffer for its
// transport before further deliveries are refused.
const DefaultQueueSize = 1024

// ItemKind says how a transport should treat the bytes in an Item.
type ItemKind uint8

// A list of item kinds.
const (
	// HeaderItem is a stream header.
	// Transports that do not carry stream headers, such as BOSH, skip it.
	HeaderItem ItemKind = iota

	// ElementItem is a complete top level element.
	ElementItem

	// ErrorItem is a stream error.
	// It is always followed by a CloseItem.
	ErrorItem

	// CloseItem is the closing stream tag and is always the last item.
	CloseItem
)

// Item is a unit of outbound data.
type Item struct {
	Kind ItemKind
	Data []byte
}

// Queue is the outbound delivery queue of a session.
// Any goroutine may push to it while the transport that owns the session
// drains it.
type Queue struct {
	mu     sync.Mutex
	items  []Item
	max    int
	closed bool
	ready  chan struct{}
}

// NewQueue returns a queue that holds at most max undrained items.
// If max is zero DefaultQueueSize is used.
func NewQueue(max int) *Queue {
	if max <= 0 {
		max = DefaultQueueSize
	}
	return &Queue{
		max:   max,
		ready: make(chan struct{}, 1),
	}
}

// Push appends an item to the queue.
// It never blocks and reports false if the queue is closed or full.
func (q *Queue) Push(it Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.items) >= q.max {
		return false
	}
	q.items = append(q.items, it)
	q.signal()
	return true
}

// pushFinal appends items ignoring the size limit and closes the queue.
func (q *Queue) pushFinal(items ...Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, items...)
	q.closed = true
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Drain removes and returns every item in the queue.
func (q *Queue) Drain() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Len returns the number of undrained items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Ready returns a channel that receives a value after items are pushed or the
// queue is closed.
// Receiving from it does not guarantee that items remain, another goroutine
// may have drained them first.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Close stops the queue from accepting new items.
// Items that were already pushed remain until they are drained.
func (q *Queue) Close() {
	q.pushFinal()
}

// Closed reports whether the queue has stopped accepting items.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
