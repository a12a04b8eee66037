// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package router

import (
	"fmt"
	"log/slog"
)

// Policy selects which resources receive a message addressed to a bare JID.
// Presence addressed to a bare JID is always delivered to every resource and
// an iq request always to exactly one.
type Policy uint8

// A list of fan-out policies.
const (
	// HighestPriority delivers to the available resource with the highest
	// non-negative priority, preferring the most recently updated on a tie.
	HighestPriority Policy = iota

	// Broadcast delivers to every available resource with a non-negative
	// priority.
	Broadcast
)

func (p Policy) String() string {
	if p == Broadcast {
		return "broadcast"
	}
	return "highest-priority"
}

// ParsePolicy returns the policy with the given name.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "highest-priority":
		return HighestPriority, nil
	case "broadcast":
		return Broadcast, nil
	}
	return HighestPriority, fmt.Errorf("router: unknown fan-out policy %q", s)
}

// Option configures a Router.
type Option func(*Router)

// WithPolicy sets the fan-out policy for messages addressed to bare JIDs.
func WithPolicy(p Policy) Option {
	return func(r *Router) {
		r.policy = p
	}
}

// WithDirectory lets the router tell unknown accounts from offline ones.
func WithDirectory(d Directory) Option {
	return func(r *Router) {
		r.dir = d
	}
}

// WithLogger sets the logger used for bounces and rejected responses.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		r.logger = l
	}
}

// AnsweredWindow sets how many answered iq requests are remembered for
// detecting duplicate responses.
func AnsweredWindow(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.window = n
		}
	}
}
