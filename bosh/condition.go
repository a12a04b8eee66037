// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bosh

import (
	"errors"
)

// ErrUnknownSession is wrapped by the error returned when a request names a
// session that does not exist.
var ErrUnknownSession = errors.New("bosh: unknown session")

// Condition is a terminal binding condition sent in the condition attribute of
// a terminate body.
type Condition string

// A list of binding conditions used by the connection manager.
const (
	BadRequest          Condition = "bad-request"
	HostGone            Condition = "host-gone"
	HostUnknown         Condition = "host-unknown"
	ImproperAddressing  Condition = "improper-addressing"
	InternalServerError Condition = "internal-server-error"
	ItemNotFound        Condition = "item-not-found"
	OtherRequest        Condition = "other-request"
	PolicyViolation     Condition = "policy-violation"
	RemoteStreamError   Condition = "remote-stream-error"
	SystemShutdown      Condition = "system-shutdown"
	UndefinedCondition  Condition = "undefined-condition"
)

// Error satisfies the error interface.
func (c Condition) Error() string {
	return "bosh: " + string(c)
}

// termError is returned by the manager when a request ends a session.
type termError struct {
	cond Condition
	err  error
}

func (e termError) Error() string {
	if e.err != nil {
		return e.cond.Error() + ": " + e.err.Error()
	}
	return e.cond.Error()
}

func (e termError) Unwrap() []error {
	if e.err == nil {
		return []error{e.cond}
	}
	return []error{e.cond, e.err}
}
