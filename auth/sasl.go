// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package auth authenticates client streams.
//
// It provides the SASL mechanism provider used during stream negotiation and
// the account store that backs it.
package auth // import "mellium.im/xmppd/auth"

import (
	"crypto/sha1" // #nosec G505
	"crypto/sha256"
	"crypto/tls"
	"errors"
	"hash"
	"strings"

	"mellium.im/sasl"
	"mellium.im/xmppd/internal/attr"
)

// Provider starts SASL exchanges.
type Provider interface {
	// Mechanisms returns the names of the mechanisms that may be offered on a
	// stream in order of preference.
	Mechanisms(secure bool) []string

	// Start begins an exchange using the named mechanism.
	// If the mechanism is not offered the error is a Failure with the
	// invalid-mechanism condition.
	Start(mechanism string, state *tls.ConnectionState) (Exchange, error)
}

// Exchange is a single server side authentication attempt.
type Exchange interface {
	// Step processes a response from the client (or the initial response
	// carried by <auth/>) and returns the next challenge.
	// When done is true the client is authenticated and the challenge, if any,
	// is the additional data to send with <success/>.
	// Any error is a Failure and ends the exchange.
	Step(resp []byte) (challenge []byte, done bool, err error)

	// Username returns the authenticated username once Step has reported done.
	Username() string
}

// Store looks up the credentials of accounts.
type Store interface {
	Exists(username string) bool
	Verify(username, password string) bool
	Salted(username string, fn func() hash.Hash) (salt, salted []byte, iter int64, ok bool)
}

// Option configures a SASL provider.
type Option func(*SASL)

// Anonymous enables the ANONYMOUS mechanism.
func Anonymous(enabled bool) Option {
	return func(p *SASL) {
		p.anonymous = enabled
	}
}

// InsecurePlain allows PLAIN to be offered on streams that are not encrypted.
// It is intended for testing and for transports that are secured elsewhere.
func InsecurePlain(enabled bool) Option {
	return func(p *SASL) {
		p.insecurePlain = enabled
	}
}

// Normalize sets a function that prepares usernames before they are looked up
// in the store, for example by applying the localpart profile of a JID.
func Normalize(f func(string) (string, error)) Option {
	return func(p *SASL) {
		p.normalize = f
	}
}

// SASL is a Provider backed by mellium.im/sasl.
// It supports SCRAM-SHA-256, SCRAM-SHA-1, PLAIN and optionally ANONYMOUS.
type SASL struct {
	store         Store
	anonymous     bool
	insecurePlain bool
	normalize     func(string) (string, error)
}

// NewSASL returns a provider that authenticates against store.
func NewSASL(store Store, opts ...Option) *SASL {
	p := &SASL{
		store: store,
		normalize: func(s string) (string, error) {
			return s, nil
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

var scramHashes = map[string]func() hash.Hash{
	sasl.ScramSha256.Name: sha256.New,
	sasl.ScramSha1.Name:   sha1.New,
}

// Mechanisms satisfies the Provider interface.
func (p *SASL) Mechanisms(secure bool) []string {
	names := []string{sasl.ScramSha256.Name, sasl.ScramSha1.Name}
	if secure || p.insecurePlain {
		names = append(names, sasl.Plain.Name)
	}
	if p.anonymous {
		names = append(names, sasl.Anonymous.Name)
	}
	return names
}

// Start satisfies the Provider interface.
func (p *SASL) Start(mechanism string, state *tls.ConnectionState) (Exchange, error) {
	var offered bool
	for _, name := range p.Mechanisms(state != nil) {
		if name == mechanism {
			offered = true
			break
		}
	}
	if !offered {
		if mechanism == sasl.Plain.Name {
			return nil, Failure{Condition: EncryptionRequired}
		}
		return nil, Failure{Condition: InvalidMechanism}
	}

	e := &exchange{name: mechanism}
	var opts []sasl.Option
	if state != nil {
		opts = append(opts, sasl.TLSState(*state))
	}
	switch mechanism {
	case sasl.Plain.Name:
		e.neg = sasl.NewServer(sasl.Plain, e.permissions(p), opts...)
	case sasl.Anonymous.Name:
		e.username = attr.RandomID()
		e.neg = sasl.NewServer(sasl.Anonymous, nil, opts...)
	case sasl.ScramSha256.Name:
		e.neg = sasl.NewServer(sasl.ScramSha256, nil, append(opts, sasl.SaltedCredentials(e.salted(p)))...)
	case sasl.ScramSha1.Name:
		e.neg = sasl.NewServer(sasl.ScramSha1, nil, append(opts, sasl.SaltedCredentials(e.salted(p)))...)
	default:
		return nil, Failure{Condition: InvalidMechanism}
	}
	return e, nil
}

type exchange struct {
	name     string
	neg      *sasl.Negotiator
	username string
	started  bool
	failed   error
	done     bool
}

func (e *exchange) Username() string {
	if !e.done {
		return ""
	}
	return e.username
}

func (e *exchange) Step(resp []byte) ([]byte, bool, error) {
	if e.failed != nil {
		return nil, false, e.failed
	}
	if e.done {
		return nil, false, Failure{Condition: MalformedRequest}
	}
	if !e.started {
		e.started = true
		// Without an initial response the client expects an empty challenge.
		if len(resp) == 0 && e.name != sasl.Anonymous.Name {
			return nil, false, nil
		}
	}

	more, challenge, err := e.neg.Step(resp)
	if err != nil {
		f := Failure{Condition: NotAuthorized}
		if errors.Is(err, sasl.ErrInvalidChallenge) {
			f.Condition = MalformedRequest
		}
		e.failed = f
		return nil, false, f
	}
	if !more {
		e.done = true
	}
	return challenge, e.done, nil
}

// permissions verifies PLAIN credentials and records the username.
func (e *exchange) permissions(p *SASL) func(*sasl.Negotiator) bool {
	return func(n *sasl.Negotiator) bool {
		user, pass, ident := n.Credentials()
		username, err := p.normalize(string(user))
		if err != nil {
			return false
		}
		if !identityMatches(string(ident), string(user), username) {
			return false
		}
		if !p.store.Verify(username, string(pass)) {
			return false
		}
		e.username = username
		return true
	}
}

// salted fetches SCRAM credentials and records the username.
func (e *exchange) salted(p *SASL) sasl.SaltedCredentialsFetcher {
	return func(user, ident []byte, mechanism string) ([]byte, []byte, int64, error) {
		fn, ok := scramHashes[mechanism]
		if !ok {
			return nil, nil, 0, sasl.ErrAuthn
		}
		username, err := p.normalize(string(user))
		if err != nil {
			return nil, nil, 0, sasl.ErrAuthn
		}
		if !identityMatches(string(ident), string(user), username) {
			return nil, nil, 0, sasl.ErrAuthn
		}
		salt, saltedPassword, iter, ok := p.store.Salted(username, fn)
		if !ok {
			return nil, nil, 0, sasl.ErrAuthn
		}
		e.username = username
		return salt, saltedPassword, iter, nil
	}
}

// identityMatches reports whether the authorization identity, if any, names
// the account being authenticated.
// Only the localpart of a JID shaped identity is compared.
func identityMatches(ident, user, username string) bool {
	if ident == "" {
		return true
	}
	local, _, _ := strings.Cut(ident, "@")
	return local == user || local == username
}
