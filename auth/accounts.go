// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
	"mellium.im/sasl"
	"mellium.im/xmppd/internal/attr"
)

// ScramIterations is the iteration count used when deriving SCRAM credentials
// from a stored password.
const ScramIterations = 4096

// Account is an entry in the account file.
// Exactly one of Password and Bcrypt should be set.
// Accounts that only store a bcrypt hash cannot use SCRAM.
type Account struct {
	Password string `yaml:"password,omitempty"`
	Bcrypt   string `yaml:"bcrypt,omitempty"`
}

type scramKey struct {
	username string
	size     int
}

type scramCreds struct {
	salt   []byte
	salted []byte
}

// Accounts is an in memory Store loaded from a YAML file of the form:
//
//	accounts:
//	  juliet:
//	    password: "r0m30myr0m30"
//	  romeo:
//	    bcrypt: "$2a$10$..."
type Accounts struct {
	mu       sync.RWMutex
	accounts map[string]Account
	scram    map[scramKey]scramCreds
}

// NewAccounts returns a store containing a copy of m.
func NewAccounts(m map[string]Account) *Accounts {
	a := &Accounts{}
	a.Replace(m)
	return a
}

// ParseAccounts decodes an account file.
func ParseAccounts(r io.Reader) (map[string]Account, error) {
	var file struct {
		Accounts map[string]Account `yaml:"accounts"`
	}
	if err := yaml.NewDecoder(r).Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("auth: decoding accounts: %w", err)
	}
	for name, acct := range file.Accounts {
		if acct.Password == "" && acct.Bcrypt == "" {
			return nil, fmt.Errorf("auth: account %q has no credentials", name)
		}
	}
	return file.Accounts, nil
}

// LoadAccounts reads the account file at path.
func LoadAccounts(path string) (*Accounts, error) {
	m, err := readAccounts(path)
	if err != nil {
		return nil, err
	}
	return NewAccounts(m), nil
}

func readAccounts(path string) (map[string]Account, error) {
	/* #nosec */
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseAccounts(f)
}

// Replace swaps the contents of the store.
func (a *Accounts) Replace(m map[string]Account) {
	accts := make(map[string]Account, len(m))
	for k, v := range m {
		accts[k] = v
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accounts = accts
	a.scram = make(map[scramKey]scramCreds)
}

// Len returns the number of accounts.
func (a *Accounts) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.accounts)
}

// Exists reports whether the account exists.
func (a *Accounts) Exists(username string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.accounts[username]
	return ok
}

// Verify reports whether password is correct for the account.
func (a *Accounts) Verify(username, password string) bool {
	a.mu.RLock()
	acct, ok := a.accounts[username]
	a.mu.RUnlock()
	if !ok {
		return false
	}
	if acct.Bcrypt != "" {
		return bcrypt.CompareHashAndPassword([]byte(acct.Bcrypt), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(acct.Password), []byte(password)) == 1
}

// Salted returns SCRAM credentials for the account derived using fn.
// Derived credentials are cached until the store is replaced.
func (a *Accounts) Salted(username string, fn func() hash.Hash) (salt, salted []byte, iter int64, ok bool) {
	k := scramKey{username: username, size: fn().Size()}
	a.mu.RLock()
	acct, exists := a.accounts[username]
	creds, cached := a.scram[k]
	a.mu.RUnlock()
	if !exists || acct.Password == "" {
		return nil, nil, 0, false
	}
	if cached {
		return creds.salt, creds.salted, ScramIterations, true
	}

	creds.salt = []byte(attr.RandomID())
	creds.salted = sasl.SCRAMSaltPassword(fn, []byte(acct.Password), creds.salt, ScramIterations)
	a.mu.Lock()
	a.scram[k] = creds
	a.mu.Unlock()
	return creds.salt, creds.salted, ScramIterations, true
}

// Watch reloads the store from path whenever the file changes until ctx is
// canceled.
// The containing directory is watched so that editors which replace the file
// are handled.
// A file that fails to parse is logged and the previous accounts are kept.
func (a *Accounts) Watch(ctx context.Context, path string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	path = filepath.Clean(path)
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			m, err := readAccounts(path)
			if err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					logger.Warn("accounts.reload", slog.String("path", path), slog.String("err", err.Error()))
				}
				continue
			}
			a.Replace(m)
			logger.Info("accounts.reload", slog.String("path", path), slog.Int("accounts", len(m)))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("accounts.watch", slog.String("err", err.Error()))
		}
	}
}
