// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"mellium.im/xmppd"
	"mellium.im/xmppd/auth"
	"mellium.im/xmppd/bosh"
	"mellium.im/xmppd/config"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/router"
	"mellium.im/xmppd/server"
)

const shutdownTimeout = 10 * time.Second

// daemon owns every listener of a running server.
type daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	accounts *auth.Accounts
	router   *router.Router
	c2s      *server.Server
	boshMgr  *bosh.Manager
	http     *http.Server
}

func newDaemon(cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	domain, err := jid.Parse(cfg.Domain)
	if err != nil {
		return nil, fmt.Errorf("domain: %w", err)
	}
	policy, err := jid.ParsePolicy(cfg.LocalpartPolicy)
	if err != nil {
		return nil, err
	}
	fanOut, err := router.ParsePolicy(cfg.Router.FanOut)
	if err != nil {
		return nil, err
	}

	accounts := auth.NewAccounts(nil)
	if cfg.Auth.AccountsFile != "" {
		accounts, err = auth.LoadAccounts(cfg.Auth.AccountsFile)
		if err != nil {
			return nil, fmt.Errorf("accounts: %w", err)
		}
	}

	var tlsConfig *tls.Config
	if cfg.TLS.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("tls: %w", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	r := router.New(domain,
		router.WithPolicy(fanOut),
		router.WithDirectory(accounts),
		router.WithLogger(logger))
	provider := auth.NewSASL(accounts,
		auth.Anonymous(cfg.Auth.Anonymous),
		auth.InsecurePlain(cfg.Auth.InsecurePlain),
		auth.Normalize(func(username string) (string, error) {
			j, err := policy.New(username, domain.Domainpart(), "")
			return j.Localpart(), err
		}))

	session := xmppd.Config{
		Domain:          domain,
		Router:          r,
		SASL:            provider,
		TLS:             tlsConfig,
		RequireTLS:      cfg.TLS.Required,
		MaxAuthAttempts: cfg.Auth.MaxAttempts,
		AuthTimeout:     cfg.Auth.Timeout,
		IdleTimeout:     cfg.Session.IdleTimeout,
		MaxStanzaSize:   cfg.Session.MaxStanzaSize,
		QueueSize:       cfg.Session.QueueSize,
		JIDPolicy:       policy,
		Logger:          logger,
	}

	d := &daemon{
		cfg:      cfg,
		logger:   logger,
		accounts: accounts,
		router:   r,
		c2s: server.New(
			server.ClientAddr(cfg.Client.Addr),
			server.TLSAddr(cfg.Client.TLSAddr),
			server.TLSConfig(tlsConfig),
			server.Session(session),
			server.Logger(logger),
			server.WriteTimeout(cfg.Client.WriteTimeout),
		),
	}

	if cfg.BOSH.Addr != "" {
		// BOSH sessions are never upgraded in band.
		boshSession := session
		boshSession.TLS = nil
		boshSession.IdleTimeout = 0
		d.boshMgr = bosh.NewManager(bosh.ManagerConfig{
			Domain:       domain,
			MaxWait:      cfg.BOSH.Wait,
			MaxHold:      cfg.BOSH.Hold,
			Polling:      cfg.BOSH.Polling,
			Inactivity:   cfg.BOSH.Inactivity,
			GapTimeout:   cfg.BOSH.GapTimeout,
			AssumeSecure: cfg.BOSH.AssumeSecure,
			Logger:       logger.With(slog.String("transport", "bosh")),
		}, func(t xmppd.Transport) *xmppd.Session {
			return xmppd.NewSession(boshSession, t)
		})
		mux := http.NewServeMux()
		mux.Handle(cfg.BOSH.Path, bosh.NewHandler(d.boshMgr,
			bosh.WithLogger(logger.With(slog.String("transport", "http"))),
			bosh.WithAllowOrigin(cfg.BOSH.AllowOrigin),
			bosh.WithMaxBodySize(cfg.BOSH.MaxBodySize),
			bosh.WithCompression(cfg.BOSH.Compression),
		))
		d.http = &http.Server{
			Addr:              cfg.BOSH.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		}
		if cfg.BOSH.TLS {
			d.http.TLSConfig = tlsConfig
		}
	}
	return d, nil
}

// run serves every configured listener until ctx is done or one of them
// fails, then shuts the rest down.
func (d *daemon) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if d.cfg.Client.Addr != "" {
		g.Go(func() error {
			d.logger.Info("listen.c2s", slog.String("addr", d.cfg.Client.Addr))
			return ignoreClosed(d.c2s.ListenAndServe())
		})
	}
	if d.cfg.Client.TLSAddr != "" {
		g.Go(func() error {
			d.logger.Info("listen.c2s_tls", slog.String("addr", d.cfg.Client.TLSAddr))
			return ignoreClosed(d.c2s.ListenAndServeTLS())
		})
	}
	if d.http != nil {
		g.Go(func() error {
			d.logger.Info("listen.bosh",
				slog.String("addr", d.http.Addr),
				slog.String("path", d.cfg.BOSH.Path),
				slog.Bool("tls", d.http.TLSConfig != nil))
			ln, err := net.Listen("tcp", d.http.Addr)
			if err != nil {
				return err
			}
			if d.http.TLSConfig != nil {
				return ignoreClosed(d.http.ServeTLS(ln, "", ""))
			}
			return ignoreClosed(d.http.Serve(ln))
		})
	}
	if d.cfg.Auth.AccountsFile != "" {
		g.Go(func() error {
			err := d.accounts.Watch(ctx, d.cfg.Auth.AccountsFile, d.logger)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		return d.shutdown()
	})

	err := g.Wait()
	d.logger.Info("shutdown.complete")
	return err
}

func (d *daemon) shutdown() error {
	d.logger.Info("shutdown.start")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if d.boshMgr != nil {
		d.boshMgr.Close()
		if err := d.http.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("bosh: %w", err))
		}
	}
	if err := d.c2s.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("c2s: %w", err))
	}
	return errors.Join(errs...)
}

func ignoreClosed(err error) error {
	if errors.Is(err, server.ErrServerClosed) || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
