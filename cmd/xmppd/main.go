// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// The xmppd command is an XMPP server for clients connecting over TCP, direct
// TLS, and BOSH.
//
// Configuration is read from the file named by --config or XMPPD_CONFIG, then
// from XMPPD_* environment variables, and finally from command line flags.
package main // import "mellium.im/xmppd/cmd/xmppd"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"mellium.im/xmppd/config"
)

func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "xmppd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stderr io.Writer) error {
	cfg, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	logger, err := cfg.Log.Logger(stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(cfg, logger)
	if err != nil {
		return err
	}
	return d.run(ctx)
}

// parseFlags loads the configuration and applies any flags that were set on
// the command line.
func parseFlags(args []string, stderr io.Writer) (*config.Config, error) {
	flags := pflag.NewFlagSet("xmppd", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	path := flags.StringP("config", "c", os.Getenv(config.EnvFile), "path to the YAML configuration file")
	flags.String("domain", "", "the XMPP domain to serve")
	flags.String("client-addr", "", "address for STARTTLS client connections")
	flags.String("tls-addr", "", "address for direct TLS client connections")
	flags.String("bosh-addr", "", "address for the BOSH HTTP endpoint")
	flags.String("cert", "", "TLS certificate file")
	flags.String("key", "", "TLS key file")
	flags.String("accounts", "", "YAML file of accounts")
	flags.String("fan-out", "", "delivery policy for bare JIDs (highest-priority or broadcast)")
	flags.String("log-level", "", "minimum log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (text or json)")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	if flags.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument %q", flags.Arg(0))
	}

	cfg, err := config.Read(*path)
	if err != nil {
		return nil, err
	}
	for name, dst := range map[string]*string{
		"domain":      &cfg.Domain,
		"client-addr": &cfg.Client.Addr,
		"tls-addr":    &cfg.Client.TLSAddr,
		"bosh-addr":   &cfg.BOSH.Addr,
		"cert":        &cfg.TLS.CertFile,
		"key":         &cfg.TLS.KeyFile,
		"accounts":    &cfg.Auth.AccountsFile,
		"fan-out":     &cfg.Router.FanOut,
		"log-level":   &cfg.Log.Level,
		"log-format":  &cfg.Log.Format,
	} {
		if flags.Changed(name) {
			v, _ := flags.GetString(name)
			*dst = v
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
