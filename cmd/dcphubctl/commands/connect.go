// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/dcphub/dcphub/lib/client"
	"github.com/dcphub/dcphub/lib/protocol"
)

// passwordEnv names the environment variable checked before prompting.
const passwordEnv = "DCPHUB_PASSWORD"

// connection holds the flags shared by network commands.
type connection struct {
	Server   string
	Security string
	CAFile   string
	CertFile string
	KeyFile  string
	Insecure bool
	User     string
}

func (c *connection) addFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVarP(&c.Server, "server", "s", "localhost:16003", "hub address (host:port)")
	flagSet.StringVar(&c.Security, "security", "plain", "connection security: plain, starttls or tls")
	flagSet.StringVar(&c.CAFile, "ca-file", "", "PEM bundle of CAs trusted for the hub certificate")
	flagSet.StringVar(&c.CertFile, "cert-file", "", "client certificate, for hubs that require one")
	flagSet.StringVar(&c.KeyFile, "key-file", "", "client certificate key")
	flagSet.BoolVar(&c.Insecure, "insecure", false, "skip hub certificate verification")
	flagSet.StringVarP(&c.User, "user", "u", os.Getenv("USER"), "user name")
}

func (c *connection) tlsConfig() (*tls.Config, error) {
	config := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: c.Insecure}
	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", c.CAFile)
		}
		config.RootCAs = pool
	}
	if c.CertFile != "" || c.KeyFile != "" {
		certificate, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{certificate}
	}
	return config, nil
}

// login dials the hub and authenticates.
func (c *connection) login(ctx context.Context) (*client.Client, error) {
	security, err := protocol.ParseSecurity(c.Security)
	if err != nil {
		return nil, err
	}
	options := client.Options{Security: security, Name: "dcphubctl"}
	if security != protocol.SecurityPlain {
		if options.TLSConfig, err = c.tlsConfig(); err != nil {
			return nil, err
		}
	}
	if c.User == "" {
		return nil, fmt.Errorf("--user is required")
	}
	password, err := readPassword(fmt.Sprintf("Password for %s@%s: ", c.User, c.Server))
	if err != nil {
		return nil, err
	}

	hub, err := client.Dial(ctx, c.Server, options)
	if err != nil {
		return nil, err
	}
	if _, err := hub.Login(ctx, c.User, password); err != nil {
		hub.Close()
		return nil, err
	}
	return hub, nil
}

// readPassword returns $DCPHUB_PASSWORD if set, otherwise prompts on
// the terminal without echo, or reads one line from a piped stdin.
func readPassword(prompt string) (string, error) {
	if password, ok := os.LookupEnv(passwordEnv); ok {
		return password, nil
	}
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		password, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(password), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading password from stdin: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
