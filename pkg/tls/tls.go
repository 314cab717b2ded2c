// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tls builds server and client TLS configurations from PEM files.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

var (
	errLoadCerts    = errors.New("failed to load certificates")
	errLoadServerCA = errors.New("failed to load server CA")
	errLoadClientCA = errors.New("failed to load client CA")
	errAppendCA     = errors.New("failed to append CA certificates")
	errPartialPair  = errors.New("cert_file and key_file must be set together")
)

// Config names the PEM files of a TLS endpoint.
type Config struct {
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	ServerCAFile string `yaml:"server_ca_file"`
	ClientCAFile string `yaml:"ca_file"`
}

// Enabled reports whether a certificate is configured.
func (c Config) Enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// Validate checks that the key pair is complete.
func (c Config) Validate() error {
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errPartialPair
	}
	if c.ClientCAFile != "" && !c.Enabled() {
		return fmt.Errorf("ca_file requires a server certificate: %w", errPartialPair)
	}
	return nil
}

// LoadServerConfig returns the server TLS configuration, or nil when no
// certificate is configured. A client CA turns on mutual TLS.
func LoadServerConfig(c Config) (*tls.Config, error) {
	if !c.Enabled() {
		return nil, nil
	}

	certificate, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, errors.Join(errLoadCerts, err)
	}

	config := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{certificate},
		NextProtos:   []string{"h2", "http/1.1"},
	}

	clientCAs, err := loadPool(c.ClientCAFile)
	if err != nil {
		return nil, errors.Join(errLoadClientCA, err)
	}
	if clientCAs != nil {
		config.ClientCAs = clientCAs
		config.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return config, nil
}

// LoadClientConfig returns the TLS configuration for calls to a server
// whose certificate is signed by ServerCAFile. The key pair, when set, is
// presented as the client certificate.
func LoadClientConfig(c Config) (*tls.Config, error) {
	config := &tls.Config{MinVersion: tls.VersionTLS12}

	rootCAs, err := loadPool(c.ServerCAFile)
	if err != nil {
		return nil, errors.Join(errLoadServerCA, err)
	}
	config.RootCAs = rootCAs

	if c.Enabled() {
		certificate, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, errors.Join(errLoadCerts, err)
		}
		config.Certificates = []tls.Certificate{certificate}
	}
	return config, nil
}

// SecurityStatus describes a server TLS configuration for logging.
func SecurityStatus(c *tls.Config) string {
	if c == nil {
		return "no TLS"
	}
	ret := "TLS"
	if len(c.Certificates) == 0 {
		ret = "no server certificates"
	}
	if c.ClientCAs != nil {
		ret += " and " + c.ClientAuth.String()
	}
	return ret
}

func loadPool(file string) (*x509.CertPool, error) {
	if file == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errAppendCA
	}
	return pool, nil
}
