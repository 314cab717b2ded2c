// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeCert writes a self-signed certificate and its key to dir.
func writeCert(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		DNSNames:              []string{"localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.NoError(t, Config{CertFile: "c", KeyFile: "k", ClientCAFile: "ca"}.Validate())
	assert.ErrorIs(t, Config{CertFile: "c"}.Validate(), errPartialPair)
	assert.ErrorIs(t, Config{ClientCAFile: "ca"}.Validate(), errPartialPair)
}

func TestLoadServerConfig(t *testing.T) {
	cfg, err := LoadServerConfig(Config{})
	require.NoError(t, err)
	assert.Nil(t, cfg)
	assert.Equal(t, "no TLS", SecurityStatus(cfg))

	certFile, keyFile := writeCert(t, t.TempDir())

	cfg, err = LoadServerConfig(Config{CertFile: certFile, KeyFile: keyFile})
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)
	assert.Nil(t, cfg.ClientCAs)
	assert.Equal(t, "TLS", SecurityStatus(cfg))

	cfg, err = LoadServerConfig(Config{CertFile: certFile, KeyFile: keyFile, ClientCAFile: certFile})
	require.NoError(t, err)
	assert.NotNil(t, cfg.ClientCAs)
	assert.Equal(t, tls.RequireAndVerifyClientCert, cfg.ClientAuth)
	assert.Equal(t, "TLS and RequireAndVerifyClientCert", SecurityStatus(cfg))
}

func TestLoadServerConfig_Errors(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeCert(t, dir)

	_, err := LoadServerConfig(Config{CertFile: filepath.Join(dir, "missing.pem"), KeyFile: keyFile})
	assert.ErrorIs(t, err, errLoadCerts)

	bogus := filepath.Join(dir, "bogus.pem")
	require.NoError(t, os.WriteFile(bogus, []byte("not a certificate"), 0o600))
	_, err = LoadServerConfig(Config{CertFile: certFile, KeyFile: keyFile, ClientCAFile: bogus})
	assert.ErrorIs(t, err, errAppendCA)
}

func TestLoadClientConfig(t *testing.T) {
	certFile, keyFile := writeCert(t, t.TempDir())

	cfg, err := LoadClientConfig(Config{ServerCAFile: certFile})
	require.NoError(t, err)
	assert.NotNil(t, cfg.RootCAs)
	assert.Empty(t, cfg.Certificates)

	cfg, err = LoadClientConfig(Config{ServerCAFile: certFile, CertFile: certFile, KeyFile: keyFile})
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
}
