// SPDX-FileCopyrightText: 2023 Hactar Contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package internal

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN is the application protocol negotiated by QuicR peers.
const ALPN = "quicr-h3"

// MaxIncomingStreams a peer might open.
const MaxIncomingStreams = 2048

// ErrMissingCertificate is returned for a server configuration without certificate or key.
var ErrMissingCertificate = errors.New("missing TLS certificate or key filename")

// ServerTLSConfig loads the certificate and key files for a listening transport.
func ServerTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" || keyFile == "" {
		return nil, ErrMissingCertificate
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading key pair %s, %s: %w", certFile, keyFile, err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ClientTLSConfig generates a bare-bones TLS config for a connecting transport.
// Relays commonly use self-signed certificates, so the certificate is not verified.
func ClientTLSConfig(serverName string) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPN},
		MinVersion:         tls.VersionTLS13,
	}
}

// QUICConfig enables datagrams next to the reliable streams.
func QUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:    3 * time.Second,
		MaxIdleTimeout:     30 * time.Second,
		EnableDatagrams:    true,
		MaxIncomingStreams: MaxIncomingStreams,
	}
}

// WriteSelfSignedCertificate creates a self-signed certificate and its RSA key as PEM files.
func WriteSelfSignedCertificate(certFile, keyFile string, hosts ...string) error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generating private key: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "quicr relay"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     hosts,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("generating certificate: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	if err := os.WriteFile(certFile, certPEM, 0600); err != nil {
		return err
	}
	return os.WriteFile(keyFile, keyPEM, 0600)
}
