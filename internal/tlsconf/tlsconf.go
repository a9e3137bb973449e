// Package tlsconf derives TLS credentials for the daemon's TCP listener from
// a shared passphrase.
//
// The private key is derived deterministically via HKDF, so the daemon and
// every client holding the same passphrase agree on the server's public key.
// The certificate itself is generated fresh; clients verify the presented
// public key against the derived one instead of walking a chain. No CA, no
// certificate distribution.
//
// Key derivation:
//
//	HKDF-SHA256(ikm=passphrase, salt="skypebridge-tls-v1", info="private-key")
//	→ 64 bytes → reduced mod curve order → deterministic ECDSA P-256 key
package tlsconf

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"golang.org/x/crypto/hkdf"
	"google.golang.org/grpc/credentials"
)

// DefaultPassphrase is used when TLS is on but no token is configured.
const DefaultPassphrase = "skypebridge"

const serverName = "skypebridge"

// ErrKeyMismatch is returned by the client verifier when the server's key
// was derived from a different passphrase.
var ErrKeyMismatch = errors.New("tlsconf: server public key does not match passphrase")

// Pair is the server certificate and the matching client verifier for one
// passphrase.
type Pair struct {
	cert      tls.Certificate
	publicDER []byte
}

// Derive builds the Pair for passphrase.
func Derive(passphrase string) (*Pair, error) {
	key, err := deriveKey(passphrase)
	if err != nil {
		return nil, fmt.Errorf("tlsconf: derive key: %w", err)
	}
	der, err := selfSignedCert(key)
	if err != nil {
		return nil, fmt.Errorf("tlsconf: cert: %w", err)
	}
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("tlsconf: marshal pubkey: %w", err)
	}
	return &Pair{
		cert:      tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key},
		publicDER: pub,
	}, nil
}

// Server returns the listener config. The gateway only speaks HTTP/1.1, so
// http/1.1 is preferred; gRPC clients offer nothing but h2 and still get it.
func (p *Pair) Server() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{p.cert},
		NextProtos:   []string{"http/1.1", "h2"},
		MinVersion:   tls.VersionTLS13,
	}
}

// Client returns a client config that accepts only the derived public key.
func (p *Pair) Client() *tls.Config {
	return &tls.Config{
		// Chain verification is replaced by the public key check below.
		InsecureSkipVerify:    true, //nolint:gosec
		ServerName:            serverName,
		MinVersion:            tls.VersionTLS13,
		VerifyPeerCertificate: p.verify,
	}
}

// ClientCredentials wraps Client for gRPC.
func (p *Pair) ClientCredentials() credentials.TransportCredentials {
	return credentials.NewTLS(p.Client())
}

func (p *Pair) verify(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return errors.New("tlsconf: server presented no certificate")
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("tlsconf: parse server cert: %w", err)
	}
	pub, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return fmt.Errorf("tlsconf: marshal server pubkey: %w", err)
	}
	if !bytes.Equal(pub, p.publicDER) {
		return ErrKeyMismatch
	}
	return nil
}

// deriveKey derives a deterministic ECDSA P-256 private key from passphrase.
func deriveKey(passphrase string) (*ecdsa.PrivateKey, error) {
	r := hkdf.New(sha256.New, []byte(passphrase), []byte("skypebridge-tls-v1"), []byte("private-key"))
	buf := make([]byte, 64)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("hkdf read: %w", err)
	}

	curve := elliptic.P256()
	n := curve.Params().N
	k := new(big.Int).SetBytes(buf)
	k.Mod(k, new(big.Int).Sub(n, big.NewInt(1)))
	k.Add(k, big.NewInt(1)) // k ∈ [1, N-1]

	key := new(ecdsa.PrivateKey)
	key.PublicKey.Curve = curve
	key.D = k
	key.PublicKey.X, key.PublicKey.Y = curve.ScalarBaseMult(k.Bytes())
	return key, nil
}

// selfSignedCert returns a DER certificate for key. Only its public key is
// ever checked.
func selfSignedCert(key *ecdsa.PrivateKey) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: serverName},
		DNSNames:              []string{serverName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	return x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
}
