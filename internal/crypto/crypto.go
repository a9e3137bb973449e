// Package crypto seals recordings with NaCl secretbox.
//
// A 32-byte symmetric key is derived from a passphrase using HKDF-SHA256.
// Every sealed record carries a random 24-byte nonce in front of the
// ciphertext:
//
//	[ 24-byte nonce ][ ciphertext ]
//
// An empty passphrase means no sealing; callers pass a nil key to the wire
// layer instead of deriving one.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	KeySize   = 32
	nonceSize = 24
)

var hkdfInfo = []byte("skypebridge-v1")

// ErrOpen is returned when a sealed box does not authenticate.
var ErrOpen = errors.New("decryption failed (wrong key?)")

// DeriveKey derives a secretbox key from passphrase. The same passphrase
// always yields the same key.
func DeriveKey(passphrase string) (*[KeySize]byte, error) {
	if passphrase == "" {
		return nil, errors.New("key derivation: empty passphrase")
	}
	h := hkdf.New(sha256.New, []byte(passphrase), nil, hkdfInfo)
	var key [KeySize]byte
	if _, err := io.ReadFull(h, key[:]); err != nil {
		return nil, fmt.Errorf("key derivation: %w", err)
	}
	return &key, nil
}

// Seal encrypts plaintext with key and returns nonce+ciphertext.
func Seal(plaintext []byte, key *[KeySize]byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("nonce generation: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, key), nil
}

// Open decrypts nonce+ciphertext produced by Seal.
func Open(sealed []byte, key *[KeySize]byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("sealed box too short (%d bytes)", len(sealed))
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, key)
	if !ok {
		return nil, ErrOpen
	}
	return plain, nil
}
