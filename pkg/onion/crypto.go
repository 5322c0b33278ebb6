// Package onion provides cryptographic operations for onion routing.
package onion

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// confirmationInfo is the HKDF info string binding a confirmation tag to
// this protocol version, distinct from any other derived material.
var confirmationInfo = []byte("onionmesh-hop-confirmation-v1")

// ConfirmationSize is the fixed length of a created/extended confirmation
// tag (§4.2's Open Question on created/extended payload size: resolved as
// a fixed-size HKDF tag rather than variable padding).
const ConfirmationSize = 32

// DeriveConfirmation produces a tag a hop includes in its created/extended
// reply, letting the party that wrapped the session key verify the hop
// actually holds it without revealing the key itself.
func DeriveConfirmation(sessionKey []byte, circID CircID) []byte {
	salt := make([]byte, 2)
	binary.BigEndian.PutUint16(salt, uint16(circID))

	reader := hkdf.New(sha256.New, sessionKey, salt, confirmationInfo)
	tag := make([]byte, ConfirmationSize)
	if _, err := io.ReadFull(reader, tag); err != nil {
		panic("HKDF confirmation derivation failed: " + err.Error())
	}
	return tag
}

// RSA key wrap constants (§4.4). MinRSABits is the size of a freshly
// generated relay key pair and the floor a stored key must meet when it is
// loaded; the directory does not check modulus size.
const (
	MinRSABits     = 2048
	RSAPublicExp   = 65537
	SessionKeySize = 32
	NonceSize      = 12
	TagSize        = 16
)

// KeyManager owns a relay's long-term RSA key pair and persists it to disk
// across restarts so a relay's published Descriptor stays stable.
type KeyManager struct {
	private   *rsa.PrivateKey
	mu        sync.RWMutex
	storePath string
}

// NewKeyManager loads an existing key pair from storePath, or generates and
// persists a fresh one if none exists. An empty storePath generates an
// ephemeral key pair that is never written to disk.
func NewKeyManager(storePath string) (*KeyManager, error) {
	km := &KeyManager{storePath: storePath}

	if storePath != "" {
		if err := km.loadKey(); err == nil {
			return km, nil
		}
	}

	if err := km.generateKey(); err != nil {
		return nil, fmt.Errorf("generate relay key: %w", err)
	}

	if storePath != "" {
		if err := km.saveKey(); err != nil {
			return nil, fmt.Errorf("persist relay key: %w", err)
		}
	}

	return km, nil
}

func (km *KeyManager) generateKey() error {
	km.mu.Lock()
	defer km.mu.Unlock()

	priv, err := rsa.GenerateKey(rand.Reader, MinRSABits)
	if err != nil {
		return err
	}
	km.private = priv
	return nil
}

func (km *KeyManager) loadKey() error {
	km.mu.Lock()
	defer km.mu.Unlock()

	keyPath := filepath.Join(km.storePath, "relay.key")
	der, err := os.ReadFile(keyPath)
	if err != nil {
		return err
	}

	priv, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return fmt.Errorf("parse stored relay key: %w", err)
	}
	if priv.N.BitLen() < MinRSABits {
		return errors.New("stored relay key is below the minimum modulus size")
	}
	km.private = priv
	return nil
}

func (km *KeyManager) saveKey() error {
	km.mu.RLock()
	defer km.mu.RUnlock()

	if err := os.MkdirAll(km.storePath, 0700); err != nil {
		return err
	}
	der := x509.MarshalPKCS1PrivateKey(km.private)
	return os.WriteFile(filepath.Join(km.storePath, "relay.key"), der, 0600)
}

// PublicExponent returns the RSA public exponent, as published in a Descriptor.
func (km *KeyManager) PublicExponent() int64 {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return int64(km.private.E)
}

// Modulus returns the RSA modulus bytes, as published in a Descriptor.
func (km *KeyManager) Modulus() []byte {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.private.N.Bytes()
}

// Fingerprint returns a short identifier for this relay's public key,
// suitable for log lines.
func (km *KeyManager) Fingerprint() string {
	km.mu.RLock()
	defer km.mu.RUnlock()
	h := sha256.Sum256(km.private.N.Bytes())
	return hex.EncodeToString(h[:8])
}

// Unwrap decrypts a session key that was RSA-OAEP wrapped against this
// relay's public key (§4.4 create/extend handshake).
func (km *KeyManager) Unwrap(wrapped []byte) ([]byte, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, km.private, wrapped, nil)
	if err != nil {
		return nil, NewMeshError(ErrCryptoFailure, "RSA-OAEP unwrap failed")
	}
	return key, nil
}

// Close wipes the private exponents from memory. Safe to call more than once.
func (km *KeyManager) Close() {
	km.mu.Lock()
	defer km.mu.Unlock()
	if km.private == nil {
		return
	}
	km.private.D.SetInt64(0)
	for _, p := range km.private.Primes {
		p.SetInt64(0)
	}
	km.private = nil
}

// RSAWrap encrypts key for the relay identified by (exp, mod), the inverse
// of KeyManager.Unwrap. Used by the circuit builder when addressing the
// create/extend payload to a specific hop's public key (§4.4).
func RSAWrap(exp int64, mod []byte, key []byte) ([]byte, error) {
	pub := &rsa.PublicKey{N: new(big.Int).SetBytes(mod), E: int(exp)}
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return nil, fmt.Errorf("RSA-OAEP wrap: %w", err)
	}
	return ct, nil
}

// OnionCrypto is the per-hop authenticated symmetric layer (§4.4's
// Fernet-equivalent): ChaCha20-Poly1305 with a random nonce prepended to
// the ciphertext.
type OnionCrypto struct {
	aead cipher.AEAD
}

// NewOnionCrypto builds an OnionCrypto bound to a single session key.
func NewOnionCrypto(key []byte) (*OnionCrypto, error) {
	if len(key) != SessionKeySize {
		return nil, errors.New("onion session key must be 32 bytes")
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("build AEAD: %w", err)
	}
	return &OnionCrypto{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce, returning nonce||ciphertext||tag.
func (oc *OnionCrypto) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := oc.aead.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, NonceSize+len(sealed))
	copy(out, nonce)
	copy(out[NonceSize:], sealed)
	return out, nil
}

// Decrypt opens data previously produced by Encrypt. An error means the
// data was not sealed under this key or was altered in transit; the
// switchboard drops a packet whose layer fails to open.
func (oc *OnionCrypto) Decrypt(data []byte) ([]byte, error) {
	if len(data) < NonceSize+TagSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce, sealed := data[:NonceSize], data[NonceSize:]
	plaintext, err := oc.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, NewMeshError(ErrCryptoFailure, "AEAD open failed")
	}
	return plaintext, nil
}

// SecureWipe zeroes a byte slice in place. Used to scrub session keys and
// decrypted payloads once a packet has been forwarded.
func SecureWipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
