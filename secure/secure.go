// Package secure implements the end-to-end layer: a long-lived RSA
// keypair per participant, RSA-OAEP wrapping of the per-peer session key,
// and an authenticated symmetric cipher for application frames.
package secure

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the session key length in bytes.
const KeySize = chacha20poly1305.KeySize

// ErrDecrypt is returned for any frame that fails authenticated
// decryption; callers drop the frame and keep the session alive.
var ErrDecrypt = errors.New("frame decryption failed")

// Keypair is a participant's long-lived asymmetric identity.
type Keypair struct {
	priv *rsa.PrivateKey
}

// GenerateKeypair creates a fresh RSA-2048 keypair.
func GenerateKeypair() (*Keypair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	return &Keypair{priv: priv}, nil
}

// PublicPEM serializes the public half for transmission over signaling.
func (kp *Keypair) PublicPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&kp.priv.PublicKey)
	if err != nil {
		return "", err
	}
	block := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return string(block), nil
}

// ParsePublicPEM parses a peer's transmitted public key.
func ParsePublicPEM(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("failed to decode public key PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}
	return rsaPub, nil
}

// NewSessionKey draws a random symmetric key for one peer pair.
func NewSessionKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// WrapKey encrypts a session key to the peer's public key (OAEP-SHA256).
func WrapKey(pub *rsa.PublicKey, key []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
}

// UnwrapKey recovers a session key wrapped to our public key.
func (kp *Keypair) UnwrapKey(wrapped []byte) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, kp.priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("key unwrap failed: %w", err)
	}
	if len(key) != KeySize {
		return nil, errors.New("unwrapped key has wrong length")
	}
	return key, nil
}

// Cipher seals and opens application frames under one session key.
type Cipher struct {
	key []byte
}

func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, errors.New("bad session key length")
	}
	return &Cipher{key: append([]byte(nil), key...)}, nil
}

// Seal encrypts data, prefixing the random nonce.
func (c *Cipher) Seal(data []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(c.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, data, nil), nil
}

// Open authenticates and decrypts a sealed frame.
func (c *Cipher) Open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(c.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, ErrDecrypt
	}
	nonce := sealed[:aead.NonceSize()]
	plain, err := aead.Open(nil, nonce, sealed[aead.NonceSize():], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}
