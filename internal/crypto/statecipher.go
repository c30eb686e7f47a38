// Package crypto provides AES-256-GCM authenticated encryption for state
// bodies stored at rest. Terraform state routinely contains secrets in clear
// text (database passwords, private keys, cloud credentials embedded in
// resource attributes), so an object-store compromise must not expose usable
// state. AES-256-GCM is chosen because it provides both confidentiality and
// authenticated integrity, ensuring stored state cannot be silently tampered
// with even if the object store is partially compromised.
//
// Sealed payloads carry a fixed magic header so readers can distinguish
// encrypted bodies from plain JSON and so encryption can be enabled on a
// backend with existing plaintext state: reads accept both forms, writes seal
// from then on.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/tfstate-backend/tfstate-backend/internal/config"
)

// Sealed payload framing: magic, one format version byte, GCM nonce,
// ciphertext. JSON state bodies can never begin with the magic bytes.
var sealMagic = []byte("tfsealed")

const sealVersion = 0x01

var (
	// ErrKeyLengthInvalid is returned when a master key is not exactly 32 bytes (required for AES-256).
	ErrKeyLengthInvalid = errors.New("crypto: key must be exactly 32 bytes for AES-256")
	// ErrCiphertextCorrupted is returned when a sealed payload is truncated or carries an unknown format version.
	ErrCiphertextCorrupted = errors.New("crypto: sealed payload is corrupted or tampered")
	// ErrDecryptionFailed is returned when AES-GCM authentication or decryption fails, indicating tampering or a wrong key.
	ErrDecryptionFailed = errors.New("crypto: decryption operation failed")
	// ErrNotSealed is returned when Open is called on a payload without the seal header.
	ErrNotSealed = errors.New("crypto: payload is not sealed")
	// ErrSaltTooShort is returned when the provided salt is fewer than 16 bytes, which would weaken PBKDF2 key derivation.
	ErrSaltTooShort = errors.New("crypto: salt must be at least 16 bytes")
)

// StateCipher encrypts and decrypts state bodies
type StateCipher struct {
	masterKey []byte
}

// NewStateCipher creates a cipher with a 32-byte master key
func NewStateCipher(masterKey []byte) (*StateCipher, error) {
	if len(masterKey) != 32 {
		return nil, ErrKeyLengthInvalid
	}
	keyCopy := make([]byte, 32)
	copy(keyCopy, masterKey)
	return &StateCipher{masterKey: keyCopy}, nil
}

// DeriveStateCipher creates a cipher by deriving a key from a passphrase
func DeriveStateCipher(passphrase string, salt []byte, iterations int) (*StateCipher, error) {
	if len(salt) < 16 {
		return nil, ErrSaltTooShort
	}
	if iterations < 10000 {
		iterations = 600000 // Secure default
	}
	derivedKey := pbkdf2.Key([]byte(passphrase), salt, iterations, 32, sha256.New)
	return NewStateCipher(derivedKey)
}

// FromConfig builds a StateCipher from the encryption config section.
// Returns (nil, nil) when encryption is disabled.
func FromConfig(cfg *config.EncryptionConfig) (*StateCipher, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	if cfg.MasterKey != "" {
		key, err := hex.DecodeString(cfg.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("crypto: master key is not valid hex: %w", err)
		}
		return NewStateCipher(key)
	}

	salt, err := hex.DecodeString(cfg.Salt)
	if err != nil {
		return nil, fmt.Errorf("crypto: salt is not valid hex: %w", err)
	}
	return DeriveStateCipher(cfg.Passphrase, salt, cfg.Iterations)
}

// IsSealed reports whether data carries the sealed-payload header
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, sealMagic)
}

// Seal encrypts a state body and returns the framed sealed payload
func (sc *StateCipher) Seal(plaintext []byte) ([]byte, error) {
	blockCipher, err := aes.NewCipher(sc.masterKey)
	if err != nil {
		return nil, err
	}

	aead, err := cipher.NewGCM(blockCipher)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(sealMagic)+1+len(nonce)+len(plaintext)+aead.Overhead())
	sealed = append(sealed, sealMagic...)
	sealed = append(sealed, sealVersion)
	sealed = append(sealed, nonce...)
	return aead.Seal(sealed, nonce, plaintext, nil), nil
}

// Open decrypts a framed sealed payload and returns the plaintext state body
func (sc *StateCipher) Open(sealed []byte) ([]byte, error) {
	if !IsSealed(sealed) {
		return nil, ErrNotSealed
	}

	body := sealed[len(sealMagic):]
	if len(body) < 1 || body[0] != sealVersion {
		return nil, ErrCiphertextCorrupted
	}
	body = body[1:]

	blockCipher, err := aes.NewCipher(sc.masterKey)
	if err != nil {
		return nil, err
	}

	aead, err := cipher.NewGCM(blockCipher)
	if err != nil {
		return nil, err
	}

	nonceLen := aead.NonceSize()
	if len(body) < nonceLen {
		return nil, ErrCiphertextCorrupted
	}

	nonce := body[:nonceLen]
	ciphertext := body[nonceLen:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// GenerateKey creates a cryptographically secure random 32-byte key
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// GenerateSalt creates a cryptographically secure random salt
func GenerateSalt(length int) ([]byte, error) {
	if length < 16 {
		length = 16
	}
	salt := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return salt, nil
}
