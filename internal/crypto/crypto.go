// Package crypto encrypts tenant credentials at rest.
//
// Every tenant gets its own AES-256 key derived with PBKDF2-HMAC-SHA256 from the
// operator secret, and the tenant id is bound into the GCM associated data, so a
// ciphertext produced for one tenant never opens for another.
//
// Two layouts are understood by Decrypt:
//   - legacy:    base64(nonce ‖ ciphertext ‖ tag)
//   - versioned: base64("CV" ‖ version ‖ tokenLen ‖ rotationToken ‖ unixSeconds ‖ nonce ‖ ciphertext ‖ tag)
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/mosmn/conversational-glass-ai-sub000/internal/domain"
	"golang.org/x/crypto/pbkdf2"
)

const (
	PlaceholderSecret = "change-me-to-a-random-32-char-secret"
	MinSecretLength   = 32

	keyIterations = 100_000
	keyLength     = 32
	nonceSize     = 16
	tagSize       = 16

	versionCurrent = 2
	maxTokenLength = 64
)

var (
	ErrWeakSecret        = errors.New("encryption secret must be at least 32 characters")
	ErrPlaceholderSecret = errors.New("encryption secret is still the placeholder default")
	ErrTokenTooLong      = errors.New("rotation token too long")

	versionMagic = []byte("CV")
)

// Metadata describes the header of a versioned ciphertext.
type Metadata struct {
	Version       int
	RotationToken string
	CreatedAt     time.Time
}

type Encryptor struct {
	secret []byte
	keys   sync.Map // tenantID -> []byte
	now    func() time.Time
}

func NewEncryptor(secret string) (*Encryptor, error) {
	if err := ValidateSecret(secret); err != nil {
		return nil, err
	}
	return &Encryptor{secret: []byte(secret), now: time.Now}, nil
}

// ValidateSecret reports whether secret is usable as the operator encryption secret.
func ValidateSecret(secret string) error {
	if secret == PlaceholderSecret {
		return ErrPlaceholderSecret
	}
	if len(secret) < MinSecretLength {
		return ErrWeakSecret
	}
	return nil
}

func (e *Encryptor) tenantKey(tenantID string) []byte {
	if k, ok := e.keys.Load(tenantID); ok {
		return k.([]byte)
	}
	key := pbkdf2.Key(e.secret, []byte("tenant:"+tenantID), keyIterations, keyLength, sha256.New)
	e.keys.Store(tenantID, key)
	return key
}

func (e *Encryptor) gcm(tenantID string) (cipher.AEAD, error) {
	block, err := aes.NewCipher(e.tenantKey(tenantID))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, nonceSize)
}

// Encrypt seals secret for tenantID using the versioned layout.
func (e *Encryptor) Encrypt(secret, tenantID string) (string, error) {
	return e.EncryptWithRotation(secret, tenantID, "")
}

// EncryptWithRotation seals secret and records rotationToken in the versioned header.
func (e *Encryptor) EncryptWithRotation(secret, tenantID, rotationToken string) (string, error) {
	if len(rotationToken) > maxTokenLength {
		return "", ErrTokenTooLong
	}

	header := make([]byte, 0, len(versionMagic)+2+len(rotationToken)+8)
	header = append(header, versionMagic...)
	header = append(header, versionCurrent, byte(len(rotationToken)))
	header = append(header, rotationToken...)
	header = binary.BigEndian.AppendUint64(header, uint64(e.now().Unix()))

	sealed, err := e.seal(secret, tenantID, header)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(append(header, sealed...)), nil
}

// EncryptLegacy seals secret using the headerless layout written by older releases.
func (e *Encryptor) EncryptLegacy(secret, tenantID string) (string, error) {
	sealed, err := e.seal(secret, tenantID, nil)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (e *Encryptor) seal(secret, tenantID string, header []byte) ([]byte, error) {
	gcm, err := e.gcm(tenantID)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, []byte(secret), associatedData(tenantID, header)), nil
}

func (e *Encryptor) Decrypt(ciphertext, tenantID string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", &domain.DecryptionError{Reason: "malformed encoding", Err: err}
	}

	header, body, err := splitHeader(data)
	if err != nil {
		return "", err
	}

	if len(body) < nonceSize+tagSize {
		return "", &domain.DecryptionError{Reason: "ciphertext too short"}
	}

	gcm, err := e.gcm(tenantID)
	if err != nil {
		return "", &domain.DecryptionError{Reason: "cipher setup", Err: err}
	}

	plaintext, err := open(gcm, body, associatedData(tenantID, header))
	if err != nil && header != nil {
		// legacy nonce that happened to look like a header
		plaintext, err = open(gcm, data, associatedData(tenantID, nil))
	}
	if err != nil {
		return "", &domain.DecryptionError{Reason: "authentication failed", Err: err}
	}

	return string(plaintext), nil
}

func open(gcm cipher.AEAD, body, ad []byte) ([]byte, error) {
	nonce, sealed := body[:nonceSize], body[nonceSize:]
	return gcm.Open(nil, nonce, sealed, ad)
}

// Inspect returns the versioned header of ciphertext without decrypting it.
// Legacy ciphertexts report Version 1.
func Inspect(ciphertext string) (Metadata, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return Metadata{}, &domain.DecryptionError{Reason: "malformed encoding", Err: err}
	}
	header, _, err := splitHeader(data)
	if err != nil {
		return Metadata{}, err
	}
	if header == nil {
		return Metadata{Version: 1}, nil
	}

	tokenLen := int(header[3])
	ts := binary.BigEndian.Uint64(header[4+tokenLen:])
	return Metadata{
		Version:       int(header[2]),
		RotationToken: string(header[4 : 4+tokenLen]),
		CreatedAt:     time.Unix(int64(ts), 0).UTC(),
	}, nil
}

// splitHeader separates an optional versioned header from the sealed body.
// A legacy nonce can start with the magic bytes by chance, so a header is only
// accepted when it is fully well-formed.
func splitHeader(data []byte) (header, body []byte, err error) {
	if len(data) < 4 || !bytes.Equal(data[:2], versionMagic) || data[2] != versionCurrent {
		return nil, data, nil
	}
	tokenLen := int(data[3])
	end := 4 + tokenLen + 8
	if tokenLen > maxTokenLength || len(data) < end+nonceSize+tagSize {
		return nil, data, nil
	}
	return data[:end], data[end:], nil
}

func associatedData(tenantID string, header []byte) []byte {
	ad := make([]byte, 0, len(tenantID)+len(header))
	ad = append(ad, tenantID...)
	return append(ad, header...)
}

// HashKey returns a one-way fingerprint used for duplicate detection.
func HashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// ConstantTimeEqual compares two secrets without leaking timing information.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// MaskKey keeps the first and last four characters of key for display.
func MaskKey(key string) string {
	if len(key) <= 12 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", 8) + key[len(key)-4:]
}
