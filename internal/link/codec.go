// Package link issues and verifies the signed download tokens. A token is a
// ChaCha20-Poly1305 sealed JSON payload carrying the file identity and an
// expiry timestamp, encoded as a URL-safe base64 string. The token is the
// only proof of access a downloader holds; nothing about it is persisted.
package link

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrInvalidToken covers every decode failure that is not a clean
	// expiry: malformed encoding, failed authentication, bad payload.
	// Callers must not be able to tell these apart.
	ErrInvalidToken = errors.New("invalid download token")

	// ErrExpiredToken is returned only after the token authenticated
	// successfully but its embedded expiry has passed.
	ErrExpiredToken = errors.New("download token expired")
)

// Payload is the plaintext carried inside a token.
type Payload struct {
	FileID   string  `json:"file_id"`
	FileName string  `json:"file_name"`
	Expires  float64 `json:"expires"`
}

// ExpiresAt returns the embedded expiry as a time.
func (p Payload) ExpiresAt() time.Time {
	sec := int64(p.Expires)
	nsec := int64((p.Expires - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}

type Codec struct {
	aead      cipher.AEAD
	ephemeral bool
}

// NewCodec builds a codec from the configured key. The key may be a base64
// encoding of exactly 32 bytes; any other non-empty string is derived to 32
// bytes with SHA-256 so operators can configure a passphrase. An empty key is
// a hard error unless allowEphemeral is set, in which case a random in-memory
// key is generated and every issued token dies with the process.
func NewCodec(key string, allowEphemeral bool) (*Codec, error) {
	keyBytes, ephemeral, err := resolveKey(key, allowEphemeral)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	if ephemeral {
		slog.Warn("link: no encryption key configured, using ephemeral key; tokens will not survive a restart")
	}

	return &Codec{aead: aead, ephemeral: ephemeral}, nil
}

func resolveKey(key string, allowEphemeral bool) ([]byte, bool, error) {
	if key == "" {
		if !allowEphemeral {
			return nil, false, errors.New("link encryption key is required outside dev mode")
		}
		keyBytes := make([]byte, chacha20poly1305.KeySize)
		if _, err := io.ReadFull(rand.Reader, keyBytes); err != nil {
			return nil, false, fmt.Errorf("generate ephemeral key: %w", err)
		}
		return keyBytes, true, nil
	}

	if decoded, err := base64.StdEncoding.DecodeString(key); err == nil && len(decoded) == chacha20poly1305.KeySize {
		return decoded, false, nil
	}

	// Passphrase form: stretch to key size.
	derived := sha256.Sum256([]byte(key))
	return derived[:], false, nil
}

// Ephemeral reports whether the codec runs on a generated in-memory key.
func (c *Codec) Ephemeral() bool {
	return c.ephemeral
}

// Encode seals {fileID, fileName, now+ttl} into a URL-safe token. A fresh
// nonce is drawn per call, so encoding the same payload twice yields two
// unrelated token strings.
func (c *Codec) Encode(fileID, fileName string, ttl time.Duration) (string, error) {
	payload := Payload{
		FileID:   fileID,
		FileName: fileName,
		Expires:  float64(time.Now().Add(ttl).UnixNano()) / float64(time.Second),
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal token payload: %w", err)
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decode verifies and opens a token. Expiry is checked only after the
// ciphertext authenticated, so a tampered expiry can never surface as
// ErrExpiredToken.
func (c *Codec) Decode(token string) (Payload, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Payload{}, ErrInvalidToken
	}

	nonceSize := c.aead.NonceSize()
	if len(sealed) < nonceSize {
		return Payload{}, ErrInvalidToken
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return Payload{}, ErrInvalidToken
	}

	var payload Payload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return Payload{}, ErrInvalidToken
	}

	if time.Now().After(payload.ExpiresAt()) {
		return Payload{}, ErrExpiredToken
	}

	return payload, nil
}

// DownloadURL builds the absolute download link for a token.
func DownloadURL(baseURL, token string) string {
	for len(baseURL) > 0 && baseURL[len(baseURL)-1] == '/' {
		baseURL = baseURL[:len(baseURL)-1]
	}
	return baseURL + "/api/download/" + token
}
