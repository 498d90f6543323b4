// Package secret encrypts single credential strings at rest.
//
// The key is derived from the local machine name, the local account name and
// a fixed application salt. Anyone who can reproduce those three values can
// decrypt the tokens, so this protects against casual disclosure of the
// credential files only; it is not a security boundary. The contract kept
// across versions is that the same account on the same machine can always
// decrypt the tokens it wrote earlier.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"

	"github.com/newtron-network/newtexec/pkg/util"
)

// ApplicationSalt is mixed into every machine key.
const ApplicationSalt = "newtexec-credential-salt"

// separator joins the nonce and ciphertext segments of a token.
const separator = ":"

// KeyDeriver produces the symmetric key used by a Cipher.
type KeyDeriver interface {
	DeriveKey() ([]byte, error)
}

// MachineKey derives a key from "{hostname}:{username}:{salt}".
type MachineKey struct {
	Hostname string
	Username string
	Salt     string
}

// DeriveKey returns the SHA-256 digest of the identity string (32 bytes, AES-256).
func (k MachineKey) DeriveKey() ([]byte, error) {
	if k.Hostname == "" && k.Username == "" {
		return nil, errors.New("machine key: hostname and username are both empty")
	}
	sum := sha256.Sum256([]byte(k.Hostname + ":" + k.Username + ":" + k.Salt))
	return sum[:], nil
}

// LocalMachineKey returns the MachineKey of the current host and OS account.
func LocalMachineKey() MachineKey {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	name := ""
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	if name == "" {
		name = os.Getenv("USER")
	}
	return MachineKey{Hostname: host, Username: name, Salt: ApplicationSalt}
}

// TokenState classifies a stored secret value.
type TokenState int

const (
	// TokenEmpty is the empty string (no secret configured).
	TokenEmpty TokenState = iota
	// TokenPlaintext is a value that is not shaped like a token (legacy, unencrypted).
	TokenPlaintext
	// TokenEncrypted decrypts successfully with this cipher's key.
	TokenEncrypted
	// TokenCorrupt is shaped like a token (12-byte nonce, sealed payload) but
	// fails authentication, e.g. written under another machine key.
	TokenCorrupt
)

func (s TokenState) String() string {
	switch s {
	case TokenEmpty:
		return "empty"
	case TokenPlaintext:
		return "plaintext"
	case TokenEncrypted:
		return "encrypted"
	case TokenCorrupt:
		return "corrupt"
	}
	return fmt.Sprintf("TokenState(%d)", int(s))
}

// Cipher encrypts and decrypts strings with AES-256-GCM.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from the key produced by kd.
func NewCipher(kd KeyDeriver) (*Cipher, error) {
	key, err := kd.DeriveKey()
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher block: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt returns "{nonce_b64}:{ciphertext_b64}". The empty string encrypts
// to the empty string.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(nonce) + separator +
		base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt never fails. A value without the separator is returned as-is
// (legacy plaintext); a token that cannot be decrypted is also returned
// unchanged and logged. Use Classify to tell the two apart.
func (c *Cipher) Decrypt(token string) string {
	plain, state := c.open(token)
	switch state {
	case TokenEncrypted:
		return plain
	case TokenCorrupt:
		util.Logger.Warn("secret: token could not be decrypted; returning it unchanged")
	}
	return token
}

// Classify reports what kind of value token is without logging.
func (c *Cipher) Classify(token string) TokenState {
	_, state := c.open(token)
	return state
}

// IsDecryptable reports whether token is a token this cipher can open.
func (c *Cipher) IsDecryptable(token string) bool {
	return c.Classify(token) == TokenEncrypted
}

func (c *Cipher) open(token string) (string, TokenState) {
	if token == "" {
		return "", TokenEmpty
	}
	nonceB64, dataB64, ok := strings.Cut(token, separator)
	if !ok {
		return "", TokenPlaintext
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return "", TokenPlaintext
	}
	data, err := base64.StdEncoding.DecodeString(dataB64)
	if err != nil {
		return "", TokenPlaintext
	}
	// Only a nonce of the exact size makes the value token-shaped; "user:pass"
	// style legacy values fall through as plaintext.
	if len(nonce) != c.aead.NonceSize() || len(data) < c.aead.Overhead() {
		return "", TokenPlaintext
	}
	plain, err := c.aead.Open(nil, nonce, data, nil)
	if err != nil {
		return "", TokenCorrupt
	}
	return string(plain), TokenEncrypted
}
