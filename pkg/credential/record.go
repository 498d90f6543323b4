// Package credential resolves and persists device login material.
//
// Credentials can be configured at three scopes, most specific first:
// the device itself, a group the device belongs to, or a subnet containing
// the device's address. Passwords are encrypted with a secret.Cipher before
// they are written anywhere and decrypted only when read back.
package credential

import (
	"fmt"
	"strings"

	"github.com/newtron-network/newtexec/pkg/secret"
	"github.com/newtron-network/newtexec/pkg/util"
)

// ConnectionType selects the session transport.
type ConnectionType string

const (
	SSH    ConnectionType = "ssh"
	Telnet ConnectionType = "telnet"
)

// ParseConnectionType maps a stored or user-supplied value to a ConnectionType.
// The empty string defaults to SSH; anything unrecognised is an error so a
// typo is reported instead of silently falling back.
func ParseConnectionType(s string) (ConnectionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(SSH):
		return SSH, nil
	case string(Telnet):
		return Telnet, nil
	}
	return "", fmt.Errorf("%w: %s", util.ErrUnsupportedConnectionType, s)
}

// Record is one set of login material. Password fields hold plaintext while
// in memory; only sealed copies are serialized.
type Record struct {
	Username       string         `json:"username"`
	Password       string         `json:"password"`
	EnablePassword string         `json:"enable_password"`
	ConnectionType ConnectionType `json:"connection_type"`
}

// IsEmpty reports whether nothing is configured.
func (r Record) IsEmpty() bool {
	return r == Record{}
}

// Redacted returns a copy with secrets masked, for display.
func (r Record) Redacted() Record {
	if r.Password != "" {
		r.Password = "********"
	}
	if r.EnablePassword != "" {
		r.EnablePassword = "********"
	}
	return r
}

// seal returns a copy with both secrets encrypted.
func (r Record) seal(c *secret.Cipher) (Record, error) {
	var err error
	if r.Password, err = c.Encrypt(r.Password); err != nil {
		return Record{}, fmt.Errorf("encrypting password: %w", err)
	}
	if r.EnablePassword, err = c.Encrypt(r.EnablePassword); err != nil {
		return Record{}, fmt.Errorf("encrypting enable password: %w", err)
	}
	return r, nil
}

// open returns a copy with both secrets decrypted. A secret that is shaped
// like a token but cannot be decrypted is dropped rather than handed to a
// device as a password.
func (r Record) open(c *secret.Cipher, scope, name string) Record {
	r.Password = openSecret(c, r.Password, "password", scope, name)
	r.EnablePassword = openSecret(c, r.EnablePassword, "enable_password", scope, name)
	return r
}

func openSecret(c *secret.Cipher, token, field, scope, name string) string {
	switch c.Classify(token) {
	case secret.TokenEmpty:
		return ""
	case secret.TokenCorrupt:
		util.WithScope(scope, name).Warnf("%s cannot be decrypted on this machine; treating it as unset", field)
		return ""
	}
	return c.Decrypt(token)
}
