package secret

import (
	"encoding/base64"
	"strings"
	"testing"
)

func newTestCipher(t *testing.T, host string) *Cipher {
	t.Helper()
	c, err := NewCipher(MachineKey{Hostname: host, Username: "netops", Salt: ApplicationSalt})
	if err != nil {
		t.Fatalf("NewCipher() failed: %v", err)
	}
	return c
}

func TestCipher_RoundTrip(t *testing.T) {
	c := newTestCipher(t, "workstation-1")

	inputs := []string{
		"x",
		"cisco123",
		"pass:with:colons",
		"unicode pässwörd ✓",
		strings.Repeat("long", 500),
	}
	for _, in := range inputs {
		token, err := c.Encrypt(in)
		if err != nil {
			t.Fatalf("Encrypt(%q) failed: %v", in, err)
		}
		if token == in {
			t.Errorf("Encrypt(%q) returned the plaintext", in)
		}
		if got := c.Decrypt(token); got != in {
			t.Errorf("Decrypt(Encrypt(%q)) = %q", in, got)
		}
		if !c.IsDecryptable(token) {
			t.Errorf("IsDecryptable(%q) = false", token)
		}
	}
}

func TestCipher_EmptyInEmptyOut(t *testing.T) {
	c := newTestCipher(t, "workstation-1")

	token, err := c.Encrypt("")
	if err != nil {
		t.Fatalf("Encrypt(\"\") failed: %v", err)
	}
	if token != "" {
		t.Errorf("Encrypt(\"\") = %q, want empty", token)
	}
	if got := c.Decrypt(""); got != "" {
		t.Errorf("Decrypt(\"\") = %q, want empty", got)
	}
	if c.Classify("") != TokenEmpty {
		t.Errorf("Classify(\"\") = %v", c.Classify(""))
	}
}

func TestCipher_TokenFormat(t *testing.T) {
	c := newTestCipher(t, "workstation-1")

	token, err := c.Encrypt("secret")
	if err != nil {
		t.Fatal(err)
	}
	parts := strings.Split(token, ":")
	if len(parts) != 2 {
		t.Fatalf("token should have two segments, got %q", token)
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		t.Fatalf("nonce segment is not base64: %v", err)
	}
	if len(nonce) != 12 {
		t.Errorf("nonce length = %d, want 12", len(nonce))
	}
	if _, err := base64.StdEncoding.DecodeString(parts[1]); err != nil {
		t.Errorf("ciphertext segment is not base64: %v", err)
	}

	other, _ := c.Encrypt("secret")
	if other == token {
		t.Error("two encryptions of the same value should use different nonces")
	}
}

func TestCipher_LegacyPlaintextPassesThrough(t *testing.T) {
	c := newTestCipher(t, "workstation-1")

	tests := []string{"not-a-token", "user:pass", "test:test", "a:b:c"}
	for _, in := range tests {
		if got := c.Decrypt(in); got != in {
			t.Errorf("Decrypt(%q) = %q, want unchanged", in, got)
		}
		if state := c.Classify(in); state != TokenPlaintext {
			t.Errorf("Classify(%q) = %v, want plaintext", in, state)
		}
	}
}

func TestCipher_CorruptTokenUnchanged(t *testing.T) {
	writer := newTestCipher(t, "workstation-1")
	reader := newTestCipher(t, "workstation-2")

	token, err := writer.Encrypt("secret")
	if err != nil {
		t.Fatal(err)
	}

	if got := reader.Decrypt(token); got != token {
		t.Errorf("Decrypt with wrong key = %q, want token unchanged", got)
	}
	if state := reader.Classify(token); state != TokenCorrupt {
		t.Errorf("Classify with wrong key = %v, want corrupt", state)
	}
	if reader.IsDecryptable(token) {
		t.Error("IsDecryptable should be false for a foreign token")
	}

	// Flip a byte in the sealed payload.
	nonce, data, _ := strings.Cut(token, ":")
	raw, _ := base64.StdEncoding.DecodeString(data)
	raw[0] ^= 0xff
	tampered := nonce + ":" + base64.StdEncoding.EncodeToString(raw)
	if got := writer.Decrypt(tampered); got != tampered {
		t.Errorf("Decrypt(tampered) = %q, want unchanged", got)
	}
	if state := writer.Classify(tampered); state != TokenCorrupt {
		t.Errorf("Classify(tampered) = %v, want corrupt", state)
	}
}

func TestMachineKey(t *testing.T) {
	a, err := MachineKey{Hostname: "h", Username: "u", Salt: "s"}.DeriveKey()
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 32 {
		t.Errorf("key length = %d, want 32", len(a))
	}
	b, _ := MachineKey{Hostname: "h", Username: "u", Salt: "s"}.DeriveKey()
	if string(a) != string(b) {
		t.Error("same identity should derive the same key")
	}
	c, _ := MachineKey{Hostname: "h", Username: "other", Salt: "s"}.DeriveKey()
	if string(a) == string(c) {
		t.Error("different identity should derive a different key")
	}

	if _, err := (MachineKey{}).DeriveKey(); err == nil {
		t.Error("empty identity should fail")
	}
}

func TestLocalMachineKey(t *testing.T) {
	k := LocalMachineKey()
	if k.Salt != ApplicationSalt {
		t.Errorf("Salt = %q", k.Salt)
	}
	if k.Hostname == "" {
		t.Error("Hostname should be filled")
	}
	if _, err := NewCipher(k); err != nil {
		t.Errorf("NewCipher(LocalMachineKey()) failed: %v", err)
	}
}
