package util

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestConnectionError(t *testing.T) {
	err := NewConnectionError("SSH", "10.0.0.5:22", io.EOF)

	msg := err.Error()
	if !strings.Contains(msg, "SSH") || !strings.Contains(msg, "10.0.0.5:22") {
		t.Errorf("Error message should contain protocol and host: %s", msg)
	}
	if !strings.Contains(msg, "EOF") {
		t.Errorf("Error message should contain the cause: %s", msg)
	}
	if !errors.Is(err, ErrConnectionFailed) {
		t.Error("ConnectionError should match ErrConnectionFailed")
	}
	if !errors.Is(err, io.EOF) {
		t.Error("ConnectionError should unwrap to its cause")
	}

	var ce *ConnectionError
	wrapped := errors.Join(errors.New("outer"), err)
	if !errors.As(wrapped, &ce) || ce.Host != "10.0.0.5:22" {
		t.Errorf("errors.As should recover the ConnectionError, got %v", ce)
	}
}

func TestConnectionErrorNilCause(t *testing.T) {
	err := NewConnectionError("Telnet", "sw1:23", nil)
	if strings.HasSuffix(err.Error(), ": ") {
		t.Errorf("Error message should not end with a dangling separator: %q", err.Error())
	}
}

func TestValidationBuilder(t *testing.T) {
	t.Run("no errors", func(t *testing.T) {
		var v ValidationBuilder
		v.Add(true, "never")
		if err := v.Build(); err != nil {
			t.Errorf("Build() = %v, want nil", err)
		}
	})

	t.Run("single error", func(t *testing.T) {
		var v ValidationBuilder
		err := v.Add(false, "name is required").Build()
		if err == nil {
			t.Fatal("expected error")
		}
		if err.Error() != "validation failed: name is required" {
			t.Errorf("Error() = %q", err.Error())
		}
		if !errors.Is(err, ErrValidationFailed) {
			t.Error("ValidationError should unwrap to ErrValidationFailed")
		}
	})

	t.Run("multiple errors", func(t *testing.T) {
		var v ValidationBuilder
		err := v.Add(false, "first").Add(false, "second").Build()
		msg := err.Error()
		if !strings.Contains(msg, "first") || !strings.Contains(msg, "second") {
			t.Errorf("Error() should list all failures: %s", msg)
		}
	})
}
