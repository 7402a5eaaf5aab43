package token

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIssueAndValidate(t *testing.T) {
	m := NewManager("test_secret", 5*time.Minute)

	raw, err := m.Issue("alice@example.com")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	email, err := m.Validate(raw)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if email != "alice@example.com" {
		t.Fatalf("expected alice@example.com, got %s", email)
	}
}

func TestValidate_Missing(t *testing.T) {
	m := NewManager("test_secret", 5*time.Minute)

	if _, err := m.Validate(""); !errors.Is(err, ErrMissing) {
		t.Fatalf("expected ErrMissing, got %v", err)
	}
	if _, err := m.Validate("   "); !errors.Is(err, ErrMissing) {
		t.Fatalf("expected ErrMissing for blank token, got %v", err)
	}
}

func TestValidate_Expired(t *testing.T) {
	m := NewManager("test_secret", 5*time.Minute)

	raw, err := m.Issue("bob@example.com")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// 把时钟拨到过期之后
	m.now = func() time.Time { return time.Now().Add(10 * time.Minute) }

	if _, err := m.Validate(raw); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestValidateWithGrace(t *testing.T) {
	m := NewManager("test_secret", 5*time.Minute)

	raw, err := m.Issue("bob@example.com")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// 过期 2 分钟，宽限 5 分钟内仍然接受
	m.now = func() time.Time { return time.Now().Add(7 * time.Minute) }

	email, err := m.ValidateWithGrace(raw, 5*time.Minute)
	if err != nil {
		t.Fatalf("validate with grace: %v", err)
	}
	if email != "bob@example.com" {
		t.Fatalf("expected bob@example.com, got %s", email)
	}

	// 超出宽限仍然过期
	m.now = func() time.Time { return time.Now().Add(15 * time.Minute) }
	if _, err := m.ValidateWithGrace(raw, 5*time.Minute); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired beyond grace, got %v", err)
	}
}

func TestValidate_WrongSecret(t *testing.T) {
	m := NewManager("test_secret", 5*time.Minute)
	other := NewManager("another_secret", 5*time.Minute)

	raw, err := other.Issue("eve@example.com")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := m.Validate(raw); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for wrong secret, got %v", err)
	}
}

func TestValidate_Tampered(t *testing.T) {
	m := NewManager("test_secret", 5*time.Minute)

	raw, err := m.Issue("carol@example.com")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		t.Fatalf("unexpected token shape")
	}
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]

	if _, err := m.Validate(tampered); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for tampered token, got %v", err)
	}
}
