package totp

import (
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
)

func TestGenerate(t *testing.T) {
	p := NewProvisioner("Resonat")

	secret, uri, err := p.Generate("alice@example.com")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if secret == "" {
		t.Fatal("empty secret")
	}
	if !strings.HasPrefix(uri, "otpauth://totp/") {
		t.Errorf("unexpected URI scheme: %q", uri)
	}
	if !strings.Contains(uri, "Resonat") {
		t.Errorf("issuer missing from URI: %q", uri)
	}
	if !strings.Contains(uri, "alice%40example.com") && !strings.Contains(uri, "alice@example.com") {
		t.Errorf("account missing from URI: %q", uri)
	}

	// Two generations produce distinct secrets.
	secret2, _, err := p.Generate("alice@example.com")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if secret == secret2 {
		t.Error("expected distinct secrets across generations")
	}
}

func TestVerifyAt(t *testing.T) {
	p := NewProvisioner("")

	secret, _, err := p.Generate("bob@example.com")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	now := time.Now()
	code, err := totp.GenerateCode(secret, now)
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}

	if !p.VerifyAt(code, secret, now) {
		t.Error("valid code rejected")
	}
	if p.VerifyAt("000000", secret, now) {
		t.Error("bogus code accepted")
	}
	if p.VerifyAt(code, secret, now.Add(5*time.Minute)) {
		t.Error("stale code accepted well outside the window")
	}
}
