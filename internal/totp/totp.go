// Package totp provisions time-based one-time-password secrets for accounts.
package totp

import (
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// Provisioner generates and verifies TOTP secrets for user accounts.
type Provisioner struct {
	issuer string
}

// NewProvisioner creates a Provisioner. The issuer appears in authenticator
// apps next to the account name.
func NewProvisioner(issuer string) *Provisioner {
	if issuer == "" {
		issuer = "Resonat"
	}
	return &Provisioner{issuer: issuer}
}

// Generate creates a fresh secret for the given account and returns the
// base32 secret plus the otpauth:// provisioning URI clients render as a
// QR code.
func (p *Provisioner) Generate(accountName string) (secret, uri string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      p.issuer,
		AccountName: accountName,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

// Verify reports whether code is valid for secret at the current time.
func (p *Provisioner) Verify(code, secret string) bool {
	return totp.Validate(code, secret)
}

// VerifyAt is Verify pinned to a specific time, for deterministic tests.
func (p *Provisioner) VerifyAt(code, secret string, at time.Time) bool {
	ok, err := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
