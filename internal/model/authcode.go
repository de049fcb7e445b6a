package model

import (
	"fmt"
	"strings"
	"time"
)

type CodeType string

const (
	CodeTypeEmailConfirmation CodeType = "email_confirmation"
	CodeTypePasswordReset     CodeType = "password_reset"
)

// CodeTypes lists every supported code type.
var CodeTypes = []CodeType{CodeTypeEmailConfirmation, CodeTypePasswordReset}

func (t CodeType) Valid() bool {
	switch t {
	case CodeTypeEmailConfirmation, CodeTypePasswordReset:
		return true
	}
	return false
}

// Label returns a human readable name for emails and logs.
func (t CodeType) Label() string {
	switch t {
	case CodeTypeEmailConfirmation:
		return "Email confirmation"
	case CodeTypePasswordReset:
		return "Password reset"
	}
	return string(t)
}

func ParseCodeType(s string) (CodeType, error) {
	t := CodeType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown code type %q", s)
	}
	return t, nil
}

type CodeStatus string

const (
	CodeStatusActive     CodeStatus = "active"
	CodeStatusConsumed   CodeStatus = "consumed"
	CodeStatusExpired    CodeStatus = "expired"
	CodeStatusSuperseded CodeStatus = "superseded"
)

// AuthCode is a persisted one-time code. Only the SHA-256 hash of the
// plaintext is stored.
type AuthCode struct {
	ID        string     `db:"id" json:"id"`
	CodeHash  string     `db:"code_hash" json:"-"`
	UserID    string     `db:"user_id" json:"user_id"`
	Type      CodeType   `db:"type" json:"type"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	ExpiresAt time.Time  `db:"expires_at" json:"expires_at"`
	UsedAt    *time.Time `db:"used_at" json:"used_at,omitempty"`
	RevokedAt *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
}

func (c *AuthCode) IsUsed() bool {
	return c.UsedAt != nil
}

func (c *AuthCode) IsRevoked() bool {
	return c.RevokedAt != nil
}

// IsExpiredAt reports whether the code is past its expiry at now.
// A code is expired at the exact instant of ExpiresAt.
func (c *AuthCode) IsExpiredAt(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

func (c *AuthCode) IsValidAt(now time.Time) bool {
	return !c.IsUsed() && !c.IsRevoked() && !c.IsExpiredAt(now)
}

// Status resolves the lifecycle state. Terminal states recorded in the
// row win over expiry.
func (c *AuthCode) Status(now time.Time) CodeStatus {
	switch {
	case c.IsUsed():
		return CodeStatusConsumed
	case c.IsRevoked():
		return CodeStatusSuperseded
	case c.IsExpiredAt(now):
		return CodeStatusExpired
	}
	return CodeStatusActive
}
