package models

import (
	"fmt"
	"strings"
	"time"
)

// IdentifierType selects which threshold table applies to an identifier.
// The zero value is invalid so an unset type can never fall through to a default.
type IdentifierType uint8

const (
	IdentifierIP IdentifierType = iota + 1
	IdentifierEmail
)

// ParseIdentifierType converts the wire form ("ip", "email") into an IdentifierType
func ParseIdentifierType(s string) (IdentifierType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ip":
		return IdentifierIP, nil
	case "email":
		return IdentifierEmail, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidType, s)
}

// Valid reports whether t is one of the recognized identifier kinds
func (t IdentifierType) Valid() bool {
	return t == IdentifierIP || t == IdentifierEmail
}

func (t IdentifierType) String() string {
	switch t {
	case IdentifierIP:
		return "ip"
	case IdentifierEmail:
		return "email"
	}
	return fmt.Sprintf("IdentifierType(%d)", uint8(t))
}

// MarshalText encodes the type as "ip" or "email"
func (t IdentifierType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidType, uint8(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText decodes "ip" or "email"
func (t *IdentifierType) UnmarshalText(text []byte) error {
	parsed, err := ParseIdentifierType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// AttemptRecord is the failure history of one (identifier, type) pair
type AttemptRecord struct {
	ID                  string         `db:"id" json:"-"`
	Identifier          string         `db:"identifier" json:"identifier"`
	Type                IdentifierType `db:"type" json:"type"`
	FailedAttempts      uint           `db:"failed_attempts" json:"failed_attempts"`           // Lifetime total
	ConsecutiveFailures uint           `db:"consecutive_failures" json:"consecutive_failures"` // Since last success or stale gap
	BlockedUntil        *time.Time     `db:"blocked_until" json:"blocked_until"`
	LastAttempt         time.Time      `db:"last_attempt" json:"last_attempt"`
	CreatedAt           time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at" json:"updated_at"`
}

// IsBlockedAt reports whether the record carries a block that has not expired at now
func (r *AttemptRecord) IsBlockedAt(now time.Time) bool {
	return r != nil && r.BlockedUntil != nil && r.BlockedUntil.After(now)
}

// Clone returns a deep copy so callers can mutate without touching stored state
func (r *AttemptRecord) Clone() *AttemptRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.BlockedUntil != nil {
		until := *r.BlockedUntil
		c.BlockedUntil = &until
	}
	return &c
}

// FailureResult is returned to the caller after a failure has been recorded
type FailureResult struct {
	Identifier          string         `json:"identifier"`
	Type                IdentifierType `json:"type"`
	FailedAttempts      uint           `json:"failed_attempts"`
	ConsecutiveFailures uint           `json:"consecutive_failures"`
	BlockedUntil        *time.Time     `json:"blocked_until"`
	RemainingAttempts   int            `json:"remaining_attempts"` // Negative once blocked
	Tier                int            `json:"tier"`
	Escalated           bool           `json:"escalated"` // This failure moved the record into a higher tier
}

// DisplayRemaining clamps RemainingAttempts at zero for presentation to end users
func (r *FailureResult) DisplayRemaining() int {
	if r.RemainingAttempts < 0 {
		return 0
	}
	return r.RemainingAttempts
}

// BlockInfo describes an active block
type BlockInfo struct {
	Blocked      bool      `json:"blocked"`
	BlockedUntil time.Time `json:"blocked_until"`
	Reason       string    `json:"reason"`
}
