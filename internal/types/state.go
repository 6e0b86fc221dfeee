package types

import (
	"fmt"
	"time"
)

const redacted = "[REDACTED]"

// CredentialSet is the single set of upstream API credentials resident in memory.
// IdentityKey and AccessKey are secrets: String and GoString redact them so that accidental
// formatting through a logger never leaks them. Serialization for encrypted persistence goes
// through the json tags only.
type CredentialSet struct {
	IdentityKey string `json:"userKey"`
	AccessKey   string `json:"apiKey"`
	DisplayName string `json:"username,omitempty"`
	FullName    string `json:"fullName,omitempty"`
}

// Valid reports whether both secret fields are present.
func (c CredentialSet) Valid() bool {
	return c.IdentityKey != "" && c.AccessKey != ""
}

func (c CredentialSet) String() string {
	return fmt.Sprintf("CredentialSet{IdentityKey:%s AccessKey:%s DisplayName:%q FullName:%q}",
		redactedOrEmpty(c.IdentityKey), redactedOrEmpty(c.AccessKey), c.DisplayName, c.FullName)
}

func (c CredentialSet) GoString() string {
	return c.String()
}

func redactedOrEmpty(s string) string {
	if s == "" {
		return `""`
	}
	return redacted
}

// DisplayInfo is the non-secret part of a CredentialSet.
type DisplayInfo struct {
	DisplayName string `json:"username"`
	FullName    string `json:"full_name"`
}

// ExpiryEvent is delivered to expiry observers after the session has already been wiped.
type ExpiryEvent struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
	ExpiredAt time.Time `json:"expired_at"`
}

// SessionStatus is a secret-free snapshot of the credential manager.
type SessionStatus struct {
	Active        bool
	SessionID     string
	StartedAt     time.Time
	TimeRemaining time.Duration
}
