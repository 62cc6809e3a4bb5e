// internal/types/ids.go
package types

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

type JobID string

func NewJobID() JobID {
	return JobID(uuid.New().String())
}

// DraftKeyLength is the length of the random key a conversation carries until
// it is published. Published keys are 64 hex characters.
const DraftKeyLength = 20

func NewDraftKey() string {
	var b [DraftKeyLength / 2]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

// PublishedKey derives the permanent conversation key from the creator, the
// creation time and the subject.
func PublishedKey(creator string, created time.Time, subject string) string {
	raw := creator + "_" + created.UTC().Format(time.RFC3339Nano) + "_" + subject
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func IsPublishedKey(key string) bool {
	if len(key) != 64 {
		return false
	}
	_, err := hex.DecodeString(key)
	return err == nil
}

// NewMessageID returns an RFC 5322 message id local part and domain without
// angle brackets.
func NewMessageID(domain string) string {
	return uuid.New().String() + "@" + domain
}

// NormalizeEmail lower-cases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// EmailDomain returns the part after the last @, or "" when there is none.
func EmailDomain(email string) string {
	i := strings.LastIndexByte(email, '@')
	if i < 0 || i == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[i+1:])
}
