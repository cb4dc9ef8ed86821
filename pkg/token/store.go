package token

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"time"

	"github.com/skyfence/skyfence/pkg/detect"
)

var (
	// ErrHandleMissing is returned when a token map handle has no live
	// record, typically because its TTL expired.
	ErrHandleMissing = errors.New("token handle missing")

	// ErrBackendUnavailable is returned when the store backend cannot be
	// reached within its operation deadline.
	ErrBackendUnavailable = errors.New("token backend unavailable")
)

// DefaultTTL bounds how long originals stay recoverable through a handle.
const DefaultTTL = 24 * time.Hour

// Entry is the stored original behind one placeholder.
type Entry struct {
	Original string          `json:"original"`
	Type     string          `json:"type"`
	Category detect.Category `json:"category"`
}

// Record is one redaction's placeholder map, addressed by an opaque handle.
type Record struct {
	ConversationID string           `json:"conversation_id"`
	Entries        map[string]Entry `json:"entries"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Store parks records under handles with a TTL. Implementations must be
// safe for concurrent use; put and get are atomic per handle.
type Store interface {
	// Put stores record under handle, replacing any previous record and
	// resetting the TTL.
	Put(ctx context.Context, handle string, record Record, ttl time.Duration) error

	// Get returns the record for handle. Returns ErrHandleMissing when no
	// live record exists.
	Get(ctx context.Context, handle string) (Record, error)

	// ExtendTTL pushes the record's expiry out to now + ttl. Missing
	// handles return ErrHandleMissing.
	ExtendTTL(ctx context.Context, handle string, ttl time.Duration) error

	// Close releases backend resources.
	Close() error
}

// handleEncoding renders handles as unpadded base32.
var handleEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewHandle generates a random 128-bit handle.
func NewHandle() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate token handle: %w", err)
	}
	return handleEncoding.EncodeToString(raw), nil
}

func storeKey(handle string) string {
	return "tok:" + handle
}
