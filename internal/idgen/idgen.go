// Package idgen generates prefixed identifiers for stored records.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes for the record kinds this service creates.
const (
	EventPrefix = "evt_"
	AlertPrefix = "alrt_"
)

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars of a UUIDv7.
// UUIDv7 ids sort by creation time, so events inserted in the same
// millisecond still have a deterministic tie-break order.
func WithPrefix(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + strings.ReplaceAll(id.String(), "-", "")
}

// HasPrefix reports whether id was minted with prefix and has a valid body.
func HasPrefix(id, prefix string) bool {
	body, ok := strings.CutPrefix(id, prefix)
	if !ok || len(body) != 32 {
		return false
	}
	_, err := uuid.Parse(body)
	return err == nil
}

// Derived returns a prefixed id that is stable for key. Replaying the same
// source record yields the same id.
func Derived(prefix, key string) string {
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(key))
	return prefix + strings.ReplaceAll(id.String(), "-", "")
}
