package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

const DefaultTTL = 10 * time.Minute

// Entry is a finished report held by a ResultCache. It is never returned
// once ExpiresAt has passed.
type Entry struct {
	Value     json.RawMessage `json:"value"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// ResultCache stores finished aggregation results by key for a bounded TTL.
// Set always overwrites.
type ResultCache interface {
	Get(ctx context.Context, key string) (Entry, bool)
	Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error
}

// BuildKey derives a stable key from report parameters. Parts are trimmed and
// lower-cased so equivalent filters share an entry.
func BuildKey(parts ...string) string {
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		normalized = append(normalized, strings.TrimSpace(strings.ToLower(part)))
	}
	sum := sha256.Sum256([]byte(strings.Join(normalized, "||")))
	return hex.EncodeToString(sum[:])
}

func cloneEntry(entry Entry) Entry {
	clone := entry
	clone.Value = append(json.RawMessage(nil), entry.Value...)
	return clone
}
