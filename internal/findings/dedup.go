// Package findings turns agent outputs into durable findings and alerts.
// Identity is the dedup key; the store's UNIQUE constraint makes repeated
// and concurrent persistence of the same finding a no-op.
package findings

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// NoEntity stands in for a finding that is not about a specific entity.
const NoEntity = "none"

// DayLayout is the layout of the day bucket.
const DayLayout = "2006-01-02"

// DedupKey is the hex sha256 of (agent, entity or "none", type, occurrence,
// day). Fields are joined with a unit separator so no two tuples collide by
// concatenation.
func DedupKey(agentID, entityKey, findingType string, occurrence int, day string) string {
	if entityKey == "" {
		entityKey = NoEntity
	}
	h := sha256.New()
	for i, part := range []string{agentID, entityKey, findingType, strconv.Itoa(occurrence), day} {
		if i > 0 {
			h.Write([]byte{0x1f})
		}
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DayBucket is the UTC calendar date of t.
func DayBucket(t time.Time) string {
	return t.UTC().Format(DayLayout)
}
