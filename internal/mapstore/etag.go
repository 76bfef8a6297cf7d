package mapstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ETag derives a strong HTTP ETag deterministically from (id, version):
// the same pair always yields the same tag, and two different
// versions never collide (spec §4.B "Optimistic concurrency").
func ETag(id string, version int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", id, version)))
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}
