// Package idgen produces idempotency keys for payment requests and reference ids for
// terminal calls.
package idgen

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// referencePrefix keeps terminal references recognisable in vendor portals.
const referencePrefix = "POS"

// NewIdempotencyKey returns a fresh key for one logical payment attempt. Retries of the same
// attempt must reuse the key.
func NewIdempotencyKey() string {
	return uuid.NewString()
}

// IdempotencyKeyFor derives a stable key for a register-scoped attempt, so a device that
// crashes mid-request and resubmits the same cart produces the same key.
func IdempotencyKeyFor(registerID, cartID string, attempt int) string {
	name := fmt.Sprintf("%s/%s/%d", registerID, cartID, attempt)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// TerminalReference derives the reference id sent to the terminal for one card leg.
// It is deterministic so a retried sale for the same leg carries the same reference,
// letting the terminal vendor deduplicate.
func TerminalReference(intentID uuid.UUID, leg int) string {
	var buf [20]byte
	copy(buf[:16], intentID[:])
	binary.BigEndian.PutUint32(buf[16:], uint32(leg))
	sum := xxhash.Sum64(buf[:])
	return fmt.Sprintf("%s-%016X-%d", referencePrefix, sum, leg)
}

// ParseReferenceLeg extracts the leg number from a reference produced by TerminalReference.
func ParseReferenceLeg(ref string) (int, bool) {
	parts := strings.Split(ref, "-")
	if len(parts) != 3 || parts[0] != referencePrefix {
		return 0, false
	}
	var leg int
	if _, err := fmt.Sscanf(parts[2], "%d", &leg); err != nil || leg <= 0 {
		return 0, false
	}
	return leg, true
}
