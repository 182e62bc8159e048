package osfp

import "fmt"

// ttlFamily normalizes a wire TTL to its likely initial TTL value.
// Zero means the field carried nothing usable.
func ttlFamily(ttl uint8) uint8 {
	switch {
	case ttl == 0:
		return 0
	case ttl <= 32:
		return 32
	case ttl <= 64:
		return 64
	case ttl <= 128:
		return 128
	default:
		return 255
	}
}

// TTLGuess renders the initial-TTL bucket of ttl as the TG field:
// "20", "40", "80" or "FF". A zero TTL renders as "0".
func TTLGuess(ttl uint8) string {
	return fmt.Sprintf("%X", ttlFamily(ttl))
}

// InitialTTL exposes the bucket as a number for the matchers and reports.
func InitialTTL(ttl uint8) int { return int(ttlFamily(ttl)) }

// Hops estimates the distance to the target from its reply TTL.
func Hops(ttl uint8) int {
	if ttl == 0 {
		return 0
	}
	return int(ttlFamily(ttl)) - int(ttl)
}
