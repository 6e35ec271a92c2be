package protocol

import "time"

// Default TTLs by message category. Stale control traffic is worthless and a
// malfunctioning broker can replay it, so everything expires.
var defaultTTLs = map[string]time.Duration{
	TypeHeartbeat: 15 * time.Second,

	TypeStateSet:     time.Minute,
	TypeStateSync:    time.Minute,
	TypeStateRequest: time.Minute,

	TypeCommand:      30 * time.Second,
	TypeCommandReply: 30 * time.Second,

	TypeOTAAnnounce:     5 * time.Minute,
	TypeOTAChunkRequest: time.Minute,
	TypeOTAChunk:        time.Minute,
	TypeOTAStatus:       5 * time.Minute,
}

// FallbackTTL is used when no specific TTL is configured.
const FallbackTTL = time.Minute

// DefaultTTLFor returns the default TTL for a message type.
func DefaultTTLFor(msgType string) time.Duration {
	if ttl, ok := defaultTTLs[msgType]; ok {
		return ttl
	}
	return FallbackTTL
}

// IsExpired returns true if the envelope has passed its expiry time.
func IsExpired(env *Envelope) bool {
	if env.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().UTC().After(env.ExpiresAt)
}

// IsExpiredHeader checks expiry using only the raw header.
func IsExpiredHeader(hdr *RawHeader) bool {
	if hdr.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().UTC().After(hdr.ExpiresAt)
}
