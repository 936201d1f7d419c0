// Package gateway defines the interface for caller-facing transports (MCP
// and the REST API) and the bearer-key authentication they share.
package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// Gateway is a caller-facing transport.
type Gateway interface {
	// Start launches the transport and blocks until it exits or the context
	// is canceled. Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period. In-flight requests should drain before returning.
	Stop(ctx context.Context) error
}

// APIKeys maps the SHA-256 hex digest of a bearer key to a caller ID.
// Plain keys never appear in configuration.
type APIKeys map[string]string

// HashKey returns the digest under which key is stored in APIKeys.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Enabled reports whether any key is configured.
func (k APIKeys) Enabled() bool { return len(k) > 0 }

// Caller resolves an Authorization header value ("Bearer <key>") to a
// caller ID. Every entry is compared in constant time.
func (k APIKeys) Caller(authorization string) (string, bool) {
	key, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok || key == "" {
		return "", false
	}
	digest := []byte(HashKey(key))
	caller := ""
	for hash, id := range k {
		if subtle.ConstantTimeCompare(digest, []byte(strings.ToLower(hash))) == 1 {
			caller = id
		}
	}
	return caller, caller != ""
}
