package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	apierrors "github.com/packetwatch/anticheat-ingest/internal/pkg/errors"
	"github.com/packetwatch/anticheat-ingest/internal/pkg/response"
)

// BearerToken extracts the token from an Authorization header of the form
// "Bearer <token>". The scheme match is case-insensitive; a missing header,
// wrong scheme, or empty remainder all report ok=false.
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(h[7:])
	if token == "" {
		return "", false
	}
	return token, true
}

// HashToken returns the lower-case hex SHA-256 digest of token, the form
// stored alongside each server row.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEqual compares a and b without leaking timing information
// about a length mismatch: when lengths differ it still performs a
// same-length dummy comparison against b before reporting false, so a
// caller probing for the secret's length via response timing learns
// nothing.
func ConstantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		subtle.ConstantTimeCompare([]byte(b), []byte(b))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// StaticBearerAuth returns middleware that requires the Authorization
// bearer token to constant-time-match the secret returned by secret. Used
// for the shared module-callback and dashboard tokens, neither of which is
// looked up per-row.
func StaticBearerAuth(secret func() string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			want := secret()
			if want == "" {
				response.Error(w, apierrors.Unauthorized("authentication not configured"), 0)
				return
			}
			got, ok := BearerToken(r)
			if !ok || !ConstantTimeEqual(got, want) {
				response.Error(w, apierrors.Unauthorized("invalid or missing bearer token"), 0)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// OptionalStaticBearerAuth behaves like StaticBearerAuth while a secret is
// configured, and passes requests through untouched when it is empty. Used
// for the dashboard surface, whose token is optional.
func OptionalStaticBearerAuth(secret func() string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		authed := StaticBearerAuth(secret)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret() == "" {
				next.ServeHTTP(w, r)
				return
			}
			authed.ServeHTTP(w, r)
		})
	}
}

// localIPPrefixes covers the private 172.16.0.0/12 block prefix by
// prefix. The bare "172.2" entry is the upstream service's own imprecise
// rule, kept verbatim: it also matches 172.20. through 172.29., which is
// wider than the private range. Not a bug to be fixed here.
var localIPPrefixes = []string{
	"10.",
	"192.168.",
	"172.16.",
	"172.17.",
	"172.18.",
	"172.19.",
	"172.2",
	"172.30.",
	"172.31.",
}

// isLocalIP reports whether ip is a loopback or private-range address.
func isLocalIP(ip string) bool {
	if ip == "127.0.0.1" || ip == "::1" || ip == "localhost" {
		return true
	}
	for _, p := range localIPPrefixes {
		if strings.HasPrefix(ip, p) {
			return true
		}
	}
	return false
}

// ClientAddress derives the game server's externally reachable address for
// a request: an explicit X-Server-Address header wins; otherwise the first
// non-local hop in X-Forwarded-For; otherwise X-Real-IP. A bare address
// (no port) has the default Minecraft port appended.
func ClientAddress(r *http.Request) string {
	if addr := strings.TrimSpace(r.Header.Get("X-Server-Address")); addr != "" {
		return withDefaultPort(addr)
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, hop := range strings.Split(xff, ",") {
			hop = strings.TrimSpace(hop)
			if hop == "" {
				continue
			}
			if !isLocalIP(hop) {
				return withDefaultPort(hop)
			}
		}
	}

	if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
		return withDefaultPort(rip)
	}

	return withDefaultPort(r.RemoteAddr)
}

func withDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return addr + ":25565"
}
