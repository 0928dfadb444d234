package auth

import (
	"crypto/md5" //nolint:gosec // key format compatibility, not a password hash
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// APIKeyPrefix starts every key.
	APIKeyPrefix = "ak_"

	// APIKeyLength is len(APIKeyPrefix) plus 32 hex characters.
	APIKeyLength = len(APIKeyPrefix) + apiKeyHexLength

	apiKeyHexLength = 32
	seedBytes       = 64

	// displayPrefixLength is how much of a key is safe to show in listings.
	displayPrefixLength = 12
)

// DeriveAPIKey computes the API key for an owner and seed.
// The result is deterministic: "ak_" followed by the first 32 upper-case hex
// characters of MD5(ownerID + seed).
func DeriveAPIKey(ownerID, seed string) string {
	sum := md5.Sum([]byte(ownerID + seed)) //nolint:gosec // see import
	digest := strings.ToUpper(hex.EncodeToString(sum[:]))
	return APIKeyPrefix + digest[:apiKeyHexLength]
}

// NewAPIKeySeed returns a fresh URL-safe seed with 512 bits of entropy.
func NewAPIKeySeed() (string, error) {
	b := make([]byte, seedBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating api key seed: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// WellFormedAPIKey reports whether key has the shape of an API key.
// It does not consult storage.
func WellFormedAPIKey(key string) bool {
	if len(key) != APIKeyLength || !strings.HasPrefix(key, APIKeyPrefix) {
		return false
	}
	for _, c := range key[len(APIKeyPrefix):] {
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// matchesAPIKey recomputes the key for u and compares it with presented
// in constant time.
func matchesAPIKey(u *User, presented string) bool {
	expected := DeriveAPIKey(u.ID, u.APIKeySeed)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}

// KeyPrefix returns the leading characters of key followed by "...",
// for listings and logs.
func KeyPrefix(key string) string {
	if len(key) <= displayPrefixLength {
		return key
	}
	return key[:displayPrefixLength] + "..."
}
