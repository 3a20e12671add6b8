// Package auth provides the API key credential primitives used by the voice-agent
// integration surface: key generation, bcrypt hashing and verification, bearer header
// parsing, the scope catalog, and the request-time Authenticator.
// See internal/middleware/auth.go for the Gin adapter that maps results to HTTP responses.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultNamespace is the tag every issued key starts with ("va_...").
	DefaultNamespace = "va"

	// KeySeparator joins the namespace, prefix and secret segments of a key.
	KeySeparator = "_"

	// PrefixRandomBytes is the size of the random part of the public prefix (8 hex chars).
	PrefixRandomBytes = 4

	// SecretBytes is the size of the secret part of the key (256 bits, 64 hex chars).
	SecretBytes = 32

	// BcryptCost is the default cost factor for bcrypt hashing
	BcryptCost = 12

	// MinBcryptCost and MaxBcryptCost bound the configurable cost. Below the minimum an
	// offline attack on a leaked hash gets cheap; above the maximum a single verification
	// takes long enough to be a denial-of-service lever.
	MinBcryptCost = 10
	MaxBcryptCost = 14

	// bcryptMaxInput is the number of key bytes bcrypt actually consumes. Keys already in
	// circulation were hashed by a library that silently truncated at this length, so input
	// is truncated explicitly to keep those hashes verifiable.
	bcryptMaxInput = 72

	bearerScheme = "Bearer "
)

// GenerateAPIKey creates a new random API key in the given namespace.
// Returns: full key (to show once) and its lookup prefix (to store).
//
//	key    = <namespace>_<8 hex>_<64 hex>
//	prefix = <namespace>_<8 hex>
//
// Verification only sees the first bcryptMaxInput bytes, so with the default "va"
// namespace the effective verified secret is 60 hex chars (240 bits).
func GenerateAPIKey(namespace string) (key string, prefix string, err error) {
	prefixBytes := make([]byte, PrefixRandomBytes)
	if _, err := rand.Read(prefixBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate prefix bytes: %w", err)
	}

	secretBytes := make([]byte, SecretBytes)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate secret bytes: %w", err)
	}

	prefix = namespace + KeySeparator + hex.EncodeToString(prefixBytes)
	key = prefix + KeySeparator + hex.EncodeToString(secretBytes)

	return key, prefix, nil
}

// HashAPIKey hashes the full key with bcrypt at the given cost.
func HashAPIKey(key string, cost int) (string, error) {
	hashBytes, err := bcrypt.GenerateFromPassword(bcryptInput(key), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(hashBytes), nil
}

// ValidateAPIKey checks if a provided key matches the stored hash.
// The comparison is done by bcrypt in constant time; a malformed hash simply fails.
func ValidateAPIKey(providedKey, storedHash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(storedHash), bcryptInput(providedKey))
	return err == nil
}

func bcryptInput(key string) []byte {
	b := []byte(key)
	if len(b) > bcryptMaxInput {
		b = b[:bcryptMaxInput]
	}
	return b
}

// ExtractAPIKeyFromHeader extracts the API key from an Authorization header
// Expected format: "Bearer va_1a2b3c4d_..."
func ExtractAPIKeyFromHeader(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header is empty")
	}

	if !strings.HasPrefix(header, bearerScheme) {
		return "", errors.New("authorization header must start with 'Bearer '")
	}

	key := strings.TrimSpace(strings.TrimPrefix(header, bearerScheme))
	if key == "" {
		return "", errors.New("API key is empty after Bearer prefix")
	}

	return key, nil
}

// ParseKeyPrefix returns the lookup prefix (<namespace>_<random>) of a key. Only the first
// two segments are inspected, so the secret never has to be decoded to find the record.
func ParseKeyPrefix(namespace, key string) (string, error) {
	if !strings.HasPrefix(key, namespace+KeySeparator) {
		return "", fmt.Errorf("API key must start with %q", namespace+KeySeparator)
	}

	parts := strings.SplitN(key, KeySeparator, 3)
	if len(parts) < 3 || parts[1] == "" || parts[2] == "" {
		return "", errors.New("API key does not have namespace, prefix and secret segments")
	}

	return parts[0] + KeySeparator + parts[1], nil
}

// DisplayPrefix is the form of the prefix shown in listings, e.g. "va_1a2b3c4d...".
func DisplayPrefix(prefix string) string {
	return prefix + "..."
}

// ValidateBcryptCost reports whether cost is inside the supported range.
func ValidateBcryptCost(cost int) error {
	if cost < MinBcryptCost || cost > MaxBcryptCost {
		return fmt.Errorf("bcrypt cost %d out of range [%d, %d]", cost, MinBcryptCost, MaxBcryptCost)
	}
	return nil
}
