package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id cost parameters. Changing them invalidates stored hashes, so the
// admin key must be re-hashed with genkey after any change.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB, so 64 MB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

func deriveKey(apiKey string, salt []byte) []byte {
	return argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// HashAPIKey hashes an API key with Argon2id, producing a
// "base64(salt)$base64(hash)" string suitable for the server environment.
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}

	return fmt.Sprintf("%s$%s",
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(deriveKey(apiKey, salt)),
	), nil
}

// DummyVerify burns the same Argon2id work as a real verification. Call it
// on auth failure paths where no stored hash was checked, so response timing
// does not reveal whether an admin key is configured.
func DummyVerify() {
	deriveKey("dummy", make([]byte, saltLen))
}

// VerifyAPIKey checks an API key against a stored Argon2id hash.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	parts := strings.SplitN(encoded, "$", 2)
	if len(parts) != 2 {
		return false, fmt.Errorf("auth: invalid hash format")
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false, fmt.Errorf("auth: decode salt: %w", err)
	}
	want, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false, fmt.Errorf("auth: decode hash: %w", err)
	}

	return subtle.ConstantTimeCompare(want, deriveKey(apiKey, salt)) == 1, nil
}
