// genkey generates the admin API key pair for arrwarden.
//
// Usage (run from the repo root):
//
//	go run scripts/genkey/main.go
//
// It prints two values:
//
//	ARRWARDEN_ADMIN_API_KEY       — give this to operators (and wardenctl)
//	ARRWARDEN_ADMIN_API_KEY_HASH  — put this in the server's environment
//
// The server only ever sees the argon2id hash; the plaintext key is shown
// once here and never stored. Run again to rotate: set the new hash on the
// server and distribute the new key.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/arrwarden/arrwarden/internal/auth"
)

func main() {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		fmt.Fprintf(os.Stderr, "error: generate key: %v\n", err)
		os.Exit(1)
	}
	key := base64.RawURLEncoding.EncodeToString(raw)

	hash, err := auth.HashAPIKey(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: hash key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("ARRWARDEN_ADMIN_API_KEY=%s\n", key)
	fmt.Printf("ARRWARDEN_ADMIN_API_KEY_HASH=%s\n", hash)
}
