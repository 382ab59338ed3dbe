// Package auth verifies the API keys front-end callers present when opening
// a session with the gateway.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/alexedwards/argon2id"
)

// ErrInvalidKey is returned when a presented key matches no configured hash.
var ErrInvalidKey = errors.New("invalid api key")

// ErrUnknownHashType is returned when a stored hash has an unrecognized format.
var ErrUnknownHashType = errors.New("unknown hash type")

// KeyVerifier checks raw keys against a fixed list of stored hashes.
// An empty list accepts every caller.
type KeyVerifier struct {
	hashes []string

	mu       sync.RWMutex
	verified map[string]struct{} // sha256 of raw keys already matched
}

// NewKeyVerifier creates a KeyVerifier. Hashes with an unknown format are
// rejected so a typo in configuration cannot silently lock callers out.
func NewKeyVerifier(hashes []string) (*KeyVerifier, error) {
	for i, h := range hashes {
		if DetectHashType(h) == "unknown" {
			return nil, fmt.Errorf("api key %d: %w", i, ErrUnknownHashType)
		}
	}
	return &KeyVerifier{
		hashes:   append([]string(nil), hashes...),
		verified: make(map[string]struct{}),
	}, nil
}

// Open reports whether no keys are configured.
func (v *KeyVerifier) Open() bool {
	return len(v.hashes) == 0
}

// Verify returns nil if rawKey matches one of the configured hashes.
// Argon2id comparisons are expensive; a matched key is remembered by its
// SHA-256 digest so reconnecting callers skip the comparison.
func (v *KeyVerifier) Verify(rawKey string) error {
	if v.Open() {
		return nil
	}
	if rawKey == "" {
		return ErrInvalidKey
	}

	digest := HashKey(rawKey)
	v.mu.RLock()
	_, ok := v.verified[digest]
	v.mu.RUnlock()
	if ok {
		return nil
	}

	for _, stored := range v.hashes {
		match, err := VerifyKey(rawKey, stored)
		if err != nil || !match {
			continue
		}
		v.mu.Lock()
		v.verified[digest] = struct{}{}
		v.mu.Unlock()
		return nil
	}
	return ErrInvalidKey
}

// HashKey returns the SHA-256 hex hash of the raw key.
func HashKey(rawKey string) string {
	hash := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(hash[:])
}

// argon2idParams follows the OWASP minimum for Argon2id.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024, // 47 MiB
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashKeyArgon2id returns an Argon2id hash of the raw key in PHC format:
// $argon2id$v=19$m=47104,t=1,p=1$<salt>$<hash>
func HashKeyArgon2id(rawKey string) (string, error) {
	return argon2id.CreateHash(rawKey, argon2idParams)
}

// DetectHashType returns "argon2id" for PHC hashes, "sha256" for
// "sha256:"-prefixed hex, and "unknown" otherwise.
func DetectHashType(storedHash string) string {
	switch {
	case strings.HasPrefix(storedHash, "$argon2id$"):
		return "argon2id"
	case strings.HasPrefix(storedHash, "sha256:"):
		return "sha256"
	default:
		return "unknown"
	}
}

// VerifyKey verifies a raw key against one stored hash.
func VerifyKey(rawKey, storedHash string) (bool, error) {
	switch DetectHashType(storedHash) {
	case "argon2id":
		return safeArgon2idCompare(rawKey, storedHash)
	case "sha256":
		expected := strings.TrimPrefix(storedHash, "sha256:")
		computed := HashKey(rawKey)
		return subtle.ConstantTimeCompare([]byte(computed), []byte(expected)) == 1, nil
	default:
		return false, ErrUnknownHashType
	}
}

// safeArgon2idCompare converts the panic argon2 raises on malformed
// parameters (t=0, p=0) into an error.
func safeArgon2idCompare(rawKey, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(rawKey, storedHash)
}
