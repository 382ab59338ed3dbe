package auth

import (
	"errors"
	"strings"
	"testing"
)

func TestHashKeyArgon2id_RoundTrip(t *testing.T) {
	hash, err := HashKeyArgon2id("secret-key")
	if err != nil {
		t.Fatalf("HashKeyArgon2id() error = %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Fatalf("hash = %q, want PHC format", hash)
	}

	match, err := VerifyKey("secret-key", hash)
	if err != nil || !match {
		t.Errorf("VerifyKey(correct) = %v, %v", match, err)
	}
	match, err = VerifyKey("wrong", hash)
	if err != nil || match {
		t.Errorf("VerifyKey(wrong) = %v, %v", match, err)
	}
}

func TestVerifyKey_SHA256(t *testing.T) {
	stored := "sha256:" + HashKey("k1")
	if match, _ := VerifyKey("k1", stored); !match {
		t.Error("VerifyKey(k1) = false, want true")
	}
	if match, _ := VerifyKey("k2", stored); match {
		t.Error("VerifyKey(k2) = true, want false")
	}
}

func TestVerifyKey_Unknown(t *testing.T) {
	if _, err := VerifyKey("k", "md5:abc"); !errors.Is(err, ErrUnknownHashType) {
		t.Errorf("VerifyKey() error = %v, want ErrUnknownHashType", err)
	}
}

func TestVerifyKey_MalformedArgon2NoPanic(t *testing.T) {
	match, err := VerifyKey("k", "$argon2id$v=19$m=65536,t=0,p=0$c2FsdA$aGFzaA")
	if match {
		t.Error("VerifyKey() = true for malformed hash")
	}
	if err == nil {
		t.Error("VerifyKey() error = nil for malformed hash")
	}
}

func TestDetectHashType(t *testing.T) {
	tests := map[string]string{
		"$argon2id$v=19$m=47104,t=1,p=1$x$y": "argon2id",
		"sha256:abcd":                        "sha256",
		"plain":                              "unknown",
		"":                                   "unknown",
	}
	for in, want := range tests {
		if got := DetectHashType(in); got != want {
			t.Errorf("DetectHashType(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestKeyVerifier(t *testing.T) {
	hash, err := HashKeyArgon2id("front-end-key")
	if err != nil {
		t.Fatal(err)
	}
	v, err := NewKeyVerifier([]string{"sha256:" + HashKey("other"), hash})
	if err != nil {
		t.Fatalf("NewKeyVerifier() error = %v", err)
	}
	if v.Open() {
		t.Error("Open() = true with configured keys")
	}

	if err := v.Verify("front-end-key"); err != nil {
		t.Errorf("Verify(valid) error = %v", err)
	}
	// Second call is served from the verified cache.
	if err := v.Verify("front-end-key"); err != nil {
		t.Errorf("Verify(cached) error = %v", err)
	}
	if err := v.Verify("other"); err != nil {
		t.Errorf("Verify(sha256 key) error = %v", err)
	}
	if err := v.Verify("nope"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Verify(invalid) error = %v, want ErrInvalidKey", err)
	}
	if err := v.Verify(""); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Verify(empty) error = %v, want ErrInvalidKey", err)
	}
}

func TestKeyVerifier_Open(t *testing.T) {
	v, err := NewKeyVerifier(nil)
	if err != nil {
		t.Fatal(err)
	}
	if !v.Open() {
		t.Error("Open() = false with no keys")
	}
	if err := v.Verify(""); err != nil {
		t.Errorf("Verify() on open verifier error = %v", err)
	}
}

func TestNewKeyVerifier_RejectsUnknownHash(t *testing.T) {
	if _, err := NewKeyVerifier([]string{"not-a-hash"}); !errors.Is(err, ErrUnknownHashType) {
		t.Errorf("NewKeyVerifier() error = %v, want ErrUnknownHashType", err)
	}
}
