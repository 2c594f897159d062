package catalog

import (
	"strings"
	"testing"
)

func TestHashVerifyPassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Errorf("unexpected hash format: %s", hash)
	}
	if !VerifyPassword("hunter2", hash) {
		t.Error("correct password must verify")
	}
	if VerifyPassword("hunter3", hash) {
		t.Error("wrong password must not verify")
	}
	if VerifyPassword("hunter2", "garbage") {
		t.Error("malformed hash must not verify")
	}
}

func TestHashPasswordSalted(t *testing.T) {
	a, _ := HashPassword("same")
	b, _ := HashPassword("same")
	if a == b {
		t.Error("hashes must be salted")
	}
}

func TestScramVerifierRoundTrip(t *testing.T) {
	encoded, err := NewScramVerifier("hunter2")
	if err != nil {
		t.Fatalf("NewScramVerifier: %v", err)
	}
	if !strings.HasPrefix(encoded, "SCRAM-SHA-256$4096:") {
		t.Errorf("unexpected verifier format: %s", encoded)
	}

	v, err := ParseScramVerifier(encoded)
	if err != nil {
		t.Fatalf("ParseScramVerifier: %v", err)
	}
	if v.Iterations != 4096 {
		t.Errorf("iterations = %d", v.Iterations)
	}
	if len(v.Salt) != 16 || len(v.StoredKey) != 32 || len(v.ServerKey) != 32 {
		t.Errorf("key sizes: salt=%d stored=%d server=%d", len(v.Salt), len(v.StoredKey), len(v.ServerKey))
	}
}

func TestParseScramVerifierMalformed(t *testing.T) {
	for _, s := range []string{"", "MD5$x", "SCRAM-SHA-256$abc", "SCRAM-SHA-256$x:y$z"} {
		if _, err := ParseScramVerifier(s); err == nil {
			t.Errorf("ParseScramVerifier(%q) should fail", s)
		}
	}
}
