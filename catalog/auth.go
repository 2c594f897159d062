package catalog

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

// Argon2id parameters for stored password hashes.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
)

// scramIterations is the PBKDF2 iteration count for SCRAM verifiers.
const scramIterations = 4096

// HashPassword produces an encoded Argon2id hash in the standard
// `$argon2id$...` form.
func HashPassword(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	hash := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// VerifyPassword checks a cleartext password against an encoded Argon2id
// hash in constant time.
func VerifyPassword(password, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}

	var memory, time uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	got := argon2.IDKey([]byte(password), salt, time, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

// ScramVerifier is the server-side SCRAM-SHA-256 material for a user,
// derived once at password-set time. Stored in the Postgres rolpassword
// format: SCRAM-SHA-256$<iter>:<salt>$<storedkey>:<serverkey>.
type ScramVerifier struct {
	Iterations int
	Salt       []byte
	StoredKey  []byte
	ServerKey  []byte
}

// NewScramVerifier derives SCRAM material from a cleartext password.
func NewScramVerifier(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("scram verifier: %w", err)
	}

	saltedPassword := pbkdf2.Key([]byte(password), salt, scramIterations, sha256.Size, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))

	return fmt.Sprintf("SCRAM-SHA-256$%d:%s$%s:%s",
		scramIterations,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(storedKey[:]),
		base64.StdEncoding.EncodeToString(serverKey)), nil
}

// ParseScramVerifier decodes a stored verifier string.
func ParseScramVerifier(encoded string) (*ScramVerifier, error) {
	mech, rest, found := strings.Cut(encoded, "$")
	if !found || mech != "SCRAM-SHA-256" {
		return nil, fmt.Errorf("unsupported scram verifier format")
	}
	iterSalt, keys, found := strings.Cut(rest, "$")
	if !found {
		return nil, fmt.Errorf("malformed scram verifier")
	}
	iterStr, saltStr, found := strings.Cut(iterSalt, ":")
	if !found {
		return nil, fmt.Errorf("malformed scram verifier")
	}
	storedStr, serverStr, found := strings.Cut(keys, ":")
	if !found {
		return nil, fmt.Errorf("malformed scram verifier")
	}

	iterations, err := strconv.Atoi(iterStr)
	if err != nil || iterations < 1 {
		return nil, fmt.Errorf("malformed scram iteration count")
	}
	salt, err := base64.StdEncoding.DecodeString(saltStr)
	if err != nil {
		return nil, fmt.Errorf("malformed scram salt: %w", err)
	}
	storedKey, err := base64.StdEncoding.DecodeString(storedStr)
	if err != nil {
		return nil, fmt.Errorf("malformed scram stored key: %w", err)
	}
	serverKey, err := base64.StdEncoding.DecodeString(serverStr)
	if err != nil {
		return nil, fmt.Errorf("malformed scram server key: %w", err)
	}

	return &ScramVerifier{
		Iterations: iterations,
		Salt:       salt,
		StoredKey:  storedKey,
		ServerKey:  serverKey,
	}, nil
}

func hmacSHA256(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}
