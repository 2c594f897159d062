package server

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/queryproxy/queryproxy/catalog"
)

// scramMechanism is the only SASL mechanism offered. Channel binding
// (SCRAM-SHA-256-PLUS) is not supported.
const scramMechanism = "SCRAM-SHA-256"

// scramConversation is the server side of one SCRAM-SHA-256 exchange
// (RFC 5802/7677) against a stored verifier.
type scramConversation struct {
	verifier *catalog.ScramVerifier

	clientFirstBare string
	serverFirst     string
	combinedNonce   string
}

func newScramConversation(verifier *catalog.ScramVerifier) *scramConversation {
	return &scramConversation{verifier: verifier}
}

// handleClientFirst consumes the client-first message and produces the
// server-first challenge.
func (s *scramConversation) handleClientFirst(msg []byte) ([]byte, error) {
	text := string(msg)

	// GS2 header: we accept "n" (no channel binding) and "y".
	var rest string
	switch {
	case strings.HasPrefix(text, "n,"), strings.HasPrefix(text, "y,"):
		idx := strings.Index(text, ",,")
		if idx < 0 {
			return nil, fmt.Errorf("malformed SCRAM client-first message")
		}
		rest = text[idx+2:]
	case strings.HasPrefix(text, "p="):
		return nil, fmt.Errorf("channel binding is not supported")
	default:
		return nil, fmt.Errorf("malformed SCRAM GS2 header")
	}

	s.clientFirstBare = rest

	attrs := scramAttrs(rest)
	clientNonce, ok := attrs["r"]
	if !ok || clientNonce == "" {
		return nil, fmt.Errorf("SCRAM client-first message missing nonce")
	}

	serverNonce := make([]byte, 18)
	if _, err := rand.Read(serverNonce); err != nil {
		return nil, fmt.Errorf("generate server nonce: %w", err)
	}
	s.combinedNonce = clientNonce + base64.StdEncoding.EncodeToString(serverNonce)

	s.serverFirst = fmt.Sprintf("r=%s,s=%s,i=%d",
		s.combinedNonce,
		base64.StdEncoding.EncodeToString(s.verifier.Salt),
		s.verifier.Iterations)
	return []byte(s.serverFirst), nil
}

// handleClientFinal verifies the client proof and produces the server
// signature. A verification failure is an authentication failure.
func (s *scramConversation) handleClientFinal(msg []byte) ([]byte, error) {
	text := string(msg)
	attrs := scramAttrs(text)

	if attrs["r"] != s.combinedNonce {
		return nil, fmt.Errorf("SCRAM nonce mismatch")
	}
	proofB64, ok := attrs["p"]
	if !ok {
		return nil, fmt.Errorf("SCRAM client-final message missing proof")
	}
	proof, err := base64.StdEncoding.DecodeString(proofB64)
	if err != nil {
		return nil, fmt.Errorf("malformed SCRAM proof: %w", err)
	}

	withoutProof := text[:strings.LastIndex(text, ",p=")]
	authMessage := s.clientFirstBare + "," + s.serverFirst + "," + withoutProof

	clientSignature := hmacSHA256(s.verifier.StoredKey, []byte(authMessage))
	if len(proof) != len(clientSignature) {
		return nil, fmt.Errorf("SCRAM authentication failed")
	}

	clientKey := make([]byte, len(proof))
	for i := range proof {
		clientKey[i] = proof[i] ^ clientSignature[i]
	}
	storedKey := sha256.Sum256(clientKey)
	if !hmac.Equal(storedKey[:], s.verifier.StoredKey) {
		return nil, fmt.Errorf("SCRAM authentication failed")
	}

	serverSignature := hmacSHA256(s.verifier.ServerKey, []byte(authMessage))
	return []byte("v=" + base64.StdEncoding.EncodeToString(serverSignature)), nil
}

// scramAttrs parses "k=v,k=v" SCRAM attribute lists. Values may contain
// '=' (base64), so only the first '=' splits.
func scramAttrs(s string) map[string]string {
	attrs := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		k, v, found := strings.Cut(part, "=")
		if found && len(k) == 1 {
			attrs[k] = v
		}
	}
	return attrs
}

func hmacSHA256(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}
