package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"golang.org/x/crypto/pbkdf2"

	"github.com/queryproxy/queryproxy/catalog"
)

// scramClient drives the client side of the exchange for tests.
type scramClient struct {
	password  string
	nonce     string
	firstBare string
	gs2       string
}

func newScramClient(password string) *scramClient {
	c := &scramClient{password: password, nonce: "clientnonceclientnonce", gs2: "n,,"}
	c.firstBare = "n=user,r=" + c.nonce
	return c
}

func (c *scramClient) first() []byte {
	return []byte(c.gs2 + c.firstBare)
}

func (c *scramClient) final(serverFirst []byte) ([]byte, []byte, error) {
	attrs := scramAttrs(string(serverFirst))
	combined := attrs["r"]
	if !strings.HasPrefix(combined, c.nonce) {
		return nil, nil, fmt.Errorf("server nonce does not extend client nonce")
	}
	salt, err := base64.StdEncoding.DecodeString(attrs["s"])
	if err != nil {
		return nil, nil, err
	}
	var iters int
	if _, err := fmt.Sscanf(attrs["i"], "%d", &iters); err != nil {
		return nil, nil, err
	}

	salted := pbkdf2.Key([]byte(c.password), salt, iters, sha256.Size, sha256.New)
	clientKey := hmacSHA256(salted, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	serverKey := hmacSHA256(salted, []byte("Server Key"))

	withoutProof := "c=biws,r=" + combined
	authMessage := c.firstBare + "," + string(serverFirst) + "," + withoutProof

	clientSig := hmacSHA256(storedKey[:], []byte(authMessage))
	proof := make([]byte, len(clientKey))
	for i := range clientKey {
		proof[i] = clientKey[i] ^ clientSig[i]
	}

	final := withoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof)
	expectedServerSig := hmacSHA256(serverKey, []byte(authMessage))
	return []byte(final), expectedServerSig, nil
}

func verifierFor(t *testing.T, password string) *catalog.ScramVerifier {
	t.Helper()
	encoded, err := catalog.NewScramVerifier(password)
	if err != nil {
		t.Fatalf("NewScramVerifier: %v", err)
	}
	v, err := catalog.ParseScramVerifier(encoded)
	if err != nil {
		t.Fatalf("ParseScramVerifier: %v", err)
	}
	return v
}

func TestScramExchangeSucceeds(t *testing.T) {
	conv := newScramConversation(verifierFor(t, "hunter2"))
	client := newScramClient("hunter2")

	serverFirst, err := conv.handleClientFirst(client.first())
	if err != nil {
		t.Fatalf("handleClientFirst: %v", err)
	}

	clientFinal, wantServerSig, err := client.final(serverFirst)
	if err != nil {
		t.Fatalf("client final: %v", err)
	}

	serverFinal, err := conv.handleClientFinal(clientFinal)
	if err != nil {
		t.Fatalf("handleClientFinal: %v", err)
	}

	wantFinal := "v=" + base64.StdEncoding.EncodeToString(wantServerSig)
	if !hmac.Equal(serverFinal, []byte(wantFinal)) {
		t.Errorf("server signature mismatch: got %s want %s", serverFinal, wantFinal)
	}
}

func TestScramWrongPasswordFails(t *testing.T) {
	conv := newScramConversation(verifierFor(t, "hunter2"))
	client := newScramClient("wrong")

	serverFirst, err := conv.handleClientFirst(client.first())
	if err != nil {
		t.Fatalf("handleClientFirst: %v", err)
	}
	clientFinal, _, err := client.final(serverFirst)
	if err != nil {
		t.Fatalf("client final: %v", err)
	}
	if _, err := conv.handleClientFinal(clientFinal); err == nil {
		t.Fatal("wrong password must fail SCRAM verification")
	}
}

func TestScramNonceTamperingFails(t *testing.T) {
	conv := newScramConversation(verifierFor(t, "hunter2"))
	client := newScramClient("hunter2")

	if _, err := conv.handleClientFirst(client.first()); err != nil {
		t.Fatalf("handleClientFirst: %v", err)
	}
	// Replay a final message with a fabricated nonce.
	if _, err := conv.handleClientFinal([]byte("c=biws,r=attacker,p=QUFB")); err == nil {
		t.Fatal("nonce mismatch must fail")
	}
}

func TestScramRejectsChannelBinding(t *testing.T) {
	conv := newScramConversation(verifierFor(t, "hunter2"))
	if _, err := conv.handleClientFirst([]byte("p=tls-server-end-point,,n=user,r=abc")); err == nil {
		t.Fatal("channel binding must be rejected")
	}
}

func TestScramMissingNonceFails(t *testing.T) {
	conv := newScramConversation(verifierFor(t, "hunter2"))
	if _, err := conv.handleClientFirst([]byte("n,,n=user")); err == nil {
		t.Fatal("missing nonce must be rejected")
	}
}
