package kalshi

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTestKey(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	path := filepath.Join(t.TempDir(), "key.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path, key
}

func testSigner(t *testing.T) (*Signer, *rsa.PrivateKey) {
	t.Helper()
	path, key := writeTestKey(t)
	fixed := time.UnixMilli(1_724_900_000_123)
	signer, err := NewSigner("test-key-id", path, func() time.Time { return fixed })
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return signer, key
}

func verifyHeader(t *testing.T, h http.Header, key *rsa.PrivateKey, message string) {
	t.Helper()
	sig, err := base64.StdEncoding.DecodeString(h.Get("KALSHI-ACCESS-SIGNATURE"))
	if err != nil {
		t.Fatalf("signature not base64: %v", err)
	}
	digest := sha256.Sum256([]byte(message))
	if err := rsa.VerifyPSS(&key.PublicKey, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	}); err != nil {
		t.Fatalf("signature does not verify for %q: %v", message, err)
	}
}

func TestHeadersSignTimestampMethodPath(t *testing.T) {
	signer, key := testSigner(t)

	h, err := signer.Headers(http.MethodGet, "/trade-api/v2/markets")
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}
	if got := h.Get("KALSHI-ACCESS-KEY"); got != "test-key-id" {
		t.Fatalf("access key header = %q", got)
	}
	ts := h.Get("KALSHI-ACCESS-TIMESTAMP")
	if ts != "1724900000123" {
		t.Fatalf("timestamp = %q, want milliseconds", ts)
	}
	verifyHeader(t, h, key, ts+"GET/trade-api/v2/markets")
}

func TestHeadersExcludeQueryString(t *testing.T) {
	signer, key := testSigner(t)

	h, err := signer.Headers(http.MethodGet, "/trade-api/v2/markets?limit=5&status=open")
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}
	ts := h.Get("KALSHI-ACCESS-TIMESTAMP")
	verifyHeader(t, h, key, ts+"GET/trade-api/v2/markets")
}

func TestWSHeadersSignStreamingPath(t *testing.T) {
	signer, key := testSigner(t)

	h, err := signer.WSHeaders()
	if err != nil {
		t.Fatalf("WSHeaders: %v", err)
	}
	ts := h.Get("KALSHI-ACCESS-TIMESTAMP")
	verifyHeader(t, h, key, ts+"GET/trade-api/ws/v2")
}

func TestNewSignerRejectsBadKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.pem")
	if err := os.WriteFile(path, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewSigner("id", path, nil); err == nil {
		t.Fatal("expected error for unparseable key")
	}
	if _, err := NewSigner("", path, nil); err == nil {
		t.Fatal("expected error for empty key id")
	}
}
