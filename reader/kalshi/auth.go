package kalshi

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/awnumar/memguard"
)

// Streaming auth path, signed into every websocket handshake.
const wsAuthPath = "/trade-api/ws/v2"

// Signer produces per-request authentication headers from a timestamp, an
// HTTP method and a path. The PEM key material stays sealed in a memguard
// enclave and is only opened momentarily while signing.
type Signer struct {
	apiKeyID string
	enclave  *memguard.Enclave
	now      func() time.Time
}

// NewSigner loads the PEM private key from disk and seals it. The clock is
// injectable for deterministic header tests.
func NewSigner(apiKeyID, privateKeyPath string, now func() time.Time) (*Signer, error) {
	if apiKeyID == "" {
		return nil, fmt.Errorf("api key id must not be empty")
	}
	raw, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	// Fail fast on unparseable keys instead of at first sign.
	if _, err := parsePrivateKey(raw); err != nil {
		return nil, err
	}

	if now == nil {
		now = time.Now
	}
	return &Signer{
		apiKeyID: apiKeyID,
		enclave:  memguard.NewEnclave(raw),
		now:      now,
	}, nil
}

func parsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in private key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return key, nil
}

// sign produces the base64 RSA-PSS signature over message.
func (s *Signer) sign(message string) (string, error) {
	buf, err := s.enclave.Open()
	if err != nil {
		return "", fmt.Errorf("open key enclave: %w", err)
	}
	defer buf.Destroy()

	key, err := parsePrivateKey(buf.Bytes())
	if err != nil {
		return "", err
	}

	digest := sha256.Sum256([]byte(message))
	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Headers builds the signed header set for one REST request. The query
// string is excluded from the signed message.
func (s *Signer) Headers(method, path string) (http.Header, error) {
	timestamp := strconv.FormatInt(s.now().UnixMilli(), 10)
	signedPath, _, _ := strings.Cut(path, "?")

	sig, err := s.sign(timestamp + method + signedPath)
	if err != nil {
		return nil, err
	}

	h := http.Header{}
	h.Set("KALSHI-ACCESS-KEY", s.apiKeyID)
	h.Set("KALSHI-ACCESS-SIGNATURE", sig)
	h.Set("KALSHI-ACCESS-TIMESTAMP", timestamp)
	h.Set("Content-Type", "application/json")
	return h, nil
}

// WSHeaders builds the signed header set for the streaming handshake. The
// venue pins a millisecond timestamp convention for this path.
func (s *Signer) WSHeaders() (http.Header, error) {
	timestamp := strconv.FormatInt(s.now().UnixMilli(), 10)

	sig, err := s.sign(timestamp + http.MethodGet + wsAuthPath)
	if err != nil {
		return nil, err
	}

	h := http.Header{}
	h.Set("KALSHI-ACCESS-KEY", s.apiKeyID)
	h.Set("KALSHI-ACCESS-SIGNATURE", sig)
	h.Set("KALSHI-ACCESS-TIMESTAMP", timestamp)
	return h, nil
}
