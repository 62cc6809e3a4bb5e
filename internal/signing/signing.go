// Package signing authenticates requests between em2 nodes with Ed25519.
//
// The signed string is "{METHOD} {URL} {TIMESTAMP}\n" followed by the body,
// or "-" when there is no body. The Signature header carries
// "{TIMESTAMP},{hex signature}".
package signing

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/user/em2/internal/types"
)

const (
	HeaderName = "Signature"

	// signatures are 64 bytes
	signatureHexLength = 128

	// MaxAge and MaxSkew bound the accepted timestamp window.
	MaxAge  = 30 * time.Second
	MaxSkew = 5 * time.Second
)

// CanonicalString builds the bytes that are signed for a request.
func CanonicalString(method, url string, ts time.Time, body []byte) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s %s\n", strings.ToUpper(method), url, formatTS(ts))
	if len(body) == 0 {
		b.WriteByte('-')
	} else {
		b.Write(body)
	}
	return b.Bytes()
}

func formatTS(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}

type Signer struct {
	priv ed25519.PrivateKey
	now  func() time.Time
}

// NewSigner builds a signer from a hex encoded 32 byte seed.
func NewSigner(seedHex string) (*Signer, error) {
	seed, err := hex.DecodeString(strings.TrimSpace(seedHex))
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing key must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Signer{priv: ed25519.NewKeyFromSeed(seed), now: time.Now}, nil
}

// GenerateSeed returns a new random signing key seed, hex encoded.
func GenerateSeed() (string, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return "", err
	}
	return hex.EncodeToString(seed), nil
}

// PublicKeyHex is the verification key published by this node.
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.priv.Public().(ed25519.PublicKey))
}

func (s *Signer) Sign(method, url string, ts time.Time, body []byte) string {
	return hex.EncodeToString(ed25519.Sign(s.priv, CanonicalString(method, url, ts, body)))
}

// Header returns the Signature header value for a request sent now.
func (s *Signer) Header(method, url string, body []byte) string {
	ts := s.now().UTC()
	return formatTS(ts) + "," + s.Sign(method, url, ts, body)
}

// SignRequest sets the Signature header on req. body must be the exact
// bytes sent.
func (s *Signer) SignRequest(req *http.Request, body []byte) {
	req.Header.Set(HeaderName, s.Header(req.Method, req.URL.String(), body))
}

// ParseHeader splits a Signature header into its timestamp and signature.
func ParseHeader(value string) (time.Time, []byte, error) {
	i := strings.LastIndexByte(value, ',')
	if i < 0 {
		return time.Time{}, nil, types.Unauthorized("invalid signature header format")
	}
	ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(value[:i]))
	if err != nil {
		return time.Time{}, nil, types.Unauthorized("invalid signature timestamp")
	}
	sigHex := strings.TrimSpace(value[i+1:])
	if len(sigHex) != signatureHexLength {
		return time.Time{}, nil, types.Unauthorized("invalid signature length")
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return time.Time{}, nil, types.Unauthorized("invalid signature encoding")
	}
	return ts, sig, nil
}
