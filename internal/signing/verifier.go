package signing

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/user/em2/internal/cache"
	"github.com/user/em2/internal/types"
)

// VerificationPath is where a node publishes its verification keys.
const VerificationPath = "/v1/signing/verification/"

// KeyInfo is one published verification key. TTL is in seconds.
type KeyInfo struct {
	Key string `json:"key"`
	TTL int    `json:"ttl"`
}

type KeysResponse struct {
	Keys []KeyInfo `json:"keys"`
}

type NodeLookup interface {
	GetEm2Node(ctx context.Context, email string) (string, error)
}

// Verifier checks Signature headers of requests claiming to come from the
// node responsible for an address.
type Verifier struct {
	nodes  NodeLookup
	client *http.Client
	keys   *cache.Cache[ed25519.PublicKey]
	now    func() time.Time
	// origin, when set, replaces scheme and host of incoming requests when
	// rebuilding the signed URL. Needed behind a proxy.
	origin string
}

func NewVerifier(nodes NodeLookup, client *http.Client, origin string) *Verifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Verifier{
		nodes:  nodes,
		client: client,
		keys:   cache.New[ed25519.PublicKey](),
		now:    time.Now,
		origin: origin,
	}
}

// Verify checks that r, whose body has been read into body, was signed by
// the node responsible for email. It returns that node.
func (v *Verifier) Verify(ctx context.Context, email string, r *http.Request, body []byte) (string, error) {
	node, err := v.nodes.GetEm2Node(ctx, email)
	if err != nil {
		return "", err
	}
	if node == "" {
		return "", types.Unauthorized("no em2 node for %s", email)
	}
	if err := v.VerifyNode(ctx, node, r, body); err != nil {
		return "", err
	}
	return node, nil
}

// VerifyNode checks that r was signed with one of the keys node publishes.
func (v *Verifier) VerifyNode(ctx context.Context, node string, r *http.Request, body []byte) error {
	header := r.Header.Get(HeaderName)
	if header == "" {
		return types.Unauthorized("signature header missing")
	}
	ts, sig, err := ParseHeader(header)
	if err != nil {
		return err
	}
	now := v.now()
	if ts.Before(now.Add(-MaxAge)) || ts.After(now.Add(MaxSkew)) {
		return types.Unauthorized("signature expired")
	}

	msg := CanonicalString(r.Method, v.requestURL(r), ts, body)
	if key, ok := v.keys.Get(node); ok && ed25519.Verify(key, msg, sig) {
		return nil
	}

	infos, err := v.fetchKeys(ctx, node)
	if err != nil {
		return err
	}
	for _, info := range infos {
		raw, err := hex.DecodeString(info.Key)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			slog.Warn("ignoring malformed verification key", "node", node)
			continue
		}
		key := ed25519.PublicKey(raw)
		if ed25519.Verify(key, msg, sig) {
			ttl := time.Duration(info.TTL) * time.Second
			if ttl <= 0 {
				ttl = time.Hour
			}
			v.keys.Set(node, key, ttl)
			return nil
		}
	}
	return types.Unauthorized("invalid signature")
}

// Sweep drops expired verification keys.
func (v *Verifier) Sweep() int { return v.keys.Sweep() }

func (v *Verifier) requestURL(r *http.Request) string {
	if v.origin != "" {
		return v.origin + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func (v *Verifier) fetchKeys(ctx context.Context, node string) ([]KeyInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, node+VerificationPath, nil)
	if err != nil {
		return nil, fmt.Errorf("build key request: %w", err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, types.Transient(err, "fetch verification keys from %s", node)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, types.Transient(fmt.Errorf("status %d", resp.StatusCode), "fetch verification keys from %s", node)
	}
	var kr KeysResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&kr); err != nil {
		return nil, types.Transient(err, "decode verification keys from %s", node)
	}
	return kr.Keys, nil
}
