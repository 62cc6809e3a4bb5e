// Package resolver finds the em2 node responsible for an email address.
//
// A domain opts into em2 by publishing a CNAME at em2-routing.<domain>. The
// target host answers GET /v1/route/?email=... with the node URL. Domains
// without the record are reached through the email fallback.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/user/em2/internal/cache"
	"github.com/user/em2/internal/types"
)

const routingPrefix = "em2-routing."

// LookupCNAME resolves host to its canonical name. It has the semantics of
// net.Resolver.LookupCNAME.
type LookupCNAME func(ctx context.Context, host string) (string, error)

type Options struct {
	LocalNode    string
	LocalDomains []string
	Lookup       LookupCNAME
	Client       *http.Client
	// RouteURL builds the routing endpoint for a CNAME target. The default
	// is https://<target>/v1/route/.
	RouteURL    func(target string) string
	DNSTimeout  time.Duration
	NegativeTTL time.Duration
	NodeTTL     time.Duration
}

type Resolver struct {
	localNode    string
	localDomains map[string]bool
	lookup       LookupCNAME
	client       *http.Client
	routeURL     func(target string) string
	dnsTimeout   time.Duration
	negativeTTL  time.Duration
	nodeTTL      time.Duration

	// nodes caches domain/email -> node URL, "" meaning no em2 node
	nodes *cache.Cache[string]
}

func New(opts Options) *Resolver {
	r := &Resolver{
		localNode:    strings.TrimRight(opts.LocalNode, "/"),
		localDomains: make(map[string]bool, len(opts.LocalDomains)),
		lookup:       opts.Lookup,
		client:       opts.Client,
		routeURL:     opts.RouteURL,
		dnsTimeout:   opts.DNSTimeout,
		negativeTTL:  opts.NegativeTTL,
		nodeTTL:      opts.NodeTTL,
		nodes:        cache.New[string](),
	}
	for _, d := range opts.LocalDomains {
		r.localDomains[strings.ToLower(d)] = true
	}
	if r.lookup == nil {
		r.lookup = net.DefaultResolver.LookupCNAME
	}
	if r.client == nil {
		r.client = &http.Client{Timeout: 10 * time.Second}
	}
	if r.routeURL == nil {
		r.routeURL = func(target string) string { return "https://" + target + "/v1/route/" }
	}
	if r.dnsTimeout == 0 {
		r.dnsTimeout = 5 * time.Second
	}
	if r.negativeTTL == 0 {
		r.negativeTTL = time.Hour
	}
	if r.nodeTTL == 0 {
		r.nodeTTL = 365 * 24 * time.Hour
	}
	return r
}

func (r *Resolver) LocalNode() string { return r.localNode }

// IsLocalDomain reports whether this node serves the domain of email.
func (r *Resolver) IsLocalDomain(email string) bool {
	return r.localDomains[types.EmailDomain(email)]
}

// GetEm2Node returns the node URL for email, or "" when its domain has no
// em2 routing record. Lookup failures are returned as transient errors and
// are not cached.
func (r *Resolver) GetEm2Node(ctx context.Context, email string) (string, error) {
	email = types.NormalizeEmail(email)
	domain := types.EmailDomain(email)
	if domain == "" {
		return "", types.BadRequest("invalid email %q", email)
	}
	if r.localDomains[domain] {
		return r.localNode, nil
	}
	if node, ok := r.nodes.Get(email); ok {
		return node, nil
	}
	if node, ok := r.nodes.Get(domain); ok && node == "" {
		return "", nil
	}

	target, found, err := r.routingTarget(ctx, domain)
	if err != nil {
		return "", err
	}
	if !found {
		slog.Debug("no em2 routing record", "domain", domain)
		r.nodes.Set(domain, "", r.negativeTTL)
		return "", nil
	}

	node, err := r.route(ctx, target, email)
	if err != nil {
		return "", err
	}
	r.nodes.Set(email, node, r.nodeTTL)
	return node, nil
}

// CheckLocal reports whether email is served by this node.
func (r *Resolver) CheckLocal(ctx context.Context, email string) (bool, error) {
	if r.IsLocalDomain(email) {
		return true, nil
	}
	node, err := r.GetEm2Node(ctx, email)
	if err != nil {
		return false, err
	}
	return node != "" && node == r.localNode, nil
}

// Forget drops cached answers for email and its domain.
func (r *Resolver) Forget(email string) {
	email = types.NormalizeEmail(email)
	r.nodes.Delete(email)
	r.nodes.Delete(types.EmailDomain(email))
}

// Sweep drops expired cache entries.
func (r *Resolver) Sweep() int { return r.nodes.Sweep() }

func (r *Resolver) routingTarget(ctx context.Context, domain string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.dnsTimeout)
	defer cancel()

	host := routingPrefix + domain
	cname, err := r.lookup(ctx, host)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return "", false, nil
		}
		return "", false, types.Transient(err, "dns lookup %s", host)
	}
	cname = strings.TrimSuffix(strings.ToLower(cname), ".")
	if cname == "" || cname == host {
		return "", false, nil
	}
	return cname, true, nil
}

type routeResponse struct {
	Node string `json:"node"`
}

func (r *Resolver) route(ctx context.Context, target, email string) (string, error) {
	u := r.routeURL(target) + "?" + url.Values{"email": {email}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("build route request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", types.Transient(err, "route lookup %s", target)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", types.Transient(err, "read route response")
	}
	if resp.StatusCode != http.StatusOK {
		return "", types.Transient(fmt.Errorf("status %d: %s", resp.StatusCode, body), "route lookup %s", target)
	}
	var rr routeResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return "", types.Transient(err, "decode route response")
	}
	node := strings.TrimRight(rr.Node, "/")
	if _, err := url.ParseRequestURI(node); err != nil || node == "" {
		return "", types.Transient(fmt.Errorf("invalid node %q", rr.Node), "route lookup %s", target)
	}
	return node, nil
}
