// Package httpapi serves the node's HTTP surface: the em2 protocol endpoints
// used by other nodes, the fallback webhook, and the local conversation API.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/user/em2/internal/realtime"
	"github.com/user/em2/internal/service"
	"github.com/user/em2/internal/signing"
	"github.com/user/em2/internal/types"
)

const maxBodyBytes = 10 << 20

type Verifier interface {
	Verify(ctx context.Context, email string, r *http.Request, body []byte) (string, error)
	VerifyNode(ctx context.Context, node string, r *http.Request, body []byte) error
}

type LocalDomains interface {
	IsLocalDomain(email string) bool
}

type WebhookHandler interface {
	HandleWebhook(ctx context.Context, provider string, body []byte) error
}

// WebhookAuth holds the path token and basic auth credentials expected on
// POST /webhook/{provider}/{token}/.
type WebhookAuth struct {
	Token    string
	Username string
	Password string
}

type Options struct {
	Service   *service.Service
	Verifier  Verifier
	Signer    *signing.Signer
	KeyTTL    int
	LocalNode string
	Domains   LocalDomains
	Webhooks  WebhookHandler
	Webhook   WebhookAuth
	JWTSecret string
	Realtime  *realtime.Registry
	// Pending reports queued push jobs for /health.
	Pending func() int
}

type Server struct {
	opts Options
	mux  *http.ServeMux
}

func NewServer(opts Options) *Server {
	s := &Server{opts: opts, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("POST /v1/push/{conv}/{$}", s.handlePush)
	s.mux.HandleFunc("POST /v1/forward/{conv}/{$}", s.handleForward)
	s.mux.HandleFunc("GET /v1/route/{$}", s.handleRoute)
	s.mux.HandleFunc("GET /v1/signing/verification/{$}", s.handleVerificationKeys)
	s.mux.HandleFunc("POST /webhook/{provider}/{token}/{$}", s.handleWebhook)

	s.mux.HandleFunc("GET /v1/conv/{$}", s.authed(s.handleList))
	s.mux.HandleFunc("POST /v1/conv/create/{$}", s.authed(s.handleCreate))
	s.mux.HandleFunc("GET /v1/conv/{key}/{$}", s.authed(s.handleShow))
	s.mux.HandleFunc("POST /v1/conv/{key}/act/{$}", s.authed(s.handleAct))
	s.mux.HandleFunc("POST /v1/conv/{key}/publish/{$}", s.authed(s.handlePublish))
	s.mux.HandleFunc("GET /ws/{$}", s.handleWebsocket)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.opts.Pending != nil {
		resp["pending_pushes"] = s.opts.Pending()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// writeError maps err to its status code. Internal errors are logged and
// not described to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := types.KindOf(err)
	status := kind.Status()
	switch {
	case status >= 500 && kind != types.KindNotConfigured:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	default:
		slog.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"message": types.PublicMessage(err)})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return types.BadRequest("invalid JSON: %v", err)
	}
	return nil
}
