package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/user/em2/internal/push"
	"github.com/user/em2/internal/signing"
	"github.com/user/em2/internal/types"
)

// handlePush applies a batch pushed by the node leading a conversation. The
// signature must belong to the node named in ?node=, and a batch that starts
// a conversation must come from its creator's node.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if s.opts.Verifier == nil {
		writeError(w, r, types.NotConfigured("push endpoint not configured"))
		return
	}
	key := r.PathValue("conv")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, types.BadRequest("read body: %v", err))
		return
	}
	var msg push.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		writeError(w, r, types.BadRequest("invalid JSON: %v", err))
		return
	}
	if len(msg.Actions) == 0 {
		writeError(w, r, types.BadRequest("no actions"))
		return
	}
	if msg.Conversation != "" && msg.Conversation != key {
		writeError(w, r, types.BadRequest("conversation does not match url"))
		return
	}

	node := strings.TrimRight(r.URL.Query().Get("node"), "/")
	if node == "" {
		writeError(w, r, types.Unauthorized("sending node not given"))
		return
	}
	if msg.Actions[0].ID == 1 {
		creator := types.NormalizeEmail(msg.Actions[0].Actor)
		owner, err := s.opts.Verifier.Verify(r.Context(), creator, r, body)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if strings.TrimRight(owner, "/") != node {
			writeError(w, r, types.Unauthorized("node %s does not serve %s", node, creator))
			return
		}
	} else if err := s.opts.Verifier.VerifyNode(r.Context(), node, r, body); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.opts.Service.ApplyRemote(r.Context(), key, node, msg.Actions)
	if err != nil {
		if types.IsKind(err, types.KindResync) {
			slog.Info("requesting full conversation", "conv", key, "node", node)
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"action_ids": res.ActionIDs()})
}

// handleForward commits actions another node proposes for one of its users
// on a conversation led here. The signature must belong to the actor's node.
func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	if s.opts.Verifier == nil {
		writeError(w, r, types.NotConfigured("forward endpoint not configured"))
		return
	}
	key := r.PathValue("conv")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, types.BadRequest("read body: %v", err))
		return
	}
	var msg push.ForwardMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		writeError(w, r, types.BadRequest("invalid JSON: %v", err))
		return
	}
	if len(msg.Actions) == 0 {
		writeError(w, r, types.BadRequest("no actions"))
		return
	}
	if msg.Conversation != "" && msg.Conversation != key {
		writeError(w, r, types.BadRequest("conversation does not match url"))
		return
	}

	actor := types.NormalizeEmail(msg.Actor)
	node, err := s.opts.Verifier.Verify(r.Context(), actor, r, body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if claimed := strings.TrimRight(r.URL.Query().Get("node"), "/"); claimed != strings.TrimRight(node, "/") {
		writeError(w, r, types.Unauthorized("node %s does not serve %s", claimed, actor))
		return
	}

	res, log, err := s.opts.Service.ApplyForwarded(r.Context(), key, actor, msg.Since, msg.Actions)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, push.ForwardResponse{ActionIDs: res.ActionIDs(), Actions: log})
}

// handleRoute answers node discovery for addresses hosted here.
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	email := types.NormalizeEmail(r.URL.Query().Get("email"))
	if email == "" {
		writeError(w, r, types.BadRequest("email required"))
		return
	}
	if s.opts.Domains == nil || !s.opts.Domains.IsLocalDomain(email) {
		writeError(w, r, types.NotFound("%s is not served by this node", email))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"node": s.opts.LocalNode})
}

func (s *Server) handleVerificationKeys(w http.ResponseWriter, r *http.Request) {
	if s.opts.Signer == nil {
		writeError(w, r, types.NotConfigured("signing key not configured"))
		return
	}
	ttl := s.opts.KeyTTL
	if ttl <= 0 {
		ttl = 86400
	}
	writeJSON(w, http.StatusOK, signing.KeysResponse{
		Keys: []signing.KeyInfo{{Key: s.opts.Signer.PublicKeyHex(), TTL: ttl}},
	})
}

// handleWebhook authenticates a provider notification and hands it to the
// fallback bridge. Anything that parses is acknowledged with 204 so the
// provider does not redeliver; only transient failures ask for a retry.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	auth := s.opts.Webhook
	if s.opts.Webhooks == nil || auth.Token == "" {
		writeError(w, r, types.NotConfigured("webhook not configured"))
		return
	}
	if !secureEqual(r.PathValue("token"), auth.Token) {
		writeError(w, r, types.NotFound("not found"))
		return
	}
	if auth.Username != "" {
		user, pass, ok := r.BasicAuth()
		if !ok || !secureEqual(user, auth.Username) || !secureEqual(pass, auth.Password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="em2"`)
			writeError(w, r, types.Unauthorized("invalid credentials"))
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, types.BadRequest("read body: %v", err))
		return
	}
	provider := r.PathValue("provider")
	err = s.opts.Webhooks.HandleWebhook(r.Context(), provider, body)
	switch {
	case err == nil:
	case types.IsKind(err, types.KindNotFound), types.IsKind(err, types.KindTransient):
		writeError(w, r, err)
		return
	default:
		slog.Warn("webhook notification not applied", "provider", provider, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
