package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/user/em2/internal/engine"
	"github.com/user/em2/internal/types"
)

// Claims identify a local user to the conversation API.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for email. Used by the CLI and tests.
func IssueToken(secret, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: types.NormalizeEmail(email),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func (s *Server) authenticate(r *http.Request) (string, error) {
	if s.opts.JWTSecret == "" {
		return "", types.NotConfigured("local api not configured")
	}
	token := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	} else {
		// browsers cannot set headers on websocket requests
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return "", types.Unauthorized("missing token")
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return []byte(s.opts.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return "", types.Unauthorized("invalid token")
	}
	email := types.NormalizeEmail(claims.Email)
	if types.EmailDomain(email) == "" {
		return "", types.Unauthorized("token has no email")
	}
	return email, nil
}

type authedHandler func(w http.ResponseWriter, r *http.Request, email string)

func (s *Server) authed(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email, err := s.authenticate(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		h(w, r, email)
	}
}

type createRequest struct {
	Subject      string          `json:"subject"`
	Message      string          `json:"message"`
	MsgFormat    types.MsgFormat `json:"msg_format"`
	Participants []string        `json:"participants"`
	Publish      bool            `json:"publish"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, email string) {
	var req createRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.opts.Service.Create(r.Context(), email, engine.CreateRequest{
		Subject:      req.Subject,
		Message:      req.Message,
		MsgFormat:    req.MsgFormat,
		Participants: req.Participants,
		Publish:      req.Publish,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"key": res.Conv.Key, "id": res.Conv.ID})
}

type actRequest struct {
	Actions []types.ActionInput `json:"actions"`
}

func (s *Server) handleAct(w http.ResponseWriter, r *http.Request, email string) {
	var req actRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.opts.Service.Apply(r.Context(), engine.ApplyRequest{
		Key:     r.PathValue("key"),
		Actor:   email,
		Actions: req.Actions,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"action_ids": res.ActionIDs()})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request, email string) {
	res, err := s.opts.Service.Publish(r.Context(), r.PathValue("key"), email)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": res.Conv.Key})
}

type showResponse struct {
	Key       string          `json:"key"`
	Published bool            `json:"published"`
	View      *types.ConvView `json:"view"`
	Actions   []types.Action  `json:"actions"`
}

func (s *Server) handleShow(w http.ResponseWriter, r *http.Request, email string) {
	view, conv, actions, err := s.opts.Service.View(r.Context(), r.PathValue("key"), email)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, showResponse{
		Key:       conv.Key,
		Published: conv.Published(),
		View:      view,
		Actions:   actions,
	})
}

type listItem struct {
	Key       string             `json:"key"`
	Created   time.Time          `json:"created"`
	Updated   time.Time          `json:"updated"`
	Published bool               `json:"published"`
	Details   *types.ConvDetails `json:"details,omitempty"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, email string) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	convs, err := s.opts.Service.List(r.Context(), email, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	items := make([]listItem, 0, len(convs))
	for _, c := range convs {
		items = append(items, listItem{
			Key:       c.Key,
			Created:   c.Created,
			Updated:   c.Updated,
			Published: c.Published(),
			Details:   c.Details,
		})
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if s.opts.Realtime == nil {
		writeError(w, r, types.NotConfigured("realtime not configured"))
		return
	}
	email, err := s.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.opts.Realtime.Serve(w, r, email)
}
