package fallback

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"sync"

	"github.com/user/em2/internal/types"
)

// Envelope is a composed email ready for a transport.
type Envelope struct {
	From      string
	To        []string
	MessageID string
	Raw       []byte
}

// Transport hands a composed email to a mail system.
type Transport interface {
	Send(ctx context.Context, env *Envelope) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, env *Envelope) error

func (f TransportFunc) Send(ctx context.Context, env *Envelope) error { return f(ctx, env) }

// Registry maps provider names ("smtp", "log") to transports.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]Transport
}

func NewRegistry() *Registry {
	return &Registry{transports: make(map[string]Transport)}
}

func (r *Registry) Register(name string, t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[name] = t
}

// Get returns the transport registered for name. An unknown name is a
// configuration problem, not a delivery failure.
func (r *Registry) Get(name string) (Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[name]
	if !ok {
		return nil, types.NotConfigured("no fallback transport %q", name)
	}
	return t, nil
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
}

// SMTPTransport submits mail to a relay with net/smtp.
type SMTPTransport struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPTransport(cfg SMTPConfig) *SMTPTransport {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPTransport{cfg: cfg, send: smtp.SendMail}
}

func (t *SMTPTransport) Send(ctx context.Context, env *Envelope) error {
	if t.cfg.Host == "" {
		return types.NotConfigured("smtp host not configured")
	}
	var auth smtp.Auth
	if t.cfg.Username != "" {
		auth = smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
	}
	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))

	done := make(chan error, 1)
	go func() { done <- t.send(addr, auth, env.From, env.To, env.Raw) }()
	select {
	case err := <-done:
		return classifySMTPError(err)
	case <-ctx.Done():
		return types.Transient(ctx.Err(), "smtp send to %s", addr)
	}
}

// classifySMTPError treats 4xx replies and network errors as transient and
// 5xx replies as permanent.
func classifySMTPError(err error) error {
	if err == nil {
		return nil
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		if tpErr.Code >= 500 {
			return &types.Error{Kind: types.KindBadRequest, Message: "smtp rejected message", Err: err}
		}
		return types.Transient(err, "smtp deferred message")
	}
	return types.Transient(err, "smtp send")
}

// LogTransport only logs. It is the default provider for development.
type LogTransport struct{}

func (LogTransport) Send(ctx context.Context, env *Envelope) error {
	slog.Info("fallback email", "message_id", env.MessageID, "from", env.From, "to", env.To, "bytes", len(env.Raw))
	return nil
}
