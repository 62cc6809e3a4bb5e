package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/em2/internal/config"
	"github.com/user/em2/internal/engine"
	"github.com/user/em2/internal/fallback"
	"github.com/user/em2/internal/httpapi"
	"github.com/user/em2/internal/jobs"
	"github.com/user/em2/internal/push"
	"github.com/user/em2/internal/realtime"
	"github.com/user/em2/internal/resolver"
	"github.com/user/em2/internal/scheduler"
	"github.com/user/em2/internal/service"
	"github.com/user/em2/internal/signing"
	"github.com/user/em2/internal/store"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the em2 node",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if cfg.Signing.PrivateKey == "" {
		return fmt.Errorf("signing.private_key is not set (run `em2 keygen --save` or set EM2_SIGNING_KEY)")
	}
	signer, err := signing.NewSigner(cfg.Signing.PrivateKey)
	if err != nil {
		return err
	}
	if cfg.Node.URL == "" {
		return fmt.Errorf("node.url is not set")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	st, err := store.New(filepath.Join(cfg.DataDir, "em2.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	res := resolver.New(resolver.Options{
		LocalNode:    cfg.Node.URL,
		LocalDomains: cfg.Node.LocalDomains,
		Client:       &http.Client{Timeout: config.Seconds(cfg.Resolver.HTTPTimeout)},
		DNSTimeout:   config.Seconds(cfg.Resolver.DNSTimeout),
		NegativeTTL:  config.Seconds(cfg.Resolver.NegativeTTL),
		NodeTTL:      config.Seconds(cfg.Resolver.NodeTTL),
	})
	verifier := signing.NewVerifier(res, &http.Client{Timeout: config.Seconds(cfg.Resolver.HTTPTimeout)}, cfg.Node.URL)

	// Fallback transports
	transports := fallback.NewRegistry()
	transports.Register("log", fallback.LogTransport{})
	transports.Register("smtp", fallback.NewSMTPTransport(fallback.SMTPConfig{
		Host:     cfg.Fallback.SMTP.Host,
		Port:     cfg.Fallback.SMTP.Port,
		Username: cfg.Fallback.SMTP.Username,
		Password: cfg.Fallback.SMTP.Password,
	}))
	bridge := fallback.New(fallback.Options{
		Store:      st,
		Transports: transports,
		Provider:   cfg.Fallback.Provider,
		FromDomain: cfg.Fallback.FromDomain,
	})
	if cfg.Fallback.Provider == "smtp" && cfg.Fallback.SMTP.Host == "" {
		slog.Warn("fallback provider is smtp but fallback.smtp.host is empty; fallback sends will fail")
	}

	// Push queue
	queue := jobs.NewQueue[push.Payload]("push", int64(cfg.MaxConcurrent))
	dispatcher := push.New(push.Options{
		LocalNode: cfg.Node.URL,
		Resolver:  res,
		Users:     st,
		Log:       st,
		Outbox:    st,
		Signer:    signer,
		Fallback:  bridge,
		Client:    &http.Client{Timeout: config.Seconds(cfg.Push.HTTPTimeout)},
		Policy: &jobs.RetryPolicy{
			MaxAttempts: cfg.Push.MaxAttempts,
			Step:        config.Seconds(cfg.Push.RetryStep),
			MaxDelay:    5 * time.Minute,
		},
	})
	dispatcher.Attach(queue)

	hub := realtime.NewRegistry(cfg.HTTP.AllowedOrigins...)
	svc := service.New(engine.New(st), st, dispatcher, hub)
	svc.SetForwarder(dispatcher)
	bridge.SetApplier(svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue.Start(ctx)
	defer queue.Stop()
	if n, err := dispatcher.Resume(ctx); err != nil {
		slog.Error("resume pending pushes", "error", err)
	} else if n > 0 {
		slog.Info("resumed pending pushes", "count", n)
	}

	sched := scheduler.New(
		scheduler.SweepJob("@every 10m", map[string]scheduler.Sweeper{"nodes": res, "keys": verifier}),
		scheduler.FailedSendsJob("@hourly", time.Hour, st),
	)
	sched.Start(ctx)
	defer sched.Stop()

	if cfg.Auth.JWTSecret == "" {
		slog.Warn("auth.jwt_secret is not set; local conversation API disabled")
	}
	srv := httpapi.NewServer(httpapi.Options{
		Service:   svc,
		Verifier:  verifier,
		Signer:    signer,
		KeyTTL:    cfg.Signing.KeyTTL,
		LocalNode: cfg.Node.URL,
		Domains:   res,
		Webhooks:  bridge,
		Webhook: httpapi.WebhookAuth{
			Token:    cfg.Fallback.Webhook.Token,
			Username: cfg.Fallback.Webhook.Username,
			Password: cfg.Fallback.Webhook.Password,
		},
		JWTSecret: cfg.Auth.JWTSecret,
		Realtime:  hub,
		Pending:   queue.Pending,
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		httpServer.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	slog.Info("em2 node started",
		"node", cfg.Node.URL,
		"listen", cfg.HTTP.Listen,
		"local_domains", cfg.Node.LocalDomains,
		"public_key", signer.PublicKeyHex(),
		"fallback", cfg.Fallback.Provider,
		"max_concurrent", cfg.MaxConcurrent,
		"pid_file", pidPath,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case err := <-serveErr:
			return fmt.Errorf("http server: %w", err)
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				slog.Info("received SIGHUP, restarting")
				execPath, err := os.Executable()
				if err != nil {
					slog.Error("failed to get executable path", "error", err)
					continue
				}
				// the new process needs the port
				httpServer.Close()
				os.Remove(pidPath)
				if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
					slog.Error("failed to re-exec", "error", err)
					return err
				}
			}
			slog.Info("shutting down", "signal", sig, "pending_pushes", queue.Pending())
			return nil
		}
	}
}
