package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaleyeah/toolkernel/pkg/auth"
	"github.com/shaleyeah/toolkernel/pkg/compose"
	"github.com/shaleyeah/toolkernel/pkg/config"
	"github.com/shaleyeah/toolkernel/pkg/mcp"
)

func runServe(args []string, _, stderr io.Writer) int {
	fs := newFlagSet("serve", stderr)
	useHTTP := fs.Bool("http", false, "Serve streamable HTTP instead of stdio")
	addr := fs.String("addr", "", "HTTP listen address (default HTTP_ADDR)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, k, ok := bootstrap(ctx, stderr)
	if !ok {
		return 2
	}
	defer func() { _ = k.Close() }()
	go k.Run(ctx, time.Minute)

	if *useHTTP {
		if *addr != "" {
			cfg.HTTPAddr = *addr
		}
		if err := serveHTTP(ctx, cfg, k); err != nil {
			slog.Error("http server failed", "error", err)
			return 1
		}
		return 0
	}

	id, err := localIdentity(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: identity: %v\n", err)
		return 2
	}
	slog.Info("serving MCP on stdio", "user_id", id.UserID, "role", id.Role)
	if err := mcp.New(k, mcp.StaticIdentity(id)).ServeStdio(); err != nil {
		slog.Error("stdio server failed", "error", err)
		return 1
	}
	return 0
}

func serveHTTP(ctx context.Context, cfg *config.Config, k *compose.Kernel) error {
	var handler http.Handler = mcp.New(k, mcp.ContextIdentity).HTTPHandler()
	if cfg.AuthEnabled {
		var tokens *auth.TokenManager
		if cfg.IdentitySecret != "" {
			var err error
			if tokens, err = auth.NewTokenManager([]byte(cfg.IdentitySecret)); err != nil {
				return err
			}
		} else {
			slog.Warn("AUTH_ENABLED without IDENTITY_SECRET: every MCP request will be rejected")
		}
		handler = auth.NewMiddleware(tokens)(handler)
	}

	mux := http.NewServeMux()
	mux.Handle("/mcp", auth.RequestIDMiddleware(handler))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = writeJSON(w, map[string]any{"status": "ok", "servers": k.ListServers()})
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("serving MCP over HTTP", "addr", cfg.HTTPAddr, "auth_enabled", cfg.AuthEnabled)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		slog.Info("shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	}
}
