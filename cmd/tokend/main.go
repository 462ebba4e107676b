package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CR3AT10N-ST4T10NZ/realtime-krea-wan/internal/token"
)

var version = "dev"

const shutdownGrace = 5 * time.Second

type tokenRequest struct {
	App       string `json:"app"`
	ExpiresIn int    `json:"expires_in"`
}

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	addr := envOr("TOKEND_ADDR", ":8787")
	secret := os.Getenv("TOKEND_SECRET")
	if secret == "" {
		slog.Error("TOKEND_SECRET is required")
		os.Exit(1)
	}
	maxTTL := token.DefaultMaxTTL
	if v := os.Getenv("TOKEND_MAX_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Error("parse TOKEND_MAX_TTL", "value", v, "error", err)
			os.Exit(1)
		}
		maxTTL = d
	}

	issuer, err := token.NewIssuer(secret, maxTTL)
	if err != nil {
		slog.Error("create issuer", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		var req tokenRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		tok, err := issuer.Mint(req.App, time.Duration(req.ExpiresIn)*time.Second)
		if err != nil {
			slog.Warn("mint rejected", "app", req.App, "error", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]string{"token": tok}); err != nil {
			slog.Debug("write token response", "error", err)
			return
		}
		slog.Debug("token issued", "app", req.App, "expires_in", req.ExpiresIn)
	})

	srv := &http.Server{Addr: addr, Handler: mux}

	slog.Info("tokend starting", "version", version, "addr", addr, "max_ttl", maxTTL)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("token server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
