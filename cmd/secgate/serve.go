package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"secgate/gateway/internal/authz"
	"secgate/gateway/internal/httputil"
	"secgate/gateway/internal/metrics"
	"secgate/gateway/internal/observability"
	"secgate/gateway/internal/principal"
	"secgate/gateway/internal/proxy"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := observability.InitSentry(cfg.Sentry.DSN, cfg.Sentry.Environment, cfg.Sentry.SampleRate); err != nil {
		log.Error().Err(err).Msg("sentry init failed")
	}
	defer observability.FlushSentry()

	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	trusted, err := httputil.ParseCIDRs(cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}

	metrics.MustRegister()
	metrics.BuildInfo.Set(1)

	log.Info().
		Str("config_path", configPath).
		Str("listen", cfg.Server.Listen).
		Str("store", cfg.Store.Backend).
		Str("resolver", cfg.Resolver.Backend).
		Strs("stages", a.gateway.Stages()).
		Int("routes", len(cfg.Routes)).
		Int("api_keys", len(cfg.APIKeys.Keys)).
		Str("upstream", cfg.Proxy.Upstream).
		Bool("threat_intel_enabled", cfg.ThreatIntel.Enabled).
		Msg("secgate starting")

	for _, p := range a.pollers {
		go p.Run(ctx)
		log.Info().Str("peer", p.Client.BaseURL).Str("collection", p.CollectionID).Dur("interval", p.Interval).Msg("threat intel poller started")
	}

	var ph *proxy.Handler
	if cfg.Proxy.Upstream != "" {
		if ph, err = proxy.NewHandler(cfg.Proxy.Upstream, proxy.Options{}); err != nil {
			return err
		}
		defer func() { _ = ph.Shutdown(context.Background()) }()
	}

	r := chi.NewRouter()
	r.Use(httputil.RequestIDMiddleware(log.Logger, trusted))
	r.Use(observability.Recover)

	// health & metrics
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		pctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := a.store.Ping(pctx); err != nil {
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store unavailable"})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(observability.RequestLogging)
		r.Handle("/v1/authz", authz.NewHandler(a.gateway))
		r.With(a.gateway.Middleware).Post("/v1/logout", a.gateway.Logout)
		r.With(a.gateway.Middleware).Get("/v1/whoami", whoami)

		if ph != nil {
			r.With(a.gateway.Middleware).Handle("/*", ph)
		}
	})

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           r,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutMs) * time.Millisecond,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info().Msg("received shutdown signal")
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	log.Info().Msg("server stopped")
	return nil
}

func whoami(w http.ResponseWriter, r *http.Request) {
	p, _ := principal.FromContext(r.Context())
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"identity_id": p.IdentityID,
		"role":        p.Role,
		"method":      p.Method,
		"expires_at":  p.ExpiresAt,
	})
}
