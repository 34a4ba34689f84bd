package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mihaimyh/subsync/internal/config"
	"github.com/mihaimyh/subsync/pkg/api"
	"github.com/mihaimyh/subsync/pkg/billing"
	billingprom "github.com/mihaimyh/subsync/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/subsync/pkg/billing/stripe"
	"github.com/mihaimyh/subsync/pkg/notify"
	"github.com/mihaimyh/subsync/pkg/subsync"
	subsyncprom "github.com/mihaimyh/subsync/pkg/subsync/metrics/prometheus"
)

func newServeCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook receiver and billing status API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, v, err := load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					a.log.Error().Err(err).Msg("failed to close storage")
				}
			}()

			holder := config.NewHolder(cfg)
			holder.Watch(v, func(updated *config.Config) {
				if err := applyLogLevel(updated.Log.Level); err != nil {
					a.log.Warn().Err(err).Msg("ignoring reloaded log level")
					return
				}
				a.log.Info().Str("level", updated.Log.Level).Msg("configuration reloaded")
			}, func(err error) {
				a.log.Warn().Err(err).Msg("configuration reload rejected")
			})

			return a.serve(ctx)
		},
	}
}

// server is the set of components behind the HTTP surface.
type server struct {
	provider *stripe.Provider
	status   http.Handler
	metrics  http.Handler
	ping     func(context.Context) error
}

func (a *app) newServer(reg *prometheus.Registry) (*server, error) {
	var notifier subsync.Notifier = &subsync.NoopNotifier{}
	if a.cfg.SMTP.Enabled() {
		sender, err := notify.NewSMTPSender(notify.SMTPConfig{
			Host:     a.cfg.SMTP.Host,
			Port:     a.cfg.SMTP.Port,
			Username: a.cfg.SMTP.Username,
			Password: a.cfg.SMTP.Password,
			From:     a.cfg.SMTP.From,
		})
		if err != nil {
			return nil, err
		}
		email, err := notify.NewEmailNotifier(notify.Config{
			Sender:      sender,
			AppURL:      a.cfg.App.URL,
			CompanyName: a.cfg.App.Company,
		})
		if err != nil {
			return nil, err
		}
		notifier = email
	} else {
		a.log.Info().Msg("smtp not configured, notifications are disabled")
	}

	var (
		billingMetrics billing.Metrics
		syncMetrics    subsync.Metrics
	)
	if a.cfg.Metrics.Enabled {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		billingMetrics = billingprom.NewMetrics(reg, a.cfg.Metrics.Namespace)
		syncMetrics = subsyncprom.NewMetrics(reg, a.cfg.Metrics.Namespace)
	}

	provider, err := stripe.NewProvider(stripe.Config{
		Config: billing.Config{
			APIKey:        a.cfg.Stripe.APIKey,
			WebhookSecret: a.cfg.Stripe.WebhookSecret,
			Metrics:       billingMetrics,
			Logger:        a.logger,
		},
		BackendURL:        a.cfg.Stripe.BackendURL,
		Users:             a.store,
		Events:            a.store,
		Notifier:          notifier,
		ReconcilerMetrics: syncMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stripe provider: %w", err)
	}

	entitlements, err := subsync.NewEntitlementService(subsync.EntitlementConfig{
		Users:    a.store,
		Provider: provider,
		Logger:   a.logger,
		Metrics:  syncMetrics,
	})
	if err != nil {
		return nil, err
	}

	status, err := api.NewHandler(api.Config{
		Entitlements: entitlements,
		GetUserID:    api.FromHeader(a.cfg.Server.UserHeader),
		Logger:       a.logger,
	})
	if err != nil {
		return nil, err
	}

	s := &server{
		provider: provider,
		status:   status,
		metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ping:     func(context.Context) error { return nil },
	}
	if p, ok := a.store.(interface{ Ping(context.Context) error }); ok {
		s.ping = p.Ping
	}
	return s, nil
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", s.metrics)

	r.Route("/billing", func(r chi.Router) {
		r.Method(http.MethodPost, "/webhook", s.provider.WebhookHandler())
		r.Method(http.MethodGet, "/status", s.status)
	})
	return r
}

func (s *server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := s.ping(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, `{"status":"unavailable","breaker":%q}`, s.provider.BreakerState())
		return
	}
	fmt.Fprintf(w, `{"status":"ok","breaker":%q}`, s.provider.BreakerState())
}

func (a *app) serve(ctx context.Context) error {
	srv, err := a.newServer(prometheus.NewRegistry())
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      srv.routes(),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", httpServer.Addr).Str("storage", a.cfg.Storage.Driver).Msg("subsyncd listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
