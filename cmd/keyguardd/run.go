package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel/trace"

	"github.com/eumetnet/apikey-controlplane/internal/apisix"
	"github.com/eumetnet/apikey-controlplane/internal/circuitbreaker"
	"github.com/eumetnet/apikey-controlplane/internal/config"
	"github.com/eumetnet/apikey-controlplane/internal/identity"
	"github.com/eumetnet/apikey-controlplane/internal/limits"
	"github.com/eumetnet/apikey-controlplane/internal/orchestrator"
	"github.com/eumetnet/apikey-controlplane/internal/secretstore"
	"github.com/eumetnet/apikey-controlplane/internal/server"
	"github.com/eumetnet/apikey-controlplane/internal/telemetry"
	"github.com/eumetnet/apikey-controlplane/internal/tokenvalidator"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting keyguardd", "version", version, "addr", cfg.Server.Addr())

	ctx := context.Background()

	// Shared DNS cache for the gateway-fleet HTTP clients.
	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()

	gwBreakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	secretBreakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())

	var gwClients []*apisix.Client
	var gwInstances []orchestrator.GatewayInstance
	var limitsInstances []limits.Instance
	var healthChecks []server.HealthCheck
	for _, inst := range cfg.APISIX.Instances {
		client := apisix.New(inst.Name, inst.AdminURL, inst.GatewayURL, inst.AdminKey, dnsResolver, gwBreakers.GetOrCreate(inst.Name))
		gwClients = append(gwClients, client)
		gwInstances = append(gwInstances, orchestrator.GatewayInstance{Name: inst.Name, Client: client})
		limitsInstances = append(limitsInstances, limits.Instance{Name: inst.Name, Client: client})
		healthChecks = append(healthChecks, server.HealthCheck{Name: "apisix:" + inst.Name, Check: client.Health})
		slog.Info("gateway instance configured", "name", inst.Name, "admin_url", inst.AdminURL)
	}

	var secretClients []*secretstore.Client
	var secretInstances []orchestrator.SecretInstance
	for _, inst := range cfg.Vault.Instances {
		client := secretstore.New(inst.Name, inst.URL, inst.Token, cfg.Vault.BasePath, cfg.Vault.SecretPhrase, secretBreakers.GetOrCreate(inst.Name))
		secretClients = append(secretClients, client)
		secretInstances = append(secretInstances, orchestrator.SecretInstance{Name: inst.Name, Client: client})
		healthChecks = append(healthChecks, server.HealthCheck{Name: "vault:" + inst.Name, Check: client.Health})
		slog.Info("secret store instance configured", "name", inst.Name, "url", inst.URL)
	}

	idp := identity.New(ctx, cfg.Keycloak.URL, cfg.Keycloak.Realm, cfg.Keycloak.ClientID, cfg.Keycloak.ClientSecret)

	keys := orchestrator.NewKeyLifecycle(gwInstances, secretInstances, cfg.APISIX.KeyPath, cfg.APISIX.KeyName, cfg.Vault.SecretPhrase)
	admin := orchestrator.NewAdmin(keys, idp)
	projector := limits.NewProjector(limitsInstances)

	jwksURL := cfg.Keycloak.URL + "/realms/" + cfg.Keycloak.Realm + "/protocol/openid-connect/certs"
	validator, err := tokenvalidator.New(jwksURL, nil)
	if err != nil {
		return fmt.Errorf("build token validator: %w", err)
	}

	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		slog.Info("prometheus metrics enabled")
	}

	keys.SetMetrics(metrics)
	for _, c := range gwClients {
		c.SetMetrics(metrics)
	}
	for _, c := range secretClients {
		c.SetMetrics(metrics)
	}

	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, err := telemetry.SetupTracing(ctx, endpoint, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("keyguardd/server")
			slog.Info("opentelemetry tracing enabled", "endpoint", endpoint, "sample_rate", sampleRate)
		}
	}

	handler := server.New(server.Deps{
		Keys:           keys,
		Admin:          admin,
		Limits:         projector,
		Validator:      validator,
		HealthChecks:   healthChecks,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("keyguardd ready", "addr", cfg.Server.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("keyguardd stopped")
	return nil
}
