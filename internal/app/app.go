package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/enterprise/attestation-trust-engine/internal/attestation"
	"github.com/enterprise/attestation-trust-engine/internal/baseline"
	"github.com/enterprise/attestation-trust-engine/internal/config"
	"github.com/enterprise/attestation-trust-engine/internal/tlspolicy"
)

// Version is reported by the service resource and the health endpoint.
var Version = "dev"

// Application represents the main application
type Application struct {
	config *config.Config
	logger *logrus.Logger

	registry   *prometheus.Registry
	catalog    baseline.Store
	dispatcher *tlspolicy.Dispatcher
	resolver   *baseline.Resolver
	service    *attestation.Service
	closers    []io.Closer

	httpServer     *http.Server
	handler        http.Handler
	tracerProvider *trace.TracerProvider
	meterProvider  *metric.MeterProvider

	mu      sync.Mutex
	running atomic.Bool
	wg      sync.WaitGroup
}

// New creates a new application instance
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	app := &Application{
		config:   cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := app.initializeObservability(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize observability: %w", err)
	}

	if err := app.initializeComponents(ctx); err != nil {
		app.closeAll()
		return nil, err
	}

	app.initializeHTTPServer()

	return app, nil
}

// Start starts the application
func (a *Application) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running.Load() {
		return fmt.Errorf("application is already running")
	}

	a.logger.Info("Starting attestation trust engine")

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.startHTTPServer()
	}()

	a.running.Store(true)
	a.logger.Info("Application started successfully")

	return nil
}

// Stop stops the application
func (a *Application) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running.Load() {
		a.closeAll()
		a.shutdownObservability(ctx)
		return nil
	}

	a.logger.Info("Stopping application")

	if a.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.WithError(err).Error("Failed to shutdown HTTP server")
		}
	}

	a.wg.Wait()
	a.closeAll()
	a.shutdownObservability(ctx)

	a.running.Store(false)
	a.logger.Info("Application stopped")

	return nil
}

// Handler returns the HTTP API.
func (a *Application) Handler() http.Handler {
	return a.handler
}

// Service returns the attestation service.
func (a *Application) Service() *attestation.Service {
	return a.service
}

// Dispatcher returns the outbound TLS policy dispatcher.
func (a *Application) Dispatcher() *tlspolicy.Dispatcher {
	return a.dispatcher
}

// Catalog returns the configured baseline catalog.
func (a *Application) Catalog() baseline.Store {
	return a.catalog
}

func (a *Application) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close component")
		}
	}
	a.closers = nil
}

// initializeObservability sets up tracing and metrics
func (a *Application) initializeObservability(ctx context.Context) error {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(a.config.Tracing.ServiceName),
			semconv.ServiceVersion(Version),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	if a.config.Tracing.Enabled {
		if err := a.initializeTracing(res); err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}

	if a.config.Metrics.Enabled {
		if err := a.initializeMetrics(res); err != nil {
			return fmt.Errorf("failed to initialize metrics: %w", err)
		}
	}

	return nil
}

// initializeTracing sets up OpenTelemetry tracing
func (a *Application) initializeTracing(res *resource.Resource) error {
	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(a.config.Tracing.Endpoint)))
	if err != nil {
		return fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	a.tracerProvider = trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(a.config.Tracing.SampleRate))),
	)
	otel.SetTracerProvider(a.tracerProvider)

	a.logger.WithField("endpoint", a.config.Tracing.Endpoint).Info("Tracing initialized")
	return nil
}

// initializeMetrics bridges OpenTelemetry instruments into the registry
// served on the metrics endpoint.
func (a *Application) initializeMetrics(res *resource.Resource) error {
	exporter, err := otelprom.New(otelprom.WithRegisterer(a.registry))
	if err != nil {
		return fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	a.meterProvider = metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(exporter),
	)
	otel.SetMeterProvider(a.meterProvider)

	a.logger.Info("Metrics initialized")
	return nil
}

// startHTTPServer starts the HTTP server
func (a *Application) startHTTPServer() {
	a.logger.WithField("address", a.httpServer.Addr).Info("Starting HTTP server")

	var err error
	if a.config.Server.TLS.Enabled {
		err = a.httpServer.ListenAndServeTLS(a.config.Server.TLS.CertFile, a.config.Server.TLS.KeyFile)
	} else {
		err = a.httpServer.ListenAndServe()
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.logger.WithError(err).Error("HTTP server failed")
	}
}

// shutdownObservability shuts down observability components
func (a *Application) shutdownObservability(ctx context.Context) {
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.WithError(err).Error("Failed to shutdown tracer provider")
		}
	}

	if a.meterProvider != nil {
		if err := a.meterProvider.Shutdown(ctx); err != nil {
			a.logger.WithError(err).Error("Failed to shutdown meter provider")
		}
	}
}
