package app

import (
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/enterprise/attestation-trust-engine/internal/attestation"
	"github.com/enterprise/attestation-trust-engine/internal/audit"
	"github.com/enterprise/attestation-trust-engine/internal/baseline"
	"github.com/enterprise/attestation-trust-engine/internal/config"
	"github.com/enterprise/attestation-trust-engine/internal/hostagent"
	"github.com/enterprise/attestation-trust-engine/internal/measurement"
	"github.com/enterprise/attestation-trust-engine/internal/policy"
	"github.com/enterprise/attestation-trust-engine/internal/tlspolicy"
)

// l1TTL caps how long the local tier of a tiered result cache holds an entry.
const l1TTL = 30 * time.Second

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// initializeComponents builds the attestation pipeline from the configuration.
func (a *Application) initializeComponents(ctx context.Context) error {
	catalog, closer, err := OpenCatalog(ctx, a.config, a.logger)
	if err != nil {
		return err
	}
	a.catalog = catalog
	a.closers = append(a.closers, closer)

	for _, path := range a.config.Catalog.Files {
		n, err := ImportBaselines(ctx, catalog, path, baseline.CoRIMOptions{}, a.logger)
		if err != nil {
			return fmt.Errorf("failed to seed catalog: %w", err)
		}
		a.logger.WithFields(logrus.Fields{"file": path, "records": n}).Info("Catalog seeded")
	}

	sink, err := a.buildAuditSink()
	if err != nil {
		return err
	}

	builderCfg := baseline.BuilderConfig{VerifyMLE: a.config.Attestation.VerifyMLE}
	if path := a.config.Attestation.AssetTagCAFile; path != "" {
		if builderCfg.TagAuthorities, err = loadCertificates(path); err != nil {
			return fmt.Errorf("failed to load asset tag authorities: %w", err)
		}
	}

	verdict, err := a.buildVerdict(ctx)
	if err != nil {
		return err
	}

	registry, err := BuildTLSRegistry(a.config.TLS, a.logger)
	if err != nil {
		return err
	}
	a.dispatcher = tlspolicy.NewDispatcher(registry, tlspolicy.NewMetrics(a.registry), a.logger)

	factory := hostagent.NewHTTPFactory(a.dispatcher, hostagent.HTTPFactoryConfig{
		RequestTimeout: a.config.Attestation.AgentTimeout,
		ConnectTimeout: a.config.Attestation.ConnectTimeout,
	}, a.logger)

	a.resolver, err = baseline.NewResolver(baseline.ResolverConfig{
		Catalog:   catalog,
		Hosts:     catalog,
		Source:    hostagent.NewCollector(factory, a.logger),
		Builder:   baseline.NewPolicyBuilder(builderCfg, a.logger),
		Verdict:   verdict,
		Sink:      sink,
		Metrics:   baseline.NewMetrics(a.registry),
		Logger:    a.logger,
		AutoRemap: a.config.Attestation.AutoRemap,
	})
	if err != nil {
		return fmt.Errorf("failed to create resolver: %w", err)
	}

	store, err := a.openResultStore(ctx)
	if err != nil {
		return err
	}
	metrics := attestation.NewMetrics(a.registry)
	cache := attestation.NewResultCache(attestation.ResultCacheConfig{
		Store:   store,
		TTL:     a.config.Attestation.CacheTTL,
		Metrics: metrics,
		Logger:  a.logger,
	})
	a.closers = append(a.closers, cache)

	a.service, err = attestation.NewService(attestation.ServiceConfig{
		Evaluator: a.resolver,
		Cache:     cache,
		Metrics:   metrics,
		Logger:    a.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create attestation service: %w", err)
	}

	return nil
}

// OpenCatalog opens the configured baseline catalog. The returned closer
// releases the backend connection.
func OpenCatalog(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (baseline.Store, io.Closer, error) {
	switch cfg.Catalog.Backend {
	case "redis":
		client := goredis.NewUniversalClient(&goredis.UniversalOptions{
			Addrs:    cfg.Redis.Addresses(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to catalog Redis: %w", err)
		}
		logger.WithField("addresses", cfg.Redis.Addresses()).Info("Using Redis catalog")
		return baseline.NewRedisStore(client, cfg.Catalog.Prefix), client, nil

	case "sql":
		store, err := baseline.OpenSQLStore(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Using SQL catalog")
		return store, store, nil

	default:
		logger.Info("Using in-memory catalog")
		return baseline.NewMemoryStore(), closerFunc(func() error { return nil }), nil
	}
}

// ImportBaselines loads path into w and returns the number of records
// written. Files ending in .cbor are read as unsigned CoRIM documents,
// anything else as a YAML catalog document.
func ImportBaselines(ctx context.Context, w baseline.Writer, path string, opts baseline.CoRIMOptions, logger *logrus.Logger) (int, error) {
	if strings.EqualFold(filepath.Ext(path), ".cbor") {
		data, err := os.ReadFile(path)
		if err != nil {
			return 0, fmt.Errorf("failed to read CoRIM file %s: %w", path, err)
		}
		if opts.Layer == "" {
			opts.Layer = baseline.LayerBIOS
		}
		baselines, err := baseline.ImportCoRIM(data, opts, logger)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", path, err)
		}
		for _, b := range baselines {
			if err := w.PutBaseline(ctx, b); err != nil {
				return 0, fmt.Errorf("failed to store baseline %s: %w", b, err)
			}
		}
		return len(baselines), nil
	}

	doc, err := baseline.LoadFile(path)
	if err != nil {
		return 0, err
	}
	if err := doc.Apply(ctx, w); err != nil {
		return 0, err
	}
	return len(doc.Baselines) + len(doc.Hosts), nil
}

// BuildTLSRegistry registers one policy per configured agent address.
func BuildTLSRegistry(cfg config.TLSPoliciesConfig, logger *logrus.Logger) (*tlspolicy.Registry, error) {
	registry := tlspolicy.NewRegistry(logger)
	for _, pc := range cfg.Policies {
		p, err := BuildTLSPolicy(pc)
		if err != nil {
			return nil, fmt.Errorf("tls policy for %s: %w", pc.Address, err)
		}
		if err := registry.Register(pc.Address, p); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// BuildTLSPolicy constructs the policy described by pc.
func BuildTLSPolicy(pc config.TLSPolicyConfig) (tlspolicy.Policy, error) {
	switch pc.Type {
	case tlspolicy.TypeCertificateDigest:
		p, err := tlspolicy.NewCertificateDigestPolicy(pc.Digests...)
		if err != nil {
			return nil, err
		}
		return p, nil

	case tlspolicy.TypeCertificateAuthority:
		certs, err := loadCertificates(pc.CAFile)
		if err != nil {
			return nil, err
		}
		p, err := tlspolicy.NewCertificateAuthorityPolicy(certs...)
		if err != nil {
			return nil, err
		}
		return p, nil

	case tlspolicy.TypeSPIFFE:
		certs, err := loadCertificates(pc.CAFile)
		if err != nil {
			return nil, err
		}
		p, err := tlspolicy.NewSPIFFEPolicy(pc.TrustDomain, certs, pc.SPIFFEID)
		if err != nil {
			return nil, err
		}
		return p, nil

	case tlspolicy.TypeInsecure:
		return tlspolicy.InsecurePolicy{}, nil

	default:
		return nil, fmt.Errorf("%w: unknown policy type %q", tlspolicy.ErrInvalidPolicy, pc.Type)
	}
}

func (a *Application) buildAuditSink() (audit.Sink, error) {
	var sinks []audit.Sink
	for _, name := range a.config.Audit.Sinks {
		switch name {
		case "log":
			sinks = append(sinks, audit.NewLogSink(a.logger))
		case "nats":
			pub, err := audit.NewNATSPublisher(audit.NATSConfig{
				URL:     a.config.NATS.URL,
				Stream:  a.config.NATS.StreamName,
				Subject: a.config.NATS.Subject,
				MaxAge:  a.config.NATS.MaxAge,
			}, a.logger)
			if err != nil {
				return nil, err
			}
			s := audit.NewEventSink(pub, a.config.Audit.Source)
			a.closers = append(a.closers, s)
			sinks = append(sinks, s)
		case "kafka":
			s := audit.NewEventSink(audit.NewKafkaPublisher(a.config.Kafka.Brokers, a.config.Kafka.Topic, a.logger), a.config.Audit.Source)
			a.closers = append(a.closers, s)
			sinks = append(sinks, s)
		}
	}

	switch len(sinks) {
	case 0:
		return audit.NewLogSink(a.logger), nil
	case 1:
		return sinks[0], nil
	default:
		return audit.NewMultiSink(a.logger, sinks...), nil
	}
}

func (a *Application) buildVerdict(ctx context.Context) (*policy.Verdict, error) {
	if path := a.config.Attestation.VerdictPolicy; path != "" {
		a.logger.WithField("file", path).Info("Loading verdict policy")
		return policy.NewVerdictFromFile(ctx, path)
	}
	return policy.NewVerdict(ctx, "")
}

func (a *Application) openResultStore(ctx context.Context) (attestation.Store, error) {
	redisStore := func() (*attestation.RedisStore, error) {
		return attestation.DialRedisStore(ctx, a.config.Redis.Addresses(), a.config.Redis.Password, a.config.Redis.DB, a.logger)
	}

	switch a.config.Attestation.CacheBackend {
	case "redis":
		return redisStore()
	case "tiered":
		l2, err := redisStore()
		if err != nil {
			return nil, err
		}
		return attestation.NewTieredStore(attestation.NewMemoryStore(time.Minute), l2, l1TTL, a.logger), nil
	default:
		return attestation.NewMemoryStore(time.Minute), nil
	}
}

func loadCertificates(path string) ([]*x509.Certificate, error) {
	if path == "" {
		return nil, fmt.Errorf("no certificate file configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	certs, err := measurement.DecodeCertificatesPEM(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return certs, nil
}
