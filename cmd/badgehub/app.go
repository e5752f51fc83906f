package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/badgehub/badgehub-core/internal/config"
	"github.com/badgehub/badgehub-core/internal/server"
	"github.com/badgehub/badgehub-core/internal/storage"
	"github.com/badgehub/badgehub-core/pkg/cache"
	"github.com/badgehub/badgehub-core/pkg/crypto"
	"github.com/badgehub/badgehub-core/pkg/issuance"
	"github.com/badgehub/badgehub-core/pkg/projector"
	"github.com/badgehub/badgehub-core/pkg/resolver"
	"github.com/badgehub/badgehub-core/pkg/revocation"
	"github.com/badgehub/badgehub-core/pkg/signing"
	"github.com/badgehub/badgehub-core/pkg/trust"
	"github.com/badgehub/badgehub-core/pkg/version"
)

// app is the wired set of services behind serve and import.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry

	store       *storage.Store
	cache       cache.Cache
	revocations revocation.Cache
	trust       trust.Store
	service     *issuance.Service
	resolver    *resolver.Resolver
	importer    *resolver.Importer
	health      map[string]server.HealthCheck

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		health:   make(map[string]server.HealthCheck),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	st, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN, logger.Named("storage"))
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, st.Close)
	a.health["database"] = st.Health

	if cfg.Redis.URL != "" {
		client, err := cache.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, err
		}
		rc := cache.NewRedisCache(client, cfg.Redis.TTL)
		a.cache = rc
		a.closers = append(a.closers, client.Close)
		a.health["redis"] = rc.Health
	} else {
		a.cache = cache.NewMemoryCache(cfg.Redis.TTL)
	}

	if cfg.Revocation.CachePath != "" {
		if a.revocations, err = revocation.NewFileCache(cfg.Revocation.CachePath); err != nil {
			a.Close()
			return nil, err
		}
	} else {
		a.revocations = revocation.NewMemoryCache()
	}

	ts, err := trust.NewFileStore(cfg.TrustDir)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open trust store: %w", err)
	}
	a.trust = ts

	signer, err := newSigner(cfg.Signing)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.service, err = issuance.NewService(issuance.Config{
		Store:       st,
		Projector:   projector.New(version.NewTable(), projector.NewLinks(cfg.BaseURL), st),
		Cache:       a.cache,
		Revocations: a.revocations,
		Extensions:  st,
		Signer:      signer,
		Trust:       ts,
		Metrics:     issuance.NewMetrics(a.registry),
		Logger:      logger.Named("issuance"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	var metrics *resolver.Metrics
	a.resolver, metrics = newResolver(cfg.Resolver, ts, a.revocations, a.registry, logger)
	a.importer = resolver.NewImporter(a.resolver, st,
		resolver.WithExtensionStore(st),
		resolver.WithWorkers(cfg.Resolver.Workers),
		resolver.WithImportMetrics(metrics),
		resolver.WithImportLogger(logger.Named("import")),
	)
	return a, nil
}

// newResolver builds the fetch and verification pipeline shared by verify and import.
func newResolver(rc config.ResolverConfig, ts trust.Store, revocations revocation.Cache, reg prometheus.Registerer, logger *zap.Logger) (*resolver.Resolver, *resolver.Metrics) {
	opts := resolver.DefaultFetcherOptions()
	opts.Timeout = rc.Timeout
	opts.MaxRetries = rc.MaxRetries
	opts.MaxBodyBytes = rc.MaxBodyBytes
	opts.AllowPrivateHosts = rc.AllowPrivateHosts
	opts.Logger = logger.Named("fetch")
	fetcher := resolver.NewHTTPFetcher(opts)

	metrics := resolver.NewMetrics(reg)
	r := resolver.New(fetcher,
		resolver.WithVerifier(crypto.NewVerifier(crypto.NewDefaultKeyFetcher(fetcher), ts)),
		resolver.WithRevocationCache(revocations),
		resolver.WithRevocationStaleness(rc.RevocationStaleAfter),
		resolver.WithMetrics(metrics),
		resolver.WithLogger(logger.Named("resolver")),
	)
	return r, metrics
}

func newSigner(sc config.SigningConfig) (signing.Signer, error) {
	switch {
	case sc.ServiceURL != "":
		return signing.NewClient(sc.ServiceURL, sc.APIKey), nil
	case sc.KeyFile != "":
		key, err := signing.LoadPrivateKey(sc.KeyFile)
		if err != nil {
			return nil, err
		}
		return signing.NewLocalSigner(key)
	}
	return nil, nil
}

// Close releases every opened resource.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
