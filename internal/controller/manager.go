package controller

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"k8s.io/client-go/kubernetes"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
	"sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/lexfrei/cloudflare-geo-pool-controller/internal/binder"
	"github.com/lexfrei/cloudflare-geo-pool-controller/internal/config"
	"github.com/lexfrei/cloudflare-geo-pool-controller/internal/identity"
	"github.com/lexfrei/cloudflare-geo-pool-controller/internal/lbapi"
	"github.com/lexfrei/cloudflare-geo-pool-controller/internal/metrics"
	"github.com/lexfrei/cloudflare-geo-pool-controller/internal/observation"
	"github.com/lexfrei/cloudflare-geo-pool-controller/internal/pool"
)

// Run initializes and starts the controller manager with the provided configuration.
// It blocks until the context is cancelled or an error occurs.
//
// The function performs the following steps:
//  1. Creates the Cloudflare API client with timeouts and retries
//  2. Auto-detects the account ID if not provided
//  3. Optionally checks that the hostname belongs to the zone
//  4. Initializes controller-runtime manager with metrics and health endpoints
//  5. Adds the ingress reconciliation loop as a manager runnable
//  6. Starts the manager and blocks until shutdown
//
//nolint:funlen,noinlineerr // controller setup requires multiple steps
func Run(ctx context.Context, cfg *config.Config) error {
	logger := log.FromContext(ctx).WithName("manager")
	logger.Info("initializing controller manager")

	collector := metrics.NewCollector(crmetrics.Registry)

	cfClient := lbapi.NewClient(lbapi.ClientOptions{
		APIToken:       cfg.APIToken,
		RequestTimeout: cfg.RequestTimeout,
		MaxRetries:     cfg.MaxRetries,
	})

	logger.Info("cloudflare client created")

	accountID, err := lbapi.ResolveAccountID(ctx, cfClient, cfg.AccountID)
	if err != nil {
		logger.Error(err, "failed to resolve account ID")

		return errors.Wrap(err, "failed to resolve account ID")
	}

	if cfg.AccountID == "" {
		logger.Info("auto-detected account ID", "accountID", accountID)
	}

	if cfg.ValidateZone {
		zoneName, zoneErr := lbapi.ValidateZone(ctx, cfClient, cfg.ZoneID, cfg.Hostname)
		if zoneErr != nil {
			return errors.Wrap(zoneErr, "zone validation failed")
		}

		logger.Info("zone validated", "zone", zoneName, "hostname", cfg.Hostname)
	}

	logger.Info("creating ctrl.Manager")

	mgrOptions := ctrl.Options{
		Metrics: server.Options{
			BindAddress: cfg.MetricsAddr,
		},
		HealthProbeBindAddress: cfg.HealthAddr,
	}

	if cfg.LeaderElect {
		mgrOptions.LeaderElection = true
		mgrOptions.LeaderElectionID = cfg.LeaderElectName
		mgrOptions.LeaderElectionNamespace = cfg.LeaderElectNS
		mgrOptions.LeaderElectionReleaseOnCancel = true

		logger.Info("leader election enabled",
			"id", cfg.LeaderElectName,
			"namespace", cfg.LeaderElectNS,
		)
	}

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), mgrOptions)
	if err != nil {
		return errors.Wrap(err, "failed to create manager")
	}

	clientset, err := kubernetes.NewForConfig(mgr.GetConfig())
	if err != nil {
		return errors.Wrap(err, "failed to create kubernetes clientset")
	}

	remote := lbapi.NewCloudflare(cfClient, accountID, cfg.ZoneID, collector)
	loop := NewLoopFromConfig(cfg, NewKubeEventSource(clientset), remote, remote, collector, slog.Default())

	if err := mgr.Add(loop); err != nil {
		return errors.Wrap(err, "failed to add reconciliation loop")
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return errors.Wrap(err, "failed to set up health check")
	}

	if err := mgr.AddReadyzCheck("readyz", loop.ReadyCheck); err != nil {
		return errors.Wrap(err, "failed to set up ready check")
	}

	logger.Info("starting manager",
		"hostname", cfg.Hostname,
		"multiGeo", cfg.MultiGeo,
		"geoLocation", string(cfg.GeoLocation),
		"labelSelector", cfg.LabelSelector,
	)

	if err := mgr.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start manager")
	}

	return nil
}

// NewLoopFromConfig assembles the classifier, pool coordinator and binder
// for cfg into a Loop reading from source.
func NewLoopFromConfig(
	cfg *config.Config,
	source EventSource,
	pools lbapi.PoolAPI,
	loadBalancers lbapi.LoadBalancerAPI,
	collector metrics.Collector,
	logger *slog.Logger,
) *Loop {
	resolver := identity.NewResolver(cfg.GeoLocations, cfg.PoolNameGeoSuffix)

	coordinator := pool.NewCoordinator(pools, resolver, pool.Options{
		OriginWeight: cfg.OriginWeight,
		Metrics:      collector,
		Logger:       logger,
	})

	lbBinder := binder.New(loadBalancers, binder.Settings{
		Hostname:       cfg.Hostname,
		Proxied:        cfg.Proxied,
		TTL:            cfg.TTL,
		SteeringPolicy: cfg.SteeringPolicy,
	}, collector, logger)

	classifier := observation.NewClassifier(cfg.GeoLocations, cfg.MultiGeo, cfg.GeoLocation)

	return NewLoop(source, classifier, coordinator, lbBinder, LoopOptions{
		LabelSelector:  cfg.LabelSelector,
		WatchTimeout:   cfg.WatchTimeout,
		ReconnectDelay: cfg.ReconnectDelay,
		EventTimeout:   cfg.EventTimeout,
		Metrics:        collector,
		Logger:         logger,
	})
}
