package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sluice-io/sluice/internal/config"
	"github.com/sluice-io/sluice/internal/kvstore"
	"github.com/sluice-io/sluice/internal/kvstore/oxia"
	"github.com/sluice-io/sluice/internal/logging"
	"github.com/sluice-io/sluice/internal/metrics"
	"github.com/sluice-io/sluice/internal/registry"
	"github.com/sluice-io/sluice/internal/server"
	"github.com/sluice-io/sluice/internal/stream"
)

// bucketScanInterval paces the periodic sweep over retention bucket
// membership. It must stay under the health server's 30s goroutine
// staleness window.
const bucketScanInterval = 10 * time.Second

// ControllerOptions contains the configuration for creating a controller.
type ControllerOptions struct {
	Config       *config.Config
	Logger       *logging.Logger
	ControllerID string
	Version      string
	GitCommit    string
	BuildTime    string
}

// Controller represents a running Sluice controller instance. It owns
// the substrate connection, the stream metadata store built on top of
// it, and the HTTP operational surface.
type Controller struct {
	opts          ControllerOptions
	logger        *logging.Logger
	kv            kvstore.Store
	store         *stream.Store
	registry      *registry.Registry
	healthServer  *server.HealthServer
	metricsServer *metrics.Server

	mu       sync.Mutex
	started  bool
	stopping bool
	// readyCh closes when setup has finished assigning components, so
	// Shutdown can snapshot them without racing Start.
	readyCh   chan struct{}
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// Controller metrics live in the default Prometheus registry, which
// panics on duplicate registration. Creating them once per process lets
// tests start and stop more than one controller.
var (
	controllerMetricsOnce sync.Once
	substrateMetrics      *metrics.SubstrateMetrics
	storeMetrics          *metrics.StoreMetrics
)

func controllerMetrics() (*metrics.SubstrateMetrics, *metrics.StoreMetrics) {
	controllerMetricsOnce.Do(func() {
		substrateMetrics = metrics.NewSubstrateMetrics()
		storeMetrics = metrics.NewStoreMetrics()
	})
	return substrateMetrics, storeMetrics
}

// NewController creates a new Controller instance but does not start it.
func NewController(opts ControllerOptions) (*Controller, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}

	c := &Controller{
		opts:      opts,
		logger:    opts.Logger,
		readyCh:   make(chan struct{}),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}

	return c, nil
}

// Start initializes all controller components and blocks until
// Shutdown is called.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("controller already started")
	}
	c.started = true
	c.mu.Unlock()

	err := c.setup(ctx)
	close(c.readyCh)
	if err != nil {
		close(c.stoppedCh)
		return err
	}

	c.logger.Info("controller started")

	// Block until stopped
	<-c.stopCh
	close(c.stoppedCh)

	return nil
}

// setup builds and starts every controller component. Assignments to
// the component fields happen under the lock; readers go through the
// accessors or Shutdown's snapshot.
func (c *Controller) setup(ctx context.Context) error {
	cfg := c.opts.Config

	c.logger.Infof("starting controller", map[string]any{
		"controllerId": c.opts.ControllerID,
		"listenAddr":   cfg.Controller.ListenAddr,
		"version":      c.opts.Version,
	})

	// Connect to the substrate
	substrateRecorder, storeRecorder := controllerMetrics()

	var raw kvstore.Store
	if cfg.Substrate.OxiaEndpoint != "" {
		oxiaStore, err := oxia.New(ctx, oxia.Config{
			ServiceAddress: cfg.Substrate.OxiaEndpoint,
			Namespace:      cfg.Substrate.Namespace,
			RequestTimeout: cfg.Substrate.RequestTimeout(),
		})
		if err != nil {
			return fmt.Errorf("failed to connect to Oxia at %s: %w", cfg.Substrate.OxiaEndpoint, err)
		}
		raw = oxiaStore
	} else {
		// Fall back to an in-memory store when no Oxia endpoint is
		// configured. Useful for local testing; metadata does not
		// survive a restart.
		c.logger.Warn("no substrate endpoint configured, using in-memory store")
		raw = kvstore.NewMockStore()
	}
	kv := kvstore.NewInstrumentedStore(raw, substrateRecorder)

	// Build the stream metadata store
	store := stream.NewStore(kv, stream.Options{
		BucketCount: cfg.Store.BucketCount,
		Events:      storeRecorder,
	})

	c.mu.Lock()
	c.kv = kv
	c.store = store
	c.mu.Unlock()

	// Start the health server with metrics endpoint
	healthServer := server.NewHealthServer(cfg.Controller.ListenAddr, c.logger)
	healthServer.RegisterHandler("/metrics", promhttp.Handler())
	healthServer.RegisterReadinessCheck(server.NewSubstrateChecker(kv))
	c.mu.Lock()
	c.healthServer = healthServer
	c.mu.Unlock()
	if err := healthServer.Start(); err != nil {
		return fmt.Errorf("failed to start health server: %w", err)
	}
	c.logger.Infof("health server started", map[string]any{
		"addr": healthServer.Addr(),
	})

	// The health listener already serves /metrics. A dedicated metrics
	// listener is only bound when it differs, so scrapes can be kept
	// off the health address.
	if addr := cfg.Observability.MetricsAddr; addr != "" && addr != cfg.Controller.ListenAddr {
		metricsServer := metrics.NewServer(addr)
		c.mu.Lock()
		c.metricsServer = metricsServer
		c.mu.Unlock()
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		c.logger.Infof("metrics server started", map[string]any{
			"addr": metricsServer.Addr(),
		})
	}

	// Create the instance registry. Every successful lease refresh
	// ticks the heartbeat goroutine's liveness.
	reg := registry.NewRegistry(kv, registry.Config{
		ControllerID: c.opts.ControllerID,
		ListenAddr:   cfg.Controller.ListenAddr,
		Build: registry.BuildInfo{
			Version:   c.opts.Version,
			GitCommit: c.opts.GitCommit,
			BuildTime: c.opts.BuildTime,
		},
		OnHeartbeat: func() {
			healthServer.UpdateGoroutine("registry-heartbeat")
		},
		Logger: c.logger,
	})
	c.mu.Lock()
	c.registry = reg
	c.mu.Unlock()

	// Register this instance so peers and admin tooling can discover it
	if err := reg.Register(ctx); err != nil {
		c.logger.Warnf("failed to register controller (substrate may not be available)", map[string]any{
			"error": err.Error(),
		})
		// Continue anyway - the controller can still serve requests
	} else {
		healthServer.RegisterGoroutine("registry-heartbeat")
	}

	// The first listener registration starts the store's substrate
	// watcher; membership changes from any process arrive through it.
	for b := 0; b < store.BucketCount(); b++ {
		if _, err := store.RegisterBucketChangeListener(ctx, b, c.onBucketChange); err != nil {
			c.logger.Warnf("failed to watch retention buckets (substrate may not be available)", map[string]any{
				"bucket": b,
				"error":  err.Error(),
			})
			break
		}
	}
	healthServer.RegisterGoroutine("bucket-watcher")
	go c.runBucketWatch(ctx, store, healthServer)

	return nil
}

// onBucketChange is the controller's retention bucket listener. It runs
// on the store's watcher goroutine and must not block.
func (c *Controller) onBucketChange(n stream.BucketNotification) {
	c.logger.Debugf("bucket membership changed", map[string]any{
		"bucket": n.Bucket,
		"scope":  n.Scope,
		"stream": n.Stream,
		"kind":   string(n.Kind),
	})
}

// runBucketWatch sweeps retention bucket membership on a fixed cadence
// and reports the watcher's liveness.
func (c *Controller) runBucketWatch(ctx context.Context, store *stream.Store, health *server.HealthServer) {
	ticker := time.NewTicker(bucketScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			health.UpdateGoroutine("bucket-watcher")
			c.scanBuckets(ctx, store)
		}
	}
}

func (c *Controller) scanBuckets(ctx context.Context, store *stream.Store) {
	total := 0
	for b := 0; b < store.BucketCount(); b++ {
		streams, err := store.GetStreamsForBucket(ctx, b)
		if err != nil {
			c.logger.Warnf("bucket sweep failed", map[string]any{
				"bucket": b,
				"error":  err.Error(),
			})
			return
		}
		total += len(streams)
	}
	c.logger.Debugf("bucket sweep complete", map[string]any{
		"buckets": store.BucketCount(),
		"streams": total,
	})
}

// Store returns the stream metadata store. Nil before Start.
func (c *Controller) Store() *stream.Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store
}

// Registry returns the controller instance registry. Nil before Start.
func (c *Controller) Registry() *registry.Registry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry
}

// HealthAddr returns the bound address of the health server. Empty
// before Start.
func (c *Controller) HealthAddr() string {
	c.mu.Lock()
	hs := c.healthServer
	c.mu.Unlock()
	if hs == nil {
		return ""
	}
	return hs.Addr()
}

// Shutdown gracefully stops the controller. Repeated calls and calls
// before Start are no-ops.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if !c.started || c.stopping {
		c.mu.Unlock()
		return nil
	}
	c.stopping = true
	c.mu.Unlock()

	c.logger.Info("shutting down controller")

	// Wait for setup to finish so the snapshot below sees every
	// component, including ones assigned after this call began.
	select {
	case <-c.readyCh:
	case <-ctx.Done():
		c.logger.Warn("shutdown context cancelled waiting for startup")
	}

	c.mu.Lock()
	healthServer := c.healthServer
	metricsServer := c.metricsServer
	reg := c.registry
	store := c.store
	kv := c.kv
	c.mu.Unlock()

	// Mark health server as shutting down so readiness flips first
	if healthServer != nil {
		healthServer.SetShuttingDown()
	}

	// Deregister from the instance registry
	if reg != nil {
		if err := reg.Deregister(ctx); err != nil {
			c.logger.Warnf("failed to deregister controller", map[string]any{
				"error": err.Error(),
			})
		}
	}

	// Unblock Start
	close(c.stopCh)
	select {
	case <-c.stoppedCh:
	case <-ctx.Done():
		c.logger.Warn("shutdown context cancelled, forcing stop")
	}

	// The background loops are stopped; drop them from liveness before
	// the health server closes.
	if healthServer != nil {
		healthServer.UnregisterGoroutine("registry-heartbeat")
		healthServer.UnregisterGoroutine("bucket-watcher")
	}

	// Close metrics server
	if metricsServer != nil {
		if err := metricsServer.Close(); err != nil {
			c.logger.Warnf("error closing metrics server", map[string]any{
				"error": err.Error(),
			})
		}
	}

	// Close health server
	if healthServer != nil {
		if err := healthServer.Close(); err != nil {
			c.logger.Warnf("error closing health server", map[string]any{
				"error": err.Error(),
			})
		}
	}

	// Stop the store's background work, then close the substrate
	if store != nil {
		if err := store.Close(); err != nil {
			c.logger.Warnf("error closing stream store", map[string]any{
				"error": err.Error(),
			})
		}
	}
	if kv != nil {
		if err := kv.Close(); err != nil {
			c.logger.Warnf("error closing substrate", map[string]any{
				"error": err.Error(),
			})
		}
	}

	c.logger.Info("controller shutdown complete")
	return nil
}
