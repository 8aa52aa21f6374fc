// Package registry implements controller instance registration and
// discovery.
//
// Each controller process registers itself in the substrate under
//
//	/sluice/v1/controllers/<controllerId>
//
// and refreshes the record on a heartbeat interval. The substrate has
// no session-scoped keys, so liveness is a lease: a record whose last
// heartbeat is older than the lease TTL is considered dead and its key
// may be claimed by a restarting instance with the same id. Peers use
// the live set to tell failed transaction-owning hosts from running
// ones when sweeping the host index.
//
// The registration value is a JSON object:
//
//	{
//	  "controllerId": "ctrl-1",
//	  "listenAddr": "10.0.0.1:10080",
//	  "startedAt": 1703721600000,
//	  "lastHeartbeat": 1703721660000,
//	  "build": {
//	    "version": "0.1.0",
//	    "gitCommit": "abc123",
//	    "buildTime": "2024-01-01T00:00:00Z"
//	  }
//	}
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sluice-io/sluice/internal/keys"
	"github.com/sluice-io/sluice/internal/kvstore"
	"github.com/sluice-io/sluice/internal/logging"
)

// Default heartbeat cadence. The lease is three missed heartbeats.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultLeaseTTL          = 15 * time.Second
)

// Common errors returned by Registry operations.
var (
	// ErrAlreadyRegistered is returned when another live instance holds
	// the registration key for this controller id.
	ErrAlreadyRegistered = errors.New("registry: controller already registered")

	// ErrNotRegistered is returned by Heartbeat when the registry has no
	// active registration.
	ErrNotRegistered = errors.New("registry: controller not registered")

	// ErrRegistrationLost is returned when the registration key was
	// overwritten by another instance. The local registration is dropped.
	ErrRegistrationLost = errors.New("registry: controller registration lost")
)

// ControllerInfo holds information about a registered controller instance.
type ControllerInfo struct {
	// ControllerID is the unique identifier for this controller.
	ControllerID string `json:"controllerId"`

	// ListenAddr is the address the controller's API listener is bound to.
	ListenAddr string `json:"listenAddr"`

	// StartedAt is the Unix timestamp (milliseconds) when the controller started.
	StartedAt int64 `json:"startedAt"`

	// LastHeartbeat is the Unix timestamp (milliseconds) of the most
	// recent heartbeat. A record is live while now-LastHeartbeat is
	// within the lease TTL.
	LastHeartbeat int64 `json:"lastHeartbeat"`

	// Build contains version and build metadata.
	Build BuildInfo `json:"build"`
}

// BuildInfo contains controller version and build metadata.
type BuildInfo struct {
	// Version is the Sluice version string.
	Version string `json:"version"`

	// GitCommit is the git commit hash at build time.
	GitCommit string `json:"gitCommit"`

	// BuildTime is when the binary was built.
	BuildTime string `json:"buildTime"`
}

// Config configures the controller registry.
type Config struct {
	// ControllerID is the unique identifier for this controller.
	ControllerID string

	// ListenAddr is the address advertised in the registration record.
	ListenAddr string

	// Build contains version and build metadata.
	Build BuildInfo

	// HeartbeatInterval is how often the registration record is
	// refreshed. Defaults to DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration

	// LeaseTTL is how long a record stays live after its last heartbeat.
	// Defaults to DefaultLeaseTTL.
	LeaseTTL time.Duration

	// OnHeartbeat, when set, is called after every successful lease
	// refresh. The controller feeds its liveness reporting with it.
	OnHeartbeat func()

	// Logger for registration events.
	Logger *logging.Logger
}

// Registry manages controller registration and discovery.
//
// Register writes the registration record and starts a background
// heartbeat; Deregister stops the heartbeat and removes the record.
// Every write is guarded by the record version observed at
// registration, so two instances fighting over one controller id
// resolve through ErrRegistrationLost rather than silent overwrites.
type Registry struct {
	store  kvstore.Store
	config Config
	logger *logging.Logger

	mu         sync.RWMutex
	registered bool
	startedAt  int64
	lastBeat   int64
	version    kvstore.Version
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// NewRegistry creates a new controller registry.
func NewRegistry(store kvstore.Store, config Config) *Registry {
	logger := config.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = DefaultLeaseTTL
	}

	return &Registry{
		store:     store,
		config:    config,
		logger:    logger,
		startedAt: time.Now().UnixMilli(),
	}
}

// Register writes this controller's registration record and starts the
// heartbeat loop. A live record under the same id fails with
// ErrAlreadyRegistered; a record whose lease has lapsed is claimed,
// which is how a restart after a crash re-registers under a fixed id.
// Registering twice is a no-op.
func (r *Registry) Register(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.registered {
		return nil
	}

	now := time.Now().UnixMilli()
	info := ControllerInfo{
		ControllerID:  r.config.ControllerID,
		ListenAddr:    r.config.ListenAddr,
		StartedAt:     r.startedAt,
		LastHeartbeat: now,
		Build:         r.config.Build,
	}

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal controller info: %w", err)
	}

	key := keys.ControllerKeyPath(r.config.ControllerID)

	version, err := r.store.Put(ctx, key, data, kvstore.WithExpectedVersion(0))
	if errors.Is(err, kvstore.ErrVersionMismatch) {
		version, err = r.claimExisting(ctx, key, data)
	}
	if err != nil {
		if errors.Is(err, ErrAlreadyRegistered) {
			return err
		}
		return fmt.Errorf("failed to register controller: %w", err)
	}

	r.version = version
	r.lastBeat = now
	r.registered = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.heartbeatLoop(r.stopCh, r.doneCh)

	r.logger.Infof("controller registered", map[string]any{
		"controllerId": r.config.ControllerID,
		"addr":         r.config.ListenAddr,
		"key":          key,
	})

	return nil
}

// claimExisting claims a registration key left behind by a previous
// owner. The claim is conditional on the version observed here, so of
// two instances racing for a lapsed record exactly one wins.
func (r *Registry) claimExisting(ctx context.Context, key string, data []byte) (kvstore.Version, error) {
	result, err := r.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !result.Exists {
		// Deleted between the failed create and this read.
		return r.store.Put(ctx, key, data, kvstore.WithExpectedVersion(0))
	}

	var existing ControllerInfo
	if err := json.Unmarshal(result.Value, &existing); err == nil && r.live(existing, time.Now().UnixMilli()) {
		return 0, fmt.Errorf("%w: %s", ErrAlreadyRegistered, r.config.ControllerID)
	}

	version, err := r.store.Put(ctx, key, data, kvstore.WithExpectedVersion(result.Version))
	if errors.Is(err, kvstore.ErrVersionMismatch) {
		return 0, fmt.Errorf("%w: %s", ErrAlreadyRegistered, r.config.ControllerID)
	}
	return version, err
}

// Heartbeat refreshes the registration record's lease. Returns
// ErrRegistrationLost and drops the local registration if the record
// was overwritten by another instance.
func (r *Registry) Heartbeat(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.registered {
		return ErrNotRegistered
	}

	now := time.Now().UnixMilli()
	info := ControllerInfo{
		ControllerID:  r.config.ControllerID,
		ListenAddr:    r.config.ListenAddr,
		StartedAt:     r.startedAt,
		LastHeartbeat: now,
		Build:         r.config.Build,
	}

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal controller info: %w", err)
	}

	key := keys.ControllerKeyPath(r.config.ControllerID)

	version, err := r.store.Put(ctx, key, data, kvstore.WithExpectedVersion(r.version))
	if errors.Is(err, kvstore.ErrVersionMismatch) {
		r.registered = false
		return fmt.Errorf("%w: %s", ErrRegistrationLost, r.config.ControllerID)
	}
	if err != nil {
		return fmt.Errorf("failed to refresh controller heartbeat: %w", err)
	}

	r.version = version
	r.lastBeat = now
	return nil
}

// heartbeatLoop refreshes the lease until the registration is stopped
// or lost. Transient substrate errors are retried on the next tick.
func (r *Registry) heartbeatLoop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(r.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.config.HeartbeatInterval)
			err := r.Heartbeat(ctx)
			cancel()

			switch {
			case err == nil:
				if r.config.OnHeartbeat != nil {
					r.config.OnHeartbeat()
				}
			case errors.Is(err, ErrRegistrationLost),
				errors.Is(err, ErrNotRegistered),
				errors.Is(err, kvstore.ErrStoreClosed):
				r.logger.Warnf("controller heartbeat stopped", map[string]any{
					"controllerId": r.config.ControllerID,
					"error":        err.Error(),
				})
				return
			default:
				r.logger.Warnf("controller heartbeat failed", map[string]any{
					"controllerId": r.config.ControllerID,
					"error":        err.Error(),
				})
			}
		}
	}
}

// Deregister stops the heartbeat loop and removes the registration
// record. Calling it when not registered is a no-op. The delete is
// guarded by the registration version: a record that was already taken
// over by another instance is left alone.
func (r *Registry) Deregister(ctx context.Context) error {
	r.mu.Lock()
	if !r.registered {
		r.mu.Unlock()
		return nil
	}
	stopCh, doneCh := r.stopCh, r.doneCh
	r.stopCh, r.doneCh = nil, nil
	r.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-doneCh
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.registered {
		// The last heartbeat lost the key while we were stopping.
		return nil
	}

	key := keys.ControllerKeyPath(r.config.ControllerID)

	err := r.store.Delete(ctx, key, kvstore.WithDeleteExpectedVersion(r.version))
	if errors.Is(err, kvstore.ErrVersionMismatch) {
		r.registered = false
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to deregister controller: %w", err)
	}

	r.registered = false
	r.logger.Infof("controller deregistered", map[string]any{
		"controllerId": r.config.ControllerID,
		"key":          key,
	})

	return nil
}

// ListControllers returns all registered controller instances. If
// liveOnly is true, instances whose lease has lapsed are filtered out.
func (r *Registry) ListControllers(ctx context.Context, liveOnly bool) ([]ControllerInfo, error) {
	kvs, err := r.store.List(ctx, keys.ControllersListPrefix(), "", 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list controllers: %w", err)
	}

	now := time.Now().UnixMilli()

	var controllers []ControllerInfo
	for _, kv := range kvs {
		var info ControllerInfo
		if err := json.Unmarshal(kv.Value, &info); err != nil {
			r.logger.Warnf("failed to unmarshal controller info", map[string]any{
				"key":   kv.Key,
				"error": err.Error(),
			})
			continue
		}

		if liveOnly && !r.live(info, now) {
			continue
		}

		controllers = append(controllers, info)
	}

	return controllers, nil
}

// GetController retrieves the registration record for a specific
// controller instance.
func (r *Registry) GetController(ctx context.Context, controllerID string) (ControllerInfo, bool, error) {
	key := keys.ControllerKeyPath(controllerID)

	result, err := r.store.Get(ctx, key)
	if err != nil {
		return ControllerInfo{}, false, fmt.Errorf("failed to get controller: %w", err)
	}

	if !result.Exists {
		return ControllerInfo{}, false, nil
	}

	var info ControllerInfo
	if err := json.Unmarshal(result.Value, &info); err != nil {
		return ControllerInfo{}, false, fmt.Errorf("failed to unmarshal controller info: %w", err)
	}

	return info, true, nil
}

// IsRegistered returns whether this controller is currently registered.
func (r *Registry) IsRegistered() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.registered
}

// Live reports whether a controller record's lease is still current.
func (r *Registry) Live(info ControllerInfo) bool {
	return r.live(info, time.Now().UnixMilli())
}

func (r *Registry) live(info ControllerInfo, nowMillis int64) bool {
	return nowMillis-info.LastHeartbeat <= r.config.LeaseTTL.Milliseconds()
}

// Info returns the local controller's registration record as last
// written.
func (r *Registry) Info() ControllerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return ControllerInfo{
		ControllerID:  r.config.ControllerID,
		ListenAddr:    r.config.ListenAddr,
		StartedAt:     r.startedAt,
		LastHeartbeat: r.lastBeat,
		Build:         r.config.Build,
	}
}

// LocalControllerID returns this controller's id.
func (r *Registry) LocalControllerID() string {
	return r.config.ControllerID
}
