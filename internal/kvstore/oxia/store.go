package oxia

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	oxiaclient "github.com/oxia-db/oxia/oxia"

	"github.com/sluice-io/sluice/internal/kvstore"
)

// Config configures the Oxia-backed store.
type Config struct {
	// ServiceAddress is the Oxia service endpoint (e.g., "localhost:6648").
	ServiceAddress string

	// Namespace is the Oxia namespace to use (e.g., "sluice/cluster-1").
	// All keys are scoped to this namespace.
	Namespace string

	// RequestTimeout is the timeout for individual requests.
	// Default: 30 seconds.
	RequestTimeout time.Duration
}

// Store implements kvstore.Store using Oxia.
type Store struct {
	client oxiaclient.SyncClient
	config Config

	mu     sync.RWMutex
	closed bool
}

// New creates a new Oxia-backed store.
func New(_ context.Context, cfg Config) (*Store, error) {
	if cfg.ServiceAddress == "" {
		return nil, errors.New("oxia: service address is required")
	}
	if cfg.Namespace == "" {
		return nil, errors.New("oxia: namespace is required")
	}

	opts := []oxiaclient.ClientOption{
		oxiaclient.WithNamespace(cfg.Namespace),
	}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, oxiaclient.WithRequestTimeout(cfg.RequestTimeout))
	}

	client, err := oxiaclient.NewSyncClient(cfg.ServiceAddress, opts...)
	if err != nil {
		return nil, fmt.Errorf("oxia: failed to create client: %w", err)
	}

	return &Store{
		client: client,
		config: cfg,
	}, nil
}

// toStoreVersion converts Oxia's 0-based version to the substrate's
// 1-based version. Oxia versions start at 0, but the kvstore interface
// uses 0 to mean "key doesn't exist".
func toStoreVersion(oxiaVersion int64) kvstore.Version {
	return kvstore.Version(oxiaVersion + 1)
}

// toOxiaVersion converts a 1-based substrate version to Oxia's 0-based version.
func toOxiaVersion(v kvstore.Version) int64 {
	return int64(v - 1)
}

// Get retrieves a value by key.
func (s *Store) Get(ctx context.Context, key string) (kvstore.GetResult, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return kvstore.GetResult{}, kvstore.ErrStoreClosed
	}
	s.mu.RUnlock()

	_, value, version, err := s.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, oxiaclient.ErrKeyNotFound) {
			return kvstore.GetResult{Exists: false}, nil
		}
		return kvstore.GetResult{}, fmt.Errorf("oxia: get failed: %w", err)
	}

	return kvstore.GetResult{
		Value:   value,
		Version: toStoreVersion(version.VersionId),
		Exists:  true,
	}, nil
}

// Put stores a value with optional version checking.
func (s *Store) Put(ctx context.Context, key string, value []byte, opts ...kvstore.PutOption) (kvstore.Version, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return 0, kvstore.ErrStoreClosed
	}
	s.mu.RUnlock()

	expectedVersion := kvstore.ExtractExpectedVersion(opts)

	var oxiaOpts []oxiaclient.PutOption
	if expectedVersion != nil {
		if *expectedVersion == 0 {
			// Version 0 in the substrate means the key must not exist.
			oxiaOpts = append(oxiaOpts, oxiaclient.ExpectedRecordNotExists())
		} else {
			oxiaOpts = append(oxiaOpts, oxiaclient.ExpectedVersionId(toOxiaVersion(*expectedVersion)))
		}
	}

	_, version, err := s.client.Put(ctx, key, value, oxiaOpts...)
	if err != nil {
		if errors.Is(err, oxiaclient.ErrUnexpectedVersionId) {
			return 0, kvstore.ErrVersionMismatch
		}
		return 0, fmt.Errorf("oxia: put failed: %w", err)
	}

	return toStoreVersion(version.VersionId), nil
}

// Delete removes a key.
func (s *Store) Delete(ctx context.Context, key string, opts ...kvstore.DeleteOption) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return kvstore.ErrStoreClosed
	}
	s.mu.RUnlock()

	expectedVersion := kvstore.ExtractDeleteExpectedVersion(opts)

	var oxiaOpts []oxiaclient.DeleteOption
	if expectedVersion != nil {
		oxiaOpts = append(oxiaOpts, oxiaclient.ExpectedVersionId(toOxiaVersion(*expectedVersion)))
	}

	err := s.client.Delete(ctx, key, oxiaOpts...)
	if err != nil {
		if errors.Is(err, oxiaclient.ErrKeyNotFound) {
			// Delete is idempotent.
			return nil
		}
		if errors.Is(err, oxiaclient.ErrUnexpectedVersionId) {
			return kvstore.ErrVersionMismatch
		}
		return fmt.Errorf("oxia: delete failed: %w", err)
	}

	return nil
}

// List returns keys in the range [startKey, endKey) in lexicographic order.
func (s *Store) List(ctx context.Context, startKey, endKey string, limit int) ([]kvstore.KV, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, kvstore.ErrStoreClosed
	}
	s.mu.RUnlock()

	// If endKey is empty, treat startKey as a prefix. Oxia sorts keys
	// hierarchically, treating '/' specially: for a prefix ending in
	// '/', doubling the slash yields the end of that subtree. For other
	// prefixes, use prefixEnd.
	if endKey == "" {
		if len(startKey) > 0 && startKey[len(startKey)-1] == '/' {
			endKey = startKey + "/"
		} else {
			endKey = prefixEnd(startKey)
		}
	}

	results := s.client.RangeScan(ctx, startKey, endKey)

	var kvs []kvstore.KV
	for result := range results {
		if result.Err != nil {
			return nil, fmt.Errorf("oxia: list failed: %w", result.Err)
		}

		kvs = append(kvs, kvstore.KV{
			Key:     result.Key,
			Value:   result.Value,
			Version: toStoreVersion(result.Version.VersionId),
		})

		if limit > 0 && len(kvs) >= limit {
			go drainRangeScan(results)
			return kvs, nil
		}
	}

	return kvs, nil
}

// Notifications returns a stream of change notifications.
func (s *Store) Notifications(ctx context.Context) (kvstore.NotificationStream, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, kvstore.ErrStoreClosed
	}
	s.mu.RUnlock()

	oxiaNotifications, err := s.client.GetNotifications()
	if err != nil {
		return nil, fmt.Errorf("oxia: failed to get notifications: %w", err)
	}

	return &notificationStream{
		notifications: oxiaNotifications,
		ctx:           ctx,
	}, nil
}

// Close releases resources held by the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.client.Close()
}

// prefixEnd returns the key that is lexicographically greater than all
// keys with the given prefix.
func prefixEnd(prefix string) string {
	if prefix == "" {
		return ""
	}

	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xFF {
			b[i]++
			return string(b[:i+1])
		}
	}

	// All bytes are 0xFF, no end key possible.
	return ""
}

func drainRangeScan(results <-chan oxiaclient.GetResult) {
	for range results {
	}
}

// Ensure Store implements kvstore.Store.
var _ kvstore.Store = (*Store)(nil)
