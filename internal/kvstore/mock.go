package kvstore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// MockStore implements Store in memory for tests in this and other
// packages. Unlike a bare map it assigns real versions and enforces
// the same conditional-write semantics as the Oxia backend, and it
// emits a Notification for every committed write or delete so
// listener paths can be exercised without a server.
type MockStore struct {
	mu       sync.RWMutex
	data     map[string]KV
	closed   bool
	nextVer  Version
	notifyCh chan Notification
	closeErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		data:     make(map[string]KV),
		nextVer:  1,
		notifyCh: make(chan Notification, 256),
	}
}

func (m *MockStore) Get(_ context.Context, key string) (GetResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return GetResult{}, ErrStoreClosed
	}
	kv, ok := m.data[key]
	if !ok {
		return GetResult{Exists: false}, nil
	}
	return GetResult{Value: kv.Value, Version: kv.Version, Exists: true}, nil
}

func (m *MockStore) Put(_ context.Context, key string, value []byte, opts ...PutOption) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}

	var o putOptions
	for _, opt := range opts {
		opt(&o)
	}

	if o.expectedVersion != nil {
		existing, ok := m.data[key]
		if !ok && *o.expectedVersion != 0 {
			return 0, ErrVersionMismatch
		}
		if ok && existing.Version != *o.expectedVersion {
			return 0, ErrVersionMismatch
		}
	}

	ver := m.nextVer
	m.nextVer++
	m.data[key] = KV{Key: key, Value: value, Version: ver}
	m.notify(Notification{Key: key, Version: ver})
	return ver, nil
}

func (m *MockStore) Delete(_ context.Context, key string, opts ...DeleteOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	var o deleteOptions
	for _, opt := range opts {
		opt(&o)
	}

	existing, ok := m.data[key]
	if !ok {
		return nil // idempotent delete
	}
	if o.expectedVersion != nil && existing.Version != *o.expectedVersion {
		return ErrVersionMismatch
	}

	delete(m.data, key)
	m.notify(Notification{Key: key, Version: 0, Deleted: true})
	return nil
}

func (m *MockStore) List(_ context.Context, startKey, endKey string, limit int) ([]KV, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	var keys []string
	for k := range m.data {
		if endKey == "" {
			// Empty endKey treats startKey as a prefix.
			if strings.HasPrefix(k, startKey) {
				keys = append(keys, k)
			}
		} else {
			if k >= startKey && k < endKey {
				keys = append(keys, k)
			}
		}
	}

	sort.Strings(keys)

	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	result := make([]KV, len(keys))
	for i, k := range keys {
		result[i] = m.data[k]
	}
	return result, nil
}

func (m *MockStore) Notifications(_ context.Context) (NotificationStream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	return &mockNotificationStream{ch: m.notifyCh}, nil
}

func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	close(m.notifyCh)
	return m.closeErr
}

// notify is called with m.mu held. Drops the event if no consumer has
// drained the buffer; tests that assert on notifications must read the
// stream promptly.
func (m *MockStore) notify(n Notification) {
	select {
	case m.notifyCh <- n:
	default:
	}
}

type mockNotificationStream struct {
	ch     chan Notification
	mu     sync.Mutex
	closed bool
}

func (s *mockNotificationStream) Next(ctx context.Context) (Notification, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Notification{}, errors.New("kvstore: notification stream closed")
	}
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return Notification{}, ctx.Err()
	case n, ok := <-s.ch:
		if !ok {
			return Notification{}, ErrStoreClosed
		}
		return n, nil
	}
}

func (s *mockNotificationStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Ensure MockStore implements Store.
var _ Store = (*MockStore)(nil)
