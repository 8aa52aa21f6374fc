package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/sluice-io/sluice/internal/keys"
	"github.com/sluice-io/sluice/internal/kvstore"
)

// BucketForStream maps a stream to its retention bucket.
func BucketForStream(bucketCount int, scope, stream string) int {
	h := fnv.New64a()
	h.Write([]byte(scope))
	h.Write([]byte("/"))
	h.Write([]byte(stream))
	return int(h.Sum64() % uint64(bucketCount))
}

// BucketCount returns how many retention buckets the store hashes
// streams across.
func (s *Store) BucketCount() int {
	return s.buckets
}

// BucketNotificationKind says what happened to a bucket member.
type BucketNotificationKind string

// Bucket membership change kinds.
const (
	StreamAdded   BucketNotificationKind = "added"
	StreamRemoved BucketNotificationKind = "removed"
)

// BucketNotification describes one bucket membership change.
type BucketNotification struct {
	Bucket int
	Scope  string
	Stream string
	Kind   BucketNotificationKind
}

// BucketListener receives bucket membership changes. Listeners are
// called from the store's watcher goroutine and must not block.
type BucketListener func(BucketNotification)

// AddUpdateStreamForAutoStreamCut enrolls a stream in its retention
// bucket, storing the retention policy as the membership value.
// Enrolling an already-enrolled stream updates the policy.
func (s *Store) AddUpdateStreamForAutoStreamCut(ctx context.Context, scope, stream string, policy RetentionPolicy) error {
	data, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("stream: marshal retention policy: %w", err)
	}
	bucket := BucketForStream(s.buckets, scope, stream)
	if _, err := s.kv.Put(ctx, keys.BucketStreamKeyPath(bucket, scope, stream), data); err != nil {
		return fmt.Errorf("stream: put bucket membership: %w", err)
	}
	return nil
}

// RemoveStreamFromAutoStreamCut removes a stream from its retention
// bucket. Removing a stream that is not enrolled is a no-op.
func (s *Store) RemoveStreamFromAutoStreamCut(ctx context.Context, scope, stream string) error {
	bucket := BucketForStream(s.buckets, scope, stream)
	if err := s.kv.Delete(ctx, keys.BucketStreamKeyPath(bucket, scope, stream)); err != nil {
		return fmt.Errorf("stream: delete bucket membership: %w", err)
	}
	return nil
}

// GetStreamsForBucket returns the members of a bucket as
// "scope/stream" names, in lexicographic order.
func (s *Store) GetStreamsForBucket(ctx context.Context, bucket int) ([]string, error) {
	kvs, err := s.kv.List(ctx, keys.BucketPrefix(bucket), "", 0)
	if err != nil {
		return nil, fmt.Errorf("stream: list bucket members: %w", err)
	}

	streams := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		_, scope, stream, err := keys.ParseBucketStreamKey(kv.Key)
		if err != nil {
			continue
		}
		streams = append(streams, scope+"/"+stream)
	}
	return streams, nil
}

// RegisterBucketChangeListener attaches a listener to one bucket. The
// first registration subscribes the store to the substrate's
// notification stream, so changes made by any process are delivered.
// The returned id unregisters the listener.
func (s *Store) RegisterBucketChangeListener(ctx context.Context, bucket int, listener BucketListener) (int, error) {
	if bucket < 0 || bucket >= s.buckets {
		return 0, fmt.Errorf("stream: bucket %d out of range: %w", bucket, ErrIllegalArgument)
	}
	if err := s.ensureBucketWatcher(ctx); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextListener++
	id := s.nextListener
	if s.listeners[bucket] == nil {
		s.listeners[bucket] = make(map[int]BucketListener)
	}
	s.listeners[bucket][id] = listener
	return id, nil
}

// UnregisterBucketChangeListener detaches a previously registered
// listener. Unknown ids are ignored.
func (s *Store) UnregisterBucketChangeListener(bucket, id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fns, ok := s.listeners[bucket]; ok {
		delete(fns, id)
		if len(fns) == 0 {
			delete(s.listeners, bucket)
		}
	}
}

// ensureBucketWatcher starts the notification watcher if it is not
// already running. The watcher lives until Close.
func (s *Store) ensureBucketWatcher(ctx context.Context) error {
	s.mu.Lock()
	running := s.watchCancel != nil
	s.mu.Unlock()
	if running {
		return nil
	}

	notifications, err := s.kv.Notifications(ctx)
	if err != nil {
		return fmt.Errorf("stream: subscribe to notifications: %w", err)
	}

	s.mu.Lock()
	if s.watchCancel != nil {
		// Another Register won the race; this subscription is surplus.
		s.mu.Unlock()
		return notifications.Close()
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.watchCancel = cancel
	s.watchDone = done
	s.mu.Unlock()

	go s.watchBuckets(watchCtx, notifications, done)
	return nil
}

func (s *Store) watchBuckets(ctx context.Context, notifications kvstore.NotificationStream, done chan struct{}) {
	defer close(done)
	defer notifications.Close()

	for {
		n, err := notifications.Next(ctx)
		if err != nil {
			return
		}
		bucket, scope, stream, err := keys.ParseBucketStreamKey(n.Key)
		if err != nil {
			continue
		}
		kind := StreamAdded
		if n.Deleted {
			kind = StreamRemoved
		}
		s.notifyBucketListeners(BucketNotification{Bucket: bucket, Scope: scope, Stream: stream, Kind: kind})
	}
}

func (s *Store) notifyBucketListeners(n BucketNotification) {
	s.mu.Lock()
	fns := make([]BucketListener, 0, len(s.listeners[n.Bucket]))
	for _, fn := range s.listeners[n.Bucket] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(n)
	}
}
