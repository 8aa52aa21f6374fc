package stream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sluice-io/sluice/internal/keys"
	"github.com/sluice-io/sluice/internal/kvstore"
)

func newTestStore() *Store {
	return NewStore(kvstore.NewMockStore(), Options{})
}

func fixedConfig(segments int32) StreamConfiguration {
	return StreamConfiguration{ScalingPolicy: ScalingPolicy{Type: ScalingFixed, MinSegments: segments}}
}

func setupActiveStream(t *testing.T, store *Store, scope, name string, segments int32, createTime int64) {
	ctx := context.Background()

	_, err := store.CreateScope(ctx, scope)
	if err != nil && !errors.Is(err, ErrDataExists) {
		t.Fatalf("failed to create scope: %v", err)
	}

	status, err := store.CreateStream(ctx, scope, name, fixedConfig(segments), createTime)
	if err != nil {
		t.Fatalf("failed to create stream: %v", err)
	}
	if status != StreamCreated {
		t.Fatalf("expected fresh create, got %s", status)
	}

	if err := store.SetState(ctx, scope, name, StateActive); err != nil {
		t.Fatalf("failed to activate stream: %v", err)
	}
}

// hookStore wraps a kvstore.Store and runs a callback before selected
// operations, so tests can interleave writes at exact points.
type hookStore struct {
	kvstore.Store
	onPut    func(key string)
	onDelete func(key string)
}

func (h *hookStore) Put(ctx context.Context, key string, value []byte, opts ...kvstore.PutOption) (kvstore.Version, error) {
	if h.onPut != nil {
		h.onPut(key)
	}
	return h.Store.Put(ctx, key, value, opts...)
}

func (h *hookStore) Delete(ctx context.Context, key string, opts ...kvstore.DeleteOption) error {
	if h.onDelete != nil {
		h.onDelete(key)
	}
	return h.Store.Delete(ctx, key, opts...)
}

func TestStore_CreateScope(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	record, err := store.CreateScope(ctx, "sales")
	if err != nil {
		t.Fatalf("failed to create scope: %v", err)
	}
	if record.Name != "sales" {
		t.Errorf("expected scope name 'sales', got %s", record.Name)
	}
	if record.CreatedAt <= 0 {
		t.Error("expected creation time to be set")
	}

	got, err := store.GetScopeConfiguration(ctx, "sales")
	if err != nil {
		t.Fatalf("failed to get scope: %v", err)
	}
	if got.Name != "sales" || got.CreatedAt != record.CreatedAt {
		t.Errorf("stored scope mismatch: %+v", got)
	}

	_, err = store.CreateScope(ctx, "sales")
	if !errors.Is(err, ErrDataExists) {
		t.Errorf("expected ErrDataExists, got %v", err)
	}
}

func TestStore_CreateScopeValidation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	_, err := store.CreateScope(ctx, "")
	if !errors.Is(err, ErrIllegalArgument) {
		t.Errorf("expected ErrIllegalArgument for empty name, got %v", err)
	}

	_, err = store.CreateScope(ctx, "bad/name")
	if !errors.Is(err, ErrIllegalArgument) {
		t.Errorf("expected ErrIllegalArgument for slash, got %v", err)
	}

	_, err = store.CreateScope(ctx, "-leading")
	if !errors.Is(err, ErrIllegalArgument) {
		t.Errorf("expected ErrIllegalArgument for leading hyphen, got %v", err)
	}
}

func TestStore_GetScopeNotFound(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	_, err := store.GetScopeConfiguration(ctx, "nonexistent")
	if !errors.Is(err, ErrDataNotFound) {
		t.Errorf("expected ErrDataNotFound, got %v", err)
	}
}

func TestStore_ListScopes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	for _, name := range []string{"gamma", "alpha", "beta"} {
		if _, err := store.CreateScope(ctx, name); err != nil {
			t.Fatalf("failed to create scope %s: %v", name, err)
		}
	}

	scopes, err := store.ListScopes(ctx)
	if err != nil {
		t.Fatalf("failed to list scopes: %v", err)
	}
	if len(scopes) != 3 {
		t.Fatalf("expected 3 scopes, got %d", len(scopes))
	}
	for i, expected := range []string{"alpha", "beta", "gamma"} {
		if scopes[i] != expected {
			t.Errorf("scope %d: expected %s, got %s", i, expected, scopes[i])
		}
	}
}

func TestStore_DeleteScope(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	if _, err := store.CreateScope(ctx, "sales"); err != nil {
		t.Fatalf("failed to create scope: %v", err)
	}
	if err := store.DeleteScope(ctx, "sales"); err != nil {
		t.Fatalf("failed to delete scope: %v", err)
	}

	_, err := store.GetScopeConfiguration(ctx, "sales")
	if !errors.Is(err, ErrDataNotFound) {
		t.Errorf("expected ErrDataNotFound after delete, got %v", err)
	}

	if err := store.DeleteScope(ctx, "sales"); !errors.Is(err, ErrDataNotFound) {
		t.Errorf("expected ErrDataNotFound for repeated delete, got %v", err)
	}
}

func TestStore_DeleteScopeNotEmpty(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	setupActiveStream(t, store, "sales", "orders", 2, time.Now().UnixMilli())

	err := store.DeleteScope(ctx, "sales")
	if !errors.Is(err, ErrScopeNotEmpty) {
		t.Errorf("expected ErrScopeNotEmpty, got %v", err)
	}

	if err := store.DeleteStream(ctx, "sales", "orders"); err != nil {
		t.Fatalf("failed to delete stream: %v", err)
	}
	if err := store.DeleteScope(ctx, "sales"); err != nil {
		t.Errorf("failed to delete emptied scope: %v", err)
	}
}

func TestStore_DeleteScopeCreateRace(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMockStore()
	hooked := &hookStore{Store: kv}
	store := NewStore(hooked, Options{})

	if _, err := store.CreateScope(ctx, "sales"); err != nil {
		t.Fatalf("failed to create scope: %v", err)
	}

	// Land a full stream create between the emptiness check and the
	// scope delete.
	raced := false
	hooked.onDelete = func(key string) {
		if key != keys.ScopeKeyPath("sales") || raced {
			return
		}
		raced = true
		if _, err := store.CreateStream(ctx, "sales", "orders", fixedConfig(1), 1000); err != nil {
			t.Fatalf("racing create failed: %v", err)
		}
	}

	if err := store.DeleteScope(ctx, "sales"); !errors.Is(err, ErrScopeNotEmpty) {
		t.Fatalf("expected ErrScopeNotEmpty, got %v", err)
	}
	if !raced {
		t.Fatal("racing create never ran")
	}

	if _, err := store.GetScopeConfiguration(ctx, "sales"); err != nil {
		t.Errorf("scope should survive the raced delete: %v", err)
	}
	exists, err := store.CheckStreamExists(ctx, "sales", "orders")
	if err != nil {
		t.Fatalf("failed to check stream: %v", err)
	}
	if !exists {
		t.Error("raced create should leave the stream in place")
	}
}

func TestStore_CreateStreamScopeDeleteRace(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMockStore()
	hooked := &hookStore{Store: kv}
	store := NewStore(hooked, Options{})

	if _, err := store.CreateScope(ctx, "sales"); err != nil {
		t.Fatalf("failed to create scope: %v", err)
	}
	scopeBefore, err := kv.Get(ctx, keys.ScopeKeyPath("sales"))
	if err != nil {
		t.Fatalf("failed to read scope record: %v", err)
	}

	// Delete the scope after the creation marker is planted but before
	// the scope record's version moves, as a raced DeleteScope would.
	hooked.onPut = func(key string) {
		if key != keys.ScopeKeyPath("sales") {
			return
		}
		hooked.onPut = nil
		err := kv.Delete(ctx, keys.ScopeKeyPath("sales"), kvstore.WithDeleteExpectedVersion(scopeBefore.Version))
		if err != nil {
			t.Fatalf("racing delete failed: %v", err)
		}
	}

	_, err = store.CreateStream(ctx, "sales", "orders", fixedConfig(1), 1000)
	if !errors.Is(err, ErrDataNotFound) {
		t.Fatalf("expected ErrDataNotFound, got %v", err)
	}

	exists, err := store.CheckStreamExists(ctx, "sales", "orders")
	if err != nil {
		t.Fatalf("failed to check stream: %v", err)
	}
	if exists {
		t.Error("expected the creation marker to be unwound")
	}
	nodes, err := kv.List(ctx, keys.StreamPrefix("sales", "orders"), "", 0)
	if err != nil {
		t.Fatalf("failed to list stream nodes: %v", err)
	}
	if len(nodes) != 0 {
		t.Errorf("expected no stream nodes after the unwind, got %d", len(nodes))
	}
}

func TestStore_CreateStream(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	if _, err := store.CreateScope(ctx, "sales"); err != nil {
		t.Fatalf("failed to create scope: %v", err)
	}

	createTime := int64(1000)
	status, err := store.CreateStream(ctx, "sales", "orders", fixedConfig(3), createTime)
	if err != nil {
		t.Fatalf("failed to create stream: %v", err)
	}
	if status != StreamCreated {
		t.Errorf("expected StreamCreated, got %s", status)
	}

	state, err := store.GetState(ctx, "sales", "orders")
	if err != nil {
		t.Fatalf("failed to get state: %v", err)
	}
	if state != StateCreating {
		t.Errorf("expected state creating, got %s", state)
	}

	epoch, err := store.GetActiveEpoch(ctx, "sales", "orders")
	if err != nil {
		t.Fatalf("failed to get active epoch: %v", err)
	}
	if epoch.Epoch != 0 {
		t.Errorf("expected epoch 0, got %d", epoch.Epoch)
	}
	if epoch.CreatedAt != createTime {
		t.Errorf("expected epoch creation time %d, got %d", createTime, epoch.CreatedAt)
	}
	if len(epoch.Segments) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(epoch.Segments))
	}

	// Epoch-0 segments split the key space evenly.
	for i, id := range epoch.Segments {
		if id != NewSegmentID(0, int32(i)) {
			t.Errorf("segment %d: expected id %d, got %d", i, NewSegmentID(0, int32(i)), id)
		}
		seg, err := store.GetSegment(ctx, "sales", "orders", id)
		if err != nil {
			t.Fatalf("failed to get segment %d: %v", id, err)
		}
		if seg.KeyStart != float64(i)/3 || seg.KeyEnd != float64(i+1)/3 {
			t.Errorf("segment %d: unexpected range [%v, %v)", id, seg.KeyStart, seg.KeyEnd)
		}
		if seg.Sealed {
			t.Errorf("segment %d: should not be sealed", id)
		}
	}

	cfg, err := store.GetConfiguration(ctx, "sales", "orders")
	if err != nil {
		t.Fatalf("failed to get configuration: %v", err)
	}
	if cfg.ScalingPolicy.MinSegments != 3 {
		t.Errorf("expected 3 min segments, got %d", cfg.ScalingPolicy.MinSegments)
	}

	truncation, err := store.GetTruncationRecord(ctx, "sales", "orders")
	if err != nil {
		t.Fatalf("failed to get truncation record: %v", err)
	}
	if len(truncation.Value.StreamCut) != 0 || truncation.Updating {
		t.Errorf("expected empty truncation record, got %+v", truncation)
	}

	cuts, err := store.GetStreamCutsFromRetentionSet(ctx, "sales", "orders")
	if err != nil {
		t.Fatalf("failed to get retention set: %v", err)
	}
	if len(cuts) != 0 {
		t.Errorf("expected empty retention set, got %d cuts", len(cuts))
	}
}

func TestStore_CreateStreamStatuses(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	if _, err := store.CreateScope(ctx, "sales"); err != nil {
		t.Fatalf("failed to create scope: %v", err)
	}

	createTime := int64(1000)
	status, err := store.CreateStream(ctx, "sales", "orders", fixedConfig(2), createTime)
	if err != nil {
		t.Fatalf("failed to create stream: %v", err)
	}
	if status != StreamCreated {
		t.Errorf("expected StreamCreated, got %s", status)
	}

	// The create completed but the stream was never activated.
	status, err = store.CreateStream(ctx, "sales", "orders", fixedConfig(2), createTime)
	if err != nil {
		t.Fatalf("repeated create failed: %v", err)
	}
	if status != StreamExistsCreating {
		t.Errorf("expected StreamExistsCreating, got %s", status)
	}

	if err := store.SetState(ctx, "sales", "orders", StateActive); err != nil {
		t.Fatalf("failed to activate stream: %v", err)
	}

	status, err = store.CreateStream(ctx, "sales", "orders", fixedConfig(2), createTime+5)
	if err != nil {
		t.Fatalf("create of active stream failed: %v", err)
	}
	if status != StreamExistsActive {
		t.Errorf("expected StreamExistsActive, got %s", status)
	}
}

func TestStore_CreateStreamValidation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	if _, err := store.CreateScope(ctx, "sales"); err != nil {
		t.Fatalf("failed to create scope: %v", err)
	}

	_, err := store.CreateStream(ctx, "sales", "bad/name", fixedConfig(1), 1000)
	if !errors.Is(err, ErrIllegalArgument) {
		t.Errorf("expected ErrIllegalArgument for bad name, got %v", err)
	}

	_, err = store.CreateStream(ctx, "sales", "orders", fixedConfig(0), 1000)
	if !errors.Is(err, ErrIllegalArgument) {
		t.Errorf("expected ErrIllegalArgument for zero segments, got %v", err)
	}

	_, err = store.CreateStream(ctx, "nonexistent", "orders", fixedConfig(1), 1000)
	if !errors.Is(err, ErrDataNotFound) {
		t.Errorf("expected ErrDataNotFound for missing scope, got %v", err)
	}
}

func TestStore_CreateStreamResume(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMockStore()
	store := NewStore(kv, Options{})

	if _, err := store.CreateScope(ctx, "sales"); err != nil {
		t.Fatalf("failed to create scope: %v", err)
	}

	// Simulate a create that wrote the marker and then crashed.
	marker, err := json.Marshal(creationRecord{CreatedAt: 1000})
	if err != nil {
		t.Fatalf("failed to marshal marker: %v", err)
	}
	if _, err := kv.Put(ctx, keys.StreamCreationKeyPath("sales", "orders"), marker, kvstore.WithExpectedVersion(0)); err != nil {
		t.Fatalf("failed to plant creation marker: %v", err)
	}

	// Only the original request may complete the create.
	_, err = store.CreateStream(ctx, "sales", "orders", fixedConfig(2), 2000)
	if !errors.Is(err, ErrDataExists) {
		t.Errorf("expected ErrDataExists for different timestamp, got %v", err)
	}

	status, err := store.CreateStream(ctx, "sales", "orders", fixedConfig(2), 1000)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if status != StreamExistsCreating {
		t.Errorf("expected StreamExistsCreating, got %s", status)
	}

	// The resume materialized everything the original create would have.
	state, err := store.GetState(ctx, "sales", "orders")
	if err != nil {
		t.Fatalf("failed to get state: %v", err)
	}
	if state != StateCreating {
		t.Errorf("expected state creating, got %s", state)
	}
	epoch, err := store.GetActiveEpoch(ctx, "sales", "orders")
	if err != nil {
		t.Fatalf("failed to get active epoch: %v", err)
	}
	if len(epoch.Segments) != 2 {
		t.Errorf("expected 2 segments, got %d", len(epoch.Segments))
	}

	// A crash after the configuration node was written resumes with the
	// stored configuration, even when the retried request differs.
	marker, err = json.Marshal(creationRecord{CreatedAt: 1000})
	if err != nil {
		t.Fatalf("failed to marshal marker: %v", err)
	}
	if _, err := kv.Put(ctx, keys.StreamCreationKeyPath("sales", "payments"), marker, kvstore.WithExpectedVersion(0)); err != nil {
		t.Fatalf("failed to plant creation marker: %v", err)
	}
	cfgData, err := json.Marshal(StreamProperty[StreamConfiguration]{Value: fixedConfig(3)})
	if err != nil {
		t.Fatalf("failed to marshal configuration: %v", err)
	}
	if _, err := kv.Put(ctx, keys.StreamConfigKeyPath("sales", "payments"), cfgData, kvstore.WithExpectedVersion(0)); err != nil {
		t.Fatalf("failed to plant configuration: %v", err)
	}

	status, err = store.CreateStream(ctx, "sales", "payments", fixedConfig(2), 1000)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if status != StreamExistsCreating {
		t.Errorf("expected StreamExistsCreating, got %s", status)
	}
	epoch, err = store.GetActiveEpoch(ctx, "sales", "payments")
	if err != nil {
		t.Fatalf("failed to get active epoch: %v", err)
	}
	if len(epoch.Segments) != 3 {
		t.Errorf("expected the stored configuration's 3 segments, got %d", len(epoch.Segments))
	}
}

func TestStore_CheckStreamExists(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	exists, err := store.CheckStreamExists(ctx, "sales", "orders")
	if err != nil {
		t.Fatalf("failed to check existence: %v", err)
	}
	if exists {
		t.Error("stream should not exist yet")
	}

	setupActiveStream(t, store, "sales", "orders", 1, time.Now().UnixMilli())

	exists, err = store.CheckStreamExists(ctx, "sales", "orders")
	if err != nil {
		t.Fatalf("failed to check existence: %v", err)
	}
	if !exists {
		t.Error("stream should exist")
	}
}

func TestStore_ListStreamsInScope(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	setupActiveStream(t, store, "sales", "orders", 2, time.Now().UnixMilli())
	setupActiveStream(t, store, "sales", "returns", 4, time.Now().UnixMilli())

	streams, err := store.ListStreamsInScope(ctx, "sales")
	if err != nil {
		t.Fatalf("failed to list streams: %v", err)
	}
	if len(streams) != 2 {
		t.Fatalf("expected 2 streams, got %d", len(streams))
	}
	if cfg, ok := streams["orders"]; !ok || cfg.ScalingPolicy.MinSegments != 2 {
		t.Errorf("unexpected orders config: %+v", cfg)
	}
	if cfg, ok := streams["returns"]; !ok || cfg.ScalingPolicy.MinSegments != 4 {
		t.Errorf("unexpected returns config: %+v", cfg)
	}

	_, err = store.ListStreamsInScope(ctx, "nonexistent")
	if !errors.Is(err, ErrDataNotFound) {
		t.Errorf("expected ErrDataNotFound, got %v", err)
	}
}

func TestStore_DeleteStream(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	setupActiveStream(t, store, "sales", "orders", 2, time.Now().UnixMilli())

	policy := RetentionPolicy{Type: RetentionTime, Limit: 86400000}
	if err := store.AddUpdateStreamForAutoStreamCut(ctx, "sales", "orders", policy); err != nil {
		t.Fatalf("failed to enroll stream in bucket: %v", err)
	}

	if err := store.DeleteStream(ctx, "sales", "orders"); err != nil {
		t.Fatalf("failed to delete stream: %v", err)
	}

	exists, err := store.CheckStreamExists(ctx, "sales", "orders")
	if err != nil {
		t.Fatalf("failed to check existence: %v", err)
	}
	if exists {
		t.Error("stream should not exist after delete")
	}

	_, err = store.GetState(ctx, "sales", "orders")
	if !errors.Is(err, ErrDataNotFound) {
		t.Errorf("expected ErrDataNotFound for state, got %v", err)
	}

	bucket := BucketForStream(defaultBucketCount, "sales", "orders")
	members, err := store.GetStreamsForBucket(ctx, bucket)
	if err != nil {
		t.Fatalf("failed to list bucket members: %v", err)
	}
	if len(members) != 0 {
		t.Errorf("expected empty bucket after delete, got %v", members)
	}

	if err := store.DeleteStream(ctx, "sales", "orders"); !errors.Is(err, ErrDataNotFound) {
		t.Errorf("expected ErrDataNotFound for repeated delete, got %v", err)
	}
}

func TestStore_DeleteStreamNotFound(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	err := store.DeleteStream(ctx, "sales", "orders")
	if !errors.Is(err, ErrDataNotFound) {
		t.Errorf("expected ErrDataNotFound, got %v", err)
	}
}

func TestStore_GetSegmentNotFound(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	setupActiveStream(t, store, "sales", "orders", 1, time.Now().UnixMilli())

	_, err := store.GetSegment(ctx, "sales", "orders", NewSegmentID(3, 7))
	if !errors.Is(err, ErrDataNotFound) {
		t.Errorf("expected ErrDataNotFound, got %v", err)
	}
}

func TestStore_GetActiveSegmentsSealed(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	setupActiveStream(t, store, "sales", "orders", 2, time.Now().UnixMilli())

	segments, err := store.GetActiveSegments(ctx, "sales", "orders")
	if err != nil {
		t.Fatalf("failed to get active segments: %v", err)
	}
	if len(segments) != 2 {
		t.Errorf("expected 2 active segments, got %d", len(segments))
	}

	if err := store.SetSealed(ctx, "sales", "orders"); err != nil {
		t.Fatalf("failed to seal stream: %v", err)
	}

	segments, err = store.GetActiveSegments(ctx, "sales", "orders")
	if err != nil {
		t.Fatalf("failed to get active segments of sealed stream: %v", err)
	}
	if len(segments) != 0 {
		t.Errorf("expected no active segments after seal, got %d", len(segments))
	}
}

func TestStore_GetActiveSegmentsAt(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	setupActiveStream(t, store, "sales", "orders", 2, 1000)

	segments, err := store.GetActiveSegmentsAt(ctx, "sales", "orders", 999)
	if err != nil {
		t.Fatalf("failed to query before creation: %v", err)
	}
	if len(segments) != 0 {
		t.Errorf("expected no segments before creation, got %d", len(segments))
	}

	segments, err = store.GetActiveSegmentsAt(ctx, "sales", "orders", 1000)
	if err != nil {
		t.Fatalf("failed to query at creation: %v", err)
	}
	if len(segments) != 2 {
		t.Errorf("expected 2 segments at creation, got %d", len(segments))
	}

	segments, err = store.GetActiveSegmentsAt(ctx, "sales", "orders", 50_000)
	if err != nil {
		t.Fatalf("failed to query after creation: %v", err)
	}
	if len(segments) != 2 {
		t.Errorf("expected 2 segments after creation, got %d", len(segments))
	}
}

func TestStore_GetSealedSizeNotSealed(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	setupActiveStream(t, store, "sales", "orders", 1, time.Now().UnixMilli())

	_, err := store.GetSealedSize(ctx, "sales", "orders", NewSegmentID(0, 0))
	if !errors.Is(err, ErrDataNotFound) {
		t.Errorf("expected ErrDataNotFound for unsealed segment, got %v", err)
	}
}

func TestErrors(t *testing.T) {
	// Verify error definitions exist and are distinct
	errs := []error{
		ErrDataNotFound,
		ErrDataExists,
		ErrWriteConflict,
		ErrIllegalState,
		ErrIllegalArgument,
		ErrScaleConflict,
		ErrScalePrecondition,
		ErrScaleNotStarted,
		ErrScopeNotEmpty,
	}

	for i, e1 := range errs {
		if e1 == nil {
			t.Errorf("Error %d should not be nil", i)
		}
		for j, e2 := range errs {
			if i != j && errors.Is(e1, e2) {
				t.Errorf("Errors %d and %d should be distinct", i, j)
			}
		}
	}
}
