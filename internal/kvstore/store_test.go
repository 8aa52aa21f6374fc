package kvstore

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestVersionSentinels(t *testing.T) {
	if NoVersion != -1 {
		t.Errorf("NoVersion should be -1, got %d", NoVersion)
	}
	var zero Version
	if zero != 0 {
		t.Errorf("zero Version should be 0, got %d", zero)
	}
}

func TestGetPut(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	ver, err := store.Put(ctx, "/test/key1", []byte("value1"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if ver <= 0 {
		t.Errorf("expected positive version, got %d", ver)
	}

	result, err := store.Get(ctx, "/test/key1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !result.Exists {
		t.Error("key should exist")
	}
	if string(result.Value) != "value1" {
		t.Errorf("value mismatch: got %s", result.Value)
	}
	if result.Version != ver {
		t.Errorf("version mismatch: got %d, want %d", result.Version, ver)
	}
}

func TestGetMissing(t *testing.T) {
	store := NewMockStore()

	result, err := store.Get(context.Background(), "/test/absent")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if result.Exists {
		t.Error("absent key should report Exists=false")
	}
}

func TestConditionalCreate(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	// Version 0 means "must not exist".
	ver, err := store.Put(ctx, "/test/create", []byte("a"), WithExpectedVersion(0))
	if err != nil {
		t.Fatalf("conditional create failed: %v", err)
	}
	if ver <= 0 {
		t.Errorf("expected positive version, got %d", ver)
	}

	// A second conditional create must lose.
	_, err = store.Put(ctx, "/test/create", []byte("b"), WithExpectedVersion(0))
	if !errors.Is(err, ErrVersionMismatch) {
		t.Errorf("create over existing key should return ErrVersionMismatch, got %v", err)
	}

	result, _ := store.Get(ctx, "/test/create")
	if string(result.Value) != "a" {
		t.Errorf("losing create must not overwrite: got %s", result.Value)
	}
}

func TestCompareAndSet(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	ver1, _ := store.Put(ctx, "/test/cas", []byte("v1"))

	ver2, err := store.Put(ctx, "/test/cas", []byte("v2"), WithExpectedVersion(ver1))
	if err != nil {
		t.Fatalf("CAS with correct version should succeed: %v", err)
	}
	if ver2 <= ver1 {
		t.Error("new version should be greater than old version")
	}

	_, err = store.Put(ctx, "/test/cas", []byte("v3"), WithExpectedVersion(ver1))
	if !errors.Is(err, ErrVersionMismatch) {
		t.Errorf("CAS with stale version should return ErrVersionMismatch, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	ver, _ := store.Put(ctx, "/test/del", []byte("data"))
	if err := store.Delete(ctx, "/test/del"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	result, _ := store.Get(ctx, "/test/del")
	if result.Exists {
		t.Error("key should not exist after delete")
	}

	// Deleting an absent key is a no-op.
	if err := store.Delete(ctx, "/test/del"); err != nil {
		t.Errorf("idempotent delete should not fail: %v", err)
	}

	// Conditional delete with a stale version fails.
	store.Put(ctx, "/test/del2", []byte("data"))
	err := store.Delete(ctx, "/test/del2", WithDeleteExpectedVersion(ver))
	if !errors.Is(err, ErrVersionMismatch) {
		t.Errorf("delete with wrong version should return ErrVersionMismatch, got %v", err)
	}
}

func TestConditionalDeleteRace(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	ver, _ := store.Put(ctx, "/test/gc", []byte("0"))

	// A concurrent writer bumps the version between our read and delete.
	if _, err := store.Put(ctx, "/test/gc", []byte("1"), WithExpectedVersion(ver)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	err := store.Delete(ctx, "/test/gc", WithDeleteExpectedVersion(ver))
	if !errors.Is(err, ErrVersionMismatch) {
		t.Errorf("delete must lose to the concurrent write, got %v", err)
	}
	result, _ := store.Get(ctx, "/test/gc")
	if !result.Exists {
		t.Error("key must survive the losing delete")
	}
}

func TestListPrefix(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	store.Put(ctx, "/sluice/v1/scopes/a", []byte("a"))
	store.Put(ctx, "/sluice/v1/scopes/b", []byte("b"))
	store.Put(ctx, "/sluice/v1/scopes/c", []byte("c"))
	store.Put(ctx, "/sluice/v1/scopesX/d", []byte("d"))
	store.Put(ctx, "/sluice/v1/streams/x/y/state", []byte("x"))

	result, err := store.List(ctx, "/sluice/v1/scopes/", "", 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(result) != 3 {
		t.Errorf("expected 3 results, got %d", len(result))
	}
	for _, kv := range result {
		if !strings.HasPrefix(kv.Key, "/sluice/v1/scopes/") {
			t.Errorf("key %s escaped the prefix", kv.Key)
		}
	}

	result, err = store.List(ctx, "/sluice/v1/scopes/", "", 1)
	if err != nil {
		t.Fatalf("List with limit failed: %v", err)
	}
	if len(result) != 1 {
		t.Errorf("expected 1 result with limit, got %d", len(result))
	}
}

func TestListLexicographicOrder(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	// Zero-padded numeric components sort numerically.
	store.Put(ctx, "/sluice/v1/streams/s/t/history/0000000003", []byte("third"))
	store.Put(ctx, "/sluice/v1/streams/s/t/history/0000000001", []byte("first"))
	store.Put(ctx, "/sluice/v1/streams/s/t/history/0000000002", []byte("second"))

	result, err := store.List(ctx, "/sluice/v1/streams/s/t/history/", "", 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(result) != 3 {
		t.Fatalf("expected 3 results, got %d", len(result))
	}
	want := []string{"first", "second", "third"}
	for i, kv := range result {
		if string(kv.Value) != want[i] {
			t.Errorf("position %d: got %s, want %s", i, kv.Value, want[i])
		}
	}
}

func TestNotificationsOnWrite(t *testing.T) {
	store := NewMockStore()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := store.Notifications(ctx)
	if err != nil {
		t.Fatalf("Notifications failed: %v", err)
	}
	defer stream.Close()

	ver, err := store.Put(ctx, "/sluice/v1/buckets/0007/s/t", []byte("policy"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	n, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if n.Key != "/sluice/v1/buckets/0007/s/t" {
		t.Errorf("wrong notification key: %s", n.Key)
	}
	if n.Deleted {
		t.Error("write notification should not be marked deleted")
	}
	if n.Version != ver {
		t.Errorf("notification version %d, want %d", n.Version, ver)
	}

	if err := store.Delete(ctx, "/sluice/v1/buckets/0007/s/t"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	n, err = stream.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if !n.Deleted {
		t.Error("delete notification should be marked deleted")
	}
	if n.Version != 0 {
		t.Errorf("delete notification version %d, want 0", n.Version)
	}
}

func TestNotificationStreamCancellation(t *testing.T) {
	store := NewMockStore()
	ctx, cancel := context.WithCancel(context.Background())

	stream, err := store.Notifications(ctx)
	if err != nil {
		t.Fatalf("Notifications failed: %v", err)
	}
	defer stream.Close()

	cancel()
	_, err = stream.Next(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Next on cancelled context should return context.Canceled, got %v", err)
	}
}

func TestClose(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	store.Close()

	if _, err := store.Get(ctx, "/test"); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Get after close should return ErrStoreClosed, got %v", err)
	}
	if _, err := store.Put(ctx, "/test", []byte("value")); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Put after close should return ErrStoreClosed, got %v", err)
	}
	if err := store.Delete(ctx, "/test"); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Delete after close should return ErrStoreClosed, got %v", err)
	}
	if _, err := store.List(ctx, "/", "", 0); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("List after close should return ErrStoreClosed, got %v", err)
	}

	// Closing twice is fine.
	if err := store.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
}

func TestErrorsDistinct(t *testing.T) {
	errs := []error{
		ErrKeyNotFound,
		ErrVersionMismatch,
		ErrStoreClosed,
	}
	for i, e1 := range errs {
		if e1 == nil {
			t.Errorf("error %d should not be nil", i)
		}
		for j, e2 := range errs {
			if i != j && errors.Is(e1, e2) {
				t.Errorf("errors %d and %d should be distinct", i, j)
			}
		}
	}
}

func TestExtractOptions(t *testing.T) {
	if v := ExtractExpectedVersion(nil); v != nil {
		t.Errorf("no options should extract nil, got %v", *v)
	}
	v := ExtractExpectedVersion([]PutOption{WithExpectedVersion(7)})
	if v == nil || *v != 7 {
		t.Errorf("expected version 7, got %v", v)
	}
	dv := ExtractDeleteExpectedVersion([]DeleteOption{WithDeleteExpectedVersion(3)})
	if dv == nil || *dv != 3 {
		t.Errorf("expected delete version 3, got %v", dv)
	}
}
