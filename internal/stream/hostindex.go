package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"

	"github.com/sluice-io/sluice/internal/keys"
	"github.com/sluice-io/sluice/internal/kvstore"
)

// The host index maps each front-end host to the transactions it is
// driving. It is a weak index for failure sweeps, not a source of
// truth: every operation is idempotent, and a stale entry is harmless
// because the authoritative transaction record is consulted before any
// action is taken on it.

// AddTxnToIndex records that host is driving the given transaction.
// version is an opaque caller-supplied number, typically the
// transaction record version the host last observed. Re-adding an
// entry overwrites its version.
func (s *Store) AddTxnToIndex(ctx context.Context, host string, resource TxnResource, version int) error {
	if err := validateHost(host); err != nil {
		return err
	}

	markerData, err := json.Marshal(hostRecord{Host: host})
	if err != nil {
		return fmt.Errorf("stream: marshal host marker: %w", err)
	}
	_, err = s.kv.Put(ctx, keys.HostKeyPath(host), markerData, kvstore.WithExpectedVersion(0))
	if err != nil && !errors.Is(err, kvstore.ErrVersionMismatch) {
		return fmt.Errorf("stream: create host marker: %w", err)
	}

	entry := hostTxnEntry{
		Scope:   resource.Scope,
		Stream:  resource.Stream,
		TxnID:   resource.TxnID,
		Version: version,
	}
	entryData, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("stream: marshal host txn entry: %w", err)
	}
	if _, err := s.kv.Put(ctx, keys.HostTxnKeyPath(host, resource.TxnID.String()), entryData); err != nil {
		return fmt.Errorf("stream: put host txn entry: %w", err)
	}
	return nil
}

// GetTxnVersionFromIndex returns the version recorded for a
// transaction under a host. The second result is false when the host
// does not index that transaction.
func (s *Store) GetTxnVersionFromIndex(ctx context.Context, host string, resource TxnResource) (int, bool, error) {
	result, err := s.kv.Get(ctx, keys.HostTxnKeyPath(host, resource.TxnID.String()))
	if err != nil {
		return 0, false, fmt.Errorf("stream: get host txn entry: %w", err)
	}
	if !result.Exists {
		return 0, false, nil
	}

	var entry hostTxnEntry
	if err := json.Unmarshal(result.Value, &entry); err != nil {
		return 0, false, fmt.Errorf("stream: unmarshal host txn entry: %w", err)
	}
	if entry.Scope != resource.Scope || entry.Stream != resource.Stream || entry.TxnID != resource.TxnID {
		return 0, false, nil
	}
	return entry.Version, true, nil
}

// GetRandomTxnFromIndex returns any one transaction indexed under the
// host, or nil when the host indexes none.
func (s *Store) GetRandomTxnFromIndex(ctx context.Context, host string) (*TxnResource, error) {
	kvs, err := s.kv.List(ctx, keys.HostTxnsPrefix(host), "", 0)
	if err != nil {
		return nil, fmt.Errorf("stream: list host txn entries: %w", err)
	}
	if len(kvs) == 0 {
		return nil, nil
	}

	var entry hostTxnEntry
	if err := json.Unmarshal(kvs[rand.Intn(len(kvs))].Value, &entry); err != nil {
		return nil, fmt.Errorf("stream: unmarshal host txn entry: %w", err)
	}
	return &TxnResource{Scope: entry.Scope, Stream: entry.Stream, TxnID: entry.TxnID}, nil
}

// RemoveTxnFromIndex removes a transaction entry from a host's index.
// Removing an absent entry is a no-op. With removeEmptyHost set, the
// host marker is removed too when no entries remain; a concurrent add
// can race that check, which is tolerated because AddTxnToIndex
// recreates the marker.
func (s *Store) RemoveTxnFromIndex(ctx context.Context, host string, resource TxnResource, removeEmptyHost bool) error {
	if err := s.kv.Delete(ctx, keys.HostTxnKeyPath(host, resource.TxnID.String())); err != nil {
		return fmt.Errorf("stream: delete host txn entry: %w", err)
	}
	if !removeEmptyHost {
		return nil
	}

	remaining, err := s.kv.List(ctx, keys.HostTxnsPrefix(host), "", 1)
	if err != nil {
		return fmt.Errorf("stream: list host txn entries: %w", err)
	}
	if len(remaining) > 0 {
		return nil
	}
	if err := s.kv.Delete(ctx, keys.HostKeyPath(host)); err != nil {
		return fmt.Errorf("stream: delete host marker: %w", err)
	}
	return nil
}

// RemoveHostFromIndex removes a host and all of its entries.
func (s *Store) RemoveHostFromIndex(ctx context.Context, host string) error {
	kvs, err := s.kv.List(ctx, keys.HostTxnsPrefix(host), "", 0)
	if err != nil {
		return fmt.Errorf("stream: list host txn entries: %w", err)
	}
	for _, kv := range kvs {
		if err := s.kv.Delete(ctx, kv.Key); err != nil {
			return fmt.Errorf("stream: delete host txn entry: %w", err)
		}
	}
	if err := s.kv.Delete(ctx, keys.HostKeyPath(host)); err != nil {
		return fmt.Errorf("stream: delete host marker: %w", err)
	}
	return nil
}

// ListHostsOwningTxn returns every host present in the transaction
// index, including hosts whose entry set is currently empty.
func (s *Store) ListHostsOwningTxn(ctx context.Context) ([]string, error) {
	kvs, err := s.kv.List(ctx, keys.HostsListPrefix(), "", 0)
	if err != nil {
		return nil, fmt.Errorf("stream: list hosts: %w", err)
	}

	hosts := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		host, err := keys.ParseHostKey(kv.Key)
		if err != nil {
			// Transaction entries live below the markers; skip them.
			continue
		}
		hosts = append(hosts, host)
	}
	return hosts, nil
}
