// Package oxia implements the kvstore.Store interface using Oxia.
//
// Oxia is a distributed metadata store designed for high-performance
// streaming systems. This package wraps the Oxia Go SDK to provide the
// versioned key-value substrate the stream control plane runs on.
//
// Usage:
//
//	store, err := oxia.New(ctx, oxia.Config{
//	    ServiceAddress: "localhost:6648",
//	    Namespace:      "sluice/my-cluster",
//	})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	version, err := store.Put(ctx, "/sluice/v1/scopes/prod", data)
//	result, err := store.Get(ctx, "/sluice/v1/scopes/prod")
//
// Namespace:
//
// Each cluster uses a dedicated namespace in Oxia: "sluice/<cluster_id>".
// This isolates clusters sharing an Oxia deployment.
//
// Versions:
//
// Oxia assigns 0-based version ids; the kvstore interface reserves 0
// for "key must not exist", so this package shifts versions by one in
// both directions.
//
// Notifications:
//
// The Notifications method returns a stream of change events. Once
// subscribed, all subsequent changes in the namespace are delivered,
// which the bucket registry relies on for cross-process listener
// delivery.
package oxia
