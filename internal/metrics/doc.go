// Package metrics provides Prometheus metrics for observability.
//
// This package exposes metrics for the controller including:
//   - Substrate operation latency (get, put, delete, list) broken down by success/failure
//   - Substrate operation counters by status
//   - Stream lifecycle counters (streams created)
//   - Scale protocol event counters (started, completed, conflict)
//   - Transaction outcome counters (created, committed, aborted)
//   - Transaction epoch garbage-collection counter
//   - Retention stream-cut counters (recorded, trimmed)
//
// Metrics are exposed via a dedicated HTTP server on /metrics in Prometheus format.
//
// Usage:
//
//	// Create and register metrics
//	substrateMetrics := metrics.NewSubstrateMetrics()
//	storeMetrics := metrics.NewStoreMetrics()
//
//	// Wire into the store stack
//	kv := kvstore.NewInstrumentedStore(backend, substrateMetrics)
//	store := stream.NewStore(kv, stream.Options{Events: storeMetrics})
//
//	// Start metrics server
//	metricsServer := metrics.NewServer(":9090")
//	metricsServer.Start()
package metrics
