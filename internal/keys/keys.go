// Package keys provides key encoding/decoding for the metadata keyspace.
// Numeric components use zero-padded decimal encoding so that
// lexicographic key order matches numeric order.
//
// Stream nodes live under a per-stream subtree:
//
//	/sluice/v1/streams/<scope>/<stream>/<node>
//
// where <node> is one of the fixed node names (state, config, ...) or a
// nested collection (segments/<segmentIdZ>, history/<epochZ>, ...).
package keys

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Key component widths for zero-padded encoding.
const (
	// EpochWidth is the number of digits for zero-padded epoch numbers.
	// Epochs are int32, so width 10 covers the full range.
	EpochWidth = 10

	// SegmentWidth is the number of digits for zero-padded segment ids.
	// Segment ids are int64 (epoch << 32 | creation number), so width 20
	// covers the full non-negative range.
	SegmentWidth = 20

	// BucketWidth is the number of digits for zero-padded bucket numbers.
	BucketWidth = 4
)

// Key prefixes.
const (
	// Prefix is the root prefix for all Sluice keys.
	Prefix = "/sluice/v1"

	// ScopesPrefix is the prefix for scope records.
	// Format: /sluice/v1/scopes/<scope>
	ScopesPrefix = Prefix + "/scopes"

	// StreamsPrefix is the prefix for per-stream metadata subtrees.
	// Format: /sluice/v1/streams/<scope>/<stream>/...
	StreamsPrefix = Prefix + "/streams"

	// HostsPrefix is the prefix for the host-to-transaction index.
	// Format: /sluice/v1/hosts/<host> and /sluice/v1/hosts/<host>/txns/<txnId>
	HostsPrefix = Prefix + "/hosts"

	// ControllersPrefix is the prefix for controller instance registrations.
	// Format: /sluice/v1/controllers/<controllerId>
	ControllersPrefix = Prefix + "/controllers"

	// BucketsPrefix is the prefix for retention bucket membership.
	// Format: /sluice/v1/buckets/<bucketZ>/<scope>/<stream>
	BucketsPrefix = Prefix + "/buckets"
)

// Stream node names under the per-stream subtree.
const (
	nodeCreation        = "creation"
	nodeConfig          = "config"
	nodeState           = "state"
	nodeTruncation      = "truncation"
	nodeRetention       = "retention"
	nodeSealedSizes     = "sealed-sizes"
	nodeEpochTransition = "epoch-transition"
	nodeSegments        = "segments"
	nodeHistory         = "history"
	nodeTxnEpochs       = "txn-epochs"
	nodeActiveTxns      = "txns"
	nodeCompletedTxns   = "completed-txns"
)

// Common errors.
var (
	// ErrInvalidKey is returned when a key cannot be parsed.
	ErrInvalidKey = errors.New("keys: invalid key format")

	// ErrInvalidNumber is returned when a numeric key component is
	// negative or not a decimal number.
	ErrInvalidNumber = errors.New("keys: invalid numeric component")
)

// EncodeEpoch encodes an epoch number as a zero-padded decimal string.
func EncodeEpoch(epoch int32) string {
	return fmt.Sprintf("%0*d", EpochWidth, epoch)
}

// DecodeEpoch decodes a zero-padded decimal string back to an epoch number.
func DecodeEpoch(s string) (int32, error) {
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil || v < 0 {
		return 0, ErrInvalidNumber
	}
	return int32(v), nil
}

// EncodeSegmentID encodes a segment id as a zero-padded decimal string.
func EncodeSegmentID(id int64) string {
	return fmt.Sprintf("%0*d", SegmentWidth, id)
}

// DecodeSegmentID decodes a zero-padded decimal string back to a segment id.
func DecodeSegmentID(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, ErrInvalidNumber
	}
	return v, nil
}

// EncodeBucket encodes a bucket number as a zero-padded decimal string.
func EncodeBucket(bucket int) string {
	return fmt.Sprintf("%0*d", BucketWidth, bucket)
}

// =============================================================================
// Scope Keys
// =============================================================================

// ScopeKeyPath returns the key for a scope record.
// Format: /sluice/v1/scopes/<scope>
func ScopeKeyPath(scope string) string {
	return fmt.Sprintf("%s/%s", ScopesPrefix, scope)
}

// ScopesListPrefix returns the prefix for listing all scopes.
func ScopesListPrefix() string {
	return ScopesPrefix + "/"
}

// ParseScopeKey parses a scope key and returns the scope name.
// Returns ErrInvalidKey for keys below the scope level.
func ParseScopeKey(key string) (string, error) {
	prefix := ScopesPrefix + "/"
	if !strings.HasPrefix(key, prefix) {
		return "", ErrInvalidKey
	}
	rest := key[len(prefix):]
	if rest == "" || strings.Contains(rest, "/") {
		return "", ErrInvalidKey
	}
	return rest, nil
}

// =============================================================================
// Stream Keys
// =============================================================================

// StreamPrefix returns the prefix covering every node of one stream.
// Format: /sluice/v1/streams/<scope>/<stream>/
func StreamPrefix(scope, stream string) string {
	return fmt.Sprintf("%s/%s/%s/", StreamsPrefix, scope, stream)
}

// ScopeStreamsPrefix returns the prefix covering every stream subtree of
// one scope. Listing it yields the nodes of all streams in the scope.
func ScopeStreamsPrefix(scope string) string {
	return fmt.Sprintf("%s/%s/", StreamsPrefix, scope)
}

// ParseStreamKey parses any key under the streams prefix into its scope,
// stream, and the node path below the stream.
func ParseStreamKey(key string) (scope, stream, node string, err error) {
	prefix := StreamsPrefix + "/"
	if !strings.HasPrefix(key, prefix) {
		return "", "", "", ErrInvalidKey
	}
	rest := key[len(prefix):]
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", ErrInvalidKey
	}
	return parts[0], parts[1], parts[2], nil
}

// StreamCreationKeyPath returns the key for a stream's creation marker.
// The marker is the first node written by a create and records the
// creation timestamp, so an interrupted create can be detected and
// resumed.
func StreamCreationKeyPath(scope, stream string) string {
	return StreamPrefix(scope, stream) + nodeCreation
}

// StreamConfigKeyPath returns the key for a stream's configuration property.
func StreamConfigKeyPath(scope, stream string) string {
	return StreamPrefix(scope, stream) + nodeConfig
}

// StreamStateKeyPath returns the key for a stream's lifecycle state.
func StreamStateKeyPath(scope, stream string) string {
	return StreamPrefix(scope, stream) + nodeState
}

// StreamTruncationKeyPath returns the key for a stream's truncation property.
func StreamTruncationKeyPath(scope, stream string) string {
	return StreamPrefix(scope, stream) + nodeTruncation
}

// StreamRetentionKeyPath returns the key for a stream's retention set.
func StreamRetentionKeyPath(scope, stream string) string {
	return StreamPrefix(scope, stream) + nodeRetention
}

// StreamSealedSizesKeyPath returns the key for a stream's sealed segment
// size map.
func StreamSealedSizesKeyPath(scope, stream string) string {
	return StreamPrefix(scope, stream) + nodeSealedSizes
}

// EpochTransitionKeyPath returns the key for a stream's in-flight epoch
// transition record. At most one transition record exists per stream.
func EpochTransitionKeyPath(scope, stream string) string {
	return StreamPrefix(scope, stream) + nodeEpochTransition
}

// =============================================================================
// Segment and History Keys
// =============================================================================

// SegmentKeyPath returns the key for one segment record.
// Format: /sluice/v1/streams/<scope>/<stream>/segments/<segmentIdZ>
func SegmentKeyPath(scope, stream string, segmentID int64) string {
	return fmt.Sprintf("%s%s/%s", StreamPrefix(scope, stream), nodeSegments, EncodeSegmentID(segmentID))
}

// SegmentsPrefix returns the prefix for listing all segment records of a
// stream, ordered by segment id.
func SegmentsPrefix(scope, stream string) string {
	return StreamPrefix(scope, stream) + nodeSegments + "/"
}

// ParseSegmentKey parses a segment key into its components.
func ParseSegmentKey(key string) (scope, stream string, segmentID int64, err error) {
	scope, stream, node, err := ParseStreamKey(key)
	if err != nil {
		return "", "", 0, err
	}
	idZ, ok := strings.CutPrefix(node, nodeSegments+"/")
	if !ok || strings.Contains(idZ, "/") {
		return "", "", 0, ErrInvalidKey
	}
	segmentID, err = DecodeSegmentID(idZ)
	if err != nil {
		return "", "", 0, fmt.Errorf("%w: invalid segment id: %v", ErrInvalidKey, err)
	}
	return scope, stream, segmentID, nil
}

// HistoryKeyPath returns the key for one epoch's history record.
// Format: /sluice/v1/streams/<scope>/<stream>/history/<epochZ>
func HistoryKeyPath(scope, stream string, epoch int32) string {
	return fmt.Sprintf("%s%s/%s", StreamPrefix(scope, stream), nodeHistory, EncodeEpoch(epoch))
}

// HistoryPrefix returns the prefix for listing all history records of a
// stream, ordered by epoch.
func HistoryPrefix(scope, stream string) string {
	return StreamPrefix(scope, stream) + nodeHistory + "/"
}

// ParseHistoryKey parses a history key and returns the epoch.
func ParseHistoryKey(key string) (epoch int32, err error) {
	_, _, node, err := ParseStreamKey(key)
	if err != nil {
		return 0, err
	}
	epochZ, ok := strings.CutPrefix(node, nodeHistory+"/")
	if !ok || strings.Contains(epochZ, "/") {
		return 0, ErrInvalidKey
	}
	epoch, err = DecodeEpoch(epochZ)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid epoch: %v", ErrInvalidKey, err)
	}
	return epoch, nil
}

// =============================================================================
// Transaction Keys
// =============================================================================

// TxnEpochKeyPath returns the key for one epoch's open-transaction counter.
// Format: /sluice/v1/streams/<scope>/<stream>/txn-epochs/<epochZ>
func TxnEpochKeyPath(scope, stream string, epoch int32) string {
	return fmt.Sprintf("%s%s/%s", StreamPrefix(scope, stream), nodeTxnEpochs, EncodeEpoch(epoch))
}

// TxnEpochsPrefix returns the prefix for listing all transaction epoch
// counters of a stream.
func TxnEpochsPrefix(scope, stream string) string {
	return StreamPrefix(scope, stream) + nodeTxnEpochs + "/"
}

// ActiveTxnKeyPath returns the key for an active transaction record.
// Format: /sluice/v1/streams/<scope>/<stream>/txns/<txnId>
func ActiveTxnKeyPath(scope, stream, txnID string) string {
	return fmt.Sprintf("%s%s/%s", StreamPrefix(scope, stream), nodeActiveTxns, txnID)
}

// ActiveTxnsPrefix returns the prefix for listing all active transactions
// of a stream.
func ActiveTxnsPrefix(scope, stream string) string {
	return StreamPrefix(scope, stream) + nodeActiveTxns + "/"
}

// ParseActiveTxnKey parses an active transaction key into its components.
func ParseActiveTxnKey(key string) (scope, stream, txnID string, err error) {
	scope, stream, node, err := ParseStreamKey(key)
	if err != nil {
		return "", "", "", err
	}
	txnID, ok := strings.CutPrefix(node, nodeActiveTxns+"/")
	if !ok || txnID == "" || strings.Contains(txnID, "/") {
		return "", "", "", ErrInvalidKey
	}
	return scope, stream, txnID, nil
}

// CompletedTxnKeyPath returns the key for a completed transaction tombstone.
// Format: /sluice/v1/streams/<scope>/<stream>/completed-txns/<txnId>
func CompletedTxnKeyPath(scope, stream, txnID string) string {
	return fmt.Sprintf("%s%s/%s", StreamPrefix(scope, stream), nodeCompletedTxns, txnID)
}

// CompletedTxnsPrefix returns the prefix for listing all completed
// transaction tombstones of a stream.
func CompletedTxnsPrefix(scope, stream string) string {
	return StreamPrefix(scope, stream) + nodeCompletedTxns + "/"
}

// =============================================================================
// Host Index Keys
// =============================================================================

// HostKeyPath returns the key for a host marker in the transaction index.
// Format: /sluice/v1/hosts/<host>
func HostKeyPath(host string) string {
	return fmt.Sprintf("%s/%s", HostsPrefix, host)
}

// HostsListPrefix returns the prefix for listing the host index. The
// listing contains both host markers and their transaction entries;
// markers are the keys with no further path below the host name.
func HostsListPrefix() string {
	return HostsPrefix + "/"
}

// ParseHostKey parses a host marker key and returns the host name.
// Returns ErrInvalidKey for transaction entries below the host.
func ParseHostKey(key string) (string, error) {
	prefix := HostsPrefix + "/"
	if !strings.HasPrefix(key, prefix) {
		return "", ErrInvalidKey
	}
	rest := key[len(prefix):]
	if rest == "" || strings.Contains(rest, "/") {
		return "", ErrInvalidKey
	}
	return rest, nil
}

// HostTxnKeyPath returns the key for one transaction entry under a host.
// Format: /sluice/v1/hosts/<host>/txns/<txnId>
func HostTxnKeyPath(host, txnID string) string {
	return fmt.Sprintf("%s/%s/txns/%s", HostsPrefix, host, txnID)
}

// HostTxnsPrefix returns the prefix for listing all transaction entries
// owned by a host.
func HostTxnsPrefix(host string) string {
	return fmt.Sprintf("%s/%s/txns/", HostsPrefix, host)
}

// ParseHostTxnKey parses a host transaction entry key.
func ParseHostTxnKey(key string) (host, txnID string, err error) {
	prefix := HostsPrefix + "/"
	if !strings.HasPrefix(key, prefix) {
		return "", "", ErrInvalidKey
	}
	rest := key[len(prefix):]
	parts := strings.Split(rest, "/txns/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrInvalidKey
	}
	return parts[0], parts[1], nil
}

// =============================================================================
// Controller Registry Keys
// =============================================================================

// ControllerKeyPath returns the key for a controller instance registration.
// Format: /sluice/v1/controllers/<controllerId>
func ControllerKeyPath(controllerID string) string {
	return fmt.Sprintf("%s/%s", ControllersPrefix, controllerID)
}

// ControllersListPrefix returns the prefix for listing all registered
// controller instances.
func ControllersListPrefix() string {
	return ControllersPrefix + "/"
}

// ParseControllerKey parses a controller registration key and returns the
// controller id.
func ParseControllerKey(key string) (string, error) {
	prefix := ControllersPrefix + "/"
	if !strings.HasPrefix(key, prefix) {
		return "", ErrInvalidKey
	}
	rest := key[len(prefix):]
	if rest == "" || strings.Contains(rest, "/") {
		return "", ErrInvalidKey
	}
	return rest, nil
}

// =============================================================================
// Bucket Keys
// =============================================================================

// BucketStreamKeyPath returns the membership key for a stream in a
// retention bucket.
// Format: /sluice/v1/buckets/<bucketZ>/<scope>/<stream>
func BucketStreamKeyPath(bucket int, scope, stream string) string {
	return fmt.Sprintf("%s/%s/%s/%s", BucketsPrefix, EncodeBucket(bucket), scope, stream)
}

// BucketPrefix returns the prefix for listing all streams in a bucket.
func BucketPrefix(bucket int) string {
	return fmt.Sprintf("%s/%s/", BucketsPrefix, EncodeBucket(bucket))
}

// ParseBucketStreamKey parses a bucket membership key into its components.
func ParseBucketStreamKey(key string) (bucket int, scope, stream string, err error) {
	prefix := BucketsPrefix + "/"
	if !strings.HasPrefix(key, prefix) {
		return 0, "", "", ErrInvalidKey
	}
	rest := key[len(prefix):]
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return 0, "", "", ErrInvalidKey
	}
	b, err := strconv.Atoi(parts[0])
	if err != nil || b < 0 {
		return 0, "", "", fmt.Errorf("%w: invalid bucket number", ErrInvalidKey)
	}
	return b, parts[1], parts[2], nil
}
