package keys

import (
	"math"
	"sort"
	"testing"
)

func TestEncodeEpoch(t *testing.T) {
	tests := []struct {
		name     string
		epoch    int32
		expected string
	}{
		{"zero", 0, "0000000000"},
		{"one", 1, "0000000001"},
		{"hundred", 100, "0000000100"},
		{"max_int32", math.MaxInt32, "2147483647"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := EncodeEpoch(tc.epoch)
			if result != tc.expected {
				t.Errorf("EncodeEpoch(%d) = %q, want %q", tc.epoch, result, tc.expected)
			}
		})
	}
}

func TestDecodeEpoch(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int32
		wantErr  bool
	}{
		{"zero", "0000000000", 0, false},
		{"one", "0000000001", 1, false},
		{"no_padding", "42", 42, false},
		{"invalid", "abc", 0, true},
		{"negative", "-1", 0, true},
		{"overflow", "99999999999", 0, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := DecodeEpoch(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Errorf("DecodeEpoch(%q) expected error, got nil", tc.input)
				}
				return
			}
			if err != nil {
				t.Errorf("DecodeEpoch(%q) unexpected error: %v", tc.input, err)
				return
			}
			if result != tc.expected {
				t.Errorf("DecodeEpoch(%q) = %d, want %d", tc.input, result, tc.expected)
			}
		})
	}
}

func TestEncodeSegmentID(t *testing.T) {
	tests := []struct {
		name     string
		id       int64
		expected string
	}{
		{"zero", 0, "00000000000000000000"},
		{"one", 1, "00000000000000000001"},
		{"composite", int64(1)<<32 | 2, "00000000004294967298"},
		{"max_int64", math.MaxInt64, "09223372036854775807"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := EncodeSegmentID(tc.id)
			if result != tc.expected {
				t.Errorf("EncodeSegmentID(%d) = %q, want %q", tc.id, result, tc.expected)
			}
		})
	}
}

func TestSegmentIDRoundTrip(t *testing.T) {
	ids := []int64{0, 1, 4, int64(1)<<32 | 2, int64(7)<<32 | 19, math.MaxInt64}
	for _, id := range ids {
		decoded, err := DecodeSegmentID(EncodeSegmentID(id))
		if err != nil {
			t.Errorf("DecodeSegmentID round trip for %d failed: %v", id, err)
			continue
		}
		if decoded != id {
			t.Errorf("round trip mismatch: got %d, want %d", decoded, id)
		}
	}

	if _, err := DecodeSegmentID("-5"); err == nil {
		t.Error("DecodeSegmentID should reject negative values")
	}
}

func TestEncodedOrderMatchesNumericOrder(t *testing.T) {
	// Lexicographic order of encoded keys must match numeric order so
	// that substrate range listings return records in epoch/id order.
	epochs := []int32{0, 1, 2, 9, 10, 11, 99, 100, 1000000}
	encoded := make([]string, len(epochs))
	for i, e := range epochs {
		encoded[i] = EncodeEpoch(e)
	}
	if !sort.StringsAreSorted(encoded) {
		t.Errorf("encoded epochs not in lexicographic order: %v", encoded)
	}

	ids := []int64{0, 1, 9, 10, int64(1) << 32, int64(1)<<32 | 5, int64(2) << 32}
	encodedIDs := make([]string, len(ids))
	for i, id := range ids {
		encodedIDs[i] = EncodeSegmentID(id)
	}
	if !sort.StringsAreSorted(encodedIDs) {
		t.Errorf("encoded segment ids not in lexicographic order: %v", encodedIDs)
	}
}

func TestScopeKeys(t *testing.T) {
	key := ScopeKeyPath("prod")
	if key != "/sluice/v1/scopes/prod" {
		t.Errorf("unexpected scope key: %s", key)
	}

	scope, err := ParseScopeKey(key)
	if err != nil {
		t.Fatalf("ParseScopeKey failed: %v", err)
	}
	if scope != "prod" {
		t.Errorf("expected scope 'prod', got %s", scope)
	}

	invalid := []string{
		"/sluice/v1/scopes/",
		"/sluice/v1/scopes/prod/extra",
		"/sluice/v1/streams/prod/s/state",
		"/other/prefix",
	}
	for _, k := range invalid {
		if _, err := ParseScopeKey(k); err == nil {
			t.Errorf("ParseScopeKey(%q) should fail", k)
		}
	}
}

func TestStreamNodeKeys(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		expected string
	}{
		{"creation", StreamCreationKeyPath("s", "t"), "/sluice/v1/streams/s/t/creation"},
		{"config", StreamConfigKeyPath("s", "t"), "/sluice/v1/streams/s/t/config"},
		{"state", StreamStateKeyPath("s", "t"), "/sluice/v1/streams/s/t/state"},
		{"truncation", StreamTruncationKeyPath("s", "t"), "/sluice/v1/streams/s/t/truncation"},
		{"retention", StreamRetentionKeyPath("s", "t"), "/sluice/v1/streams/s/t/retention"},
		{"sealed_sizes", StreamSealedSizesKeyPath("s", "t"), "/sluice/v1/streams/s/t/sealed-sizes"},
		{"epoch_transition", EpochTransitionKeyPath("s", "t"), "/sluice/v1/streams/s/t/epoch-transition"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.key != tc.expected {
				t.Errorf("got %q, want %q", tc.key, tc.expected)
			}
		})
	}
}

func TestParseStreamKey(t *testing.T) {
	scope, stream, node, err := ParseStreamKey("/sluice/v1/streams/prod/orders/history/0000000003")
	if err != nil {
		t.Fatalf("ParseStreamKey failed: %v", err)
	}
	if scope != "prod" || stream != "orders" || node != "history/0000000003" {
		t.Errorf("unexpected parse result: %s %s %s", scope, stream, node)
	}

	invalid := []string{
		"/sluice/v1/streams/prod",
		"/sluice/v1/streams/prod/orders",
		"/sluice/v1/scopes/prod",
	}
	for _, k := range invalid {
		if _, _, _, err := ParseStreamKey(k); err == nil {
			t.Errorf("ParseStreamKey(%q) should fail", k)
		}
	}
}

func TestSegmentKeys(t *testing.T) {
	id := int64(2)<<32 | 5
	key := SegmentKeyPath("s", "t", id)

	scope, stream, parsed, err := ParseSegmentKey(key)
	if err != nil {
		t.Fatalf("ParseSegmentKey failed: %v", err)
	}
	if scope != "s" || stream != "t" || parsed != id {
		t.Errorf("unexpected parse result: %s %s %d", scope, stream, parsed)
	}

	if _, _, _, err := ParseSegmentKey(StreamStateKeyPath("s", "t")); err == nil {
		t.Error("ParseSegmentKey should reject non-segment keys")
	}
	if _, _, _, err := ParseSegmentKey("/sluice/v1/streams/s/t/segments/abc"); err == nil {
		t.Error("ParseSegmentKey should reject non-numeric ids")
	}
}

func TestHistoryKeys(t *testing.T) {
	key := HistoryKeyPath("s", "t", 7)
	if key != "/sluice/v1/streams/s/t/history/0000000007" {
		t.Errorf("unexpected history key: %s", key)
	}

	epoch, err := ParseHistoryKey(key)
	if err != nil {
		t.Fatalf("ParseHistoryKey failed: %v", err)
	}
	if epoch != 7 {
		t.Errorf("expected epoch 7, got %d", epoch)
	}

	if _, err := ParseHistoryKey(StreamStateKeyPath("s", "t")); err == nil {
		t.Error("ParseHistoryKey should reject non-history keys")
	}
}

func TestTxnKeys(t *testing.T) {
	txnKey := ActiveTxnKeyPath("s", "t", "6e8e7a2e-0000-4000-8000-000000000001")
	scope, stream, txnID, err := ParseActiveTxnKey(txnKey)
	if err != nil {
		t.Fatalf("ParseActiveTxnKey failed: %v", err)
	}
	if scope != "s" || stream != "t" || txnID != "6e8e7a2e-0000-4000-8000-000000000001" {
		t.Errorf("unexpected parse result: %s %s %s", scope, stream, txnID)
	}

	if _, _, _, err := ParseActiveTxnKey(CompletedTxnKeyPath("s", "t", "x")); err == nil {
		t.Error("ParseActiveTxnKey should reject completed txn keys")
	}

	epochKey := TxnEpochKeyPath("s", "t", 3)
	if epochKey != "/sluice/v1/streams/s/t/txn-epochs/0000000003" {
		t.Errorf("unexpected txn epoch key: %s", epochKey)
	}
}

func TestHostIndexKeys(t *testing.T) {
	hostKey := HostKeyPath("controller-1:9090")
	host, err := ParseHostKey(hostKey)
	if err != nil {
		t.Fatalf("ParseHostKey failed: %v", err)
	}
	if host != "controller-1:9090" {
		t.Errorf("expected host 'controller-1:9090', got %s", host)
	}

	txnKey := HostTxnKeyPath("controller-1:9090", "abc-123")
	if txnKey != "/sluice/v1/hosts/controller-1:9090/txns/abc-123" {
		t.Errorf("unexpected host txn key: %s", txnKey)
	}

	// Host markers and txn entries share the listing prefix; ParseHostKey
	// must reject entry keys so list filtering works.
	if _, err := ParseHostKey(txnKey); err == nil {
		t.Error("ParseHostKey should reject host txn entry keys")
	}

	h, id, err := ParseHostTxnKey(txnKey)
	if err != nil {
		t.Fatalf("ParseHostTxnKey failed: %v", err)
	}
	if h != "controller-1:9090" || id != "abc-123" {
		t.Errorf("unexpected parse result: %s %s", h, id)
	}

	if _, _, err := ParseHostTxnKey(hostKey); err == nil {
		t.Error("ParseHostTxnKey should reject host marker keys")
	}
}

func TestControllerKeys(t *testing.T) {
	key := ControllerKeyPath("ctrl-1")
	if key != "/sluice/v1/controllers/ctrl-1" {
		t.Errorf("unexpected controller key: %s", key)
	}

	id, err := ParseControllerKey(key)
	if err != nil {
		t.Fatalf("ParseControllerKey failed: %v", err)
	}
	if id != "ctrl-1" {
		t.Errorf("expected controller id 'ctrl-1', got %s", id)
	}

	invalid := []string{
		"/sluice/v1/controllers/",
		"/sluice/v1/controllers/ctrl-1/extra",
		"/sluice/v1/hosts/ctrl-1",
	}
	for _, k := range invalid {
		if _, err := ParseControllerKey(k); err == nil {
			t.Errorf("ParseControllerKey(%q) should fail", k)
		}
	}
}

func TestBucketKeys(t *testing.T) {
	key := BucketStreamKeyPath(7, "s", "t")
	if key != "/sluice/v1/buckets/0007/s/t" {
		t.Errorf("unexpected bucket key: %s", key)
	}

	bucket, scope, stream, err := ParseBucketStreamKey(key)
	if err != nil {
		t.Fatalf("ParseBucketStreamKey failed: %v", err)
	}
	if bucket != 7 || scope != "s" || stream != "t" {
		t.Errorf("unexpected parse result: %d %s %s", bucket, scope, stream)
	}

	invalid := []string{
		"/sluice/v1/buckets/0007/s",
		"/sluice/v1/buckets/abcd/s/t",
		"/sluice/v1/scopes/s",
	}
	for _, k := range invalid {
		if _, _, _, err := ParseBucketStreamKey(k); err == nil {
			t.Errorf("ParseBucketStreamKey(%q) should fail", k)
		}
	}
}
