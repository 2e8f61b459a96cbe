package core

import (
	"testing"
	"time"
)

func testPresenceCache(t *testing.T, maxEntries int) *PresenceCache {
	t.Helper()
	engine, err := OpenEngine("")
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	cache, err := OpenPresenceCache(engine, PresenceCacheConfig{
		MinConfidenceBps: 2500,
		TTLSecs:          900,
		RadiusMeters:     50,
		MaxEntries:       maxEntries,
	})
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	return cache
}

func presenceReceipt(id, beacon, bucket string, confidence uint16, expiresDeltaMicros int64) *PresenceReceipt {
	now := nowUnixMicros()
	return &PresenceReceipt{
		ReceiptID:       id,
		BeaconID:        beacon,
		DeviceKey:       []byte{1, 2, 3},
		LocationBucket:  bucket,
		RadiusMeters:    50,
		ConfidenceBps:   confidence,
		MintedAtMicros:  now,
		ExpiresAtMicros: now + expiresDeltaMicros,
		Kind:            PresenceLocalNet,
	}
}

//-------------------------------------------------------------
// Admission
//-------------------------------------------------------------

func TestPresenceInsertAndGet(t *testing.T) {
	cache := testPresenceCache(t, 100)
	rc := presenceReceipt("r1", "beacon-1", "bucket-9", 5000, 60_000_000)
	rc.VenueID = "cafe"
	rc.HasVenueID = true
	if err := cache.Insert(rc); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := cache.Get("beacon-1", "bucket-9")
	if err != nil || got == nil {
		t.Fatalf("get: %v %v", got, err)
	}
	if got.ReceiptID != "r1" || !got.HasVenueID || got.VenueID != "cafe" {
		t.Fatalf("receipt fields lost: %+v", got)
	}
	if missing, err := cache.Get("beacon-1", "elsewhere"); err != nil || missing != nil {
		t.Fatal("phantom entry")
	}
}

func TestPresenceRejectsLowConfidenceAndExpired(t *testing.T) {
	cache := testPresenceCache(t, 100)
	if err := cache.Insert(presenceReceipt("low", "b", "x", 100, 60_000_000)); err == nil {
		t.Fatal("low-confidence receipt admitted")
	}
	if err := cache.Insert(presenceReceipt("old", "b", "x", 5000, -1)); err == nil {
		t.Fatal("expired receipt admitted")
	}
	if cache.Len() != 0 {
		t.Fatal("rejected receipts cached")
	}
}

//-------------------------------------------------------------
// Pruning and eviction
//-------------------------------------------------------------

func TestPruneExpiredIsIdempotent(t *testing.T) {
	cache := testPresenceCache(t, 100)
	if err := cache.Insert(presenceReceipt("brief", "b1", "x", 5000, 20_000)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := cache.Insert(presenceReceipt("long", "b2", "x", 5000, 3_600_000_000)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Wait out the 20ms receipt so it has expired before pruning.
	time.Sleep(50 * time.Millisecond)
	pruned, err := cache.PruneExpired()
	if err != nil || pruned != 1 {
		t.Fatalf("first prune = %d, %v", pruned, err)
	}
	again, err := cache.PruneExpired()
	if err != nil || again != 0 {
		t.Fatalf("second prune = %d, %v; not idempotent", again, err)
	}
	if cache.Len() != 1 {
		t.Fatalf("cache len = %d, want 1", cache.Len())
	}
}

func TestLRUEvictionAtCapacity(t *testing.T) {
	cache := testPresenceCache(t, 2)
	if err := cache.Insert(presenceReceipt("a", "ba", "x", 5000, 3_600_000_000)); err != nil {
		t.Fatalf("insert a: %v", err)
	}
	if err := cache.Insert(presenceReceipt("b", "bb", "x", 5000, 3_600_000_000)); err != nil {
		t.Fatalf("insert b: %v", err)
	}
	// Touch "a" so "b" becomes the LRU victim.
	if _, err := cache.Get("ba", "x"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := cache.Insert(presenceReceipt("c", "bc", "x", 5000, 3_600_000_000)); err != nil {
		t.Fatalf("insert c: %v", err)
	}
	if cache.Len() != 2 {
		t.Fatalf("len = %d, want 2", cache.Len())
	}
	if got, _ := cache.Get("bb", "x"); got != nil {
		t.Fatal("LRU victim survived")
	}
	if got, _ := cache.Get("ba", "x"); got == nil {
		t.Fatal("recently used entry evicted")
	}
}

//-------------------------------------------------------------
// Listing, removal, histogram
//-------------------------------------------------------------

func TestPresenceListingSorted(t *testing.T) {
	cache := testPresenceCache(t, 100)
	for _, b := range []string{"zz", "aa", "mm"} {
		if err := cache.Insert(presenceReceipt(b, b, "x", 5000, 3_600_000_000)); err != nil {
			t.Fatalf("insert %s: %v", b, err)
		}
	}
	refs, err := cache.ListBucketRefs()
	if err != nil || len(refs) != 3 {
		t.Fatalf("refs: %v %v", refs, err)
	}
	if refs[0].BeaconID != "aa" || refs[2].BeaconID != "zz" {
		t.Fatalf("refs unsorted: %+v", refs)
	}

	if existed, _ := cache.Remove("mm", "x"); !existed {
		t.Fatal("remove failed")
	}
	if existed, _ := cache.Remove("mm", "x"); existed {
		t.Fatal("double remove reported success")
	}
}

func TestFreshnessHistogram(t *testing.T) {
	cache := testPresenceCache(t, 100)
	if err := cache.Insert(presenceReceipt("soon", "b1", "x", 5000, 30_000_000)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := cache.Insert(presenceReceipt("later", "b2", "x", 5000, 7_200_000_000)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	hist, err := cache.Freshness()
	if err != nil {
		t.Fatalf("freshness: %v", err)
	}
	if hist.FreshUnderMinute != 1 || hist.FreshOverHour != 1 {
		t.Fatalf("histogram wrong: %+v", hist)
	}
}

func TestPresenceReceiptCodecRoundTrip(t *testing.T) {
	rc := presenceReceipt("r", "b", "x", 3000, 1_000_000)
	rc.Kind = PresenceRangeBoost
	rc.CrowdSizeHint = 12
	rc.HasCrowdHint = true
	rc.PresenceBadge = "gold"
	rc.HasBadge = true

	decoded, err := decodePresenceReceipt(encodePresenceReceipt(rc))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Kind != PresenceRangeBoost || decoded.CrowdSizeHint != 12 || decoded.PresenceBadge != "gold" {
		t.Fatalf("fields lost: %+v", decoded)
	}
}
