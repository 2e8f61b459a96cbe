package core

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"theblock-network/pkg/utils"
)

// Presence cache: location attestations keyed by {beacon_id, bucket_id},
// persisted in the presence-receipts tree. Entries below the confidence
// floor or already expired are rejected; over capacity, expired entries are
// pruned first and an LRU eviction runs otherwise.

const presenceTreeName = "presence-receipts"

// PresenceKind classifies how the attestation was produced.
type PresenceKind uint8

const (
	PresenceLocalNet   PresenceKind = 0
	PresenceRangeBoost PresenceKind = 1
)

func (k PresenceKind) String() string {
	if k == PresenceRangeBoost {
		return "range_boost"
	}
	return "local_net"
}

// PresenceReceipt attests a device was observed at a location bucket within
// a TTL.
type PresenceReceipt struct {
	ReceiptID       string
	BeaconID        string
	DeviceKey       []byte
	LocationBucket  string
	RadiusMeters    uint32
	ConfidenceBps   uint16
	MintedAtMicros  int64
	ExpiresAtMicros int64
	Kind            PresenceKind
	VenueID         string
	HasVenueID      bool
	CrowdSizeHint   uint32
	HasCrowdHint    bool
	PresenceBadge   string
	HasBadge        bool
}

// IsExpired checks the receipt against the wall clock.
func (p *PresenceReceipt) IsExpired() bool {
	return p.ExpiresAtMicros <= nowUnixMicros()
}

// CacheKey is the tree key for the {beacon, bucket} pair.
func (p *PresenceReceipt) CacheKey() string {
	return p.BeaconID + "/" + p.LocationBucket
}

// PresenceBucketRef is the lightweight listing view.
type PresenceBucketRef struct {
	BeaconID       string
	LocationBucket string
	ExpiresAtMicros int64
}

// PresenceCacheConfig tunes admission and capacity.
type PresenceCacheConfig struct {
	MinConfidenceBps uint16
	TTLSecs          uint64
	RadiusMeters     uint32
	MaxEntries       int
}

// DefaultPresenceCacheConfig reads the TB_PRESENCE_* environment overrides.
func DefaultPresenceCacheConfig() PresenceCacheConfig {
	return PresenceCacheConfig{
		MinConfidenceBps: 2500,
		TTLSecs:          uint64(utils.EnvOrDefaultInt("TB_PRESENCE_TTL_SECS", 900)),
		RadiusMeters:     uint32(utils.EnvOrDefaultInt("TB_PRESENCE_RADIUS_METERS", 50)),
		MaxEntries:       utils.EnvOrDefaultInt("TB_PRESENCE_PROOF_CACHE_SIZE", 4096),
	}
}

// PresenceCacheConfigFromParams overlays governance knobs on the defaults.
func PresenceCacheConfigFromParams(p *Params) PresenceCacheConfig {
	cfg := DefaultPresenceCacheConfig()
	cfg.MinConfidenceBps = uint16(p.PresenceMinConfidenceBps)
	if p.PresenceTTLSecs > 0 {
		cfg.TTLSecs = uint64(p.PresenceTTLSecs)
	}
	return cfg
}

// PresenceCache stores receipts with TTL and LRU bookkeeping.
type PresenceCache struct {
	mu     sync.Mutex
	tree   *Tree
	config PresenceCacheConfig
	// lastTouched orders keys for LRU eviction; values are monotonic counters.
	lastTouched map[string]uint64
	touchSeq    uint64
}

// OpenPresenceCache binds the cache to an engine's presence tree.
func OpenPresenceCache(engine *Engine, config PresenceCacheConfig) (*PresenceCache, error) {
	tree, err := engine.OpenTree(presenceTreeName)
	if err != nil {
		return nil, err
	}
	return &PresenceCache{
		tree:        tree,
		config:      config,
		lastTouched: make(map[string]uint64),
	}, nil
}

// Insert admits a receipt, rejecting low-confidence or expired entries. When
// the cache is at capacity, expired entries are pruned; if still full, the
// least recently used entry is evicted.
func (c *PresenceCache) Insert(receipt *PresenceReceipt) error {
	if receipt.ConfidenceBps < c.config.MinConfidenceBps {
		return fmt.Errorf("presence: confidence %d below floor %d", receipt.ConfidenceBps, c.config.MinConfidenceBps)
	}
	if receipt.IsExpired() {
		return fmt.Errorf("presence: receipt %s already expired", receipt.ReceiptID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.tree.Len()
	if err != nil {
		return err
	}
	if n >= c.config.MaxEntries {
		pruned, err := c.pruneExpiredLocked()
		if err != nil {
			return err
		}
		if n-pruned >= c.config.MaxEntries {
			if err := c.evictLRULocked(); err != nil {
				return err
			}
		}
	}

	if _, err := c.tree.Insert([]byte(receipt.CacheKey()), encodePresenceReceipt(receipt)); err != nil {
		return err
	}
	c.touchLocked(receipt.CacheKey())
	return nil
}

func (c *PresenceCache) touchLocked(key string) {
	c.touchSeq++
	c.lastTouched[key] = c.touchSeq
}

func (c *PresenceCache) evictLRULocked() error {
	var victim string
	var oldest uint64
	err := c.tree.Iterate(func(key, _ []byte) error {
		k := string(key)
		seq := c.lastTouched[k]
		if victim == "" || seq < oldest {
			victim = k
			oldest = seq
		}
		return nil
	})
	if err != nil || victim == "" {
		return err
	}
	if _, err := c.tree.Delete([]byte(victim)); err != nil {
		return err
	}
	delete(c.lastTouched, victim)
	logrus.Debugf("presence: evicted LRU entry %s", victim)
	return nil
}

// Get fetches the receipt for a {beacon, bucket} pair and refreshes its LRU
// position.
func (c *PresenceCache) Get(beaconID, bucketID string) (*PresenceReceipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, err := c.tree.Get([]byte(beaconID + "/" + bucketID))
	if err != nil || raw == nil {
		return nil, err
	}
	receipt, err := decodePresenceReceipt(raw)
	if err != nil {
		return nil, err
	}
	c.touchLocked(receipt.CacheKey())
	return receipt, nil
}

// List returns every cached receipt sorted by key.
func (c *PresenceCache) List() ([]*PresenceReceipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*PresenceReceipt
	err := c.tree.Iterate(func(_, value []byte) error {
		receipt, err := decodePresenceReceipt(value)
		if err != nil {
			return err
		}
		out = append(out, receipt)
		return nil
	})
	return out, err
}

// ListBucketRefs returns the lightweight bucket listing.
func (c *PresenceCache) ListBucketRefs() ([]PresenceBucketRef, error) {
	receipts, err := c.List()
	if err != nil {
		return nil, err
	}
	out := make([]PresenceBucketRef, 0, len(receipts))
	for _, r := range receipts {
		out = append(out, PresenceBucketRef{
			BeaconID:        r.BeaconID,
			LocationBucket:  r.LocationBucket,
			ExpiresAtMicros: r.ExpiresAtMicros,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BeaconID != out[j].BeaconID {
			return out[i].BeaconID < out[j].BeaconID
		}
		return out[i].LocationBucket < out[j].LocationBucket
	})
	return out, nil
}

// Remove deletes one entry, reporting whether it existed.
func (c *PresenceCache) Remove(beaconID, bucketID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := beaconID + "/" + bucketID
	existed, err := c.tree.Delete([]byte(key))
	delete(c.lastTouched, key)
	return existed, err
}

// PruneExpired removes stale entries. Idempotent: a second call without
// intervening inserts removes nothing.
func (c *PresenceCache) PruneExpired() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pruneExpiredLocked()
}

func (c *PresenceCache) pruneExpiredLocked() (int, error) {
	var stale []string
	err := c.tree.Iterate(func(key, value []byte) error {
		receipt, err := decodePresenceReceipt(value)
		if err != nil {
			return err
		}
		if receipt.IsExpired() {
			stale = append(stale, string(key))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, key := range stale {
		if _, err := c.tree.Delete([]byte(key)); err != nil {
			return 0, err
		}
		delete(c.lastTouched, key)
	}
	return len(stale), nil
}

// Len counts cached receipts.
func (c *PresenceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, _ := c.tree.Len()
	return n
}

// Clear drops every entry.
func (c *PresenceCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastTouched = make(map[string]uint64)
	return c.tree.Clear()
}

// FreshnessHistogram buckets cached receipts by remaining TTL.
type FreshnessHistogram struct {
	FreshUnderMinute uint64
	FreshUnderHour   uint64
	FreshOverHour    uint64
	Expired          uint64
}

// Freshness computes the histogram over the live cache.
func (c *PresenceCache) Freshness() (FreshnessHistogram, error) {
	receipts, err := c.List()
	if err != nil {
		return FreshnessHistogram{}, err
	}
	var hist FreshnessHistogram
	now := nowUnixMicros()
	for _, r := range receipts {
		remaining := r.ExpiresAtMicros - now
		switch {
		case remaining <= 0:
			hist.Expired++
		case remaining < 60_000_000:
			hist.FreshUnderMinute++
		case remaining < 3_600_000_000:
			hist.FreshUnderHour++
		default:
			hist.FreshOverHour++
		}
	}
	return hist, nil
}

func encodePresenceReceipt(p *PresenceReceipt) []byte {
	w := NewWriter()
	w.BeginStruct(12)
	w.Field("receipt_id", func(w *Writer) { w.WriteString(p.ReceiptID) })
	w.Field("beacon_id", func(w *Writer) { w.WriteString(p.BeaconID) })
	w.Field("device_key", func(w *Writer) { w.WriteBytes(p.DeviceKey) })
	w.Field("location_bucket", func(w *Writer) { w.WriteString(p.LocationBucket) })
	w.Field("radius_meters", func(w *Writer) { w.WriteU32(p.RadiusMeters) })
	w.Field("confidence_bps", func(w *Writer) { w.WriteU16(p.ConfidenceBps) })
	w.Field("minted_at_micros", func(w *Writer) { w.WriteI64(p.MintedAtMicros) })
	w.Field("expires_at_micros", func(w *Writer) { w.WriteI64(p.ExpiresAtMicros) })
	w.Field("kind", func(w *Writer) { w.WriteU8(uint8(p.Kind)) })
	w.Field("venue_id", func(w *Writer) {
		w.WriteOption(p.HasVenueID, func(w *Writer) { w.WriteString(p.VenueID) })
	})
	w.Field("crowd_size_hint", func(w *Writer) {
		w.WriteOption(p.HasCrowdHint, func(w *Writer) { w.WriteU32(p.CrowdSizeHint) })
	})
	w.Field("presence_badge", func(w *Writer) {
		w.WriteOption(p.HasBadge, func(w *Writer) { w.WriteString(p.PresenceBadge) })
	})
	return w.Bytes()
}

func decodePresenceReceipt(b []byte) (*PresenceReceipt, error) {
	r := NewReader(b)
	var p PresenceReceipt
	err := r.DecodeStruct("PresenceReceipt", 12, func(key string, r *Reader) error {
		switch key {
		case "receipt_id":
			v, err := r.ReadString(key)
			p.ReceiptID = v
			return err
		case "beacon_id":
			v, err := r.ReadString(key)
			p.BeaconID = v
			return err
		case "device_key":
			v, err := r.ReadBytes(key)
			p.DeviceKey = v
			return err
		case "location_bucket":
			v, err := r.ReadString(key)
			p.LocationBucket = v
			return err
		case "radius_meters":
			v, err := r.ReadU32(key)
			p.RadiusMeters = v
			return err
		case "confidence_bps":
			v, err := r.ReadU16(key)
			p.ConfidenceBps = v
			return err
		case "minted_at_micros":
			v, err := r.ReadI64(key)
			p.MintedAtMicros = v
			return err
		case "expires_at_micros":
			v, err := r.ReadI64(key)
			p.ExpiresAtMicros = v
			return err
		case "kind":
			v, err := r.ReadU8(key)
			if err != nil {
				return err
			}
			if v > uint8(PresenceRangeBoost) {
				return errEnum("PresenceKind", uint64(v))
			}
			p.Kind = PresenceKind(v)
			return nil
		case "venue_id":
			_, err := r.ReadOption(key, func(r *Reader) error {
				v, err := r.ReadString(key)
				p.VenueID = v
				p.HasVenueID = true
				return err
			})
			return err
		case "crowd_size_hint":
			_, err := r.ReadOption(key, func(r *Reader) error {
				v, err := r.ReadU32(key)
				p.CrowdSizeHint = v
				p.HasCrowdHint = true
				return err
			})
			return err
		case "presence_badge":
			_, err := r.ReadOption(key, func(r *Reader) error {
				v, err := r.ReadString(key)
				p.PresenceBadge = v
				p.HasBadge = true
				return err
			})
			return err
		default:
			return errUnknownField(key)
		}
	})
	if err != nil {
		return nil, err
	}
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return &p, nil
}
