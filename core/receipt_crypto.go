package core

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Receipt signature verification and replay defence. Providers register an
// ed25519 verifying key; signed receipts are checked against a domain-tagged
// preimage, and a bounded nonce tracker rejects replays inside the finality
// window.

const (
	maxNoncesTracked = 1 << 12
	nonceKeyDomain   = "receipt_nonce"
	maxProviderIDLen = 256
)

// CryptoError is the verification failure taxonomy. Monitoring relies on the
// distinction between a missing registration and a forged signature.
type CryptoError struct {
	Kind       string // invalid_signature | unknown_provider | replayed_nonce | malformed_signature
	Reason     string
	ProviderID string
	Nonce      uint64
}

func (e *CryptoError) Error() string {
	switch e.Kind {
	case "invalid_signature":
		return fmt.Sprintf("invalid signature: %s", e.Reason)
	case "unknown_provider":
		return fmt.Sprintf("unknown provider: %s", e.ProviderID)
	case "replayed_nonce":
		return fmt.Sprintf("replayed nonce %d for provider %s", e.Nonce, e.ProviderID)
	case "malformed_signature":
		return fmt.Sprintf("malformed signature: %s", e.Reason)
	}
	return e.Kind
}

func errInvalidSignature(reason string) *CryptoError {
	return &CryptoError{Kind: "invalid_signature", Reason: reason}
}

func errUnknownProvider(id string) *CryptoError {
	return &CryptoError{Kind: "unknown_provider", ProviderID: id}
}

func errReplayedNonce(id string, nonce uint64) *CryptoError {
	return &CryptoError{Kind: "replayed_nonce", ProviderID: id, Nonce: nonce}
}

// ProviderRecord is a registered provider's verification metadata.
type ProviderRecord struct {
	VerifyingKey      ed25519.PublicKey
	RegisteredAtBlock uint64
	Region            string
	HasRegion         bool
	ASN               uint32
	HasASN            bool
}

// ProviderRegistry maps provider ids to verification records.
type ProviderRegistry struct {
	providers map[string]ProviderRecord
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{providers: make(map[string]ProviderRecord)}
}

// RegisterProvider stores a provider's verifying key.
func (pr *ProviderRegistry) RegisterProvider(id string, key ed25519.PublicKey, blockHeight uint64) error {
	return pr.RegisterProviderWithMetadata(id, key, blockHeight, "", false, 0, false)
}

// RegisterProviderWithMetadata stores a provider key with optional region and
// ASN hints.
func (pr *ProviderRegistry) RegisterProviderWithMetadata(id string, key ed25519.PublicKey, blockHeight uint64, region string, hasRegion bool, asn uint32, hasASN bool) error {
	if id == "" {
		return fmt.Errorf("receipt_crypto: provider_id cannot be empty")
	}
	if len(id) > maxProviderIDLen {
		return fmt.Errorf("receipt_crypto: provider_id too long")
	}
	if len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("receipt_crypto: verifying key must be %d bytes", ed25519.PublicKeySize)
	}
	pr.providers[id] = ProviderRecord{
		VerifyingKey:      append(ed25519.PublicKey(nil), key...),
		RegisteredAtBlock: blockHeight,
		Region:            region,
		HasRegion:         hasRegion,
		ASN:               asn,
		HasASN:            hasASN,
	}
	logrus.Debugf("receipt_crypto: registered provider %s at block %d", id, blockHeight)
	return nil
}

// Provider returns the verifying key for a registered provider.
func (pr *ProviderRegistry) Provider(id string) (ed25519.PublicKey, bool) {
	rec, ok := pr.providers[id]
	if !ok {
		return nil, false
	}
	return rec.VerifyingKey, true
}

// ProviderRecordFor returns the full metadata record.
func (pr *ProviderRegistry) ProviderRecordFor(id string) (ProviderRecord, bool) {
	rec, ok := pr.providers[id]
	return rec, ok
}

func (pr *ProviderRegistry) ProviderRegistered(id string) bool {
	_, ok := pr.providers[id]
	return ok
}

// nonceKey is an opaque 32-byte key derived from the provider id and nonce.
// Equality checks go through constantTimeKeyEqual so comparisons never leak
// provider identity through timing.
type nonceKey [32]byte

func newNonceKey(providerID string, nonce uint64) nonceKey {
	h := sha256.New()
	h.Write([]byte(nonceKeyDomain))
	h.Write([]byte(providerID))
	w := NewWriter()
	w.WriteU64(nonce)
	h.Write(w.Bytes())
	var key nonceKey
	copy(key[:], h.Sum(nil))
	return key
}

func constantTimeKeyEqual(a, b nonceKey) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

type trackedNonce struct {
	block uint64
	key   nonceKey
}

// NonceTracker prevents replay of signed receipts within the finality
// window. Capacity is bounded; over capacity the oldest distinct key is
// evicted. The map bucket is confirmed with a constant-time comparison so a
// probe's hit/miss path does not leak which provider's key it collided with.
type NonceTracker struct {
	seen           map[nonceKey]trackedNonce
	ordered        []trackedNonce
	FinalityWindow uint64
}

func NewNonceTracker(finalityWindow uint64) *NonceTracker {
	return &NonceTracker{
		seen:           make(map[nonceKey]trackedNonce),
		FinalityWindow: finalityWindow,
	}
}

func (nt *NonceTracker) lookup(key nonceKey) (trackedNonce, bool) {
	stored, ok := nt.seen[key]
	if !ok {
		return trackedNonce{}, false
	}
	return stored, constantTimeKeyEqual(stored.key, key)
}

// HasSeenNonce reports whether the pair is currently tracked.
func (nt *NonceTracker) HasSeenNonce(providerID string, nonce uint64) bool {
	_, ok := nt.lookup(newNonceKey(providerID, nonce))
	return ok
}

// CheckAndRecordNonce rejects a replayed pair and otherwise records it at the
// current block.
func (nt *NonceTracker) CheckAndRecordNonce(providerID string, nonce uint64, currentBlock uint64) error {
	key := newNonceKey(providerID, nonce)
	if _, ok := nt.lookup(key); ok {
		return errReplayedNonce(providerID, nonce)
	}
	entry := trackedNonce{block: currentBlock, key: key}
	nt.seen[key] = entry
	nt.ordered = append(nt.ordered, entry)
	nt.enforceCapacity()
	return nil
}

// PruneOldNonces drops keys recorded before currentBlock − finality window.
// Pruned nonces may legitimately be reused.
func (nt *NonceTracker) PruneOldNonces(currentBlock uint64) {
	cutoff := satSub(currentBlock, nt.FinalityWindow)
	for len(nt.ordered) > 0 {
		front := nt.ordered[0]
		if front.block >= cutoff {
			break
		}
		nt.ordered = nt.ordered[1:]
		nt.dropIfCurrent(front)
	}
}

func (nt *NonceTracker) enforceCapacity() {
	for len(nt.ordered) > maxNoncesTracked {
		front := nt.ordered[0]
		nt.ordered = nt.ordered[1:]
		nt.dropIfCurrent(front)
	}
}

// dropIfCurrent deletes the map entry only when the recorded block still
// matches, so a key re-recorded after pruning survives eviction of its stale
// FIFO entry.
func (nt *NonceTracker) dropIfCurrent(entry trackedNonce) {
	stored, ok := nt.lookup(entry.key)
	if ok && stored.block == entry.block {
		delete(nt.seen, entry.key)
	}
}

// Tracked returns the number of live nonce keys.
func (nt *NonceTracker) Tracked() int { return len(nt.seen) }

// Preimage construction. Type-tagged: the hash starts with the ASCII tag and
// absorbs each field in fixed order, little-endian for integers, raw bytes
// for identifiers and hashes, literal sentinels for absent optionals. Inside
// present BlockTorch metadata, an absent benchmark commit or tensor epoch is
// skipped without a sentinel.

func buildStoragePreimage(rc *StorageReceipt) Hash {
	h := sha256.New()
	h.Write([]byte("storage"))
	writeLE64(h, rc.BlockHeight)
	h.Write([]byte(rc.ContractID))
	h.Write([]byte(rc.Provider))
	writeLE64(h, rc.Bytes)
	writeLE64(h, rc.Price)
	writeLE64(h, rc.ProviderEscrow)
	if rc.ChunkHash != nil {
		h.Write(rc.ChunkHash[:])
	} else {
		h.Write([]byte("chunk_hash:none"))
	}
	if rc.HasRegion {
		h.Write([]byte(rc.Region))
	} else {
		h.Write([]byte("region:none"))
	}
	writeLE64(h, rc.SignatureNonce)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

func buildComputePreimage(rc *ComputeReceipt) Hash {
	h := sha256.New()
	h.Write([]byte("compute"))
	writeLE64(h, rc.BlockHeight)
	h.Write([]byte(rc.JobID))
	h.Write([]byte(rc.Provider))
	writeLE64(h, rc.ComputeUnits)
	writeLE64(h, rc.Payment)
	if rc.Verified {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	writeLE64(h, rc.SignatureNonce)
	if meta := rc.BlockTorch; meta != nil {
		h.Write(meta.KernelVariantDigest[:])
		if meta.HasBenchmarkCommit {
			h.Write([]byte(meta.BenchmarkCommit))
		}
		if meta.HasTensorEpoch {
			h.Write([]byte(meta.TensorProfileEpoch))
		}
		writeLE64(h, meta.ProofLatencyMs)
	} else {
		h.Write([]byte("blocktorch:none"))
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

func buildEnergyPreimage(rc *EnergyReceipt) Hash {
	h := sha256.New()
	h.Write([]byte("energy"))
	writeLE64(h, rc.BlockHeight)
	h.Write([]byte(rc.ContractID))
	h.Write([]byte(rc.Provider))
	writeLE64(h, rc.EnergyUnits)
	writeLE64(h, rc.Price)
	h.Write(rc.ProofHash[:])
	writeLE64(h, rc.SignatureNonce)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

func buildAdPreimage(rc *AdReceipt) Hash {
	h := sha256.New()
	h.Write([]byte("ad"))
	writeLE64(h, rc.BlockHeight)
	h.Write([]byte(rc.CampaignID))
	h.Write([]byte(rc.Publisher))
	writeLE64(h, rc.Impressions)
	writeLE64(h, rc.Spend)
	writeLE64(h, rc.Conversions)
	writeLE64(h, rc.SignatureNonce)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

func writeLE64(h interface{ Write([]byte) (int, error) }, v uint64) {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	h.Write(b[:])
}

// ReceiptPreimage exposes the signing digest so providers can sign receipts
// they mint. Unsigned receipt types return a zero hash.
func ReceiptPreimage(rc Receipt) Hash {
	switch t := rc.(type) {
	case *StorageReceipt:
		return buildStoragePreimage(t)
	case *ComputeReceipt:
		return buildComputePreimage(t)
	case *EnergyReceipt:
		return buildEnergyPreimage(t)
	case *AdReceipt:
		return buildAdPreimage(t)
	}
	return Hash{}
}

// VerifyReceiptSignature checks a receipt against the provider registry and
// nonce tracker. Slash and relay receipts are unsigned by construction and
// verify trivially. All errors are local to the receipt; a block containing a
// bad receipt is invalid as a whole, and no retry is performed here.
func VerifyReceiptSignature(rc Receipt, registry *ProviderRegistry, tracker *NonceTracker, currentBlock uint64) error {
	if IsUnsigned(rc) {
		return nil
	}

	var (
		preimage   Hash
		providerID string
		sig        Signature
		nonce      uint64
	)
	switch t := rc.(type) {
	case *StorageReceipt:
		preimage, providerID, sig, nonce = buildStoragePreimage(t), t.Provider, t.ProviderSignature, t.SignatureNonce
	case *ComputeReceipt:
		preimage, providerID, sig, nonce = buildComputePreimage(t), t.Provider, t.ProviderSignature, t.SignatureNonce
	case *EnergyReceipt:
		preimage, providerID, sig, nonce = buildEnergyPreimage(t), t.Provider, t.ProviderSignature, t.SignatureNonce
	case *AdReceipt:
		preimage, providerID, sig, nonce = buildAdPreimage(t), t.Publisher, t.PublisherSignature, t.SignatureNonce
	default:
		return errInvalidSignature("unsupported receipt type")
	}

	key, ok := registry.Provider(providerID)
	if !ok {
		return errUnknownProvider(providerID)
	}
	if err := tracker.CheckAndRecordNonce(providerID, nonce, currentBlock); err != nil {
		return err
	}
	if !ed25519.Verify(key, preimage[:], sig[:]) {
		return errInvalidSignature("ed25519 verification failed")
	}
	return nil
}
