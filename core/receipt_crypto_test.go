package core

import (
	"crypto/ed25519"
	"errors"
	"testing"
)

func signedStorageReceipt(t *testing.T, priv ed25519.PrivateKey, provider string, height, nonce uint64) *StorageReceipt {
	t.Helper()
	rc := &StorageReceipt{
		BlockHeight:    height,
		ContractID:     "object-7",
		Provider:       provider,
		Bytes:          4096,
		Price:          16,
		ProviderEscrow: 100,
		SignatureNonce: nonce,
	}
	preimage := buildStoragePreimage(rc)
	copy(rc.ProviderSignature[:], ed25519.Sign(priv, preimage[:]))
	return rc
}

func testKeyPair(t *testing.T, seedLabel string) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	seed := HashBytes([]byte(seedLabel))
	priv := ed25519.NewKeyFromSeed(seed[:])
	return priv.Public().(ed25519.PublicKey), priv
}

//-------------------------------------------------------------
// Replay defence end to end
//-------------------------------------------------------------

func TestVerifyThenReplayRejected(t *testing.T) {
	pub, priv := testKeyPair(t, "provider_001")
	registry := NewProviderRegistry()
	if err := registry.RegisterProvider("provider_001", pub, 50); err != nil {
		t.Fatalf("register: %v", err)
	}
	tracker := NewNonceTracker(DefaultFinalityWindow)

	rc := signedStorageReceipt(t, priv, "provider_001", 100, 1)
	if err := VerifyReceiptSignature(rc, registry, tracker, 100); err != nil {
		t.Fatalf("first verify: %v", err)
	}

	err := VerifyReceiptSignature(rc, registry, tracker, 100)
	var ce *CryptoError
	if !errors.As(err, &ce) || ce.Kind != "replayed_nonce" {
		t.Fatalf("expected replayed_nonce, got %v", err)
	}
	if ce.ProviderID != "provider_001" || ce.Nonce != 1 {
		t.Fatalf("wrong error payload: %+v", ce)
	}
}

func TestVerifyUnknownProviderDistinctFromBadSignature(t *testing.T) {
	pub, priv := testKeyPair(t, "registered")
	registry := NewProviderRegistry()
	if err := registry.RegisterProvider("registered", pub, 1); err != nil {
		t.Fatalf("register: %v", err)
	}
	tracker := NewNonceTracker(DefaultFinalityWindow)

	// Unknown provider.
	unknown := signedStorageReceipt(t, priv, "ghost", 10, 1)
	err := VerifyReceiptSignature(unknown, registry, tracker, 10)
	var ce *CryptoError
	if !errors.As(err, &ce) || ce.Kind != "unknown_provider" {
		t.Fatalf("expected unknown_provider, got %v", err)
	}

	// Registered provider, forged signature.
	forged := signedStorageReceipt(t, priv, "registered", 10, 2)
	forged.ProviderSignature[0] ^= 0xFF
	err = VerifyReceiptSignature(forged, registry, tracker, 10)
	if !errors.As(err, &ce) || ce.Kind != "invalid_signature" {
		t.Fatalf("expected invalid_signature, got %v", err)
	}
}

func TestUnsignedReceiptsVerifyTrivially(t *testing.T) {
	registry := NewProviderRegistry()
	tracker := NewNonceTracker(DefaultFinalityWindow)
	receipts := []Receipt{
		&StorageSlashReceipt{SlashReceipt{Market: "storage", Provider: "p", Amount: 5}},
		&ComputeSlashReceipt{SlashReceipt{Market: "compute", Provider: "p", Amount: 5}},
		&EnergySlashReceipt{SlashReceipt{Market: "energy", Provider: "p", Amount: 5}},
		&RelayReceipt{Relayer: "r", BytesCarried: 10},
	}
	for _, rc := range receipts {
		if err := VerifyReceiptSignature(rc, registry, tracker, 5); err != nil {
			t.Fatalf("unsigned receipt rejected: %v", err)
		}
	}
}

//-------------------------------------------------------------
// Nonce tracker bounds
//-------------------------------------------------------------

func TestNoncePruningAllowsReuse(t *testing.T) {
	tracker := NewNonceTracker(10)
	if err := tracker.CheckAndRecordNonce("p", 1, 100); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := tracker.CheckAndRecordNonce("p", 1, 100); err == nil {
		t.Fatal("expected replay rejection")
	}
	tracker.PruneOldNonces(200)
	if tracker.HasSeenNonce("p", 1) {
		t.Fatal("nonce should be pruned")
	}
	// Pruned nonces may legitimately be reused.
	if err := tracker.CheckAndRecordNonce("p", 1, 200); err != nil {
		t.Fatalf("reuse after prune: %v", err)
	}
}

func TestNonceCapacityEvictsOldest(t *testing.T) {
	tracker := NewNonceTracker(1 << 32)
	for i := uint64(0); i < maxNoncesTracked+10; i++ {
		if err := tracker.CheckAndRecordNonce("p", i, i); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	if tracker.Tracked() > maxNoncesTracked {
		t.Fatalf("tracker over capacity: %d", tracker.Tracked())
	}
	if tracker.HasSeenNonce("p", 0) {
		t.Fatal("oldest nonce should have been evicted")
	}
	if !tracker.HasSeenNonce("p", maxNoncesTracked+9) {
		t.Fatal("newest nonce missing")
	}
}

func TestProviderRegistryValidation(t *testing.T) {
	pub, _ := testKeyPair(t, "x")
	registry := NewProviderRegistry()
	if err := registry.RegisterProvider("", pub, 1); err == nil {
		t.Fatal("empty id accepted")
	}
	long := make([]byte, maxProviderIDLen+1)
	for i := range long {
		long[i] = 'a'
	}
	if err := registry.RegisterProvider(string(long), pub, 1); err == nil {
		t.Fatal("oversized id accepted")
	}
	if err := registry.RegisterProviderWithMetadata("p", pub, 7, "us-east", true, 64512, true); err != nil {
		t.Fatalf("register with metadata: %v", err)
	}
	rec, ok := registry.ProviderRecordFor("p")
	if !ok || !rec.HasRegion || rec.Region != "us-east" || !rec.HasASN || rec.ASN != 64512 {
		t.Fatalf("metadata lost: %+v", rec)
	}
}

//-------------------------------------------------------------
// Preimage stability
//-------------------------------------------------------------

func TestPreimageSentinelsDistinguishAbsentFields(t *testing.T) {
	base := StorageReceipt{
		BlockHeight: 1, ContractID: "c", Provider: "p",
		Bytes: 1, Price: 1, ProviderEscrow: 1, SignatureNonce: 1,
	}
	withRegion := base
	withRegion.Region = ""
	withRegion.HasRegion = true

	// An empty-but-present region must hash differently from an absent one.
	if buildStoragePreimage(&base) == buildStoragePreimage(&withRegion) {
		t.Fatal("sentinel does not distinguish absent from empty")
	}
}

func TestComputePreimageCoversBlockTorchMeta(t *testing.T) {
	rc := ComputeReceipt{
		BlockHeight: 1, JobID: "j", Provider: "p",
		ComputeUnits: 2, Payment: 3, Verified: true, SignatureNonce: 4,
	}
	bare := buildComputePreimage(&rc)
	rc.BlockTorch = &BlockTorchMeta{KernelVariantDigest: HashBytes([]byte("k")), ProofLatencyMs: 9}
	if bare == buildComputePreimage(&rc) {
		t.Fatal("blocktorch metadata not bound into preimage")
	}
}
