package core

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func openTestMarket(t *testing.T) *StorageMarket {
	t.Helper()
	m, err := OpenStorageMarket("")
	if err != nil {
		t.Fatalf("open market: %v", err)
	}
	return m
}

//-------------------------------------------------------------
// Proof outcomes (scenario: one replica, shares 4, price 8, deposit 80)
//-------------------------------------------------------------

func TestRecordProofOutcomes(t *testing.T) {
	m := openTestMarket(t)
	contract := StorageContract{
		ObjectID:      "obj-1",
		ClientAddress: "client",
		PricePerBlock: 8,
	}
	replicas := []ReplicaIncentive{NewReplicaIncentive("provider_1", 4, 8, 80)}
	if _, err := m.RegisterContract(contract, replicas); err != nil {
		t.Fatalf("register: %v", err)
	}

	success, err := m.RecordProofOutcome("obj-1", "", 2, true)
	if err != nil {
		t.Fatalf("success outcome: %v", err)
	}
	if success.Outcome != ProofSuccess || success.AmountAccruedCT != 8 || success.RemainingDepositCT != 80 {
		t.Fatalf("unexpected success record: %+v", success)
	}

	failure, err := m.RecordProofOutcome("obj-1", "provider_1", 3, false)
	if err != nil {
		t.Fatalf("failure outcome: %v", err)
	}
	if failure.Outcome != ProofFailure || failure.SlashedCT != 8 || failure.RemainingDepositCT != 72 {
		t.Fatalf("unexpected failure record: %+v", failure)
	}

	rec, err := m.LoadContract("obj-1")
	if err != nil || rec == nil {
		t.Fatalf("load: %v", err)
	}
	if rec.Contract.TotalDepositCT != 72 {
		t.Fatalf("total deposit = %d, want 72", rec.Contract.TotalDepositCT)
	}
}

// The total deposit must equal the replica sum after every commit.
func TestTotalDepositMatchesReplicaSum(t *testing.T) {
	m := openTestMarket(t)
	contract := StorageContract{ObjectID: "obj-2", PricePerBlock: 5}
	replicas := []ReplicaIncentive{
		NewReplicaIncentive("a", 2, 5, 40),
		NewReplicaIncentive("b", 2, 7, 60),
	}
	if _, err := m.RegisterContract(contract, replicas); err != nil {
		t.Fatalf("register: %v", err)
	}

	outcomes := []struct {
		provider string
		success  bool
	}{
		{"a", false}, {"b", false}, {"a", true}, {"b", false}, {"a", false},
	}
	for i, o := range outcomes {
		if _, err := m.RecordProofOutcome("obj-2", o.provider, uint64(i+1), o.success); err != nil {
			t.Fatalf("outcome %d: %v", i, err)
		}
		rec, err := m.LoadContract("obj-2")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		var sum uint64
		for _, r := range rec.Replicas {
			sum += r.DepositCT
		}
		if rec.Contract.TotalDepositCT != sum {
			t.Fatalf("after op %d: total %d != sum %d", i, rec.Contract.TotalDepositCT, sum)
		}
	}
}

//-------------------------------------------------------------
// Error taxonomy
//-------------------------------------------------------------

func TestProofOutcomeErrors(t *testing.T) {
	m := openTestMarket(t)
	if _, err := m.RecordProofOutcome("missing", "", 1, true); !errors.Is(err, ErrContractMissing) {
		t.Fatalf("expected ErrContractMissing, got %v", err)
	}

	if _, err := m.RegisterContract(StorageContract{ObjectID: "empty"}, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := m.RecordProofOutcome("empty", "", 1, true); !errors.Is(err, ErrNoReplicas) {
		t.Fatalf("expected ErrNoReplicas, got %v", err)
	}

	replicas := []ReplicaIncentive{NewReplicaIncentive("a", 1, 1, 10)}
	if _, err := m.RegisterContract(StorageContract{ObjectID: "one"}, replicas); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := m.RecordProofOutcome("one", "ghost", 1, true); !errors.Is(err, ErrReplicaMissing) {
		t.Fatalf("expected ErrReplicaMissing, got %v", err)
	}
}

//-------------------------------------------------------------
// Concurrency: CAS keeps counters linearizable
//-------------------------------------------------------------

func TestConcurrentProofOutcomes(t *testing.T) {
	m := openTestMarket(t)
	replicas := []ReplicaIncentive{NewReplicaIncentive("p", 1, 1, 1_000_000)}
	if _, err := m.RegisterContract(StorageContract{ObjectID: "hot", PricePerBlock: 1}, replicas); err != nil {
		t.Fatalf("register: %v", err)
	}

	const writers = 8
	const perWriter = 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := m.RecordProofOutcome("hot", "p", uint64(w*perWriter+i), false); err != nil {
					t.Errorf("writer %d: %v", w, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	rec, err := m.LoadContract("hot")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rec.Replicas[0].ProofFailures != writers*perWriter {
		t.Fatalf("failures = %d, want %d", rec.Replicas[0].ProofFailures, writers*perWriter)
	}
	wantDeposit := uint64(1_000_000 - writers*perWriter)
	if rec.Replicas[0].DepositCT != wantDeposit {
		t.Fatalf("deposit = %d, want %d", rec.Replicas[0].DepositCT, wantDeposit)
	}
}

//-------------------------------------------------------------
// Legacy manifest migration
//-------------------------------------------------------------

func TestLegacyManifestMigration(t *testing.T) {
	dir := t.TempDir()
	entries := []map[string]interface{}{
		{"object_id": "legacy-1", "client_address": "c1", "price_per_block": 3, "start_block": 0},
		{"object_id": "legacy-2", "client_address": "c2", "price_per_block": 4, "start_block": 5},
	}
	raw, _ := json.Marshal(entries)
	manifest := filepath.Join(dir, legacyManifestFile)
	if err := os.WriteFile(manifest, raw, 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	m, err := OpenStorageMarket(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	contracts, err := m.Contracts()
	if err != nil {
		t.Fatalf("contracts: %v", err)
	}
	if len(contracts) != 2 {
		t.Fatalf("migrated %d contracts, want 2", len(contracts))
	}
	if _, err := os.Stat(manifest); !os.IsNotExist(err) {
		t.Fatal("manifest not renamed")
	}
	if _, err := os.Stat(manifest + migratedManifestSuffix); err != nil {
		t.Fatalf("migrated sibling missing: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopen: migration must be idempotent.
	m2, err := OpenStorageMarket(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer m2.Close()
	contracts, err = m2.Contracts()
	if err != nil || len(contracts) != 2 {
		t.Fatalf("after reopen: %d contracts, %v", len(contracts), err)
	}
}

//-------------------------------------------------------------
// Listing order
//-------------------------------------------------------------

func TestContractsSortedByObjectID(t *testing.T) {
	m := openTestMarket(t)
	for _, id := range []string{"zz", "aa", "mm"} {
		if _, err := m.RegisterContract(StorageContract{ObjectID: id}, nil); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	contracts, err := m.Contracts()
	if err != nil {
		t.Fatalf("contracts: %v", err)
	}
	want := []string{"aa", "mm", "zz"}
	for i, rec := range contracts {
		if rec.Contract.ObjectID != want[i] {
			t.Fatalf("position %d = %s, want %s", i, rec.Contract.ObjectID, want[i])
		}
	}
}
