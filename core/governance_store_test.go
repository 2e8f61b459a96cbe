package core

import (
	"bytes"
	"testing"
)

func testGovernanceStore(t *testing.T) *GovernanceStore {
	t.Helper()
	engine, err := OpenEngine("")
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	store, err := OpenGovernanceStore(engine)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return store
}

func TestParamsCodecRoundTrip(t *testing.T) {
	p := DefaultParams()
	p.TreasuryPercent = 12
	p.TariffMaxBps = 777

	raw := EncodeParams(&p)
	if !bytes.Equal(raw, EncodeParams(&p)) {
		t.Fatal("params encoding not deterministic")
	}
	decoded, err := DecodeParams(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *decoded != p {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
	if _, err := DecodeParams(append(raw, 9)); err == nil {
		t.Fatal("trailing byte accepted")
	}
}

func TestGovernanceSnapshotsAppendOnly(t *testing.T) {
	store := testGovernanceStore(t)
	snap := EpochGovernanceSnapshot{
		Epoch:           1,
		StartHeight:     EpochBlocks,
		TreasuryPercent: 5,
		Params:          DefaultParams(),
	}
	if err := store.PutSnapshot(snap); err != nil {
		t.Fatalf("put: %v", err)
	}
	// History is append-only: re-recording the epoch is an error.
	if err := store.PutSnapshot(snap); err == nil {
		t.Fatal("overwrite accepted")
	}

	loaded, err := store.Snapshot(1)
	if err != nil || loaded == nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.StartHeight != EpochBlocks || loaded.Params != snap.Params {
		t.Fatalf("snapshot mangled: %+v", loaded)
	}
	if missing, err := store.Snapshot(99); err != nil || missing != nil {
		t.Fatal("phantom snapshot")
	}
}

func TestGovernanceHistoryOrdered(t *testing.T) {
	store := testGovernanceStore(t)
	for _, epoch := range []uint64{3, 1, 2} {
		err := store.PutSnapshot(EpochGovernanceSnapshot{
			Epoch:  epoch,
			Params: DefaultParams(),
		})
		if err != nil {
			t.Fatalf("put %d: %v", epoch, err)
		}
	}
	history, err := store.History()
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history length %d", len(history))
	}
	for i, want := range []uint64{1, 2, 3} {
		if history[i].Epoch != want {
			t.Fatalf("history[%d].Epoch = %d, want %d", i, history[i].Epoch, want)
		}
	}
}
