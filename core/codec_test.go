package core

import (
	"bytes"
	"errors"
	"testing"
)

//-------------------------------------------------------------
// Primitive round trips
//-------------------------------------------------------------

func TestCodecPrimitivesRoundTrip(t *testing.T) {
	w := NewWriter()
	w.WriteU8(7)
	w.WriteBool(true)
	w.WriteU16(65535)
	w.WriteU32(1 << 30)
	w.WriteU64(1 << 62)
	w.WriteI64(-42)
	w.WriteF64(3.25)
	w.WriteString("hello")
	w.WriteBytes([]byte{1, 2, 3})

	r := NewReader(w.Bytes())
	if v, err := r.ReadU8("u8"); err != nil || v != 7 {
		t.Fatalf("u8 = %d, %v", v, err)
	}
	if v, err := r.ReadBool("bool"); err != nil || !v {
		t.Fatalf("bool = %v, %v", v, err)
	}
	if v, err := r.ReadU16("u16"); err != nil || v != 65535 {
		t.Fatalf("u16 = %d, %v", v, err)
	}
	if v, err := r.ReadU32("u32"); err != nil || v != 1<<30 {
		t.Fatalf("u32 = %d, %v", v, err)
	}
	if v, err := r.ReadU64("u64"); err != nil || v != 1<<62 {
		t.Fatalf("u64 = %d, %v", v, err)
	}
	if v, err := r.ReadI64("i64"); err != nil || v != -42 {
		t.Fatalf("i64 = %d, %v", v, err)
	}
	if v, err := r.ReadF64("f64"); err != nil || v != 3.25 {
		t.Fatalf("f64 = %v, %v", v, err)
	}
	if v, err := r.ReadString("str"); err != nil || v != "hello" {
		t.Fatalf("string = %q, %v", v, err)
	}
	if v, err := r.ReadBytes("bytes"); err != nil || !bytes.Equal(v, []byte{1, 2, 3}) {
		t.Fatalf("bytes = %v, %v", v, err)
	}
	if err := r.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
}

func TestCodecTrailingBytesRejected(t *testing.T) {
	w := NewWriter()
	w.WriteU64(1)
	buf := append(w.Bytes(), 0xFF)

	r := NewReader(buf)
	if _, err := r.ReadU64("v"); err != nil {
		t.Fatalf("read: %v", err)
	}
	err := r.Finish()
	if err == nil {
		t.Fatal("expected trailing bytes error")
	}
	var dec *DecodeError
	if !errors.As(err, &dec) || dec.Kind != "trailing_bytes" {
		t.Fatalf("wrong error: %v", err)
	}
}

func TestCodecShortInputRejected(t *testing.T) {
	r := NewReader([]byte{1, 2})
	if _, err := r.ReadU64("v"); err == nil {
		t.Fatal("expected eof error")
	}
}

//-------------------------------------------------------------
// Receipt framing
//-------------------------------------------------------------

func TestReceiptRoundTrip(t *testing.T) {
	chunk := HashBytes([]byte("chunk"))
	tests := []struct {
		name string
		rc   Receipt
	}{
		{"StorageFull", &StorageReceipt{
			BlockHeight: 100, ContractID: "obj-1", Provider: "provider_001",
			Bytes: 4096, Price: 12, ProviderEscrow: 50, ChunkHash: &chunk,
			Region: "eu-west", HasRegion: true, SignatureNonce: 1,
		}},
		{"StorageBare", &StorageReceipt{
			BlockHeight: 5, ContractID: "obj-2", Provider: "p2",
			Bytes: 1, Price: 1, SignatureNonce: 9,
		}},
		{"Compute", &ComputeReceipt{
			BlockHeight: 7, JobID: "job-9", Provider: "p1", ComputeUnits: 10,
			Payment: 30, Verified: true, SignatureNonce: 2,
			BlockTorch: &BlockTorchMeta{
				KernelVariantDigest: HashBytes([]byte("kernel")),
				BenchmarkCommit:     "abc123", HasBenchmarkCommit: true,
				ProofLatencyMs: 88,
			},
		}},
		{"Energy", &EnergyReceipt{
			BlockHeight: 3, ContractID: "e-1", Provider: "p3",
			EnergyUnits: 500, Price: 2, ProofHash: HashBytes([]byte("pf")),
			SignatureNonce: 4,
		}},
		{"Ad", &AdReceipt{
			BlockHeight: 11, CampaignID: "camp", Publisher: "pub",
			Impressions: 1000, Spend: 77, Conversions: 3, SignatureNonce: 5,
		}},
		{"StorageSlash", &StorageSlashReceipt{SlashReceipt{
			Market: "storage", BlockHeight: 8, Provider: "p4", Amount: 6, Reason: "missed proof",
		}}},
		{"Relay", &RelayReceipt{BlockHeight: 2, Relayer: "r1", BytesCarried: 2048}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw := EncodeReceipt(tc.rc)
			// Bit-stable across runs.
			if !bytes.Equal(raw, EncodeReceipt(tc.rc)) {
				t.Fatal("encoding not deterministic")
			}
			decoded, err := DecodeReceipt(raw)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !bytes.Equal(EncodeReceipt(decoded), raw) {
				t.Fatal("round trip mismatch")
			}
		})
	}
}

func TestReceiptTrailingByteRejected(t *testing.T) {
	raw := EncodeReceipt(&RelayReceipt{BlockHeight: 1, Relayer: "r", BytesCarried: 1})
	if _, err := DecodeReceipt(append(raw, 0)); err == nil {
		t.Fatal("expected trailing bytes error")
	}
}

func TestReceiptUnknownDiscriminant(t *testing.T) {
	w := NewWriter()
	w.WriteU32(99)
	_, err := DecodeReceipt(w.Bytes())
	var dec *DecodeError
	if !errors.As(err, &dec) || dec.Kind != "invalid_enum" {
		t.Fatalf("wrong error: %v", err)
	}
}

//-------------------------------------------------------------
// Peer metrics frame
//-------------------------------------------------------------

func TestPeerMetricsRoundTrip(t *testing.T) {
	m := NewPeerMetrics()
	m.Requests = 10
	m.BytesSent = 2048
	m.Sends = 4
	m.Drops[DropRateLimit] = 2
	m.Drops[DropMalformed] = 1
	m.HandshakeFail[HandshakeVersion] = 3
	m.HandshakeSuccess = 5
	m.LastHandshakeMs = 1234
	m.TlsErrors = 1
	m.Reputation.Score = 0.75
	m.LastUpdated = 99
	m.ReqAvg = 1.5
	m.ByteAvg = 512.5
	m.ThrottledUntil = 10_000
	m.ThrottleReason = "rate_limit"
	m.HasThrottleReason = true
	m.BackoffLevel = 2
	m.SecStart = 42

	raw := EncodePeerMetrics(m)
	decoded, err := DecodePeerMetrics(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(EncodePeerMetrics(decoded), raw) {
		t.Fatal("round trip mismatch")
	}
	if decoded.Drops[DropRateLimit] != 2 || decoded.HandshakeFail[HandshakeVersion] != 3 {
		t.Fatal("maps not preserved")
	}
}

func TestPeerMetricsUnknownFieldRejected(t *testing.T) {
	m := NewPeerMetrics()
	raw := EncodePeerMetrics(m)
	// Corrupting the frame with an unknown field name must error.
	bad := bytes.Replace(raw, []byte("requests"), []byte("requestz"), 1)
	if _, err := DecodePeerMetrics(bad); err == nil {
		t.Fatal("expected unknown field error")
	}
}

//-------------------------------------------------------------
// Canonical JSON sidecar profile
//-------------------------------------------------------------

func TestCanonicalJSONSortsKeys(t *testing.T) {
	out, err := MarshalCanonicalJSON(map[string]interface{}{
		"zeta":  1,
		"alpha": map[string]int{"b": 2, "a": 1},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"alpha":{"a":1,"b":2},"zeta":1}`
	if string(out) != want {
		t.Fatalf("got %s want %s", out, want)
	}
}
