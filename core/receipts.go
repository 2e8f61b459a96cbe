package core

// Market receipts. Signed receipts (storage, compute, energy, ad) carry a
// provider signature over a domain-tagged preimage; slash and relay receipts
// are emitted by the ledger itself and carry no signature. Every receipt is
// framed with the length-prefixed encoding so it can be embedded in blocks
// and persisted trees alike.

// Receipt discriminants used on the wire and in persisted trees.
const (
	receiptKindStorage      uint32 = 0
	receiptKindCompute      uint32 = 1
	receiptKindEnergy       uint32 = 2
	receiptKindAd           uint32 = 3
	receiptKindEnergySlash  uint32 = 4
	receiptKindComputeSlash uint32 = 5
	receiptKindStorageSlash uint32 = 6
	receiptKindRelay        uint32 = 7
)

// Receipt is the tagged union of every settlement record a block may carry.
type Receipt interface {
	receiptKind() uint32
}

// BlockTorchMeta is optional accelerator metadata attached to compute
// receipts by providers that ran kernels through the accelerator bridge.
type BlockTorchMeta struct {
	KernelVariantDigest Hash
	BenchmarkCommit     string
	HasBenchmarkCommit  bool
	TensorProfileEpoch  string
	HasTensorEpoch      bool
	ProofLatencyMs      uint64
}

// StorageReceipt settles one storage-contract billing interval.
type StorageReceipt struct {
	BlockHeight       uint64
	ContractID        string
	Provider          string
	Bytes             uint64
	Price             uint64
	ProviderEscrow    uint64
	ChunkHash         *Hash
	Region            string
	HasRegion         bool
	SignatureNonce    uint64
	ProviderSignature Signature
}

func (*StorageReceipt) receiptKind() uint32 { return receiptKindStorage }

// ComputeReceipt settles a matched compute job.
type ComputeReceipt struct {
	BlockHeight       uint64
	JobID             string
	Provider          string
	ComputeUnits      uint64
	Payment           uint64
	Verified          bool
	SignatureNonce    uint64
	BlockTorch        *BlockTorchMeta
	ProviderSignature Signature
}

func (*ComputeReceipt) receiptKind() uint32 { return receiptKindCompute }

// EnergyReceipt settles metered energy delivery.
type EnergyReceipt struct {
	BlockHeight       uint64
	ContractID        string
	Provider          string
	EnergyUnits       uint64
	Price             uint64
	ProofHash         Hash
	SignatureNonce    uint64
	ProviderSignature Signature
}

func (*EnergyReceipt) receiptKind() uint32 { return receiptKindEnergy }

// AdReceipt settles served impressions for a campaign.
type AdReceipt struct {
	BlockHeight        uint64
	CampaignID         string
	Publisher          string
	Impressions        uint64
	Spend              uint64
	Conversions        uint64
	SignatureNonce     uint64
	PublisherSignature Signature
}

func (*AdReceipt) receiptKind() uint32 { return receiptKindAd }

// SlashReceipt records a ledger-emitted penalty. Market selects the variant.
type SlashReceipt struct {
	Market      string
	BlockHeight uint64
	Provider    string
	Amount      uint64
	Reason      string
}

// EnergySlashReceipt, ComputeSlashReceipt and StorageSlashReceipt are the
// three unsigned slash variants.
type EnergySlashReceipt struct{ SlashReceipt }

func (*EnergySlashReceipt) receiptKind() uint32 { return receiptKindEnergySlash }

type ComputeSlashReceipt struct{ SlashReceipt }

func (*ComputeSlashReceipt) receiptKind() uint32 { return receiptKindComputeSlash }

type StorageSlashReceipt struct{ SlashReceipt }

func (*StorageSlashReceipt) receiptKind() uint32 { return receiptKindStorageSlash }

// RelayReceipt credits a relay node for forwarded traffic. Unsigned.
type RelayReceipt struct {
	BlockHeight uint64
	Relayer     string
	BytesCarried uint64
}

func (*RelayReceipt) receiptKind() uint32 { return receiptKindRelay }

// IsUnsigned reports whether the receipt type carries no signature.
func IsUnsigned(rc Receipt) bool {
	switch rc.(type) {
	case *EnergySlashReceipt, *ComputeSlashReceipt, *StorageSlashReceipt, *RelayReceipt:
		return true
	}
	return false
}

// EncodeReceipt frames a receipt as u32 discriminant + struct body.
func EncodeReceipt(rc Receipt) []byte {
	w := NewWriter()
	w.WriteU32(rc.receiptKind())
	switch t := rc.(type) {
	case *StorageReceipt:
		w.BeginStruct(10)
		w.Field("block_height", func(w *Writer) { w.WriteU64(t.BlockHeight) })
		w.Field("contract_id", func(w *Writer) { w.WriteString(t.ContractID) })
		w.Field("provider", func(w *Writer) { w.WriteString(t.Provider) })
		w.Field("bytes", func(w *Writer) { w.WriteU64(t.Bytes) })
		w.Field("price", func(w *Writer) { w.WriteU64(t.Price) })
		w.Field("provider_escrow", func(w *Writer) { w.WriteU64(t.ProviderEscrow) })
		w.Field("chunk_hash", func(w *Writer) {
			w.WriteOption(t.ChunkHash != nil, func(w *Writer) { w.WriteRaw(t.ChunkHash[:]) })
		})
		w.Field("region", func(w *Writer) {
			w.WriteOption(t.HasRegion, func(w *Writer) { w.WriteString(t.Region) })
		})
		w.Field("signature_nonce", func(w *Writer) { w.WriteU64(t.SignatureNonce) })
		w.Field("provider_signature", func(w *Writer) { w.WriteBytes(t.ProviderSignature[:]) })
	case *ComputeReceipt:
		w.BeginStruct(9)
		w.Field("block_height", func(w *Writer) { w.WriteU64(t.BlockHeight) })
		w.Field("job_id", func(w *Writer) { w.WriteString(t.JobID) })
		w.Field("provider", func(w *Writer) { w.WriteString(t.Provider) })
		w.Field("compute_units", func(w *Writer) { w.WriteU64(t.ComputeUnits) })
		w.Field("payment", func(w *Writer) { w.WriteU64(t.Payment) })
		w.Field("verified", func(w *Writer) { w.WriteBool(t.Verified) })
		w.Field("signature_nonce", func(w *Writer) { w.WriteU64(t.SignatureNonce) })
		w.Field("blocktorch", func(w *Writer) {
			w.WriteOption(t.BlockTorch != nil, func(w *Writer) { encodeBlockTorch(w, t.BlockTorch) })
		})
		w.Field("provider_signature", func(w *Writer) { w.WriteBytes(t.ProviderSignature[:]) })
	case *EnergyReceipt:
		w.BeginStruct(8)
		w.Field("block_height", func(w *Writer) { w.WriteU64(t.BlockHeight) })
		w.Field("contract_id", func(w *Writer) { w.WriteString(t.ContractID) })
		w.Field("provider", func(w *Writer) { w.WriteString(t.Provider) })
		w.Field("energy_units", func(w *Writer) { w.WriteU64(t.EnergyUnits) })
		w.Field("price", func(w *Writer) { w.WriteU64(t.Price) })
		w.Field("proof_hash", func(w *Writer) { w.WriteRaw(t.ProofHash[:]) })
		w.Field("signature_nonce", func(w *Writer) { w.WriteU64(t.SignatureNonce) })
		w.Field("provider_signature", func(w *Writer) { w.WriteBytes(t.ProviderSignature[:]) })
	case *AdReceipt:
		w.BeginStruct(8)
		w.Field("block_height", func(w *Writer) { w.WriteU64(t.BlockHeight) })
		w.Field("campaign_id", func(w *Writer) { w.WriteString(t.CampaignID) })
		w.Field("publisher", func(w *Writer) { w.WriteString(t.Publisher) })
		w.Field("impressions", func(w *Writer) { w.WriteU64(t.Impressions) })
		w.Field("spend", func(w *Writer) { w.WriteU64(t.Spend) })
		w.Field("conversions", func(w *Writer) { w.WriteU64(t.Conversions) })
		w.Field("signature_nonce", func(w *Writer) { w.WriteU64(t.SignatureNonce) })
		w.Field("publisher_signature", func(w *Writer) { w.WriteBytes(t.PublisherSignature[:]) })
	case *EnergySlashReceipt:
		encodeSlash(w, &t.SlashReceipt)
	case *ComputeSlashReceipt:
		encodeSlash(w, &t.SlashReceipt)
	case *StorageSlashReceipt:
		encodeSlash(w, &t.SlashReceipt)
	case *RelayReceipt:
		w.BeginStruct(3)
		w.Field("block_height", func(w *Writer) { w.WriteU64(t.BlockHeight) })
		w.Field("relayer", func(w *Writer) { w.WriteString(t.Relayer) })
		w.Field("bytes_carried", func(w *Writer) { w.WriteU64(t.BytesCarried) })
	}
	return w.Bytes()
}

func encodeSlash(w *Writer, s *SlashReceipt) {
	w.BeginStruct(5)
	w.Field("market", func(w *Writer) { w.WriteString(s.Market) })
	w.Field("block_height", func(w *Writer) { w.WriteU64(s.BlockHeight) })
	w.Field("provider", func(w *Writer) { w.WriteString(s.Provider) })
	w.Field("amount", func(w *Writer) { w.WriteU64(s.Amount) })
	w.Field("reason", func(w *Writer) { w.WriteString(s.Reason) })
}

func encodeBlockTorch(w *Writer, m *BlockTorchMeta) {
	w.BeginStruct(4)
	w.Field("kernel_variant_digest", func(w *Writer) { w.WriteRaw(m.KernelVariantDigest[:]) })
	w.Field("benchmark_commit", func(w *Writer) {
		w.WriteOption(m.HasBenchmarkCommit, func(w *Writer) { w.WriteString(m.BenchmarkCommit) })
	})
	w.Field("tensor_profile_epoch", func(w *Writer) {
		w.WriteOption(m.HasTensorEpoch, func(w *Writer) { w.WriteString(m.TensorProfileEpoch) })
	})
	w.Field("proof_latency_ms", func(w *Writer) { w.WriteU64(m.ProofLatencyMs) })
}

// DecodeReceipt parses one framed receipt and requires full consumption of
// the input.
func DecodeReceipt(b []byte) (Receipt, error) {
	r := NewReader(b)
	rc, err := readReceipt(r)
	if err != nil {
		return nil, err
	}
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return rc, nil
}

func readReceipt(r *Reader) (Receipt, error) {
	kind, err := r.ReadU32("receipt discriminant")
	if err != nil {
		return nil, err
	}
	switch kind {
	case receiptKindStorage:
		return readStorageReceipt(r)
	case receiptKindCompute:
		return readComputeReceipt(r)
	case receiptKindEnergy:
		return readEnergyReceipt(r)
	case receiptKindAd:
		return readAdReceipt(r)
	case receiptKindEnergySlash:
		s, err := readSlash(r)
		if err != nil {
			return nil, err
		}
		return &EnergySlashReceipt{SlashReceipt: *s}, nil
	case receiptKindComputeSlash:
		s, err := readSlash(r)
		if err != nil {
			return nil, err
		}
		return &ComputeSlashReceipt{SlashReceipt: *s}, nil
	case receiptKindStorageSlash:
		s, err := readSlash(r)
		if err != nil {
			return nil, err
		}
		return &StorageSlashReceipt{SlashReceipt: *s}, nil
	case receiptKindRelay:
		return readRelayReceipt(r)
	default:
		return nil, errEnum("Receipt", uint64(kind))
	}
}

func readStorageReceipt(r *Reader) (*StorageReceipt, error) {
	var out StorageReceipt
	var set = map[string]*bool{}
	seen := func(k string) *bool {
		b, ok := set[k]
		if !ok {
			b = new(bool)
			set[k] = b
		}
		return b
	}
	err := r.DecodeStruct("StorageReceipt", 10, func(key string, r *Reader) error {
		switch key {
		case "block_height":
			v, err := r.ReadU64(key)
			if err != nil {
				return err
			}
			return assignOnce(&out.BlockHeight, seen(key), v, key)
		case "contract_id":
			v, err := r.ReadString(key)
			if err != nil {
				return err
			}
			return assignOnce(&out.ContractID, seen(key), v, key)
		case "provider":
			v, err := r.ReadString(key)
			if err != nil {
				return err
			}
			return assignOnce(&out.Provider, seen(key), v, key)
		case "bytes":
			v, err := r.ReadU64(key)
			if err != nil {
				return err
			}
			return assignOnce(&out.Bytes, seen(key), v, key)
		case "price":
			v, err := r.ReadU64(key)
			if err != nil {
				return err
			}
			return assignOnce(&out.Price, seen(key), v, key)
		case "provider_escrow":
			v, err := r.ReadU64(key)
			if err != nil {
				return err
			}
			return assignOnce(&out.ProviderEscrow, seen(key), v, key)
		case "chunk_hash":
			_, err := r.ReadOption(key, func(r *Reader) error {
				h, err := r.ReadHash(key)
				if err != nil {
					return err
				}
				out.ChunkHash = &h
				return nil
			})
			return err
		case "region":
			_, err := r.ReadOption(key, func(r *Reader) error {
				s, err := r.ReadString(key)
				if err != nil {
					return err
				}
				out.Region = s
				out.HasRegion = true
				return nil
			})
			return err
		case "signature_nonce":
			v, err := r.ReadU64(key)
			if err != nil {
				return err
			}
			return assignOnce(&out.SignatureNonce, seen(key), v, key)
		case "provider_signature":
			b, err := r.ReadBytes(key)
			if err != nil {
				return err
			}
			sig, err := SignatureFromBytes(b)
			if err != nil {
				return &DecodeError{Kind: "invalid_value", Detail: key}
			}
			out.ProviderSignature = sig
			return nil
		default:
			return errUnknownField(key)
		}
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func readComputeReceipt(r *Reader) (*ComputeReceipt, error) {
	var out ComputeReceipt
	err := r.DecodeStruct("ComputeReceipt", 9, func(key string, r *Reader) error {
		switch key {
		case "block_height":
			v, err := r.ReadU64(key)
			out.BlockHeight = v
			return err
		case "job_id":
			v, err := r.ReadString(key)
			out.JobID = v
			return err
		case "provider":
			v, err := r.ReadString(key)
			out.Provider = v
			return err
		case "compute_units":
			v, err := r.ReadU64(key)
			out.ComputeUnits = v
			return err
		case "payment":
			v, err := r.ReadU64(key)
			out.Payment = v
			return err
		case "verified":
			v, err := r.ReadBool(key)
			out.Verified = v
			return err
		case "signature_nonce":
			v, err := r.ReadU64(key)
			out.SignatureNonce = v
			return err
		case "blocktorch":
			_, err := r.ReadOption(key, func(r *Reader) error {
				meta, err := readBlockTorch(r)
				if err != nil {
					return err
				}
				out.BlockTorch = meta
				return nil
			})
			return err
		case "provider_signature":
			b, err := r.ReadBytes(key)
			if err != nil {
				return err
			}
			sig, err := SignatureFromBytes(b)
			if err != nil {
				return &DecodeError{Kind: "invalid_value", Detail: key}
			}
			out.ProviderSignature = sig
			return nil
		default:
			return errUnknownField(key)
		}
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func readBlockTorch(r *Reader) (*BlockTorchMeta, error) {
	var out BlockTorchMeta
	err := r.DecodeStruct("BlockTorchMeta", 4, func(key string, r *Reader) error {
		switch key {
		case "kernel_variant_digest":
			h, err := r.ReadHash(key)
			out.KernelVariantDigest = h
			return err
		case "benchmark_commit":
			_, err := r.ReadOption(key, func(r *Reader) error {
				s, err := r.ReadString(key)
				out.BenchmarkCommit = s
				out.HasBenchmarkCommit = true
				return err
			})
			return err
		case "tensor_profile_epoch":
			_, err := r.ReadOption(key, func(r *Reader) error {
				s, err := r.ReadString(key)
				out.TensorProfileEpoch = s
				out.HasTensorEpoch = true
				return err
			})
			return err
		case "proof_latency_ms":
			v, err := r.ReadU64(key)
			out.ProofLatencyMs = v
			return err
		default:
			return errUnknownField(key)
		}
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func readEnergyReceipt(r *Reader) (*EnergyReceipt, error) {
	var out EnergyReceipt
	err := r.DecodeStruct("EnergyReceipt", 8, func(key string, r *Reader) error {
		switch key {
		case "block_height":
			v, err := r.ReadU64(key)
			out.BlockHeight = v
			return err
		case "contract_id":
			v, err := r.ReadString(key)
			out.ContractID = v
			return err
		case "provider":
			v, err := r.ReadString(key)
			out.Provider = v
			return err
		case "energy_units":
			v, err := r.ReadU64(key)
			out.EnergyUnits = v
			return err
		case "price":
			v, err := r.ReadU64(key)
			out.Price = v
			return err
		case "proof_hash":
			h, err := r.ReadHash(key)
			out.ProofHash = h
			return err
		case "signature_nonce":
			v, err := r.ReadU64(key)
			out.SignatureNonce = v
			return err
		case "provider_signature":
			b, err := r.ReadBytes(key)
			if err != nil {
				return err
			}
			sig, err := SignatureFromBytes(b)
			if err != nil {
				return &DecodeError{Kind: "invalid_value", Detail: key}
			}
			out.ProviderSignature = sig
			return nil
		default:
			return errUnknownField(key)
		}
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func readAdReceipt(r *Reader) (*AdReceipt, error) {
	var out AdReceipt
	err := r.DecodeStruct("AdReceipt", 8, func(key string, r *Reader) error {
		switch key {
		case "block_height":
			v, err := r.ReadU64(key)
			out.BlockHeight = v
			return err
		case "campaign_id":
			v, err := r.ReadString(key)
			out.CampaignID = v
			return err
		case "publisher":
			v, err := r.ReadString(key)
			out.Publisher = v
			return err
		case "impressions":
			v, err := r.ReadU64(key)
			out.Impressions = v
			return err
		case "spend":
			v, err := r.ReadU64(key)
			out.Spend = v
			return err
		case "conversions":
			v, err := r.ReadU64(key)
			out.Conversions = v
			return err
		case "signature_nonce":
			v, err := r.ReadU64(key)
			out.SignatureNonce = v
			return err
		case "publisher_signature":
			b, err := r.ReadBytes(key)
			if err != nil {
				return err
			}
			sig, err := SignatureFromBytes(b)
			if err != nil {
				return &DecodeError{Kind: "invalid_value", Detail: key}
			}
			out.PublisherSignature = sig
			return nil
		default:
			return errUnknownField(key)
		}
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func readSlash(r *Reader) (*SlashReceipt, error) {
	var out SlashReceipt
	err := r.DecodeStruct("SlashReceipt", 5, func(key string, r *Reader) error {
		switch key {
		case "market":
			v, err := r.ReadString(key)
			out.Market = v
			return err
		case "block_height":
			v, err := r.ReadU64(key)
			out.BlockHeight = v
			return err
		case "provider":
			v, err := r.ReadString(key)
			out.Provider = v
			return err
		case "amount":
			v, err := r.ReadU64(key)
			out.Amount = v
			return err
		case "reason":
			v, err := r.ReadString(key)
			out.Reason = v
			return err
		default:
			return errUnknownField(key)
		}
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func readRelayReceipt(r *Reader) (*RelayReceipt, error) {
	var out RelayReceipt
	err := r.DecodeStruct("RelayReceipt", 3, func(key string, r *Reader) error {
		switch key {
		case "block_height":
			v, err := r.ReadU64(key)
			out.BlockHeight = v
			return err
		case "relayer":
			v, err := r.ReadString(key)
			out.Relayer = v
			return err
		case "bytes_carried":
			v, err := r.ReadU64(key)
			out.BytesCarried = v
			return err
		default:
			return errUnknownField(key)
		}
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
