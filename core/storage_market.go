package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Storage-market contract ledger. Contracts hold replica deposits; proof
// outcomes advance accrued revenue on success and slash deposits on failure.
// The backing tree is mutated with compare-and-swap so concurrent writers
// stay linearizable without a lock.

const (
	storageContractsTree  = "storage-contracts"
	legacyManifestFile    = "storage_manifest.json"
	migratedManifestSuffix = ".migrated"
)

// StorageMarketError taxonomy. Serialization and engine errors propagate
// unchanged; these three are callable conditions.
var (
	ErrContractMissing = NewError("contract_missing", "contract not found")
	ErrNoReplicas      = NewError("no_replicas", "no replicas registered for contract")
	ErrReplicaMissing  = NewError("replica_missing", "replica not found for contract")
)

// ProofOutcome records whether a storage proof succeeded.
type ProofOutcome uint8

const (
	ProofSuccess ProofOutcome = 0
	ProofFailure ProofOutcome = 1
)

func (o ProofOutcome) String() string {
	if o == ProofSuccess {
		return "success"
	}
	return "failure"
}

// StorageContract is one client's storage agreement.
type StorageContract struct {
	ObjectID       string
	ClientAddress  Address
	PricePerBlock  uint64
	StartBlock     uint64
	LastPaidBlock  uint64
	Accrued        uint64
	TotalDepositCT uint64
}

// Pay advances accrued revenue up to and including block. Idempotent for
// already-paid heights.
func (c *StorageContract) Pay(block uint64) uint64 {
	if block < c.StartBlock || block <= c.LastPaidBlock {
		return 0
	}
	from := c.LastPaidBlock
	if from < c.StartBlock {
		from = c.StartBlock
	}
	elapsed := block - from
	earned := satMul(c.PricePerBlock, elapsed)
	c.Accrued = satAdd(c.Accrued, earned)
	c.LastPaidBlock = block
	return earned
}

// ReplicaIncentive tracks one provider's replica economics.
type ReplicaIncentive struct {
	ProviderID      string
	AllocatedShares uint16
	PricePerBlock   uint64
	DepositCT       uint64
	ProofSuccesses  uint64
	ProofFailures   uint64
	LastProofBlock  uint64
	HasLastProof    bool
	LastOutcome     ProofOutcome
	HasLastOutcome  bool
}

func NewReplicaIncentive(providerID string, shares uint16, pricePerBlock, depositCT uint64) ReplicaIncentive {
	return ReplicaIncentive{
		ProviderID:      providerID,
		AllocatedShares: shares,
		PricePerBlock:   pricePerBlock,
		DepositCT:       depositCT,
	}
}

// recordOutcome mutates the replica for one proof result and returns the
// outcome plus the slashed amount. On failure the penalty is
// min(price_per_block, deposit_ct).
func (r *ReplicaIncentive) recordOutcome(block uint64, success bool) (ProofOutcome, uint64) {
	r.LastProofBlock = block
	r.HasLastProof = true
	r.HasLastOutcome = true
	if success {
		r.ProofSuccesses = satAdd(r.ProofSuccesses, 1)
		r.LastOutcome = ProofSuccess
		return ProofSuccess, 0
	}
	r.ProofFailures = satAdd(r.ProofFailures, 1)
	r.LastOutcome = ProofFailure
	slash := r.PricePerBlock
	if slash > r.DepositCT {
		slash = r.DepositCT
	}
	r.DepositCT = satSub(r.DepositCT, slash)
	return ProofFailure, slash
}

// ContractRecord is the persisted unit: a contract plus its replicas.
type ContractRecord struct {
	Contract StorageContract
	Replicas []ReplicaIncentive
}

// ProofRecord is the result of recording one proof outcome.
type ProofRecord struct {
	ObjectID           string
	ProviderID         string
	Outcome            ProofOutcome
	SlashedCT          uint64
	AmountAccruedCT    uint64
	RemainingDepositCT uint64
	ProofSuccesses     uint64
	ProofFailures      uint64
}

// StorageMarket is the contract ledger over a persistent tree.
type StorageMarket struct {
	engine    *Engine
	contracts *Tree
}

// OpenStorageMarket opens the market at path (empty for in-memory) and runs
// the one-shot legacy manifest migration when a manifest file is present.
func OpenStorageMarket(path string) (*StorageMarket, error) {
	engine, err := OpenEngine(path)
	if err != nil {
		return nil, err
	}
	contracts, err := engine.OpenTree(storageContractsTree)
	if err != nil {
		return nil, err
	}
	m := &StorageMarket{engine: engine, contracts: contracts}
	if path != "" {
		if err := m.migrateLegacyManifest(path); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// BasePath reports where the market persists, empty for in-memory.
func (m *StorageMarket) BasePath() string { return m.engine.BasePath() }

// Close releases the backing engine.
func (m *StorageMarket) Close() error { return m.engine.Close() }

// migrateLegacyManifest imports contracts from the pre-tree manifest file
// and renames it so the migration runs at most once.
func (m *StorageMarket) migrateLegacyManifest(base string) error {
	manifest := filepath.Join(base, legacyManifestFile)
	data, err := os.ReadFile(manifest)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("storage_market: read legacy manifest: %w", err)
	}
	var entries []struct {
		ObjectID      string `json:"object_id"`
		ClientAddress string `json:"client_address"`
		PricePerBlock uint64 `json:"price_per_block"`
		StartBlock    uint64 `json:"start_block"`
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("storage_market: parse legacy manifest: %w", err)
	}
	for _, e := range entries {
		contract := StorageContract{
			ObjectID:      e.ObjectID,
			ClientAddress: e.ClientAddress,
			PricePerBlock: e.PricePerBlock,
			StartBlock:    e.StartBlock,
			LastPaidBlock: e.StartBlock,
		}
		if existing, err := m.contracts.Get([]byte(e.ObjectID)); err != nil {
			return err
		} else if existing != nil {
			continue
		}
		record := ContractRecord{Contract: contract}
		if _, err := m.contracts.Insert([]byte(e.ObjectID), encodeContractRecord(&record)); err != nil {
			return err
		}
	}
	if err := os.Rename(manifest, manifest+migratedManifestSuffix); err != nil {
		return fmt.Errorf("storage_market: rename migrated manifest: %w", err)
	}
	logrus.Infof("storage_market: migrated %d legacy manifest entries", len(entries))
	return nil
}

// RegisterContract stores a contract with its replicas. The contract's total
// deposit is the sum of replica deposits.
func (m *StorageMarket) RegisterContract(contract StorageContract, replicas []ReplicaIncentive) (*ContractRecord, error) {
	var total uint64
	for _, r := range replicas {
		total = satAdd(total, r.DepositCT)
	}
	contract.TotalDepositCT = total
	record := ContractRecord{Contract: contract, Replicas: replicas}
	if _, err := m.contracts.Insert([]byte(contract.ObjectID), encodeContractRecord(&record)); err != nil {
		return nil, err
	}
	return &record, nil
}

// LoadContract fetches a record by object id, nil when absent.
func (m *StorageMarket) LoadContract(objectID string) (*ContractRecord, error) {
	raw, err := m.contracts.Get([]byte(objectID))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return decodeContractRecord(raw)
}

// Contracts lists every record sorted by object id.
func (m *StorageMarket) Contracts() ([]*ContractRecord, error) {
	var out []*ContractRecord
	err := m.contracts.Iterate(func(_, value []byte) error {
		rec, err := decodeContractRecord(value)
		if err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// ReplicasFor returns the replica list for a contract.
func (m *StorageMarket) ReplicasFor(objectID string) ([]ReplicaIncentive, error) {
	rec, err := m.LoadContract(objectID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("storage_market: %s: %w", objectID, ErrContractMissing)
	}
	return rec.Replicas, nil
}

// Clear removes every contract.
func (m *StorageMarket) Clear() error { return m.contracts.Clear() }

// RecordProofOutcome applies one proof result: replica counters move, a
// failure slashes the deposit, a success pays the contract through block−1,
// and the total deposit is recomputed. The update is CAS-retried until it
// lands on an unchanged snapshot. providerID empty selects the first
// replica.
func (m *StorageMarket) RecordProofOutcome(objectID, providerID string, block uint64, success bool) (*ProofRecord, error) {
	key := []byte(objectID)
	for {
		current, err := m.contracts.Get(key)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, fmt.Errorf("storage_market: %s: %w", objectID, ErrContractMissing)
		}
		record, err := decodeContractRecord(current)
		if err != nil {
			return nil, err
		}

		provider := providerID
		if provider == "" {
			if len(record.Replicas) == 0 {
				return nil, fmt.Errorf("storage_market: %s: %w", objectID, ErrNoReplicas)
			}
			provider = record.Replicas[0].ProviderID
		}

		idx := -1
		for i := range record.Replicas {
			if record.Replicas[i].ProviderID == provider {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("storage_market: %s/%s: %w", objectID, provider, ErrReplicaMissing)
		}

		outcome, slashed := record.Replicas[idx].recordOutcome(block, success)
		successes := record.Replicas[idx].ProofSuccesses
		failures := record.Replicas[idx].ProofFailures
		remaining := record.Replicas[idx].DepositCT

		if success {
			record.Contract.Pay(satSub(block, 1))
		}

		var total uint64
		for _, r := range record.Replicas {
			total = satAdd(total, r.DepositCT)
		}
		record.Contract.TotalDepositCT = total

		err = m.contracts.CompareAndSwap(key, current, encodeContractRecord(record))
		if errors.Is(err, ErrCASMismatch) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &ProofRecord{
			ObjectID:           objectID,
			ProviderID:         provider,
			Outcome:            outcome,
			SlashedCT:          slashed,
			AmountAccruedCT:    record.Contract.Accrued,
			RemainingDepositCT: remaining,
			ProofSuccesses:     successes,
			ProofFailures:      failures,
		}, nil
	}
}

// Binary codecs for the persisted record.

func encodeContractRecord(rec *ContractRecord) []byte {
	w := NewWriter()
	w.BeginStruct(2)
	w.Field("contract", func(w *Writer) {
		w.BeginStruct(7)
		w.Field("object_id", func(w *Writer) { w.WriteString(rec.Contract.ObjectID) })
		w.Field("client_address", func(w *Writer) { w.WriteString(rec.Contract.ClientAddress) })
		w.Field("price_per_block", func(w *Writer) { w.WriteU64(rec.Contract.PricePerBlock) })
		w.Field("start_block", func(w *Writer) { w.WriteU64(rec.Contract.StartBlock) })
		w.Field("last_paid_block", func(w *Writer) { w.WriteU64(rec.Contract.LastPaidBlock) })
		w.Field("accrued", func(w *Writer) { w.WriteU64(rec.Contract.Accrued) })
		w.Field("total_deposit_ct", func(w *Writer) { w.WriteU64(rec.Contract.TotalDepositCT) })
	})
	w.Field("replicas", func(w *Writer) {
		w.WriteU64(uint64(len(rec.Replicas)))
		for i := range rec.Replicas {
			encodeReplica(w, &rec.Replicas[i])
		}
	})
	return w.Bytes()
}

func encodeReplica(w *Writer, r *ReplicaIncentive) {
	w.BeginStruct(8)
	w.Field("provider_id", func(w *Writer) { w.WriteString(r.ProviderID) })
	w.Field("allocated_shares", func(w *Writer) { w.WriteU16(r.AllocatedShares) })
	w.Field("price_per_block", func(w *Writer) { w.WriteU64(r.PricePerBlock) })
	w.Field("deposit_ct", func(w *Writer) { w.WriteU64(r.DepositCT) })
	w.Field("proof_successes", func(w *Writer) { w.WriteU64(r.ProofSuccesses) })
	w.Field("proof_failures", func(w *Writer) { w.WriteU64(r.ProofFailures) })
	w.Field("last_proof_block", func(w *Writer) {
		w.WriteOption(r.HasLastProof, func(w *Writer) { w.WriteU64(r.LastProofBlock) })
	})
	w.Field("last_outcome", func(w *Writer) {
		w.WriteOption(r.HasLastOutcome, func(w *Writer) { w.WriteU8(uint8(r.LastOutcome)) })
	})
}

func decodeContractRecord(b []byte) (*ContractRecord, error) {
	r := NewReader(b)
	var rec ContractRecord
	err := r.DecodeStruct("ContractRecord", 2, func(key string, r *Reader) error {
		switch key {
		case "contract":
			return r.DecodeStruct("StorageContract", 7, func(key string, r *Reader) error {
				switch key {
				case "object_id":
					v, err := r.ReadString(key)
					rec.Contract.ObjectID = v
					return err
				case "client_address":
					v, err := r.ReadString(key)
					rec.Contract.ClientAddress = v
					return err
				case "price_per_block":
					v, err := r.ReadU64(key)
					rec.Contract.PricePerBlock = v
					return err
				case "start_block":
					v, err := r.ReadU64(key)
					rec.Contract.StartBlock = v
					return err
				case "last_paid_block":
					v, err := r.ReadU64(key)
					rec.Contract.LastPaidBlock = v
					return err
				case "accrued":
					v, err := r.ReadU64(key)
					rec.Contract.Accrued = v
					return err
				case "total_deposit_ct":
					v, err := r.ReadU64(key)
					rec.Contract.TotalDepositCT = v
					return err
				default:
					return errUnknownField(key)
				}
			})
		case "replicas":
			n, err := r.ReadU64(key)
			if err != nil {
				return err
			}
			for i := uint64(0); i < n; i++ {
				replica, err := decodeReplica(r)
				if err != nil {
					return err
				}
				rec.Replicas = append(rec.Replicas, *replica)
			}
			return nil
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
	return &rec, nil
}

func decodeReplica(r *Reader) (*ReplicaIncentive, error) {
	var out ReplicaIncentive
	err := r.DecodeStruct("ReplicaIncentive", 8, func(key string, r *Reader) error {
		switch key {
		case "provider_id":
			v, err := r.ReadString(key)
			out.ProviderID = v
			return err
		case "allocated_shares":
			v, err := r.ReadU16(key)
			out.AllocatedShares = v
			return err
		case "price_per_block":
			v, err := r.ReadU64(key)
			out.PricePerBlock = v
			return err
		case "deposit_ct":
			v, err := r.ReadU64(key)
			out.DepositCT = v
			return err
		case "proof_successes":
			v, err := r.ReadU64(key)
			out.ProofSuccesses = v
			return err
		case "proof_failures":
			v, err := r.ReadU64(key)
			out.ProofFailures = v
			return err
		case "last_proof_block":
			_, err := r.ReadOption(key, func(r *Reader) error {
				v, err := r.ReadU64(key)
				out.LastProofBlock = v
				out.HasLastProof = true
				return err
			})
			return err
		case "last_outcome":
			_, err := r.ReadOption(key, func(r *Reader) error {
				v, err := r.ReadU8(key)
				if err != nil {
					return err
				}
				if v > uint8(ProofFailure) {
					return errEnum("ProofOutcome", uint64(v))
				}
				out.LastOutcome = ProofOutcome(v)
				out.HasLastOutcome = true
				return nil
			})
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
