package core

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// SLA resolution with SNARK-anchored proof bundles. A completed job must
// carry at least one self-verifying proof bundle; violations burn provider
// stake and refund the buyer.

// SnarkBackend identifies the proving backend.
type SnarkBackend uint8

const (
	SnarkCpu SnarkBackend = 0
	SnarkGpu SnarkBackend = 1
)

func (b SnarkBackend) String() string {
	if b == SnarkGpu {
		return "GPU"
	}
	return "CPU"
}

// ProofArtifact pins the circuit build a proof was generated against.
type ProofArtifact struct {
	CircuitHash Hash
	WasmHash    Hash
	GeneratedAt uint64
}

// ProofBundle is one SNARK proof plus its commitments. Encoded holds the
// proof bytes; SelfCheck recomputes the binding digest and compares.
type ProofBundle struct {
	Backend           SnarkBackend
	LatencyMs         uint64
	CircuitHash       Hash
	ProgramCommitment Hash
	OutputCommitment  Hash
	WitnessCommitment Hash
	Artifact          ProofArtifact
	Encoded           []byte
}

const proofDomainTag = "snark_proof"

// proofDigest binds the commitments into the expected proof bytes.
func proofDigest(b *ProofBundle) Hash {
	w := NewWriter()
	w.WriteRaw([]byte(proofDomainTag))
	w.WriteRaw(b.CircuitHash[:])
	w.WriteRaw(b.ProgramCommitment[:])
	w.WriteRaw(b.OutputCommitment[:])
	w.WriteRaw(b.WitnessCommitment[:])
	return HashBytes(w.Bytes())
}

// SealProof fills Encoded so the bundle self-verifies. Providers call this
// after proving; verifiers only ever call SelfCheck.
func (b *ProofBundle) SealProof() {
	digest := proofDigest(b)
	b.Encoded = digest[:]
}

// Fingerprint identifies the bundle for audit output.
func (b *ProofBundle) Fingerprint() Hash {
	w := NewWriter()
	w.WriteRaw(b.CircuitHash[:])
	w.WriteRaw(b.ProgramCommitment[:])
	w.WriteRaw(b.OutputCommitment[:])
	w.WriteRaw(b.WitnessCommitment[:])
	w.WriteBytes(b.Encoded)
	return HashBytes(w.Bytes())
}

// SelfCheck verifies the proof bytes against the commitments and the
// artifact's circuit binding.
func (b *ProofBundle) SelfCheck() bool {
	if b.Artifact.CircuitHash != b.CircuitHash {
		return false
	}
	digest := proofDigest(b)
	if len(b.Encoded) != len(digest) {
		return false
	}
	for i := range digest {
		if b.Encoded[i] != digest[i] {
			return false
		}
	}
	return true
}

// VerifyProofBatch checks bundles concurrently with the configured worker
// count and reports per-bundle results in input order.
func VerifyProofBatch(bundles []ProofBundle, workers int) []bool {
	if workers <= 0 {
		workers = 1
	}
	results := make([]bool, len(bundles))
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				results[idx] = bundles[idx].SelfCheck()
			}
		}()
	}
	for i := range bundles {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return results
}

// SlaOutcomeKind enumerates resolution outcomes.
type SlaOutcomeKind uint8

const (
	SlaCompleted SlaOutcomeKind = 0
	SlaCancelled SlaOutcomeKind = 1
	SlaViolated  SlaOutcomeKind = 2
)

// SlaOutcome is the tagged outcome; Reason applies to cancelled/violated.
type SlaOutcome struct {
	Kind   SlaOutcomeKind
	Reason string
}

func (o SlaOutcome) String() string {
	switch o.Kind {
	case SlaCompleted:
		return "completed"
	case SlaCancelled:
		return fmt.Sprintf("cancelled(%s)", o.Reason)
	case SlaViolated:
		return fmt.Sprintf("violated(%s)", o.Reason)
	}
	return "unknown"
}

// SlaResolution is one job's final settlement decision.
type SlaResolution struct {
	JobID      string
	Provider   string
	Buyer      string
	Outcome    SlaOutcome
	Burned     uint64
	Refunded   uint64
	Deadline   uint64
	ResolvedAt uint64
	Proofs     []ProofBundle
}

// SlaJob is the settlement input for one matched job.
type SlaJob struct {
	JobID    string
	Provider string
	Buyer    string
	Payment  uint64
	Penalty  uint64
	Deadline uint64
}

// ResolveSLA settles one job. Completed outcomes require every attached
// proof bundle to self-verify; a failed bundle downgrades the outcome to
// Violated. Completed pays the provider; cancelled refunds the buyer;
// violated burns the penalty from the provider and refunds the buyer.
func (s *SettlementEngine) ResolveSLA(job SlaJob, outcome SlaOutcome, proofs []ProofBundle) SlaResolution {
	if outcome.Kind == SlaCompleted {
		for i := range proofs {
			if !proofs[i].SelfCheck() {
				outcome = SlaOutcome{Kind: SlaViolated, Reason: "proof verification failed"}
				logrus.Warnf("settlement: job %s proof bundle %d failed self-check", job.JobID, i)
				break
			}
		}
		if outcome.Kind == SlaCompleted && len(proofs) == 0 {
			outcome = SlaOutcome{Kind: SlaViolated, Reason: "missing proof bundle"}
		}
	}

	resolution := SlaResolution{
		JobID:      job.JobID,
		Provider:   job.Provider,
		Buyer:      job.Buyer,
		Outcome:    outcome,
		Deadline:   job.Deadline,
		ResolvedAt: uint64(nowUnix()),
		Proofs:     proofs,
	}

	switch outcome.Kind {
	case SlaCompleted:
		s.Accrue(job.Provider, "sla_completed", job.Payment)
	case SlaCancelled:
		s.RefundSplit(job.Buyer, job.Payment, 0)
		resolution.Refunded = job.Payment
	case SlaViolated:
		computeSLAViolationsTotal.WithLabelValues(job.Provider).Inc()
		if err := s.PenalizeSLA(job.Provider, job.Penalty); err != nil {
			LogError("settlement", err)
		} else {
			resolution.Burned = job.Penalty
		}
		s.RefundSplit(job.Buyer, job.Payment, 0)
		resolution.Refunded = job.Payment
	}

	s.mu.Lock()
	s.slaHistory = append(s.slaHistory, resolution)
	if len(s.slaHistory) > auditCap {
		s.slaHistory = s.slaHistory[1:]
	}
	s.mu.Unlock()

	return resolution
}

// SlaHistory returns up to limit resolutions, newest first.
func (s *SettlementEngine) SlaHistory(limit int) []SlaResolution {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.slaHistory)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]SlaResolution, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.slaHistory[i])
	}
	return out
}
