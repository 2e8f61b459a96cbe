package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// Compute-market settlement. Two account ledgers (CT and IT), an audit ring,
// a merkle-root history, and an arming state machine, all persisted under the
// engine's single mutex through the compute-settlement tree. Mutators hold the
// lock across persistAll so observers never see a torn state.

const (
	auditCap    = 256
	rootHistory = 32

	settlementTree = "compute-settlement"

	keyLedgerCT = "ledger_ct"
	keyLedgerIT = "ledger_it"
	keyMode     = "mode"
	keyMetadata = "metadata"
	keyAudit    = "audit_log"
	keyRoots    = "recent_roots"
	keyNextSeq  = "next_seq"

	auditSidecarFile = "audit.log"
)

// SettleMode gates whether settlement effects are real.
type SettleMode struct {
	Kind       SettleModeKind
	ActivateAt uint64 // meaningful only when Armed
}

type SettleModeKind uint8

const (
	SettleDryRun SettleModeKind = 0
	SettleArmed  SettleModeKind = 1
	SettleReal   SettleModeKind = 2
)

func (k SettleModeKind) String() string {
	switch k {
	case SettleDryRun:
		return "dry_run"
	case SettleArmed:
		return "armed"
	case SettleReal:
		return "real"
	}
	return "unknown"
}

// settlementMetadata tracks arming history and the last anchor.
type settlementMetadata struct {
	ArmedRequestedHeight uint64
	HasArmedRequest      bool
	ArmedDelay           uint64
	HasArmedDelay        bool
	LastCancelReason     string
	HasCancelReason      bool
	LastAnchorHex        string
	HasAnchor            bool
}

// AuditRecord is one settlement mutation. The canonical binary form keeps
// DeltaCT and DeltaIT distinct; Delta() offers the collapsed single-value
// view some serializers expect. Both are exposed so callers never guess.
type AuditRecord struct {
	Sequence  uint64
	Timestamp uint64
	Entity    string
	Memo      string
	DeltaCT   int64
	DeltaIT   int64
	BalanceCT uint64
	BalanceIT uint64
	Anchor    string
	HasAnchor bool
}

// Delta collapses the dual-token change into one signed value.
func (a *AuditRecord) Delta() int64 { return a.DeltaCT + a.DeltaIT }

// SettlementEngine owns the settlement state. Create one per node via
// InitSettlement; tests create fresh instances per scenario.
type SettlementEngine struct {
	mu sync.Mutex

	engine *Engine
	tree   *Tree
	base   string

	mode     SettleMode
	metadata settlementMetadata
	ct       *AccountLedger
	it       *AccountLedger
	audit    []AuditRecord
	roots    *RootHistory
	nextSeq  uint64

	slaHistory []SlaResolution
}

// InitSettlement opens or creates the settlement store. An empty path uses
// an ephemeral in-memory engine.
func InitSettlement(path string, mode SettleMode) (*SettlementEngine, error) {
	engine, err := OpenEngine(path)
	if err != nil {
		return nil, err
	}
	tree, err := engine.OpenTree(settlementTree)
	if err != nil {
		return nil, err
	}
	s := &SettlementEngine{
		engine: engine,
		tree:   tree,
		base:   path,
		mode:   mode,
		ct:     NewAccountLedger(),
		it:     NewAccountLedger(),
		roots:  NewRootHistory(rootHistory),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	logrus.Infof("settlement: initialized mode=%s path=%q", s.mode.Kind, path)
	return s, nil
}

// Shutdown persists and releases the store.
func (s *SettlementEngine) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistAllLocked()
	return s.engine.Close()
}

func (s *SettlementEngine) load() error {
	if raw, err := s.tree.Get([]byte(keyLedgerCT)); err != nil {
		return err
	} else if raw != nil {
		r := NewReader(raw)
		ledger, err := decodeAccountLedger(r)
		if err != nil {
			return err
		}
		s.ct = ledger
	}
	if raw, err := s.tree.Get([]byte(keyLedgerIT)); err != nil {
		return err
	} else if raw != nil {
		r := NewReader(raw)
		ledger, err := decodeAccountLedger(r)
		if err != nil {
			return err
		}
		s.it = ledger
	}
	if raw, err := s.tree.Get([]byte(keyMode)); err != nil {
		return err
	} else if raw != nil {
		r := NewReader(raw)
		kind, err := r.ReadU8("settle mode")
		if err != nil {
			return err
		}
		at, err := r.ReadU64("settle mode activate_at")
		if err != nil {
			return err
		}
		s.mode = SettleMode{Kind: SettleModeKind(kind), ActivateAt: at}
	}
	if raw, err := s.tree.Get([]byte(keyMetadata)); err != nil {
		return err
	} else if raw != nil {
		meta, err := decodeSettlementMetadata(raw)
		if err != nil {
			return err
		}
		s.metadata = *meta
	}
	if raw, err := s.tree.Get([]byte(keyAudit)); err != nil {
		return err
	} else if raw != nil {
		records, err := decodeAuditLog(raw)
		if err != nil {
			return err
		}
		s.audit = records
	}
	if raw, err := s.tree.Get([]byte(keyRoots)); err != nil {
		return err
	} else if raw != nil {
		r := NewReader(raw)
		roots, err := decodeRootHistory(r, rootHistory)
		if err != nil {
			return err
		}
		s.roots = roots
	}
	if raw, err := s.tree.Get([]byte(keyNextSeq)); err != nil {
		return err
	} else if raw != nil {
		r := NewReader(raw)
		seq, err := r.ReadU64("next_seq")
		if err != nil {
			return err
		}
		s.nextSeq = seq
	}
	return nil
}

func (s *SettlementEngine) persistAllLocked() {
	put := func(key string, encode func(*Writer)) {
		w := NewWriter()
		encode(w)
		if _, err := s.tree.Insert([]byte(key), w.Bytes()); err != nil {
			LogError("settlement", WrapError("persistence", "persist "+key, err))
		}
	}
	put(keyLedgerCT, func(w *Writer) { s.ct.encode(w) })
	put(keyLedgerIT, func(w *Writer) { s.it.encode(w) })
	put(keyMode, func(w *Writer) {
		w.WriteU8(uint8(s.mode.Kind))
		w.WriteU64(s.mode.ActivateAt)
	})
	put(keyMetadata, func(w *Writer) { encodeSettlementMetadata(w, &s.metadata) })
	put(keyAudit, func(w *Writer) { encodeAuditLog(w, s.audit) })
	put(keyRoots, func(w *Writer) { s.roots.encode(w) })
	put(keyNextSeq, func(w *Writer) { w.WriteU64(s.nextSeq) })
}

func (s *SettlementEngine) recordEventLocked(entity, memo string, deltaCT, deltaIT int64) {
	balanceCT, balanceIT := balanceSplit(s.ct, s.it, entity)
	record := AuditRecord{
		Sequence:  s.nextSeq,
		Timestamp: uint64(nowUnix()),
		Entity:    entity,
		Memo:      memo,
		DeltaCT:   deltaCT,
		DeltaIT:   deltaIT,
		BalanceCT: balanceCT,
		BalanceIT: balanceIT,
	}
	s.nextSeq++
	if len(s.audit) >= auditCap {
		s.audit = s.audit[1:]
	}
	s.audit = append(s.audit, record)
	s.roots.Push(computeLedgerRoot(s.ct, s.it))
	settleAppliedTotal.Inc()
}

// Accrue credits a provider's CT balance.
func (s *SettlementEngine) Accrue(provider, memo string, amount uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ct.Deposit(provider, amount)
	s.recordEventLocked(provider, memo, int64(amount), 0)
	s.persistAllLocked()
}

// AccrueSplit credits both tokens at once.
func (s *SettlementEngine) AccrueSplit(provider string, ct, it uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ct.Deposit(provider, ct)
	s.it.Deposit(provider, it)
	s.recordEventLocked(provider, "accrue_split", int64(ct), int64(it))
	s.persistAllLocked()
}

// RefundSplit credits a buyer both tokens.
func (s *SettlementEngine) RefundSplit(buyer string, ct, it uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ct.Deposit(buyer, ct)
	s.it.Deposit(buyer, it)
	s.recordEventLocked(buyer, "refund_split", int64(ct), int64(it))
	s.persistAllLocked()
}

// Spend debits a provider's CT balance, failing when insufficient.
func (s *SettlementEngine) Spend(provider, memo string, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ct.Debit(provider, amount); err != nil {
		settleFailedTotal.WithLabelValues("spend").Inc()
		return fmt.Errorf("settlement: spend %s: %w", provider, err)
	}
	s.recordEventLocked(provider, memo, -int64(amount), 0)
	s.persistAllLocked()
	return nil
}

// PenalizeSLA burns CT from a provider for a violated SLA.
func (s *SettlementEngine) PenalizeSLA(provider string, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ct.Debit(provider, amount); err != nil {
		settleFailedTotal.WithLabelValues("penalize").Inc()
		return fmt.Errorf("settlement: penalize_sla %s: %w", provider, err)
	}
	slashingBurnCTTotal.Add(float64(amount))
	s.recordEventLocked(provider, "penalize_sla", -int64(amount), 0)
	s.persistAllLocked()
	return nil
}

// SubmitAnchor records H(bytes) as a special audit entry and appends a
// canonical-JSON line to the audit sidecar.
func (s *SettlementEngine) SubmitAnchor(anchor []byte) {
	hash := HashBytes(anchor).Hex()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata.LastAnchorHex = hash
	s.metadata.HasAnchor = true
	record := AuditRecord{
		Sequence:  s.nextSeq,
		Timestamp: uint64(nowUnix()),
		Entity:    "__anchor__",
		Memo:      "anchor",
		Anchor:    hash,
		HasAnchor: true,
	}
	s.nextSeq++
	if len(s.audit) >= auditCap {
		s.audit = s.audit[1:]
	}
	s.audit = append(s.audit, record)
	s.persistAllLocked()

	line, err := MarshalCanonicalJSON(map[string]string{"kind": "compute_anchor", "hash": hash})
	if err == nil && s.base != "" {
		err = appendAuditLine(s.base, line)
	}
	if err != nil {
		LogError("settlement", WrapError("persistence", "append compute anchor audit", err))
	}
}

func appendAuditLine(base string, line []byte) error {
	f, err := os.OpenFile(filepath.Join(base, auditSidecarFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

// Mode returns the current settlement mode.
func (s *SettlementEngine) Mode() SettleMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Arm schedules real settlement at currentHeight + delay.
func (s *SettlementEngine) Arm(delay, currentHeight uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = SettleMode{Kind: SettleArmed, ActivateAt: currentHeight + delay}
	s.metadata.ArmedRequestedHeight = currentHeight
	s.metadata.HasArmedRequest = true
	s.metadata.ArmedDelay = delay
	s.metadata.HasArmedDelay = true
	s.persistAllLocked()
	settleModeChangeTotal.Inc()
	logrus.Infof("settlement: armed, activates at height %d", s.mode.ActivateAt)
}

// CancelArm reverts an armed state to dry-run.
func (s *SettlementEngine) CancelArm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = SettleMode{Kind: SettleDryRun}
	s.persistAllLocked()
	settleModeChangeTotal.Inc()
	logrus.Info("settlement: arm cancelled, back to dry run")
}

// BackToDryRun forces dry-run, recording why.
func (s *SettlementEngine) BackToDryRun(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = SettleMode{Kind: SettleDryRun}
	s.metadata.LastCancelReason = reason
	s.metadata.HasCancelReason = true
	s.persistAllLocked()
	settleModeChangeTotal.Inc()
	logrus.Warnf("settlement: back to dry run: %s", reason)
}

// Balance returns a provider's CT balance.
func (s *SettlementEngine) Balance(provider string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ct.Balance(provider)
}

// BalanceSplit returns both token balances.
func (s *SettlementEngine) BalanceSplit(provider string) (uint64, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return balanceSplit(s.ct, s.it, provider)
}

// Balances lists every funded address, sorted.
func (s *SettlementEngine) Balances() []BalanceSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return dualBalances(s.ct, s.it)
}

// RecentRoots returns up to limit ledger roots, newest first.
func (s *SettlementEngine) RecentRoots(limit int) []Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roots.Recent(limit)
}

// AuditLog returns up to limit audit records, newest first.
func (s *SettlementEngine) AuditLog(limit int) []AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.audit)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]AuditRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.audit[i])
	}
	return out
}

// LastAnchorHex reports the most recently submitted anchor, if any.
func (s *SettlementEngine) LastAnchorHex() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadata.LastAnchorHex, s.metadata.HasAnchor
}

// Metadata codecs.

func encodeSettlementMetadata(w *Writer, m *settlementMetadata) {
	w.BeginStruct(4)
	w.Field("armed_requested_height", func(w *Writer) {
		w.WriteOption(m.HasArmedRequest, func(w *Writer) { w.WriteU64(m.ArmedRequestedHeight) })
	})
	w.Field("armed_delay", func(w *Writer) {
		w.WriteOption(m.HasArmedDelay, func(w *Writer) { w.WriteU64(m.ArmedDelay) })
	})
	w.Field("last_cancel_reason", func(w *Writer) {
		w.WriteOption(m.HasCancelReason, func(w *Writer) { w.WriteString(m.LastCancelReason) })
	})
	w.Field("last_anchor_hex", func(w *Writer) {
		w.WriteOption(m.HasAnchor, func(w *Writer) { w.WriteString(m.LastAnchorHex) })
	})
}

func decodeSettlementMetadata(b []byte) (*settlementMetadata, error) {
	r := NewReader(b)
	var m settlementMetadata
	err := r.DecodeStruct("settlementMetadata", 4, func(key string, r *Reader) error {
		switch key {
		case "armed_requested_height":
			_, err := r.ReadOption(key, func(r *Reader) error {
				v, err := r.ReadU64(key)
				m.ArmedRequestedHeight = v
				m.HasArmedRequest = true
				return err
			})
			return err
		case "armed_delay":
			_, err := r.ReadOption(key, func(r *Reader) error {
				v, err := r.ReadU64(key)
				m.ArmedDelay = v
				m.HasArmedDelay = true
				return err
			})
			return err
		case "last_cancel_reason":
			_, err := r.ReadOption(key, func(r *Reader) error {
				v, err := r.ReadString(key)
				m.LastCancelReason = v
				m.HasCancelReason = true
				return err
			})
			return err
		case "last_anchor_hex":
			_, err := r.ReadOption(key, func(r *Reader) error {
				v, err := r.ReadString(key)
				m.LastAnchorHex = v
				m.HasAnchor = true
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
	return &m, nil
}

func encodeAuditLog(w *Writer, records []AuditRecord) {
	w.WriteU64(uint64(len(records)))
	for i := range records {
		rec := &records[i]
		w.BeginStruct(9)
		w.Field("sequence", func(w *Writer) { w.WriteU64(rec.Sequence) })
		w.Field("timestamp", func(w *Writer) { w.WriteU64(rec.Timestamp) })
		w.Field("entity", func(w *Writer) { w.WriteString(rec.Entity) })
		w.Field("memo", func(w *Writer) { w.WriteString(rec.Memo) })
		w.Field("delta_ct", func(w *Writer) { w.WriteI64(rec.DeltaCT) })
		w.Field("delta_it", func(w *Writer) { w.WriteI64(rec.DeltaIT) })
		w.Field("balance_ct", func(w *Writer) { w.WriteU64(rec.BalanceCT) })
		w.Field("balance_it", func(w *Writer) { w.WriteU64(rec.BalanceIT) })
		w.Field("anchor", func(w *Writer) {
			w.WriteOption(rec.HasAnchor, func(w *Writer) { w.WriteString(rec.Anchor) })
		})
	}
}

func decodeAuditLog(b []byte) ([]AuditRecord, error) {
	r := NewReader(b)
	n, err := r.ReadU64("audit log count")
	if err != nil {
		return nil, err
	}
	out := make([]AuditRecord, 0, n)
	for i := uint64(0); i < n; i++ {
		var rec AuditRecord
		err := r.DecodeStruct("AuditRecord", 9, func(key string, r *Reader) error {
			switch key {
			case "sequence":
				v, err := r.ReadU64(key)
				rec.Sequence = v
				return err
			case "timestamp":
				v, err := r.ReadU64(key)
				rec.Timestamp = v
				return err
			case "entity":
				v, err := r.ReadString(key)
				rec.Entity = v
				return err
			case "memo":
				v, err := r.ReadString(key)
				rec.Memo = v
				return err
			case "delta_ct":
				v, err := r.ReadI64(key)
				rec.DeltaCT = v
				return err
			case "delta_it":
				v, err := r.ReadI64(key)
				rec.DeltaIT = v
				return err
			case "balance_ct":
				v, err := r.ReadU64(key)
				rec.BalanceCT = v
				return err
			case "balance_it":
				v, err := r.ReadU64(key)
				rec.BalanceIT = v
				return err
			case "anchor":
				_, err := r.ReadOption(key, func(r *Reader) error {
					v, err := r.ReadString(key)
					rec.Anchor = v
					rec.HasAnchor = true
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
		out = append(out, rec)
	}
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return out, nil
}
