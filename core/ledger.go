package core

import (
	"sort"
)

// Dual-token account ledger. Two disjoint fungible tokens exist: consumer
// (CT) and industrial (IT). Deposits saturate; debits fail when the balance
// is insufficient. No address can end any operation negative in either token.

// ErrInsufficientBalance distinguishes a failed debit from engine errors.
var ErrInsufficientBalance = NewError("insufficient_balance", "debit exceeds balance")

// AccountLedger tracks balances for one token.
type AccountLedger struct {
	balances map[Address]uint64
}

func NewAccountLedger() *AccountLedger {
	return &AccountLedger{balances: make(map[Address]uint64)}
}

// Balance returns the current balance, zero for unknown addresses.
func (l *AccountLedger) Balance(addr Address) uint64 { return l.balances[addr] }

// Deposit credits addr. Deposits are infallible and saturate at the maximum
// representable amount.
func (l *AccountLedger) Deposit(addr Address, amount uint64) {
	l.balances[addr] = satAdd(l.balances[addr], amount)
}

// Debit removes amount from addr, failing with ErrInsufficientBalance when
// the balance would go negative.
func (l *AccountLedger) Debit(addr Address, amount uint64) error {
	bal := l.balances[addr]
	if amount > bal {
		return ErrInsufficientBalance
	}
	l.balances[addr] = bal - amount
	return nil
}

// Addresses returns every funded address in ascending byte order.
func (l *AccountLedger) Addresses() []Address {
	out := make([]Address, 0, len(l.balances))
	for a := range l.balances {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Snapshot copies the balance map for persistence.
func (l *AccountLedger) Snapshot() map[Address]uint64 {
	out := make(map[Address]uint64, len(l.balances))
	for a, v := range l.balances {
		out[a] = v
	}
	return out
}

// Restore replaces the ledger contents from a persisted snapshot.
func (l *AccountLedger) Restore(snapshot map[Address]uint64) {
	l.balances = make(map[Address]uint64, len(snapshot))
	for a, v := range snapshot {
		l.balances[a] = v
	}
}

func (l *AccountLedger) encode(w *Writer) {
	addrs := l.Addresses()
	w.WriteU64(uint64(len(addrs)))
	for _, a := range addrs {
		w.WriteString(a)
		w.WriteU64(l.balances[a])
	}
}

func decodeAccountLedger(r *Reader) (*AccountLedger, error) {
	n, err := r.ReadU64("ledger entry count")
	if err != nil {
		return nil, err
	}
	l := NewAccountLedger()
	for i := uint64(0); i < n; i++ {
		addr, err := r.ReadString("ledger address")
		if err != nil {
			return nil, err
		}
		bal, err := r.ReadU64("ledger balance")
		if err != nil {
			return nil, err
		}
		l.balances[addr] = bal
	}
	return l, nil
}

// BalanceSnapshot pairs an address with its dual-token balances.
type BalanceSnapshot struct {
	Provider   Address
	CT         uint64
	Industrial uint64
}

// balanceSplit reads both token balances for one address.
func balanceSplit(ct, it *AccountLedger, addr Address) (uint64, uint64) {
	return ct.Balance(addr), it.Balance(addr)
}

// dualBalances lists every address funded in either ledger, sorted.
func dualBalances(ct, it *AccountLedger) []BalanceSnapshot {
	set := make(map[Address]struct{})
	for a := range ct.balances {
		set[a] = struct{}{}
	}
	for a := range it.balances {
		set[a] = struct{}{}
	}
	addrs := make([]Address, 0, len(set))
	for a := range set {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)
	out := make([]BalanceSnapshot, 0, len(addrs))
	for _, a := range addrs {
		c, i := balanceSplit(ct, it, a)
		out = append(out, BalanceSnapshot{Provider: a, CT: c, Industrial: i})
	}
	return out
}

// computeLedgerRoot folds the dual-token balances into a 32-byte root:
// root starts as H() and absorbs H(address || ct_le8 || it_le8) per address
// in ascending byte order.
func computeLedgerRoot(ct, it *AccountLedger) Hash {
	root := HashBytes(nil)
	for _, snap := range dualBalances(ct, it) {
		w := NewWriter()
		w.WriteRaw([]byte(snap.Provider))
		w.WriteU64(snap.CT)
		w.WriteU64(snap.Industrial)
		leaf := HashBytes(w.Bytes())
		fold := NewWriter()
		fold.WriteRaw(root[:])
		fold.WriteRaw(leaf[:])
		root = HashBytes(fold.Bytes())
	}
	return root
}

// RootHistory retains a sliding window of ledger roots, newest last.
type RootHistory struct {
	roots []Hash
	cap   int
}

const defaultRootHistory = 32

func NewRootHistory(capacity int) *RootHistory {
	if capacity <= 0 {
		capacity = defaultRootHistory
	}
	return &RootHistory{cap: capacity}
}

// Push appends a root unless it equals the latest one.
func (h *RootHistory) Push(root Hash) {
	if n := len(h.roots); n > 0 && h.roots[n-1] == root {
		return
	}
	if len(h.roots) >= h.cap {
		h.roots = h.roots[1:]
	}
	h.roots = append(h.roots, root)
}

// Recent returns up to limit roots, newest first.
func (h *RootHistory) Recent(limit int) []Hash {
	n := len(h.roots)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Hash, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, h.roots[i])
	}
	return out
}

func (h *RootHistory) Len() int { return len(h.roots) }

func (h *RootHistory) encode(w *Writer) {
	w.WriteU64(uint64(len(h.roots)))
	for _, r := range h.roots {
		w.WriteRaw(r[:])
	}
}

func decodeRootHistory(r *Reader, capacity int) (*RootHistory, error) {
	n, err := r.ReadU64("root history count")
	if err != nil {
		return nil, err
	}
	h := NewRootHistory(capacity)
	for i := uint64(0); i < n; i++ {
		root, err := r.ReadHash("root history entry")
		if err != nil {
			return nil, err
		}
		h.roots = append(h.roots, root)
	}
	return h, nil
}
