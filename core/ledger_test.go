package core

import (
	"errors"
	"testing"
)

//-------------------------------------------------------------
// Balances
//-------------------------------------------------------------

func TestDebitFailsOnInsufficientBalance(t *testing.T) {
	l := NewAccountLedger()
	l.Deposit("a", 10)
	if err := l.Debit("a", 11); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if l.Balance("a") != 10 {
		t.Fatal("failed debit changed balance")
	}
	if err := l.Debit("a", 10); err != nil {
		t.Fatalf("exact debit: %v", err)
	}
	if l.Balance("a") != 0 {
		t.Fatal("balance not zero after exact debit")
	}
}

func TestDepositSaturates(t *testing.T) {
	l := NewAccountLedger()
	l.Deposit("a", ^uint64(0))
	l.Deposit("a", 1)
	if l.Balance("a") != ^uint64(0) {
		t.Fatalf("deposit wrapped: %d", l.Balance("a"))
	}
}

func TestAddressesSorted(t *testing.T) {
	l := NewAccountLedger()
	for _, a := range []string{"zeta", "alpha", "mid"} {
		l.Deposit(a, 1)
	}
	addrs := l.Addresses()
	if addrs[0] != "alpha" || addrs[2] != "zeta" {
		t.Fatalf("addresses unsorted: %v", addrs)
	}
}

//-------------------------------------------------------------
// Roots
//-------------------------------------------------------------

func TestLedgerRootDeterministic(t *testing.T) {
	ct1, it1 := NewAccountLedger(), NewAccountLedger()
	ct2, it2 := NewAccountLedger(), NewAccountLedger()

	// Same balances inserted in different orders must hash identically.
	ct1.Deposit("a", 10)
	ct1.Deposit("b", 20)
	it1.Deposit("a", 5)

	it2.Deposit("a", 5)
	ct2.Deposit("b", 20)
	ct2.Deposit("a", 10)

	if computeLedgerRoot(ct1, it1) != computeLedgerRoot(ct2, it2) {
		t.Fatal("root depends on insertion order")
	}

	ct2.Deposit("a", 1)
	if computeLedgerRoot(ct1, it1) == computeLedgerRoot(ct2, it2) {
		t.Fatal("root ignores balance change")
	}
}

func TestDualBalancesMergesBothTokens(t *testing.T) {
	ct, it := NewAccountLedger(), NewAccountLedger()
	ct.Deposit("only-ct", 5)
	it.Deposit("only-it", 7)
	ct.Deposit("both", 1)
	it.Deposit("both", 2)

	snaps := dualBalances(ct, it)
	if len(snaps) != 3 {
		t.Fatalf("got %d snapshots, want 3", len(snaps))
	}
	// Sorted: both, only-ct, only-it.
	if snaps[0].Provider != "both" || snaps[0].CT != 1 || snaps[0].Industrial != 2 {
		t.Fatalf("snapshot wrong: %+v", snaps[0])
	}
}

func TestRootHistoryWindow(t *testing.T) {
	h := NewRootHistory(3)
	roots := make([]Hash, 5)
	for i := range roots {
		roots[i] = HashBytes([]byte{byte(i)})
		h.Push(roots[i])
	}
	if h.Len() != 3 {
		t.Fatalf("history len = %d, want 3", h.Len())
	}
	recent := h.Recent(0)
	if recent[0] != roots[4] || recent[2] != roots[2] {
		t.Fatalf("recent order wrong")
	}
	// Pushing the same root twice is a no-op.
	h.Push(roots[4])
	if h.Len() != 3 {
		t.Fatal("duplicate tip root appended")
	}
}

func TestAccountLedgerCodecRoundTrip(t *testing.T) {
	l := NewAccountLedger()
	l.Deposit("x", 123)
	l.Deposit("y", 456)

	w := NewWriter()
	l.encode(w)
	r := NewReader(w.Bytes())
	decoded, err := decodeAccountLedger(r)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := r.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if decoded.Balance("x") != 123 || decoded.Balance("y") != 456 {
		t.Fatal("balances lost in round trip")
	}
}
