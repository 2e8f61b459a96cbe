package core

import (
	"testing"
)

func adKey(label string) ReservationKey {
	return ReservationKey{
		Manifest: HashBytes([]byte("manifest-" + label)),
		PathHash: HashBytes([]byte("path-" + label)),
	}
}

//-------------------------------------------------------------
// Scenario: budget 10 000, 100 CT/MiB, one MiB impression
//-------------------------------------------------------------

func TestReserveCommitArithmetic(t *testing.T) {
	m := NewInMemoryMarketplace(NewDistributionPolicy(40, 30, 20, 5, 5))
	err := m.RegisterCampaign(Campaign{
		ID:        "camp-1",
		BudgetCT:  10_000,
		Creatives: []Creative{{ID: "cr-1", PricePerMibCT: 100}},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	key := adKey("a")
	outcome, ok := m.ReserveImpression(key, ImpressionContext{Domain: "example.com", Bytes: 1_048_576})
	if !ok || outcome.CampaignID != "camp-1" || outcome.CreativeID != "cr-1" {
		t.Fatalf("reserve failed: %+v", outcome)
	}

	breakdown, ok := m.Commit(key)
	if !ok {
		t.Fatal("commit failed")
	}
	if breakdown.TotalCT != 100 {
		t.Fatalf("total = %d, want 100", breakdown.TotalCT)
	}
	if breakdown.ViewerCT != 40 || breakdown.HostCT != 30 || breakdown.HardwareCT != 20 ||
		breakdown.VerifierCT != 5 || breakdown.LiquidityCT != 5 || breakdown.MinerCT != 0 {
		t.Fatalf("split wrong: %+v", breakdown)
	}

	campaigns := m.ListCampaigns()
	if len(campaigns) != 1 || campaigns[0].RemainingBudgetCT != 9_900 {
		t.Fatalf("budget not debited: %+v", campaigns)
	}
}

// The five shares plus the miner residue always recompose the total.
func TestSettlementConservation(t *testing.T) {
	weights := []struct {
		policy DistributionPolicy
		totals []uint64
	}{
		{NewDistributionPolicy(40, 30, 20, 5, 5), []uint64{1, 3, 7, 99, 100, 101, 12345}},
		{NewDistributionPolicy(1, 1, 1, 0, 0), []uint64{1, 2, 10, 11}},
		{NewDistributionPolicy(7, 13, 3, 5, 2), []uint64{17, 997, 65536}},
	}
	for _, tc := range weights {
		for _, total := range tc.totals {
			alloc := settleLargestRemainder(total, []uint64{
				tc.policy.ViewerPercent, tc.policy.HostPercent, tc.policy.HardwarePercent,
				tc.policy.VerifierPercent, tc.policy.LiquidityPercent,
			})
			var sum uint64
			for _, a := range alloc {
				sum += a
			}
			if sum > total {
				t.Fatalf("allocated %d of %d", sum, total)
			}
		}
	}
}

//-------------------------------------------------------------
// Largest-remainder tie-break: remainder desc, order asc, index asc
//-------------------------------------------------------------

func TestLargestRemainderTieBreakOrder(t *testing.T) {
	// total 10 over equal weights: each floor is 2 (10·1/4=2.5), remainder
	// equal, so the two leftover tokens go to the earliest indices.
	alloc := settleLargestRemainder(10, []uint64{1, 1, 1, 1})
	want := []uint64{3, 3, 2, 2}
	for i := range want {
		if alloc[i] != want[i] {
			t.Fatalf("alloc = %v, want %v", alloc, want)
		}
	}

	// Exact division: 7·(3,3,1)/7 → floors (3,3,1), all remainders 0, leftover 0.
	alloc = settleLargestRemainder(7, []uint64{3, 3, 1})
	if alloc[0]+alloc[1]+alloc[2] != 7 {
		t.Fatalf("alloc = %v does not sum to 7", alloc)
	}

	// Zero-weight participants never receive remainder tokens before
	// weighted ones with equal standing.
	alloc = settleLargestRemainder(5, []uint64{0, 2, 3})
	if alloc[0] != 0 {
		t.Fatalf("zero-weight participant paid: %v", alloc)
	}
}

//-------------------------------------------------------------
// Targeting
//-------------------------------------------------------------

func TestTargetingFilters(t *testing.T) {
	m := NewInMemoryMarketplace(NewDistributionPolicy(40, 30, 20, 5, 5))
	err := m.RegisterCampaign(Campaign{
		ID:       "strict",
		BudgetCT: 1_000,
		Targeting: CampaignTargeting{
			Domains: []string{"news.example"},
			Badges:  []string{"verified", "adult"},
		},
		Creatives: []Creative{{ID: "cr", PricePerMibCT: 10}},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	tests := []struct {
		name string
		ctx  ImpressionContext
		want bool
	}{
		{"WrongDomain", ImpressionContext{Domain: "other.example", Badges: []string{"verified", "adult"}, Bytes: bytesPerMib}, false},
		{"MissingBadge", ImpressionContext{Domain: "news.example", Badges: []string{"verified"}, Bytes: bytesPerMib}, false},
		{"AllMatch", ImpressionContext{Domain: "news.example", Badges: []string{"verified", "adult", "extra"}, Bytes: bytesPerMib}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, ok := m.ReserveImpression(adKey(tc.name), tc.ctx)
			if ok != tc.want {
				t.Fatalf("reserve = %v, want %v", ok, tc.want)
			}
		})
	}
}

func TestHighestPriceCreativeWins(t *testing.T) {
	m := NewInMemoryMarketplace(NewDistributionPolicy(40, 30, 20, 5, 5))
	err := m.RegisterCampaign(Campaign{
		ID:       "multi",
		BudgetCT: 10_000,
		Creatives: []Creative{
			{ID: "cheap", PricePerMibCT: 10},
			{ID: "rich", PricePerMibCT: 90},
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	outcome, ok := m.ReserveImpression(adKey("w"), ImpressionContext{Domain: "d", Bytes: bytesPerMib})
	if !ok || outcome.CreativeID != "rich" {
		t.Fatalf("winner = %+v", outcome)
	}
}

//-------------------------------------------------------------
// Budget exhaustion, cancel, duplicates
//-------------------------------------------------------------

func TestBudgetExhaustionSkipsCampaign(t *testing.T) {
	m := NewInMemoryMarketplace(NewDistributionPolicy(40, 30, 20, 5, 5))
	if err := m.RegisterCampaign(Campaign{
		ID: "tiny", BudgetCT: 50,
		Creatives: []Creative{{ID: "cr", PricePerMibCT: 100}},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	// One MiB costs 100 > budget 50.
	if _, ok := m.ReserveImpression(adKey("x"), ImpressionContext{Domain: "d", Bytes: bytesPerMib}); ok {
		t.Fatal("over-budget impression reserved")
	}
}

func TestCancelReleasesReservation(t *testing.T) {
	m := NewInMemoryMarketplace(NewDistributionPolicy(40, 30, 20, 5, 5))
	if err := m.RegisterCampaign(Campaign{
		ID: "c", BudgetCT: 1_000,
		Creatives: []Creative{{ID: "cr", PricePerMibCT: 100}},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	key := adKey("cancel")
	if _, ok := m.ReserveImpression(key, ImpressionContext{Domain: "d", Bytes: bytesPerMib}); !ok {
		t.Fatal("reserve failed")
	}
	m.Cancel(key)
	if _, ok := m.Commit(key); ok {
		t.Fatal("committed a cancelled reservation")
	}
	if m.ListCampaigns()[0].RemainingBudgetCT != 1_000 {
		t.Fatal("cancel debited budget")
	}
}

func TestDuplicateCampaignRejected(t *testing.T) {
	m := NewInMemoryMarketplace(NewDistributionPolicy(40, 30, 20, 5, 5))
	c := Campaign{ID: "dup", BudgetCT: 10}
	if err := m.RegisterCampaign(c); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := m.RegisterCampaign(c); err != ErrDuplicateCampaign {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestCostForBytesRoundsUp(t *testing.T) {
	tests := []struct {
		price, bytes, want uint64
	}{
		{100, bytesPerMib, 100},
		{100, bytesPerMib / 2, 50},
		{100, 1, 1}, // ceil
		{0, bytesPerMib, 0},
		{100, 0, 0},
	}
	for _, tc := range tests {
		if got := costForBytes(tc.price, tc.bytes); got != tc.want {
			t.Fatalf("cost(%d, %d) = %d, want %d", tc.price, tc.bytes, got, tc.want)
		}
	}
}

func TestUpdateDistribution(t *testing.T) {
	m := NewInMemoryMarketplace(NewDistributionPolicy(40, 30, 20, 5, 5))
	m.UpdateDistribution(NewDistributionPolicy(50, 50, 0, 0, 0))
	if got := m.Distribution(); got.ViewerPercent != 50 || got.HardwarePercent != 0 {
		t.Fatalf("distribution not updated: %+v", got)
	}
}
