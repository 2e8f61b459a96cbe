package core

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Presence-backed ad marketplace: campaign matching, impression
// reservations, and settlement by the largest-remainder method. The
// unallocated remainder after floor division credits the miner.

// ReservationKey identifies one served impression slot.
type ReservationKey struct {
	Manifest Hash
	PathHash Hash
}

// CampaignTargeting filters impressions by domain and badge set. An empty
// domain list matches every domain; badges are a subset predicate, so every
// required badge must be present on the impression.
type CampaignTargeting struct {
	Domains []string
	Badges  []string
}

// Creative is one ad unit with its own optional targeting.
type Creative struct {
	ID            string
	PricePerMibCT uint64
	Badges        []string
	Domains       []string
	Metadata      map[string]string
}

// Campaign is an advertiser's budgeted creative set.
type Campaign struct {
	ID                string
	AdvertiserAccount Address
	BudgetCT          uint64
	Creatives         []Creative
	Targeting         CampaignTargeting
	Metadata          map[string]string
}

// DistributionPolicy weights the settlement split. Weights need not sum to
// any particular total; the largest-remainder allocation normalizes.
type DistributionPolicy struct {
	ViewerPercent    uint64
	HostPercent      uint64
	HardwarePercent  uint64
	VerifierPercent  uint64
	LiquidityPercent uint64
}

func NewDistributionPolicy(viewer, host, hardware, verifier, liquidity uint64) DistributionPolicy {
	return DistributionPolicy{
		ViewerPercent:    viewer,
		HostPercent:      host,
		HardwarePercent:  hardware,
		VerifierPercent:  verifier,
		LiquidityPercent: liquidity,
	}
}

// ImpressionContext describes one serving opportunity.
type ImpressionContext struct {
	Domain   string
	Provider string
	Badges   []string
	Bytes    uint64
}

// MatchOutcome reports the winning creative for a reservation.
type MatchOutcome struct {
	CampaignID    string
	CreativeID    string
	PricePerMibCT uint64
}

// SettlementBreakdown is the committed split of one impression's cost.
type SettlementBreakdown struct {
	CampaignID  string
	CreativeID  string
	Bytes       uint64
	TotalCT     uint64
	ViewerCT    uint64
	HostCT      uint64
	HardwareCT  uint64
	VerifierCT  uint64
	LiquidityCT uint64
	MinerCT     uint64
}

// CampaignSummary is the listing view.
type CampaignSummary struct {
	ID                string
	AdvertiserAccount Address
	RemainingBudgetCT uint64
	Creatives         []string
}

// ErrDuplicateCampaign rejects re-registration of a campaign id.
var ErrDuplicateCampaign = NewError("duplicate_campaign", "campaign id already registered")

type campaignState struct {
	campaign          Campaign
	remainingBudgetCT uint64
}

type reservationState struct {
	campaignID string
	creativeID string
	bytes      uint64
	costCT     uint64
}

// Marketplace is the ad-matching interface; the in-memory implementation is
// the only one in-core, with campaign state recoverable from chain receipts.
type Marketplace interface {
	RegisterCampaign(campaign Campaign) error
	ListCampaigns() []CampaignSummary
	ReserveImpression(key ReservationKey, ctx ImpressionContext) (*MatchOutcome, bool)
	Commit(key ReservationKey) (*SettlementBreakdown, bool)
	Cancel(key ReservationKey)
	Distribution() DistributionPolicy
	UpdateDistribution(policy DistributionPolicy)
}

// InMemoryMarketplace implements Marketplace with RwLock'd maps.
type InMemoryMarketplace struct {
	mu           sync.RWMutex
	campaigns    map[string]*campaignState
	reservations map[ReservationKey]reservationState
	distribution DistributionPolicy
}

func NewInMemoryMarketplace(distribution DistributionPolicy) *InMemoryMarketplace {
	return &InMemoryMarketplace{
		campaigns:    make(map[string]*campaignState),
		reservations: make(map[ReservationKey]reservationState),
		distribution: distribution,
	}
}

// RegisterCampaign admits a campaign once.
func (m *InMemoryMarketplace) RegisterCampaign(campaign Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.campaigns[campaign.ID]; exists {
		return ErrDuplicateCampaign
	}
	m.campaigns[campaign.ID] = &campaignState{
		campaign:          campaign,
		remainingBudgetCT: campaign.BudgetCT,
	}
	logrus.Infof("ad_market: registered campaign %s budget=%d", campaign.ID, campaign.BudgetCT)
	return nil
}

// ListCampaigns summarizes every campaign.
func (m *InMemoryMarketplace) ListCampaigns() []CampaignSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]CampaignSummary, 0, len(m.campaigns))
	for _, state := range m.campaigns {
		creatives := make([]string, 0, len(state.campaign.Creatives))
		for _, c := range state.campaign.Creatives {
			creatives = append(creatives, c.ID)
		}
		out = append(out, CampaignSummary{
			ID:                state.campaign.ID,
			AdvertiserAccount: state.campaign.AdvertiserAccount,
			RemainingBudgetCT: state.remainingBudgetCT,
			Creatives:         creatives,
		})
	}
	return out
}

func matchesTargeting(t *CampaignTargeting, ctx *ImpressionContext) bool {
	if len(t.Domains) > 0 {
		found := false
		for _, d := range t.Domains {
			if d == ctx.Domain {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(t.Badges) > 0 {
		have := make(map[string]struct{}, len(ctx.Badges))
		for _, b := range ctx.Badges {
			have[b] = struct{}{}
		}
		for _, required := range t.Badges {
			if _, ok := have[required]; !ok {
				return false
			}
		}
	}
	return true
}

func matchesCreative(c *Creative, ctx *ImpressionContext) bool {
	sub := CampaignTargeting{Domains: c.Domains, Badges: c.Badges}
	return matchesTargeting(&sub, ctx)
}

const bytesPerMib = 1_048_576

// costForBytes prices an impression: ceil(price_per_mib · bytes / 1 MiB).
func costForBytes(pricePerMib, bytes uint64) uint64 {
	if pricePerMib == 0 || bytes == 0 {
		return 0
	}
	numerator := satMul(pricePerMib, bytes)
	return (numerator + bytesPerMib - 1) / bytesPerMib
}

// ReserveImpression scans campaigns for the best-paying eligible creative
// and records a reservation. The winner has the highest price_per_mib,
// tie-broken by the higher impression cost.
func (m *InMemoryMarketplace) ReserveImpression(key ReservationKey, ctx ImpressionContext) (*MatchOutcome, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *MatchOutcome
	var bestCampaign string
	var bestCost uint64

	for _, state := range m.campaigns {
		if !matchesTargeting(&state.campaign.Targeting, &ctx) {
			continue
		}
		for i := range state.campaign.Creatives {
			creative := &state.campaign.Creatives[i]
			if !matchesCreative(creative, &ctx) {
				continue
			}
			cost := costForBytes(creative.PricePerMibCT, ctx.Bytes)
			if cost == 0 || state.remainingBudgetCT < cost {
				continue
			}
			if best == nil ||
				creative.PricePerMibCT > best.PricePerMibCT ||
				(creative.PricePerMibCT == best.PricePerMibCT && cost > bestCost) {
				best = &MatchOutcome{
					CampaignID:    state.campaign.ID,
					CreativeID:    creative.ID,
					PricePerMibCT: creative.PricePerMibCT,
				}
				bestCampaign = state.campaign.ID
				bestCost = cost
			}
		}
	}
	if best == nil {
		return nil, false
	}
	m.reservations[key] = reservationState{
		campaignID: bestCampaign,
		creativeID: best.CreativeID,
		bytes:      ctx.Bytes,
		costCT:     bestCost,
	}
	return best, true
}

// Commit debits the campaign budget and produces the settlement split.
func (m *InMemoryMarketplace) Commit(key ReservationKey) (*SettlementBreakdown, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reservation, ok := m.reservations[key]
	if !ok {
		return nil, false
	}
	delete(m.reservations, key)

	state, ok := m.campaigns[reservation.campaignID]
	if !ok || state.remainingBudgetCT < reservation.costCT {
		return nil, false
	}
	state.remainingBudgetCT -= reservation.costCT

	weights := []uint64{
		m.distribution.ViewerPercent,
		m.distribution.HostPercent,
		m.distribution.HardwarePercent,
		m.distribution.VerifierPercent,
		m.distribution.LiquidityPercent,
	}
	alloc := settleLargestRemainder(reservation.costCT, weights)
	distributed := alloc[0] + alloc[1] + alloc[2] + alloc[3] + alloc[4]

	return &SettlementBreakdown{
		CampaignID:  reservation.campaignID,
		CreativeID:  reservation.creativeID,
		Bytes:       reservation.bytes,
		TotalCT:     reservation.costCT,
		ViewerCT:    alloc[0],
		HostCT:      alloc[1],
		HardwareCT:  alloc[2],
		VerifierCT:  alloc[3],
		LiquidityCT: alloc[4],
		MinerCT:     satSub(reservation.costCT, distributed),
	}, true
}

// Cancel releases a reservation without debiting the campaign.
func (m *InMemoryMarketplace) Cancel(key ReservationKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reservations, key)
}

// Distribution reads the current policy.
func (m *InMemoryMarketplace) Distribution() DistributionPolicy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.distribution
}

// UpdateDistribution replaces the policy.
func (m *InMemoryMarketplace) UpdateDistribution(policy DistributionPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.distribution = policy
}

// settleLargestRemainder splits total by weights: each participant gets
// floor(total · w_i / Σw), then the leftover goes out one token at a time by
// (remainder desc, declaration order asc, index asc). This exact tie-break
// order is an economic commitment; changing it changes payouts.
func settleLargestRemainder(total uint64, weights []uint64) []uint64 {
	alloc := make([]uint64, len(weights))
	if total == 0 || len(weights) == 0 {
		return alloc
	}
	var sum uint64
	for _, w := range weights {
		sum = satAdd(sum, w)
	}
	if sum == 0 {
		return alloc
	}

	type rem struct {
		idx       int
		order     int
		remainder uint64
	}
	rems := make([]rem, 0, len(weights))
	var distributed uint64
	for i, w := range weights {
		if w == 0 {
			rems = append(rems, rem{idx: i, order: i})
			continue
		}
		numerator := satMul(total, w)
		base := numerator / sum
		alloc[i] = base
		distributed = satAdd(distributed, base)
		rems = append(rems, rem{idx: i, order: i, remainder: numerator % sum})
	}

	leftover := satSub(total, distributed)
	if leftover == 0 {
		return alloc
	}
	// Sort by remainder desc, then order asc, then index asc.
	for i := 0; i < len(rems); i++ {
		for j := i + 1; j < len(rems); j++ {
			a, b := rems[i], rems[j]
			swap := false
			if b.remainder > a.remainder {
				swap = true
			} else if b.remainder == a.remainder {
				if b.order < a.order {
					swap = true
				} else if b.order == a.order && b.idx < a.idx {
					swap = true
				}
			}
			if swap {
				rems[i], rems[j] = rems[j], rems[i]
			}
		}
	}
	for _, r := range rems {
		if leftover == 0 {
			break
		}
		alloc[r.idx]++
		leftover--
	}
	if leftover > 0 && len(alloc) > 0 {
		alloc[0] = satAdd(alloc[0], leftover)
	}
	return alloc
}
