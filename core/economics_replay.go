package core

// Deterministic economics replay. Any node recomputes the exact economics
// schedule from chain history alone: two nodes seeing the same chain must
// produce byte-identical ReplayedEconomicsState. Every input comes from the
// chain itself (transactions, receipts, block headers) or from the versioned
// governance history; no node-local state may participate.

// NonKycVolumeIsTotalVolume flags the compliance placeholder: until a KYC
// registry exists on-chain, all transaction volume is counted as non-KYC.
// Replay does not consult a KycRegistry; the constant makes the placeholder
// visible to callers instead of burying it in a comment.
const NonKycVolumeIsTotalVolume = true

// KycRegistry is the compliance hook interface. No type in this package
// implements it and replay never calls it, matching NonKycVolumeIsTotalVolume.
type KycRegistry interface {
	IsVerified(addr Address) bool
}

// EpochGovernanceSnapshot versions governance parameters at an epoch
// boundary. Proposals that pass take effect at the next boundary.
type EpochGovernanceSnapshot struct {
	Epoch           uint64
	StartHeight     uint64
	TreasuryPercent int64
	Params          Params
}

// ReplayedEconomicsState is the economics state at a block height derived
// purely from chain replay.
type ReplayedEconomicsState struct {
	BlockHeight         uint64
	BlockRewardPerBlock uint64
	PrevSubsidy         SubsidySnapshot
	PrevTariff          TariffSnapshot
	PrevAnnualIssuance  uint64

	// Adaptive baselines; these must carry across epochs. Reconstructing
	// them from defaults at any boundary is a consensus bug.
	BaselineTxCount  uint64
	BaselineTxVolume uint64
	BaselineMiners   uint64

	GovernanceHistory map[uint64]EpochGovernanceSnapshot

	CumulativeTreasuryInflow     uint64
	CumulativeAdSpendUSDMicros   uint64
	CumulativeNonKycVolume       uint64
}

// DefaultReplayedEconomicsState is the genesis bootstrap state.
func DefaultReplayedEconomicsState() ReplayedEconomicsState {
	defaults := DefaultNetworkIssuanceParams()
	return ReplayedEconomicsState{
		BlockHeight:         0,
		BlockRewardPerBlock: InitialBlockReward,
		PrevSubsidy:         SubsidySnapshot{},
		PrevTariff:          TariffSnapshot{},
		PrevAnnualIssuance:  0,
		BaselineTxCount:     defaults.BaselineTxCount,
		BaselineTxVolume:    defaults.BaselineTxVolumeBlock,
		BaselineMiners:      defaults.BaselineMiners,
		GovernanceHistory:   make(map[uint64]EpochGovernanceSnapshot),
	}
}

// GetEpochGovernance returns the params snapshot for an epoch, if recorded.
// Use this for historical lookups during auditing or dispute resolution.
func GetEpochGovernance(state *ReplayedEconomicsState, epoch uint64) (*Params, bool) {
	snap, ok := state.GovernanceHistory[epoch]
	if !ok {
		return nil, false
	}
	return &snap.Params, true
}

// ReplayEconomicsToTip replays from genesis to the chain tip.
func ReplayEconomicsToTip(chain []*Block, govParams *Params) ReplayedEconomicsState {
	if len(chain) == 0 {
		return DefaultReplayedEconomicsState()
	}
	return ReplayEconomicsToHeight(chain, uint64(len(chain))-1, govParams)
}

// ReplayEconomicsToHeight is the consensus-critical core. Iteration is
// strictly in block-height order; at each epoch boundary the control laws
// run over metrics accumulated from that epoch's blocks.
func ReplayEconomicsToHeight(chain []*Block, targetHeight uint64, govParams *Params) ReplayedEconomicsState {
	if len(chain) == 0 || targetHeight >= uint64(len(chain)) {
		return DefaultReplayedEconomicsState()
	}

	state := DefaultReplayedEconomicsState()
	emission := uint64(0)

	var (
		epochTxCount      uint64
		epochTxVolume     uint64
		epochCoinbase     uint64
		epochAdSpendMicros uint64
		epochNonKycVolume uint64
	)
	epochMiners := make(map[Address]struct{})

	treasuryPercent := uint64(clampI64(govParams.TreasuryPercent, 0, 100))

	state.GovernanceHistory[0] = EpochGovernanceSnapshot{
		Epoch:           0,
		StartHeight:     0,
		TreasuryPercent: govParams.TreasuryPercent,
		Params:          *govParams,
	}

	for idx, block := range chain {
		height := uint64(idx)
		if height > targetHeight {
			break
		}

		coinbase := block.CoinbaseTotal()
		emission = satAdd(emission, coinbase)

		// Treasury inflow is computed, not observed: treasury_percent of the
		// epoch's summed coinbase, taken once at the boundary so small
		// per-block rewards do not each round down to zero.
		epochCoinbase = satAdd(epochCoinbase, coinbase)

		// Ad spend accumulates from the block header.
		epochAdSpendMicros = satAdd(epochAdSpendMicros, block.Header.AdTotalUSDMicros)

		if cb := block.Coinbase(); cb != nil {
			epochMiners[cb.Payload.To] = struct{}{}
		}

		nonCoinbase := block.Transactions
		if len(nonCoinbase) > 0 {
			nonCoinbase = nonCoinbase[1:]
		}
		for _, tx := range nonCoinbase {
			epochTxCount = satAdd(epochTxCount, 1)
			volume := tx.Volume()
			epochTxVolume = satAdd(epochTxVolume, volume)
			// All volume counts as non-KYC; see NonKycVolumeIsTotalVolume.
			epochNonKycVolume = satAdd(epochNonKycVolume, volume)
		}

		if height > 0 && height%EpochBlocks == 0 {
			epoch := height / EpochBlocks

			metrics := DeriveMarketMetricsFromChain(chain, satSub(height, EpochBlocks), height)

			activity := NetworkActivity{
				TxCount:       epochTxCount,
				TxVolumeBlock: epochTxVolume,
				UniqueMiners:  uint64(len(epochMiners)),
				BlockHeight:   height,
			}

			state.GovernanceHistory[epoch] = EpochGovernanceSnapshot{
				Epoch:           epoch,
				StartHeight:     height,
				TreasuryPercent: govParams.TreasuryPercent,
				Params:          *govParams,
			}

			// Governance converts to controller params with the CURRENT
			// adaptive baselines from state, never the defaults.
			econParams := FromGovernanceParams(govParams, state.PrevSubsidy, state.PrevTariff,
				state.BaselineTxCount, state.BaselineTxVolume, state.BaselineMiners)

			adSpendBlock := convertAdSpend(epochAdSpendMicros, block.Header.AdOraclePriceUSDMicros)
			epochTreasury := satMul(epochCoinbase, treasuryPercent) / 100

			snapshot := ExecuteEpochEconomics(
				epoch,
				&metrics,
				&activity,
				emission,
				emission,
				epochNonKycVolume,
				adSpendBlock,
				epochTreasury,
				&econParams,
			)

			state.BlockHeight = height
			state.BlockRewardPerBlock = snapshot.Inflation.BlockRewardPerBlock
			state.PrevSubsidy = snapshot.Subsidies
			state.PrevTariff = snapshot.Tariff
			state.PrevAnnualIssuance = snapshot.Inflation.AnnualIssuanceBlock
			state.BaselineTxCount = snapshot.UpdatedBaselineTxCount
			state.BaselineTxVolume = snapshot.UpdatedBaselineTxVolume
			state.BaselineMiners = snapshot.UpdatedBaselineMiners

			state.CumulativeTreasuryInflow = satAdd(state.CumulativeTreasuryInflow, epochTreasury)
			state.CumulativeAdSpendUSDMicros = satAdd(state.CumulativeAdSpendUSDMicros, epochAdSpendMicros)
			state.CumulativeNonKycVolume = satAdd(state.CumulativeNonKycVolume, epochNonKycVolume)

			epochTxCount = 0
			epochTxVolume = 0
			epochCoinbase = 0
			epochAdSpendMicros = 0
			epochNonKycVolume = 0
			epochMiners = make(map[Address]struct{})
		}
	}

	state.BlockHeight = targetHeight
	return state
}

// convertAdSpend converts USD micros to BLOCK using the header oracle price
// when present, falling back to 1 BLOCK = 1 000 000 micros.
func convertAdSpend(usdMicros, oraclePriceUSDMicros uint64) uint64 {
	if oraclePriceUSDMicros > 0 {
		return usdMicros / oraclePriceUSDMicros
	}
	return usdMicros / PpmDenominator
}

// Per-market capacity baselines used to turn receipt unit totals into a
// utilization ratio. These are consensus constants, not tunables.
const (
	storageEpochCapacityBytes uint64 = 1 << 34 // 16 GiB per epoch
	computeEpochCapacityUnits uint64 = 1 << 20
	energyEpochCapacityUnits  uint64 = 1 << 20
	adEpochCapacityImpressions uint64 = 1 << 20
)

// DeriveMarketMetricsFromChain computes per-market utilization and margins
// from the settlement receipts committed in blocks [fromHeight, toHeight).
// Receipts are applied in block order and, within a block, in receipt-list
// order.
func DeriveMarketMetricsFromChain(chain []*Block, fromHeight, toHeight uint64) MarketMetrics {
	type acc struct {
		units  uint64
		payout uint64
	}
	var storage, compute, energy, ad acc

	if toHeight > uint64(len(chain)) {
		toHeight = uint64(len(chain))
	}
	for h := fromHeight; h < toHeight; h++ {
		for _, rc := range chain[h].Receipts {
			switch t := rc.(type) {
			case *StorageReceipt:
				storage.units = satAdd(storage.units, t.Bytes)
				storage.payout = satAdd(storage.payout, t.Price)
			case *ComputeReceipt:
				compute.units = satAdd(compute.units, t.ComputeUnits)
				compute.payout = satAdd(compute.payout, t.Payment)
			case *EnergyReceipt:
				energy.units = satAdd(energy.units, t.EnergyUnits)
				energy.payout = satAdd(energy.payout, t.Price)
			case *AdReceipt:
				ad.units = satAdd(ad.units, t.Impressions)
				ad.payout = satAdd(ad.payout, t.Spend)
			}
		}
	}

	metric := func(a acc, capacity uint64) MarketMetric {
		util := 0.0
		if capacity > 0 {
			util = clampF(float64(a.units)/float64(capacity), 0, 1)
		}
		// Unit cost is normalized to 1 BLOCK; margin is payout per unit
		// against that normalized cost.
		avgCost := 1.0
		payoutPerUnit := 0.0
		if a.units > 0 {
			payoutPerUnit = float64(a.payout) / float64(a.units)
		}
		margin := 0.0
		if a.units > 0 {
			margin = (payoutPerUnit - avgCost) / avgCost
		}
		return MarketMetric{
			Utilization:          util,
			AverageCostBlock:     avgCost,
			EffectivePayoutBlock: payoutPerUnit,
			ProviderMargin:       margin,
		}
	}

	return MarketMetrics{
		Storage: metric(storage, storageEpochCapacityBytes),
		Compute: metric(compute, computeEpochCapacityUnits),
		Energy:  metric(energy, energyEpochCapacityUnits),
		Ad:      metric(ad, adEpochCapacityImpressions),
	}
}

// StatesEqual compares every field of two replayed states. The governance
// maps compare by content. Used by the determinism property tests and by
// sanity checks at startup.
func StatesEqual(a, b *ReplayedEconomicsState) bool {
	if a.BlockHeight != b.BlockHeight ||
		a.BlockRewardPerBlock != b.BlockRewardPerBlock ||
		a.PrevSubsidy != b.PrevSubsidy ||
		a.PrevAnnualIssuance != b.PrevAnnualIssuance ||
		a.BaselineTxCount != b.BaselineTxCount ||
		a.BaselineTxVolume != b.BaselineTxVolume ||
		a.BaselineMiners != b.BaselineMiners ||
		a.CumulativeTreasuryInflow != b.CumulativeTreasuryInflow ||
		a.CumulativeAdSpendUSDMicros != b.CumulativeAdSpendUSDMicros ||
		a.CumulativeNonKycVolume != b.CumulativeNonKycVolume {
		return false
	}
	if a.PrevTariff != b.PrevTariff {
		return false
	}
	if len(a.GovernanceHistory) != len(b.GovernanceHistory) {
		return false
	}
	for epoch, snap := range a.GovernanceHistory {
		other, ok := b.GovernanceHistory[epoch]
		if !ok || snap.Epoch != other.Epoch || snap.StartHeight != other.StartHeight ||
			snap.TreasuryPercent != other.TreasuryPercent || snap.Params != other.Params {
			return false
		}
	}
	return true
}

func clampI64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

