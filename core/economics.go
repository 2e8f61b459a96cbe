package core

import (
	"math"
)

// Economic control laws. Four layers run at every epoch boundary:
//
//  1. Network-driven issuance: block rewards from transactions, volume and
//     miner decentralization, with adaptive baselines.
//  2. Subsidy allocator: reallocates subsidy shares toward distressed
//     markets under a softmax temperature with bounded drift.
//  3. Market multipliers: dual control on utilization and cost coverage.
//  4. Ad-market & tariff controllers: drift splits and tariffs toward
//     governance targets.
//
// Everything in this file is pure computation over explicit inputs; no wall
// clock, peer state, or node-local data may leak in.

// Issuance constants.
const (
	MaxSupplyBlock      uint64 = 40_000_000
	ExpectedTotalBlocks uint64 = 20_000_000
)

// Params is the versioned governance structure. Fractional quantities are
// stored as signed integers scaled by 1000; fields named *Bps are basis
// points and TreasuryPercent is a whole percentage.
type Params struct {
	Version         uint64
	TreasuryPercent int64

	InflationTargetBps       int64
	InflationControllerGain  int64
	MinAnnualIssuanceBlock   int64
	MaxAnnualIssuanceBlock   int64

	StorageUtilTargetBps int64
	ComputeUtilTargetBps int64
	EnergyUtilTargetBps  int64
	AdUtilTargetBps      int64

	StorageMarginTargetBps int64
	ComputeMarginTargetBps int64
	EnergyMarginTargetBps  int64
	AdMarginTargetBps      int64

	StorageUtilResponsiveness int64
	ComputeUtilResponsiveness int64
	EnergyUtilResponsiveness  int64
	AdUtilResponsiveness      int64

	StorageCostResponsiveness int64
	ComputeCostResponsiveness int64
	EnergyCostResponsiveness  int64
	AdCostResponsiveness      int64

	StorageMultiplierFloor   int64
	ComputeMultiplierFloor   int64
	EnergyMultiplierFloor    int64
	AdMultiplierFloor        int64
	StorageMultiplierCeiling int64
	ComputeMultiplierCeiling int64
	EnergyMultiplierCeiling  int64
	AdMultiplierCeiling      int64

	SubsidyAllocatorAlpha       int64
	SubsidyAllocatorBeta        int64
	SubsidyAllocatorTemperature int64
	SubsidyAllocatorDriftRate   int64

	AdPlatformTakeTargetBps int64
	AdUserShareTargetBps    int64
	AdDriftRate             int64

	TariffPublicRevenueTargetBps int64
	TariffDriftRate              int64
	TariffMinBps                 int64
	TariffMaxBps                 int64

	// Fee-engine knobs (module C).
	BaseConsumerFee       int64
	BaseIndustrialFee     int64
	ConsumerLaneCapacity  int64
	IndustrialLaneCapacity int64
	TargetUtilizationMilli int64

	// Compute-market knobs (module D).
	ReputationThresholdMilli int64
	StarvationThresholdSecs  int64

	// Presence knobs (module I).
	PresenceMinConfidenceBps int64
	PresenceTTLSecs          int64
}

// DefaultParams mirrors the genesis governance configuration.
func DefaultParams() Params {
	return Params{
		Version:                 1,
		TreasuryPercent:         5,
		InflationTargetBps:      200,
		InflationControllerGain: 100,
		MinAnnualIssuanceBlock:  100_000,
		MaxAnnualIssuanceBlock:  4_000_000,

		StorageUtilTargetBps: 7000,
		ComputeUtilTargetBps: 7000,
		EnergyUtilTargetBps:  6000,
		AdUtilTargetBps:      5000,

		StorageMarginTargetBps: 1500,
		ComputeMarginTargetBps: 2000,
		EnergyMarginTargetBps:  1500,
		AdMarginTargetBps:      2500,

		StorageUtilResponsiveness: 200,
		ComputeUtilResponsiveness: 200,
		EnergyUtilResponsiveness:  150,
		AdUtilResponsiveness:      150,

		StorageCostResponsiveness: 100,
		ComputeCostResponsiveness: 100,
		EnergyCostResponsiveness:  100,
		AdCostResponsiveness:      100,

		StorageMultiplierFloor:   500,
		ComputeMultiplierFloor:   500,
		EnergyMultiplierFloor:    500,
		AdMultiplierFloor:        500,
		StorageMultiplierCeiling: 3000,
		ComputeMultiplierCeiling: 3000,
		EnergyMultiplierCeiling:  3000,
		AdMultiplierCeiling:      3000,

		SubsidyAllocatorAlpha:       600,
		SubsidyAllocatorBeta:        400,
		SubsidyAllocatorTemperature: 1000,
		SubsidyAllocatorDriftRate:   100,

		AdPlatformTakeTargetBps: 1000,
		AdUserShareTargetBps:    4000,
		AdDriftRate:             100,

		TariffPublicRevenueTargetBps: 300,
		TariffDriftRate:              50,
		TariffMinBps:                 0,
		TariffMaxBps:                 1000,

		BaseConsumerFee:        10,
		BaseIndustrialFee:      25,
		ConsumerLaneCapacity:   4096,
		IndustrialLaneCapacity: 1024,
		TargetUtilizationMilli: 700,

		ReputationThresholdMilli: 500,
		StarvationThresholdSecs:  60,

		PresenceMinConfidenceBps: 2500,
		PresenceTTLSecs:          900,
	}
}

// MarketMetric is one market's control-loop input.
type MarketMetric struct {
	Utilization       float64
	AverageCostBlock  float64
	EffectivePayoutBlock float64
	ProviderMargin    float64
}

// MarketMetrics bundles the four market inputs.
type MarketMetrics struct {
	Storage MarketMetric
	Compute MarketMetric
	Energy  MarketMetric
	Ad      MarketMetric
}

// NetworkActivity is the issuance-layer input derived from chain data only.
type NetworkActivity struct {
	TxCount       uint64
	TxVolumeBlock uint64
	UniqueMiners  uint64
	BlockHeight   uint64
}

// Snapshots produced by the control layers.

type InflationSnapshot struct {
	CirculatingBlock     uint64
	AnnualIssuanceBlock  uint64
	RealizedInflationBps uint16
	TargetInflationBps   uint16
	BlockRewardPerBlock  uint64
}

type SubsidySnapshot struct {
	StorageShareBps uint16
	ComputeShareBps uint16
	EnergyShareBps  uint16
	AdShareBps      uint16
}

type MultiplierSnapshot struct {
	StorageMultiplier float64
	ComputeMultiplier float64
	EnergyMultiplier  float64
	AdMultiplier      float64
}

type AdMarketSnapshot struct {
	PlatformTakeBps   uint16
	UserShareBps      uint16
	PublisherShareBps uint16
}

type TariffSnapshot struct {
	TariffBps               uint16
	NonKycVolumeBlock       uint64
	TreasuryContributionBps uint16
}

// EconomicSnapshot is the complete output of one epoch's control loop,
// including the updated adaptive baselines that MUST be persisted for the
// next epoch.
type EconomicSnapshot struct {
	Epoch       uint64
	Inflation   InflationSnapshot
	Subsidies   SubsidySnapshot
	Multipliers MultiplierSnapshot
	AdMarket    AdMarketSnapshot
	Tariff      TariffSnapshot

	UpdatedBaselineTxCount  uint64
	UpdatedBaselineTxVolume uint64
	UpdatedBaselineMiners   uint64
}

// NetworkIssuanceParams tunes the formula-driven issuance layer.
type NetworkIssuanceParams struct {
	MaxSupplyBlock        uint64
	ExpectedTotalBlocks   uint64
	BaselineTxCount       uint64
	BaselineTxVolumeBlock uint64
	BaselineMiners        uint64

	ActivityMultiplierMin         float64
	ActivityMultiplierMax         float64
	DecentralizationMultiplierMin float64
	DecentralizationMultiplierMax float64

	AdaptiveBaselinesEnabled bool
	BaselineEmaAlpha         float64
	BaselineMinTxCount       uint64
	BaselineMaxTxCount       uint64
	BaselineMinTxVolume      uint64
	BaselineMaxTxVolume      uint64
	BaselineMinMiners        uint64
	BaselineMaxMiners        uint64
}

// DefaultNetworkIssuanceParams returns the genesis issuance tuning. Replay
// must never read the baselines from here after genesis; they are carried in
// ReplayedEconomicsState.
func DefaultNetworkIssuanceParams() NetworkIssuanceParams {
	return NetworkIssuanceParams{
		MaxSupplyBlock:        MaxSupplyBlock,
		ExpectedTotalBlocks:   ExpectedTotalBlocks,
		BaselineTxCount:       100,
		BaselineTxVolumeBlock: 10_000,
		BaselineMiners:        10,

		ActivityMultiplierMin:         0.5,
		ActivityMultiplierMax:         2.0,
		DecentralizationMultiplierMin: 0.5,
		DecentralizationMultiplierMax: 1.5,

		AdaptiveBaselinesEnabled: true,
		BaselineEmaAlpha:         0.05,
		BaselineMinTxCount:       50,
		BaselineMaxTxCount:       10_000,
		BaselineMinTxVolume:      5_000,
		BaselineMaxTxVolume:      1_000_000,
		BaselineMinMiners:        5,
		BaselineMaxMiners:        100,
	}
}

// NetworkMetrics is the per-epoch issuance input.
type NetworkMetrics struct {
	TxCount              uint64
	TxVolumeBlock        uint64
	UniqueMiners         uint64
	AvgMarketUtilization float64
	BlockHeight          uint64
	TotalEmission        uint64
}

// NetworkIssuanceController computes block rewards and maintains the
// adaptive baselines.
type NetworkIssuanceController struct {
	params          NetworkIssuanceParams
	baselineTxCount uint64
	baselineVolume  uint64
	baselineMiners  uint64
}

// NewNetworkIssuanceController starts from the params' baselines. Only the
// genesis epoch may use this; replay uses WithBaselines so the adaptive
// state carries across epochs instead of resetting to defaults.
func NewNetworkIssuanceController(params NetworkIssuanceParams) *NetworkIssuanceController {
	return WithBaselines(params, params.BaselineTxCount, params.BaselineTxVolumeBlock, params.BaselineMiners)
}

// WithBaselines constructs the controller with explicit carried-over
// baselines. This is the constructor replay must use: feeding the defaults
// at each epoch would silently disable the adaptive property.
func WithBaselines(params NetworkIssuanceParams, txCount, txVolume, miners uint64) *NetworkIssuanceController {
	return &NetworkIssuanceController{
		params:          params,
		baselineTxCount: txCount,
		baselineVolume:  txVolume,
		baselineMiners:  miners,
	}
}

// AdaptiveBaselines returns the current baseline triple.
func (c *NetworkIssuanceController) AdaptiveBaselines() (uint64, uint64, uint64) {
	return c.baselineTxCount, c.baselineVolume, c.baselineMiners
}

// baseReward is the flat schedule the multipliers modulate.
func (c *NetworkIssuanceController) baseReward() uint64 {
	if c.params.ExpectedTotalBlocks == 0 {
		return InitialBlockReward
	}
	base := c.params.MaxSupplyBlock / c.params.ExpectedTotalBlocks
	if base == 0 {
		base = 1
	}
	return base
}

// activityMultiplier is a logistic of the transaction count and volume
// ratios against baseline, clamped to the configured range. A ratio of 1.0
// (activity at baseline) yields exactly 1.0.
func (c *NetworkIssuanceController) activityMultiplier(m *NetworkMetrics) float64 {
	txRatio := ratioOr(m.TxCount, c.baselineTxCount)
	volRatio := ratioOr(m.TxVolumeBlock, c.baselineVolume)
	blended := (txRatio + volRatio) / 2.0
	logistic := 2.0 / (1.0 + math.Exp(-(blended-1.0)))
	return clampF(logistic, c.params.ActivityMultiplierMin, c.params.ActivityMultiplierMax)
}

// decentralizationMultiplier rewards a broad miner set linearly around the
// baseline, clamped to the configured range.
func (c *NetworkIssuanceController) decentralizationMultiplier(m *NetworkMetrics) float64 {
	ratio := ratioOr(m.UniqueMiners, c.baselineMiners)
	return clampF(0.5+0.5*ratio, c.params.DecentralizationMultiplierMin, c.params.DecentralizationMultiplierMax)
}

func ratioOr(value, baseline uint64) float64 {
	if baseline == 0 {
		return 1.0
	}
	return float64(value) / float64(baseline)
}

// ComputeBlockReward runs the issuance formula and then advances the
// adaptive baselines by EMA. The hard supply cap truncates emission.
func (c *NetworkIssuanceController) ComputeBlockReward(m *NetworkMetrics) uint64 {
	base := float64(c.baseReward())
	reward := base * c.activityMultiplier(m) * c.decentralizationMultiplier(m)

	minReward := base * c.params.ActivityMultiplierMin * c.params.DecentralizationMultiplierMin
	maxReward := base * c.params.ActivityMultiplierMax * c.params.DecentralizationMultiplierMax
	reward = clampF(reward, minReward, maxReward)

	out := uint64(math.Round(reward))
	if satAdd(m.TotalEmission, out) >= c.params.MaxSupplyBlock {
		out = satSub(c.params.MaxSupplyBlock, m.TotalEmission)
	}

	if c.params.AdaptiveBaselinesEnabled {
		c.baselineTxCount = emaU64(c.baselineTxCount, m.TxCount, c.params.BaselineEmaAlpha,
			c.params.BaselineMinTxCount, c.params.BaselineMaxTxCount)
		c.baselineVolume = emaU64(c.baselineVolume, m.TxVolumeBlock, c.params.BaselineEmaAlpha,
			c.params.BaselineMinTxVolume, c.params.BaselineMaxTxVolume)
		c.baselineMiners = emaU64(c.baselineMiners, m.UniqueMiners, c.params.BaselineEmaAlpha,
			c.params.BaselineMinMiners, c.params.BaselineMaxMiners)
	}
	return out
}

// EstimateAnnualIssuance projects a year of emission at one block per second.
func (c *NetworkIssuanceController) EstimateAnnualIssuance(blockReward uint64) uint64 {
	const blocksPerYear = 365 * 24 * 3600
	return satMul(blockReward, blocksPerYear)
}

func emaU64(old, observed uint64, alpha float64, lo, hi uint64) uint64 {
	blended := (1.0-alpha)*float64(old) + alpha*float64(observed)
	return clampU64(uint64(math.Round(blended)), lo, hi)
}

// SubsidyParams tunes the subsidy allocator.
type SubsidyParams struct {
	StorageUtilTargetBps uint16
	ComputeUtilTargetBps uint16
	EnergyUtilTargetBps  uint16
	AdUtilTargetBps      uint16

	StorageMarginTargetBps uint16
	ComputeMarginTargetBps uint16
	EnergyMarginTargetBps  uint16
	AdMarginTargetBps      uint16

	Alpha       float64
	Beta        float64
	Temperature float64
	DriftRate   float64
}

// SubsidyAllocator reallocates subsidy shares toward distressed markets.
type SubsidyAllocator struct {
	params SubsidyParams
}

func NewSubsidyAllocator(params SubsidyParams) *SubsidyAllocator {
	return &SubsidyAllocator{params: params}
}

// distress scores a market: positive when utilization or margin sit below
// target, meaning the market needs subsidy to attract providers.
func (a *SubsidyAllocator) distress(metric MarketMetric, utilTargetBps, marginTargetBps uint16) float64 {
	utilErr := float64(utilTargetBps)/float64(BpsDenominator) - metric.Utilization
	marginErr := float64(marginTargetBps)/float64(BpsDenominator) - metric.ProviderMargin
	return a.params.Alpha*utilErr + a.params.Beta*marginErr
}

// ComputeNextAllocation produces the next share split: a softmax of distress
// scores at the configured temperature, approached from the previous shares
// by moving every share the same fraction of its gap so that no share moves
// more than DriftRate per epoch, renormalized to exactly 10 000 bps.
func (a *SubsidyAllocator) ComputeNextAllocation(metrics *MarketMetrics, prev *SubsidySnapshot) SubsidySnapshot {
	scores := [4]float64{
		a.distress(metrics.Storage, a.params.StorageUtilTargetBps, a.params.StorageMarginTargetBps),
		a.distress(metrics.Compute, a.params.ComputeUtilTargetBps, a.params.ComputeMarginTargetBps),
		a.distress(metrics.Energy, a.params.EnergyUtilTargetBps, a.params.EnergyMarginTargetBps),
		a.distress(metrics.Ad, a.params.AdUtilTargetBps, a.params.AdMarginTargetBps),
	}

	temp := a.params.Temperature
	if temp <= 0 {
		temp = 1.0
	}
	var expSum float64
	var exps [4]float64
	for i, s := range scores {
		exps[i] = math.Exp(s / temp)
		expSum += exps[i]
	}

	prevShares := [4]float64{
		float64(prev.StorageShareBps) / float64(BpsDenominator),
		float64(prev.ComputeShareBps) / float64(BpsDenominator),
		float64(prev.EnergyShareBps) / float64(BpsDenominator),
		float64(prev.AdShareBps) / float64(BpsDenominator),
	}
	// An all-zero previous snapshot (genesis) starts from an even split.
	if prev.StorageShareBps == 0 && prev.ComputeShareBps == 0 && prev.EnergyShareBps == 0 && prev.AdShareBps == 0 {
		prevShares = [4]float64{0.25, 0.25, 0.25, 0.25}
	}

	// A common scale keeps the shares summing to one, so renormalization
	// cannot push any share past the drift bound.
	var maxGap float64
	for i := range exps {
		maxGap = math.Max(maxGap, math.Abs(exps[i]/expSum-prevShares[i]))
	}
	scale := 1.0
	if maxGap > a.params.DriftRate {
		scale = a.params.DriftRate / maxGap
	}
	var next [4]float64
	for i := range next {
		target := exps[i] / expSum
		next[i] = clampF(prevShares[i]+scale*(target-prevShares[i]), 0, 1)
	}

	// Renormalize to 10 000 bps with deterministic remainder handling.
	var total float64
	for _, v := range next {
		total += v
	}
	if total <= 0 {
		return SubsidySnapshot{StorageShareBps: 2500, ComputeShareBps: 2500, EnergyShareBps: 2500, AdShareBps: 2500}
	}
	var bps [4]uint64
	var assigned uint64
	type rem struct {
		idx  int
		frac float64
	}
	rems := make([]rem, 0, 4)
	for i, v := range next {
		exact := v / total * float64(BpsDenominator)
		floor := math.Floor(exact)
		bps[i] = uint64(floor)
		assigned += uint64(floor)
		rems = append(rems, rem{idx: i, frac: exact - floor})
	}
	for assigned < BpsDenominator {
		best := 0
		for i := 1; i < len(rems); i++ {
			if rems[i].frac > rems[best].frac || (rems[i].frac == rems[best].frac && rems[i].idx < rems[best].idx) {
				best = i
			}
		}
		bps[rems[best].idx]++
		rems[best].frac = -1
		assigned++
	}

	return SubsidySnapshot{
		StorageShareBps: uint16(bps[0]),
		ComputeShareBps: uint16(bps[1]),
		EnergyShareBps:  uint16(bps[2]),
		AdShareBps:      uint16(bps[3]),
	}
}

// MarketMultiplierParams tunes one market's dual-control multiplier.
type MarketMultiplierParams struct {
	UtilTargetBps      uint16
	MarginTargetBps    uint16
	UtilResponsiveness float64
	CostResponsiveness float64
	MultiplierFloor    float64
	MultiplierCeiling  float64
}

// MultiplierParams bundles per-market tunings.
type MultiplierParams struct {
	Storage MarketMultiplierParams
	Compute MarketMultiplierParams
	Energy  MarketMultiplierParams
	Ad      MarketMultiplierParams
}

// MarketMultiplierController applies one control step per epoch starting
// from unity. The step rule is
//
//	m' = clamp(m · (1 + k_u·util_err + k_c·cost_err), floor, ceiling)
type MarketMultiplierController struct {
	params MultiplierParams
}

func NewMarketMultiplierController(params MultiplierParams) *MarketMultiplierController {
	return &MarketMultiplierController{params: params}
}

func stepMultiplier(prev float64, metric MarketMetric, p MarketMultiplierParams) float64 {
	utilErr := float64(p.UtilTargetBps)/float64(BpsDenominator) - metric.Utilization
	costErr := float64(p.MarginTargetBps)/float64(BpsDenominator) - metric.ProviderMargin
	next := prev * (1.0 + p.UtilResponsiveness*utilErr + p.CostResponsiveness*costErr)
	return clampF(next, p.MultiplierFloor, p.MultiplierCeiling)
}

// ComputeMultipliers runs one step from unity for each market.
func (c *MarketMultiplierController) ComputeMultipliers(metrics *MarketMetrics) MultiplierSnapshot {
	return MultiplierSnapshot{
		StorageMultiplier: stepMultiplier(1.0, metrics.Storage, c.params.Storage),
		ComputeMultiplier: stepMultiplier(1.0, metrics.Compute, c.params.Compute),
		EnergyMultiplier:  stepMultiplier(1.0, metrics.Energy, c.params.Energy),
		AdMultiplier:      stepMultiplier(1.0, metrics.Ad, c.params.Ad),
	}
}

// AdMarketParams tunes the split drift controller.
type AdMarketParams struct {
	PlatformTakeTargetBps uint16
	UserShareTargetBps    uint16
	DriftRate             float64
}

// AdMarketDriftController moves the platform/user/publisher split toward
// governance targets by at most DriftRate per call.
type AdMarketDriftController struct {
	params AdMarketParams
}

func NewAdMarketDriftController(params AdMarketParams) *AdMarketDriftController {
	return &AdMarketDriftController{params: params}
}

// ComputeNextSplits takes one drift step from a zero split toward the
// targets. No previous split is carried between epochs, so a share whose
// target exceeds the step ends at the step size. The publisher share absorbs
// the remainder so the three shares always total 10 000 bps. The ad spend
// argument does not affect the result.
func (c *AdMarketDriftController) ComputeNextSplits(totalAdSpendBlock uint64) AdMarketSnapshot {
	driftBps := uint16(clampF(c.params.DriftRate*float64(BpsDenominator), 0, float64(BpsDenominator)))
	platform := driftToward(0, c.params.PlatformTakeTargetBps, driftBps)
	user := driftToward(0, c.params.UserShareTargetBps, driftBps)
	if platform+user > uint16(BpsDenominator) {
		user = uint16(BpsDenominator) - platform
	}
	publisher := uint16(BpsDenominator) - platform - user
	_ = totalAdSpendBlock // not used by the split
	return AdMarketSnapshot{
		PlatformTakeBps:   platform,
		UserShareBps:      user,
		PublisherShareBps: publisher,
	}
}

func driftToward(current, target, maxStep uint16) uint16 {
	if current < target {
		step := target - current
		if step > maxStep {
			step = maxStep
		}
		return current + step
	}
	step := current - target
	if step > maxStep {
		step = maxStep
	}
	return current - step
}

// TariffParams tunes the tariff controller.
type TariffParams struct {
	PublicRevenueTargetBps uint16
	DriftRate              float64
	TariffMinBps           uint16
	TariffMaxBps           uint16
}

// TariffController drifts the tariff toward the public-revenue target.
type TariffController struct {
	params TariffParams
}

func NewTariffController(params TariffParams) *TariffController {
	return &TariffController{params: params}
}

// ComputeNextTariff advances the tariff one bounded step. The realized
// treasury contribution (inflow over non-KYC volume) is compared with the
// target; the tariff moves to close the gap, clamped to the governance
// bounds.
func (c *TariffController) ComputeNextTariff(nonKycVolume, treasuryInflow uint64, prevBps uint16) TariffSnapshot {
	contributionBps := uint16(0)
	if nonKycVolume > 0 {
		ratio := float64(treasuryInflow) / float64(nonKycVolume) * float64(BpsDenominator)
		contributionBps = uint16(clampF(ratio, 0, float64(BpsDenominator)))
	}

	next := prevBps
	if nonKycVolume > 0 {
		gap := int64(c.params.PublicRevenueTargetBps) - int64(contributionBps)
		maxStep := int64(clampF(c.params.DriftRate*float64(BpsDenominator), 0, float64(BpsDenominator)))
		if gap > maxStep {
			gap = maxStep
		}
		if gap < -maxStep {
			gap = -maxStep
		}
		adjusted := int64(prevBps) + gap
		if adjusted < 0 {
			adjusted = 0
		}
		next = uint16(adjusted)
	}
	if next < c.params.TariffMinBps {
		next = c.params.TariffMinBps
	}
	if next > c.params.TariffMaxBps {
		next = c.params.TariffMaxBps
	}

	return TariffSnapshot{
		TariffBps:               next,
		NonKycVolumeBlock:       nonKycVolume,
		TreasuryContributionBps: contributionBps,
	}
}

// GovernanceEconomicParams carries everything the epoch control loop needs,
// converted from governance integers to controller floats.
type GovernanceEconomicParams struct {
	NetworkIssuance NetworkIssuanceParams
	Subsidy         SubsidyParams
	SubsidyPrev     SubsidySnapshot
	Multiplier      MultiplierParams
	AdMarket        AdMarketParams
	Tariff          TariffParams
	TariffPrev      TariffSnapshot
}

// FromGovernanceParams converts governance integers (×1000 scaling, bps) to
// controller parameters. The adaptive baselines are explicit arguments so
// callers cannot accidentally feed the defaults after genesis.
func FromGovernanceParams(gov *Params, subsidyPrev SubsidySnapshot, tariffPrev TariffSnapshot, baselineTxCount, baselineTxVolume, baselineMiners uint64) GovernanceEconomicParams {
	milli := func(v int64) float64 { return float64(v) / 1000.0 }

	issuance := DefaultNetworkIssuanceParams()
	issuance.BaselineTxCount = baselineTxCount
	issuance.BaselineTxVolumeBlock = baselineTxVolume
	issuance.BaselineMiners = baselineMiners

	return GovernanceEconomicParams{
		NetworkIssuance: issuance,
		Subsidy: SubsidyParams{
			StorageUtilTargetBps:   uint16(gov.StorageUtilTargetBps),
			ComputeUtilTargetBps:   uint16(gov.ComputeUtilTargetBps),
			EnergyUtilTargetBps:    uint16(gov.EnergyUtilTargetBps),
			AdUtilTargetBps:        uint16(gov.AdUtilTargetBps),
			StorageMarginTargetBps: uint16(gov.StorageMarginTargetBps),
			ComputeMarginTargetBps: uint16(gov.ComputeMarginTargetBps),
			EnergyMarginTargetBps:  uint16(gov.EnergyMarginTargetBps),
			AdMarginTargetBps:      uint16(gov.AdMarginTargetBps),
			Alpha:                  milli(gov.SubsidyAllocatorAlpha),
			Beta:                   milli(gov.SubsidyAllocatorBeta),
			Temperature:            milli(gov.SubsidyAllocatorTemperature),
			DriftRate:              milli(gov.SubsidyAllocatorDriftRate),
		},
		SubsidyPrev: subsidyPrev,
		Multiplier: MultiplierParams{
			Storage: MarketMultiplierParams{
				UtilTargetBps:      uint16(gov.StorageUtilTargetBps),
				MarginTargetBps:    uint16(gov.StorageMarginTargetBps),
				UtilResponsiveness: milli(gov.StorageUtilResponsiveness),
				CostResponsiveness: milli(gov.StorageCostResponsiveness),
				MultiplierFloor:    milli(gov.StorageMultiplierFloor),
				MultiplierCeiling:  milli(gov.StorageMultiplierCeiling),
			},
			Compute: MarketMultiplierParams{
				UtilTargetBps:      uint16(gov.ComputeUtilTargetBps),
				MarginTargetBps:    uint16(gov.ComputeMarginTargetBps),
				UtilResponsiveness: milli(gov.ComputeUtilResponsiveness),
				CostResponsiveness: milli(gov.ComputeCostResponsiveness),
				MultiplierFloor:    milli(gov.ComputeMultiplierFloor),
				MultiplierCeiling:  milli(gov.ComputeMultiplierCeiling),
			},
			Energy: MarketMultiplierParams{
				UtilTargetBps:      uint16(gov.EnergyUtilTargetBps),
				MarginTargetBps:    uint16(gov.EnergyMarginTargetBps),
				UtilResponsiveness: milli(gov.EnergyUtilResponsiveness),
				CostResponsiveness: milli(gov.EnergyCostResponsiveness),
				MultiplierFloor:    milli(gov.EnergyMultiplierFloor),
				MultiplierCeiling:  milli(gov.EnergyMultiplierCeiling),
			},
			Ad: MarketMultiplierParams{
				UtilTargetBps:      uint16(gov.AdUtilTargetBps),
				MarginTargetBps:    uint16(gov.AdMarginTargetBps),
				UtilResponsiveness: milli(gov.AdUtilResponsiveness),
				CostResponsiveness: milli(gov.AdCostResponsiveness),
				MultiplierFloor:    milli(gov.AdMultiplierFloor),
				MultiplierCeiling:  milli(gov.AdMultiplierCeiling),
			},
		},
		AdMarket: AdMarketParams{
			PlatformTakeTargetBps: uint16(gov.AdPlatformTakeTargetBps),
			UserShareTargetBps:    uint16(gov.AdUserShareTargetBps),
			DriftRate:             milli(gov.AdDriftRate),
		},
		Tariff: TariffParams{
			PublicRevenueTargetBps: uint16(gov.TariffPublicRevenueTargetBps),
			DriftRate:              milli(gov.TariffDriftRate),
			TariffMinBps:           uint16(gov.TariffMinBps),
			TariffMaxBps:           uint16(gov.TariffMaxBps),
		},
		TariffPrev: tariffPrev,
	}
}

// ExecuteEpochEconomics runs the four control layers for one epoch.
func ExecuteEpochEconomics(
	epoch uint64,
	metrics *MarketMetrics,
	activity *NetworkActivity,
	circulatingBlock uint64,
	totalEmission uint64,
	nonKycVolumeBlock uint64,
	totalAdSpendBlock uint64,
	treasuryInflowBlock uint64,
	govParams *GovernanceEconomicParams,
) EconomicSnapshot {
	// Layer 1: network-driven issuance. WithBaselines preserves the
	// adaptive state across epochs; constructing from defaults here would
	// reset the baselines every epoch and defeat the adaptive property.
	issuance := WithBaselines(
		govParams.NetworkIssuance,
		govParams.NetworkIssuance.BaselineTxCount,
		govParams.NetworkIssuance.BaselineTxVolumeBlock,
		govParams.NetworkIssuance.BaselineMiners,
	)

	avgUtil := (metrics.Storage.Utilization + metrics.Compute.Utilization +
		metrics.Energy.Utilization + metrics.Ad.Utilization) / 4.0

	networkMetrics := NetworkMetrics{
		TxCount:              activity.TxCount,
		TxVolumeBlock:        activity.TxVolumeBlock,
		UniqueMiners:         activity.UniqueMiners,
		AvgMarketUtilization: avgUtil,
		BlockHeight:          activity.BlockHeight,
		TotalEmission:        totalEmission,
	}

	blockReward := issuance.ComputeBlockReward(&networkMetrics)
	annualIssuance := issuance.EstimateAnnualIssuance(blockReward)

	realizedInflationBps := uint16(0)
	if circulatingBlock > 0 {
		realizedInflationBps = uint16(clampF(
			math.Round(float64(annualIssuance)/float64(circulatingBlock)*float64(BpsDenominator)),
			0, math.MaxUint16))
	}

	inflation := InflationSnapshot{
		CirculatingBlock:    circulatingBlock,
		AnnualIssuanceBlock: annualIssuance,
		RealizedInflationBps: realizedInflationBps,
		TargetInflationBps:  0,
		BlockRewardPerBlock: blockReward,
	}

	// Layer 2: subsidy allocation.
	subsidies := NewSubsidyAllocator(govParams.Subsidy).ComputeNextAllocation(metrics, &govParams.SubsidyPrev)

	// Layer 3: market multipliers.
	multipliers := NewMarketMultiplierController(govParams.Multiplier).ComputeMultipliers(metrics)

	// Layer 4: ad splits & tariff.
	adMarket := NewAdMarketDriftController(govParams.AdMarket).ComputeNextSplits(totalAdSpendBlock)
	tariff := NewTariffController(govParams.Tariff).ComputeNextTariff(nonKycVolumeBlock, treasuryInflowBlock, govParams.TariffPrev.TariffBps)

	txCount, txVolume, miners := issuance.AdaptiveBaselines()

	return EconomicSnapshot{
		Epoch:       epoch,
		Inflation:   inflation,
		Subsidies:   subsidies,
		Multipliers: multipliers,
		AdMarket:    adMarket,
		Tariff:      tariff,

		UpdatedBaselineTxCount:  txCount,
		UpdatedBaselineTxVolume: txVolume,
		UpdatedBaselineMiners:   miners,
	}
}
