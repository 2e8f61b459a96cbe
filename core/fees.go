package core

import (
	"math"
	"sync"

	"github.com/sirupsen/logrus"
)

// Dual-lane transaction fee engine. The consumer lane serves P2P transfers
// best-effort at a low base fee; the industrial lane serves market operations
// with an SLA and a premium. Pricing combines congestion multipliers, an
// aggregated market-demand signal, and a PI-controlled adaptive factor:
//
//	F_c = B_c · C_c(ρ_c) · A_c(t)
//	F_i = max(B_i · C_i(ρ_i) · M_i(D) · A_i(t), F_c · (1 + δ)),  δ = 0.5
//	M_i(D) = 1 + α · (e^{βD} − 1) / (e^β − 1),  α = 3.0, β = 2.0
//	A_{t+1} = clamp(1 + K_p·e + K_i·∫e, 0.5, 2.0),  e = target − actual

// Market identifies a signal source for industrial pricing.
type Market int

const (
	MarketAdvertising Market = iota
	MarketEnergy
	MarketCompute
)

func (m Market) String() string {
	switch m {
	case MarketAdvertising:
		return "advertising"
	case MarketEnergy:
		return "energy"
	case MarketCompute:
		return "compute"
	}
	return "unknown"
}

// laneCongestion tracks one lane's recent utilization over a sliding block
// window and converts it into a fee multiplier.
type laneCongestion struct {
	capacity    float64
	windowSize  int
	sensitivity float64
	counts      []uint64
	currentLoad uint64
}

func newLaneCongestion(capacity float64, windowSize int, sensitivity float64) *laneCongestion {
	return &laneCongestion{
		capacity:    capacity,
		windowSize:  windowSize,
		sensitivity: sensitivity,
	}
}

func (c *laneCongestion) update(txCount uint64) {
	c.counts = append(c.counts, txCount)
	if len(c.counts) > c.windowSize {
		c.counts = c.counts[1:]
	}
	c.currentLoad = txCount
}

// utilization is the windowed average load over capacity, in [0, 1].
func (c *laneCongestion) utilization() float64 {
	if c.capacity <= 0 || len(c.counts) == 0 {
		return 0
	}
	var sum uint64
	for _, n := range c.counts {
		sum = satAdd(sum, n)
	}
	avg := float64(sum) / float64(len(c.counts))
	return clampF(avg/c.capacity, 0, 1)
}

// multiplier grows exponentially with utilization: 1.0 when idle, e^s at
// saturation. Sensitivity controls how aggressively the lane defends its
// headroom.
func (c *laneCongestion) multiplier() float64 {
	return math.Exp(c.sensitivity * c.utilization())
}

// wouldOverflow reports whether adding txCount to the current block would
// push the lane past capacity.
func (c *laneCongestion) wouldOverflow(txCount uint64) bool {
	if c.capacity <= 0 {
		return false
	}
	return float64(satAdd(c.currentLoad, txCount)) > c.capacity
}

// CongestionReport is the telemetry view of both lanes.
type CongestionReport struct {
	ConsumerUtilization   float64
	IndustrialUtilization float64
	ConsumerMultiplier    float64
	IndustrialMultiplier  float64
}

// marketSignal is one market's EMA-smoothed state.
type marketSignal struct {
	clearingPrice float64
	volume        float64
	utilization   float64
	initialized   bool
}

// marketSignalAggregator smooths per-market signals and folds them into a
// single demand value in [0, 1].
type marketSignalAggregator struct {
	signals     map[Market]*marketSignal
	decay       float64 // per-update EMA decay derived from the half-life
	priceWeight float64
	volWeight   float64
	utilWeight  float64
	maxPrice    float64
	maxVolume   float64
}

func newMarketSignalAggregator(halfLifeBlocks float64, priceW, volW, utilW float64) *marketSignalAggregator {
	decay := 0.5
	if halfLifeBlocks > 0 {
		decay = math.Exp(-math.Ln2 / halfLifeBlocks)
	}
	return &marketSignalAggregator{
		signals:     make(map[Market]*marketSignal),
		decay:       decay,
		priceWeight: priceW,
		volWeight:   volW,
		utilWeight:  utilW,
	}
}

func (a *marketSignalAggregator) update(market Market, clearingPrice, volume uint64, utilization float64) {
	sig := a.signals[market]
	if sig == nil {
		sig = &marketSignal{}
		a.signals[market] = sig
	}
	price := float64(clearingPrice)
	vol := float64(volume)
	util := clampF(utilization, 0, 1)
	if !sig.initialized {
		sig.clearingPrice = price
		sig.volume = vol
		sig.utilization = util
		sig.initialized = true
	} else {
		sig.clearingPrice = a.decay*sig.clearingPrice + (1-a.decay)*price
		sig.volume = a.decay*sig.volume + (1-a.decay)*vol
		sig.utilization = a.decay*sig.utilization + (1-a.decay)*util
	}
	if sig.clearingPrice > a.maxPrice {
		a.maxPrice = sig.clearingPrice
	}
	if sig.volume > a.maxVolume {
		a.maxVolume = sig.volume
	}
}

// aggregateDemand normalizes each market's smoothed signals against the
// observed maxima, weights them (price, volume, utilization), and averages
// across markets. Result ∈ [0, 1].
func (a *marketSignalAggregator) aggregateDemand() float64 {
	if len(a.signals) == 0 {
		return 0
	}
	var total float64
	for _, sig := range a.signals {
		price := 0.0
		if a.maxPrice > 0 {
			price = sig.clearingPrice / a.maxPrice
		}
		vol := 0.0
		if a.maxVolume > 0 {
			vol = sig.volume / a.maxVolume
		}
		total += a.priceWeight*price + a.volWeight*vol + a.utilWeight*sig.utilization
	}
	return clampF(total/float64(len(a.signals)), 0, 1)
}

// piController stabilizes long-term utilization around the target.
type piController struct {
	kp            float64
	ki            float64
	integral      float64
	integralLimit float64
}

func newPIController(kp, ki, integralLimit float64) *piController {
	return &piController{kp: kp, ki: ki, integralLimit: integralLimit}
}

// update returns the multiplicative adjustment factor ∈ [0.5, 2.0].
func (p *piController) update(target, actual float64) float64 {
	err := target - actual
	p.integral = clampF(p.integral+err, -p.integralLimit, p.integralLimit)
	return clampF(1.0+p.kp*err+p.ki*p.integral, 0.5, 2.0)
}

func (p *piController) reset() { p.integral = 0 }

// Fee-engine tuning shared by both lanes.
const (
	feeWindowBlocks          = 50
	consumerSensitivity      = 3.0
	industrialSensitivity    = 5.0
	minIndustrialPremium     = 0.5
	marketMaxMultiplier      = 3.0
	marketDemandSensitivity  = 2.0
	signalHalfLifeBlocks     = 50.0
	feeKp                    = 0.1
	feeKi                    = 0.01
	feeIntegralLimit         = 5.0
	defaultTargetUtilization = 0.7
)

// marketDemandMultiplier computes M_i(D) = 1 + α·(e^{βD} − 1)/(e^β − 1).
func marketDemandMultiplier(demand float64) float64 {
	d := clampF(demand, 0, 1)
	if d < 1e-6 {
		return 1.0
	}
	normalized := (math.Exp(marketDemandSensitivity*d) - 1.0) / (math.Exp(marketDemandSensitivity) - 1.0)
	return 1.0 + marketMaxMultiplier*normalized
}

// LanePricingEngine prices both admission lanes. All methods are safe for
// concurrent use.
type LanePricingEngine struct {
	mu sync.Mutex

	baseConsumerFee   uint64
	baseIndustrialFee uint64

	consumer   *laneCongestion
	industrial *laneCongestion
	signals    *marketSignalAggregator

	consumerAdjustment   float64
	industrialAdjustment float64
	consumerPI           *piController
	industrialPI         *piController
	targetUtilization    float64
}

// NewLanePricingEngine builds the engine. Capacities are max transactions
// per block per lane; target utilization is clamped to [0.3, 0.9].
func NewLanePricingEngine(baseConsumerFee, baseIndustrialFee uint64, consumerCapacity, industrialCapacity, targetUtilization float64) *LanePricingEngine {
	return &LanePricingEngine{
		baseConsumerFee:      baseConsumerFee,
		baseIndustrialFee:    baseIndustrialFee,
		consumer:             newLaneCongestion(consumerCapacity, feeWindowBlocks, consumerSensitivity),
		industrial:           newLaneCongestion(industrialCapacity, feeWindowBlocks, industrialSensitivity),
		signals:              newMarketSignalAggregator(signalHalfLifeBlocks, 0.4, 0.3, 0.3),
		consumerAdjustment:   1.0,
		industrialAdjustment: 1.0,
		consumerPI:           newPIController(feeKp, feeKi, feeIntegralLimit),
		industrialPI:         newPIController(feeKp, feeKi, feeIntegralLimit),
		targetUtilization:    clampF(targetUtilization, 0.3, 0.9),
	}
}

// EngineFromParams wires the fee engine from governance.
func EngineFromParams(p *Params) *LanePricingEngine {
	return NewLanePricingEngine(
		uint64(p.BaseConsumerFee),
		uint64(p.BaseIndustrialFee),
		float64(p.ConsumerLaneCapacity),
		float64(p.IndustrialLaneCapacity),
		float64(p.TargetUtilizationMilli)/1000.0,
	)
}

// UpdateBlock feeds one block's lane counts into congestion tracking and
// advances both PI controllers.
func (e *LanePricingEngine) UpdateBlock(consumerTxCount, industrialTxCount uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consumer.update(consumerTxCount)
	e.industrial.update(industrialTxCount)
	e.consumerAdjustment = e.consumerPI.update(e.targetUtilization, e.consumer.utilization())
	e.industrialAdjustment = e.industrialPI.update(e.targetUtilization, e.industrial.utilization())
}

// UpdateMarketSignal records a market event (ad settlement, energy oracle,
// compute match) for industrial demand pricing.
func (e *LanePricingEngine) UpdateMarketSignal(market Market, clearingPrice, volume uint64, utilization float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.signals.update(market, clearingPrice, volume, utilization)
}

func (e *LanePricingEngine) consumerFeePerByteLocked() uint64 {
	if e.baseConsumerFee == 0 {
		// Zero base permits zero fees for test harnesses.
		return 0
	}
	fee := float64(e.baseConsumerFee) * e.consumer.multiplier() * e.consumerAdjustment
	out := math.Ceil(fee)
	if out < 1 {
		out = 1
	}
	return uint64(out)
}

func (e *LanePricingEngine) industrialFeePerByteLocked() uint64 {
	if e.baseIndustrialFee == 0 {
		return 0
	}
	base := float64(e.baseIndustrialFee) *
		e.industrial.multiplier() *
		marketDemandMultiplier(e.signals.aggregateDemand()) *
		e.industrialAdjustment

	consumerFee := e.consumerFeePerByteLocked()
	minIndustrial := 1.0
	if consumerFee > 0 {
		minIndustrial = math.Ceil(float64(consumerFee) * (1.0 + minIndustrialPremium))
	}
	out := math.Ceil(base)
	if out < minIndustrial {
		out = minIndustrial
	}
	return uint64(out)
}

// ConsumerFeePerByte returns the current consumer lane fee.
func (e *LanePricingEngine) ConsumerFeePerByte() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consumerFeePerByteLocked()
}

// IndustrialFeePerByte returns the current industrial lane fee, including
// the enforced premium over consumer.
func (e *LanePricingEngine) IndustrialFeePerByte() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.industrialFeePerByteLocked()
}

// EstimateFee prices a transaction of the given size on the chosen lane.
func (e *LanePricingEngine) EstimateFee(sizeBytes uint64, isIndustrial bool) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if isIndustrial {
		return satMul(e.industrialFeePerByteLocked(), sizeBytes)
	}
	return satMul(e.consumerFeePerByteLocked(), sizeBytes)
}

// WouldAdmitConsumer reports whether txCount more consumer transactions fit
// in the current block.
func (e *LanePricingEngine) WouldAdmitConsumer(txCount uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.consumer.wouldOverflow(txCount)
}

// WouldAdmitIndustrial reports whether txCount more industrial transactions
// fit in the current block.
func (e *LanePricingEngine) WouldAdmitIndustrial(txCount uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.industrial.wouldOverflow(txCount)
}

// SetBaseFees applies governance-controlled base fees and resets the
// adaptive state; accumulated integral error from the old fee regime would
// otherwise misprice the new one.
func (e *LanePricingEngine) SetBaseFees(consumer, industrial uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if consumer < 1 {
		consumer = 1
	}
	if industrial < 1 {
		industrial = 1
	}
	changed := consumer != e.baseConsumerFee || industrial != e.baseIndustrialFee
	e.baseConsumerFee = consumer
	e.baseIndustrialFee = industrial
	if changed {
		e.resetAdaptiveLocked()
		logrus.Infof("fees: base fees updated consumer=%d industrial=%d, adaptive state reset", consumer, industrial)
	}
}

// SetTargetUtilization updates the PI target, clamped to [0.3, 0.9].
func (e *LanePricingEngine) SetTargetUtilization(target float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.targetUtilization = clampF(target, 0.3, 0.9)
}

// ResetAdaptiveState clears both PI integrals and adjustment factors.
func (e *LanePricingEngine) ResetAdaptiveState() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetAdaptiveLocked()
}

func (e *LanePricingEngine) resetAdaptiveLocked() {
	e.consumerPI.reset()
	e.industrialPI.reset()
	e.consumerAdjustment = 1.0
	e.industrialAdjustment = 1.0
}

// PricingReport is the monitoring view of the engine.
type PricingReport struct {
	ConsumerFeePerByte   uint64
	IndustrialFeePerByte uint64
	ConsumerAdjustment   float64
	IndustrialAdjustment float64
	MarketDemand         float64
	Congestion           CongestionReport
}

// Report assembles the full telemetry snapshot.
func (e *LanePricingEngine) Report() PricingReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return PricingReport{
		ConsumerFeePerByte:   e.consumerFeePerByteLocked(),
		IndustrialFeePerByte: e.industrialFeePerByteLocked(),
		ConsumerAdjustment:   e.consumerAdjustment,
		IndustrialAdjustment: e.industrialAdjustment,
		MarketDemand:         e.signals.aggregateDemand(),
		Congestion: CongestionReport{
			ConsumerUtilization:   e.consumer.utilization(),
			IndustrialUtilization: e.industrial.utilization(),
			ConsumerMultiplier:    e.consumer.multiplier(),
			IndustrialMultiplier:  e.industrial.multiplier(),
		},
	}
}
