package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus collectors for the hot operational paths. The exporter endpoint
// lives in cmd; core only registers and increments.

var (
	settleAppliedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tb_settle_applied_total",
		Help: "Settlement mutations applied.",
	})
	settleFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tb_settle_failed_total",
		Help: "Settlement mutations rejected, by operation.",
	}, []string{"operation"})
	settleModeChangeTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tb_settle_mode_change_total",
		Help: "Settlement mode transitions.",
	})
	slashingBurnCTTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tb_slashing_burn_ct_total",
		Help: "CT burned through SLA penalties.",
	})
	computeSLAViolationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tb_compute_sla_violations_total",
		Help: "SLA violations, by provider.",
	}, []string{"provider"})

	peerDropsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tb_p2p_drops_total",
		Help: "Dropped inbound frames, by reason.",
	}, []string{"reason"})
	handshakeFailTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tb_p2p_handshake_fail_total",
		Help: "Failed handshakes, by reason.",
	}, []string{"reason"})
	gossipBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tb_p2p_gossip_bytes_total",
		Help: "Bytes fanned out to peers.",
	})

	consumerFeeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tb_fee_consumer_per_byte",
		Help: "Current consumer lane fee per byte.",
	})
	industrialFeeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tb_fee_industrial_per_byte",
		Help: "Current industrial lane fee per byte.",
	})
)

// MetricsRegistry exposes every core collector on one registry for the cmd
// exporter to serve.
func MetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		settleAppliedTotal,
		settleFailedTotal,
		settleModeChangeTotal,
		slashingBurnCTTotal,
		computeSLAViolationsTotal,
		peerDropsTotal,
		handshakeFailTotal,
		gossipBytesTotal,
		consumerFeeGauge,
		industrialFeeGauge,
	)
	return reg
}

// PublishFeeGauges pushes the current pricing report into the fee gauges.
func PublishFeeGauges(report PricingReport) {
	consumerFeeGauge.Set(float64(report.ConsumerFeePerByte))
	industrialFeeGauge.Set(float64(report.IndustrialFeePerByte))
}
