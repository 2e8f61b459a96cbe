package core

import (
	"math"
	"testing"
)

//-------------------------------------------------------------
// Market demand multiplier bounds
//-------------------------------------------------------------

func TestMarketMultiplierBounds(t *testing.T) {
	if m := marketDemandMultiplier(0.0); math.Abs(m-1.0) > 0.01 {
		t.Fatalf("M(0) = %v, want 1", m)
	}
	full := marketDemandMultiplier(1.0)
	if math.Abs(full-4.0) > 0.01 {
		t.Fatalf("M(1) = %v, want 4", full)
	}
	half := marketDemandMultiplier(0.5)
	if half <= 1.0 || half >= full {
		t.Fatalf("M(0.5) = %v not monotonic", half)
	}
}

//-------------------------------------------------------------
// PI controller stability
//-------------------------------------------------------------

func TestPIControllerStability(t *testing.T) {
	pi := newPIController(feeKp, feeKi, feeIntegralLimit)

	// Below target → raise fees.
	adj1 := pi.update(0.7, 0.5)
	if adj1 <= 1.0 {
		t.Fatalf("adj below target = %v, want > 1", adj1)
	}
	// Above target → lower fees.
	adj2 := pi.update(0.7, 0.9)
	if adj2 >= 1.0 {
		t.Fatalf("adj above target = %v, want < 1", adj2)
	}
	for _, adj := range []float64{adj1, adj2} {
		if adj < 0.5 || adj > 2.0 {
			t.Fatalf("adjustment %v outside [0.5, 2.0]", adj)
		}
	}
}

func TestPIControllerAntiWindup(t *testing.T) {
	pi := newPIController(feeKp, feeKi, feeIntegralLimit)
	for i := 0; i < 1000; i++ {
		pi.update(0.9, 0.0)
	}
	if pi.integral > feeIntegralLimit {
		t.Fatalf("integral %v exceeds limit", pi.integral)
	}
	pi.reset()
	if pi.integral != 0 {
		t.Fatal("reset did not clear integral")
	}
}

//-------------------------------------------------------------
// Industrial premium
//-------------------------------------------------------------

func TestIndustrialPremiumEnforced(t *testing.T) {
	engine := NewLanePricingEngine(1000, 1500, 100, 100, 0.7)
	engine.UpdateBlock(0, 0)

	consumer := engine.ConsumerFeePerByte()
	industrial := engine.IndustrialFeePerByte()
	floor := uint64(math.Ceil(float64(consumer) * 1.5))
	if industrial < floor {
		t.Fatalf("industrial %d below premium floor %d", industrial, floor)
	}
}

func TestMarketDemandRaisesIndustrialFee(t *testing.T) {
	engine := NewLanePricingEngine(1000, 1500, 100, 100, 0.7)
	engine.UpdateBlock(0, 0)
	baseline := engine.IndustrialFeePerByte()

	engine.UpdateMarketSignal(MarketAdvertising, 100_000, 50, 0.9)
	engine.UpdateMarketSignal(MarketEnergy, 50_000, 30, 0.8)
	engine.UpdateMarketSignal(MarketCompute, 75_000, 40, 0.85)

	if got := engine.IndustrialFeePerByte(); got <= baseline {
		t.Fatalf("industrial fee %d did not rise above baseline %d", got, baseline)
	}
	if engine.ConsumerFeePerByte() == 0 {
		t.Fatal("consumer fee collapsed under market demand")
	}
}

//-------------------------------------------------------------
// Fee floors and zero-fee harness mode
//-------------------------------------------------------------

func TestFeeFloors(t *testing.T) {
	engine := NewLanePricingEngine(1, 1, 1_000_000, 1_000_000, 0.7)
	engine.UpdateBlock(0, 0)
	if engine.ConsumerFeePerByte() < 1 {
		t.Fatal("consumer fee below floor")
	}
	consumer := engine.ConsumerFeePerByte()
	want := uint64(math.Ceil(1.5 * float64(consumer)))
	if engine.IndustrialFeePerByte() < want {
		t.Fatalf("industrial %d below ceil(1.5·consumer)=%d", engine.IndustrialFeePerByte(), want)
	}
}

func TestZeroBaseFeeYieldsZero(t *testing.T) {
	engine := NewLanePricingEngine(0, 0, 100, 100, 0.7)
	engine.UpdateBlock(50, 50)
	if engine.ConsumerFeePerByte() != 0 || engine.IndustrialFeePerByte() != 0 {
		t.Fatal("zero base fees must price at zero")
	}
	if engine.EstimateFee(1024, true) != 0 {
		t.Fatal("estimate should be zero")
	}
}

func TestEstimateFeeScalesBySize(t *testing.T) {
	engine := NewLanePricingEngine(10, 25, 100, 100, 0.7)
	perByte := engine.ConsumerFeePerByte()
	if got := engine.EstimateFee(250, false); got != perByte*250 {
		t.Fatalf("estimate = %d, want %d", got, perByte*250)
	}
}

//-------------------------------------------------------------
// Admission
//-------------------------------------------------------------

func TestLaneAdmissionRejectsOverflow(t *testing.T) {
	engine := NewLanePricingEngine(10, 25, 10, 5, 0.7)
	if !engine.WouldAdmitConsumer(10) {
		t.Fatal("empty lane should admit up to capacity")
	}
	engine.UpdateBlock(8, 5)
	if engine.WouldAdmitConsumer(5) {
		t.Fatal("consumer lane overflow admitted")
	}
	if engine.WouldAdmitIndustrial(1) {
		t.Fatal("industrial lane at capacity admitted")
	}
}

//-------------------------------------------------------------
// Governance updates reset adaptive state
//-------------------------------------------------------------

func TestSetBaseFeesResetsAdaptiveState(t *testing.T) {
	engine := NewLanePricingEngine(10, 25, 100, 100, 0.7)
	for i := 0; i < 60; i++ {
		engine.UpdateBlock(95, 95)
	}
	if engine.consumerPI.integral == 0 {
		t.Fatal("integral should have accumulated")
	}
	engine.SetBaseFees(100, 250)
	if engine.consumerPI.integral != 0 || engine.consumerAdjustment != 1.0 {
		t.Fatal("adaptive state not reset on base fee change")
	}
}

func TestTargetUtilizationClamped(t *testing.T) {
	engine := NewLanePricingEngine(10, 25, 100, 100, 0.1)
	if engine.targetUtilization != 0.3 {
		t.Fatalf("low target not clamped: %v", engine.targetUtilization)
	}
	engine.SetTargetUtilization(0.99)
	if engine.targetUtilization != 0.9 {
		t.Fatalf("high target not clamped: %v", engine.targetUtilization)
	}
}

func TestPricingReportFields(t *testing.T) {
	engine := NewLanePricingEngine(10, 25, 100, 100, 0.7)
	engine.UpdateBlock(50, 20)
	report := engine.Report()
	if report.ConsumerFeePerByte == 0 || report.IndustrialFeePerByte == 0 {
		t.Fatal("report missing fees")
	}
	if report.Congestion.ConsumerUtilization <= 0 {
		t.Fatal("report missing congestion")
	}
}
