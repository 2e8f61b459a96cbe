package core

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Governance parameter store. Epoch snapshots append into the governance
// tree keyed by big-endian-free epoch encoding (fixed-width LE keys sort
// correctly only with the decimal form, so keys are zero-padded decimal
// strings). Snapshots are immutable once written; activation is an event,
// not a back-pointer.

const governanceTreeName = "governance"

// GovernanceStore persists the epoch → Params history.
type GovernanceStore struct {
	tree *Tree
}

// OpenGovernanceStore binds the store to an engine's governance tree.
func OpenGovernanceStore(engine *Engine) (*GovernanceStore, error) {
	tree, err := engine.OpenTree(governanceTreeName)
	if err != nil {
		return nil, err
	}
	return &GovernanceStore{tree: tree}, nil
}

func governanceKey(epoch uint64) []byte {
	return []byte(fmt.Sprintf("epoch/%020d", epoch))
}

// PutSnapshot records the params in effect from an epoch boundary. Existing
// snapshots are never overwritten; governance history is append-only.
func (g *GovernanceStore) PutSnapshot(snap EpochGovernanceSnapshot) error {
	key := governanceKey(snap.Epoch)
	existing, err := g.tree.Get(key)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("governance: epoch %d snapshot already recorded", snap.Epoch)
	}
	if _, err := g.tree.Insert(key, encodeGovernanceSnapshot(&snap)); err != nil {
		return err
	}
	logrus.Infof("governance: recorded snapshot for epoch %d (params v%d)", snap.Epoch, snap.Params.Version)
	return nil
}

// Snapshot loads one epoch's params, nil when unrecorded.
func (g *GovernanceStore) Snapshot(epoch uint64) (*EpochGovernanceSnapshot, error) {
	raw, err := g.tree.Get(governanceKey(epoch))
	if err != nil || raw == nil {
		return nil, err
	}
	return decodeGovernanceSnapshot(raw)
}

// History returns every recorded snapshot in epoch order.
func (g *GovernanceStore) History() ([]EpochGovernanceSnapshot, error) {
	var out []EpochGovernanceSnapshot
	err := g.tree.Iterate(func(_, value []byte) error {
		snap, err := decodeGovernanceSnapshot(value)
		if err != nil {
			return err
		}
		out = append(out, *snap)
		return nil
	})
	return out, err
}

// paramFields enumerates the Params integers in canonical encoding order.
// Adding a field here is a versioned change: bump Params.Version alongside.
func paramFields(p *Params) []struct {
	name string
	v    *int64
} {
	return []struct {
		name string
		v    *int64
	}{
		{"treasury_percent", &p.TreasuryPercent},
		{"inflation_target_bps", &p.InflationTargetBps},
		{"inflation_controller_gain", &p.InflationControllerGain},
		{"min_annual_issuance_block", &p.MinAnnualIssuanceBlock},
		{"max_annual_issuance_block", &p.MaxAnnualIssuanceBlock},
		{"storage_util_target_bps", &p.StorageUtilTargetBps},
		{"compute_util_target_bps", &p.ComputeUtilTargetBps},
		{"energy_util_target_bps", &p.EnergyUtilTargetBps},
		{"ad_util_target_bps", &p.AdUtilTargetBps},
		{"storage_margin_target_bps", &p.StorageMarginTargetBps},
		{"compute_margin_target_bps", &p.ComputeMarginTargetBps},
		{"energy_margin_target_bps", &p.EnergyMarginTargetBps},
		{"ad_margin_target_bps", &p.AdMarginTargetBps},
		{"storage_util_responsiveness", &p.StorageUtilResponsiveness},
		{"compute_util_responsiveness", &p.ComputeUtilResponsiveness},
		{"energy_util_responsiveness", &p.EnergyUtilResponsiveness},
		{"ad_util_responsiveness", &p.AdUtilResponsiveness},
		{"storage_cost_responsiveness", &p.StorageCostResponsiveness},
		{"compute_cost_responsiveness", &p.ComputeCostResponsiveness},
		{"energy_cost_responsiveness", &p.EnergyCostResponsiveness},
		{"ad_cost_responsiveness", &p.AdCostResponsiveness},
		{"storage_multiplier_floor", &p.StorageMultiplierFloor},
		{"compute_multiplier_floor", &p.ComputeMultiplierFloor},
		{"energy_multiplier_floor", &p.EnergyMultiplierFloor},
		{"ad_multiplier_floor", &p.AdMultiplierFloor},
		{"storage_multiplier_ceiling", &p.StorageMultiplierCeiling},
		{"compute_multiplier_ceiling", &p.ComputeMultiplierCeiling},
		{"energy_multiplier_ceiling", &p.EnergyMultiplierCeiling},
		{"ad_multiplier_ceiling", &p.AdMultiplierCeiling},
		{"subsidy_allocator_alpha", &p.SubsidyAllocatorAlpha},
		{"subsidy_allocator_beta", &p.SubsidyAllocatorBeta},
		{"subsidy_allocator_temperature", &p.SubsidyAllocatorTemperature},
		{"subsidy_allocator_drift_rate", &p.SubsidyAllocatorDriftRate},
		{"ad_platform_take_target_bps", &p.AdPlatformTakeTargetBps},
		{"ad_user_share_target_bps", &p.AdUserShareTargetBps},
		{"ad_drift_rate", &p.AdDriftRate},
		{"tariff_public_revenue_target_bps", &p.TariffPublicRevenueTargetBps},
		{"tariff_drift_rate", &p.TariffDriftRate},
		{"tariff_min_bps", &p.TariffMinBps},
		{"tariff_max_bps", &p.TariffMaxBps},
		{"base_consumer_fee", &p.BaseConsumerFee},
		{"base_industrial_fee", &p.BaseIndustrialFee},
		{"consumer_lane_capacity", &p.ConsumerLaneCapacity},
		{"industrial_lane_capacity", &p.IndustrialLaneCapacity},
		{"target_utilization_milli", &p.TargetUtilizationMilli},
		{"reputation_threshold_milli", &p.ReputationThresholdMilli},
		{"starvation_threshold_secs", &p.StarvationThresholdSecs},
		{"presence_min_confidence_bps", &p.PresenceMinConfidenceBps},
		{"presence_ttl_secs", &p.PresenceTTLSecs},
	}
}

// EncodeParams frames the full governance parameter set.
func EncodeParams(p *Params) []byte {
	fields := paramFields(p)
	w := NewWriter()
	w.BeginStruct(uint64(len(fields)) + 1)
	w.Field("version", func(w *Writer) { w.WriteU64(p.Version) })
	for _, f := range fields {
		value := *f.v
		w.Field(f.name, func(w *Writer) { w.WriteI64(value) })
	}
	return w.Bytes()
}

// DecodeParams parses a framed parameter set, rejecting unknown fields and
// trailing bytes.
func DecodeParams(b []byte) (*Params, error) {
	r := NewReader(b)
	p, err := readParams(r)
	if err != nil {
		return nil, err
	}
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return p, nil
}

func readParams(r *Reader) (*Params, error) {
	var p Params
	fields := paramFields(&p)
	byName := make(map[string]*int64, len(fields))
	for _, f := range fields {
		byName[f.name] = f.v
	}
	err := r.DecodeStruct("Params", uint64(len(fields))+1, func(key string, r *Reader) error {
		if key == "version" {
			v, err := r.ReadU64(key)
			p.Version = v
			return err
		}
		dst, ok := byName[key]
		if !ok {
			return errUnknownField(key)
		}
		v, err := r.ReadI64(key)
		if err != nil {
			return err
		}
		*dst = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func encodeGovernanceSnapshot(snap *EpochGovernanceSnapshot) []byte {
	w := NewWriter()
	w.BeginStruct(4)
	w.Field("epoch", func(w *Writer) { w.WriteU64(snap.Epoch) })
	w.Field("start_height", func(w *Writer) { w.WriteU64(snap.StartHeight) })
	w.Field("treasury_percent", func(w *Writer) { w.WriteI64(snap.TreasuryPercent) })
	w.Field("params", func(w *Writer) { w.WriteBytes(EncodeParams(&snap.Params)) })
	return w.Bytes()
}

func decodeGovernanceSnapshot(b []byte) (*EpochGovernanceSnapshot, error) {
	r := NewReader(b)
	var snap EpochGovernanceSnapshot
	err := r.DecodeStruct("EpochGovernanceSnapshot", 4, func(key string, r *Reader) error {
		switch key {
		case "epoch":
			v, err := r.ReadU64(key)
			snap.Epoch = v
			return err
		case "start_height":
			v, err := r.ReadU64(key)
			snap.StartHeight = v
			return err
		case "treasury_percent":
			v, err := r.ReadI64(key)
			snap.TreasuryPercent = v
			return err
		case "params":
			raw, err := r.ReadBytes(key)
			if err != nil {
				return err
			}
			params, err := DecodeParams(raw)
			if err != nil {
				return err
			}
			snap.Params = *params
			return nil
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
	return &snap, nil
}
