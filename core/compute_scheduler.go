package core

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"theblock-network/pkg/utils"
)

// Compute-market scheduler: capability admission, aged priorities, per-lane
// bid/ask books, preemption, and starvation detection. Jobs are stored by
// stable job_id; cross-links (preempted-from, matched-by) are identifiers,
// never owning references, so the scheduler survives requeues without
// dangling state.

// ComputeLane is an admission class for compute matching: the industrial
// lane plus its sub-lanes.
type ComputeLane int

const (
	LaneIndustrial ComputeLane = iota
	LaneBatch
	LaneInteractive
	LaneGPU
)

func (l ComputeLane) String() string {
	switch l {
	case LaneIndustrial:
		return "industrial"
	case LaneBatch:
		return "batch"
	case LaneInteractive:
		return "interactive"
	case LaneGPU:
		return "gpu"
	}
	return "unknown"
}

// ComputeLanes lists every lane in declaration order.
func ComputeLanes() []ComputeLane {
	return []ComputeLane{LaneIndustrial, LaneBatch, LaneInteractive, LaneGPU}
}

// Priority is a job's base scheduling class.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "Low"
	case PriorityNormal:
		return "Normal"
	case PriorityHigh:
		return "High"
	}
	return "unknown"
}

func (p Priority) base() float64 {
	switch p {
	case PriorityLow:
		return 1.0
	case PriorityNormal:
		return 2.0
	case PriorityHigh:
		return 3.0
	}
	return 0
}

// priorityDriftPerSec ages waiting jobs upward. The rate is small enough
// that Low overtakes Normal only after minutes of waiting.
const priorityDriftPerSec = 0.005

// Capability describes provider hardware; jobs carry the same shape as a
// requirement vector.
type Capability struct {
	CPUCores            uint32
	GPU                 string
	HasGPU              bool
	GPUMemoryMB         uint64
	Accelerator         string
	HasAccelerator      bool
	AcceleratorMemoryMB uint64
	Frameworks          []string
}

// Satisfies reports whether the capability covers every requirement.
func (c *Capability) Satisfies(req *Capability) bool {
	if req.CPUCores > c.CPUCores {
		return false
	}
	if req.HasGPU {
		if !c.HasGPU {
			return false
		}
		if req.GPUMemoryMB > c.GPUMemoryMB {
			return false
		}
	}
	if req.HasAccelerator {
		if !c.HasAccelerator || req.Accelerator != c.Accelerator {
			return false
		}
		if req.AcceleratorMemoryMB > c.AcceleratorMemoryMB {
			return false
		}
	}
	for _, f := range req.Frameworks {
		found := false
		for _, have := range c.Frameworks {
			if have == f {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// PendingJob is a queued job with its aged priority.
type PendingJob struct {
	JobID             string
	SubmittedAt       int64
	Priority          Priority
	EffectivePriority float64
	Requirement       Capability
}

// LaneBid is a client-side order for compute in a lane.
type LaneBid struct {
	JobID       string
	Buyer       string
	Lane        ComputeLane
	Price       uint64
	Units       uint64
	Priority    Priority
	SubmittedAt int64
	Requirement Capability
}

// LaneAsk is a provider-side offer in a lane.
type LaneAsk struct {
	Provider    string
	Lane        ComputeLane
	Price       uint64
	Units       uint64
	SubmittedAt int64
}

// MatchReceipt records a fill. Settlement consumes these as event records.
type MatchReceipt struct {
	ReceiptID  string
	JobID      string
	Provider   string
	Buyer      string
	QuotePrice uint64
	Lane       ComputeLane
	IssuedAt   int64
}

// LaneStatus summarizes one lane's books.
type LaneStatus struct {
	Lane        ComputeLane
	OpenBids    int
	OpenAsks    int
	OldestBidAt int64
	OldestAskAt int64
	UpdatedAt   int64
}

// LaneWarning flags a starving order.
type LaneWarning struct {
	Lane      ComputeLane
	JobID     string
	WaitedFor time.Duration
	UpdatedAt int64
}

// SchedulerStats is the monitoring surface.
type SchedulerStats struct {
	Success            uint64
	CapabilityMismatch uint64
	ReputationFailure  uint64
	Preemptions        uint64
	ActiveJobs         uint64
	PriorityMiss       uint64
	QueuedHigh         int
	QueuedNormal       int
	QueuedLow          int
	Utilization        map[string]uint64
	EffectivePrice     uint64
	HasEffectivePrice  bool
	Pending            []PendingJob
}

type providerState struct {
	capability Capability
	reputation float64
	activeJob  string
}

type activeJob struct {
	bid      LaneBid
	provider string
	matched  int64
}

// Scheduler is the compute-market matcher.
type Scheduler struct {
	mu sync.Mutex

	reputationThreshold float64
	starvationThreshold time.Duration

	providers map[string]*providerState
	bids      map[ComputeLane][]LaneBid
	asks      map[ComputeLane][]LaneAsk
	active    map[string]*activeJob // job_id -> running assignment
	recent    map[ComputeLane][]MatchReceipt

	success            uint64
	capabilityMismatch uint64
	reputationFailure  uint64
	preemptions        uint64
	priorityMiss       uint64
	lastQuote          uint64
	hasQuote           bool

	now func() int64
}

// NewScheduler builds a scheduler from governance knobs.
func NewScheduler(p *Params) *Scheduler {
	return &Scheduler{
		reputationThreshold: float64(p.ReputationThresholdMilli) / 1000.0,
		starvationThreshold: time.Duration(p.StarvationThresholdSecs) * time.Second,
		providers:           make(map[string]*providerState),
		bids:                make(map[ComputeLane][]LaneBid),
		asks:                make(map[ComputeLane][]LaneAsk),
		active:              make(map[string]*activeJob),
		recent:              make(map[ComputeLane][]MatchReceipt),
		now:                 func() int64 { return time.Now().Unix() },
	}
}

// RegisterProvider records a provider's capability and reputation.
func (s *Scheduler) RegisterProvider(provider string, capability Capability, reputation float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[provider] = &providerState{capability: capability, reputation: reputation}
}

// ProviderCapability returns the advertised capability, if registered.
func (s *Scheduler) ProviderCapability(provider string) (Capability, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[provider]
	if !ok {
		return Capability{}, false
	}
	return p.capability, true
}

// JobRequirements returns a queued or active job's requirement vector.
func (s *Scheduler) JobRequirements(jobID string) (Capability, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.active[jobID]; ok {
		return a.bid.Requirement, true
	}
	for _, lane := range s.bids {
		for _, bid := range lane {
			if bid.JobID == jobID {
				return bid.Requirement, true
			}
		}
	}
	return Capability{}, false
}

// AdmitJob checks a job directly against a provider before queueing it.
// Rejections are counted per reason.
func (s *Scheduler) AdmitJob(req *Capability, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[provider]
	if !ok {
		s.reputationFailure++
		return fmt.Errorf("scheduler: reputation_failure: provider %s not registered", provider)
	}
	if p.reputation < s.reputationThreshold {
		s.reputationFailure++
		return fmt.Errorf("scheduler: reputation_failure: provider %s below threshold", provider)
	}
	if !p.capability.Satisfies(req) {
		s.capabilityMismatch++
		return fmt.Errorf("scheduler: capability_mismatch: provider %s cannot run job", provider)
	}
	return nil
}

// SubmitBid queues a client order and attempts a match.
func (s *Scheduler) SubmitBid(bid LaneBid) []MatchReceipt {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bid.SubmittedAt == 0 {
		bid.SubmittedAt = s.now()
	}
	s.bids[bid.Lane] = append(s.bids[bid.Lane], bid)
	return s.matchLaneLocked(bid.Lane)
}

// SubmitAsk queues a provider offer and attempts a match. Providers below
// the reputation threshold are rejected.
func (s *Scheduler) SubmitAsk(ask LaneAsk) ([]MatchReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[ask.Provider]
	if !ok || p.reputation < s.reputationThreshold {
		s.reputationFailure++
		return nil, fmt.Errorf("scheduler: reputation_failure: provider %s", ask.Provider)
	}
	if ask.SubmittedAt == 0 {
		ask.SubmittedAt = s.now()
	}
	s.asks[ask.Lane] = append(s.asks[ask.Lane], ask)
	return s.matchLaneLocked(ask.Lane), nil
}

// effectivePriority ages a bid's base priority by wait time.
func (s *Scheduler) effectivePriority(bid *LaneBid) float64 {
	age := float64(s.now() - bid.SubmittedAt)
	if age < 0 {
		age = 0
	}
	return bid.Priority.base() + age*priorityDriftPerSec
}

// matchLaneLocked pairs compatible bids and asks in one lane until no further
// fill is possible. Bids are taken by effective priority first, then price,
// then age; asks by price, then age. A running lower-priority job may be
// preempted for a higher-priority bid.
func (s *Scheduler) matchLaneLocked(lane ComputeLane) []MatchReceipt {
	var receipts []MatchReceipt
	for {
		bids := s.bids[lane]
		asks := s.asks[lane]
		if len(bids) == 0 || len(asks) == 0 {
			break
		}

		// Order bids by (effective priority desc, price desc, age asc).
		sort.SliceStable(bids, func(i, j int) bool {
			pi, pj := s.effectivePriority(&bids[i]), s.effectivePriority(&bids[j])
			if pi != pj {
				return pi > pj
			}
			if bids[i].Price != bids[j].Price {
				return bids[i].Price > bids[j].Price
			}
			return bids[i].SubmittedAt < bids[j].SubmittedAt
		})
		// Order asks by (price asc, age asc).
		sort.SliceStable(asks, func(i, j int) bool {
			if asks[i].Price != asks[j].Price {
				return asks[i].Price < asks[j].Price
			}
			return asks[i].SubmittedAt < asks[j].SubmittedAt
		})

		matched := false
		for bi := range bids {
			bid := bids[bi]
			for ai := range asks {
				ask := asks[ai]
				if ask.Price > bid.Price {
					break // asks sorted ascending; nothing cheaper remains
				}
				p := s.providers[ask.Provider]
				if p == nil || !p.capability.Satisfies(&bid.Requirement) {
					continue
				}
				if p.activeJob != "" {
					if !s.tryPreemptLocked(p, &bid, lane) {
						continue
					}
				}
				receipt := s.fillLocked(lane, bi, ai, &bid, &ask)
				receipts = append(receipts, receipt)
				matched = true
				break
			}
			if matched {
				break
			}
			if bi == 0 {
				// The top-priority bid could not be placed this round.
				s.priorityMiss++
			}
		}
		if !matched {
			break
		}
	}
	return receipts
}

// tryPreemptLocked requeues the provider's running job when the incoming bid
// has strictly higher effective priority. The preempted bid keeps its
// original submission time, so its aged priority is preserved.
func (s *Scheduler) tryPreemptLocked(p *providerState, incoming *LaneBid, lane ComputeLane) bool {
	running, ok := s.active[p.activeJob]
	if !ok {
		p.activeJob = ""
		return true
	}
	if s.effectivePriority(incoming) <= s.effectivePriority(&running.bid) {
		return false
	}
	delete(s.active, running.bid.JobID)
	p.activeJob = ""
	s.bids[running.bid.Lane] = append(s.bids[running.bid.Lane], running.bid)
	s.preemptions++
	logrus.Infof("scheduler: preempted job %s on %s for higher-priority job %s",
		running.bid.JobID, running.provider, incoming.JobID)
	return true
}

func (s *Scheduler) fillLocked(lane ComputeLane, bidIdx, askIdx int, bid *LaneBid, ask *LaneAsk) MatchReceipt {
	s.bids[lane] = append(s.bids[lane][:bidIdx], s.bids[lane][bidIdx+1:]...)
	s.asks[lane] = append(s.asks[lane][:askIdx], s.asks[lane][askIdx+1:]...)

	receipt := MatchReceipt{
		ReceiptID:  uuid.NewString(),
		JobID:      bid.JobID,
		Provider:   ask.Provider,
		Buyer:      bid.Buyer,
		QuotePrice: ask.Price,
		Lane:       lane,
		IssuedAt:   s.now(),
	}
	s.active[bid.JobID] = &activeJob{bid: *bid, provider: ask.Provider, matched: receipt.IssuedAt}
	if p := s.providers[ask.Provider]; p != nil {
		p.activeJob = bid.JobID
	}
	s.recent[lane] = append(s.recent[lane], receipt)
	if len(s.recent[lane]) > 64 {
		s.recent[lane] = s.recent[lane][1:]
	}
	s.success++
	s.lastQuote = ask.Price
	s.hasQuote = true
	return receipt
}

// appendCancelLog records a cancellation in the operator-facing log file
// when TB_CANCEL_PATH is configured.
func appendCancelLog(jobID, reason string) {
	path := utils.EnvOrDefault("TB_CANCEL_PATH", "")
	if path == "" {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		logrus.Warnf("scheduler: open cancel log: %v", err)
		return
	}
	defer f.Close()
	line, err := MarshalCanonicalJSON(map[string]string{"job_id": jobID, "reason": reason})
	if err != nil {
		return
	}
	_, _ = f.Write(append(line, '\n'))
}

// CancelJob removes a queued or running job. The provider slot frees up.
func (s *Scheduler) CancelJob(jobID, provider, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.active[jobID]; ok {
		delete(s.active, jobID)
		if p := s.providers[a.provider]; p != nil && p.activeJob == jobID {
			p.activeJob = ""
		}
		appendCancelLog(jobID, reason)
		logrus.Infof("scheduler: cancelled active job %s on %s: %s", jobID, provider, reason)
		return true
	}
	for lane, bids := range s.bids {
		for i, bid := range bids {
			if bid.JobID == jobID {
				s.bids[lane] = append(bids[:i], bids[i+1:]...)
				appendCancelLog(jobID, reason)
				logrus.Infof("scheduler: cancelled queued job %s: %s", jobID, reason)
				return true
			}
		}
	}
	return false
}

// RecentMatches returns up to n most recent fills in a lane, newest first.
func (s *Scheduler) RecentMatches(lane ComputeLane, n int) []MatchReceipt {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := s.recent[lane]
	if n <= 0 || n > len(hist) {
		n = len(hist)
	}
	out := make([]MatchReceipt, 0, n)
	for i := len(hist) - 1; i >= len(hist)-n; i-- {
		out = append(out, hist[i])
	}
	return out
}

// LaneStatuses summarizes every lane's books.
func (s *Scheduler) LaneStatuses() []LaneStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]LaneStatus, 0, len(ComputeLanes()))
	for _, lane := range ComputeLanes() {
		status := LaneStatus{Lane: lane, UpdatedAt: now}
		status.OpenBids = len(s.bids[lane])
		status.OpenAsks = len(s.asks[lane])
		for _, b := range s.bids[lane] {
			if status.OldestBidAt == 0 || b.SubmittedAt < status.OldestBidAt {
				status.OldestBidAt = b.SubmittedAt
			}
		}
		for _, a := range s.asks[lane] {
			if status.OldestAskAt == 0 || a.SubmittedAt < status.OldestAskAt {
				status.OldestAskAt = a.SubmittedAt
			}
		}
		out = append(out, status)
	}
	return out
}

// StarvationWarnings flags lanes whose oldest unmatched bid has waited past
// the governance threshold, one warning per lane. Unmatched asks are not
// checked.
func (s *Scheduler) StarvationWarnings() []LaneWarning {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []LaneWarning
	for _, lane := range ComputeLanes() {
		bids := s.bids[lane]
		if len(bids) == 0 {
			continue
		}
		oldest := bids[0]
		for _, b := range bids[1:] {
			if b.SubmittedAt < oldest.SubmittedAt {
				oldest = b
			}
		}
		waited := time.Duration(now-oldest.SubmittedAt) * time.Second
		if waited >= s.starvationThreshold {
			out = append(out, LaneWarning{Lane: lane, JobID: oldest.JobID, WaitedFor: waited, UpdatedAt: now})
			logrus.Warnf("scheduler: lane %s starving, job %s waited %s", lane, oldest.JobID, waited)
		}
	}
	return out
}

// Stats snapshots the scheduler counters and queue depths.
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := SchedulerStats{
		Success:            s.success,
		CapabilityMismatch: s.capabilityMismatch,
		ReputationFailure:  s.reputationFailure,
		Preemptions:        s.preemptions,
		PriorityMiss:       s.priorityMiss,
		ActiveJobs:         uint64(len(s.active)),
		Utilization:        make(map[string]uint64),
		EffectivePrice:     s.lastQuote,
		HasEffectivePrice:  s.hasQuote,
	}
	for name, p := range s.providers {
		if p.activeJob != "" {
			stats.Utilization[name] = 1
		} else {
			stats.Utilization[name] = 0
		}
	}
	for _, lane := range ComputeLanes() {
		for _, b := range s.bids[lane] {
			switch b.Priority {
			case PriorityHigh:
				stats.QueuedHigh++
			case PriorityNormal:
				stats.QueuedNormal++
			default:
				stats.QueuedLow++
			}
			stats.Pending = append(stats.Pending, PendingJob{
				JobID:             b.JobID,
				SubmittedAt:       b.SubmittedAt,
				Priority:          b.Priority,
				EffectivePriority: s.effectivePriority(&b),
				Requirement:       b.Requirement,
			})
		}
	}
	return stats
}
