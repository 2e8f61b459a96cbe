package core

import (
	"crypto/ed25519"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Circuit breaker gating sensitive executors (treasury, settlement writes).
// All counters and state live in lock-free atomics so allow_request is
// wait-free on the hot path. Time is milliseconds since a monotonic anchor
// fitted into a u64.

// CircuitState is the breaker state machine.
type CircuitState uint8

const (
	CircuitClosed   CircuitState = 0
	CircuitOpen     CircuitState = 1
	CircuitHalfOpen CircuitState = 2
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// CircuitBreakerConfig tunes thresholds and timing.
type CircuitBreakerConfig struct {
	FailureThreshold uint64
	SuccessThreshold uint64
	TimeoutSecs      uint64
	WindowSecs       uint64
}

// DefaultCircuitBreakerConfig opens after 5 failures, closes after 2
// half-open successes, stays open 60s, and counts failures in a 5 minute
// window.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		TimeoutSecs:      60,
		WindowSecs:       300,
	}
}

const noFailureSentinel = ^uint64(0)

// CircuitBreaker is safe for unsynchronized concurrent use.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	state           atomic.Uint32
	failureCount    atomic.Uint64
	successCount    atomic.Uint64
	lastFailureMs   atomic.Uint64
	lastStateChange atomic.Uint64

	clock monotonicClock
}

func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{config: config, clock: newMonotonicClock()}
	cb.lastFailureMs.Store(noFailureSentinel)
	return cb
}

// State reads the current state.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(cb.state.Load())
}

// AllowRequest reports whether an operation may proceed. In Open, the first
// request after the timeout transitions to HalfOpen and is allowed through
// as the recovery probe.
func (cb *CircuitBreaker) AllowRequest() bool {
	switch cb.State() {
	case CircuitClosed:
		return true
	case CircuitOpen:
		elapsed := satSub(cb.clock.NowMillis(), cb.lastStateChange.Load())
		if elapsed >= cb.config.TimeoutSecs*1000 {
			cb.transitionToHalfOpen()
			return true
		}
		return false
	default: // HalfOpen: every request is allowed through as a probe
		return true
	}
}

// RecordSuccess feeds a successful operation into the state machine.
func (cb *CircuitBreaker) RecordSuccess() {
	switch cb.State() {
	case CircuitClosed:
		cb.failureCount.Store(0)
	case CircuitHalfOpen:
		if cb.successCount.Add(1) >= cb.config.SuccessThreshold {
			cb.transitionToClosed()
		}
	}
}

// RecordFailure feeds a failed operation into the state machine. Failures
// outside the window restart the count.
func (cb *CircuitBreaker) RecordFailure() {
	now := cb.clock.NowMillis()
	prev := cb.lastFailureMs.Swap(now)

	switch cb.State() {
	case CircuitClosed:
		if prev != noFailureSentinel && satSub(now, prev) > cb.config.WindowSecs*1000 {
			cb.failureCount.Store(0)
		}
		if cb.failureCount.Add(1) >= cb.config.FailureThreshold {
			cb.transitionToOpen()
		}
	case CircuitHalfOpen:
		cb.transitionToOpen()
	}
}

// ForceOpen trips the breaker unconditionally.
func (cb *CircuitBreaker) ForceOpen() { cb.transitionToOpen() }

// ForceClose closes the breaker unconditionally.
func (cb *CircuitBreaker) ForceClose() { cb.transitionToClosed() }

// Reset restores the initial closed state with zeroed counters.
func (cb *CircuitBreaker) Reset() {
	cb.state.Store(uint32(CircuitClosed))
	cb.failureCount.Store(0)
	cb.successCount.Store(0)
	cb.lastFailureMs.Store(noFailureSentinel)
	cb.touchStateChange()
}

// FailureCount reads the windowed failure count.
func (cb *CircuitBreaker) FailureCount() uint64 { return cb.failureCount.Load() }

// SuccessCount reads the half-open success count.
func (cb *CircuitBreaker) SuccessCount() uint64 { return cb.successCount.Load() }

// TimeSinceLastFailure reports the elapsed time since the last recorded
// failure, false when none has occurred.
func (cb *CircuitBreaker) TimeSinceLastFailure() (time.Duration, bool) {
	last := cb.lastFailureMs.Load()
	if last == noFailureSentinel {
		return 0, false
	}
	return time.Duration(satSub(cb.clock.NowMillis(), last)) * time.Millisecond, true
}

// TimeSinceStateChange reports how long the breaker has been in its state.
func (cb *CircuitBreaker) TimeSinceStateChange() time.Duration {
	return time.Duration(satSub(cb.clock.NowMillis(), cb.lastStateChange.Load())) * time.Millisecond
}

func (cb *CircuitBreaker) touchStateChange() {
	cb.lastStateChange.Store(cb.clock.NowMillis())
}

func (cb *CircuitBreaker) transitionToOpen() {
	cb.state.Store(uint32(CircuitOpen))
	cb.successCount.Store(0)
	cb.touchStateChange()
	logrus.Warn("circuit_breaker: opened")
}

func (cb *CircuitBreaker) transitionToHalfOpen() {
	cb.state.Store(uint32(CircuitHalfOpen))
	cb.successCount.Store(0)
	cb.touchStateChange()
	logrus.Info("circuit_breaker: half-open, probing recovery")
}

func (cb *CircuitBreaker) transitionToClosed() {
	cb.state.Store(uint32(CircuitClosed))
	cb.failureCount.Store(0)
	cb.successCount.Store(0)
	cb.touchStateChange()
	logrus.Info("circuit_breaker: closed")
}

// Authorized overrides. Sensitive transitions require a signed call checked
// against the operator registry.

// OperatorOperation enumerates override operations.
type OperatorOperation uint32

const (
	OpForceCircuitOpen    OperatorOperation = 0
	OpForceCircuitClosed  OperatorOperation = 1
	OpResetCircuitBreaker OperatorOperation = 2
)

func (o OperatorOperation) String() string {
	switch o {
	case OpForceCircuitOpen:
		return "force_circuit_open"
	case OpForceCircuitClosed:
		return "force_circuit_closed"
	case OpResetCircuitBreaker:
		return "reset_circuit_breaker"
	}
	return "unknown"
}

// OperatorRole scopes what a registered key may do.
type OperatorRole uint8

const (
	RoleObserver OperatorRole = 0
	RoleOperator OperatorRole = 1
)

// OperatorRegistry maps operator ids to keys and roles.
type OperatorRegistry struct {
	operators map[string]struct {
		key  ed25519.PublicKey
		role OperatorRole
	}
}

func NewOperatorRegistry() *OperatorRegistry {
	return &OperatorRegistry{operators: make(map[string]struct {
		key  ed25519.PublicKey
		role OperatorRole
	})}
}

// RegisterOperator stores an operator key with its role.
func (r *OperatorRegistry) RegisterOperator(id string, key ed25519.PublicKey, role OperatorRole) {
	r.operators[id] = struct {
		key  ed25519.PublicKey
		role OperatorRole
	}{key: append(ed25519.PublicKey(nil), key...), role: role}
}

// AuthorizedCall is a signed override request.
type AuthorizedCall struct {
	Operation  OperatorOperation
	OperatorID string
	Nonce      uint64
	IssuedAt   uint64
	Signature  Signature
}

const operatorCallDomain = "tb_operator_call"

// CallDigest is the signing preimage for an authorized call.
func CallDigest(call *AuthorizedCall) Hash {
	w := NewWriter()
	w.WriteRaw([]byte(operatorCallDomain))
	w.WriteU32(uint32(call.Operation))
	w.WriteString(call.OperatorID)
	w.WriteU64(call.Nonce)
	w.WriteU64(call.IssuedAt)
	return HashBytes(w.Bytes())
}

// verifyCall checks the call signature and the Operator role.
func (r *OperatorRegistry) verifyCall(call *AuthorizedCall) error {
	entry, ok := r.operators[call.OperatorID]
	if !ok {
		return fmt.Errorf("circuit_breaker: operator %s not registered", call.OperatorID)
	}
	if entry.role != RoleOperator {
		return fmt.Errorf("circuit_breaker: operator %s lacks the Operator role", call.OperatorID)
	}
	digest := CallDigest(call)
	if !ed25519.Verify(entry.key, digest[:], call.Signature[:]) {
		return fmt.Errorf("circuit_breaker: invalid operator signature for %s", call.OperatorID)
	}
	return nil
}

// AuthorizedForceOpen trips the breaker on a verified operator call.
func (cb *CircuitBreaker) AuthorizedForceOpen(registry *OperatorRegistry, call *AuthorizedCall) error {
	if call.Operation != OpForceCircuitOpen {
		return fmt.Errorf("circuit_breaker: wrong operation %s", call.Operation)
	}
	if err := registry.verifyCall(call); err != nil {
		return err
	}
	cb.ForceOpen()
	logrus.Warnf("circuit_breaker: force-opened by operator %s", call.OperatorID)
	return nil
}

// AuthorizedForceClose closes the breaker on a verified operator call.
func (cb *CircuitBreaker) AuthorizedForceClose(registry *OperatorRegistry, call *AuthorizedCall) error {
	if call.Operation != OpForceCircuitClosed {
		return fmt.Errorf("circuit_breaker: wrong operation %s", call.Operation)
	}
	if err := registry.verifyCall(call); err != nil {
		return err
	}
	cb.ForceClose()
	logrus.Warnf("circuit_breaker: force-closed by operator %s", call.OperatorID)
	return nil
}

// AuthorizedReset resets the breaker on a verified operator call.
func (cb *CircuitBreaker) AuthorizedReset(registry *OperatorRegistry, call *AuthorizedCall) error {
	if call.Operation != OpResetCircuitBreaker {
		return fmt.Errorf("circuit_breaker: wrong operation %s", call.Operation)
	}
	if err := registry.verifyCall(call); err != nil {
		return err
	}
	cb.Reset()
	logrus.Warnf("circuit_breaker: reset by operator %s", call.OperatorID)
	return nil
}
