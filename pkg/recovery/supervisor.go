package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"bft_trust_engine/pkg/utils"
)

// HealthState describes an agent's position in the health lifecycle
type HealthState string

const (
	StateHealthy      HealthState = "healthy"
	StateDegraded     HealthState = "degraded"
	StateUnhealthy    HealthState = "unhealthy"
	StateShuttingDown HealthState = "shutting_down"
)

var (
	ErrAgentNotFound     = errors.New("agent not found")
	ErrRecoveryFailed    = errors.New("recovery attempts exhausted")
	ErrAlreadyRegistered = errors.New("agent already registered")
	ErrShuttingDown      = errors.New("supervisor is shutting down")
)

// RecoveryAction selects what a recovery attempt does once the retry
// delay has elapsed
type RecoveryAction string

const (
	// ActionRestart invokes the agent's Start capability before marking
	// it healthy
	ActionRestart RecoveryAction = "restart"
	// ActionNotify marks the agent healthy after the delay without
	// touching it; operators act on the logged attempt
	ActionNotify RecoveryAction = "notify"
)

// Policy controls how the supervisor reacts to unhealthy agents
type Policy struct {
	MaxRetries  int            `mapstructure:"max_retries"`
	RetryDelay  time.Duration  `mapstructure:"retry_delay"`
	AutoRecover bool           `mapstructure:"auto_recover"`
	Action      RecoveryAction `mapstructure:"action"`
}

// DefaultPolicy returns conservative recovery parameters
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:  3,
		RetryDelay:  5 * time.Second,
		AutoRecover: true,
		Action:      ActionRestart,
	}
}

// Capability is the hook set a concrete agent kind attaches at
// registration. It is injected explicitly, never discovered at runtime.
type Capability interface {
	HealthCheck(ctx context.Context) HealthState
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Heartbeat() time.Time
}

// MonitoredAgent is the supervisor's record for one registered agent.
// Each agent carries its own recovery policy.
type MonitoredAgent struct {
	ID                  string
	AgentType           string
	Health              HealthState
	RetryCount          int
	LastCheck           time.Time
	LastRecoveryAttempt time.Time
	Policy              Policy
	capability          Capability
}

// RecoveryStatus is a read-only snapshot of a monitored agent
type RecoveryStatus struct {
	ID                  string
	AgentType           string
	Health              HealthState
	RetryCount          int
	LastCheck           time.Time
	LastRecoveryAttempt time.Time
	Policy              Policy
}

// SupervisorMetrics tracks recovery outcomes
type SupervisorMetrics struct {
	RecoveriesAttempted int64
	RecoveriesSucceeded int64
	RecoveriesFailed    int64
	LastUpdate          time.Time
	mu                  sync.RWMutex
}

// SupervisorStats is a snapshot of supervisor metrics
type SupervisorStats struct {
	AgentCount          int
	HealthyCount        int
	RecoveriesAttempted int64
	RecoveriesSucceeded int64
	RecoveriesFailed    int64
	LastUpdate          time.Time
}

// Supervisor watches registered agents and restores unhealthy ones.
// Recovery never holds the registry lock across the retry delay, so
// health reports and lookups stay responsive during long backoffs.
type Supervisor struct {
	agents        map[string]*MonitoredAgent
	policy        Policy
	checkInterval time.Duration
	staleAfter    time.Duration
	clock         clock.Clock
	logger        *zap.Logger
	metrics       *SupervisorMetrics

	ctx          context.Context
	cancel       context.CancelFunc
	running      bool
	shuttingDown bool
	mu           sync.RWMutex
}

// NewSupervisor creates an agent supervisor. policy is the default for
// agents registered without their own.
// checkInterval drives the watchdog sweep; staleAfter marks how old a
// heartbeat may be before a Healthy agent is flagged as stale.
func NewSupervisor(policy Policy, checkInterval, staleAfter time.Duration, clk clock.Clock, logger *zap.Logger) *Supervisor {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}
	if staleAfter <= 0 {
		staleAfter = 2 * checkInterval
	}

	return &Supervisor{
		agents:        make(map[string]*MonitoredAgent),
		policy:        policy,
		checkInterval: checkInterval,
		staleAfter:    staleAfter,
		clock:         clk,
		logger:        logger,
		metrics:       &SupervisorMetrics{},
	}
}

// RegisterAgent adds an agent to the watch set in Healthy state under the
// supervisor's default policy
func (s *Supervisor) RegisterAgent(id, agentType string) error {
	return s.RegisterAgentWithPolicy(id, agentType, s.policy)
}

// RegisterAgentWithPolicy adds an agent with its own recovery policy, so
// agents in the same pool can differ in retry budget, delay and action
func (s *Supervisor) RegisterAgentWithPolicy(id, agentType string, policy Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shuttingDown {
		return ErrShuttingDown
	}
	if _, exists := s.agents[id]; exists {
		return fmt.Errorf("%w: %q", ErrAlreadyRegistered, id)
	}

	s.agents[id] = &MonitoredAgent{
		ID:        id,
		AgentType: agentType,
		Health:    StateHealthy,
		LastCheck: s.clock.Now(),
		Policy:    policy,
	}

	s.logger.Info("Agent registered",
		zap.String("agentID", id),
		zap.String("agentType", agentType))
	return nil
}

// AttachCapability wires a restart hook to a registered agent
func (s *Supervisor) AttachCapability(id string, cap Capability) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrAgentNotFound, id)
	}
	agent.capability = cap
	return nil
}

// UnregisterAgent removes an agent from the watch set
func (s *Supervisor) UnregisterAgent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[id]; !ok {
		return fmt.Errorf("%w: %q", ErrAgentNotFound, id)
	}
	delete(s.agents, id)

	s.logger.Info("Agent unregistered", zap.String("agentID", id))
	return nil
}

// UpdateAgentHealth records a health report for an agent. Every Unhealthy
// report with auto-recovery enabled launches a recovery attempt off the
// reporting path; the agent's retry budget bounds how many can succeed.
func (s *Supervisor) UpdateAgentHealth(id string, health HealthState) error {
	s.mu.Lock()

	if s.shuttingDown {
		s.mu.Unlock()
		return ErrShuttingDown
	}
	agent, ok := s.agents[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrAgentNotFound, id)
	}

	previous := agent.Health
	agent.Health = health
	agent.LastCheck = s.clock.Now()
	autoRecover := agent.Policy.AutoRecover && health == StateUnhealthy
	s.mu.Unlock()

	if previous != health {
		s.logger.Info("Agent health changed",
			zap.String("agentID", id),
			zap.String("from", string(previous)),
			zap.String("to", string(health)))
	}

	if autoRecover {
		utils.SafeGo(s.logger, func() {
			if err := s.AttemptRecovery(context.Background(), id); err != nil {
				s.logger.Error("Automatic recovery failed",
					zap.String("agentID", id),
					zap.Error(err))
			}
		})
	}
	return nil
}

// Heartbeat refreshes an agent's last-check timestamp without changing
// its health state
func (s *Supervisor) Heartbeat(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrAgentNotFound, id)
	}
	agent.LastCheck = s.clock.Now()
	return nil
}

// ProbeAgent actively health-checks an agent through its capability and
// records the result as a health report. Agents without a capability
// keep their last reported state.
func (s *Supervisor) ProbeAgent(ctx context.Context, id string) (HealthState, error) {
	s.mu.RLock()
	agent, ok := s.agents[id]
	var cap Capability
	var last HealthState
	if ok {
		cap = agent.capability
		last = agent.Health
	}
	s.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("%w: %q", ErrAgentNotFound, id)
	}
	if cap == nil {
		return last, nil
	}

	health := cap.HealthCheck(ctx)
	if err := s.UpdateAgentHealth(id, health); err != nil {
		return "", err
	}
	return health, nil
}

// AttemptRecovery tries to restore an unhealthy agent. The retry counter
// is checked and advanced under the lock, the delay is waited out with the
// lock released, and the agent is looked up again afterwards since it may
// have been unregistered while waiting.
func (s *Supervisor) AttemptRecovery(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return ErrShuttingDown
	}
	agent, ok := s.agents[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrAgentNotFound, id)
	}
	policy := agent.Policy
	if agent.RetryCount >= policy.MaxRetries {
		s.mu.Unlock()
		return fmt.Errorf("%w: agent %q after %d attempts", ErrRecoveryFailed, id, agent.RetryCount)
	}

	agent.RetryCount++
	agent.LastRecoveryAttempt = s.clock.Now()
	attempt := agent.RetryCount
	cap := agent.capability
	s.mu.Unlock()

	s.metrics.mu.Lock()
	s.metrics.RecoveriesAttempted++
	s.metrics.mu.Unlock()

	s.logger.Info("Attempting agent recovery",
		zap.String("agentID", id),
		zap.Int("attempt", attempt),
		zap.Int("maxRetries", policy.MaxRetries))

	if policy.RetryDelay > 0 {
		select {
		case <-s.clock.After(policy.RetryDelay):
		case <-ctx.Done():
			return fmt.Errorf("recovery of %q aborted: %w", id, ctx.Err())
		}
	}

	if cap != nil && policy.Action != ActionNotify {
		if err := cap.Start(ctx); err != nil {
			s.metrics.mu.Lock()
			s.metrics.RecoveriesFailed++
			s.metrics.mu.Unlock()
			return fmt.Errorf("restarting agent %q: %w", id, err)
		}
	}

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return fmt.Errorf("recovery of %q aborted: %w", id, ErrShuttingDown)
	}
	agent, ok = s.agents[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q was unregistered during recovery", ErrAgentNotFound, id)
	}
	agent.Health = StateHealthy
	agent.RetryCount = 0
	agent.LastCheck = s.clock.Now()
	s.mu.Unlock()

	s.metrics.mu.Lock()
	s.metrics.RecoveriesSucceeded++
	s.metrics.LastUpdate = s.clock.Now()
	s.metrics.mu.Unlock()

	s.logger.Info("Agent recovered", zap.String("agentID", id))
	return nil
}

// ForceRecovery resets the retry counter and attempts recovery regardless
// of previous failures
func (s *Supervisor) ForceRecovery(ctx context.Context, id string) error {
	s.mu.Lock()
	agent, ok := s.agents[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrAgentNotFound, id)
	}
	agent.RetryCount = 0
	s.mu.Unlock()

	return s.AttemptRecovery(ctx, id)
}

// Status returns a snapshot of one agent
func (s *Supervisor) Status(id string) (RecoveryStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.agents[id]
	if !ok {
		return RecoveryStatus{}, fmt.Errorf("%w: %q", ErrAgentNotFound, id)
	}
	return snapshot(agent), nil
}

// ListAgents returns snapshots of every monitored agent
func (s *Supervisor) ListAgents() []RecoveryStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]RecoveryStatus, 0, len(s.agents))
	for _, agent := range s.agents {
		out = append(out, snapshot(agent))
	}
	return out
}

// Start launches the watchdog loop. The loop only observes and logs;
// stale Healthy agents are reported, never restarted, since a slow
// heartbeat is not proof of failure.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already running")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.mu.Unlock()

	go s.watchdogLoop()

	s.logger.Info("Supervisor started",
		zap.Duration("checkInterval", s.checkInterval),
		zap.Duration("staleAfter", s.staleAfter))
	return nil
}

func (s *Supervisor) watchdogLoop() {
	ticker := s.clock.Ticker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep logs every Healthy agent whose last check is older than the
// staleness bound
func (s *Supervisor) sweep() {
	now := s.clock.Now()

	s.mu.RLock()
	var stale []RecoveryStatus
	for _, agent := range s.agents {
		if agent.Health == StateHealthy && now.Sub(agent.LastCheck) > s.staleAfter {
			stale = append(stale, snapshot(agent))
		}
	}
	s.mu.RUnlock()

	for _, st := range stale {
		s.logger.Warn("Agent heartbeat is stale",
			zap.String("agentID", st.ID),
			zap.String("agentType", st.AgentType),
			zap.Time("lastCheck", st.LastCheck),
			zap.Duration("staleness", now.Sub(st.LastCheck)))
	}
}

// Shutdown stops the watchdog, flips every agent to ShuttingDown, and
// invokes attached shutdown hooks
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return nil
	}
	s.shuttingDown = true
	s.running = false
	if s.cancel != nil {
		s.cancel()
	}

	caps := make(map[string]Capability)
	for id, agent := range s.agents {
		agent.Health = StateShuttingDown
		if agent.capability != nil {
			caps[id] = agent.capability
		}
	}
	s.mu.Unlock()

	var firstErr error
	for id, cap := range caps {
		if err := cap.Shutdown(ctx); err != nil {
			s.logger.Error("Agent shutdown failed",
				zap.String("agentID", id),
				zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("shutting down agent %q: %w", id, err)
			}
		}
	}

	s.logger.Info("Supervisor stopped")
	return firstErr
}

// GetStats returns a snapshot of supervisor metrics
func (s *Supervisor) GetStats() SupervisorStats {
	s.mu.RLock()
	agentCount := len(s.agents)
	healthy := 0
	for _, agent := range s.agents {
		if agent.Health == StateHealthy {
			healthy++
		}
	}
	s.mu.RUnlock()

	s.metrics.mu.RLock()
	defer s.metrics.mu.RUnlock()

	return SupervisorStats{
		AgentCount:          agentCount,
		HealthyCount:        healthy,
		RecoveriesAttempted: s.metrics.RecoveriesAttempted,
		RecoveriesSucceeded: s.metrics.RecoveriesSucceeded,
		RecoveriesFailed:    s.metrics.RecoveriesFailed,
		LastUpdate:          s.metrics.LastUpdate,
	}
}

func snapshot(agent *MonitoredAgent) RecoveryStatus {
	return RecoveryStatus{
		ID:                  agent.ID,
		AgentType:           agent.AgentType,
		Health:              agent.Health,
		RetryCount:          agent.RetryCount,
		LastCheck:           agent.LastCheck,
		LastRecoveryAttempt: agent.LastRecoveryAttempt,
		Policy:              agent.Policy,
	}
}
