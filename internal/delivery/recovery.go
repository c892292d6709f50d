package delivery

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// RecoveryState is the observable phase of the RecoverySupervisor.
type RecoveryState int

const (
	RecoveryStable RecoveryState = iota
	RecoveryDegrading
	RecoveryRestarting
)

func (s RecoveryState) String() string {
	switch s {
	case RecoveryDegrading:
		return "degrading"
	case RecoveryRestarting:
		return "restarting"
	default:
		return "stable"
	}
}

// Restarter tears the browser session down and launches a fresh one.
type Restarter interface {
	Restart(ctx context.Context) error
}

// RecoverySupervisor counts consecutive context-loss failures and restarts the
// session when the count reaches the threshold.
type RecoverySupervisor struct {
	restarter Restarter
	threshold int
	logger    *zap.Logger

	mu       sync.Mutex
	count    int
	state    RecoveryState
	restarts int
}

// NewRecoverySupervisor returns a supervisor that restarts after threshold consecutive failures.
func NewRecoverySupervisor(restarter Restarter, threshold int, logger *zap.Logger) *RecoverySupervisor {
	if threshold < 1 {
		threshold = 1
	}
	return &RecoverySupervisor{
		restarter: restarter,
		threshold: threshold,
		logger:    logger.Named("recovery"),
	}
}

// ReportFailure records one context-loss failure. It returns true when the failure
// triggered a restart, whether or not the restart itself succeeded.
func (s *RecoverySupervisor) ReportFailure(ctx context.Context) bool {
	s.mu.Lock()
	s.count++
	if s.count < s.threshold {
		s.state = RecoveryDegrading
		count := s.count
		s.mu.Unlock()
		s.logger.Warn("Page context lost.", zap.Int("consecutive", count), zap.Int("threshold", s.threshold))
		return false
	}
	s.state = RecoveryRestarting
	s.mu.Unlock()

	s.logger.Warn("Context-loss threshold reached; restarting session.", zap.Int("threshold", s.threshold))
	// The lock is released here: a successful restart calls back into Reset.
	err := s.restarter.Restart(ctx)

	s.mu.Lock()
	s.count = 0
	s.state = RecoveryStable
	s.restarts++
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("Session restart failed; the next operation will reacquire.", zap.Error(err))
	}
	return true
}

// ReportSuccess ends a failure streak.
func (s *RecoverySupervisor) ReportSuccess() {
	s.Reset()
}

// Reset clears the failure count. It is wired to session acquisition.
func (s *RecoverySupervisor) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count = 0
	if s.state != RecoveryRestarting {
		s.state = RecoveryStable
	}
}

// Count returns the current consecutive failure count.
func (s *RecoverySupervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// State returns the current phase.
func (s *RecoverySupervisor) State() RecoveryState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Restarts returns how many restarts the supervisor has triggered.
func (s *RecoverySupervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}
