package agent

import (
	"sync"
	"time"

	"github.com/kumulus/kumulus-agent/pkg/observability"
)

// Phase is the provider's standing with the control plane
type Phase string

const (
	PhaseUnregistered          Phase = "unregistered"
	PhaseRegisteredUnvalidated Phase = "registered_unvalidated"
	PhaseRegisteredValidated   Phase = "registered_validated"
)

var phases = []Phase{PhaseUnregistered, PhaseRegisteredUnvalidated, PhaseRegisteredValidated}

// Snapshot is a point-in-time copy of the agent state
type Snapshot struct {
	IsRegistered bool      `json:"is_registered" yaml:"is_registered"`
	IsValidated  bool      `json:"is_validated" yaml:"is_validated"`
	IPAddress    string    `json:"ip_address" yaml:"ip_address"`
	LastReportAt time.Time `json:"last_report_at" yaml:"last_report_at"`
}

// Phase derives the phase from the two flags. Validation implies
// registration even if the last registration poll did not say so.
func (s Snapshot) Phase() Phase {
	switch {
	case s.IsValidated:
		return PhaseRegisteredValidated
	case s.IsRegistered:
		return PhaseRegisteredUnvalidated
	default:
		return PhaseUnregistered
	}
}

// State holds what the agent last learned from the control plane
type State struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewState returns the initial, unregistered state
func NewState() *State {
	s := &State{}
	s.publish()
	return s
}

// Snapshot returns a copy of the current state
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// SetRegistered records the result of a registration poll
func (s *State) SetRegistered(registered bool) {
	s.mu.Lock()
	s.snap.IsRegistered = registered
	s.mu.Unlock()
	s.publish()
}

// SetValidated records the result of a validation poll
func (s *State) SetValidated(validated bool) {
	s.mu.Lock()
	s.snap.IsValidated = validated
	s.mu.Unlock()
	s.publish()
}

// SetIPAddress records the last announced public address
func (s *State) SetIPAddress(ip string) {
	s.mu.Lock()
	s.snap.IPAddress = ip
	s.mu.Unlock()
}

// MarkReported records the time of the last accepted health report
func (s *State) MarkReported(at time.Time) {
	s.mu.Lock()
	s.snap.LastReportAt = at
	s.mu.Unlock()
}

func (s *State) publish() {
	current := s.Snapshot().Phase()
	for _, p := range phases {
		value := 0.0
		if p == current {
			value = 1
		}
		observability.ProviderPhase.WithLabelValues(string(p)).Set(value)
	}
}
