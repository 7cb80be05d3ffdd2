package agent

import (
	"context"

	"github.com/kumulus/kumulus-agent/pkg/controlplane"
	"go.uber.org/zap"
)

// ProviderLookup fetches the control plane's record of a provider
type ProviderLookup interface {
	LookupProvider(ctx context.Context, address string) (controlplane.ProviderRecord, error)
}

// AddressSource yields the signing address the provider is known by
type AddressSource interface {
	Address() (string, error)
}

// StateMachine polls the control plane and moves the provider between
// unregistered, registered and validated. Poll failures leave the state as
// it was; only a successful answer that carries an address field changes it.
type StateMachine struct {
	state   *State
	lookup  ProviderLookup
	address AddressSource
	logger  *zap.Logger
}

// NewStateMachine creates a state machine writing to state
func NewStateMachine(state *State, lookup ProviderLookup, address AddressSource, logger *zap.Logger) *StateMachine {
	return &StateMachine{
		state:   state,
		lookup:  lookup,
		address: address,
		logger:  logger,
	}
}

// CheckRegistration polls the control plane and updates the registration
// flag. It returns the flag after the poll.
func (m *StateMachine) CheckRegistration(ctx context.Context) bool {
	record, ok := m.poll(ctx, "registration")
	if ok {
		m.state.SetRegistered(record.Registered())
	}

	registered := m.state.Snapshot().IsRegistered
	m.logger.Info("Provider registration status", zap.Bool("registered", registered))
	return registered
}

// CheckValidation polls the control plane and updates the validation flag.
// A record that says "validated": false keeps the provider unvalidated even
// when it carries an address.
func (m *StateMachine) CheckValidation(ctx context.Context) bool {
	record, ok := m.poll(ctx, "validation")
	if ok {
		validated := record.Registered()
		if record.Validated != nil {
			validated = validated && *record.Validated
		}
		m.state.SetValidated(validated)
	}

	validated := m.state.Snapshot().IsValidated
	m.logger.Info("Provider validation status", zap.Bool("validated", validated))
	return validated
}

func (m *StateMachine) poll(ctx context.Context, check string) (controlplane.ProviderRecord, bool) {
	address, err := m.address.Address()
	if err != nil {
		m.logger.Error("Cannot check provider "+check+" without an identity", zap.Error(err))
		return controlplane.ProviderRecord{}, false
	}

	record, err := m.lookup.LookupProvider(ctx, address)
	if err != nil {
		m.logger.Error("Provider "+check+" check failed",
			zap.String("address", address),
			zap.Error(err),
		)
		return controlplane.ProviderRecord{}, false
	}
	if !record.HasAddress {
		m.logger.Debug("Control plane has no record for provider", zap.String("address", address))
		return record, false
	}
	return record, true
}
