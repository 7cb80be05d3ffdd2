package identity

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Signer derives the agent identity on first use and reuses it for the
// lifetime of the process. A failed derivation is not cached.
type Signer struct {
	seedPhrase string
	logger     *zap.Logger

	mu       sync.Mutex
	identity *Identity
}

// NewSigner creates a signer for the given seed phrase. Nothing is derived
// until the identity is first needed.
func NewSigner(seedPhrase string, logger *zap.Logger) *Signer {
	return &Signer{
		seedPhrase: seedPhrase,
		logger:     logger,
	}
}

// NewSignerFromIdentity wraps an already derived identity
func NewSignerFromIdentity(id *Identity, logger *zap.Logger) *Signer {
	return &Signer{
		identity: id,
		logger:   logger,
	}
}

// Identity returns the derived identity, deriving it if needed
func (s *Signer) Identity() (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.identity != nil {
		return s.identity, nil
	}

	id, err := Derive(s.seedPhrase)
	if err != nil {
		s.logger.Error("Failed to derive signing identity", zap.Error(err))
		return nil, err
	}

	s.identity = id
	s.logger.Info("Signing identity derived", zap.String("address", id.Address()))
	return id, nil
}

// Address returns the public address of the identity
func (s *Signer) Address() (string, error) {
	id, err := s.Identity()
	if err != nil {
		return "", err
	}
	return id.Address(), nil
}

// Sign signs message with the agent identity
func (s *Signer) Sign(message []byte) (Signature, error) {
	id, err := s.Identity()
	if err != nil {
		return Signature{}, fmt.Errorf("cannot sign message: %w", err)
	}
	return id.Sign(message), nil
}
