package app

import (
	"fmt"
	"strings"

	"github.com/commitpool/settlement-service/internal/domain"
)

// Capability is the role an operation requires of its caller.
type Capability string

const (
	// CapabilityAuthority is held by the pool's creator. No operation requires it alone; it is one
	// of the identities CapabilitySettler accepts.
	CapabilityAuthority       Capability = "authority"
	CapabilityVerifier        Capability = "verifier"
	CapabilityParticipantSelf Capability = "participant-self"
	// CapabilitySettler is held by the pool's verifier, its authority and the system settler.
	CapabilitySettler Capability = "settler"
)

// authorize compares the caller identity with the identity the capability names on pool.
// wallet is only consulted for CapabilityParticipantSelf.
func (s *Service) authorize(caller string, capability Capability, pool *domain.Pool, wallet string) error {
	caller = strings.TrimSpace(caller)
	if caller == "" {
		return fmt.Errorf("%w: missing caller identity", domain.ErrUnauthorized)
	}
	if !s.holds(caller, capability, pool, wallet) {
		return fmt.Errorf("%w: %s capability required", domain.ErrUnauthorized, capability)
	}
	return nil
}

func (s *Service) holds(caller string, capability Capability, pool *domain.Pool, wallet string) bool {
	switch capability {
	case CapabilityAuthority:
		return caller == pool.AuthorityID
	case CapabilityVerifier:
		return caller == pool.VerifierID
	case CapabilityParticipantSelf:
		return caller == wallet
	case CapabilitySettler:
		return s.holds(caller, CapabilityVerifier, pool, wallet) ||
			s.holds(caller, CapabilityAuthority, pool, wallet) ||
			(s.settlerID != "" && caller == s.settlerID)
	}
	return false
}
