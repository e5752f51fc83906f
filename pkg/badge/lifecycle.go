package badge

import (
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle state of an assertion.
//
//	Hosted -> Revoked                    (terminal)
//	Hosted -> PendingSignature -> Signed (terminal)
type State string

// Assertion lifecycle states.
const (
	StateHosted           State = "hosted"
	StateRevoked          State = "revoked"
	StatePendingSignature State = "pending_signature"
	StateSigned           State = "signed"
)

// Lifecycle is the persisted lifecycle of an assertion.
type Lifecycle struct {
	State            State
	RevocationReason string
	RevokedAt        time.Time
	Signature        string
	PublicKey        *PublicKeyIssuer
}

// Lifecycle returns a copy of the assertion lifecycle for persistence.
func (a *Assertion) Lifecycle() Lifecycle {
	return a.lifecycle
}

// Restore loads a persisted lifecycle. It rejects inconsistent records.
func (a *Assertion) Restore(l Lifecycle) error {
	if l.State == "" {
		l.State = StateHosted
	}
	switch l.State {
	case StateHosted:
	case StateRevoked:
		if l.RevocationReason == "" {
			return ErrReasonRequired
		}
	case StatePendingSignature:
		if l.PublicKey == nil {
			return NewError(ErrCodeInvalid, "pending signature without a public key")
		}
	case StateSigned:
		if l.PublicKey == nil || l.Signature == "" {
			return NewError(ErrCodeInvalid, "signed assertion without key or signature")
		}
	default:
		return NewError(ErrCodeInvalid, fmt.Sprintf("unknown lifecycle state %q", l.State))
	}
	a.lifecycle = l
	return nil
}

// State returns the current lifecycle state.
func (a *Assertion) State() State {
	if a.lifecycle.State == "" {
		return StateHosted
	}
	return a.lifecycle.State
}

// Revoked reports whether the assertion has been revoked. Once true it never becomes false.
func (a *Assertion) Revoked() bool {
	return a.lifecycle.State == StateRevoked
}

// RevocationReason returns the reason recorded with the revocation.
func (a *Assertion) RevocationReason() string {
	return a.lifecycle.RevocationReason
}

// Signature returns the signature blob of a signed assertion.
func (a *Assertion) Signature() string {
	return a.lifecycle.Signature
}

// PublicKey returns the signing key reference once the assertion entered the signing branch.
func (a *Assertion) PublicKey() *PublicKeyIssuer {
	return a.lifecycle.PublicKey
}

// Revoke sets revoked and the reason together.
func (a *Assertion) Revoke(reason string, at time.Time) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ErrReasonRequired
	}
	switch a.State() {
	case StateRevoked:
		return ErrAlreadyRevoked
	case StateHosted:
	default:
		return WrapError(ErrCodeInvalidTransition, fmt.Sprintf("cannot revoke a %s assertion", a.State()), nil)
	}
	a.lifecycle.State = StateRevoked
	a.lifecycle.RevocationReason = reason
	a.lifecycle.RevokedAt = at.UTC()
	return nil
}

// RequestSignature moves a hosted assertion into the signing branch.
func (a *Assertion) RequestSignature(key *PublicKeyIssuer) error {
	if key == nil {
		return NewError(ErrCodeInvalid, "a public key is required to sign")
	}
	switch a.State() {
	case StateHosted, StatePendingSignature:
	default:
		return WrapError(ErrCodeInvalidTransition, fmt.Sprintf("cannot sign a %s assertion", a.State()), nil)
	}
	a.lifecycle.State = StatePendingSignature
	a.lifecycle.PublicKey = key
	return nil
}

// CompleteSignature stores the signature produced by the signing collaborator.
func (a *Assertion) CompleteSignature(signature string) error {
	if a.State() != StatePendingSignature {
		return WrapError(ErrCodeInvalidTransition, fmt.Sprintf("no signature pending for a %s assertion", a.State()), nil)
	}
	if strings.TrimSpace(signature) == "" {
		return NewError(ErrCodeInvalid, "empty signature")
	}
	a.lifecycle.State = StateSigned
	a.lifecycle.Signature = signature
	return nil
}
