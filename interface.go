// SPDX-License-Identifier: Apache-2.0

package secnego

// Mech defines the capability set that a security mechanism must
// implement to drive a context from creation to establishment and to
// protect messages once established.
type Mech interface {
	// Initiate is used by an initiator to begin negotiation with a
	// remote acceptor.  service is the mechanism specific name of the
	// acceptor and flags are the desired security properties of the
	// context.  If the returned token is non-empty it must be sent to
	// the peer.  A ContinueNeeded error indicates that the mechanism
	// expects a response token from the peer.
	Initiate(service string, flags ContextFlag) (tokenOut []byte, err error)

	// Accept is used by an acceptor to prepare for negotiation with a
	// remote initiator.  If provided, service is the mechanism specific
	// identifier of the local acceptor.  The first peer token is
	// delivered via Continue.
	Accept(service string) error

	// Continue is called in a loop by both peers after Initiate or
	// Accept, feeding in the token received from the peer.  If tokenOut
	// is non-empty it must be sent to the peer *before* the caller
	// checks IsEstablished: a token and completion may coincide in the
	// same round.  A ContinueNeeded error indicates that more rounds
	// are required.
	Continue(tokenIn []byte) (tokenOut []byte, err error)

	// IsEstablished reports whether the security context is complete
	// and ready to transfer messages between the peers.
	IsEstablished() bool

	// ContextFlags returns the security properties negotiated between
	// the initiator and acceptor.  The flags SHOULD be checked before
	// using the context, to verify that the desired security
	// requirements were met.  The result is only meaningful once the
	// context is established.
	ContextFlags() ContextFlag

	// PeerName returns the authenticated identity of the peer.  It
	// returns ErrContextNotEstablished if called before the context is
	// established.
	PeerName() (string, error)

	// Wrap encapsulates a payload in a protected message token.
	// Integrity protection is always applied.  The payload is also
	// encrypted (sealed) when confidentiality is requested and was
	// negotiated for the context; the mechanism never seals silently
	// when it cannot, so callers that require confidentiality must
	// check ContextFlags for ContextFlagConf.
	Wrap(payload []byte, confidentiality bool) (tokenOut []byte, err error)

	// Unwrap verifies and decodes a protected message token received
	// from the peer, returning the original payload and whether it was
	// sealed.  A failed integrity check is reported via ErrIntegrity
	// and must be treated as fatal to the session.
	Unwrap(tokenIn []byte) (payload []byte, sealed bool, err error)

	// Dispose releases any key material held by the context.  The
	// context must not be used afterwards.  Dispose is idempotent.
	Dispose() error
}

// MechFactory creates a fresh, unestablished mechanism context.  A
// failed negotiation must never be resumed: retrying requires a new
// context from the factory.
type MechFactory func() Mech
