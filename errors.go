// SPDX-License-Identifier: Apache-2.0

package secnego

import "errors"

// ContinueNeeded is returned by Initiate and Continue when the
// negotiation routine must be called again with a response token from
// the peer to complete its function.
var ContinueNeeded = errors.New("secnego: the routine must be called again to complete its function")

// Error kinds surfaced by mechanisms and the session driver.  Every one
// of these is fatal to the session that observes it: the context is
// disposed and the stream closed.  Retry, if desired, belongs to a
// higher layer constructing an entirely new session and context.
var (
	// ErrAuthentication indicates that the mechanism rejected a peer
	// token (malformed credentials, replay, expiry, bad checksum).  A
	// failed negotiation is never resumed on the same context.
	ErrAuthentication = errors.New("secnego: authentication failed")

	// ErrDefectiveToken indicates a token that could not be decoded.
	ErrDefectiveToken = errors.New("secnego: defective token")

	// ErrIntegrity indicates that a protected message failed its
	// integrity check, signalling corruption or tampering.
	ErrIntegrity = errors.New("secnego: message integrity check failed")

	// ErrContextNotEstablished indicates an ordering error by the
	// caller: peer identity and message protection are only available
	// once the context is established.
	ErrContextNotEstablished = errors.New("secnego: the security context is not established")

	// ErrContextEstablished indicates a negotiation call on a context
	// that has already completed.
	ErrContextEstablished = errors.New("secnego: the security context is already established")

	// ErrNegotiationRounds indicates that the token exchange did not
	// converge within the configured round limit.
	ErrNegotiationRounds = errors.New("secnego: negotiation exceeded the round limit")

	// ErrMutualAuth indicates that mutual authentication was requested
	// but not achieved.  Whether this is fatal is session policy.
	ErrMutualAuth = errors.New("secnego: mutual authentication was not achieved")

	// ErrCredentialUnavailable indicates that the local identity
	// material needed to construct a context could not be acquired.
	ErrCredentialUnavailable = errors.New("secnego: credentials unavailable")
)
