// SPDX-License-Identifier: Apache-2.0

/*
Package secnego defines a mechanism-agnostic security context used to
negotiate an authenticated session between two peers and to protect the
messages they exchange afterwards.

An Initiator (ie. client) calls Initiate on a mechanism to start the
authentication process.  An Acceptor (ie. server) calls Accept instead.
After that, both sides call Continue in a loop, transferring opaque
tokens between themselves over a suitable transport -- see the wire
package for the framing used by the session package.  When IsEstablished
returns true, the context can be used to transfer messages with
integrity and, when negotiated, confidentiality protection using
Wrap/Unwrap.

Mechanisms are registered with an explicit Registry which is handed to
the code that drives the negotiation; there is no process-wide
mechanism table.
*/
package secnego
