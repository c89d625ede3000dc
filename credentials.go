// SPDX-License-Identifier: Apache-2.0

package secnego

// Credential represents local identity material used to construct a
// security context.
type Credential interface {
	// Principal returns the name of the identity the credential
	// represents.
	Principal() string

	// Release discards the credential material.  The credential must
	// not be used afterwards.
	Release() error
}

// CredentialProvider acquires identity material from an external
// store -- a ticket cache, a keytab, a key file.  Implementations wrap
// ErrCredentialUnavailable when the store cannot supply material for
// the requested identity.
type CredentialProvider interface {
	Acquire(identity string) (Credential, error)
}
