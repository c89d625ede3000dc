// SPDX-License-Identifier: Apache-2.0

package secnego

import "strings"

// ContextFlag represents the security properties requested for, or
// negotiated by, a security context.  The assigned numbers follow the
// GSS-API context flag values so mechanisms that put them on the wire
// can use them directly.
type ContextFlag uint32

const (
	ContextFlagDeleg    ContextFlag = 1 << iota // delegate credentials, not currently supported
	ContextFlagMutual                           // request that the remote peer authenticates itself
	ContextFlagReplay                           // enable replay detection for protected messages
	ContextFlagSequence                         // enable detection of out of sequence protected messages
	ContextFlagConf                             // confidentiality available
	ContextFlagInteg                            // integrity available
)

// FlagList splits a flag set into its individual flags.
func FlagList(f ContextFlag) (fl []ContextFlag) {
	t := ContextFlag(1)
	for i := 0; i < 32; i++ {
		if f&t != 0 {
			fl = append(fl, t)
		}

		t <<= 1
	}

	return
}

func FlagName(f ContextFlag) string {
	switch f {
	case ContextFlagDeleg:
		return "Delegation"
	case ContextFlagMutual:
		return "Mutual authentication"
	case ContextFlagReplay:
		return "Message replay detection"
	case ContextFlagSequence:
		return "Out of sequence message detection"
	case ContextFlagConf:
		return "Confidentiality"
	case ContextFlagInteg:
		return "Integrity"
	}

	return "Unknown"
}

func (f ContextFlag) String() string {
	names := make([]string, 0, 5)
	for _, fl := range FlagList(f) {
		names = append(names, FlagName(fl))
	}

	return strings.Join(names, ", ")
}
