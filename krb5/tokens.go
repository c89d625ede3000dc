package krb5

import (
	"encoding/binary"
	"fmt"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/asn1tools"
	"github.com/jcmturner/gokrb5/v8/iana/chksumtype"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/types"

	secnego "github.com/golang-auth/go-secnego"
)

// Context establishment token IDs, RFC 4121 § 4.1.
const (
	tokIDAPReq  uint16 = 0x0100
	tokIDAPRep  uint16 = 0x0200
	tokIDKRBErr uint16 = 0x0300
)

// contextToken is the InitialContextToken framing of RFC 2743 § 3.1
// carrying one of the three Kerberos context establishment messages.
type contextToken struct {
	oid    asn1.ObjectIdentifier
	tokID  uint16
	apReq  *messages.APReq
	apRep  *aPRep
	krbErr *messages.KRBError
}

func (ct *contextToken) marshal() ([]byte, error) {
	b, err := asn1.Marshal(ct.oid)
	if err != nil {
		return nil, fmt.Errorf("krb5: marshalling context token OID: %w", err)
	}

	b = binary.BigEndian.AppendUint16(b, ct.tokID)

	var inner []byte
	switch ct.tokID {
	case tokIDAPReq:
		inner, err = ct.apReq.Marshal()
	case tokIDAPRep:
		inner, err = ct.apRep.marshal()
	case tokIDKRBErr:
		inner, err = ct.krbErr.Marshal()
	default:
		return nil, fmt.Errorf("krb5: unknown context token ID %#04x", ct.tokID)
	}
	if err != nil {
		return nil, fmt.Errorf("krb5: marshalling context token body: %w", err)
	}

	b = append(b, inner...)
	return asn1tools.AddASNAppTag(b, 0), nil
}

func (ct *contextToken) unmarshal(b []byte) error {
	ct.apReq, ct.apRep, ct.krbErr = nil, nil, nil

	var oid asn1.ObjectIdentifier
	rest, err := asn1.UnmarshalWithParams(b, &oid, "application,explicit,tag:0")
	if err != nil {
		return fmt.Errorf("krb5: %w: bad context token framing: %v", secnego.ErrDefectiveToken, err)
	}
	if !oid.Equal(OID()) {
		return fmt.Errorf("krb5: %w: context token OID is %s, not %s", secnego.ErrDefectiveToken, oid, OID())
	}
	ct.oid = oid

	if len(rest) < 2 {
		return fmt.Errorf("krb5: %w: context token too short", secnego.ErrDefectiveToken)
	}
	ct.tokID = binary.BigEndian.Uint16(rest[:2])
	body := rest[2:]

	switch ct.tokID {
	case tokIDAPReq:
		var m messages.APReq
		if err := m.Unmarshal(body); err != nil {
			return fmt.Errorf("krb5: %w: bad AP-REQ: %v", secnego.ErrDefectiveToken, err)
		}
		ct.apReq = &m
	case tokIDAPRep:
		var m aPRep
		if err := m.unmarshal(body); err != nil {
			return fmt.Errorf("krb5: %w: bad AP-REP: %v", secnego.ErrDefectiveToken, err)
		}
		ct.apRep = &m
	case tokIDKRBErr:
		var m messages.KRBError
		if err := m.Unmarshal(body); err != nil {
			return fmt.Errorf("krb5: %w: bad KRB-ERROR: %v", secnego.ErrDefectiveToken, err)
		}
		ct.krbErr = &m
	default:
		return fmt.Errorf("krb5: %w: unknown context token ID %#04x", secnego.ErrDefectiveToken, ct.tokID)
	}

	return nil
}

// newAuthenticatorChecksum builds the GSSAPI "checksum" carried in the
// AP-REQ authenticator.  It is not a checksum at all: it transports
// the requested context flags (and channel binding info, which we
// leave zero).  RFC 4121 § 4.1.1.
func newAuthenticatorChecksum(flags secnego.ContextFlag) []byte {
	a := make([]byte, 24)

	// 4-byte length of the channel binding hash, always 16
	binary.LittleEndian.PutUint32(a[:4], 16)

	// octets 4..19: channel binding hash, zero when unbound

	binary.LittleEndian.PutUint32(a[20:24], uint32(flags))

	return a
}

// flagsFromChecksum recovers the requested context flags from an
// authenticator checksum, or zero if the checksum is not the GSSAPI
// form.
func flagsFromChecksum(cksum types.Checksum) secnego.ContextFlag {
	if cksum.CksumType != chksumtype.GSSAPI || len(cksum.Checksum) < 24 {
		return 0
	}

	return secnego.ContextFlag(binary.LittleEndian.Uint32(cksum.Checksum[20:24]))
}
