package krb5

import (
	"fmt"
	"time"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/asn1tools"
	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/iana"
	"github.com/jcmturner/gokrb5/v8/iana/asnAppTag"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/iana/msgtype"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/types"
)

// aPRep implements RFC 4120 KRB_AP_REP (§ 5.5.2).  gokrb5 ships an
// unmarshal-only APRep; mutual authentication needs both directions,
// so the type is defined here with marshalling support.
type aPRep struct {
	PVNO    int                 `asn1:"explicit,tag:0"`
	MsgType int                 `asn1:"explicit,tag:1"`
	EncPart types.EncryptedData `asn1:"explicit,tag:2"`
}

// encAPRepPart is the encrypted part of KRB_AP_REP.
type encAPRepPart struct {
	CTime          time.Time           `asn1:"generalized,explicit,tag:0"`
	Cusec          int                 `asn1:"explicit,tag:1"`
	Subkey         types.EncryptionKey `asn1:"optional,explicit,tag:2"`
	SequenceNumber int64               `asn1:"optional,explicit,tag:3"`
}

func (a *aPRep) unmarshal(b []byte) error {
	_, err := asn1.UnmarshalWithParams(b, a, fmt.Sprintf("application,explicit,tag:%v", asnAppTag.APREP))
	if err != nil {
		// the peer may have answered with a KRB-ERROR instead
		var krberr messages.KRBError
		if krberr.Unmarshal(b) == nil {
			return krberr
		}

		return fmt.Errorf("krb5: unmarshalling AP-REP: %w", err)
	}

	if a.MsgType != msgtype.KRB_AP_REP {
		return fmt.Errorf("krb5: message type %d is not an AP-REP", a.MsgType)
	}

	return nil
}

func (a *aPRep) marshal() ([]byte, error) {
	b, err := asn1.Marshal(*a)
	if err != nil {
		return nil, err
	}

	return asn1tools.AddASNAppTag(b, asnAppTag.APREP), nil
}

func (a *aPRep) decryptEncPart(sessionKey types.EncryptionKey) (encAPRepPart, error) {
	var part encAPRepPart

	plaintext, err := crypto.DecryptEncPart(a.EncPart, sessionKey, keyusage.AP_REP_ENCPART)
	if err != nil {
		return part, fmt.Errorf("krb5: decrypting AP-REP enc-part: %w", err)
	}

	if err := part.unmarshal(plaintext); err != nil {
		return part, err
	}

	return part, nil
}

func (a *encAPRepPart) unmarshal(b []byte) error {
	_, err := asn1.UnmarshalWithParams(b, a, fmt.Sprintf("application,explicit,tag:%v", asnAppTag.EncAPRepPart))
	if err != nil {
		return fmt.Errorf("krb5: unmarshalling AP-REP enc-part: %w", err)
	}

	return nil
}

func (a *encAPRepPart) marshal() ([]byte, error) {
	b, err := asn1.Marshal(*a)
	if err != nil {
		return nil, err
	}

	return asn1tools.AddASNAppTag(b, asnAppTag.EncAPRepPart), nil
}

// newAPRep builds and encrypts the acceptor's reply under the ticket
// session key.
func newAPRep(tkt messages.Ticket, sessionKey types.EncryptionKey, encPart encAPRepPart) (aPRep, error) {
	m, err := encPart.marshal()
	if err != nil {
		return aPRep{}, err
	}

	ed, err := crypto.GetEncryptedData(m, sessionKey, keyusage.AP_REP_ENCPART, tkt.EncPart.KVNO)
	if err != nil {
		return aPRep{}, fmt.Errorf("krb5: encrypting AP-REP enc-part: %w", err)
	}

	return aPRep{
		PVNO:    iana.PVNO,
		MsgType: msgtype.KRB_AP_REP,
		EncPart: ed,
	}, nil
}
