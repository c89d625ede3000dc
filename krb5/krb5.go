/*
Package krb5 implements the Kerberos v5 security mechanism (RFC 4121)
in pure Go on top of jcmturner/gokrb5.

The initiator obtains a service ticket from its credential cache and
presents it in an AP-REQ context token; when mutual authentication is
requested the acceptor proves possession of the service key with an
AP-REP carrying a fresh subkey.  Established contexts protect messages
with RFC 4121 wrap tokens using the Kerberos session (or acceptor
sub-) key.
*/
package krb5

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/iana/chksumtype"
	ianaflags "github.com/jcmturner/gokrb5/v8/iana/flags"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/service"
	"github.com/jcmturner/gokrb5/v8/types"

	secnego "github.com/golang-auth/go-secnego"
)

// MechName is the name the mechanism registers under.
const MechName = "kerberos_v5"

// OID returns the Kerberos v5 GSS-API mechanism identifier (RFC 1964).
func OID() asn1.ObjectIdentifier {
	return asn1.ObjectIdentifier{1, 2, 840, 113554, 1, 2, 2}
}

const supportedFlags = secnego.ContextFlagMutual | secnego.ContextFlagConf |
	secnego.ContextFlagInteg | secnego.ContextFlagReplay | secnego.ContextFlagSequence

// Config locates the Kerberos environment for both roles.  Zero
// values fall back to the usual environment variables and system
// paths (see CCacheCredentials and the KRB5_KTNAME convention).
type Config struct {
	ConfPath   string // krb5.conf
	CCachePath string // initiator credential cache
	KeytabPath string // acceptor keytab

	// AcceptorPrincipal selects a principal from the keytab; any host
	// service principal when empty.
	AcceptorPrincipal string
}

// Factory returns a mechanism factory for cfg.
func Factory(cfg Config) secnego.MechFactory {
	return func() secnego.Mech {
		return &Mech{cfg: cfg}
	}
}

// Register makes the mechanism available from r under MechName.
func Register(r *secnego.Registry, cfg Config) {
	r.Register(MechName, Factory(cfg))
}

// Mech is a Kerberos v5 security context.
type Mech struct {
	cfg       Config
	initiator bool

	established      bool
	waitingForMutual bool // initiator: AP-REP expected
	waitingForAPReq  bool // acceptor: AP-REQ expected

	service string
	peer    string
	flags   secnego.ContextFlag

	cred     *Credential
	settings *service.Settings

	ticket         *messages.Ticket
	sessionKey     *types.EncryptionKey
	acceptorSubKey *types.EncryptionKey

	clientCTime time.Time
	clientCusec int

	seqOut    uint64
	seqIn     uint64
	haveSeqIn bool
}

func (m *Mech) Initiate(serviceName string, requestFlags secnego.ContextFlag) ([]byte, error) {
	if m.established || m.waitingForMutual || m.waitingForAPReq {
		return nil, secnego.ErrContextEstablished
	}

	m.initiator = true
	m.service = serviceName
	m.flags = requestFlags & supportedFlags

	provider := &CCacheCredentials{ConfPath: m.cfg.ConfPath, CCachePath: m.cfg.CCachePath}
	cred, err := provider.Acquire("")
	if err != nil {
		return nil, err
	}
	m.cred = cred.(*Credential)

	tkt, key, err := m.cred.client.GetServiceTicket(serviceName)
	if err != nil {
		_ = m.cred.Release()
		m.cred = nil
		return nil, fmt.Errorf("krb5: %w: getting service ticket for %q: %v",
			secnego.ErrCredentialUnavailable, serviceName, err)
	}
	m.ticket, m.sessionKey = &tkt, &key

	apreq, err := m.newAPReq()
	if err != nil {
		return nil, err
	}

	ct := contextToken{oid: OID(), tokID: tokIDAPReq, apReq: &apreq}
	tokenOut, err := ct.marshal()
	if err != nil {
		return nil, err
	}

	if m.flags&secnego.ContextFlagMutual == 0 {
		// one-way authentication completes in a single token
		m.peer = serviceName
		m.established = true
		return tokenOut, nil
	}

	m.waitingForMutual = true
	return tokenOut, secnego.ContinueNeeded
}

func (m *Mech) Accept(serviceName string) error {
	if m.established || m.waitingForMutual || m.waitingForAPReq {
		return secnego.ErrContextEstablished
	}

	kt, err := loadKeytab(m.cfg.KeytabPath)
	if err != nil {
		return err
	}

	var opts []func(*service.Settings)
	if m.cfg.AcceptorPrincipal != "" {
		opts = append(opts, service.KeytabPrincipal(m.cfg.AcceptorPrincipal))
	}

	m.initiator = false
	m.service = serviceName
	m.settings = service.NewSettings(kt, opts...)
	m.waitingForAPReq = true

	return nil
}

func (m *Mech) Continue(tokenIn []byte) ([]byte, error) {
	switch {
	case m.waitingForAPReq:
		return m.acceptAPReq(tokenIn)
	case m.waitingForMutual:
		return nil, m.finishMutual(tokenIn)
	case m.established:
		return nil, secnego.ErrContextEstablished
	}

	return nil, errors.New("krb5: context is not ready, call Initiate or Accept first")
}

// newAPReq builds the AP-REQ with the GSSAPI authenticator checksum
// carrying the requested context flags.
func (m *Mech) newAPReq() (messages.APReq, error) {
	auth, err := types.NewAuthenticator(m.cred.client.Credentials.Domain(), m.cred.client.Credentials.CName())
	if err != nil {
		return messages.APReq{}, fmt.Errorf("krb5: generating authenticator: %w", err)
	}

	auth.Cksum = types.Checksum{
		CksumType: chksumtype.GSSAPI,
		Checksum:  newAuthenticatorChecksum(m.flags),
	}

	apreq, err := messages.NewAPReq(*m.ticket, *m.sessionKey, auth)
	if err != nil {
		return messages.APReq{}, fmt.Errorf("krb5: building AP-REQ: %w", err)
	}

	if m.flags&secnego.ContextFlagMutual != 0 {
		types.SetFlag(&apreq.APOptions, ianaflags.APOptionMutualRequired)
	}

	// the authenticator carries our sequence number and the times the
	// AP-REP must echo back
	m.seqOut = uint64(auth.SeqNumber)
	m.clientCTime = auth.CTime
	m.clientCusec = auth.Cusec

	return apreq, nil
}

// finishMutual verifies the acceptor's AP-REP against the times sent
// in our authenticator.
func (m *Mech) finishMutual(tokenIn []byte) error {
	var ct contextToken
	if err := ct.unmarshal(tokenIn); err != nil {
		return err
	}

	if ct.krbErr != nil {
		return fmt.Errorf("krb5: %w: peer reported: %v", secnego.ErrAuthentication, ct.krbErr)
	}
	if ct.apRep == nil {
		return fmt.Errorf("krb5: %w: expected an AP-REP", secnego.ErrDefectiveToken)
	}

	part, err := ct.apRep.decryptEncPart(*m.sessionKey)
	if err != nil {
		return fmt.Errorf("krb5: %w: %v", secnego.ErrAuthentication, err)
	}

	// Unix comparison: our copy of CTime carries a monotonic clock
	// reading which breaks time.Equal
	if part.CTime.Unix() != m.clientCTime.Unix() || part.Cusec != m.clientCusec {
		return fmt.Errorf("krb5: %w: AP-REP timestamp mismatch", secnego.ErrAuthentication)
	}

	m.seqIn = uint64(part.SequenceNumber)
	m.haveSeqIn = true
	if part.Subkey.KeyType != 0 {
		m.acceptorSubKey = &part.Subkey
	}

	m.peer = m.service
	m.waitingForMutual = false
	m.established = true

	return nil
}

// acceptAPReq verifies the initiator's AP-REQ against the keytab and,
// when mutual authentication was requested, produces the AP-REP.  The
// reply token and establishment coincide in this round.
func (m *Mech) acceptAPReq(tokenIn []byte) ([]byte, error) {
	var ct contextToken
	if err := ct.unmarshal(tokenIn); err != nil {
		return nil, err
	}

	if ct.krbErr != nil {
		return nil, fmt.Errorf("krb5: %w: peer reported: %v", secnego.ErrAuthentication, ct.krbErr)
	}
	if ct.apReq == nil {
		return nil, fmt.Errorf("krb5: %w: expected an AP-REQ", secnego.ErrDefectiveToken)
	}

	ok, creds, err := service.VerifyAPREQ(ct.apReq, m.settings)
	if err != nil || !ok {
		return nil, fmt.Errorf("krb5: %w: verifying AP-REQ: %v", secnego.ErrAuthentication, err)
	}

	auth := ct.apReq.Authenticator
	key := ct.apReq.Ticket.DecryptedEncPart.Key
	m.sessionKey = &key
	m.seqIn = uint64(auth.SeqNumber)
	m.haveSeqIn = true
	m.peer = creds.CName().PrincipalNameString() + "@" + creds.Realm()
	m.flags = flagsFromChecksum(auth.Cksum) & supportedFlags

	mutual := m.flags&secnego.ContextFlagMutual != 0 ||
		types.IsFlagSet(&ct.apReq.APOptions, ianaflags.APOptionMutualRequired)

	var tokenOut []byte
	if mutual {
		subkey, err := newSubkey(key.KeyType)
		if err != nil {
			return nil, err
		}

		seq, err := newSequenceNumber()
		if err != nil {
			return nil, err
		}

		rep, err := newAPRep(ct.apReq.Ticket, key, encAPRepPart{
			CTime:          auth.CTime,
			Cusec:          auth.Cusec,
			Subkey:         subkey,
			SequenceNumber: int64(seq),
		})
		if err != nil {
			return nil, err
		}

		rct := contextToken{oid: OID(), tokID: tokIDAPRep, apRep: &rep}
		if tokenOut, err = rct.marshal(); err != nil {
			return nil, err
		}

		m.seqOut = seq
		m.acceptorSubKey = &subkey
		m.flags |= secnego.ContextFlagMutual
	}

	m.waitingForAPReq = false
	m.established = true

	return tokenOut, nil
}

func (m *Mech) IsEstablished() bool {
	return m.established
}

func (m *Mech) ContextFlags() (f secnego.ContextFlag) {
	if m.established {
		f = m.flags
	}

	return
}

func (m *Mech) PeerName() (string, error) {
	if !m.established {
		return "", secnego.ErrContextNotEstablished
	}

	return m.peer, nil
}

func (m *Mech) Wrap(payload []byte, confidentiality bool) ([]byte, error) {
	if !m.established {
		return nil, secnego.ErrContextNotEstablished
	}
	if confidentiality && m.flags&secnego.ContextFlagConf == 0 {
		return nil, errors.New("krb5: confidentiality was not negotiated for this context")
	}

	var flags wrapTokenFlag
	if !m.initiator {
		flags |= wrapFlagSentByAcceptor
	}
	if confidentiality {
		flags |= wrapFlagSealed
	}

	// use the acceptor subkey when one was negotiated (RFC 4121 § 2)
	key := m.sessionKey
	if m.acceptorSubKey != nil {
		key = m.acceptorSubKey
		flags |= wrapFlagAcceptorSubkey
	}

	wt := wrapToken{
		flags:   flags,
		seq:     m.seqOut,
		payload: append([]byte(nil), payload...),
	}

	var err error
	if confidentiality {
		err = wt.seal(*key)
	} else {
		err = wt.sign(*key)
	}
	if err != nil {
		return nil, err
	}

	tokenOut, err := wt.marshal()
	if err != nil {
		return nil, err
	}

	m.seqOut++
	return tokenOut, nil
}

func (m *Mech) Unwrap(tokenIn []byte) (payload []byte, sealed bool, err error) {
	if !m.established {
		return nil, false, secnego.ErrContextNotEstablished
	}

	var wt wrapToken
	if err := wt.unmarshal(tokenIn); err != nil {
		return nil, false, err
	}

	key := m.sessionKey
	if wt.flags&wrapFlagAcceptorSubkey != 0 {
		if m.acceptorSubKey == nil {
			return nil, false, fmt.Errorf("krb5: %w: no acceptor subkey was negotiated", secnego.ErrDefectiveToken)
		}

		key = m.acceptorSubKey
	}

	payload, sealed, err = wt.open(*key, m.initiator)
	if err != nil {
		return nil, false, err
	}

	// without an AP-REP the peer's initial sequence number is unknown;
	// adopt it from the first message
	if !m.haveSeqIn {
		m.seqIn = wt.seq
		m.haveSeqIn = true
	}

	if wt.seq != m.seqIn {
		return nil, false, fmt.Errorf("krb5: bad sequence number from peer, got %d, wanted %d", wt.seq, m.seqIn)
	}
	m.seqIn++

	return payload, sealed, nil
}

func (m *Mech) Dispose() error {
	if m.cred != nil {
		_ = m.cred.Release()
		m.cred = nil
	}

	if m.sessionKey != nil {
		zeroKey(m.sessionKey)
		m.sessionKey = nil
	}
	if m.acceptorSubKey != nil {
		zeroKey(m.acceptorSubKey)
		m.acceptorSubKey = nil
	}

	m.ticket = nil
	m.settings = nil
	m.haveSeqIn = false
	m.established = false
	m.waitingForMutual = false
	m.waitingForAPReq = false

	return nil
}

func zeroKey(k *types.EncryptionKey) {
	for i := range k.KeyValue {
		k.KeyValue[i] = 0
	}
}

// newSubkey generates a fresh acceptor subkey of the same type as the
// ticket session key.
func newSubkey(keyType int32) (types.EncryptionKey, error) {
	et, err := crypto.GetEtype(keyType)
	if err != nil {
		return types.EncryptionKey{}, fmt.Errorf("krb5: %w", err)
	}

	b := make([]byte, et.GetKeyByteSize())
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return types.EncryptionKey{}, fmt.Errorf("krb5: generating subkey: %w", err)
	}

	return types.EncryptionKey{KeyType: keyType, KeyValue: b}, nil
}

// newSequenceNumber draws a random initial sequence number in the
// positive int32 range, as gokrb5 does for authenticators.
func newSequenceNumber() (uint64, error) {
	var b [4]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		return 0, fmt.Errorf("krb5: generating sequence number: %w", err)
	}

	return uint64(binary.BigEndian.Uint32(b[:]) & 0x3FFFFFFF), nil
}
