/*
Package psk implements a pre-shared-key security mechanism.

The two peers prove knowledge of a shared key and agree fresh session
keys in a single round trip: the initiator sends an ephemeral X25519
public key authenticated with an HMAC under the pre-shared key, and
the acceptor replies in kind, binding its response to the initiator's
token.  Both responses are authenticated, so mutual authentication is
inherent to the exchange.  Message protection keys are derived from
the X25519 shared secret with HKDF-SHA256; protected messages are
sealed with ChaCha20-Poly1305 or signed with HMAC-SHA256.

The mechanism is self-contained (no external identity store) which
makes it suitable for tests, examples and closed deployments where a
key can be distributed out of band.
*/
package psk

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	secnego "github.com/golang-auth/go-secnego"
)

// MechName is the name the mechanism registers under.
const MechName = "psk-x25519"

// MinKeyLen is the smallest accepted pre-shared key.
const MinKeyLen = 16

const (
	macLen    = sha256.Size
	keyLen    = chacha20poly1305.KeySize
	hdrLen    = 11 // token ID (2) + flags (1) + sequence number (8)
	maxPerDir = 1<<62 - 1
)

// token IDs
var (
	tokIDHello = [2]byte{0x01, 0x00}
	tokIDReply = [2]byte{0x02, 0x00}
	tokIDMsg   = [2]byte{0x03, 0x00}
)

// message token flags
const (
	msgFlagByAcceptor byte = 1 << iota
	msgFlagSealed
)

const kdfLabel = "go-secnego psk-x25519 v1"

// flags the mechanism can honour
const supportedFlags = secnego.ContextFlagMutual | secnego.ContextFlagConf |
	secnego.ContextFlagInteg | secnego.ContextFlagReplay | secnego.ContextFlagSequence

// Config carries the mechanism credentials and local policy.
type Config struct {
	// Key is the pre-shared key, at least MinKeyLen bytes.  It is the
	// credential for this mechanism: both peers must hold the same
	// key, distributed out of band.
	Key []byte

	// Name is the identity presented to the peer.
	Name string

	// DisableSeal refuses confidentiality even when the peer requests
	// it, forcing integrity-only protection.  Peers observe the
	// downgrade in the negotiated flags and in the sealed result of
	// each Wrap.
	DisableSeal bool
}

// Factory returns a mechanism factory for cfg, suitable for a session
// configuration or for registration.
func Factory(cfg Config) secnego.MechFactory {
	return func() secnego.Mech {
		return &mech{cfg: cfg}
	}
}

// Register makes the mechanism available from r under MechName.
func Register(r *secnego.Registry, cfg Config) {
	r.Register(MechName, Factory(cfg))
}

type mech struct {
	cfg       Config
	initiator bool

	established  bool
	waitingReply bool // initiator: hello sent
	waitingHello bool // acceptor: primed

	service string
	reqFlag secnego.ContextFlag
	flags   secnego.ContextFlag
	peer    string

	priv  []byte
	hello []byte // initiator token, kept for transcript binding

	sealOut, signOut []byte
	sealIn, signIn   []byte
	seqOut, seqIn    uint64
}

func (m *mech) checkKey() error {
	if len(m.cfg.Key) < MinKeyLen {
		return fmt.Errorf("psk: %w: pre-shared key shorter than %d bytes", secnego.ErrCredentialUnavailable, MinKeyLen)
	}

	return nil
}

func (m *mech) Initiate(service string, flags secnego.ContextFlag) ([]byte, error) {
	if m.established || m.waitingReply || m.waitingHello {
		return nil, secnego.ErrContextEstablished
	}
	if err := m.checkKey(); err != nil {
		return nil, err
	}

	m.initiator = true
	m.service = service
	m.reqFlag = flags & supportedFlags

	pub, err := m.newKeyPair()
	if err != nil {
		return nil, err
	}

	name := []byte(m.cfg.Name)
	if len(name) > 255 {
		return nil, errors.New("psk: local name too long")
	}

	tok := make([]byte, 0, 6+len(pub)+1+len(name)+macLen)
	tok = append(tok, tokIDHello[:]...)
	tok = binary.BigEndian.AppendUint32(tok, uint32(m.reqFlag))
	tok = append(tok, pub...)
	tok = append(tok, byte(len(name)))
	tok = append(tok, name...)

	mac := hmac.New(sha256.New, m.cfg.Key)
	mac.Write(tok)
	tok = mac.Sum(tok)

	m.hello = tok
	m.waitingReply = true

	return tok, secnego.ContinueNeeded
}

func (m *mech) Accept(service string) error {
	if m.established || m.waitingReply || m.waitingHello {
		return secnego.ErrContextEstablished
	}
	if err := m.checkKey(); err != nil {
		return err
	}

	m.initiator = false
	m.service = service
	m.waitingHello = true

	return nil
}

func (m *mech) Continue(tokenIn []byte) ([]byte, error) {
	switch {
	case m.waitingHello:
		return m.acceptHello(tokenIn)
	case m.waitingReply:
		return nil, m.consumeReply(tokenIn)
	case m.established:
		return nil, secnego.ErrContextEstablished
	}

	return nil, errors.New("psk: context is not ready, call Initiate or Accept first")
}

// acceptHello processes the initiator token and produces the reply.
// The context is established as soon as the reply is built: the token
// and the completion signal coincide in this round.
func (m *mech) acceptHello(tokenIn []byte) ([]byte, error) {
	flags, peerPub, peerName, err := m.parseAuthToken(tokenIn, tokIDHello, nil)
	if err != nil {
		return nil, err
	}

	m.peer = peerName
	granted := secnego.ContextFlag(flags) & supportedFlags
	if m.cfg.DisableSeal {
		granted &^= secnego.ContextFlagConf
	}
	granted |= secnego.ContextFlagInteg

	pub, err := m.newKeyPair()
	if err != nil {
		return nil, err
	}

	name := []byte(m.localName())
	if len(name) > 255 {
		return nil, errors.New("psk: local name too long")
	}

	tok := make([]byte, 0, 6+len(pub)+1+len(name)+macLen)
	tok = append(tok, tokIDReply[:]...)
	tok = binary.BigEndian.AppendUint32(tok, uint32(granted))
	tok = append(tok, pub...)
	tok = append(tok, byte(len(name)))
	tok = append(tok, name...)

	// the reply MAC covers the full hello token, binding the response
	// to this exchange and authenticating the acceptor to the peer
	mac := hmac.New(sha256.New, m.cfg.Key)
	mac.Write(tokenIn)
	mac.Write(tok)
	tok = mac.Sum(tok)

	if err := m.deriveKeys(peerPub, tokenIn, tok); err != nil {
		return nil, err
	}

	m.flags = granted
	m.waitingHello = false
	m.established = true

	return tok, nil
}

func (m *mech) consumeReply(tokenIn []byte) error {
	flags, peerPub, peerName, err := m.parseAuthToken(tokenIn, tokIDReply, m.hello)
	if err != nil {
		return err
	}

	if m.service != "" && peerName != m.service {
		return fmt.Errorf("psk: %w: acceptor identifies as %q, wanted %q",
			secnego.ErrAuthentication, peerName, m.service)
	}

	if err := m.deriveKeys(peerPub, m.hello, tokenIn); err != nil {
		return err
	}

	m.peer = peerName
	m.flags = secnego.ContextFlag(flags) & supportedFlags
	m.waitingReply = false
	m.established = true

	return nil
}

// parseAuthToken decodes and authenticates a hello or reply token.
// transcript is the earlier token the MAC must additionally cover (nil
// for a hello).
func (m *mech) parseAuthToken(tok []byte, wantID [2]byte, transcript []byte) (flags uint32, pub []byte, name string, err error) {
	if len(tok) < 2+4+curve25519.PointSize+1+macLen {
		return 0, nil, "", fmt.Errorf("psk: %w: token too short", secnego.ErrDefectiveToken)
	}
	if !bytes.Equal(tok[:2], wantID[:]) {
		return 0, nil, "", fmt.Errorf("psk: %w: unexpected token ID % x", secnego.ErrDefectiveToken, tok[:2])
	}

	flags = binary.BigEndian.Uint32(tok[2:6])
	pub = tok[6 : 6+curve25519.PointSize]

	nameOff := 6 + curve25519.PointSize
	nameLen := int(tok[nameOff])
	if len(tok) != nameOff+1+nameLen+macLen {
		return 0, nil, "", fmt.Errorf("psk: %w: bad token length", secnego.ErrDefectiveToken)
	}
	name = string(tok[nameOff+1 : nameOff+1+nameLen])

	body, tag := tok[:len(tok)-macLen], tok[len(tok)-macLen:]
	mac := hmac.New(sha256.New, m.cfg.Key)
	mac.Write(transcript)
	mac.Write(body)
	if !hmac.Equal(tag, mac.Sum(nil)) {
		return 0, nil, "", fmt.Errorf("psk: %w: peer does not hold the pre-shared key", secnego.ErrAuthentication)
	}

	return flags, pub, name, nil
}

func (m *mech) localName() string {
	if m.cfg.Name != "" {
		return m.cfg.Name
	}

	return m.service
}

func (m *mech) newKeyPair() (pub []byte, err error) {
	m.priv = make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, m.priv); err != nil {
		return nil, fmt.Errorf("psk: generating key pair: %w", err)
	}

	pub, err = curve25519.X25519(m.priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("psk: generating key pair: %w", err)
	}

	return pub, nil
}

// deriveKeys computes the four per-direction message keys from the
// X25519 shared secret, the pre-shared key and the token transcript.
func (m *mech) deriveKeys(peerPub, hello, reply []byte) error {
	shared, err := curve25519.X25519(m.priv, peerPub)
	if err != nil {
		return fmt.Errorf("psk: %w: bad peer public key", secnego.ErrDefectiveToken)
	}

	transcript := sha256.New()
	transcript.Write(hello)
	transcript.Write(reply)

	info := append([]byte(kdfLabel), transcript.Sum(nil)...)
	kdf := hkdf.New(sha256.New, shared, m.cfg.Key, info)

	keys := make([]byte, 4*keyLen)
	if _, err := io.ReadFull(kdf, keys); err != nil {
		return fmt.Errorf("psk: deriving keys: %w", err)
	}

	initSeal, initSign := keys[0:keyLen], keys[keyLen:2*keyLen]
	accSeal, accSign := keys[2*keyLen:3*keyLen], keys[3*keyLen:4*keyLen]

	if m.initiator {
		m.sealOut, m.signOut = initSeal, initSign
		m.sealIn, m.signIn = accSeal, accSign
	} else {
		m.sealOut, m.signOut = accSeal, accSign
		m.sealIn, m.signIn = initSeal, initSign
	}

	// the ephemeral scalar is no longer needed
	zero(m.priv)
	m.priv = nil

	return nil
}

func (m *mech) IsEstablished() bool {
	return m.established
}

func (m *mech) ContextFlags() (f secnego.ContextFlag) {
	if m.established {
		f = m.flags
	}

	return
}

func (m *mech) PeerName() (string, error) {
	if !m.established {
		return "", secnego.ErrContextNotEstablished
	}

	return m.peer, nil
}

func (m *mech) Wrap(payload []byte, confidentiality bool) ([]byte, error) {
	if !m.established {
		return nil, secnego.ErrContextNotEstablished
	}
	if confidentiality && m.flags&secnego.ContextFlagConf == 0 {
		return nil, errors.New("psk: confidentiality was not negotiated for this context")
	}
	if m.seqOut >= maxPerDir {
		return nil, errors.New("psk: message limit reached for this context")
	}

	var flags byte
	if !m.initiator {
		flags |= msgFlagByAcceptor
	}
	if confidentiality {
		flags |= msgFlagSealed
	}

	hdr := make([]byte, hdrLen)
	copy(hdr, tokIDMsg[:])
	hdr[2] = flags
	binary.BigEndian.PutUint64(hdr[3:], m.seqOut)

	var body []byte
	if confidentiality {
		aead, err := chacha20poly1305.New(m.sealOut)
		if err != nil {
			return nil, fmt.Errorf("psk: %w", err)
		}

		body = aead.Seal(nil, m.nonce(!m.initiator, m.seqOut), payload, hdr)
	} else {
		mac := hmac.New(sha256.New, m.signOut)
		mac.Write(hdr)
		mac.Write(payload)

		body = append(body, payload...)
		body = mac.Sum(body)
	}

	m.seqOut++
	return append(hdr, body...), nil
}

func (m *mech) Unwrap(tokenIn []byte) (payload []byte, sealed bool, err error) {
	if !m.established {
		return nil, false, secnego.ErrContextNotEstablished
	}

	if len(tokenIn) < hdrLen {
		return nil, false, fmt.Errorf("psk: %w: message token too short", secnego.ErrDefectiveToken)
	}

	hdr, body := tokenIn[:hdrLen], tokenIn[hdrLen:]
	if !bytes.Equal(hdr[:2], tokIDMsg[:]) {
		return nil, false, fmt.Errorf("psk: %w: bad message token ID % x", secnego.ErrDefectiveToken, hdr[:2])
	}

	flags := hdr[2]
	fromAcceptor := flags&msgFlagByAcceptor != 0
	if fromAcceptor == !m.initiator {
		return nil, false, fmt.Errorf("psk: %w: message token sent by this peer", secnego.ErrDefectiveToken)
	}

	seq := binary.BigEndian.Uint64(hdr[3:])
	if seq != m.seqIn {
		return nil, false, fmt.Errorf("psk: bad sequence number from peer, got %d, wanted %d", seq, m.seqIn)
	}

	sealed = flags&msgFlagSealed != 0
	if sealed {
		aead, aerr := chacha20poly1305.New(m.sealIn)
		if aerr != nil {
			return nil, false, fmt.Errorf("psk: %w", aerr)
		}

		payload, err = aead.Open(nil, m.nonce(fromAcceptor, seq), body, hdr)
		if err != nil {
			return nil, false, fmt.Errorf("psk: %w", secnego.ErrIntegrity)
		}
	} else {
		if len(body) < macLen {
			return nil, false, fmt.Errorf("psk: %w: message token too short", secnego.ErrDefectiveToken)
		}

		payload, body = body[:len(body)-macLen], body[len(body)-macLen:]

		mac := hmac.New(sha256.New, m.signIn)
		mac.Write(hdr)
		mac.Write(payload)
		if !hmac.Equal(body, mac.Sum(nil)) {
			return nil, false, fmt.Errorf("psk: %w", secnego.ErrIntegrity)
		}
	}

	m.seqIn++
	return payload, sealed, nil
}

// nonce builds the 12-byte AEAD nonce for one direction and sequence
// number.  Sequence numbers never repeat within a direction, so
// neither do nonces.
func (m *mech) nonce(fromAcceptor bool, seq uint64) []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	if fromAcceptor {
		n[0] = 1
	}
	binary.BigEndian.PutUint64(n[4:], seq)

	return n
}

func (m *mech) Dispose() error {
	zero(m.priv)
	zero(m.sealOut)
	zero(m.signOut)
	zero(m.sealIn)
	zero(m.signIn)

	m.priv, m.sealOut, m.signOut, m.sealIn, m.signIn = nil, nil, nil, nil, nil
	m.established = false
	m.waitingHello = false
	m.waitingReply = false

	return nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
