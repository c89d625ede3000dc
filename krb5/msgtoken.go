package krb5

import (
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/types"

	secnego "github.com/golang-auth/go-secnego"
)

// Per-message wrap tokens, RFC 4121 § 4.2.6.2.

const (
	wrapTokenHdrLen     = 16
	wrapTokenFiller     = byte(0xFF)
	wrapTokenID0        = 0x05
	wrapTokenID1        = 0x04
	gssV1TokenFirstByte = 0x60 // RFC 4121 § 4.4: GSS-API v1 framing, unsupported
)

// wrap token flags, RFC 4121 § 4.2.2
type wrapTokenFlag uint8

const (
	wrapFlagSentByAcceptor wrapTokenFlag = 1 << iota
	wrapFlagSealed
	wrapFlagAcceptorSubkey
)

// wrapToken carries one signed or sealed payload.  A token is built
// locally with sign or seal and turned into bytes with marshal, or
// parsed from bytes with unmarshal and opened with open.
type wrapToken struct {
	flags   wrapTokenFlag
	ec      uint16 // "extra count": checksum length when signed
	rrc     uint16 // right rotation count, produced by SSPI peers
	seq     uint64
	payload []byte

	protected bool // payload currently holds wire (signed/sealed) form
}

// header renders the 16-byte token header with EC and RRC zeroed, the
// form covered by the checksum and by sealed plaintext (RFC 4121
// § 4.2.4).
func (wt *wrapToken) header() []byte {
	hdr := make([]byte, wrapTokenHdrLen)
	hdr[0], hdr[1] = wrapTokenID0, wrapTokenID1
	hdr[2] = byte(wt.flags)
	hdr[3] = wrapTokenFiller
	binary.BigEndian.PutUint64(hdr[8:], wt.seq)

	return hdr
}

// keyUsage returns the RFC 4121 § 2 key usage for this token's
// direction.  Wrap tokens use the seal usages whether or not they are
// encrypted.
func (wt *wrapToken) keyUsage() uint32 {
	if wt.flags&wrapFlagSentByAcceptor != 0 {
		return keyusage.GSSAPI_ACCEPTOR_SEAL
	}

	return keyusage.GSSAPI_INITIATOR_SEAL
}

// sign appends a checksum over {payload | header} to the payload and
// records its length in EC.
func (wt *wrapToken) sign(key types.EncryptionKey) error {
	if wt.protected {
		return errors.New("krb5: wrap token is already signed or sealed")
	}

	et, err := crypto.GetEtype(key.KeyType)
	if err != nil {
		return fmt.Errorf("krb5: %w", err)
	}

	data := make([]byte, 0, len(wt.payload)+wrapTokenHdrLen)
	data = append(data, wt.payload...)
	data = append(data, wt.header()...)

	cksum, err := et.GetChecksumHash(key.KeyValue, data, wt.keyUsage())
	if err != nil {
		return fmt.Errorf("krb5: %w", err)
	}

	wt.payload = append(wt.payload, cksum...)
	wt.ec = uint16(et.GetHMACBitLength() / 8)
	wt.rrc = 0
	wt.protected = true

	return nil
}

// seal encrypts {payload | header} in place (RFC 4121 § 4.2.4).
func (wt *wrapToken) seal(key types.EncryptionKey) error {
	if wt.protected {
		return errors.New("krb5: wrap token is already signed or sealed")
	}

	et, err := crypto.GetEtype(key.KeyType)
	if err != nil {
		return fmt.Errorf("krb5: %w", err)
	}

	plain := make([]byte, 0, len(wt.payload)+wrapTokenHdrLen)
	plain = append(plain, wt.payload...)
	plain = append(plain, wt.header()...)

	_, enc, err := et.EncryptMessage(key.KeyValue, plain, wt.keyUsage())
	if err != nil {
		return fmt.Errorf("krb5: %w", err)
	}

	wt.payload = enc
	wt.ec = 0
	wt.rrc = 0
	wt.protected = true

	return nil
}

func (wt *wrapToken) marshal() ([]byte, error) {
	if !wt.protected {
		return nil, errors.New("krb5: wrap token is not signed or sealed")
	}

	token := make([]byte, wrapTokenHdrLen+len(wt.payload))
	token[0], token[1] = wrapTokenID0, wrapTokenID1
	token[2] = byte(wt.flags)
	token[3] = wrapTokenFiller
	binary.BigEndian.PutUint16(token[4:6], wt.ec)
	binary.BigEndian.PutUint16(token[6:8], wt.rrc)
	binary.BigEndian.PutUint64(token[8:16], wt.seq)
	copy(token[16:], wt.payload)

	return token, nil
}

func (wt *wrapToken) unmarshal(token []byte) error {
	*wt = wrapToken{}

	if len(token) < wrapTokenHdrLen {
		return fmt.Errorf("krb5: %w: wrap token too short", secnego.ErrDefectiveToken)
	}
	if token[0] == gssV1TokenFirstByte {
		return fmt.Errorf("krb5: %w: GSS-API v1 message tokens are not supported", secnego.ErrDefectiveToken)
	}
	if token[0] != wrapTokenID0 || token[1] != wrapTokenID1 {
		return fmt.Errorf("krb5: %w: bad wrap token ID % x", secnego.ErrDefectiveToken, token[0:2])
	}
	if token[3] != wrapTokenFiller {
		return fmt.Errorf("krb5: %w: bad wrap token filler", secnego.ErrDefectiveToken)
	}

	wt.flags = wrapTokenFlag(token[2])
	wt.ec = binary.BigEndian.Uint16(token[4:6])
	wt.rrc = binary.BigEndian.Uint16(token[6:8])
	wt.seq = binary.BigEndian.Uint64(token[8:16])
	wt.payload = token[16:]
	wt.protected = true

	return nil
}

// open verifies an inbound token and recovers the application payload,
// reporting whether it was sealed.  Integrity failures wrap
// secnego.ErrIntegrity.
func (wt *wrapToken) open(key types.EncryptionKey, expectFromAcceptor bool) (payload []byte, sealed bool, err error) {
	if !wt.protected {
		return nil, false, errors.New("krb5: wrap token is not signed or sealed")
	}
	if len(wt.payload) == 0 {
		return nil, false, fmt.Errorf("krb5: %w: empty wrap token payload", secnego.ErrDefectiveToken)
	}

	fromAcceptor := wt.flags&wrapFlagSentByAcceptor != 0
	if fromAcceptor != expectFromAcceptor {
		return nil, false, fmt.Errorf("krb5: %w: wrap token sent by the wrong peer", secnego.ErrDefectiveToken)
	}

	if wt.flags&wrapFlagSealed != 0 {
		payload, err = wt.unseal(key)
		return payload, true, err
	}

	payload, err = wt.verifySignature(key)
	return payload, false, err
}

func (wt *wrapToken) unseal(key types.EncryptionKey) ([]byte, error) {
	et, err := crypto.GetEtype(key.KeyType)
	if err != nil {
		return nil, fmt.Errorf("krb5: %w", err)
	}

	// un-rotate tokens from SSPI peers before decrypting (MIT rotates
	// by RRC+EC for sealed tokens)
	ciphertext := rotateLeft(wt.payload, uint(wt.rrc)+uint(wt.ec))

	plain, err := et.DecryptMessage(key.KeyValue, ciphertext, wt.keyUsage())
	if err != nil {
		return nil, fmt.Errorf("krb5: %w: %v", secnego.ErrIntegrity, err)
	}

	if len(plain) < wrapTokenHdrLen+int(wt.ec) {
		return nil, fmt.Errorf("krb5: %w: decrypted wrap token too short", secnego.ErrIntegrity)
	}

	// the trailing copy of the header must match the one sent in clear
	var echoed wrapToken
	if err := echoed.unmarshal(plain[len(plain)-wrapTokenHdrLen:]); err != nil {
		return nil, fmt.Errorf("krb5: %w: bad echoed wrap token header", secnego.ErrIntegrity)
	}
	if echoed.flags != wt.flags || echoed.seq != wt.seq || echoed.ec != wt.ec {
		return nil, fmt.Errorf("krb5: %w: wrap token header was modified", secnego.ErrIntegrity)
	}

	return plain[:len(plain)-wrapTokenHdrLen-int(wt.ec)], nil
}

func (wt *wrapToken) verifySignature(key types.EncryptionKey) ([]byte, error) {
	et, err := crypto.GetEtype(key.KeyType)
	if err != nil {
		return nil, fmt.Errorf("krb5: %w", err)
	}

	cksumLen := int(wt.ec)
	if cksumLen != et.GetHMACBitLength()/8 {
		return nil, fmt.Errorf("krb5: %w: bad wrap token checksum length", secnego.ErrIntegrity)
	}
	if len(wt.payload) < cksumLen {
		return nil, fmt.Errorf("krb5: %w: signed wrap token too short", secnego.ErrIntegrity)
	}

	payload := wt.payload[:len(wt.payload)-cksumLen]
	gotCksum := wt.payload[len(wt.payload)-cksumLen:]

	// recompute over {payload | header-with-zero-EC/RRC}
	ref := wrapToken{flags: wt.flags, seq: wt.seq}
	data := make([]byte, 0, len(payload)+wrapTokenHdrLen)
	data = append(data, payload...)
	data = append(data, ref.header()...)

	wantCksum, err := et.GetChecksumHash(key.KeyValue, data, wt.keyUsage())
	if err != nil {
		return nil, fmt.Errorf("krb5: %w", err)
	}

	if !hmac.Equal(gotCksum, wantCksum) {
		return nil, fmt.Errorf("krb5: %w: invalid wrap token checksum", secnego.ErrIntegrity)
	}

	return payload, nil
}

// rotateLeft implements the RRC rotation (MIT gss_krb5int_rotate_left)
// without modifying the input.
func rotateLeft(buf []byte, rc uint) []byte {
	if len(buf) == 0 {
		return buf
	}

	rc = rc % uint(len(buf))
	if rc == 0 {
		return buf
	}

	out := make([]byte, len(buf))
	n := copy(out, buf[rc:])
	copy(out[n:], buf[:rc])

	return out
}
