package psk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	secnego "github.com/golang-auth/go-secnego"
)

const (
	TEST_KEY      = "0123456789abcdef0123456789abcdef"
	TEST_PAYLOAD  = "testing 123"
	TEST_INITNAME = "alice"
	TEST_ACCNAME  = "host@srv.example.com"
)

func testPair(t *testing.T, accCfg Config, flags secnego.ContextFlag) (init, acc secnego.Mech) {
	t.Helper()

	init = Factory(Config{Key: []byte(TEST_KEY), Name: TEST_INITNAME})()
	acc = Factory(accCfg)()

	hello, err := init.Initiate(TEST_ACCNAME, flags)
	require.ErrorIs(t, err, secnego.ContinueNeeded)
	require.NotEmpty(t, hello)
	require.False(t, init.IsEstablished())

	require.NoError(t, acc.Accept(TEST_ACCNAME))
	require.False(t, acc.IsEstablished())

	reply, err := acc.Continue(hello)
	require.NoError(t, err)
	require.NotEmpty(t, reply, "acceptor must produce a token in the round that completes it")
	require.True(t, acc.IsEstablished(), "acceptor should be done after the hello")

	out, err := init.Continue(reply)
	require.NoError(t, err)
	require.Empty(t, out)
	require.True(t, init.IsEstablished(), "initiator should be done after the reply")

	return init, acc
}

func defaultAccCfg() Config {
	return Config{Key: []byte(TEST_KEY), Name: TEST_ACCNAME}
}

func TestNegotiationConverges(t *testing.T) {
	flags := secnego.ContextFlagMutual | secnego.ContextFlagConf | secnego.ContextFlagInteg
	init, acc := testPair(t, defaultAccCfg(), flags)

	assert.Equal(t, flags, init.ContextFlags()&flags, "initiator flags")
	assert.Equal(t, flags, acc.ContextFlags()&flags, "acceptor flags")

	peer, err := init.PeerName()
	assert.NoError(t, err)
	assert.Equal(t, TEST_ACCNAME, peer)

	peer, err = acc.PeerName()
	assert.NoError(t, err)
	assert.Equal(t, TEST_INITNAME, peer)
}

func TestReadsBeforeEstablishment(t *testing.T) {
	m := Factory(Config{Key: []byte(TEST_KEY)})()

	_, err := m.PeerName()
	assert.ErrorIs(t, err, secnego.ErrContextNotEstablished)

	_, err = m.Wrap([]byte(TEST_PAYLOAD), false)
	assert.ErrorIs(t, err, secnego.ErrContextNotEstablished)

	_, _, err = m.Unwrap([]byte{0x03, 0x00})
	assert.ErrorIs(t, err, secnego.ErrContextNotEstablished)
}

func TestWrapUnwrap(t *testing.T) {
	var tests = []struct {
		name string
		seal bool
	}{
		{"signed", false},
		{"sealed", true},
	}

	flags := secnego.ContextFlagMutual | secnego.ContextFlagConf | secnego.ContextFlagInteg

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			init, acc := testPair(t, defaultAccCfg(), flags)

			tok, err := init.Wrap([]byte(TEST_PAYLOAD), tt.seal)
			require.NoError(t, err)

			if tt.seal {
				assert.NotContains(t, string(tok), TEST_PAYLOAD, "sealed token leaks plaintext")
			}

			payload, sealed, err := acc.Unwrap(tok)
			require.NoError(t, err)
			assert.Equal(t, []byte(TEST_PAYLOAD), payload)
			assert.Equal(t, tt.seal, sealed, "applied protection not reported correctly")

			// and the return leg
			tok, err = acc.Wrap([]byte("reply"), tt.seal)
			require.NoError(t, err)

			payload, sealed, err = init.Unwrap(tok)
			require.NoError(t, err)
			assert.Equal(t, []byte("reply"), payload)
			assert.Equal(t, tt.seal, sealed)
		})
	}
}

// Flipping any bit of a protected message must surface ErrIntegrity.
func TestTamperDetection(t *testing.T) {
	flags := secnego.ContextFlagConf | secnego.ContextFlagInteg

	for _, seal := range []bool{false, true} {
		name := "signed"
		if seal {
			name = "sealed"
		}

		t.Run(name, func(t *testing.T) {
			init, acc := testPair(t, defaultAccCfg(), flags)

			tok, err := init.Wrap([]byte(TEST_PAYLOAD), seal)
			require.NoError(t, err)

			// flip one bit in every byte position past the token ID in
			// turn; each corruption must be caught
			for i := 2; i < len(tok); i++ {
				mangled := make([]byte, len(tok))
				copy(mangled, tok)
				mangled[i] ^= 0x40

				_, _, err := acc.Unwrap(mangled)
				assert.Error(t, err, "corruption at byte %d was accepted", i)
			}

			// the unmangled token still verifies
			payload, _, err := acc.Unwrap(tok)
			require.NoError(t, err)
			assert.Equal(t, []byte(TEST_PAYLOAD), payload)
		})
	}
}

// Requesting confidentiality from an acceptor that refuses it must
// yield a context that visibly applies integrity only.
func TestConfidentialityDowngrade(t *testing.T) {
	accCfg := defaultAccCfg()
	accCfg.DisableSeal = true

	flags := secnego.ContextFlagMutual | secnego.ContextFlagConf | secnego.ContextFlagInteg
	init, acc := testPair(t, accCfg, flags)

	assert.Zero(t, init.ContextFlags()&secnego.ContextFlagConf, "initiator should see the downgrade")
	assert.Zero(t, acc.ContextFlags()&secnego.ContextFlagConf, "acceptor should see the downgrade")
	assert.NotZero(t, init.ContextFlags()&secnego.ContextFlagInteg)

	// asking the mechanism to seal anyway is an error, never a silent
	// claim of confidentiality
	_, err := init.Wrap([]byte(TEST_PAYLOAD), true)
	assert.Error(t, err)

	tok, err := init.Wrap([]byte(TEST_PAYLOAD), false)
	require.NoError(t, err)

	payload, sealed, err := acc.Unwrap(tok)
	require.NoError(t, err)
	assert.False(t, sealed)
	assert.Equal(t, []byte(TEST_PAYLOAD), payload)
}

func TestWrongKeyRejected(t *testing.T) {
	init := Factory(Config{Key: []byte(TEST_KEY), Name: TEST_INITNAME})()
	acc := Factory(Config{Key: []byte("ffffffffffffffffffffffffffffffff"), Name: TEST_ACCNAME})()

	hello, err := init.Initiate(TEST_ACCNAME, secnego.ContextFlagMutual)
	require.ErrorIs(t, err, secnego.ContinueNeeded)
	require.NoError(t, acc.Accept(TEST_ACCNAME))

	_, err = acc.Continue(hello)
	assert.ErrorIs(t, err, secnego.ErrAuthentication)
	assert.False(t, acc.IsEstablished())
}

func TestAcceptorNameMismatch(t *testing.T) {
	init := Factory(Config{Key: []byte(TEST_KEY), Name: TEST_INITNAME})()
	acc := Factory(Config{Key: []byte(TEST_KEY), Name: "host@other.example.com"})()

	hello, err := init.Initiate(TEST_ACCNAME, secnego.ContextFlagMutual)
	require.ErrorIs(t, err, secnego.ContinueNeeded)
	require.NoError(t, acc.Accept("host@other.example.com"))

	reply, err := acc.Continue(hello)
	require.NoError(t, err)

	_, err = init.Continue(reply)
	assert.ErrorIs(t, err, secnego.ErrAuthentication)
	assert.False(t, init.IsEstablished())
}

func TestSequenceEnforced(t *testing.T) {
	init, acc := testPair(t, defaultAccCfg(), secnego.ContextFlagInteg)

	tok1, err := init.Wrap([]byte("one"), false)
	require.NoError(t, err)
	tok2, err := init.Wrap([]byte("two"), false)
	require.NoError(t, err)

	// delivering the second message first must fail
	_, _, err = acc.Unwrap(tok2)
	assert.ErrorContains(t, err, "sequence")

	_, _, err = acc.Unwrap(tok1)
	assert.NoError(t, err)

	// replaying the first message must fail too
	_, _, err = acc.Unwrap(tok1)
	assert.Error(t, err)
}

func TestShortKeyUnavailable(t *testing.T) {
	m := Factory(Config{Key: []byte("short")})()

	_, err := m.Initiate(TEST_ACCNAME, 0)
	assert.ErrorIs(t, err, secnego.ErrCredentialUnavailable)

	err = m.Accept(TEST_ACCNAME)
	assert.ErrorIs(t, err, secnego.ErrCredentialUnavailable)
}

func TestDefectiveTokens(t *testing.T) {
	acc := Factory(defaultAccCfg())()
	require.NoError(t, acc.Accept(TEST_ACCNAME))

	var tests = []struct {
		name string
		tok  []byte
	}{
		{"empty", nil},
		{"truncated", []byte{0x01, 0x00, 0x00}},
		{"wrong ID", append([]byte{0x7F, 0x7F}, make([]byte, 80)...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := acc.Continue(tt.tok)
			assert.ErrorIs(t, err, secnego.ErrDefectiveToken)
		})
	}
}

func TestDispose(t *testing.T) {
	init, acc := testPair(t, defaultAccCfg(), secnego.ContextFlagInteg)

	require.NoError(t, init.Dispose())
	assert.False(t, init.IsEstablished())

	// key material is gone: protection calls must fail
	_, err := init.Wrap([]byte(TEST_PAYLOAD), false)
	assert.ErrorIs(t, err, secnego.ErrContextNotEstablished)

	// idempotent
	assert.NoError(t, init.Dispose())
	assert.NoError(t, acc.Dispose())
}

func TestRegister(t *testing.T) {
	r := secnego.NewRegistry()
	Register(r, defaultAccCfg())

	assert.True(t, r.IsRegistered(MechName))
	assert.NotNil(t, r.New(MechName))
}
