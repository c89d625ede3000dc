// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	secnego "github.com/golang-auth/go-secnego"
	"github.com/golang-auth/go-secnego/psk"
	"github.com/golang-auth/go-secnego/wire"
)

// fakeMech is a deterministic mechanism for driving the negotiation
// loop.  Each side establishes after receiving `need` tokens; the
// acceptor's final token coincides with establishment, as real
// mechanisms do.
type fakeMech struct {
	need        int
	grantMutual bool
	failAfter   int // fail once this many tokens were received, 0 = never

	initiator   bool
	received    int
	established bool
	disposed    int
	flags       secnego.ContextFlag
}

var errBadPeerToken = errors.New("peer token did not verify")

func (m *fakeMech) Initiate(service string, flags secnego.ContextFlag) ([]byte, error) {
	m.initiator = true
	m.flags = flags

	if m.need == 0 {
		m.established = true
		return []byte("tok"), nil
	}

	return []byte("tok"), secnego.ContinueNeeded
}

func (m *fakeMech) Accept(service string) error {
	return nil
}

func (m *fakeMech) Continue(tokenIn []byte) ([]byte, error) {
	m.received++

	if m.failAfter > 0 && m.received >= m.failAfter {
		return nil, errBadPeerToken
	}

	if m.received >= m.need {
		m.established = true
		if !m.initiator {
			// final reply travels with the completion
			return []byte("tok"), nil
		}

		return nil, nil
	}

	return []byte("tok"), secnego.ContinueNeeded
}

func (m *fakeMech) IsEstablished() bool { return m.established }

func (m *fakeMech) ContextFlags() (f secnego.ContextFlag) {
	if m.established {
		f = m.flags
		if !m.grantMutual {
			f &^= secnego.ContextFlagMutual
		}
	}

	return
}

func (m *fakeMech) PeerName() (string, error) {
	if !m.established {
		return "", secnego.ErrContextNotEstablished
	}

	return "peer@EXAMPLE.COM", nil
}

func (m *fakeMech) Wrap(payload []byte, confidentiality bool) ([]byte, error) {
	if !m.established {
		return nil, secnego.ErrContextNotEstablished
	}

	b := []byte{0}
	if confidentiality {
		b[0] = 1
	}

	return append(b, payload...), nil
}

func (m *fakeMech) Unwrap(tokenIn []byte) ([]byte, bool, error) {
	if !m.established {
		return nil, false, secnego.ErrContextNotEstablished
	}
	if len(tokenIn) < 1 {
		return nil, false, secnego.ErrDefectiveToken
	}

	return tokenIn[1:], tokenIn[0] == 1, nil
}

func (m *fakeMech) Dispose() error {
	m.disposed++
	m.established = false

	return nil
}

// factoryFor returns a factory handing out mech, and is how the tests
// keep hold of the instance a negotiation used.
func factoryFor(mech *fakeMech) secnego.MechFactory {
	return func() secnego.Mech { return mech }
}

func TestNegotiationConverges(t *testing.T) {
	for _, rounds := range []int{1, 2, 3} {
		t.Run(fmt.Sprintf("rounds=%d", rounds), func(t *testing.T) {
			cliConn, srvConn := net.Pipe()
			defer cliConn.Close()
			defer srvConn.Close()

			iMech := &fakeMech{need: rounds}
			aMech := &fakeMech{need: rounds}

			var (
				wg   sync.WaitGroup
				srv  *Session
				sErr error
			)
			wg.Add(1)
			go func() {
				defer wg.Done()
				srv, sErr = Accept(context.Background(), srvConn, Config{
					Mech:    factoryFor(aMech),
					Service: "host@server.example.com",
				})
			}()

			cli, err := Initiate(context.Background(), cliConn, Config{
				Mech:    factoryFor(iMech),
				Service: "host@server.example.com",
				Flags:   secnego.ContextFlagInteg,
			})
			wg.Wait()

			require.NoError(t, err)
			require.NoError(t, sErr)
			defer cli.Close()
			defer srv.Close()

			peer, err := cli.PeerName()
			assert.NoError(t, err)
			assert.Equal(t, "peer@EXAMPLE.COM", peer)
			assert.Equal(t, secnego.ContextFlagInteg, cli.Flags())
			assert.Zero(t, iMech.disposed, "context disposed on the success path")
		})
	}
}

func TestNegotiationNeedsFactory(t *testing.T) {
	cliConn, srvConn := net.Pipe()
	defer cliConn.Close()
	defer srvConn.Close()

	_, err := Initiate(context.Background(), cliConn, Config{Service: "x"})
	assert.Error(t, err)
}

func TestNegotiationAuthFailureDisposes(t *testing.T) {
	cliConn, srvConn := net.Pipe()
	defer cliConn.Close()
	defer srvConn.Close()

	iMech := &fakeMech{need: 1, failAfter: 1}
	aMech := &fakeMech{need: 1}

	var (
		wg   sync.WaitGroup
		srv  *Session
		sErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		srv, sErr = Accept(context.Background(), srvConn, Config{
			Mech:    factoryFor(aMech),
			Service: "x",
		})
	}()

	_, err := Initiate(context.Background(), cliConn, Config{
		Mech:    factoryFor(iMech),
		Service: "x",
	})
	wg.Wait()

	// the acceptor finished its side before the initiator rejected the
	// final token
	require.NoError(t, sErr)
	defer srv.Close()

	require.Error(t, err)
	assert.ErrorIs(t, err, secnego.ErrAuthentication, "unclassified step failures count as authentication failures")
	assert.ErrorIs(t, err, errBadPeerToken)
	assert.Equal(t, 1, iMech.disposed, "context must be disposed exactly once on failure")
}

func TestNegotiationRoundBound(t *testing.T) {
	cliConn, srvConn := net.Pipe()
	defer cliConn.Close()

	// a scripted peer that answers every context token with another,
	// never converging
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		framer := wire.NewFramer(srvConn, 0)
		for {
			if _, err := framer.ReadFrame(); err != nil {
				srvConn.Close()
				return
			}
			if err := framer.WriteFrame([]byte("tok")); err != nil {
				srvConn.Close()
				return
			}
		}
	}()

	iMech := &fakeMech{need: 100}
	_, err := Initiate(context.Background(), cliConn, Config{
		Mech:      factoryFor(iMech),
		Service:   "x",
		MaxRounds: 3,
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, secnego.ErrNegotiationRounds)
	assert.Equal(t, 1, iMech.disposed)

	cliConn.Close()
	wg.Wait()
}

func TestNegotiationMutualNotAchieved(t *testing.T) {
	run := func(requireMutual bool) (*fakeMech, *Session, error) {
		cliConn, srvConn := net.Pipe()

		iMech := &fakeMech{need: 1, grantMutual: false}
		aMech := &fakeMech{need: 1, grantMutual: true}

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			srv, err := Accept(context.Background(), srvConn, Config{
				Mech:    factoryFor(aMech),
				Service: "x",
			})
			if err == nil {
				srv.Close()
			} else {
				srvConn.Close()
			}
		}()

		cli, err := Initiate(context.Background(), cliConn, Config{
			Mech:          factoryFor(iMech),
			Service:       "x",
			Flags:         secnego.ContextFlagMutual | secnego.ContextFlagInteg,
			RequireMutual: requireMutual,
		})
		wg.Wait()
		cliConn.Close()

		return iMech, cli, err
	}

	t.Run("warns by default", func(t *testing.T) {
		_, cli, err := run(false)
		require.NoError(t, err)
		assert.Zero(t, cli.Flags()&secnego.ContextFlagMutual)
		cli.Close()
	})

	t.Run("fails when required", func(t *testing.T) {
		iMech, cli, err := run(true)
		require.Error(t, err)
		assert.Nil(t, cli)
		assert.ErrorIs(t, err, secnego.ErrMutualAuth)
		assert.Equal(t, 1, iMech.disposed)
	})
}

func TestNegotiationCancelled(t *testing.T) {
	cliConn, srvConn := net.Pipe()
	defer cliConn.Close()
	defer srvConn.Close()

	// nobody reads from srvConn, so the initiator blocks writing its
	// first token until the context fires
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	iMech := &fakeMech{need: 1}
	_, err := Initiate(ctx, cliConn, Config{
		Mech:    factoryFor(iMech),
		Service: "x",
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, iMech.disposed)
}

// Exchange over a real mechanism: the client asks, the server echoes
// with a timestamp appended.
func TestSessionExchange(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	const service = "host@server.example.com"

	cliConn, srvConn := net.Pipe()
	defer cliConn.Close()
	defer srvConn.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		srv, err := Accept(context.Background(), srvConn, Config{
			Mech:    psk.Factory(psk.Config{Key: key, Name: service}),
			Service: service,
		})
		if !assert.NoError(t, err) {
			srvConn.Close()
			return
		}
		defer srv.Close()

		msg, sealed, err := srv.Receive(context.Background())
		assert.NoError(t, err)
		assert.True(t, sealed)

		reply := fmt.Sprintf("%s %s", msg, time.Now().Format(time.RFC3339))
		_, err = srv.Send(context.Background(), []byte(reply), true)
		assert.NoError(t, err)
	}()

	cli, err := Initiate(context.Background(), cliConn, Config{
		Mech:    psk.Factory(psk.Config{Key: key}),
		Service: service,
		Flags:   secnego.ContextFlagMutual | secnego.ContextFlagConf | secnego.ContextFlagInteg,
	})
	require.NoError(t, err)
	defer cli.Close()

	peer, err := cli.PeerName()
	require.NoError(t, err)
	assert.Equal(t, service, peer)
	assert.NotZero(t, cli.Flags()&secnego.ContextFlagConf)
	assert.NotZero(t, cli.Flags()&secnego.ContextFlagMutual)

	resp, err := cli.Exchange(context.Background(), []byte("Hello There!"), true)
	require.NoError(t, err)
	assert.Contains(t, string(resp), "Hello There!")

	wg.Wait()

	// Close is idempotent
	assert.NoError(t, cli.Close())
	assert.NoError(t, cli.Close())
}
