// SPDX-License-Identifier: Apache-2.0

/*
Package session drives a security context negotiation over a network
connection and carries protected messages once the context is
established.

An initiator and an acceptor each construct a fresh mechanism context
from a factory, exchange length-prefixed opaque tokens until the
mechanism reports establishment, and then use the resulting Session to
Send and Receive integrity (and optionally confidentiality) protected
payloads.  Each Session owns its connection and context exclusively;
run one goroutine per session and as many sessions as needed in
parallel.
*/
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	secnego "github.com/golang-auth/go-secnego"
	"github.com/golang-auth/go-secnego/wire"
)

// DefaultMaxRounds bounds the number of token exchanges during
// negotiation.  Real mechanisms converge in a handful of rounds; a
// peer that keeps asking for more is broken or hostile.
const DefaultMaxRounds = 10

// Config carries the settings for one session.  The zero value is not
// usable: a mechanism factory is required.
type Config struct {
	// Mech constructs the fresh security context for this session.  A
	// context is never reused across sessions; after any failure the
	// factory is invoked again by whoever retries.
	Mech secnego.MechFactory

	// Service is the mechanism specific name of the acceptor (the
	// peer's name on the initiator side, the local name on the
	// acceptor side).
	Service string

	// Flags are the security properties requested for the context.
	Flags secnego.ContextFlag

	// MaxRounds bounds the negotiation; DefaultMaxRounds if zero.
	MaxRounds int

	// MaxFrameLen bounds inbound frame payloads;
	// wire.DefaultMaxFrameLen if zero.
	MaxFrameLen uint32

	// RequireMutual makes a context that did not achieve requested
	// mutual authentication a hard failure instead of a logged
	// warning.
	RequireMutual bool

	// Logger receives negotiation and message telemetry.  Discarded
	// when nil.
	Logger *zerolog.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}

	return cfg
}

func (cfg Config) logger() zerolog.Logger {
	if cfg.Logger == nil {
		return zerolog.Nop()
	}

	return *cfg.Logger
}

// Session is an established security context bound to a connection.
// It is not safe for concurrent use; message rounds within a session
// are strictly sequential.
type Session struct {
	mech      secnego.Mech
	framer    *wire.Framer
	conn      net.Conn
	log       zerolog.Logger
	closeOnce sync.Once
	closeErr  error
}

// Initiate runs the initiator side of the negotiation over conn and
// returns an established Session.  On any failure the mechanism
// context is disposed before returning; conn is left to the caller.
// Cancelling ctx aborts a negotiation blocked on the network.
func Initiate(ctx context.Context, conn net.Conn, cfg Config) (*Session, error) {
	return negotiate(ctx, conn, cfg, true)
}

// Accept runs the acceptor side of the negotiation over conn.  The
// disposal and cancellation behaviour matches Initiate.
func Accept(ctx context.Context, conn net.Conn, cfg Config) (*Session, error) {
	return negotiate(ctx, conn, cfg, false)
}

func negotiate(ctx context.Context, conn net.Conn, cfg Config, initiator bool) (*Session, error) {
	cfg = cfg.withDefaults()
	if cfg.Mech == nil {
		return nil, errors.New("session: no mechanism factory configured")
	}

	log := cfg.logger()
	mech := cfg.Mech()
	framer := wire.NewFramer(conn, cfg.MaxFrameLen)

	defer watchConn(ctx, conn)()

	// dispose exactly once on every failure path; success hands
	// ownership to the Session
	fail := func(err error) (*Session, error) {
		_ = mech.Dispose()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("session: negotiation cancelled: %w", ctxErr)
		}

		return nil, err
	}

	var tokenOut []byte
	var err error
	if initiator {
		tokenOut, err = mech.Initiate(cfg.Service, cfg.Flags)
	} else {
		err = mech.Accept(cfg.Service)
	}
	if err != nil && !errors.Is(err, secnego.ContinueNeeded) {
		return fail(stepError(err))
	}

	rounds := 0
	for {
		if len(tokenOut) > 0 {
			// the outbound token is always sent before the established
			// check: a token and completion can coincide in one round
			if werr := framer.WriteFrame(tokenOut); werr != nil {
				return fail(werr)
			}
			log.Debug().Int("bytes", len(tokenOut)).Msg("sent context token")
		}

		if mech.IsEstablished() {
			break
		}

		rounds++
		if rounds > cfg.MaxRounds {
			return fail(fmt.Errorf("%w after %d rounds", secnego.ErrNegotiationRounds, cfg.MaxRounds))
		}

		tokenIn, rerr := framer.ReadFrame()
		if rerr != nil {
			return fail(fmt.Errorf("session: reading context token: %w", rerr))
		}
		log.Debug().Int("bytes", len(tokenIn)).Msg("read context token")

		tokenOut, err = mech.Continue(tokenIn)
		if err != nil && !errors.Is(err, secnego.ContinueNeeded) {
			// a mechanism may hand back an error token for the peer;
			// deliver it before reporting the failure
			if len(tokenOut) > 0 {
				_ = framer.WriteFrame(tokenOut)
			}

			return fail(stepError(err))
		}
	}

	flags := mech.ContextFlags()
	if cfg.Flags&secnego.ContextFlagMutual != 0 && flags&secnego.ContextFlagMutual == 0 {
		if cfg.RequireMutual {
			return fail(secnego.ErrMutualAuth)
		}

		log.Warn().Msg("mutual authentication was requested but not achieved")
	}

	peer, err := mech.PeerName()
	if err != nil {
		return fail(fmt.Errorf("session: reading peer name: %w", err))
	}

	log.Info().
		Str("peer", peer).
		Stringer("flags", flags).
		Int("rounds", rounds).
		Msg("security context established")

	return &Session{mech: mech, framer: framer, conn: conn, log: log}, nil
}

// stepError maps a mechanism step failure onto the session error
// taxonomy.  Failures the mechanism has already classified pass
// through; anything else counts as an authentication failure.
func stepError(err error) error {
	switch {
	case errors.Is(err, secnego.ErrAuthentication),
		errors.Is(err, secnego.ErrDefectiveToken),
		errors.Is(err, secnego.ErrCredentialUnavailable):
		return fmt.Errorf("session: %w", err)
	}

	return fmt.Errorf("session: %w: %w", secnego.ErrAuthentication, err)
}

// watchConn arranges for a blocked read or write on conn to return
// when ctx is cancelled, by poking the connection deadline.  The
// returned stop function releases the watcher.
func watchConn(ctx context.Context, conn net.Conn) func() {
	if d, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(d)
	} else {
		_ = conn.SetDeadline(time.Time{})
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})

	return func() { stop() }
}

// PeerName returns the authenticated identity of the peer.
func (s *Session) PeerName() (string, error) {
	return s.mech.PeerName()
}

// Flags returns the security properties negotiated for this session.
func (s *Session) Flags() secnego.ContextFlag {
	return s.mech.ContextFlags()
}

// Send protects payload and writes it to the peer.  Integrity
// protection is always applied; the payload is additionally sealed
// (encrypted) when seal is true and confidentiality was negotiated.
// The protection actually applied is returned: callers asking for
// confidentiality must check sealed rather than assume the request was
// honoured.
func (s *Session) Send(ctx context.Context, payload []byte, seal bool) (sealed bool, err error) {
	defer watchConn(ctx, s.conn)()

	sealed = seal && s.mech.ContextFlags()&secnego.ContextFlagConf != 0
	if seal && !sealed {
		s.log.Warn().Msg("confidentiality requested but not negotiated; sending with integrity only")
	}

	token, err := s.mech.Wrap(payload, sealed)
	if err != nil {
		return false, fmt.Errorf("session: protecting message: %w", err)
	}

	if err := s.framer.WriteFrame(token); err != nil {
		return false, err
	}

	s.log.Debug().Int("bytes", len(token)).Bool("sealed", sealed).Msg("sent protected message")
	return sealed, nil
}

// Receive reads one protected message from the peer, verifies it and
// returns the payload along with whether it was sealed.  An integrity
// failure (secnego.ErrIntegrity) is fatal to the session: dispose it
// and close the connection rather than retrying.
func (s *Session) Receive(ctx context.Context) (payload []byte, sealed bool, err error) {
	defer watchConn(ctx, s.conn)()

	token, err := s.framer.ReadFrame()
	if err != nil {
		return nil, false, fmt.Errorf("session: reading protected message: %w", err)
	}

	payload, sealed, err = s.mech.Unwrap(token)
	if err != nil {
		return nil, false, fmt.Errorf("session: unprotecting message: %w", err)
	}

	s.log.Debug().Int("bytes", len(payload)).Bool("sealed", sealed).Msg("received protected message")
	return payload, sealed, nil
}

// Exchange sends one protected request and returns the peer's
// protected response.
func (s *Session) Exchange(ctx context.Context, req []byte, seal bool) ([]byte, error) {
	if _, err := s.Send(ctx, req, seal); err != nil {
		return nil, err
	}

	resp, _, err := s.Receive(ctx)
	return resp, err
}

// Close disposes the security context and closes the connection.  It
// is safe to call multiple times; the context is disposed exactly
// once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = errors.Join(s.mech.Dispose(), s.conn.Close())
	})

	return s.closeErr
}
