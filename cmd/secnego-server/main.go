// secnego-server accepts security contexts from secnego-clients and
// echoes each protected message back with a timestamp appended.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/mjwhitta/cli"
	"github.com/rs/zerolog"

	secnego "github.com/golang-auth/go-secnego"
	"github.com/golang-auth/go-secnego/krb5"
	"github.com/golang-auth/go-secnego/psk"
	"github.com/golang-auth/go-secnego/session"
)

var version = "0.1.0"

// Exit codes
const (
	ExitSuccess = iota
	ExitError
	ExitBadArgs
)

var flags struct {
	config  string
	mech    string
	addr    string
	service string
	pskKey  string
	verbose bool
}

func init() {
	cli.Align = true
	cli.Banner = fmt.Sprintf("%s [OPTIONS]", os.Args[0])
	cli.Info(
		"Accepts security contexts from secnego-clients and echoes",
		"each protected message back with a timestamp appended.",
	)
	cli.ExitStatus(
		"0 - Success",
		"1 - Error",
		"2 - Bad arguments",
	)

	cli.Flag(&flags.config, "c", "config", "", "Config file (TOML)")
	cli.Flag(&flags.mech, "m", "mech", "", "Mechanism name (psk-x25519 or kerberos_v5)")
	cli.Flag(&flags.addr, "a", "addr", "", "Listen address (host:port)")
	cli.Flag(&flags.service, "s", "service", "", "Local service name")
	cli.Flag(&flags.pskKey, "k", "key", "", "Pre-shared key (hex)")
	cli.Flag(&flags.verbose, "v", "verbose", false, "Verbose output")

	cli.Parse()
}

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if !flags.verbose {
		log = log.Level(zerolog.InfoLevel)
	}

	cfg := defaultServerConfig()
	if flags.config != "" {
		var err error
		if cfg, err = loadServerConfig(flags.config); err != nil {
			log.Error().Err(err).Msg("bad configuration")
			os.Exit(ExitBadArgs)
		}
	}
	applyFlags(&cfg, &log)

	if err := serve(cfg, log); err != nil {
		log.Error().Err(err).Msg("server failed")
		os.Exit(ExitError)
	}
}

func applyFlags(cfg *serverConfig, log *zerolog.Logger) {
	if flags.mech != "" {
		cfg.Mech = flags.mech
	}
	if flags.addr != "" {
		cfg.Addr = flags.addr
	}
	if flags.service != "" {
		cfg.Service = flags.service
	}
	if flags.pskKey != "" {
		key, err := hex.DecodeString(flags.pskKey)
		if err != nil {
			log.Error().Err(err).Msg("bad pre-shared key")
			os.Exit(ExitBadArgs)
		}
		cfg.PSKKey = key
	}
}

// newRegistry wires up the mechanisms this binary knows about.
func newRegistry(cfg serverConfig) *secnego.Registry {
	reg := secnego.NewRegistry()

	psk.Register(reg, psk.Config{Key: cfg.PSKKey, Name: cfg.Service})
	krb5.Register(reg, krb5.Config{
		ConfPath:          cfg.Krb5Conf,
		KeytabPath:        cfg.Keytab,
		AcceptorPrincipal: cfg.Principal,
	})

	return reg
}

func serve(cfg serverConfig, log zerolog.Logger) error {
	reg := newRegistry(cfg)
	factory := reg.Factory(cfg.Mech)
	if factory == nil {
		return fmt.Errorf("unknown mechanism %q (have %s)", cfg.Mech, strings.Join(reg.Mechs(), ", "))
	}

	l, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Addr, err)
	}
	defer l.Close()

	log.Info().Str("addr", l.Addr().String()).Str("mech", cfg.Mech).Msg("listening")

	for {
		conn, err := l.Accept()
		if err != nil {
			return fmt.Errorf("accepting connection: %w", err)
		}

		clog := log.With().Str("client", conn.RemoteAddr().String()).Logger()
		go handle(conn, factory, cfg.Service, clog)
	}
}

// handle runs one client connection to completion.
func handle(conn net.Conn, factory secnego.MechFactory, service string, log zerolog.Logger) {
	defer conn.Close()

	sess, err := session.Accept(context.Background(), conn, session.Config{
		Mech:    factory,
		Service: service,
		Logger:  &log,
	})
	if err != nil {
		log.Error().Err(err).Msg("context establishment failed")
		return
	}
	defer sess.Close()

	peer, err := sess.PeerName()
	if err != nil {
		log.Error().Err(err).Msg("reading peer name")
		return
	}
	log.Info().Str("peer", peer).Stringer("flags", sess.Flags()).Msg("context established")

	for {
		msg, sealed, err := sess.Receive(context.Background())
		switch {
		case errors.Is(err, io.EOF):
			log.Info().Msg("client disconnected")
			return
		case err != nil:
			log.Error().Err(err).Msg("receiving message")
			return
		}

		log.Info().Int("bytes", len(msg)).Bool("sealed", sealed).Msg("message received")

		reply := fmt.Sprintf("%s %s", msg, time.Now().Format(time.RFC3339))
		if _, err := sess.Send(context.Background(), []byte(reply), sealed); err != nil {
			log.Error().Err(err).Msg("sending reply")
			return
		}
	}
}
