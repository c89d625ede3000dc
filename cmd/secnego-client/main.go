// secnego-client establishes a security context with a secnego-server
// and exchanges one protected message.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
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
	noSeal  bool
	mutual  bool
	timeout int
	verbose bool
}

func init() {
	cli.Align = true
	cli.Banner = fmt.Sprintf("%s [OPTIONS] [message...]", os.Args[0])
	cli.Info(
		"Establishes a security context with a secnego-server and",
		"exchanges one protected message.  The server replies with the",
		"message echoed back plus a timestamp.",
	)
	cli.ExitStatus(
		"0 - Success",
		"1 - Error",
		"2 - Bad arguments",
	)

	cli.Flag(&flags.config, "c", "config", "", "Config file (TOML)")
	cli.Flag(&flags.mech, "m", "mech", "", "Mechanism name (psk-x25519 or kerberos_v5)")
	cli.Flag(&flags.addr, "a", "addr", "", "Server address (host:port)")
	cli.Flag(&flags.service, "s", "service", "", "Acceptor service name")
	cli.Flag(&flags.pskKey, "k", "key", "", "Pre-shared key (hex)")
	cli.Flag(&flags.noSeal, "plaintext", false, "Integrity protection only, no encryption")
	cli.Flag(&flags.mutual, "require-mutual", false, "Fail unless mutual authentication is achieved")
	cli.Flag(&flags.timeout, "t", "timeout", 30, "Overall timeout in seconds")
	cli.Flag(&flags.verbose, "v", "verbose", false, "Verbose output")
}

func main() {
	cli.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if !flags.verbose {
		log = log.Level(zerolog.InfoLevel)
	}

	cfg := defaultClientConfig()
	if flags.config != "" {
		var err error
		if cfg, err = loadClientConfig(flags.config); err != nil {
			log.Error().Err(err).Msg("bad configuration")
			os.Exit(ExitBadArgs)
		}
	}
	applyFlags(&cfg, &log)

	msg := "Hello There!"
	if cli.NArg() > 0 {
		msg = strings.Join(cli.Args(), " ")
	}

	if err := run(cfg, log, msg); err != nil {
		log.Error().Err(err).Msg("exchange failed")
		os.Exit(ExitError)
	}
}

func applyFlags(cfg *clientConfig, log *zerolog.Logger) {
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
	if flags.noSeal {
		cfg.Seal = false
	}
	if flags.mutual {
		cfg.RequireMutual = true
	}
}

// newRegistry wires up the mechanisms this binary knows about.
func newRegistry(cfg clientConfig) *secnego.Registry {
	reg := secnego.NewRegistry()

	psk.Register(reg, psk.Config{Key: cfg.PSKKey, Name: cfg.PSKName})
	krb5.Register(reg, krb5.Config{ConfPath: cfg.Krb5Conf, CCachePath: cfg.CCache})

	return reg
}

func run(cfg clientConfig, log zerolog.Logger, msg string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(flags.timeout)*time.Second)
	defer cancel()

	reg := newRegistry(cfg)
	factory := reg.Factory(cfg.Mech)
	if factory == nil {
		return fmt.Errorf("unknown mechanism %q (have %s)", cfg.Mech, strings.Join(reg.Mechs(), ", "))
	}

	conn, err := net.Dial("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", cfg.Addr, err)
	}
	defer conn.Close()

	sess, err := session.Initiate(ctx, conn, session.Config{
		Mech:          factory,
		Service:       cfg.Service,
		Flags:         secnego.ContextFlagMutual | secnego.ContextFlagConf | secnego.ContextFlagInteg,
		RequireMutual: cfg.RequireMutual,
		Logger:        &log,
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	peer, err := sess.PeerName()
	if err != nil {
		return err
	}
	log.Info().Str("peer", peer).Stringer("flags", sess.Flags()).Msg("context established")

	resp, err := sess.Exchange(ctx, []byte(msg), cfg.Seal)
	if err != nil {
		return err
	}

	fmt.Println(string(resp))
	return nil
}
