package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// defaults for the client
const (
	defaultAddr = "localhost:4567"
	defaultMech = "psk-x25519"
)

type clientConfig struct {
	Mech    string
	Addr    string
	Service string

	PSKKey  []byte
	PSKName string

	Krb5Conf string
	CCache   string

	Seal          bool
	RequireMutual bool
}

func defaultClientConfig() clientConfig {
	return clientConfig{
		Mech: defaultMech,
		Addr: defaultAddr,
		Seal: true,
	}
}

type fileConfig struct {
	Mech    string `toml:"mech"`
	Addr    string `toml:"addr"`
	Service string `toml:"service"`

	PSKKey  string `toml:"psk_key"` // hex
	PSKName string `toml:"psk_name"`

	Krb5Conf string `toml:"krb5_conf"`
	CCache   string `toml:"ccache"`

	Seal          bool `toml:"seal"`
	RequireMutual bool `toml:"require_mutual"`
}

func loadClientConfig(path string) (clientConfig, error) {
	cfg := defaultClientConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return clientConfig{}, fmt.Errorf("load client config: %w", err)
	}

	if meta.IsDefined("mech") {
		cfg.Mech = strings.TrimSpace(raw.Mech)
	}
	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("service") {
		cfg.Service = strings.TrimSpace(raw.Service)
	}
	if meta.IsDefined("psk_key") {
		cfg.PSKKey, err = hex.DecodeString(strings.TrimSpace(raw.PSKKey))
		if err != nil {
			return clientConfig{}, fmt.Errorf("parse psk_key: %w", err)
		}
	}
	if meta.IsDefined("psk_name") {
		cfg.PSKName = strings.TrimSpace(raw.PSKName)
	}
	if meta.IsDefined("krb5_conf") {
		cfg.Krb5Conf = strings.TrimSpace(raw.Krb5Conf)
	}
	if meta.IsDefined("ccache") {
		cfg.CCache = strings.TrimSpace(raw.CCache)
	}
	if meta.IsDefined("seal") {
		cfg.Seal = raw.Seal
	}
	if meta.IsDefined("require_mutual") {
		cfg.RequireMutual = raw.RequireMutual
	}

	return cfg, nil
}
