package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// defaults for the server
const (
	defaultAddr = ":4567"
	defaultMech = "psk-x25519"
)

type serverConfig struct {
	Mech    string
	Addr    string
	Service string

	PSKKey []byte

	Krb5Conf  string
	Keytab    string
	Principal string
}

func defaultServerConfig() serverConfig {
	return serverConfig{
		Mech: defaultMech,
		Addr: defaultAddr,
	}
}

type fileConfig struct {
	Mech    string `toml:"mech"`
	Addr    string `toml:"addr"`
	Service string `toml:"service"`

	PSKKey string `toml:"psk_key"` // hex

	Krb5Conf  string `toml:"krb5_conf"`
	Keytab    string `toml:"keytab"`
	Principal string `toml:"principal"`
}

func loadServerConfig(path string) (serverConfig, error) {
	cfg := defaultServerConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return serverConfig{}, fmt.Errorf("load server config: %w", err)
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
			return serverConfig{}, fmt.Errorf("parse psk_key: %w", err)
		}
	}
	if meta.IsDefined("krb5_conf") {
		cfg.Krb5Conf = strings.TrimSpace(raw.Krb5Conf)
	}
	if meta.IsDefined("keytab") {
		cfg.Keytab = strings.TrimSpace(raw.Keytab)
	}
	if meta.IsDefined("principal") {
		cfg.Principal = strings.TrimSpace(raw.Principal)
	}

	return cfg, nil
}
