package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
)

// Auth methods for the emulator's startup exchange.
const (
	AuthTrust     = "trust"
	AuthCleartext = "cleartext"
	AuthMD5       = "md5"
)

// Run modes.
const (
	ModeEmulate = "emulate"
	ModeProxy   = "proxy"
)

type Config struct {
	Mode     string
	Port     int
	Upstream string
	User     string
	Password string
	Auth     string
}

func Parse() (*Config, error) {
	cfg := &Config{}
	flag.StringVar(&cfg.Mode, "mode", envStr("PGRELAY_MODE", ModeEmulate), "run mode: emulate or proxy")
	flag.IntVar(&cfg.Port, "port", envInt("PGRELAY_PORT", 5433), "listen port")
	flag.StringVar(&cfg.Upstream, "upstream", envStr("PGRELAY_UPSTREAM", "127.0.0.1:5432"), "upstream postgres address (proxy mode)")
	flag.StringVar(&cfg.User, "user", envStr("PGRELAY_USER", "admin"), "auth username (emulate mode)")
	flag.StringVar(&cfg.Password, "password", envStr("PGRELAY_PASSWORD", ""), "auth password (emulate mode)")
	flag.StringVar(&cfg.Auth, "auth", envStr("PGRELAY_AUTH", AuthTrust), "auth method: trust, cleartext or md5")
	flag.Parse()
	return cfg, cfg.Validate()
}

// Validate checks the mode and auth method enums.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeEmulate, ModeProxy:
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	switch c.Auth {
	case AuthTrust, AuthCleartext, AuthMD5:
	default:
		return fmt.Errorf("unknown auth method %q", c.Auth)
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
