// Package config holds the server's tunable settings.
// Values come from built-in presets, an optional YAML file, then CAREHOME_*
// environment variables (a .env file in the working directory is loaded first).
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// SeedUser is an account written to the credential store at startup.
type SeedUser struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
}

// RateLimit bounds login attempts per remote address.
type RateLimit struct {
	Max    int           `yaml:"max"`
	Window time.Duration `yaml:"window"`
}

// Tuning holds channel buffer sizes and connection caps.
type Tuning struct {
	ClientSendBuffer     int `yaml:"client_send_buffer"`
	BroadcastBuffer      int `yaml:"broadcast_buffer"`
	MaxClientsPerSession int `yaml:"max_clients_per_session"`
	DBMaxOpenConns       int `yaml:"db_max_open_conns"`
}

// Config is the full server configuration.
type Config struct {
	ListenAddr         string        `yaml:"listen_addr"`
	DBPath             string        `yaml:"db_path"`
	EmergencyInterval  time.Duration `yaml:"emergency_interval"`
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	MaxSessions        int           `yaml:"max_sessions"`
	LogLevel           string        `yaml:"log_level"`
	LoginRateLimit     RateLimit     `yaml:"login_rate_limit"`
	TrustedProxies     []string      `yaml:"trusted_proxies"` // IPs or CIDRs allowed to set X-Forwarded-For
	Users              []SeedUser    `yaml:"users"`
	Tuning             Tuning        `yaml:"tuning"`
}

// Default returns sensible defaults for production.
func Default() *Config {
	numCPU := runtime.NumCPU()

	return &Config{
		ListenAddr:         ":8080",
		DBPath:             "data/carehome.db",
		EmergencyInterval:  30 * time.Second,
		SessionIdleTimeout: 30 * time.Minute,
		SweepInterval:      time.Minute,
		MaxSessions:        200,
		LogLevel:           "info",
		LoginRateLimit:     RateLimit{Max: 10, Window: time.Minute},
		Tuning: Tuning{
			ClientSendBuffer:     64,  // Per WebSocket
			BroadcastBuffer:      256, // Per session
			MaxClientsPerSession: 8,
			DBMaxOpenConns:       numCPU * 2,
		},
	}
}

// LowResource returns minimal settings for development.
func LowResource() *Config {
	cfg := Default()
	cfg.MaxSessions = 20
	cfg.LogLevel = "debug"
	cfg.Tuning = Tuning{
		ClientSendBuffer:     8,
		BroadcastBuffer:      16,
		MaxClientsPerSession: 2,
		DBMaxOpenConns:       2,
	}
	return cfg
}

// Load builds a Config from the preset, the YAML file at path (skipped when
// path is empty) and the environment.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := Default()
	if envOr("CAREHOME_PROFILE", "") == "low" {
		cfg = LowResource()
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.ListenAddr = envOr("CAREHOME_LISTEN_ADDR", c.ListenAddr)
	c.DBPath = envOr("CAREHOME_DB_PATH", c.DBPath)
	c.LogLevel = envOr("CAREHOME_LOG_LEVEL", c.LogLevel)
	if v := os.Getenv("CAREHOME_TRUSTED_PROXIES"); v != "" {
		c.TrustedProxies = splitList(v)
	}

	var err error
	if c.EmergencyInterval, err = envDuration("CAREHOME_EMERGENCY_INTERVAL", c.EmergencyInterval); err != nil {
		return err
	}
	if c.SessionIdleTimeout, err = envDuration("CAREHOME_SESSION_IDLE_TIMEOUT", c.SessionIdleTimeout); err != nil {
		return err
	}
	if c.SweepInterval, err = envDuration("CAREHOME_SWEEP_INTERVAL", c.SweepInterval); err != nil {
		return err
	}
	if c.LoginRateLimit.Window, err = envDuration("CAREHOME_LOGIN_RATE_WINDOW", c.LoginRateLimit.Window); err != nil {
		return err
	}
	if c.LoginRateLimit.Max, err = envInt("CAREHOME_LOGIN_RATE_MAX", c.LoginRateLimit.Max); err != nil {
		return err
	}
	if c.MaxSessions, err = envInt("CAREHOME_MAX_SESSIONS", c.MaxSessions); err != nil {
		return err
	}
	return nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if c.EmergencyInterval <= 0 {
		errs = append(errs, errors.New("emergency_interval must be positive"))
	}
	if c.SessionIdleTimeout <= 0 {
		errs = append(errs, errors.New("session_idle_timeout must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep_interval must be positive"))
	}
	if c.MaxSessions <= 0 {
		errs = append(errs, errors.New("max_sessions must be positive"))
	}
	if c.LoginRateLimit.Max <= 0 || c.LoginRateLimit.Window <= 0 {
		errs = append(errs, errors.New("login_rate_limit needs positive max and window"))
	}
	for _, entry := range c.TrustedProxies {
		if _, err := ParseProxy(entry); err != nil {
			errs = append(errs, fmt.Errorf("trusted_proxies: %w", err))
		}
	}
	for i, u := range c.Users {
		if u.Username == "" || u.PasswordHash == "" {
			errs = append(errs, fmt.Errorf("users[%d] needs username and password_hash", i))
		}
	}
	return errors.Join(errs...)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseProxy reads a trusted proxy entry. A bare address is a single-host
// prefix.
func ParseProxy(entry string) (netip.Prefix, error) {
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
