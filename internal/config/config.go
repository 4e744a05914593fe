// Package config loads relay and client settings from flags, with defaults
// taken from the environment and an optional .env file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Relay configures the gk-relay binary.
type Relay struct {
	Addr          string
	AdminAddr     string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	JWTKey        string
	TokenTTL      time.Duration
	TLSCert       string
	TLSKey        string
	MailboxTTL    time.Duration
	RateLimit     int
	RateWindow    time.Duration
	DedupeSize    int
	Dev           bool
	// Mint, when set, asks the binary to print a token for this identity and exit.
	Mint string
}

// Client configures the gk binary.
type Client struct {
	Addr       string
	CACert     string
	Insecure   bool
	DSN        string
	Token      string
	PushURL    string
	Retries    uint64
	Timeout    time.Duration
	Dev        bool
	Dir        string
	Passphrase string
}

// IdentityPath is where the locked identity key lives.
func (c Client) IdentityPath() string { return filepath.Join(c.Dir, "identity.key") }

// LoadDotEnv loads variables from the given files (".env" when none) without
// overriding the process environment. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// LoadRelay parses relay flags from args.
func LoadRelay(args []string) (Relay, error) {
	var (
		c   Relay
		env envReader
	)
	set := flag.NewFlagSet("gk-relay", flag.ContinueOnError)
	set.StringVar(&c.Addr, "addr", env.getStr("GK_RELAY_ADDR", ":8443"), "gRPC listen address")
	set.StringVar(&c.AdminAddr, "admin-addr", env.getStr("GK_RELAY_ADMIN_ADDR", ":9090"), "admin HTTP address (metrics, health)")
	set.StringVar(&c.RedisAddr, "redis-addr", env.getStr("GK_REDIS_ADDR", "localhost:6379"), "Redis address")
	set.StringVar(&c.RedisPassword, "redis-password", env.getStr("GK_REDIS_PASSWORD", ""), "Redis password")
	set.IntVar(&c.RedisDB, "redis-db", env.getInt("GK_REDIS_DB", 0), "Redis database")
	set.StringVar(&c.JWTKey, "jwt-key", env.getStr("GK_JWT_KEY", ""), "HS256 signing key (required)")
	set.DurationVar(&c.TokenTTL, "token-ttl", env.getDur("GK_TOKEN_TTL", 30*24*time.Hour), "lifetime of minted tokens")
	set.StringVar(&c.TLSCert, "tls-cert", env.getStr("GK_TLS_CERT", "cert.pem"), "TLS certificate (PEM)")
	set.StringVar(&c.TLSKey, "tls-key", env.getStr("GK_TLS_KEY", "key.pem"), "TLS private key (PEM)")
	set.DurationVar(&c.MailboxTTL, "mailbox-ttl", env.getDur("GK_MAILBOX_TTL", 14*24*time.Hour), "how long undelivered envelopes are kept")
	set.IntVar(&c.RateLimit, "rate-limit", env.getInt("GK_RATE_LIMIT", 120), "deliveries per sender per window")
	set.DurationVar(&c.RateWindow, "rate-window", env.getDur("GK_RATE_WINDOW", time.Minute), "rate limit window")
	set.IntVar(&c.DedupeSize, "dedupe-size", env.getInt("GK_DEDUPE_SIZE", 10000), "recent envelope ids kept for duplicate suppression")
	set.BoolVar(&c.Dev, "dev", env.getBool("GK_DEV", false), "development logging and server reflection")
	set.StringVar(&c.Mint, "mint", "", "print a token for this identity and exit")
	if err := env.err(); err != nil {
		return Relay{}, err
	}
	if err := set.Parse(args); err != nil {
		return Relay{}, err
	}

	switch {
	case c.JWTKey == "":
		return Relay{}, errors.New("missing jwt signing key (-jwt-key or GK_JWT_KEY)")
	case c.RateLimit <= 0 || c.RateWindow <= 0:
		return Relay{}, errors.New("rate limit and window must be positive")
	case c.DedupeSize <= 0:
		return Relay{}, errors.New("dedupe size must be positive")
	}
	return c, nil
}

// LoadClient parses global client flags from args and returns the remaining
// arguments (the subcommand and its flags).
func LoadClient(args []string) (Client, []string, error) {
	var (
		c   Client
		env envReader
	)
	dir := env.getStr("GK_HOME", DefaultDir())
	set := flag.NewFlagSet("gk", flag.ContinueOnError)
	set.StringVar(&c.Addr, "addr", env.getStr("GK_ADDR", "localhost:8443"), "relay address")
	set.StringVar(&c.CACert, "cacert", env.getStr("GK_CACERT", ""), "CA cert (PEM)")
	set.BoolVar(&c.Insecure, "insecure", env.getBool("GK_INSECURE", false), "skip cert verify (dev)")
	set.StringVar(&c.Dir, "home", dir, "state directory")
	set.StringVar(&c.DSN, "dsn", env.getStr("GK_DSN", ""), "sqlite:<path> or postgres:// URL (default sqlite in -home)")
	set.StringVar(&c.Token, "token", env.getStr("GK_TOKEN", ""), "relay bearer token")
	set.StringVar(&c.PushURL, "push-url", env.getStr("GK_PUSH_URL", ""), "push notification server (empty disables)")
	retries := set.Int("retries", env.getInt("GK_RETRIES", 5), "durable send attempts")
	set.DurationVar(&c.Timeout, "timeout", env.getDur("GK_TIMEOUT", 30*time.Second), "how long to wait for deliveries")
	set.BoolVar(&c.Dev, "dev", env.getBool("GK_DEV", false), "development logging")
	if err := env.err(); err != nil {
		return Client{}, nil, err
	}
	if err := set.Parse(args); err != nil {
		return Client{}, nil, err
	}
	if *retries < 1 {
		return Client{}, nil, errors.New("retries must be at least 1")
	}
	c.Retries = uint64(*retries)
	if c.DSN == "" {
		c.DSN = "sqlite:" + filepath.Join(c.Dir, "gk.db")
	}
	c.Passphrase = os.Getenv("GK_PASSPHRASE")
	return c, set.Args(), nil
}

// DefaultDir is the client state directory.
func DefaultDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "group-keeper")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "group-keeper")
}

// IsPostgres reports whether dsn addresses a PostgreSQL server.
func IsPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// SQLitePath strips the sqlite: scheme.
func SQLitePath(dsn string) string { return strings.TrimPrefix(dsn, "sqlite:") }

// envReader reads typed defaults and collects parse errors.
type envReader struct{ errs []error }

func (e *envReader) getStr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func (e *envReader) getInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", k, err))
		return def
	}
	return n
}

func (e *envReader) getBool(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", k, err))
		return def
	}
	return b
}

func (e *envReader) getDur(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", k, err))
		return def
	}
	return d
}

func (e *envReader) err() error { return errors.Join(e.errs...) }
