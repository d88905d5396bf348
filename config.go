package main

import (
	"flag"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
)

// Config is loaded from the environment (and an optional .env file), then
// overridden by command-line flags.
type Config struct {
	Addr               string        `env:"ADDR,default=:3000"`
	DBPath             string        `env:"DB_PATH,default=dicochat.db"`
	AdminCode          string        `env:"ADMIN_CODE"`
	SessionSecret      string        `env:"SESSION_SECRET"`
	SessionTTL         time.Duration `env:"SESSION_TTL,default=12h"`
	SecureCookies      bool          `env:"SECURE_COOKIES"`
	HistoryLimit       int           `env:"HISTORY_LIMIT,default=50"`
	ReputationInterval time.Duration `env:"REPUTATION_INTERVAL,default=2s"`
	CensoredWords      string        `env:"CENSORED_WORDS"`
	CensorChar         string        `env:"CENSOR_CHAR,default=*"`
	AllowedOrigins     string        `env:"ALLOWED_ORIGINS"`
	StaticDir          string        `env:"STATIC_DIR"`
	WTAddr             string        `env:"WT_ADDR"`
	LogLevel           string        `env:"LOG_LEVEL,default=info"`
	InboundRate        float64       `env:"INBOUND_RATE,default=10"`
	InboundBurst       int           `env:"INBOUND_BURST,default=20"`
	MetricsInterval    time.Duration `env:"METRICS_INTERVAL,default=30s"`
}

// LoadConfig reads the environment and parses flags from args. It returns
// the positional arguments left after the flags.
func LoadConfig(args []string) (Config, []string, error) {
	// A missing .env file is normal.
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, nil, fmt.Errorf("read environment: %w", err)
	}

	fs := flag.NewFlagSet("dicochat", flag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.WTAddr, "wt-addr", cfg.WTAddr, "WebTransport listen address (disabled when empty)")
	fs.StringVar(&cfg.StaticDir, "static", cfg.StaticDir, "Directory with the web front end")
	debug := fs.Bool("debug", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return Config{}, nil, err
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	if err := cfg.validate(); err != nil {
		return Config{}, nil, err
	}
	return cfg, fs.Args(), nil
}

func (c Config) validate() error {
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be positive, got %d", c.HistoryLimit)
	}
	if c.ReputationInterval <= 0 {
		return fmt.Errorf("REPUTATION_INTERVAL must be positive, got %s", c.ReputationInterval)
	}
	if utf8.RuneCountInString(c.CensorChar) != 1 {
		return fmt.Errorf("CENSOR_CHAR must be a single character, got %q", c.CensorChar)
	}
	if _, err := c.slogLevel(); err != nil {
		return err
	}
	return nil
}

func (c Config) slogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return level, nil
}

func (c Config) censorRune() rune {
	r, _ := utf8.DecodeRuneInString(c.CensorChar)
	return r
}

func (c Config) censoredWords() []string {
	return splitList(c.CensoredWords)
}

func (c Config) allowedOrigins() []string {
	return splitList(c.AllowedOrigins)
}

func splitList(s string) []string {
	return lo.Compact(lo.Map(strings.Split(s, ","), func(item string, _ int) string {
		return strings.TrimSpace(item)
	}))
}
