// Package config loads server settings from flags, falling back to
// environment variables and then to built-in defaults.
package config

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mirkobrombin/go-taskwarp/v1/broadcast"
	warperrors "github.com/mirkobrombin/go-taskwarp/v1/errors"
	"github.com/mirkobrombin/go-taskwarp/v1/lock"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Backplanes.
const (
	BackplaneNone   = "none"
	BackplaneMemory = "memory"
	BackplaneRedis  = "redis"
	BackplaneNATS   = "nats"
	BackplaneKafka  = "kafka"
)

// Config holds every setting of the server.
type Config struct {
	Addr string

	Store     string
	RedisAddr string
	DSN       string

	Backplane    string
	BackplaneKey string
	NATSURL      string
	KafkaBrokers []string

	LockTTL       time.Duration
	JWTSecret     string
	JWTExpiration time.Duration
	BcryptCost    int

	QueueSize int
	Overflow  broadcast.Policy

	CORSOrigin string
	Trace      bool
	LogLevel   slog.Level
	LogFormat  string
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Addr:          ":3000",
		Store:         StoreMemory,
		RedisAddr:     "localhost:6379",
		Backplane:     BackplaneNone,
		BackplaneKey:  broadcast.DefaultBackplaneKey,
		NATSURL:       "nats://127.0.0.1:4222",
		LockTTL:       lock.DefaultTTL,
		JWTExpiration: 24 * time.Hour,
		BcryptCost:    12,
		QueueSize:     broadcast.DefaultQueueSize,
		Overflow:      broadcast.DropOldest,
		LogLevel:      slog.LevelInfo,
		LogFormat:     "json",
	}
}

// Load parses args on top of the environment read through getenv. Flags win
// over environment variables, which win over defaults.
func Load(args []string, getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	cfg := Default()
	if port := getenv("PORT"); port != "" {
		cfg.Addr = ":" + port
	}
	envString(getenv, "REDIS_ADDR", &cfg.RedisAddr)
	envString(getenv, "DATABASE_URL", &cfg.DSN)
	envString(getenv, "NATS_URL", &cfg.NATSURL)
	envString(getenv, "JWT_SECRET", &cfg.JWTSecret)
	envString(getenv, "CORS_ORIGIN", &cfg.CORSOrigin)
	envString(getenv, "TASKWARP_STORE", &cfg.Store)
	envString(getenv, "TASKWARP_BACKPLANE", &cfg.Backplane)
	if v := getenv("KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = splitList(v)
	}
	if v := getenv("LOCK_TTL_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, warperrors.Invalid(fmt.Sprintf("LOCK_TTL_SECONDS: %q is not a positive integer", v))
		}
		cfg.LockTTL = time.Duration(n) * time.Second
	}
	if v := getenv("JWT_EXPIRATION"); v != "" {
		d, err := ParseExpiration(v)
		if err != nil {
			return cfg, err
		}
		cfg.JWTExpiration = d
	}

	fs := flag.NewFlagSet("taskwarp-server", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var (
		brokers   = strings.Join(cfg.KafkaBrokers, ",")
		overflow  = cfg.Overflow.String()
		logLevel  = cfg.LogLevel.String()
		jwtExpiry = cfg.JWTExpiration.String()
	)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	fs.StringVar(&cfg.Store, "store", cfg.Store, "record and session store: memory, redis or postgres")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address")
	fs.StringVar(&cfg.DSN, "dsn", cfg.DSN, "PostgreSQL connection string")
	fs.StringVar(&cfg.Backplane, "backplane", cfg.Backplane, "broadcast backplane: none, memory, redis, nats or kafka")
	fs.StringVar(&cfg.BackplaneKey, "backplane-key", cfg.BackplaneKey, "backplane channel, subject or topic")
	fs.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "NATS server URL")
	fs.StringVar(&brokers, "kafka-brokers", brokers, "comma separated Kafka brokers")
	fs.DurationVar(&cfg.LockTTL, "lock-ttl", cfg.LockTTL, "maximum lock age before the sweep clears it")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "HS256 signing secret; empty issues opaque tokens")
	fs.StringVar(&jwtExpiry, "jwt-expiration", jwtExpiry, "token expiration, e.g. 24h or 7d")
	fs.IntVar(&cfg.BcryptCost, "bcrypt-cost", cfg.BcryptCost, "bcrypt work factor")
	fs.IntVar(&cfg.QueueSize, "queue-size", cfg.QueueSize, "per-connection outbound queue size")
	fs.StringVar(&overflow, "overflow", overflow, "full queue policy: drop-oldest or disconnect")
	fs.StringVar(&cfg.CORSOrigin, "cors-origin", cfg.CORSOrigin, "allowed CORS origin; empty disables CORS")
	fs.BoolVar(&cfg.Trace, "trace", cfg.Trace, "export OpenTelemetry spans to stdout")
	fs.StringVar(&logLevel, "log-level", logLevel, "log level: debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: json or text")
	if err := fs.Parse(args); err != nil {
		return cfg, warperrors.Invalid(err.Error())
	}

	cfg.KafkaBrokers = splitList(brokers)
	p, err := broadcast.ParsePolicy(overflow)
	if err != nil {
		return cfg, warperrors.Invalid(err.Error())
	}
	cfg.Overflow = p
	if err := cfg.LogLevel.UnmarshalText([]byte(logLevel)); err != nil {
		return cfg, warperrors.Invalid(fmt.Sprintf("log level %q", logLevel))
	}
	if cfg.JWTExpiration, err = ParseExpiration(jwtExpiry); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings that cannot work together.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StoreRedis:
		if c.RedisAddr == "" {
			return warperrors.Invalid("store redis needs a redis address")
		}
	case StorePostgres:
		if c.DSN == "" {
			return warperrors.Invalid("store postgres needs DATABASE_URL or -dsn")
		}
	default:
		return warperrors.Invalid(fmt.Sprintf("unknown store %q", c.Store))
	}
	switch c.Backplane {
	case BackplaneNone, BackplaneMemory:
	case BackplaneRedis:
		if c.RedisAddr == "" {
			return warperrors.Invalid("backplane redis needs a redis address")
		}
	case BackplaneNATS:
		if c.NATSURL == "" {
			return warperrors.Invalid("backplane nats needs NATS_URL or -nats-url")
		}
	case BackplaneKafka:
		if len(c.KafkaBrokers) == 0 {
			return warperrors.Invalid("backplane kafka needs KAFKA_BROKERS or -kafka-brokers")
		}
	default:
		return warperrors.Invalid(fmt.Sprintf("unknown backplane %q", c.Backplane))
	}
	if c.LockTTL <= 0 {
		return warperrors.Invalid("lock ttl must be positive")
	}
	if c.QueueSize <= 0 {
		return warperrors.Invalid("queue size must be positive")
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return warperrors.Invalid("bcrypt cost must be between 4 and 31")
	}
	if c.JWTSecret != "" && c.JWTExpiration <= 0 {
		return warperrors.Invalid("jwt expiration must be positive")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return warperrors.Invalid(fmt.Sprintf("unknown log format %q", c.LogFormat))
	}
	return nil
}

// ParseExpiration parses a Go duration or a whole number of days such as "7d".
func ParseExpiration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err == nil && n > 0 {
			return time.Duration(n) * 24 * time.Hour, nil
		}
	} else if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d, nil
	}
	return 0, warperrors.Invalid(fmt.Sprintf("jwt expiration %q", s))
}

func envString(getenv func(string) string, key string, dst *string) {
	if v := getenv(key); v != "" {
		*dst = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
