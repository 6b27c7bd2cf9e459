package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig
	DB        DBConfig
	Redis     RedisConfig
	NATS      NATSConfig
	CoreAPI   CoreAPIConfig
	Session   SessionConfig
	RateLimit RateLimitConfig
	AuthLimit AuthLimitConfig
	CORS      CORSConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type DBConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	Name           string
	SSLMode        string
	MaxConns       int32
	QueryTimeout   time.Duration
	MigrationsPath string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NATSConfig is optional; an empty URL disables event publishing.
type NATSConfig struct {
	URL string
}

type CoreAPIConfig struct {
	URL     string
	Timeout time.Duration
}

type SessionConfig struct {
	Duration         time.Duration
	TokenTTL         time.Duration
	RefreshThreshold time.Duration
	LockTTL          time.Duration
	CookieName       string
	CookieSecure     bool
}

// Commit policies for the rate-limit ledger.
const (
	CommitAttempts  = "attempts"
	CommitSuccesses = "successes"
)

type RateLimitConfig struct {
	CommitPolicy  string
	Transcribe    LimitBundle
	Analyze       LimitBundle
	PruneInterval time.Duration
}

// LimitBundle holds the thresholds of one action class. A zero limit
// disables that tier.
type LimitBundle struct {
	Hour      int
	Day       int
	IPDay     int
	GlobalDay int
}

type AuthLimitConfig struct {
	MaxRequests int
	WindowSec   int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: k.String("server.host"),
			Port: k.Int("server.port"),
		},
		DB: DBConfig{
			Host:           k.String("db.host"),
			Port:           k.Int("db.port"),
			User:           k.String("db.user"),
			Password:       k.String("db.password"),
			Name:           k.String("db.name"),
			SSLMode:        k.String("db.sslmode"),
			MaxConns:       int32(k.Int("db.max.conns")),
			MigrationsPath: k.String("migrations.path"),
		},
		Redis: RedisConfig{
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		NATS: NATSConfig{
			URL: k.String("nats.url"),
		},
		CoreAPI: CoreAPIConfig{
			URL: k.String("core.api.url"),
		},
		Session: SessionConfig{
			CookieName:   k.String("session.cookie.name"),
			CookieSecure: k.Bool("session.cookie.secure"),
		},
		RateLimit: RateLimitConfig{
			CommitPolicy: strings.ToLower(k.String("ratelimit.commit.policy")),
			Transcribe: LimitBundle{
				Hour:      k.Int("ratelimit.hour"),
				Day:       k.Int("ratelimit.day"),
				IPDay:     k.Int("ratelimit.ip.day"),
				GlobalDay: k.Int("ratelimit.global.day"),
			},
			Analyze: LimitBundle{
				Hour:      k.Int("ratelimit.llm.hour"),
				Day:       k.Int("ratelimit.llm.day"),
				IPDay:     k.Int("ratelimit.llm.ip.day"),
				GlobalDay: k.Int("ratelimit.llm.global.day"),
			},
		},
		AuthLimit: AuthLimitConfig{
			MaxRequests: k.Int("auth.ratelimit.max"),
			WindowSec:   k.Int("auth.ratelimit.window"),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitList(k.String("cors.origins")),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "eversaid"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "eversaid"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 25
	}
	if cfg.DB.MigrationsPath == "" {
		cfg.DB.MigrationsPath = "migrations"
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.CoreAPI.URL == "" {
		cfg.CoreAPI.URL = "http://localhost:8000"
	}
	if cfg.Session.CookieName == "" {
		cfg.Session.CookieName = "eversaid_session_id"
	}
	if cfg.RateLimit.CommitPolicy == "" {
		cfg.RateLimit.CommitPolicy = CommitAttempts
	}
	if cfg.RateLimit.Transcribe == (LimitBundle{}) {
		cfg.RateLimit.Transcribe = LimitBundle{Day: 20, IPDay: 20, GlobalDay: 1000}
	}
	if cfg.RateLimit.Analyze == (LimitBundle{}) {
		cfg.RateLimit.Analyze = LimitBundle{Day: 200, IPDay: 200, GlobalDay: 10000}
	}
	if cfg.AuthLimit.MaxRequests == 0 {
		cfg.AuthLimit.MaxRequests = 30
	}
	if cfg.AuthLimit.WindowSec == 0 {
		cfg.AuthLimit.WindowSec = 60
	}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		cfg.CORS.AllowedOrigins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	// Parse durations
	durations := []struct {
		key  string
		def  string
		dest *time.Duration
	}{
		{"server.read.timeout", "60s", &cfg.Server.ReadTimeout},
		{"server.write.timeout", "120s", &cfg.Server.WriteTimeout},
		{"server.shutdown.timeout", "30s", &cfg.Server.ShutdownTimeout},
		{"db.query.timeout", "5s", &cfg.DB.QueryTimeout},
		{"core.api.timeout", "60s", &cfg.CoreAPI.Timeout},
		{"session.duration", "168h", &cfg.Session.Duration},
		{"session.token.ttl", "168h", &cfg.Session.TokenTTL},
		{"session.refresh.threshold", "1h", &cfg.Session.RefreshThreshold},
		{"session.lock.ttl", "30s", &cfg.Session.LockTTL},
		{"ratelimit.prune.interval", "1h", &cfg.RateLimit.PruneInterval},
	}
	for _, d := range durations {
		raw := k.String(d.key)
		if raw == "" {
			raw = d.def
		}
		*d.dest, err = time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", d.key, err)
		}
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
