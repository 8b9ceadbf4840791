package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/civita/formation/internal/domain/activity"
)

const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"

	TimerStoreDefault = ""
	TimerStoreRaft    = "raft"
)

// Config holds service configuration.
type Config struct {
	ServerAddr string `env:"SERVER_ADDR" envDefault:"0.0.0.0:8080"`
	LogLevel   string `env:"LOG_LEVEL"   envDefault:"info"`

	Store       string `env:"STORE"        envDefault:"sqlite"`
	SQLitePath  string `env:"SQLITE_PATH"  envDefault:"formation.db"`
	DatabaseURL string `env:"DATABASE_URL"`
	Postgres    PostgresEnv

	TimerStore    string `env:"TIMER_STORE"`
	RaftNodeID    string `env:"RAFT_NODE_ID"   envDefault:"node-1"`
	RaftBind      string `env:"RAFT_BIND"      envDefault:"127.0.0.1:7000"`
	RaftDir       string `env:"RAFT_DIR"       envDefault:"raft"`
	RaftBootstrap bool   `env:"RAFT_BOOTSTRAP" envDefault:"true"`

	// RaftJoin is the HTTP base URL of a running node; this node asks it to
	// add it as a voter and never bootstraps.
	RaftJoin    string `env:"RAFT_JOIN"`
	RaftJoinKey string `env:"RAFT_JOIN_KEY"`

	SoftLockDelay     time.Duration     `env:"SOFT_LOCK_DELAY"       envDefault:"2m"`
	SoftLockDelaysRaw map[string]string `env:"SOFT_LOCK_DELAYS"      envSeparator:"," envKeyValSeparator:":"`
	SchedulerInterval time.Duration     `env:"SCHEDULER_INTERVAL"    envDefault:"5s"`
	RepairInterval    time.Duration     `env:"TIMER_REPAIR_INTERVAL" envDefault:"1m"`
	SchedulerBatch    int               `env:"SCHEDULER_BATCH"       envDefault:"50"`
	RetryBase         time.Duration     `env:"TIMER_RETRY_BASE"      envDefault:"1s"`
	RetryMax          time.Duration     `env:"TIMER_RETRY_MAX"       envDefault:"5m"`
	ChargeTimeout     time.Duration     `env:"CHARGE_TIMEOUT"        envDefault:"15s"`
	SettlementKeyHex  string            `env:"SETTLEMENT_SIGNING_KEY"`

	GatewayURL string   `env:"PAYMENT_GATEWAY_URL"`
	GatewayKey string   `env:"PAYMENT_GATEWAY_KEY"`
	Declined   []string `env:"SANDBOX_DECLINED" envSeparator:","`

	JWTSecret          string   `env:"JWT_SECRET"`
	JWTIssuer          string   `env:"JWT_ISSUER"`
	OrganizerKeyHashes []string `env:"ORGANIZER_KEY_HASHES" envSeparator:","`
	CORSOrigins        []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`

	OTELEndpoint    string  `env:"OTEL_EXPORTER_ENDPOINT"`
	OTELSampleRatio float64 `env:"OTEL_SAMPLE_RATIO" envDefault:"1"`

	// Derived by Load.
	SoftLockDelays map[activity.Kind]time.Duration
	SettlementKey  []byte
}

// PostgresEnv builds DATABASE_URL when it is not set.
type PostgresEnv struct {
	User     string `env:"POSTGRES_USER"     envDefault:"formation"`
	Password string `env:"POSTGRES_PASSWORD" envDefault:"formation_pass"`
	DB       string `env:"POSTGRES_DB"       envDefault:"formation"`
	Host     string `env:"POSTGRES_HOST"     envDefault:"localhost"`
	Port     string `env:"POSTGRES_PORT"     envDefault:"5432"`
	SSLMode  string `env:"DATABASE_SSLMODE"  envDefault:"disable"`
}

func (p PostgresEnv) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, p.Port, p.DB, p.SSLMode)
}

// Load reads configuration from environment.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) finish() error {
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	switch c.Store {
	case StoreSQLite:
	case StorePostgres:
		if c.DatabaseURL == "" {
			c.DatabaseURL = c.Postgres.DSN()
		}
	default:
		return fmt.Errorf("unknown STORE %q", c.Store)
	}

	c.TimerStore = strings.ToLower(strings.TrimSpace(c.TimerStore))
	switch c.TimerStore {
	case TimerStoreDefault, TimerStoreRaft:
	default:
		return fmt.Errorf("unknown TIMER_STORE %q", c.TimerStore)
	}
	c.RaftJoin = strings.TrimSpace(c.RaftJoin)
	if c.RaftJoin != "" {
		if c.TimerStore != TimerStoreRaft {
			return fmt.Errorf("RAFT_JOIN requires TIMER_STORE=raft")
		}
		// replicas must share activities for the leader to fire their timers
		if c.Store != StorePostgres {
			return fmt.Errorf("RAFT_JOIN requires STORE=postgres")
		}
		c.RaftBootstrap = false
	}

	if c.SoftLockDelay < 0 {
		return fmt.Errorf("SOFT_LOCK_DELAY must not be negative")
	}
	c.SoftLockDelays = make(map[activity.Kind]time.Duration, len(c.SoftLockDelaysRaw))
	for k, v := range c.SoftLockDelaysRaw {
		kind := activity.Kind(strings.ToUpper(strings.TrimSpace(k)))
		if err := activity.ValidateKind(kind); err != nil {
			return fmt.Errorf("SOFT_LOCK_DELAYS: %w", err)
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil || d < 0 {
			return fmt.Errorf("SOFT_LOCK_DELAYS: invalid delay %q for %s", v, kind)
		}
		c.SoftLockDelays[kind] = d
	}

	if c.SettlementKeyHex != "" {
		key, err := hex.DecodeString(c.SettlementKeyHex)
		if err != nil {
			return fmt.Errorf("SETTLEMENT_SIGNING_KEY must be hex: %w", err)
		}
		c.SettlementKey = key
	}
	return nil
}
