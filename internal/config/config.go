package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/teris-io/shortid"
	"gopkg.in/yaml.v3"
)

const (
	RelayRedis = "redis"
	RelayNats  = "nats"
)

const (
	defaultServerAddr  = "localhost:8000"
	defaultDatabaseDSN = "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"
	defaultSigningKey  = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="
	defaultRedisAddr   = "localhost:6379"
	defaultNatsServer  = "nats://127.0.0.1:4222"
	defaultPresenceTTL = 5 * time.Minute
)

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Config struct {
	ServerAddr  string `yaml:"server_addr"`
	DatabaseDSN string `yaml:"database_dsn"`
	// SigningSecret is the base64 encoded form of SigningKey.
	SigningSecret  string   `yaml:"signing_key"`
	SigningKey     []byte   `yaml:"-"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// ServerId names this process in presence records and relay topics.
	// A random id is generated when it is empty.
	ServerId     string        `yaml:"server_id"`
	Redis        RedisConfig   `yaml:"redis"`
	RelayBackend string        `yaml:"relay_backend"`
	NatsServers  []string      `yaml:"nats_servers"`
	PresenceTTL  time.Duration `yaml:"presence_ttl"`
	Migrate      bool          `yaml:"migrate"`
}

func Default() *Config {
	return &Config{
		ServerAddr:    defaultServerAddr,
		DatabaseDSN:   defaultDatabaseDSN,
		SigningSecret: defaultSigningKey,
		Redis:         RedisConfig{Addr: defaultRedisAddr},
		RelayBackend:  RelayRedis,
		NatsServers:   []string{defaultNatsServer},
		PresenceTTL:   defaultPresenceTTL,
		Migrate:       true,
	}
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("signing key is empty")
	}
	return key, nil
}

// NewConfig builds a validated config from the required settings, leaving
// everything else at its default.
func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	cfg := Default()
	cfg.ServerAddr = serverAddr
	cfg.DatabaseDSN = databaseDSN
	cfg.SigningSecret = base64Secret
	cfg.AllowedOrigins = allowedOrigins

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile reads a YAML config file on top of the defaults. The result is
// not validated.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the settings and fills in derived values.
func (c *Config) Validate() error {
	if c.ServerAddr == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if c.DatabaseDSN == "" {
		return fmt.Errorf("database DSN cannot be empty")
	}
	if c.SigningSecret == "" {
		return fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(c.SigningSecret)
	if err != nil {
		return fmt.Errorf("decode signing secret: %w", err)
	}
	c.SigningKey = signingKey

	switch c.RelayBackend {
	case RelayRedis:
	case RelayNats:
		if len(c.NatsServers) == 0 {
			return fmt.Errorf("nats relay requires at least one server")
		}
	default:
		return fmt.Errorf("unknown relay backend %q", c.RelayBackend)
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis address cannot be empty")
	}

	if c.PresenceTTL <= 0 {
		return fmt.Errorf("presence ttl must be positive, got %s", c.PresenceTTL)
	}

	if c.ServerId == "" {
		id, err := shortid.Generate()
		if err != nil {
			return fmt.Errorf("generate server id: %w", err)
		}
		c.ServerId = id
	}

	return nil
}

// Flags binds the command-line overrides for a Config.
type Flags struct {
	fs *pflag.FlagSet

	configPath     string
	serverAddr     string
	databaseDSN    string
	signingKey     string
	allowedOrigins []string
	serverId       string
	redisAddr      string
	redisPassword  string
	redisDB        int
	relayBackend   string
	natsServers    []string
	presenceTTL    time.Duration
	migrate        bool
}

func BindFlags(fs *pflag.FlagSet) *Flags {
	d := Default()
	f := &Flags{fs: fs}

	fs.StringVar(&f.configPath, "config", "", "path to a YAML config file")
	fs.StringVar(&f.serverAddr, "addr", d.ServerAddr, "server address")
	fs.StringVar(&f.databaseDSN, "dsn", d.DatabaseDSN, "database connection string")
	fs.StringVar(&f.signingKey, "signing-key", d.SigningSecret, "base64 encoded signing key")
	fs.StringSliceVar(&f.allowedOrigins, "allowed-origins", nil, "comma-separated list of allowed origins for CORS")
	fs.StringVar(&f.serverId, "server-id", "", "id of this process (generated when empty)")
	fs.StringVar(&f.redisAddr, "redis-addr", d.Redis.Addr, "redis address")
	fs.StringVar(&f.redisPassword, "redis-password", "", "redis password")
	fs.IntVar(&f.redisDB, "redis-db", 0, "redis database")
	fs.StringVar(&f.relayBackend, "relay", d.RelayBackend, "relay backend (redis or nats)")
	fs.StringSliceVar(&f.natsServers, "nats-servers", d.NatsServers, "comma-separated list of NATS servers")
	fs.DurationVar(&f.presenceTTL, "presence-ttl", d.PresenceTTL, "how long a presence record lives without a heartbeat")
	fs.BoolVar(&f.migrate, "migrate", d.Migrate, "apply database migrations on startup")

	return f
}

// Load reads the config file named by --config, if any, applies the flags
// that were set explicitly and validates the result.
func (f *Flags) Load() (*Config, error) {
	cfg := Default()
	if f.configPath != "" {
		var err error
		if cfg, err = LoadFile(f.configPath); err != nil {
			return nil, err
		}
	}

	set := func(name string, apply func()) {
		if f.fs.Changed(name) {
			apply()
		}
	}
	set("addr", func() { cfg.ServerAddr = f.serverAddr })
	set("dsn", func() { cfg.DatabaseDSN = f.databaseDSN })
	set("signing-key", func() { cfg.SigningSecret = f.signingKey })
	set("allowed-origins", func() { cfg.AllowedOrigins = f.allowedOrigins })
	set("server-id", func() { cfg.ServerId = f.serverId })
	set("redis-addr", func() { cfg.Redis.Addr = f.redisAddr })
	set("redis-password", func() { cfg.Redis.Password = f.redisPassword })
	set("redis-db", func() { cfg.Redis.DB = f.redisDB })
	set("relay", func() { cfg.RelayBackend = f.relayBackend })
	set("nats-servers", func() { cfg.NatsServers = f.natsServers })
	set("presence-ttl", func() { cfg.PresenceTTL = f.presenceTTL })
	set("migrate", func() { cfg.Migrate = f.migrate })

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
