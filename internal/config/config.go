package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kr/pretty"
	"github.com/shopspring/decimal"
	"gopkg.in/validator.v2"
	"gopkg.in/yaml.v2"
)

const envPrefix = "STOCKSIM_"

// Config is the process configuration
type Config struct {
	Env     string  `yaml:"-"`
	Server  Server  `yaml:"server"`
	HTTP    HTTP    `yaml:"http"`
	Storage Storage `yaml:"storage"`
	Auth    Auth    `yaml:"auth"`
	Market  Market  `yaml:"market"`
	Log     Log     `yaml:"log"`
	Redis   Redis   `yaml:"redis"`
	Kafka   Kafka   `yaml:"kafka"`
}

// Server configures the trading line protocol listener
type Server struct {
	Address        string        `yaml:"address" validate:"nonzero"`
	WorkerPoolSize int           `yaml:"worker_pool_size" validate:"min=1"`
	MaxLineBytes   int           `yaml:"max_line_bytes" validate:"min=1024"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	InitialBalance string        `yaml:"initial_balance" validate:"nonzero"`
}

// HTTP configures the quote feed; an empty address disables it
type HTTP struct {
	Address string `yaml:"address"`
}

// Storage selects the durable store
type Storage struct {
	Driver string `yaml:"driver" validate:"regexp=^(postgres|memory)$"`
	DSN    string `yaml:"dsn"`
}

// Auth holds credentials and token settings
type Auth struct {
	AdminPassword string        `yaml:"admin_password" validate:"nonzero"`
	JWTSecret     string        `yaml:"jwt_secret" validate:"nonzero"`
	TokenTTL      time.Duration `yaml:"token_ttl"`
	BcryptCost    int           `yaml:"bcrypt_cost"`
}

// Market configures the price simulator
type Market struct {
	Interval time.Duration `yaml:"interval" validate:"min=1"`
	Band     float64       `yaml:"band"`
}

// Log configures the zap logger
type Log struct {
	Level      string `yaml:"level"`
	Encoding   string `yaml:"encoding"`
	FileName   string `yaml:"file_name"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
}

// Redis configures the quote publisher; an empty address disables it
type Redis struct {
	Address  string `yaml:"address"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	QuoteKey string `yaml:"quote_key"`
	Channel  string `yaml:"channel"`
}

// Kafka configures the trade publisher; no brokers disables it
type Kafka struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Env: "dev",
		Server: Server{
			Address:        "0.0.0.0:10024",
			WorkerPoolSize: 1024,
			MaxLineBytes:   64 * 1024,
			IdleTimeout:    10 * time.Minute,
			InitialBalance: "20000",
		},
		Storage: Storage{Driver: "memory"},
		Auth: Auth{
			TokenTTL: 24 * time.Hour,
		},
		Market: Market{
			Interval: 30 * time.Second,
			Band:     0.05,
		},
		Log: Log{
			Level:      "info",
			Encoding:   "console",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
		},
		Redis: Redis{
			QuoteKey: "stocksim:quotes",
			Channel:  "stocksim:ticks",
		},
		Kafka: Kafka{Topic: "stocksim.trades"},
	}
}

// GetEnv returns the deployment environment, "dev" when GO_ENV is unset
func GetEnv() string {
	e := os.Getenv("GO_ENV")
	if len(e) == 0 {
		return "dev"
	}
	return e
}

// DefaultPath returns conf/<env>/conf.yaml
func DefaultPath() string {
	return filepath.Join("conf", GetEnv(), "conf.yaml")
}

// Load reads .env if present, the YAML file at path on top of the defaults,
// then STOCKSIM_* environment overrides, and validates the result. A missing
// file is not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	cfg.Env = GetEnv()

	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
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
	strs := map[string]*string{
		"ADDRESS":        &c.Server.Address,
		"HTTP_ADDRESS":   &c.HTTP.Address,
		"STORAGE_DRIVER": &c.Storage.Driver,
		"POSTGRES_DSN":   &c.Storage.DSN,
		"ADMIN_PASSWORD": &c.Auth.AdminPassword,
		"JWT_SECRET":     &c.Auth.JWTSecret,
		"LOG_LEVEL":      &c.Log.Level,
		"REDIS_ADDRESS":  &c.Redis.Address,
		"KAFKA_TOPIC":    &c.Kafka.Topic,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}
	if v, ok := os.LookupEnv(envPrefix + "KAFKA_BROKERS"); ok {
		c.Kafka.Brokers = splitList(v)
	}
	if v, ok := os.LookupEnv(envPrefix + "MARKET_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %sMARKET_INTERVAL: %w", envPrefix, err)
		}
		c.Market.Interval = d
	}
	if v, ok := os.LookupEnv(envPrefix + "WORKER_POOL_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sWORKER_POOL_SIZE: %w", envPrefix, err)
		}
		c.Server.WorkerPoolSize = n
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks field constraints and cross-field rules
func (c *Config) Validate() error {
	if err := validator.Validate(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("invalid config: storage.dsn is required for the postgres driver")
	}
	if c.Market.Band <= 0 || c.Market.Band >= 1 {
		return fmt.Errorf("invalid config: market.band must be in (0, 1), got %v", c.Market.Band)
	}
	if _, err := c.InitialBalance(); err != nil {
		return err
	}
	return nil
}

// InitialBalance returns the parsed starting cash of a new user
func (c *Config) InitialBalance() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.Server.InitialBalance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid config: server.initial_balance: %w", err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("invalid config: server.initial_balance must not be negative")
	}
	return d, nil
}

// String renders the configuration with secrets masked
func (c *Config) String() string {
	masked := *c
	if masked.Auth.AdminPassword != "" {
		masked.Auth.AdminPassword = "***"
	}
	if masked.Auth.JWTSecret != "" {
		masked.Auth.JWTSecret = "***"
	}
	if masked.Redis.Password != "" {
		masked.Redis.Password = "***"
	}
	if masked.Storage.DSN != "" {
		masked.Storage.DSN = "***"
	}
	return pretty.Sprintf("%# v", masked)
}
