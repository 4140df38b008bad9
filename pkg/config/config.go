package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Connection holds the settings of one realtime connection. Every field is
// static for the lifetime of a manager except Token.
type Connection struct {
	URL                  string        `yaml:"url"`
	Token                string        `yaml:"token"`
	UserID               string        `yaml:"user_id"`
	ReconnectAttempts    int           `yaml:"reconnect_attempts"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	ConnectionTimeout    time.Duration `yaml:"connection_timeout"`
	QueueCapacity        int           `yaml:"queue_capacity"`
	MessageMaxAttempts   int           `yaml:"message_max_attempts"`
	PongTimeoutIntervals int           `yaml:"pong_timeout_intervals"`
	Debug                bool          `yaml:"debug"`
}

// Store holds the communication store settings.
type Store struct {
	AutoAway             bool          `yaml:"auto_away"`
	AutoAwayDelay        time.Duration `yaml:"auto_away_delay"`
	DesktopNotifications bool          `yaml:"desktop_notifications"`
	TypingTimeout        time.Duration `yaml:"typing_timeout"`
}

type Gateway struct {
	Addr           string   `yaml:"addr"`
	JWTSecret      string   `yaml:"jwt_secret"`
	KafkaBrokers   []string `yaml:"kafka_brokers"`
	KafkaTopic     string   `yaml:"kafka_topic"`
	RedisAddr      string   `yaml:"redis_addr"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
}

// API holds the settings of the HTTP read API.
type API struct {
	Addr     string        `yaml:"addr"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

type Persistence struct {
	Driver         string   `yaml:"driver"`
	PebblePath     string   `yaml:"pebble_path"`
	ScyllaHosts    []string `yaml:"scylla_hosts"`
	ScyllaKeyspace string   `yaml:"scylla_keyspace"`
}

const (
	DriverNone   = "none"
	DriverPebble = "pebble"
	DriverScylla = "scylla"
)

type Config struct {
	Connection  Connection  `yaml:"connection"`
	Store       Store       `yaml:"store"`
	Gateway     Gateway     `yaml:"gateway"`
	API         API         `yaml:"api"`
	Persistence Persistence `yaml:"persistence"`
}

// Defaults returns a config with every default applied.
func Defaults() *Config {
	return &Config{
		Connection: DefaultConnection(),
		Store: Store{
			AutoAway:             true,
			AutoAwayDelay:        5 * time.Minute,
			DesktopNotifications: true,
		},
		Gateway: Gateway{
			Addr:           ":8080",
			KafkaBrokers:   []string{"localhost:19092"},
			KafkaTopic:     "chat-messages",
			RedisAddr:      "localhost:6379",
			RateLimitRPS:   20,
			RateLimitBurst: 40,
		},
		API: API{
			Addr:     ":8081",
			TokenTTL: 24 * time.Hour,
		},
		Persistence: Persistence{
			Driver:         DriverNone,
			PebblePath:     "data/commlayer",
			ScyllaHosts:    []string{"localhost:9042"},
			ScyllaKeyspace: "chat",
		},
	}
}

func DefaultConnection() Connection {
	return Connection{
		URL:                "ws://localhost:8080/ws",
		ReconnectAttempts:  5,
		ReconnectDelay:     time.Second,
		HeartbeatInterval:  30 * time.Second,
		ConnectionTimeout:  10 * time.Second,
		QueueCapacity:      100,
		MessageMaxAttempts: 3,
	}
}

// Load reads an optional .env file, an optional YAML file named by
// COMMLAYER_CONFIG and finally environment overrides.
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom is Load with path used in place of COMMLAYER_CONFIG when it is
// not empty. The commands pass their --config flag here.
func LoadFrom(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("COMMLAYER_CONFIG")
	}
	cfg := Defaults()
	if path != "" {
		fileCfg, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadFile reads a YAML config on top of Defaults.
func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Errorf("config file not found: %s", path)
		}
		return nil, errors.Wrap(err, "read config")
	}
	cfg := Defaults()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	c := &cfg.Connection
	c.URL = getEnv("COMM_URL", c.URL)
	c.Token = getEnv("COMM_TOKEN", c.Token)
	c.UserID = getEnv("COMM_USER_ID", c.UserID)
	c.Debug = getEnv("COMM_DEBUG", strconv.FormatBool(c.Debug)) == "true"

	var err error
	if c.ReconnectAttempts, err = getEnvInt("COMM_RECONNECT_ATTEMPTS", c.ReconnectAttempts); err != nil {
		return err
	}
	if c.ReconnectDelay, err = getEnvDuration("COMM_RECONNECT_DELAY", c.ReconnectDelay); err != nil {
		return err
	}
	if c.HeartbeatInterval, err = getEnvDuration("COMM_HEARTBEAT_INTERVAL", c.HeartbeatInterval); err != nil {
		return err
	}
	if c.ConnectionTimeout, err = getEnvDuration("COMM_CONNECTION_TIMEOUT", c.ConnectionTimeout); err != nil {
		return err
	}
	if c.QueueCapacity, err = getEnvInt("COMM_QUEUE_CAPACITY", c.QueueCapacity); err != nil {
		return err
	}

	s := &cfg.Store
	s.AutoAway = getEnv("COMM_AUTO_AWAY", strconv.FormatBool(s.AutoAway)) == "true"
	if s.AutoAwayDelay, err = getEnvDuration("COMM_AUTO_AWAY_DELAY", s.AutoAwayDelay); err != nil {
		return err
	}

	g := &cfg.Gateway
	g.Addr = getEnv("GATEWAY_ADDR", g.Addr)
	g.JWTSecret = getEnv("JWT_SECRET", g.JWTSecret)
	g.KafkaBrokers = getEnvList("KAFKA_BROKERS", g.KafkaBrokers)
	g.KafkaTopic = getEnv("KAFKA_TOPIC", g.KafkaTopic)
	g.RedisAddr = getEnv("REDIS_ADDR", g.RedisAddr)

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)

	p := &cfg.Persistence
	p.Driver = getEnv("PERSIST_DRIVER", p.Driver)
	p.PebblePath = getEnv("PEBBLE_PATH", p.PebblePath)
	p.ScyllaHosts = getEnvList("SCYLLA_HOSTS", p.ScyllaHosts)
	p.ScyllaKeyspace = getEnv("SCYLLA_KEYSPACE", p.ScyllaKeyspace)
	return nil
}

// Validate fills zero values with defaults and rejects invalid settings.
func (c *Config) Validate() error {
	if err := c.Connection.Validate(); err != nil {
		return err
	}
	if c.Store.AutoAwayDelay < 0 || c.Store.TypingTimeout < 0 {
		return errors.New("store durations must not be negative")
	}
	if c.Store.AutoAwayDelay == 0 {
		c.Store.AutoAwayDelay = 5 * time.Minute
	}
	switch c.Persistence.Driver {
	case "", DriverNone:
		c.Persistence.Driver = DriverNone
	case DriverPebble, DriverScylla:
	default:
		return errors.Errorf("unknown persistence driver %q", c.Persistence.Driver)
	}
	return nil
}

// Validate fills zero values with defaults and rejects negative settings.
func (c *Connection) Validate() error {
	if c.ReconnectAttempts < 0 || c.QueueCapacity < 0 || c.MessageMaxAttempts < 0 || c.PongTimeoutIntervals < 0 {
		return errors.New("connection counts must not be negative")
	}
	if c.ReconnectDelay < 0 || c.HeartbeatInterval < 0 || c.ConnectionTimeout < 0 {
		return errors.New("connection durations must not be negative")
	}
	d := DefaultConnection()
	if c.URL == "" {
		c.URL = d.URL
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = d.ConnectionTimeout
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.MessageMaxAttempts == 0 {
		c.MessageMaxAttempts = d.MessageMaxAttempts
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	return n, errors.Wrapf(err, "parse %s", key)
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	return d, errors.Wrapf(err, "parse %s", key)
}

func getEnvList(key string, defaultValue []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	parts := strings.Split(v, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}
