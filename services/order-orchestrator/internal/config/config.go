package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/amodvardhan/INDMoneyPlus/libs/config"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/connector"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/instruments"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/routing"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/validation"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
	MaxConns int32
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Enabled      bool
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	KeyPrefix    string
	TTL          time.Duration
	ClaimTTL     time.Duration
}

type KafkaTopics struct {
	OrderEvents string
	Executions  string
	DeadLetter  string
}

type KafkaConfig struct {
	Enabled           bool
	Brokers           []string
	ConsumerGroup     string
	ConsumeExecutions bool
	MaxAttempts       int
	RetryBackoff      time.Duration
	Topics            KafkaTopics
}

type EventsConfig struct {
	Enabled        bool
	PublishTimeout time.Duration
}

type GRPCConfig struct {
	Host string
	Port int
}

func (g GRPCConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

type ConnectorsConfig struct {
	PlaceTimeout         time.Duration
	StatusTimeout        time.Duration
	PlacementConcurrency int
	Breaker              connector.BreakerConfig
}

type Config struct {
	App                    base.AppConfig
	StorageDriver          string
	DB                     DBConfig
	Redis                  RedisConfig
	Kafka                  KafkaConfig
	Events                 EventsConfig
	GRPC                   GRPCConfig
	Connectors             ConnectorsConfig
	Routing                routing.Config
	Validation             validation.Rules
	FallbackReferencePrice decimal.Decimal
	Instruments            []instruments.Instrument
	JWTSecret              string
	CORSOrigins            []string
}

type instrumentEntry struct {
	ID             int64  `mapstructure:"id"`
	Symbol         string `mapstructure:"symbol"`
	Class          string `mapstructure:"class"`
	LotSize        string `mapstructure:"lot_size"`
	ReferencePrice string `mapstructure:"reference_price"`
}

// Load reads ORCH_CONFIG (default config.yaml), a local .env file and the
// environment. ORCH_-prefixed variables override file values.
func Load() (*Config, error) {
	_ = godotenv.Load()

	path := os.Getenv(base.EnvPrefix + "_CONFIG")
	appCfg, err := base.Load(path)
	if err != nil {
		return nil, err
	}
	v, err := base.NewViper(path)
	if err != nil {
		return nil, err
	}
	return fromViper(v, *appCfg)
}

func fromViper(v *viper.Viper, app base.AppConfig) (*Config, error) {
	setDefaults(v)

	rules := validation.DefaultRules()
	var err error
	if rules.MinLotSize, err = decimalKey(v, "validation.min_lot_size"); err != nil {
		return nil, err
	}
	if rules.MaxOrderValue, err = decimalKey(v, "validation.max_order_value"); err != nil {
		return nil, err
	}
	if rules.MarginLimit, err = decimalKey(v, "validation.margin_limit"); err != nil {
		return nil, err
	}
	rules.MarginCheckEnabled = v.GetBool("validation.margin_check_enabled")
	fallbackPrice, err := decimalKey(v, "validation.fallback_reference_price")
	if err != nil {
		return nil, err
	}

	items, err := loadInstruments(v)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		App:           app,
		StorageDriver: strings.ToLower(strings.TrimSpace(v.GetString("storage.driver"))),
		DB: DBConfig{
			Host:     envString("DB_HOST", envString("POSTGRES_HOST", v.GetString("db.host"))),
			Port:     envInt("DB_PORT", envInt("POSTGRES_PORT", v.GetInt("db.port"))),
			Name:     envString("DB_NAME", envString("POSTGRES_DB", v.GetString("db.name"))),
			User:     envString("DB_USER", envString("POSTGRES_USER", v.GetString("db.user"))),
			Password: envString("DB_PASSWORD", envString("POSTGRES_PASSWORD", v.GetString("db.password"))),
			SSLMode:  envString("DB_SSLMODE", envString("POSTGRES_SSLMODE", v.GetString("db.sslmode"))),
			MaxConns: v.GetInt32("db.max_conns"),
		},
		Redis: RedisConfig{
			Enabled:      v.GetBool("redis.enabled"),
			Addr:         envString("REDIS_ADDR", v.GetString("redis.addr")),
			Password:     envString("REDIS_PASSWORD", v.GetString("redis.password")),
			DB:           v.GetInt("redis.db"),
			DialTimeout:  v.GetDuration("redis.dial_timeout"),
			ReadTimeout:  v.GetDuration("redis.read_timeout"),
			WriteTimeout: v.GetDuration("redis.write_timeout"),
			KeyPrefix:    v.GetString("redis.key_prefix"),
			TTL:          v.GetDuration("redis.ttl"),
			ClaimTTL:     v.GetDuration("redis.claim_ttl"),
		},
		Kafka: KafkaConfig{
			Enabled:           v.GetBool("kafka.enabled"),
			Brokers:           envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ConsumerGroup:     v.GetString("kafka.consumer_group"),
			ConsumeExecutions: v.GetBool("kafka.consume_executions"),
			MaxAttempts:       v.GetInt("kafka.max_attempts"),
			RetryBackoff:      v.GetDuration("kafka.retry_backoff"),
			Topics: KafkaTopics{
				OrderEvents: v.GetString("kafka.topics.order_events"),
				Executions:  v.GetString("kafka.topics.executions"),
				DeadLetter:  v.GetString("kafka.topics.dead_letter"),
			},
		},
		Events: EventsConfig{
			Enabled:        v.GetBool("events.enabled"),
			PublishTimeout: v.GetDuration("events.publish_timeout"),
		},
		GRPC: GRPCConfig{
			Host: v.GetString("grpc.host"),
			Port: v.GetInt("grpc.port"),
		},
		Connectors: ConnectorsConfig{
			PlaceTimeout:         v.GetDuration("connectors.place_timeout"),
			StatusTimeout:        v.GetDuration("connectors.status_timeout"),
			PlacementConcurrency: v.GetInt("connectors.placement_concurrency"),
			Breaker: connector.BreakerConfig{
				FailureThreshold: v.GetInt("connectors.breaker.failure_threshold"),
				SuccessThreshold: v.GetInt("connectors.breaker.success_threshold"),
				OpenTimeout:      v.GetDuration("connectors.breaker.open_timeout"),
			},
		},
		Routing: routing.Config{
			Strategy:      v.GetString("routing.strategy"),
			DefaultBroker: v.GetString("routing.default_broker"),
			Classes:       v.GetStringMapString("routing.instrument_classes"),
		},
		Validation:             rules,
		FallbackReferencePrice: fallbackPrice,
		Instruments:            items,
		JWTSecret:              envString("JWT_SECRET", v.GetString("jwt_secret")),
		CORSOrigins:            v.GetStringSlice("cors.allowed_origins"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StorageDriver {
	case StorageDriverPostgres, StorageDriverMemory:
	default:
		return fmt.Errorf("storage.driver must be %q or %q, got %q", StorageDriverPostgres, StorageDriverMemory, c.StorageDriver)
	}
	if c.GRPC.Port <= 0 {
		return fmt.Errorf("grpc.port must be positive")
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers required")
		}
		if c.Kafka.Topics.OrderEvents == "" {
			return fmt.Errorf("kafka order events topic required")
		}
		if c.Kafka.ConsumeExecutions && (c.Kafka.ConsumerGroup == "" || c.Kafka.Topics.Executions == "") {
			return fmt.Errorf("kafka consumer group and executions topic required")
		}
	}
	if c.Connectors.PlaceTimeout <= 0 || c.Connectors.StatusTimeout <= 0 {
		return fmt.Errorf("connector timeouts must be positive")
	}
	if c.Connectors.PlacementConcurrency <= 0 {
		return fmt.Errorf("connectors.placement_concurrency must be positive")
	}
	if !c.Validation.MinLotSize.IsPositive() {
		return fmt.Errorf("validation.min_lot_size must be positive")
	}
	if _, err := routing.NewStrategy(c.Routing, nil); err != nil {
		return err
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.driver", StorageDriverPostgres)
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.name", "order_orchestrator")
	v.SetDefault("db.user", "orchestrator")
	v.SetDefault("db.password", "orchestrator")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.max_conns", 10)

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dial_timeout", "2s")
	v.SetDefault("redis.read_timeout", "500ms")
	v.SetDefault("redis.write_timeout", "500ms")
	v.SetDefault("redis.key_prefix", "idempotency:")
	v.SetDefault("redis.ttl", "24h")
	v.SetDefault("redis.claim_ttl", "30s")

	v.SetDefault("kafka.enabled", true)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group", "order-orchestrator")
	v.SetDefault("kafka.consume_executions", true)
	v.SetDefault("kafka.max_attempts", 3)
	v.SetDefault("kafka.retry_backoff", "500ms")
	v.SetDefault("kafka.topics.order_events", "order-events")
	v.SetDefault("kafka.topics.executions", "broker.executions")
	v.SetDefault("kafka.topics.dead_letter", "order-orchestrator.dlq")

	v.SetDefault("events.enabled", true)
	v.SetDefault("events.publish_timeout", "2s")

	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 9095)

	v.SetDefault("connectors.place_timeout", "5s")
	v.SetDefault("connectors.status_timeout", "2s")
	v.SetDefault("connectors.placement_concurrency", 4)
	v.SetDefault("connectors.breaker.failure_threshold", 5)
	v.SetDefault("connectors.breaker.success_threshold", 2)
	v.SetDefault("connectors.breaker.open_timeout", "30s")

	v.SetDefault("routing.strategy", routing.StrategyRoundRobin)

	v.SetDefault("validation.min_lot_size", "1")
	v.SetDefault("validation.max_order_value", "10000000")
	v.SetDefault("validation.margin_check_enabled", true)
	v.SetDefault("validation.margin_limit", "1000000")
	v.SetDefault("validation.fallback_reference_price", "1000")

	v.SetDefault("jwt_secret", "")
	v.SetDefault("cors.allowed_origins", []string{"*"})
}

func loadInstruments(v *viper.Viper) ([]instruments.Instrument, error) {
	var entries []instrumentEntry
	if err := v.UnmarshalKey("instruments", &entries); err != nil {
		return nil, fmt.Errorf("instruments: %w", err)
	}
	out := make([]instruments.Instrument, 0, len(entries))
	for i, e := range entries {
		it := instruments.Instrument{ID: e.ID, Symbol: e.Symbol, Class: e.Class}
		var err error
		if it.LotSize, err = parseOptionalDecimal(e.LotSize); err != nil {
			return nil, fmt.Errorf("instruments[%d].lot_size: %w", i, err)
		}
		if it.ReferencePrice, err = parseOptionalDecimal(e.ReferencePrice); err != nil {
			return nil, fmt.Errorf("instruments[%d].reference_price: %w", i, err)
		}
		out = append(out, it)
	}
	return out, nil
}

func decimalKey(v *viper.Viper, key string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(v.GetString(key)))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s must be decimal: %w", key, err)
	}
	return d, nil
}

func parseOptionalDecimal(s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(strings.TrimSpace(s))
}

func envString(key, def string) string {
	if v := os.Getenv(base.EnvPrefix + "_" + key); v != "" {
		return v
	}
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	for _, name := range []string{base.EnvPrefix + "_" + key, key} {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	for _, name := range []string{base.EnvPrefix + "_" + key, key} {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		out := make([]string, 0)
		for _, part := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
