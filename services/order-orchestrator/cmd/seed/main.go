package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"
)

// defaultBrokers is used when SEED_BROKERS_FILE is not set.
const defaultBrokers = `
brokers:
  - name: zerodha-mock
    active: true
    config:
      type: mock
      prefix: ZERODHA
  - name: alpaca-mock
    active: true
    config:
      type: mock
      prefix: ALPACA
      latency_ms: 0
`

type brokerFile struct {
	Brokers []brokerEntry `yaml:"brokers"`
}

type brokerEntry struct {
	Name   string         `yaml:"name"`
	Active *bool          `yaml:"active"`
	Config map[string]any `yaml:"config"`
}

func main() {
	env := getEnv("ORCH_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: ORCH_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	db := getEnv("POSTGRES_DB", "order_orchestrator")
	user := getEnv("POSTGRES_USER", "orchestrator")
	password := getEnv("POSTGRES_PASSWORD", "orchestrator")
	sslmode := getEnv("POSTGRES_SSLMODE", "disable")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, db, sslmode)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	if path := os.Getenv("SEED_SCHEMA_FILE"); path != "" {
		sql, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("read schema: %v", err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			log.Fatalf("apply schema: %v", err)
		}
		fmt.Println("✓ Schema applied")
	}

	raw := []byte(defaultBrokers)
	if path := os.Getenv("SEED_BROKERS_FILE"); path != "" {
		if raw, err = os.ReadFile(path); err != nil {
			log.Fatalf("read brokers file: %v", err)
		}
	}
	brokers, err := parseBrokers(raw)
	if err != nil {
		log.Fatalf("parse brokers: %v", err)
	}

	fmt.Println("Seeding database...")

	store := storage.New(pool)
	for _, b := range brokers {
		saved, err := store.UpsertBrokerConfig(ctx, b)
		if err != nil {
			log.Fatalf("seed broker %s: %v", b.BrokerName, err)
		}
		fmt.Printf("✓ Broker %s seeded (active=%t)\n", saved.BrokerName, saved.Active)
	}

	fmt.Println("\n=== Seed Complete ===")
}

func parseBrokers(raw []byte) ([]storage.BrokerConfig, error) {
	var file brokerFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, err
	}
	if len(file.Brokers) == 0 {
		return nil, fmt.Errorf("no brokers defined")
	}
	seen := make(map[string]bool, len(file.Brokers))
	out := make([]storage.BrokerConfig, 0, len(file.Brokers))
	for i, b := range file.Brokers {
		name := strings.TrimSpace(b.Name)
		if name == "" {
			return nil, fmt.Errorf("brokers[%d]: name required", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("brokers[%d]: duplicate broker %q", i, name)
		}
		seen[name] = true
		active := true
		if b.Active != nil {
			active = *b.Active
		}
		cfg := b.Config
		if cfg == nil {
			cfg = map[string]any{}
		}
		out = append(out, storage.BrokerConfig{BrokerName: name, Config: cfg, Active: active})
	}
	return out, nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
