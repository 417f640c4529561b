package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"TickBook/internal/order"

	"github.com/ethereum/go-ethereum/common"
)

// Config is read from TICKBOOK_* environment variables.
type Config struct {
	PostgresURL   string
	NATSURL       string
	GRPCAddr      string
	HTTPAddr      string
	MetricsAddr   string
	MigrationsDir string

	// SnapshotDir switches snapshots from Postgres to a local Pebble store.
	SnapshotDir    string
	SnapshotRetain int

	// OutboundSink is "nats" or "kafka".
	OutboundSink string
	KafkaBrokers []string
	KafkaTopic   string

	PersistChanSize    int
	ProjectionChanSize int
	PublishChanSize    int
	IngestChanSize     int
	SequencerBuffer    int
	PersistBatchSize   int
	PersistFlushMs     int
	IdempotencyLRUSize int

	SnapshotInterval time.Duration
	KeeperInterval   time.Duration
	KeeperBatchSize  int
	HookTimeout      time.Duration

	Owner                 common.Address
	Self                  common.Address
	Treasury              common.Address
	Keeper                common.Address
	TreasuryFeeBps        int
	MaxExecutionsPerTrade int
	MaxScaleOrders        int

	// Pools are initialized on a cold start, see parsePools.
	Pools []PoolConfig
}

// PoolConfig is one pool created and allowed on a cold start.
type PoolConfig struct {
	Key  order.PoolKey
	Tick int32
}

func DefaultConfig() (Config, error) {
	cfg := Config{
		PostgresURL:   envOrDefault("TICKBOOK_POSTGRES_URL", "postgres://localhost:5432/tickbook?sslmode=disable"),
		NATSURL:       envOrDefault("TICKBOOK_NATS_URL", "nats://localhost:4222"),
		GRPCAddr:      envOrDefault("TICKBOOK_GRPC_ADDR", ":9090"),
		HTTPAddr:      envOrDefault("TICKBOOK_HTTP_ADDR", ":8080"),
		MetricsAddr:   envOrDefault("TICKBOOK_METRICS_ADDR", ":9091"),
		MigrationsDir: os.Getenv("TICKBOOK_MIGRATIONS_DIR"),

		SnapshotDir:    os.Getenv("TICKBOOK_SNAPSHOT_DIR"),
		SnapshotRetain: envIntOrDefault("TICKBOOK_SNAPSHOT_RETAIN", 5),

		OutboundSink: envOrDefault("TICKBOOK_OUTBOUND_SINK", "nats"),
		KafkaBrokers: strings.Split(envOrDefault("TICKBOOK_KAFKA_BROKERS", "localhost:9092"), ","),
		KafkaTopic:   envOrDefault("TICKBOOK_KAFKA_TOPIC", "tickbook.events"),

		PersistChanSize:    envIntOrDefault("TICKBOOK_PERSIST_CHAN_SIZE", 8192),
		ProjectionChanSize: envIntOrDefault("TICKBOOK_PROJECTION_CHAN_SIZE", 4096),
		PublishChanSize:    envIntOrDefault("TICKBOOK_PUBLISH_CHAN_SIZE", 4096),
		IngestChanSize:     envIntOrDefault("TICKBOOK_INGEST_CHAN_SIZE", 1024),
		SequencerBuffer:    envIntOrDefault("TICKBOOK_SEQUENCER_BUFFER", 256),
		PersistBatchSize:   envIntOrDefault("TICKBOOK_PERSIST_BATCH_SIZE", 500),
		PersistFlushMs:     envIntOrDefault("TICKBOOK_PERSIST_FLUSH_MS", 10),
		IdempotencyLRUSize: envIntOrDefault("TICKBOOK_IDEMPOTENCY_LRU_SIZE", 100_000),

		SnapshotInterval: time.Duration(envIntOrDefault("TICKBOOK_SNAPSHOT_INTERVAL_SEC", 300)) * time.Second,
		KeeperInterval:   time.Duration(envIntOrDefault("TICKBOOK_KEEPER_INTERVAL_MS", 1000)) * time.Millisecond,
		KeeperBatchSize:  envIntOrDefault("TICKBOOK_KEEPER_BATCH_SIZE", 16),
		HookTimeout:      time.Duration(envIntOrDefault("TICKBOOK_HOOK_TIMEOUT_MS", 5000)) * time.Millisecond,

		TreasuryFeeBps:        envIntOrDefault("TICKBOOK_TREASURY_FEE_BPS", 0),
		MaxExecutionsPerTrade: envIntOrDefault("TICKBOOK_MAX_EXECUTIONS_PER_TRADE", 8),
		MaxScaleOrders:        envIntOrDefault("TICKBOOK_MAX_SCALE_ORDERS", 20),
	}

	var err error
	if cfg.Owner, err = envAddress("TICKBOOK_OWNER", true); err != nil {
		return cfg, err
	}
	if cfg.Self, err = envAddress("TICKBOOK_SELF", true); err != nil {
		return cfg, err
	}
	if cfg.Treasury, err = envAddress("TICKBOOK_TREASURY", false); err != nil {
		return cfg, err
	}
	if cfg.Keeper, err = envAddress("TICKBOOK_KEEPER", false); err != nil {
		return cfg, err
	}
	if cfg.TreasuryFeeBps < 0 || cfg.TreasuryFeeBps > 10_000 {
		return cfg, fmt.Errorf("TICKBOOK_TREASURY_FEE_BPS out of range: %d", cfg.TreasuryFeeBps)
	}
	if cfg.OutboundSink != "nats" && cfg.OutboundSink != "kafka" {
		return cfg, fmt.Errorf("TICKBOOK_OUTBOUND_SINK must be nats or kafka, got %q", cfg.OutboundSink)
	}
	if cfg.Pools, err = parsePools(os.Getenv("TICKBOOK_POOLS")); err != nil {
		return cfg, fmt.Errorf("TICKBOOK_POOLS: %w", err)
	}
	return cfg, nil
}

// parsePools reads a comma-separated list of
// currency0:currency1:fee:tickSpacing:hooks:initialTick entries.
func parsePools(s string) ([]PoolConfig, error) {
	var pools []PoolConfig
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 6 {
			return nil, fmt.Errorf("pool %q: want 6 fields, got %d", entry, len(parts))
		}
		for _, i := range []int{0, 1, 4} {
			if !common.IsHexAddress(parts[i]) {
				return nil, fmt.Errorf("pool %q: bad address %q", entry, parts[i])
			}
		}
		fee, err := strconv.ParseUint(parts[2], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("pool %q: fee: %w", entry, err)
		}
		spacing, err := strconv.ParseInt(parts[3], 10, 32)
		if err != nil || spacing <= 0 {
			return nil, fmt.Errorf("pool %q: bad tick spacing %q", entry, parts[3])
		}
		tick, err := strconv.ParseInt(parts[5], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("pool %q: initial tick: %w", entry, err)
		}
		pools = append(pools, PoolConfig{
			Key: order.PoolKey{
				Currency0:   common.HexToAddress(parts[0]),
				Currency1:   common.HexToAddress(parts[1]),
				Fee:         uint32(fee),
				TickSpacing: int32(spacing),
				Hooks:       common.HexToAddress(parts[4]),
			},
			Tick: int32(tick),
		})
	}
	return pools, nil
}

func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func envAddress(key string, required bool) (common.Address, error) {
	val := os.Getenv(key)
	if val == "" {
		if required {
			return common.Address{}, fmt.Errorf("%s is required", key)
		}
		return common.Address{}, nil
	}
	if !common.IsHexAddress(val) {
		return common.Address{}, fmt.Errorf("%s: bad address %q", key, val)
	}
	return common.HexToAddress(val), nil
}
