// Package config loads the TOML configuration for the tablet server and
// for the session client, following the shape of the teacher's own
// config package: a flat Config struct with toml tags and a DefaultConf
// value, extended with the module's environment-style options.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
	units "github.com/docker/go-units"
	"github.com/pingcap/errors"
)

// Config is the tablet server's top-level configuration.
type Config struct {
	MetaAddr   string `toml:"meta-addr"`
	StoreAddr  string `toml:"store-addr"`
	HttpAddr   string `toml:"http-addr"`
	LogLevel   string `toml:"log-level"`
	LogFile    string `toml:"log-file"`
	MaxProcs   int    `toml:"max-procs"`
	NumWorkers int    `toml:"num-workers"` // parallel per-tablet worker pool size.

	Engine   Engine   `toml:"engine"`
	Scanner  Scanner  `toml:"scanner"`
	Admin    Admin    `toml:"admin"`
	Client   Client   `toml:"client"`
	TestHook TestHook `toml:"test-hook"`
}

// Engine configures the badger-backed storage adapter.
type Engine struct {
	DBPath           string `toml:"db-path"`
	ValueThreshold   int    `toml:"value-threshold"`
	MaxTableSize     int64  `toml:"max-table-size"`
	NumMemTables     int    `toml:"num-mem-tables"`
	NumL0Tables      int    `toml:"num-l0-tables"`
	NumL0TablesStall int    `toml:"num-l0-tables-stall"`
	VlogFileSize     int64  `toml:"vlog-file-size"`
	SyncWrite        bool   `toml:"sync-write"`
	NumCompactors    int    `toml:"num-compactors"`
}

// Scanner configures server-side row iterator lifetime and batching.
type Scanner struct {
	TTL                  time.Duration `toml:"scanner-ttl"`
	GCCheckInterval      time.Duration `toml:"scanner-gc-check-interval"`
	MaxBatchSizeBytes    int64         `toml:"scanner-max-batch-size-bytes"`
	MaxCreateTabletsPerTS int          `toml:"max-create-tablets-per-ts"`
}

// Admin configures tablet-server to meta-cache admission control and
// heartbeating.
type Admin struct {
	TabletServerSvcQueueLength int           `toml:"tablet-server-svc-queue-length"`
	HeartbeatInterval          time.Duration `toml:"heartbeat-interval"`
}

// Client configures default timeouts used by the Session when the
// caller does not override them explicitly.
type Client struct {
	DefaultAdminOperationTimeout time.Duration `toml:"default-admin-operation-timeout"`
	DefaultRPCTimeout            time.Duration `toml:"default-rpc-timeout"`
}

// TestHook configures latency-injection knobs used only by integration
// tests; every field defaults to zero (disabled) in production.
type TestHook struct {
	MasterInjectLatencyOnTabletLookups time.Duration `toml:"master-inject-latency-on-tablet-lookups"`
	LogInjectLatency                   time.Duration `toml:"log-inject-latency"`
	ScannerInjectLatencyOnEachBatch    time.Duration `toml:"scanner-inject-latency-on-each-batch"`
}

const mb = units.MiB

// DefaultConf mirrors the teacher's DefaultConf global: a ready-to-use
// configuration for local development.
var DefaultConf = Config{
	MetaAddr:   "127.0.0.1:7100",
	StoreAddr:  "127.0.0.1:7101",
	HttpAddr:   "127.0.0.1:7102",
	LogLevel:   "info",
	MaxProcs:   0,
	NumWorkers: 8,
	Engine: Engine{
		DBPath:           "/tmp/tabletdb",
		ValueThreshold:   256,
		MaxTableSize:     64 * mb,
		NumMemTables:     3,
		NumL0Tables:      4,
		NumL0TablesStall: 8,
		VlogFileSize:     256 * mb,
		SyncWrite:        true,
		NumCompactors:    1,
	},
	Scanner: Scanner{
		TTL:                   60 * time.Second,
		GCCheckInterval:       5 * time.Second,
		MaxBatchSizeBytes:     1 * mb,
		MaxCreateTabletsPerTS: 20,
	},
	Admin: Admin{
		TabletServerSvcQueueLength: 1000,
		HeartbeatInterval:          10 * time.Second,
	},
	Client: Client{
		DefaultAdminOperationTimeout: 30 * time.Second,
		DefaultRPCTimeout:            10 * time.Second,
	},
}

// Load reads a TOML file into cfg, starting from DefaultConf so that
// unset fields keep their defaults rather than zero values.
func Load(path string) (*Config, error) {
	cfg := DefaultConf
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, errors.Wrapf(err, "load config from %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that would make the server or client
// misbehave silently rather than fail fast at startup.
func (c *Config) Validate() error {
	if c.Engine.DBPath == "" {
		return errors.New("engine.db-path must not be empty")
	}
	if c.Scanner.TTL <= 0 {
		return errors.New("scanner.scanner-ttl must be positive")
	}
	if c.Client.DefaultRPCTimeout <= 0 {
		return errors.New("client.default-rpc-timeout must be positive")
	}
	return nil
}
