package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/steward/internal/store"
	pkgstore "github.com/songzhibin97/steward/pkg/store"
)

// Load loads configuration from file with environment variable overrides
func Load(configFile string) (*Config, error) {
	// Set default configuration
	cfg := &Config{
		Router: RouterConfig{
			Address: ":8080",
		},
		Cluster: ClusterConfig{
			OfferHelpIntervalMS: 100,
			ReserveTimeoutMS:    1000,
		},
		Scheduler: SchedulerConfig{
			SyncerIntervalSecs: 5,
		},
		Blacklist: BlacklistConfig{
			BackoffBaseTimeMS:  10000,
			MaxBlacklistTimeMS: 300000,
			BlacklistInUse:     false,
		},
		Services: ServicesConfig{
			DefaultInterstitialSecs: 0,
			DefaultMaxQueueLength:   100,
			DefaultConcurrencyLevel: 1,
		},
		Store: StoreConfig{
			Etcd: store.EtcdConfig{
				Endpoints: []string{"localhost:2379"},
				Timeout:   5 * time.Second,
			},
			Redis: *pkgstore.DefaultConfig(),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Development: false,
			Level:       "info",
		},
	}

	// Load from file if exists
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// Override with environment variables
	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	// Validate configuration
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	if cfg.Router.ID == "" {
		cfg.Router.ID = "router-" + uuid.NewString()
	}

	return cfg, nil
}

// loadFromFile loads configuration from YAML file
func loadFromFile(cfg *Config, filename string) error {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return fmt.Errorf("config file does not exist: %s", filename)
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables
func loadFromEnv(cfg *Config) error {
	if id := os.Getenv("STEWARD_ROUTER_ID"); id != "" {
		cfg.Router.ID = id
	}
	if addr := os.Getenv("STEWARD_ROUTER_ADDRESS"); addr != "" {
		cfg.Router.Address = addr
	}

	if endpoints := os.Getenv("STEWARD_ETCD_ENDPOINTS"); endpoints != "" {
		cfg.Store.Etcd.Endpoints = strings.Split(endpoints, ",")
	}
	if username := os.Getenv("STEWARD_ETCD_USERNAME"); username != "" {
		cfg.Store.Etcd.Username = username
	}
	if password := os.Getenv("STEWARD_ETCD_PASSWORD"); password != "" {
		cfg.Store.Etcd.Password = password
	}

	if addr := os.Getenv("STEWARD_REDIS_ADDRESS"); addr != "" {
		cfg.Store.Redis.Address = addr
	}
	if password := os.Getenv("STEWARD_REDIS_PASSWORD"); password != "" {
		cfg.Store.Redis.Password = password
	}
	if db := os.Getenv("STEWARD_REDIS_DATABASE"); db != "" {
		n, err := strconv.Atoi(db)
		if err != nil {
			return fmt.Errorf("invalid STEWARD_REDIS_DATABASE: %w", err)
		}
		cfg.Store.Redis.Database = n
	}

	if level := os.Getenv("STEWARD_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	return nil
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Router.Address == "" {
		return fmt.Errorf("router address cannot be empty")
	}

	if cfg.Cluster.OfferHelpIntervalMS <= 0 {
		return fmt.Errorf("offer help interval must be positive")
	}
	if cfg.Cluster.ReserveTimeoutMS <= 0 {
		return fmt.Errorf("reserve timeout must be positive")
	}
	for _, peer := range cfg.Cluster.Peers {
		if peer.ID == "" || peer.URL == "" {
			return fmt.Errorf("cluster peer entries need both id and url")
		}
	}

	if cfg.Scheduler.SyncerIntervalSecs <= 0 {
		return fmt.Errorf("syncer interval must be positive")
	}

	if cfg.Blacklist.BackoffBaseTimeMS <= 0 {
		return fmt.Errorf("blacklist backoff base must be positive")
	}
	if cfg.Blacklist.MaxBlacklistTimeMS < cfg.Blacklist.BackoffBaseTimeMS {
		return fmt.Errorf("max blacklist time cannot be below the backoff base")
	}

	if cfg.Services.DefaultMaxQueueLength <= 0 {
		return fmt.Errorf("default max queue length must be positive")
	}
	if cfg.Services.DefaultConcurrencyLevel <= 0 {
		return fmt.Errorf("default concurrency level must be positive")
	}

	if len(cfg.Store.Etcd.Endpoints) == 0 {
		return fmt.Errorf("etcd endpoints cannot be empty")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", cfg.Logging.Level)
	}

	return nil
}
