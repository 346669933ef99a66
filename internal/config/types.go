package config

import (
	"time"

	"github.com/songzhibin97/steward/internal/store"
	"github.com/songzhibin97/steward/internal/types"
	pkgstore "github.com/songzhibin97/steward/pkg/store"
)

// Config represents the complete router configuration structure
type Config struct {
	Router    RouterConfig    `yaml:"router"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Blacklist BlacklistConfig `yaml:"blacklist"`
	Services  ServicesConfig  `yaml:"services"`
	Store     StoreConfig     `yaml:"store"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// RouterConfig identifies this router and its listen address
type RouterConfig struct {
	ID      string `yaml:"id"` // generated when empty
	Address string `yaml:"address"`
}

// ClusterConfig configures work stealing across peer routers
type ClusterConfig struct {
	Peers               []PeerConfig `yaml:"peers"`
	OfferHelpIntervalMS int          `yaml:"offer_help_interval_ms"`
	ReserveTimeoutMS    int          `yaml:"reserve_timeout_ms"`
}

// PeerConfig names one peer router and its work-stealing endpoint
type PeerConfig struct {
	ID  string `yaml:"id"`
	URL string `yaml:"url"`
}

// OfferHelpInterval returns the offer-help tick as a duration.
func (c ClusterConfig) OfferHelpInterval() time.Duration {
	return time.Duration(c.OfferHelpIntervalMS) * time.Millisecond
}

// ReserveTimeout returns the offer reply window as a duration.
func (c ClusterConfig) ReserveTimeout() time.Duration {
	return time.Duration(c.ReserveTimeoutMS) * time.Millisecond
}

// SchedulerConfig configures the scheduler state syncer
type SchedulerConfig struct {
	SyncerIntervalSecs int `yaml:"syncer_interval_secs"`
}

// SyncerInterval returns the poll interval as a duration.
func (c SchedulerConfig) SyncerInterval() time.Duration {
	return time.Duration(c.SyncerIntervalSecs) * time.Second
}

// BlacklistConfig configures instance blacklisting backoff
type BlacklistConfig struct {
	BackoffBaseTimeMS  int  `yaml:"backoff_base_time_ms"`
	MaxBlacklistTimeMS int  `yaml:"max_blacklist_time_ms"`
	BlacklistInUse     bool `yaml:"blacklist_in_use"`
}

// BackoffBase returns the first-failure blacklist period.
func (c BlacklistConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseTimeMS) * time.Millisecond
}

// MaxBlacklistTime returns the backoff cap.
func (c BlacklistConfig) MaxBlacklistTime() time.Duration {
	return time.Duration(c.MaxBlacklistTimeMS) * time.Millisecond
}

// ServicesConfig holds defaults applied to service descriptions that omit
// the corresponding field
type ServicesConfig struct {
	DefaultInterstitialSecs int `yaml:"default_interstitial_secs"`
	DefaultMaxQueueLength   int `yaml:"default_max_queue_length"`
	DefaultConcurrencyLevel int `yaml:"default_concurrency_level"`
}

// DescriptionDefaults returns the defaults as a description template.
func (c ServicesConfig) DescriptionDefaults() types.ServiceDescription {
	return types.ServiceDescription{
		InterstitialSecs: c.DefaultInterstitialSecs,
		MaxQueueLength:   c.DefaultMaxQueueLength,
		ConcurrencyLevel: c.DefaultConcurrencyLevel,
	}
}

// StoreConfig configures the backing stores: etcd for service descriptions,
// redis for the shared demand counters
type StoreConfig struct {
	Etcd  store.EtcdConfig `yaml:"etcd"`
	Redis pkgstore.Config  `yaml:"redis"`
}

// MetricsConfig configures the metrics endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig configures zap logger construction
type LoggingConfig struct {
	Development bool   `yaml:"development"`
	Level       string `yaml:"level"`
}
