package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Service   ServiceConfig   `koanf:"service"`
	Postgres  PostgresConfig  `koanf:"postgres"`
	Matching  MatchingConfig  `koanf:"matching"`
	Catalog   CatalogConfig   `koanf:"catalog"`
	Broadcast BroadcastConfig `koanf:"broadcast"`
	BusState  BusStateConfig  `koanf:"bus_state"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

// MatchingConfig holds the subline-matching tunables.
type MatchingConfig struct {
	HistorySize                    int     `koanf:"history_size"`
	MinSignalsForDirection         int     `koanf:"min_signals_for_direction"`
	MinMovementThresholdMeters     float64 `koanf:"min_movement_threshold_meters"`
	DirectionMatchThresholdDegrees float64 `koanf:"direction_match_threshold_degrees"`
	UpcomingStopsCount             int     `koanf:"upcoming_stops_count"`
	StopDepartureOffsetSeconds     int     `koanf:"stop_departure_offset_seconds"`
}

type CatalogConfig struct {
	CacheTTLSeconds     int `koanf:"cache_ttl_seconds"`
	QueryTimeoutSeconds int `koanf:"query_timeout_seconds"`
}

type BroadcastConfig struct {
	PerConnectionQueueSize int `koanf:"per_connection_queue_size"`
}

type BusStateConfig struct {
	IdleEvictionMinutes int `koanf:"idle_eviction_minutes"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: TRANSIT_CATALOG__CACHE_TTL_SECONDS → catalog.cache_ttl_seconds
	if err := k.Load(env.Provider("TRANSIT_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "TRANSIT_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "transit-tracker-1",
			HTTPListen:             ":3000",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Postgres: PostgresConfig{
			MaxConns: 20,
			MinConns: 2,
		},
		Matching: MatchingConfig{
			HistorySize:                    5,
			MinSignalsForDirection:         3,
			MinMovementThresholdMeters:     1.0,
			DirectionMatchThresholdDegrees: 45.0,
			UpcomingStopsCount:             5,
			StopDepartureOffsetSeconds:     30,
		},
		Catalog: CatalogConfig{
			CacheTTLSeconds:     300,
			QueryTimeoutSeconds: 2,
		},
		Broadcast: BroadcastConfig{
			PerConnectionQueueSize: 32,
		},
		BusState: BusStateConfig{
			IdleEvictionMinutes: 15,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres.dsn is required")
	}
	if c.Postgres.MaxConns <= 0 {
		return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
	}
	if c.Postgres.MinConns < 0 {
		return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if c.Matching.HistorySize <= 0 {
		return fmt.Errorf("config: matching.history_size must be > 0 (got %d)", c.Matching.HistorySize)
	}
	if c.Matching.MinSignalsForDirection <= 0 {
		return fmt.Errorf("config: matching.min_signals_for_direction must be > 0 (got %d)", c.Matching.MinSignalsForDirection)
	}
	if c.Matching.MinSignalsForDirection > c.Matching.HistorySize {
		return fmt.Errorf("config: matching.min_signals_for_direction (%d) exceeds matching.history_size (%d)",
			c.Matching.MinSignalsForDirection, c.Matching.HistorySize)
	}
	if c.Matching.MinMovementThresholdMeters < 0 {
		return fmt.Errorf("config: matching.min_movement_threshold_meters must be >= 0 (got %f)", c.Matching.MinMovementThresholdMeters)
	}
	if c.Matching.DirectionMatchThresholdDegrees <= 0 || c.Matching.DirectionMatchThresholdDegrees > 180 {
		return fmt.Errorf("config: matching.direction_match_threshold_degrees must be in (0, 180] (got %f)", c.Matching.DirectionMatchThresholdDegrees)
	}
	if c.Matching.UpcomingStopsCount <= 0 {
		return fmt.Errorf("config: matching.upcoming_stops_count must be > 0 (got %d)", c.Matching.UpcomingStopsCount)
	}
	if c.Matching.StopDepartureOffsetSeconds < 0 {
		return fmt.Errorf("config: matching.stop_departure_offset_seconds must be >= 0 (got %d)", c.Matching.StopDepartureOffsetSeconds)
	}
	if c.Catalog.CacheTTLSeconds <= 0 {
		return fmt.Errorf("config: catalog.cache_ttl_seconds must be > 0 (got %d)", c.Catalog.CacheTTLSeconds)
	}
	if c.Catalog.QueryTimeoutSeconds <= 0 {
		return fmt.Errorf("config: catalog.query_timeout_seconds must be > 0 (got %d)", c.Catalog.QueryTimeoutSeconds)
	}
	if c.Broadcast.PerConnectionQueueSize <= 0 {
		return fmt.Errorf("config: broadcast.per_connection_queue_size must be > 0 (got %d)", c.Broadcast.PerConnectionQueueSize)
	}
	if c.BusState.IdleEvictionMinutes <= 0 {
		return fmt.Errorf("config: bus_state.idle_eviction_minutes must be > 0 (got %d)", c.BusState.IdleEvictionMinutes)
	}
	return nil
}

// QueryTimeout returns the configured catalog-reader query deadline.
func (c *CatalogConfig) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutSeconds) * time.Second
}

// CacheTTL returns the configured catalog cache time-to-live.
func (c *CatalogConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// IdleEvictionWindow returns the configured bus-state idle eviction window.
func (c *BusStateConfig) IdleEvictionWindow() time.Duration {
	return time.Duration(c.IdleEvictionMinutes) * time.Minute
}
