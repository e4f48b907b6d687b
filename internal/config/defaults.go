package config

import "time"

const (
	defaultAppEnv      = "dev"
	defaultAppLogLevel = "info"
	defaultAppLogPath  = "data/logs/cyclone.log"
	defaultDBPath      = "data/cyclone.db"
	defaultJournalPath = "data/journal.db"

	defaultServerAddr = ":9921"

	defaultVenueBaseURL   = "http://127.0.0.1:8228"
	defaultVenueStreamURL = "ws://127.0.0.1:8228/stream"
	defaultVenueTimeout   = 10
	defaultVenueRateLimit = 20.0
	defaultVenueRateBurst = 5
	defaultVenueMagic     = 20817
	defaultVenueDeviation = 10

	defaultAckAttempts  = 8
	defaultAckBaseDelay = 150 * time.Millisecond
	defaultAckMaxDelay  = 2 * time.Second

	defaultSymbolCacheTTL = 5 * time.Minute

	defaultTickInterval      = 500 * time.Millisecond
	defaultReconcileInterval = 2 * time.Second
	defaultSnapshotInterval  = time.Minute
	defaultATRTimeframe      = "M15"
	defaultHedgeAttempts     = 5
	defaultHedgeRetryBase    = time.Second
	defaultHedgeRetryMax     = 30 * time.Second
	defaultStoreRetryBase    = 500 * time.Millisecond

	defaultStrategiesPath = "configs/strategies.yaml"
)

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Server.applyDefaults(keys)
	c.Venue.applyDefaults(keys)
	c.Engine.applyDefaults(keys)
	c.Strategies.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
		stringFieldDefault("app.db_path", &a.DBPath, defaultDBPath),
		stringFieldDefault("app.journal_path", &a.JournalPath, defaultJournalPath),
	)
}

func (s *ServerConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("server.addr", &s.Addr, defaultServerAddr),
	)
}

func (v *VenueConfig) applyDefaults(keys keySet) {
	if v == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("venue.base_url", &v.BaseURL, defaultVenueBaseURL),
		stringFieldDefault("venue.stream_url", &v.StreamURL, defaultVenueStreamURL),
		fieldDefault{
			key:   "venue.timeout_seconds",
			need:  func() bool { return v.TimeoutSeconds <= 0 },
			apply: func() { v.TimeoutSeconds = defaultVenueTimeout },
		},
		fieldDefault{
			key:   "venue.rate_limit",
			need:  func() bool { return v.RateLimit <= 0 },
			apply: func() { v.RateLimit = defaultVenueRateLimit },
		},
		fieldDefault{
			key:   "venue.rate_burst",
			need:  func() bool { return v.RateBurst <= 0 },
			apply: func() { v.RateBurst = defaultVenueRateBurst },
		},
		fieldDefault{
			key:   "venue.magic",
			need:  func() bool { return v.Magic == 0 },
			apply: func() { v.Magic = defaultVenueMagic },
		},
		fieldDefault{
			key:   "venue.deviation",
			need:  func() bool { return v.Deviation <= 0 },
			apply: func() { v.Deviation = defaultVenueDeviation },
		},
		fieldDefault{
			key:   "venue.symbol_cache_ttl",
			need:  func() bool { return v.SymbolCacheTTL <= 0 },
			apply: func() { v.SymbolCacheTTL = defaultSymbolCacheTTL },
		},
		fieldDefault{
			key:   "venue.ack.attempts",
			need:  func() bool { return v.Ack.Attempts <= 0 },
			apply: func() { v.Ack.Attempts = defaultAckAttempts },
		},
		fieldDefault{
			key:   "venue.ack.base_delay",
			need:  func() bool { return v.Ack.BaseDelay <= 0 },
			apply: func() { v.Ack.BaseDelay = defaultAckBaseDelay },
		},
		fieldDefault{
			key:   "venue.ack.max_delay",
			need:  func() bool { return v.Ack.MaxDelay <= 0 },
			apply: func() { v.Ack.MaxDelay = defaultAckMaxDelay },
		},
	)
}

func (e *EngineConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "engine.tick_interval",
			need:  func() bool { return e.TickInterval <= 0 },
			apply: func() { e.TickInterval = defaultTickInterval },
		},
		fieldDefault{
			key:   "engine.reconcile_interval",
			need:  func() bool { return e.ReconcileInterval <= 0 },
			apply: func() { e.ReconcileInterval = defaultReconcileInterval },
		},
		fieldDefault{
			key:   "engine.snapshot_interval",
			need:  func() bool { return e.SnapshotInterval <= 0 },
			apply: func() { e.SnapshotInterval = defaultSnapshotInterval },
		},
		stringFieldDefault("engine.atr_timeframe", &e.ATRTimeframe, defaultATRTimeframe),
		fieldDefault{
			key:   "engine.hedge_retry_attempts",
			need:  func() bool { return e.HedgeRetryAttempts <= 0 },
			apply: func() { e.HedgeRetryAttempts = defaultHedgeAttempts },
		},
		fieldDefault{
			key:   "engine.hedge_retry_base",
			need:  func() bool { return e.HedgeRetryBase <= 0 },
			apply: func() { e.HedgeRetryBase = defaultHedgeRetryBase },
		},
		fieldDefault{
			key:   "engine.hedge_retry_max",
			need:  func() bool { return e.HedgeRetryMax <= 0 },
			apply: func() { e.HedgeRetryMax = defaultHedgeRetryMax },
		},
		fieldDefault{
			key:   "engine.store_retry_base",
			need:  func() bool { return e.StoreRetryBase <= 0 },
			apply: func() { e.StoreRetryBase = defaultStoreRetryBase },
		},
	)
}

func (s *StrategiesConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("strategies.path", &s.Path, defaultStrategiesPath),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && *target == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
