package config

import (
	"strings"
	"time"
)

// Config is the engine's main configuration carrier.
type Config struct {
	App        AppConfig        `toml:"app"`
	Server     ServerConfig     `toml:"server"`
	Venue      VenueConfig      `toml:"venue"`
	Engine     EngineConfig     `toml:"engine"`
	Strategies StrategiesConfig `toml:"strategies"`
	Notify     NotifyConfig     `toml:"notify"`
}

type AppConfig struct {
	Env         string `toml:"env"`
	LogLevel    string `toml:"log_level"`
	LogPath     string `toml:"log_path"`
	DBPath      string `toml:"db_path"`
	JournalPath string `toml:"journal_path"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

// VenueConfig covers the bridge endpoint and the account credentials
// handed to the session once at startup.
type VenueConfig struct {
	BaseURL            string        `toml:"base_url"`
	StreamURL          string        `toml:"stream_url"`
	TimeoutSeconds     int           `toml:"timeout_seconds"`
	InsecureSkipVerify bool          `toml:"insecure_skip_verify"`
	RateLimit          float64       `toml:"rate_limit"`
	RateBurst          int           `toml:"rate_burst"`
	Account            int64         `toml:"account"`
	Password           string        `toml:"password"`
	Server             string        `toml:"server"`
	TerminalPath       string        `toml:"terminal_path"`
	Magic              int64         `toml:"magic"`
	Deviation          int           `toml:"deviation"`
	SymbolCacheTTL     time.Duration `toml:"symbol_cache_ttl"`
	Ack                AckConfig     `toml:"ack"`
}

// AckConfig bounds the submit read-back polling loop.
type AckConfig struct {
	Attempts  int           `toml:"attempts"`
	BaseDelay time.Duration `toml:"base_delay"`
	MaxDelay  time.Duration `toml:"max_delay"`
}

type EngineConfig struct {
	Symbols            []string      `toml:"symbols"`
	TickInterval       time.Duration `toml:"tick_interval"`
	ReconcileInterval  time.Duration `toml:"reconcile_interval"`
	SnapshotInterval   time.Duration `toml:"snapshot_interval"`
	ATRTimeframe       string        `toml:"atr_timeframe"`
	HedgeRetryAttempts int           `toml:"hedge_retry_attempts"`
	HedgeRetryBase     time.Duration `toml:"hedge_retry_base"`
	HedgeRetryMax      time.Duration `toml:"hedge_retry_max"`
	StoreRetryBase     time.Duration `toml:"store_retry_base"`
}

type StrategiesConfig struct {
	Path string `toml:"path"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

// keySet tracks the field paths explicitly present in the config files,
// so defaults never clobber a deliberate zero.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault describes one field's defaulting rule.
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
