package app

import (
	"context"
	"fmt"
	"strings"

	cyconfig "cyclone/internal/config"
	"cyclone/internal/engine"
	"cyclone/internal/gateway/mt5"
	"cyclone/internal/gateway/notifier"
	"cyclone/internal/gateway/venue"
	"cyclone/internal/logger"
	"cyclone/internal/market"
	"cyclone/internal/pkg/idempotency"
	"cyclone/internal/store/gormstore"
	"cyclone/internal/store/journal"
	"cyclone/internal/strategy"
	apihttp "cyclone/internal/transport/http/api"
)

// idempotencyCapacity bounds the in-memory correlation cache; older keys
// fall through to the durable store lookup.
const idempotencyCapacity = 2048

// VenueStack bundles everything talking to the trading bridge.
type VenueStack struct {
	Client  *mt5.Client
	Session *mt5.Session
	Adapter *mt5.Adapter
	Stream  venue.TickStream
}

// StoreStack bundles the durable state: relational store plus the
// append-only order journal.
type StoreStack struct {
	Store   *gormstore.GormStore
	Journal *journal.Journal
}

// MarketStack bundles the price feed and the volatility band sizing.
type MarketStack struct {
	Monitor *market.Monitor
	Bounds  *market.Bounds
}

type AppBuilder struct {
	cfg *cyconfig.Config

	storeStackFn  func(*cyconfig.Config) (*StoreStack, error)
	strategiesFn  func(string) (*strategy.Registry, error)
	venueStackFn  func(context.Context, *cyconfig.Config) (*VenueStack, error)
	notifierFn    func(cyconfig.NotifyConfig) *notifier.Alerts
	marketStackFn func(*cyconfig.Config, *VenueStack) *MarketStack
	apiServerFn   func(apihttp.ServerConfig) (*apihttp.Server, error)
}

type AppBuilderOption func(*AppBuilder)

func NewAppBuilder(cfg *cyconfig.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:           cfg,
		storeStackFn:  buildStoreStack,
		strategiesFn:  strategy.NewRegistry,
		venueStackFn:  buildVenueStack,
		notifierFn:    buildNotifier,
		marketStackFn: buildMarketStack,
		apiServerFn:   apihttp.NewServer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	stores, err := b.storeStackFn(cfg)
	if err != nil {
		return nil, fmt.Errorf("open stores: %w", err)
	}
	logger.Infof("✓ state store ready (db=%s journal=%s)", cfg.App.DBPath, cfg.App.JournalPath)

	strategies, err := b.strategiesFn(cfg.Strategies.Path)
	if err != nil {
		return nil, fmt.Errorf("load strategy templates: %w", err)
	}
	ids := strategies.IDs()
	logger.Infof("✓ loaded %d strategy template(s): %v", len(ids), ids)

	vs, err := b.venueStackFn(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect venue: %w", err)
	}
	logger.Infof("✓ venue session up (bridge=%s account=%d server=%s)",
		cfg.Venue.BaseURL, vs.Session.Account(), cfg.Venue.Server)

	alerts := b.notifierFn(cfg.Notify)
	if cfg.Notify.Telegram.Enabled {
		logger.Infof("✓ telegram alerts enabled (chat=%s)", cfg.Notify.Telegram.ChatID)
	}

	ms := b.marketStackFn(cfg, vs)

	idem := idempotency.NewRegistry(idempotencyCapacity, stores.Store)

	supervisor := engine.NewSupervisor(engine.SupervisorParams{
		Config:     cfg.Engine,
		Venue:      vs.Adapter,
		Informer:   vs.Adapter,
		Account:    vs.Adapter,
		Cycles:     stores.Store,
		Orders:     stores.Store,
		Snapshots:  stores.Store,
		Journal:    stores.Journal,
		Idem:       idem,
		Notifier:   alerts,
		Strategies: strategies,
		Bounds:     ms.Bounds,
		Ticks:      ms.Monitor,
		AccountID:  vs.Session.Account(),
		Magic:      cfg.Venue.Magic,
		Deviation:  cfg.Venue.Deviation,
	})
	ms.Monitor.AddObserver(supervisor)

	api, err := b.apiServerFn(apihttp.ServerConfig{
		Addr:      cfg.Server.Addr,
		Engine:    supervisor,
		Cycles:    stores.Store,
		Orders:    stores.Store,
		Snapshots: stores.Store,
		Journal:   stores.Journal,
		Account:   vs.Adapter,
	})
	if err != nil {
		return nil, fmt.Errorf("build http api: %w", err)
	}
	logger.Infof("✓ http api bound to %s", api.Addr())

	return &App{
		cfg:     cfg,
		engine:  supervisor,
		monitor: ms.Monitor,
		session: vs.Session,
		api:     api,
		store:   stores.Store,
		journal: stores.Journal,
		Summary: &StartupSummary{
			Venue: VenueSummary{
				BaseURL:   cfg.Venue.BaseURL,
				StreamURL: cfg.Venue.StreamURL,
				Account:   vs.Session.Account(),
				Server:    cfg.Venue.Server,
				Magic:     cfg.Venue.Magic,
			},
			Engine: EngineSummary{
				Symbols:           cfg.Engine.Symbols,
				TickInterval:      cfg.Engine.TickInterval,
				ReconcileInterval: cfg.Engine.ReconcileInterval,
				SnapshotInterval:  cfg.Engine.SnapshotInterval,
				Streaming:         vs.Stream != nil,
			},
			Strategies:    summarizeStrategies(strategies),
			TelegramAlert: cfg.Notify.Telegram.Enabled,
			HTTPAddr:      api.Addr(),
		},
	}, nil
}

func buildStoreStack(cfg *cyconfig.Config) (*StoreStack, error) {
	gs, err := gormstore.NewGormStore(cfg.App.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open state store %s: %w", cfg.App.DBPath, err)
	}
	jn, err := journal.NewJournal(cfg.App.JournalPath)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", cfg.App.JournalPath, err)
	}
	return &StoreStack{Store: gs, Journal: jn}, nil
}

// buildVenueStack dials the bridge and logs the session in. The stream is
// optional: with no stream URL the monitor carries the feed by polling.
func buildVenueStack(ctx context.Context, cfg *cyconfig.Config) (*VenueStack, error) {
	client, err := mt5.NewClient(cfg.Venue)
	if err != nil {
		return nil, fmt.Errorf("build bridge client: %w", err)
	}
	session := mt5.NewSession(client, mt5.Credentials{
		Account:      cfg.Venue.Account,
		Password:     cfg.Venue.Password,
		Server:       cfg.Venue.Server,
		TerminalPath: cfg.Venue.TerminalPath,
	})
	if err := session.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect session: %w", err)
	}
	vs := &VenueStack{
		Client:  client,
		Session: session,
		Adapter: mt5.NewAdapter(session, cfg.Venue),
	}
	if url := strings.TrimSpace(cfg.Venue.StreamURL); url != "" {
		stream, err := mt5.NewStream(url)
		if err != nil {
			return nil, fmt.Errorf("build tick stream: %w", err)
		}
		vs.Stream = stream
	}
	return vs, nil
}

func buildNotifier(cfg cyconfig.NotifyConfig) *notifier.Alerts {
	if cfg.Telegram.Enabled {
		return notifier.NewAlerts(notifier.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID))
	}
	return notifier.NewAlerts(nil)
}

func buildMarketStack(cfg *cyconfig.Config, vs *VenueStack) *MarketStack {
	monitor := market.NewMonitor(market.MonitorParams{
		Stream:       vs.Stream,
		Quotes:       vs.Adapter,
		Symbols:      cfg.Engine.Symbols,
		PollInterval: cfg.Engine.TickInterval,
	})
	return &MarketStack{
		Monitor: monitor,
		Bounds:  market.NewBounds(vs.Adapter, cfg.Engine.ATRTimeframe),
	}
}

func summarizeStrategies(reg *strategy.Registry) []StrategySummary {
	snap := reg.Snapshot()
	out := make([]StrategySummary, 0, len(snap.Templates))
	for _, id := range reg.IDs() {
		tpl := snap.Templates[id]
		out = append(out, StrategySummary{
			ID:          tpl.ID,
			Description: tpl.Description,
			Version:     tpl.Version,
			Symbols:     tpl.Symbols,
		})
	}
	return out
}

func WithStoreStack(fn func(*cyconfig.Config) (*StoreStack, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.storeStackFn = fn
		}
	}
}

func WithStrategies(fn func(string) (*strategy.Registry, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.strategiesFn = fn
		}
	}
}

func WithVenueStack(fn func(context.Context, *cyconfig.Config) (*VenueStack, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.venueStackFn = fn
		}
	}
}

func WithNotifier(fn func(cyconfig.NotifyConfig) *notifier.Alerts) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.notifierFn = fn
		}
	}
}

func WithMarketStack(fn func(*cyconfig.Config, *VenueStack) *MarketStack) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.marketStackFn = fn
		}
	}
}

func WithAPIServer(fn func(apihttp.ServerConfig) (*apihttp.Server, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.apiServerFn = fn
		}
	}
}
