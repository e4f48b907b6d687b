package app

import (
	"context"
	"fmt"
	"time"

	cyconfig "cyclone/internal/config"
	"cyclone/internal/engine"
	"cyclone/internal/gateway/mt5"
	"cyclone/internal/logger"
	"cyclone/internal/market"
	"cyclone/internal/store/gormstore"
	"cyclone/internal/store/journal"
	apihttp "cyclone/internal/transport/http/api"

	"golang.org/x/sync/errgroup"
)

// App owns application-level orchestration: config in, dependencies
// wired, engine plus HTTP API running until the context says stop.
type App struct {
	cfg     *cyconfig.Config
	engine  *engine.Supervisor
	monitor *market.Monitor
	session *mt5.Session
	api     *apihttp.Server
	store   *gormstore.GormStore
	journal *journal.Journal
	Summary *StartupSummary
}

// NewApp builds the application object from config without starting it.
func NewApp(cfg *cyconfig.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run starts the market monitor, the cycle engine and the HTTP API, and
// blocks until the context is cancelled or a component fails. Teardown
// order matters: the engine drains its workers before the venue session
// and the stores close underneath them.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}

	if a.Summary != nil {
		a.Summary.Print()
	}

	if a.engine == nil {
		return fmt.Errorf("engine not initialized")
	}
	group, ctx := errgroup.WithContext(ctx)

	if a.api != nil {
		group.Go(func() error {
			if err := a.api.Start(ctx); err != nil {
				return fmt.Errorf("http api server error: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		defer a.teardown()
		if err := a.engine.Start(ctx); err != nil {
			return fmt.Errorf("start engine: %w", err)
		}
		if a.monitor != nil {
			a.monitor.Start(ctx)
		}
		<-ctx.Done()
		a.engine.Stop()
		return nil
	})

	return group.Wait()
}

// Engine exposes the running supervisor (for testing/replay harnesses).
func (a *App) Engine() *engine.Supervisor {
	if a == nil {
		return nil
	}
	return a.engine
}

func (a *App) teardown() {
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.session != nil {
		if err := a.session.Close(closeCtx); err != nil {
			logger.Warnf("close venue session: %v", err)
		}
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			logger.Warnf("close journal: %v", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warnf("close state store: %v", err)
		}
	}
}
