// Package app wires the configuration, venues, engine and lifecycle manager
// into a runnable bot.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"ol-hedge-bot/internal/alerts"
	"ol-hedge-bot/internal/config"
	"ol-hedge-bot/internal/costs"
	"ol-hedge-bot/internal/engine"
	"ol-hedge-bot/internal/lifecycle"
	"ol-hedge-bot/internal/market"
	"ol-hedge-bot/internal/metrics"
	"ol-hedge-bot/internal/reconcile"
	"ol-hedge-bot/internal/state/sqlite"
	"ol-hedge-bot/internal/timescale"
	"ol-hedge-bot/internal/venue"
	"ol-hedge-bot/internal/venue/lighter"
	"ol-hedge-bot/internal/venue/ostium"

	"go.uber.org/zap"
)

type App struct {
	cfg        *config.Config
	log        *zap.Logger
	store      *sqlite.Store
	maker      venue.Adapter
	hedge      venue.Adapter
	snaps      *market.Aggregator
	manager    *lifecycle.Manager
	reconciler *reconcile.Reconciler
	ledger     *costs.Ledger
	alerts     *alerts.Telegram
	prom       *metrics.Prometheus
	history    *timescale.Writer

	operatorWarned bool
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}

	registry := venue.NewRegistry()
	if err := ostium.Register(registry); err != nil {
		return nil, err
	}
	if err := lighter.Register(registry); err != nil {
		return nil, err
	}

	var prom *metrics.Prometheus
	m := metrics.NewNoop()
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}

	makerSettings, err := settingsFor(cfg.MakerVenue, cfg.Instrument)
	if err != nil {
		return nil, err
	}
	hedgeSettings, err := settingsFor(cfg.HedgeVenue, cfg.Instrument)
	if err != nil {
		return nil, err
	}
	hedgeSettings.MinDepthUSD = cfg.Engine.MinDepthNotionalUSD
	hedgeSettings.Reconnects = m.WSReconnects

	rawMaker, err := registry.New(cfg.MakerVenue.Name, makerSettings, log)
	if err != nil {
		return nil, fmt.Errorf("maker venue: %w", err)
	}
	rawHedge, err := registry.New(cfg.HedgeVenue.Name, hedgeSettings, log)
	if err != nil {
		return nil, fmt.Errorf("hedge venue: %w", err)
	}
	policy := venue.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
	}
	maker := venue.WithRetry(rawMaker, policy, log)
	hedge := venue.WithRetry(rawHedge, policy, log)

	snaps := market.NewAggregator(maker, hedge, cfg.Instrument.AssetClass, log)
	// Funding comes from the maker venue when it publishes a rate. The raw
	// adapter is asserted because the retry wrapper only carries the venue
	// surface.
	if src, ok := rawMaker.(market.FundingSource); ok {
		snaps.EnableFunding(src, cfg.Costs.FundingCacheTTL)
	}

	model, err := costs.NewModel(cfg.Costs)
	if err != nil {
		return nil, err
	}
	ledger := costs.NewLedger(store, log)
	eng := engine.New(engine.ParamsFromConfig(cfg.Engine, cfg.Instrument), log)

	alertsClient := alerts.NewTelegram(cfg.Telegram, log)

	writer, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		return nil, err
	}
	var history lifecycle.History = lifecycle.NoopHistory{}
	if writer != nil {
		history = writer
	}

	manager, err := lifecycle.NewManager(lifecycle.Config{
		Instrument:     cfg.Instrument,
		Lifecycle:      cfg.Lifecycle,
		DecideInterval: cfg.Engine.DecisionInterval,
	}, lifecycle.Deps{
		Maker:     maker,
		Hedge:     hedge,
		Snapshots: snaps,
		Engine:    eng,
		Costs:     model,
		Ledger:    ledger,
		Store:     store,
		History:   history,
		Alerts:    alertsClient,
		Metrics:   m,
		Log:       log,
	})
	if err != nil {
		return nil, err
	}

	reconciler, err := reconcile.New(cfg.Reconcile, cfg.Instrument.Ticker, maker, hedge, manager, alertsClient, m, log)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:        cfg,
		log:        log,
		store:      store,
		maker:      maker,
		hedge:      hedge,
		snaps:      snaps,
		manager:    manager,
		reconciler: reconciler,
		ledger:     ledger,
		alerts:     alertsClient,
		prom:       prom,
		history:    writer,
	}, nil
}

// settingsFor builds the adapter settings from the YAML venue block plus the
// venue's environment secrets: <NAME>_PRIVATE_KEY and, where the venue is
// account-indexed, <NAME>_ACCOUNT_INDEX.
func settingsFor(vc config.VenueConfig, inst config.InstrumentConfig) (venue.Settings, error) {
	prefix := strings.ToUpper(strings.TrimSpace(vc.Name))
	key := strings.TrimSpace(os.Getenv(prefix + "_PRIVATE_KEY"))
	if key == "" {
		return venue.Settings{}, fmt.Errorf("%s_PRIVATE_KEY is required", prefix)
	}
	settings := venue.Settings{
		BaseURL:        vc.BaseURL,
		WSURL:          vc.WSURL,
		Timeout:        vc.Timeout,
		ReconnectDelay: vc.ReconnectDelay,
		PingInterval:   vc.PingInterval,
		PrivateKey:     key,
		Leverage:       inst.Leverage,
		PriceOffsetBps: inst.PriceOffsetBps,
		TickSize:       inst.TickSize,
	}
	if raw := strings.TrimSpace(os.Getenv(prefix + "_ACCOUNT_INDEX")); raw != "" {
		idx, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return venue.Settings{}, fmt.Errorf("%s_ACCOUNT_INDEX: %w", prefix, err)
		}
		settings.AccountIndex = idx
	}
	return settings, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	a.history.Start(ctx)
	defer a.history.Close()

	if a.prom != nil {
		a.serveMetrics(ctx)
	}
	a.startOperator(ctx)

	go func() {
		if err := a.reconciler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("reconciler stopped", zap.Error(err))
		}
	}()

	a.log.Info("bot starting",
		zap.String("ticker", a.cfg.Instrument.Ticker),
		zap.String("maker", a.maker.Name()),
		zap.String("hedge", a.hedge.Name()),
	)
	return a.manager.Run(ctx)
}

func (a *App) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.prom.Handler())
	server := &http.Server{Addr: a.cfg.Metrics.ListenAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}
