// Command scan evaluates the cross-venue edge for a list of tickers without
// trading: it fetches both venues' quotes, runs the cost model and decision
// engine, and prints a ranked table once or on an interval. With Telegram
// configured it alerts when a ticker clears the placement gate.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"ol-hedge-bot/internal/alerts"
	"ol-hedge-bot/internal/config"
	"ol-hedge-bot/internal/costs"
	"ol-hedge-bot/internal/engine"
	"ol-hedge-bot/internal/logging"
	"ol-hedge-bot/internal/market"
	"ol-hedge-bot/internal/venue"
	"ol-hedge-bot/internal/venue/lighter"
	"ol-hedge-bot/internal/venue/ostium"

	"go.uber.org/zap"
)

type scanRow struct {
	Ticker       string
	MakerMid     float64
	HedgeMid     float64
	SpreadBps    float64
	Dislocation  float64
	Direction    string
	EdgeBps      float64
	ThresholdBps float64
	Reason       string
	Place        bool
}

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	loop := flag.Bool("loop", false, "keep scanning on an interval instead of exiting after one pass")
	interval := flag.Duration("interval", 30*time.Second, "scan interval when -loop is set")
	top := flag.Int("top", 10, "number of rows to print")
	tickers := flag.String("tickers", "", "comma-separated tickers to scan (default: configured instrument)")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	list := splitTickers(*tickers)
	if len(list) == 0 {
		list = []string{cfg.Instrument.Ticker}
	}

	maker, hedge, err := buildVenues(cfg, log)
	if err != nil {
		fatal(err)
	}
	snaps := market.NewAggregator(maker, hedge, cfg.Instrument.AssetClass, log)
	if src, ok := maker.(market.FundingSource); ok {
		snaps.EnableFunding(src, cfg.Costs.FundingCacheTTL)
	}
	model, err := costs.NewModel(cfg.Costs)
	if err != nil {
		fatal(err)
	}
	eng := engine.New(engine.ParamsFromConfig(cfg.Engine, cfg.Instrument), log)
	notifier := alerts.NewTelegram(cfg.Telegram, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scan := func() {
		rows := scanOnce(ctx, cfg, list, snaps, model, eng, log)
		printTable(rows, *top)
		alertOpportunities(ctx, notifier, rows)
	}

	scan()
	if !*loop {
		return
	}
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scan()
		}
	}
}

func buildVenues(cfg *config.Config, log *zap.Logger) (maker, hedge venue.Adapter, err error) {
	registry := venue.NewRegistry()
	if err := ostium.Register(registry); err != nil {
		return nil, nil, err
	}
	if err := lighter.Register(registry); err != nil {
		return nil, nil, err
	}
	makerSettings, err := settingsFromEnv(cfg.MakerVenue, cfg.Instrument)
	if err != nil {
		return nil, nil, err
	}
	hedgeSettings, err := settingsFromEnv(cfg.HedgeVenue, cfg.Instrument)
	if err != nil {
		return nil, nil, err
	}
	hedgeSettings.MinDepthUSD = cfg.Engine.MinDepthNotionalUSD
	maker, err = registry.New(cfg.MakerVenue.Name, makerSettings, log)
	if err != nil {
		return nil, nil, fmt.Errorf("maker venue: %w", err)
	}
	hedge, err = registry.New(cfg.HedgeVenue.Name, hedgeSettings, log)
	if err != nil {
		return nil, nil, fmt.Errorf("hedge venue: %w", err)
	}
	return maker, hedge, nil
}

func settingsFromEnv(vc config.VenueConfig, inst config.InstrumentConfig) (venue.Settings, error) {
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

func scanOnce(ctx context.Context, cfg *config.Config, tickers []string, snaps *market.Aggregator, model *costs.Model, eng *engine.Engine, log *zap.Logger) []scanRow {
	rows := make([]scanRow, 0, len(tickers))
	for _, ticker := range tickers {
		snap, err := snaps.Snapshot(ctx, ticker)
		if err != nil {
			log.Warn("snapshot failed", zap.String("ticker", ticker), zap.Error(err))
			continue
		}
		size := eng.SizeFor(snap)
		cost, err := cycleCosts(cfg, model, ticker, snap, size)
		if err != nil {
			log.Warn("cost estimate failed", zap.String("ticker", ticker), zap.Error(err))
			continue
		}
		d := eng.Evaluate(snap, cost)
		rows = append(rows, scanRow{
			Ticker:       ticker,
			MakerMid:     snap.MakerMid(),
			HedgeMid:     snap.HedgeMid(),
			SpreadBps:    snap.QuotedSpreadBps(),
			Dislocation:  snap.DislocationBps(),
			Direction:    string(d.Direction),
			EdgeBps:      d.EdgeBps,
			ThresholdBps: d.ThresholdBps,
			Reason:       d.Reason,
			Place:        d.Place,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].EdgeBps-rows[i].ThresholdBps > rows[j].EdgeBps-rows[j].ThresholdBps
	})
	return rows
}

func cycleCosts(cfg *config.Config, model *costs.Model, ticker string, snap market.Snapshot, size float64) (engine.Costs, error) {
	notional := size * snap.HedgeMid()
	base := costs.Input{
		Ticker:            ticker,
		AssetClass:        cfg.Instrument.AssetClass,
		Liquidity:         costs.Maker,
		Leverage:          cfg.Instrument.Leverage,
		NotionalUSD:       notional,
		FundingBpsPerHour: snap.FundingBps,
		HasFunding:        snap.HasFunding,
		Horizon:           cfg.Instrument.HoldingHorizon,
	}
	long := base
	long.Direction = venue.DirectionLong
	longEst, err := model.Estimate(long)
	if err != nil {
		return engine.Costs{}, err
	}
	short := base
	short.Direction = venue.DirectionShort
	shortEst, err := model.Estimate(short)
	if err != nil {
		return engine.Costs{}, err
	}
	return engine.Costs{Long: longEst, Short: shortEst}, nil
}

func printTable(rows []scanRow, top int) {
	fmt.Printf("%-10s %12s %12s %8s %8s %6s %9s %9s  %s\n",
		"TICKER", "MAKER MID", "HEDGE MID", "SPREAD", "DISLOC", "DIR", "EDGE", "THRESH", "VERDICT")
	for i, row := range rows {
		if top > 0 && i >= top {
			break
		}
		verdict := row.Reason
		if row.Place {
			verdict = "PLACE"
		}
		dir := row.Direction
		if dir == "" {
			dir = "-"
		}
		fmt.Printf("%-10s %12.4f %12.4f %8.2f %8.2f %6s %9.2f %9.2f  %s\n",
			row.Ticker, row.MakerMid, row.HedgeMid, row.SpreadBps, row.Dislocation,
			dir, row.EdgeBps, row.ThresholdBps, verdict)
	}
}

func alertOpportunities(ctx context.Context, notifier *alerts.Telegram, rows []scanRow) {
	for _, row := range rows {
		if !row.Place {
			continue
		}
		key := fmt.Sprintf("scan:%s:%s", row.Ticker, row.Direction)
		msg := fmt.Sprintf("edge %s %s: %.2f bps over a %.2f bps threshold",
			row.Ticker, row.Direction, row.EdgeBps, row.ThresholdBps)
		_ = notifier.SendThrottled(ctx, key, msg)
	}
}

func splitTickers(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		ticker := strings.ToUpper(strings.TrimSpace(part))
		if ticker != "" {
			out = append(out, ticker)
		}
	}
	return out
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
