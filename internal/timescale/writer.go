// Package timescale streams decision and fill history into TimescaleDB.
// Enqueues never block the trading loop: queues are bounded and overflow is
// dropped with a counter.
package timescale

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"ol-hedge-bot/internal/config"
	"ol-hedge-bot/internal/lifecycle"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	decisions chan lifecycle.DecisionRecord
	fills     chan lifecycle.FillRecord
	started   atomic.Bool
	dropDec   atomic.Uint64
	dropFill  atomic.Uint64
}

// New returns nil without error when the sink is disabled; a nil *Writer is
// safe to use everywhere.
func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:        db,
		log:       log,
		decisions: make(chan lifecycle.DecisionRecord, queueSize),
		fills:     make(chan lifecycle.FillRecord, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

// RecordDecision implements lifecycle.History.
func (w *Writer) RecordDecision(rec lifecycle.DecisionRecord) {
	if w == nil {
		return
	}
	select {
	case w.decisions <- rec:
		return
	default:
		if w.dropDec.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale decision queue full")
		}
	}
}

// RecordFill implements lifecycle.History.
func (w *Writer) RecordFill(rec lifecycle.FillRecord) {
	if w == nil {
		return
	}
	select {
	case w.fills <- rec:
		return
	default:
		if w.dropFill.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale fill queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-w.decisions:
			w.writeDecision(ctx, rec)
		case rec := <-w.fills:
			w.writeFill(ctx, rec)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if err := w.exec(ctx, `CREATE TABLE IF NOT EXISTS engine_decisions (
		ts TIMESTAMPTZ NOT NULL,
		ticker TEXT NOT NULL,
		placed BOOLEAN NOT NULL,
		reason TEXT NOT NULL,
		direction TEXT NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		size DOUBLE PRECISION NOT NULL,
		edge_bps DOUBLE PRECISION NOT NULL,
		threshold_bps DOUBLE PRECISION NOT NULL,
		maker_mid DOUBLE PRECISION NOT NULL,
		hedge_mid DOUBLE PRECISION NOT NULL,
		spread_bps DOUBLE PRECISION NOT NULL,
		dislocation_bps DOUBLE PRECISION NOT NULL,
		funding_bps DOUBLE PRECISION NOT NULL
	)`); err != nil {
		return err
	}
	if err := w.exec(ctx, `CREATE TABLE IF NOT EXISTS order_fills (
		ts TIMESTAMPTZ NOT NULL,
		ticker TEXT NOT NULL,
		venue TEXT NOT NULL,
		order_id TEXT NOT NULL,
		side TEXT NOT NULL,
		role TEXT NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		cumulative_qty DOUBLE PRECISION NOT NULL
	)`); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, "SELECT create_hypertable('engine_decisions', 'ts', if_not_exists => TRUE)"); err != nil && w.log != nil {
		w.log.Warn("timescale engine_decisions hypertable create failed", zap.Error(err))
	}
	if err := w.exec(ctx, "SELECT create_hypertable('order_fills', 'ts', if_not_exists => TRUE)"); err != nil && w.log != nil {
		w.log.Warn("timescale order_fills hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeDecision(ctx context.Context, rec lifecycle.DecisionRecord) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := `INSERT INTO engine_decisions (
		ts, ticker, placed, reason, direction, price, size, edge_bps, threshold_bps,
		maker_mid, hedge_mid, spread_bps, dislocation_bps, funding_bps
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
	)`
	if _, err := w.db.ExecContext(ctx, query,
		rec.Time,
		rec.Ticker,
		rec.Place,
		rec.Reason,
		rec.Direction,
		rec.Price,
		rec.Size,
		rec.EdgeBps,
		rec.ThresholdBps,
		rec.MakerMid,
		rec.HedgeMid,
		rec.SpreadBps,
		rec.DislocationBps,
		rec.FundingBps,
	); err != nil && w.log != nil {
		w.log.Warn("timescale decision insert failed", zap.Error(err))
	}
}

func (w *Writer) writeFill(ctx context.Context, rec lifecycle.FillRecord) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := `INSERT INTO order_fills (
		ts, ticker, venue, order_id, side, role, price, quantity, cumulative_qty
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9
	)`
	if _, err := w.db.ExecContext(ctx, query,
		rec.Time,
		rec.Ticker,
		rec.Venue,
		rec.OrderID,
		rec.Side,
		rec.Role,
		rec.Price,
		rec.Quantity,
		rec.CumulativeQty,
	); err != nil && w.log != nil {
		w.log.Warn("timescale fill insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}
