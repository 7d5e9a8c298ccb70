package venue

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy re-attempts transient failures with exponential backoff.
// Non-retryable errors (auth, validation, rejection) return immediately.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 200 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	return p
}

func (p RetryPolicy) Do(ctx context.Context, log *zap.Logger, op string, fn func() error) error {
	p = p.normalized()
	backoff := p.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !Retryable(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}
		if log != nil {
			log.Debug("retrying venue call",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > p.MaxDelay {
			backoff = p.MaxDelay
		}
	}
	return lastErr
}

// WithRetry wraps every adapter call in the policy. Subscriptions pass
// through untouched; the stream owns its own reconnect loop.
func WithRetry(a Adapter, policy RetryPolicy, log *zap.Logger) Adapter {
	if a == nil {
		return nil
	}
	return &retryAdapter{inner: a, policy: policy.normalized(), log: log}
}

type retryAdapter struct {
	inner  Adapter
	policy RetryPolicy
	log    *zap.Logger
}

func (r *retryAdapter) Name() string { return r.inner.Name() }

func (r *retryAdapter) PlaceOpenOrder(ctx context.Context, instrument string, quantity float64, direction Direction) (OrderResult, error) {
	var res OrderResult
	err := r.policy.Do(ctx, r.log, "place_open_order", func() error {
		var err error
		res, err = r.inner.PlaceOpenOrder(ctx, instrument, quantity, direction)
		return err
	})
	return res, err
}

func (r *retryAdapter) PlaceCloseOrder(ctx context.Context, instrument string, quantity, price float64, side Side) (OrderResult, error) {
	var res OrderResult
	err := r.policy.Do(ctx, r.log, "place_close_order", func() error {
		var err error
		res, err = r.inner.PlaceCloseOrder(ctx, instrument, quantity, price, side)
		return err
	})
	return res, err
}

func (r *retryAdapter) PlaceMarketOrder(ctx context.Context, instrument string, quantity float64, direction Direction) (OrderResult, error) {
	var res OrderResult
	err := r.policy.Do(ctx, r.log, "place_market_order", func() error {
		var err error
		res, err = r.inner.PlaceMarketOrder(ctx, instrument, quantity, direction)
		return err
	})
	return res, err
}

func (r *retryAdapter) CancelOrder(ctx context.Context, orderID string) (OrderResult, error) {
	var res OrderResult
	err := r.policy.Do(ctx, r.log, "cancel_order", func() error {
		var err error
		res, err = r.inner.CancelOrder(ctx, orderID)
		return err
	})
	return res, err
}

func (r *retryAdapter) GetOrderInfo(ctx context.Context, orderID string) (OrderInfo, bool, error) {
	var info OrderInfo
	var ok bool
	err := r.policy.Do(ctx, r.log, "get_order_info", func() error {
		var err error
		info, ok, err = r.inner.GetOrderInfo(ctx, orderID)
		return err
	})
	return info, ok, err
}

func (r *retryAdapter) GetActiveOrders(ctx context.Context, instrument string) ([]OrderInfo, error) {
	var orders []OrderInfo
	err := r.policy.Do(ctx, r.log, "get_active_orders", func() error {
		var err error
		orders, err = r.inner.GetActiveOrders(ctx, instrument)
		return err
	})
	return orders, err
}

func (r *retryAdapter) GetAccountPosition(ctx context.Context, instrument string) (float64, error) {
	var position float64
	err := r.policy.Do(ctx, r.log, "get_account_position", func() error {
		var err error
		position, err = r.inner.GetAccountPosition(ctx, instrument)
		return err
	})
	return position, err
}

func (r *retryAdapter) FetchBestBidOffer(ctx context.Context, instrument string) (Quote, error) {
	var quote Quote
	err := r.policy.Do(ctx, r.log, "fetch_bbo", func() error {
		var err error
		quote, err = r.inner.FetchBestBidOffer(ctx, instrument)
		return err
	})
	return quote, err
}

func (r *retryAdapter) SubscribeOrderUpdates(ctx context.Context, handler func(OrderUpdate)) error {
	return r.inner.SubscribeOrderUpdates(ctx, handler)
}
