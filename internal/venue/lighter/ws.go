package lighter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// wsFrame is the session envelope the stream gateway wraps around every
// message. Data frames carry richer payloads and are decoded again by the
// subscriber.
type wsFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// wsClient maintains one connection to the stream gateway. Private channels
// authenticate through the token carried in each subscribe frame; the
// gateway confirms with connected/subscribed frames and drops sessions that
// leave its pings unanswered, so ping frames are handled here and never
// reach the subscriber.
type wsClient struct {
	url            string
	authToken      string
	accountIndex   int64
	reconnectDelay time.Duration
	pingInterval   time.Duration
	reconnects     interface{ Inc() }
	log            *zap.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	channels []string
	sessions int
}

func newWSClient(url, authToken string, accountIndex int64, reconnectDelay, pingInterval time.Duration, reconnects interface{ Inc() }, log *zap.Logger) *wsClient {
	return &wsClient{
		url:            url,
		authToken:      authToken,
		accountIndex:   accountIndex,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		reconnects:     reconnects,
		log:            log,
	}
}

func (c *wsClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return err
	}
	c.conn = conn
	c.sessions++
	if c.sessions > 1 {
		if c.reconnects != nil {
			c.reconnects.Inc()
		}
		if c.log != nil {
			c.log.Info("stream reconnected", zap.Int("session", c.sessions))
		}
	}
	return nil
}

// Subscribe registers the channel for this and every future session. The
// subscribe frame carries the auth token and account index, which private
// channels require.
func (c *wsClient) Subscribe(ctx context.Context, channel string) error {
	c.mu.Lock()
	c.channels = append(c.channels, channel)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("stream not connected")
	}
	return writeJSON(ctx, conn, c.subscribeFrame(channel))
}

func (c *wsClient) subscribeFrame(channel string) map[string]any {
	frame := map[string]any{"type": "subscribe", "channel": channel}
	if c.authToken != "" {
		frame["auth"] = c.authToken
		frame["account_index"] = c.accountIndex
	}
	return frame
}

func (c *wsClient) Run(ctx context.Context, handler func(json.RawMessage)) error {
	for {
		if err := c.ensureConnected(ctx); err != nil {
			return err
		}
		pingCtx, cancel := context.WithCancel(ctx)
		pingDone := make(chan struct{})
		go func() {
			defer close(pingDone)
			c.pingLoop(pingCtx)
		}()
		err := c.readLoop(ctx, handler)
		cancel()
		<-pingDone
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logReadLoopError(err)
			c.resetConn()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.reconnectDelay):
			}
			continue
		}
	}
}

// ensureConnected dials if needed and replays every subscribed channel so a
// fresh session resumes the same private streams.
func (c *wsClient) ensureConnected(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	channels := append([]string(nil), c.channels...)
	c.mu.Unlock()
	for _, channel := range channels {
		if err := writeJSON(ctx, conn, c.subscribeFrame(channel)); err != nil {
			return err
		}
	}
	return nil
}

func (c *wsClient) readLoop(ctx context.Context, handler func(json.RawMessage)) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("stream not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			if c.log != nil {
				c.log.Warn("stream frame decode failed", zap.Error(err))
			}
			continue
		}
		switch frame.Type {
		case "ping":
			if err := writeJSON(ctx, conn, map[string]string{"type": "pong"}); err != nil {
				return err
			}
		case "pong":
		case "connected", "subscribed":
			if c.log != nil {
				c.log.Debug("stream session confirmed",
					zap.String("type", frame.Type), zap.String("channel", frame.Channel))
			}
		case "error":
			if c.log != nil {
				c.log.Warn("stream error frame",
					zap.Int("code", frame.Code), zap.String("message", frame.Message))
			}
		default:
			if handler != nil {
				handler(json.RawMessage(data))
			}
		}
	}
}

// pingLoop keeps the session alive from our side; the gateway's own pings
// are answered in readLoop.
func (c *wsClient) pingLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	interval := c.pingInterval
	c.mu.Unlock()
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, map[string]string{"type": "ping"}); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) logReadLoopError(err error) {
	if c.log == nil {
		return
	}
	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			c.log.Info("stream read ended", zap.Int("status", int(closeErr.Code)), zap.String("reason", closeErr.Reason))
			return
		}
		c.log.Info("stream read ended", zap.Error(err))
		return
	}
	c.log.Warn("stream read ended", zap.Error(err))
}

func (c *wsClient) resetConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "reset")
		c.conn = nil
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
