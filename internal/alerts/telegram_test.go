package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ol-hedge-bot/internal/config"

	"go.uber.org/zap"
)

func TestTelegramSendDisabled(t *testing.T) {
	cfg := config.TelegramConfig{Enabled: false}
	client := newTelegram(cfg, zap.NewNop(), "http://unused", nil)
	if err := client.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("expected nil error when disabled, got %v", err)
	}
}

func TestTelegramSendMissingConfig(t *testing.T) {
	cfg := config.TelegramConfig{Enabled: true}
	client := newTelegram(cfg, zap.NewNop(), "http://unused", nil)
	if err := client.Send(context.Background(), "hello"); err == nil {
		t.Fatalf("expected error for missing token/chat_id")
	}
}

func TestTelegramSendPostsMessage(t *testing.T) {
	var gotPath string
	var gotPayload map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	if err := client.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("expected send success, got %v", err)
	}
	if gotPath != "/bottoken/sendMessage" {
		t.Fatalf("expected path /bottoken/sendMessage, got %s", gotPath)
	}
	if gotPayload["chat_id"] != "123" {
		t.Fatalf("expected chat_id 123, got %q", gotPayload["chat_id"])
	}
	if gotPayload["text"] != "hello" {
		t.Fatalf("expected text hello, got %q", gotPayload["text"])
	}
}

func TestTelegramSendThrottledRespectsCooldown(t *testing.T) {
	var sends int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sends++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123", AlertCooldown: time.Minute}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	now := time.Unix(1700000000, 0)
	client.now = func() time.Time { return now }

	ctx := context.Background()
	if err := client.SendThrottled(ctx, "BTC:long", "edge"); err != nil {
		t.Fatalf("first send failed: %v", err)
	}
	if err := client.SendThrottled(ctx, "BTC:long", "edge again"); err != nil {
		t.Fatalf("suppressed send errored: %v", err)
	}
	if sends != 1 {
		t.Fatalf("expected 1 delivery inside cooldown, got %d", sends)
	}
	if err := client.SendThrottled(ctx, "BTC:short", "other key"); err != nil {
		t.Fatalf("other key send failed: %v", err)
	}
	if sends != 2 {
		t.Fatalf("expected other key to deliver, got %d sends", sends)
	}
	now = now.Add(2 * time.Minute)
	if err := client.SendThrottled(ctx, "BTC:long", "edge later"); err != nil {
		t.Fatalf("post-cooldown send failed: %v", err)
	}
	if sends != 3 {
		t.Fatalf("expected delivery after cooldown, got %d sends", sends)
	}
}

func TestTelegramGetUpdates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottoken/getUpdates" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":[{"update_id":7,"message":{"text":"/pause","chat":{"id":123},"from":{"id":42,"username":"ops"}}}]}`))
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	updates, err := client.GetUpdates(context.Background(), 0, time.Second)
	if err != nil {
		t.Fatalf("get updates: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("expected 1 update, got %d", len(updates))
	}
	if updates[0].UpdateID != 7 {
		t.Fatalf("expected update id 7, got %d", updates[0].UpdateID)
	}
	if updates[0].Message == nil || updates[0].Message.Text != "/pause" {
		t.Fatalf("unexpected message: %+v", updates[0].Message)
	}
	if updates[0].Message.From == nil || updates[0].Message.From.ID != 42 {
		t.Fatalf("unexpected sender: %+v", updates[0].Message.From)
	}
}
