package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func okResponse(w http.ResponseWriter) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok": true,
		"result": map[string]any{
			"message_id": 1,
			"date":       0,
			"chat":       map[string]any{"id": 12345, "type": "private"},
		},
	})
}

func newTestNotifier(url string, opts TelegramOptions) *TelegramNotifier {
	api := NewBotAPI("token", url, &http.Client{Timeout: time.Second})
	return NewTelegramNotifier(api, opts, testLogger())
}

func TestTelegramNotifierSuccess(t *testing.T) {
	var path, chatID, text string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		chatID = r.FormValue("chat_id")
		text = r.FormValue("text")
		okResponse(w)
	}))
	defer srv.Close()

	n := newTestNotifier(srv.URL, TelegramOptions{})
	if err := n.Send(context.Background(), "12345", "hello"); err != nil {
		t.Fatalf("send should succeed: %v", err)
	}

	if path != "/bottoken/sendMessage" {
		t.Fatalf("unexpected path %s", path)
	}
	if chatID != "12345" {
		t.Fatalf("wrong chat_id: %q", chatID)
	}
	if text != "hello" {
		t.Fatalf("wrong text: %q", text)
	}
}

func TestTelegramNotifierChannelRecipient(t *testing.T) {
	var chatID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		chatID = r.FormValue("chat_id")
		okResponse(w)
	}))
	defer srv.Close()

	n := newTestNotifier(srv.URL, TelegramOptions{})
	if err := n.Send(context.Background(), "@radar_alerts", "x"); err != nil {
		t.Fatalf("send should succeed: %v", err)
	}
	if chatID != "@radar_alerts" {
		t.Fatalf("channel username should be sent as chat_id, got %q", chatID)
	}
}

func TestTelegramNotifierOkFalse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": 400, "description": "chat not found"})
	}))
	defer srv.Close()

	err := newTestNotifier(srv.URL, TelegramOptions{}).Send(context.Background(), "1", "x")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("ok=false should fail with description, got %v", err)
	}
}

func TestTelegramNotifierBlockedByUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": 403, "description": "bot was blocked by the user"})
	}))
	defer srv.Close()

	err := newTestNotifier(srv.URL, TelegramOptions{}).Send(context.Background(), "1", "x")
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestTelegramNotifierTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	if err := newTestNotifier(url, TelegramOptions{}).Send(context.Background(), "1", "x"); err == nil {
		t.Fatal("send to a closed server should fail")
	}
}

func TestTelegramNotifierRateLimitHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		okResponse(w)
	}))
	defer srv.Close()

	n := newTestNotifier(srv.URL, TelegramOptions{RateLimit: 0.001, Burst: 1})
	if err := n.Send(context.Background(), "1", "first"); err != nil {
		t.Fatalf("first send should pass: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := n.Send(ctx, "1", "second"); err == nil {
		t.Fatal("second send should be throttled past the deadline")
	}
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(zerolog.New(&buf))
	if err := n.Send(context.Background(), "42", "alert text"); err != nil {
		t.Fatalf("log notifier should not fail: %v", err)
	}
	if !strings.Contains(buf.String(), "alert text") || !strings.Contains(buf.String(), "42") {
		t.Fatalf("unexpected log output %q", buf.String())
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
