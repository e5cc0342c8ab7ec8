package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"signal_router/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type mockAlertChannel struct {
	name     string
	sent     []AlertPayload
	sendFunc func(ctx context.Context, alert AlertPayload) error
	mu       sync.Mutex
}

func (m *mockAlertChannel) Name() string {
	return m.name
}

func (m *mockAlertChannel) Send(ctx context.Context, alert AlertPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, alert)
	if m.sendFunc != nil {
		return m.sendFunc(ctx, alert)
	}
	return nil
}

func (m *mockAlertChannel) getSent() []AlertPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]AlertPayload, len(m.sent))
	copy(res, m.sent)
	return res
}

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               {}
func (m *mockLogger) Info(msg string, f ...interface{})                {}
func (m *mockLogger) Warn(msg string, f ...interface{})                {}
func (m *mockLogger) Error(msg string, f ...interface{})               {}
func (m *mockLogger) Fatal(msg string, f ...interface{})               {}
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

func TestAlertManager_FansOutToEveryChannel(t *testing.T) {
	am := NewAlertManager(&mockLogger{})
	ch1 := &mockAlertChannel{name: "mock1"}
	ch2 := &mockAlertChannel{name: "mock2"}
	am.AddChannel(ch1)
	am.AddChannel(ch2)

	am.Alert(context.Background(), "Test Alert", "This is a test", Info, map[string]string{"key": "value"})
	am.Close(time.Second)

	for _, ch := range []*mockAlertChannel{ch1, ch2} {
		sent := ch.getSent()
		require.Len(t, sent, 1, ch.name)
		assert.Equal(t, "Test Alert", sent[0].Title)
		assert.Equal(t, Info, sent[0].Level)
		assert.Equal(t, "value", sent[0].Fields["key"])
	}
}

func TestAlertManager_PreservesOrderPerChannel(t *testing.T) {
	am := NewAlertManager(&mockLogger{})
	ch := &mockAlertChannel{name: "ordered"}
	am.AddChannel(ch)

	titles := []string{"first", "second", "third", "fourth"}
	for _, title := range titles {
		am.Alert(context.Background(), title, "", Info, nil)
	}
	am.Close(time.Second)

	sent := ch.getSent()
	require.Len(t, sent, len(titles))
	for i, title := range titles {
		assert.Equal(t, title, sent[i].Title)
	}
}

func TestAlertManager_FailingChannelDoesNotBlockOthers(t *testing.T) {
	am := NewAlertManager(&mockLogger{})
	bad := &mockAlertChannel{name: "bad", sendFunc: func(ctx context.Context, alert AlertPayload) error {
		return errors.New("down")
	}}
	good := &mockAlertChannel{name: "good"}
	am.AddChannel(bad)
	am.AddChannel(good)

	am.Alert(context.Background(), "x", "y", Error, nil)
	am.Alert(context.Background(), "x2", "y2", Error, nil)
	am.Close(time.Second)

	assert.Len(t, bad.getSent(), 2)
	assert.Len(t, good.getSent(), 2)
}

func TestAlertManager_NotifyMapsSeverity(t *testing.T) {
	tests := []struct {
		severity core.Severity
		want     AlertLevel
	}{
		{core.SeverityInfo, Info},
		{core.SeverityWarning, Warning},
		{core.SeverityError, Error},
		{core.SeverityCritical, Critical},
	}
	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			am := NewAlertManager(&mockLogger{})
			ch := &mockAlertChannel{name: "mock"}
			am.AddChannel(ch)

			am.Notify(context.Background(), core.Notification{Severity: tt.severity, Title: "T", Message: "M"})
			am.Close(time.Second)

			sent := ch.getSent()
			require.Len(t, sent, 1)
			assert.Equal(t, tt.want, sent[0].Level)
		})
	}
}

func TestAlertManager_AlertAfterCloseIsDropped(t *testing.T) {
	am := NewAlertManager(&mockLogger{})
	ch := &mockAlertChannel{name: "mock"}
	am.AddChannel(ch)
	am.Close(time.Second)

	assert.NotPanics(t, func() {
		am.Alert(context.Background(), "late", "", Info, nil)
	})
	assert.Empty(t, ch.getSent())
	am.Close(time.Second)
}

func newTestTelegram(url string) *TelegramChannel {
	tg := NewTelegramChannel("TOKEN", "42")
	tg.apiBase = url
	tg.limiter = rate.NewLimiter(rate.Inf, 1)
	return tg
}

func TestTelegramChannel_Send(t *testing.T) {
	var body map[string]interface{}
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	tg := newTestTelegram(server.URL)
	err := tg.Send(context.Background(), AlertPayload{
		Level: Critical, Title: "Position unprotected", Message: "MANUAL INTERVENTION REQUIRED",
		Fields: map[string]string{"account": "2"},
	})
	require.NoError(t, err)

	assert.Equal(t, "/botTOKEN/sendMessage", path)
	assert.Equal(t, "42", body["chat_id"])
	assert.Equal(t, "Markdown", body["parse_mode"])
	assert.Contains(t, body["text"], "*Position unprotected*")
	assert.Contains(t, body["text"], "MANUAL INTERVENTION REQUIRED")
	assert.Contains(t, body["text"], "*account*: 2")
}

func TestTelegramChannel_HonoursRetryAfter(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":1}}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	tg := newTestTelegram(server.URL)
	start := time.Now()
	require.NoError(t, tg.Send(context.Background(), AlertPayload{Title: "t", Message: "m"}))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestTelegramChannel_FallsBackToPlainText(t *testing.T) {
	var modes []interface{}
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		modes = append(modes, body["parse_mode"])
		mu.Unlock()
		if body["parse_mode"] != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	tg := newTestTelegram(server.URL)
	require.NoError(t, tg.Send(context.Background(), AlertPayload{Title: "SOL_USDT", Message: "m"}))
	assert.Equal(t, []interface{}{"Markdown", nil}, modes)
}

func TestTelegramChannel_OtherErrorsFail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
	}))
	defer server.Close()

	err := newTestTelegram(server.URL).Send(context.Background(), AlertPayload{Title: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestTelegramChannel_SpacesMessages(t *testing.T) {
	var mu sync.Mutex
	var stamps []time.Time
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	tg := newTestTelegram(server.URL)
	tg.limiter = rate.NewLimiter(rate.Every(200*time.Millisecond), 1)
	for i := 0; i < 3; i++ {
		require.NoError(t, tg.Send(context.Background(), AlertPayload{Title: "t"}))
	}

	require.Len(t, stamps, 3)
	assert.GreaterOrEqual(t, stamps[2].Sub(stamps[0]), 350*time.Millisecond)
}

func TestTelegramChannel_UnconfiguredIsNoop(t *testing.T) {
	tg := NewTelegramChannel("", "")
	assert.NoError(t, tg.Send(context.Background(), AlertPayload{Title: "t"}))
}

func TestSlackChannel_Send(t *testing.T) {
	var body map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ch := NewSlackChannel(server.URL)
	require.NoError(t, ch.Send(context.Background(), AlertPayload{
		Level: Warning, Title: "All accounts busy", Message: "signal S1", Timestamp: time.Now(),
		Fields: map[string]string{"b": "2", "a": "1"},
	}))

	attachments := body["attachments"].([]interface{})
	require.Len(t, attachments, 1)
	att := attachments[0].(map[string]interface{})
	assert.Equal(t, "#ffcc00", att["color"])
	assert.Equal(t, "[WARNING] All accounts busy", att["pretext"])
	fields := att["fields"].([]interface{})
	require.Len(t, fields, 2)
	assert.Equal(t, "a", fields[0].(map[string]interface{})["title"])
}

func TestSlackChannel_Non200IsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	assert.Error(t, NewSlackChannel(server.URL).Send(context.Background(), AlertPayload{Title: "t"}))
}

func TestLogChannel_Send(t *testing.T) {
	ch := NewLogChannel(&mockLogger{})
	assert.Equal(t, "log", ch.Name())
	for _, lvl := range []AlertLevel{Info, Warning, Error, Critical} {
		assert.NoError(t, ch.Send(context.Background(), AlertPayload{Level: lvl, Title: "t"}))
	}
}
