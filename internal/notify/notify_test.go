package notify_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"gigline/internal/config"
	"gigline/internal/db"
	"gigline/internal/migrate"
	"gigline/internal/notify"
	"gigline/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, nil))
	return repo.Repo{DB: conn}
}

type delivery struct {
	Event  string
	Secret string
	Body   map[string]any
}

type hookRecorder struct {
	mu     sync.Mutex
	got    []delivery
	status int
}

func (h *hookRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	h.mu.Lock()
	h.got = append(h.got, delivery{Event: r.Header.Get("X-Gigline-Event"), Secret: r.Header.Get("X-Gigline-Secret"), Body: body})
	status := h.status
	h.mu.Unlock()
	if status == 0 {
		status = http.StatusNoContent
	}
	w.WriteHeader(status)
}

func (h *hookRecorder) deliveries() []delivery {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]delivery(nil), h.got...)
}

func TestOutboxPersistsNotification(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	out := notify.Outbox{Repo: r, Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}

	require.NoError(t, out.Notify(ctx, "alice", notify.KindPaymentCompleted, map[string]any{"amount": 1000}))
	require.Error(t, out.Notify(ctx, "", notify.KindPaymentCompleted, nil))

	list, err := r.ListNotifications(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, notify.KindPaymentCompleted, list[0].Kind)
	assert.JSONEq(t, `{"amount":1000}`, list[0].Payload)
	assert.Equal(t, "2024-01-01T00:00:00Z", list[0].CreatedAt)
	assert.Nil(t, list[0].DeliveredAt)

	n, err := r.CountNotifications(ctx, "alice", notify.KindPaymentCompleted)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDispatchOnceDeliversMatchingKinds(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	out := notify.Outbox{Repo: r}
	require.NoError(t, out.Notify(ctx, "alice", notify.KindPaymentCompleted, map[string]any{"payment_id": "p1"}))
	require.NoError(t, out.Notify(ctx, "company-1", notify.KindApplicationCreated, nil))

	payments := &hookRecorder{}
	everything := &hookRecorder{}
	paymentsSrv := httptest.NewServer(payments)
	defer paymentsSrv.Close()
	everythingSrv := httptest.NewServer(everything)
	defer everythingSrv.Close()

	d := notify.NewDispatcher(r, []config.WebhookConfig{
		{URL: paymentsSrv.URL, Events: []string{notify.KindPaymentCompleted}, Secret: "s3cret"},
		{URL: everythingSrv.URL},
	}, nil)
	require.True(t, d.Enabled())

	n, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got := payments.deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, notify.KindPaymentCompleted, got[0].Event)
	assert.Equal(t, "s3cret", got[0].Secret)
	assert.Equal(t, "alice", got[0].Body["recipient_id"])
	assert.Equal(t, "p1", got[0].Body["payload"].(map[string]any)["payment_id"])
	assert.Len(t, everything.deliveries(), 2)

	n, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, everything.deliveries(), 2)
}

func TestDispatchOnceRetriesUntilAttemptsRunOut(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	require.NoError(t, notify.Outbox{Repo: r}.Notify(ctx, "alice", notify.KindProjectCompleted, nil))

	hook := &hookRecorder{status: http.StatusBadGateway}
	srv := httptest.NewServer(hook)
	defer srv.Close()

	core, logs := observer.New(zapcore.WarnLevel)
	d := notify.NewDispatcher(r, []config.WebhookConfig{{URL: srv.URL}}, zap.New(core))
	for i := 0; i < 7; i++ {
		n, err := d.DispatchOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	}
	assert.Len(t, hook.deliveries(), 5)
	assert.Equal(t, 5, logs.FilterMessage("notification delivery failed").Len())

	list, err := r.ListNotifications(ctx, "alice", 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 5, list[0].Attempts)
	require.NotNil(t, list[0].LastError)
	assert.Contains(t, *list[0].LastError, "status 502")
}

func TestDispatcherDisabledWithoutHooks(t *testing.T) {
	r := newRepo(t)
	off := false
	d := notify.NewDispatcher(r, []config.WebhookConfig{{URL: "http://127.0.0.1:1", Enabled: &off}, {URL: " "}}, nil)
	assert.False(t, d.Enabled())

	done := make(chan struct{})
	go func() {
		d.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run should return immediately without active hooks")
	}
}

func TestDiscardDropsEverything(t *testing.T) {
	assert.NoError(t, notify.Discard{}.Notify(context.Background(), "", "anything", nil))
}
