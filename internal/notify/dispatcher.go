package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"gigline/internal/config"
	"gigline/internal/domain"
	"gigline/internal/metrics"
	"gigline/internal/repo"
)

const (
	defaultInterval    = 2 * time.Second
	defaultHookTimeout = 5 * time.Second
	defaultBatch       = 100
	maxAttempts        = 5
)

// Dispatcher polls the outbox and posts notifications to webhooks.
type Dispatcher struct {
	Repo     repo.Repo
	Hooks    []config.WebhookConfig
	Logger   *zap.Logger
	Interval time.Duration
	Now      func() time.Time

	client *http.Client
	mu     sync.Mutex
}

func NewDispatcher(r repo.Repo, hooks []config.WebhookConfig, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		Repo:     r,
		Hooks:    hooks,
		Logger:   logger.Named("notify"),
		Interval: defaultInterval,
		client:   &http.Client{Timeout: defaultHookTimeout},
	}
}

// Enabled reports whether at least one hook can receive deliveries.
func (d *Dispatcher) Enabled() bool {
	for _, h := range d.Hooks {
		if hookActive(h) {
			return true
		}
	}
	return false
}

func hookActive(h config.WebhookConfig) bool {
	if h.Enabled != nil && !*h.Enabled {
		return false
	}
	return strings.TrimSpace(h.URL) != ""
}

// Run delivers until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	if !d.Enabled() {
		return
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.DispatchOnce(ctx); err != nil {
			d.Logger.Warn("dispatch failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers one batch and returns how many notifications were
// marked delivered. Failed notifications are retried on the next pass until
// they run out of attempts.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pending, err := d.Repo.PendingNotifications(ctx, 0, maxAttempts, defaultBatch)
	if err != nil {
		return 0, fmt.Errorf("fetch notifications: %w", err)
	}
	delivered := 0
	for _, n := range pending {
		if err := d.deliver(ctx, n); err != nil {
			metrics.Notifications.WithLabelValues("failed").Inc()
			d.Logger.Warn("notification delivery failed",
				zap.Int64("notification_id", n.ID),
				zap.String("kind", n.Kind),
				zap.Error(err))
			if mErr := d.Repo.MarkNotificationFailed(ctx, n.ID, err.Error()); mErr != nil {
				return delivered, mErr
			}
			continue
		}
		if err := d.Repo.MarkNotificationDelivered(ctx, n.ID, d.now().UTC().Format(time.RFC3339)); err != nil {
			return delivered, err
		}
		metrics.Notifications.WithLabelValues("delivered").Inc()
		delivered++
	}
	return delivered, nil
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) deliver(ctx context.Context, n domain.Notification) error {
	for _, hook := range d.Hooks {
		if !hookActive(hook) {
			continue
		}
		if !newKindFilter(hook.Events).match(n.Kind) {
			continue
		}
		if err := d.post(ctx, hook, n); err != nil {
			return fmt.Errorf("%s: %w", hook.URL, err)
		}
	}
	return nil
}

type hookBody struct {
	ID          int64           `json:"id"`
	Kind        string          `json:"kind"`
	RecipientID string          `json:"recipient_id"`
	CreatedAt   string          `json:"created_at"`
	Payload     json.RawMessage `json:"payload"`
}

func (d *Dispatcher) post(ctx context.Context, hook config.WebhookConfig, n domain.Notification) error {
	payload := json.RawMessage("{}")
	if n.Payload != "" && json.Valid([]byte(n.Payload)) {
		payload = json.RawMessage(n.Payload)
	}
	data, err := json.Marshal(hookBody{
		ID:          n.ID,
		Kind:        n.Kind,
		RecipientID: n.RecipientID,
		CreatedAt:   n.CreatedAt,
		Payload:     payload,
	})
	if err != nil {
		return err
	}
	client := d.client
	if client == nil {
		client = &http.Client{Timeout: defaultHookTimeout}
	}
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gigline-Event", n.Kind)
	req.Header.Set("X-Gigline-Delivery", strconv.FormatInt(n.ID, 10))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Gigline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type kindFilter struct {
	all bool
	set map[string]struct{}
}

func newKindFilter(kinds []string) kindFilter {
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		if k = strings.TrimSpace(k); k != "" {
			set[k] = struct{}{}
		}
	}
	if len(set) == 0 {
		return kindFilter{all: true}
	}
	return kindFilter{set: set}
}

func (f kindFilter) match(kind string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[kind]
	return ok
}
