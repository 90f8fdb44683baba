package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"controlroom/internal/config"
	"controlroom/internal/domain"
	"controlroom/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher forwards audit entries to the webhooks configured on
// each project. Every hook keeps its own cursor; a hook seen for the first
// time starts at the newest entry, so history is never replayed.
type WebhookDispatcher struct {
	Engine   engine.Engine
	Interval time.Duration
	Client   *http.Client
	Logger   *slog.Logger

	mu      sync.Mutex
	cursors map[string]int64
}

func (d *WebhookDispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Run polls until ctx is cancelled.
func (d *WebhookDispatcher) Run(ctx context.Context) error {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers pending entries for every project and hook.
func (d *WebhookDispatcher) DispatchOnce(ctx context.Context) {
	projects, err := d.Engine.Repo.ListProjects(ctx)
	if err != nil {
		if ctx.Err() == nil {
			d.logger().Warn("webhook: list projects failed", "error", err)
		}
		return
	}
	for _, p := range projects {
		cfg, err := d.Engine.Repo.GetProjectConfig(ctx, p.ID)
		if err != nil {
			d.logger().Warn("webhook: load config failed", "project", p.ID, "error", err)
			continue
		}
		for _, hook := range cfg.Webhooks {
			if hook.Enabled != nil && !*hook.Enabled {
				continue
			}
			if strings.TrimSpace(hook.URL) == "" {
				continue
			}
			d.dispatchWebhook(ctx, p.ID, hook)
		}
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, projectID string, hook config.WebhookConfig) {
	key := projectID + "|" + hook.URL
	cursor, err := d.cursorFor(ctx, key, projectID)
	if err != nil {
		d.logger().Warn("webhook: init cursor failed", "project", projectID, "error", err)
		return
	}
	entries, err := d.Engine.Repo.AuditAfter(ctx, projectID, cursor, defaultWebhookBatch)
	if err != nil {
		d.logger().Warn("webhook: fetch audit entries failed", "project", projectID, "error", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, entry := range entries {
		if !filter.match(entry.EventType) {
			d.setCursor(key, entry.ID)
			continue
		}
		if err := d.postEntry(ctx, hook, entry); err != nil {
			if !errors.Is(err, context.Canceled) {
				d.logger().Warn("webhook: delivery failed", "url", hook.URL, "entry", entry.ID, "error", err)
			}
			return
		}
		d.setCursor(key, entry.ID)
	}
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, key, projectID string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = make(map[string]int64)
	}
	if cur, ok := d.cursors[key]; ok {
		return cur, nil
	}
	cur, err := d.Engine.Repo.LatestAuditID(ctx, projectID)
	if err != nil {
		return 0, err
	}
	d.cursors[key] = cur
	return cur, nil
}

func (d *WebhookDispatcher) setCursor(key string, value int64) {
	d.mu.Lock()
	d.cursors[key] = value
	d.mu.Unlock()
}

func (d *WebhookDispatcher) postEntry(ctx context.Context, hook config.WebhookConfig, entry domain.AuditLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.Client
	if client == nil {
		client = &http.Client{}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Controlroom-Event", entry.EventType)
	req.Header.Set("X-Controlroom-Delivery", fmt.Sprintf("%d", entry.ID))
	req.Header.Set("X-Controlroom-Project", entry.ProjectID)
	req.Header.Set("X-Controlroom-Severity", string(entry.Severity))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Controlroom-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

// eventFilter matches exact event types or "prefix.*" patterns.
type eventFilter struct {
	all      bool
	set      map[string]struct{}
	prefixes []string
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	f := eventFilter{set: make(map[string]struct{}, len(events))}
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		switch {
		case key == "":
			continue
		case key == "*":
			return eventFilter{all: true}
		case strings.HasSuffix(key, ".*"):
			f.prefixes = append(f.prefixes, strings.TrimSuffix(key, "*"))
		default:
			f.set[key] = struct{}{}
		}
	}
	if len(f.set) == 0 && len(f.prefixes) == 0 {
		return eventFilter{all: true}
	}
	return f
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(evt, p) {
			return true
		}
	}
	return false
}
