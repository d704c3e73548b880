package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"budgetline/internal/config"
	"budgetline/internal/domain"
	"budgetline/internal/engine"
)

// webhookDispatcher polls the event log and posts new events to configured
// webhook endpoints. Each hook keeps its own cursor so a slow endpoint never
// holds back the others.
type webhookDispatcher struct {
	engine   engine.Engine
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   *log.Logger

	mu      sync.Mutex
	cursors map[int]int64
}

// StartWebhookDispatcher begins background delivery of audit events to the
// configured webhooks. New hooks start at the current end of the log; only
// events appended after startup are delivered.
func StartWebhookDispatcher(ctx context.Context, e engine.Engine, hooks []config.WebhookConfig, logger *log.Logger) {
	enabled := make([]config.WebhookConfig, 0, len(hooks))
	for _, wh := range hooks {
		if wh.Enabled != nil && !*wh.Enabled {
			continue
		}
		enabled = append(enabled, wh)
	}
	if len(enabled) == 0 {
		return
	}
	if logger == nil {
		logger = log.Default()
	}
	d := &webhookDispatcher{
		engine:   e,
		webhooks: enabled,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
		cursors:  map[int]int64{},
	}
	go d.run(ctx)
}

func (d *webhookDispatcher) run(ctx context.Context) {
	latest, err := d.engine.Repo.LatestEventID(ctx)
	if err != nil {
		d.logger.Printf("webhook dispatcher: read event cursor: %v", err)
	}
	d.mu.Lock()
	for i := range d.webhooks {
		d.cursors[i] = latest
	}
	d.mu.Unlock()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.dispatchAll(ctx)
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for i, wh := range d.webhooks {
		d.mu.Lock()
		cursor := d.cursors[i]
		d.mu.Unlock()

		events, err := d.engine.Repo.EventsAfter(ctx, 100, cursor)
		if err != nil {
			d.logger.Printf("webhook dispatcher: list events: %v", err)
			continue
		}
		for _, evt := range events {
			if !eventFilter(wh.Events, evt.Type) {
				cursor = evt.ID
				continue
			}
			if err := d.postEvent(ctx, wh, evt); err != nil {
				d.logger.Printf("webhook dispatcher: deliver event %d to %s: %v", evt.ID, wh.URL, err)
				break // retry from this event next tick
			}
			cursor = evt.ID
		}

		d.mu.Lock()
		d.cursors[i] = cursor
		d.mu.Unlock()
	}
}

type webhookEvent struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	AgreementID string          `json:"agreement_id,omitempty"`
	EntityKind  string          `json:"entity_kind"`
	EntityID    string          `json:"entity_id,omitempty"`
	UserID      string          `json:"user_id"`
	TS          string          `json:"ts"`
	Payload     json.RawMessage `json:"payload"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, wh config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage(evt.Payload)
	if !json.Valid(payload) {
		payload = json.RawMessage("{}")
	}
	body, err := json.Marshal(webhookEvent{
		ID:          evt.ID,
		Type:        evt.Type,
		AgreementID: evt.AgreementID,
		EntityKind:  evt.EntityKind,
		EntityID:    evt.EntityID,
		UserID:      evt.UserID,
		TS:          evt.TS,
		Payload:     payload,
	})
	if err != nil {
		return err
	}

	timeout := d.client.Timeout
	if wh.TimeoutSeconds > 0 {
		timeout = time.Duration(wh.TimeoutSeconds) * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Budgetline-Event", evt.Type)
	req.Header.Set("X-Budgetline-Delivery", deliveryID(evt.ID))
	if wh.Secret != "" {
		req.Header.Set("X-Budgetline-Secret", wh.Secret)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &deliveryError{status: resp.StatusCode}
	}
	return nil
}

func eventFilter(subscribed []string, eventType string) bool {
	if len(subscribed) == 0 {
		return true
	}
	for _, t := range subscribed {
		if t == eventType || t == "*" {
			return true
		}
	}
	return false
}

func deliveryID(eventID int64) string {
	return time.Now().UTC().Format("20060102T150405") + "-" + strconv.FormatInt(eventID, 10)
}

type deliveryError struct {
	status int
}

func (e *deliveryError) Error() string {
	return "endpoint returned status " + strconv.Itoa(e.status)
}
