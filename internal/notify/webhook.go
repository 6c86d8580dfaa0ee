package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"assessline/internal/config"
	"assessline/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// Webhook posts notifications as JSON to one endpoint.
type Webhook struct {
	hook   config.WebhookConfig
	filter eventFilter
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

func NewWebhook(hook config.WebhookConfig, logger *slog.Logger) *Webhook {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		hook:   hook,
		filter: newEventFilter(hook.Events),
		client: &http.Client{Timeout: timeout},
		logger: logger,
		now:    time.Now,
	}
}

func (w *Webhook) OnBlockerRaised(ctx context.Context, b domain.AssessmentBlocker) {
	w.send(ctx, blockerMessage(b, w.now()))
}

func (w *Webhook) OnStageTransition(ctx context.Context, assessmentID, stageID string, status domain.StageStatus) {
	w.send(ctx, stageMessage(assessmentID, stageID, status, w.now()))
}

func (w *Webhook) send(ctx context.Context, msg Message) {
	if !w.filter.match(msg.Type) {
		return
	}
	if err := w.post(context.WithoutCancel(ctx), msg); err != nil {
		w.logger.WarnContext(ctx, "notify: webhook delivery failed",
			"url", w.hook.URL, "type", msg.Type, "assessment_id", msg.AssessmentID, "error", err)
	}
}

func (w *Webhook) post(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Assessline-Event", msg.Type)
	req.Header.Set("X-Assessline-Assessment", msg.AssessmentID)
	if strings.TrimSpace(w.hook.Secret) != "" {
		req.Header.Set("X-Assessline-Secret", w.hook.Secret)
	}
	res, err := w.client.Do(req)
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

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
