// Package notify delivers blocker and stage notifications outside the
// engine's transaction. Delivery is fire and forget: failures are logged and
// never reach the caller.
package notify

import (
	"context"
	"log/slog"
	"time"

	"assessline/internal/config"
	"assessline/internal/domain"
)

// Notifier receives notifications after a mutation has committed.
type Notifier interface {
	OnBlockerRaised(ctx context.Context, b domain.AssessmentBlocker)
	OnStageTransition(ctx context.Context, assessmentID, stageID string, status domain.StageStatus)
}

// Message is the wire shape published by the Redis and webhook notifiers.
type Message struct {
	Type         string                    `json:"type"`
	AssessmentID string                    `json:"assessment_id"`
	Blocker      *domain.AssessmentBlocker `json:"blocker,omitempty"`
	StageID      string                    `json:"stage_id,omitempty"`
	Status       domain.StageStatus        `json:"status,omitempty"`
	SentAt       time.Time                 `json:"sent_at"`
}

const (
	TypeBlockerRaised   = "blocker.raised"
	TypeStageTransition = "stage.transition"
)

func blockerMessage(b domain.AssessmentBlocker, now time.Time) Message {
	cp := b
	return Message{Type: TypeBlockerRaised, AssessmentID: b.AssessmentID, Blocker: &cp, SentAt: now.UTC()}
}

func stageMessage(assessmentID, stageID string, status domain.StageStatus, now time.Time) Message {
	return Message{Type: TypeStageTransition, AssessmentID: assessmentID, StageID: stageID, Status: status, SentAt: now.UTC()}
}

// Log writes notifications to a logger.
type Log struct {
	Logger *slog.Logger
}

func (l Log) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func (l Log) OnBlockerRaised(ctx context.Context, b domain.AssessmentBlocker) {
	l.logger().InfoContext(ctx, "blocker raised",
		"assessment_id", b.AssessmentID, "blocker_id", b.ID, "blocker_kind", b.Kind, "severity", b.Severity)
}

func (l Log) OnStageTransition(ctx context.Context, assessmentID, stageID string, status domain.StageStatus) {
	l.logger().InfoContext(ctx, "stage transition", "assessment_id", assessmentID, "stage_id", stageID, "status", status)
}

// Multi fans out to every notifier in order.
type Multi []Notifier

func (m Multi) OnBlockerRaised(ctx context.Context, b domain.AssessmentBlocker) {
	for _, n := range m {
		n.OnBlockerRaised(ctx, b)
	}
}

func (m Multi) OnStageTransition(ctx context.Context, assessmentID, stageID string, status domain.StageStatus) {
	for _, n := range m {
		n.OnStageTransition(ctx, assessmentID, stageID, status)
	}
}

// Nop drops everything.
type Nop struct{}

func (Nop) OnBlockerRaised(context.Context, domain.AssessmentBlocker)             {}
func (Nop) OnStageTransition(context.Context, string, string, domain.StageStatus) {}

// FromConfig builds the configured notifiers behind an Async queue. The log
// notifier is always present; Redis and webhooks are added when configured.
// The returned close function drains the queue, then releases connections.
func FromConfig(cfg config.NotificationsConfig, logger *slog.Logger) (Notifier, func() error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	out := Multi{Log{Logger: logger}}
	closeFn := func() error { return nil }
	if cfg.Redis.URL != "" {
		r, err := NewRedis(RedisOptions{URL: cfg.Redis.URL, Channel: cfg.Redis.Channel, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		out = append(out, r)
		closeFn = r.Close
	}
	for _, hook := range cfg.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		out = append(out, NewWebhook(hook, logger))
	}
	async := NewAsync(out, cfg.QueueSize, logger)
	return async, func() error {
		_ = async.Close()
		return closeFn()
	}, nil
}
