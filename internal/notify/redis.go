package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"assessline/internal/domain"
)

const DefaultChannel = "assessline:notifications"

type RedisOptions struct {
	URL            string
	Channel        string
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	Logger         *slog.Logger
}

// Redis publishes notifications on a pub/sub channel.
type Redis struct {
	client  *redis.Client
	channel string
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func NewRedis(opts RedisOptions) (*Redis, error) {
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	redisOpts.DialTimeout = opts.ConnectTimeout
	redisOpts.WriteTimeout = opts.WriteTimeout
	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &Redis{client: client, channel: opts.Channel, timeout: opts.WriteTimeout, logger: opts.Logger, now: time.Now}, nil
}

func (r *Redis) Channel() string { return r.channel }

func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) OnBlockerRaised(ctx context.Context, b domain.AssessmentBlocker) {
	r.publish(ctx, blockerMessage(b, r.now()))
}

func (r *Redis) OnStageTransition(ctx context.Context, assessmentID, stageID string, status domain.StageStatus) {
	r.publish(ctx, stageMessage(assessmentID, stageID, status, r.now()))
}

func (r *Redis) publish(ctx context.Context, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.WarnContext(ctx, "notify: encode message", "type", msg.Type, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		r.logger.WarnContext(ctx, "notify: redis publish failed",
			"channel", r.channel, "type", msg.Type, "assessment_id", msg.AssessmentID, "error", err)
	}
}
