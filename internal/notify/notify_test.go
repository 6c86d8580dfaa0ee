package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assessline/internal/config"
	"assessline/internal/domain"
)

func testBlocker() domain.AssessmentBlocker {
	return domain.AssessmentBlocker{
		ID:           "unresolved-conflict:Q1",
		AssessmentID: "a-1",
		Kind:         domain.BlockerUnresolvedConflict,
		Severity:     domain.SeverityCritical,
		Scope:        domain.BlockerScope{QuestionID: "Q1"},
		Message:      "answers to Q1 diverge by 2",
	}
}

func bufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func TestRedisPublishesBlocker(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	n, err := NewRedis(RedisOptions{URL: "redis://" + mr.Addr(), Channel: "test:notify"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })

	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = sub.Close() })
	ps := sub.Subscribe(ctx, "test:notify")
	t.Cleanup(func() { _ = ps.Close() })
	_, err = ps.Receive(ctx)
	require.NoError(t, err)

	n.OnBlockerRaised(ctx, testBlocker())

	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	raw, err := ps.ReceiveMessage(rctx)
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal([]byte(raw.Payload), &msg))
	assert.Equal(t, TypeBlockerRaised, msg.Type)
	assert.Equal(t, "a-1", msg.AssessmentID)
	require.NotNil(t, msg.Blocker)
	assert.Equal(t, domain.SeverityCritical, msg.Blocker.Severity)
}

func TestRedisFailureIsLoggedNotReturned(t *testing.T) {
	mr := miniredis.RunT(t)
	logger, buf := bufferLogger()
	n, err := NewRedis(RedisOptions{URL: "redis://" + mr.Addr(), Logger: logger, WriteTimeout: 200 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	assert.Equal(t, DefaultChannel, n.Channel())

	mr.Close()
	n.OnStageTransition(context.Background(), "a-1", "review", domain.StageActive)
	assert.Contains(t, buf.String(), "redis publish failed")
	assert.Contains(t, buf.String(), "level=WARN")
}

func TestNewRedisRejectsBadURL(t *testing.T) {
	_, err := NewRedis(RedisOptions{URL: "://nope"})
	require.Error(t, err)
}

func TestWebhookPostsMessage(t *testing.T) {
	var mu sync.Mutex
	var got []Message
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var msg Message
		_ = json.Unmarshal(body, &msg)
		mu.Lock()
		got = append(got, msg)
		headers = r.Header.Clone()
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhook(config.WebhookConfig{URL: srv.URL, Secret: "s3cret", Events: []string{TypeStageTransition}}, nil)
	w.OnBlockerRaised(context.Background(), testBlocker())
	w.OnStageTransition(context.Background(), "a-1", "review", domain.StageDone)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1, "blocker events are filtered out")
	assert.Equal(t, "review", got[0].StageID)
	assert.Equal(t, domain.StageDone, got[0].Status)
	assert.Equal(t, "s3cret", headers.Get("X-Assessline-Secret"))
	assert.Equal(t, TypeStageTransition, headers.Get("X-Assessline-Event"))
}

func TestWebhookFailureIsLogged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()
	logger, buf := bufferLogger()
	w := NewWebhook(config.WebhookConfig{URL: srv.URL}, logger)
	w.OnBlockerRaised(context.Background(), testBlocker())
	assert.Contains(t, buf.String(), "webhook delivery failed")
	assert.Contains(t, buf.String(), "status 500")
}

type recorder struct {
	blockers []string
	stages   []string
}

func (r *recorder) OnBlockerRaised(_ context.Context, b domain.AssessmentBlocker) {
	r.blockers = append(r.blockers, b.ID)
}

func (r *recorder) OnStageTransition(_ context.Context, _, stageID string, status domain.StageStatus) {
	r.stages = append(r.stages, stageID+"="+string(status))
}

func TestMultiFansOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	logger, buf := bufferLogger()
	m := Multi{a, Log{Logger: logger}, b, Nop{}}
	m.OnBlockerRaised(context.Background(), testBlocker())
	m.OnStageTransition(context.Background(), "a-1", "assessment", domain.StageActive)

	for _, r := range []*recorder{a, b} {
		assert.Equal(t, []string{"unresolved-conflict:Q1"}, r.blockers)
		assert.Equal(t, []string{"assessment=active"}, r.stages)
	}
	assert.Contains(t, buf.String(), "blocker raised")
	assert.Contains(t, buf.String(), "stage_id=assessment")
}

func TestFromConfigSkipsDisabledWebhooks(t *testing.T) {
	off := false
	n, closeFn, err := FromConfig(config.NotificationsConfig{
		Webhooks: []config.WebhookConfig{{URL: "http://127.0.0.1:1/hook", Enabled: &off}},
	}, nil)
	require.NoError(t, err)
	defer closeFn()
	a, ok := n.(*Async)
	require.True(t, ok)
	m, ok := a.next.(Multi)
	require.True(t, ok)
	assert.Len(t, m, 1)
}

type slowNotifier struct {
	delay time.Duration
	mu    sync.Mutex
	got   []string
}

func (s *slowNotifier) OnBlockerRaised(_ context.Context, b domain.AssessmentBlocker) {
	time.Sleep(s.delay)
	s.mu.Lock()
	s.got = append(s.got, b.ID)
	s.mu.Unlock()
}

func (s *slowNotifier) OnStageTransition(_ context.Context, _, stageID string, _ domain.StageStatus) {
	time.Sleep(s.delay)
	s.mu.Lock()
	s.got = append(s.got, stageID)
	s.mu.Unlock()
}

func TestAsyncDoesNotWaitForDelivery(t *testing.T) {
	slow := &slowNotifier{delay: 100 * time.Millisecond}
	a := NewAsync(slow, 0, nil)

	begin := time.Now()
	a.OnStageTransition(context.Background(), "a-1", "review", domain.StageActive)
	a.OnBlockerRaised(context.Background(), testBlocker())
	a.OnStageTransition(context.Background(), "a-1", "approval", domain.StageActive)
	assert.Less(t, time.Since(begin), 50*time.Millisecond)

	require.NoError(t, a.Close())
	assert.Equal(t, []string{"review", "unresolved-conflict:Q1", "approval"}, slow.got)
}

func TestAsyncDropsWhenFullOrClosed(t *testing.T) {
	logger, buf := bufferLogger()
	block := make(chan struct{})
	gate := &gateNotifier{release: block}
	a := NewAsync(gate, 1, logger)

	// first is taken by the worker and parks; second fills the queue
	a.OnBlockerRaised(context.Background(), testBlocker())
	require.Eventually(t, func() bool { return gate.started.Load() }, time.Second, 5*time.Millisecond)
	a.OnBlockerRaised(context.Background(), testBlocker())
	a.OnBlockerRaised(context.Background(), testBlocker())
	assert.Contains(t, buf.String(), "queue full")

	close(block)
	require.NoError(t, a.Close())
	assert.Equal(t, int32(2), gate.calls.Load())

	a.OnBlockerRaised(context.Background(), testBlocker())
	assert.Contains(t, buf.String(), "dropped after close")
}

type gateNotifier struct {
	release <-chan struct{}
	started atomic.Bool
	calls   atomic.Int32
}

func (g *gateNotifier) OnBlockerRaised(context.Context, domain.AssessmentBlocker) {
	g.started.Store(true)
	<-g.release
	g.calls.Add(1)
}

func (g *gateNotifier) OnStageTransition(context.Context, string, string, domain.StageStatus) {}
