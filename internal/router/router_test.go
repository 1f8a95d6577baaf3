package router

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"vigil-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeChannel 测试用投递通道：记录发到的信封，可配置失败
type fakeChannel struct {
	name string

	mu       sync.Mutex
	sent     []models.Envelope
	failing  bool
	delivers chan models.Envelope
}

func newFakeChannel(name string) *fakeChannel {
	return &fakeChannel{name: name, delivers: make(chan models.Envelope, 64)}
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) Send(ctx context.Context, sub Subscription, env models.Envelope) error {
	c.mu.Lock()
	failing := c.failing
	if !failing {
		c.sent = append(c.sent, env)
	}
	c.mu.Unlock()

	if failing {
		return fmt.Errorf("channel unreachable")
	}
	c.delivers <- env
	return nil
}

func (c *fakeChannel) setFailing(on bool) {
	c.mu.Lock()
	c.failing = on
	c.mu.Unlock()
}

func (c *fakeChannel) wait(t *testing.T, timeout time.Duration) models.Envelope {
	t.Helper()
	select {
	case env := <-c.delivers:
		return env
	case <-time.After(timeout):
		t.Fatal("timed out waiting for delivery")
		return models.Envelope{}
	}
}

func snapshotEnvelope(agentID, agentType string) models.Envelope {
	return models.Envelope{
		AgentID:   agentID,
		AgentType: agentType,
		Type:      models.EnvelopeTypeSnapshot,
		Priority:  models.PriorityNormal,
		Timestamp: time.Now().Unix(),
	}
}

func newTestRouter(t *testing.T, ch *fakeChannel) *Router {
	t.Helper()
	r := NewRouter(Config{
		QueueSize:   4,
		MaxAttempts: 2,
		BackoffBase: time.Millisecond,
		SendTimeout: time.Second,
	}, []Channel{ch}, nil, nil, zap.NewNop())
	t.Cleanup(r.Stop)
	return r
}

func TestSubscribe_Validation(t *testing.T) {
	ch := newFakeChannel("fake")
	r := newTestRouter(t, ch)

	_, err := r.Subscribe(Subscription{SubscriberID: "", TargetAgentID: "a1", Channel: "fake"})
	assert.Error(t, err)

	_, err = r.Subscribe(Subscription{SubscriberID: "u1", Channel: "fake"})
	assert.Error(t, err)

	_, err = r.Subscribe(Subscription{SubscriberID: "u1", TargetAgentID: "a1", Channel: "missing"})
	assert.Error(t, err)

	id, err := r.Subscribe(Subscription{SubscriberID: "u1", TargetAgentID: "a1", Channel: "fake"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestDeliver_ExactTargetMatch(t *testing.T) {
	ch := newFakeChannel("fake")
	r := newTestRouter(t, ch)

	_, err := r.Subscribe(Subscription{SubscriberID: "u1", TargetAgentID: "a1", Channel: "fake"})
	require.NoError(t, err)

	r.Deliver(snapshotEnvelope("a1", "monitor"))
	env := ch.wait(t, time.Second)
	assert.Equal(t, "a1", env.AgentID)

	// 别的 Agent 不会投给它
	r.Deliver(snapshotEnvelope("a2", "monitor"))
	select {
	case <-ch.delivers:
		t.Fatal("unexpected delivery for unrelated agent")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeliver_TypeAndFavoritesMatch(t *testing.T) {
	ch := newFakeChannel("fake")
	r := newTestRouter(t, ch)

	_, err := r.Subscribe(Subscription{SubscriberID: "u1", TargetAgentType: "monitor", Channel: "fake"})
	require.NoError(t, err)
	_, err = r.Subscribe(Subscription{SubscriberID: "u2", Favorites: []string{"a7"}, Channel: "fake"})
	require.NoError(t, err)

	r.Deliver(snapshotEnvelope("a7", "monitor"))
	ch.wait(t, time.Second)
	ch.wait(t, time.Second)
}

func TestDeliver_ExactTargetOnlyBlocksFilteredSubscriptions(t *testing.T) {
	ch := newFakeChannel("fake")
	r := newTestRouter(t, ch)

	_, err := r.Subscribe(Subscription{SubscriberID: "typ", TargetAgentType: "monitor", Channel: "fake"})
	require.NoError(t, err)
	_, err = r.Subscribe(Subscription{SubscriberID: "exact", TargetAgentID: "a1", Channel: "fake"})
	require.NoError(t, err)

	env := snapshotEnvelope("a1", "monitor")
	env.ExactTargetOnly = true
	r.Deliver(env)

	// 只有精确订阅收到
	ch.wait(t, time.Second)
	select {
	case <-ch.delivers:
		t.Fatal("filtered subscription should not receive exact-target-only envelope")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeliver_SubscriberTypeFilter(t *testing.T) {
	ch := newFakeChannel("fake")
	r := newTestRouter(t, ch)

	_, err := r.Subscribe(Subscription{SubscriberID: "op", SubscriberType: "operator", TargetAgentType: "monitor", Channel: "fake"})
	require.NoError(t, err)
	_, err = r.Subscribe(Subscription{SubscriberID: "par", SubscriberType: "parent", TargetAgentType: "monitor", Channel: "fake"})
	require.NoError(t, err)

	env := snapshotEnvelope("a1", "monitor")
	env.AllowedSubscriberTypes = []string{"operator"}
	r.Deliver(env)

	ch.wait(t, time.Second)
	select {
	case <-ch.delivers:
		t.Fatal("parent subscription should be filtered out")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeliver_AudienceRestriction(t *testing.T) {
	ch := newFakeChannel("fake")
	r := newTestRouter(t, ch)

	_, err := r.Subscribe(Subscription{SubscriberID: "duty-doctor", TargetAgentID: "a1", Channel: "fake"})
	require.NoError(t, err)
	_, err = r.Subscribe(Subscription{SubscriberID: "bystander", TargetAgentID: "a1", Channel: "fake"})
	require.NoError(t, err)

	env := snapshotEnvelope("a1", "monitor")
	env.Type = models.EnvelopeTypeAlert
	env.Audience = []string{"duty-doctor"}
	r.Deliver(env)

	ch.wait(t, time.Second)
	select {
	case <-ch.delivers:
		t.Fatal("audience restriction should exclude other subscribers")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe_StopsIntake(t *testing.T) {
	ch := newFakeChannel("fake")
	r := newTestRouter(t, ch)

	id, err := r.Subscribe(Subscription{SubscriberID: "u1", TargetAgentID: "a1", Channel: "fake"})
	require.NoError(t, err)

	require.NoError(t, r.Unsubscribe(id))
	assert.Error(t, r.Unsubscribe(id))

	r.Deliver(snapshotEnvelope("a1", "monitor"))
	select {
	case <-ch.delivers:
		t.Fatal("unsubscribed subscription should not receive new envelopes")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSend_CriticalFailureMarksDegraded(t *testing.T) {
	ch := newFakeChannel("fake")
	r := newTestRouter(t, ch)
	ch.setFailing(true)

	id, err := r.Subscribe(Subscription{SubscriberID: "u1", TargetAgentID: "a1", Channel: "fake"})
	require.NoError(t, err)

	env := snapshotEnvelope("a1", "monitor")
	env.Type = models.EnvelopeTypeAlert
	env.Priority = models.PriorityCritical
	r.Deliver(env)

	require.Eventually(t, func() bool {
		degraded := r.DegradedSubscriptions()
		return len(degraded) == 1 && degraded[0] == id
	}, 2*time.Second, 10*time.Millisecond)

	// 降级订阅仍然继续接收投递（降级只是运维信号）
	ch.setFailing(false)
	r.Deliver(snapshotEnvelope("a1", "monitor"))
	ch.wait(t, time.Second)
}

func TestSend_NonCriticalFailureDoesNotDegrade(t *testing.T) {
	ch := newFakeChannel("fake")
	r := newTestRouter(t, ch)
	ch.setFailing(true)

	_, err := r.Subscribe(Subscription{SubscriberID: "u1", TargetAgentID: "a1", Channel: "fake"})
	require.NoError(t, err)

	r.Deliver(snapshotEnvelope("a1", "monitor"))
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, r.DegradedSubscriptions())
}

func TestQueue_OverflowDropsOldestNonCritical(t *testing.T) {
	entry := newSubEntry(Subscription{ID: "s1"}, 2)

	e1 := snapshotEnvelope("a1", "m")
	e1.Timestamp = 1
	e2 := snapshotEnvelope("a1", "m")
	e2.Timestamp = 2
	e3 := snapshotEnvelope("a1", "m")
	e3.Timestamp = 3

	assert.Equal(t, 0, entry.enqueue(e1))
	assert.Equal(t, 0, entry.enqueue(e2))
	// 队列满：最老的非关键消息被丢弃
	assert.Equal(t, 1, entry.enqueue(e3))

	got, ok := entry.dequeue()
	require.True(t, ok)
	assert.Equal(t, int64(2), got.Timestamp)
	got, ok = entry.dequeue()
	require.True(t, ok)
	assert.Equal(t, int64(3), got.Timestamp)
}

func TestQueue_CriticalNeverDropped(t *testing.T) {
	entry := newSubEntry(Subscription{ID: "s1"}, 1)

	crit := snapshotEnvelope("a1", "m")
	crit.Type = models.EnvelopeTypeAlert
	crit.Priority = models.PriorityCritical

	normal := snapshotEnvelope("a1", "m")

	assert.Equal(t, 0, entry.enqueue(crit))
	// 全是关键消息时允许队列越界，关键消息不丢
	assert.Equal(t, 0, entry.enqueue(crit))
	// 非关键消息没有可丢的位置时丢弃自己
	assert.Equal(t, 1, entry.enqueue(normal))

	got, ok := entry.dequeue()
	require.True(t, ok)
	assert.True(t, got.IsCritical())
	got, ok = entry.dequeue()
	require.True(t, ok)
	assert.True(t, got.IsCritical())
}

// fakePrivacy 测试用隐私裁决
type fakePrivacy struct {
	mu     sync.Mutex
	denied map[string]bool
}

func (p *fakePrivacy) MayBroadcast(agentID string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.denied[agentID]
}

func (p *fakePrivacy) deny(agentID string) {
	p.mu.Lock()
	p.denied[agentID] = true
	p.mu.Unlock()
}

// gatedChannel 首次投递阻塞在闸门上，模拟慢订阅者
type gatedChannel struct {
	*fakeChannel
	gate    chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (c *gatedChannel) Send(ctx context.Context, sub Subscription, env models.Envelope) error {
	c.once.Do(func() { close(c.entered) })
	<-c.gate
	return c.fakeChannel.Send(ctx, sub, env)
}

func TestSend_PrivacyRecheckedBeforeFanout(t *testing.T) {
	gated := &gatedChannel{
		fakeChannel: newFakeChannel("fake"),
		gate:        make(chan struct{}),
		entered:     make(chan struct{}),
	}
	priv := &fakePrivacy{denied: make(map[string]bool)}
	r := NewRouter(Config{
		QueueSize:   4,
		MaxAttempts: 2,
		BackoffBase: time.Millisecond,
		SendTimeout: time.Second,
	}, []Channel{gated}, nil, priv, zap.NewNop())
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(gated.gate) }) }
	t.Cleanup(r.Stop)
	t.Cleanup(release)

	_, err := r.Subscribe(Subscription{SubscriberID: "u1", TargetAgentID: "a1", Channel: "fake"})
	require.NoError(t, err)

	// 第一条快照进入投递后卡在慢通道里，第二条在队列中滞留
	first := snapshotEnvelope("a1", "monitor")
	first.Timestamp = 1
	r.Deliver(first)
	select {
	case <-gated.entered:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first delivery to start")
	}
	second := snapshotEnvelope("a1", "monitor")
	second.Timestamp = 2
	r.Deliver(second)

	// 滞留期间隐私模式开启：放行通道后，滞留的快照必须被丢弃
	priv.deny("a1")
	release()

	env := gated.wait(t, time.Second)
	assert.Equal(t, int64(1), env.Timestamp)
	select {
	case <-gated.delivers:
		t.Fatal("queued snapshot must not be delivered after privacy suppression")
	case <-time.After(50 * time.Millisecond):
	}

	// 报警不受隐私抑制
	alertEnv := snapshotEnvelope("a1", "monitor")
	alertEnv.Type = models.EnvelopeTypeAlert
	alertEnv.Priority = models.PriorityCritical
	r.Deliver(alertEnv)
	got := gated.wait(t, time.Second)
	assert.Equal(t, models.EnvelopeTypeAlert, got.Type)
}

func TestRestore_AttachesActiveSubscriptions(t *testing.T) {
	ch := newFakeChannel("fake")
	r := newTestRouter(t, ch)

	r.Restore([]Subscription{
		{ID: "s1", SubscriberID: "u1", TargetAgentID: "a1", Channel: "fake", Active: true},
		{ID: "s2", SubscriberID: "u2", TargetAgentID: "a1", Channel: "fake", Active: false},
		{ID: "s3", SubscriberID: "u3", TargetAgentID: "a1", Channel: "gone", Active: true},
	})

	r.Deliver(snapshotEnvelope("a1", "monitor"))
	ch.wait(t, time.Second)
	select {
	case <-ch.delivers:
		t.Fatal("inactive or unknown-channel subscriptions should not be restored")
	case <-time.After(50 * time.Millisecond):
	}
}
