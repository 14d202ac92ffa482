package channels

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
)

// fakeChannel records sends and can fail the first N attempts.
type fakeChannel struct {
	*BaseChannel
	mu       sync.Mutex
	sent     []bus.OutboundMessage
	failures int
	attempts int
}

func newFakeChannel(name string, b *bus.MessageBus) *fakeChannel {
	return &fakeChannel{BaseChannel: NewBaseChannel(name, b, nil)}
}

func (f *fakeChannel) Start(ctx context.Context) error { f.SetRunning(true); return nil }
func (f *fakeChannel) Stop(ctx context.Context) error  { f.SetRunning(false); return nil }

func (f *fakeChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.attempts <= f.failures {
		return errors.New("transient send error")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestDispatchRoutesToRegisteredChannel(t *testing.T) {
	b := bus.New()
	m := NewManager(b, config.Default())
	ch := newFakeChannel("telegram", b)
	m.RegisterChannel(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.StartAll(ctx))
	defer m.StopAll(ctx)

	b.PublishOutbound(bus.OutboundMessage{Channel: "telegram", PeerID: "42", Content: "hi"})

	require.Eventually(t, func() bool { return ch.sentCount() == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "hi", ch.sent[0].Content)
	assert.True(t, ch.IsRunning())
}

func TestDispatchSkipsInternalAndUnknownChannels(t *testing.T) {
	b := bus.New()
	m := NewManager(b, config.Default())
	ch := newFakeChannel("discord", b)
	m.RegisterChannel(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.StartAll(ctx))
	defer m.StopAll(ctx)

	b.PublishOutbound(bus.OutboundMessage{Channel: "cron", PeerID: "x", Content: "internal"})
	b.PublishOutbound(bus.OutboundMessage{Channel: "nowhere", PeerID: "x", Content: "lost"})
	b.PublishOutbound(bus.OutboundMessage{Channel: "discord", PeerID: "x", Content: "real"})

	require.Eventually(t, func() bool { return ch.sentCount() == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "real", ch.sent[0].Content)
}

func TestDeliveryRetriesTransientFailures(t *testing.T) {
	b := bus.New()
	m := NewManager(b, config.Default())
	ch := newFakeChannel("slack", b)
	ch.failures = 2 // fail twice, succeed on third attempt
	m.RegisterChannel(ch)

	err := m.deliver(context.Background(), ch, bus.OutboundMessage{Channel: "slack", Content: "retry me"})
	require.NoError(t, err)
	assert.Equal(t, 3, ch.attempts)
	assert.Equal(t, 1, ch.sentCount())
}

func TestDeliveryGivesUpAfterMaxRetries(t *testing.T) {
	b := bus.New()
	m := NewManager(b, config.Default())
	ch := newFakeChannel("slack", b)
	ch.failures = 10
	m.RegisterChannel(ch)

	err := m.deliver(context.Background(), ch, bus.OutboundMessage{Channel: "slack", Content: "doomed"})
	require.Error(t, err)
	assert.Equal(t, sendMaxRetries, ch.attempts)
	assert.Zero(t, ch.sentCount())
}

func TestRateLimiterBuiltFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Channels = map[string]config.ChannelConfig{
		"telegram": {RatePerMinute: 20},
	}
	m := NewManager(bus.New(), cfg)

	assert.NotNil(t, m.limiter("telegram"))
	assert.Nil(t, m.limiter("discord"), "no budget configured means unlimited")
}

func TestAllowList(t *testing.T) {
	b := bus.New()
	base := NewBaseChannel("telegram", b, []string{"123", "alice"})

	assert.True(t, base.IsAllowed("123"))
	assert.True(t, base.IsAllowed("999|alice"))
	assert.False(t, base.IsAllowed("999|bob"))

	open := NewBaseChannel("telegram", b, nil)
	assert.True(t, open.IsAllowed("anyone"))
}
