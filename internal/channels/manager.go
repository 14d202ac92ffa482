package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
)

// sendMaxRetries bounds delivery attempts for one outbound message.
const sendMaxRetries = 3

// Manager owns registered channels, their lifecycle, and the outbound
// dispatch loop. Delivery applies per-channel rate limits and a bounded
// exponential-backoff retry; a message that still fails is logged and
// dropped so the dispatch loop never wedges behind one bad send.
type Manager struct {
	channels     map[string]Channel
	limiters     map[string]*rate.Limiter
	bus          *bus.MessageBus
	cfg          *config.Config
	dispatchStop context.CancelFunc
	mu           sync.RWMutex
}

func NewManager(msgBus *bus.MessageBus, cfg *config.Config) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		limiters: make(map[string]*rate.Limiter),
		bus:      msgBus,
		cfg:      cfg,
	}
}

// RegisterChannel adds a channel. Registration after StartAll is allowed;
// the dispatcher picks it up on the next outbound message.
func (m *Manager) RegisterChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// Get returns a registered channel by name.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Names returns the registered channel names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// StartAll starts every registered channel and the outbound dispatcher.
// The dispatcher always starts, channels may be registered later.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	dispatchCtx, cancel := context.WithCancel(ctx)
	m.dispatchStop = cancel
	channels := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	go m.dispatchOutbound(dispatchCtx)

	if len(channels) == 0 {
		slog.Warn("no channels registered")
		return nil
	}

	for _, ch := range channels {
		slog.Info("starting channel", "channel", ch.Name())
		if err := ch.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", ch.Name(), "error", err)
		}
	}
	return nil
}

// StopAll stops the dispatcher and all channels.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	if m.dispatchStop != nil {
		m.dispatchStop()
		m.dispatchStop = nil
	}
	channels := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	for _, ch := range channels {
		if err := ch.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", ch.Name(), "error", err)
		}
	}
	return nil
}

// dispatchOutbound consumes outbound messages from the bus and delivers
// them. Internal channels are silently skipped.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	slog.Info("outbound dispatcher started")
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			slog.Info("outbound dispatcher stopped")
			return
		}
		if IsInternalChannel(msg.Channel) {
			continue
		}

		ch, exists := m.Get(msg.Channel)
		if !exists {
			slog.Warn("unknown channel for outbound message", "channel", msg.Channel)
			continue
		}

		if err := m.deliver(ctx, ch, msg); err != nil {
			slog.Error("outbound delivery failed", "channel", msg.Channel, "peer", msg.PeerID, "error", err)
		}
	}
}

// deliver applies the channel's rate limit, then sends with bounded retry.
func (m *Manager) deliver(ctx context.Context, ch Channel, msg bus.OutboundMessage) error {
	if lim := m.limiter(msg.Channel); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, ch.Send(ctx, msg)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(sendMaxRetries))
	if err != nil {
		return fmt.Errorf("send after %d attempts: %w", sendMaxRetries, err)
	}
	return nil
}

// limiter returns the per-channel outbound limiter, built lazily from the
// configured per-minute budget. Nil means unlimited.
func (m *Manager) limiter(channel string) *rate.Limiter {
	perMinute := m.cfg.RateLimit(channel)
	if perMinute <= 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	lim, ok := m.limiters[channel]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
		m.limiters[channel] = lim
	}
	return lim
}
