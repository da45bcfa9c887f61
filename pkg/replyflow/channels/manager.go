package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Manager owns every registered channel, merges their inbound streams into
// one and routes outbound calls to the right transport.
type Manager struct {
	channels map[string]Channel
	messages chan *IncomingMessage
	logger   *slog.Logger

	listenWg sync.WaitGroup
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewManager creates an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		channels: make(map[string]Channel),
		messages: make(chan *IncomingMessage, 256),
		logger:   logger.With("component", "channels"),
	}
}

// Register adds a channel. Must be called before Start.
func (m *Manager) Register(ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := ch.Name()
	if _, exists := m.channels[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}
	m.channels[name] = ch
	m.logger.Info("channel registered", "channel", name)
	return nil
}

// Start connects every channel concurrently and begins forwarding their
// messages. Channels that fail to connect are logged and skipped; Start
// fails only when channels were registered and none connected.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.mu.RLock()
	snapshot := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		snapshot = append(snapshot, ch)
	}
	m.mu.RUnlock()

	if len(snapshot) == 0 {
		m.logger.Warn("no channels registered")
		return nil
	}

	var (
		g         errgroup.Group
		connMu    sync.Mutex
		connected int
	)
	for _, ch := range snapshot {
		g.Go(func() error {
			if err := ch.Connect(m.ctx); err != nil {
				m.logger.Error("channel connect failed", "channel", ch.Name(), "error", err)
				return nil
			}
			connMu.Lock()
			connected++
			connMu.Unlock()

			m.listenWg.Add(1)
			go func() {
				defer m.listenWg.Done()
				m.listen(ch)
			}()
			return nil
		})
	}
	_ = g.Wait()

	if connected == 0 {
		return fmt.Errorf("no channel connected")
	}
	m.logger.Info("channels started", "connected", connected, "registered", len(snapshot))
	return nil
}

// Stop disconnects every channel and closes the merged stream.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}

		m.mu.RLock()
		for name, ch := range m.channels {
			if err := ch.Disconnect(); err != nil {
				m.logger.Error("channel disconnect failed", "channel", name, "error", err)
			}
		}
		m.mu.RUnlock()

		m.listenWg.Wait()
		close(m.messages)
		m.logger.Info("channels stopped")
	})
}

// Messages returns the merged inbound stream.
func (m *Manager) Messages() <-chan *IncomingMessage {
	return m.messages
}

// Channel returns a channel by name.
func (m *Manager) Channel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Names returns the registered channel names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Send sends a text message through the named channel.
func (m *Manager) Send(ctx context.Context, channelName, to string, msg *OutgoingMessage) (string, error) {
	ch, err := m.connected(channelName)
	if err != nil {
		return "", err
	}
	return ch.Send(ctx, to, msg)
}

// SendMedia sends media through the named channel.
func (m *Manager) SendMedia(ctx context.Context, channelName, to string, media *MediaMessage) (string, error) {
	ch, err := m.connected(channelName)
	if err != nil {
		return "", err
	}
	mc, ok := ch.(MediaChannel)
	if !ok {
		return "", fmt.Errorf("%s: %w", channelName, ErrMediaNotSupported)
	}
	return mc.SendMedia(ctx, to, media)
}

// DownloadMedia fetches the attachment of msg through its source channel.
func (m *Manager) DownloadMedia(ctx context.Context, msg *IncomingMessage) ([]byte, string, error) {
	ch, err := m.connected(msg.Channel)
	if err != nil {
		return nil, "", err
	}
	mc, ok := ch.(MediaChannel)
	if !ok {
		return nil, "", fmt.Errorf("%s: %w", msg.Channel, ErrMediaNotSupported)
	}
	return mc.DownloadMedia(ctx, msg)
}

// CheckNumber looks up a phone number on the named channel.
func (m *Manager) CheckNumber(ctx context.Context, channelName, phone string) (*NumberInfo, error) {
	ch, err := m.connected(channelName)
	if err != nil {
		return nil, err
	}
	nc, ok := ch.(NumberChecker)
	if !ok {
		return nil, fmt.Errorf("%s: number lookup not supported", channelName)
	}
	return nc.CheckNumber(ctx, phone)
}

// MarkRead marks messages as read when the channel supports receipts.
func (m *Manager) MarkRead(ctx context.Context, channelName, chatID string, ids ...string) error {
	ch, err := m.connected(channelName)
	if err != nil {
		return err
	}
	if pc, ok := ch.(PresenceChannel); ok {
		return pc.MarkRead(ctx, chatID, ids)
	}
	return nil
}

// SendPresence updates the chat state when the channel supports it.
func (m *Manager) SendPresence(ctx context.Context, channelName, chatID string, state Presence) error {
	ch, err := m.connected(channelName)
	if err != nil {
		return err
	}
	if pc, ok := ch.(PresenceChannel); ok {
		return pc.SendPresence(ctx, chatID, state)
	}
	return nil
}

// HealthAll returns the health of every registered channel.
func (m *Manager) HealthAll() map[string]HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make(map[string]HealthStatus, len(m.channels))
	for name, ch := range m.channels {
		statuses[name] = ch.Health()
	}
	return statuses
}

func (m *Manager) connected(name string) (Channel, error) {
	ch, ok := m.Channel(name)
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrChannelNotFound)
	}
	if !ch.IsConnected() {
		return nil, fmt.Errorf("%q: %w", name, ErrChannelDisconnected)
	}
	return ch, nil
}

func (m *Manager) listen(ch Channel) {
	in := ch.Receive()
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case m.messages <- msg:
			case <-m.ctx.Done():
				return
			}
		case <-m.ctx.Done():
			return
		}
	}
}
