// Package whatsapp implements the WhatsApp channel for ReplyFlow using
// whatsmeow, a native Go WhatsApp Web client.
//
// Features:
//   - QR code login printed to the terminal, persistent SQLite session
//   - Send/receive text, images, audio, video and documents
//   - Typing indicators and read receipts
//   - Media upload/download
//   - Automatic reconnection with backoff
//   - Number lookup
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/replyflow/pkg/replyflow/channels"
	"github.com/mdp/qrterminal/v3"
	"golang.org/x/time/rate"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for session store.
)

// Name is the channel identifier used in conversation keys.
const Name = "whatsapp"

// Config holds WhatsApp channel configuration.
type Config struct {
	// AuthDir holds the session database (whatsapp.db).
	AuthDir string `yaml:"auth_dir"`

	// RespondToGroups enables responding in group chats.
	RespondToGroups bool `yaml:"respond_to_groups"`

	// RespondToDMs enables responding in direct messages.
	RespondToDMs bool `yaml:"respond_to_dms"`

	// PrintQR writes login QR codes to QRWriter (stdout by default).
	PrintQR bool `yaml:"print_qr"`

	// SendRate is the maximum number of outbound messages per second.
	SendRate float64 `yaml:"send_rate"`

	// SendBurst is the burst size of the send limiter.
	SendBurst int `yaml:"send_burst"`

	// ReconnectBackoff is the initial backoff duration for reconnection.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// MaxReconnectAttempts is the maximum number of reconnection attempts (0 = unlimited).
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	// HealthMonitor configures proactive connection health monitoring.
	HealthMonitor HealthMonitorConfig `yaml:"health_monitor"`

	// QRWriter receives the terminal QR code. Not configurable from YAML.
	QRWriter io.Writer `yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		AuthDir:              "./auth_info",
		RespondToGroups:      false,
		RespondToDMs:         true,
		PrintQR:              true,
		SendRate:             1,
		SendBurst:            3,
		ReconnectBackoff:     5 * time.Second,
		MaxReconnectAttempts: 10,
		HealthMonitor:        DefaultHealthMonitorConfig(),
	}
}

// QREvent represents a QR code event sent to observers.
type QREvent struct {
	// Type is "code", "success", "timeout" or "error".
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// WhatsApp implements channels.Channel, channels.MediaChannel,
// channels.PresenceChannel and channels.NumberChecker.
type WhatsApp struct {
	cfg     Config
	client  *whatsmeow.Client
	logger  *slog.Logger
	limiter *rate.Limiter

	messages chan *channels.IncomingMessage

	connected         atomic.Bool
	state             atomic.Value // ConnectionState
	lastMsg           atomic.Value // time.Time
	errorCount        atomic.Int64
	reconnectAttempts atomic.Int32

	qrObservers   []chan QREvent
	qrObserversMu sync.Mutex

	connObservers   []ConnectionObserver
	connObserversMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	// reconnectGuard prevents concurrent reconnection loops.
	reconnectGuard atomic.Bool

	// messagesClosed guards emitMessage against a closed channel.
	messagesClosed atomic.Bool
}

// New creates a new WhatsApp channel instance.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 5 * time.Second
	}
	if cfg.AuthDir == "" {
		cfg.AuthDir = DefaultConfig().AuthDir
	}
	if cfg.QRWriter == nil {
		cfg.QRWriter = os.Stdout
	}

	limit := rate.Inf
	if cfg.SendRate > 0 {
		limit = rate.Limit(cfg.SendRate)
	}
	burst := cfg.SendBurst
	if burst <= 0 {
		burst = 1
	}

	w := &WhatsApp{
		cfg:      cfg,
		logger:   logger.With("component", Name),
		limiter:  rate.NewLimiter(limit, burst),
		messages: make(chan *channels.IncomingMessage, 256),
		ctx:      context.Background(),
	}
	w.setState(StateDisconnected)
	return w
}

func (w *WhatsApp) getState() ConnectionState {
	if v := w.state.Load(); v != nil {
		return v.(ConnectionState)
	}
	return StateDisconnected
}

func (w *WhatsApp) setState(state ConnectionState) {
	w.state.Store(state)
}

// State returns the current connection state.
func (w *WhatsApp) State() ConnectionState {
	return w.getState()
}

func (w *WhatsApp) clientJID() string {
	if w.client != nil && w.client.Store.ID != nil {
		return w.client.Store.ID.String()
	}
	return ""
}

// ---------- Observers ----------

// SubscribeQR registers a channel to receive QR code events.
// Returns an unsubscribe function.
func (w *WhatsApp) SubscribeQR() (<-chan QREvent, func()) {
	ch := make(chan QREvent, 8)
	w.qrObserversMu.Lock()
	w.qrObservers = append(w.qrObservers, ch)
	w.qrObserversMu.Unlock()

	return ch, func() {
		w.qrObserversMu.Lock()
		defer w.qrObserversMu.Unlock()
		for i, obs := range w.qrObservers {
			if obs == ch {
				w.qrObservers = append(w.qrObservers[:i], w.qrObservers[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

func (w *WhatsApp) notifyQR(evt QREvent) {
	w.qrObserversMu.Lock()
	defer w.qrObserversMu.Unlock()
	for _, ch := range w.qrObservers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// AddConnectionObserver registers a connection observer.
func (w *WhatsApp) AddConnectionObserver(obs ConnectionObserver) {
	w.connObserversMu.Lock()
	defer w.connObserversMu.Unlock()
	w.connObservers = append(w.connObservers, obs)
}

func (w *WhatsApp) notifyConnectionChange(evt ConnectionEvent) {
	w.connObserversMu.Lock()
	observers := make([]ConnectionObserver, len(w.connObservers))
	copy(observers, w.connObservers)
	w.connObserversMu.Unlock()

	for _, obs := range observers {
		go func(o ConnectionObserver) {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Warn("whatsapp: connection observer panic", "error", r)
				}
			}()
			o.OnConnectionChange(evt)
		}(obs)
	}
}

// transition sets a new state and notifies observers.
func (w *WhatsApp) transition(state ConnectionState, reason string, details map[string]any) {
	previous := w.getState()
	w.setState(state)
	w.notifyConnectionChange(ConnectionEvent{
		State:     state,
		Previous:  previous,
		Timestamp: time.Now(),
		Reason:    reason,
		Details:   details,
	})
}

// ---------- Channel Interface ----------

// Name returns "whatsapp".
func (w *WhatsApp) Name() string { return Name }

// Connect opens the session store in AuthDir and connects. Without a
// stored session the QR login runs in the background so the server can
// start immediately.
func (w *WhatsApp) Connect(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.setState(StateConnecting)

	if err := os.MkdirAll(w.cfg.AuthDir, 0o700); err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("creating auth dir: %w", err)
	}
	dbPath := filepath.Join(w.cfg.AuthDir, "whatsapp.db")
	w.logger.Info("whatsapp: initializing connection", "session", dbPath)

	container, err := sqlstore.New(w.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", dbPath),
		waLog.Noop)
	if err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("creating session store: %w", err)
	}

	device, err := container.GetFirstDevice(w.ctx)
	if err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("getting device: %w", err)
	}

	store.SetOSInfo("ReplyFlow", [3]uint32{1, 0, 0})

	w.client = whatsmeow.NewClient(device, waLog.Noop)
	w.client.AddEventHandler(w.handleEvent)
	w.client.EnableAutoReconnect = true

	if w.client.Store.ID == nil {
		w.setState(StateWaitingQR)
		w.logger.Info("whatsapp: no existing session, QR code required")
		go func() {
			if err := w.loginWithQR(w.ctx); err != nil {
				w.logger.Warn("whatsapp: QR login pending", "error", err)
			}
		}()
		return nil
	}

	if err := w.client.Connect(); err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("connecting: %w", err)
	}

	w.connected.Store(true)
	w.logger.Info("whatsapp: connected (existing session)", "jid", w.clientJID())
	w.StartHealthMonitor(w.ctx, w.cfg.HealthMonitor)
	return nil
}

// Disconnect gracefully closes the WhatsApp connection.
func (w *WhatsApp) Disconnect() error {
	w.connected.Store(false)
	if w.cancel != nil {
		w.cancel()
	}
	if w.client != nil {
		w.client.Disconnect()
	}
	if w.messagesClosed.CompareAndSwap(false, true) {
		close(w.messages)
	}

	w.transition(StateDisconnected, "user_request", nil)
	w.logger.Info("whatsapp: disconnected")
	return nil
}

// attemptReconnect retries with linear backoff capped at five minutes
// until the client reconnects, the context ends or attempts run out.
func (w *WhatsApp) attemptReconnect() {
	if !w.reconnectGuard.CompareAndSwap(false, true) {
		w.logger.Debug("whatsapp: reconnect already in progress, skipping")
		return
	}
	defer w.reconnectGuard.Store(false)

	w.setState(StateReconnecting)

	for {
		if w.ctx.Err() != nil {
			return
		}

		attempts := w.reconnectAttempts.Add(1)
		if w.cfg.MaxReconnectAttempts > 0 && attempts > int32(w.cfg.MaxReconnectAttempts) {
			w.logger.Error("whatsapp: max reconnect attempts reached", "attempts", attempts)
			w.transition(StateDisconnected, "max_reconnect_attempts", map[string]any{"attempts": attempts})
			return
		}

		backoff := min(w.cfg.ReconnectBackoff*time.Duration(attempts), 5*time.Minute)
		w.logger.Info("whatsapp: attempting reconnect", "attempt", attempts, "backoff", backoff)
		w.transition(StateReconnecting, "connection_lost", map[string]any{
			"attempt":     attempts,
			"backoff_sec": backoff.Seconds(),
		})

		select {
		case <-time.After(backoff):
		case <-w.ctx.Done():
			return
		}

		if w.client == nil {
			return
		}
		if w.client.IsConnected() {
			w.client.Disconnect()
			time.Sleep(100 * time.Millisecond)
		}

		if err := w.client.Connect(); err != nil {
			w.logger.Warn("whatsapp: reconnect attempt failed, will retry",
				"attempt", attempts, "error", err)
			continue
		}

		// The Connected event finishes the transition.
		w.logger.Info("whatsapp: reconnect initiated, waiting for confirmation")
		return
	}
}

// Send sends a text message and returns its id. A bare phone number is
// accepted as recipient.
func (w *WhatsApp) Send(ctx context.Context, to string, msg *channels.OutgoingMessage) (string, error) {
	if !w.connected.Load() {
		return "", channels.ErrChannelDisconnected
	}

	jid, err := parseJID(to)
	if err != nil {
		return "", fmt.Errorf("invalid JID %q: %w", to, err)
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return "", err
	}

	resp, err := w.client.SendMessage(ctx, jid, buildTextMessage(msg.Content, msg.ReplyTo, jid))
	if err != nil {
		w.errorCount.Add(1)
		return "", fmt.Errorf("%w: %w", channels.ErrSendFailed, err)
	}
	return string(resp.ID), nil
}

// Receive returns the incoming messages channel.
func (w *WhatsApp) Receive() <-chan *channels.IncomingMessage {
	return w.messages
}

// IsConnected returns true if WhatsApp is connected.
func (w *WhatsApp) IsConnected() bool {
	return w.connected.Load()
}

// Health returns the WhatsApp channel health status.
func (w *WhatsApp) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected:  w.connected.Load(),
		ErrorCount: int(w.errorCount.Load()),
		Details:    make(map[string]any),
	}
	h.LastMessageAt = w.getLastMsgTime()
	h.Details["state"] = string(w.getState())
	if jid := w.clientJID(); jid != "" {
		h.Details["jid"] = jid
		h.Details["platform"] = w.client.Store.Platform
	}
	h.Details["reconnect_attempts"] = w.reconnectAttempts.Load()
	return h
}

// ---------- MediaChannel Interface ----------

// SendMedia uploads and sends an image, audio, video or document.
func (w *WhatsApp) SendMedia(ctx context.Context, to string, media *channels.MediaMessage) (string, error) {
	if !w.connected.Load() {
		return "", channels.ErrChannelDisconnected
	}

	jid, err := parseJID(to)
	if err != nil {
		return "", fmt.Errorf("invalid JID: %w", err)
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return "", err
	}

	waMsg, err := w.buildMediaMessage(ctx, media)
	if err != nil {
		return "", fmt.Errorf("building media message: %w", err)
	}

	resp, err := w.client.SendMessage(ctx, jid, waMsg)
	if err != nil {
		w.errorCount.Add(1)
		return "", fmt.Errorf("%w: %w", channels.ErrSendFailed, err)
	}
	return string(resp.ID), nil
}

// DownloadMedia downloads media from an incoming message.
func (w *WhatsApp) DownloadMedia(ctx context.Context, msg *channels.IncomingMessage) ([]byte, string, error) {
	if msg.Media == nil {
		return nil, "", fmt.Errorf("message has no media")
	}
	if w.client == nil {
		return nil, "", channels.ErrChannelDisconnected
	}
	return w.downloadMedia(ctx, msg.Media)
}

// ---------- PresenceChannel Interface ----------

// SendPresence shows or clears the typing indicator in a chat.
func (w *WhatsApp) SendPresence(ctx context.Context, to string, state channels.Presence) error {
	if !w.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	jid, err := parseJID(to)
	if err != nil {
		return err
	}

	presence := types.ChatPresencePaused
	if state == channels.PresenceComposing {
		presence = types.ChatPresenceComposing
	}
	return w.client.SendChatPresence(ctx, jid, presence, types.ChatPresenceMediaText)
}

// MarkRead marks messages as read.
func (w *WhatsApp) MarkRead(ctx context.Context, chatID string, messageIDs []string) error {
	if !w.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	jid, err := parseJID(chatID)
	if err != nil {
		return err
	}

	ids := make([]types.MessageID, len(messageIDs))
	for i, id := range messageIDs {
		ids[i] = types.MessageID(id)
	}
	return w.client.MarkRead(ctx, ids, time.Now(), jid, jid)
}

// ---------- NumberChecker Interface ----------

// CheckNumber reports whether a phone number has a WhatsApp account.
func (w *WhatsApp) CheckNumber(ctx context.Context, phone string) (*channels.NumberInfo, error) {
	if !w.connected.Load() {
		return nil, channels.ErrChannelDisconnected
	}
	jid, err := parseJID(phone)
	if err != nil {
		return nil, err
	}

	results, err := w.client.IsOnWhatsApp(ctx, []string{"+" + jid.User})
	if err != nil {
		return nil, fmt.Errorf("checking number: %w", err)
	}

	info := &channels.NumberInfo{Phone: jid.User}
	if len(results) > 0 && results[0].IsIn {
		info.Exists = true
		info.JID = results[0].JID.String()
	}
	return info, nil
}

// ---------- Internal ----------

// loginWithQR runs the QR login flow, printing each code to the terminal
// and forwarding it to observers.
func (w *WhatsApp) loginWithQR(ctx context.Context) error {
	qrChan, err := w.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}
	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			w.setState(StateDisconnected)
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("QR channel closed unexpectedly")
			}

			switch evt.Event {
			case "code":
				attempts++
				w.setState(StateWaitingQR)
				w.logger.Info("whatsapp: QR code ready, scan it to log in", "attempt", attempts)
				w.printQR(evt.Code)
				w.notifyQR(QREvent{Type: "code", Code: evt.Code, Message: "Scan the QR code with WhatsApp"})

			case "success":
				w.connected.Store(true)
				w.reconnectAttempts.Store(0)
				w.setState(StateConnected)
				w.logger.Info("whatsapp: login successful")
				w.notifyQR(QREvent{Type: "success", Message: "WhatsApp linked"})
				w.StartHealthMonitor(w.ctx, w.cfg.HealthMonitor)
				return nil

			case "timeout":
				w.setState(StateDisconnected)
				w.logger.Warn("whatsapp: QR code expired")
				w.notifyQR(QREvent{Type: "timeout", Message: "QR code expired"})
				return fmt.Errorf("QR code timeout")

			default:
				if evt.Error != nil {
					w.setState(StateDisconnected)
					w.logger.Error("whatsapp: QR login error", "error", evt.Error)
					w.notifyQR(QREvent{Type: "error", Message: evt.Error.Error()})
					return fmt.Errorf("QR login error: %w", evt.Error)
				}
			}
		}
	}
}

func (w *WhatsApp) printQR(code string) {
	if !w.cfg.PrintQR {
		return
	}
	fmt.Fprintln(w.cfg.QRWriter, "\nScan this QR code with WhatsApp (Linked devices):")
	qrterminal.GenerateHalfBlock(code, qrterminal.L, w.cfg.QRWriter)
}

// emitMessage sends a message to the incoming messages channel.
func (w *WhatsApp) emitMessage(msg *channels.IncomingMessage) {
	if w.messagesClosed.Load() {
		return
	}

	select {
	case w.messages <- msg:
		w.UpdateLastMsgTime()
	case <-w.ctx.Done():
	default:
		w.logger.Warn("whatsapp: message channel full, dropping message",
			"from", msg.From, "type", msg.Type)
	}
}
