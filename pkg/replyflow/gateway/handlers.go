package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jholhewres/replyflow/pkg/replyflow/channels"
	"github.com/jholhewres/replyflow/pkg/replyflow/pacing"
	"github.com/jholhewres/replyflow/pkg/replyflow/scheduler"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	g.writeJSON(w, code, map[string]any{
		"error": map[string]any{"message": msg, "code": code},
	})
}

// decode reads a JSON body into v, answering 400 on failure.
func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		g.writeError(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// sendStatus maps a delivery error onto an HTTP status.
func sendStatus(err error) int {
	switch {
	case errors.Is(err, pacing.ErrDisconnected),
		errors.Is(err, channels.ErrChannelDisconnected),
		errors.Is(err, channels.ErrChannelNotFound):
		return http.StatusServiceUnavailable
	case errors.Is(err, channels.ErrMediaNotSupported):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// handleHealth reports liveness, channel state and pipeline settings.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"name":    g.deps.Info.Name,
		"version": g.deps.Info.Version,
		"uptime":  time.Since(g.startedAt).Round(time.Second).String(),
		"webhook": g.cfg.WebhookURL != "",
		"queue": map[string]any{
			"merge_window_ms": g.deps.Info.MergeWindow.Milliseconds(),
		},
		"history": map[string]any{
			"backend":   g.deps.Info.HistoryBackend,
			"max_turns": g.deps.Info.MaxTurns,
		},
		"splitter": map[string]any{
			"threshold":   g.deps.Info.LongText,
			"retry_count": g.deps.Info.SplitRetries,
		},
	}
	if g.deps.Messenger != nil {
		health := g.deps.Messenger.HealthAll()
		resp["channels"] = health
		connected := false
		for _, h := range health {
			connected = connected || h.Connected
		}
		resp["connected"] = connected
	}
	if g.deps.Pipeline != nil {
		resp["stats"] = g.deps.Pipeline.Stats()
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleWebhook accepts an inbound message event and processes it in the
// background.
func (g *Gateway) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if g.deps.Pipeline == nil {
		g.writeError(w, "pipeline not configured", http.StatusServiceUnavailable)
		return
	}
	var ev Event
	if !g.decode(w, r, &ev) {
		return
	}
	if strings.TrimSpace(ev.From) == "" || strings.TrimSpace(ev.Type) == "" {
		g.writeError(w, "from and type are required", http.StatusBadRequest)
		return
	}

	msg := ev.Message(g.cfg.DefaultChannel)
	reqID := RequestID(r.Context())

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.deps.Pipeline.Handle(g.ctx, msg); err != nil {
			g.logger.Warn("webhook event failed",
				"key", msg.Key(), "type", msg.Type, "request_id", reqID, "error", err)
		}
	}()

	g.writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "key": msg.Key()})
}

type sendRequest struct {
	Channel    string `json:"channel"`
	To         string `json:"to"`
	Message    string `json:"message"`
	MessageKey string `json:"messageKey"`
}

// handleSend delivers a text through the pacing sequencer. Typing is
// skipped; the read receipt is sent only when messageKey names a message.
func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	if g.deps.Sequencer == nil {
		g.writeError(w, "sender not configured", http.StatusServiceUnavailable)
		return
	}
	var req sendRequest
	if !g.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.To) == "" || strings.TrimSpace(req.Message) == "" {
		g.writeError(w, "to and message are required", http.StatusBadRequest)
		return
	}

	ch := g.channelOr(req.Channel)
	key := channels.ConversationKey(ch, normalizeRecipient(ch, req.To))
	res, err := g.deps.Sequencer.Deliver(r.Context(), pacing.Delivery{
		Key:       key,
		Content:   req.Message,
		MessageID: req.MessageKey,
		Flags: pacing.Flags{
			SkipRead:   req.MessageKey == "",
			SkipTyping: true,
		},
	})
	if err != nil {
		g.logger.Warn("send failed", "key", key, "error", err)
		g.writeError(w, err.Error(), sendStatus(err))
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"success": true, "messageId": res.MessageID})
}

type mediaRequest struct {
	Channel   string `json:"channel"`
	To        string `json:"to"`
	ImagePath string `json:"imagePath"`
	VideoPath string `json:"videoPath"`
	FilePath  string `json:"filePath"`
	Filename  string `json:"filename"`
	Mimetype  string `json:"mimetype"`
	Caption   string `json:"caption"`
}

func (g *Gateway) handleSendImage(w http.ResponseWriter, r *http.Request) {
	g.sendMedia(w, r, channels.MessageImage, func(req mediaRequest) string { return req.ImagePath })
}

func (g *Gateway) handleSendVideo(w http.ResponseWriter, r *http.Request) {
	g.sendMedia(w, r, channels.MessageVideo, func(req mediaRequest) string { return req.VideoPath })
}

func (g *Gateway) handleSendFile(w http.ResponseWriter, r *http.Request) {
	g.sendMedia(w, r, channels.MessageDocument, func(req mediaRequest) string { return req.FilePath })
}

// sendMedia loads a local file and sends it after a short random pause.
func (g *Gateway) sendMedia(w http.ResponseWriter, r *http.Request, typ channels.MessageType, path func(mediaRequest) string) {
	if g.deps.Messenger == nil || g.deps.Media == nil {
		g.writeError(w, "media sending not configured", http.StatusServiceUnavailable)
		return
	}
	var req mediaRequest
	if !g.decode(w, r, &req) {
		return
	}
	file := path(req)
	if strings.TrimSpace(req.To) == "" || strings.TrimSpace(file) == "" {
		g.writeError(w, fmt.Sprintf("to and %s path are required", typ), http.StatusBadRequest)
		return
	}

	data, mime, err := g.deps.Media.Load(file)
	if err != nil {
		g.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Mimetype != "" {
		mime = req.Mimetype
	}

	if d := g.mediaDelay(); d > 0 {
		select {
		case <-time.After(d):
		case <-r.Context().Done():
			return
		}
	}

	ch := g.channelOr(req.Channel)
	to := normalizeRecipient(ch, req.To)
	id, err := g.deps.Messenger.SendMedia(r.Context(), ch, to, &channels.MediaMessage{
		Type:     typ,
		Data:     data,
		MimeType: mime,
		Filename: req.Filename,
		Caption:  req.Caption,
	})
	if err != nil {
		g.logger.Warn("media send failed", "channel", ch, "to", to, "type", typ, "error", err)
		g.writeError(w, err.Error(), sendStatus(err))
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"success": true, "messageId": id})
}

// handleCheck reports whether a phone number is registered.
func (g *Gateway) handleCheck(w http.ResponseWriter, r *http.Request) {
	if g.deps.Messenger == nil {
		g.writeError(w, "channels not configured", http.StatusServiceUnavailable)
		return
	}
	phone := strings.TrimSpace(r.PathValue("phone"))
	if phone == "" {
		g.writeError(w, "phone is required", http.StatusBadRequest)
		return
	}
	ch := g.channelOr(r.URL.Query().Get("channel"))
	info, err := g.deps.Messenger.CheckNumber(r.Context(), ch, phone)
	if err != nil {
		g.writeError(w, err.Error(), sendStatus(err))
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"exists": info.Exists, "jid": info.JID})
}

// historyKey validates the {key} path value.
func (g *Gateway) historyKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	if g.deps.History == nil {
		g.writeError(w, "history not configured", http.StatusServiceUnavailable)
		return "", false
	}
	key := r.PathValue("key")
	if _, _, err := channels.SplitKey(key); err != nil {
		g.writeError(w, "key must be channel:chat", http.StatusBadRequest)
		return "", false
	}
	return key, true
}

func (g *Gateway) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	key, ok := g.historyKey(w, r)
	if !ok {
		return
	}
	msgs := g.deps.History.Load(r.Context(), key)
	g.writeJSON(w, http.StatusOK, map[string]any{"key": key, "count": len(msgs), "messages": msgs})
}

func (g *Gateway) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	key, ok := g.historyKey(w, r)
	if !ok {
		return
	}
	if err := g.deps.History.Clear(r.Context(), key); err != nil {
		g.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	g.logger.Info("history cleared", "key", key, "request_id", RequestID(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// handleJobs lists maintenance job status.
func (g *Gateway) handleJobs(w http.ResponseWriter, r *http.Request) {
	if g.deps.Jobs == nil {
		g.writeJSON(w, http.StatusOK, map[string]any{"jobs": []any{}})
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"jobs": g.deps.Jobs()})
}

// handleRunJob runs one maintenance job immediately.
func (g *Gateway) handleRunJob(w http.ResponseWriter, r *http.Request) {
	if g.deps.RunJob == nil {
		g.writeError(w, "scheduler not configured", http.StatusServiceUnavailable)
		return
	}
	name := r.PathValue("name")
	if err := g.deps.RunJob(name); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, scheduler.ErrJobNotFound) {
			code = http.StatusNotFound
		}
		g.writeError(w, err.Error(), code)
		return
	}
	g.logger.Info("job run on demand", "name", name, "request_id", RequestID(r.Context()))
	g.writeJSON(w, http.StatusOK, map[string]any{"name": name, "ran": true})
}

// handleLoginCode returns the pending WhatsApp QR payload, if any.
func (g *Gateway) handleLoginCode(w http.ResponseWriter, r *http.Request) {
	if g.deps.LoginCode == nil {
		g.writeJSON(w, http.StatusOK, map[string]any{"pending": false})
		return
	}
	code, ok := g.deps.LoginCode()
	if !ok {
		g.writeJSON(w, http.StatusOK, map[string]any{"pending": false})
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"pending": true, "code": code})
}

func (g *Gateway) channelOr(ch string) string {
	if ch = strings.TrimSpace(ch); ch != "" {
		return ch
	}
	return g.cfg.DefaultChannel
}
