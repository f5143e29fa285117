package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// WhatsAppChannel talks to an external bridge process over a websocket. The
// bridge owns the WhatsApp session and its message store; this adapter
// exchanges JSON frames with it and periodically polls for messages newer
// than the last one seen, so nothing is lost across reconnects.
type WhatsAppChannel struct {
	bridgeURL    string
	pollInterval time.Duration
	handler      InboundHandler
	logger       *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	lastTS int64
}

// bridgeFrame is the wire format in both directions. A "poll" frame carries
// the timestamp of the last message received; the bridge answers with one
// "message" frame per newer message.
type bridgeFrame struct {
	Type      string `json:"type"` // "message", "poll", "send_message", "send_media"
	ChatJID   string `json:"chat_jid"`
	Sender    string `json:"sender,omitempty"`
	Text      string `json:"text,omitempty"`
	Path      string `json:"path,omitempty"`
	Caption   string `json:"caption,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"` // unix seconds
}

func NewWhatsAppChannel(bridgeURL string, pollInterval time.Duration, handler InboundHandler, logger *slog.Logger) *WhatsAppChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &WhatsAppChannel{
		bridgeURL:    bridgeURL,
		pollInterval: pollInterval,
		handler:      handler,
		logger:       logger.With("component", "whatsapp"),
	}
}

func (w *WhatsAppChannel) Name() string {
	return "whatsapp"
}

// Start connects to the bridge and reads frames, reconnecting with backoff.
func (w *WhatsAppChannel) Start(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := w.connectAndRead(ctx)
		if ctx.Err() != nil {
			return nil
		}
		w.logger.Warn("bridge disconnected, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (w *WhatsAppChannel) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, w.bridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial bridge: %w", err)
	}
	// Session streams can sit idle for a long time between messages.
	conn.SetReadLimit(1 << 20)

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.conn = nil
		w.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	w.logger.Info("connected to whatsapp bridge", "url", w.bridgeURL)

	if w.pollInterval > 0 {
		pollCtx, stopPoll := context.WithCancel(ctx)
		defer stopPoll()
		go w.pollBridge(pollCtx, conn)
	}

	for {
		var frame bridgeFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return fmt.Errorf("read bridge frame: %w", err)
		}
		if frame.Type != "message" || frame.Text == "" {
			continue
		}
		w.mu.Lock()
		if frame.Timestamp > w.lastTS {
			w.lastTS = frame.Timestamp
		}
		w.mu.Unlock()
		w.handler(InboundMessage{
			Channel:   w.Name(),
			ChatJID:   frame.ChatJID,
			Sender:    frame.Sender,
			Text:      frame.Text,
			Timestamp: time.Unix(frame.Timestamp, 0),
		})
	}
}

// pollBridge asks the bridge for messages newer than the last one received.
// Push delivery is the primary path; the poll catches frames lost while the
// connection was down.
func (w *WhatsAppChannel) pollBridge(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			since := w.lastTS
			w.mu.Unlock()
			if err := wsjson.Write(ctx, conn, bridgeFrame{Type: "poll", Timestamp: since}); err != nil {
				return
			}
		}
	}
}

func (w *WhatsAppChannel) write(ctx context.Context, frame bridgeFrame) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("whatsapp bridge not connected")
	}
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		return fmt.Errorf("write bridge frame: %w", err)
	}
	return nil
}

func (w *WhatsAppChannel) Send(ctx context.Context, chatJID, text string) error {
	return w.write(ctx, bridgeFrame{Type: "send_message", ChatJID: chatJID, Text: text})
}

func (w *WhatsAppChannel) SendMedia(ctx context.Context, chatJID, path, caption string) error {
	return w.write(ctx, bridgeFrame{Type: "send_media", ChatJID: chatJID, Path: path, Caption: caption})
}
