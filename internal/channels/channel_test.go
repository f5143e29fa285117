package channels

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/groupmux/internal/bus"
)

type stubChannel struct {
	name string
	mu   sync.Mutex
	sent []string
}

func (s *stubChannel) Name() string                    { return s.name }
func (s *stubChannel) Start(ctx context.Context) error { <-ctx.Done(); return nil }

func (s *stubChannel) Send(_ context.Context, chatJID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, chatJID+":"+text)
	return nil
}

func (s *stubChannel) SendMedia(_ context.Context, chatJID, path, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, chatJID+":media:"+path)
	return nil
}

func TestRouter_RoutesByChannelName(t *testing.T) {
	wa := &stubChannel{name: "whatsapp"}
	tg := &stubChannel{name: "telegram"}
	r := NewRouter(nil)
	r.Register(wa)
	r.Register(tg)

	if err := r.Send(context.Background(), "telegram", "1@telegram", "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(tg.sent) != 1 || len(wa.sent) != 0 {
		t.Fatalf("routed wrong: tg=%v wa=%v", tg.sent, wa.sent)
	}
}

func TestRouter_EmptyChannelUsesFallback(t *testing.T) {
	wa := &stubChannel{name: "whatsapp"}
	r := NewRouter(nil)
	r.Register(wa)

	if err := r.Send(context.Background(), "", "x@g.us", "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(wa.sent) != 1 {
		t.Fatalf("fallback not used: %v", wa.sent)
	}
}

func TestRouter_UnknownChannelErrors(t *testing.T) {
	r := NewRouter(nil)
	r.Register(&stubChannel{name: "whatsapp"})
	if err := r.Send(context.Background(), "signal", "x", "hi"); err == nil {
		t.Fatal("unknown channel accepted")
	}
}

func TestRouter_AnnouncesDeliveriesOnBus(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicOutboundMessage)
	defer b.Unsubscribe(sub)

	r := NewRouter(b)
	r.Register(&stubChannel{name: "telegram"})

	if err := r.Send(context.Background(), "telegram", "1@telegram", "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case ev := <-sub.Ch():
		msg, ok := ev.Payload.(bus.OutboundMessage)
		if !ok || msg.ChatJID != "1@telegram" || msg.Channel != "telegram" || msg.Text != "hi" {
			t.Fatalf("outbound event = %+v", ev.Payload)
		}
	default:
		t.Fatal("no outbound event published")
	}
}

func TestWhatsApp_PollsBridgeSinceLastMessage(t *testing.T) {
	polls := make(chan bridgeFrame, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		c, err := websocket.Accept(rw, req, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		ctx := req.Context()
		if err := wsjson.Write(ctx, c, bridgeFrame{
			Type: "message", ChatJID: "1@g.us", Sender: "alice", Text: "hi", Timestamp: 42,
		}); err != nil {
			return
		}
		for {
			var f bridgeFrame
			if err := wsjson.Read(ctx, c, &f); err != nil {
				return
			}
			if f.Type == "poll" {
				polls <- f
			}
		}
	}))
	defer srv.Close()

	var mu sync.Mutex
	var got []InboundMessage
	ch := NewWhatsAppChannel(srv.URL, 20*time.Millisecond, func(msg InboundMessage) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	}, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ch.Start(ctx) }()

	// The poll cursor must advance to the delivered message's timestamp.
	deadline := time.Now().Add(5 * time.Second)
	sawCursor := false
	for time.Now().Before(deadline) && !sawCursor {
		select {
		case f := <-polls:
			sawCursor = f.Timestamp == 42
		case <-time.After(50 * time.Millisecond):
		}
	}
	if !sawCursor {
		t.Fatal("bridge never polled with the last message timestamp")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Text != "hi" || got[0].ChatJID != "1@g.us" {
		t.Fatalf("inbound = %+v", got)
	}
}

func TestTelegramChatJIDRoundTrip(t *testing.T) {
	jid := ChatJID(-100123456)
	id, err := parseChatJID(jid)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id != -100123456 {
		t.Fatalf("id = %d", id)
	}

	if _, err := parseChatJID("abc@telegram"); err == nil {
		t.Fatal("invalid jid parsed")
	}
}
