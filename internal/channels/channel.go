// Package channels adapts messaging platforms to one inbound/outbound
// surface. Each adapter pushes received group messages to a handler and
// delivers text or media back to chats.
package channels

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/basket/groupmux/internal/bus"
)

// InboundMessage is one chat message received from a platform.
type InboundMessage struct {
	Channel   string
	ChatJID   string
	Sender    string
	Text      string
	Timestamp time.Time
}

// InboundHandler receives messages as they arrive. Implementations must not
// block; slow work belongs behind the execution queue.
type InboundHandler func(msg InboundMessage)

// Channel is one messaging platform integration.
type Channel interface {
	// Name returns the platform identifier stored on groups ("telegram").
	Name() string
	// Start begins listening and blocks until ctx is canceled or a fatal
	// error occurs. Transient disconnects are retried internally.
	Start(ctx context.Context) error
	Send(ctx context.Context, chatJID, text string) error
	SendMedia(ctx context.Context, chatJID, path, caption string) error
}

// Router fans outbound messages to the adapter matching the group's channel.
// It implements the dispatcher's Outbound interface. Every delivery is
// announced on the bus for observers.
type Router struct {
	mu       sync.RWMutex
	adapters map[string]Channel
	fallback string
	bus      *bus.Bus // optional
}

func NewRouter(b *bus.Bus) *Router {
	return &Router{adapters: make(map[string]Channel), bus: b}
}

// Register adds an adapter. The first registered adapter becomes the
// fallback for groups with no channel set.
func (r *Router) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[ch.Name()] = ch
	if r.fallback == "" {
		r.fallback = ch.Name()
	}
}

// Channels returns the registered adapters.
func (r *Router) Channels() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, 0, len(r.adapters))
	for _, ch := range r.adapters {
		out = append(out, ch)
	}
	return out
}

func (r *Router) resolve(channel string) (Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if channel == "" {
		channel = r.fallback
	}
	ch, ok := r.adapters[channel]
	if !ok {
		return nil, fmt.Errorf("no adapter for channel %q", channel)
	}
	return ch, nil
}

// Send implements ipc.Outbound.
func (r *Router) Send(ctx context.Context, channel, chatJID, text string) error {
	ch, err := r.resolve(channel)
	if err != nil {
		return err
	}
	if err := ch.Send(ctx, chatJID, text); err != nil {
		return err
	}
	r.publish(bus.OutboundMessage{ChatJID: chatJID, Channel: ch.Name(), Text: text})
	return nil
}

// SendMedia implements ipc.Outbound.
func (r *Router) SendMedia(ctx context.Context, channel, chatJID, path, caption string) error {
	ch, err := r.resolve(channel)
	if err != nil {
		return err
	}
	if err := ch.SendMedia(ctx, chatJID, path, caption); err != nil {
		return err
	}
	r.publish(bus.OutboundMessage{ChatJID: chatJID, Channel: ch.Name(), Text: caption})
	return nil
}

func (r *Router) publish(msg bus.OutboundMessage) {
	if r.bus != nil {
		r.bus.Publish(bus.TopicOutboundMessage, msg)
	}
}
