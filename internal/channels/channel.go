// Package channels provides the channel abstraction layer connecting
// external platforms (Telegram, email, voice) to the daemon via the
// message bus.
package channels

import (
	"context"

	"github.com/candlekeep/aide/internal/bus"
)

// Channel is the interface every adapter implements.
type Channel interface {
	// Name returns the channel identifier (e.g. "telegram", "email").
	Name() string

	// Start begins listening for messages. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// Send delivers an outbound message to the channel.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsRunning reports whether the channel is actively processing.
	IsRunning() bool
}

// BaseChannel provides shared functionality; adapters embed it.
type BaseChannel struct {
	name    string
	bus     *bus.MessageBus
	running bool
}

// NewBaseChannel creates a BaseChannel bound to the message bus.
func NewBaseChannel(name string, msgBus *bus.MessageBus) *BaseChannel {
	return &BaseChannel{name: name, bus: msgBus}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// IsRunning reports the running state.
func (c *BaseChannel) IsRunning() bool { return c.running }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running = running }

// Bus returns the message bus reference.
func (c *BaseChannel) Bus() *bus.MessageBus { return c.bus }

// HandleMessage publishes a received message to the bus. This is the
// standard path for adapters to forward inbound traffic.
func (c *BaseChannel) HandleMessage(senderID, chatID, content, sender string, metadata map[string]string) {
	c.bus.PublishInbound(bus.InboundMessage{
		Channel:  c.name,
		SenderID: senderID,
		ChatID:   chatID,
		Content:  content,
		Sender:   sender,
		Metadata: metadata,
	})
}
