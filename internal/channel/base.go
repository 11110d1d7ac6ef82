package channel

import (
	"context"

	"github.com/stellarlinkco/salesboard/internal/bus"
)

// Channel is a chat platform connection.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(msg bus.OutboundMessage) error
}

type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom map[string]bool
}

// NewBaseChannel creates the shared part of a channel. An empty allowFrom
// admits every source.
func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string) BaseChannel {
	allowed := make(map[string]bool, len(allowFrom))
	for _, id := range allowFrom {
		if id != "" {
			allowed[id] = true
		}
	}
	return BaseChannel{name: name, bus: b, allowFrom: allowed}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsAllowed(id string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	return c.allowFrom[id]
}
