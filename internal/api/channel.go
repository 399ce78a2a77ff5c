package api

import (
	"context"

	"github.com/mattjoyce/shellbot/internal/events"
)

// eventChannel delivers bot replies for API messages as chat.line events.
type eventChannel struct {
	hub *events.Hub
}

func (c *eventChannel) SendLine(_ context.Context, channel, text string) error {
	c.hub.Publish(events.ChatLine, ChatLine{
		Transport: Transport,
		Channel:   channel,
		Text:      text,
	})
	return nil
}
