package types

import (
	"context"
	"time"
)

// Turn is one aggregated inbound conversation turn: everything a lead sent
// within a single quiet period, joined in arrival order.
type Turn struct {
	UserID     string
	ChannelID  string
	Text       string
	ReceivedAt time.Time
}

// Sender delivers one outbound message to a lead. Token carries the routing
// credential for the channel (page) the conversation lives on.
type Sender interface {
	Send(ctx context.Context, recipientID string, text string, token string) error
}

// TurnHandler consumes one aggregated turn end to end.
type TurnHandler interface {
	HandleTurn(ctx context.Context, turn Turn) error
}
