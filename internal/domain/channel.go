package domain

import "context"

// Sender pushes text to an external channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, channelID string, text string) error
}

// Channel is a transport that feeds inbound messages and can send replies.
type Channel interface {
	Sender
	Start(ctx context.Context) error
	Stop() error
}
