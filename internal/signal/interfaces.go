// Package signal connects the dispatch pipeline to Signal through a
// signal-cli daemon speaking JSON-RPC.
package signal

import (
	"context"
)

// Messenger abstracts Signal communication.
type Messenger interface {
	// Send delivers text to a recipient and returns the Signal timestamp
	// of the sent message, which is its id.
	Send(ctx context.Context, to Recipient, message string) (int64, error)

	// SendTypingIndicator starts or stops the typing indicator.
	SendTypingIndicator(ctx context.Context, to Recipient, stop bool) error

	// Subscribe returns a channel of incoming messages. The channel closes
	// when ctx is done or the underlying client stops.
	Subscribe(ctx context.Context) (<-chan IncomingMessage, error)
}
