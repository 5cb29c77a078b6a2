package discord_bot

import "context"

type Bot interface {
	// Start blocks until ctx is done, then removes the registered commands and disconnects.
	Start(ctx context.Context)
}
