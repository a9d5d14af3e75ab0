package ai

import (
	"context"

	"modelchat/pkg/domain"
)

// ChatStreamer produces assistant output for a conversation turn as a token
// stream. The content channel carries text deltas in order; the error channel
// carries at most one terminal error. Both channels are closed when the
// stream ends, whether it completed or failed.
type ChatStreamer interface {
	StreamChat(ctx context.Context, model domain.ModelRef, history []domain.Message) (<-chan string, <-chan error)
}
