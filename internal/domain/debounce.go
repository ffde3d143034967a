package domain

import (
	"context"
)

type Debouncer interface {
	// IsDebounced returns true when the participant toggled too recently in this conversation.
	IsDebounced(ctx context.Context, conversationID string, username string) (bool, error)
}
