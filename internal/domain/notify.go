package domain

import "context"

// Notifier surfaces transient, non-blocking messages to the viewer.
type Notifier interface {
	NotifyError(ctx context.Context, message string)
}
