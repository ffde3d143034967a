package domain

import "errors"

var (
	// ErrUnauthorized is returned when an action requiring a signed-in participant is attempted anonymously.
	ErrUnauthorized = errors.New("sign in required")
	// ErrForbidden is returned when the viewer lacks the capability for a read (e.g. the sentiment roster).
	ErrForbidden = errors.New("insufficient visibility")

	// ErrRemoteRejected is returned when the backend declined a submission.
	ErrRemoteRejected = errors.New("remote rejected")
	// ErrRemoteUnreachable is returned on transport failures, backend 5xx and an open circuit.
	ErrRemoteUnreachable = errors.New("remote unreachable")

	ErrConversationNotFound = errors.New("conversation not found")
	ErrViewNotFound         = errors.New("view not found")
	ErrViewClosed           = errors.New("view closed")

	ErrNotFront     = errors.New("statement is not the current card")
	ErrVoteInFlight = errors.New("a vote is already in flight")
	ErrNoStatement  = errors.New("no statement to vote on")

	ErrDebounced = errors.New("too many toggles")
)

// RemoteError carries the backend's reason for a rejected or failed request.
// It unwraps to ErrRemoteRejected or ErrRemoteUnreachable.
type RemoteError struct {
	Kind   error
	Status int
	Reason string
}

func (e *RemoteError) Error() string {
	if e.Reason == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Reason
}

func (e *RemoteError) Unwrap() error { return e.Kind }

// Retryable reports whether the failure is worth retrying. Rejections are never retryable.
func (e *RemoteError) Retryable() bool {
	return errors.Is(e.Kind, ErrRemoteUnreachable)
}

// RejectionReason extracts a user-facing reason from err, falling back to msg.
func RejectionReason(err error, msg string) string {
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) && remoteErr.Reason != "" {
		return remoteErr.Reason
	}
	return msg
}
