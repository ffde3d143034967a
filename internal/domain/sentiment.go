package domain

import "context"

// SentimentKind is a like or a dislike of the conversation as a whole.
type SentimentKind string

const (
	SentimentLike    SentimentKind = "like"
	SentimentDislike SentimentKind = "dislike"
)

// Opposite returns the mutually exclusive kind.
func (k SentimentKind) Opposite() SentimentKind {
	if k == SentimentLike {
		return SentimentDislike
	}
	return SentimentLike
}

// SentimentEntry is one row of the server-provided sentiment list.
type SentimentEntry struct {
	Username string        `json:"github_username"`
	Vote     SentimentKind `json:"vote"`
}

// SentimentSubmitter casts a sentiment vote against the backend.
type SentimentSubmitter interface {
	SubmitSentiment(ctx context.Context, conversationID string, vote SentimentKind) error
}
