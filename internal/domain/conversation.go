package domain

import "context"

// PostSurvey is the call-to-action revealed once the queue is exhausted. Passed through uninterpreted.
type PostSurvey struct {
	Text        string `json:"postsurvey,omitempty"`
	RedirectURL string `json:"postsurvey_redirect,omitempty"`
}

// Configured reports whether any next step exists.
func (p PostSurvey) Configured() bool {
	return p.Text != "" || p.RedirectURL != ""
}

// NextStep returns "postsurvey" when text is configured, "redirect" when only a URL is, "" otherwise.
func (p PostSurvey) NextStep() string {
	switch {
	case p.Text != "":
		return "postsurvey"
	case p.RedirectURL != "":
		return "redirect"
	default:
		return ""
	}
}

// Conversation is the read-only metadata the gateway needs for one conversation.
type Conversation struct {
	ID          string           `json:"conversation_id"`
	Topic       string           `json:"topic"`
	Description string           `json:"description"`
	Sentiment   []SentimentEntry `json:"sentiment"`
	PostSurvey
}

// ConversationSource loads conversation metadata and statement batches for a participant.
type ConversationSource interface {
	GetConversation(ctx context.Context, conversationID string) (*Conversation, error)
	ListUnvotedStatements(ctx context.Context, conversationID string) ([]Statement, error)
	ListVotedStatements(ctx context.Context, conversationID string) ([]Statement, error)
}

// StatementVoter casts a vote on a single statement.
type StatementVoter interface {
	SubmitVote(ctx context.Context, conversationID string, statementID int64, vote StatementVote) error
}
