package view

import (
	"github.com/policy-lab/polis/internal/cardqueue"
	"github.com/policy-lab/polis/internal/sentiment"
)

// Snapshot is the full state pushed to and fetched by the owner's browser.
type Snapshot struct {
	ViewID         string                `json:"view_id"`
	ConversationID string                `json:"conversation_id"`
	Topic          string                `json:"topic"`
	Description    string                `json:"description"`
	Sentiment      sentiment.ViewerState `json:"sentiment"`
	Cards          cardqueue.Snapshot    `json:"cards"`
}

func (v *View) snapshotWith(summary sentiment.Summary) Snapshot {
	return Snapshot{
		ViewID:         v.id,
		ConversationID: v.conversation.ID,
		Topic:          v.conversation.Topic,
		Description:    v.conversation.Description,
		Sentiment:      summary.For(v.owner),
		Cards:          v.cards.Snapshot(),
	}
}
