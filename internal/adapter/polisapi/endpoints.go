package polisapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/policy-lab/polis/internal/domain"
)

var (
	_ domain.ConversationSource = (*Client)(nil)
	_ domain.StatementVoter     = (*Client)(nil)
	_ domain.SentimentSubmitter = (*Client)(nil)
)

// myPID asks the backend to resolve the participant from the request's credentials.
const myPID = "mypid"

type userResponse struct {
	UID                *int64 `json:"uid"`
	GithubUsername     string `json:"githubUsername"`
	IsAdmin            bool   `json:"isAdmin"`
	IsRepoCollaborator bool   `json:"isRepoCollaborator"`
}

// CurrentUser resolves the identity behind the client's token. A backend that does not know
// the token answers with an anonymous user, which is returned as such.
func (c *Client) CurrentUser(ctx context.Context) (domain.Identity, error) {
	var resp userResponse
	err := c.read(ctx, request{
		endpoint: "users",
		method:   http.MethodGet,
		path:     "/api/v3/users",
	}, &resp)
	if err != nil {
		var remoteErr *domain.RemoteError
		if errors.As(err, &remoteErr) && remoteErr.Status == http.StatusUnauthorized {
			return domain.Anonymous(), nil
		}
		return domain.Identity{}, fmt.Errorf("fetch current user: %w", err)
	}

	return domain.Identity{
		AccountID:      resp.UID,
		Username:       resp.GithubUsername,
		IsAdmin:        resp.IsAdmin,
		IsCollaborator: resp.IsRepoCollaborator,
	}, nil
}

func (c *Client) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := c.read(ctx, request{
		endpoint: "conversations",
		method:   http.MethodGet,
		path:     "/api/v3/conversations",
		query:    url.Values{"conversation_id": {conversationID}},
	}, &conv)
	if err != nil {
		var remoteErr *domain.RemoteError
		if errors.As(err, &remoteErr) && remoteErr.Status == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", domain.ErrConversationNotFound, conversationID)
		}
		return nil, fmt.Errorf("fetch conversation %s: %w", conversationID, err)
	}
	if conv.ID == "" {
		conv.ID = conversationID
	}
	return &conv, nil
}

// ListUnvotedStatements returns the statements the participant has not voted on, in backend order.
func (c *Client) ListUnvotedStatements(ctx context.Context, conversationID string) ([]domain.Statement, error) {
	return c.listStatements(ctx, "comments_unvoted", url.Values{
		"conversation_id":  {conversationID},
		"not_voted_by_pid": {myPID},
	})
}

// ListVotedStatements returns the statements the participant has already voted on.
func (c *Client) ListVotedStatements(ctx context.Context, conversationID string) ([]domain.Statement, error) {
	return c.listStatements(ctx, "comments_voted", url.Values{
		"conversation_id": {conversationID},
		"voted_by_pid":    {myPID},
	})
}

func (c *Client) listStatements(ctx context.Context, endpoint string, query url.Values) ([]domain.Statement, error) {
	var statements []domain.Statement
	err := c.read(ctx, request{
		endpoint: endpoint,
		method:   http.MethodGet,
		path:     "/api/v3/comments",
		query:    query,
	}, &statements)
	if err != nil {
		return nil, fmt.Errorf("list statements: %w", err)
	}
	return statements, nil
}

type voteRequest struct {
	ConversationID string `json:"conversation_id"`
	TID            int64  `json:"tid"`
	Vote           int    `json:"vote"`
	PID            string `json:"pid"`
}

func (c *Client) SubmitVote(ctx context.Context, conversationID string, statementID int64, vote domain.StatementVote) error {
	err := c.write(ctx, request{
		endpoint: "votes",
		method:   http.MethodPost,
		path:     "/api/v3/votes",
		body: voteRequest{
			ConversationID: conversationID,
			TID:            statementID,
			Vote:           int(vote),
			PID:            myPID,
		},
	})
	if err != nil {
		return fmt.Errorf("submit vote on statement %d: %w", statementID, err)
	}
	return nil
}

type sentimentRequest struct {
	ConversationID string               `json:"conversation_id"`
	Vote           domain.SentimentKind `json:"vote"`
}

func (c *Client) SubmitSentiment(ctx context.Context, conversationID string, vote domain.SentimentKind) error {
	err := c.write(ctx, request{
		endpoint: "sentiment",
		method:   http.MethodPost,
		path:     "/api/v3/conversation/sentiment",
		body:     sentimentRequest{ConversationID: conversationID, Vote: vote},
	})
	if err != nil {
		return fmt.Errorf("submit %s: %w", vote, err)
	}
	return nil
}
