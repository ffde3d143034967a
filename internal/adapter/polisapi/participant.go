package polisapi

import (
	"context"

	"github.com/policy-lab/polis/internal/domain"
	"github.com/policy-lab/polis/internal/view"
)

// ForToken returns the backend capabilities bound to the participant holding token.
func (c *Client) ForToken(token string) view.Backend {
	return c.WithToken(token)
}

// ResolveIdentity looks up who token belongs to.
func (c *Client) ResolveIdentity(ctx context.Context, token string) (domain.Identity, error) {
	return c.WithToken(token).CurrentUser(ctx)
}
