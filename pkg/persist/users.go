package persist

import (
	"context"
	"fmt"
	"net/url"

	"github.com/parleyhq/steward/pkg/models"
)

type userEnvelope struct {
	User models.User `json:"user"`
}

type usersEnvelope struct {
	Users []models.User `json:"users"`
}

// GetUserByID resolves a user record by its id.
func (c *Client) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	var env userEnvelope
	if err := c.get(ctx, "user/get_user_by_id", url.Values{"id": {id}}, &env); err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return &env.User, nil
}

// GetUserByUsername resolves a user record by username. The agent's own
// identity is looked up this way at startup.
func (c *Client) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var env userEnvelope
	if err := c.get(ctx, "user/get_user_by_username", url.Values{"username": {username}}, &env); err != nil {
		return nil, fmt.Errorf("get user %q: %w", username, err)
	}
	return &env.User, nil
}

// GetUsers fetches the user records for a set of ids, typically a room's
// participant list. Unknown ids are silently absent from the result.
func (c *Client) GetUsers(ctx context.Context, ids []string) ([]models.User, error) {
	body := map[string]any{"user_ids": ids}

	var env usersEnvelope
	if err := c.post(ctx, "user/get_users", body, &env); err != nil {
		return nil, fmt.Errorf("get users: %w", err)
	}
	return env.Users, nil
}
