package persist

import (
	"context"
	"fmt"
	"net/http"

	"github.com/parleyhq/steward/pkg/models"
)

// GetMessages fetches up to limit recent messages for a room, newest first.
// Room histories can be large, so this call runs on the longer timeout.
func (c *Client) GetMessages(ctx context.Context, roomID string, limit int) ([]models.Message, error) {
	body := map[string]any{"roomId": roomID, "limit": limit}

	var messages []models.Message
	if err := c.do(ctx, c.msgClient, http.MethodPost, "chat/get_messages", body, &messages); err != nil {
		return nil, fmt.Errorf("get messages for room %s: %w", roomID, err)
	}
	return messages, nil
}

// GetRoom fetches one room, including its participant user ids.
func (c *Client) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	body := map[string]any{"roomId": roomID}

	var room models.Room
	if err := c.post(ctx, "chat/get_room", body, &room); err != nil {
		return nil, fmt.Errorf("get room %s: %w", roomID, err)
	}
	return &room, nil
}
