package persist

import (
	"context"
	"fmt"

	"github.com/parleyhq/steward/pkg/models"
)

type skillEnvelope struct {
	Skill models.Skill `json:"skill"`
}

type skillsEnvelope struct {
	Skills []models.Skill `json:"skills"`
}

// CreateSkill stores a tool-invocation proposal and returns its
// service-assigned id. Skills are immutable once created.
func (c *Client) CreateSkill(ctx context.Context, skill *models.Skill) (string, error) {
	var env skillEnvelope
	if err := c.post(ctx, "skill/create_skill", skill, &env); err != nil {
		return "", fmt.Errorf("create skill %q: %w", skill.Name, err)
	}
	return env.Skill.ID, nil
}

// GetSkills fetches the skill records for a set of ids.
func (c *Client) GetSkills(ctx context.Context, ids []string) ([]models.Skill, error) {
	body := map[string]any{"ids": ids}

	var env skillsEnvelope
	if err := c.post(ctx, "skill/get_skill", body, &env); err != nil {
		return nil, fmt.Errorf("get %d skills: %w", len(ids), err)
	}
	return env.Skills, nil
}
