package llm

import (
	"context"

	"github.com/sashabaranov/go-openai"
)

// SummarizePlan produces the closing chat message for a finished plan.
func (g *Gateway) SummarizePlan(ctx context.Context, in SummaryInput) (string, error) {
	resp, err := g.chat(ctx, "summary", openai.ChatCompletionRequest{
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: summarySystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: BuildSummaryPrompt(in)},
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Message.Content, nil
}
