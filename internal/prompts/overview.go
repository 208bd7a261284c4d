package prompts

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

// OverviewPrompt handles the transcript_overview MCP prompt.
// It instructs the AI to summarise what the store holds.
type OverviewPrompt struct{}

// NewOverviewPrompt creates an OverviewPrompt.
func NewOverviewPrompt() *OverviewPrompt {
	return &OverviewPrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *OverviewPrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("transcript_overview",
		mcp.WithPromptDescription(
			"Summarise what has been recorded: totals, the most active speakers "+
				"and the latest conversations.",
		),
	)
}

// Handle processes the transcript_overview prompt request.
func (p *OverviewPrompt) Handle(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{
		Description: "Transcript overview",
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.NewTextContent(
					"Please give me an overview of my recorded conversations.\n\n" +
						"1. Call `get_statistics` for the totals\n" +
						"2. Call `get_speaker_analytics` with analysis='ranking' for the most active speakers\n" +
						"3. Read the `savant://conversations` resource for the latest conversations\n" +
						"4. Present it briefly: totals first, then the top five speakers, then the five newest conversations",
				),
			},
		},
	}, nil
}
