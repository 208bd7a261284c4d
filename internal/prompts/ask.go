// Package prompts implements MCP prompt handlers.
//
// MCP prompts are user-triggered workflows (like slash commands) that
// instruct the AI to execute a specific sequence. Unlike tools (which
// the AI calls), prompts are initiated by the user.
package prompts

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

// AskPrompt handles the ask_transcripts MCP prompt.
// It steers the AI to answer a question from the transcript tools.
type AskPrompt struct{}

// NewAskPrompt creates an AskPrompt.
func NewAskPrompt() *AskPrompt {
	return &AskPrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *AskPrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("ask_transcripts",
		mcp.WithPromptDescription(
			"Ask a question about your recorded conversations. "+
				"The assistant answers from the transcript tools and keeps follow-ups in one session.",
		),
		mcp.WithArgument("question",
			mcp.ArgumentDescription("What you want to know, e.g. \"What did Sarah say about the launch last week?\""),
			mcp.RequiredArgument(),
		),
	)
}

// Handle processes the ask_transcripts prompt request.
func (p *AskPrompt) Handle(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	question := ""
	if args := req.Params.Arguments; args != nil {
		question = strings.TrimSpace(args["question"])
	}
	if question == "" {
		return nil, fmt.Errorf("'question' is required")
	}
	sessionID := uuid.NewString()

	return &mcp.GetPromptResult{
		Description: "Answer from transcripts",
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.NewTextContent(fmt.Sprintf(
					"Answer this question from my recorded conversations: %q\n\n"+
						"Please:\n"+
						"1. Call `query_conversations` with query=%q and session_id=%q\n"+
						"2. If the answer needs what was said, call `search_semantic` with the key words\n"+
						"3. For talk time or who-talks-to-whom, use `get_speaker_analytics`\n"+
						"4. Use session_id=%q for every follow-up so \"them\" and \"that week\" carry over\n"+
						"5. Answer in plain language and cite conversation ids and times; "+
						"say so plainly if nothing matched",
					question, question, sessionID, sessionID,
				)),
			},
		},
	}, nil
}
