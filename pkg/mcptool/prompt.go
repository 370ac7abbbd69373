package mcptool

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/minima/chatbridge/pkg/engine"
	"github.com/minima/chatbridge/pkg/logger"
	"github.com/minima/chatbridge/pkg/utils"
)

const PromptName = "minima-query"

// DocumentPrompt turns a search text into a user message holding the
// retrieved document content, without running the answer model.
type DocumentPrompt struct {
	retriever engine.Retriever
}

func NewDocumentPrompt(r engine.Retriever) *DocumentPrompt {
	return &DocumentPrompt{retriever: r}
}

func (p *DocumentPrompt) Handle(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	var args map[string]string
	if req != nil && req.Params != nil {
		args = req.Params.Arguments
	}

	text, ok := args["context"]
	if !ok {
		text, ok = args["text"]
	}
	text = strings.TrimSpace(text)
	if !ok || text == "" {
		return nil, fmt.Errorf("context or text argument is required")
	}

	retrieved, err := p.retriever.Query(ctx, text)
	if err != nil {
		// indexer failures are reported to the client as the prompt content
		logger.WarnCF("mcp", "Prompt retrieval failed", map[string]any{
			"text":  utils.Truncate(text, 80),
			"error": err.Error(),
		})
		return userPrompt(fmt.Sprintf("No content found for %q", text), err.Error()), nil
	}

	desc := fmt.Sprintf("Found content for %q", text)
	if len(retrieved.Links) > 0 {
		desc += fmt.Sprintf(" with %d related documents", len(retrieved.Links))
	}
	return userPrompt(desc, retrieved.Output), nil
}

func userPrompt(description, text string) *mcp.GetPromptResult {
	return &mcp.GetPromptResult{
		Description: description,
		Messages: []*mcp.PromptMessage{
			{Role: "user", Content: &mcp.TextContent{Text: text}},
		},
	}
}
