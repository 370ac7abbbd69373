// Package mcptool serves the query engine to MCP clients over stdio.
package mcptool

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/minima/chatbridge/pkg/engine"
	"github.com/minima/chatbridge/pkg/logger"
	"github.com/minima/chatbridge/pkg/utils"
)

const ToolName = "minima-query"

type QueryInput struct {
	Text string `json:"text" jsonschema:"question to answer from the indexed local documents"`
}

type Tool struct {
	engine engine.Engine
	// session keeps one conversation per server process.
	session string
}

func NewTool(eng engine.Engine) *Tool {
	return &Tool{engine: eng, session: "mcp-" + uuid.NewString()}
}

type Options struct {
	Version string
	// Retriever backs the document prompt; nil leaves it out.
	Retriever engine.Retriever
	// LogPath enables the log reader tool.
	LogPath string
}

// NewServer returns an MCP server with the query tool registered.
func NewServer(eng engine.Engine, opts Options) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "minima", Version: opts.Version}, nil)
	t := NewTool(eng)
	mcp.AddTool(server, &mcp.Tool{
		Name:        ToolName,
		Description: "Answer a question using the user's indexed local files. Returns the answer followed by the related documents.",
	}, t.Handle)

	if opts.Retriever != nil {
		server.AddPrompt(&mcp.Prompt{
			Name:        PromptName,
			Description: "Find content in the user's indexed local files",
			Arguments: []*mcp.PromptArgument{
				{Name: "context", Description: "text to search for"},
				{Name: "text", Description: "alternative to context"},
			},
		}, NewDocumentPrompt(opts.Retriever).Handle)
	}

	if opts.LogPath != "" {
		mcp.AddTool(server, &mcp.Tool{
			Name:        LogsToolName,
			Description: "Read recent minima server log entries to diagnose failed queries. Filter by session, keyword or minimum level.",
		}, NewLogsTool(opts.LogPath).Handle)
	}
	return server
}

// Serve blocks until the client disconnects or ctx ends.
func Serve(ctx context.Context, eng engine.Engine, opts Options) error {
	logger.InfoC("mcp", "Serving MCP over stdio")
	return NewServer(eng, opts).Run(ctx, &mcp.StdioTransport{})
}

func (t *Tool) Handle(ctx context.Context, _ *mcp.CallToolRequest, in QueryInput) (*mcp.CallToolResult, any, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return errorResult("text must not be empty"), nil, nil
	}

	logger.DebugCF("mcp", "Tool call", map[string]any{"text": utils.Truncate(text, 80)})
	res := t.engine.Invoke(ctx, engine.Query{SessionID: t.session, Text: text})
	if res.Failed() {
		logger.WarnCF("mcp", "Query failed", map[string]any{"error": res.Err})
		return errorResult(res.Err), nil, nil
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: FormatAnswer(res)}},
	}, nil, nil
}

// FormatAnswer renders the answer text followed by its links.
func FormatAnswer(res engine.Result) string {
	if len(res.Links) == 0 {
		return res.Answer
	}
	var b strings.Builder
	b.WriteString(res.Answer)
	b.WriteString("\n\nRelated documents:\n")
	for _, l := range res.Links {
		b.WriteString(l)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
	}
}
