package mcptool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/minima/chatbridge/pkg/logger"
)

const (
	LogsToolName = "minima-logs"

	defaultLogLines = 50
	maxLogLines     = 200
	maxLogOutput    = 8000
)

type LogsInput struct {
	Lines     int    `json:"lines,omitempty" jsonschema:"number of recent entries to return (default 50, max 200)"`
	SessionID string `json:"session_id,omitempty" jsonschema:"only entries logged for this chat session"`
	Keyword   string `json:"keyword,omitempty" jsonschema:"only entries whose message or fields contain this text"`
	Level     string `json:"level,omitempty" jsonschema:"minimum level: DEBUG, INFO, WARN or ERROR"`
}

// LogsTool reads the tail of the JSON-lines log file written by the server.
type LogsTool struct {
	path string
}

func NewLogsTool(path string) *LogsTool {
	return &LogsTool{path: path}
}

func (t *LogsTool) Handle(ctx context.Context, _ *mcp.CallToolRequest, in LogsInput) (*mcp.CallToolResult, any, error) {
	limit := in.Lines
	if limit <= 0 {
		limit = defaultLogLines
	}
	if limit > maxLogLines {
		limit = maxLogLines
	}

	minLevel := logger.DEBUG
	if in.Level != "" {
		lvl, err := logger.ParseLevel(in.Level)
		if err != nil {
			return errorResult(err.Error()), nil, nil
		}
		minLevel = lvl
	}

	// read extra so filtering still leaves enough entries
	lines, err := readTail(t.path, limit*3)
	if err != nil {
		return errorResult(fmt.Sprintf("read log file: %v", err)), nil, nil
	}

	keyword := strings.ToLower(in.Keyword)
	var entries []logger.LogEntry
	for _, line := range lines {
		var e logger.LogEntry
		if json.Unmarshal([]byte(line), &e) != nil {
			continue
		}
		if lvl, err := logger.ParseLevel(e.Level); err == nil && lvl < minLevel {
			continue
		}
		if in.SessionID != "" {
			if id, _ := e.Fields["session_id"].(string); id != in.SessionID {
				continue
			}
		}
		if keyword != "" && !entryContains(e, keyword) {
			continue
		}
		entries = append(entries, e)
	}
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	if len(entries) == 0 {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: "No log entries matched."}},
		}, nil, nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: formatEntries(entries)}},
	}, nil, nil
}

func entryContains(e logger.LogEntry, keyword string) bool {
	if strings.Contains(strings.ToLower(e.Message), keyword) {
		return true
	}
	fields, _ := json.Marshal(e.Fields)
	return strings.Contains(strings.ToLower(string(fields)), keyword)
}

func formatEntries(entries []logger.LogEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d log entries\n\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(&b, "[%s] %s [%s] %s", e.Timestamp, e.Level, e.Component, e.Message)
		if len(e.Fields) > 0 {
			fields, _ := json.Marshal(e.Fields)
			b.WriteString(" ")
			b.Write(fields)
		}
		b.WriteString("\n")
	}

	out := b.String()
	if len(out) > maxLogOutput {
		out = "... (truncated)\n" + out[len(out)-maxLogOutput:]
	}
	return out
}

// readTail returns the last n non-empty lines of path.
func readTail(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if len(lines) > n {
		return lines[len(lines)-n:], nil
	}
	return lines, nil
}
