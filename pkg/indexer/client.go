// Package indexer talks to the document indexer service that owns the
// vector store. The only call used by the chat path is POST /query.
package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/minima/chatbridge/pkg/logger"
	"github.com/minima/chatbridge/pkg/utils"
)

// Retrieval is the indexer's answer to a query: the concatenated matching
// passages and the source file paths they came from.
type Retrieval struct {
	Output string   `json:"output"`
	Links  []string `json:"links"`
}

type queryRequest struct {
	Query string `json:"query"`
}

type queryResponse struct {
	Result *Retrieval `json:"result"`
	Error  string     `json:"error"`
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Query posts q to {baseURL}/query. An {"error": ...} body is returned as an
// error even when the status is 200.
func (c *Client) Query(ctx context.Context, q string) (Retrieval, error) {
	body, err := json.Marshal(queryRequest{Query: q})
	if err != nil {
		return Retrieval{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/query", bytes.NewReader(body))
	if err != nil {
		return Retrieval{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	logger.DebugCF("indexer", "Querying indexer", map[string]any{
		"query": utils.Truncate(q, 80),
	})

	resp, err := c.http.Do(req)
	if err != nil {
		return Retrieval{}, fmt.Errorf("indexer request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return Retrieval{}, fmt.Errorf("read indexer response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return Retrieval{}, fmt.Errorf("indexer http %d: %s", resp.StatusCode, utils.Truncate(string(data), 200))
	}

	var decoded queryResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return Retrieval{}, fmt.Errorf("decode indexer response: %w", err)
	}
	if decoded.Error != "" {
		return Retrieval{}, errors.New(decoded.Error)
	}
	if decoded.Result == nil {
		return Retrieval{}, fmt.Errorf("indexer response has no result")
	}

	logger.DebugCF("indexer", "Indexer returned", map[string]any{
		"links":  len(decoded.Result.Links),
		"output": len(decoded.Result.Output),
	})
	return *decoded.Result, nil
}
