// Package engine defines the query engine the processing stage calls once
// per content message, and the retrieval-augmented implementation used by
// the server.
package engine

import (
	"context"
	"strings"
)

type Query struct {
	SessionID string
	Text      string
}

// Result is either an answer with its reference links or an error text.
// Exactly one of Answer/Links and Err is meaningful.
type Result struct {
	Answer string
	Links  []string
	Err    string
}

func (r Result) Failed() bool {
	return r.Err != ""
}

func Succeeded(answer string, links []string) Result {
	return Result{Answer: answer, Links: NormalizeLinks(links)}
}

func Failure(err error) Result {
	msg := "query engine failed"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	return Result{Err: msg}
}

// Engine answers a single question. Implementations never return Go errors;
// failures come back as a Result with Err set.
type Engine interface {
	Invoke(ctx context.Context, q Query) Result
}

// SessionCloser is implemented by engines that keep per-session memory.
type SessionCloser interface {
	CloseSession(sessionID string)
}

type Func func(ctx context.Context, q Query) Result

func (f Func) Invoke(ctx context.Context, q Query) Result {
	return f(ctx, q)
}

// NormalizeLinks trims entries, drops empty ones and removes duplicates
// keeping first-seen order.
func NormalizeLinks(links []string) []string {
	out := make([]string, 0, len(links))
	seen := make(map[string]struct{}, len(links))
	for _, l := range links {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}
