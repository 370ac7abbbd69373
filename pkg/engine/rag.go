package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/minima/chatbridge/pkg/config"
	"github.com/minima/chatbridge/pkg/indexer"
	"github.com/minima/chatbridge/pkg/logger"
	"github.com/minima/chatbridge/pkg/providers"
	"github.com/minima/chatbridge/pkg/usage"
	"github.com/minima/chatbridge/pkg/utils"
)

const (
	contextualizePrompt = "Given a chat history and the latest user question " +
		"which might reference context in the chat history, " +
		"formulate a standalone question which can be understood " +
		"without the chat history. Do NOT answer the question, " +
		"just reformulate it if needed and otherwise return it as is."

	answerPrompt = "You are an assistant for question-answering tasks. " +
		"Use the following pieces of retrieved context to answer " +
		"the question. If you don't know the answer, say that you " +
		"don't know. Use three sentences maximum and keep the " +
		"answer concise.\n\n"

	enhancePrompt = "You are an expert at converting user questions into queries. " +
		"You have access to a user's files. " +
		"Perform query expansion. " +
		"Just return one expanded query, do not add any other text. " +
		"If there are acronyms or words you are not familiar with, do not try to rephrase them. " +
		"Do not change the original meaning of the question and do not add any additional information."
)

// Retriever finds passages relevant to a query.
type Retriever interface {
	Query(ctx context.Context, q string) (indexer.Retrieval, error)
}

type RAGOptions struct {
	Model          string
	Temperature    float64
	MaxTokens      int
	EnhanceQuery   bool
	Memory         string // config.MemorySession or config.MemoryTurn
	HistoryTurns   int
	Timeout        time.Duration
	ContainerPath  string
	LocalFilesPath string
}

func OptionsFromConfig(cfg *config.Config) RAGOptions {
	return RAGOptions{
		Model:          cfg.Engine.Model,
		Temperature:    cfg.Engine.Temperature,
		MaxTokens:      cfg.Engine.MaxTokens,
		EnhanceQuery:   cfg.Engine.EnhanceQuery,
		Memory:         cfg.Engine.Memory,
		HistoryTurns:   cfg.Engine.HistoryTurns,
		Timeout:        cfg.EngineTimeout(),
		ContainerPath:  cfg.Engine.ContainerPath,
		LocalFilesPath: cfg.Engine.LocalFilesPath,
	}
}

// RAG answers questions from documents returned by the retriever. History is
// kept per session key unless the memory mode is "turn", in which case every
// call runs under a fresh key and nothing is remembered.
type RAG struct {
	retriever Retriever
	llm       providers.LLMProvider
	usage     *usage.Store
	memory    *Memory
	opts      RAGOptions
	newKey    func() string
}

func NewRAG(retriever Retriever, llm providers.LLMProvider, store *usage.Store, opts RAGOptions) *RAG {
	return &RAG{
		retriever: retriever,
		llm:       llm,
		usage:     store,
		memory:    NewMemory(opts.HistoryTurns),
		opts:      opts,
		newKey:    uuid.NewString,
	}
}

// turn accumulates token usage across the LLM calls of one invocation.
type turn struct {
	model      string
	prompt     int
	completion int
	known      bool
}

func (t *turn) add(resp *providers.LLMResponse) {
	if resp.Model != "" {
		t.model = resp.Model
	}
	if resp.Usage != nil {
		t.known = true
		t.prompt += resp.Usage.PromptTokens
		t.completion += resp.Usage.CompletionTokens
	}
}

func (r *RAG) Invoke(ctx context.Context, q Query) (res Result) {
	started := time.Now()
	t := &turn{model: r.opts.Model}

	key := q.SessionID
	if r.opts.Memory == config.MemoryTurn || key == "" {
		key = r.newKey()
	}

	defer func() {
		if p := recover(); p != nil {
			res = Failure(fmt.Errorf("query engine panic: %v", p))
		}
		r.record(q.SessionID, t, time.Since(started), res)
	}()

	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	logger.InfoCF("engine", "Processing query", map[string]any{
		"session_id": q.SessionID,
		"query":      utils.Truncate(q.Text, 80),
	})

	answer, links, err := r.answer(ctx, key, q.Text, t)
	if err != nil {
		logger.ErrorCF("engine", "Query failed", map[string]any{
			"session_id": q.SessionID,
			"error":      err.Error(),
		})
		return Failure(err)
	}

	if r.opts.Memory != config.MemoryTurn {
		r.memory.Append(key, q.Text, answer)
	}
	return Succeeded(answer, links)
}

func (r *RAG) answer(ctx context.Context, key, question string, t *turn) (string, []string, error) {
	history := r.memory.History(key)

	search := question
	if r.opts.EnhanceQuery {
		enhanced, err := r.complete(ctx, t, []providers.Message{
			{Role: providers.RoleSystem, Content: enhancePrompt},
			{Role: providers.RoleUser, Content: question},
		})
		if err != nil {
			return "", nil, fmt.Errorf("enhance query: %w", err)
		}
		if enhanced = strings.TrimSpace(enhanced); enhanced != "" {
			search = enhanced
			logger.DebugCF("engine", "Enhanced query", map[string]any{"query": utils.Truncate(search, 120)})
		}
	}

	if len(history) > 0 {
		msgs := make([]providers.Message, 0, len(history)+2)
		msgs = append(msgs, providers.Message{Role: providers.RoleSystem, Content: contextualizePrompt})
		msgs = append(msgs, history...)
		msgs = append(msgs, providers.Message{Role: providers.RoleUser, Content: search})
		standalone, err := r.complete(ctx, t, msgs)
		if err != nil {
			return "", nil, fmt.Errorf("contextualize query: %w", err)
		}
		if standalone = strings.TrimSpace(standalone); standalone != "" {
			search = standalone
		}
	}

	retrieved, err := r.retriever.Query(ctx, search)
	if err != nil {
		return "", nil, fmt.Errorf("retrieve: %w", err)
	}

	msgs := make([]providers.Message, 0, len(history)+2)
	msgs = append(msgs, providers.Message{Role: providers.RoleSystem, Content: answerPrompt + retrieved.Output})
	msgs = append(msgs, history...)
	msgs = append(msgs, providers.Message{Role: providers.RoleUser, Content: question})
	answer, err := r.complete(ctx, t, msgs)
	if err != nil {
		return "", nil, fmt.Errorf("generate answer: %w", err)
	}

	links := make([]string, 0, len(retrieved.Links))
	for _, l := range retrieved.Links {
		links = append(links, r.localLink(l))
	}
	return answer, links, nil
}

func (r *RAG) complete(ctx context.Context, t *turn, msgs []providers.Message) (string, error) {
	resp, err := r.llm.Chat(ctx, msgs, r.opts.Model, map[string]interface{}{
		"max_tokens":  r.opts.MaxTokens,
		"temperature": r.opts.Temperature,
	})
	if err != nil {
		return "", err
	}
	t.add(resp)
	return resp.Content, nil
}

// localLink maps an indexer path (as seen inside the indexer container) onto
// the user's filesystem and turns it into a file:// URL.
func (r *RAG) localLink(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if r.opts.ContainerPath != "" && r.opts.LocalFilesPath != "" {
		path = strings.ReplaceAll(path, r.opts.ContainerPath, r.opts.LocalFilesPath)
	}
	if strings.HasPrefix(path, "file://") {
		return path
	}
	return "file://" + path
}

func (r *RAG) record(sessionID string, t *turn, latency time.Duration, res Result) {
	if r.usage == nil {
		return
	}
	rec := usage.Record{
		SessionKey:       sessionID,
		Provider:         providers.InferProviderFromModel(t.model),
		Model:            t.model,
		LatencyMS:        latency.Milliseconds(),
		PromptTokens:     t.prompt,
		CompletionTokens: t.completion,
		UsageKnown:       t.known,
		Outcome:          usage.OutcomeOK,
	}
	if res.Failed() {
		rec.Outcome = usage.OutcomeError
		rec.Error = res.Err
	}
	if err := r.usage.Append(rec); err != nil {
		logger.WarnCF("engine", "Failed to record usage", map[string]any{"error": err.Error()})
	}
}

func (r *RAG) CloseSession(sessionID string) {
	r.memory.Forget(sessionID)
}

// Sessions reports how many sessions hold conversation memory.
func (r *RAG) Sessions() int {
	return r.memory.Len()
}
