package engine

import (
	"sync"

	"github.com/minima/chatbridge/pkg/providers"
)

// Memory holds the conversation history per session key, bounded to the
// last maxTurns question/answer pairs.
type Memory struct {
	mu       sync.Mutex
	turns    map[string][]providers.Message
	maxTurns int
}

func NewMemory(maxTurns int) *Memory {
	return &Memory{
		turns:    make(map[string][]providers.Message),
		maxTurns: maxTurns,
	}
}

func (m *Memory) History(key string) []providers.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.turns[key]
	out := make([]providers.Message, len(h))
	copy(out, h)
	return out
}

func (m *Memory) Append(key, question, answer string) {
	if m.maxTurns <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	h := append(m.turns[key],
		providers.Message{Role: providers.RoleUser, Content: question},
		providers.Message{Role: providers.RoleAssistant, Content: answer},
	)
	if limit := m.maxTurns * 2; len(h) > limit {
		h = append([]providers.Message(nil), h[len(h)-limit:]...)
	}
	m.turns[key] = h
}

func (m *Memory) Forget(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.turns, key)
}

// Len reports how many sessions currently hold history.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.turns)
}
