package failover

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/minima/chatbridge/pkg/config"
	"github.com/minima/chatbridge/pkg/logger"
	"github.com/minima/chatbridge/pkg/providers"
)

type Route struct {
	Model    string
	Provider providers.LLMProvider
}

// Manager walks the primary model and its fallbacks in order. A model that
// returns a rate limit is held back until the hold expires or the provider's
// reset hints pass, whichever is later.
type Manager struct {
	mu     sync.Mutex
	routes []Route
	hold   time.Duration
	held   map[string]time.Time
	now    func() time.Time
}

func NewManager(routes []Route, hold time.Duration) *Manager {
	if hold <= 0 {
		hold = time.Minute
	}
	return &Manager{
		routes: routes,
		hold:   hold,
		held:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// NewManagerFromConfig builds one route per distinct model in
// engine.model + engine.fallback_models.
func NewManagerFromConfig(cfg *config.Config) (*Manager, error) {
	primary := strings.TrimSpace(cfg.Engine.Model)
	models := append([]string{primary}, NormalizeFallbackChain(primary, cfg.Engine.FallbackModels)...)

	routes := make([]Route, 0, len(models))
	for _, model := range models {
		p, err := providers.CreateProviderForModel(cfg, model)
		if err != nil {
			if model == primary {
				return nil, err
			}
			logger.WarnCF("providers", "Skipping fallback model", map[string]any{
				"model": model,
				"error": err.Error(),
			})
			continue
		}
		routes = append(routes, Route{Model: model, Provider: p})
	}
	return NewManager(routes, cfg.FallbackHold()), nil
}

func NormalizeFallbackChain(primary string, chain []string) []string {
	seen := map[string]bool{}
	result := make([]string, 0, len(chain))
	for _, model := range chain {
		model = strings.TrimSpace(model)
		if model == "" || model == primary || seen[model] {
			continue
		}
		seen[model] = true
		result = append(result, model)
	}
	return result
}

func (m *Manager) Name() string {
	return "failover"
}

func (m *Manager) PrimaryModel() string {
	if len(m.routes) == 0 {
		return ""
	}
	return m.routes[0].Model
}

// Chat tries each route in order. The model argument is ignored when it
// does not name a route; otherwise that route is tried first.
func (m *Manager) Chat(ctx context.Context, messages []providers.Message, model string, options map[string]interface{}) (*providers.LLMResponse, error) {
	order := m.order(model)
	if len(order) == 0 {
		return nil, fmt.Errorf("no model routes configured")
	}

	var lastErr error
	for i, route := range order {
		resp, err := route.Provider.Chat(ctx, messages, route.Model, options)
		if err == nil {
			if resp.Model == "" {
				resp.Model = route.Model
			}
			if i > 0 {
				logger.InfoCF("providers", "Served by fallback model", map[string]any{
					"model": route.Model,
				})
			}
			return resp, nil
		}

		lastErr = err
		if !providers.IsRetryable(err) {
			return nil, err
		}
		m.onFailure(route.Model, err)
		logger.WarnCF("providers", "Model failed, trying next", map[string]any{
			"model": route.Model,
			"error": err.Error(),
		})
	}
	return nil, fmt.Errorf("all %d models failed: %w", len(order), lastErr)
}

// order returns the routes not currently held, preferred model first. When
// every route is held the full list is returned so a request still goes out.
func (m *Manager) order(preferred string) []Route {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var first, rest, held []Route
	for _, r := range m.routes {
		if until, ok := m.held[r.Model]; ok {
			if now.Before(until) {
				held = append(held, r)
				continue
			}
			delete(m.held, r.Model)
		}
		if r.Model == preferred {
			first = append(first, r)
		} else {
			rest = append(rest, r)
		}
	}

	available := append(first, rest...)
	if len(available) == 0 {
		return held
	}
	return available
}

func (m *Manager) onFailure(model string, err error) {
	var rl *providers.RateLimitError
	if !errors.As(err, &rl) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	until := now.Add(m.hold)
	if hinted := nextProbeFromRateLimitHints(now, rl); hinted.After(until) {
		until = hinted
	}
	m.held[model] = until
}

// HeldUntil reports when a held model becomes eligible again.
func (m *Manager) HeldUntil(model string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.held[model]
	return t, ok
}

// epochCutoff separates relative second counts from unix timestamps in
// numeric reset headers.
const epochCutoff = 1_000_000_000

func nextProbeFromRateLimitHints(now time.Time, rl *providers.RateLimitError) time.Time {
	if rl == nil {
		return time.Time{}
	}

	var candidates []time.Time
	if t, ok := parseRetryAfter(now, rl.RetryAfter); ok {
		candidates = append(candidates, t)
	}
	for _, raw := range []string{rl.RateLimitRequestsReset, rl.RateLimitTokensReset} {
		if t, ok := parseReset(now, raw); ok {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return time.Time{}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Before(candidates[j]) })
	return candidates[len(candidates)-1]
}

// parseRetryAfter accepts delay seconds or an HTTP date.
func parseRetryAfter(now time.Time, raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return now.Add(time.Duration(secs) * time.Second), true
	}
	if t, err := httpDateOrRFC3339(raw); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// parseReset accepts seconds, a unix timestamp, a Go-style duration such as
// "6m0s" or "20ms", or a date.
func parseReset(now time.Time, raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n >= epochCutoff {
			return time.Unix(n, 0), true
		}
		return now.Add(time.Duration(n) * time.Second), true
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return now.Add(d), true
	}
	if t, err := httpDateOrRFC3339(raw); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func httpDateOrRFC3339(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, v)
}
