// Package llmgen implements the LLM response generator: role-prompted
// completions for simulation agents, history assembly, model selection,
// cost accounting against a pricing table, and the deterministic stub
// replies used when LLM calls are disabled or fail.
package llmgen

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"vibeforge/internal/provider"
	"vibeforge/internal/simerrors"
	"vibeforge/internal/simtypes"
)

// Reply is a successful generation: the payload to place on the message
// bus plus the accounting inputs the tick engine needs.
type Reply struct {
	Payload simtypes.MessageContent
	Model   string
	Usage   *provider.Usage
}

// Generator builds role-aware completions through an abstract Provider.
type Generator struct {
	Provider           provider.Provider
	DefaultModel       string
	DefaultTemperature float64
	Pricing            PricingTable
}

// New constructs a Generator over p with the built-in pricing table.
func New(p provider.Provider) *Generator {
	return &Generator{
		Provider:           p,
		DefaultModel:       "gpt-4o-mini",
		DefaultTemperature: 0.7,
		Pricing:            DefaultPricing(),
	}
}

// GenerateResponse runs one completion for an agent: system prompt by role,
// then the agent's conversation history, then the incoming content as a
// trailing user message. Provider failures propagate wrapped in LLMFailure;
// the caller decides whether to fall back to a stub.
func (g *Generator) GenerateResponse(ctx context.Context, agentID string, role simtypes.AgentRole, model string, history []simtypes.HistoryEntry, incoming any) (*Reply, error) {
	if model == "" {
		model = g.DefaultModel
	}

	messages := []provider.Message{{Role: provider.RoleSystem, Content: PromptForRole(role)}}
	for _, entry := range history {
		entryRole := entry.Role
		if entryRole == "" {
			entryRole = provider.RoleUser
		}
		messages = append(messages, provider.Message{Role: entryRole, Content: NormalizeContent(entry.Content)})
	}
	messages = append(messages, provider.Message{Role: provider.RoleUser, Content: NormalizeContent(incoming)})

	resp, err := g.Provider.Chat(ctx, provider.ChatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: g.DefaultTemperature,
	})
	if err != nil {
		return nil, &simerrors.LLMFailure{Model: model, Err: err}
	}

	return &Reply{
		Payload: simtypes.MessageContent{
			simtypes.FlagText:           resp.Content,
			simtypes.FlagIsStub:         false,
			simtypes.FlagExpectResponse: false,
		},
		Model: model,
		Usage: resp.Usage,
	}, nil
}

// Cost prices one completion against the generator's table.
func (g *Generator) Cost(model string, usage *provider.Usage) float64 {
	return g.Pricing.Cost(model, usage)
}

// NormalizeContent renders arbitrary message content into the stable text
// form used for LLM requests: strings pass through, maps with a "text"
// field yield that field, everything else becomes canonical JSON
// (encoding/json already sorts map keys).
func NormalizeContent(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case simtypes.MessageContent:
		if text, ok := c["text"].(string); ok {
			return text
		}
	case map[string]any:
		if text, ok := c["text"].(string); ok {
			return text
		}
	}
	data, err := json.Marshal(content)
	if err != nil {
		return fmt.Sprintf("%v", content)
	}
	return string(data)
}

// StubResponse builds the deterministic stub payload:
// "[STUB] {recipient} -> {sender} @ tick {n} ({hash10})", where hash10 is
// the first 10 hex chars of SHA-256 over the canonical JSON of the
// triggering content. Runs without LLM credentials are fully reproducible.
func StubResponse(respondingAgent, sourceAgent string, content simtypes.MessageContent, tickIndex int) simtypes.MessageContent {
	canonical, err := json.Marshal(map[string]any(content))
	if err != nil {
		canonical = []byte(fmt.Sprintf("%v", content))
	}
	sum := sha256.Sum256(canonical)
	stubHash := hex.EncodeToString(sum[:])[:10]
	return simtypes.MessageContent{
		simtypes.FlagText: fmt.Sprintf("[STUB] %s -> %s @ tick %d (%s)",
			respondingAgent, sourceAgent, tickIndex, stubHash),
		simtypes.FlagIsStub:         true,
		simtypes.FlagStubHash:       stubHash,
		simtypes.FlagExpectResponse: false,
	}
}

// StubFinalAnswer is the deterministic final-answer placeholder emitted by
// delegation completion when no LLM is available.
func StubFinalAnswer(task string) simtypes.MessageContent {
	text := "[STUB] Final answer placeholder."
	if task != "" {
		text += " Task: " + task
	}
	return simtypes.MessageContent{
		simtypes.FlagText:           text,
		simtypes.FlagIsStub:         true,
		simtypes.FlagExpectResponse: false,
	}
}
