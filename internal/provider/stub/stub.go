// Package stub implements a deterministic in-process Provider used when
// VIBEFORGE_LLM_MODE=stub or VIBEFORGE_NO_SPEND=1 disables real vendors.
// Responses are a pure function of the request, so simulations driven
// through it are reproducible.
package stub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"vibeforge/internal/provider"
)

// Name under which the stub registers itself.
const Name = "stub"

// StubProvider satisfies provider.Provider without any network I/O.
type StubProvider struct{}

// New constructs a StubProvider.
func New() *StubProvider {
	return &StubProvider{}
}

// Name returns the provider name.
func (p *StubProvider) Name() string {
	return Name
}

// Models returns the single pseudo-model the stub answers for.
func (p *StubProvider) Models() []string {
	return []string{"stub-echo"}
}

// Chat answers with a deterministic digest of the request: the last user
// message echoed under a content hash, with token usage estimated from
// text length.
func (p *StubProvider) Chat(_ context.Context, req provider.ChatRequest) (*provider.ChatResponse, error) {
	var last string
	promptChars := 0
	for _, msg := range req.Messages {
		promptChars += len(msg.Content)
		if msg.Role == provider.RoleUser {
			last = msg.Content
		}
	}

	sum := sha256.Sum256([]byte(req.Model + "\x00" + last))
	content := fmt.Sprintf("[stub:%s] %s", hex.EncodeToString(sum[:])[:8], last)

	usage := &provider.Usage{
		PromptTokens:     promptChars / 4,
		CompletionTokens: len(content) / 4,
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	return &provider.ChatResponse{
		Content:      content,
		Usage:        usage,
		FinishReason: provider.FinishReasonStop,
	}, nil
}

// Stream delivers the Chat result as a single content event followed by
// done, matching the Provider streaming contract.
func (p *StubProvider) Stream(ctx context.Context, req provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	resp, err := p.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan provider.ChatEvent, 2)
	ch <- provider.ChatEvent{Type: provider.EventTypeContent, Delta: resp.Content}
	ch <- provider.ChatEvent{Type: provider.EventTypeDone, Usage: resp.Usage, FinishReason: resp.FinishReason}
	close(ch)
	return ch, nil
}
