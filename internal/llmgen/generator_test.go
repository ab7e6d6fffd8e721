package llmgen

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibeforge/internal/provider"
	"vibeforge/internal/simerrors"
	"vibeforge/internal/simtypes"
)

// recordingProvider captures the last request and replies with a canned
// response or error.
type recordingProvider struct {
	lastReq provider.ChatRequest
	resp    *provider.ChatResponse
	err     error
}

func (p *recordingProvider) Name() string     { return "recording" }
func (p *recordingProvider) Models() []string { return nil }

func (p *recordingProvider) Chat(_ context.Context, req provider.ChatRequest) (*provider.ChatResponse, error) {
	p.lastReq = req
	if p.err != nil {
		return nil, p.err
	}
	return p.resp, nil
}

func (p *recordingProvider) Stream(context.Context, provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	return nil, errors.New("not implemented")
}

func TestGenerateResponseAssemblesHistory(t *testing.T) {
	rp := &recordingProvider{resp: &provider.ChatResponse{Content: "answer"}}
	g := New(rp)

	history := []simtypes.HistoryEntry{
		{Role: "user", Content: "earlier question"},
		{Role: "assistant", Content: map[string]any{"text": "earlier answer"}},
	}
	reply, err := g.GenerateResponse(context.Background(), "W1", simtypes.RoleReviewer, "", history,
		simtypes.MessageContent{"text": "incoming"})
	require.NoError(t, err)

	msgs := rp.lastReq.Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, provider.RoleSystem, msgs[0].Role)
	assert.Equal(t, PromptForRole(simtypes.RoleReviewer), msgs[0].Content)
	assert.Equal(t, "earlier question", msgs[1].Content)
	assert.Equal(t, "earlier answer", msgs[2].Content)
	assert.Equal(t, provider.RoleUser, msgs[3].Role)
	assert.Equal(t, "incoming", msgs[3].Content)

	assert.Equal(t, "gpt-4o-mini", rp.lastReq.Model)
	assert.Equal(t, "answer", reply.Payload.String(simtypes.FlagText))
	assert.False(t, reply.Payload.Bool(simtypes.FlagIsStub))
}

func TestGenerateResponseUsesAgentModel(t *testing.T) {
	rp := &recordingProvider{resp: &provider.ChatResponse{Content: "ok"}}
	g := New(rp)

	_, err := g.GenerateResponse(context.Background(), "W1", simtypes.RoleWorker, "custom-model", nil, "hi")
	require.NoError(t, err)
	assert.Equal(t, "custom-model", rp.lastReq.Model)
}

func TestGenerateResponseWrapsProviderError(t *testing.T) {
	rp := &recordingProvider{err: errors.New("boom")}
	g := New(rp)

	_, err := g.GenerateResponse(context.Background(), "W1", simtypes.RoleWorker, "", nil, "hi")
	var failure *simerrors.LLMFailure
	require.True(t, errors.As(err, &failure))
	assert.ErrorContains(t, failure.Err, "boom")
}

func TestPromptForRoleFallsBackToWorker(t *testing.T) {
	assert.Equal(t, rolePrompts[simtypes.RoleWorker], PromptForRole("archivist"))
	assert.Equal(t, rolePrompts[simtypes.RoleWorker], PromptForRole(""))
	assert.NotEqual(t, rolePrompts[simtypes.RoleWorker], PromptForRole(simtypes.RoleOrchestrator))
}

func TestNormalizeContent(t *testing.T) {
	assert.Equal(t, "plain", NormalizeContent("plain"))
	assert.Equal(t, "inner", NormalizeContent(simtypes.MessageContent{"text": "inner", "x": 1}))
	assert.Equal(t, "inner", NormalizeContent(map[string]any{"text": "inner"}))
	// Maps without text serialize with deterministic key order.
	assert.Equal(t, `{"a":1,"b":2}`, NormalizeContent(map[string]any{"b": 2, "a": 1}))
}

func TestCostAccounting(t *testing.T) {
	g := New(&recordingProvider{})
	usage := &provider.Usage{PromptTokens: 2_000_000, CompletionTokens: 1_000_000}

	assert.InDelta(t, 2*0.15+0.60, g.Cost("gpt-4o-mini", usage), 1e-9)
	assert.Zero(t, g.Cost("unknown-model", usage))
	assert.Zero(t, g.Cost("gpt-4o-mini", nil))
}

func TestStubResponseDeterministic(t *testing.T) {
	content := simtypes.MessageContent{"text": "solve X", "expect_response": true}

	a := StubResponse("W1", "O", content, 3)
	b := StubResponse("W1", "O", content, 3)
	assert.Equal(t, a, b)

	hash := a.String(simtypes.FlagStubHash)
	require.Len(t, hash, 10)
	assert.Equal(t, "[STUB] W1 -> O @ tick 3 ("+hash+")", a.String(simtypes.FlagText))
	assert.True(t, a.Bool(simtypes.FlagIsStub))
	assert.False(t, a.Bool(simtypes.FlagExpectResponse))

	// Different content yields a different hash.
	c := StubResponse("W1", "O", simtypes.MessageContent{"text": "solve Y"}, 3)
	assert.NotEqual(t, hash, c.String(simtypes.FlagStubHash))
}

func TestStubFinalAnswerIncludesTask(t *testing.T) {
	payload := StubFinalAnswer("build the thing")
	assert.Contains(t, payload.String(simtypes.FlagText), "Task: build the thing")
	assert.True(t, payload.Bool(simtypes.FlagIsStub))
}
