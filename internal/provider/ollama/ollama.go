package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"vibeforge/internal/provider"
	"vibeforge/pkg/logger"
)

// Error definitions.
var (
	ErrConnectionFailed = errors.New("failed to connect to Ollama server")
	ErrModelNotFound    = errors.New("model not found")
	ErrInvalidResponse  = errors.New("invalid response from Ollama")
	ErrRequestTimeout   = errors.New("request timeout")
)

// OllamaProvider implements the Provider interface for Ollama.
type OllamaProvider struct {
	endpoint     string
	model        string
	httpClient   *http.Client
	streamClient *http.Client // no overall timeout — http.Client.Timeout kills long NDJSON streams
	keepAlive    string

	// Cached model list
	modelsCache []string
	modelsMu    sync.RWMutex
	modelsTime  time.Time
}

// NewOllamaProvider creates a new Ollama provider.
func NewOllamaProvider(cfg Config) provider.Provider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	cfg.Endpoint = strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	// Model can be empty — will use req.Model from each chat request.
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.KeepAlive == "" {
		cfg.KeepAlive = DefaultKeepAlive
	}

	return &OllamaProvider{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		// streamClient has NO overall timeout — http.Client.Timeout includes
		// response body read time, which kills long-running NDJSON streams.
		// Transport-level timeouts cover connection/TLS only.
		streamClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   15 * time.Second,
				ResponseHeaderTimeout: cfg.Timeout, // wait for model loading
				IdleConnTimeout:       90 * time.Second,
			},
		},
		keepAlive: cfg.KeepAlive,
	}
}

// Name returns the provider name.
func (p *OllamaProvider) Name() string {
	return "ollama"
}

// Models returns the list of available models.
func (p *OllamaProvider) Models() []string {
	p.modelsMu.RLock()
	// Return cached if less than 5 minutes old
	if time.Since(p.modelsTime) < 5*time.Minute && len(p.modelsCache) > 0 {
		models := p.modelsCache
		p.modelsMu.RUnlock()
		return models
	}
	p.modelsMu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	models, err := p.fetchModels(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to fetch Ollama models, returning cached")
		p.modelsMu.RLock()
		defer p.modelsMu.RUnlock()
		return p.modelsCache
	}

	p.modelsMu.Lock()
	p.modelsCache = models
	p.modelsTime = time.Now()
	p.modelsMu.Unlock()

	return models
}

// Chat sends a chat completion request and returns the response.
func (p *OllamaProvider) Chat(ctx context.Context, req provider.ChatRequest) (*provider.ChatResponse, error) {
	ollamaReq := p.buildRequest(req, false)

	logger.Debug().Str("model", ollamaReq.Model).Msg("Ollama Chat request")

	resp, err := p.doRequest(ctx, "/api/chat", ollamaReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		logger.Error().Int("status", resp.StatusCode).Str("body", string(body)).Msg("Ollama error response")
		apiErr := p.handleErrorResponse(resp.StatusCode, body)

		// Auto-retry once for model-not-found (Ollama may be reloading the model)
		if resp.StatusCode == http.StatusNotFound {
			logger.Info().Str("model", ollamaReq.Model).Msg("Ollama model not found, retrying after 3s delay")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(3 * time.Second):
			}
			resp2, err2 := p.doRequest(ctx, "/api/chat", ollamaReq)
			if err2 != nil {
				return nil, apiErr // return original error for clarity
			}
			defer resp2.Body.Close()
			body2, err2 := io.ReadAll(resp2.Body)
			if err2 != nil {
				return nil, apiErr
			}
			if resp2.StatusCode != http.StatusOK {
				return nil, p.handleErrorResponse(resp2.StatusCode, body2)
			}
			var ollamaResp ollamaResponse
			if err := json.Unmarshal(body2, &ollamaResp); err != nil {
				return nil, ErrInvalidResponse
			}
			return p.convertResponse(&ollamaResp), nil
		}

		return nil, apiErr
	}

	var ollamaResp ollamaResponse
	if err := json.Unmarshal(body, &ollamaResp); err != nil {
		logger.Error().Err(err).Str("body", string(body)).Msg("Failed to parse Ollama response")
		return nil, ErrInvalidResponse
	}

	return p.convertResponse(&ollamaResp), nil
}

// Stream sends a streaming chat completion request.
func (p *OllamaProvider) Stream(ctx context.Context, req provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	ollamaReq := p.buildRequest(req, true)

	resp, err := p.doStreamRequest(ctx, "/api/chat", ollamaReq)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		apiErr := p.handleErrorResponse(resp.StatusCode, body)

		// Auto-retry once for model-not-found (Ollama may be reloading the model)
		if resp.StatusCode == http.StatusNotFound {
			logger.Info().Str("model", ollamaReq.Model).Msg("Ollama Stream model not found, retrying after 3s delay")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(3 * time.Second):
			}
			resp2, err2 := p.doStreamRequest(ctx, "/api/chat", ollamaReq)
			if err2 != nil {
				return nil, apiErr
			}
			if resp2.StatusCode != http.StatusOK {
				body2, _ := io.ReadAll(resp2.Body)
				resp2.Body.Close()
				return nil, p.handleErrorResponse(resp2.StatusCode, body2)
			}
			return ProcessStream(resp2.Body), nil
		}

		return nil, apiErr
	}

	return ProcessStream(resp.Body), nil
}

// buildRequest converts a provider.ChatRequest to an Ollama request.
func (p *OllamaProvider) buildRequest(req provider.ChatRequest, stream bool) *ollamaRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}

	// Strip "ollama:" prefix if present
	if len(model) > 7 && model[:7] == "ollama:" {
		model = model[7:]
	}

	ollamaReq := &ollamaRequest{
		Model:     model,
		Messages:  make([]ollamaMessage, 0, len(req.Messages)),
		Stream:    stream,
		KeepAlive: p.keepAlive,
	}

	for _, msg := range req.Messages {
		ollamaReq.Messages = append(ollamaReq.Messages, ollamaMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	if req.Temperature > 0 || req.MaxTokens > 0 {
		ollamaReq.Options = &ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		}
	}

	return ollamaReq
}

// doRequest sends an HTTP request to the Ollama API.
func (p *OllamaProvider) doRequest(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	url := p.endpoint + path

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrRequestTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	return resp, nil
}

// doStreamRequest sends an HTTP request using the stream client (no overall
// timeout), since http.Client.Timeout includes response body read time and
// would kill long-running NDJSON streams from Ollama.
func (p *OllamaProvider) doStreamRequest(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	url := p.endpoint + path

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := p.streamClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrRequestTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	return resp, nil
}

// handleErrorResponse converts an error response to an appropriate error.
func (p *OllamaProvider) handleErrorResponse(statusCode int, body []byte) error {
	var errResp ollamaErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		if statusCode == http.StatusNotFound {
			return &provider.ProviderError{
				Code:      provider.ErrCodeModelNotFound,
				Message:   fmt.Sprintf("Ollama model not found: %s. Pull it with `ollama pull` and check the server is running", errResp.Error),
				Provider:  "ollama",
				Retryable: true,
			}
		}
		lowerErr := strings.ToLower(errResp.Error)

		if strings.Contains(lowerErr, "context length") ||
			strings.Contains(lowerErr, "too many tokens") ||
			strings.Contains(lowerErr, "maximum context") {
			return &provider.ProviderError{
				Code:      provider.ErrCodeContextWindowExceeded,
				Message:   errResp.Error,
				Provider:  "ollama",
				Retryable: true,
			}
		}
		return &provider.ProviderError{
			Code:      provider.ErrCodeUnknown,
			Message:   "Ollama error: " + errResp.Error,
			Provider:  "ollama",
			Retryable: false,
		}
	}

	switch statusCode {
	case http.StatusNotFound:
		return &provider.ProviderError{
			Code:      provider.ErrCodeModelNotFound,
			Message:   "Ollama model not found; pull it and check the server is running",
			Provider:  "ollama",
			Retryable: true,
		}
	case http.StatusServiceUnavailable:
		return &provider.ProviderError{
			Code:      provider.ErrCodeServiceUnavailable,
			Message:   "Ollama service unavailable",
			Provider:  "ollama",
			Retryable: true,
		}
	default:
		return &provider.ProviderError{
			Code:      provider.ErrCodeUnknown,
			Message:   fmt.Sprintf("Ollama returned status %d: %s", statusCode, string(body)),
			Provider:  "ollama",
			Retryable: false,
		}
	}
}

// convertResponse converts an Ollama response to a provider response.
func (p *OllamaProvider) convertResponse(resp *ollamaResponse) *provider.ChatResponse {
	result := &provider.ChatResponse{
		Content:      resp.Message.Content,
		FinishReason: provider.FinishReasonStop,
	}

	// Usage is approximated from eval counts
	if resp.PromptEvalCount > 0 || resp.EvalCount > 0 {
		result.Usage = &provider.Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		}
	}

	return result
}

// fetchModels fetches the list of available models from Ollama.
func (p *OllamaProvider) fetchModels(ctx context.Context) ([]string, error) {
	url := p.endpoint + "/api/tags"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch models: status %d", resp.StatusCode)
	}

	var modelsResp ollamaModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&modelsResp); err != nil {
		return nil, fmt.Errorf("failed to decode models response: %w", err)
	}

	models := make([]string, 0, len(modelsResp.Models))
	for _, m := range modelsResp.Models {
		models = append(models, m.Name)
	}

	return models, nil
}

// Ping checks if the Ollama server is available.
// Implements provider.HealthCheckable.
func (p *OllamaProvider) Ping(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	url := p.endpoint + "/api/tags"
	req, err := http.NewRequestWithContext(checkCtx, http.MethodGet, url, nil)
	if err != nil {
		return &provider.ProviderError{
			Code:      provider.ErrCodeNetworkError,
			Message:   fmt.Sprintf("failed to create request: %v", err),
			Provider:  "ollama",
			Retryable: true,
		}
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &provider.ProviderError{
			Code:      provider.ErrCodeServiceUnavailable,
			Message:   "Ollama service is not running or unreachable",
			Provider:  "ollama",
			Retryable: true,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &provider.ProviderError{
			Code:      provider.ErrCodeServiceUnavailable,
			Message:   fmt.Sprintf("Ollama returned unexpected status: %d", resp.StatusCode),
			Provider:  "ollama",
			Retryable: true,
		}
	}

	return nil
}

// GetState returns the current state of the Ollama provider.
// Implements provider.HealthCheckable.
func (p *OllamaProvider) GetState() provider.ProviderState {
	state := provider.ProviderState{
		Name:      "ollama",
		LastCheck: time.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := p.Ping(ctx); err != nil {
		state.Status = provider.StatusUnavailable
		if pe, ok := err.(*provider.ProviderError); ok {
			state.LastError = pe.Message
		} else {
			state.LastError = err.Error()
		}
		return state
	}

	state.Status = provider.StatusConnected
	state.Models = p.Models()
	return state
}
