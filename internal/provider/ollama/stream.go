package ollama

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"vibeforge/internal/provider"
	"vibeforge/pkg/logger"
)

// ProcessStream processes the JSON line stream from Ollama and returns a
// channel of ChatEvents. Ollama uses newline-delimited JSON (NDJSON), not
// SSE format.
func ProcessStream(r io.ReadCloser) <-chan provider.ChatEvent {
	events := make(chan provider.ChatEvent)

	go func() {
		defer close(events)
		defer r.Close()

		scanner := bufio.NewScanner(r)
		// Increase buffer size for large responses
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024) // 1MB max

		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}

			var resp ollamaResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				logger.Error().Err(err).Str("line", string(line)).Msg("Failed to parse Ollama stream line")
				events <- provider.ChatEvent{
					Type:  provider.EventTypeError,
					Error: err,
				}
				continue
			}

			// Ollama may return {"error":"..."} inline in the stream body
			if resp.Error != "" {
				logger.Error().Str("error", resp.Error).Msg("Ollama stream returned inline error")
				events <- provider.ChatEvent{
					Type:  provider.EventTypeError,
					Error: fmt.Errorf("ollama error: %s", resp.Error),
				}
				return
			}

			if resp.Message.Content != "" {
				events <- provider.ChatEvent{
					Type:  provider.EventTypeContent,
					Delta: resp.Message.Content,
				}
			}

			if resp.Done {
				var usage *provider.Usage
				if resp.PromptEvalCount > 0 || resp.EvalCount > 0 {
					usage = &provider.Usage{
						PromptTokens:     resp.PromptEvalCount,
						CompletionTokens: resp.EvalCount,
						TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
					}
				}

				events <- provider.ChatEvent{
					Type:         provider.EventTypeDone,
					Usage:        usage,
					FinishReason: provider.FinishReasonStop,
				}
				return
			}
		}

		if err := scanner.Err(); err != nil {
			logger.Error().Err(err).Msg("Error reading Ollama stream")
			events <- provider.ChatEvent{
				Type:  provider.EventTypeError,
				Error: err,
			}
		}
	}()

	return events
}

// StreamAccumulator accumulates streaming events into a complete response.
// Useful for testing or when the full response is needed from a stream.
type StreamAccumulator struct {
	Content string
	Usage   *provider.Usage
}

// NewStreamAccumulator creates a new StreamAccumulator.
func NewStreamAccumulator() *StreamAccumulator {
	return &StreamAccumulator{}
}

// Process accumulates events from a channel and returns the final response.
func (a *StreamAccumulator) Process(events <-chan provider.ChatEvent) (*provider.ChatResponse, error) {
	for event := range events {
		switch event.Type {
		case provider.EventTypeContent:
			a.Content += event.Delta
		case provider.EventTypeDone:
			a.Usage = event.Usage
		case provider.EventTypeError:
			return nil, event.Error
		}
	}

	return &provider.ChatResponse{
		Content:      a.Content,
		Usage:        a.Usage,
		FinishReason: provider.FinishReasonStop,
	}, nil
}
