package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"modelchat/pkg/domain"
)

// StreamError is a terminal generation failure with the upstream HTTP status
// when one was received. Status is 0 for transport-level failures.
type StreamError struct {
	Status  int
	Message string
}

func (e *StreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("generation failed (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("generation failed: %s", e.Message)
}

// OpenAICompatStreamer streams completions from any OpenAI-compatible
// /v1/chat/completions endpoint. Works with vLLM, LiteLLM, LocalAI,
// self-hosted models, etc. The target endpoint comes from the ModelRef
// passed to each call, so one streamer serves every deployed model.
type OpenAICompatStreamer struct {
	apiKey     string
	httpClient *http.Client
}

// NewOpenAICompatStreamer builds a ChatStreamer. apiKey can be empty for
// local models that do not require authentication.
func NewOpenAICompatStreamer(apiKey string) *OpenAICompatStreamer {
	return &OpenAICompatStreamer{
		apiKey: strings.TrimSpace(apiKey),
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// StreamChat implements ChatStreamer using the OpenAI chat completions API
// with stream=true. Deltas are delivered on the content channel as they
// arrive; a single terminal error, if any, is delivered on the error channel.
func (s *OpenAICompatStreamer) StreamChat(ctx context.Context, model domain.ModelRef, history []domain.Message) (<-chan string, <-chan error) {
	contentCh := make(chan string)
	errCh := make(chan error, 1)

	go func() {
		defer close(contentCh)
		defer close(errCh)

		if err := s.stream(ctx, model, history, contentCh); err != nil {
			errCh <- err
		}
	}()

	return contentCh, errCh
}

func (s *OpenAICompatStreamer) stream(ctx context.Context, model domain.ModelRef, history []domain.Message, contentCh chan<- string) error {
	messages := make([]oaiMessage, 0, len(history))
	for _, m := range history {
		messages = append(messages, oaiMessage{Role: m.Role, Content: m.Content})
	}
	body, err := json.Marshal(oaiChatRequest{
		Model:    model.ModelName,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return &StreamError{Message: err.Error()}
	}

	url := strings.TrimRight(model.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &StreamError{Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &StreamError{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp oaiErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error.Message
		if msg == "" {
			msg = resp.Status
		}
		return &StreamError{Status: resp.StatusCode, Message: msg}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			return nil
		}

		var chunk oaiStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		select {
		case contentCh <- delta:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &StreamError{Message: err.Error()}
	}
	return nil
}

// OpenAI-compatible request/response types.

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiChatRequest struct {
	Model    string       `json:"model"`
	Messages []oaiMessage `json:"messages"`
	Stream   bool         `json:"stream"`
}

type oaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type oaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
