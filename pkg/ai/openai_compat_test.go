package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"modelchat/pkg/domain"
)

func sseServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, domain.ModelRef) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, domain.ModelRef{BaseURL: srv.URL + "/v1", ModelName: "test-model"}
}

func writeChunk(w http.ResponseWriter, content string) {
	fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", content)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func collect(contentCh <-chan string, errCh <-chan error) (string, error) {
	var sb strings.Builder
	for contentCh != nil || errCh != nil {
		select {
		case delta, ok := <-contentCh:
			if !ok {
				contentCh = nil
				continue
			}
			sb.WriteString(delta)
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			return sb.String(), err
		}
	}
	return sb.String(), nil
}

func TestStreamChatDeliversDeltasInOrder(t *testing.T) {
	var gotPath string
	var gotAuth string
	_, model := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "text/event-stream")
		writeChunk(w, "Hel")
		writeChunk(w, "lo ")
		writeChunk(w, "world")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	streamer := NewOpenAICompatStreamer("secret")
	contentCh, errCh := streamer.StreamChat(context.Background(), model, []domain.Message{
		{Role: domain.RoleUser, Content: "hi"},
	})
	got, err := collect(contentCh, errCh)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if got != "Hello world" {
		t.Fatalf("unexpected output %q", got)
	}
	if gotPath != "/v1/chat/completions" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
}

func TestStreamChatSendsFullHistory(t *testing.T) {
	var body oaiChatRequest
	_, model := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	streamer := NewOpenAICompatStreamer("")
	contentCh, errCh := streamer.StreamChat(context.Background(), model, []domain.Message{
		{Role: domain.RoleUser, Content: "first"},
		{Role: domain.RoleAssistant, Content: "answer"},
		{Role: domain.RoleUser, Content: "second"},
	})
	if _, err := collect(contentCh, errCh); err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if !body.Stream {
		t.Fatalf("request must set stream=true")
	}
	if body.Model != "test-model" {
		t.Fatalf("unexpected model %q", body.Model)
	}
	if len(body.Messages) != 3 || body.Messages[2].Content != "second" {
		t.Fatalf("unexpected history: %+v", body.Messages)
	}
}

func TestStreamChatUpstreamErrorIsTyped(t *testing.T) {
	_, model := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited","type":"rate_limit"}}`)
	})

	streamer := NewOpenAICompatStreamer("")
	contentCh, errCh := streamer.StreamChat(context.Background(), model, []domain.Message{
		{Role: domain.RoleUser, Content: "hi"},
	})
	_, err := collect(contentCh, errCh)
	var streamErr *StreamError
	if !errors.As(err, &streamErr) {
		t.Fatalf("expected StreamError, got %v", err)
	}
	if streamErr.Status != http.StatusTooManyRequests || streamErr.Message != "rate limited" {
		t.Fatalf("unexpected error detail: %+v", streamErr)
	}
}

func TestStreamChatCancellation(t *testing.T) {
	release := make(chan struct{})
	_, model := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeChunk(w, "partial")
		<-release
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	streamer := NewOpenAICompatStreamer("")
	contentCh, errCh := streamer.StreamChat(ctx, model, []domain.Message{
		{Role: domain.RoleUser, Content: "hi"},
	})

	select {
	case delta := <-contentCh:
		if delta != "partial" {
			t.Fatalf("unexpected delta %q", delta)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for first delta")
	}
	cancel()

	_, err := collect(contentCh, errCh)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestStreamChatSkipsMalformedChunks(t *testing.T) {
	_, model := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {not json\n\n")
		fmt.Fprint(w, ": keep-alive comment\n\n")
		writeChunk(w, "ok")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	streamer := NewOpenAICompatStreamer("")
	contentCh, errCh := streamer.StreamChat(context.Background(), model, []domain.Message{
		{Role: domain.RoleUser, Content: "hi"},
	})
	got, err := collect(contentCh, errCh)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if got != "ok" {
		t.Fatalf("unexpected output %q", got)
	}
}
