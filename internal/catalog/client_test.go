package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

const deploymentsPayload = `[
	{"name": "llama-3-8b", "port": 8001, "status": "DEPLOYED", "instances": [{"host": "node-1"}]},
	{"name": "mistral-7b", "port": 8002, "status": "DEPLOYED", "instances": [{"host": ""}]},
	{"name": "stopped-model", "port": 8003, "status": "STOPPED", "instances": [{"host": "node-2"}]}
]`

func TestModelsFiltersAndDefaultsHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/serving/deployments" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(deploymentsPayload))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	refs, err := c.Models(context.Background())
	if err != nil {
		t.Fatalf("models: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("expected 2 deployed models, got %d", len(refs))
	}
	if refs[0].BaseURL != "http://node-1:8001/v1" || refs[0].ModelName != "llama-3-8b" {
		t.Fatalf("unexpected first ref: %+v", refs[0])
	}
	if refs[1].BaseURL != "http://localhost:8002/v1" {
		t.Fatalf("empty host should default to localhost, got %q", refs[1].BaseURL)
	}
}

func TestModelsCachesUpstreamCalls(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(deploymentsPayload))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	for i := 0; i < 5; i++ {
		if _, err := c.Models(context.Background()); err != nil {
			t.Fatalf("models call %d: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected 1 upstream call, got %d", got)
	}
}

func TestModelsUpstreamErrorIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if _, err := c.Models(context.Background()); err == nil {
		t.Fatalf("expected error for non-200 catalog response")
	}
}
