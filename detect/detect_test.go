package detect

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/llmlb/llmlb/types"
)

func TestDetect_PriorityOrder(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	xllmUp, ollamaUp := true, true
	mux.HandleFunc("/api/system", func(w http.ResponseWriter, r *http.Request) {
		if !xllmUp {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"xllm_version": "1.0"})
	})
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		if !ollamaUp {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"models": []any{"llama3"}})
	})
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": []any{map[string]string{"id": "m1"}}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	if got := Detect(context.Background(), srv.URL, ""); got.Type != types.EndpointXLLM {
		t.Fatalf("expected xllm, got %s (%s)", got.Type, got.Reason)
	}

	xllmUp = false
	if got := Detect(context.Background(), srv.URL, ""); got.Type != types.EndpointOllama {
		t.Fatalf("expected ollama, got %s (%s)", got.Type, got.Reason)
	}

	ollamaUp = false
	got := Detect(context.Background(), srv.URL, "")
	if got.Type != types.EndpointOpenAICompatible || got.Outcome != OutcomeMatched {
		t.Fatalf("expected openai_compatible, got %s/%s (%s)", got.Type, got.Outcome, got.Reason)
	}
}

func TestDetect_Unreachable(t *testing.T) {
	t.Parallel()

	got := Detect(context.Background(), "http://127.0.0.1:1", "")
	if got.Outcome != OutcomeUnreachable {
		t.Fatalf("expected unreachable, got %s", got.Outcome)
	}
}

func TestDetect_Unsupported(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	got := Detect(context.Background(), srv.URL, "")
	if got.Outcome != OutcomeUnsupported {
		t.Fatalf("expected unsupported, got %s", got.Outcome)
	}
}

func TestHasLMStudioToken(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"LM Studio/0.2.1": true,
		"lmstudio":        true,
		"nginx":           false,
		"lm-studio":       true,
	}
	for server, want := range cases {
		if got := hasLMStudioToken(server); got != want {
			t.Errorf("hasLMStudioToken(%q) = %v, want %v", server, got, want)
		}
	}
}
