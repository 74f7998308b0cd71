package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MegaGrindStone/forex-web-ui/internal/models"
	"github.com/MegaGrindStone/forex-web-ui/internal/services"
	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"
)

func TestConfigUnmarshalYAML(t *testing.T) {
	temperature := float32(0.4)

	tests := []struct {
		name    string
		input   string
		want    config
		wantErr string
	}{
		{
			name: "endpoint with defaults",
			input: `
llm:
  provider: endpoint
  url: https://example.com/functions/v1/forex-chat
  timeouts:
    idle: 30s
`,
			want: config{
				Port:  defaultPort,
				Store: storeConfig{Type: "bolt"},
				LLM: &endpointConfig{
					Provider: "endpoint",
					URL:      "https://example.com/functions/v1/forex-chat",
					Timeouts: services.Timeouts{Idle: 30 * time.Second},
				},
			},
		},
		{
			name: "openai with chart and sqlite",
			input: `
port: "9000"
logLevel: debug
sessionIdleTimeout: 10m
store:
  type: sqlite
  path: chats.sqlite
llm:
  provider: openai
  model: gpt-4o
  apiKey: key
  parameters:
    temperature: 0.4
    maxTokens: 1024
chart:
  provider: gemini
  apiKeys: [a, b]
`,
			want: config{
				Port:               "9000",
				LogLevel:           "debug",
				SessionIdleTimeout: 10 * time.Minute,
				Store:              storeConfig{Type: "sqlite", Path: "chats.sqlite"},
				LLM: &openAIConfig{
					BaseLLMConfig: BaseLLMConfig{
						Provider: "openai",
						Model:    "gpt-4o",
						Parameters: services.LLMParameters{
							Temperature: &temperature,
							MaxTokens:   1024,
						},
					},
					APIKey: "key",
				},
				Chart: &geminiChartConfig{Provider: "gemini", APIKeys: []string{"a", "b"}},
			},
		},
		{
			name: "openrouter gateway with timeouts",
			input: `
llm:
  provider: openrouter
  model: openai/gpt-4o
  url: https://gateway.example.com/v1/chat/completions
  timeouts:
    idle: 20s
    request: 2m
`,
			want: config{
				Port:  defaultPort,
				Store: storeConfig{Type: "bolt"},
				LLM: &openRouterConfig{
					BaseLLMConfig: BaseLLMConfig{
						Provider: "openrouter",
						Model:    "openai/gpt-4o",
						Timeouts: services.Timeouts{Idle: 20 * time.Second, Request: 2 * time.Minute},
					},
					URL: "https://gateway.example.com/v1/chat/completions",
				},
			},
		},
		{
			name:    "missing llm provider",
			input:   "port: \"8080\"\n",
			wantErr: "llm provider is required",
		},
		{
			name:    "unknown llm provider",
			input:   "llm:\n  provider: mystery\n",
			wantErr: "unknown llm provider",
		},
		{
			name:    "unknown chart provider",
			input:   "llm:\n  provider: endpoint\nchart:\n  provider: crayons\n",
			wantErr: "unknown chart provider",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got config
			err := yaml.Unmarshal([]byte(tt.input), &got)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Unmarshal() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Unmarshal() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestOpenStore(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		cfg     storeConfig
		wantErr bool
	}{
		{name: "bolt", cfg: storeConfig{Type: "bolt"}},
		{name: "sqlite", cfg: storeConfig{Type: "sqlite", Path: "chats.sqlite"}},
		{name: "none", cfg: storeConfig{Type: "none"}},
		{name: "unknown", cfg: storeConfig{Type: "csv"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := openStore(tt.cfg, dir)
			if tt.wantErr {
				if err == nil {
					t.Fatal("openStore() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("openStore() error = %v", err)
			}
			if c, ok := store.(closer); ok {
				t.Cleanup(func() { c.Close() })
			}
		})
	}
}

func TestEndpointStreamerRequiresURL(t *testing.T) {
	t.Setenv("FOREX_CHAT_URL", "")
	if _, err := (endpointConfig{}).streamer(t.Context(), "", nil); err == nil {
		t.Error("streamer() without url should return error")
	}
}

func TestOpenRouterStreamerURL(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"via gateway\"}}]}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	cfg := openRouterConfig{
		BaseLLMConfig: BaseLLMConfig{Provider: "openrouter", Model: "openai/gpt-4o"},
		APIKey:        "key",
		URL:           srv.URL,
	}
	s, err := cfg.streamer(t.Context(), "", slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("streamer() error = %v", err)
	}

	var got strings.Builder
	for delta, err := range s.Stream(t.Context(), models.StreamRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	}) {
		if err != nil {
			t.Fatalf("Stream() error = %v", err)
		}
		got.WriteString(delta)
	}
	if got.String() != "via gateway" || hits.Load() != 1 {
		t.Errorf("Stream() = %q with %d requests, want %q from the configured url", got.String(), hits.Load(), "via gateway")
	}
}
