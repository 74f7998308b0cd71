package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/MegaGrindStone/forex-web-ui/internal/chat"
	"github.com/MegaGrindStone/forex-web-ui/internal/services"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	streamer(ctx context.Context, systemPrompt string, logger *slog.Logger) (chat.Streamer, error)
}

type chartConfig interface {
	imageGenerator(ctx context.Context, logger *slog.Logger) (chat.ImageGenerator, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider   string                 `yaml:"provider"`
	Model      string                 `yaml:"model"`
	Parameters services.LLMParameters `yaml:"parameters"`
	Timeouts   services.Timeouts      `yaml:"timeouts"`
}

type config struct {
	Port               string        `yaml:"port"`
	LogLevel           string        `yaml:"logLevel"`
	LogFormat          string        `yaml:"logFormat"`
	SystemPrompt       string        `yaml:"systemPrompt"`
	SessionIdleTimeout time.Duration `yaml:"sessionIdleTimeout"`
	Store              storeConfig   `yaml:"store"`
	LLM                llmConfig     `yaml:"llm"`
	Chart              chartConfig   `yaml:"chart"`
}

type storeConfig struct {
	// Type is one of bolt, sqlite or none.
	Type string `yaml:"type"`
	Path string `yaml:"path"`
}

type endpointConfig struct {
	Provider string            `yaml:"provider"`
	URL      string            `yaml:"url"`
	APIKey   string            `yaml:"apiKey"`
	Timeouts services.Timeouts `yaml:"timeouts"`
}

type openRouterConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	// URL overrides the OpenRouter chat completions endpoint, for OpenRouter compatible gateways.
	URL string `yaml:"url"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	Endpoint      string `yaml:"endpoint"`
}

type geminiConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type chartEndpointConfig struct {
	Provider string `yaml:"provider"`
	URL      string `yaml:"url"`
	APIKey   string `yaml:"apiKey"`
}

type geminiChartConfig struct {
	Provider    string   `yaml:"provider"`
	APIKeys     []string `yaml:"apiKeys"`
	ImageModel  string   `yaml:"imageModel"`
	ImagenModel string   `yaml:"imagenModel"`
}

const (
	defaultPort         = "8080"
	defaultIdleTimeout  = 60 * time.Second
	defaultRequestLimit = 5 * time.Minute
)

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port               string         `yaml:"port"`
		LogLevel           string         `yaml:"logLevel"`
		LogFormat          string         `yaml:"logFormat"`
		SystemPrompt       string         `yaml:"systemPrompt"`
		SessionIdleTimeout time.Duration  `yaml:"sessionIdleTimeout"`
		Store              storeConfig    `yaml:"store"`
		LLM                map[string]any `yaml:"llm"`
		Chart              map[string]any `yaml:"chart"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	if c.Port == "" {
		c.Port = defaultPort
	}
	c.LogLevel = rawConfig.LogLevel
	c.LogFormat = rawConfig.LogFormat
	c.SystemPrompt = rawConfig.SystemPrompt
	c.SessionIdleTimeout = rawConfig.SessionIdleTimeout
	c.Store = rawConfig.Store
	if c.Store.Type == "" {
		c.Store.Type = "bolt"
	}

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	var llm llmConfig
	switch llmProvider {
	case "endpoint":
		llm = &endpointConfig{}
	case "openrouter":
		llm = &openRouterConfig{}
	case "openai":
		llm = &openAIConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	case "gemini":
		llm = &geminiConfig{}
	case "ollama":
		llm = &ollamaConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}
	if err := remarshal(rawConfig.LLM, llm); err != nil {
		return fmt.Errorf("invalid llm config: %w", err)
	}
	c.LLM = llm

	if len(rawConfig.Chart) == 0 {
		return nil
	}
	chartProvider, ok := rawConfig.Chart["provider"].(string)
	if !ok {
		return fmt.Errorf("chart provider is required")
	}

	var chart chartConfig
	switch chartProvider {
	case "endpoint":
		chart = &chartEndpointConfig{}
	case "gemini":
		chart = &geminiChartConfig{}
	default:
		return fmt.Errorf("unknown chart provider: %s", chartProvider)
	}
	if err := remarshal(rawConfig.Chart, chart); err != nil {
		return fmt.Errorf("invalid chart config: %w", err)
	}
	c.Chart = chart

	return nil
}

// remarshal decodes the generic YAML mapping raw into target.
func remarshal(raw map[string]any, target any) error {
	rawYAML, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(rawYAML, target)
}

func (c config) logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(c.LogFormat, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// orEnv returns value, or the environment variable key when value is empty.
func orEnv(value, key string) string {
	if value != "" {
		return value
	}
	return os.Getenv(key)
}

func withDefaults(t services.Timeouts) services.Timeouts {
	if t.Idle == 0 {
		t.Idle = defaultIdleTimeout
	}
	if t.Request == 0 {
		t.Request = defaultRequestLimit
	}
	return t
}

func (e endpointConfig) streamer(_ context.Context, _ string, logger *slog.Logger) (chat.Streamer, error) {
	url := orEnv(e.URL, "FOREX_CHAT_URL")
	if url == "" {
		return nil, fmt.Errorf("url is required")
	}
	return services.NewForexEndpoint(url, orEnv(e.APIKey, "FOREX_API_KEY"), withDefaults(e.Timeouts), logger), nil
}

func (o openRouterConfig) streamer(_ context.Context, systemPrompt string, logger *slog.Logger) (chat.Streamer, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	apiKey := orEnv(o.APIKey, "OPENROUTER_API_KEY")
	s := services.NewOpenRouter(apiKey, o.Model, systemPrompt, withDefaults(o.Timeouts), logger)
	if o.URL != "" {
		s = s.WithEndpoint(o.URL)
	}
	return s, nil
}

func (o openAIConfig) streamer(_ context.Context, systemPrompt string, logger *slog.Logger) (chat.Streamer, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	apiKey := orEnv(o.APIKey, "OPENAI_API_KEY")
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, systemPrompt, o.Parameters, withDefaults(o.Timeouts), logger), nil
}

func (a anthropicConfig) streamer(_ context.Context, systemPrompt string, logger *slog.Logger) (chat.Streamer, error) {
	if a.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	apiKey := orEnv(a.APIKey, "ANTHROPIC_API_KEY")
	return services.NewAnthropic(a.Endpoint, apiKey, a.Model, systemPrompt, a.Parameters, withDefaults(a.Timeouts), logger), nil
}

func (g geminiConfig) streamer(ctx context.Context, systemPrompt string, logger *slog.Logger) (chat.Streamer, error) {
	if g.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	apiKey := orEnv(g.APIKey, "GEMINI_API_KEY")
	return services.NewGemini(ctx, apiKey, g.Model, systemPrompt, g.Parameters, withDefaults(g.Timeouts), logger)
}

func (o ollamaConfig) streamer(_ context.Context, systemPrompt string, logger *slog.Logger) (chat.Streamer, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	host := orEnv(o.Host, "OLLAMA_HOST")
	if host == "" {
		host = "http://localhost:11434"
	}
	return services.NewOllama(host, o.Model, systemPrompt, o.Parameters, withDefaults(o.Timeouts), logger)
}

func (c chartEndpointConfig) imageGenerator(_ context.Context, logger *slog.Logger) (chat.ImageGenerator, error) {
	url := orEnv(c.URL, "FOREX_CHART_URL")
	if url == "" {
		return nil, fmt.Errorf("url is required")
	}
	return services.NewChartEndpoint(url, orEnv(c.APIKey, "FOREX_API_KEY"), logger), nil
}

func (g geminiChartConfig) imageGenerator(ctx context.Context, logger *slog.Logger) (chat.ImageGenerator, error) {
	keys := g.APIKeys
	if len(keys) == 0 {
		keys = []string{os.Getenv("IMAGE_GEN_API_KEY_1"), os.Getenv("IMAGE_GEN_API_KEY_2")}
	}
	return services.NewGeminiImager(ctx, keys, g.ImageModel, g.ImagenModel, logger)
}
