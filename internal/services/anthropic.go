package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/forex-web-ui/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Anthropic streams replies from the Anthropic messages API.
type Anthropic struct {
	endpoint     string
	apiKey       string
	model        string
	systemPrompt string

	params   LLMParameters
	timeouts Timeouts

	client *http.Client

	logger *slog.Logger
}

type anthropicChatRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float32           `json:"temperature,omitempty"`
	TopP        *float32           `json:"top_p,omitempty"`
	Stream      bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicContentBlock struct {
	Type   string                `json:"type"`
	Text   string                `json:"text,omitempty"`
	Source *anthropicImageSource `json:"source,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicStreamResponse struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const (
	anthropicAPIEndpoint = "https://api.anthropic.com/v1"

	anthropicDefaultMaxTokens = 4096
)

// NewAnthropic creates a new Anthropic instance. An empty endpoint uses the official API.
func NewAnthropic(
	endpoint, apiKey, model, systemPrompt string,
	params LLMParameters,
	timeouts Timeouts,
	logger *slog.Logger,
) Anthropic {
	if endpoint == "" {
		endpoint = anthropicAPIEndpoint
	}
	return Anthropic{
		endpoint:     endpoint,
		apiKey:       apiKey,
		model:        model,
		systemPrompt: systemPrompt,
		params:       params,
		timeouts:     timeouts,
		client:       &http.Client{},
		logger:       logger.With(slog.String("module", "anthropic")),
	}
}

// anthropicMessages converts messages, skipping the leading assistant messages since the API requires
// the conversation to start with a user turn.
func anthropicMessages(messages []models.Message) ([]anthropicMessage, error) {
	msgs := make([]anthropicMessage, 0, len(messages))
	for _, msg := range messages {
		if len(msgs) == 0 && msg.Role != models.RoleUser {
			continue
		}
		var blocks []anthropicContentBlock
		if msg.Role == models.RoleUser && msg.Image != "" {
			mimeType, payload, err := parseDataURI(msg.Image)
			if err != nil {
				return nil, fmt.Errorf("error parsing image: %w", err)
			}
			blocks = append(blocks, anthropicContentBlock{
				Type: "image",
				Source: &anthropicImageSource{
					Type:      "base64",
					MediaType: mimeType,
					Data:      payload,
				},
			})
		}
		blocks = append(blocks, anthropicContentBlock{Type: "text", Text: msg.Content})
		msgs = append(msgs, anthropicMessage{
			Role:    string(msg.Role),
			Content: blocks,
		})
	}
	return msgs, nil
}

// Stream streams the reply from the Anthropic API. Only text deltas are yielded.
func (a Anthropic) Stream(ctx context.Context, req models.StreamRequest) iter.Seq2[string, error] {
	return a.timeouts.bound(ctx, func(ctx context.Context) iter.Seq2[string, error] {
		return a.stream(ctx, req)
	})
}

func (a Anthropic) stream(ctx context.Context, req models.StreamRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		msgs, err := anthropicMessages(req.Messages)
		if err != nil {
			yield("", fmt.Errorf("error creating anthropic messages: %w", err))
			return
		}

		maxTokens := a.params.MaxTokens
		if maxTokens <= 0 {
			maxTokens = anthropicDefaultMaxTokens
		}
		reqBody := anthropicChatRequest{
			Model:       a.model,
			Messages:    msgs,
			System:      systemInstruction(a.systemPrompt, req.Strategy),
			MaxTokens:   maxTokens,
			Temperature: a.params.Temperature,
			TopP:        a.params.TopP,
			Stream:      true,
		}

		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			yield("", fmt.Errorf("error marshaling request: %w", err))
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			a.endpoint+"/messages", bytes.NewBuffer(jsonBody))
		if err != nil {
			yield("", fmt.Errorf("error creating request: %w", err))
			return
		}

		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", a.apiKey)
		httpReq.Header.Set("anthropic-version", "2023-06-01")

		resp, err := a.client.Do(httpReq)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
			yield("", fmt.Errorf("error sending request: %w", models.NewStatusError(resp.StatusCode, body)))
			return
		}

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				yield("", fmt.Errorf("error reading response: %w", err))
				return
			}
			switch ev.Type {
			case "error":
				var e anthropicError
				if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
					yield("", fmt.Errorf("error unmarshaling error: %w", err))
					return
				}
				yield("", fmt.Errorf("anthropic error %s: %s", e.Error.Type, e.Error.Message))
				return
			case "message_stop":
				return
			case "content_block_delta":
				var res anthropicStreamResponse
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					yield("", fmt.Errorf("error unmarshaling response: %w", err))
					return
				}
				if res.Delta.Text == "" {
					continue
				}
				if !yield(res.Delta.Text, nil) {
					return
				}
			default:
				continue
			}
		}
	}
}
