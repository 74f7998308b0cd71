package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/MegaGrindStone/forex-web-ui/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI streams replies from an OpenAI compatible chat completion API.
type OpenAI struct {
	model        string
	systemPrompt string

	params   LLMParameters
	timeouts Timeouts

	client *goopenai.Client

	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI instance. An empty baseURL uses the official API.
func NewOpenAI(
	apiKey, baseURL, model, systemPrompt string,
	params LLMParameters,
	timeouts Timeouts,
	logger *slog.Logger,
) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return OpenAI{
		model:        model,
		systemPrompt: systemPrompt,
		params:       params,
		timeouts:     timeouts,
		client:       goopenai.NewClientWithConfig(cfg),
		logger:       logger.With(slog.String("module", "openai")),
	}
}

func openAIMessages(systemPrompt string, messages []models.Message) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(messages)+1)
	msgs = append(msgs, goopenai.ChatCompletionMessage{
		Role:    goopenai.ChatMessageRoleSystem,
		Content: systemPrompt,
	})
	for _, msg := range messages {
		if msg.Role == models.RoleUser && msg.Image != "" {
			msgs = append(msgs, goopenai.ChatCompletionMessage{
				Role: goopenai.ChatMessageRoleUser,
				MultiContent: []goopenai.ChatMessagePart{
					{Type: goopenai.ChatMessagePartTypeText, Text: msg.Content},
					{Type: goopenai.ChatMessagePartTypeImageURL, ImageURL: &goopenai.ChatMessageImageURL{URL: msg.Image}},
				},
			})
			continue
		}
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	return msgs
}

// Stream is a wrapper around the OpenAI chat completion streaming API.
func (o OpenAI) Stream(ctx context.Context, req models.StreamRequest) iter.Seq2[string, error] {
	return o.timeouts.bound(ctx, func(ctx context.Context) iter.Seq2[string, error] {
		return o.stream(ctx, req)
	})
}

func (o OpenAI) stream(ctx context.Context, req models.StreamRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		creq := o.chatRequest(openAIMessages(systemInstruction(o.systemPrompt, req.Strategy), req.Messages))

		o.logger.Debug("Request", slog.String("model", o.model), slog.Int("messages", len(creq.Messages)))

		stream, err := o.client.CreateChatCompletionStream(ctx, creq)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", openAIError(err)))
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				if errors.Is(err, context.Canceled) {
					return
				}
				yield("", fmt.Errorf("error receiving response: %w", openAIError(err)))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}
			if delta := response.Choices[0].Delta.Content; delta != "" {
				if !yield(delta, nil) {
					return
				}
			}
		}
	}
}

func (o OpenAI) chatRequest(messages []goopenai.ChatCompletionMessage) goopenai.ChatCompletionRequest {
	req := goopenai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   true,
	}

	if o.params.Temperature != nil {
		req.Temperature = *o.params.Temperature
	}
	if o.params.TopP != nil {
		req.TopP = *o.params.TopP
	}
	if o.params.MaxTokens > 0 {
		req.MaxTokens = o.params.MaxTokens
	}

	return req
}

// openAIError converts the client errors carrying an HTTP status into a models.StatusError.
func openAIError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &models.StatusError{StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &models.StatusError{StatusCode: reqErr.HTTPStatusCode, Message: reqErr.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrTimeout
	}
	return err
}
