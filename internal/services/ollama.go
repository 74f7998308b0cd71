package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/MegaGrindStone/forex-web-ui/internal/models"
	"github.com/ollama/ollama/api"
)

// Ollama streams replies from an Ollama server.
type Ollama struct {
	model        string
	systemPrompt string

	params   LLMParameters
	timeouts Timeouts

	client *api.Client

	logger *slog.Logger
}

// NewOllama creates a new Ollama instance with the specified host URL and model name. The host
// parameter should be a valid URL pointing to an Ollama server.
func NewOllama(
	host, model, systemPrompt string,
	params LLMParameters,
	timeouts Timeouts,
	logger *slog.Logger,
) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	return Ollama{
		model:        model,
		systemPrompt: systemPrompt,
		params:       params,
		timeouts:     timeouts,
		client:       api.NewClient(u, &http.Client{}),
		logger:       logger.With(slog.String("module", "ollama")),
	}, nil
}

func (o Ollama) messages(req models.StreamRequest) ([]api.Message, error) {
	msgs := make([]api.Message, 0, len(req.Messages)+1)
	msgs = append(msgs, api.Message{
		Role:    "system",
		Content: systemInstruction(o.systemPrompt, req.Strategy),
	})
	for _, msg := range req.Messages {
		m := api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		if msg.Role == models.RoleUser && msg.Image != "" {
			_, data, err := decodeDataURI(msg.Image)
			if err != nil {
				return nil, err
			}
			m.Images = []api.ImageData{data}
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (o Ollama) options() map[string]any {
	opts := map[string]any{}
	if o.params.Temperature != nil {
		opts["temperature"] = *o.params.Temperature
	}
	if o.params.TopP != nil {
		opts["top_p"] = *o.params.TopP
	}
	if o.params.MaxTokens > 0 {
		opts["num_predict"] = o.params.MaxTokens
	}
	return opts
}

// Stream streams the reply of the Ollama model. Each chat response chunk is yielded as a delta.
func (o Ollama) Stream(ctx context.Context, req models.StreamRequest) iter.Seq2[string, error] {
	return o.timeouts.bound(ctx, func(ctx context.Context) iter.Seq2[string, error] {
		return o.stream(ctx, req)
	})
}

func (o Ollama) stream(ctx context.Context, req models.StreamRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		msgs, err := o.messages(req)
		if err != nil {
			yield("", fmt.Errorf("error creating ollama messages: %w", err))
			return
		}

		t := true
		creq := api.ChatRequest{
			Model:    o.model,
			Messages: msgs,
			Stream:   &t,
			Options:  o.options(),
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		if err := o.client.Chat(ctx, &creq, func(res api.ChatResponse) error {
			if stopped || res.Message.Content == "" {
				return nil
			}
			if !yield(res.Message.Content, nil) {
				stopped = true
				cancel()
			}
			return nil
		}); err != nil {
			if stopped || errors.Is(err, context.Canceled) {
				return
			}
			var se api.StatusError
			if errors.As(err, &se) {
				err = &models.StatusError{StatusCode: se.StatusCode, Message: se.ErrorMessage}
			}
			yield("", fmt.Errorf("error sending request: %w", err))
		}
	}
}
