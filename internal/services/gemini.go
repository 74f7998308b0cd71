package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/MegaGrindStone/forex-web-ui/internal/models"
	"google.golang.org/genai"
)

// Gemini streams replies from the Google Gemini API.
type Gemini struct {
	model        string
	systemPrompt string

	params   LLMParameters
	timeouts Timeouts

	client *genai.Client

	logger *slog.Logger
}

// NewGemini creates a new Gemini instance using the Gemini developer API.
func NewGemini(
	ctx context.Context,
	apiKey, model, systemPrompt string,
	params LLMParameters,
	timeouts Timeouts,
	logger *slog.Logger,
) (Gemini, error) {
	client, err := newGeminiClient(ctx, apiKey)
	if err != nil {
		return Gemini{}, err
	}
	return Gemini{
		model:        model,
		systemPrompt: systemPrompt,
		params:       params,
		timeouts:     timeouts,
		client:       client,
		logger:       logger.With(slog.String("module", "gemini")),
	}, nil
}

func newGeminiClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating gemini client: %w", err)
	}
	return client, nil
}

// geminiContents converts messages, skipping the leading assistant messages since the API expects
// the conversation to start with a user turn.
func geminiContents(messages []models.Message) ([]*genai.Content, error) {
	contents := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		if len(contents) == 0 && msg.Role != models.RoleUser {
			continue
		}
		if msg.Role == models.RoleAssistant {
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
			continue
		}

		parts := []*genai.Part{genai.NewPartFromText(msg.Content)}
		if msg.Image != "" {
			mimeType, data, err := decodeDataURI(msg.Image)
			if err != nil {
				return nil, err
			}
			parts = append(parts, genai.NewPartFromBytes(data, mimeType))
		}
		contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))
	}
	return contents, nil
}

// Stream streams the reply of the Gemini model.
func (g Gemini) Stream(ctx context.Context, req models.StreamRequest) iter.Seq2[string, error] {
	return g.timeouts.bound(ctx, func(ctx context.Context) iter.Seq2[string, error] {
		return g.stream(ctx, req)
	})
}

func (g Gemini) stream(ctx context.Context, req models.StreamRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		contents, err := geminiContents(req.Messages)
		if err != nil {
			yield("", fmt.Errorf("error creating gemini contents: %w", err))
			return
		}

		cfg := &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemInstruction(g.systemPrompt, req.Strategy), genai.RoleUser),
			Temperature:       g.params.Temperature,
			TopP:              g.params.TopP,
		}

		g.logger.Debug("Request", slog.String("model", g.model), slog.Int("contents", len(contents)))

		for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, cfg) {
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				yield("", fmt.Errorf("error receiving response: %w", geminiError(err)))
				return
			}
			if delta := resp.Text(); delta != "" {
				if !yield(delta, nil) {
					return
				}
			}
		}
	}
}

// geminiError converts an API error into a models.StatusError.
func geminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &models.StatusError{StatusCode: apiErr.Code, Message: apiErr.Message}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return &models.StatusError{StatusCode: apiErrPtr.Code, Message: apiErrPtr.Message}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrTimeout
	}
	return err
}
