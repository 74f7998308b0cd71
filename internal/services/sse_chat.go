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
	"sync/atomic"
	"time"

	"github.com/MegaGrindStone/forex-web-ui/internal/models"
	"github.com/MegaGrindStone/forex-web-ui/internal/stream"
)

// SSEChat streams replies from an endpoint speaking the OpenAI chat completion chunk format over
// server-sent events. It serves both the hosted forex chat endpoint, which owns its system prompt and
// receives the selected strategy, and OpenRouter, which gets the system prompt from us.
type SSEChat struct {
	endpoint string
	apiKey   string
	headers  map[string]string

	// model and systemPrompt are only sent to direct endpoints.
	direct       bool
	model        string
	systemPrompt string

	timeouts Timeouts

	client  *http.Client
	decoder stream.Decoder

	logger *slog.Logger
}

type sseChatRequest struct {
	Model    string       `json:"model,omitempty"`
	Messages []sseMessage `json:"messages"`
	Strategy string       `json:"strategy,omitempty"`
	Stream   bool         `json:"stream,omitempty"`
}

type sseMessage struct {
	Role string `json:"role"`
	// Content is either a string or a slice of sseContentPart.
	Content any `json:"content"`
}

type sseContentPart struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	ImageURL *sseImageURL `json:"image_url,omitempty"`
}

type sseImageURL struct {
	URL string `json:"url"`
}

const (
	openRouterAPIEndpoint = "https://openrouter.ai/api/v1"
)

// NewForexEndpoint creates an SSEChat for the hosted forex chat endpoint at url.
func NewForexEndpoint(url, apiKey string, timeouts Timeouts, logger *slog.Logger) SSEChat {
	logger = logger.With(slog.String("module", "forex-endpoint"))
	return SSEChat{
		endpoint: url,
		apiKey:   apiKey,
		timeouts: timeouts,
		client:   &http.Client{},
		decoder:  stream.NewDecoder(logger),
		logger:   logger,
	}
}

// NewOpenRouter creates an SSEChat for the OpenRouter chat completion API.
func NewOpenRouter(apiKey, model, systemPrompt string, timeouts Timeouts, logger *slog.Logger) SSEChat {
	logger = logger.With(slog.String("module", "openrouter"))
	return SSEChat{
		endpoint: openRouterAPIEndpoint + "/chat/completions",
		apiKey:   apiKey,
		headers: map[string]string{
			"HTTP-Referer": "https://github.com/MegaGrindStone/forex-web-ui/",
			"X-Title":      "Forex Web UI",
		},
		direct:       true,
		model:        model,
		systemPrompt: systemPrompt,
		timeouts:     timeouts,
		client:       &http.Client{},
		decoder:      stream.NewDecoder(logger),
		logger:       logger,
	}
}

// WithEndpoint returns a copy of c posting to url.
func (c SSEChat) WithEndpoint(url string) SSEChat {
	c.endpoint = url
	return c
}

// Stream posts the conversation and yields the reply deltas. A body that stops producing bytes for
// longer than the idle timeout, or a turn exceeding the request timeout, ends with models.ErrTimeout.
func (c SSEChat) Stream(ctx context.Context, req models.StreamRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		if c.timeouts.Request > 0 {
			ctx, cancel = context.WithTimeout(ctx, c.timeouts.Request)
			defer cancel()
		}

		resp, err := c.doRequest(ctx, req)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				yield("", fmt.Errorf("error sending request: %w", models.ErrTimeout))
				return
			}
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		var body io.Reader = resp.Body
		var idle atomic.Bool
		if c.timeouts.Idle > 0 {
			ir := newIdleReader(resp.Body, c.timeouts.Idle, func() {
				idle.Store(true)
				cancel()
			})
			defer ir.stop()
			body = ir
		}

		for delta, err := range c.decoder.Deltas(ctx, body) {
			if err != nil {
				switch {
				case idle.Load() || errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
					yield("", fmt.Errorf("error reading response: %w", models.ErrTimeout))
				case errors.Is(err, context.Canceled):
				default:
					yield("", fmt.Errorf("error reading response: %w", err))
				}
				return
			}
			if !yield(delta, nil) {
				return
			}
		}
	}
}

func (c SSEChat) doRequest(ctx context.Context, req models.StreamRequest) (*http.Response, error) {
	msgs := make([]sseMessage, 0, len(req.Messages)+1)
	reqBody := sseChatRequest{}
	if c.direct {
		msgs = append(msgs, sseMessage{
			Role:    "system",
			Content: systemInstruction(c.systemPrompt, req.Strategy),
		})
		reqBody.Model = c.model
		reqBody.Stream = true
	} else {
		reqBody.Strategy = req.Strategy
	}
	for _, msg := range req.Messages {
		msgs = append(msgs, sseMessageFrom(msg))
	}
	reqBody.Messages = msgs

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	c.logger.Debug("Request Body", slog.Int("messages", len(msgs)), slog.String("strategy", req.Strategy))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, models.NewStatusError(resp.StatusCode, body)
	}

	return resp, nil
}

// sseMessageFrom converts msg, turning a user message with an image into multimodal content.
func sseMessageFrom(msg models.Message) sseMessage {
	if msg.Role != models.RoleUser || msg.Image == "" {
		return sseMessage{Role: string(msg.Role), Content: msg.Content}
	}
	return sseMessage{
		Role: string(msg.Role),
		Content: []sseContentPart{
			{Type: "text", Text: msg.Content},
			{Type: "image_url", ImageURL: &sseImageURL{URL: msg.Image}},
		},
	}
}

// idleReader cancels the request when a Read does not return within timeout.
type idleReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
}

func newIdleReader(r io.Reader, timeout time.Duration, onIdle func()) *idleReader {
	return &idleReader{
		r:       r,
		timeout: timeout,
		timer:   time.AfterFunc(timeout, onIdle),
	}
}

func (ir *idleReader) Read(p []byte) (int, error) {
	ir.timer.Reset(ir.timeout)
	n, err := ir.r.Read(p)
	ir.timer.Reset(ir.timeout)
	return n, err
}

func (ir *idleReader) stop() {
	ir.timer.Stop()
}
