package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MegaGrindStone/forex-web-ui/internal/models"
	"google.golang.org/genai"
)

// GeminiImager generates chart illustrations directly with the Gemini API. Each configured key is
// tried in turn, first with the Gemini image model and then with Imagen.
type GeminiImager struct {
	imageModel  string
	imagenModel string

	clients []*genai.Client

	logger *slog.Logger
}

const (
	defaultGeminiImageModel  = "gemini-2.0-flash-exp-image-generation"
	defaultGeminiImagenModel = "imagen-3.0-generate-002"

	chartPromptPreamble = `Generate a PHOTOREALISTIC professional forex trading chart that looks exactly like a screenshot from TradingView or MetaTrader 5. Requirements:
- Dark navy/black background with grid lines
- Professional candlestick chart with proper OHLC candles (green/white for bullish, red for bearish)
- Proper price axis on the right side with realistic forex price numbers
- Time axis at the bottom
- Include volume bars at the bottom of the chart
- Add any relevant indicators (EMAs, RSI, MACD) as overlays or subplots
- Annotations with arrows, horizontal support/resistance lines, entry/exit markers
- The chart should look EXACTLY like a real trading platform screenshot, not a cartoon or illustration
- Include the pair name and timeframe in the top-left corner

Specific chart to generate: `
)

var errNoGeminiKeys = errors.New("no image generation API keys configured")

// NewGeminiImager creates a GeminiImager with one client per API key. Empty model names use the
// defaults.
func NewGeminiImager(
	ctx context.Context,
	apiKeys []string,
	imageModel, imagenModel string,
	logger *slog.Logger,
) (GeminiImager, error) {
	if imageModel == "" {
		imageModel = defaultGeminiImageModel
	}
	if imagenModel == "" {
		imagenModel = defaultGeminiImagenModel
	}

	clients := make([]*genai.Client, 0, len(apiKeys))
	for _, key := range apiKeys {
		if key == "" {
			continue
		}
		client, err := newGeminiClient(ctx, key)
		if err != nil {
			return GeminiImager{}, err
		}
		clients = append(clients, client)
	}
	if len(clients) == 0 {
		return GeminiImager{}, errNoGeminiKeys
	}

	return GeminiImager{
		imageModel:  imageModel,
		imagenModel: imagenModel,
		clients:     clients,
		logger:      logger.With(slog.String("module", "gemini-imager")),
	}, nil
}

// GenerateChart returns the generated chart as a data URI.
func (g GeminiImager) GenerateChart(ctx context.Context, prompt string) (string, error) {
	enhanced := chartPromptPreamble + prompt

	var lastErr error
	for i, client := range g.clients {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		uri, err := g.generateContent(ctx, client, enhanced)
		if err == nil {
			return uri, nil
		}
		g.logger.Warn("Gemini image generation failed", slog.Int("key", i), slog.String(errLoggerKey, err.Error()))
		lastErr = err

		uri, err = g.generateImage(ctx, client, enhanced)
		if err == nil {
			return uri, nil
		}
		g.logger.Warn("Imagen generation failed", slog.Int("key", i), slog.String(errLoggerKey, err.Error()))
		lastErr = err
	}

	return "", fmt.Errorf("failed to generate chart image with all available keys: %w", lastErr)
}

func (g GeminiImager) generateContent(ctx context.Context, client *genai.Client, prompt string) (string, error) {
	resp, err := client.Models.GenerateContent(ctx, g.imageModel,
		[]*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)},
		&genai.GenerateContentConfig{ResponseModalities: []string{"TEXT", "IMAGE"}},
	)
	if err != nil {
		return "", geminiError(err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", models.ErrNoImage
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.InlineData != nil && len(part.InlineData.Data) > 0 {
			return dataURI(part.InlineData.MIMEType, part.InlineData.Data), nil
		}
	}
	return "", models.ErrNoImage
}

func (g GeminiImager) generateImage(ctx context.Context, client *genai.Client, prompt string) (string, error) {
	resp, err := client.Models.GenerateImages(ctx, g.imagenModel, prompt,
		&genai.GenerateImagesConfig{AspectRatio: "16:9"})
	if err != nil {
		return "", geminiError(err)
	}
	if len(resp.GeneratedImages) == 0 || resp.GeneratedImages[0].Image == nil ||
		len(resp.GeneratedImages[0].Image.ImageBytes) == 0 {
		return "", models.ErrNoImage
	}
	img := resp.GeneratedImages[0].Image
	mimeType := img.MIMEType
	if mimeType == "" {
		mimeType = "image/png"
	}
	return dataURI(mimeType, img.ImageBytes), nil
}
