package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/forex-web-ui/internal/models"
)

// ChartEndpoint requests chart illustrations from the hosted chart generation endpoint.
type ChartEndpoint struct {
	endpoint string
	apiKey   string

	client *http.Client

	logger *slog.Logger
}

type chartRequest struct {
	Prompt string `json:"prompt"`
}

type chartResponse struct {
	ImageURL *string `json:"imageUrl"`
	Text     string  `json:"text"`
}

// NewChartEndpoint creates a ChartEndpoint posting to url.
func NewChartEndpoint(url, apiKey string, logger *slog.Logger) ChartEndpoint {
	return ChartEndpoint{
		endpoint: url,
		apiKey:   apiKey,
		client:   &http.Client{},
		logger:   logger.With(slog.String("module", "chart-endpoint")),
	}
}

// GenerateChart returns the image URL generated for prompt. A successful answer without an image is
// reported as models.ErrNoImage.
func (c ChartEndpoint) GenerateChart(ctx context.Context, prompt string) (string, error) {
	jsonBody, err := json.Marshal(chartRequest{Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("error generating chart: %w", models.NewStatusError(resp.StatusCode, body))
	}

	var res chartResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return "", fmt.Errorf("error unmarshaling response: %w", err)
	}
	if res.ImageURL == nil || *res.ImageURL == "" {
		c.logger.Debug("No image in response", slog.String("text", res.Text))
		return "", models.ErrNoImage
	}

	return *res.ImageURL, nil
}
