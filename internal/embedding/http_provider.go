package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mechlabs/mech-queue/internal/transport"
)

// HTTPProvider calls an external embedding API (e.g. an OpenAI-compatible
// /embeddings endpoint) over HTTP, following the same request-shaped-client
// idiom as the teacher's provider_* tool adapters
// (internal/tools/provider_brave.go, provider_perplexity.go).
type HTTPProvider struct {
	baseURL   string
	apiKey    string
	model     string
	dimension int
	client    *http.Client
}

// NewHTTPProvider creates a provider against baseURL (an OpenAI-compatible
// embeddings endpoint), using apiKey for bearer auth and model as the
// embedding model name. dimension must match what the model actually
// returns; callers are expected to know this ahead of time since Postgres's
// vector column is fixed-width.
func NewHTTPProvider(baseURL, apiKey, model string, dimension int) *HTTPProvider {
	return &HTTPProvider{
		baseURL:   baseURL,
		apiKey:    apiKey,
		model:     model,
		dimension: dimension,
		client:    transport.NewClient(30 * time.Second),
	}
}

func (p *HTTPProvider) Dimension() int { return p.dimension }

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (p *HTTPProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody, err := json.Marshal(embeddingRequest{Model: p.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding provider returned status %d", resp.StatusCode)
	}

	var out embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("embedding provider returned no vectors")
	}
	vec := out.Data[0].Embedding
	if len(vec) != p.dimension {
		return nil, fmt.Errorf("embedding provider returned dimension %d, want %d", len(vec), p.dimension)
	}
	return vec, nil
}
