package embedding

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"photo_server/server/catalog/domain"
)

type embedRequest struct {
	Model string `json:"model,omitempty"`
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// HTTPModel calls a CLIP-style embedding service: POST {endpoint}/embed.
// Transport errors and 5xx answers wrap domain.ErrUpstream and are worth
// retrying; anything else is permanent.
type HTTPModel struct {
	endpoint string
	model    string
	client   *http.Client
}

func NewHTTPModel(endpoint, model string, timeout time.Duration) *HTTPModel {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPModel{
		endpoint: strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		model:    model,
		client:   &http.Client{Timeout: timeout},
	}
}

func (m *HTTPModel) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {
	if len(image) == 0 {
		return nil, ErrEmptyInput
	}
	return m.post(ctx, embedRequest{Model: m.model, Image: base64.StdEncoding.EncodeToString(image)})
}

func (m *HTTPModel) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}
	return m.post(ctx, embedRequest{Model: m.model, Text: text})
}

func (m *HTTPModel) post(ctx context.Context, payload embedRequest) ([]float32, error) {
	if m.endpoint == "" {
		return nil, fmt.Errorf("embedder endpoint is not configured")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint+"/embed", bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: embedder request: %v", domain.ErrUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: embedder status %d", domain.ErrUpstream, resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedder status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embedder response: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("embedder returned an empty vector")
	}
	return out.Embedding, nil
}
