// Package vlm talks to an OpenAI-compatible chat completions endpoint that
// accepts images. Stream relays the answer incrementally; Describe returns a
// whole single-image description for the indexer.
package vlm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
	"golang.org/x/time/rate"

	"photo_server/server/catalog/domain"
)

var ErrStreamInterrupted = errors.New("vlm stream ended without completion")

type PartKind int

const (
	PartText PartKind = iota
	PartImage
)

type Part struct {
	Kind  PartKind
	Text  string
	Image []byte
	MIME  string
}

func TextPart(text string) Part { return Part{Kind: PartText, Text: text} }

func ImagePart(data []byte, mime string) Part {
	return Part{Kind: PartImage, Image: data, MIME: mime}
}

type Config struct {
	Endpoint       string
	APIKey         string
	Model          string
	DescribeModel  string
	MaxTokens      int
	DescribeTokens int
	RatePerSecond  float64
	Burst          int
}

type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
}

func NewClient(cfg Config) *Client {
	cfg.Endpoint = strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}
	if cfg.DescribeModel == "" {
		cfg.DescribeModel = cfg.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1800
	}
	if cfg.DescribeTokens <= 0 {
		cfg.DescribeTokens = 1200
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	// No client timeout: streams are bounded by the caller's context.
	return &Client{cfg: cfg, http: &http.Client{}, limiter: rate.NewLimiter(limit, cfg.Burst)}
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type message struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type completionRequest struct {
	Model     string    `json:"model"`
	Messages  []message `json:"messages"`
	MaxTokens int       `json:"max_tokens"`
	Stream    bool      `json:"stream,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *apiError `json:"error"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *apiError `json:"error"`
}

func toContent(parts []Part) []contentPart {
	out := make([]contentPart, 0, len(parts))
	for _, p := range parts {
		switch p.Kind {
		case PartImage:
			mime := p.MIME
			if mime == "" {
				mime = "image/jpeg"
			}
			out = append(out, contentPart{
				Type:     "image_url",
				ImageURL: &imageURL{URL: "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(p.Image)},
			})
		default:
			out = append(out, contentPart{Type: "text", Text: p.Text})
		}
	}
	return out
}

func (c *Client) do(ctx context.Context, payload completionRequest) (*http.Response, error) {
	if c.cfg.Endpoint == "" {
		return nil, fmt.Errorf("vlm endpoint is not configured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if payload.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: vlm request: %v", domain.ErrUpstream, err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: vlm status %d: %s", domain.ErrUpstream, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

// Stream sends the parts followed by the instruction and calls onDelta for
// every piece of answer text, in order. It returns nil only when the
// upstream signalled a normal end of stream.
func (c *Client) Stream(ctx context.Context, parts []Part, instruction string, onDelta func(string) error) error {
	content := toContent(parts)
	if strings.TrimSpace(instruction) != "" {
		content = append(content, contentPart{Type: "text", Text: instruction})
	}
	resp, err := c.do(ctx, completionRequest{
		Model:     c.cfg.Model,
		Messages:  []message{{Role: "user", Content: content}},
		MaxTokens: c.cfg.MaxTokens,
		Stream:    true,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return readStream(ctx, resp.Body, onDelta)
}

// readStream decodes the body as UTF-8 incrementally, so a multi-byte rune
// split across network reads is reassembled before any line is parsed.
func readStream(ctx context.Context, body io.Reader, onDelta func(string) error) error {
	scanner := bufio.NewScanner(transform.NewReader(body, unicode.UTF8.NewDecoder()))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	finished := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			return nil
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("%w: malformed stream event: %v", domain.ErrUpstream, err)
		}
		if chunk.Error != nil {
			return fmt.Errorf("%w: %s", domain.ErrUpstream, chunk.Error.Message)
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				if err := onDelta(choice.Delta.Content); err != nil {
					return err
				}
			}
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				finished = true
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrStreamInterrupted, err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if finished {
		return nil
	}
	return ErrStreamInterrupted
}

func (c *Client) Describe(ctx context.Context, image []byte, mime, prompt string) (string, error) {
	resp, err := c.do(ctx, completionRequest{
		Model: c.cfg.DescribeModel,
		Messages: []message{{Role: "user", Content: toContent([]Part{
			TextPart(prompt),
			ImagePart(image, mime),
		})}},
		MaxTokens: c.cfg.DescribeTokens,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode vlm response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("%w: %s", domain.ErrUpstream, out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("vlm returned no choices")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

// DefaultTimeout bounds one synthesis call end to end.
const DefaultTimeout = 150 * time.Second
