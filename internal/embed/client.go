package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBaseURL     = "http://localhost:8000"
	healthProbeTimeout = 5 * time.Second
)

// Client computes image embeddings using a CLIP embedding server.
// The model is probed lazily on first use and the result is cached for the
// lifetime of the process; a failed probe degrades the client permanently
// rather than erroring every call.
type Client struct {
	baseURL string
	client  *http.Client
	log     *zap.Logger

	initOnce sync.Once
	initErr  error
	dim      atomic.Int32
}

// NewClient creates an embedding client for the given server URL.
// An empty baseURL falls back to the default local server address.
func NewClient(baseURL string, log *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{},
		log:     log,
	}
}

// embeddingResponse represents the response from the embedding server.
type embeddingResponse struct {
	Dim        int       `json:"dim"`
	Embedding  []float32 `json:"embedding"`
	Model      string    `json:"model"`
	Pretrained string    `json:"pretrained"`
}

// ensureInit probes the server once. Any failure marks the model
// unavailable for the rest of the process.
func (c *Client) ensureInit() error {
	c.initOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), healthProbeTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
		if err != nil {
			c.initErr = err
			return
		}
		resp, err := c.client.Do(req)
		if err != nil {
			c.initErr = err
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			c.initErr = fmt.Errorf("health check returned status %d", resp.StatusCode)
			return
		}
	})
	if c.initErr != nil {
		return fmt.Errorf("%w: %s", ErrModelUnavailable, c.initErr)
	}
	return nil
}

// Available reports whether the embedding server answered the health probe.
func (c *Client) Available() bool {
	if err := c.ensureInit(); err != nil {
		c.log.Warn("embedding model unavailable, falling back to hash-only similarity",
			zap.String("url", c.baseURL),
			zap.Error(err))
		return false
	}
	return true
}

// Dim returns the vector length reported by the server, 0 before the first
// successful Embed call.
func (c *Client) Dim() int {
	return int(c.dim.Load())
}

// Embed computes the embedding for an image payload.
func (c *Client) Embed(ctx context.Context, imageData []byte) ([]float32, error) {
	if err := c.ensureInit(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", "image.jpg")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed/image", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var embResp embeddingResponse
	if err := json.Unmarshal(body, &embResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(embResp.Embedding) == 0 {
		return nil, errors.New("empty embedding returned")
	}

	c.dim.Store(int32(embResp.Dim))

	return embResp.Embedding, nil
}
