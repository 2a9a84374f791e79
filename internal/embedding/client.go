// Package embedding generates fixed-length vectors for chunks and image
// captions via an OpenAI-compatible embeddings endpoint.
package embedding

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/krai-io/krai/internal/fault"
)

// Embedder generates embeddings.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Dimension() int
}

// Config holds embedding client settings.
type Config struct {
	BaseURL   string
	APIKey    string
	Model     string
	Dimension int
	Timeout   time.Duration
	BatchSize int
}

// Client calls an OpenAI-compatible /embeddings endpoint. Every returned
// vector is checked against the configured dimension; the index schema is
// dimensioned once and a drifting provider must fail loudly.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	dimension  int
	batchSize  int
}

// NewClient creates an embedding client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("embedding base URL is required")
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 768
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dimension:  cfg.Dimension,
		batchSize:  cfg.BatchSize,
	}, nil
}

type embedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Embed generates embeddings for the texts, batching requests as needed.
// Output order matches input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := start + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := c.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed batch %d-%d: %w", start, end, err)
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (c *Client) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Input: texts, Model: c.model})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fault.New(fault.KindExternalServiceUnavailable,
			"embedding provider unreachable", err).WithStage("embedding")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var er embedResponse
		if json.Unmarshal(raw, &er) == nil && er.Error != nil {
			return nil, fmt.Errorf("embedding provider: %s (%s)", er.Error.Message, er.Error.Type)
		}
		return nil, fmt.Errorf("embedding provider: status %d", resp.StatusCode)
	}

	var er embedResponse
	if err := json.Unmarshal(raw, &er); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	vectors := make([][]float32, len(texts))
	for _, d := range er.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding provider returned index %d for %d inputs", d.Index, len(texts))
		}
		if len(d.Embedding) != c.dimension {
			return nil, fault.Newf(fault.KindEmbeddingDimensionMismatch,
				"provider returned %d dimensions, index is built for %d",
				len(d.Embedding), c.dimension).WithStage("embedding")
		}
		vectors[d.Index] = d.Embedding
	}
	for i, v := range vectors {
		if v == nil {
			return nil, fmt.Errorf("embedding provider returned no vector for input %d", i)
		}
	}
	return vectors, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Dimension returns the configured vector dimension.
func (c *Client) Dimension() int { return c.dimension }

// MockClient is a deterministic offline embedder: the vector is derived from
// a hash of the text, so equal texts always embed equally and tests can
// assert on similarity ordering.
type MockClient struct {
	dimension int
	model     string
}

// NewMockClient creates a mock embedder with the given dimension.
func NewMockClient(dimension int) *MockClient {
	if dimension <= 0 {
		dimension = 768
	}
	return &MockClient{dimension: dimension, model: "mock-embedder"}
}

// Embed produces unit-length deterministic vectors.
func (c *MockClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = c.vector(text)
	}
	return out, nil
}

func (c *MockClient) vector(text string) []float32 {
	v := make([]float32, c.dimension)
	seed := sha256.Sum256([]byte(text))
	// Expand the seed into the full dimension with counter-mode hashing.
	var buf [40]byte
	copy(buf[:32], seed[:])
	for i := 0; i < c.dimension; i += 8 {
		binary.LittleEndian.PutUint64(buf[32:], uint64(i))
		block := sha256.Sum256(buf[:])
		for j := 0; j < 8 && i+j < c.dimension; j++ {
			u := binary.LittleEndian.Uint32(block[j*4 : j*4+4])
			v[i+j] = float32(u)/float32(math.MaxUint32) - 0.5
		}
	}

	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum > 0 {
		norm := float32(1 / math.Sqrt(sum))
		for i := range v {
			v[i] *= norm
		}
	}
	return v
}

// Model returns the mock model name.
func (c *MockClient) Model() string { return c.model }

// Dimension returns the vector dimension.
func (c *MockClient) Dimension() int { return c.dimension }

var (
	_ Embedder = (*Client)(nil)
	_ Embedder = (*MockClient)(nil)
)
