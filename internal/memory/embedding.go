// Package memory implements the auxiliary semantic-memory module: a
// concrete, minimal consumer of internal/registry (it acquires an
// embedding "model" instance exactly like the core provider acquires
// an inference model) backed by an optional Qdrant vector index or a
// pure in-process cosine-similarity fallback.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/pgvector/pgvector-go"
)

// maxResponseBody caps how much of an OpenAI embedding response is read.
const maxResponseBody = 10 * 1024 * 1024

// Embedder generates vector embeddings from text. Swappable so the
// module works with zero external dependencies (HashEmbedder) or a
// real model (OpenAIEmbedder), exactly like the core provider
// interface lets the runtime swap inference backends.
type Embedder interface {
	Embed(ctx context.Context, text string) (pgvector.Vector, error)
	EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error)
	Dimensions() int
}

// HashEmbedder is a dependency-free, deterministic embedder: a signed
// feature hash of whitespace-split tokens into a fixed-width vector,
// L2-normalized so cosine similarity behaves sensibly. It is the
// default embedder, matching this runtime's on-device-first posture —
// no network call is required to remember or recall a memory entry.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder constructs a HashEmbedder with the given dimensionality.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{dims: dims}
}

// Dimensions returns the embedding vector size.
func (e *HashEmbedder) Dimensions() int { return e.dims }

// Embed hashes text into a single vector.
func (e *HashEmbedder) Embed(_ context.Context, text string) (pgvector.Vector, error) {
	return e.embedOne(text), nil
}

// EmbedBatch hashes each text independently.
func (e *HashEmbedder) EmbedBatch(_ context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i, t := range texts {
		vecs[i] = e.embedOne(t)
	}
	return vecs, nil
}

func (e *HashEmbedder) embedOne(text string) pgvector.Vector {
	v := make([]float32, e.dims)
	for _, tok := range tokenize(text) {
		h := fnv1a(tok)
		idx := int(h % uint32(e.dims))
		if (h>>31)&1 == 0 {
			v[idx]++
		} else {
			v[idx]--
		}
	}
	normalize(v)
	return pgvector.NewVector(v)
}

func tokenize(text string) []string {
	var tokens []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			tokens = append(tokens, string(cur))
			cur = cur[:0]
		}
	}
	for _, r := range text {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			flush()
			continue
		}
		cur = append(cur, toLower(r))
	}
	flush()
	return tokens
}

func toLower(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}

func fnv1a(s string) uint32 {
	const offset32 = 2166136261
	const prime32 = 16777619
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

func normalize(v []float32) {
	var sumSq float32
	for _, x := range v {
		sumSq += x * x
	}
	if sumSq == 0 {
		return
	}
	norm := float32(math.Sqrt(float64(sumSq)))
	for i := range v {
		v[i] /= norm
	}
}

// OpenAIEmbedder generates embeddings using the OpenAI API. An
// optional, richer alternative to HashEmbedder — installed only when
// Config.OpenAIAPIKey is set.
type OpenAIEmbedder struct {
	apiKey     string
	model      string
	httpClient *http.Client
	dimensions int
}

// NewOpenAIEmbedder constructs an OpenAIEmbedder. Returns an error if
// apiKey is empty.
func NewOpenAIEmbedder(apiKey, model string, dimensions int) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, errors.New("memory: OpenAI API key is required")
	}
	if dimensions <= 0 {
		dimensions = 1536
	}
	return &OpenAIEmbedder{
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dimensions: dimensions,
	}, nil
}

// Dimensions returns the embedding vector size.
func (e *OpenAIEmbedder) Dimensions() int { return e.dimensions }

type openAIRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Embed generates a single embedding.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return pgvector.Vector{}, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one API call.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	reqBody, err := json.Marshal(openAIRequest{Input: texts, Model: e.model, Dimensions: e.dimensions})
	if err != nil {
		return nil, fmt.Errorf("memory: marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.openai.com/v1/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("memory: create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("memory: send embedding request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("memory: read embedding response: %w", err)
	}

	var result openAIResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("memory: unmarshal embedding response: %w", err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("memory: openai error: %s: %s", result.Error.Type, result.Error.Message)
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("memory: expected %d embeddings but got %d", len(texts), len(result.Data))
	}

	vecs := make([]pgvector.Vector, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("memory: invalid index %d in embedding response", d.Index)
		}
		vecs[d.Index] = pgvector.NewVector(d.Embedding)
	}
	return vecs, nil
}
