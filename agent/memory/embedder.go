package memory

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

type EmbedderConfig struct {
	APIKey  string `envconfig:"API_KEY" split_words:"true" required:"true"`
	BaseURL string `envconfig:"BASE_URL" split_words:"true"`
	Model   string `envconfig:"MODEL" split_words:"true" default:"text-embedding-3-small"`
}

// OpenAIEmbedder maps situation text to dense vectors through any
// OpenAI-compatible embeddings endpoint.
type OpenAIEmbedder struct {
	client openai.Client
	model  string
}

func NewOpenAIEmbedder(cfg EmbedderConfig) (*OpenAIEmbedder, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("embedder api key is required")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIEmbedder{
		client: openai.NewClient(reqOpts...),
		model:  cfg.Model,
	}, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfString: openai.String(text),
		},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("embed text: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("embed text: empty response")
	}
	return resp.Data[0].Embedding, nil
}

// DeterministicEmbedder hashes tokens into a fixed-size bag-of-words vector.
// It needs no network and gives stable, roughly similarity-preserving vectors
// for local runs and tests.
type DeterministicEmbedder struct {
	Dim int
}

func (e DeterministicEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	dim := e.Dim
	if dim <= 0 {
		dim = 64
	}
	vec := make([]float64, dim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(strings.Trim(tok, ".,:;!?\"'()[]")))
		vec[int(h.Sum32())%dim]++
	}
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}
