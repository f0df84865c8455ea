// Package embed batches text into fixed-size groups and turns them into
// vectors through the embedding service, preserving input order regardless
// of which concurrent group call returns first.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"

	"videoask/config"
	"videoask/core"
)

// Client is the external embedding collaborator: up to the service's batch
// ceiling of texts in, parallel fixed-dimension vectors out.
type Client interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// OpenAIClient implements Client on the embeddings API.
type OpenAIClient struct {
	cli   *openai.Client
	model string
}

func NewOpenAIClient(cfg *config.Config) *OpenAIClient {
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = cfg.BaseURL
	return &OpenAIClient{cli: openai.NewClientWithConfig(oc), model: cfg.EmbeddingModel}
}

func (c *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := c.cli.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(c.model),
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding API: %w", err)
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding API returned index %d for %d inputs", d.Index, len(texts))
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// Generator groups inputs, dispatches groups concurrently with retry, and
// writes each group's vectors back at its original offset.
type Generator struct {
	client      Client
	groupSize   int
	concurrency int
	retry       core.RetryPolicy
}

func NewGenerator(client Client, cfg *config.Config) *Generator {
	return &Generator{
		client:      client,
		groupSize:   cfg.Pipeline.EmbedGroupSize,
		concurrency: cfg.Pipeline.EmbedConcurrency,
		retry:       core.DefaultRetryPolicy(),
	}
}

// SetRetry overrides the retry policy. Test hook.
func (g *Generator) SetRetry(p core.RetryPolicy) { g.retry = p }

// Generate returns one vector per input text, aligned to input order. A
// group whose retries exhaust leaves nil vectors at its offsets instead of
// failing the whole call; an empty response counts as a retryable failure,
// never a silent empty result.
func (g *Generator) Generate(ctx context.Context, texts []string) [][]float32 {
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(g.concurrency)
	for start := 0; start < len(texts); start += g.groupSize {
		start := start
		end := start + g.groupSize
		if end > len(texts) {
			end = len(texts)
		}
		grp.Go(func() error {
			label := fmt.Sprintf("embed group [%d,%d)", start, end)
			vecs, err := core.Retry(gctx, g.retry, label, func(ctx context.Context) ([][]float32, error) {
				vecs, err := g.client.Embed(ctx, texts[start:end])
				if err != nil {
					return nil, err
				}
				if len(vecs) != end-start {
					return nil, errors.New("embedding count does not match input")
				}
				for _, v := range vecs {
					if len(v) == 0 {
						return nil, errors.New("empty embedding in response")
					}
				}
				return vecs, nil
			})
			if err != nil {
				log.Printf("%s: giving up: %v", label, err)
				return nil
			}
			copy(out[start:end], vecs)
			return nil
		})
	}
	// Workers only report nil; Wait is for joining.
	_ = grp.Wait()
	return out
}

// GenerateOne embeds a single text, returning nil when the service could not
// produce a vector.
func (g *Generator) GenerateOne(ctx context.Context, text string) []float32 {
	vecs := g.Generate(ctx, []string{text})
	return vecs[0]
}
