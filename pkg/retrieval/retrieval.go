// Package retrieval answers knowledge lookups for the sales script with
// embedding similarity over a small in-memory document set.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/teslashibe/go-salescall/pkg/inference"
	"gopkg.in/yaml.v3"
)

// ErrEmptyIndex is returned when there is nothing to index.
var ErrEmptyIndex = errors.New("retrieval: no documents")

// Document is one knowledge entry.
type Document struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"`
	Text string `yaml:"text"`
}

// Match is a search hit.
type Match struct {
	Document Document
	Score    float64
}

// LoadDocuments reads a knowledge file of the form {documents: [...]}.
func LoadDocuments(path string) ([]Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read knowledge file: %w", err)
	}
	var file struct {
		Documents []Document `yaml:"documents"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse knowledge file: %w", err)
	}

	docs := file.Documents[:0]
	for i, d := range file.Documents {
		d.Text = strings.TrimSpace(d.Text)
		if d.Text == "" {
			continue
		}
		if d.ID == "" {
			d.ID = fmt.Sprintf("doc-%d", i)
		}
		docs = append(docs, d)
	}
	return docs, nil
}

// Index holds documents with their embeddings. It is read-only after
// construction and safe for concurrent use.
type Index struct {
	provider inference.Provider
	docs     []Document
	vectors  [][]float64
	queries  *lru.Cache[string, []float64]
	minScore float64
	logger   *slog.Logger
}

// Option configures an Index.
type Option func(*Index)

// WithMinScore drops matches below score.
func WithMinScore(score float64) Option {
	return func(ix *Index) { ix.minScore = score }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(ix *Index) { ix.logger = logger }
}

// NewIndex embeds docs once with provider.
func NewIndex(ctx context.Context, provider inference.Provider, docs []Document, opts ...Option) (*Index, error) {
	if len(docs) == 0 {
		return nil, ErrEmptyIndex
	}

	queries, err := lru.New[string, []float64](256)
	if err != nil {
		return nil, err
	}
	ix := &Index{
		provider: provider,
		docs:     docs,
		queries:  queries,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(ix)
	}
	ix.logger = ix.logger.With("component", "retrieval")

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}
	resp, err := provider.Embed(ctx, &inference.EmbedRequest{Input: texts})
	if err != nil {
		return nil, fmt.Errorf("embed documents: %w", err)
	}
	if len(resp.Embeddings) != len(docs) {
		return nil, fmt.Errorf("embed documents: got %d vectors for %d documents", len(resp.Embeddings), len(docs))
	}
	ix.vectors = resp.Embeddings

	ix.logger.Info("knowledge indexed", "documents", len(docs), "dimensions", len(ix.vectors[0]))
	return ix, nil
}

// Len returns the number of indexed documents.
func (ix *Index) Len() int {
	return len(ix.docs)
}

// Query returns up to k documents ranked by cosine similarity to query.
func (ix *Index) Query(ctx context.Context, query string, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	vec, err := ix.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(ix.docs))
	for i, d := range ix.docs {
		score := Cosine(vec, ix.vectors[i])
		if score < ix.minScore {
			continue
		}
		matches = append(matches, Match{Document: d, Score: score})
	}
	sort.SliceStable(matches, func(a, b int) bool { return matches[a].Score > matches[b].Score })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Search returns the text of the top k matches.
func (ix *Index) Search(ctx context.Context, query string, k int) ([]string, error) {
	matches, err := ix.Query(ctx, query, k)
	if err != nil {
		return nil, err
	}
	texts := make([]string, len(matches))
	for i, m := range matches {
		texts[i] = m.Document.Text
	}
	return texts, nil
}

func (ix *Index) embed(ctx context.Context, query string) ([]float64, error) {
	key := strings.ToLower(strings.TrimSpace(query))
	if vec, ok := ix.queries.Get(key); ok {
		return vec, nil
	}
	resp, err := ix.provider.Embed(ctx, &inference.EmbedRequest{Input: []string{query}})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(resp.Embeddings) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(resp.Embeddings))
	}
	ix.queries.Add(key, resp.Embeddings[0])
	return resp.Embeddings[0], nil
}

// Cosine returns the cosine similarity of a and b, or 0 when either is
// zero or their lengths differ.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
