package retrieval

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/teslashibe/go-salescall/pkg/inference"
)

var vocabulary = []string{"price", "weeks", "job", "vision"}

// keywordEmbedder embeds text as keyword counts over vocabulary.
func keywordEmbedder() *inference.Mock {
	m := inference.NewMock()
	m.EmbedFunc = func(ctx context.Context, req *inference.EmbedRequest) (*inference.EmbedResponse, error) {
		out := make([][]float64, len(req.Input))
		for i, text := range req.Input {
			vec := make([]float64, len(vocabulary))
			for j, word := range vocabulary {
				vec[j] = float64(strings.Count(strings.ToLower(text), word))
			}
			out[i] = vec
		}
		return &inference.EmbedResponse{Embeddings: out}, nil
	}
	return m
}

func testDocs() []Document {
	return []Document{
		{ID: "pricing", Text: "Price: $499, special price $299"},
		{ID: "duration", Text: "Duration: 12 weeks"},
		{ID: "careers", Text: "Job placement assistance after the job-ready capstone"},
	}
}

func TestIndexSearch(t *testing.T) {
	ctx := context.Background()
	embedder := keywordEmbedder()
	ix, err := NewIndex(ctx, embedder, testDocs())
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	if ix.Len() != 3 {
		t.Fatalf("expected 3 documents, got %d", ix.Len())
	}

	matches, err := ix.Query(ctx, "what is the price?", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 || matches[0].Document.ID != "pricing" {
		t.Fatalf("expected pricing first, got %+v", matches)
	}
	if math.Abs(matches[0].Score-1) > 1e-9 {
		t.Errorf("expected perfect score, got %f", matches[0].Score)
	}

	texts, err := ix.Search(ctx, "will it help me get a job", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(texts) != 1 || !strings.HasPrefix(texts[0], "Job placement") {
		t.Errorf("unexpected texts %q", texts)
	}
}

func TestIndexCachesQueries(t *testing.T) {
	ctx := context.Background()
	embedder := keywordEmbedder()
	ix, _ := NewIndex(ctx, embedder, testDocs())

	ix.Search(ctx, "Price?", 1)
	ix.Search(ctx, "  price?", 1)
	if n := embedder.CallCount("Embed"); n != 2 {
		t.Errorf("expected 1 document + 1 query embedding, got %d", n)
	}
}

func TestIndexMinScore(t *testing.T) {
	ctx := context.Background()
	ix, _ := NewIndex(ctx, keywordEmbedder(), testDocs(), WithMinScore(0.5))

	matches, err := ix.Query(ctx, "computer vision", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Errorf("expected no matches above threshold, got %+v", matches)
	}
}

func TestNewIndexErrors(t *testing.T) {
	ctx := context.Background()

	if _, err := NewIndex(ctx, keywordEmbedder(), nil); !errors.Is(err, ErrEmptyIndex) {
		t.Errorf("expected ErrEmptyIndex, got %v", err)
	}

	noEmbed := inference.NewMock()
	noEmbed.EmbedFunc = nil
	if _, err := NewIndex(ctx, noEmbed, testDocs()); !errors.Is(err, inference.ErrEmbeddingsNotSupported) {
		t.Errorf("expected ErrEmbeddingsNotSupported, got %v", err)
	}
}

func TestCosine(t *testing.T) {
	tests := []struct {
		a, b []float64
		want float64
	}{
		{[]float64{1, 0}, []float64{1, 0}, 1},
		{[]float64{1, 0}, []float64{0, 1}, 0},
		{[]float64{1, 1}, []float64{-1, -1}, -1},
		{[]float64{0, 0}, []float64{1, 1}, 0},
		{[]float64{1}, []float64{1, 1}, 0},
	}
	for _, tt := range tests {
		if got := Cosine(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("Cosine(%v, %v) = %f, want %f", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestLoadDocuments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knowledge.yaml")
	os.WriteFile(path, []byte(`
documents:
  - id: bootcamp
    type: bootcamp_info
    text: |
      AI Mastery Bootcamp
      Duration: 12 weeks
  - text: "   "
  - text: Certificate upon completion
`), 0o644)

	docs, err := LoadDocuments(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected blank document to be skipped, got %d", len(docs))
	}
	if docs[0].Type != "bootcamp_info" || !strings.HasSuffix(docs[0].Text, "12 weeks") {
		t.Errorf("unexpected first document %+v", docs[0])
	}
	if docs[1].ID != "doc-2" {
		t.Errorf("expected generated id, got %q", docs[1].ID)
	}

	if _, err := LoadDocuments(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
