package gotcbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	indexFileExt          = ".json"
	dimensionProbeText    = "dimension probe"
	retrievedContextLabel = "The following is additional context that might help in answering the user's query."
)

// EmbeddingRecord is a chunk of reference text and its embedding
type EmbeddingRecord struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Source   string            `json:"source,omitempty"`
	Vector   []float32         `json:"vector"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ScoredRecord is a record and its cosine similarity to a query
type ScoredRecord struct {
	EmbeddingRecord
	Score float64
}

// indexFile is the on-disk format written by the index command
type indexFile struct {
	Model     string            `json:"model"`
	Dimension int               `json:"dimension"`
	Records   []EmbeddingRecord `json:"records"`
}

// RetrievalIndex is an in-memory, read-only set of EmbeddingRecords.
// All records share one vector dimension.
type RetrievalIndex struct {
	records   []EmbeddingRecord
	dimension int
	embedder  ModelClient
}

// NewRetrievalIndex builds an index from records, returning a
// *ConfigError if their dimensions disagree
func NewRetrievalIndex(
	embedder ModelClient,
	records ...EmbeddingRecord,
) (*RetrievalIndex, error) {
	idx := &RetrievalIndex{embedder: embedder}
	for _, r := range records {
		if err := idx.add(r); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

func (idx *RetrievalIndex) add(r EmbeddingRecord) error {
	if len(r.Vector) == 0 {
		return &ConfigError{
			Field: "retrieval.data_dir",
			Err:   fmt.Errorf("record %q has an empty vector", r.ID),
		}
	}
	if idx.dimension == 0 {
		idx.dimension = len(r.Vector)
	} else if len(r.Vector) != idx.dimension {
		return &ConfigError{
			Field: "retrieval.data_dir",
			Err: fmt.Errorf(
				"record %q has dimension %d, index has %d",
				r.ID, len(r.Vector), idx.dimension,
			),
		}
	}
	idx.records = append(idx.records, r)
	return nil
}

// LoadIndex reads every *.json file in dir, in lexical order. A missing
// directory results in an empty index.
func LoadIndex(dir string, embedder ModelClient) (*RetrievalIndex, error) {
	idx := &RetrievalIndex{embedder: embedder}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return idx, nil
		}
		return nil, fmt.Errorf("reading index dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), indexFileExt) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)

	for _, fp := range files {
		data, err := os.ReadFile(fp)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", fp, err)
		}
		var f indexFile
		if err = json.Unmarshal(data, &f); err != nil {
			return nil, &ConfigError{
				Field: "retrieval.data_dir",
				Err:   fmt.Errorf("decoding %s: %w", fp, err),
			}
		}
		for _, r := range f.Records {
			if err = idx.add(r); err != nil {
				return nil, err
			}
		}
	}
	return idx, nil
}

func (idx *RetrievalIndex) Len() int {
	if idx == nil {
		return 0
	}
	return len(idx.records)
}

// Dimension is the vector dimension of the index, or 0 if it's empty
func (idx *RetrievalIndex) Dimension() int {
	if idx == nil {
		return 0
	}
	return idx.dimension
}

// VerifyDimension embeds a probe string and returns a *ConfigError if
// the embedding dimension doesn't match the index
func (idx *RetrievalIndex) VerifyDimension(ctx context.Context) error {
	if idx.Len() == 0 || idx.embedder == nil {
		return nil
	}
	vectors, err := idx.embedder.Embed(ctx, []string{dimensionProbeText})
	if err != nil {
		return fmt.Errorf("embedding dimension probe: %w", err)
	}
	if len(vectors) != 1 || len(vectors[0]) != idx.dimension {
		got := 0
		if len(vectors) == 1 {
			got = len(vectors[0])
		}
		return &ConfigError{
			Field: "model.embedding_model",
			Err: fmt.Errorf(
				"embedding dimension %d doesn't match index dimension %d",
				got, idx.dimension,
			),
		}
	}
	return nil
}

// Query embeds text and returns the k most similar records
func (idx *RetrievalIndex) Query(
	ctx context.Context,
	text string,
	k int,
) ([]ScoredRecord, error) {
	if idx.Len() == 0 {
		return []ScoredRecord{}, nil
	}
	if idx.embedder == nil {
		return nil, errors.New("retrieval index has no embedder")
	}
	vectors, err := idx.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, &UpstreamError{
			Service: "embeddings",
			Err:     fmt.Errorf("expected 1 embedding, got %d", len(vectors)),
		}
	}
	return idx.QueryVector(vectors[0], k)
}

// QueryVector returns the k records most similar to vec, by descending
// cosine similarity. Equal scores keep insertion order. k is clamped to
// [1, Len()], with k <= 0 meaning all records.
func (idx *RetrievalIndex) QueryVector(vec []float32, k int) ([]ScoredRecord, error) {
	if idx.Len() == 0 {
		return []ScoredRecord{}, nil
	}
	if len(vec) != idx.dimension {
		return nil, fmt.Errorf(
			"query dimension %d doesn't match index dimension %d",
			len(vec), idx.dimension,
		)
	}

	scored := make([]ScoredRecord, len(idx.records))
	for i, r := range idx.records {
		scored[i] = ScoredRecord{
			EmbeddingRecord: r,
			Score:           cosineSimilarity(vec, r.Vector),
		}
	}
	sort.SliceStable(
		scored, func(i, j int) bool {
			return scored[i].Score > scored[j].Score
		},
	)

	if k <= 0 || k > len(scored) {
		k = len(scored)
	}
	return scored[:k], nil
}

func cosineSimilarity(a []float32, b []float32) float64 {
	if len(a) < 1 || len(a) != len(b) {
		return 0
	}
	var dotProduct, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dotProduct += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// retrievedContext joins the record text, cut to maxChars runes
func retrievedContext(records []ScoredRecord, maxChars int) string {
	if len(records) == 0 {
		return ""
	}
	texts := make([]string, 0, len(records))
	for _, r := range records {
		texts = append(texts, strings.TrimSpace(r.Text))
	}
	joined := strings.Join(texts, "\n\n")
	if maxChars > 0 {
		joined = truncate(joined, maxChars)
	}
	return retrievedContextLabel + "\n\n" + joined
}
