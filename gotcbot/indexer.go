package gotcbot

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultIndexChunkChars   = 1500
	DefaultIndexBatchSize    = 64
	DefaultIndexConcurrency  = 2
	DefaultIndexMaxAttempts  = 5
	DefaultIndexRetryBackoff = 5 * time.Second
	DefaultIndexMaxBackoff   = time.Minute
	DefaultIndexOutputFile   = "embeddings.json"
)

var indexSourceExtensions = map[string]bool{
	".txt": true,
	".md":  true,
}

// Indexer chunks reference documents and writes their embeddings to a
// file LoadIndex can read
type Indexer struct {
	Embedder     ModelClient
	Model        string
	ChunkChars   int
	BatchSize    int
	Concurrency  int
	MaxAttempts  int
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
	Logger       *slog.Logger
}

func NewIndexer(embedder ModelClient, model string) *Indexer {
	return &Indexer{
		Embedder:     embedder,
		Model:        model,
		ChunkChars:   DefaultIndexChunkChars,
		BatchSize:    DefaultIndexBatchSize,
		Concurrency:  DefaultIndexConcurrency,
		MaxAttempts:  DefaultIndexMaxAttempts,
		RetryBackoff: DefaultIndexRetryBackoff,
		MaxBackoff:   DefaultIndexMaxBackoff,
		Logger:       slog.Default(),
	}
}

// Build reads *.txt and *.md files under srcDir, embeds their chunks and
// writes the index to outPath. It returns the number of records written.
func (ix *Indexer) Build(ctx context.Context, srcDir string, outPath string) (int, error) {
	records, err := ix.collect(srcDir)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		ix.Logger.WarnContext(ctx, "no documents found", "source", srcDir)
	}

	texts := make([]string, len(records))
	for i, r := range records {
		texts[i] = r.Text
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(ix.Concurrency, 1))
	offset := 0
	for _, batch := range chunkItems(max(ix.BatchSize, 1), texts...) {
		start := offset
		batch := batch
		offset += len(batch)
		g.Go(
			func() error {
				vectors, embedErr := ix.embedWithBackoff(gctx, batch)
				if embedErr != nil {
					return embedErr
				}
				for i, v := range vectors {
					records[start+i].Vector = v
				}
				ix.Logger.InfoContext(
					gctx,
					"embedded batch",
					"offset", start,
					"size", len(batch),
				)
				return nil
			},
		)
	}
	if err = g.Wait(); err != nil {
		return 0, err
	}

	f := indexFile{Model: ix.Model, Records: records}
	if len(records) > 0 {
		f.Dimension = len(records[0].Vector)
	}
	data, err := json.Marshal(f)
	if err != nil {
		return 0, err
	}
	if err = os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return 0, err
	}
	if err = os.WriteFile(outPath, data, 0o644); err != nil {
		return 0, fmt.Errorf("writing index: %w", err)
	}
	return len(records), nil
}

// embedWithBackoff retries rate-limited embedding calls, up to
// MaxAttempts total
func (ix *Indexer) embedWithBackoff(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	attempts := max(ix.MaxAttempts, 1)
	for attempt := 0; attempt < attempts; attempt++ {
		vectors, err := ix.Embedder.Embed(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		if !isRateLimitError(err) || attempt == attempts-1 {
			break
		}
		backoff := calculateBackoff(attempt, ix.RetryBackoff, ix.MaxBackoff, 2)
		ix.Logger.WarnContext(
			ctx,
			"rate limited, backing off",
			"attempt", attempt+1,
			"backoff", backoff,
			tint.Err(err),
		)
		if err = sleepContext(ctx, backoff); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (ix *Indexer) collect(srcDir string) ([]EmbeddingRecord, error) {
	var files []string
	err := filepath.WalkDir(
		srcDir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && indexSourceExtensions[strings.ToLower(filepath.Ext(p))] {
				files = append(files, p)
			}
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("reading source dir: %w", err)
	}
	sort.Strings(files)

	var records []EmbeddingRecord
	for _, fp := range files {
		data, err := os.ReadFile(fp)
		if err != nil {
			return nil, err
		}
		rel, err := filepath.Rel(srcDir, fp)
		if err != nil {
			rel = filepath.Base(fp)
		}
		rel = filepath.ToSlash(rel)
		for i, chunk := range chunkText(string(data), ix.ChunkChars) {
			records = append(
				records, EmbeddingRecord{
					ID:     fmt.Sprintf("%s#%d", rel, i),
					Text:   chunk,
					Source: rel,
				},
			)
		}
	}
	return records, nil
}

// chunkText groups paragraphs into chunks of up to maxChars runes.
// A paragraph longer than maxChars is split with splitMessage.
func chunkText(s string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = DefaultIndexChunkChars
	}
	var chunks []string
	var current strings.Builder
	flush := func() {
		if t := strings.TrimSpace(current.String()); t != "" {
			chunks = append(chunks, t)
		}
		current.Reset()
	}

	for _, para := range strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if len([]rune(para)) > maxChars {
			flush()
			chunks = append(chunks, splitMessage(para, maxChars)...)
			continue
		}
		if current.Len() > 0 && len([]rune(current.String()))+2+len([]rune(para)) > maxChars {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()
	return chunks
}
