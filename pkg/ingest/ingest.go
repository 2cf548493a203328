// Package ingest loads documents from disk, splits them into chunks and
// stores the embedded chunks in an index.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sanonone/kektorvec/pkg/embeddings"
	"github.com/sanonone/kektorvec/pkg/engine"
)

// DefaultConcurrency is the number of embedding calls in flight per file.
const DefaultConcurrency = 4

// Inserter stores one vector. Both engine.Engine and engine.Manager qualify.
type Inserter interface {
	Insert(vector []float32, metadata map[string]any) (uint64, error)
}

// Options configures an Ingester. Zero values select the defaults.
type Options struct {
	ChunkSize    int
	ChunkOverlap int
	Concurrency  int
}

// Report summarizes an ingestion run.
type Report struct {
	Files   int
	Chunks  int
	Skipped int
}

// Ingester turns files into indexed chunks. Every chunk is stored with its
// text under "text", the file path under "source" and its position in the
// file under "chunk".
type Ingester struct {
	index       Inserter
	embedder    embeddings.Embedder
	concurrency int
	opts        Options
}

// New creates an Ingester writing to index. Zero options select the package
// defaults.
func New(index Inserter, embedder embeddings.Embedder, opts Options) *Ingester {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Ingester{
		index:       index,
		embedder:    embedder,
		concurrency: opts.Concurrency,
		opts:        opts,
	}
}

// IngestPaths ingests every supported file under the given files and
// directories. Unsupported files are skipped; any other failure stops the run.
func (in *Ingester) IngestPaths(ctx context.Context, paths ...string) (Report, error) {
	var rep Report
	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != root && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			n, err := in.IngestFile(ctx, path)
			if errors.Is(err, ErrUnsupported) {
				slog.Debug("Skipping unsupported file", "path", path)
				rep.Skipped++
				return nil
			}
			if err != nil {
				return err
			}
			rep.Files++
			rep.Chunks += n
			return nil
		})
		if err != nil {
			return rep, err
		}
	}
	return rep, nil
}

// IngestFile loads, splits and stores one file and returns the number of
// chunks stored. All chunks are embedded before the first insert, so an
// embedding failure stores nothing from the file.
func (in *Ingester) IngestFile(ctx context.Context, path string) (int, error) {
	loader, err := LoaderFor(path)
	if err != nil {
		return 0, err
	}
	text, err := loader.Load(path)
	if err != nil {
		return 0, fmt.Errorf("failed to load %s: %w", path, err)
	}

	chunks := in.splitterFor(path).SplitText(text)
	if len(chunks) == 0 {
		slog.Debug("File has no text", "path", path)
		return 0, nil
	}

	start := time.Now()
	vectors := make([][]float32, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.concurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			vec, err := engine.Embed(gctx, in.embedder, chunk)
			if err != nil {
				return fmt.Errorf("%s chunk %d: %w", path, i, err)
			}
			vectors[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	for i, chunk := range chunks {
		meta := map[string]any{"text": chunk, "source": path, "chunk": i}
		if _, err := in.index.Insert(vectors[i], meta); err != nil {
			return i, fmt.Errorf("%s chunk %d: %w", path, i, err)
		}
	}
	slog.Info("File ingested", "path", path, "chunks", len(chunks), "duration", time.Since(start))
	return len(chunks), nil
}

func (in *Ingester) splitterFor(path string) *Splitter {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown", ".docx":
		return NewMarkdownSplitter(in.opts.ChunkSize, in.opts.ChunkOverlap)
	}
	return NewSplitter(in.opts.ChunkSize, in.opts.ChunkOverlap)
}
