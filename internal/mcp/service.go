package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"maps"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sanonone/kektorvec/pkg/embeddings"
	"github.com/sanonone/kektorvec/pkg/engine"
	"github.com/sanonone/kektorvec/pkg/query"
)

// DefaultK is the number of results returned when the caller sets none.
const DefaultK = 5

// Service implements the MCP tools on top of an engine. Text is embedded with
// embedder before it reaches the index.
type Service struct {
	engine   *engine.Engine
	embedder embeddings.Embedder
}

// NewService creates a Service for eng.
func NewService(eng *engine.Engine, emb embeddings.Embedder) *Service {
	return &Service{
		engine:   eng,
		embedder: emb,
	}
}

// --- Tool Handlers ---

func (s *Service) AddDocument(ctx context.Context, req *mcp.CallToolRequest, args AddDocumentArgs) (*mcp.CallToolResult, AddDocumentResult, error) {
	if args.Text == "" {
		return nil, AddDocumentResult{}, fmt.Errorf("text is required")
	}

	meta := maps.Clone(args.Metadata)
	if meta == nil {
		meta = make(map[string]any, 1)
	}
	if _, ok := meta["source"]; !ok {
		meta["source"] = "mcp"
	}

	id, err := s.engine.InsertText(ctx, s.embedder, args.Text, meta)
	if err != nil {
		return nil, AddDocumentResult{}, err
	}
	slog.Debug("MCP document added", "id", id)
	return nil, AddDocumentResult{ID: id, Status: "saved"}, nil
}

func (s *Service) SearchDocuments(ctx context.Context, req *mcp.CallToolRequest, args SearchDocumentsArgs) (*mcp.CallToolResult, SearchDocumentsResult, error) {
	k := args.K
	if k <= 0 {
		k = DefaultK
	}
	filter, err := query.ParseFilter(args.Filter)
	if err != nil {
		return nil, SearchDocumentsResult{}, err
	}

	results, err := s.engine.SearchText(ctx, s.embedder, args.Query, k, filter)
	if err != nil {
		return nil, SearchDocumentsResult{}, err
	}

	docs := make([]Document, 0, len(results))
	for _, r := range results {
		doc := Document{ID: r.ID, Similarity: r.Similarity, Metadata: r.Metadata}
		if text, ok := r.Metadata["text"].(string); ok {
			doc.Text = text
			delete(doc.Metadata, "text")
		}
		docs = append(docs, doc)
	}
	return nil, SearchDocumentsResult{Results: docs}, nil
}

func (s *Service) IndexStats(ctx context.Context, req *mcp.CallToolRequest, args IndexStatsArgs) (*mcp.CallToolResult, IndexStatsResult, error) {
	st := s.engine.Stats()
	return nil, IndexStatsResult{
		Name:       st.Name,
		Dimension:  st.Dimension,
		Live:       st.Live,
		Tombstones: st.Tombstones,
	}, nil
}
