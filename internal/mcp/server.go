package mcp

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sanonone/kektorvec/pkg/embeddings"
	"github.com/sanonone/kektorvec/pkg/engine"
)

// Version is reported to MCP clients.
const Version = "0.1.0"

// NewMCPServer exposes the index as MCP tools. Run it with
// server.Run(ctx, &mcp.StdioTransport{}).
func NewMCPServer(eng *engine.Engine, embedder embeddings.Embedder) *mcp.Server {
	service := NewService(eng, embedder)

	s := mcp.NewServer(&mcp.Implementation{
		Name:    "kektorvec",
		Version: Version,
	}, nil)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "add_document",
		Description: "Embed a text document and store it in the vector index.",
	}, service.AddDocument)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "search_documents",
		Description: "Search stored documents semantically by query, optionally filtered by metadata.",
	}, service.SearchDocuments)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "index_stats",
		Description: "Report how many documents the index holds.",
	}, service.IndexStats)

	return s
}
