package mcp

// --- Tool Arguments ---

type AddDocumentArgs struct {
	Text     string         `json:"text" jsonschema:"The document text to embed and store"`
	Metadata map[string]any `json:"metadata,omitempty" jsonschema:"Optional metadata stored with the document and usable in search filters"`
}

type AddDocumentResult struct {
	ID     uint64 `json:"id"`
	Status string `json:"status"`
}

type SearchDocumentsArgs struct {
	Query  string `json:"query" jsonschema:"The semantic query to search for"`
	K      int    `json:"k,omitempty" jsonschema:"Max number of results (default 5)"`
	Filter string `json:"filter,omitempty" jsonschema:"Metadata filter, e.g. source='faq' AND year>=2020"`
}

type SearchDocumentsResult struct {
	Results []Document `json:"results"`
}

// Document is a search hit formatted for the model.
type Document struct {
	ID         uint64         `json:"id"`
	Similarity float64        `json:"similarity"`
	Text       string         `json:"text,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type IndexStatsArgs struct{}

type IndexStatsResult struct {
	Name       string `json:"name"`
	Dimension  int    `json:"dimension"`
	Live       int    `json:"live"`
	Tombstones int    `json:"tombstones"`
}
