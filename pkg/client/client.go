// Package client provides a Go client for the kektorvec HTTP API.
//
// It covers vector operations (Add, AddText, Get, Delete, Search, SearchText)
// and administration (Compact, Save, Stats). Error responses are returned as
// *APIError carrying the HTTP status and the server message.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// --- Custom Errors ---

// APIError represents an error returned by the API (status >= 400).
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// --- JSON Structs ---

// Vector is a stored record.
type Vector struct {
	ID       uint64         `json:"id"`
	Vector   []float32      `json:"vector"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Result is a single ranked search hit.
type Result struct {
	ID         uint64         `json:"id"`
	Similarity float64        `json:"similarity"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// SearchOptions tunes a search. The zero value uses the server defaults.
type SearchOptions struct {
	EfSearch int
	// Filter uses the server's metadata filter grammar, e.g. "year>=2020".
	Filter string
}

// Stats mirrors the server's index statistics.
type Stats struct {
	Name           string `json:"name"`
	Dimension      int    `json:"dimension"`
	Metric         string `json:"metric"`
	Precision      string `json:"precision"`
	M              int    `json:"m"`
	EfConstruction int    `json:"ef_construction"`
	EfSearch       int    `json:"ef_search"`
	Live           int    `json:"live"`
	Tombstones     int    `json:"tombstones"`
	Nodes          int    `json:"nodes"`
	EntryPoint     uint64 `json:"entry_point"`
	MaxLevel       int    `json:"max_level"`
	NextID         uint64 `json:"next_id"`
}

type addRequest struct {
	Vector   []float32      `json:"vector,omitempty"`
	Text     string         `json:"text,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type searchRequest struct {
	Vector   []float32 `json:"vector,omitempty"`
	Text     string    `json:"text,omitempty"`
	K        int       `json:"k"`
	EfSearch int       `json:"ef_search,omitempty"`
	Filter   string    `json:"filter,omitempty"`
}

type searchResponse struct {
	Results []Result `json:"results"`
}

// --- Client ---

// Client talks to a kektorvec server.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a client for the server at baseURL, e.g. "http://localhost:9091".
// An empty apiKey sends no Authorization header.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// jsonRequest executes a request against the API. It handles JSON
// serialization, authentication and error decoding. A nil out skips decoding.
func (c *Client) jsonRequest(ctx context.Context, method, endpoint string, payload, out any) error {
	var reqBody io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal JSON payload: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connection error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp map[string]string
		if json.Unmarshal(respBody, &errResp) == nil && errResp["error"] != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: errResp["error"]}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// --- Vector Methods ---

// Add stores a vector and returns its id.
func (c *Client) Add(ctx context.Context, vector []float32, metadata map[string]any) (uint64, error) {
	return c.add(ctx, addRequest{Vector: vector, Metadata: metadata})
}

// AddText asks the server to embed text and store the vector.
func (c *Client) AddText(ctx context.Context, text string, metadata map[string]any) (uint64, error) {
	return c.add(ctx, addRequest{Text: text, Metadata: metadata})
}

func (c *Client) add(ctx context.Context, req addRequest) (uint64, error) {
	var resp struct {
		ID uint64 `json:"id"`
	}
	if err := c.jsonRequest(ctx, http.MethodPost, "/vectors", req, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// Get retrieves a live vector by id.
func (c *Client) Get(ctx context.Context, id uint64) (Vector, error) {
	var v Vector
	err := c.jsonRequest(ctx, http.MethodGet, "/vectors/"+strconv.FormatUint(id, 10), nil, &v)
	return v, err
}

// Delete removes a vector. Deleting a missing id returns an *APIError with
// status 404.
func (c *Client) Delete(ctx context.Context, id uint64) error {
	return c.jsonRequest(ctx, http.MethodDelete, "/vectors/"+strconv.FormatUint(id, 10), nil, nil)
}

// Search returns the k vectors most similar to query.
func (c *Client) Search(ctx context.Context, query []float32, k int, opts SearchOptions) ([]Result, error) {
	return c.search(ctx, searchRequest{Vector: query, K: k, EfSearch: opts.EfSearch, Filter: opts.Filter})
}

// SearchText asks the server to embed text and search with it.
func (c *Client) SearchText(ctx context.Context, text string, k int, opts SearchOptions) ([]Result, error) {
	return c.search(ctx, searchRequest{Text: text, K: k, EfSearch: opts.EfSearch, Filter: opts.Filter})
}

func (c *Client) search(ctx context.Context, req searchRequest) ([]Result, error) {
	var resp searchResponse
	if err := c.jsonRequest(ctx, http.MethodPost, "/search", req, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// --- System Methods ---

// Compact removes deleted vectors from the index and returns how many.
func (c *Client) Compact(ctx context.Context) (int, error) {
	var resp struct {
		Removed int `json:"removed"`
	}
	err := c.jsonRequest(ctx, http.MethodPost, "/system/compact", nil, &resp)
	return resp.Removed, err
}

// Save makes the server write a snapshot.
func (c *Client) Save(ctx context.Context) error {
	return c.jsonRequest(ctx, http.MethodPost, "/system/save", nil, nil)
}

// Stats returns the index statistics.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := c.jsonRequest(ctx, http.MethodGet, "/system/stats", nil, &s)
	return s, err
}
