// Package docstore talks to the hosted collaborative document service.
// Proposals edited collaboratively keep their content fields in named
// fragments of a hosted document; once a proposal has one, the hosted copy
// is authoritative for content. The service being unreachable is never an
// error for callers — they fall back to locally stored fields.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// ErrNotFound is returned when the document does not exist (or the service
// answered 404). Callers treat it the same as a fetch failure: use local data.
var ErrNotFound = errors.New("document not found")

// Document is a hosted collaborative document: named ProseMirror fragments.
// System fields live at fixed fragment names (title, description); dynamic
// template fields use their property key as the fragment name.
type Document struct {
	ID        string                     `json:"id"`
	Fragments map[string]json.RawMessage `json:"fragments"`
}

type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a docstore client. baseURL may be empty, in which case every
// fetch reports ErrNotFound and callers use local data (legacy deployments
// without a collaboration service).
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// GetDocument fetches a hosted document by id. The call is time-bounded by
// the client timeout and the caller's context.
func (c *Client) GetDocument(ctx context.Context, docID string) (*Document, error) {
	if c == nil || c.baseURL == "" {
		return nil, ErrNotFound
	}
	endpoint := fmt.Sprintf("%s/documents/%s", c.baseURL, url.PathEscape(docID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build docstore request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch document %s: %w", docID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch document %s: status %d", docID, resp.StatusCode)
	}

	var doc Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", docID, err)
	}
	if doc.ID == "" {
		doc.ID = docID
	}
	return &doc, nil
}

// FragmentText extracts the plain text of a named fragment. Returns ok=false
// when the fragment is absent or not decodable.
func (d *Document) FragmentText(name string) (string, bool) {
	if d == nil || d.Fragments == nil {
		return "", false
	}
	raw, ok := d.Fragments[name]
	if !ok {
		return "", false
	}
	var node map[string]any
	if err := json.Unmarshal(raw, &node); err != nil {
		return "", false
	}
	return NodeText(node), true
}

// FragmentHTML renders a named fragment as HTML for display/export.
func (d *Document) FragmentHTML(name string) (string, bool) {
	if d == nil || d.Fragments == nil {
		return "", false
	}
	raw, ok := d.Fragments[name]
	if !ok {
		return "", false
	}
	var node map[string]any
	if err := json.Unmarshal(raw, &node); err != nil {
		return "", false
	}
	return NodeHTML(node), true
}
