package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Overview fetches the combined "mine" plus "shared with me" collections in
// one call. The notification reducer uses it for full resyncs.
func (c *Client) Overview(ctx context.Context) (OverviewResponse, error) {
	var out OverviewResponse
	err := c.doJSON(ctx, http.MethodGet, "/documents/overview", c.bearer(), nil, &out)
	if out.Mine == nil {
		out.Mine = []DocumentSummary{}
	}
	if out.SharedWithMe == nil {
		out.SharedWithMe = []SharedDocument{}
	}
	return out, err
}

func (c *Client) ListDocuments(ctx context.Context) ([]DocumentSummary, error) {
	var out []DocumentSummary
	err := c.doJSON(ctx, http.MethodGet, "/documents", c.bearer(), nil, &out)
	if out == nil {
		out = []DocumentSummary{}
	}
	return out, err
}

func (c *Client) GetDocument(ctx context.Context, id int64) (Document, error) {
	var out Document
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/documents/%d", id), c.bearer(), nil, &out)
	return out, err
}

func (c *Client) CreateDocument(ctx context.Context, title, description string) (DocumentSummary, error) {
	body := map[string]string{"title": title, "description": description}
	var out DocumentSummary
	err := c.doJSON(ctx, http.MethodPost, "/documents", c.bearer(), body, &out)
	return out, err
}

type UpdateDocumentRequest struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Content     json.RawMessage `json:"content"`
}

func (c *Client) UpdateDocument(ctx context.Context, id int64, req UpdateDocumentRequest) error {
	return c.doJSON(ctx, http.MethodPut, fmt.Sprintf("/documents/%d", id), c.bearer(), req, nil)
}

func (c *Client) DeleteDocument(ctx context.Context, id int64) error {
	return c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/documents/%d", id), c.bearer(), nil, nil)
}

// Summarize asks the server to summarize a document. It is a long-running
// call; cancel the context to abort it.
func (c *Client) Summarize(ctx context.Context, id int64) (string, error) {
	var out struct {
		Summary string `json:"summary"`
	}
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/documents/%d/summary", id), c.bearer(), nil, &out)
	return out.Summary, err
}

func (c *Client) SearchUsers(ctx context.Context, query string) ([]UserSummary, error) {
	var out []UserSummary
	err := c.doJSON(ctx, http.MethodGet, "/users/search?q="+url.QueryEscape(query), c.bearer(), nil, &out)
	if out == nil {
		out = []UserSummary{}
	}
	return out, err
}
