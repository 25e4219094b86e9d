package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/jkaflik/hass-sampler/internal/entry"
)

// Client talks to a running service. Failed requests return *Error.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) ListEntries(ctx context.Context) ([]EntryResponse, error) {
	var entries []EntryResponse
	err := c.do(ctx, http.MethodGet, "/api/entries", nil, &entries)
	return entries, err
}

func (c *Client) GetEntry(ctx context.Context, id string) (*EntryResponse, error) {
	var e EntryResponse
	if err := c.do(ctx, http.MethodGet, "/api/entries/"+url.PathEscape(id), nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *Client) CreateEntry(ctx context.Context, in entry.CreateInput) (*EntryResponse, error) {
	var e EntryResponse
	if err := c.do(ctx, http.MethodPost, "/api/entries", in, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *Client) UpdateOptions(ctx context.Context, id string, in entry.OptionsInput) (*EntryResponse, error) {
	var e EntryResponse
	if err := c.do(ctx, http.MethodPatch, "/api/entries/"+url.PathEscape(id)+"/options", in, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *Client) DeleteEntry(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/entries/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ConfigSchema(ctx context.Context) (*entry.Schema, error) {
	var schema entry.Schema
	if err := c.do(ctx, http.MethodGet, "/api/flows/config", nil, &schema); err != nil {
		return nil, err
	}
	return &schema, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &Error{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Code == "" {
			apiErr.Code = ErrCodeInternal
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
