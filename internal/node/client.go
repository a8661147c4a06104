package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chunkvault/chunkvault/pkg/errtypes"
)

// Client is the coordinator-side HTTP client for storage nodes. One client
// serves every node; methods take the node base URL.
type Client struct {
	httpClient *http.Client
}

// NewClient builds a client with the per-request I/O timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
	}
}

func chunkURL(baseURL, id string) string {
	return strings.TrimRight(baseURL, "/") + "/chunk/" + id
}

// PutChunk uploads data under id and returns the node's put report.
func (c *Client) PutChunk(ctx context.Context, baseURL, id string, data []byte) (*PutResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, chunkURL(baseURL, id), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build put request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errtypes.Transient{Err: fmt.Errorf("put chunk %s to %s: %w", id, baseURL, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, errtypes.Transient{Err: fmt.Errorf("put chunk %s to %s: %s - %s", id, baseURL, resp.Status, string(body))}
	}

	var out PutResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errtypes.Transient{Err: fmt.Errorf("decode put response from %s: %w", baseURL, err)}
	}
	return &out, nil
}

// GetChunk streams the chunk body. The caller closes the reader.
func (c *Client) GetChunk(ctx context.Context, baseURL, id string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, chunkURL(baseURL, id), nil)
	if err != nil {
		return nil, fmt.Errorf("build get request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errtypes.Transient{Err: fmt.Errorf("get chunk %s from %s: %w", id, baseURL, err)}
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, errtypes.NotFound("chunk " + id + " on " + baseURL)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errtypes.Transient{Err: fmt.Errorf("get chunk %s from %s: %s", id, baseURL, resp.Status)}
	}
	return resp.Body, nil
}

// DeleteChunk unlinks the chunk, best effort on the node side.
func (c *Client) DeleteChunk(ctx context.Context, baseURL, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, chunkURL(baseURL, id), nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errtypes.Transient{Err: fmt.Errorf("delete chunk %s on %s: %w", id, baseURL, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return errtypes.Transient{Err: fmt.Errorf("delete chunk %s on %s: %s", id, baseURL, resp.Status)}
	}
	return nil
}

// ChunkInfo returns existence and size of a chunk on a node.
func (c *Client) ChunkInfo(ctx context.Context, baseURL, id string) (*InfoResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, chunkURL(baseURL, id)+"/info", nil)
	if err != nil {
		return nil, fmt.Errorf("build info request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errtypes.Transient{Err: fmt.Errorf("chunk info %s on %s: %w", id, baseURL, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return nil, errtypes.Transient{Err: fmt.Errorf("chunk info %s on %s: %s", id, baseURL, resp.Status)}
	}

	var out InfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errtypes.Transient{Err: fmt.Errorf("decode info response from %s: %w", baseURL, err)}
	}
	return &out, nil
}

// Health issues the liveness probe. The context carries the probe timeout.
func (c *Client) Health(ctx context.Context, baseURL string) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(baseURL, "/")+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("build health request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errtypes.Transient{Err: fmt.Errorf("health of %s: %w", baseURL, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errtypes.Transient{Err: fmt.Errorf("health of %s: %s", baseURL, resp.Status)}
	}

	var out HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errtypes.Transient{Err: fmt.Errorf("decode health response from %s: %w", baseURL, err)}
	}
	return &out, nil
}
