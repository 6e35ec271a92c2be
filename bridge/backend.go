// Package bridge connects a gateway node to the external fleet backend: it
// polls for approved firmware rollouts, streams firmware chunks on demand,
// and reports per-node progress back, buffering reports through the store
// outbox when the backend is unreachable.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Update is one firmware rollout the backend wants distributed.
type Update struct {
	ID         string `json:"id"`
	FirmwareID string `json:"firmware_id"`
	NodeType   string `json:"node_type"`
	Hardware   string `json:"hardware"`
	MD5        string `json:"md5"`
	SizeBytes  int64  `json:"size_bytes"`
	Force      bool   `json:"force"`
	Status     string `json:"status"`
}

// NodeReport is one node's transfer progress, as the backend sees it.
type NodeReport struct {
	CurrentPart int    `json:"current_part"`
	TotalParts  int    `json:"total_parts"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
}

// Backend is the external control plane contract.
type Backend interface {
	PendingUpdates(ctx context.Context) ([]Update, error)
	MarkStarted(ctx context.Context, updateID string) error
	// FetchChunk reads one byte range of a firmware image. Implementations
	// must never require the whole image in memory.
	FetchChunk(ctx context.Context, firmwareID string, offset, length int64) ([]byte, error)
	ReportProgress(ctx context.Context, updateID, node string, r NodeReport) error
	Complete(ctx context.Context, updateID string) error
	Fail(ctx context.Context, updateID, reason string) error
}

// HTTPBackend talks to the backend's REST API.
type HTTPBackend struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// NewHTTPBackend creates a client with a bounded request timeout so a slow
// backend cannot stall the node tick.
func NewHTTPBackend(baseURL, apiKey string) *HTTPBackend {
	return &HTTPBackend{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (b *HTTPBackend) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("backend: encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.BaseURL+path, rd)
	if err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.APIKey != "" {
		req.Header.Set("X-API-Key", b.APIKey)
	}
	resp, err := b.Client.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("backend: %s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("backend: decode response: %w", err)
		}
	}
	return nil
}

func (b *HTTPBackend) PendingUpdates(ctx context.Context) ([]Update, error) {
	var out []Update
	if err := b.do(ctx, http.MethodGet, "/api/v1/ota/updates/pending", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *HTTPBackend) MarkStarted(ctx context.Context, updateID string) error {
	return b.do(ctx, http.MethodPost, "/api/v1/ota/updates/"+updateID+"/start", nil, nil)
}

func (b *HTTPBackend) FetchChunk(ctx context.Context, firmwareID string, offset, length int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.BaseURL+"/api/v1/ota/firmware/"+firmwareID, nil)
	if err != nil {
		return nil, fmt.Errorf("backend: %w", err)
	}
	if b.APIKey != "" {
		req.Header.Set("X-API-Key", b.APIKey)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	resp, err := b.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: fetch %s @%d: %w", firmwareID, offset, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend: fetch %s @%d: status %d", firmwareID, offset, resp.StatusCode)
	}
	if resp.StatusCode == http.StatusOK {
		// Backend ignored the Range header and is streaming the whole
		// image; skip up to the requested window.
		if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
			return nil, fmt.Errorf("backend: fetch %s @%d: %w", firmwareID, offset, err)
		}
	}
	return io.ReadAll(io.LimitReader(resp.Body, length))
}

func (b *HTTPBackend) ReportProgress(ctx context.Context, updateID, node string, r NodeReport) error {
	return b.do(ctx, http.MethodPost, "/api/v1/ota/updates/"+updateID+"/node/"+node+"/progress", r, nil)
}

func (b *HTTPBackend) Complete(ctx context.Context, updateID string) error {
	return b.do(ctx, http.MethodPost, "/api/v1/ota/updates/"+updateID+"/complete", nil, nil)
}

func (b *HTTPBackend) Fail(ctx context.Context, updateID, reason string) error {
	return b.do(ctx, http.MethodPost, "/api/v1/ota/updates/"+updateID+"/fail",
		map[string]string{"reason": reason}, nil)
}

var _ Backend = (*HTTPBackend)(nil)
