// Package moderation classifies memories bound for the public archive. A
// remote gateway does the real classification; when no endpoint is
// configured the built-in heuristic checker stands in so standalone nodes
// can moderate offline.
package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/etherith-archive/etherith/internal/model"
)

// Request carries the text and identity of the content under review.
type Request struct {
	MemoryNote string `json:"memoryNote"`
	FileName   string `json:"fileName"`
	FileType   string `json:"fileType"`
	CID        string `json:"cid"`
}

// Moderator is implemented by the HTTP client, the heuristic checker, and
// test fakes.
type Moderator interface {
	Moderate(ctx context.Context, req Request) (*model.ModerationResult, error)
}

// Client posts review requests to the hosted moderation gateway.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient constructs a Client.
func NewClient(endpoint string) *Client {
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{},
	}
}

type gatewayResponse struct {
	Success    bool                   `json:"success"`
	Moderation model.ModerationResult `json:"moderation"`
	Error      string                 `json:"error"`
}

// Moderate submits the request and returns the gateway verdict. A transport
// or decode failure is an error; a rejection is a valid result.
func (c *Client) Moderate(ctx context.Context, req Request) (*model.ModerationResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal moderation request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build moderation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("moderation request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("moderation gateway returned status %d", resp.StatusCode)
	}
	var decoded gatewayResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode moderation response: %w", err)
	}
	if !decoded.Success {
		if decoded.Error == "" {
			decoded.Error = "moderation gateway reported failure"
		}
		return nil, fmt.Errorf("moderation gateway: %s", decoded.Error)
	}
	result := decoded.Moderation
	return &result, nil
}
