// Package pinning talks to the hosted pinning gateway that persists content
// on IPFS infrastructure. One call, one attempt: the orchestrator treats any
// failure here as terminal for the upload.
package pinning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/etherith-archive/etherith/internal/model"
)

// Metadata travels alongside the file so the gateway can label the pin.
type Metadata struct {
	Name       string `json:"name"`
	Note       string `json:"note"`
	Type       string `json:"type"`
	Visibility string `json:"visibility"`
	UserID     string `json:"userId,omitempty"`
}

// Result is the successful gateway response.
type Result struct {
	CID    string
	Pinned bool
	Proof  model.PinProof
}

// Pinner is implemented by the HTTP client and by test fakes.
type Pinner interface {
	Pin(ctx context.Context, fileName string, content io.Reader, meta Metadata) (*Result, error)
}

// Client posts multipart uploads to the configured gateway endpoint.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
}

// NewClient constructs a Client. The token is sent as a bearer credential
// when non-empty.
func NewClient(endpoint, token string) *Client {
	return &Client{
		endpoint: endpoint,
		token:    token,
		http:     &http.Client{},
	}
}

type gatewayResponse struct {
	Success bool   `json:"success"`
	CID     string `json:"cid"`
	Proof   struct {
		GatewayURL string    `json:"gatewayUrl"`
		Pinned     bool      `json:"pinned"`
		Timestamp  time.Time `json:"timestamp"`
	} `json:"proof"`
	Error string `json:"error"`
}

// Pin uploads the file plus metadata and returns the assigned CID and proof.
func (c *Client) Pin(ctx context.Context, fileName string, content io.Reader, meta Metadata) (*Result, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, fmt.Errorf("copy file content: %w", err)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	if err := writer.WriteField("metadata", string(metaJSON)); err != nil {
		return nil, fmt.Errorf("write metadata field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("build pin request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pin request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("pinning gateway returned status %d", resp.StatusCode)
	}
	var decoded gatewayResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode pin response: %w", err)
	}
	if !decoded.Success {
		if decoded.Error == "" {
			decoded.Error = "pinning gateway reported failure"
		}
		return nil, fmt.Errorf("pinning gateway: %s", decoded.Error)
	}
	if decoded.CID == "" {
		return nil, fmt.Errorf("pinning gateway returned no cid")
	}
	return &Result{
		CID:    decoded.CID,
		Pinned: decoded.Proof.Pinned,
		Proof: model.PinProof{
			GatewayURL: decoded.Proof.GatewayURL,
			Pinned:     decoded.Proof.Pinned,
			Timestamp:  decoded.Proof.Timestamp,
		},
	}, nil
}
