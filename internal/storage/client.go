package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/config"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/errors"
)

// Client talks to the off-chain content-addressed object store. Files are
// addressed by locator; the ledger only ever sees their hashes.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a storage client.
func NewClient(cfg config.StorageConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: cfg.URL,
		http:    &http.Client{Timeout: timeout},
	}
}

type putResponse struct {
	Locator string `json:"locator"`
}

// Put stores content and returns its locator.
func (c *Client) Put(ctx context.Context, content []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/objects", bytes.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Unavailable("object store unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", errors.Unavailable(fmt.Sprintf("object store returned %d", resp.StatusCode), nil)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("object store rejected upload: %d", resp.StatusCode)
	}

	var out putResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("invalid object store response: %w", err)
	}
	if out.Locator == "" {
		return "", fmt.Errorf("object store returned no locator")
	}
	return out.Locator, nil
}

// Get fetches content by locator.
func (c *Client) Get(ctx context.Context, locator string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.objectURL(locator), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Unavailable("object store unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.NotFound("object", locator)
	case resp.StatusCode >= 500:
		return nil, errors.Unavailable(fmt.Sprintf("object store returned %d", resp.StatusCode), nil)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("object store returned %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

// Has reports whether a locator resolves without fetching the content.
func (c *Client) Has(ctx context.Context, locator string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.objectURL(locator), nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, errors.Unavailable("object store unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 500:
		return false, errors.Unavailable(fmt.Sprintf("object store returned %d", resp.StatusCode), nil)
	default:
		return false, fmt.Errorf("object store returned %d", resp.StatusCode)
	}
}

func (c *Client) objectURL(locator string) string {
	return c.baseURL + "/api/v1/objects/" + locator
}

// Hash returns the hex-encoded SHA-256 digest of content, the form stored in
// document records and anchored on the ledger.
func Hash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
