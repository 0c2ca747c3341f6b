// Package client talks to the upstream project generator and metadata
// services over HTTP.
package client

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/preview/pkg/models"
	"github.com/fruitsalade/preview/pkg/protocol"
)

// Client calls the generator and metadata services. It does not retry;
// callers wrap Generate in their own retry envelope and rely on
// UpstreamError.Retryable.
type Client struct {
	generatorURL string
	metadataURL  string
	httpClient   *http.Client
	log          *zap.Logger

	mu       sync.RWMutex
	online   bool
	lastPing time.Time
}

// Config holds client configuration.
type Config struct {
	GeneratorURL string
	MetadataURL  string // Defaults to GeneratorURL
	Timeout      time.Duration
	Logger       *zap.Logger
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MetadataURL == "" {
		cfg.MetadataURL = cfg.GeneratorURL
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Client{
		generatorURL: strings.TrimSuffix(cfg.GeneratorURL, "/"),
		metadataURL:  strings.TrimSuffix(cfg.MetadataURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		log:    cfg.Logger,
		online: true,
	}
}

// IsOnline returns true if the last upstream call reached the server.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			c.log.Info("generator is back online")
		} else {
			c.log.Warn("generator is offline")
		}
	}
	c.online = online
	c.lastPing = time.Now()
}

// Ping checks if the generator is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.generatorURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.setOnline(false)
		return fmt.Errorf("generator returned %d", resp.StatusCode)
	}

	c.setOnline(true)
	return nil
}

// Generate asks the generator for the files of one normalized request.
func (c *Client) Generate(ctx context.Context, in protocol.GenerateRequest) ([]models.SnapshotFile, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.generatorURL+"/api/v1/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")

	var out protocol.GenerateResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out.Files, nil
}

// FetchMetadata loads the generator's option catalogue.
func (c *Client) FetchMetadata(ctx context.Context) (*models.Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.metadataURL+"/api/v1/metadata", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Encoding", "gzip")

	var out models.Metadata
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		if req.Context().Err() != nil {
			return req.Context().Err()
		}
		return Unavailable("transport", err.Error(), err)
	}
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return Unavailable("bad_encoding", err.Error(), err)
		}
		defer gr.Close()
		reader = gr
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.setOnline(resp.StatusCode < 500)
		return statusError(resp.StatusCode, reader)
	}
	c.setOnline(true)

	if err := json.NewDecoder(reader).Decode(out); err != nil {
		return Unavailable("bad_response", "decode response: "+err.Error(), err)
	}
	return nil
}

// statusError converts a non-2xx response into an UpstreamError. A
// structured body wins; otherwise 5xx, 408 and 429 are retryable and any
// other status is a rejection.
func statusError(status int, body io.Reader) error {
	data, _ := io.ReadAll(io.LimitReader(body, 64*1024))

	var ge protocol.GenerateError
	if json.Unmarshal(data, &ge) == nil && (ge.Code != "" || ge.Message != "") {
		return &UpstreamError{
			Code:      ge.Code,
			Message:   ge.Message,
			Status:    status,
			Transient: ge.Retryable,
		}
	}

	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = http.StatusText(status)
	}
	transient := status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout
	return &UpstreamError{
		Code:      fmt.Sprintf("http_%d", status),
		Message:   msg,
		Status:    status,
		Transient: transient,
	}
}
