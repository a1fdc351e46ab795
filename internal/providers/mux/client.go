package mux

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// AssetState is the remote transcode state of an asset.
type AssetState string

const (
	AssetPreparing AssetState = "preparing"
	AssetReady     AssetState = "ready"
	AssetErrored   AssetState = "errored"
)

// Asset identifies a remote transcode job and its playback handle.
type Asset struct {
	ID         string
	PlaybackID string
	State      AssetState
}

// Options configures the transcode API client.
type Options struct {
	TokenID     string
	TokenSecret string
	BaseURL     string
	HTTPClient  *http.Client
}

// Client wraps the streaming provider's asset API. The client is optional:
// when constructed without credentials Enabled() is false and the transcode
// manager stays dormant.
type Client struct {
	tokenID     string
	tokenSecret string
	baseURL     string
	httpClient  *http.Client
}

type createAssetRequest struct {
	Input          []assetInput `json:"input"`
	PlaybackPolicy []string     `json:"playback_policy"`
}

type assetInput struct {
	URL string `json:"url"`
}

type assetResponse struct {
	Data struct {
		ID          string `json:"id"`
		Status      string `json:"status"`
		PlaybackIDs []struct {
			ID string `json:"id"`
		} `json:"playback_ids"`
	} `json:"data"`
	Error struct {
		Type     string   `json:"type"`
		Messages []string `json:"messages"`
	} `json:"error"`
}

// NewClient constructs a transcode client.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.mux.com"
	}
	return &Client{
		tokenID:     strings.TrimSpace(opts.TokenID),
		tokenSecret: strings.TrimSpace(opts.TokenSecret),
		baseURL:     baseURL,
		httpClient:  httpClient,
	}
}

// Enabled reports whether the client holds credentials.
func (c *Client) Enabled() bool {
	return c != nil && c.tokenID != "" && c.tokenSecret != ""
}

// CreateAsset submits a source URL for transcoding and returns the asset
// identifiers.
func (c *Client) CreateAsset(ctx context.Context, sourceURL string) (*Asset, error) {
	if !c.Enabled() {
		return nil, errors.New("mux: client not configured")
	}
	if strings.TrimSpace(sourceURL) == "" {
		return nil, errors.New("mux: source url is required")
	}
	payload := createAssetRequest{
		Input:          []assetInput{{URL: sourceURL}},
		PlaybackPolicy: []string{"public"},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("mux: encode request: %w", err)
	}
	decoded, err := c.do(ctx, http.MethodPost, "/video/v1/assets", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	asset := toAsset(decoded)
	if asset.ID == "" {
		return nil, errors.New("mux: empty asset id")
	}
	return asset, nil
}

// AssetStatus fetches the current transcode state of an asset.
func (c *Client) AssetStatus(ctx context.Context, assetID string) (*Asset, error) {
	if !c.Enabled() {
		return nil, errors.New("mux: client not configured")
	}
	assetID = strings.TrimSpace(assetID)
	if assetID == "" {
		return nil, errors.New("mux: asset id is required")
	}
	decoded, err := c.do(ctx, http.MethodGet, "/video/v1/assets/"+assetID, nil)
	if err != nil {
		return nil, err
	}
	return toAsset(decoded), nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*assetResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("mux: build request: %w", err)
	}
	req.SetBasicAuth(c.tokenID, c.tokenSecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mux: http request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("mux: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var decoded assetResponse
		if err := json.Unmarshal(raw, &decoded); err == nil && len(decoded.Error.Messages) > 0 {
			return nil, fmt.Errorf("mux: %s (%s)", strings.Join(decoded.Error.Messages, "; "), decoded.Error.Type)
		}
		return nil, fmt.Errorf("mux: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var decoded assetResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("mux: decode response: %w", err)
	}
	return &decoded, nil
}

func toAsset(resp *assetResponse) *Asset {
	asset := &Asset{ID: resp.Data.ID}
	switch strings.ToLower(resp.Data.Status) {
	case "ready":
		asset.State = AssetReady
	case "errored":
		asset.State = AssetErrored
	default:
		asset.State = AssetPreparing
	}
	if len(resp.Data.PlaybackIDs) > 0 {
		asset.PlaybackID = resp.Data.PlaybackIDs[0].ID
	}
	return asset
}
