// Package api implements the JSON-over-HTTPS client for the card
// orchestration service: request/response plumbing, endpoint templates,
// localized text handling, and the device-identify fallback lookup.
package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
)

// DefaultBaseURL is the production endpoint of the orchestration service.
// The CARD_API_URL environment variable overrides it.
const DefaultBaseURL = "https://api.cardservices.example.com/v2/"

// EnvBaseURL is the environment variable overriding the API base URL.
const EnvBaseURL = "CARD_API_URL"

// Endpoint templates, relative to the base URL.
const (
	DevicesURL        = "devices/%s?batchId=%s"
	IdentifyURL       = "devices/identify?cplc=%s"
	ServiceForCardURL = "apps/%s/services/%s?cin=%s"
	ServiceRecipeURL  = "apps/%s/services/%s/recipe"
	ServiceDeliverURL = "service/deliver"
	ServiceFetchURL   = "service/fetch"
	ConnectorURL      = "connector/json"
	DeliveryErrorURL  = "service/deliveryError"
)

// RemoteError is a non-2xx response from the orchestration service, carrying
// the HTTP status and the response body text verbatim.
type RemoteError struct {
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.StatusCode, e.Body)
}

// Config carries everything a Client needs. All fields except BaseURL are
// optional.
type Config struct {
	// BaseURL of the orchestration service, ending in a slash. Empty selects
	// DefaultBaseURL or the CARD_API_URL environment override.
	BaseURL string

	// AppID and AppKey enable HTTP basic authentication. AppID is 4 bytes
	// and AppKey 16 bytes, both hex-encoded.
	AppID  string
	AppKey string

	// HTTPClient overrides http.DefaultClient.
	HTTPClient *http.Client

	// Dump receives a plaintext trace of every request and response.
	Dump io.Writer

	// Log receives structured client events. Nil discards them.
	Log *slog.Logger
}

// Client talks JSON over HTTPS to the orchestration service. GET requests
// carry no body; POST requests carry a JSON object. A 204 response means
// "no content / not ready yet" and is reported as a nil document, distinct
// from any error.
type Client struct {
	baseURL string
	appID   string
	appKey  string
	http    *http.Client
	dump    io.Writer
	log     *slog.Logger
}

// NewClient validates the configuration and builds a client.
func NewClient(cfg Config) (*Client, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
		if env := os.Getenv(EnvBaseURL); env != "" {
			baseURL = env
		}
	}

	if (cfg.AppID == "") != (cfg.AppKey == "") {
		return nil, fmt.Errorf("appId and appKey must be supplied together")
	}
	if cfg.AppID != "" {
		if id, err := hex.DecodeString(cfg.AppID); err != nil || len(id) != 4 {
			return nil, fmt.Errorf("appId must be 4 bytes long (8 hex characters)")
		}
		if key, err := hex.DecodeString(cfg.AppKey); err != nil || len(key) != 16 {
			return nil, fmt.Errorf("appKey must be 16 bytes long (32 hex characters)")
		}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Log
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Client{
		baseURL: baseURL,
		appID:   cfg.AppID,
		appKey:  cfg.AppKey,
		http:    httpClient,
		dump:    cfg.Dump,
		log:     logger,
	}, nil
}

// AppID returns the application id the client authenticates as, or "".
func (c *Client) AppID() string {
	return c.appID
}

// AuthHeader returns the authentication header the client sends, for
// transports that bypass the HTTP methods below. Nil when the client is
// anonymous.
func (c *Client) AuthHeader() http.Header {
	if c.appID == "" {
		return nil
	}
	header := make(http.Header)
	header.Set("Authorization", "Basic "+
		base64.StdEncoding.EncodeToString([]byte(c.appID+":"+c.appKey)))
	return header
}

// URL expands an endpoint template against the base URL.
func (c *Client) URL(template string, args ...any) string {
	return c.baseURL + fmt.Sprintf(template, args...)
}

// Get performs a GET request. A nil result with a nil error is a 204.
func (c *Client) Get(ctx context.Context, url string) (json.RawMessage, error) {
	return c.rpc(ctx, http.MethodGet, url, nil)
}

// Post performs a POST request with a JSON body. A nil result with a nil
// error is a 204.
func (c *Client) Post(ctx context.Context, url string, body any) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	return c.rpc(ctx, http.MethodPost, url, payload)
}

// Put uploads a raw JSON document, typically a recipe.
func (c *Client) Put(ctx context.Context, url string, document []byte) error {
	_, err := c.rpc(ctx, http.MethodPut, url, document)
	return err
}

// Delete removes a remote resource, typically a temporary recipe.
func (c *Client) Delete(ctx context.Context, url string) error {
	_, err := c.rpc(ctx, http.MethodDelete, url, nil)
	return err
}

func (c *Client) rpc(ctx context.Context, method, url string, body []byte) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.appID != "" {
		req.SetBasicAuth(c.appID, c.appKey)
	}

	if c.dump != nil {
		fmt.Fprintf(c.dump, "%s: %s\n", method, url)
		if len(body) > 0 {
			fmt.Fprintf(c.dump, "%s\n", body)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(resp.Body)
		return nil, &RemoteError{StatusCode: resp.StatusCode, Body: string(text)}
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	document, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if c.dump != nil {
		fmt.Fprintf(c.dump, "RECV:\n%s\n", document)
	}
	if len(document) == 0 {
		return nil, nil
	}
	return json.RawMessage(document), nil
}
