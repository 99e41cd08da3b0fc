package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/lkarlslund/buddyproxy/pkg/version"
)

const DefaultBaseURL = "https://api.thinkbuddy.ai/v1"

type Config struct {
	BaseURL string
	// Timeout bounds the whole exchange including a streamed body; zero
	// leaves the transport default in place.
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client forwards model listing and chat completion calls to the chat
// backend with a bearer access token.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(cfg Config) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		client:  cfg.HTTPClient,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: cfg.Timeout}
	}
	return c
}

// ListModels fetches the backend's model catalogue in OpenAI list form.
func (c *Client) ListModels(ctx context.Context, accessToken string) (ModelList, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/chat/models", accessToken, nil)
	if err != nil {
		return ModelList{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return ModelList{}, fmt.Errorf("list models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ModelList{}, newRequestError("list models", resp)
	}
	var out backendModelList
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ModelList{}, fmt.Errorf("decode model list: %w", err)
	}
	return out.toOpenAI(), nil
}

// ChatCompletions forwards body verbatim. On success the caller owns the
// returned response and must close its body.
func (c *Client) ChatCompletions(ctx context.Context, accessToken string, body []byte) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/chat/completions", accessToken, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat completions: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, newRequestError("chat completions", resp)
	}
	return resp, nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint, accessToken string, body io.Reader) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream base_url: %w", err)
	}
	u.Path = path.Join("/", u.Path, endpoint)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", version.UserAgent())
	if id := middleware.GetReqID(ctx); id != "" {
		req.Header.Set(middleware.RequestIDHeader, id)
	}
	return req, nil
}

// RequestError reports a non-success response from the chat backend.
type RequestError struct {
	Op         string
	StatusCode int
	Status     string
	Body       string
}

func (e *RequestError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("upstream %s failed: %s: %s", e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("upstream %s failed: %s", e.Op, e.Status)
}

func newRequestError(op string, resp *http.Response) *RequestError {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	status := strings.TrimSpace(resp.Status)
	if status == "" {
		status = fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return &RequestError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Status:     status,
		Body:       strings.TrimSpace(string(b)),
	}
}
