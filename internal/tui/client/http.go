package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/nsfeed/nsfeed/internal/ws"
)

// ErrNotFound is returned by GetFact for a key the server does not hold.
var ErrNotFound = errors.New("key not found")

// HTTPClient makes REST calls to a running observer server.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a client targeting the given base URL (e.g. "http://127.0.0.1:8091").
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GetState fetches /api/state.
func (c *HTTPClient) GetState() ([]ws.Fact, error) {
	var out []ws.Fact
	if err := c.get("/api/state", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetFact fetches /api/state/{key}.
func (c *HTTPClient) GetFact(key string) (*ws.Fact, error) {
	var f ws.Fact
	if err := c.get("/api/state/"+url.PathEscape(key), &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// GetHealth fetches /api/health. An unhealthy feed answers 503 with the
// same body, so the response is decoded either way.
func (c *HTTPClient) GetHealth() (*ws.HealthResponse, error) {
	resp, err := c.do("/api/health")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("GET /api/health: %d %s", resp.StatusCode, string(body))
	}
	var h ws.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *HTTPClient) get(path string, out interface{}) error {
	resp, err := c.do(path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GET %s: %d %s", path, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) do(path string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.setAuth(req)
	return c.client.Do(req)
}

func (c *HTTPClient) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// HTTPBaseURL converts a listen address or ws URL into the http base.
func HTTPBaseURL(addr string) (string, error) {
	wsURL, err := WebSocketURL(addr)
	if err != nil {
		return "", err
	}
	u, _ := url.Parse(wsURL)
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, u.Host), nil
}
