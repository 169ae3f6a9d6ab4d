package treesync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ItemSnapshot is the authoritative state of one outline item as served by
// the remote store: its display text and the ordered identities of its
// children.
type ItemSnapshot struct {
	Identity string   `json:"url"`
	Text     string   `json:"text"`
	Children []string `json:"children"`
}

// ChangeFeed lists the identities mutated since a given timestamp.
type ChangeFeed struct {
	Updated []string `json:"updated"`
}

// RemoteClient is the wire contract the sync core consumes. Transport
// details (retries, auth, timeouts) are the implementation's concern; the
// core never retries on its own.
type RemoteClient interface {
	GetItem(ctx context.Context, identity string) (ItemSnapshot, error)
	CreateChild(ctx context.Context, identity, text string) (ItemSnapshot, error)
	UpdateText(ctx context.Context, identity, text string) error
	DeleteItem(ctx context.Context, identity string) error
	ChangesSince(ctx context.Context, since time.Time) (ChangeFeed, error)
}

// Logger is the minimal logging surface accepted throughout the package.
// log.Default() satisfies it.
type Logger interface {
	Printf(format string, args ...any)
}

type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient builds a RemoteClient speaking the outline server's REST
// contract. Operations are never retried; failure recovery is the caller's
// next user action or poll tick.
func NewHTTPClient(baseURL string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:5001"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

func (c *HTTPClient) GetItem(ctx context.Context, identity string) (ItemSnapshot, error) {
	var out ItemSnapshot
	if err := c.doJSON(ctx, "get item", identity, http.MethodGet, identity, nil, &out); err != nil {
		return ItemSnapshot{}, err
	}
	if out.Identity == "" {
		out.Identity = identity
	}
	if out.Children == nil {
		out.Children = []string{}
	}
	return out, nil
}

func (c *HTTPClient) CreateChild(ctx context.Context, identity, text string) (ItemSnapshot, error) {
	var out ItemSnapshot
	body := map[string]any{"text": text}
	if err := c.doJSON(ctx, "create child", identity, http.MethodPost, identity, body, &out); err != nil {
		return ItemSnapshot{}, err
	}
	if out.Children == nil {
		out.Children = []string{}
	}
	return out, nil
}

func (c *HTTPClient) UpdateText(ctx context.Context, identity, text string) error {
	body := map[string]any{"text": text}
	return c.doJSON(ctx, "update text", identity, http.MethodPut, identity, body, nil)
}

func (c *HTTPClient) DeleteItem(ctx context.Context, identity string) error {
	err := c.doJSON(ctx, "delete item", identity, http.MethodDelete, identity, nil, nil)
	// An identity another client already removed counts as success.
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) && fetchErr.Status == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *HTTPClient) ChangesSince(ctx context.Context, since time.Time) (ChangeFeed, error) {
	q := url.Values{}
	q.Set("since", formatSince(since))
	var out ChangeFeed
	if err := c.doJSON(ctx, "list changes", "/updates/", http.MethodGet, "/updates/?"+q.Encode(), nil, &out); err != nil {
		return ChangeFeed{}, err
	}
	if out.Updated == nil {
		out.Updated = []string{}
	}
	return out, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, op, identity, method, requestPath string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &FetchError{Op: op, Identity: identity, Err: err}
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return &FetchError{Op: op, Identity: identity, Err: readErr}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &FetchError{Op: op, Identity: identity, Status: resp.StatusCode, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &ProtocolError{Op: op, Identity: identity, Message: "malformed response: " + err.Error()}
	}
	return nil
}

// formatSince renders a timestamp the way the server's change feed expects
// it: fractional unix seconds. The zero time maps to 0 (everything).
func formatSince(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	seconds := float64(t.UnixNano()) / float64(time.Second)
	return strconv.FormatFloat(seconds, 'f', 6, 64)
}
