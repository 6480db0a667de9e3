package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/artpar/relsync/internal/remote"
	"golang.org/x/net/publicsuffix"
)

// Ensure Client implements remote.Service and remote.Lister at compile time.
var (
	_ remote.Service = (*Client)(nil)
	_ remote.Lister  = (*Client)(nil)
)

// Client implements remote.Service for one relation over JSON/HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	relation   string
	token      string
	userAgent  string
}

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "relsync/0.1"
	maxErrorBody     = 4 << 10
)

// Option is a function that configures the Client.
type Option func(*Client)

// NewClient creates a client for the given relation rooted at baseURL.
func NewClient(baseURL, relation string, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must include scheme and host", baseURL)
	}
	if strings.TrimSpace(relation) == "" {
		return nil, errors.New("relation is empty")
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	client := &Client{
		httpClient: &http.Client{
			Timeout: defaultTimeout,
			Jar:     jar,
		},
		baseURL:   base,
		relation:  relation,
		userAgent: defaultUserAgent,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client, nil
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithToken attaches a bearer token to every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// WithCookies seeds the jar with session cookies for the base URL.
func WithCookies(cookies ...*http.Cookie) Option {
	return func(c *Client) {
		c.httpClient.Jar.SetCookies(c.baseURL, cookies)
	}
}

// Relation returns the relation name this client talks to.
func (c *Client) Relation() string {
	return c.relation
}

// FetchBaseline retrieves the authoritative count and members of an entity.
func (c *Client) FetchBaseline(ctx context.Context, entityID string) (remote.Baseline, error) {
	var payload remote.Baseline
	if err := c.do(ctx, http.MethodGet, c.endpoint(entityID), nil, &payload); err != nil {
		return remote.Baseline{}, err
	}
	return payload, nil
}

type mutateRequest struct {
	Active bool   `json:"active"`
	UserID string `json:"userId"`
}

// Mutate sets the user's membership and returns the authoritative count.
func (c *Client) Mutate(ctx context.Context, entityID string, active bool, userID string) (remote.MutateResult, error) {
	var payload remote.MutateResult
	body := mutateRequest{Active: active, UserID: userID}
	if err := c.do(ctx, http.MethodPost, c.endpoint(entityID), body, &payload); err != nil {
		return remote.MutateResult{}, err
	}
	return payload, nil
}

// ListMemberships returns the entity ids userID holds this relation on.
func (c *Client) ListMemberships(ctx context.Context, userID string) ([]string, error) {
	u := c.relationURL()
	u.RawQuery = url.Values{"user": {userID}}.Encode()

	var payload remote.Memberships
	if err := c.do(ctx, http.MethodGet, u.String(), nil, &payload); err != nil {
		return nil, err
	}
	return payload.Entities, nil
}

// relationURL returns {base}/relations/{relation}. Path carries the raw
// segments and RawPath their escaped form.
func (c *Client) relationURL() *url.URL {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/relations/" + c.relation
	u.RawPath = strings.TrimRight(c.baseURL.EscapedPath(), "/") + "/relations/" + url.PathEscape(c.relation)
	return &u
}

func (c *Client) endpoint(entityID string) string {
	u := c.relationURL()
	u.Path += "/" + entityID
	u.RawPath += "/" + url.PathEscape(entityID)
	return u.String()
}

// do executes one request and classifies every failure as a *remote.Error.
func (c *Client) do(ctx context.Context, method, target string, in, out any) error {
	var bodyReader io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return remote.NewError(remote.KindUnknown, fmt.Errorf("encode request: %w", err))
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return remote.NewError(remote.KindUnknown, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return remote.NewError(remote.KindNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var cause error
		if msg := strings.TrimSpace(string(snippet)); msg != "" {
			cause = errors.New(msg)
		}
		return remote.StatusError(resp.StatusCode, cause)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return remote.NewError(remote.KindUnknown, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
