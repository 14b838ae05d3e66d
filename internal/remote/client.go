package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// TokenProvider yields the current bearer token. It is consulted per request
// so credential rotation takes effect without rebuilding the client.
type TokenProvider func(ctx context.Context) (string, error)

type ClientOptions struct {
	BaseURL       string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	UserAgent     string
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	// RateLimit caps requests per RateWindow. Zero disables limiting.
	RateLimit  int
	RateWindow time.Duration
	// OnAuthInvalid fires once per rejected request so the owner can clear
	// cached credentials.
	OnAuthInvalid func()
}

// Client implements API against the HTTP service. Transient failures (429,
// 5xx, transport errors) are retried with bounded exponential backoff; a
// Retry-After hint overrides the computed delay, capped at MaxDelay. 401 is
// surfaced as *AuthError and never retried.
type Client struct {
	baseURL       string
	tokenProvider TokenProvider
	httpClient    *http.Client
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
	limiter       *rateLimiter
	onAuthInvalid func()
	logger        zerolog.Logger
}

func NewClient(opts ClientOptions, logger zerolog.Logger) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrInvalidInput)
	}
	if opts.TokenProvider == nil {
		return nil, fmt.Errorf("%w: token provider is required", ErrInvalidInput)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	var limiter *rateLimiter
	if opts.RateLimit > 0 {
		window := opts.RateWindow
		if window <= 0 {
			window = time.Minute
		}
		limiter = newRateLimiter(opts.RateLimit, window)
	}
	return &Client{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
		limiter:       limiter,
		onAuthInvalid: opts.OnAuthInvalid,
		logger:        logger.With().Str("component", "remote").Logger(),
	}, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, out any) error {
	token, err := c.tokenProvider(ctx)
	if err != nil {
		return err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return &AuthError{Message: "empty token"}
	}
	var bodyBytes []byte
	if payload != nil {
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	reqURL := c.baseURL + path

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			return json.Unmarshal(respBody, out)
		}
		if resp.StatusCode == http.StatusUnauthorized {
			if c.onAuthInvalid != nil {
				c.onAuthInvalid()
			}
			return &AuthError{Message: errorMessage(respBody)}
		}
		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			delay := c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))
			c.logger.Debug().Int("status", resp.StatusCode).Dur("delay", delay).
				Str("path", path).Msg("retrying remote request")
			if waitErr := sleepContext(ctx, delay); waitErr != nil {
				return waitErr
			}
			continue
		}
		return &HTTPError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}
}

func errorMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	return strings.TrimSpace(string(body))
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) CurrentUser(ctx context.Context) (User, error) {
	var out struct {
		User User `json:"user"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/user", nil, &out); err != nil {
		return User{}, err
	}
	return out.User, nil
}

func (c *Client) RootCollections(ctx context.Context) ([]Collection, error) {
	var out struct {
		Items []Collection `json:"items"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/collections", nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) ChildCollections(ctx context.Context) ([]Collection, error) {
	var out struct {
		Items []Collection `json:"items"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/collections/children", nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) Collection(ctx context.Context, id string) (Collection, error) {
	if id == "" {
		return Collection{}, ErrInvalidInput
	}
	var out struct {
		Item Collection `json:"item"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/collection/"+url.PathEscape(id), nil, &out); err != nil {
		return Collection{}, err
	}
	return out.Item, nil
}

func (c *Client) CreateCollection(ctx context.Context, title, parentID string) (Collection, error) {
	if strings.TrimSpace(title) == "" {
		return Collection{}, ErrInvalidInput
	}
	var out struct {
		Item Collection `json:"item"`
	}
	payload := Collection{Title: title, ParentID: parentID}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/collection", payload, &out); err != nil {
		return Collection{}, err
	}
	return out.Item, nil
}

func (c *Client) UpdateCollection(ctx context.Context, id, title string) (Collection, error) {
	if id == "" {
		return Collection{}, ErrInvalidInput
	}
	var out struct {
		Item Collection `json:"item"`
	}
	payload := map[string]string{"title": title}
	if err := c.doJSON(ctx, http.MethodPut, "/v1/collection/"+url.PathEscape(id), payload, &out); err != nil {
		return Collection{}, err
	}
	return out.Item, nil
}

func (c *Client) DeleteCollection(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidInput
	}
	return c.doJSON(ctx, http.MethodDelete, "/v1/collection/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Item(ctx context.Context, id string) (Item, error) {
	if id == "" {
		return Item{}, ErrInvalidInput
	}
	var out struct {
		Item Item `json:"item"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/item/"+url.PathEscape(id), nil, &out); err != nil {
		return Item{}, err
	}
	return out.Item, nil
}

func (c *Client) Items(ctx context.Context, collectionID string, page, perPage int) ([]Item, error) {
	if collectionID == "" {
		return nil, ErrInvalidInput
	}
	if perPage <= 0 {
		perPage = 50
	}
	var out struct {
		Items []Item `json:"items"`
	}
	path := fmt.Sprintf("/v1/items?collection=%s&page=%d&perpage=%d", url.QueryEscape(collectionID), page, perPage)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// AllItems pages through a collection until a short page signals the end.
func (c *Client) AllItems(ctx context.Context, collectionID string) ([]Item, error) {
	const perPage = 50
	all := []Item{}
	for page := 0; ; page++ {
		items, err := c.Items(ctx, collectionID, page, perPage)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		if len(items) < perPage {
			return all, nil
		}
	}
}

func (c *Client) CreateItem(ctx context.Context, item Item) (Item, error) {
	if item.CollectionID == "" || item.URL == "" {
		return Item{}, ErrInvalidInput
	}
	var out struct {
		Item Item `json:"item"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/item", item, &out); err != nil {
		return Item{}, err
	}
	return out.Item, nil
}

// CreateItems bulk-creates up to BulkCreateChunk items in one call. The
// response preserves request order, which callers rely on for link matching.
func (c *Client) CreateItems(ctx context.Context, items []Item) ([]Item, error) {
	if len(items) == 0 {
		return nil, nil
	}
	if len(items) > BulkCreateChunk {
		return nil, fmt.Errorf("%w: bulk create limited to %d items", ErrInvalidInput, BulkCreateChunk)
	}
	payload := struct {
		Items []Item `json:"items"`
	}{Items: items}
	var out struct {
		Items []Item `json:"items"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/items", payload, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) UpdateItem(ctx context.Context, id string, patch ItemPatch) (Item, error) {
	if id == "" {
		return Item{}, ErrInvalidInput
	}
	var out struct {
		Item Item `json:"item"`
	}
	if err := c.doJSON(ctx, http.MethodPatch, "/v1/item/"+url.PathEscape(id), patch, &out); err != nil {
		return Item{}, err
	}
	return out.Item, nil
}

func (c *Client) DeleteItem(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidInput
	}
	return c.doJSON(ctx, http.MethodDelete, "/v1/item/"+url.PathEscape(id), nil, nil)
}
