package catalog

import (
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

	"github.com/kilupskalvis/catmirror/internal/models"
	"golang.org/x/time/rate"
)

// ErrMissingCollection is returned when a successful listing response does
// not carry the requested collection.
var ErrMissingCollection = errors.New("collection missing from response")

// Client defines the contract for reading from the remote catalog.
type Client interface {
	// Schemas returns the remote models keyed by plural (collection) name.
	Schemas(ctx context.Context) (map[string]models.Schema, error)

	// ListRefs lists id and lastUpdated of every object of a type, optionally filtered.
	ListRefs(ctx context.Context, typeName string, filter *models.Filter) ([]models.CatalogItemRef, error)

	// ListHierarchyLevels enumerates the levels of a hierarchical type.
	ListHierarchyLevels(ctx context.Context, levelType string) ([]models.HierarchyLevel, error)

	// FetchByIDs returns full bodies for the given ids, keyed by type name.
	FetchByIDs(ctx context.Context, typeName string, ids []string, fields string) (map[string][]models.CatalogObject, error)
}

// HTTPClient implements Client over the catalog REST API with basic auth.
type HTTPClient struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) { c.httpClient = hc }
}

// WithMaxRPS paces requests with a token bucket. Zero or less disables pacing.
func WithMaxRPS(rps float64) HTTPOption {
	return func(c *HTTPClient) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewHTTPClient creates an HTTP catalog client for baseURL (without the /api suffix).
func NewHTTPClient(baseURL, username, password string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		username:   username,
		password:   password,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *HTTPClient) apiURL(path string, query url.Values) string {
	u := c.baseURL + "/api" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *HTTPClient) do(ctx context.Context, method, url string) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	return resp, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, url string, respBody interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

// Schemas returns the remote models keyed by plural name.
func (c *HTTPClient) Schemas(ctx context.Context) (map[string]models.Schema, error) {
	q := url.Values{}
	q.Set("fields", "name,plural,displayName")

	var resp schemasResponse
	if err := c.getJSON(ctx, c.apiURL("/schemas.json", q), &resp); err != nil {
		return nil, fmt.Errorf("get schemas: %w", err)
	}

	schemas := make(map[string]models.Schema, len(resp.Schemas))
	for _, s := range resp.Schemas {
		if s.Plural == "" {
			continue
		}
		schemas[s.Plural] = s
	}
	return schemas, nil
}

// ListRefs lists id and lastUpdated of every object of typeName.
func (c *HTTPClient) ListRefs(ctx context.Context, typeName string, filter *models.Filter) ([]models.CatalogItemRef, error) {
	q := url.Values{}
	q.Set("paging", "false")
	q.Set("fields", "id,lastUpdated")
	if filter != nil {
		q.Set("filter", filter.String())
	}

	var resp listResponse
	if err := c.getJSON(ctx, c.apiURL("/"+typeName+".json", q), &resp); err != nil {
		return nil, fmt.Errorf("list %s: %w", typeName, err)
	}

	raw, ok := resp[typeName]
	if !ok {
		return nil, fmt.Errorf("list %s: %w", typeName, ErrMissingCollection)
	}
	var refs []models.CatalogItemRef
	if err := json.Unmarshal(raw, &refs); err != nil {
		return nil, fmt.Errorf("list %s: decode items: %w", typeName, err)
	}
	return refs, nil
}

// ListHierarchyLevels enumerates the levels listed by levelType.
func (c *HTTPClient) ListHierarchyLevels(ctx context.Context, levelType string) ([]models.HierarchyLevel, error) {
	q := url.Values{}
	q.Set("paging", "false")
	q.Set("fields", "level,displayName")

	var resp listResponse
	if err := c.getJSON(ctx, c.apiURL("/"+levelType+".json", q), &resp); err != nil {
		return nil, fmt.Errorf("list %s: %w", levelType, err)
	}

	raw, ok := resp[levelType]
	if !ok {
		return nil, fmt.Errorf("list %s: %w", levelType, ErrMissingCollection)
	}
	var levels []models.HierarchyLevel
	if err := json.Unmarshal(raw, &levels); err != nil {
		return nil, fmt.Errorf("list %s: decode levels: %w", levelType, err)
	}
	return levels, nil
}

// FetchByIDs fetches full bodies through the bulk metadata endpoint. A type
// with no matching objects may be absent from the response; a typeName entry
// that does not decode fails the call.
func (c *HTTPClient) FetchByIDs(ctx context.Context, typeName string, ids []string, fields string) (map[string][]models.CatalogObject, error) {
	q := url.Values{}
	q.Set("fields", fields)
	q.Set("filter", "id:in:["+strings.Join(ids, ",")+"]")

	var resp metadataResponse
	if err := c.getJSON(ctx, c.apiURL("/metadata.json", q), &resp); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", typeName, err)
	}

	result := make(map[string][]models.CatalogObject)
	for key, raw := range resp {
		var objects []models.CatalogObject
		if err := json.Unmarshal(raw, &objects); err != nil {
			if key == typeName {
				return nil, fmt.Errorf("fetch %s: decode objects: %w", typeName, err)
			}
			continue
		}
		result[key] = objects
	}
	return result, nil
}

// RemoteError represents a non-2xx response from the catalog.
type RemoteError struct {
	Status  int
	Message string
	// RetryAfter is the delay named by a Retry-After header, zero when absent.
	RetryAfter time.Duration
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (%d): %s", e.Status, e.Message)
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	re := &RemoteError{
		Status:     resp.StatusCode,
		Message:    fmt.Sprintf("HTTP %d", resp.StatusCode),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}

	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Message != "" {
		re.Message = errResp.Message
	}
	return re
}

// parseRetryAfter reads a Retry-After value in delay-seconds or HTTP-date form.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// Verify that *HTTPClient implements Client at compile time
var _ Client = (*HTTPClient)(nil)
