// Package bluesky is the typed client for the network's write/auth API:
// session creation and refresh, record create/delete, and the graph reads the
// engine needs. Responses are mapped into the shared error taxonomy so
// callers never inspect HTTP status codes.
package bluesky

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
	"time"

	"github.com/symmbot/blocksync/internal/entities"
	"github.com/symmbot/blocksync/internal/metrics"
	"github.com/symmbot/blocksync/internal/utils"
)

const clientName = "bluesky"

type Client interface {
	CreateSession(ctx context.Context, identifier, password string) (*Session, error)
	RefreshSession(ctx context.Context, refreshJWT string) (*Session, error)
	CreateRecord(ctx context.Context, accessJWT, repo, collection string, record any) (*RecordRef, error)
	DeleteRecord(ctx context.Context, accessJWT, repo, collection, rkey string) error
	GetBlocks(ctx context.Context, accessJWT, cursor string, limit int) (*BlocksPage, error)
	GetLists(ctx context.Context, accessJWT, actor string) ([]ListView, error)
	GetList(ctx context.Context, accessJWT, listURI, cursor string, limit int) (*ListPage, error)
}

type client struct {
	baseURL        string
	httpClient     utils.HTTPClient
	metricsService metrics.MetricsService
}

var _ Client = (*client)(nil)

func NewClient(baseURL string, httpClient utils.HTTPClient, metricsService metrics.MetricsService) (*client, error) {
	if baseURL == "" {
		return nil, errors.New("baseURL is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if metricsService == nil {
		return nil, errors.New("metricsService is required")
	}
	return &client{
		baseURL:        baseURL,
		httpClient:     httpClient,
		metricsService: metricsService,
	}, nil
}

func (c *client) CreateSession(ctx context.Context, identifier, password string) (*Session, error) {
	var session Session
	payload := map[string]string{"identifier": identifier, "password": password}
	if err := c.post(ctx, "com.atproto.server.createSession", "", payload, &session); err != nil {
		return nil, fmt.Errorf("creating session for %s: %w", identifier, err)
	}
	return &session, nil
}

func (c *client) RefreshSession(ctx context.Context, refreshJWT string) (*Session, error) {
	var session Session
	if err := c.post(ctx, "com.atproto.server.refreshSession", refreshJWT, nil, &session); err != nil {
		return nil, fmt.Errorf("refreshing session: %w", err)
	}
	return &session, nil
}

func (c *client) CreateRecord(ctx context.Context, accessJWT, repo, collection string, record any) (*RecordRef, error) {
	payload := map[string]any{
		"repo":       repo,
		"collection": collection,
		"record":     record,
	}
	var ref RecordRef
	if err := c.post(ctx, "com.atproto.repo.createRecord", accessJWT, payload, &ref); err != nil {
		return nil, fmt.Errorf("creating %s record in %s: %w", collection, repo, err)
	}
	return &ref, nil
}

func (c *client) DeleteRecord(ctx context.Context, accessJWT, repo, collection, rkey string) error {
	payload := map[string]string{
		"repo":       repo,
		"collection": collection,
		"rkey":       rkey,
	}
	if err := c.post(ctx, "com.atproto.repo.deleteRecord", accessJWT, payload, nil); err != nil {
		return fmt.Errorf("deleting %s/%s from %s: %w", collection, rkey, repo, err)
	}
	return nil
}

func (c *client) GetBlocks(ctx context.Context, accessJWT, cursor string, limit int) (*BlocksPage, error) {
	params := url.Values{"limit": []string{strconv.Itoa(limit)}}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	var page BlocksPage
	if err := c.get(ctx, "app.bsky.graph.getBlocks", accessJWT, params, &page); err != nil {
		return nil, fmt.Errorf("getting blocks page: %w", err)
	}
	return &page, nil
}

func (c *client) GetLists(ctx context.Context, accessJWT, actor string) ([]ListView, error) {
	params := url.Values{"actor": []string{actor}}
	var resp listsResponse
	if err := c.get(ctx, "app.bsky.graph.getLists", accessJWT, params, &resp); err != nil {
		return nil, fmt.Errorf("getting lists for %s: %w", actor, err)
	}
	return resp.Lists, nil
}

func (c *client) GetList(ctx context.Context, accessJWT, listURI, cursor string, limit int) (*ListPage, error) {
	params := url.Values{
		"list":  []string{listURI},
		"limit": []string{strconv.Itoa(limit)},
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	var page ListPage
	if err := c.get(ctx, "app.bsky.graph.getList", accessJWT, params, &page); err != nil {
		return nil, fmt.Errorf("getting list page for %s: %w", listURI, err)
	}
	return &page, nil
}

func (c *client) post(ctx context.Context, endpoint, bearer string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/xrpc/"+endpoint, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, endpoint, bearer, out)
}

func (c *client) get(ctx context.Context, endpoint, bearer string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/xrpc/"+endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	return c.do(req, endpoint, bearer, out)
}

func (c *client) do(req *http.Request, endpoint, bearer string, out any) error {
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metricsService.ObserveAPIRequestDuration(clientName, endpoint, time.Since(start).Seconds())
	if err != nil {
		c.metricsService.IncAPIRequest(clientName, endpoint, 0)
		return &entities.TransientError{Err: err}
	}
	defer utils.DeferredClose(resp.Body, "closing response body")
	c.metricsService.IncAPIRequest(clientName, endpoint, resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyResponse(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", endpoint, err)
	}
	return nil
}

// classifyResponse maps non-2xx responses into the shared error taxonomy.
func classifyResponse(resp *http.Response) error {
	var errBody errorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&errBody)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &entities.RateLimitedError{RetryAfter: retryAfter(resp)}
	case errBody.Error == "ExpiredToken":
		return entities.ErrAuthExpired
	case resp.StatusCode == http.StatusNotFound:
		return entities.ErrNotFound
	case resp.StatusCode >= 500:
		return &entities.TransientError{StatusCode: resp.StatusCode}
	default:
		return &entities.APIError{
			StatusCode: resp.StatusCode,
			Code:       errBody.Error,
			Message:    errBody.Message,
		}
	}
}

func retryAfter(resp *http.Response) time.Duration {
	// The network sends ratelimit-reset as a unix timestamp; fall back to the
	// standard Retry-After seconds header.
	if reset := resp.Header.Get("ratelimit-reset"); reset != "" {
		if ts, err := strconv.ParseInt(reset, 10, 64); err == nil {
			if wait := time.Until(time.Unix(ts, 0)); wait > 0 {
				return wait
			}
		}
	}
	if after := resp.Header.Get("Retry-After"); after != "" {
		if secs, err := strconv.Atoi(after); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
