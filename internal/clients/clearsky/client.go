// Package clearsky is the client for the third-party aggregation API used to
// bootstrap the block ledger. It exposes the two paginated edge lists the
// engine consumes: who an identity blocks, and who blocks it. Pages hold at
// most 100 records; a 404 signals the end of the list.
package clearsky

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/symmbot/blocksync/internal/entities"
	"github.com/symmbot/blocksync/internal/metrics"
	"github.com/symmbot/blocksync/internal/utils"
)

const (
	clientName = "clearsky"

	// PageSize is the fixed upstream page size; a shorter page is the last one.
	PageSize = 100
)

// Edge is one block relationship reported by the aggregation API.
type Edge struct {
	DID         string `json:"did"`
	BlockedDate string `json:"blocked_date"`
}

type blocklistResponse struct {
	Data struct {
		Blocklist []Edge `json:"blocklist"`
	} `json:"data"`
}

type countResponse struct {
	Data struct {
		Count int64 `json:"count"`
	} `json:"data"`
}

type Client interface {
	// GetBlocking returns one page of accounts the identity blocks.
	GetBlocking(ctx context.Context, did string, page int) ([]Edge, error)
	// GetBlockedBy returns one page of accounts blocking the identity.
	GetBlockedBy(ctx context.Context, did string, page int) ([]Edge, error)
	GetBlockedByCount(ctx context.Context, did string) (int64, error)
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
		httpClient = &http.Client{Timeout: 30 * time.Second}
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

func (c *client) GetBlocking(ctx context.Context, did string, page int) ([]Edge, error) {
	return c.getBlocklist(ctx, "blocklist", "/blocklist/"+did, page)
}

func (c *client) GetBlockedBy(ctx context.Context, did string, page int) ([]Edge, error) {
	return c.getBlocklist(ctx, "single-blocklist", "/single-blocklist/"+did, page)
}

func (c *client) getBlocklist(ctx context.Context, endpoint, path string, page int) ([]Edge, error) {
	if page > 1 {
		path += "/" + strconv.Itoa(page)
	}
	var resp blocklistResponse
	if err := c.get(ctx, endpoint, path, &resp); err != nil {
		return nil, fmt.Errorf("fetching %s page %d: %w", endpoint, page, err)
	}
	return resp.Data.Blocklist, nil
}

func (c *client) GetBlockedByCount(ctx context.Context, did string) (int64, error) {
	var resp countResponse
	if err := c.get(ctx, "single-blocklist-total", "/single-blocklist/total/"+did, &resp); err != nil {
		return 0, fmt.Errorf("fetching blocked-by count: %w", err)
	}
	return resp.Data.Count, nil
}

func (c *client) get(ctx context.Context, endpoint, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
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

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return entities.ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return &entities.RateLimitedError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode >= 500:
		return &entities.TransientError{StatusCode: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &entities.APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func retryAfter(resp *http.Response) time.Duration {
	if after := resp.Header.Get("Retry-After"); after != "" {
		if secs, err := strconv.Atoi(after); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
