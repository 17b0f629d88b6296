package clearsky

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/symmbot/blocksync/internal/entities"
	"github.com/symmbot/blocksync/internal/metrics"
	"github.com/symmbot/blocksync/internal/utils"
)

func newTestClient(t *testing.T) (*client, *utils.MockHTTPClient) {
	t.Helper()
	httpClient := &utils.MockHTTPClient{}
	c, err := NewClient("https://clearsky.example.com/api/v1/anon", httpClient, metrics.NewMetricsService())
	require.NoError(t, err)
	return c, httpClient
}

func jsonResponse(statusCode int, body string) *http.Response {
	return &http.Response{
		StatusCode: statusCode,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestGetBlockingFirstPageOmitsPageSuffix(t *testing.T) {
	c, httpClient := newTestClient(t)

	httpClient.On("Do", mock.MatchedBy(func(req *http.Request) bool {
		return strings.HasSuffix(req.URL.Path, "/blocklist/did:plc:abc123")
	})).Return(jsonResponse(http.StatusOK, `{
		"data": {
			"blocklist": [
				{"did": "did:plc:target1", "blocked_date": "2025-07-01T10:00:00.000Z"},
				{"did": "did:plc:target2", "blocked_date": "2025-07-02T11:30:00.000Z"}
			]
		}
	}`), nil).Once()

	edges, err := c.GetBlocking(context.Background(), "did:plc:abc123", 1)
	require.NoError(t, err)
	require.Len(t, edges, 2)
	assert.Equal(t, "did:plc:target1", edges[0].DID)
	assert.Equal(t, "2025-07-01T10:00:00.000Z", edges[0].BlockedDate)
	httpClient.AssertExpectations(t)
}

func TestGetBlockedBySubsequentPagesCarryPageNumber(t *testing.T) {
	c, httpClient := newTestClient(t)

	httpClient.On("Do", mock.MatchedBy(func(req *http.Request) bool {
		return strings.HasSuffix(req.URL.Path, "/single-blocklist/did:plc:abc123/3")
	})).Return(jsonResponse(http.StatusOK, `{"data": {"blocklist": []}}`), nil).Once()

	edges, err := c.GetBlockedBy(context.Background(), "did:plc:abc123", 3)
	require.NoError(t, err)
	assert.Empty(t, edges)
	httpClient.AssertExpectations(t)
}

func TestPaginationEndsWithNotFound(t *testing.T) {
	c, httpClient := newTestClient(t)

	httpClient.On("Do", mock.Anything).
		Return(jsonResponse(http.StatusNotFound, `{"error": "not found"}`), nil).Once()

	_, err := c.GetBlocking(context.Background(), "did:plc:abc123", 7)
	assert.ErrorIs(t, err, entities.ErrNotFound)
}

func TestRateLimitedResponse(t *testing.T) {
	c, httpClient := newTestClient(t)

	resp := jsonResponse(http.StatusTooManyRequests, ``)
	resp.Header.Set("Retry-After", "60")
	httpClient.On("Do", mock.Anything).Return(resp, nil).Once()

	_, err := c.GetBlockedBy(context.Background(), "did:plc:abc123", 1)
	retryAfter, rateLimited := entities.IsRateLimited(err)
	require.True(t, rateLimited)
	assert.Equal(t, float64(60), retryAfter.Seconds())
}

func TestGetBlockedByCount(t *testing.T) {
	c, httpClient := newTestClient(t)

	httpClient.On("Do", mock.MatchedBy(func(req *http.Request) bool {
		return strings.HasSuffix(req.URL.Path, "/single-blocklist/total/did:plc:abc123")
	})).Return(jsonResponse(http.StatusOK, `{"data": {"count": 1234}}`), nil).Once()

	count, err := c.GetBlockedByCount(context.Background(), "did:plc:abc123")
	require.NoError(t, err)
	assert.Equal(t, int64(1234), count)
}
