package utils

import (
	"net/http"

	"github.com/stretchr/testify/mock"
)

// HTTPClient is the transport injected into the API clients so that tests can
// substitute canned responses.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type MockHTTPClient struct {
	mock.Mock
}

var _ HTTPClient = (*MockHTTPClient)(nil)

func (c *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	args := c.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*http.Response), args.Error(1)
}
