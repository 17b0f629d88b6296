package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
)

type MockMetricsService struct {
	mock.Mock
}

var _ MetricsService = (*MockMetricsService)(nil)

func NewMockMetricsService() *MockMetricsService {
	return &MockMetricsService{}
}

func (m *MockMetricsService) GetRegistry() *prometheus.Registry {
	args := m.Called()
	return args.Get(0).(*prometheus.Registry)
}

func (m *MockMetricsService) ObserveDBQueryDuration(queryType, table string, duration float64) {
	m.Called(queryType, table, duration)
}

func (m *MockMetricsService) IncDBQuery(queryType, table string) {
	m.Called(queryType, table)
}

func (m *MockMetricsService) IncDBQueryError(queryType, table, errorType string) {
	m.Called(queryType, table, errorType)
}

func (m *MockMetricsService) IncAPIRequest(client, endpoint string, statusCode int) {
	m.Called(client, endpoint, statusCode)
}

func (m *MockMetricsService) ObserveAPIRequestDuration(client, endpoint string, duration float64) {
	m.Called(client, endpoint, duration)
}

func (m *MockMetricsService) IncLedgerUpsert(direction string, created bool) {
	m.Called(direction, created)
}

func (m *MockMetricsService) IncLedgerRemove(direction string) {
	m.Called(direction)
}

func (m *MockMetricsService) IncFeedEvent(handle, outcome string) {
	m.Called(handle, outcome)
}

func (m *MockMetricsService) SetFeedCursor(handle string, cursor float64) {
	m.Called(handle, cursor)
}

func (m *MockMetricsService) IncSessionTransition(handle, from, to string) {
	m.Called(handle, from, to)
}

func (m *MockMetricsService) ObserveRateLimitWait(class string, seconds float64) {
	m.Called(class, seconds)
}

func (m *MockMetricsService) IncProjectorOp(op string) {
	m.Called(op)
}

func (m *MockMetricsService) ObserveProjectionDuration(duration float64) {
	m.Called(duration)
}
