package server_test

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tejusbharadwaj/powerusage/internal/models"
	"github.com/tejusbharadwaj/powerusage/internal/promquery/mocks"
	"github.com/tejusbharadwaj/powerusage/internal/server"
	"github.com/tejusbharadwaj/powerusage/internal/window"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestServer(t *testing.T, querier *mocks.MockQuerier, config server.ServerConfig) *server.Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	srv, err := server.SetupServerWithRegistry(querier, testLogger(), config, reg, reg)
	require.NoError(t, err)
	return srv
}

func sample(instance, address string, value float64) models.LabeledSample {
	return models.LabeledSample{
		Labels: map[string]string{"__name__": "energy", "instance": instance, "address": address},
		Value:  value,
	}
}

func usageURL(params map[string]string) string {
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	return server.PowerUsagePath + "?" + q.Encode()
}

func do(srv http.Handler, method, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func TestPowerUsage(t *testing.T) {
	w, err := window.Resolve("2024-06-01", "12:00")
	require.NoError(t, err)

	defaultParams := map[string]string{"target": "192.168.1.1", "date": "2024-06-01", "time": "12:00"}
	withParam := func(k, v string) map[string]string {
		p := map[string]string{}
		for key, val := range defaultParams {
			p[key] = val
		}
		p[k] = v
		return p
	}

	tests := []struct {
		name         string
		params       map[string]string
		setupMock    func(m *mocks.MockQuerier)
		expectedCode int
		expectedCT   string
		expectedBody string
	}{
		{
			name:   "Success case",
			params: defaultParams,
			setupMock: func(m *mocks.MockQuerier) {
				m.EXPECT().Query(gomock.Any(), "192.168.1.1", w.Previous).
					Return([]models.LabeledSample{sample("192.168.1.1", "1", 125.5)}, nil)
				m.EXPECT().Query(gomock.Any(), "192.168.1.1", w.Current).
					Return([]models.LabeledSample{sample("192.168.1.1", "1", 127.9)}, nil)
			},
			expectedCode: http.StatusOK,
			expectedCT:   "application/json",
		},
		{
			name:   "CSV output",
			params: withParam("csv", "true"),
			setupMock: func(m *mocks.MockQuerier) {
				m.EXPECT().Query(gomock.Any(), "192.168.1.1", w.Previous).
					Return([]models.LabeledSample{sample("192.168.1.1", "5", 10), sample("192.168.1.1", "3", 20)}, nil)
				m.EXPECT().Query(gomock.Any(), "192.168.1.1", w.Current).
					Return([]models.LabeledSample{sample("192.168.1.1", "3", 44), sample("192.168.1.1", "5", 34)}, nil)
			},
			expectedCode: http.StatusOK,
			expectedCT:   "text/csv",
			expectedBody: "Target,Address,Prev_kWh,Current_KWh,Daily_KWh,Avg_Power_Watt\n" +
				"192.168.1.1,1,20,44,24,1000\n" +
				"192.168.1.1,2,10,34,24,1000\n",
		},
		{
			name:   "csv=false keeps JSON",
			params: withParam("csv", "false"),
			setupMock: func(m *mocks.MockQuerier) {
				m.EXPECT().Query(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, nil).Times(2)
			},
			expectedCode: http.StatusOK,
			expectedCT:   "application/json",
			expectedBody: "{}",
		},
		{
			name:   "Empty current vector",
			params: defaultParams,
			setupMock: func(m *mocks.MockQuerier) {
				m.EXPECT().Query(gomock.Any(), "192.168.1.1", w.Previous).
					Return([]models.LabeledSample{sample("192.168.1.1", "1", 1)}, nil)
				m.EXPECT().Query(gomock.Any(), "192.168.1.1", w.Current).
					Return([]models.LabeledSample{}, nil)
			},
			expectedCode: http.StatusOK,
			expectedCT:   "application/json",
			expectedBody: "{}",
		},
		{
			name:   "Addresses sorted",
			params: defaultParams,
			setupMock: func(m *mocks.MockQuerier) {
				m.EXPECT().Query(gomock.Any(), "192.168.1.1", w.Previous).
					Return([]models.LabeledSample{sample("192.168.1.1", "2", 0), sample("192.168.1.1", "1", 0)}, nil)
				m.EXPECT().Query(gomock.Any(), "192.168.1.1", w.Current).
					Return([]models.LabeledSample{sample("192.168.1.1", "2", 48), sample("192.168.1.1", "1", 24)}, nil)
			},
			expectedCode: http.StatusOK,
			expectedCT:   "application/json",
			expectedBody: `{"192.168.1.1":[` +
				`{"prev_kwh":0,"curr_kwh":24,"daily_kwh":24,"avg_power_watt":1000},` +
				`{"prev_kwh":0,"curr_kwh":48,"daily_kwh":48,"avg_power_watt":2000}]}`,
		},
		{
			name:         "Missing date",
			params:       map[string]string{"target": "192.168.1.1", "time": "12:00"},
			setupMock:    func(m *mocks.MockQuerier) {},
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "Missing target",
			params:       map[string]string{"date": "2024-06-01", "time": "12:00"},
			setupMock:    func(m *mocks.MockQuerier) {},
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "Empty time",
			params:       withParam("time", ""),
			setupMock:    func(m *mocks.MockQuerier) {},
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "Invalid date",
			params:       withParam("date", "2024-02-30"),
			setupMock:    func(m *mocks.MockQuerier) {},
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "Invalid time",
			params:       withParam("time", "7pm"),
			setupMock:    func(m *mocks.MockQuerier) {},
			expectedCode: http.StatusBadRequest,
		},
		{
			name:   "Unknown csv value keeps JSON",
			params: withParam("csv", "maybe"),
			setupMock: func(m *mocks.MockQuerier) {
				m.EXPECT().Query(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, nil).Times(2)
			},
			expectedCode: http.StatusOK,
			expectedCT:   "application/json",
			expectedBody: "{}",
		},
		{
			name:   "Rejected target",
			params: withParam("target", `a"}`),
			setupMock: func(m *mocks.MockQuerier) {
				m.EXPECT().Query(gomock.Any(), `a"}`, gomock.Any()).
					Return(nil, fmt.Errorf("%w: bad target", models.ErrInvalidParameter)).Times(2)
			},
			expectedCode: http.StatusBadRequest,
		},
		{
			name:   "Prometheus unavailable",
			params: defaultParams,
			setupMock: func(m *mocks.MockQuerier) {
				m.EXPECT().Query(gomock.Any(), "192.168.1.1", w.Current).
					Return(nil, fmt.Errorf("%w: server_error: 503 Service Unavailable", models.ErrUpstreamUnavailable))
				m.EXPECT().Query(gomock.Any(), "192.168.1.1", w.Previous).
					Return([]models.LabeledSample{}, nil).AnyTimes()
			},
			expectedCode: http.StatusBadGateway,
		},
		{
			name:   "Prometheus data error",
			params: defaultParams,
			setupMock: func(m *mocks.MockQuerier) {
				m.EXPECT().Query(gomock.Any(), "192.168.1.1", w.Previous).
					Return(nil, fmt.Errorf("%w: bad_data", models.ErrUpstreamData))
				m.EXPECT().Query(gomock.Any(), "192.168.1.1", w.Current).
					Return([]models.LabeledSample{}, nil).AnyTimes()
			},
			expectedCode: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockQuerier := mocks.NewMockQuerier(ctrl)
			tt.setupMock(mockQuerier)
			srv := newTestServer(t, mockQuerier, server.ServerConfig{})

			resp := do(srv, http.MethodGet, usageURL(tt.params))

			require.Equal(t, tt.expectedCode, resp.Code, resp.Body.String())
			if tt.expectedCode != http.StatusOK {
				var body map[string]string
				require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
				assert.NotEmpty(t, body["error"])
				return
			}
			assert.Equal(t, tt.expectedCT, resp.Header().Get("Content-Type"))
			if tt.expectedBody != "" {
				assert.Equal(t, tt.expectedBody, resp.Body.String())
			}
		})
	}
}

func TestPowerUsage_Scenario(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockQuerier := mocks.NewMockQuerier(ctrl)
	w, err := window.Resolve("2024-06-01", "12:00")
	require.NoError(t, err)
	mockQuerier.EXPECT().Query(gomock.Any(), "192.168.1.1", w.Previous).
		Return([]models.LabeledSample{sample("192.168.1.1", "1", 125.4)}, nil)
	mockQuerier.EXPECT().Query(gomock.Any(), "192.168.1.1", w.Current).
		Return([]models.LabeledSample{sample("192.168.1.1", "1", 127.8)}, nil)

	srv := newTestServer(t, mockQuerier, server.ServerConfig{})
	resp := do(srv, http.MethodGet, usageURL(map[string]string{"target": "192.168.1.1", "date": "2024-06-01", "time": "12:00"}))
	require.Equal(t, http.StatusOK, resp.Code)

	var body map[string][]map[string]float64
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Len(t, body["192.168.1.1"], 1)
	rec := body["192.168.1.1"][0]
	assert.Equal(t, 125.4, rec["prev_kwh"])
	assert.Equal(t, 127.8, rec["curr_kwh"])
	assert.InDelta(t, 2.4, rec["daily_kwh"], 1e-9)
	assert.InDelta(t, 100.0, rec["avg_power_watt"], 1e-6)
}

func TestPowerUsage_MethodNotAllowed(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	srv := newTestServer(t, mocks.NewMockQuerier(ctrl), server.ServerConfig{})
	resp := do(srv, http.MethodPost, server.PowerUsagePath)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.Code)
}

func TestPowerUsage_RateLimited(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	srv := newTestServer(t, mocks.NewMockQuerier(ctrl), server.ServerConfig{RateLimit: 0.001, RateLimitBurst: 1})

	// Validation failures still consume tokens.
	first := do(srv, http.MethodGet, server.PowerUsagePath)
	assert.Equal(t, http.StatusBadRequest, first.Code)
	second := do(srv, http.MethodGet, server.PowerUsagePath)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)

	// Health endpoints are not limited.
	assert.Equal(t, http.StatusOK, do(srv, http.MethodGet, "/healthz").Code)
}

func TestHealthEndpoints(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	srv := newTestServer(t, mocks.NewMockQuerier(ctrl), server.ServerConfig{})

	assert.Equal(t, http.StatusOK, do(srv, http.MethodGet, "/healthz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(srv, http.MethodGet, "/readyz").Code)

	srv.Health().SetServingStatus(server.ServiceName, server.StatusServing)
	ready := do(srv, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusOK, ready.Code)
	assert.JSONEq(t, `{"status":"SERVING"}`, ready.Body.String())

	srv.Health().SetServingStatus(server.ServiceName, server.StatusNotServing)
	assert.Equal(t, http.StatusServiceUnavailable, do(srv, http.MethodGet, "/readyz").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	srv := newTestServer(t, mocks.NewMockQuerier(ctrl), server.ServerConfig{})
	do(srv, http.MethodGet, "/healthz")

	resp := do(srv, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `powerusage_http_requests_total{code="200",route="/healthz"} 1`)
}

func TestSetupServer(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockQuerier := mocks.NewMockQuerier(ctrl)
	reg := prometheus.NewRegistry()

	srv, err := server.SetupServerWithRegistry(mockQuerier, testLogger(), server.DefaultServerConfig(), reg, reg)
	require.NoError(t, err)
	require.NotNil(t, srv)

	// Test with invalid config
	invalidConfig := server.ServerConfig{
		RateLimit: -1,
	}
	srv, err = server.SetupServerWithRegistry(mockQuerier, testLogger(), invalidConfig, prometheus.NewRegistry(), reg)
	require.Error(t, err)
	require.Nil(t, srv)

	// Collectors already registered
	srv, err = server.SetupServerWithRegistry(mockQuerier, testLogger(), server.DefaultServerConfig(), reg, reg)
	require.Error(t, err)
	require.Nil(t, srv)
}
