package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeBrokerError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"deadline", fmt.Errorf("place: %w", context.DeadlineExceeded), BrokerErrorTimeout},
		{"timeout text", errors.New("i/o timeout"), BrokerErrorTimeout},
		{"breaker", errors.New("circuit breaker is open"), BrokerErrorCircuitOpen},
		{"rate", errors.New("HTTP 429 too many requests"), BrokerErrorRateLimit},
		{"auth", errors.New("401 unauthorized"), BrokerErrorAuth},
		{"disconnect", errors.New("broker not connected"), BrokerErrorDisconnected},
		{"invalid", errors.New("invalid symbol"), BrokerErrorInvalidReq},
		{"other", errors.New("boom"), BrokerErrorOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeBrokerError(tt.err))
		})
	}
}

func TestRecordBrokerCall(t *testing.T) {
	before := testutil.ToFloat64(BrokerCalls.WithLabelValues("test_op", ResultFailure))
	RecordBrokerCall("test_op", 12, errors.New("broker not connected"))
	RecordBrokerCall("test_op", 3, nil)

	assert.Equal(t, before+1, testutil.ToFloat64(BrokerCalls.WithLabelValues("test_op", ResultFailure)))
	assert.GreaterOrEqual(t, testutil.ToFloat64(BrokerCalls.WithLabelValues("test_op", ResultSuccess)), 1.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(BrokerErrors.WithLabelValues("test_op", BrokerErrorDisconnected)), 1.0)
}

func TestServerRoutes(t *testing.T) {
	log := zerolog.New(os.Stdout)

	tests := []struct {
		name       string
		health     HealthFunc
		path       string
		wantStatus int
	}{
		{name: "metrics", path: "/metrics", wantStatus: http.StatusOK},
		{name: "health without check", path: "/health", wantStatus: http.StatusOK},
		{
			name:       "unhealthy dependency",
			health:     func(ctx context.Context) error { return errors.New("db down") },
			path:       "/health",
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer(0, tt.health, log)
			rec := httptest.NewRecorder()
			srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestShutdownWithoutStart(t *testing.T) {
	srv := NewServer(0, nil, zerolog.Nop())
	require.NoError(t, srv.Shutdown(context.Background()))
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(GinMiddleware())
	router.GET("/orders/:id", func(c *gin.Context) { c.Status(http.StatusTeapot) })

	before := testutil.ToFloat64(APIRequests.WithLabelValues(http.MethodGet, "/orders/:id", "418"))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders/42", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(APIRequests.WithLabelValues(http.MethodGet, "/orders/:id", "418")))
}
