package mid

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/anomaly-armada/internal/api/errs"
	"github.com/ahrav/anomaly-armada/internal/domain/job"
	"github.com/ahrav/anomaly-armada/internal/domain/shared"
	"github.com/ahrav/anomaly-armada/pkg/common/logger"
	"github.com/ahrav/anomaly-armada/pkg/web"
)

type mockAPIMetrics struct{ mock.Mock }

func (m *mockAPIMetrics) IncRequestsTotal(ctx context.Context, method, path string, status int) {
	m.Called(ctx, method, path, status)
}

func (m *mockAPIMetrics) ObserveRequestDuration(ctx context.Context, method, path string, d time.Duration) {
	m.Called(ctx, method, path, d)
}

func (m *mockAPIMetrics) IncRequestErrors(ctx context.Context, code string) {
	m.Called(ctx, code)
}

func returning(resp web.Encoder) web.HandlerFunc {
	return func(context.Context, *http.Request) web.Encoder { return resp }
}

func testLogger() *logger.Logger { return logger.New(io.Discard, logger.LevelDebug, "test", nil) }

func TestErrors_MapsDomainSentinels(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantField  string
	}{
		{
			name:       "job not found",
			err:        shared.NewError("get_job", "cpu", job.ErrJobNotFound),
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "invalid config names the field",
			err:        shared.NewFieldError("create_job", "cpu", "bucket_span", job.ErrInvalidConfiguration),
			wantStatus: http.StatusBadRequest,
			wantField:  "bucket_span",
		},
		{
			name:       "concurrent access",
			err:        job.ErrConcurrentAccess,
			wantStatus: http.StatusConflict,
		},
		{
			name:       "unknown error",
			err:        errors.New("disk on fire"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Errors(testLogger())(returning(errs.FromDomain(tt.err)))
			resp := h(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))

			e, ok := resp.(*errs.Error)
			require.True(t, ok)
			assert.Equal(t, tt.wantStatus, e.HTTPStatus())
			assert.Equal(t, tt.wantField, e.Field)
		})
	}
}

func TestErrors_PassesThroughSuccess(t *testing.T) {
	ok := web.JSON{Value: "fine"}
	resp := Errors(testLogger())(returning(ok))(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, ok, resp)
}

func TestPanics(t *testing.T) {
	h := Panics()(func(context.Context, *http.Request) web.Encoder { panic("boom") })
	resp := h(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))

	e, ok := resp.(*errs.Error)
	require.True(t, ok)
	assert.Equal(t, errs.Internal, e.Code)
	assert.Contains(t, e.Message, "PANIC [boom]")
}

func TestMetrics(t *testing.T) {
	m := new(mockAPIMetrics)
	m.On("IncRequestErrors", mock.Anything, "not_found").Once()
	m.On("IncRequestsTotal", mock.Anything, http.MethodGet, mock.Anything, http.StatusNotFound).Once()
	m.On("ObserveRequestDuration", mock.Anything, http.MethodGet, mock.Anything, mock.Anything).Once()

	h := Metrics(m)(returning(errs.New(errs.NotFound, job.ErrJobNotFound)))
	h(context.Background(), httptest.NewRequest(http.MethodGet, "/v1/jobs/x", nil))

	m.AssertExpectations(t)
}
