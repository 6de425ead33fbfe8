package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

type echoRequest struct {
	Name string `json:"name"`
}

func (e *echoRequest) Decode(data []byte) error { return json.Unmarshal(data, e) }

func newTestApp(mw ...MidFunc) *App {
	return NewApp(func(context.Context, string, ...any) {}, noop.NewTracerProvider().Tracer("test"), mw...)
}

func TestApp_RoutesAndParams(t *testing.T) {
	var order []string
	trace := func(name string) MidFunc {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, r *http.Request) Encoder {
				order = append(order, name)
				return next(ctx, r)
			}
		}
	}

	app := newTestApp(trace("app"))
	app.HandlerFunc(http.MethodPost, "v1", "/jobs/{id}/echo", func(ctx context.Context, r *http.Request) Encoder {
		var req echoRequest
		if err := Decode(r, &req); err != nil {
			return JSON{Value: err.Error(), Status: http.StatusBadRequest}
		}
		return JSON{Value: map[string]string{"id": Param(r, "id"), "name": req.Name}, Status: http.StatusCreated}
	}, trace("route"))
	app.HandlerFunc(http.MethodDelete, "v1", "/jobs/{id}", func(ctx context.Context, r *http.Request) Encoder {
		return nil
	})

	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs/cpu/echo", strings.NewReader(`{"name":"a"}`)))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"id":"cpu","name":"a"}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, []string{"app", "route"}, order)

	rec = httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/jobs/cpu", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/cpu", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestApp_CORS(t *testing.T) {
	app := newTestApp()
	app.EnableCORS([]string{"https://ui.example"})
	app.HandlerFunc(http.MethodGet, "v1", "/ping", func(ctx context.Context, r *http.Request) Encoder {
		return JSON{Value: "pong"}
	})

	req := httptest.NewRequest(http.MethodOptions, "/v1/ping", nil)
	req.Header.Set("Origin", "https://ui.example")
	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://ui.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestQueryHelpers(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?skip=5&score=0.5&expand&interim=false&start=1700000000&end=2024-05-01T00:00:00Z&bad=x", nil)

	skip, err := QueryInt(r, "skip", 0)
	require.NoError(t, err)
	assert.Equal(t, 5, skip)

	take, err := QueryInt(r, "take", 100)
	require.NoError(t, err)
	assert.Equal(t, 100, take)

	score, err := QueryFloat(r, "score", 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, score, 1e-9)

	expand, err := QueryBool(r, "expand", false)
	require.NoError(t, err)
	assert.True(t, expand)

	interim, err := QueryBool(r, "interim", true)
	require.NoError(t, err)
	assert.False(t, interim)

	start, err := QueryTime(r, "start")
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), start)

	end, err := QueryTime(r, "end")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), end)

	_, err = QueryInt(r, "bad", 0)
	assert.Error(t, err)
	_, err = QueryTime(r, "bad")
	assert.ErrorIs(t, err, errBadTime)
}

func TestParseTime_Milliseconds(t *testing.T) {
	got, err := ParseTime("1700000000123")
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1700000000123).UTC(), got)
}
