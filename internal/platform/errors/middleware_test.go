package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newErrorsCounter() *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Name: "http_errors_total"}, []string{"type"})
}

func runMiddleware(t *testing.T, counter *prometheus.CounterVec, handlerErr error) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/api/tenants/t1/events", nil), rec)

	err := Middleware(counter)(func(echo.Context) error { return handlerErr })(c)
	return rec, err
}

func TestMiddleware_StructuredError(t *testing.T) {
	counter := newErrorsCounter()

	rec, err := runMiddleware(t, counter, ValidationError("invalid event").WithField("tenant_id", "t1"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "invalid event", resp.Error)
	assert.Equal(t, TypeValidation, resp.Type)
	assert.Equal(t, "t1", resp.Context["tenant_id"])
	assert.Equal(t, 1.0, testutil.ToFloat64(counter.WithLabelValues("validation")))
}

func TestMiddleware_PlainErrorBecomesInternal(t *testing.T) {
	counter := newErrorsCounter()

	rec, err := runMiddleware(t, counter, fmt.Errorf("registry stopped"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "internal server error", resp.Error)
	assert.NotContains(t, rec.Body.String(), "registry stopped", "causes are not leaked to clients")
	assert.Equal(t, 1.0, testutil.ToFloat64(counter.WithLabelValues("internal")))
}

func TestMiddleware_EchoHTTPErrorPassesThrough(t *testing.T) {
	counter := newErrorsCounter()
	httpErr := echo.NewHTTPError(http.StatusNotFound, "not found")

	_, err := runMiddleware(t, counter, httpErr)

	assert.Same(t, httpErr, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(counter.WithLabelValues("not_found")))
}

func TestMiddleware_NoError(t *testing.T) {
	rec, err := runMiddleware(t, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
}
