package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/pscheid92/tenantcast/internal/platform/errors"
)

const testRemoteAddr = "1.2.3.4:1234"

func callRateLimited(t *testing.T, handler echo.HandlerFunc, remoteAddr string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/tenants/t1/events", nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	return rec, handler(echo.New().NewContext(req, rec))
}

func TestRateLimiterAllowsRequestsUnderLimit(t *testing.T) {
	handler := newRateLimiter(10, 3)(func(c echo.Context) error {
		return c.NoContent(http.StatusAccepted)
	})

	for n := 0; n < 3; n++ {
		rec, err := callRateLimited(t, handler, testRemoteAddr)
		require.NoError(t, err)
		assert.Equal(t, http.StatusAccepted, rec.Code)
	}
}

func TestRateLimiterBlocksExcessiveRequests(t *testing.T) {
	handler := newRateLimiter(0.01, 1)(func(c echo.Context) error {
		return c.NoContent(http.StatusAccepted)
	})

	_, err := callRateLimited(t, handler, testRemoteAddr)
	require.NoError(t, err)

	_, err = callRateLimited(t, handler, testRemoteAddr)
	var structured *apperrors.Error
	require.ErrorAs(t, err, &structured)
	assert.Equal(t, apperrors.TypeRateLimited, structured.Type)
	assert.Equal(t, http.StatusTooManyRequests, structured.HTTPStatus())
}

func TestRateLimiterIsPerClient(t *testing.T) {
	handler := newRateLimiter(0.01, 1)(func(c echo.Context) error {
		return c.NoContent(http.StatusAccepted)
	})

	_, err := callRateLimited(t, handler, testRemoteAddr)
	require.NoError(t, err)

	rec, err := callRateLimited(t, handler, "5.6.7.8:1234")
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
