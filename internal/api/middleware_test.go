package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"example.com/backstage/services/branchops/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RateLimiter(2))
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	hit := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = ip + ":1234"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, hit("10.0.0.1"))
	assert.Equal(t, http.StatusOK, hit("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, hit("10.0.0.1"))
	assert.Equal(t, http.StatusOK, hit("10.0.0.2"), "limits are per client")
}

func TestCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(CORS([]string{"https://ops.example.com"}))
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://ops.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestTokenIssuer(t *testing.T) {
	issuer, err := NewTokenIssuer("test-secret-that-is-long-enough-123", time.Hour)
	require.NoError(t, err)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	issuer.now = func() time.Time { return now }

	user := &core.User{UUID: "u-1", Role: core.RoleManager}
	raw, expiresAt, err := issuer.Issue(user)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), expiresAt)

	claims, err := issuer.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.Subject)
	assert.Equal(t, core.RoleManager, claims.Role)
	assert.NotEmpty(t, claims.ID)

	now = now.Add(2 * time.Hour)
	_, err = issuer.Parse(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)

	other, err := NewTokenIssuer("another-secret-that-is-long-enough", time.Hour)
	require.NoError(t, err)
	forged, _, err := other.Issue(user)
	require.NoError(t, err)
	_, err = issuer.Parse(forged)
	assert.ErrorIs(t, err, ErrInvalidToken)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u-1", "jti": "x"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = issuer.Parse(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewTokenIssuer("", time.Hour)
	assert.Error(t, err)
}

func TestRespondErrorHidesDetailsInProduction(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(httptest.NewRecorder())

	for _, production := range []bool{true, false} {
		h := &APIHandlers{logger: logger, production: production}
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

		h.respondError(c, errors.New("pq: connection refused"), "failed to list devices")
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		if production {
			assert.NotContains(t, w.Body.String(), "connection refused")
		} else {
			assert.Contains(t, w.Body.String(), "connection refused")
		}
	}
}

func TestRespondErrorTaxonomy(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := &APIHandlers{logger: logrus.New(), production: true}

	tests := []struct {
		err  error
		want int
	}{
		{core.ErrIPAddressRequired, http.StatusBadRequest},
		{core.ErrUsernameExists, http.StatusBadRequest},
		{core.ErrUserAlreadyDeployed, http.StatusBadRequest},
		{core.ErrDeviceNotFound, http.StatusNotFound},
		{core.ErrInvalidCredentials, http.StatusUnauthorized},
		{core.ErrNoBranchAssigned, http.StatusForbidden},
		{core.ErrQueueFull, http.StatusServiceUnavailable},
		{core.ErrAudioTooLarge, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		h.respondError(c, tt.err, "failed")
		assert.Equal(t, tt.want, w.Code, tt.err.Error())
	}
}
