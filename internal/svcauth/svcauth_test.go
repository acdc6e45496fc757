package svcauth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueToken_RoundTripsWithCorrectClaims(t *testing.T) {
	svc := NewTokenService("s3cr3t", "dh-dispatcher", "dh-statuseffector")

	signed, err := svc.IssueToken(5 * time.Minute)
	require.NoError(t, err)

	parsed, err := jwt.Parse([]byte(signed), jwt.WithKey(jwa.HS256, []byte("s3cr3t")))
	require.NoError(t, err)

	assert.Equal(t, "dh-dispatcher", parsed.Issuer())
	assert.Contains(t, parsed.Audience(), "dh-statuseffector")
	assert.Equal(t, "dh-dispatcher", parsed.Subject())
}

func TestIssueToken_RejectedByWrongSecret(t *testing.T) {
	svc := NewTokenService("s3cr3t", "dh-dispatcher", "dh-statuseffector")
	signed, err := svc.IssueToken(5 * time.Minute)
	require.NoError(t, err)

	_, err = jwt.Parse([]byte(signed), jwt.WithKey(jwa.HS256, []byte("wrong-secret")))
	assert.Error(t, err)
}

func TestIssueToken_ExpiredTokenIsRejected(t *testing.T) {
	svc := NewTokenService("s3cr3t", "dh-dispatcher", "dh-statuseffector")
	signed, err := svc.IssueToken(-time.Second)
	require.NoError(t, err)

	_, err = jwt.Parse([]byte(signed), jwt.WithKey(jwa.HS256, []byte("s3cr3t")))
	assert.Error(t, err)
}

// Middleware wired into a real Echo route rejects requests missing a Bearer
// token and admits ones carrying a token IssueToken minted.
func TestMiddleware_ProtectsRoute(t *testing.T) {
	svc := NewTokenService("s3cr3t", "dh-dispatcher", "dh-statuseffector")

	e := echo.New()
	e.Use(svc.Middleware())
	e.POST("/v1/change_status", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	t.Run("missing token is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/change_status", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("valid token is admitted", func(t *testing.T) {
		token, err := svc.IssueToken(time.Minute)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodPost, "/v1/change_status", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
