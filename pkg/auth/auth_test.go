package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(testSecret)
	require.NoError(t, err)
	return svc
}

func TestNewService_RejectsShortSecret(t *testing.T) {
	_, err := NewService("too-short")
	assert.ErrorIs(t, err, ErrInvalidSecretLength)
}

func TestValidate_RoundTrip(t *testing.T) {
	svc := newService(t)

	token, err := svc.Sign("u1", time.Minute)
	require.NoError(t, err)

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.ResolveUserID())
}

func TestValidate_SubjectFallback(t *testing.T) {
	svc := newService(t)

	// Token with only the standard "sub" claim, as issued by auth servers
	// that do not know the userId extension.
	raw := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "u2",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	})
	token, err := raw.SignedString([]byte(testSecret))
	require.NoError(t, err)

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "u2", claims.ResolveUserID())
}

func TestValidate_RejectsGarbage(t *testing.T) {
	svc := newService(t)

	_, err := svc.Validate("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidate_RejectsWrongSecret(t *testing.T) {
	other, err := NewService("ffffffffffffffffffffffffffffffff")
	require.NoError(t, err)
	token, err := other.Sign("u1", time.Minute)
	require.NoError(t, err)

	_, err = newService(t).Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidate_RejectsExpired(t *testing.T) {
	svc := newService(t)

	token, err := svc.Sign("u1", -time.Minute)
	require.NoError(t, err)

	_, err = svc.Validate(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestValidate_RejectsUnsignedAlg(t *testing.T) {
	svc := newService(t)

	raw := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "u1"})
	token, err := raw.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = svc.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidate_RejectsMissingUserID(t *testing.T) {
	svc := newService(t)

	raw := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	})
	token, err := raw.SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = svc.Validate(token)
	assert.ErrorIs(t, err, ErrMissingUserID)
}

func TestTokenFromRequest_Precedence(t *testing.T) {
	// Header beats query beats cookie.
	r := httptest.NewRequest("GET", "/ws?token=from-query", nil)
	r.Header.Set("Authorization", "Bearer from-header")
	r.AddCookie(&http.Cookie{Name: "token", Value: "from-cookie"})

	token, err := TokenFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "from-header", token)

	r = httptest.NewRequest("GET", "/ws?token=from-query", nil)
	r.AddCookie(&http.Cookie{Name: "token", Value: "from-cookie"})
	token, err = TokenFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "from-query", token)

	r = httptest.NewRequest("GET", "/ws", nil)
	r.AddCookie(&http.Cookie{Name: "token", Value: "from-cookie"})
	token, err = TokenFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "from-cookie", token)
}

func TestTokenFromRequest_Missing(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	_, err := TokenFromRequest(r)
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestTokenFromRequest_MalformedHeaderFallsThrough(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=from-query", nil)
	r.Header.Set("Authorization", "Basic abc123")

	token, err := TokenFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "from-query", token)
}
