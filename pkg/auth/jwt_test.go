package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateParse(t *testing.T) {
	token, err := Generate("s3cret", "billing", time.Hour)
	require.NoError(t, err)

	claims, err := Parse("s3cret", token)
	require.NoError(t, err)
	assert.Equal(t, "billing", claims.Service)
	assert.Equal(t, "billing", claims.Subject)
	require.NotNil(t, claims.ExpiresAt)
}

func TestParseRejects(t *testing.T) {
	good, err := Generate("s3cret", "billing", time.Hour)
	require.NoError(t, err)
	// a non-positive ttl means no expiry
	forever, err := Generate("s3cret", "billing", -time.Hour)
	require.NoError(t, err)
	_, err = Parse("s3cret", forever)
	require.NoError(t, err)

	stale := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Service:          "billing",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))},
	})
	staleStr, err := stale.SignedString([]byte("s3cret"))
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Service: "billing"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"wrong secret": good,
		"expired":      staleStr,
		"none alg":     none,
		"garbage":      "not.a.token",
	} {
		t.Run(name, func(t *testing.T) {
			secret := "s3cret"
			if name == "wrong secret" {
				secret = "other"
			}
			_, err := Parse(secret, tok)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestGenerateNeedsSecret(t *testing.T) {
	_, err := Generate("", "billing", time.Hour)
	assert.Error(t, err)
}
