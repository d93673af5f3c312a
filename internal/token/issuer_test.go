package token_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"clinical-auth/internal/config"
	"clinical-auth/internal/models"
	"clinical-auth/internal/token"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.TokenConfig {
	return config.TokenConfig{
		Issuer:            "clinical-auth-test",
		PatientAccessTTL:  24 * time.Hour,
		PatientRefreshTTL: 30 * 24 * time.Hour,
		StaffAccessTTL:    15 * time.Minute,
		StaffRefreshTTL:   8 * time.Hour,
		DefaultAccessTTL:  10 * time.Minute,
		DefaultRefreshTTL: time.Hour,
	}
}

func newIssuer(t *testing.T, now time.Time) *token.JWTIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	cfg := testConfig()
	iss := token.NewJWTIssuerWithKey(cfg.Issuer, key, token.LifetimePolicy(cfg), token.Lifetime{
		Access:  cfg.DefaultAccessTTL,
		Refresh: cfg.DefaultRefreshTTL,
	})
	iss.SetClock(func() time.Time { return now })
	return iss
}

func TestIssue_LifetimeBySubjectType(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	iss := newIssuer(t, now)

	tests := []struct {
		subject models.SubjectType
		access  time.Duration
		refresh time.Duration
	}{
		{models.SubjectPatient, 24 * time.Hour, 30 * 24 * time.Hour},
		{models.SubjectClinician, 15 * time.Minute, 8 * time.Hour},
		{models.SubjectAdmin, 15 * time.Minute, 8 * time.Hour},
		{models.SubjectLegacy, 10 * time.Minute, time.Hour},
	}

	for _, tt := range tests {
		t.Run(string(tt.subject), func(t *testing.T) {
			pair, err := iss.Issue(context.Background(), &models.Principal{
				SubjectType:  tt.subject,
				SubjectID:    "s-1",
				Method:       models.MethodPIN,
				CredentialID: uuid.New(),
			})
			require.NoError(t, err)
			assert.Equal(t, "Bearer", pair.TokenType)
			assert.True(t, pair.ExpiresAt.Equal(now.Add(tt.access)), "access expiry %s", pair.ExpiresAt)
			assert.True(t, pair.RefreshExpiresAt.Equal(now.Add(tt.refresh)), "refresh expiry %s", pair.RefreshExpiresAt)
			assert.Len(t, pair.RefreshToken, 64)
		})
	}
}

func TestIssue_ClaimsRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	iss := newIssuer(t, now)
	credID := uuid.New()

	pair, err := iss.Issue(context.Background(), &models.Principal{
		SubjectType:  models.SubjectPatient,
		SubjectID:    "7",
		Method:       models.MethodPIN,
		DeviceID:     "dev-1",
		CredentialID: credID,
		Resolution:   models.ResolutionPrimaryFallback,
	})
	require.NoError(t, err)

	claims, err := iss.Parse(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "7", claims.Subject)
	assert.Equal(t, "clinical-auth-test", claims.Issuer)
	assert.Equal(t, models.SubjectPatient, claims.SubjectType)
	assert.Equal(t, models.MethodPIN, claims.Method)
	assert.Equal(t, "dev-1", claims.DeviceID)
	assert.Equal(t, credID.String(), claims.CredentialID)
	assert.Equal(t, models.ResolutionPrimaryFallback, claims.Resolution)
	assert.NotEmpty(t, claims.ID)
}

func TestParse_Rejects(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	iss := newIssuer(t, now)
	other := newIssuer(t, now)

	pair, err := other.Issue(context.Background(), &models.Principal{SubjectType: models.SubjectAdmin, SubjectID: "a-1"})
	require.NoError(t, err)

	_, err = iss.Parse(pair.AccessToken)
	assert.ErrorIs(t, err, token.ErrTokenInvalid, "foreign signing key")

	_, err = iss.Parse("not.a.token")
	assert.ErrorIs(t, err, token.ErrTokenInvalid)

	mine, err := iss.Issue(context.Background(), &models.Principal{SubjectType: models.SubjectAdmin, SubjectID: "a-1"})
	require.NoError(t, err)
	iss.SetClock(func() time.Time { return now.Add(time.Hour) })
	_, err = iss.Parse(mine.AccessToken)
	assert.ErrorIs(t, err, token.ErrTokenInvalid, "expired")
}

func TestIssue_RequiresPrincipal(t *testing.T) {
	iss := newIssuer(t, time.Now())
	_, err := iss.Issue(context.Background(), nil)
	assert.Error(t, err)
	_, err = iss.Issue(context.Background(), &models.Principal{SubjectType: models.SubjectPatient})
	assert.Error(t, err)
}

func TestNewJWTIssuer(t *testing.T) {
	t.Run("ephemeral key outside production", func(t *testing.T) {
		cfg := &config.Config{Environment: "development", Token: testConfig()}
		iss, err := token.NewJWTIssuer(cfg)
		require.NoError(t, err)
		pair, err := iss.Issue(context.Background(), &models.Principal{SubjectType: models.SubjectPatient, SubjectID: "7"})
		require.NoError(t, err)
		assert.NotEmpty(t, pair.AccessToken)
	})

	t.Run("production requires a key", func(t *testing.T) {
		cfg := &config.Config{Environment: "production", Token: testConfig()}
		_, err := token.NewJWTIssuer(cfg)
		assert.ErrorIs(t, err, token.ErrNoSigningKey)
	})

	t.Run("loads key pair from disk", func(t *testing.T) {
		dir := t.TempDir()
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)

		privPath := filepath.Join(dir, "jwt.key")
		require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		}), 0o600))

		pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
		require.NoError(t, err)
		pubPath := filepath.Join(dir, "jwt.pub")
		require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}), 0o600))

		cfg := &config.Config{Environment: "production", Token: testConfig()}
		cfg.Token.PrivateKeyPath = privPath
		cfg.Token.PublicKeyPath = pubPath
		_, err = token.NewJWTIssuer(cfg)
		require.NoError(t, err)

		otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		otherDER, err := x509.MarshalPKIXPublicKey(&otherKey.PublicKey)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: otherDER}), 0o600))
		_, err = token.NewJWTIssuer(cfg)
		assert.Error(t, err)
	})
}
