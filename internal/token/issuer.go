package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"clinical-auth/internal/config"
	"clinical-auth/internal/models"
	"clinical-auth/internal/util"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrNoSigningKey = errors.New("no signing key configured")
)

// Issuer mints tokens for an authenticated principal.
type Issuer interface {
	Issue(ctx context.Context, principal *models.Principal) (*Pair, error)
}

type Pair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Lifetime is the access/refresh pair of durations for one class of subject.
type Lifetime struct {
	Access  time.Duration
	Refresh time.Duration
}

// Claims carries the principal into the access token.
type Claims struct {
	jwt.RegisteredClaims
	SubjectType  models.SubjectType `json:"sub_type"`
	Method       models.Method      `json:"amr"`
	DeviceID     string             `json:"device_id,omitempty"`
	CredentialID string             `json:"cred"`
	Resolution   models.Resolution  `json:"res"`
}

type JWTIssuer struct {
	issuer     string
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	policy     map[models.SubjectType]Lifetime
	fallback   Lifetime
	now        func() time.Time
}

// NewJWTIssuer loads the RS256 key pair named in cfg. Outside production a missing
// private key path yields an ephemeral key, so tokens do not survive a restart.
func NewJWTIssuer(cfg *config.Config) (*JWTIssuer, error) {
	var key *rsa.PrivateKey
	switch {
	case cfg.Token.PrivateKeyPath != "":
		pemBytes, err := os.ReadFile(cfg.Token.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read signing key: %w", err)
		}
		key, err = jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse signing key: %w", err)
		}
	case cfg.IsProduction():
		return nil, ErrNoSigningKey
	default:
		util.Warn("JWT_PRIVATE_KEY_PATH not set, generating an ephemeral signing key")
		var err error
		key, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
	}

	issuer := NewJWTIssuerWithKey(cfg.Token.Issuer, key, LifetimePolicy(cfg.Token), Lifetime{
		Access:  cfg.Token.DefaultAccessTTL,
		Refresh: cfg.Token.DefaultRefreshTTL,
	})

	if cfg.Token.PublicKeyPath != "" {
		pemBytes, err := os.ReadFile(cfg.Token.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read verification key: %w", err)
		}
		pub, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse verification key: %w", err)
		}
		if !pub.Equal(&key.PublicKey) {
			return nil, errors.New("verification key does not match signing key")
		}
	}

	return issuer, nil
}

// LifetimePolicy builds the per-subject-type table: patients keep long sessions on
// their own devices, staff sessions are short.
func LifetimePolicy(cfg config.TokenConfig) map[models.SubjectType]Lifetime {
	staff := Lifetime{Access: cfg.StaffAccessTTL, Refresh: cfg.StaffRefreshTTL}
	return map[models.SubjectType]Lifetime{
		models.SubjectPatient:   {Access: cfg.PatientAccessTTL, Refresh: cfg.PatientRefreshTTL},
		models.SubjectClinician: staff,
		models.SubjectAdmin:     staff,
	}
}

func NewJWTIssuerWithKey(issuer string, key *rsa.PrivateKey, policy map[models.SubjectType]Lifetime, fallback Lifetime) *JWTIssuer {
	if fallback.Access <= 0 {
		fallback.Access = 15 * time.Minute
	}
	if fallback.Refresh <= 0 {
		fallback.Refresh = time.Hour
	}
	return &JWTIssuer{
		issuer:     issuer,
		privateKey: key,
		publicKey:  &key.PublicKey,
		policy:     policy,
		fallback:   fallback,
		now:        time.Now,
	}
}

// SetClock replaces the time source.
func (i *JWTIssuer) SetClock(now func() time.Time) {
	i.now = now
}

// LifetimeFor returns the configured lifetime for a subject type.
func (i *JWTIssuer) LifetimeFor(subjectType models.SubjectType) Lifetime {
	lt, ok := i.policy[subjectType]
	if !ok {
		return i.fallback
	}
	if lt.Access <= 0 {
		lt.Access = i.fallback.Access
	}
	if lt.Refresh <= 0 {
		lt.Refresh = i.fallback.Refresh
	}
	return lt
}

func (i *JWTIssuer) Issue(ctx context.Context, principal *models.Principal) (*Pair, error) {
	if principal == nil || principal.SubjectID == "" {
		return nil, errors.New("principal is required")
	}

	now := i.now().UTC()
	lt := i.LifetimeFor(principal.SubjectType)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   principal.SubjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lt.Access)),
			ID:        uuid.NewString(),
		},
		SubjectType:  principal.SubjectType,
		Method:       principal.Method,
		DeviceID:     principal.DeviceID,
		CredentialID: principal.CredentialID.String(),
		Resolution:   principal.Resolution,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(i.privateKey)
	if err != nil {
		return nil, fmt.Errorf("signing access token: %w", err)
	}

	refresh, err := generateRefreshToken()
	if err != nil {
		return nil, err
	}

	return &Pair{
		AccessToken:      signed,
		RefreshToken:     refresh,
		TokenType:        "Bearer",
		ExpiresAt:        claims.ExpiresAt.Time,
		RefreshExpiresAt: now.Add(lt.Refresh),
	}, nil
}

// Parse validates an access token's signature, issuer and expiry.
func (i *JWTIssuer) Parse(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(_ *jwt.Token) (any, error) {
		return i.publicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	return claims, nil
}

// generateRefreshToken returns 256 random bits, hex encoded.
func generateRefreshToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating refresh token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
