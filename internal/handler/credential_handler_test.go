package handler_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"clinical-auth/internal/biometric"
	"clinical-auth/internal/handler"
	"clinical-auth/internal/hashing"
	"clinical-auth/internal/lockout"
	"clinical-auth/internal/models"
	"clinical-auth/internal/repository/memory"
	"clinical-auth/internal/service"
	"clinical-auth/internal/token"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testServer struct {
	router   http.Handler
	subjects *memory.SubjectRepository
	issuer   *token.JWTIssuer
}

func newTestServer(t *testing.T, opts handler.RouterOptions) *testServer {
	t.Helper()

	hasher, err := hashing.NewHasherWithParams(
		hashing.Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1},
		[]hashing.Pepper{{Value: "test-pepper", Version: 1}},
		[]byte("test-index-key"),
	)
	require.NoError(t, err)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	issuer := token.NewJWTIssuerWithKey("clinical-auth-test", key, nil, token.Lifetime{Access: 10 * time.Minute, Refresh: time.Hour})

	store := memory.NewCredentialStore()
	subjects := memory.NewSubjectRepository()
	deps := service.Dependencies{
		Store:      store,
		Locker:     memory.NewLocker(),
		Subjects:   subjects,
		Challenges: memory.NewChallengeStore(),
		Hasher:     hasher,
		Verifier:   biometric.NewVerifier(),
		Lockout:    lockout.NewEnforcingPolicy(store, 5, 15*time.Minute, time.Now),
		Logger:     zap.NewNop(),
	}
	factory, err := service.NewServiceFactory(deps)
	require.NoError(t, err)

	h := handler.NewCredentialHandler(factory.ProvisioningService(), factory.AuthenticationEngine(), issuer, zap.NewNop())
	return &testServer{
		router:   handler.NewRouter(h, zap.NewNop(), opts),
		subjects: subjects,
		issuer:   issuer,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, handler.Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var resp handler.Response
	if rec.Header().Get("Content-Type") == "application/json" && rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	}
	return rec, resp
}

func (s *testServer) provisionPIN(t *testing.T, subjectID, pin, deviceID string) models.CredentialMeta {
	t.Helper()
	rec, resp := s.do(t, http.MethodPost, "/api/v1/credentials", handler.ProvisionRequest{
		SubjectType: models.SubjectPatient,
		SubjectID:   subjectID,
		Method:      models.MethodPIN,
		Secret:      pin,
		DeviceID:    deviceID,
		IsPrimary:   true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.True(t, resp.Success)

	var meta models.CredentialMeta
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &meta))
	return meta
}

func TestLogin_IssuesTokens(t *testing.T) {
	s := newTestServer(t, handler.RouterOptions{})
	s.subjects.Put(models.SubjectPatient, "p-1", true)
	meta := s.provisionPIN(t, "p-1", "5683", "dev-1")

	rec, _ := s.do(t, http.MethodPost, "/api/v1/auth/login", handler.LoginRequest{
		SubjectType: models.SubjectPatient,
		SubjectID:   "p-1",
		Method:      models.MethodPIN,
		Secret:      "5683",
		DeviceID:    "dev-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var body struct {
		Data handler.LoginResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, meta.ID, body.Data.Principal.CredentialID)
	assert.Equal(t, models.ResolutionDeviceBound, body.Data.Principal.Resolution)

	claims, err := s.issuer.Parse(body.Data.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "p-1", claims.Subject)
}

func TestLogin_GlobalPINWithoutSubject(t *testing.T) {
	s := newTestServer(t, handler.RouterOptions{})
	s.subjects.Put(models.SubjectPatient, "p-1", true)
	s.provisionPIN(t, "p-1", "5683", "dev-1")

	rec, _ := s.do(t, http.MethodPost, "/api/v1/auth/login", handler.LoginRequest{
		SubjectType: models.SubjectPatient,
		Method:      models.MethodPIN,
		Secret:      "5683",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestLogin_FailuresAndLockout(t *testing.T) {
	s := newTestServer(t, handler.RouterOptions{})
	s.subjects.Put(models.SubjectPatient, "p-1", true)
	s.provisionPIN(t, "p-1", "5683", "dev-1")

	login := func(subjectID, pin string) (*httptest.ResponseRecorder, handler.Response) {
		return s.do(t, http.MethodPost, "/api/v1/auth/login", handler.LoginRequest{
			SubjectType: models.SubjectPatient,
			SubjectID:   subjectID,
			Method:      models.MethodPIN,
			Secret:      pin,
			DeviceID:    "dev-1",
		})
	}

	rec, resp := login("p-1", "9999")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, service.ErrInvalidCredential.Error(), resp.Error)

	s.subjects.Put(models.SubjectPatient, "p-2", true)
	rec, resp = login("p-2", "9999")
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "missing credential looks like a wrong secret")
	assert.Equal(t, service.ErrInvalidCredential.Error(), resp.Error)

	for i := 0; i < 3; i++ {
		login("p-1", "9999")
	}
	rec, _ = login("p-1", "9999")
	assert.Equal(t, http.StatusLocked, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec, _ = login("p-1", "5683")
	assert.Equal(t, http.StatusLocked, rec.Code)
}

func TestProvision_StatusMapping(t *testing.T) {
	s := newTestServer(t, handler.RouterOptions{})
	s.subjects.Put(models.SubjectPatient, "p-1", true)
	s.subjects.Put(models.SubjectPatient, "p-2", true)
	s.provisionPIN(t, "p-1", "5683", "dev-1")

	tests := []struct {
		name   string
		req    handler.ProvisionRequest
		status int
	}{
		{
			name:   "weak pin",
			req:    handler.ProvisionRequest{SubjectType: models.SubjectPatient, SubjectID: "p-2", Method: models.MethodPIN, Secret: "1234", DeviceID: "dev-2"},
			status: http.StatusUnprocessableEntity,
		},
		{
			name:   "duplicate pin",
			req:    handler.ProvisionRequest{SubjectType: models.SubjectPatient, SubjectID: "p-2", Method: models.MethodPIN, Secret: "5683", DeviceID: "dev-2"},
			status: http.StatusConflict,
		},
		{
			name:   "missing device",
			req:    handler.ProvisionRequest{SubjectType: models.SubjectPatient, SubjectID: "p-2", Method: models.MethodPIN, Secret: "7391"},
			status: http.StatusBadRequest,
		},
		{
			name:   "inactive subject",
			req:    handler.ProvisionRequest{SubjectType: models.SubjectPatient, SubjectID: "nobody", Method: models.MethodPIN, Secret: "7391", DeviceID: "dev-3"},
			status: http.StatusForbidden,
		},
		{
			name:   "markup in device id",
			req:    handler.ProvisionRequest{SubjectType: models.SubjectPatient, SubjectID: "p-2", Method: models.MethodPIN, Secret: "7391", DeviceID: "<b>dev</b>"},
			status: http.StatusBadRequest,
		},
		{
			name:   "reserved method",
			req:    handler.ProvisionRequest{SubjectType: models.SubjectPatient, SubjectID: "p-2", Method: models.MethodTOTP, Secret: "123456"},
			status: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := s.do(t, http.MethodPost, "/api/v1/credentials", tt.req)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.False(t, resp.Success)
		})
	}
}

func TestProvision_RejectsUnknownFields(t *testing.T) {
	s := newTestServer(t, handler.RouterOptions{})
	rec, _ := s.do(t, http.MethodPost, "/api/v1/credentials", map[string]string{"pin_hash": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRotateListRevoke(t *testing.T) {
	s := newTestServer(t, handler.RouterOptions{})
	s.subjects.Put(models.SubjectPatient, "p-1", true)
	meta := s.provisionPIN(t, "p-1", "5683", "dev-1")

	rec, _ := s.do(t, http.MethodPost, "/api/v1/credentials/rotate", handler.RotateRequest{
		SubjectType: models.SubjectPatient,
		SubjectID:   "p-1",
		Method:      models.MethodPIN,
		OldSecret:   "5683",
		NewSecret:   "7391",
		DeviceID:    "dev-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, resp := s.do(t, http.MethodGet, "/api/v1/subjects/patient/p-1/credentials", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	items, ok := resp.Data.([]interface{})
	require.True(t, ok)
	assert.Len(t, items, 1)
	assert.NotContains(t, rec.Body.String(), "argon2", "secret material never leaves the service")

	rec, _ = s.do(t, http.MethodDelete, "/api/v1/credentials/"+meta.ID.String(), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, resp = s.do(t, http.MethodGet, "/api/v1/subjects/patient/p-1/credentials", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, resp.Data)

	rec, _ = s.do(t, http.MethodDelete, "/api/v1/credentials/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChallenge_RequiresBiometricCredential(t *testing.T) {
	s := newTestServer(t, handler.RouterOptions{})
	s.subjects.Put(models.SubjectPatient, "p-1", true)

	rec, _ := s.do(t, http.MethodPost, "/api/v1/auth/biometric/challenge", handler.ChallengeRequest{
		SubjectType: models.SubjectPatient,
		SubjectID:   "p-1",
		DeviceID:    "dev-1",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, handler.RouterOptions{})
	rec, _ := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	s = newTestServer(t, handler.RouterOptions{
		Health: func(context.Context) map[string]error {
			return map[string]error{"redis": errors.New("connection refused")}
		},
	})
	rec, _ = s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis")
}

func TestRequireTLS(t *testing.T) {
	s := newTestServer(t, handler.RouterOptions{RequireTLS: true})

	rec, _ := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusUpgradeRequired, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.TLS = &tls.ConnectionState{}
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t, handler.RouterOptions{})
	rec, _ := s.do(t, http.MethodGet, "/api/v1/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
