package handler

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"clinical-auth/internal/models"
	"clinical-auth/internal/service"
	"clinical-auth/internal/token"
	"clinical-auth/internal/util"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxBodyBytes = 64 << 10

// CredentialHandler exposes provisioning and login over HTTP.
type CredentialHandler struct {
	provisioning *service.ProvisioningService
	engine       *service.AuthenticationEngine
	issuer       token.Issuer
	logger       *zap.Logger
	now          func() time.Time
}

func NewCredentialHandler(provisioning *service.ProvisioningService, engine *service.AuthenticationEngine, issuer token.Issuer, logger *zap.Logger) *CredentialHandler {
	return &CredentialHandler{
		provisioning: provisioning,
		engine:       engine,
		issuer:       issuer,
		logger:       logger,
		now:          time.Now,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

type LoginRequest struct {
	SubjectType models.SubjectType `json:"subject_type"`
	SubjectID   string             `json:"subject_id,omitempty"`
	Method      models.Method      `json:"method"`
	Secret      string             `json:"secret,omitempty"`
	DeviceID    string             `json:"device_id,omitempty"`
	Challenge   string             `json:"challenge,omitempty"`
	Signature   string             `json:"signature,omitempty"`
}

type LoginResponse struct {
	Principal *models.Principal `json:"principal"`
	Tokens    *token.Pair       `json:"tokens"`
}

type ChallengeRequest struct {
	SubjectType models.SubjectType `json:"subject_type"`
	SubjectID   string             `json:"subject_id"`
	DeviceID    string             `json:"device_id"`
}

type ProvisionRequest struct {
	SubjectType     models.SubjectType   `json:"subject_type"`
	SubjectID       string               `json:"subject_id"`
	Method          models.Method        `json:"method"`
	Secret          string               `json:"secret"`
	DeviceID        string               `json:"device_id,omitempty"`
	DeviceName      string               `json:"device_name,omitempty"`
	DeviceClass     string               `json:"device_class,omitempty"`
	IsPrimary       bool                 `json:"is_primary,omitempty"`
	BiometricType   models.BiometricType `json:"biometric_type,omitempty"`
	CredentialKeyID string               `json:"credential_key_id,omitempty"`
	ExpiresAt       *time.Time           `json:"expires_at,omitempty"`
}

type RotateRequest struct {
	SubjectType models.SubjectType `json:"subject_type"`
	SubjectID   string             `json:"subject_id"`
	Method      models.Method      `json:"method"`
	OldSecret   string             `json:"old_secret"`
	NewSecret   string             `json:"new_secret"`
	DeviceID    string             `json:"device_id,omitempty"`
}

// RegisterRoutes registers all credential routes
func (h *CredentialHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		r.Post("/login", h.Login)
		r.Post("/biometric/challenge", h.IssueChallenge)
	})

	// Callers are expected to sit behind the gateway's service authentication.
	router.Route("/credentials", func(r chi.Router) {
		r.Post("/", h.Provision)
		r.Post("/rotate", h.Rotate)
		r.Delete("/{credentialID}", h.Revoke)
	})

	router.Get("/subjects/{subjectType}/{subjectID}/credentials", h.ListCredentials)
}

// Login verifies a secret or signed challenge and returns a token pair.
func (h *CredentialHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req LoginRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	principal, err := h.engine.Authenticate(ctx, service.AuthRequest{
		SubjectType: req.SubjectType,
		SubjectID:   req.SubjectID,
		Method:      req.Method,
		Secret:      req.Secret,
		DeviceID:    req.DeviceID,
		Challenge:   req.Challenge,
		Signature:   req.Signature,
	})
	if err != nil {
		h.respondWithServiceError(w, err, true, "Authentication failed")
		return
	}

	pair, err := h.issuer.Issue(ctx, principal)
	if err != nil {
		h.logger.Error("Token issuance failed",
			util.String("subject_id", principal.SubjectID),
			util.ErrorField(err))
		h.respondWithError(w, http.StatusInternalServerError, errors.New("internal error"), "Failed to issue token")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(LoginResponse{Principal: principal, Tokens: pair}, "Authenticated"))
	h.logger.Info("Login via HTTP",
		util.String("subject_type", string(principal.SubjectType)),
		util.String("subject_id", principal.SubjectID),
		util.String("resolution", string(principal.Resolution)),
		util.Duration("duration", time.Since(startTime)),
	)
}

// IssueChallenge returns a nonce for the device to sign.
func (h *CredentialHandler) IssueChallenge(w http.ResponseWriter, r *http.Request) {
	var req ChallengeRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	challenge, err := h.engine.IssueChallenge(r.Context(), req.SubjectType, req.SubjectID, req.DeviceID)
	if err != nil {
		h.respondWithServiceError(w, err, false, "Failed to issue challenge")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(challenge, "Challenge issued"))
}

// Provision creates a credential for a subject.
func (h *CredentialHandler) Provision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req ProvisionRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	meta, err := h.provisioning.Provision(ctx, req.SubjectType, req.SubjectID, req.Method, req.Secret, service.ProvisionOptions{
		DeviceID:        req.DeviceID,
		DeviceName:      req.DeviceName,
		DeviceClass:     req.DeviceClass,
		IsPrimary:       req.IsPrimary,
		BiometricType:   req.BiometricType,
		CredentialKeyID: req.CredentialKeyID,
		ExpiresAt:       req.ExpiresAt,
	})
	if err != nil {
		h.respondWithServiceError(w, err, false, "Failed to provision credential")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(meta, "Credential provisioned"))
	h.logger.Info("Credential provisioned via HTTP",
		util.String("credential_id", meta.ID.String()),
		util.String("method", string(meta.Method)),
		util.Duration("duration", time.Since(startTime)),
	)
}

// Rotate replaces a PIN or password after verifying the old one.
func (h *CredentialHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	var req RotateRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	meta, err := h.provisioning.ChangeSecret(r.Context(), service.ChangeSecretRequest{
		SubjectType: req.SubjectType,
		SubjectID:   req.SubjectID,
		Method:      req.Method,
		OldSecret:   req.OldSecret,
		NewSecret:   req.NewSecret,
		DeviceID:    req.DeviceID,
	})
	if err != nil {
		h.respondWithServiceError(w, err, false, "Failed to change secret")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(meta, "Secret changed"))
}

func (h *CredentialHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	credentialID, err := uuid.Parse(chi.URLParam(r, "credentialID"))
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid credential ID format")
		return
	}

	if err := h.provisioning.Revoke(r.Context(), credentialID); err != nil {
		h.respondWithServiceError(w, err, false, "Failed to revoke credential")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]string{"id": credentialID.String()}, "Credential revoked"))
}

func (h *CredentialHandler) ListCredentials(w http.ResponseWriter, r *http.Request) {
	subjectType := models.SubjectType(chi.URLParam(r, "subjectType"))
	subjectID := chi.URLParam(r, "subjectID")

	metas, err := h.provisioning.ListActive(r.Context(), subjectType, subjectID)
	if err != nil {
		h.respondWithServiceError(w, err, false, "Failed to list credentials")
		return
	}
	if metas == nil {
		metas = []models.CredentialMeta{}
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(metas, "Credentials retrieved"))
}

func (h *CredentialHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// respondWithServiceError maps service errors to HTTP statuses. On login paths a missing
// credential is reported exactly like a wrong secret.
func (h *CredentialHandler) respondWithServiceError(w http.ResponseWriter, err error, login bool, message string) {
	var locked *service.LockedError
	if errors.As(err, &locked) {
		retry := int(math.Ceil(locked.Until.Sub(h.now()).Seconds()))
		if retry < 1 {
			retry = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retry))
	}

	status := h.getStatusCode(err)
	if login && (status == http.StatusNotFound || status == http.StatusUnauthorized) {
		h.respondWithError(w, http.StatusUnauthorized, service.ErrInvalidCredential, message)
		return
	}
	if status == http.StatusInternalServerError {
		h.logger.Error(message, util.ErrorField(err))
		h.respondWithError(w, status, errors.New("internal error"), message)
		return
	}
	h.respondWithError(w, status, err, message)
}

func (h *CredentialHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrAccountLocked):
		return http.StatusLocked
	case errors.Is(err, service.ErrInvalidCredential):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrCredentialNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrSubjectInactiveOrMissing):
		return http.StatusForbidden
	case errors.Is(err, service.ErrDuplicateSecret):
		return http.StatusConflict
	case errors.Is(err, service.ErrWeakSecret):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, service.ErrDeviceBindingRequired),
		errors.Is(err, service.ErrMalformedBiometricKey):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *CredentialHandler) respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("Failed to encode response", util.ErrorField(err))
	}
}

func (h *CredentialHandler) respondWithError(w http.ResponseWriter, status int, err error, message string) {
	h.respondWithJSON(w, status, errorResponse(err, message))
}
