package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/fruitsalade/docvault/internal/logging"
	"github.com/fruitsalade/docvault/internal/metadata"
	"github.com/fruitsalade/docvault/internal/metrics"
	"github.com/fruitsalade/docvault/internal/models"
)

type response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    int    `json:"code,omitempty"`
}

type tokenResponse struct {
	Access    string       `json:"access"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      *models.User `json:"user"`
}

func sendJSON(w http.ResponseWriter, code int, body response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func sendAuthError(w http.ResponseWriter, code int, message string) {
	sendJSON(w, code, response{Error: message, Code: code})
}

func decodeCredentials(w http.ResponseWriter, r *http.Request) (Credentials, bool) {
	var creds Credentials
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&creds); err != nil {
		sendAuthError(w, http.StatusBadRequest, "invalid request body")
		return creds, false
	}
	return creds, true
}

// HandleRegister handles POST /api/auth/register.
func (a *Auth) HandleRegister(w http.ResponseWriter, r *http.Request) {
	creds, ok := decodeCredentials(w, r)
	if !ok {
		return
	}

	u, err := a.Register(r.Context(), creds)
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		sendAuthError(w, http.StatusBadRequest, "invalid "+verrs[0].Field()+": must satisfy "+verrs[0].Tag())
		return
	case errors.Is(err, ErrUsernameTaken):
		sendAuthError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		logging.WithContext(r.Context()).Error("registration failed", zap.Error(err))
		sendAuthError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	sendJSON(w, http.StatusCreated, response{Success: true, Data: u, Message: "user registered"})
}

// HandleLogin handles POST /api/auth/token.
func (a *Auth) HandleLogin(w http.ResponseWriter, r *http.Request) {
	creds, ok := decodeCredentials(w, r)
	if !ok {
		metrics.RecordAuthAttempt(false)
		return
	}
	if creds.Username == "" || creds.Password == "" {
		metrics.RecordAuthAttempt(false)
		sendAuthError(w, http.StatusBadRequest, "username and password required")
		return
	}

	u, err := a.Authenticate(r.Context(), creds.Username, creds.Password)
	if errors.Is(err, ErrInvalidCredentials) {
		metrics.RecordAuthAttempt(false)
		sendAuthError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if err != nil {
		metrics.RecordAuthAttempt(false)
		logging.WithContext(r.Context()).Error("login database error", zap.Error(err))
		sendAuthError(w, http.StatusInternalServerError, "database error")
		return
	}

	token, expires, err := a.IssueToken(u)
	if err != nil {
		metrics.RecordAuthAttempt(false)
		logging.WithContext(r.Context()).Error("failed to sign token", zap.Error(err))
		sendAuthError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	metrics.RecordAuthAttempt(true)
	logging.WithContext(r.Context()).Info("login successful", zap.String("username", u.Username))
	sendJSON(w, http.StatusOK, response{
		Success: true,
		Data:    tokenResponse{Access: token, ExpiresAt: expires, User: u},
	})
}

// HandleMe handles GET /api/auth/me. It must run behind Middleware.
func (a *Auth) HandleMe(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())
	if claims == nil {
		sendAuthError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	u, err := a.users.GetUser(r.Context(), claims.UserID)
	if errors.Is(err, metadata.ErrNotFound) {
		sendAuthError(w, http.StatusUnauthorized, "account no longer exists")
		return
	}
	if err != nil {
		logging.WithContext(r.Context()).Error("get user failed", zap.Error(err))
		sendAuthError(w, http.StatusInternalServerError, "database error")
		return
	}
	sendJSON(w, http.StatusOK, response{Success: true, Data: u})
}
