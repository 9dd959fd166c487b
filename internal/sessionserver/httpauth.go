package sessionserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tkaczmarek/arcade/internal/auth"
	"github.com/tkaczmarek/arcade/internal/storage/postgres"
)

// CredentialStore is the account backend the auth endpoints talk to.
// Implemented by postgres.AccountRepository.
type CredentialStore interface {
	Create(ctx context.Context, username, password string) (postgres.Account, error)
	Authenticate(ctx context.Context, username, password string) (postgres.Account, error)
}

// Revoker durably invalidates tokens. Implemented by
// postgres.RevocationRepository.
type Revoker interface {
	Revoke(ctx context.Context, token string, expiresAt time.Time) error
}

// AuthHandler serves the login, register and logout endpoints.
type AuthHandler struct {
	accounts    CredentialStore
	tokens      *auth.TokenService
	revocations Revoker
	stats       StatsService
	logger      *zap.Logger
}

// NewAuthHandler creates the HTTP auth handler.
//
// Precondition: all collaborators must be non-nil.
func NewAuthHandler(
	accounts CredentialStore,
	tokens *auth.TokenService,
	revocations Revoker,
	stats StatsService,
	logger *zap.Logger,
) *AuthHandler {
	return &AuthHandler{
		accounts:    accounts,
		tokens:      tokens,
		revocations: revocations,
		stats:       stats,
		logger:      logger,
	}
}

// Register installs the auth routes on the given mux.
func (h *AuthHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/auth/login", h.handleLogin)
	mux.HandleFunc("POST /api/auth/register", h.handleRegister)
	mux.HandleFunc("POST /api/auth/logout", h.handleLogout)
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *AuthHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		h.writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	acct, err := h.accounts.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, postgres.ErrAccountNotFound) || errors.Is(err, postgres.ErrInvalidCredentials) {
			h.writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		h.logger.Error("login failed", zap.String("username", req.Username), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	token, err := h.tokens.Issue(acct.Username)
	if err != nil {
		h.logger.Error("issuing token", zap.String("username", acct.Username), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := h.stats.RecordLogin(r.Context(), acct.ID, acct.Username); err != nil {
		// Stats are advisory; a failed update never blocks a login.
		h.logger.Warn("recording login stats", zap.String("username", acct.Username), zap.Error(err))
	}

	h.writeJSON(w, http.StatusOK, tokenResponse{Token: token, Username: acct.Username})
}

func (h *AuthHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		h.writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	if len(req.Username) > 64 {
		h.writeError(w, http.StatusBadRequest, "username too long")
		return
	}

	acct, err := h.accounts.Create(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, postgres.ErrAccountExists) {
			h.writeError(w, http.StatusConflict, "username already taken")
			return
		}
		h.logger.Error("registering account", zap.String("username", req.Username), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := h.stats.EnsureInitialStats(r.Context(), acct.ID, acct.Username); err != nil {
		h.logger.Warn("initializing stats", zap.String("username", acct.Username), zap.Error(err))
	}

	h.logger.Info("account registered", zap.String("username", acct.Username))
	h.writeJSON(w, http.StatusCreated, map[string]string{"username": acct.Username})
}

func (h *AuthHandler) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, err := auth.BearerToken(r.Header.Get("Authorization"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "missing bearer token")
		return
	}

	if _, err := h.tokens.Verify(token); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid token")
		return
	}

	expiry, err := h.tokens.ExpiryOf(token)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid token")
		return
	}

	// The entry only needs to outlive the token, so the token's own
	// expiry is the retention window.
	if err := h.revocations.Revoke(r.Context(), token, expiry); err != nil {
		h.logger.Error("revoking token", zap.Error(err))
		h.writeError(w, http.StatusBadGateway, "revocation store unavailable")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("writing response", zap.Error(err))
	}
}

func (h *AuthHandler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorResponse{Error: msg})
}
