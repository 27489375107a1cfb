package handler

import (
	"authgate/internal/api/middleware"
	"authgate/internal/app/service"
	"authgate/internal/common"
	"authgate/internal/domain/model"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type AuthHandler struct {
	sessions *service.SessionManager
	log      *slog.Logger
}

func NewAuthHandler(sessions *service.SessionManager, log *slog.Logger) *AuthHandler {
	return &AuthHandler{sessions: sessions, log: log}
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type SessionResponse struct {
	model.SessionSnapshot
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	r.Post("/login", h.login)
	r.Post("/logout", h.logout)
	r.Get("/session", h.session)
}

// login answers with the credential result itself: success with user and
// token, or success=false with the service's message.
func (h *AuthHandler) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		err = fmt.Errorf("%w: invalid request payload: %w", common.ErrBadRequest, err)
		common.RespondWithError(w, common.HTTPStatusFromError(err), err.Error())
		return
	}

	res, err := h.sessions.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		var loginErr *service.LoginError
		if errors.As(err, &loginErr) {
			common.RespondWithJSON(w, common.HTTPStatusFromError(err), model.CredentialResult{Message: loginErr.Message})
			return
		}
		h.log.Error("login failed", slog.Any("error", err))
		common.RespondWithError(w, common.HTTPStatusFromError(err), err.Error())
		return
	}
	common.RespondWithJSON(w, http.StatusOK, res)
}

func (h *AuthHandler) logout(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Logout(r.Context()); err != nil {
		// The local session is gone either way; tell the client whether to retry.
		common.RespondWithErrorCode(w, common.HTTPStatusFromError(err), "logout_failed", err.Error())
		return
	}
	common.RespondWithJSON(w, http.StatusOK, model.TerminateResult{Success: true, Message: "Logged out successfully"})
}

func (h *AuthHandler) session(w http.ResponseWriter, r *http.Request) {
	snap := h.sessions.Snapshot()
	resp := SessionResponse{SessionSnapshot: snap, State: snap.State.String()}
	if snap.Err != nil {
		resp.Error = snap.Err.Error()
	}
	common.RespondWithJSON(w, http.StatusOK, resp)
}

// Me answers with the user the guard admitted.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		common.RespondWithError(w, http.StatusUnauthorized, "Missing user context")
		return
	}
	common.RespondWithJSON(w, http.StatusOK, user)
}
