package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/stockcount/internal/platform/httpx"
	"github.com/odyssey-erp/stockcount/internal/shared"
)

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger         *slog.Logger
	service        *Service
	sessionManager *shared.SessionManager
	csrfManager    *shared.CSRFManager
	validator      *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, sessions *shared.SessionManager, csrf *shared.CSRFManager) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:         logger,
		service:        service,
		sessionManager: sessions,
		csrfManager:    csrf,
		validator:      validator.New(),
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/csrf", h.csrfToken)
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

func (h *Handler) csrfToken(w http.ResponseWriter, r *http.Request) {
	token, err := h.csrfManager.EnsureToken(r.Context(), shared.SessionFromContext(r.Context()))
	if err != nil {
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "session missing")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"csrf_token": token, "header": shared.CSRFHeader})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		h.logger.Error("session missing during login")
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "session missing")
		return
	}
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fieldErr := range verrs {
				fields[fieldErr.Field()] = fieldErr.Tag()
			}
			httpx.FieldProblem(w, fields)
			return
		}
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}

	user, err := h.service.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		h.logger.Info("login rejected", slog.String("email", req.Email))
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid email or password")
		return
	}

	h.sessionManager.Renew(sess)
	sess.SetUser(strconv.FormatInt(user.ID, 10))
	token, err := h.csrfManager.Rotate(sess)
	if err != nil {
		h.logger.Error("rotate csrf token", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	expiresAt := time.Now().Add(h.sessionManager.TTL())
	if err := h.service.RegisterSession(r.Context(), sess.ID, user.ID, expiresAt, r.RemoteAddr, r.UserAgent()); err != nil {
		h.logger.Warn("register session", slog.Any("error", err))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user": user, "expires_at": expiresAt.UTC(), "csrf_token": token})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess != nil {
		if err := h.service.RemoveSession(r.Context(), sess.ID); err != nil {
			h.logger.Warn("remove session", slog.Any("error", err))
		}
		h.sessionManager.Destroy(sess)
	}
	w.WriteHeader(http.StatusNoContent)
}
