package handler

import (
	"authgate/internal/api/middleware"
	"authgate/internal/app/service"
	"authgate/internal/domain/model"
	"bytes"
	"embed"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
)

//go:embed templates/*.html
var templateFS embed.FS

var pages = template.Must(template.ParseFS(templateFS, "templates/*.html"))

type pageData struct {
	AppName  string
	Title    string
	User     *model.User
	From     string
	Username string
	Error    string
}

// PageHandler serves the browser console: sign-in, sign-out and the pages
// behind the guard.
type PageHandler struct {
	sessions *service.SessionManager
	appName  string
	log      *slog.Logger
}

func NewPageHandler(sessions *service.SessionManager, appName string, log *slog.Logger) *PageHandler {
	return &PageHandler{sessions: sessions, appName: appName, log: log}
}

// RegisterRoutes mounts the public pages. The guarded ones (Home, Admin) are
// mounted by the router behind the guard.
func (h *PageHandler) RegisterRoutes(r chi.Router) {
	r.Get("/login", h.loginForm)
	r.Post("/login", h.loginSubmit)
	r.Post("/logout", h.logout)
	r.Get("/unauthorized", h.unauthorized)
}

func (h *PageHandler) loginForm(w http.ResponseWriter, r *http.Request) {
	h.render(w, http.StatusOK, "login", pageData{Title: "Sign in", From: safeFrom(r.URL.Query().Get("from"))})
}

func (h *PageHandler) loginSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.render(w, http.StatusBadRequest, "login", pageData{Title: "Sign in", Error: "Malformed form submission"})
		return
	}
	username := r.PostFormValue("username")
	from := safeFrom(r.PostFormValue("from"))

	_, err := h.sessions.Login(r.Context(), username, r.PostFormValue("password"))
	if err != nil {
		data := pageData{Title: "Sign in", From: from, Username: username}
		var loginErr *service.LoginError
		if errors.As(err, &loginErr) {
			data.Error = loginErr.Message
			h.render(w, http.StatusUnauthorized, "login", data)
			return
		}
		h.log.Error("login failed", slog.Any("error", err))
		data.Error = "Sign-in is unavailable right now, please try again"
		h.render(w, http.StatusServiceUnavailable, "login", data)
		return
	}
	http.Redirect(w, r, from, http.StatusSeeOther)
}

func (h *PageHandler) logout(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Logout(r.Context()); err != nil {
		h.log.Warn("logout did not complete cleanly", slog.Any("error", err))
	}
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (h *PageHandler) unauthorized(w http.ResponseWriter, r *http.Request) {
	h.render(w, http.StatusForbidden, "unauthorized", pageData{Title: "Unauthorized"})
}

func (h *PageHandler) Home(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.UserFromContext(r.Context())
	h.render(w, http.StatusOK, "home", pageData{Title: "Home", User: user})
}

func (h *PageHandler) Admin(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.UserFromContext(r.Context())
	h.render(w, http.StatusOK, "admin", pageData{Title: "Administration", User: user})
}

func (h *PageHandler) render(w http.ResponseWriter, status int, name string, data pageData) {
	data.AppName = h.appName
	var buf bytes.Buffer
	if err := pages.ExecuteTemplate(&buf, name, data); err != nil {
		h.log.Error("render page", slog.String("page", name), slog.Any("error", err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

// safeFrom keeps post-login redirects on this site.
func safeFrom(from string) string {
	if from == "" || !strings.HasPrefix(from, "/") || strings.HasPrefix(from, "//") || strings.HasPrefix(from, "/\\") {
		return "/"
	}
	u, err := url.Parse(from)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "/"
	}
	if u.Path == "/login" {
		return "/"
	}
	return from
}
