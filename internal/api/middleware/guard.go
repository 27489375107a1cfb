package middleware

import (
	"authgate/internal/common"
	"authgate/internal/domain/model"
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

type contextKey string

const UserCtxKey contextKey = "currentUser"

const (
	loadingBody = "Loading..."
	errorBody   = "Error: Unable to authenticate"
)

// Decision is what the guard does with a request.
type Decision int

const (
	DecisionLoading Decision = iota
	DecisionError
	DecisionRedirectLogin
	DecisionRedirectUnauthorized
	DecisionRender
)

func (d Decision) String() string {
	switch d {
	case DecisionLoading:
		return "loading"
	case DecisionError:
		return "error"
	case DecisionRedirectLogin:
		return "redirect_login"
	case DecisionRedirectUnauthorized:
		return "redirect_unauthorized"
	case DecisionRender:
		return "render"
	default:
		return "unknown"
	}
}

// SessionReader is the read side of the session manager.
type SessionReader interface {
	Snapshot() model.SessionSnapshot
}

type GuardOptions struct {
	LoginPath        string
	UnauthorizedPath string
	Logger           *slog.Logger
}

// Decide maps a session snapshot to a guard decision. A nil allowedRoles
// admits any signed-in user; a non-nil one must contain the user's role.
func Decide(snap model.SessionSnapshot, allowedRoles []model.Role) Decision {
	switch {
	case snap.IsLoading || snap.State == model.StateUninitialized || snap.State == model.StateLoading:
		return DecisionLoading
	case snap.IsError:
		return DecisionError
	case snap.CurrentUser == nil:
		return DecisionRedirectLogin
	case allowedRoles != nil && !slices.Contains(allowedRoles, snap.CurrentUser.Role):
		return DecisionRedirectUnauthorized
	default:
		return DecisionRender
	}
}

// Guard protects the wrapped handler with the session read from sessions.
// Browser requests are redirected; API requests get JSON errors instead.
func Guard(sessions SessionReader, opts GuardOptions, allowedRoles ...model.Role) func(http.Handler) http.Handler {
	if opts.LoginPath == "" {
		opts.LoginPath = "/login"
	}
	if opts.UnauthorizedPath == "" {
		opts.UnauthorizedPath = "/unauthorized"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			snap := sessions.Snapshot()
			decision := Decide(snap, allowedRoles)
			api := isAPIRequest(r)

			switch decision {
			case DecisionLoading:
				w.Header().Set("Retry-After", "1")
				if api {
					common.RespondWithErrorCode(w, http.StatusServiceUnavailable, "session_loading", "Session is loading, retry shortly")
					return
				}
				common.RespondWithText(w, http.StatusServiceUnavailable, loadingBody)
			case DecisionError:
				opts.Logger.Warn("guarded request hit a failed session", slog.String("path", r.URL.Path), slog.Any("error", snap.Err))
				if api {
					common.RespondWithErrorCode(w, http.StatusInternalServerError, "session_error", "Unable to authenticate")
					return
				}
				common.RespondWithText(w, http.StatusInternalServerError, errorBody)
			case DecisionRedirectLogin:
				if api {
					common.RespondWithErrorCode(w, common.HTTPStatusFromError(common.ErrUnauthorized), "unauthenticated", "Authentication required")
					return
				}
				target := opts.LoginPath + "?from=" + url.QueryEscape(r.URL.RequestURI())
				http.Redirect(w, r, target, http.StatusSeeOther)
			case DecisionRedirectUnauthorized:
				opts.Logger.Info("role not allowed",
					slog.String("path", r.URL.Path),
					slog.String("username", snap.CurrentUser.Username),
					slog.String("role", snap.CurrentUser.Role.String()))
				if api {
					common.RespondWithErrorCode(w, common.HTTPStatusFromError(common.ErrForbidden), "forbidden", "Insufficient role")
					return
				}
				http.Redirect(w, r, opts.UnauthorizedPath, http.StatusSeeOther)
			default:
				ctx := context.WithValue(r.Context(), UserCtxKey, snap.CurrentUser.Clone())
				next.ServeHTTP(w, r.WithContext(ctx))
			}
		})
	}
}

// RequireRoles is Guard with the default destinations. Without roles any
// signed-in user passes.
func RequireRoles(sessions SessionReader, roles ...model.Role) func(http.Handler) http.Handler {
	return Guard(sessions, GuardOptions{}, roles...)
}

func AdminOnly(sessions SessionReader) func(http.Handler) http.Handler {
	return Guard(sessions, GuardOptions{}, model.RoleAdmin)
}

// UserFromContext returns the user a guard admitted the request with.
func UserFromContext(ctx context.Context) (*model.User, bool) {
	u, ok := ctx.Value(UserCtxKey).(*model.User)
	return u, ok && u != nil
}

func isAPIRequest(r *http.Request) bool {
	if strings.HasPrefix(r.URL.Path, "/api/") {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}
