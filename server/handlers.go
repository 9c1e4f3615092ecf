package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"fityard/client"
	"fityard/session"
)

const minPasswordLength = 8

// auditFilters are the query parameters forwarded to the audit log endpoint.
var auditFilters = []string{"action", "userId", "userEmail", "startDate", "endDate", "page", "limit"}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := a.Session.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"session": st.Phase.String(),
		"loading": st.Loading,
	})
}

func (a *App) handleHome(w http.ResponseWriter, r *http.Request) {
	a.render(w, r, http.StatusOK, pageView{Title: "Home", Page: "home"})
}

func (a *App) handleLoginForm(admin bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from := r.URL.Query().Get("from")
		if a.Session.IsAuthenticated() {
			http.Redirect(w, r, SafeRedirect(from, landingPath(a.Session.IsAdmin())), http.StatusFound)
			return
		}
		a.render(w, r, http.StatusOK, pageView{Title: "Log in", Page: "login", From: from, Admin: admin})
	}
}

func (a *App) handleLoginSubmit(admin bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form", http.StatusBadRequest)
			return
		}
		from := r.PostForm.Get("from")
		email := strings.TrimSpace(r.PostForm.Get("email"))

		res := a.Session.Login(r.Context(), session.LoginInput{
			Email:        email,
			Password:     r.PostForm.Get("password"),
			Admin:        admin,
			CaptchaToken: r.PostForm.Get("captcha"),
		})

		switch res.Outcome {
		case session.LoginSucceeded:
			a.clearPending()
			http.Redirect(w, r, SafeRedirect(from, landingPath(res.User.IsAdmin())), http.StatusSeeOther)
		case session.LoginPendingOTP:
			a.setPending(pendingLogin{Email: res.Email, From: from, Admin: admin})
			http.Redirect(w, r, "/otp", http.StatusSeeOther)
		default:
			a.render(w, r, http.StatusUnauthorized, pageView{Title: "Log in", Page: "login", From: from, Admin: admin, Email: email})
		}
	}
}

func (a *App) handleOTPForm(w http.ResponseWriter, r *http.Request) {
	p, ok := a.pendingLogin()
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}
	a.render(w, r, http.StatusOK, pageView{Title: "Verify", Page: "otp", Email: p.Email})
}

func (a *App) handleOTPSubmit(w http.ResponseWriter, r *http.Request) {
	p, ok := a.pendingLogin()
	if !ok {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	res := a.Session.VerifyLoginOTP(r.Context(), p.Email, strings.TrimSpace(r.PostForm.Get("otp")))
	if res.Outcome != session.LoginSucceeded {
		a.render(w, r, http.StatusUnauthorized, pageView{Title: "Verify", Page: "otp", Email: p.Email})
		return
	}
	a.clearPending()
	http.Redirect(w, r, SafeRedirect(p.From, landingPath(res.User.IsAdmin())), http.StatusSeeOther)
}

func (a *App) handleOTPResend(w http.ResponseWriter, r *http.Request) {
	p, ok := a.pendingLogin()
	if !ok {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}
	resp, err := a.API.ResendLoginOTP(r.Context(), p.Email)
	switch {
	case err != nil:
		a.Logger.Warn("resend otp failed", "email", p.Email, "error", err)
		a.Notices.Notify(session.LevelError, errorMessage(err, "Could not send a new code"))
	case !resp.Success:
		a.Notices.Notify(session.LevelError, orDefault(resp.Message, "Could not send a new code"))
	default:
		a.Notices.Notify(session.LevelInfo, orDefault(resp.Message, "A new code is on its way"))
	}
	http.Redirect(w, r, "/otp", http.StatusSeeOther)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.clearPending()
	a.Session.Logout(r.Context())
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (a *App) handleAccount(w http.ResponseWriter, r *http.Request) {
	view := pageView{Title: "Account", Page: "account"}
	if user := session.MustFromContext(r.Context()).Snapshot().User; user != nil {
		st, err := a.API.PasswordStatus(r.Context(), user.ID)
		if err != nil {
			if a.redirectIfSignedOut(w, r) {
				return
			}
			a.Logger.Warn("load password status failed", "user_id", user.ID, "error", err)
		}
		view.Password = st
	}
	a.render(w, r, http.StatusOK, view)
}

func (a *App) handlePasswordSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	current := r.PostForm.Get("current_password")
	next := r.PostForm.Get("new_password")
	confirm := r.PostForm.Get("confirm_password")

	switch {
	case current == "" || next == "":
		a.Notices.Notify(session.LevelError, "Current and new password are required")
	case next != confirm:
		a.Notices.Notify(session.LevelError, "New passwords do not match")
	case len(next) < minPasswordLength:
		a.Notices.Notify(session.LevelError, "Password must be at least 8 characters long")
	default:
		user := session.MustFromContext(r.Context()).Snapshot().User
		if user == nil {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		resp, err := a.API.UpdatePassword(r.Context(), user.ID, current, next)
		if err != nil {
			a.Logger.Warn("password update failed", "user_id", user.ID, "status", client.StatusOf(err), "error", err)
			msg := errorMessage(err, "Failed to update password")
			if resp != nil {
				msg = orDefault(resp.Message, msg)
			}
			a.Notices.Notify(session.LevelError, msg)
		} else {
			a.Notices.Notify(session.LevelSuccess, "Password updated successfully")
		}
	}
	http.Redirect(w, r, "/account", http.StatusSeeOther)
}

func (a *App) handleOrders(w http.ResponseWriter, r *http.Request) {
	view := pageView{Title: "Orders", Page: "orders"}
	raw, err := a.API.UserOrders(r.Context())
	if err != nil {
		if a.redirectIfSignedOut(w, r) {
			return
		}
		a.Logger.Warn("load orders failed", "error", err)
		a.Notices.Notify(session.LevelError, errorMessage(err, "Could not load orders"))
	} else {
		view.JSON = indentJSON(raw)
	}
	a.render(w, r, http.StatusOK, view)
}

func (a *App) handleAdmin(w http.ResponseWriter, r *http.Request) {
	a.render(w, r, http.StatusOK, pageView{Title: "Administration", Page: "admin"})
}

func (a *App) handleForcePasswordChange(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	userID := strings.TrimSpace(r.PostForm.Get("user_id"))
	if userID == "" {
		a.Notices.Notify(session.LevelError, "User ID is required")
		http.Redirect(w, r, "/admin", http.StatusSeeOther)
		return
	}

	resp, err := a.API.ForcePasswordChange(r.Context(), userID)
	if err != nil {
		if a.redirectIfSignedOut(w, r) {
			return
		}
		a.Logger.Warn("force password change failed", "target", userID, "status", client.StatusOf(err), "error", err)
		msg := errorMessage(err, "Failed to force password change")
		if resp != nil {
			msg = orDefault(resp.Message, msg)
		}
		a.Notices.Notify(session.LevelError, msg)
	} else {
		a.Logger.Info("forced password change", "target", userID)
		a.Notices.Notify(session.LevelSuccess, "User "+userID+" must change their password at next login")
	}
	http.Redirect(w, r, "/admin", http.StatusSeeOther)
}

func (a *App) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := make(map[string]string, len(auditFilters))
	for _, key := range auditFilters {
		filters[key] = strings.TrimSpace(q.Get(key))
	}

	view := pageView{Title: "Audit log", Page: "audit", Filters: filters}
	raw, err := a.API.AuditLogs(r.Context(), filters)
	if err != nil {
		if a.redirectIfSignedOut(w, r) {
			return
		}
		a.Logger.Warn("load audit logs failed", "error", err)
		a.Notices.Notify(session.LevelError, errorMessage(err, "Could not load audit logs"))
	} else {
		view.JSON = indentJSON(raw)
	}
	a.render(w, r, http.StatusOK, view)
}

func (a *App) handleDebugToken(w http.ResponseWriter, r *http.Request) {
	view := pageView{Title: "Token", Page: "token"}
	if token, ok := a.Store.Get(); ok {
		details, err := a.Inspector.Describe(token)
		if err != nil {
			a.Logger.Debug("describe token", "error", err)
		}
		if details.Claims != nil {
			view.Token = &details
		}
	}
	a.render(w, r, http.StatusOK, view)
}

// redirectIfSignedOut sends the user to the login page when a backend call
// ended the session.
func (a *App) redirectIfSignedOut(w http.ResponseWriter, r *http.Request) bool {
	if a.Session.IsAuthenticated() {
		return false
	}
	http.Redirect(w, r, loginURL("/login", r.URL.RequestURI()), http.StatusFound)
	return true
}

func landingPath(admin bool) string {
	if admin {
		return "/admin"
	}
	return "/"
}

func errorMessage(err error, fallback string) string {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return fallback
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func indentJSON(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
