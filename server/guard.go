package server

import (
	"net/http"
	"net/url"
	"strings"

	"fityard/session"
)

// Decision is the outcome of a route guard check.
type Decision int

const (
	// DecisionLoading means the identity check has not finished. Nothing
	// protected is rendered and no redirect is issued.
	DecisionLoading Decision = iota
	DecisionLogin
	DecisionForbidden
	DecisionAllow
)

func (d Decision) String() string {
	switch d {
	case DecisionLogin:
		return "login"
	case DecisionForbidden:
		return "forbidden"
	case DecisionAllow:
		return "allow"
	default:
		return "loading"
	}
}

// Decide gates a protected view on the session state.
func Decide(st session.State, requireAdmin bool) Decision {
	switch {
	case st.Loading:
		return DecisionLoading
	case !st.Authenticated():
		return DecisionLogin
	case requireAdmin && !st.Admin():
		return DecisionForbidden
	default:
		return DecisionAllow
	}
}

// GuardOptions configures RequireSession.
type GuardOptions struct {
	RequireAdmin bool
	// LoginPath receives the original path in the "from" query parameter.
	LoginPath string
	HomePath  string
}

// RequireSession lets a request through only when Decide allows it. It reads
// the controller installed by SessionMiddleware.
func RequireSession(opts GuardOptions) func(http.Handler) http.Handler {
	if opts.LoginPath == "" {
		opts.LoginPath = "/login"
		if opts.RequireAdmin {
			opts.LoginPath = "/admin/login"
		}
	}
	if opts.HomePath == "" {
		opts.HomePath = "/"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctrl := session.MustFromContext(r.Context())

			switch Decide(ctrl.Snapshot(), opts.RequireAdmin) {
			case DecisionLoading:
				renderLoading(w)
			case DecisionLogin:
				http.Redirect(w, r, loginURL(opts.LoginPath, r.URL.RequestURI()), http.StatusFound)
			case DecisionForbidden:
				http.Redirect(w, r, opts.HomePath, http.StatusFound)
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func loginURL(loginPath, from string) string {
	q := url.Values{}
	q.Set("from", from)
	return loginPath + "?" + q.Encode()
}

// SafeRedirect returns from when it is a path on this host, fallback otherwise.
func SafeRedirect(from, fallback string) string {
	if from == "" || !strings.HasPrefix(from, "/") || strings.HasPrefix(from, "//") || strings.HasPrefix(from, "/\\") {
		return fallback
	}
	u, err := url.Parse(from)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return fallback
	}
	return from
}
