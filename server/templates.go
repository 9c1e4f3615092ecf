package server

import (
	"html/template"
	"net/http"
	"time"

	"fityard/client"
	"fityard/session"
)

type pageView struct {
	Title   string
	Page    string
	State   session.State
	Notices []Notice
	DevMode bool

	// Login and OTP forms.
	From  string
	Admin bool
	Email string

	// Data pages.
	JSON     string
	Token    *client.TokenDetails
	Filters  map[string]string
	Password *client.PasswordStatus
}

var consoleTemplate = template.Must(template.New("console").Funcs(template.FuncMap{
	"eq": func(a, b string) bool { return a == b },
	"ts": func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return t.UTC().Format(time.RFC3339)
	},
}).Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}} &middot; Fityard console</title>
<style>
body { font-family: Arial, sans-serif; margin: 2rem auto; max-width: 960px; color: #1d1d1f; }
nav { display: flex; gap: 1rem; align-items: center; margin-bottom: 1.5rem; }
nav form { margin: 0; }
label { display: block; margin-bottom: 0.5rem; font-weight: 600; }
input[type=text], input[type=email], input[type=password] { width: 100%; padding: 0.5rem; margin-bottom: 1rem; }
button { padding: 0.6rem 1.2rem; font-size: 1rem; cursor: pointer; }
.code { background: #f5f5f5; padding: 1rem; border-radius: 8px; font-family: monospace; white-space: pre-wrap; word-break: break-word; }
.notice { border: 1px solid #d0d0d5; border-radius: 8px; padding: 0.75rem 1rem; margin-bottom: 1rem; }
.notice--success { border-color: #4caf50; background: #eaf7eb; }
.notice--info { border-color: #1976d2; background: #e7f1fb; }
.notice--warning { border-color: #f9a825; background: #fff8e1; }
.notice--error { border-color: #d32f2f; background: #fbeaea; }
table { border-collapse: collapse; width: 100%; }
th, td { border: 1px solid #d0d0d5; padding: 0.5rem; text-align: left; font-size: 0.95rem; }
th { background: #f0f0f5; }
</style>
</head>
<body>
<nav>
  <a href="/">Home</a>
  {{if .State.User}}
    <a href="/account">Account</a>
    <a href="/orders">Orders</a>
    {{if .State.Admin}}<a href="/admin">Admin</a>{{end}}
    {{if .DevMode}}<a href="/debug/token">Token</a>{{end}}
    <form method="post" action="/logout"><button type="submit">Log out</button></form>
  {{else}}
    <a href="/login">Log in</a>
    <a href="/admin/login">Admin log in</a>
  {{end}}
</nav>
{{range .Notices}}
  <div class="notice notice--{{.Level}}">{{.Message}}</div>
{{end}}
{{if .State.TokenExpiringSoon}}
  <div class="notice notice--warning">Your session is about to expire.</div>
{{end}}

{{if eq .Page "home"}}
<h1>Fityard console</h1>
{{if .State.User}}
  <p>Signed in as {{.State.User.Email}} ({{if .State.User.Role}}{{.State.User.Role}}{{else}}user{{end}}).</p>
{{else if .State.Loading}}
  <p>Checking your session&hellip;</p>
{{else}}
  <p>You are not signed in.</p>
{{end}}

{{else if eq .Page "login"}}
<h1>{{if .Admin}}Admin log in{{else}}Log in{{end}}</h1>
<form method="post" action="{{if .Admin}}/admin/login{{else}}/login{{end}}">
  <input type="hidden" name="from" value="{{.From}}" />
  <label for="email">Email</label>
  <input id="email" name="email" type="email" value="{{.Email}}" required />
  <label for="password">Password</label>
  <input id="password" name="password" type="password" required />
  <label for="captcha">Captcha token (optional)</label>
  <input id="captcha" name="captcha" type="text" />
  <button type="submit">Log in</button>
</form>

{{else if eq .Page "otp"}}
<h1>Enter your one-time password</h1>
<p>A code was sent to {{.Email}}.</p>
<form method="post" action="/otp">
  <label for="otp">Code</label>
  <input id="otp" name="otp" type="text" inputmode="numeric" autocomplete="one-time-code" required />
  <button type="submit">Verify</button>
</form>
<form method="post" action="/otp/resend" style="margin-top:1rem;">
  <button type="submit">Send a new code</button>
</form>

{{else if eq .Page "account"}}
<h1>Account</h1>
<table>
  <tr><th>ID</th><td>{{.State.User.ID}}</td></tr>
  <tr><th>Name</th><td>{{.State.User.Name}}</td></tr>
  <tr><th>Email</th><td>{{.State.User.Email}}</td></tr>
  <tr><th>Role</th><td>{{.State.User.Role}}</td></tr>
</table>
<h2>Password status</h2>
{{with .Password}}
  {{if .IsExpired}}<p class="notice notice--error">Your password has expired. Change it below.</p>
  {{else if .IsExpiring}}<p class="notice notice--warning">Your password expires in {{.DaysUntilExpiry}} day(s).</p>
  {{else}}<p>Your password is current.</p>{{end}}
  {{with .ExpiresAt}}<p>Expires at {{ts .}}</p>{{end}}
{{else}}
  <p>Unable to check password status.</p>
{{end}}
<h2>Change password</h2>
<form method="post" action="/account/password">
  <label for="current">Current password</label>
  <input id="current" name="current_password" type="password" required />
  <label for="next">New password</label>
  <input id="next" name="new_password" type="password" required />
  <label for="confirm">Confirm new password</label>
  <input id="confirm" name="confirm_password" type="password" required />
  <button type="submit">Update password</button>
</form>

{{else if eq .Page "orders"}}
<h1>Your orders</h1>
{{if .JSON}}<div class="code">{{.JSON}}</div>{{else}}<p>No orders to show.</p>{{end}}

{{else if eq .Page "admin"}}
<h1>Administration</h1>
<ul>
  <li><a href="/admin/audit">Audit log</a></li>
</ul>
<h2>Force password change</h2>
<form method="post" action="/admin/password/force">
  <label for="user_id">User ID</label>
  <input id="user_id" name="user_id" type="text" required />
  <button type="submit">Require new password</button>
</form>

{{else if eq .Page "audit"}}
<h1>Audit log</h1>
<form method="get" action="/admin/audit">
  <label for="action">Action</label>
  <input id="action" name="action" type="text" value="{{index .Filters "action"}}" />
  <label for="userEmail">User email</label>
  <input id="userEmail" name="userEmail" type="text" value="{{index .Filters "userEmail"}}" />
  <label for="startDate">From date</label>
  <input id="startDate" name="startDate" type="text" value="{{index .Filters "startDate"}}" />
  <label for="endDate">To date</label>
  <input id="endDate" name="endDate" type="text" value="{{index .Filters "endDate"}}" />
  <button type="submit">Filter</button>
</form>
{{if .JSON}}<div class="code">{{.JSON}}</div>{{else}}<p>No entries.</p>{{end}}

{{else if eq .Page "token"}}
<h1>Access token</h1>
{{if .Token}}
<table>
  <tr><th>Algorithm</th><td>{{.Token.Algorithm}}</td></tr>
  <tr><th>Key ID</th><td>{{.Token.KeyID}}</td></tr>
  <tr><th>Subject</th><td>{{.Token.Claims.Subject}}</td></tr>
  <tr><th>Role</th><td>{{.Token.Claims.Role}}</td></tr>
  <tr><th>Issued at</th><td>{{ts .Token.Claims.IssuedAt}}</td></tr>
  <tr><th>Expires at</th><td>{{ts .Token.Claims.ExpiresAt}}</td></tr>
  <tr><th>Expired</th><td>{{.Token.Expired}}</td></tr>
  <tr><th>Expires in</th><td>{{.Token.ExpiresIn}}</td></tr>
</table>
{{else}}
<p>No token stored.</p>
{{end}}
{{end}}
</body>
</html>
`))

var loadingTemplate = template.Must(template.New("loading").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="1">
<title>Loading &middot; Fityard console</title>
</head>
<body>
<p>Checking your session&hellip;</p>
</body>
</html>
`))

func (a *App) render(w http.ResponseWriter, r *http.Request, status int, view pageView) {
	view.State = a.Session.Snapshot()
	view.Notices = a.Notices.Drain()
	view.DevMode = a.Config.Server.DevMode

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := consoleTemplate.Execute(w, view); err != nil {
		a.Logger.Error("render page", "page", view.Page, "error", err, "request_id", RequestIDFromContext(r.Context()))
	}
}

func renderLoading(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_ = loadingTemplate.Execute(w, nil)
}
