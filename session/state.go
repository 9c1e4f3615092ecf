package session

import "fityard/client"

// Phase is the coarse authentication state.
type Phase int

const (
	// PhaseUnknown holds until Initialize resolves.
	PhaseUnknown Phase = iota
	PhaseAnonymous
	PhaseAuthenticated
)

func (p Phase) String() string {
	switch p {
	case PhaseAnonymous:
		return "anonymous"
	case PhaseAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// ExpiryWarning tracks the expiring-soon notice for the current login. It only
// moves forward until the next login or logout.
type ExpiryWarning int

const (
	WarningPending ExpiryWarning = iota
	WarningIssued
	WarningExpired
)

func (w ExpiryWarning) String() string {
	switch w {
	case WarningIssued:
		return "issued"
	case WarningExpired:
		return "expired"
	default:
		return "pending"
	}
}

// State is a point-in-time copy of the session.
type State struct {
	User    *client.UserProfile
	Loading bool
	Phase   Phase
	Warning ExpiryWarning
}

// TokenExpiringSoon reports whether the expiring-soon notice has been issued.
func (s State) TokenExpiringSoon() bool { return s.Warning == WarningIssued }

// Authenticated reports whether a user is signed in.
func (s State) Authenticated() bool { return s.User != nil }

// Admin reports whether the signed-in user is an administrator.
func (s State) Admin() bool { return s.User.IsAdmin() }

// Outcome classifies a login attempt.
type Outcome int

const (
	LoginFailed Outcome = iota
	LoginSucceeded
	LoginPendingOTP
)

// LoginInput carries the fields of the login form.
type LoginInput struct {
	Email        string
	Password     string
	Admin        bool
	CaptchaToken string
}

// LoginResult is what Login and VerifyLoginOTP report to the caller.
type LoginResult struct {
	Outcome Outcome
	User    *client.UserProfile
	// Email is set when Outcome is LoginPendingOTP.
	Email   string
	Message string
}
