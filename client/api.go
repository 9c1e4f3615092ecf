package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"
)

// Backend endpoints.
const (
	pathProfile        = "/api/user/profile"
	pathLoginUser      = "/api/user/login"
	pathLoginAdmin     = "/api/user/admin"
	pathLogoutUser     = "/api/user/logout"
	pathLogoutAdmin    = "/api/admin/logout"
	pathVerifyLoginOTP = "/api/user/verify-login-otp"
	pathResendLoginOTP = "/api/user/resend-login-otp"
	pathUpdatePassword = "/api/user/update-password"
	pathUserOrders     = "/api/order/userorders"
	pathAuditLogs      = "/api/audit/logs"

	pathRegister              = "/api/user/register"
	pathVerifyRegistrationOTP = "/api/user/verify-otp"
	pathResendRegistrationOTP = "/api/user/resend-registration-otp"
	pathForgotPassword        = "/api/user/forgot-password"
	pathResetPassword         = "/api/user/reset-password"
	pathPasswordStatus        = "/api/user/password-status"
	pathForcePasswordChange   = "/api/user/admin/force-password-change"
)

// Credentials is the login request body.
type Credentials struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	CaptchaToken string `json:"captchaToken,omitempty"`
}

// LoginResponse is the backend's reply to login and OTP verification.
type LoginResponse struct {
	Success     bool         `json:"success"`
	Message     string       `json:"message,omitempty"`
	User        *UserProfile `json:"user,omitempty"`
	Token       string       `json:"token,omitempty"`
	RequiresOTP bool         `json:"requiresOtp,omitempty"`
	Email       string       `json:"email,omitempty"`
}

// ProfileResponse is the reply from the profile endpoint.
type ProfileResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message,omitempty"`
	User    *UserProfile `json:"user,omitempty"`
}

// ActionResponse is the generic {success, message} reply.
type ActionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Registration is the sign-up request body.
type Registration struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Captcha  string `json:"captcha,omitempty"`
}

// PasswordStatus reports how close the user's password is to its rotation
// deadline.
type PasswordStatus struct {
	IsExpired       bool       `json:"isExpired"`
	IsExpiring      bool       `json:"isExpiring"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	DaysUntilExpiry int        `json:"daysUntilExpiry"`
}

type passwordStatusResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    *PasswordStatus `json:"data,omitempty"`
}

// API wraps the storefront backend endpoints used by the session layer.
type API struct {
	gw *Gateway
}

// NewAPI returns an API sending every call through gw.
func NewAPI(gw *Gateway) *API {
	return &API{gw: gw}
}

// WhoAmI returns the profile of the current bearer.
func (a *API) WhoAmI(ctx context.Context) (*UserProfile, error) {
	var resp ProfileResponse
	if err := a.gw.JSON(ctx, http.MethodGet, pathProfile, nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Success || resp.User == nil {
		msg := resp.Message
		if msg == "" {
			msg = "profile unavailable"
		}
		return nil, errors.New(msg)
	}
	return resp.User, nil
}

// LoginUser authenticates a shopper.
func (a *API) LoginUser(ctx context.Context, creds Credentials) (*LoginResponse, error) {
	return a.login(ctx, pathLoginUser, creds)
}

// LoginAdmin authenticates an administrator.
func (a *API) LoginAdmin(ctx context.Context, creds Credentials) (*LoginResponse, error) {
	return a.login(ctx, pathLoginAdmin, creds)
}

func (a *API) login(ctx context.Context, path string, creds Credentials) (*LoginResponse, error) {
	var resp LoginResponse
	if err := a.gw.JSON(ctx, http.MethodPost, path, creds, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Logout ends the shopper session on the backend.
func (a *API) Logout(ctx context.Context) error {
	return a.gw.JSON(ctx, http.MethodPost, pathLogoutUser, nil, nil)
}

// LogoutAdmin ends the administrator session on the backend.
func (a *API) LogoutAdmin(ctx context.Context) error {
	return a.gw.JSON(ctx, http.MethodPost, pathLogoutAdmin, nil, nil)
}

// VerifyLoginOTP completes a login that required a one-time password.
func (a *API) VerifyLoginOTP(ctx context.Context, email, otp string) (*LoginResponse, error) {
	var resp LoginResponse
	body := map[string]string{"email": email, "otp": otp}
	if err := a.gw.JSON(ctx, http.MethodPost, pathVerifyLoginOTP, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ResendLoginOTP asks the backend to mail a new one-time password.
func (a *API) ResendLoginOTP(ctx context.Context, email string) (*ActionResponse, error) {
	var resp ActionResponse
	if err := a.gw.JSON(ctx, http.MethodPost, pathResendLoginOTP, map[string]string{"email": email}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdatePassword changes the password. A wrong current password comes back as
// an *APIError with status 401 and does not end the session.
func (a *API) UpdatePassword(ctx context.Context, userID, current, next string) (*ActionResponse, error) {
	body := map[string]string{"userId": userID, "currentPassword": current, "newPassword": next}
	return a.action(ctx, pathUpdatePassword, body, "Failed to update password")
}

// Register creates an account. The backend mails a verification code that
// VerifyRegistrationOTP confirms; registration never signs the user in.
func (a *API) Register(ctx context.Context, reg Registration) (*ActionResponse, error) {
	return a.action(ctx, pathRegister, reg, "Registration failed")
}

// VerifyRegistrationOTP confirms the email of a new account.
func (a *API) VerifyRegistrationOTP(ctx context.Context, email, otp string) (*ActionResponse, error) {
	return a.action(ctx, pathVerifyRegistrationOTP, map[string]string{"email": email, "otp": otp}, "OTP verification failed")
}

// ResendRegistrationOTP mails a new verification code for a pending sign-up.
func (a *API) ResendRegistrationOTP(ctx context.Context, email string) (*ActionResponse, error) {
	return a.action(ctx, pathResendRegistrationOTP, map[string]string{"email": email}, "Failed to resend OTP")
}

// ForgotPassword asks the backend to mail a reset link.
func (a *API) ForgotPassword(ctx context.Context, email string) (*ActionResponse, error) {
	return a.action(ctx, pathForgotPassword, map[string]string{"email": email}, "Failed to send reset email")
}

// ResetPassword sets a new password using the token from the reset mail.
func (a *API) ResetPassword(ctx context.Context, email, token, next string) (*ActionResponse, error) {
	body := map[string]string{"email": email, "token": token, "newPassword": next}
	return a.action(ctx, pathResetPassword, body, "Failed to reset password")
}

// PasswordStatus returns the rotation status of userID's password.
func (a *API) PasswordStatus(ctx context.Context, userID string) (*PasswordStatus, error) {
	path := pathPasswordStatus + "?" + url.Values{"userId": {userID}}.Encode()
	var resp passwordStatusResponse
	if err := a.gw.JSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		msg := resp.Message
		if msg == "" {
			msg = "Failed to get password status"
		}
		return nil, errors.New(msg)
	}
	return resp.Data, nil
}

// ForcePasswordChange makes userID pick a new password at next login.
// Administrators only.
func (a *API) ForcePasswordChange(ctx context.Context, userID string) (*ActionResponse, error) {
	return a.action(ctx, pathForcePasswordChange, map[string]string{"userId": userID}, "Failed to force password change")
}

// action posts body to path. A 200 reply with success=false is returned
// together with an error carrying the backend's message or fallback.
func (a *API) action(ctx context.Context, path string, body any, fallback string) (*ActionResponse, error) {
	var resp ActionResponse
	if err := a.gw.JSON(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		msg := resp.Message
		if msg == "" {
			msg = fallback
		}
		return &resp, errors.New(msg)
	}
	return &resp, nil
}

// UserOrders returns the raw order list of the current user.
func (a *API) UserOrders(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := a.gw.JSON(ctx, http.MethodGet, pathUserOrders, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// AuditLogs returns one page of audit entries. Empty filter values are dropped.
func (a *API) AuditLogs(ctx context.Context, filters map[string]string) (json.RawMessage, error) {
	q := url.Values{}
	for k, v := range filters {
		if v != "" {
			q.Set(k, v)
		}
	}
	path := pathAuditLogs
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	var raw json.RawMessage
	if err := a.gw.JSON(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}
