package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultWarningMinutes is how long before expiry a session is "expiring soon".
const DefaultWarningMinutes = 15

// Validation messages reported by Inspector.Validate.
const (
	msgTokenMissing    = "Token is missing"
	msgBadStructure    = "Invalid JWT structure"
	msgCannotDecode    = "Cannot decode token"
	msgExpired         = "Token has expired"
	msgMissingExpiry   = "Token missing expiration"
	msgMissingIssuedAt = "Token missing issued at time"
)

// ErrNoToken is returned when an operation needs a token and none is present.
var ErrNoToken = errors.New("token required")

// Backend claim names vary between deployments. The first present key wins.
var (
	subjectClaimKeys = []string{"userId", "id", "sub"}
	roleClaimKeys    = []string{"role", "userType"}
)

// Claims is the decoded, unverified payload of an access token.
type Claims struct {
	Subject   string
	Email     string
	Name      string
	Role      string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Raw       map[string]any
}

// HasExpiry reports whether the token carried an exp claim.
func (c *Claims) HasExpiry() bool { return !c.ExpiresAt.IsZero() }

// HasIssuedAt reports whether the token carried an iat claim.
func (c *Claims) HasIssuedAt() bool { return !c.IssuedAt.IsZero() }

// UserProfile is the storefront's view of the signed-in user.
type UserProfile struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role,omitempty"`
}

// IsAdmin reports whether the profile carries the admin role.
func (u *UserProfile) IsAdmin() bool {
	return u != nil && u.Role == "admin"
}

// UnmarshalJSON accepts the profile identifiers the backend has used over time.
func (u *UserProfile) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*u = UserProfile{
		ID:    firstString(raw, "id", "_id", "userId"),
		Email: firstString(raw, "email"),
		Name:  firstString(raw, "name"),
		Role:  firstString(raw, roleClaimKeys...),
	}
	return nil
}

// ValidationResult collects every structural defect found in a token.
type ValidationResult struct {
	Valid  bool
	Errors []string
	Claims *Claims
}

// TokenDetails is a human-oriented description of a token.
type TokenDetails struct {
	Algorithm string
	KeyID     string
	Type      string
	Claims    *Claims
	Expired   bool
	ExpiresIn time.Duration
}

// Inspector decodes access tokens without verifying signatures.
type Inspector struct {
	now func() time.Time
}

// NewInspector returns an inspector reading the given clock (nil means time.Now).
func NewInspector(now func() time.Time) *Inspector {
	if now == nil {
		now = time.Now
	}
	return &Inspector{now: now}
}

// Decode extracts claims from the payload segment.
func (in *Inspector) Decode(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrNoToken
	}
	mc := jwt.MapClaims{}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, mc)
	if err != nil {
		// The header may name an algorithm this library doesn't know; the
		// payload is still usable for claim extraction.
		if !errors.Is(err, jwt.ErrTokenUnverifiable) || parsed == nil {
			return nil, fmt.Errorf("decode token: %w", err)
		}
	}
	return mapClaims(mc), nil
}

// IsExpired is true when the token cannot be decoded, has no exp claim, or
// exp is not after now.
func (in *Inspector) IsExpired(token string) bool {
	claims, err := in.Decode(token)
	if err != nil || !claims.HasExpiry() {
		return true
	}
	return !in.now().Before(claims.ExpiresAt)
}

// MinutesUntilExpiry returns whole minutes left, clamped at zero. ok is false
// when the token is undecodable or has no exp claim.
func (in *Inspector) MinutesUntilExpiry(token string) (minutes int, ok bool) {
	claims, err := in.Decode(token)
	if err != nil || !claims.HasExpiry() {
		return 0, false
	}
	left := claims.ExpiresAt.Sub(in.now())
	if left <= 0 {
		return 0, true
	}
	return int(left / time.Minute), true
}

// IsExpiringSoon is true iff 0 < minutes left <= warningMinutes.
func (in *Inspector) IsExpiringSoon(token string, warningMinutes int) bool {
	minutes, ok := in.MinutesUntilExpiry(token)
	return ok && minutes > 0 && minutes <= warningMinutes
}

// Validate checks shape, decodability, expiry, and the presence of exp and iat.
func (in *Inspector) Validate(token string) ValidationResult {
	var res ValidationResult
	if token == "" {
		res.Errors = append(res.Errors, msgTokenMissing)
		return res
	}
	if len(strings.Split(token, ".")) != 3 {
		res.Errors = append(res.Errors, msgBadStructure)
	}

	claims, err := in.Decode(token)
	if err != nil {
		res.Errors = append(res.Errors, msgCannotDecode)
		return res
	}
	res.Claims = claims

	if !claims.HasExpiry() {
		res.Errors = append(res.Errors, msgMissingExpiry)
	} else if !in.now().Before(claims.ExpiresAt) {
		res.Errors = append(res.Errors, msgExpired)
	}
	if !claims.HasIssuedAt() {
		res.Errors = append(res.Errors, msgMissingIssuedAt)
	}

	res.Valid = len(res.Errors) == 0
	return res
}

// ExtractUser maps token claims onto a UserProfile. Claims nested under "user"
// take precedence over top-level claims.
func (in *Inspector) ExtractUser(token string) *UserProfile {
	claims, err := in.Decode(token)
	if err != nil {
		return nil
	}
	sources := []map[string]any{claims.Raw}
	if nested, ok := claims.Raw["user"].(map[string]any); ok {
		sources = []map[string]any{nested, claims.Raw}
	}

	lookup := func(keys ...string) string {
		for _, src := range sources {
			if v := firstString(src, keys...); v != "" {
				return v
			}
		}
		return ""
	}

	user := &UserProfile{
		ID:    lookup(subjectClaimKeys...),
		Email: lookup("email"),
		Name:  lookup("name"),
		Role:  lookup(roleClaimKeys...),
	}
	if user.ID == "" && user.Email == "" {
		return nil
	}
	return user
}

// Describe reports the JOSE header alongside the decoded claims.
func (in *Inspector) Describe(token string) (TokenDetails, error) {
	claims, err := in.Decode(token)
	if err != nil {
		return TokenDetails{}, err
	}
	details := TokenDetails{Claims: claims, Expired: in.IsExpired(token)}
	if claims.HasExpiry() && !details.Expired {
		details.ExpiresIn = claims.ExpiresAt.Sub(in.now())
	}

	jws, err := jose.ParseSigned(token)
	if err != nil {
		return details, fmt.Errorf("parse token header: %w", err)
	}
	if len(jws.Signatures) > 0 {
		hdr := jws.Signatures[0].Protected
		details.Algorithm = hdr.Algorithm
		details.KeyID = hdr.KeyID
		if typ, ok := hdr.ExtraHeaders[jose.HeaderType].(string); ok {
			details.Type = typ
		}
	}
	return details, nil
}

func mapClaims(mc jwt.MapClaims) *Claims {
	raw := make(map[string]any, len(mc))
	for k, v := range mc {
		raw[k] = v
	}
	return &Claims{
		Subject:   firstString(raw, subjectClaimKeys...),
		Email:     firstString(raw, "email"),
		Name:      firstString(raw, "name"),
		Role:      firstString(raw, roleClaimKeys...),
		IssuedAt:  parseUnix(raw["iat"]),
		ExpiresAt: parseUnix(raw["exp"]),
		Raw:       raw,
	}
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func parseUnix(val any) time.Time {
	switch v := val.(type) {
	case float64:
		return time.Unix(int64(v), 0)
	case json.Number:
		i, _ := v.Int64()
		return time.Unix(i, 0)
	case int64:
		return time.Unix(v, 0)
	default:
		return time.Time{}
	}
}
