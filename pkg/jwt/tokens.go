package jwt

import (
	"errors"
	"strconv"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Claims defines the access token payload issued by the collaboration API.
type Claims struct {
	UserID    any    `json:"user_id,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	jwtlib.RegisteredClaims
}

// Info summarises a token for display. Opaque is set when the token is not a JWT.
type Info struct {
	Opaque    bool
	UserID    string
	TokenType string
	ExpiresAt time.Time
}

// Expired reports whether the token carries an expiry that is before now.
func (i Info) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// Inspect decodes the claims of token without verifying its signature. The client never
// holds the signing key; the server remains the authority on validity.
func Inspect(token string) (Info, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Info{}, errors.New("empty token")
	}
	if strings.Count(token, ".") != 2 {
		return Info{Opaque: true}, nil
	}
	claims := &Claims{}
	if _, _, err := jwtlib.NewParser().ParseUnverified(token, claims); err != nil {
		return Info{}, err
	}
	info := Info{TokenType: claims.TokenType}
	if claims.UserID != nil {
		info.UserID = formatUserID(claims.UserID)
	}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	return info, nil
}

func formatUserID(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return ""
	}
}
