package gridhub

import (
	"strings"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// ParseOwnerUnverified pulls the owner id claim out of a bearer token without
// verifying it. the auth service owns issuance and verification; this side
// only tags datasets with the claimed owner reference.
func ParseOwnerUnverified(authorization string) string {
	token := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(authorization), "Bearer"))
	if token == "" {
		return ""
	}

	claims := gojwt.MapClaims{}
	parser := gojwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return ""
	}

	if userId, ok := claims["user_id"].(string); ok {
		return userId
	}
	if sub, ok := claims["sub"].(string); ok {
		return sub
	}
	return ""
}
