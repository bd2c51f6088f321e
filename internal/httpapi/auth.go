package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims carries the authenticated session identity.
type JWTClaims struct {
	jwt.RegisteredClaims
}

// authorizeWS validates the websocket handshake token when a JWT secret is
// configured. Browsers cannot set headers on websocket requests, so the token
// is accepted from the `token` query parameter as well as the Authorization
// header.
func (r *Router) authorizeWS(req *http.Request) error {
	if r.cfg.JWTSecret == "" {
		return nil
	}

	tokenString := req.URL.Query().Get("token")
	if tokenString == "" {
		auth := req.Header.Get("Authorization")
		tokenString = strings.TrimPrefix(auth, "Bearer ")
		if tokenString == auth {
			tokenString = ""
		}
	}
	if tokenString == "" {
		return fmt.Errorf("missing token")
	}

	parser := jwt.NewParser(jwt.WithExpirationRequired())
	token, err := parser.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(r.cfg.JWTSecret), nil
	})
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("invalid token")
	}
	return nil
}
