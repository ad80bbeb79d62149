package auth

import (
	"net/http"
	"strings"
)

// TokenFromRequest extracts a bearer token from an HTTP request.
//
// Precedence: Authorization header ("Bearer <t>"), then the "token" query
// parameter, then the "token" cookie. Browser websocket clients cannot set
// headers, which is why the query and cookie fallbacks exist.
func TokenFromRequest(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") && parts[1] != "" {
			return parts[1], nil
		}
	}

	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}

	if cookie, err := r.Cookie("token"); err == nil && cookie.Value != "" {
		return cookie.Value, nil
	}

	return "", ErrNoToken
}
