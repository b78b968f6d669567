package httpserver

import (
	"crypto/subtle"
	"net/http"

	"golang.org/x/crypto/argon2"
)

// authSalt only namespaces the key derivation below; secrecy comes from the
// credentials themselves.
var authSalt = []byte("outbox-relay-admin-v1")

// stretch derives a fixed-length key from a credential so the comparison is
// constant time regardless of input length.
func stretch(s string) []byte {
	return argon2.IDKey([]byte(s), authSalt, 1, 64*1024, 4, 32)
}

// AdminAuth guards the redrive endpoints with HTTP basic auth. Credentials
// are compared via constant-time digest equality.
func AdminAuth(username, password string) func(http.Handler) http.Handler {
	wantUser := stretch(username)
	wantPass := stretch(password)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok {
				w.Header().Set("WWW-Authenticate", `Basic realm="outbox-relay admin"`)
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			userOK := subtle.ConstantTimeCompare(stretch(user), wantUser) == 1
			passOK := subtle.ConstantTimeCompare(stretch(pass), wantPass) == 1
			if !userOK || !passOK {
				w.Header().Set("WWW-Authenticate", `Basic realm="outbox-relay admin"`)
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
