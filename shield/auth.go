package shield

import (
	"crypto/subtle"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/guardxp/kit"
)

// BasicAuth checks HTTP basic credentials against user and a bcrypt hash.
// /healthz is not authenticated. On success the user name is stored as the
// kit principal.
func BasicAuth(user, passwordHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" {
				next.ServeHTTP(w, r)
				return
			}
			u, p, ok := r.BasicAuth()
			if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 ||
				bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(p)) != nil {
				if ok {
					GetLogger(r.Context()).Warn("admin: auth failed", "user", u)
				}
				w.Header().Set("WWW-Authenticate", `Basic realm="guardxp"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(kit.WithPrincipal(r.Context(), u)))
		})
	}
}

// HashPassword returns the bcrypt hash to put in admin.password_hash.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
