package middleware

import (
	"net/http"
	"strings"

	"github.com/dmsync/internal/identity"
	"github.com/dmsync/internal/logger"
)

// SessionAuth пускает только пользователя текущей сессии.
// Пустой secret (режим -dev): любой запрос считается запросом userID.
// Иначе нужен HS256 токен: заголовок Authorization: Bearer или ?token= (для WebSocket).
func SessionAuth(userID, secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
				return
			}
			token := bearer(r)
			if token == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			id, err := identity.VerifyToken(token, secret)
			if err != nil {
				logger.Debugf("session: token=%s: %v", MaskToken(token), err)
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			if id != userID {
				http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), id)))
		})
	}
}

func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if t, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(t)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
