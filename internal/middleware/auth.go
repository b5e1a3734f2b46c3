// Package middleware содержит HTTP middleware сервиса.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const userIDKey contextKey = "userID"

// TokenValidator разрешает токен доступа в идентификатор пользователя.
type TokenValidator interface {
	UserIDByAccessToken(ctx context.Context, token string) (int64, error)
}

// AuthMiddleware выполняет проверку аутентификации пользователя по
// bearer-токену из заголовка Authorization.
type AuthMiddleware struct {
	tokens TokenValidator
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware.
func NewAuthMiddleware(tokens TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens}
}

// Middleware проверяет токен доступа и добавляет идентификатор пользователя
// в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if token == "" {
			writeBadAuth(w)
			return
		}

		userID, err := a.tokens.UserIDByAccessToken(r.Context(), token)
		if err != nil {
			writeBadAuth(w)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeBadAuth(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   true,
		"code":    1,
		"message": "bad auth",
	})
}

// GetUserIDFromContext извлекает идентификатор пользователя из контекста запроса.
func GetUserIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey).(int64)
	return id, ok
}
