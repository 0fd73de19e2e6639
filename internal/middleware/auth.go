// Package middleware содержит HTTP middleware магазина.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type contextKey string

const identityKey contextKey = "identity"

const (
	authCookieName = "auth_token"
	authCookieTTL  = 365 * 24 * time.Hour
)

// Identity — аутентифицированный пользователь запроса: внутренний
// идентификатор и идентификатор чата, по которому проверяются права
// администратора.
type Identity struct {
	UserID int64
	TgID   int64
}

// AuthMiddleware выполняет проверку аутентификации по подписанному cookie.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// Middleware проверяет cookie авторизации и добавляет Identity в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(authCookieName)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		id, ok := a.parseCookie(cookie.Value)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin пропускает только запросы от администраторов. Проверка
// выполняется по идентификатору чата из Identity без обращения к базе.
func (a *AuthMiddleware) RequireAdmin(isAdmin func(tgID int64) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := GetIdentity(r.Context())
			if !ok || !isAdmin(id.TgID) {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SetAuthCookie устанавливает cookie авторизации для указанного пользователя.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, id Identity) {
	value := a.sign(id)

	cookie := &http.Cookie{
		Name:     authCookieName,
		Value:    value,
		Path:     "/",
		Expires:  time.Now().Add(authCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	http.SetCookie(w, cookie)
}

func (a *AuthMiddleware) sign(id Identity) string {
	payload := fmt.Sprintf("%d:%d", id.UserID, id.TgID)
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(payload))
	signature := mac.Sum(nil)
	return payload + "." + hex.EncodeToString(signature)
}

func (a *AuthMiddleware) parseCookie(cookieValue string) (Identity, bool) {
	parts := strings.Split(cookieValue, ".")
	if len(parts) != 2 {
		return Identity{}, false
	}

	payload := parts[0]
	signature := parts[1]

	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(payload))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return Identity{}, false
	}

	ids := strings.Split(payload, ":")
	if len(ids) != 2 {
		return Identity{}, false
	}

	userID, err := strconv.ParseInt(ids[0], 10, 64)
	if err != nil {
		return Identity{}, false
	}
	tgID, err := strconv.ParseInt(ids[1], 10, 64)
	if err != nil {
		return Identity{}, false
	}

	return Identity{UserID: userID, TgID: tgID}, true
}

// GetIdentity извлекает аутентифицированного пользователя из контекста запроса.
func GetIdentity(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}
