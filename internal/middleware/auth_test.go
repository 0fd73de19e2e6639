package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuthMiddleware_WithValidCookie(t *testing.T) {
	m := NewAuthMiddleware("test-secret")

	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		id, ok := GetIdentity(r.Context())
		if !ok {
			t.Fatalf("identity not in context")
		}
		if id.UserID != 42 || id.TgID != 100500 {
			t.Fatalf("identity from context = %+v, want {42 100500}", id)
		}
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/protected", nil)

	m.SetAuthCookie(w, Identity{UserID: 42, TgID: 100500})
	res := w.Result()
	resCookies := res.Cookies()
	if len(resCookies) == 0 {
		t.Fatalf("no cookies set by SetAuthCookie")
	}

	r.AddCookie(resCookies[0])

	handler := m.Middleware(next)
	handler.ServeHTTP(httptest.NewRecorder(), r)

	if !nextCalled {
		t.Fatalf("next handler was not called")
	}
}

func TestAuthMiddleware_WithoutCookie(t *testing.T) {
	m := NewAuthMiddleware("test-secret")

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler should not be called")
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/protected", nil)

	handler := m.Middleware(next)
	handler.ServeHTTP(w, r)

	res := w.Result()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestAuthMiddleware_TamperedCookie(t *testing.T) {
	m := NewAuthMiddleware("test-secret")
	other := NewAuthMiddleware("other-secret")

	w := httptest.NewRecorder()
	other.SetAuthCookie(w, Identity{UserID: 42, TgID: 100500})
	cookie := w.Result().Cookies()[0]

	r := httptest.NewRequest(http.MethodGet, "/protected", nil)
	r.AddCookie(cookie)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler should not be called")
	})

	rec := httptest.NewRecorder()
	m.Middleware(next).ServeHTTP(rec, r)

	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestRequireAdmin(t *testing.T) {
	m := NewAuthMiddleware("test-secret")
	isAdmin := func(tgID int64) bool { return tgID == 1 }

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := m.Middleware(m.RequireAdmin(isAdmin)(next))

	tests := []struct {
		name string
		id   Identity
		want int
	}{
		{name: "admin", id: Identity{UserID: 10, TgID: 1}, want: http.StatusOK},
		{name: "not admin", id: Identity{UserID: 11, TgID: 2}, want: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			m.SetAuthCookie(w, tt.id)
			cookie := w.Result().Cookies()[0]

			r := httptest.NewRequest(http.MethodPost, "/admin", nil)
			r.AddCookie(cookie)

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, r)

			if rec.Result().StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", rec.Result().StatusCode, tt.want)
			}
		})
	}
}
