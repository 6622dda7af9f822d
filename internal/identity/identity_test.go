package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(UserIDFromContext(r.Context())))
	})
}

func TestMiddlewareTrustsHeader(t *testing.T) {
	h := Middleware(Options{TrustHeader: true})(echoUser())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(UserHeaderName, "alice@example.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Body.String() != "alice@example.com" {
		t.Errorf("user = %q, want alice@example.com", w.Body.String())
	}
}

func TestMiddlewareRejectsMalformedHeader(t *testing.T) {
	h := Middleware(Options{TrustHeader: true})(echoUser())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(UserHeaderName, "bob; drop table")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestMiddlewareIgnoresHeaderWhenUntrusted(t *testing.T) {
	h := Middleware(Options{TrustHeader: false})(echoUser())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(UserHeaderName, "alice")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Body.String() != "" {
		t.Errorf("user = %q, want none", w.Body.String())
	}
}

func TestMiddlewareAnonymousCookie(t *testing.T) {
	h := Middleware(Options{AllowAnonymous: true, IsDev: true})(echoUser())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	first := w.Body.String()
	if !isValidAnonID(first) {
		t.Fatalf("anonymous id %q is malformed", first)
	}
	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != AnonCookieName {
		t.Fatalf("cookies = %v", cookies)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Body.String() != first {
		t.Errorf("returning visitor got %q, want %q", w.Body.String(), first)
	}
}

func TestValidUserID(t *testing.T) {
	for _, id := range []string{"alice", "user:42", "a.b-c_d@e"} {
		if !ValidUserID(id) {
			t.Errorf("ValidUserID(%q) = false", id)
		}
	}
	for _, id := range []string{"", "has space", "semi;colon"} {
		if ValidUserID(id) {
			t.Errorf("ValidUserID(%q) = true", id)
		}
	}
}
