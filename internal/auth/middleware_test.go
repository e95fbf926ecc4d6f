package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestAuthHandler() (http.Handler, *bool) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if AccessKeyFromContext(r.Context()) != testAccessKey {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return Middleware(newTestVerifier())(next), &called
}

func TestMiddlewareRejectsUnsigned(t *testing.T) {
	h, called := newTestAuthHandler()
	req := httptest.NewRequest("PUT", "/bucket1/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "<Code>UnauthorizedAccess</Code>") {
		t.Errorf("body = %s", rec.Body.String())
	}
	if *called {
		t.Error("handler ran for an unsigned request")
	}
}

func TestMiddlewareRejectsWrongSecret(t *testing.T) {
	h, called := newTestAuthHandler()
	req := httptest.NewRequest("DELETE", "/bucket1/file.txt", nil)
	req.Host = "localhost:3000"
	signRequest(req, testAccessKey, "wrong", testRegion, time.Now())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized || *called {
		t.Errorf("status = %d, called = %v", rec.Code, *called)
	}
}

func TestMiddlewareAcceptsSigned(t *testing.T) {
	h, called := newTestAuthHandler()
	req := httptest.NewRequest("GET", "/", nil)
	req.Host = "localhost:3000"
	signRequest(req, testAccessKey, testSecretKey, testRegion, time.Now())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || !*called {
		t.Errorf("status = %d, called = %v", rec.Code, *called)
	}
}

func TestMiddlewareSkipPaths(t *testing.T) {
	for _, path := range []string{"/health", "/metrics", "/docs", "/openapi.json"} {
		h, called := newTestAuthHandler()
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if !*called {
			t.Errorf("%s required auth", path)
		}
	}
}

func TestIsSystemRequest(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   bool
	}{
		{"GET", "/health", true},
		{"HEAD", "/health", true},
		{"GET", "/metrics", true},
		{"GET", "/openapi.yaml", true},
		{"GET", "/schemas/HealthBody", true},
		{"PUT", "/health", false},
		{"DELETE", "/docs", false},
		{"POST", "/schemas/HealthBody", false},
		{"GET", "/docs/x", false},
		{"GET", "/schemas/", false},
		{"GET", "/schemas/a/b", false},
		{"GET", "/healthz", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(tt.method, tt.path, nil)
		if got := IsSystemRequest(r); got != tt.want {
			t.Errorf("IsSystemRequest(%s %s) = %v, want %v", tt.method, tt.path, got, tt.want)
		}
	}
}

func TestMiddlewareRejectsUnsignedWriteOnSystemPath(t *testing.T) {
	for _, path := range []string{"/health", "/docs/x", "/schemas/x"} {
		h, called := newTestAuthHandler()
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("PUT", path, strings.NewReader("evil")))
		if rec.Code != http.StatusUnauthorized || *called {
			t.Errorf("PUT %s: status = %d, called = %v", path, rec.Code, *called)
		}
	}
}

func TestMiddlewareAmbiguous(t *testing.T) {
	h, _ := newTestAuthHandler()
	req := httptest.NewRequest("GET", "/bucket?X-Amz-Algorithm=AWS4-HMAC-SHA256", nil)
	req.Header.Set("Authorization", "AWS4-HMAC-SHA256 Credential=x")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
