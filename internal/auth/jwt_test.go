package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIssueAndValidate(t *testing.T) {
	a := New("0123456789abcdef0123", time.Hour)
	tok, exp, err := a.IssueToken("u1", "alice", true)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if exp.Before(time.Now()) {
		t.Errorf("expiry in the past: %v", exp)
	}
	claims, err := a.Validate(tok)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.UserID != "u1" || !claims.IsAdmin {
		t.Errorf("claims = %+v", claims)
	}

	other := New("another-secret-of-length", time.Hour)
	if _, err := other.Validate(tok); err == nil {
		t.Error("token verified with wrong secret")
	}
}

func TestExpiredToken(t *testing.T) {
	a := New("0123456789abcdef0123", time.Minute)
	a.now = func() time.Time { return time.Now().Add(-time.Hour) }
	tok, _, err := a.IssueToken("u1", "", false)
	if err != nil {
		t.Fatal(err)
	}
	a.now = time.Now
	if _, err := a.Validate(tok); err == nil {
		t.Error("expired token accepted")
	}
}

func TestMiddleware(t *testing.T) {
	a := New("0123456789abcdef0123", time.Hour)
	tok, _, _ := a.IssueToken("u7", "", false)

	var seen string
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserID(r.Context())
	}))

	tests := []struct {
		name   string
		target string
		header string
		status int
		user   string
	}{
		{"bearer", "/upload", "Bearer " + tok, http.StatusOK, "u7"},
		{"auth code", "/upload?authCode=" + tok, "", http.StatusOK, "u7"},
		{"missing", "/upload", "", http.StatusUnauthorized, ""},
		{"garbage", "/upload", "Bearer nope", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			r := httptest.NewRequest(http.MethodPost, tt.target, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			if seen != tt.user {
				t.Errorf("user = %q, want %q", seen, tt.user)
			}
		})
	}
}
