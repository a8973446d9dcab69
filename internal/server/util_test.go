package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/loykin/kerneld/internal/daemon"
)

func TestSanitizeBase(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{" api ", "/api"},
	}
	for _, c := range cases {
		if got := sanitizeBase(c.in); got != c.want {
			t.Fatalf("sanitizeBase(%q)=%q want %q", c.in, got, c.want)
		}
	}
}

func TestIsSafeID(t *testing.T) {
	valid := []string{"a", "A1_-", "3f2b8c1e-6d4a-4e8b-9f3a-2c1d0e9b8a7f"}
	invalid := []string{"", "a.b", "chat.>", "a/b", "*", "unicode한글", string(make([]byte, maxIDLen+1))}
	for _, s := range valid {
		if !isSafeID(s) {
			t.Fatalf("expected valid id %q", s)
		}
	}
	for _, s := range invalid {
		if isSafeID(s) {
			t.Fatalf("expected invalid id %q", s)
		}
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		fmt.Errorf("%w: code is empty", daemon.ErrInvalidRequest): http.StatusBadRequest,
		daemon.ErrNotFound:                            http.StatusNotFound,
		daemon.ErrForbidden:                           http.StatusForbidden,
		daemon.ErrUnsupportedEngine:                   http.StatusConflict,
		fmt.Errorf("%w (3)", daemon.ErrLimitExceeded): http.StatusTooManyRequests,
		errors.New("launch kernel: boom"):             http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := statusFor(err); got != want {
			t.Fatalf("statusFor(%v)=%d want %d", err, got, want)
		}
	}
}

func TestFlatten(t *testing.T) {
	if flatten(nil) != nil {
		t.Fatalf("nil error should flatten to nil")
	}
	joined := errors.Join(errors.New("a"), errors.Join(errors.New("b"), errors.New("c")))
	got := flatten(joined)
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("unexpected flatten result: %v", got)
	}
}

func TestWriteJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", func(c *gin.Context) { writeJSON(c, 201, map[string]any{"a": 1}) })
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
	if rec.Code != 201 {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type: %s", ct)
	}
}
