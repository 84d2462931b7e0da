package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	testKey    = "unit-test-signing-key"
	testIssuer = "classattend-test"
)

func TestIssueParseRoundTrip(t *testing.T) {
	signed, exp, err := Issue("lect-1", RoleLecturer, testIssuer, testKey, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if time.Until(exp) < 55*time.Minute {
		t.Fatalf("expiry too soon: %v", exp)
	}

	claims, err := Parse(signed, testKey, testIssuer)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "lect-1" || claims.Role != RoleLecturer {
		t.Fatalf("claims mismatch: %+v", claims)
	}
}

func TestParseRejections(t *testing.T) {
	signed, _, err := Issue("stud-1", RoleStudent, testIssuer, testKey, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	expired, _, err := Issue("stud-1", RoleStudent, testIssuer, testKey, -time.Minute)
	if err != nil {
		t.Fatalf("issue expired: %v", err)
	}

	cases := []struct {
		name   string
		token  string
		key    string
		issuer string
	}{
		{"wrong key", signed, "other-key", testIssuer},
		{"wrong issuer", signed, testKey, "someone-else"},
		{"expired", expired, testKey, testIssuer},
		{"garbage", "not.a.jwt", testKey, testIssuer},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(tc.token, tc.key, tc.issuer); err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}

func TestBearerAndRoleMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/lecturer-only", Bearer(testKey, testIssuer), RequireRole(RoleLecturer), func(c *gin.Context) {
		claims, _ := FromContext(c)
		c.String(http.StatusOK, claims.Subject)
	})

	lecturerTok, _, _ := Issue("lect-1", RoleLecturer, testIssuer, testKey, time.Hour)
	studentTok, _, _ := Issue("stud-1", RoleStudent, testIssuer, testKey, time.Hour)
	adminTok, _, _ := Issue("admin-1", RoleAdmin, testIssuer, testKey, time.Hour)

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"lecturer allowed", "Bearer " + lecturerTok, http.StatusOK},
		{"admin allowed", "Bearer " + adminTok, http.StatusOK},
		{"student forbidden", "Bearer " + studentTok, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/lecturer-only", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}
