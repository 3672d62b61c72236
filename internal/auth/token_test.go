package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIssueVerify(t *testing.T) {
	issuer, err := NewIssuer("secret", time.Hour)
	if err != nil {
		t.Fatalf("NewIssuer() failed: %v", err)
	}

	token, err := issuer.Issue("user-1", "a@example.com")
	if err != nil {
		t.Fatalf("Issue() failed: %v", err)
	}

	claims, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("Verify() failed: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", claims.UserID)
	}
	if claims.Email != "a@example.com" {
		t.Errorf("Email = %q", claims.Email)
	}

	id, err := UserIDUnverified(token)
	if err != nil || id != "user-1" {
		t.Errorf("UserIDUnverified() = %q, %v", id, err)
	}
}

func TestVerify_Rejects(t *testing.T) {
	issuer, _ := NewIssuer("secret", time.Hour)
	other, _ := NewIssuer("other-secret", time.Hour)

	foreign, err := other.Issue("user-1", "")
	if err != nil {
		t.Fatalf("Issue() failed: %v", err)
	}

	expiring, _ := NewIssuer("secret", time.Minute)
	expiring.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, err := expiring.Issue("user-1", "")
	if err != nil {
		t.Fatalf("Issue() failed: %v", err)
	}

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{name: "empty", token: "", want: ErrNoToken},
		{name: "garbage", token: "not-a-jwt", want: ErrInvalidToken},
		{name: "wrong secret", token: foreign, want: ErrInvalidToken},
		{name: "expired", token: expired, want: ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := issuer.Verify(tt.token); !errors.Is(err, tt.want) {
				t.Errorf("Verify() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNewIssuer_EmptySecret(t *testing.T) {
	if _, err := NewIssuer("", 0); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=query-token", nil)
	if got := FromRequest(r); got != "query-token" {
		t.Errorf("FromRequest() = %q, want query-token", got)
	}

	r.Header.Set("Authorization", "Bearer header-token")
	if got := FromRequest(r); got != "header-token" {
		t.Errorf("FromRequest() = %q, want header-token", got)
	}
}
