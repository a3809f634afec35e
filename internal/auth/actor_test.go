package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractTokenPrefersBearerHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	r.AddCookie(&http.Cookie{Name: "escalada_token", Value: "cookie-token"})

	if tok := ExtractToken(r); tok != "abc123" {
		t.Errorf("ExtractToken = %q, want abc123", tok)
	}
}

func TestExtractTokenFallsBackToCookie(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: "escalada_token", Value: "cookie-token"})

	if tok := ExtractToken(r); tok != "cookie-token" {
		t.Errorf("ExtractToken = %q, want cookie-token", tok)
	}
}

func TestExtractTokenFallsBackToQueryParam(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?token=qp-token", nil)
	if tok := ExtractToken(r); tok != "qp-token" {
		t.Errorf("ExtractToken = %q, want qp-token", tok)
	}
}

func TestExtractTokenEmptyWhenAbsent(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if tok := ExtractToken(r); tok != "" {
		t.Errorf("ExtractToken = %q, want empty", tok)
	}
}

func TestClientIPStripsPort(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.5:54321"
	if ip := ClientIP(r); ip != "203.0.113.5" {
		t.Errorf("ClientIP = %q, want 203.0.113.5", ip)
	}
}

func TestActorContextRoundTrip(t *testing.T) {
	a := Actor{Username: "j1", Role: RoleJudge, IP: "10.0.0.1"}
	ctx := WithActor(context.Background(), a)

	got := ActorFromContext(ctx)
	if got != a {
		t.Errorf("ActorFromContext = %+v, want %+v", got, a)
	}
}

func TestActorFromContextZeroValueWhenAbsent(t *testing.T) {
	got := ActorFromContext(context.Background())
	if got != (Actor{}) {
		t.Errorf("ActorFromContext(empty ctx) = %+v, want zero value", got)
	}
}
