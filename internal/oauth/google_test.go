package oauth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/geilt/tairseach/internal/oauth"
)

func TestGoogleRefresh_PreservesOldRefreshTokenWhenOmitted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"AT2","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	p := oauth.NewGoogle(oauth.GoogleConfig{
		ClientID:     "cid",
		ClientSecret: "secret",
		TokenURL:     srv.URL,
	})

	result, err := p.Refresh(context.Background(), "RT1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if result.AccessToken != "AT2" {
		t.Errorf("access token = %q, want AT2", result.AccessToken)
	}
	if result.RefreshToken != "RT1" {
		t.Errorf("refresh token = %q, want preserved RT1", result.RefreshToken)
	}
	if result.Expiry.Before(time.Now().Add(50 * time.Minute)) {
		t.Errorf("expiry %v not ~1h out", result.Expiry)
	}
}

func TestGoogleRefresh_UsesNewRefreshTokenWhenPresent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"AT2","refresh_token":"RT2","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	p := oauth.NewGoogle(oauth.GoogleConfig{TokenURL: srv.URL})
	result, err := p.Refresh(context.Background(), "RT1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if result.RefreshToken != "RT2" {
		t.Errorf("refresh token = %q, want RT2", result.RefreshToken)
	}
}

func TestGoogleRefresh_ErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`))
	}))
	defer srv.Close()

	p := oauth.NewGoogle(oauth.GoogleConfig{TokenURL: srv.URL})
	if _, err := p.Refresh(context.Background(), "RT1"); err == nil {
		t.Fatal("expected error for invalid_grant response")
	}
}

func TestRegistry_UnknownProvider(t *testing.T) {
	reg := oauth.NewRegistry(oauth.NewGoogle(oauth.GoogleConfig{}))
	if _, err := reg.Get("jira"); err != oauth.ErrProviderNotSupported {
		t.Fatalf("error = %v, want ErrProviderNotSupported", err)
	}
}

func TestRegistry_KnownProvider(t *testing.T) {
	reg := oauth.NewRegistry(oauth.NewGoogle(oauth.GoogleConfig{}))
	p, err := reg.Get("google")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Name() != "google" {
		t.Errorf("Name() = %q, want google", p.Name())
	}
}
