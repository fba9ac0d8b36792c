package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClient_ErrorTaxonomy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/users/bad":
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"message": "phone number already registered"})
		case "/users/boom":
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Sessions: &fakeSessions{access: "tok"}})
	ctx := context.Background()

	t.Run("not found", func(t *testing.T) {
		_, err := c.GetUserByID(ctx, "missing")
		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.NotFound() {
			t.Fatalf("got %v, want not-found APIError", err)
		}
		if got := UserMessage(err); got != "Not found." {
			t.Errorf("UserMessage = %q", got)
		}
	})

	t.Run("bad request surfaces server message", func(t *testing.T) {
		_, err := c.GetUserByID(ctx, "bad")
		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.BadRequest() {
			t.Fatalf("got %v, want bad-request APIError", err)
		}
		if got := UserMessage(err); got != "phone number already registered" {
			t.Errorf("UserMessage = %q, want server message", got)
		}
	})

	t.Run("unknown error gets generic message", func(t *testing.T) {
		_, err := c.GetUserByID(ctx, "boom")
		if err == nil {
			t.Fatal("expected error")
		}
		if got := UserMessage(err); !strings.HasPrefix(got, "Something went wrong") {
			t.Errorf("UserMessage = %q, want generic fallback", got)
		}
	})
}

func TestClient_AuthorizationHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode([]Conversation{})
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Sessions: &fakeSessions{access: "tok-123"}})
	if _, err := c.FetchConversations(context.Background()); err != nil {
		t.Fatalf("FetchConversations: %v", err)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer tok-123")
	}
}

func TestClient_LoginPersistsTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/login" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["phone"] != "+4712345678" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(LoginResult{
			User:   User{ID: "u-1", Name: "Maren"},
			Tokens: TokenPair{AccessToken: "at", RefreshToken: "rt"},
		})
	}))
	defer srv.Close()

	sessions := &fakeSessions{}
	c := NewClient(Options{BaseURL: srv.URL, Sessions: sessions})

	res, err := c.Login(context.Background(), "+4712345678", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.User.ID != "u-1" {
		t.Errorf("user id = %q", res.User.ID)
	}
	if sessions.access != "at" || sessions.refresh != "rt" {
		t.Errorf("tokens not persisted: access=%q refresh=%q", sessions.access, sessions.refresh)
	}
}

func TestClient_UploadMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer f.Close()
		json.NewEncoder(w).Encode(Upload{URL: "https://cdn.example.com/" + hdr.Filename})
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Sessions: &fakeSessions{access: "tok"}})
	up, err := c.UploadMedia(context.Background(), "pic.png", strings.NewReader("not-really-a-png"))
	if err != nil {
		t.Fatalf("UploadMedia: %v", err)
	}
	if up.URL != "https://cdn.example.com/pic.png" {
		t.Errorf("URL = %q", up.URL)
	}
}
