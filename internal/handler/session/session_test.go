package session_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tiankong-lab/multichat/backend/internal/handler/session"
)

type fakeRestarter struct {
	mu        sync.Mutex
	restarted []string
}

func (f *fakeRestarter) Restart(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarted = append(f.restarted, sessionID)
	return nil
}

func sessionCookie(resp *http.Response) *http.Cookie {
	for _, cookie := range resp.Cookies() {
		if cookie.Name == session.CookieName {
			return cookie
		}
	}
	return nil
}

func TestMiddlewareIssuesCookie(t *testing.T) {
	var seen string
	r := chi.NewRouter()
	r.Use(session.Middleware)
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		seen = session.FromContext(r.Context())
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()

	cookie := sessionCookie(resp)
	if cookie == nil {
		t.Fatal("expected a session cookie")
	}
	if _, err := uuid.Parse(cookie.Value); err != nil {
		t.Fatalf("session cookie is not a uuid: %q", cookie.Value)
	}
	if !cookie.HttpOnly {
		t.Fatal("session cookie should be http only")
	}
	if cookie.Value != seen {
		t.Fatalf("handler saw %q, cookie carries %q", seen, cookie.Value)
	}
}

func TestMiddlewareKeepsValidCookie(t *testing.T) {
	var seen string
	r := chi.NewRouter()
	r.Use(session.Middleware)
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		seen = session.FromContext(r.Context())
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	id := uuid.NewString()
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: id})

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()

	if seen != id {
		t.Fatalf("expected the existing session id %q, handler saw %q", id, seen)
	}
	if sessionCookie(resp) != nil {
		t.Fatal("a valid cookie should not be reissued")
	}
}

func TestMiddlewareReplacesMalformedCookie(t *testing.T) {
	r := chi.NewRouter()
	r.Use(session.Middleware)
	r.Get("/", func(http.ResponseWriter, *http.Request) {})
	srv := httptest.NewServer(r)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: "not-a-uuid"})

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()

	cookie := sessionCookie(resp)
	if cookie == nil {
		t.Fatal("expected a fresh session cookie")
	}
	if _, err := uuid.Parse(cookie.Value); err != nil {
		t.Fatalf("replacement cookie is not a uuid: %q", cookie.Value)
	}
}

func TestRestartRotatesSessionAndDropsState(t *testing.T) {
	dialogs := &fakeRestarter{}
	r := chi.NewRouter()
	r.Use(session.Middleware)
	session.New(dialogs).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	old := uuid.NewString()
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/restart", nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: old})

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /restart: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}

	cookie := sessionCookie(resp)
	if cookie == nil {
		t.Fatal("restart should issue a new session cookie")
	}
	if cookie.Value == old {
		t.Fatal("restart should rotate the session id")
	}

	dialogs.mu.Lock()
	defer dialogs.mu.Unlock()
	if len(dialogs.restarted) != 1 || dialogs.restarted[0] != old {
		t.Fatalf("expected the old session state to be dropped, got %v", dialogs.restarted)
	}
}
