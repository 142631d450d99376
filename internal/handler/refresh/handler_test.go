package refresh_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/tiankong-lab/multichat/backend/internal/handler/refresh"
	"github.com/tiankong-lab/multichat/backend/internal/service/sweep"
)

type fakeSweeper struct {
	report sweep.Report
	err    error
	runs   int
}

func (f *fakeSweeper) Run(context.Context) (sweep.Report, error) {
	f.runs++
	return f.report, f.err
}

func newServer(sweeper *fakeSweeper, password string) *httptest.Server {
	r := chi.NewRouter()
	refresh.New(sweeper, password).RegisterRoutes(r)
	return httptest.NewServer(r)
}

type wrappedReply struct {
	Code   int `json:"code"`
	Result struct {
		Reply string `json:"reply"`
	} `json:"result"`
}

func postRefresh(t *testing.T, srv *httptest.Server, body string) wrappedReply {
	t.Helper()
	resp, err := http.Post(srv.URL+"/chatgpt", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /chatgpt: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var got wrappedReply
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return got
}

func TestRefreshRunsSweep(t *testing.T) {
	sweeper := &fakeSweeper{report: sweep.Report{
		Usable:   []string{"a@test.com", "b@test.com"},
		Failed:   map[string]string{"c@test.com": "login failed"},
		PoolSize: 2,
	}}
	srv := newServer(sweeper, "secret")
	defer srv.Close()

	got := postRefresh(t, srv, `{"refresh_passwd": "secret"}`)
	if got.Code != 0 {
		t.Fatalf("unexpected code: %d", got.Code)
	}
	if got.Result.Reply != "success: 2 usable, 1 failed" {
		t.Fatalf("unexpected reply: %q", got.Result.Reply)
	}
	if sweeper.runs != 1 {
		t.Fatalf("expected one sweep run, got %d", sweeper.runs)
	}
}

func TestRefreshWrongPassword(t *testing.T) {
	sweeper := &fakeSweeper{}
	srv := newServer(sweeper, "secret")
	defer srv.Close()

	got := postRefresh(t, srv, `{"refresh_passwd": "guess"}`)
	if got.Code != 0 {
		t.Fatalf("password mismatch should keep the success wrapper, got code %d", got.Code)
	}
	if got.Result.Reply != "refresh passwd incompatible" {
		t.Fatalf("unexpected reply: %q", got.Result.Reply)
	}
	if sweeper.runs != 0 {
		t.Fatal("sweep must not run on a password mismatch")
	}
}

func TestRefreshDisabledWithoutPassword(t *testing.T) {
	sweeper := &fakeSweeper{}
	srv := newServer(sweeper, "")
	defer srv.Close()

	got := postRefresh(t, srv, `{"refresh_passwd": ""}`)
	if got.Result.Reply != "refresh passwd incompatible" {
		t.Fatalf("unexpected reply: %q", got.Result.Reply)
	}
	if sweeper.runs != 0 {
		t.Fatal("an empty configured password must reject every request")
	}
}

func TestRefreshSweepFailure(t *testing.T) {
	sweeper := &fakeSweeper{err: errors.New("no account usable after sweep")}
	srv := newServer(sweeper, "secret")
	defer srv.Close()

	got := postRefresh(t, srv, `{"refresh_passwd": "secret"}`)
	if got.Code != 20 {
		t.Fatalf("unexpected code: %d", got.Code)
	}
}
