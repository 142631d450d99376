package relaychat_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tiankong-lab/multichat/backend/internal/model/account"
	"github.com/tiankong-lab/multichat/backend/internal/upstream"
	"github.com/tiankong-lab/multichat/backend/internal/upstream/relaychat"
)

type conversationBody struct {
	Action   string `json:"action"`
	Messages []struct {
		Role    string `json:"role"`
		Content struct {
			Parts []string `json:"parts"`
		} `json:"content"`
	} `json:"messages"`
	ConversationID  *string `json:"conversation_id"`
	ParentMessageID string  `json:"parent_message_id"`
}

func sseEvent(turnID, threadID string, parts ...string) string {
	event := map[string]interface{}{
		"message": map[string]interface{}{
			"id": turnID,
			"content": map[string]interface{}{
				"parts": parts,
			},
		},
		"conversation_id": threadID,
	}
	raw, _ := json.Marshal(event)
	return "data: " + string(raw) + "\n\n"
}

func drainStream(t *testing.T, stream *upstream.Stream) []upstream.Chunk {
	t.Helper()
	defer stream.Close()

	var chunks []upstream.Chunk
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return chunks
		}
		if err != nil {
			t.Fatalf("Recv err: %v", err)
		}
		chunks = append(chunks, chunk)
	}
}

func TestSubmitStreamsCumulativeAnswer(t *testing.T) {
	var got conversationBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-123" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseEvent("turn-1", "thread-1", "Hel"))
		fmt.Fprint(w, sseEvent("turn-1", "thread-1", "Hello there"))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	exchanger := relaychat.NewExchanger(relaychat.Config{
		ConversationURL: srv.URL,
		Timeout:         5 * time.Second,
	}, nil)

	stream, err := exchanger.Submit(context.Background(), account.Credential{Token: "tok-123"}, upstream.Request{
		Prompt: "hi",
	})
	if err != nil {
		t.Fatalf("Submit err: %v", err)
	}

	chunks := drainStream(t, stream)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	last := chunks[len(chunks)-1]
	if last.Text != "Hello there" || last.TurnID != "turn-1" || last.ThreadID != "thread-1" {
		t.Fatalf("unexpected final chunk: %+v", last)
	}

	if got.Action != "variant" || len(got.Messages) != 1 || got.Messages[0].Content.Parts[0] != "hi" {
		t.Fatalf("unexpected conversation request: %+v", got)
	}
	if got.ConversationID != nil {
		t.Fatalf("new thread should carry a null conversation id, got %v", *got.ConversationID)
	}
	if got.ParentMessageID == "" {
		t.Fatal("expected a generated parent message id")
	}
}

func TestSubmitContinuesThread(t *testing.T) {
	var got conversationBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseEvent("turn-2", "thread-1", "sure"))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	exchanger := relaychat.NewExchanger(relaychat.Config{ConversationURL: srv.URL}, nil)

	stream, err := exchanger.Submit(context.Background(), account.Credential{Token: "tok"}, upstream.Request{
		Prompt:       "and then?",
		ThreadID:     "thread-1",
		ParentTurnID: "turn-1",
	})
	if err != nil {
		t.Fatalf("Submit err: %v", err)
	}
	drainStream(t, stream)

	if got.ConversationID == nil || *got.ConversationID != "thread-1" {
		t.Fatalf("expected conversation id thread-1, got %v", got.ConversationID)
	}
	if got.ParentMessageID != "turn-1" {
		t.Fatalf("expected parent message id turn-1, got %q", got.ParentMessageID)
	}
}

func TestSubmitClassifiesStatus(t *testing.T) {
	cases := []struct {
		status int
		want   upstream.Class
	}{
		{http.StatusUnauthorized, upstream.ClassUnauthorized},
		{http.StatusForbidden, upstream.ClassAntiBot},
		{http.StatusTooManyRequests, upstream.ClassRateLimited},
		{http.StatusBadGateway, upstream.ClassTransient},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		}))

		exchanger := relaychat.NewExchanger(relaychat.Config{ConversationURL: srv.URL}, nil)
		_, err := exchanger.Submit(context.Background(), account.Credential{Token: "tok"}, upstream.Request{Prompt: "hi"})
		if err == nil {
			t.Fatalf("status %d: expected an error", tc.status)
		}
		if got := upstream.Classify(err); got != tc.want {
			t.Errorf("status %d classified as %v, want %v", tc.status, got, tc.want)
		}
		srv.Close()
	}
}

type staticChallenges struct {
	artifact *upstream.Challenge
}

func (s *staticChallenges) Resolve(context.Context, string, string) (*upstream.Challenge, error) {
	return s.artifact, nil
}

func (s *staticChallenges) Evict(context.Context, string, string) error { return nil }

func TestSubmitCarriesChallengeArtifact(t *testing.T) {
	var gotUA string
	var gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		if c, err := r.Cookie("cf_clearance"); err == nil {
			gotCookie = c.Value
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	exchanger := relaychat.NewExchanger(relaychat.Config{ConversationURL: srv.URL}, &staticChallenges{
		artifact: &upstream.Challenge{
			UserAgent: "Mozilla/5.0 test",
			Cookies:   map[string]string{"cf_clearance": "cleared"},
		},
	})

	stream, err := exchanger.Submit(context.Background(), account.Credential{Token: "tok"}, upstream.Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Submit err: %v", err)
	}
	drainStream(t, stream)

	if gotUA != "Mozilla/5.0 test" {
		t.Fatalf("challenge user agent not applied, got %q", gotUA)
	}
	if gotCookie != "cleared" {
		t.Fatalf("challenge cookie not applied, got %q", gotCookie)
	}
}
