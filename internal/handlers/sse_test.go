package handlers_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/forex-web-ui/internal/handlers"
	"github.com/MegaGrindStone/forex-web-ui/internal/models"
	"github.com/tmaxmax/go-sse"
)

func newServer(t *testing.T, main handlers.Main) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", main.HandleHome)
	mux.HandleFunc("/chats", main.HandleChats)
	mux.HandleFunc("/reset", main.HandleReset)
	mux.HandleFunc("/sse", main.HandleSSE)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, srv *httptest.Server, cookie *http.Cookie, path, body string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(cookie)

	client := *srv.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

// connectSSE subscribes to the events of the session behind cookie. The stream sends no headers
// before its first event, so resets are posted until their status event comes through.
func connectSSE(t *testing.T, srv *httptest.Server, cookie *http.Cookie) <-chan sse.Event {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	events := make(chan sse.Event, 256)
	go func() {
		defer close(events)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sse", nil)
		if err != nil {
			return
		}
		req.AddCookie(cookie)
		resp, err := srv.Client().Do(req)
		if err != nil {
			return
		}
		defer resp.Body.Close()

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		post(t, srv, cookie, "/reset", "")
		select {
		case ev := <-events:
			if ev.Type == "status" {
				return events
			}
		case <-time.After(50 * time.Millisecond):
		}
	}
	t.Fatal("SSE stream did not deliver the reset status")
	return nil
}

// collectEvents reads events until done reports true for the events so far.
func collectEvents(t *testing.T, events <-chan sse.Event, done func([]sse.Event) bool) []sse.Event {
	t.Helper()

	var got []sse.Event
	timeout := time.After(3 * time.Second)
	for !done(got) {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("SSE stream closed after %d events", len(got))
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %+v", got)
		}
	}
	return got
}

func indexOf(events []sse.Event, from int, match func(sse.Event) bool) int {
	if from >= len(events) {
		return -1
	}
	idx := slices.IndexFunc(events[from:], match)
	if idx == -1 {
		return -1
	}
	return from + idx
}

func TestSSETurnEvents(t *testing.T) {
	store := &mockStore{}
	main := newMain(t, &mockStreamer{responses: []string{"Pips are ", "price units."}}, store)
	srv := newServer(t, main)
	cookie := sessionCookie(t, main)
	events := connectSSE(t, srv, cookie)

	if code := post(t, srv, cookie, "/chats", "message=What+is+a+pip%3F"); code != http.StatusAccepted {
		t.Fatalf("POST /chats status = %v, want %v", code, http.StatusAccepted)
	}

	isReplacement := func(ev sse.Event) bool {
		return strings.HasPrefix(ev.Type, "message-") && strings.Contains(ev.Data, "price units.")
	}
	got := collectEvents(t, events, func(evs []sse.Event) bool {
		replaced := indexOf(evs, 0, isReplacement)
		return replaced != -1 &&
			indexOf(evs, replaced+1, func(ev sse.Event) bool { return ev.Type == "status" }) != -1 &&
			slices.ContainsFunc(evs, func(ev sse.Event) bool { return ev.Type == "chats" })
	})

	user := indexOf(got, 0, func(ev sse.Event) bool {
		return ev.Type == "messages" && strings.Contains(ev.Data, "What is a pip?")
	})
	if user == -1 {
		t.Fatalf("no messages event for the user turn in %+v", got)
	}
	typing := indexOf(got, user+1, func(ev sse.Event) bool {
		return ev.Type == "status" && strings.Contains(ev.Data, "typing")
	})
	if typing == -1 {
		t.Errorf("no typing status after the user message in %+v", got)
	}

	first := indexOf(got, user+1, func(ev sse.Event) bool {
		return ev.Type == "messages" && strings.Contains(ev.Data, "Pips are")
	})
	if first == -1 {
		t.Fatalf("no messages event for the reply in %+v", got)
	}
	if strings.Contains(got[first].Data, "price units.") {
		t.Errorf("first reply event = %q, want only the first delta", got[first].Data)
	}

	replaced := indexOf(got, first+1, isReplacement)
	if replaced == -1 {
		t.Fatalf("no message replacement after the first reply event in %+v", got)
	}
	if !strings.Contains(got[first].Data, `id="`+got[replaced].Type+`"`) {
		t.Errorf("replacement event %q does not target the reply element %q", got[replaced].Type, got[first].Data)
	}

	last := got[indexOf(got, replaced+1, func(ev sse.Event) bool { return ev.Type == "status" })]
	if strings.Contains(last.Data, "typing") {
		t.Errorf("status after the turn = %q, want typing cleared", last.Data)
	}

	chats := got[slices.IndexFunc(got, func(ev sse.Event) bool { return ev.Type == "chats" })]
	if !strings.Contains(chats.Data, "What is a pip?") {
		t.Errorf("chats event = %q, want the new chat title", chats.Data)
	}
}

func TestSSETurnFailureAlert(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   string
	}{
		{name: "Rate limited", status: http.StatusTooManyRequests, want: "Rate limit exceeded"},
		{name: "Quota exhausted", status: http.StatusPaymentRequired, want: "AI usage limit reached"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			streamer := &mockStreamer{err: &models.StatusError{StatusCode: tt.status}}
			main := newMain(t, streamer, &mockStore{})
			srv := newServer(t, main)
			cookie := sessionCookie(t, main)
			events := connectSSE(t, srv, cookie)

			if code := post(t, srv, cookie, "/chats", "message=Signal+please"); code != http.StatusAccepted {
				t.Fatalf("POST /chats status = %v, want %v", code, http.StatusAccepted)
			}

			got := collectEvents(t, events, func(evs []sse.Event) bool {
				return slices.ContainsFunc(evs, func(ev sse.Event) bool { return ev.Type == "alert" })
			})
			alert := got[len(got)-1]
			if !strings.Contains(alert.Data, tt.want) {
				t.Errorf("alert event = %q, want to contain %q", alert.Data, tt.want)
			}

			typing := indexOf(got, 0, func(ev sse.Event) bool {
				return ev.Type == "status" && strings.Contains(ev.Data, "typing")
			})
			if typing == -1 {
				t.Fatalf("no typing status for the turn in %+v", got)
			}
			cleared := indexOf(got, typing+1, func(ev sse.Event) bool {
				return ev.Type == "status" && !strings.Contains(ev.Data, "typing")
			})
			if cleared == -1 || cleared > len(got)-2 {
				t.Errorf("no cleared status before the alert in %+v", got)
			}
		})
	}
}

func TestSSEStreamSurvivesReset(t *testing.T) {
	main := newMain(t, &mockStreamer{responses: []string{"Same answer."}}, &mockStore{})
	srv := newServer(t, main)
	cookie := sessionCookie(t, main)
	events := connectSSE(t, srv, cookie)

	for range 2 {
		if code := post(t, srv, cookie, "/chats", "message=Again"); code != http.StatusAccepted {
			t.Fatalf("POST /chats status = %v, want %v", code, http.StatusAccepted)
		}
		got := collectEvents(t, events, func(evs []sse.Event) bool {
			return slices.ContainsFunc(evs, func(ev sse.Event) bool {
				return ev.Type == "messages" && strings.Contains(ev.Data, "Same answer.")
			})
		})
		if !slices.ContainsFunc(got, func(ev sse.Event) bool {
			return ev.Type == "messages" && strings.Contains(ev.Data, "Again")
		}) {
			t.Errorf("user message was not published as a new message in %+v", got)
		}

		if code := post(t, srv, cookie, "/reset", ""); code != http.StatusSeeOther {
			t.Fatalf("POST /reset status = %v, want %v", code, http.StatusSeeOther)
		}
	}
}
