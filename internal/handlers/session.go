package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MegaGrindStone/forex-web-ui/internal/chat"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

const sessionCookieName = "session_id"

// browserSession ties a chat session to the SSE server of the browser it belongs to.
type browserSession struct {
	id   string
	chat *chat.Session
	sse  *sse.Server

	lastSeen    atomic.Int64
	connections atomic.Int32
}

func (bs *browserSession) touch() {
	bs.lastSeen.Store(time.Now().UnixNano())
}

func (bs *browserSession) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, bs.lastSeen.Load()))
}

func (bs *browserSession) close(ctx context.Context) error {
	bs.chat.Close()

	e := &sse.Message{Type: sse.Type("closeChat")}
	// We create a close event that complies with SSE spec requiring data
	e.AppendData("bye")
	// We ignore the error here since we're shutting down anyway
	_ = bs.sse.Publish(e)

	if err := bs.sse.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown sse server of session %s: %w", bs.id, err)
	}
	return nil
}

// sessions is the registry of browser sessions, keyed by the session cookie.
type sessions struct {
	idle time.Duration

	mu     sync.Mutex
	m      map[string]*browserSession
	create func(id string) *browserSession

	done chan struct{}
	wg   sync.WaitGroup
}

func newSessions(idle time.Duration) *sessions {
	return &sessions{
		idle: idle,
		m:    make(map[string]*browserSession),
		done: make(chan struct{}),
	}
}

func (s *sessions) start(create func(id string) *browserSession) {
	s.create = create
	if s.idle <= 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.idle / 2)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case now := <-ticker.C:
				s.evict(now)
			}
		}
	}()
}

// get returns the session with id, creating it when it does not exist.
func (s *sessions) get(id string) *browserSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	bs, ok := s.m[id]
	if !ok {
		bs = s.create(id)
		s.m[id] = bs
	}
	bs.touch()
	return bs
}

// evict closes the sessions that have been idle for longer than the idle timeout. Sessions with an
// open SSE connection or a turn in flight are kept.
func (s *sessions) evict(now time.Time) {
	s.mu.Lock()
	var evicted []*browserSession
	for id, bs := range s.m {
		if bs.connections.Load() > 0 || bs.chat.Loading() || bs.idleSince(now) < s.idle {
			continue
		}
		delete(s.m, id)
		evicted = append(evicted, bs)
	}
	s.mu.Unlock()

	for _, bs := range evicted {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
			defer cancel()
			_ = bs.close(ctx)
		}()
	}
}

// stop ends the eviction loop and hands over every remaining session.
func (s *sessions) stop() []*browserSession {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]*browserSession, 0, len(s.m))
	for id, bs := range s.m {
		all = append(all, bs)
		delete(s.m, id)
	}
	return all
}

func (m Main) newBrowserSession(id string) *browserSession {
	bs := &browserSession{
		id:  id,
		sse: &sse.Server{},
	}
	logger := m.logger.With(slog.String("session", id))
	pub := &publisher{
		main:   m,
		server: bs.sse,
		known:  make(map[string]bool),
		logger: logger,
	}
	bs.chat = chat.NewSession(m.streamer, m.images, m.store, pub, logger)
	return bs
}

// session returns the browser session of r, issuing a new session cookie when r has none.
func (m Main) session(w http.ResponseWriter, r *http.Request) *browserSession {
	var id string
	if c, err := r.Cookie(sessionCookieName); err == nil && c.Value != "" {
		id = c.Value
	} else {
		id = uuid.New().String()
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookieName,
			Value:    id,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
	return m.sessions.get(id)
}
