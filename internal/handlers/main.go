package handlers

import (
	"context"
	"errors"
	"html/template"
	"log/slog"
	"time"

	forexwebui "github.com/MegaGrindStone/forex-web-ui"
	"github.com/MegaGrindStone/forex-web-ui/internal/chat"
	"github.com/yuin/goldmark"
)

// Main handles the web interface: it owns the browser sessions, renders the HTML templates and relays
// the state changes of every session to its browser through server-sent events.
type Main struct {
	templates *template.Template
	markdown  goldmark.Markdown

	streamer chat.Streamer
	images   chat.ImageGenerator
	store    chat.Store

	sessions *sessions

	// ctx bounds the turns started by the handlers, it is cancelled by Shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	logger *slog.Logger
}

// Option configures a Main.
type Option func(*Main)

const (
	errLoggerKey = "err"

	defaultSessionIdleTimeout = 30 * time.Minute
	maxImageSize              = 8 << 20
)

// WithSessionIdleTimeout sets how long a browser session without requests or SSE connections is kept.
func WithSessionIdleTimeout(d time.Duration) Option {
	return func(m *Main) {
		m.sessions.idle = d
	}
}

// NewMain creates a new Main instance. The images generator may be nil, chart requests then fail. A nil
// logger discards logs.
func NewMain(
	streamer chat.Streamer,
	images chat.ImageGenerator,
	store chat.Store,
	logger *slog.Logger,
	opts ...Option,
) (Main, error) {
	if streamer == nil {
		return Main{}, errors.New("streamer is required")
	}
	if store == nil {
		return Main{}, errors.New("store is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.New("").Funcs(templateFuncs).ParseFS(
		forexwebui.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := Main{
		templates: tmpl,
		markdown:  newMarkdown(),
		streamer:  streamer,
		images:    images,
		store:     store,
		sessions:  newSessions(defaultSessionIdleTimeout),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With(slog.String("module", "main")),
	}
	for _, opt := range opts {
		opt(&m)
	}
	m.sessions.start(m.newBrowserSession)

	return m, nil
}

var templateFuncs = template.FuncMap{
	"timeLabel": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.Format("15:04")
	},
}

// Shutdown gracefully terminates every browser session. It abandons the turns in flight, flushes the
// persistence queues and closes the SSE connections, waiting up to 5 seconds for them to terminate.
func (m Main) Shutdown(ctx context.Context) error {
	m.cancel()

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	var errs []error
	for _, bs := range m.sessions.stop() {
		if err := bs.close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
