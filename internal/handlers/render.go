package handlers

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/MegaGrindStone/forex-web-ui/internal/chart"
	"github.com/MegaGrindStone/forex-web-ui/internal/models"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
)

type chatView struct {
	ID    string
	Title string

	Active bool
}

type messageView struct {
	ID        string
	Role      string
	Timestamp time.Time

	// Text and Image are set for user messages.
	Text  string
	Image template.URL

	// Segments is the rendered assistant reply, prose and chart slots in reading order.
	Segments []segmentView
}

type segmentView struct {
	HTML  template.HTML
	Chart *chartView
}

type chartView struct {
	Prompt   string
	Status   string
	ImageURL template.URL
	Err      string
}

type strategyView struct {
	ID    string
	Label string
	Icon  string

	Selected bool
}

// chartStatusUnavailable is shown for chart markers of messages loaded from history, whose images were
// never persisted.
const chartStatusUnavailable = "unavailable"

func newMarkdown() goldmark.Markdown {
	return goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			highlighting.NewHighlighting(
				highlighting.WithStyle("monokai"),
			),
		),
	)
}

// renderMarkdown converts markdown to HTML. Raw HTML in the source is escaped by goldmark.
func renderMarkdown(md goldmark.Markdown, src string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("failed to convert markdown: %w", err)
	}
	return template.HTML(buf.String()), nil
}

func (m Main) messageView(msg models.Message) (messageView, error) {
	mv := messageView{
		ID:        msg.ID,
		Role:      string(msg.Role),
		Timestamp: msg.Timestamp,
	}
	if msg.Role == models.RoleUser {
		mv.Text = msg.Content
		mv.Image = safeImageURL(msg.Image)
		return mv, nil
	}

	for _, seg := range chart.Segments(msg.Content) {
		if !seg.IsChart() {
			html, err := renderMarkdown(m.markdown, seg.Prose)
			if err != nil {
				return messageView{}, err
			}
			mv.Segments = append(mv.Segments, segmentView{HTML: html})
			continue
		}

		cv := &chartView{Prompt: seg.Prompt, Status: chartStatusUnavailable}
		if c, ok := msg.Chart(seg.Prompt); ok {
			cv.Status = string(c.Status)
			cv.ImageURL = safeImageURL(c.ImageURL)
			cv.Err = c.Err
		}
		mv.Segments = append(mv.Segments, segmentView{Chart: cv})
	}
	return mv, nil
}

func (m Main) messageViews(conv models.Conversation) ([]messageView, error) {
	views := make([]messageView, len(conv.Messages))
	for i, msg := range conv.Messages {
		mv, err := m.messageView(msg)
		if err != nil {
			return nil, err
		}
		views[i] = mv
	}
	return views, nil
}

func strategyViews(selected string) []strategyView {
	views := make([]strategyView, len(models.Strategies))
	for i, s := range models.Strategies {
		views[i] = strategyView{
			ID:       s.ID,
			Label:    s.Label,
			Icon:     s.Icon,
			Selected: s.ID == selected,
		}
	}
	return views
}

// safeImageURL returns uri when it is an inline image or an http(s) URL, and nothing otherwise.
func safeImageURL(uri string) template.URL {
	switch {
	case strings.HasPrefix(uri, "data:image/"),
		strings.HasPrefix(uri, "https://"),
		strings.HasPrefix(uri, "http://"):
		return template.URL(uri)
	default:
		return ""
	}
}

func (m Main) renderTemplate(name string, data any) (string, error) {
	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, name, data); err != nil {
		return "", fmt.Errorf("failed to execute %s template: %w", name, err)
	}
	return sb.String(), nil
}
