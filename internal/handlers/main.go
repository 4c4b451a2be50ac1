package handlers

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"strings"
	"time"

	neobasewebui "github.com/neobase-ai/neobase-web-ui"
	"github.com/neobase-ai/neobase-web-ui/internal/models"
	"github.com/neobase-ai/neobase-web-ui/internal/session"
	"github.com/tmaxmax/go-sse"
)

// Session is the chat client state the handlers render and act on. Every committed change is reported to
// the functions registered with Subscribe.
type Session interface {
	Snapshot() session.Snapshot
	Subscribe(fn func(session.Change)) func()

	Chats(ctx context.Context) ([]models.Chat, error)
	CreateChat(ctx context.Context, input models.ChatInput) (models.Chat, error)
	UpdateChat(ctx context.Context, chatID string, input models.ChatInput) (models.Chat, error)
	DeleteChat(ctx context.Context, chatID string) error
	SelectChat(ctx context.Context, chatID string) error
	CloseChat(ctx context.Context) error
	Reconnect(ctx context.Context) error
	RefreshSchema(ctx context.Context) error

	SendMessage(ctx context.Context, content string) error
	EditMessage(ctx context.Context, messageID, content string) error
	CancelStream(ctx context.Context) error
	ClearChat(ctx context.Context) error
	LoadHistory(ctx context.Context) error
	LoadMore(ctx context.Context) error

	RequestExecute(ctx context.Context, messageID, queryID string) error
	ConfirmExecute(ctx context.Context, messageID, queryID string) error
	DismissConfirmation(messageID, queryID string)
	Rollback(ctx context.Context, messageID, queryID string) error
	AbortQuery(ctx context.Context, messageID, queryID string) error
	EditQuery(ctx context.Context, messageID, queryID, text string) error
	Page(ctx context.Context, messageID, queryID string, n int) (session.ResultState, error)
	Export(messageID, queryID, format string) ([]byte, string, error)
}

// Main serves the browser interface. Pages are rendered from the session snapshot, and every change the
// session commits is re-rendered and pushed to the browsers over server-sent events.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template
	renderer  renderer
	scroll    *ScrollTracker

	session Session
	logger  *slog.Logger

	unsubscribe func()
}

const (
	chatsSSETopic = "chats"
	errLoggerKey  = "err"

	// scrollThreshold is how close to the bottom, in pixels, the viewport must be for new content to be
	// followed.
	scrollThreshold = 100
)

// SSE event types pushed to the browser.
var (
	transcriptSSEType = sse.Type("transcript")
	messageSSEType    = sse.Type("message")
	chatsSSEType      = sse.Type("chats")
	statusSSEType     = sse.Type("status")
	toastSSEType      = sse.Type("toast")
	autoscrollSSEType = sse.Type("autoscroll")
)

// NewMain creates a new Main instance that renders and drives the given session. It parses the templates
// from the embedded filesystem and subscribes to the session's changes.
func NewMain(sess Session, logger *slog.Logger) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		neobasewebui.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, fmt.Errorf("failed to parse templates: %w", err)
	}

	m := Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      []string{sse.DefaultTopic, chatsSSETopic},
				}, true
			},
		},
		templates: tmpl,
		renderer:  newRenderer(),
		scroll:    NewScrollTracker(scrollThreshold),
		session:   sess,
		logger:    logger.With(slog.String("module", "main")),
	}
	m.unsubscribe = sess.Subscribe(m.publishChange)

	return m, nil
}

// publishChange re-renders the part of the page affected by c and pushes it to every browser.
func (m Main) publishChange(c session.Change) {
	if c.Kind == session.ChangeNotice {
		m.publishNotice(c.Notice)
		return
	}

	snap := m.session.Snapshot()
	switch c.Kind {
	case session.ChangeTranscript:
		m.publishTemplate(transcriptSSEType, "transcript", m.transcriptView(snap), sse.DefaultTopic)
	case session.ChangeMessage:
		i := -1
		for j := range snap.Messages {
			if snap.Messages[j].ID == c.MessageID {
				i = j
				break
			}
		}
		if i < 0 {
			m.publishTemplate(transcriptSSEType, "transcript", m.transcriptView(snap), sse.DefaultTopic)
			break
		}
		m.publishTemplate(messageSSEType, "message", m.messageView(snap, snap.Messages[i]), sse.DefaultTopic)
	case session.ChangeChats:
		m.publishTemplate(chatsSSEType, "sidebar", sidebarView(snap), chatsSSETopic)
		m.publishTemplate(statusSSEType, "status", statusView(snap), sse.DefaultTopic)
		return
	case session.ChangeStatus:
		m.publishTemplate(statusSSEType, "status", statusView(snap), sse.DefaultTopic)
		return
	}

	chatID := ""
	if snap.ActiveChat != nil {
		chatID = snap.ActiveChat.ID
	}
	if m.scroll.Commit(chatID, snap.Version) {
		e := &sse.Message{Type: autoscrollSSEType}
		e.AppendData("bottom")
		m.publish(e, sse.DefaultTopic)
	}
}

func (m Main) publishNotice(n session.Notice) {
	m.publishTemplate(toastSSEType, "toast", n, sse.DefaultTopic)
}

func (m Main) publishTemplate(typ sse.EventType, name string, data any, topic string) {
	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, name, data); err != nil {
		m.logger.Error("Failed to execute template",
			slog.String("template", name),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	e := &sse.Message{Type: typ}
	e.AppendData(sb.String())
	m.publish(e, topic)
}

func (m Main) publish(e *sse.Message, topic string) {
	if err := m.sseSrv.Publish(e, topic); err != nil {
		m.logger.Error("Failed to publish event",
			slog.String("type", e.Type.String()),
			slog.String(errLoggerKey, err.Error()))
	}
}

// Shutdown gracefully terminates the Main instance's SSE server. It broadcasts a close message to all
// connected clients and waits up to 5 seconds for connections to terminate. After the timeout, any
// remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}

	e := &sse.Message{Type: sse.Type("closeChat")}
	// Events without data are ignored by browsers
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
