package handlers

import (
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"
)

// HandleHome renders the whole page. The chat list and, when a chat is selected, the newest page of its
// history are refreshed concurrently first; if that fails the page shows what the session already holds.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		_, err := m.session.Chats(ctx)
		return err
	})
	if m.session.Snapshot().ActiveChat != nil {
		g.Go(func() error {
			return m.session.LoadHistory(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		m.logger.Warn("Failed to refresh page data", slog.String(errLoggerKey, err.Error()))
	}

	data := m.homePageData(m.session.Snapshot())
	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to execute home template", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

// HandleSSE streams rendered page updates to the browser.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}
