package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/neobase-ai/neobase-web-ui/internal/models"
	"github.com/neobase-ai/neobase-web-ui/internal/session"
)

var errBadForm = errors.New("invalid form")

// Action handlers answer 204 when done and 202 when the work continues in the background. The browser learns
// about the resulting state over SSE, never from the response body.

// HandleCreateChat creates a chat for a new database connection and selects it.
func (m Main) HandleCreateChat(w http.ResponseWriter, r *http.Request) {
	input, err := chatInput(r, true)
	if err != nil {
		m.respond(w, "create chat", err)
		return
	}
	_, err = m.session.CreateChat(r.Context(), input)
	m.respond(w, "create chat", err)
}

// HandleSelectChat makes the chat in the path the active one.
func (m Main) HandleSelectChat(w http.ResponseWriter, r *http.Request) {
	m.respond(w, "select chat", m.session.SelectChat(r.Context(), r.PathValue("id")))
}

// HandleUpdateChat edits the connection settings of a chat.
func (m Main) HandleUpdateChat(w http.ResponseWriter, r *http.Request) {
	input, err := chatInput(r, false)
	if err != nil {
		m.respond(w, "update chat", err)
		return
	}
	_, err = m.session.UpdateChat(r.Context(), r.PathValue("id"), input)
	m.respond(w, "update chat", err)
}

// HandleDeleteChat deletes a chat.
func (m Main) HandleDeleteChat(w http.ResponseWriter, r *http.Request) {
	m.respond(w, "delete chat", m.session.DeleteChat(r.Context(), r.PathValue("id")))
}

// HandleReconnect connects the database of the chat in the path again, selecting the chat first if needed.
func (m Main) HandleReconnect(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	if active := m.session.Snapshot().ActiveChat; active == nil || active.ID != chatID {
		m.respond(w, "reconnect", m.session.SelectChat(r.Context(), chatID))
		return
	}
	m.respond(w, "reconnect", m.session.Reconnect(r.Context()))
}

// HandleCloseChat disconnects and deselects the active chat.
func (m Main) HandleCloseChat(w http.ResponseWriter, r *http.Request) {
	m.respond(w, "close chat", m.session.CloseChat(r.Context()))
}

// HandleRefreshSchema asks the backend to re-read the schema of the active chat's database.
func (m Main) HandleRefreshSchema(w http.ResponseWriter, r *http.Request) {
	m.respond(w, "refresh schema", m.session.RefreshSchema(r.Context()))
}

// HandleSendMessage sends the "message" form field to the active chat.
func (m Main) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	m.respond(w, "send message", m.session.SendMessage(r.Context(), r.FormValue("message")))
}

// HandleEditMessage replaces the content of the message in the path with the "message" form field.
func (m Main) HandleEditMessage(w http.ResponseWriter, r *http.Request) {
	m.respond(w, "edit message", m.session.EditMessage(r.Context(), r.PathValue("id"), r.FormValue("message")))
}

// HandleLoadMore loads the next page of older messages.
func (m Main) HandleLoadMore(w http.ResponseWriter, r *http.Request) {
	m.respond(w, "load more", m.session.LoadMore(r.Context()))
}

// HandleClearChat deletes every message of the active chat.
func (m Main) HandleClearChat(w http.ResponseWriter, r *http.Request) {
	m.respond(w, "clear chat", m.session.ClearChat(r.Context()))
}

// HandleCancelStream stops the turn being processed.
func (m Main) HandleCancelStream(w http.ResponseWriter, r *http.Request) {
	m.respond(w, "cancel stream", m.session.CancelStream(r.Context()))
}

// HandleQueryAction runs one of execute, confirm, dismiss, rollback, abort or edit on a query. Execute,
// confirm and rollback may outlast the request, so they run in the background.
func (m Main) HandleQueryAction(w http.ResponseWriter, r *http.Request) {
	messageID, queryID, action := r.PathValue("messageID"), r.PathValue("queryID"), r.PathValue("action")

	var run func(ctx context.Context) error
	switch action {
	case "execute":
		run = func(ctx context.Context) error { return m.session.RequestExecute(ctx, messageID, queryID) }
	case "confirm":
		run = func(ctx context.Context) error { return m.session.ConfirmExecute(ctx, messageID, queryID) }
	case "rollback":
		run = func(ctx context.Context) error { return m.session.Rollback(ctx, messageID, queryID) }
	case "dismiss":
		m.session.DismissConfirmation(messageID, queryID)
		w.WriteHeader(http.StatusNoContent)
		return
	case "abort":
		m.respond(w, "abort query", m.session.AbortQuery(r.Context(), messageID, queryID))
		return
	case "edit":
		m.respond(w, "edit query", m.session.EditQuery(r.Context(), messageID, queryID, r.FormValue("query")))
		return
	default:
		http.NotFound(w, r)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	go func() {
		m.report(action+" query", run(ctx))
	}()
	w.WriteHeader(http.StatusAccepted)
}

// HandlePage shows the page of a query's results given by the "page" form field.
func (m Main) HandlePage(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.FormValue("page"))
	if err != nil {
		m.respond(w, "page", fmt.Errorf("%w: page must be a number", errBadForm))
		return
	}
	_, err = m.session.Page(r.Context(), r.PathValue("messageID"), r.PathValue("queryID"), n)
	m.respond(w, "page", err)
}

// HandleExport downloads every known result row of a query as CSV or, with format=json, as JSON.
func (m Main) HandleExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = session.ExportCSV
	}
	if format != session.ExportCSV && format != session.ExportJSON {
		m.respond(w, "export", fmt.Errorf("%w: unknown format %q", errBadForm, format))
		return
	}

	queryID := r.PathValue("queryID")
	data, contentType, err := m.session.Export(r.PathValue("messageID"), queryID, format)
	if err != nil {
		m.respond(w, "export", err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="query-%s.%s"`, queryID, format))
	if _, err := w.Write(data); err != nil {
		m.logger.Error("Failed to write export", slog.String(errLoggerKey, err.Error()))
	}
}

// HandleViewport records the transcript scroll position reported by the browser.
func (m Main) HandleViewport(w http.ResponseWriter, r *http.Request) {
	var vals [3]int
	for i, key := range []string{"scrollTop", "scrollHeight", "clientHeight"} {
		v, err := strconv.ParseFloat(r.FormValue(key), 64)
		if err != nil {
			http.Error(w, key+" must be a number", http.StatusBadRequest)
			return
		}
		vals[i] = int(v)
	}
	m.scroll.Viewport(vals[0], vals[1], vals[2])
	w.WriteHeader(http.StatusNoContent)
}

func (m Main) respond(w http.ResponseWriter, action string, err error) {
	switch {
	case err == nil, errors.Is(err, session.ErrAborted):
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, session.ErrConfirmationRequired):
		w.WriteHeader(http.StatusAccepted)
	default:
		http.Error(w, err.Error(), m.report(action, err))
	}
}

// report logs a failed action and shows it to the user unless the session already did. It returns the
// HTTP status matching err.
func (m Main) report(action string, err error) int {
	if err == nil || errors.Is(err, session.ErrAborted) || errors.Is(err, session.ErrConfirmationRequired) {
		return http.StatusNoContent
	}

	status, noticed := errorStatus(err)
	m.logger.Error("Action failed", slog.String("action", action), slog.String(errLoggerKey, err.Error()))
	if !noticed {
		m.publishNotice(session.Notice{Level: session.NoticeError, Text: err.Error()})
	}
	return status
}

// errorStatus maps err to an HTTP status and reports whether the session has already shown it as a notice.
func errorStatus(err error) (int, bool) {
	switch {
	case errors.Is(err, errBadForm),
		errors.Is(err, session.ErrEmptyMessage),
		errors.Is(err, session.ErrPageOutOfRange):
		return http.StatusBadRequest, false
	case errors.Is(err, session.ErrChatNotFound),
		errors.Is(err, session.ErrMessageNotFound),
		errors.Is(err, session.ErrQueryNotFound),
		errors.Is(err, session.ErrNoExportData):
		return http.StatusNotFound, false
	case errors.Is(err, session.ErrNoActiveChat),
		errors.Is(err, session.ErrSendInFlight),
		errors.Is(err, session.ErrQueryInFlight),
		errors.Is(err, session.ErrQueryExecuted),
		errors.Is(err, session.ErrRollbackNotAllowed):
		return http.StatusConflict, false
	case errors.Is(err, session.ErrNoStream):
		return http.StatusServiceUnavailable, false
	case errors.Is(err, session.ErrQueryTimeout):
		return http.StatusGatewayTimeout, true
	default:
		return http.StatusBadGateway, true
	}
}

// chatInput reads a create or update form. The connection is only included when a host is given, unless
// required.
func chatInput(r *http.Request, requireConnection bool) (models.ChatInput, error) {
	if err := r.ParseForm(); err != nil {
		return models.ChatInput{}, fmt.Errorf("%w: %v", errBadForm, err)
	}

	var input models.ChatInput
	host := strings.TrimSpace(r.FormValue("host"))
	if host != "" || requireConnection {
		conn := models.ConnectionInput{
			Type:     strings.TrimSpace(r.FormValue("type")),
			Host:     host,
			Port:     strings.TrimSpace(r.FormValue("port")),
			Database: strings.TrimSpace(r.FormValue("database")),
			Username: strings.TrimSpace(r.FormValue("username")),
			Password: r.FormValue("password"),
			UseSSL:   r.FormValue("use_ssl") == "on",
		}
		if conn.Type == "" || conn.Host == "" || conn.Database == "" {
			return models.ChatInput{}, fmt.Errorf("%w: type, host and database are required", errBadForm)
		}
		input.Connection = &conn
	}

	autoExecute := r.FormValue("auto_execute_query") == "on"
	input.AutoExecuteQuery = &autoExecute
	if collections := strings.TrimSpace(r.FormValue("selected_collections")); collections != "" {
		input.SelectedCollections = &collections
	}
	return input, nil
}
