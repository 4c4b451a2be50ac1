package handlers

import (
	"encoding/json"
	"html/template"
	"log/slog"
	"time"

	"github.com/neobase-ai/neobase-web-ui/internal/models"
	"github.com/neobase-ai/neobase-web-ui/internal/session"
)

type homePageData struct {
	Sidebar    sidebarData
	Status     statusData
	Transcript transcriptData
}

type sidebarData struct {
	Chats    []chatItem
	ActiveID string
	// New is the empty item the create form is rendered from.
	New chatItem
}

type chatItem struct {
	ID         string
	Title      string
	Connection models.Connection
	AutoExec   bool
	Active     bool
}

type statusData struct {
	HasChat     bool
	ChatID      string
	Title       string
	DBType      string
	DBConnected bool
	StreamOpen  bool
	StreamError string
	Sending     bool
}

type transcriptData struct {
	HasChat        bool
	Messages       []messageData
	HasMore        bool
	LoadingHistory bool
}

type messageData struct {
	ID          string
	IsUser      bool
	Text        string
	Content     template.HTML
	IsLoading   bool
	IsStreaming bool
	IsEdited    bool
	Steps       []models.LoadingStep
	Queries     []queryData
	Buttons     []buttonData
	Time        time.Time
	CanEdit     bool
}

type buttonData struct {
	Label   string
	Primary bool
	// Path is the action the button posts to. Buttons with an action the client does not know are
	// rendered disabled.
	Path string
}

type queryData struct {
	MessageID     string
	ID            string
	Description   string
	Text          string
	Highlighted   template.HTML
	IsExecuted    bool
	IsRolledBack  bool
	IsCritical    bool
	IsEdited      bool
	CanRollback   bool
	CanEdit       bool
	Executing     bool
	Example       bool
	Confirming    bool
	ExecutionTime int
	Error         *models.QueryError
	Result        resultData
}

type resultData struct {
	Columns  []string
	Rows     [][]string
	Scalars  []string
	Page     int
	Pages    int
	Total    int
	HasPrev  bool
	HasNext  bool
	PrevPage int
	NextPage int
	Loading  bool
	Error    string
}

// buttonPaths maps the actions the backend suggests below messages to the handlers that perform them.
var buttonPaths = map[string]string{
	"refresh_schema": "/schema/refresh",
}

func (m Main) homePageData(snap session.Snapshot) homePageData {
	return homePageData{
		Sidebar:    sidebarView(snap),
		Status:     statusView(snap),
		Transcript: m.transcriptView(snap),
	}
}

func sidebarView(snap session.Snapshot) sidebarData {
	data := sidebarData{Chats: make([]chatItem, len(snap.Chats))}
	if snap.ActiveChat != nil {
		data.ActiveID = snap.ActiveChat.ID
	}
	for i, c := range snap.Chats {
		data.Chats[i] = chatItem{
			ID:         c.ID,
			Title:      c.Title(),
			Connection: c.Connection,
			AutoExec:   c.AutoExecuteQuery,
			Active:     c.ID == data.ActiveID,
		}
	}
	return data
}

func statusView(snap session.Snapshot) statusData {
	data := statusData{
		DBConnected: snap.DBConnected,
		StreamOpen:  snap.StreamOpen,
		StreamError: snap.StreamError,
		Sending:     snap.Sending,
	}
	if snap.ActiveChat != nil {
		data.HasChat = true
		data.ChatID = snap.ActiveChat.ID
		data.Title = snap.ActiveChat.Title()
		data.DBType = snap.ActiveChat.Connection.Type
	}
	return data
}

func (m Main) transcriptView(snap session.Snapshot) transcriptData {
	data := transcriptData{
		HasChat:        snap.ActiveChat != nil,
		Messages:       make([]messageData, len(snap.Messages)),
		HasMore:        snap.HasMore,
		LoadingHistory: snap.LoadingHistory,
	}
	for i, msg := range snap.Messages {
		data.Messages[i] = m.messageView(snap, msg)
	}
	return data
}

func (m Main) messageView(snap session.Snapshot, msg models.Message) messageData {
	data := messageData{
		ID:          msg.ID,
		IsUser:      msg.Type == models.RoleUser,
		Text:        msg.Content,
		IsLoading:   msg.IsLoading,
		IsStreaming: msg.IsStreaming,
		IsEdited:    msg.IsEdited,
		Steps:       msg.LoadingSteps,
		Time:        msg.CreatedAt,
		CanEdit:     msg.Type == models.RoleUser && !snap.Sending,
	}

	if data.IsUser {
		data.Content = template.HTML(template.HTMLEscapeString(msg.Content))
	} else if content, err := m.renderer.markdown(msg.Content); err != nil {
		m.logger.Warn("Failed to render message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
		data.Content = template.HTML(template.HTMLEscapeString(msg.Content))
	} else {
		data.Content = content
	}

	for _, b := range msg.ActionButtons {
		data.Buttons = append(data.Buttons, buttonData{
			Label:   b.Label,
			Primary: b.IsPrimary,
			Path:    buttonPaths[b.Action],
		})
	}

	lang := "sql"
	if snap.ActiveChat != nil {
		lang = queryLanguage(snap.ActiveChat.Connection.Type)
	}
	for _, q := range msg.Queries {
		data.Queries = append(data.Queries, m.queryView(snap, msg.ID, lang, q))
	}
	return data
}

func (m Main) queryView(snap session.Snapshot, messageID, lang string, q models.Query) queryData {
	state := snap.Queries[q.ID]
	data := queryData{
		MessageID:     messageID,
		ID:            q.ID,
		Description:   q.Description,
		Text:          q.Query,
		IsExecuted:    q.IsExecuted,
		IsRolledBack:  q.IsRolledBack,
		IsCritical:    q.IsCritical,
		IsEdited:      q.IsEdited,
		CanRollback:   q.Rollbackable(),
		CanEdit:       !q.IsExecuted && !state.IsExecuting,
		Executing:     state.IsExecuting,
		Example:       q.ShowsExample(),
		Confirming:    snap.Confirmations[q.ID],
		ExecutionTime: q.ExecutionTime,
		Error:         q.Error,
		Result:        resultView(snap.Results[q.ID]),
	}
	if data.Example {
		data.ExecutionTime = q.ExampleExecutionTime
	}

	highlighted, err := m.renderer.code(lang, q.Query)
	if err != nil {
		m.logger.Warn("Failed to highlight query",
			slog.String("queryID", q.ID),
			slog.String(errLoggerKey, err.Error()))
		highlighted = template.HTML("<pre>" + template.HTMLEscapeString(q.Query) + "</pre>")
	}
	data.Highlighted = highlighted
	return data
}

func resultView(rs session.ResultState) resultData {
	data := resultData{
		Page:     rs.CurrentPage,
		Pages:    rs.PageCount(),
		Total:    rs.TotalRecords,
		HasPrev:  rs.HasPrev(),
		HasNext:  rs.HasNext(),
		PrevPage: rs.CurrentPage - 1,
		NextPage: rs.CurrentPage + 1,
		Loading:  rs.Loading,
		Error:    rs.Error,
	}

	data.Columns = models.Columns(rs.Data)
	if data.Columns == nil {
		for _, v := range rs.Data {
			data.Scalars = append(data.Scalars, models.CellText(v))
		}
		return data
	}
	for _, row := range rs.Data {
		data.Rows = append(data.Rows, rowCells(row, data.Columns))
	}
	return data
}

func rowCells(row json.RawMessage, columns []string) []string {
	cells := make([]string, len(columns))
	_, values, err := models.DecodeRow(row)
	if err != nil {
		return cells
	}
	for i, col := range columns {
		cells[i] = models.CellText(values[col])
	}
	return cells
}
