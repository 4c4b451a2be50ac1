package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/neobase-ai/neobase-web-ui/internal/models"
	"github.com/neobase-ai/neobase-web-ui/internal/session"
)

type fakeAPI struct {
	mu sync.Mutex

	calls   map[string]int
	chats   []models.Chat
	history map[string][]models.Message
	total   map[string]int
	sent    []string
	offsets []int

	status  models.ConnectionStatus
	sendErr error
	editErr error

	execute func(ctx context.Context, req models.QueryRequest) (models.QueryOutcome, error)
	results func(ctx context.Context, req models.QueryResultsRequest) (models.QueryOutcome, error)
	// onSend runs before SendMessage replies, like stream events that beat the HTTP response.
	onSend func(content string)
}

type fakeTransport struct {
	mu       sync.Mutex
	opens    []string
	closes   int
	open     bool
	streamID string
	openErr  error
}

type fakeMirror struct {
	mu         sync.Mutex
	chats      []models.Chat
	streamID   string
	lastChatID string
}

type recorder struct {
	mu      sync.Mutex
	changes []session.Change
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		calls: make(map[string]int),
		chats: []models.Chat{
			{ID: "c1", Connection: models.Connection{Type: "postgresql", Database: "shop"}},
			{ID: "c2", Connection: models.Connection{Type: "mysql", Database: "crm"}},
		},
		history: make(map[string][]models.Message),
		total:   make(map[string]int),
		status:  models.ConnectionStatus{IsConnected: true},
	}
}

func testConfig() session.Config {
	return session.Config{
		PageSize:        25,
		HistoryPageSize: 20,
		QueryTimeout:    time.Minute,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newSession returns a session with chat c1 selected.
func newSession(t *testing.T, api *fakeAPI, cfg session.Config) (*session.Session, *fakeTransport) {
	t.Helper()

	tr := &fakeTransport{streamID: "stream-1"}
	s := session.New(api, tr, nil, cfg, testLogger())
	t.Cleanup(s.Close)

	ctx := context.Background()
	if _, err := s.Chats(ctx); err != nil {
		t.Fatalf("Chats() error = %v", err)
	}
	if err := s.SelectChat(ctx, "c1"); err != nil {
		t.Fatalf("SelectChat() error = %v", err)
	}
	return s, tr
}

func rows(from, to int) json.RawMessage {
	parts := make([]string, 0, to-from+1)
	for i := from; i <= to; i++ {
		parts = append(parts, fmt.Sprintf(`{"id":%d}`, i))
	}
	return json.RawMessage("[" + strings.Join(parts, ",") + "]")
}

func assistantWithQuery(messageID string, q models.Query) models.Message {
	return models.Message{
		ID:      messageID,
		Type:    models.RoleAssistant,
		Content: "Here you go.",
		Queries: []models.Query{q},
	}
}

func event(t *testing.T, kind models.EventKind, data any) models.StreamEvent {
	t.Helper()

	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	return models.StreamEvent{Event: kind, Data: raw}
}

func findMessage(snap session.Snapshot, id string) (models.Message, bool) {
	for _, m := range snap.Messages {
		if m.ID == id {
			return m, true
		}
	}
	return models.Message{}, false
}

func streamingCount(snap session.Snapshot) int {
	n := 0
	for _, m := range snap.Messages {
		if m.IsStreaming {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSelectChat(t *testing.T) {
	api := newFakeAPI()
	api.history["c1"] = []models.Message{
		{ID: "m2", Type: models.RoleAssistant, Content: "Hi there"},
		{ID: "m1", Type: models.RoleUser, Content: "Hello"},
	}
	api.total["c1"] = 45

	s, tr := newSession(t, api, testConfig())

	snap := s.Snapshot()
	if snap.ActiveChat == nil || snap.ActiveChat.ID != "c1" {
		t.Fatalf("ActiveChat = %v, want c1", snap.ActiveChat)
	}
	if !snap.DBConnected {
		t.Error("DBConnected = false, want true")
	}
	if !snap.StreamOpen {
		t.Error("StreamOpen = false, want true")
	}
	if !snap.HasMore {
		t.Error("HasMore = false, want true")
	}
	if len(snap.Messages) != 2 || snap.Messages[0].ID != "m1" || snap.Messages[1].ID != "m2" {
		t.Errorf("Messages = %v, want m1 then m2", snap.Messages)
	}
	if got := tr.openedChats(); !reflect.DeepEqual(got, []string{"c1"}) {
		t.Errorf("opened chats = %v, want [c1]", got)
	}
	if api.count("connect") != 0 {
		t.Errorf("connect calls = %d, want 0 for an already connected database", api.count("connect"))
	}
}

func TestSelectChatConnectsDatabase(t *testing.T) {
	api := newFakeAPI()
	api.status = models.ConnectionStatus{}

	s, _ := newSession(t, api, testConfig())

	if api.count("connect") != 1 {
		t.Errorf("connect calls = %d, want 1", api.count("connect"))
	}
	if s.Snapshot().DBConnected {
		t.Error("DBConnected = true before the db-connected event")
	}

	s.HandleEvent(context.Background(), "c1", models.StreamEvent{Event: models.EventDBConnected})
	if !s.Snapshot().DBConnected {
		t.Error("DBConnected = false after the db-connected event")
	}

	s.StreamFailed("c1", errors.New("connection reset"))
	snap := s.Snapshot()
	if !snap.DBConnected {
		t.Error("a transport error must not change the database flag")
	}
	if snap.StreamOpen || snap.StreamError != "connection reset" {
		t.Errorf("stream = (%v, %q), want closed with error", snap.StreamOpen, snap.StreamError)
	}
}

func TestSwitchChatDropsState(t *testing.T) {
	api := newFakeAPI()
	api.history["c1"] = []models.Message{assistantWithQuery("m1", models.Query{
		ID:              "q1",
		Query:           "SELECT * FROM orders",
		IsExecuted:      true,
		ExecutionResult: rows(1, 50),
		Pagination:      &models.Pagination{TotalRecordsCount: 120},
	})}
	api.history["c2"] = []models.Message{{ID: "m9", Type: models.RoleUser, Content: "Other chat"}}
	api.results = func(_ context.Context, req models.QueryResultsRequest) (models.QueryOutcome, error) {
		return models.QueryOutcome{ExecutionResult: rows(req.Offset+1, req.Offset+50)}, nil
	}

	s, tr := newSession(t, api, testConfig())
	ctx := context.Background()

	if _, err := s.Page(ctx, "m1", "q1", 3); err != nil {
		t.Fatalf("Page(3) error = %v", err)
	}

	if err := s.SelectChat(ctx, "c2"); err != nil {
		t.Fatalf("SelectChat(c2) error = %v", err)
	}

	if got := tr.closeCount(); got != 1 {
		t.Errorf("transport closes = %d, want 1", got)
	}
	snap := s.Snapshot()
	if snap.ActiveChat == nil || snap.ActiveChat.ID != "c2" {
		t.Fatalf("ActiveChat = %v, want c2", snap.ActiveChat)
	}
	if len(snap.Messages) != 1 || snap.Messages[0].ID != "m9" {
		t.Errorf("Messages = %v, want only m9", snap.Messages)
	}
	if _, ok := snap.Results["q1"]; ok {
		t.Error("result state of the previous chat survived the switch")
	}
	if _, err := s.Page(ctx, "m1", "q1", 4); !errors.Is(err, session.ErrQueryNotFound) {
		t.Errorf("Page() on previous chat error = %v, want %v", err, session.ErrQueryNotFound)
	}
	if _, _, err := s.Export("m1", "q1", session.ExportJSON); !errors.Is(err, session.ErrQueryNotFound) {
		t.Errorf("Export() on previous chat error = %v, want %v", err, session.ErrQueryNotFound)
	}

	// Late events of the previous chat are ignored.
	before := s.Snapshot().Messages
	s.HandleEvent(ctx, "c1", event(t, models.EventAIResponse, models.AIResponse{ID: "late", Content: "late"}))
	if after := s.Snapshot().Messages; !reflect.DeepEqual(before, after) {
		t.Errorf("event of inactive chat changed the transcript: %v", after)
	}
}

func TestSendMessage(t *testing.T) {
	api := newFakeAPI()
	s, _ := newSession(t, api, testConfig())
	ctx := context.Background()

	if err := s.SendMessage(ctx, "   "); !errors.Is(err, session.ErrEmptyMessage) {
		t.Errorf("SendMessage(blank) error = %v, want %v", err, session.ErrEmptyMessage)
	}

	if err := s.SendMessage(ctx, " show all users "); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if got := api.sentMessages(); !reflect.DeepEqual(got, []string{"show all users"}) {
		t.Errorf("sent = %v, want [show all users]", got)
	}

	snap := s.Snapshot()
	if !snap.Sending {
		t.Error("Sending = false while waiting for the answer")
	}
	if len(snap.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(snap.Messages))
	}
	if snap.Messages[0].Type != models.RoleUser || snap.Messages[0].Content != "show all users" {
		t.Errorf("first message = %+v, want the user message", snap.Messages[0])
	}
	ph := snap.Messages[1]
	if ph.ID != models.PlaceholderID || !ph.IsStreaming {
		t.Errorf("second message = %+v, want a streaming placeholder", ph)
	}
	if len(ph.LoadingSteps) != 1 || ph.LoadingSteps[0].Text != session.InitialStep {
		t.Errorf("placeholder steps = %v, want the initial step", ph.LoadingSteps)
	}

	if err := s.SendMessage(ctx, "again"); !errors.Is(err, session.ErrSendInFlight) {
		t.Errorf("second SendMessage() error = %v, want %v", err, session.ErrSendInFlight)
	}

	s.HandleEvent(ctx, "c1", event(t, models.EventAIResponseStep, "Generating query"))
	s.HandleEvent(ctx, "c1", event(t, models.EventAIResponseStep, "Generating query"))

	ph, _ = findMessage(s.Snapshot(), models.PlaceholderID)
	wantSteps := []models.LoadingStep{
		{Text: session.InitialStep, Done: true},
		{Text: "Generating query"},
	}
	if !reflect.DeepEqual(ph.LoadingSteps, wantSteps) {
		t.Errorf("steps = %v, want %v", ph.LoadingSteps, wantSteps)
	}

	s.HandleEvent(ctx, "c1", event(t, models.EventAIResponse, models.AIResponse{
		ID:      "a1",
		Content: "Here are your users.",
		Queries: []models.Query{{
			ID:            "q1",
			Query:         "SELECT * FROM users;SELECT * FROM users",
			ExampleResult: rows(1, 3),
		}},
	}))

	snap = s.Snapshot()
	if snap.Sending {
		t.Error("Sending = true after the answer arrived")
	}
	if _, ok := findMessage(snap, models.PlaceholderID); ok {
		t.Error("placeholder survived the answer")
	}
	got, ok := findMessage(snap, "a1")
	if !ok {
		t.Fatal("answer not in transcript")
	}
	if got.Content != "Here are your users." {
		t.Errorf("Content = %q, want %q", got.Content, "Here are your users.")
	}
	if got.IsStreaming {
		t.Error("answer still streaming after the animation")
	}
	if len(got.Queries) != 1 || got.Queries[0].Query != "SELECT * FROM users" {
		t.Errorf("Queries = %+v, want the deduplicated statement", got.Queries)
	}
	if st := snap.Queries["q1"]; !st.IsExample || st.IsExecuting {
		t.Errorf("query state = %+v, want an idle example", st)
	}
	if rs := snap.Results["q1"]; len(rs.Data) != 3 {
		t.Errorf("len(Results[q1].Data) = %d, want the 3 example rows", len(rs.Data))
	}
}

func TestSendMessageFailure(t *testing.T) {
	api := newFakeAPI()
	api.sendErr = errors.New("backend down")
	s, _ := newSession(t, api, testConfig())

	rec := &recorder{}
	defer s.Subscribe(rec.record)()

	if err := s.SendMessage(context.Background(), "hello"); err == nil {
		t.Fatal("SendMessage() error = nil, want the backend error")
	}
	snap := s.Snapshot()
	if snap.Sending {
		t.Error("Sending = true after a failed send")
	}
	if len(snap.Messages) != 0 {
		t.Errorf("Messages = %v, want none", snap.Messages)
	}
	if !rec.hasNotice(session.NoticeError, "backend down") {
		t.Error("no error notice for the failed send")
	}
}

func TestEventsBeforeSendReply(t *testing.T) {
	tests := []struct {
		name        string
		event       func(t *testing.T) models.StreamEvent
		wantSending bool
		check       func(t *testing.T, snap session.Snapshot)
	}{
		{
			name: "Answer",
			event: func(t *testing.T) models.StreamEvent {
				return event(t, models.EventAIResponse, models.AIResponse{ID: "a1", Content: "Done"})
			},
			check: func(t *testing.T, snap session.Snapshot) {
				if len(snap.Messages) != 2 {
					t.Fatalf("Messages = %+v, want the user message and the answer", snap.Messages)
				}
				if m := snap.Messages[0]; m.ID != "u1" || m.Content != "hello" {
					t.Errorf("first message = %+v, want u1 %q", m, "hello")
				}
				if m := snap.Messages[1]; m.ID != "a1" || m.Content != "Done" || m.IsStreaming {
					t.Errorf("second message = %+v, want the finished answer", m)
				}
			},
		},
		{
			name: "Step",
			event: func(t *testing.T) models.StreamEvent {
				return event(t, models.EventAIResponseStep, "Generating query")
			},
			wantSending: true,
			check: func(t *testing.T, snap session.Snapshot) {
				if len(snap.Messages) != 2 {
					t.Fatalf("Messages = %+v, want the user message and the placeholder", snap.Messages)
				}
				if m := snap.Messages[0]; m.ID != "u1" {
					t.Errorf("first message = %+v, want u1", m)
				}
				ph := snap.Messages[1]
				if ph.ID != models.PlaceholderID || !ph.IsStreaming {
					t.Fatalf("second message = %+v, want a streaming placeholder", ph)
				}
				want := []models.LoadingStep{
					{Text: session.InitialStep, Done: true},
					{Text: "Generating query"},
				}
				if !reflect.DeepEqual(ph.LoadingSteps, want) {
					t.Errorf("steps = %v, want %v", ph.LoadingSteps, want)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeAPI()
			s, _ := newSession(t, api, testConfig())
			ctx := context.Background()
			api.onSend = func(string) {
				s.HandleEvent(ctx, "c1", tt.event(t))
			}

			if err := s.SendMessage(ctx, "hello"); err != nil {
				t.Fatalf("SendMessage() error = %v", err)
			}
			snap := s.Snapshot()
			if snap.Sending != tt.wantSending {
				t.Errorf("Sending = %v, want %v", snap.Sending, tt.wantSending)
			}
			if got := streamingCount(snap); got > 1 {
				t.Errorf("%d messages streaming, want at most one", got)
			}
			tt.check(t, snap)
		})
	}
}

func TestConsecutiveResponseErrors(t *testing.T) {
	api := newFakeAPI()
	s, _ := newSession(t, api, testConfig())
	ctx := context.Background()

	if err := s.SendMessage(ctx, "hello"); err != nil {
		t.Fatal(err)
	}
	s.HandleEvent(ctx, "c1", event(t, models.EventAIResponseError, "first failure"))
	s.HandleEvent(ctx, "c1", event(t, models.EventAIResponseError, "second failure"))

	snap := s.Snapshot()
	var got []string
	ids := map[string]bool{}
	for _, m := range snap.Messages {
		if m.Type == models.RoleAssistant {
			got = append(got, m.Content)
			ids[m.ID] = true
		}
	}
	if want := []string{"first failure", "second failure"}; !reflect.DeepEqual(got, want) {
		t.Errorf("error messages = %q, want %q", got, want)
	}
	if len(ids) != 2 {
		t.Errorf("error message ids = %v, want two distinct ids", ids)
	}
}

func TestResponseEvents(t *testing.T) {
	tests := []struct {
		name        string
		event       models.StreamEvent
		wantContent string
	}{
		{
			name:        "Cancelled",
			event:       models.StreamEvent{Event: models.EventResponseCancelled, Data: json.RawMessage(`"Stopped by you"`)},
			wantContent: "Stopped by you",
		},
		{
			name:        "Cancelled without text",
			event:       models.StreamEvent{Event: models.EventResponseCancelled},
			wantContent: "Response cancelled by user",
		},
		{
			name:        "Response error",
			event:       models.StreamEvent{Event: models.EventAIResponseError, Data: json.RawMessage(`{"error":"model overloaded"}`)},
			wantContent: "model overloaded",
		},
		{
			name:        "Generic error with placeholder",
			event:       models.StreamEvent{Event: models.EventError, Data: json.RawMessage(`"boom"`)},
			wantContent: "boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeAPI()
			s, _ := newSession(t, api, testConfig())
			ctx := context.Background()

			if err := s.SendMessage(ctx, "hello"); err != nil {
				t.Fatal(err)
			}
			s.HandleEvent(ctx, "c1", tt.event)

			snap := s.Snapshot()
			if snap.Sending {
				t.Error("Sending = true after the turn ended")
			}
			if streamingCount(snap) != 0 {
				t.Error("a message is still streaming")
			}
			if _, ok := findMessage(snap, models.PlaceholderID); ok {
				t.Error("placeholder survived")
			}
			last := snap.Messages[len(snap.Messages)-1]
			if last.Type != models.RoleAssistant || last.Content != tt.wantContent {
				t.Errorf("last message = %+v, want assistant %q", last, tt.wantContent)
			}
		})
	}
}

func TestUnknownQueryEventIsNoop(t *testing.T) {
	api := newFakeAPI()
	api.history["c1"] = []models.Message{assistantWithQuery("m1", models.Query{ID: "q1", Query: "SELECT 1"})}
	s, _ := newSession(t, api, testConfig())
	ctx := context.Background()

	before := s.Snapshot()
	for _, kind := range []models.EventKind{
		models.EventQueryResults,
		models.EventQueryExecutionFailed,
		models.EventRollbackExecuted,
		models.EventRollbackQueryFailed,
	} {
		s.HandleEvent(ctx, "c1", event(t, kind, models.QueryOutcome{
			MessageID:       "m1",
			QueryID:         "nope",
			IsExecuted:      true,
			ExecutionResult: rows(1, 2),
		}))
		s.HandleEvent(ctx, "c1", event(t, kind, models.QueryOutcome{MessageID: "nope", QueryID: "q1"}))
	}

	after := s.Snapshot()
	if !reflect.DeepEqual(before.Messages, after.Messages) {
		t.Errorf("Messages changed:\nbefore %+v\nafter  %+v", before.Messages, after.Messages)
	}
	if !reflect.DeepEqual(before.Results, after.Results) {
		t.Errorf("Results changed:\nbefore %+v\nafter  %+v", before.Results, after.Results)
	}
}

func TestQueryEvents(t *testing.T) {
	api := newFakeAPI()
	api.history["c1"] = []models.Message{assistantWithQuery("m1", models.Query{
		ID:          "q1",
		Query:       "DELETE FROM users WHERE id = 1",
		CanRollback: true,
	})}
	s, _ := newSession(t, api, testConfig())
	ctx := context.Background()

	rec := &recorder{}
	defer s.Subscribe(rec.record)()

	total := 1
	s.HandleEvent(ctx, "c1", event(t, models.EventQueryResults, models.QueryOutcome{
		MessageID:         "m1",
		QueryID:           "q1",
		IsExecuted:        true,
		ExecutionResult:   json.RawMessage(`{"rowsAffected":1}`),
		TotalRecordsCount: &total,
	}))

	q := s.Snapshot().Messages[0].Queries[0]
	if !q.IsExecuted || q.IsRolledBack || !q.HasResult() {
		t.Errorf("after query-results: %+v", q)
	}
	if !rec.hasNotice(session.NoticeSuccess, "Query executed!") {
		t.Error("no success notice after query-results")
	}

	s.HandleEvent(ctx, "c1", event(t, models.EventRollbackQueryFailed, map[string]any{
		"message_id": "m1",
		"query_id":   "q1",
		"error":      map[string]string{"code": "FAILED", "message": "constraint violation"},
	}))
	q = s.Snapshot().Messages[0].Queries[0]
	if q.Error == nil || q.HasResult() || q.IsRolledBack {
		t.Errorf("after rollback-query-failed: %+v", q)
	}
	if !rec.hasNotice(session.NoticeError, "Rollback failed: constraint violation") {
		t.Error("no error notice after rollback-query-failed")
	}

	s.HandleEvent(ctx, "c1", event(t, models.EventRollbackExecuted, models.QueryOutcome{
		MessageID:       "m1",
		QueryID:         "q1",
		IsRolledBack:    true,
		ExecutionResult: json.RawMessage(`{"rowsAffected":1}`),
	}))
	q = s.Snapshot().Messages[0].Queries[0]
	if !q.IsExecuted || !q.IsRolledBack || q.Error != nil {
		t.Errorf("after rollback-executed: %+v", q)
	}
	if !rec.hasNotice(session.NoticeSuccess, "Changes reverted") {
		t.Error("no success notice after rollback-executed")
	}
}

func TestPagination(t *testing.T) {
	api := newFakeAPI()
	api.history["c1"] = []models.Message{assistantWithQuery("m1", models.Query{
		ID:              "q1",
		Query:           "SELECT * FROM orders",
		IsExecuted:      true,
		ExecutionResult: rows(1, 50),
		Pagination:      &models.Pagination{TotalRecordsCount: 120},
	})}
	api.results = func(_ context.Context, req models.QueryResultsRequest) (models.QueryOutcome, error) {
		total := 120
		return models.QueryOutcome{
			QueryID:           req.QueryID,
			ExecutionResult:   rows(req.Offset+1, min(req.Offset+50, 120)),
			TotalRecordsCount: &total,
		}, nil
	}
	s, _ := newSession(t, api, testConfig())
	ctx := context.Background()

	steps := []struct {
		page      int
		wantFirst int
		wantLen   int
		wantCalls int
	}{
		{page: 1, wantFirst: 1, wantLen: 25, wantCalls: 0},
		{page: 2, wantFirst: 26, wantLen: 25, wantCalls: 0},
		{page: 1, wantFirst: 1, wantLen: 25, wantCalls: 0},
		{page: 3, wantFirst: 51, wantLen: 25, wantCalls: 1},
		{page: 4, wantFirst: 76, wantLen: 25, wantCalls: 1},
		{page: 3, wantFirst: 51, wantLen: 25, wantCalls: 1},
		{page: 5, wantFirst: 101, wantLen: 20, wantCalls: 2},
	}
	seen := map[int][]json.RawMessage{}
	for _, step := range steps {
		rs, err := s.Page(ctx, "m1", "q1", step.page)
		if err != nil {
			t.Fatalf("Page(%d) error = %v", step.page, err)
		}
		if prev, ok := seen[step.page]; ok && !reflect.DeepEqual(rs.Data, prev) {
			t.Errorf("Page(%d) revisited data = %v, want %v", step.page, rs.Data, prev)
		}
		seen[step.page] = rs.Data
		if rs.CurrentPage != step.page {
			t.Errorf("Page(%d) CurrentPage = %d", step.page, rs.CurrentPage)
		}
		if len(rs.Data) != step.wantLen {
			t.Errorf("Page(%d) len(Data) = %d, want %d", step.page, len(rs.Data), step.wantLen)
		}
		if first := rowID(t, rs.Data[0]); first != step.wantFirst {
			t.Errorf("Page(%d) first row = %d, want %d", step.page, first, step.wantFirst)
		}
		if got := api.count("results"); got != step.wantCalls {
			t.Errorf("after Page(%d) results calls = %d, want %d", step.page, got, step.wantCalls)
		}
	}
	if want := []int{50, 100}; !reflect.DeepEqual(api.fetchedOffsets(), want) {
		t.Errorf("offsets = %v, want %v", api.fetchedOffsets(), want)
	}

	rs := s.Snapshot().Results["q1"]
	if rs.PageCount() != 5 || !rs.HasPrev() || rs.HasNext() {
		t.Errorf("result state = page %d of %d", rs.CurrentPage, rs.PageCount())
	}

	if _, err := s.Page(ctx, "m1", "q1", 6); !errors.Is(err, session.ErrPageOutOfRange) {
		t.Errorf("Page(6) error = %v, want %v", err, session.ErrPageOutOfRange)
	}
}

func TestPageFetchFailure(t *testing.T) {
	api := newFakeAPI()
	api.history["c1"] = []models.Message{assistantWithQuery("m1", models.Query{
		ID:              "q1",
		IsExecuted:      true,
		ExecutionResult: rows(1, 50),
		Pagination:      &models.Pagination{TotalRecordsCount: 80},
	})}
	api.results = func(context.Context, models.QueryResultsRequest) (models.QueryOutcome, error) {
		return models.QueryOutcome{}, errors.New("timeout talking to database")
	}
	s, _ := newSession(t, api, testConfig())

	rs, err := s.Page(context.Background(), "m1", "q1", 3)
	if err == nil {
		t.Fatal("Page(3) error = nil, want the fetch error")
	}
	if rs.Loading || rs.Error == "" {
		t.Errorf("result state = %+v, want an error and no loading flag", rs)
	}
}

func TestExecute(t *testing.T) {
	api := newFakeAPI()
	api.history["c1"] = []models.Message{assistantWithQuery("m1", models.Query{ID: "q1", Query: "SELECT * FROM users"})}

	release := make(chan struct{})
	api.execute = func(_ context.Context, req models.QueryRequest) (models.QueryOutcome, error) {
		<-release
		total := 30
		return models.QueryOutcome{
			MessageID:         req.MessageID,
			QueryID:           req.QueryID,
			IsExecuted:        true,
			ExecutionResult:   rows(1, 30),
			TotalRecordsCount: &total,
		}, nil
	}
	s, _ := newSession(t, api, testConfig())

	rec := &recorder{}
	defer s.Subscribe(rec.record)()

	errc := make(chan error, 1)
	go func() { errc <- s.RequestExecute(context.Background(), "m1", "q1") }()

	waitFor(t, "executing flag", func() bool { return s.Snapshot().Queries["q1"].IsExecuting })
	if err := s.Execute(context.Background(), "m1", "q1"); !errors.Is(err, session.ErrQueryInFlight) {
		t.Errorf("concurrent Execute() error = %v, want %v", err, session.ErrQueryInFlight)
	}
	close(release)

	if err := <-errc; err != nil {
		t.Fatalf("RequestExecute() error = %v", err)
	}

	snap := s.Snapshot()
	if st := snap.Queries["q1"]; st.IsExecuting || st.IsExample {
		t.Errorf("query state = %+v, want idle and not an example", st)
	}
	q := snap.Messages[0].Queries[0]
	if !q.IsExecuted {
		t.Error("IsExecuted = false after execution")
	}
	rs := snap.Results["q1"]
	if rs.TotalRecords != 30 || len(rs.Data) != 25 || rs.PageCount() != 2 {
		t.Errorf("result state = %d rows of %d, %d pages", len(rs.Data), rs.TotalRecords, rs.PageCount())
	}
	if !rec.hasNotice(session.NoticeSuccess, "Query executed!") {
		t.Error("no success notice")
	}
	if api.count("execute") != 1 {
		t.Errorf("execute calls = %d, want 1", api.count("execute"))
	}
}

func TestCriticalQueryRequiresConfirmation(t *testing.T) {
	api := newFakeAPI()
	api.history["c1"] = []models.Message{assistantWithQuery("m1", models.Query{
		ID:         "q1",
		Query:      "DROP TABLE users",
		IsCritical: true,
	})}
	api.execute = func(_ context.Context, req models.QueryRequest) (models.QueryOutcome, error) {
		return models.QueryOutcome{MessageID: req.MessageID, QueryID: req.QueryID, IsExecuted: true}, nil
	}
	s, _ := newSession(t, api, testConfig())
	ctx := context.Background()

	if err := s.RequestExecute(ctx, "m1", "q1"); !errors.Is(err, session.ErrConfirmationRequired) {
		t.Fatalf("RequestExecute() error = %v, want %v", err, session.ErrConfirmationRequired)
	}
	if !s.Snapshot().Confirmations["q1"] {
		t.Error("confirmation not pending")
	}

	s.DismissConfirmation("m1", "q1")
	if s.Snapshot().Confirmations["q1"] {
		t.Error("confirmation still pending after dismiss")
	}
	if err := s.ConfirmExecute(ctx, "m1", "q1"); !errors.Is(err, session.ErrConfirmationRequired) {
		t.Errorf("ConfirmExecute() without pending confirmation error = %v", err)
	}
	if api.count("execute") != 0 {
		t.Fatalf("execute calls = %d, want 0 before confirmation", api.count("execute"))
	}

	if err := s.RequestExecute(ctx, "m1", "q1"); !errors.Is(err, session.ErrConfirmationRequired) {
		t.Fatalf("RequestExecute() error = %v", err)
	}
	if err := s.ConfirmExecute(ctx, "m1", "q1"); err != nil {
		t.Fatalf("ConfirmExecute() error = %v", err)
	}
	if api.count("execute") != 1 {
		t.Errorf("execute calls = %d, want 1", api.count("execute"))
	}
}

func TestRollbackNotAllowed(t *testing.T) {
	tests := []struct {
		name  string
		query models.Query
	}{
		{name: "Not executed", query: models.Query{CanRollback: true}},
		{name: "Already rolled back", query: models.Query{CanRollback: true, IsExecuted: true, IsRolledBack: true}},
		{name: "Failed", query: models.Query{CanRollback: true, IsExecuted: true, Error: &models.QueryError{Message: "x"}}},
		{name: "Not reversible", query: models.Query{IsExecuted: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeAPI()
			q := tt.query
			q.ID = "q1"
			api.history["c1"] = []models.Message{assistantWithQuery("m1", q)}
			s, _ := newSession(t, api, testConfig())

			err := s.Rollback(context.Background(), "m1", "q1")
			if !errors.Is(err, session.ErrRollbackNotAllowed) {
				t.Errorf("Rollback() error = %v, want %v", err, session.ErrRollbackNotAllowed)
			}
			if api.count("rollback") != 0 {
				t.Errorf("rollback calls = %d, want 0", api.count("rollback"))
			}
		})
	}
}

func TestRollback(t *testing.T) {
	api := newFakeAPI()
	api.history["c1"] = []models.Message{assistantWithQuery("m1", models.Query{
		ID:              "q1",
		CanRollback:     true,
		IsExecuted:      true,
		ExecutionResult: json.RawMessage(`{"rowsAffected":3}`),
	})}
	s, _ := newSession(t, api, testConfig())

	rec := &recorder{}
	defer s.Subscribe(rec.record)()

	if err := s.Rollback(context.Background(), "m1", "q1"); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	q := s.Snapshot().Messages[0].Queries[0]
	if !q.IsRolledBack || !q.IsExecuted {
		t.Errorf("query = %+v, want rolled back", q)
	}
	if !rec.hasNotice(session.NoticeSuccess, "Changes reverted") {
		t.Error("no success notice")
	}
	if err := s.Rollback(context.Background(), "m1", "q1"); !errors.Is(err, session.ErrRollbackNotAllowed) {
		t.Errorf("second Rollback() error = %v, want %v", err, session.ErrRollbackNotAllowed)
	}
}

func TestAbortQuerySuppressesLateResponse(t *testing.T) {
	api := newFakeAPI()
	api.history["c1"] = []models.Message{assistantWithQuery("m1", models.Query{ID: "q1", Query: "SELECT pg_sleep(60)"})}

	release := make(chan struct{})
	api.execute = func(_ context.Context, req models.QueryRequest) (models.QueryOutcome, error) {
		<-release
		return models.QueryOutcome{
			MessageID:       req.MessageID,
			QueryID:         req.QueryID,
			IsExecuted:      true,
			ExecutionResult: rows(1, 1),
		}, nil
	}
	s, _ := newSession(t, api, testConfig())
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() { errc <- s.Execute(ctx, "m1", "q1") }()
	waitFor(t, "executing flag", func() bool { return s.Snapshot().Queries["q1"].IsExecuting })

	if err := s.AbortQuery(ctx, "m1", "q1"); err != nil {
		t.Fatalf("AbortQuery() error = %v", err)
	}
	if s.Snapshot().Queries["q1"].IsExecuting {
		t.Error("IsExecuting = true after abort")
	}
	close(release)

	if err := <-errc; !errors.Is(err, session.ErrAborted) {
		t.Errorf("Execute() error = %v, want %v", err, session.ErrAborted)
	}
	if q := s.Snapshot().Messages[0].Queries[0]; q.IsExecuted || q.HasResult() {
		t.Errorf("late response was applied: %+v", q)
	}
	if api.count("cancel-query") != 1 {
		t.Errorf("cancel-query calls = %d, want 1", api.count("cancel-query"))
	}
	if err := s.AbortQuery(ctx, "m1", "q1"); err != nil {
		t.Errorf("second AbortQuery() error = %v", err)
	}
	if api.count("cancel-query") != 1 {
		t.Errorf("cancel-query calls = %d after idle abort, want 1", api.count("cancel-query"))
	}
}

func TestQueryTimeout(t *testing.T) {
	api := newFakeAPI()
	api.history["c1"] = []models.Message{assistantWithQuery("m1", models.Query{ID: "q1", Query: "SELECT 1"})}
	api.execute = func(ctx context.Context, _ models.QueryRequest) (models.QueryOutcome, error) {
		<-ctx.Done()
		return models.QueryOutcome{}, ctx.Err()
	}
	cfg := testConfig()
	cfg.QueryTimeout = 10 * time.Millisecond
	s, _ := newSession(t, api, cfg)

	if err := s.Execute(context.Background(), "m1", "q1"); !errors.Is(err, session.ErrQueryTimeout) {
		t.Errorf("Execute() error = %v, want %v", err, session.ErrQueryTimeout)
	}
	if s.Snapshot().Queries["q1"].IsExecuting {
		t.Error("IsExecuting = true after timeout")
	}
}

func TestEditQuery(t *testing.T) {
	api := newFakeAPI()
	api.history["c1"] = []models.Message{
		assistantWithQuery("m1", models.Query{ID: "q1", Query: "SELECT 1"}),
		assistantWithQuery("m0", models.Query{ID: "q0", Query: "SELECT 0", IsExecuted: true}),
	}
	s, _ := newSession(t, api, testConfig())
	ctx := context.Background()

	if err := s.EditQuery(ctx, "m1", "q1", "SELECT 2"); err != nil {
		t.Fatalf("EditQuery() error = %v", err)
	}
	m, _ := findMessage(s.Snapshot(), "m1")
	if q := m.Queries[0]; q.Query != "SELECT 2" || !q.IsEdited {
		t.Errorf("query = %+v, want edited text", q)
	}
	if err := s.EditQuery(ctx, "m0", "q0", "SELECT 3"); !errors.Is(err, session.ErrQueryExecuted) {
		t.Errorf("EditQuery() on executed query error = %v, want %v", err, session.ErrQueryExecuted)
	}
}

func TestEditMessageRollsBackOnFailure(t *testing.T) {
	api := newFakeAPI()
	api.history["c1"] = []models.Message{{ID: "m1", Type: models.RoleUser, Content: "show users"}}
	api.editErr = errors.New("rejected")
	s, _ := newSession(t, api, testConfig())

	if err := s.EditMessage(context.Background(), "m1", "show orders"); err == nil {
		t.Fatal("EditMessage() error = nil, want the backend error")
	}
	snap := s.Snapshot()
	if m := snap.Messages[0]; m.Content != "show users" || m.IsEdited {
		t.Errorf("message = %+v, want the original content", m)
	}
	if snap.Sending {
		t.Error("Sending = true after a failed edit")
	}
	if _, ok := findMessage(snap, models.PlaceholderID); ok {
		t.Error("placeholder survived the failed edit")
	}

	api.setEditErr(nil)
	if err := s.EditMessage(context.Background(), "m1", "show orders"); err != nil {
		t.Fatalf("EditMessage() error = %v", err)
	}
	snap = s.Snapshot()
	if m := snap.Messages[0]; m.Content != "show orders" || !m.IsEdited {
		t.Errorf("message = %+v, want the edited content", m)
	}
	if _, ok := findMessage(snap, models.PlaceholderID); !ok {
		t.Error("no placeholder after edit")
	}
}

func TestLoadMore(t *testing.T) {
	api := newFakeAPI()
	var history []models.Message
	for i := 45; i >= 1; i-- {
		history = append(history, models.Message{ID: fmt.Sprintf("m%d", i), Type: models.RoleUser, Content: "hi"})
	}
	api.history["c1"] = history
	api.total["c1"] = len(history)
	s, _ := newSession(t, api, testConfig())
	ctx := context.Background()

	for _, want := range []int{40, 45, 45} {
		if err := s.LoadMore(ctx); err != nil {
			t.Fatalf("LoadMore() error = %v", err)
		}
		if got := len(s.Snapshot().Messages); got != want {
			t.Errorf("len(Messages) = %d, want %d", got, want)
		}
	}
	snap := s.Snapshot()
	if snap.HasMore {
		t.Error("HasMore = true after loading everything")
	}
	if snap.Messages[0].ID != "m1" || snap.Messages[44].ID != "m45" {
		t.Errorf("order = %s..%s, want m1..m45", snap.Messages[0].ID, snap.Messages[44].ID)
	}
	if api.count("messages") != 3 {
		t.Errorf("messages calls = %d, want 3", api.count("messages"))
	}
}

func TestDeleteActiveChat(t *testing.T) {
	api := newFakeAPI()
	s, tr := newSession(t, api, testConfig())

	if err := s.DeleteChat(context.Background(), "c1"); err != nil {
		t.Fatalf("DeleteChat() error = %v", err)
	}
	snap := s.Snapshot()
	if snap.ActiveChat != nil {
		t.Errorf("ActiveChat = %v, want none", snap.ActiveChat)
	}
	if len(snap.Chats) != 1 || snap.Chats[0].ID != "c2" {
		t.Errorf("Chats = %v, want only c2", snap.Chats)
	}
	if tr.closeCount() != 1 {
		t.Errorf("transport closes = %d, want 1", tr.closeCount())
	}
	if err := s.SendMessage(context.Background(), "hi"); !errors.Is(err, session.ErrNoActiveChat) {
		t.Errorf("SendMessage() error = %v, want %v", err, session.ErrNoActiveChat)
	}
}

func TestChatsFallBackToMirror(t *testing.T) {
	api := newFakeAPI()
	mirror := &fakeMirror{}
	tr := &fakeTransport{streamID: "stream-1"}
	s := session.New(api, tr, mirror, testConfig(), testLogger())
	defer s.Close()
	ctx := context.Background()

	if _, err := s.Chats(ctx); err != nil {
		t.Fatalf("Chats() error = %v", err)
	}
	if err := s.SelectChat(ctx, "c2"); err != nil {
		t.Fatalf("SelectChat() error = %v", err)
	}
	if mirror.lastChat() != "c2" || mirror.stream() != "stream-1" {
		t.Errorf("mirror state = (%q, %q), want (c2, stream-1)", mirror.lastChat(), mirror.stream())
	}

	offline := session.New(&failingAPI{fakeAPI: newFakeAPI()}, &fakeTransport{}, mirror, testConfig(), testLogger())
	defer offline.Close()
	if _, err := offline.Chats(ctx); err == nil {
		t.Fatal("Chats() error = nil with the backend down")
	}
	if got := offline.Snapshot().Chats; len(got) != 2 {
		t.Errorf("Chats = %v, want the 2 mirrored chats", got)
	}
}

func TestExport(t *testing.T) {
	api := newFakeAPI()
	api.history["c1"] = []models.Message{
		assistantWithQuery("m1", models.Query{
			ID:              "q1",
			IsExecuted:      true,
			ExecutionResult: json.RawMessage(`[{"id":1,"name":"a"},{"id":1, "name":"a"},{"id":2,"name":"b,c","tags":["x"]}]`),
		}),
		assistantWithQuery("m2", models.Query{ID: "q2", IsExecuted: true}),
	}
	s, _ := newSession(t, api, testConfig())

	data, contentType, err := s.Export("m1", "q1", session.ExportCSV)
	if err != nil {
		t.Fatalf("Export(csv) error = %v", err)
	}
	if contentType != "text/csv" {
		t.Errorf("content type = %q", contentType)
	}
	want := "id,name,tags\n1,a,\n2,\"b,c\",\"[\"\"x\"\"]\"\n"
	if string(data) != want {
		t.Errorf("csv = %q, want %q", data, want)
	}

	data, _, err = s.Export("m1", "q1", session.ExportJSON)
	if err != nil {
		t.Fatalf("Export(json) error = %v", err)
	}
	var got []map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("invalid json export: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("len(json rows) = %d, want 2", len(got))
	}

	if _, _, err := s.Export("m2", "q2", session.ExportCSV); !errors.Is(err, session.ErrNoExportData) {
		t.Errorf("Export() of empty result error = %v, want %v", err, session.ErrNoExportData)
	}
}

func rowID(t *testing.T, row json.RawMessage) int {
	t.Helper()

	var r struct {
		ID int `json:"id"`
	}
	if err := json.Unmarshal(row, &r); err != nil {
		t.Fatal(err)
	}
	return r.ID
}

func (r *recorder) record(c session.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) hasNotice(level session.NoticeLevel, substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.changes {
		if c.Kind == session.ChangeNotice && c.Notice.Level == level && strings.Contains(c.Notice.Text, substr) {
			return true
		}
	}
	return false
}

func (f *fakeAPI) hit(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
}

func (f *fakeAPI) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeAPI) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeAPI) fetchedOffsets() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.offsets...)
}

func (f *fakeAPI) setEditErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.editErr = err
}

func (f *fakeAPI) Chats(context.Context) ([]models.Chat, error) {
	f.hit("chats")
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Chat(nil), f.chats...), nil
}

func (f *fakeAPI) CreateChat(_ context.Context, input models.ChatInput) (models.Chat, error) {
	f.hit("create")
	chat := models.Chat{ID: "new"}
	if input.Connection != nil {
		chat.Connection.Database = input.Connection.Database
	}
	f.mu.Lock()
	f.chats = append(f.chats, chat)
	f.mu.Unlock()
	return chat, nil
}

func (f *fakeAPI) UpdateChat(_ context.Context, chatID string, _ models.ChatInput) (models.Chat, error) {
	f.hit("update")
	return models.Chat{ID: chatID}, nil
}

func (f *fakeAPI) DeleteChat(context.Context, string) error {
	f.hit("delete")
	return nil
}

func (f *fakeAPI) Connect(context.Context, string, string) error {
	f.hit("connect")
	return nil
}

func (f *fakeAPI) Disconnect(context.Context, string, string) error {
	f.hit("disconnect")
	return nil
}

func (f *fakeAPI) ConnectionStatus(context.Context, string) (models.ConnectionStatus, error) {
	f.hit("status")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeAPI) RefreshSchema(context.Context, string, string) error {
	f.hit("refresh")
	return nil
}

func (f *fakeAPI) Messages(_ context.Context, chatID string, page, pageSize int) (models.MessagePage, error) {
	f.hit("messages")
	f.mu.Lock()
	defer f.mu.Unlock()

	all := f.history[chatID]
	start := min((page-1)*pageSize, len(all))
	end := min(start+pageSize, len(all))
	total := f.total[chatID]
	if total == 0 {
		total = len(all)
	}
	return models.MessagePage{Messages: append([]models.Message(nil), all[start:end]...), Total: total}, nil
}

func (f *fakeAPI) ClearMessages(context.Context, string) error {
	f.hit("clear")
	return nil
}

func (f *fakeAPI) SendMessage(_ context.Context, _, _, content string) (models.Message, error) {
	f.hit("send")
	f.mu.Lock()
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return models.Message{}, err
	}
	f.sent = append(f.sent, content)
	msg := models.Message{ID: fmt.Sprintf("u%d", len(f.sent)), Type: models.RoleUser, Content: content}
	onSend := f.onSend
	f.mu.Unlock()

	if onSend != nil {
		onSend(content)
	}
	return msg, nil
}

func (f *fakeAPI) EditMessage(_ context.Context, _, messageID, _, content string) (models.Message, error) {
	f.hit("edit")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return models.Message{}, f.editErr
	}
	return models.Message{ID: messageID, Type: models.RoleUser, Content: content, IsEdited: true}, nil
}

func (f *fakeAPI) CancelStream(context.Context, string, string) error {
	f.hit("cancel-stream")
	return nil
}

func (f *fakeAPI) ExecuteQuery(ctx context.Context, _ string, req models.QueryRequest) (models.QueryOutcome, error) {
	f.hit("execute")
	if f.execute != nil {
		return f.execute(ctx, req)
	}
	return models.QueryOutcome{MessageID: req.MessageID, QueryID: req.QueryID, IsExecuted: true}, nil
}

func (f *fakeAPI) RollbackQuery(_ context.Context, _ string, req models.QueryRequest) (models.QueryOutcome, error) {
	f.hit("rollback")
	return models.QueryOutcome{
		MessageID:       req.MessageID,
		QueryID:         req.QueryID,
		IsExecuted:      true,
		IsRolledBack:    true,
		ExecutionResult: json.RawMessage(`{"rowsAffected":3}`),
	}, nil
}

func (f *fakeAPI) CancelQuery(context.Context, string, models.QueryRequest) error {
	f.hit("cancel-query")
	return nil
}

func (f *fakeAPI) QueryResults(ctx context.Context, _ string, req models.QueryResultsRequest) (models.QueryOutcome, error) {
	f.hit("results")
	f.mu.Lock()
	f.offsets = append(f.offsets, req.Offset)
	f.mu.Unlock()
	if f.results != nil {
		return f.results(ctx, req)
	}
	return models.QueryOutcome{}, nil
}

func (f *fakeAPI) EditQuery(context.Context, string, models.EditQueryRequest) error {
	f.hit("edit-query")
	return nil
}

type failingAPI struct {
	*fakeAPI
}

func (f *failingAPI) Chats(context.Context) ([]models.Chat, error) {
	return nil, errors.New("connection refused")
}

func (f *fakeTransport) Open(_ context.Context, chatID string, handler models.StreamHandler) (string, error) {
	f.mu.Lock()
	f.opens = append(f.opens, chatID)
	err := f.openErr
	if err == nil {
		f.open = true
	}
	id := f.streamID
	f.mu.Unlock()

	if err != nil {
		handler.StreamFailed(chatID, err)
		return "", err
	}
	handler.StreamOpened(chatID)
	return id, nil
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.open {
		f.closes++
	}
	f.open = false
}

func (f *fakeTransport) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeTransport) StreamID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streamID
}

func (f *fakeTransport) openedChats() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.opens...)
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (m *fakeMirror) Chats(context.Context) ([]models.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Chat(nil), m.chats...), nil
}

func (m *fakeMirror) PutChats(_ context.Context, chats []models.Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats = append([]models.Chat(nil), chats...)
	return nil
}

func (m *fakeMirror) PutChat(_ context.Context, chat models.Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats = append(m.chats, chat)
	return nil
}

func (m *fakeMirror) DeleteChat(context.Context, string) error {
	return nil
}

func (m *fakeMirror) SetStreamID(_ context.Context, streamID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamID = streamID
	return nil
}

func (m *fakeMirror) LastChatID(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastChatID, nil
}

func (m *fakeMirror) SetLastChatID(_ context.Context, chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastChatID = chatID
	return nil
}

func (m *fakeMirror) lastChat() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastChatID
}

func (m *fakeMirror) stream() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamID
}
