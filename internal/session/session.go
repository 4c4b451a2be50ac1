// Package session holds the client side state of a NeoBase chat: the transcript, the results of executed
// queries and the stream of backend events that keeps both up to date. A Session is driven by user actions
// coming from the browser and by events coming from the backend stream, and tells its observers when
// something they render has changed.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/neobase-ai/neobase-web-ui/internal/models"
)

// API is the backend the session talks to.
type API interface {
	Chats(ctx context.Context) ([]models.Chat, error)
	CreateChat(ctx context.Context, input models.ChatInput) (models.Chat, error)
	UpdateChat(ctx context.Context, chatID string, input models.ChatInput) (models.Chat, error)
	DeleteChat(ctx context.Context, chatID string) error

	Connect(ctx context.Context, chatID, streamID string) error
	Disconnect(ctx context.Context, chatID, streamID string) error
	ConnectionStatus(ctx context.Context, chatID string) (models.ConnectionStatus, error)
	RefreshSchema(ctx context.Context, chatID, streamID string) error

	Messages(ctx context.Context, chatID string, page, pageSize int) (models.MessagePage, error)
	ClearMessages(ctx context.Context, chatID string) error
	SendMessage(ctx context.Context, chatID, streamID, content string) (models.Message, error)
	EditMessage(ctx context.Context, chatID, messageID, streamID, content string) (models.Message, error)
	CancelStream(ctx context.Context, chatID, streamID string) error

	ExecuteQuery(ctx context.Context, chatID string, req models.QueryRequest) (models.QueryOutcome, error)
	RollbackQuery(ctx context.Context, chatID string, req models.QueryRequest) (models.QueryOutcome, error)
	CancelQuery(ctx context.Context, chatID string, req models.QueryRequest) error
	QueryResults(ctx context.Context, chatID string, req models.QueryResultsRequest) (models.QueryOutcome, error)
	EditQuery(ctx context.Context, chatID string, req models.EditQueryRequest) error
}

// Transport is the event stream of the active chat.
type Transport interface {
	Open(ctx context.Context, chatID string, handler models.StreamHandler) (string, error)
	Close()
	IsOpen() bool
	StreamID() string
}

// Mirror persists what the session needs across restarts. It may be nil.
type Mirror interface {
	Chats(ctx context.Context) ([]models.Chat, error)
	PutChats(ctx context.Context, chats []models.Chat) error
	PutChat(ctx context.Context, chat models.Chat) error
	DeleteChat(ctx context.Context, chatID string) error
	SetStreamID(ctx context.Context, streamID string) error
	LastChatID(ctx context.Context) (string, error)
	SetLastChatID(ctx context.Context, chatID string) error
}

// Config tunes the pacing of the typing animation and the size of result and history pages.
type Config struct {
	// StepDelay is waited before the first progress step of a turn is shown.
	StepDelay time.Duration
	// WordDelay paces the reveal of assistant message content.
	WordDelay time.Duration
	// QueryWordDelay paces the reveal of query text.
	QueryWordDelay time.Duration
	// CancelWordDelay and CancelWordJitter pace the reveal of cancellation messages. Each word waits
	// CancelWordDelay plus a random duration up to CancelWordJitter.
	CancelWordDelay  time.Duration
	CancelWordJitter time.Duration

	PageSize        int
	HistoryPageSize int
	QueryTimeout    time.Duration
}

// Errors returned by session operations.
var (
	ErrNoActiveChat         = errors.New("no chat is selected")
	ErrChatNotFound         = errors.New("chat not found")
	ErrNoStream             = errors.New("stream is not open")
	ErrSendInFlight         = errors.New("a message is already being sent")
	ErrEmptyMessage         = errors.New("message is empty")
	ErrMessageNotFound      = errors.New("message not found")
	ErrQueryNotFound        = errors.New("query not found")
	ErrQueryInFlight        = errors.New("query is already running")
	ErrQueryExecuted        = errors.New("query was already executed")
	ErrQueryTimeout         = errors.New("query timed out")
	ErrConfirmationRequired = errors.New("critical query requires confirmation")
	ErrRollbackNotAllowed   = errors.New("query cannot be rolled back")
	ErrAborted              = errors.New("aborted")
	ErrPageOutOfRange       = errors.New("page out of range")
	ErrNoExportData         = errors.New("no data to export")
)

// ChangeKind tells observers what to re-render.
type ChangeKind int

const (
	// ChangeTranscript means messages were added, removed or reordered.
	ChangeTranscript ChangeKind = iota
	// ChangeMessage means a single message changed in place.
	ChangeMessage
	// ChangeChats means the chat list or the selected chat changed.
	ChangeChats
	// ChangeStatus means the database or stream status changed.
	ChangeStatus
	// ChangeNotice carries a transient notification.
	ChangeNotice
)

// NoticeLevel is the severity of a notice.
type NoticeLevel string

// Notice levels.
const (
	NoticeInfo    NoticeLevel = "info"
	NoticeSuccess NoticeLevel = "success"
	NoticeError   NoticeLevel = "error"
)

// Notice is a transient notification shown to the user.
type Notice struct {
	Level NoticeLevel
	Text  string
}

// Change is sent to observers after every committed update.
type Change struct {
	Kind      ChangeKind
	MessageID string
	Notice    Notice
}

// QueryState is the UI state of a query's execute and rollback buttons.
type QueryState struct {
	IsExecuting bool
	IsExample   bool
}

// Snapshot is a consistent copy of everything the UI renders.
type Snapshot struct {
	Chats      []models.Chat
	ActiveChat *models.Chat

	Messages []models.Message
	// Version increases whenever the transcript changes.
	Version uint64

	DBConnected bool
	StreamOpen  bool
	StreamError string
	Sending     bool

	HasMore        bool
	LoadingHistory bool

	Results       map[string]ResultState
	Queries       map[string]QueryState
	Confirmations map[string]bool
}

// Session is the state of the chat client. All methods are safe for concurrent use.
type Session struct {
	api       API
	transport Transport
	mirror    Mirror
	cfg       Config
	logger    *slog.Logger

	store    *Store
	animator *Animator

	// switchMu serializes chat switches and stream (re)opens.
	switchMu sync.Mutex

	mu             sync.Mutex
	chats          []models.Chat
	chat           *models.Chat
	gen            uint64
	dbConnected    bool
	streamOpen     bool
	streamErr      string
	sending        bool
	historyPage    int
	hasMore        bool
	loadingHistory bool
	cache          *PageCache
	results        map[string]ResultState
	states         map[string]QueryState
	slots          map[string]*querySlot
	slotSeq        uint64
	timeouts       map[string]*time.Timer
	confirmations  map[string]string

	obsMu     sync.Mutex
	observers map[int]func(Change)
	nextObs   int
}

const errLoggerKey = "err"

// New creates a session. mirror may be nil.
func New(api API, transport Transport, mirror Mirror, cfg Config, logger *slog.Logger) *Session {
	return &Session{
		api:           api,
		transport:     transport,
		mirror:        mirror,
		cfg:           cfg,
		logger:        logger.With(slog.String("module", "session")),
		store:         NewStore(),
		animator:      NewAnimator(),
		cache:         NewPageCache(cfg.PageSize),
		results:       make(map[string]ResultState),
		states:        make(map[string]QueryState),
		slots:         make(map[string]*querySlot),
		timeouts:      make(map[string]*time.Timer),
		confirmations: make(map[string]string),
		observers:     make(map[int]func(Change)),
	}
}

// Subscribe registers fn to be called after every committed change. Calls happen on the goroutine that made
// the change, so fn must not block. The returned function unregisters fn.
func (s *Session) Subscribe(fn func(Change)) func() {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()

	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn

	return func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		delete(s.observers, id)
	}
}

func (s *Session) notify(c Change) {
	s.obsMu.Lock()
	fns := make([]func(Change), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

func (s *Session) notice(level NoticeLevel, text string) {
	s.notify(Change{Kind: ChangeNotice, Notice: Notice{Level: level, Text: text}})
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() Snapshot {
	msgs := s.store.Messages()
	version := s.store.Version()

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Chats:          append([]models.Chat(nil), s.chats...),
		Messages:       msgs,
		Version:        version,
		DBConnected:    s.dbConnected,
		StreamOpen:     s.streamOpen,
		StreamError:    s.streamErr,
		Sending:        s.sending,
		HasMore:        s.hasMore,
		LoadingHistory: s.loadingHistory,
		Results:        make(map[string]ResultState),
		Queries:        make(map[string]QueryState),
		Confirmations:  make(map[string]bool, len(s.confirmations)),
	}
	if s.chat != nil {
		c := *s.chat
		snap.ActiveChat = &c
	}

	for _, m := range msgs {
		for _, q := range m.Queries {
			snap.Results[q.ID] = s.resultStateLocked(q)
			snap.Queries[q.ID] = s.queryStateLocked(q)
		}
	}
	for queryID := range s.confirmations {
		snap.Confirmations[queryID] = true
	}
	return snap
}

// ActiveChatID returns the id of the selected chat, or an empty string.
func (s *Session) ActiveChatID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chat == nil {
		return ""
	}
	return s.chat.ID
}

// activeChat returns the selected chat id and the generation it belongs to. The generation changes on every
// chat switch, so work started for one chat can tell that its results are stale.
func (s *Session) activeChat() (string, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chat == nil {
		return "", 0, ErrNoActiveChat
	}
	return s.chat.ID, s.gen, nil
}

func (s *Session) isCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.gen == gen && s.chat != nil
}

// ensureStream returns the stream id, reopening the stream of the active chat if it is not live.
func (s *Session) ensureStream(ctx context.Context) (string, error) {
	if s.transport.IsOpen() {
		return s.transport.StreamID(), nil
	}

	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	if s.transport.IsOpen() {
		return s.transport.StreamID(), nil
	}
	chatID, _, err := s.activeChat()
	if err != nil {
		return "", err
	}
	return s.openStream(ctx, chatID)
}

// openStream must be called with switchMu held.
func (s *Session) openStream(ctx context.Context, chatID string) (string, error) {
	streamID, err := s.transport.Open(ctx, chatID, s)
	if err != nil {
		return "", err
	}
	if s.mirror != nil {
		if err := s.mirror.SetStreamID(ctx, streamID); err != nil {
			s.logger.Warn("Failed to persist stream id", slog.String(errLoggerKey, err.Error()))
		}
	}
	return streamID, nil
}

// teardown closes the stream and drops every piece of state that belongs to the active chat. It must be
// called with switchMu held.
func (s *Session) teardown() {
	s.mu.Lock()
	hadChat := s.chat != nil
	s.mu.Unlock()

	if hadChat {
		s.transport.Close()
	}
	s.animator.CancelAll()

	s.mu.Lock()
	for queryID, slot := range s.slots {
		slot.cancel(ErrAborted)
		delete(s.slots, queryID)
	}
	for queryID, t := range s.timeouts {
		t.Stop()
		delete(s.timeouts, queryID)
	}
	s.cache.Flush()
	s.cache = NewPageCache(s.cfg.PageSize)
	s.results = make(map[string]ResultState)
	s.states = make(map[string]QueryState)
	s.confirmations = make(map[string]string)
	s.chat = nil
	s.gen++
	s.dbConnected = false
	s.streamOpen = false
	s.streamErr = ""
	s.sending = false
	s.historyPage = 0
	s.hasMore = false
	s.loadingHistory = false
	s.mu.Unlock()

	s.store.Reset()
}

// Close tears down the active chat. It is called on shutdown.
func (s *Session) Close() {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	s.teardown()
}
