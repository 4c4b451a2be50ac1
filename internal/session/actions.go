package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/neobase-ai/neobase-web-ui/internal/models"
)

// Chats reloads the chat list from the backend. When the backend is unreachable the list mirrored by the
// previous successful load is shown instead, and the error is still returned.
func (s *Session) Chats(ctx context.Context) ([]models.Chat, error) {
	chats, err := s.api.Chats(ctx)
	if err != nil {
		if s.mirror != nil {
			if mirrored, mErr := s.mirror.Chats(ctx); mErr == nil && len(mirrored) > 0 {
				s.setChats(mirrored)
				s.notice(NoticeError, "Backend unreachable, showing saved connections")
			}
		}
		return nil, err
	}

	if s.mirror != nil {
		if err := s.mirror.PutChats(ctx, chats); err != nil {
			s.logger.Warn("Failed to mirror chats", slog.String(errLoggerKey, err.Error()))
		}
	}
	s.setChats(chats)
	return chats, nil
}

func (s *Session) setChats(chats []models.Chat) {
	s.mu.Lock()
	s.chats = append([]models.Chat(nil), chats...)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeChats})
}

// Restore selects the chat that was active when the client last ran, if it still exists.
func (s *Session) Restore(ctx context.Context) error {
	if s.mirror == nil {
		return nil
	}
	chatID, err := s.mirror.LastChatID(ctx)
	if err != nil || chatID == "" {
		return err
	}
	if _, ok := s.findChat(chatID); !ok {
		return nil
	}
	return s.SelectChat(ctx, chatID)
}

func (s *Session) findChat(chatID string) (models.Chat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := slices.IndexFunc(s.chats, func(c models.Chat) bool { return c.ID == chatID })
	if i < 0 {
		return models.Chat{}, false
	}
	return s.chats[i], true
}

// CreateChat creates a chat for a new database connection and selects it.
func (s *Session) CreateChat(ctx context.Context, input models.ChatInput) (models.Chat, error) {
	chat, err := s.api.CreateChat(ctx, input)
	if err != nil {
		s.notice(NoticeError, "Failed to create connection: "+err.Error())
		return models.Chat{}, err
	}

	s.mu.Lock()
	s.chats = slices.Insert(s.chats, 0, chat)
	s.mu.Unlock()
	if s.mirror != nil {
		if err := s.mirror.PutChat(ctx, chat); err != nil {
			s.logger.Warn("Failed to mirror chat", slog.String(errLoggerKey, err.Error()))
		}
	}
	s.notify(Change{Kind: ChangeChats})

	return chat, s.SelectChat(ctx, chat.ID)
}

// UpdateChat edits a chat. When the connection of the active chat changes, the database is disconnected and
// connected again so the backend picks up the new settings.
func (s *Session) UpdateChat(ctx context.Context, chatID string, input models.ChatInput) (models.Chat, error) {
	chat, err := s.api.UpdateChat(ctx, chatID, input)
	if err != nil {
		s.notice(NoticeError, "Failed to update connection: "+err.Error())
		return models.Chat{}, err
	}

	s.mu.Lock()
	if i := slices.IndexFunc(s.chats, func(c models.Chat) bool { return c.ID == chatID }); i >= 0 {
		s.chats[i] = chat
	}
	active := s.chat != nil && s.chat.ID == chatID
	if active {
		c := chat
		s.chat = &c
	}
	s.mu.Unlock()
	if s.mirror != nil {
		if err := s.mirror.PutChat(ctx, chat); err != nil {
			s.logger.Warn("Failed to mirror chat", slog.String(errLoggerKey, err.Error()))
		}
	}
	s.notify(Change{Kind: ChangeChats})

	if !active || input.Connection == nil {
		return chat, nil
	}

	streamID, err := s.ensureStream(ctx)
	if err != nil {
		return chat, err
	}
	if err := s.api.Disconnect(ctx, chatID, streamID); err != nil {
		s.logger.Warn("Failed to disconnect before reconnecting",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
	}
	if err := s.api.Connect(ctx, chatID, streamID); err != nil {
		s.setDBConnected(false)
		s.notice(NoticeError, "Failed to reconnect: "+err.Error())
		return chat, err
	}
	s.setDBConnected(true)
	s.notice(NoticeSuccess, "Connection updated")
	return chat, nil
}

// DeleteChat deletes a chat. Deleting the active chat closes it first.
func (s *Session) DeleteChat(ctx context.Context, chatID string) error {
	if err := s.api.DeleteChat(ctx, chatID); err != nil {
		s.notice(NoticeError, "Failed to delete connection: "+err.Error())
		return err
	}

	if s.ActiveChatID() == chatID {
		s.switchMu.Lock()
		s.teardown()
		s.switchMu.Unlock()
		s.notify(Change{Kind: ChangeTranscript})
		s.notify(Change{Kind: ChangeStatus})
	}

	s.mu.Lock()
	s.chats = slices.DeleteFunc(s.chats, func(c models.Chat) bool { return c.ID == chatID })
	s.mu.Unlock()
	if s.mirror != nil {
		if err := s.mirror.DeleteChat(ctx, chatID); err != nil {
			s.logger.Warn("Failed to delete mirrored chat", slog.String(errLoggerKey, err.Error()))
		}
	}
	s.notify(Change{Kind: ChangeChats})
	return nil
}

// SelectChat makes chatID the active chat. The stream of the previous chat is closed exactly once and every
// piece of its state, including the result page cache, is dropped before the new chat's stream is opened,
// its database connected and the first page of its history loaded.
func (s *Session) SelectChat(ctx context.Context, chatID string) error {
	chat, ok := s.findChat(chatID)
	if !ok {
		return ErrChatNotFound
	}

	s.switchMu.Lock()
	s.teardown()
	s.mu.Lock()
	s.chat = &chat
	gen := s.gen
	s.mu.Unlock()

	s.logger.Info("Chat selected", slog.String("chatID", chatID))
	s.notify(Change{Kind: ChangeChats})
	s.notify(Change{Kind: ChangeTranscript})
	s.notify(Change{Kind: ChangeStatus})

	if s.mirror != nil {
		if err := s.mirror.SetLastChatID(ctx, chatID); err != nil {
			s.logger.Warn("Failed to persist selected chat", slog.String(errLoggerKey, err.Error()))
		}
	}

	streamID, err := s.openStream(ctx, chatID)
	s.switchMu.Unlock()
	if err != nil {
		s.notice(NoticeError, "Failed to open stream: "+err.Error())
		return fmt.Errorf("failed to open stream: %w", err)
	}

	if err := s.connect(ctx, gen, chatID, streamID); err != nil {
		return err
	}
	return s.LoadHistory(ctx)
}

// connect asks the backend to connect the chat's database unless it already is.
func (s *Session) connect(ctx context.Context, gen uint64, chatID, streamID string) error {
	status, err := s.api.ConnectionStatus(ctx, chatID)
	if err != nil {
		s.logger.Warn("Failed to get connection status",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
	}
	if !s.isCurrent(gen) {
		return ErrAborted
	}
	if status.IsConnected {
		s.setDBConnected(true)
		return nil
	}

	if err := s.api.Connect(ctx, chatID, streamID); err != nil {
		s.notice(NoticeError, "Failed to connect to database: "+err.Error())
		return err
	}
	return nil
}

// CloseChat disconnects the active chat's database and deselects it.
func (s *Session) CloseChat(ctx context.Context) error {
	chatID, _, err := s.activeChat()
	if err != nil {
		return err
	}
	if err := s.api.Disconnect(ctx, chatID, s.transport.StreamID()); err != nil {
		s.logger.Warn("Failed to disconnect", slog.String("chatID", chatID), slog.String(errLoggerKey, err.Error()))
	}

	s.switchMu.Lock()
	s.teardown()
	s.switchMu.Unlock()

	if s.mirror != nil {
		if err := s.mirror.SetLastChatID(ctx, ""); err != nil {
			s.logger.Warn("Failed to clear selected chat", slog.String(errLoggerKey, err.Error()))
		}
	}
	s.notify(Change{Kind: ChangeChats})
	s.notify(Change{Kind: ChangeTranscript})
	s.notify(Change{Kind: ChangeStatus})
	return nil
}

// Reconnect reopens the stream if needed and asks the backend to connect the database again.
func (s *Session) Reconnect(ctx context.Context) error {
	chatID, _, err := s.activeChat()
	if err != nil {
		return err
	}
	streamID, err := s.ensureStream(ctx)
	if err != nil {
		s.notice(NoticeError, "Failed to open stream: "+err.Error())
		return err
	}
	if err := s.api.Connect(ctx, chatID, streamID); err != nil {
		s.notice(NoticeError, "Failed to connect to database: "+err.Error())
		return err
	}
	return nil
}

// beginSend checks the preconditions of a send or edit and marks a send as in flight.
func (s *Session) beginSend() (string, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chat == nil {
		return "", 0, ErrNoActiveChat
	}
	if s.transport.StreamID() == "" {
		return "", 0, ErrNoStream
	}
	if s.sending {
		return "", 0, ErrSendInFlight
	}
	s.sending = true
	return s.chat.ID, s.gen, nil
}

// SendMessage sends a user message. The message and a placeholder for the answer are shown before the call,
// since stream events for the turn may arrive before the backend replies, and removed if the send fails.
func (s *Session) SendMessage(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}
	chatID, gen, err := s.beginSend()
	if err != nil {
		return err
	}

	streamID, err := s.ensureStream(ctx)
	if err != nil {
		s.finishSend()
		s.notice(NoticeError, "Failed to send message: "+err.Error())
		return err
	}

	now := time.Now()
	local := models.Message{
		ID:        "user-" + uuid.New().String(),
		Type:      models.RoleUser,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if !s.startTurn(gen, &local) {
		return ErrAborted
	}
	s.notify(Change{Kind: ChangeTranscript})

	msg, err := s.api.SendMessage(ctx, chatID, streamID, content)
	if !s.isCurrent(gen) {
		return ErrAborted
	}
	if err != nil {
		s.store.Remove(local.ID)
		s.store.RemovePlaceholder()
		s.finishSend()
		s.notify(Change{Kind: ChangeTranscript})
		s.notice(NoticeError, "Failed to send message: "+err.Error())
		return err
	}

	if msg.ID == "" {
		msg.ID = local.ID
	}
	msg.Type = models.RoleUser
	if msg.Content == "" {
		msg.Content = content
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = local.CreatedAt
	}
	msg.IsStreaming = false
	if s.store.Replace(local.ID, msg) {
		s.notify(Change{Kind: ChangeTranscript})
	}
	return nil
}

// startTurn shows msg, when given, and a fresh placeholder for the answer, unless the chat changed since gen.
// The store is written under mu so a concurrent chat switch either sees the messages and resets them or
// makes startTurn fail.
func (s *Session) startTurn(gen uint64, msg *models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen || s.chat == nil {
		return false
	}
	if msg != nil {
		s.store.Append(*msg)
	}
	s.store.AddPlaceholder()
	return true
}

// EditMessage replaces the content of a user message and re-runs the turn. The new content and the answer
// placeholder are shown right away; the content is restored and the placeholder removed if the backend
// refuses the edit.
func (s *Session) EditMessage(ctx context.Context, messageID, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}
	orig, ok := s.store.Message(messageID)
	if !ok {
		return ErrMessageNotFound
	}
	chatID, gen, err := s.beginSend()
	if err != nil {
		return err
	}

	s.store.UpdateMessage(messageID, func(m *models.Message) {
		m.Content = content
		m.IsEdited = true
	})
	s.notify(Change{Kind: ChangeMessage, MessageID: messageID})

	restore := func(err error) error {
		s.store.UpdateMessage(messageID, func(m *models.Message) {
			m.Content = orig.Content
			m.IsEdited = orig.IsEdited
		})
		s.store.RemovePlaceholder()
		s.finishSend()
		s.notify(Change{Kind: ChangeTranscript})
		s.notice(NoticeError, "Failed to edit message: "+err.Error())
		return err
	}

	streamID, err := s.ensureStream(ctx)
	if err != nil {
		return restore(err)
	}
	if !s.startTurn(gen, nil) {
		return ErrAborted
	}
	s.notify(Change{Kind: ChangeTranscript})

	_, err = s.api.EditMessage(ctx, chatID, messageID, streamID, content)
	if !s.isCurrent(gen) {
		return ErrAborted
	}
	if err != nil {
		return restore(err)
	}
	return nil
}

// CancelStream asks the backend to stop the turn being processed. The backend answers with a
// response-cancelled event.
func (s *Session) CancelStream(ctx context.Context) error {
	chatID, _, err := s.activeChat()
	if err != nil {
		return err
	}
	streamID := s.transport.StreamID()
	if streamID == "" {
		return ErrNoStream
	}
	if err := s.api.CancelStream(ctx, chatID, streamID); err != nil {
		s.notice(NoticeError, "Failed to cancel: "+err.Error())
		return err
	}
	return nil
}

// ClearChat deletes every message of the active chat.
func (s *Session) ClearChat(ctx context.Context) error {
	chatID, gen, err := s.activeChat()
	if err != nil {
		return err
	}
	if err := s.api.ClearMessages(ctx, chatID); err != nil {
		s.notice(NoticeError, "Failed to clear chat: "+err.Error())
		return err
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return ErrAborted
	}
	s.cache.Flush()
	s.results = make(map[string]ResultState)
	s.states = make(map[string]QueryState)
	s.confirmations = make(map[string]string)
	s.historyPage = 1
	s.hasMore = false
	s.mu.Unlock()

	s.store.Reset()
	s.notify(Change{Kind: ChangeTranscript})
	s.notice(NoticeSuccess, "Chat cleared")
	return nil
}

// LoadHistory loads the newest page of the active chat's history.
func (s *Session) LoadHistory(ctx context.Context) error {
	return s.loadHistory(ctx, 1)
}

// LoadMore loads the next older page of history. It does nothing when everything is loaded or a load is
// already running.
func (s *Session) LoadMore(ctx context.Context) error {
	s.mu.Lock()
	page := s.historyPage + 1
	more := s.hasMore
	s.mu.Unlock()

	if !more {
		return nil
	}
	return s.loadHistory(ctx, page)
}

func (s *Session) loadHistory(ctx context.Context, page int) error {
	s.mu.Lock()
	if s.chat == nil {
		s.mu.Unlock()
		return ErrNoActiveChat
	}
	if s.loadingHistory {
		s.mu.Unlock()
		return nil
	}
	s.loadingHistory = true
	chatID, gen := s.chat.ID, s.gen
	s.mu.Unlock()

	res, err := s.api.Messages(ctx, chatID, page, s.cfg.HistoryPageSize)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return ErrAborted
	}
	s.loadingHistory = false
	if err == nil {
		s.historyPage = page
		s.hasMore = res.Total > page*s.cfg.HistoryPageSize
	}
	s.mu.Unlock()

	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.notice(NoticeError, "Failed to load messages: "+err.Error())
		}
		return err
	}

	s.store.MergeHistory(res.Messages)
	s.notify(Change{Kind: ChangeTranscript})
	return nil
}

// RefreshSchema asks the backend to re-read the database schema of the active chat.
func (s *Session) RefreshSchema(ctx context.Context) error {
	chatID, _, err := s.activeChat()
	if err != nil {
		return err
	}
	streamID, err := s.ensureStream(ctx)
	if err != nil {
		return err
	}
	if err := s.api.RefreshSchema(ctx, chatID, streamID); err != nil {
		s.notice(NoticeError, "Failed to refresh knowledge base: "+err.Error())
		return err
	}
	s.notice(NoticeSuccess, "Knowledge base refreshed successfully")
	return nil
}
