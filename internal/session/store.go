package session

import (
	"reflect"
	"slices"
	"sync"

	"github.com/neobase-ai/neobase-web-ui/internal/models"
)

// InitialStep is the loading step shown in a placeholder before the backend reports any progress.
const InitialStep = "NeoBase is analyzing your request.."

// Store holds the transcript of the active chat. Messages are kept newest first, the order in which the
// backend pages them, and handed out oldest first for rendering.
//
// At most one message is streaming at any time: every operation that marks a message as streaming clears the
// flag on all the others.
type Store struct {
	mu       sync.Mutex
	messages []models.Message
	version  uint64
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Messages returns a copy of the transcript, oldest first.
func (s *Store) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := make([]models.Message, len(s.messages))
	for i, m := range s.messages {
		msgs[len(s.messages)-1-i] = m.Clone()
	}
	return msgs
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.messages)
}

// Version increases on every change. Renderers use it to skip redundant work.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.version
}

// Message returns a copy of the message with the given id.
func (s *Store) Message(id string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(id)
	if i < 0 {
		return models.Message{}, false
	}
	return s.messages[i].Clone(), true
}

// Query returns a copy of a query of a message.
func (s *Store) Query(messageID, queryID string) (models.Query, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(messageID)
	if i < 0 {
		return models.Query{}, false
	}
	qi := s.messages[i].FindQuery(queryID)
	if qi < 0 {
		return models.Query{}, false
	}
	return s.messages[i].Queries[qi].Clone(), true
}

// Streaming returns the message currently being streamed, if any.
func (s *Store) Streaming() (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.messages {
		if m.IsStreaming {
			return m.Clone(), true
		}
	}
	return models.Message{}, false
}

// HasPlaceholder reports whether a placeholder assistant message is shown.
func (s *Store) HasPlaceholder() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.index(models.PlaceholderID) >= 0
}

// Append adds msg as the newest message. If a message with the same id exists it is replaced in place.
func (s *Store) Append(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.put(msg)
}

// AddPlaceholder shows a loading assistant message with the initial step, replacing any previous placeholder.
func (s *Store) AddPlaceholder() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.remove(models.PlaceholderID)
	s.put(placeholder(InitialStep))
}

// RemovePlaceholder discards the placeholder and reports whether there was one.
func (s *Store) RemovePlaceholder() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.remove(models.PlaceholderID)
}

// Remove discards the message with the given id and reports whether it was there.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.remove(id)
}

// Replace puts msg at the position of the message with id oldID and reports whether oldID was found. A
// different message already holding msg's id is dropped.
func (s *Store) Replace(oldID string, msg models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(oldID)
	if i < 0 {
		return false
	}
	if j := s.index(msg.ID); j >= 0 && j != i {
		s.messages = slices.Delete(s.messages, j, j+1)
		if j < i {
			i--
		}
	}
	msg = msg.Clone()
	if msg.IsStreaming {
		s.clearStreaming()
	}
	s.messages[i] = msg
	s.version++
	return true
}

// ReplacePlaceholder discards the placeholder and adds msg in its place.
func (s *Store) ReplacePlaceholder(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.remove(models.PlaceholderID)
	s.put(msg)
}

// AddStep appends a progress line to the streaming message, marking the previous lines as done. A step equal
// to the last one is dropped, as is the initial step once other steps exist. Without a streaming message a
// placeholder holding the step is created. AddStep reports whether the transcript changed.
func (s *Store) AddStep(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := slices.IndexFunc(s.messages, func(m models.Message) bool { return m.IsStreaming })
	if i < 0 {
		s.put(placeholder(text))
		return true
	}

	msg := &s.messages[i]
	if n := len(msg.LoadingSteps); n > 0 {
		if msg.LoadingSteps[n-1].Text == text || text == InitialStep {
			return false
		}
	}

	steps := make([]models.LoadingStep, 0, len(msg.LoadingSteps)+1)
	for _, st := range msg.LoadingSteps {
		steps = append(steps, models.LoadingStep{Text: st.Text, Done: true})
	}
	msg.LoadingSteps = append(steps, models.LoadingStep{Text: text})
	msg.IsLoading = true
	s.version++
	return true
}

// UpdateMessage applies fn to the message with the given id and reports whether it was found and changed.
func (s *Store) UpdateMessage(id string, fn func(*models.Message)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(id)
	if i < 0 {
		return false
	}

	updated := s.messages[i].Clone()
	fn(&updated)
	if reflect.DeepEqual(updated, s.messages[i]) {
		return false
	}
	if updated.IsStreaming && !s.messages[i].IsStreaming {
		s.clearStreaming()
	}
	s.messages[i] = updated
	s.version++
	return true
}

// UpdateQuery applies fn to a query of a message. Updates that leave the query structurally equal are
// skipped. It reports whether the query was found and changed; unknown ids leave the store untouched.
func (s *Store) UpdateQuery(messageID, queryID string, fn func(*models.Query)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(messageID)
	if i < 0 {
		return false
	}
	qi := s.messages[i].FindQuery(queryID)
	if qi < 0 {
		return false
	}

	updated := s.messages[i].Queries[qi].Clone()
	fn(&updated)
	if reflect.DeepEqual(updated, s.messages[i].Queries[qi]) {
		return false
	}
	s.messages[i].Queries[qi] = updated
	s.version++
	return true
}

// FinishStreaming marks the message as complete.
func (s *Store) FinishStreaming(id string) bool {
	return s.UpdateMessage(id, func(m *models.Message) {
		m.IsStreaming = false
		m.IsLoading = false
	})
}

// ClearStreaming marks every message as complete.
func (s *Store) ClearStreaming() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.clearStreaming() {
		s.version++
	}
}

// MergeHistory adds a page of history, newest first as the backend returns it. Messages already present are
// refreshed in place, unless they are streaming; the others are appended as older messages.
func (s *Store) MergeHistory(page []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range page {
		m.IsStreaming = false
		if i := s.index(m.ID); i >= 0 {
			if !s.messages[i].IsStreaming {
				s.messages[i] = m.Clone()
			}
			continue
		}
		s.messages = append(s.messages, m.Clone())
	}
	s.version++
}

// Reset removes every message.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = nil
	s.version++
}

func placeholder(step string) models.Message {
	return models.Message{
		ID:           models.PlaceholderID,
		Type:         models.RoleAssistant,
		IsLoading:    true,
		IsStreaming:  true,
		LoadingSteps: []models.LoadingStep{{Text: step}},
	}
}

func (s *Store) index(id string) int {
	return slices.IndexFunc(s.messages, func(m models.Message) bool { return m.ID == id })
}

func (s *Store) put(msg models.Message) {
	msg = msg.Clone()
	if msg.IsStreaming {
		s.clearStreaming()
	}
	if i := s.index(msg.ID); i >= 0 {
		s.messages[i] = msg
	} else {
		s.messages = slices.Insert(s.messages, 0, msg)
	}
	s.version++
}

func (s *Store) remove(id string) bool {
	i := s.index(id)
	if i < 0 {
		return false
	}
	s.messages = slices.Delete(s.messages, i, i+1)
	s.version++
	return true
}

func (s *Store) clearStreaming() bool {
	changed := false
	for i := range s.messages {
		if s.messages[i].IsStreaming {
			s.messages[i].IsStreaming = false
			s.messages[i].IsLoading = false
			changed = true
		}
	}
	return changed
}
