package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/neobase-ai/neobase-web-ui/internal/models"
)

// StreamOpened records that the transport of chatID is live. The database flag is left alone: only
// db-connected and db-disconnected events change it.
func (s *Session) StreamOpened(chatID string) {
	if !s.setStream(chatID, true, "") {
		return
	}
	s.notify(Change{Kind: ChangeStatus})
}

// StreamFailed records a transport error. It is not fatal: the transport keeps reconnecting.
func (s *Session) StreamFailed(chatID string, err error) {
	if !s.setStream(chatID, false, err.Error()) {
		return
	}
	s.notify(Change{Kind: ChangeStatus})
}

func (s *Session) setStream(chatID string, open bool, errText string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chat == nil || s.chat.ID != chatID {
		return false
	}
	s.streamOpen = open
	s.streamErr = errText
	return true
}

// HandleEvent applies one stream event. It returns only once the event, including its typing animation, is
// fully applied, which keeps events strictly ordered. Events of a chat that is no longer active are dropped.
func (s *Session) HandleEvent(ctx context.Context, chatID string, ev models.StreamEvent) {
	if s.ActiveChatID() != chatID {
		s.logger.Debug("Dropping event of inactive chat",
			slog.String("chatID", chatID),
			slog.String("event", string(ev.Event)))
		return
	}

	var err error
	switch ev.Event {
	case models.EventDBConnected:
		s.setDBConnected(true)
	case models.EventDBDisconnected:
		s.setDBConnected(false)
	case models.EventAIResponseStep:
		err = s.handleStep(ctx, ev)
	case models.EventAIResponse:
		err = s.handleResponse(ctx, ev)
	case models.EventAIResponseError:
		err = s.handleResponseError(ev)
	case models.EventError:
		if s.store.HasPlaceholder() {
			err = s.handleResponseError(ev)
			break
		}
		text, _ := ev.Text()
		s.notice(NoticeError, text)
	case models.EventResponseCancelled:
		err = s.handleCancelled(ctx, ev)
	case models.EventQueryResults:
		err = s.handleQueryOutcome(ev, applyExecuted)
	case models.EventQueryExecutionFailed:
		err = s.handleQueryOutcome(ev, applyExecutionFailed)
	case models.EventRollbackExecuted:
		err = s.handleQueryOutcome(ev, applyRolledBack)
	case models.EventRollbackQueryFailed:
		err = s.handleQueryOutcome(ev, applyRollbackFailed)
	case models.EventKeepalive, models.EventComplete:
	default:
		s.logger.Warn("Unknown stream event", slog.String("event", string(ev.Event)))
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("Failed to handle stream event",
			slog.String("event", string(ev.Event)),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (s *Session) setDBConnected(connected bool) {
	s.mu.Lock()
	changed := s.dbConnected != connected
	s.dbConnected = connected
	s.mu.Unlock()

	if changed {
		s.notify(Change{Kind: ChangeStatus})
	}
}

func (s *Session) handleStep(ctx context.Context, ev models.StreamEvent) error {
	text, err := ev.Text()
	if err != nil {
		return err
	}
	if text == "" {
		return nil
	}

	if isFirstStep(s.store) {
		if err := sleep(ctx, s.cfg.StepDelay); err != nil {
			return err
		}
	}

	hadPlaceholder := s.store.HasPlaceholder()
	if !s.store.AddStep(text) {
		return nil
	}
	if hadPlaceholder {
		s.notify(Change{Kind: ChangeMessage, MessageID: models.PlaceholderID})
	} else {
		s.notify(Change{Kind: ChangeTranscript})
	}
	return nil
}

// isFirstStep reports whether no progress was shown yet for the current turn.
func isFirstStep(store *Store) bool {
	msg, ok := store.Streaming()
	if !ok {
		return true
	}
	for _, st := range msg.LoadingSteps {
		if st.Text != InitialStep {
			return false
		}
	}
	return true
}

func (s *Session) handleResponse(ctx context.Context, ev models.StreamEvent) error {
	var res models.AIResponse
	if err := ev.Decode(&res); err != nil {
		return err
	}

	content := models.DedupeContent(res.Content)
	queries := make([]models.Query, len(res.Queries))
	texts := make([]string, len(res.Queries))
	for i, q := range res.Queries {
		texts[i] = models.DedupeQueries(q.Query)
		q.Query = ""
		queries[i] = q
	}

	now := time.Now()
	msg := models.Message{
		ID:            res.ID,
		Type:          models.RoleAssistant,
		Queries:       queries,
		IsStreaming:   true,
		ActionButtons: res.ActionButtons,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if len(queries) == 0 {
		msg.Queries = nil
	}
	s.store.ReplacePlaceholder(msg)
	s.notify(Change{Kind: ChangeTranscript})

	err := s.animator.Run(ctx, msg.ID, func(ctx context.Context) error {
		return s.typeMessage(ctx, msg.ID, content, texts)
	})

	s.store.FinishStreaming(msg.ID)
	s.finishSend()
	s.notify(Change{Kind: ChangeMessage, MessageID: msg.ID})

	for _, q := range res.Queries {
		if q.IsExecuted && q.HasResult() {
			s.seedResults(q.ID, q.ExecutionResult, q.TotalRecords(0))
		}
	}
	return err
}

// typeMessage reveals the content and then each query text of a message. A cancelled run sets every
// remaining text in full.
func (s *Session) typeMessage(ctx context.Context, messageID, content string, queries []string) error {
	err := typeWords(ctx, content, pace{delay: s.cfg.WordDelay}, func(text string) {
		s.setContent(messageID, text)
	})

	for i, text := range queries {
		queryIndex := i
		set := func(text string) {
			if s.store.UpdateMessage(messageID, func(m *models.Message) {
				if queryIndex < len(m.Queries) {
					m.Queries[queryIndex].Query = text
				}
			}) {
				s.notify(Change{Kind: ChangeMessage, MessageID: messageID})
			}
		}
		if err != nil {
			set(text)
			continue
		}
		err = typeWords(ctx, text, pace{delay: s.cfg.QueryWordDelay}, set)
	}
	return err
}

func (s *Session) setContent(messageID, text string) {
	if s.store.UpdateMessage(messageID, func(m *models.Message) { m.Content = text }) {
		s.notify(Change{Kind: ChangeMessage, MessageID: messageID})
	}
}

func (s *Session) handleResponseError(ev models.StreamEvent) error {
	text, err := ev.Text()
	if err != nil {
		return err
	}
	if text == "" {
		text = "Something went wrong while processing your request."
	}

	s.store.RemovePlaceholder()
	now := time.Now()
	s.store.Append(models.Message{
		ID:        "error-" + uuid.New().String(),
		Type:      models.RoleAssistant,
		Content:   text,
		CreatedAt: now,
		UpdatedAt: now,
	})
	s.finishSend()
	s.notify(Change{Kind: ChangeTranscript})
	return nil
}

func (s *Session) handleCancelled(ctx context.Context, ev models.StreamEvent) error {
	text, err := ev.Text()
	if err != nil {
		return err
	}
	if text == "" {
		text = "Response cancelled by user"
	}

	s.store.RemovePlaceholder()
	now := time.Now()
	id := "cancelled-" + uuid.New().String()
	s.store.Append(models.Message{
		ID:          id,
		Type:        models.RoleAssistant,
		IsStreaming: true,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	s.notify(Change{Kind: ChangeTranscript})

	err = s.animator.Run(ctx, id, func(ctx context.Context) error {
		p := pace{delay: s.cfg.CancelWordDelay, jitter: s.cfg.CancelWordJitter}
		return typeWords(ctx, text, p, func(text string) { s.setContent(id, text) })
	})

	s.store.ClearStreaming()
	s.finishSend()
	s.notify(Change{Kind: ChangeTranscript})
	return err
}

func (s *Session) finishSend() {
	s.mu.Lock()
	s.sending = false
	s.mu.Unlock()
}

type outcomeApplier func(q *models.Query, o models.QueryOutcome)

func applyExecuted(q *models.Query, o models.QueryOutcome) {
	q.IsExecuted = true
	q.IsRolledBack = false
	q.ExecutionResult = o.Result()
	if o.ExecutionTime != nil {
		q.ExecutionTime = *o.ExecutionTime
	}
	q.Error = nil
	if o.TotalRecordsCount != nil {
		q.Pagination = &models.Pagination{TotalRecordsCount: *o.TotalRecordsCount}
	}
}

func applyExecutionFailed(q *models.Query, o models.QueryOutcome) {
	q.IsExecuted = false
	q.IsRolledBack = false
	q.ExecutionResult = nil
	q.Error = o.Error
}

func applyRolledBack(q *models.Query, o models.QueryOutcome) {
	q.IsExecuted = true
	q.IsRolledBack = true
	q.ExecutionResult = o.Result()
	if o.ExecutionTime != nil {
		q.ExecutionTime = *o.ExecutionTime
	}
	q.Error = nil
}

func applyRollbackFailed(q *models.Query, o models.QueryOutcome) {
	q.IsRolledBack = false
	q.ExecutionResult = nil
	q.Error = o.Error
}

func (s *Session) handleQueryOutcome(ev models.StreamEvent, apply outcomeApplier) error {
	var o models.QueryOutcome
	if err := ev.Decode(&o); err != nil {
		return err
	}
	if o.Error == nil && (ev.Event == models.EventQueryExecutionFailed || ev.Event == models.EventRollbackQueryFailed) {
		o.Error = &models.QueryError{Message: "query failed"}
	}

	if !s.store.UpdateQuery(o.MessageID, o.QueryID, func(q *models.Query) { apply(q, o) }) {
		return nil
	}
	if len(o.ActionButtons) > 0 {
		s.store.UpdateMessage(o.MessageID, func(m *models.Message) { m.ActionButtons = o.ActionButtons })
	}

	switch ev.Event {
	case models.EventQueryResults, models.EventRollbackExecuted:
		total := 0
		if o.TotalRecordsCount != nil {
			total = *o.TotalRecordsCount
		}
		s.seedResults(o.QueryID, o.Result(), total)
	default:
		s.forgetResults(o.QueryID)
	}

	s.notify(Change{Kind: ChangeMessage, MessageID: o.MessageID})
	switch ev.Event {
	case models.EventQueryResults:
		s.notice(NoticeSuccess, "Query executed!")
	case models.EventRollbackExecuted:
		s.notice(NoticeSuccess, "Changes reverted")
	case models.EventRollbackQueryFailed:
		s.notice(NoticeError, "Rollback failed: "+o.Error.Message)
	}
	return nil
}
